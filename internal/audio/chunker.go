package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/meet-audio-relay/internal/media"
	"github.com/skypro1111/meet-audio-relay/internal/metrics"
)

// ErrTrackEnded is reported when the input track ends while the encoder runs
var ErrTrackEnded = errors.New("audio: input track ended")

// Chunk is one encoded segment handed to the relay
type Chunk struct {
	Index            int    `json:"index"`
	Payload          []byte `json:"-"`
	MimeType         string `json:"mime_type"`
	CaptureTimestamp int64  `json:"timestamp"` // unix seconds
	DurationSeconds  int    `json:"duration"`
}

// EncoderConfig contains configuration for the encoder/chunker
type EncoderConfig struct {
	SampleRate      int
	FlushInterval   time.Duration
	MimeType        string
	DurationSeconds int
}

// EncoderStats represents encoder statistics
type EncoderStats struct {
	ChunksProduced uint64 `json:"chunks_produced"`
	EmptyFlushes   uint64 `json:"empty_flushes"`
	BytesProduced  uint64 `json:"bytes_produced"`
	NextIndex      int    `json:"next_index"`
	PendingSamples int    `json:"pending_samples"`
}

// Encoder accumulates PCM and cuts it into fixed-cadence segments. The
// sequence index only advances for segments that carry data.
type Encoder struct {
	config  EncoderConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	encode  func(samples []int16, sampleRate int) ([]byte, error)
	now     func() time.Time

	// newTicker is swapped in tests to drive flushes by hand
	newTicker func(d time.Duration) (<-chan time.Time, func())

	mu        sync.Mutex
	pending   []int16
	nextIndex int

	chunksProduced uint64
	emptyFlushes   uint64
	bytesProduced  uint64
}

// NewEncoder creates an encoder producing WAV segments
func NewEncoder(config EncoderConfig, logger *slog.Logger, m *metrics.Metrics) *Encoder {
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Second
	}
	if config.MimeType == "" {
		config.MimeType = "audio/wav"
	}
	if config.DurationSeconds <= 0 {
		config.DurationSeconds = 1
	}

	return &Encoder{
		config:  config,
		logger:  logger,
		metrics: m,
		encode:  EncodeWAV,
		now:     time.Now,
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}
}

// Write appends samples to the current segment
func (e *Encoder) Write(samples []int16) {
	if len(samples) == 0 {
		return
	}
	e.mu.Lock()
	e.pending = append(e.pending, samples...)
	e.mu.Unlock()
}

// Flush closes the current segment. It returns nil when the segment is empty;
// an empty segment does not consume an index.
func (e *Encoder) Flush() (*Chunk, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.pending) == 0 {
		e.emptyFlushes++
		e.metrics.RecordEmptyFlush()
		return nil, nil
	}

	payload, err := e.encode(e.pending, e.config.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to encode segment %d: %w", e.nextIndex, err)
	}
	e.pending = e.pending[:0]

	if len(payload) == 0 {
		e.emptyFlushes++
		e.metrics.RecordEmptyFlush()
		return nil, nil
	}

	chunk := &Chunk{
		Index:            e.nextIndex,
		Payload:          payload,
		MimeType:         e.config.MimeType,
		CaptureTimestamp: e.now().Unix(),
		DurationSeconds:  e.config.DurationSeconds,
	}
	e.nextIndex++
	e.chunksProduced++
	e.bytesProduced += uint64(len(payload))
	e.metrics.RecordChunkEncoded(len(payload))

	return chunk, nil
}

// Run reads track until ctx is cancelled, flushing on every interval and
// handing non-empty chunks to sink. A track that ends on its own or an
// encoding failure is reported through onError and stops the loop.
// Cancelling ctx is the intentional stop path; pending samples are dropped.
func (e *Encoder) Run(ctx context.Context, track media.Track, sink func(Chunk), onError func(error)) {
	ticks, stopTicker := e.newTicker(e.config.FlushInterval)
	defer stopTicker()

	fail := func(err error) {
		if ctx.Err() != nil {
			return
		}
		e.logger.Warn("Encoder stopped with error", slog.String("error", err.Error()))
		if onError != nil {
			onError(err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case f := <-track.Frames():
			e.Write(f.Samples)

		case <-track.Done():
			fail(ErrTrackEnded)
			return

		case <-ticks:
			chunk, err := e.Flush()
			if err != nil {
				fail(err)
				return
			}
			if chunk != nil {
				sink(*chunk)
			}
		}
	}
}

// NextIndex returns the index the next non-empty chunk will receive
func (e *Encoder) NextIndex() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextIndex
}

// GetStats returns current encoder statistics
func (e *Encoder) GetStats() EncoderStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	return EncoderStats{
		ChunksProduced: e.chunksProduced,
		EmptyFlushes:   e.emptyFlushes,
		BytesProduced:  e.bytesProduced,
		NextIndex:      e.nextIndex,
		PendingSamples: len(e.pending),
	}
}
