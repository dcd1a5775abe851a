package upload

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/meet-audio-relay/internal/metrics"
	"github.com/skypro1111/meet-audio-relay/internal/store"
	"github.com/skypro1111/meet-audio-relay/internal/transcript"
)

// Putter transmits one chunk to the ingestion service
type Putter interface {
	PutChunk(ctx context.Context, chunk transcript.ChunkUpload) error
}

// Entry is a queued chunk with its session context
type Entry struct {
	Index        int
	Payload      []byte
	MimeType     string
	Timestamp    int64
	Duration     int
	ConnectionID string
	MeetingID    string
	TabID        string
	Auth         store.Auth

	// held entries were rejected and wait for fresh credentials
	held bool
}

// Upload converts the entry into the ingestion request
func (e Entry) Upload() transcript.ChunkUpload {
	return transcript.ChunkUpload{
		Domain:       e.Auth.APIBase(),
		MeetingID:    e.MeetingID,
		ConnectionID: e.ConnectionID,
		Token:        e.Auth.Token,
		Index:        e.Index,
		Timestamp:    e.Timestamp,
		Duration:     e.Duration,
		Payload:      e.Payload,
	}
}

// Config contains queue configuration
type Config struct {
	DrainInterval time.Duration
}

// QueueStats represents queue statistics
type QueueStats struct {
	Uploaded     uint64 `json:"uploaded"`
	Retries      uint64 `json:"retries"`
	Rejected     uint64 `json:"rejected"`
	StaleDropped uint64 `json:"stale_dropped"`
	Depth        int    `json:"depth"`
	InFlight     bool   `json:"in_flight"`
	Paused       bool   `json:"paused"`
	Session      string `json:"session"`
}

// Queue uploads chunks strictly one at a time in FIFO order. A failed entry
// goes back to the front so nothing behind it can overtake it.
type Queue struct {
	config  Config
	putter  Putter
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	entries    []Entry
	inFlight   bool
	paused     bool
	session    string
	active     bool
	started    bool
	generation uint64
	notified   string

	onUploaded     func(Entry)
	onUnauthorized func(Entry, error)

	uploaded     uint64
	retries      uint64
	rejected     uint64
	staleDropped uint64
}

// NewQueue creates an empty queue
func NewQueue(config Config, putter Putter, logger *slog.Logger, m *metrics.Metrics) *Queue {
	if config.DrainInterval <= 0 {
		config.DrainInterval = 100 * time.Millisecond
	}
	return &Queue{
		config:  config,
		putter:  putter,
		logger:  logger,
		metrics: m,
	}
}

// OnUploaded sets the callback invoked after each successful upload
func (q *Queue) OnUploaded(fn func(Entry)) {
	q.mu.Lock()
	q.onUploaded = fn
	q.mu.Unlock()
}

// OnUnauthorized sets the callback invoked when the service rejects a
// session. It fires at most once per connection id until Resume.
func (q *Queue) OnUnauthorized(fn func(Entry, error)) {
	q.mu.Lock()
	q.onUnauthorized = fn
	q.mu.Unlock()
}

// BeginSession starts accepting chunks for connectionID and drops every
// queued entry of any other session. It returns how many were dropped.
func (q *Queue) BeginSession(connectionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.entries[:0]
	dropped := 0
	for _, e := range q.entries {
		if e.ConnectionID == connectionID {
			kept = append(kept, e)
			continue
		}
		dropped++
	}
	clear(q.entries[len(kept):])
	q.entries = kept

	q.session = connectionID
	q.active = true
	q.started = true
	q.paused = false
	q.generation++

	q.staleDropped += uint64(dropped)
	q.metrics.RecordStaleDropped(dropped)
	q.metrics.SetQueueDepth(len(q.entries))

	q.logger.Info("Upload session started",
		slog.String("connection_id", connectionID),
		slog.Int("stale_dropped", dropped),
	)
	return dropped
}

// Enqueue appends e if it belongs to the active session
func (q *Queue) Enqueue(e Entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.started {
		// Worker came up mid-session, adopt the sender's session
		q.session = e.ConnectionID
		q.active = true
		q.started = true
	}

	if !q.active || e.ConnectionID != q.session {
		q.staleDropped++
		q.metrics.RecordStaleDropped(1)
		q.logger.Debug("Dropping chunk of inactive session",
			slog.String("connection_id", e.ConnectionID),
			slog.Int("index", e.Index),
		)
		return false
	}

	q.entries = append(q.entries, e)
	q.metrics.SetQueueDepth(len(q.entries))
	return true
}

// Clear ends the session and drops every queued entry except the ones held
// for reauthorization. It returns how many were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.entries[:0]
	dropped := 0
	for _, e := range q.entries {
		if e.held {
			kept = append(kept, e)
			continue
		}
		dropped++
	}
	clear(q.entries[len(kept):])
	q.entries = kept
	q.active = false
	q.generation++
	q.metrics.SetQueueDepth(len(q.entries))

	if dropped > 0 || len(kept) > 0 {
		q.logger.Info("Upload queue cleared",
			slog.Int("dropped", dropped),
			slog.Int("held", len(kept)),
		)
	}
	return dropped
}

// Resume re-stamps every queued entry with fresh credentials and unpauses
// the queue. It returns the number of entries re-stamped.
func (q *Queue) Resume(auth store.Auth) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.entries {
		q.entries[i].Auth = auth
		q.entries[i].held = false
	}
	wasPaused := q.paused
	q.paused = false
	q.notified = ""

	if wasPaused {
		q.logger.Info("Upload queue resumed", slog.Int("entries", len(q.entries)))
	}
	return len(q.entries)
}

// Tick uploads the head entry if nothing is in flight. It returns true
// when a network call was made.
func (q *Queue) Tick(ctx context.Context) bool {
	q.mu.Lock()
	if q.inFlight || q.paused || len(q.entries) == 0 {
		q.mu.Unlock()
		return false
	}

	e := q.popFront()
	if len(e.Payload) == 0 {
		q.metrics.SetQueueDepth(len(q.entries))
		q.mu.Unlock()
		return false
	}

	q.inFlight = true
	gen := q.generation
	q.mu.Unlock()

	start := time.Now()
	err := q.putter.PutChunk(ctx, e.Upload())
	elapsed := time.Since(start)

	q.mu.Lock()
	q.inFlight = false

	if gen != q.generation {
		// Session was reset while the upload ran; the entry belongs to it
		q.metrics.SetQueueDepth(len(q.entries))
		q.mu.Unlock()
		q.logger.Debug("Discarding result of reset session",
			slog.String("connection_id", e.ConnectionID),
			slog.Int("index", e.Index),
		)
		return true
	}

	switch {
	case err == nil:
		q.uploaded++
		onUploaded := q.onUploaded
		q.metrics.SetQueueDepth(len(q.entries))
		q.mu.Unlock()

		q.metrics.RecordUploadSuccess(elapsed.Seconds())
		q.logger.Debug("Chunk uploaded",
			slog.String("connection_id", e.ConnectionID),
			slog.Int("index", e.Index),
			slog.Duration("elapsed", elapsed),
		)
		if onUploaded != nil {
			onUploaded(e)
		}

	case transcript.IsUnauthorized(err):
		e.held = true
		q.entries = append([]Entry{e}, q.entries...)
		q.paused = true
		q.rejected++
		notify := q.notified != e.ConnectionID
		q.notified = e.ConnectionID
		onUnauthorized := q.onUnauthorized
		q.metrics.SetQueueDepth(len(q.entries))
		q.mu.Unlock()

		q.metrics.RecordUploadRejected()
		q.logger.Warn("Chunk upload rejected, pausing queue",
			slog.String("connection_id", e.ConnectionID),
			slog.Int("index", e.Index),
			slog.String("error", err.Error()),
		)
		if notify && onUnauthorized != nil {
			onUnauthorized(e, err)
		}

	default:
		q.entries = append([]Entry{e}, q.entries...)
		q.retries++
		q.metrics.SetQueueDepth(len(q.entries))
		q.mu.Unlock()

		q.metrics.RecordUploadRetry()
		q.logger.Debug("Chunk upload failed, will retry",
			slog.String("connection_id", e.ConnectionID),
			slog.Int("index", e.Index),
			slog.String("error", err.Error()),
		)
	}
	return true
}

// popFront removes the head entry. Entries shift down so the backing array
// holds no payload past the queue length.
func (q *Queue) popFront() Entry {
	e := q.entries[0]
	n := copy(q.entries, q.entries[1:])
	q.entries[n] = Entry{}
	q.entries = q.entries[:n]
	return e
}

// Run drains the queue on the configured cadence until ctx is done
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.config.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Tick(ctx)
		}
	}
}

// Len returns the number of queued entries
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// InFlight reports whether an upload is running
func (q *Queue) InFlight() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// Paused reports whether the queue waits for reauthorization
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// GetStats returns current queue statistics
func (q *Queue) GetStats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return QueueStats{
		Uploaded:     q.uploaded,
		Retries:      q.retries,
		Rejected:     q.rejected,
		StaleDropped: q.staleDropped,
		Depth:        len(q.entries),
		InFlight:     q.inFlight,
		Paused:       q.paused,
		Session:      q.session,
	}
}
