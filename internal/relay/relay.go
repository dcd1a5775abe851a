package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/skypro1111/meet-audio-relay/internal/audio"
	"github.com/skypro1111/meet-audio-relay/internal/bus"
	"github.com/skypro1111/meet-audio-relay/internal/metrics"
	"github.com/skypro1111/meet-audio-relay/internal/store"
	"github.com/skypro1111/meet-audio-relay/internal/upload"
)

// SessionContext is attached to every chunk of one capture session
type SessionContext struct {
	ConnectionID string
	MeetingID    string
	TabID        string
	Auth         store.Auth
}

// ChunkMessage is the data of a chunk notification
type ChunkMessage struct {
	Data         string `json:"data"` // base64
	MimeType     string `json:"mimeType"`
	Index        int    `json:"index"`
	Timestamp    int64  `json:"timestamp"`
	Duration     int    `json:"duration"`
	ConnectionID string `json:"connectionId"`
	MeetingID    string `json:"meetingId"`
	Token        string `json:"token"`
	MainDomain   string `json:"mainDomain"`
	ChromeDomain string `json:"chromeDomain"`
	TabID        string `json:"tabId"`
}

// Encode builds the message for chunk
func Encode(chunk audio.Chunk, session SessionContext) ChunkMessage {
	return ChunkMessage{
		Data:         base64.StdEncoding.EncodeToString(chunk.Payload),
		MimeType:     chunk.MimeType,
		Index:        chunk.Index,
		Timestamp:    chunk.CaptureTimestamp,
		Duration:     chunk.DurationSeconds,
		ConnectionID: session.ConnectionID,
		MeetingID:    session.MeetingID,
		Token:        session.Auth.Token,
		MainDomain:   session.Auth.MainDomain,
		ChromeDomain: session.Auth.ChromeDomain,
		TabID:        session.TabID,
	}
}

// Decode turns chunk notification data back into a queue entry
func Decode(raw json.RawMessage) (upload.Entry, error) {
	msg, err := bus.Decode[ChunkMessage](raw)
	if err != nil {
		return upload.Entry{}, err
	}

	payload, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		return upload.Entry{}, fmt.Errorf("failed to decode chunk %d payload: %w", msg.Index, err)
	}

	return upload.Entry{
		Index:        msg.Index,
		Payload:      payload,
		MimeType:     msg.MimeType,
		Timestamp:    msg.Timestamp,
		Duration:     msg.Duration,
		ConnectionID: msg.ConnectionID,
		MeetingID:    msg.MeetingID,
		TabID:        msg.TabID,
		Auth: store.Auth{
			Token:        msg.Token,
			MainDomain:   msg.MainDomain,
			ChromeDomain: msg.ChromeDomain,
		},
	}, nil
}

// Relay hands encoded chunks to the worker context. Delivery is fire and
// forget; the upload queue owns reliability.
type Relay struct {
	bus     *bus.Bus
	target  string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a relay sending through b to the worker context
func New(b *bus.Bus, logger *slog.Logger, m *metrics.Metrics) *Relay {
	return &Relay{
		bus:     b,
		target:  bus.ContextWorker,
		logger:  logger,
		metrics: m,
	}
}

// Send forwards one chunk
func (r *Relay) Send(ctx context.Context, chunk audio.Chunk, session SessionContext) error {
	err := r.bus.Notify(ctx, r.target, bus.TypeChunk, Encode(chunk, session))
	r.metrics.RecordRelay(err == nil)
	if err != nil {
		r.logger.Warn("Failed to relay chunk",
			slog.Int("index", chunk.Index),
			slog.String("connection_id", session.ConnectionID),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}
