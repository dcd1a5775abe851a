package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/meet-audio-relay/internal/bus"
	"github.com/skypro1111/meet-audio-relay/internal/capture"
	"github.com/skypro1111/meet-audio-relay/internal/metrics"
	"github.com/skypro1111/meet-audio-relay/internal/relay"
	"github.com/skypro1111/meet-audio-relay/internal/store"
	"github.com/skypro1111/meet-audio-relay/internal/transcript"
	"github.com/skypro1111/meet-audio-relay/internal/upload"
)

// Client is the network side of the worker
type Client interface {
	upload.Putter
	transcript.Fetcher
}

// Archiver keeps a copy of uploaded chunks
type Archiver interface {
	Store(ctx context.Context, e upload.Entry) error
}

// Config contains worker configuration
type Config struct {
	Upload        upload.Config
	CaptureMargin time.Duration
}

// TranscriptMessage is the data of a transcript notification to the UI
type TranscriptMessage struct {
	MeetingID    string             `json:"meetingId"`
	ConnectionID string             `json:"connectionId"`
	Entries      []transcript.Entry `json:"entries"`
}

// ReauthRequired is the data of a reauth-required notification
type ReauthRequired struct {
	ConnectionID string `json:"connectionId"`
	TabID        string `json:"tabId,omitempty"`
	Reason       string `json:"reason"`
}

// SessionReply answers recording-started and clear-queue
type SessionReply struct {
	Dropped int `json:"dropped"`
	Queued  int `json:"queued"`
}

// Worker is the only context that talks to the ingestion service. It hosts
// the upload queue and the upload-triggered transcript poller.
type Worker struct {
	bus      *bus.Bus
	queue    *upload.Queue
	poller   *transcript.Poller
	archiver Archiver
	logger   *slog.Logger

	runCtx context.Context
	wg     sync.WaitGroup

	mu         sync.Mutex
	reauthSent string
}

// New creates a worker on b. Pass a nil archiver to disable archiving.
func New(config Config, b *bus.Bus, client Client, archiver Archiver, logger *slog.Logger, m *metrics.Metrics) *Worker {
	if config.CaptureMargin <= 0 {
		config.CaptureMargin = time.Minute
	}

	w := &Worker{
		bus:      b,
		queue:    upload.NewQueue(config.Upload, client, logger, m),
		poller:   transcript.NewPoller("capture", client, config.CaptureMargin, logger, m),
		archiver: archiver,
		logger:   logger,
		runCtx:   context.Background(),
	}

	w.queue.OnUploaded(w.uploaded)
	w.queue.OnUnauthorized(func(e upload.Entry, err error) {
		w.unauthorized(e.ConnectionID, e.TabID, err)
	})
	w.poller.OnEntries = w.entries
	w.poller.OnUnauthorized = func(t transcript.Target, err error) {
		w.unauthorized(t.ConnectionID, "", err)
	}

	w.register()
	return w
}

// Queue exposes the upload queue
func (w *Worker) Queue() *upload.Queue {
	return w.queue
}

// Run serves the bus and drains the queue until ctx is done
func (w *Worker) Run(ctx context.Context) error {
	w.runCtx = ctx
	defer w.wg.Wait()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.bus.Run(ctx)
	})
	g.Go(func() error {
		w.queue.Run(ctx)
		return nil
	})
	return g.Wait()
}

func (w *Worker) register() {
	w.bus.Handle(bus.TypeRecordingStarted, func(_ context.Context, env bus.Envelope) (any, error) {
		msg, err := bus.Decode[capture.RecordingStarted](env.Data)
		if err != nil {
			return nil, err
		}
		dropped := w.queue.BeginSession(msg.ConnectionID)
		return SessionReply{Dropped: dropped, Queued: w.queue.Len()}, nil
	})

	w.bus.Handle(bus.TypeChunk, func(_ context.Context, env bus.Envelope) (any, error) {
		e, err := relay.Decode(env.Data)
		if err != nil {
			return nil, err
		}
		w.queue.Enqueue(e)
		return nil, nil
	})

	w.bus.Handle(bus.TypeClearQueue, func(context.Context, bus.Envelope) (any, error) {
		dropped := w.queue.Clear()
		return SessionReply{Dropped: dropped, Queued: w.queue.Len()}, nil
	})

	w.bus.Handle(bus.TypeAuthUpdated, func(_ context.Context, env bus.Envelope) (any, error) {
		auth, err := bus.Decode[store.Auth](env.Data)
		if err != nil {
			return nil, err
		}
		if !auth.Valid() {
			return nil, nil
		}
		w.mu.Lock()
		w.reauthSent = ""
		w.mu.Unlock()
		return SessionReply{Queued: w.queue.Resume(auth)}, nil
	})
}

func (w *Worker) uploaded(e upload.Entry) {
	ctx := w.runCtx

	if w.archiver != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.archiver.Store(ctx, e)
		}()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.poller.Poll(ctx, transcript.Target{
			Domain:       e.Auth.APIBase(),
			MeetingID:    e.MeetingID,
			Token:        e.Auth.Token,
			ConnectionID: e.ConnectionID,
		})
	}()
}

func (w *Worker) entries(t transcript.Target, entries []transcript.Entry) {
	msg := TranscriptMessage{
		MeetingID:    t.MeetingID,
		ConnectionID: t.ConnectionID,
		Entries:      entries,
	}
	if err := w.bus.Notify(w.runCtx, bus.ContextUI, bus.TypeTranscript, msg); err != nil {
		w.logger.Debug("No UI for transcript entries",
			slog.Int("entries", len(entries)),
			slog.String("error", err.Error()),
		)
	}
}

// unauthorized ends the session and asks for a new login, once per
// connection id
func (w *Worker) unauthorized(connectionID, tabID string, cause error) {
	w.mu.Lock()
	if w.reauthSent == connectionID {
		w.mu.Unlock()
		return
	}
	w.reauthSent = connectionID
	w.mu.Unlock()

	ctx := w.runCtx
	w.logger.Warn("Session unauthorized",
		slog.String("connection_id", connectionID),
		slog.String("error", cause.Error()),
	)

	if err := w.bus.Notify(ctx, bus.ContextCapture, bus.TypeStopCapture, capture.StopRequest{Reason: capture.ReasonUnauthorized}); err != nil {
		w.logger.Warn("Failed to stop capture", slog.String("error", err.Error()))
	}
	if err := w.bus.Notify(ctx, bus.ContextCoordinator, bus.TypeReauthRequired, ReauthRequired{
		ConnectionID: connectionID,
		TabID:        tabID,
		Reason:       cause.Error(),
	}); err != nil {
		w.logger.Warn("Failed to request reauthorization", slog.String("error", err.Error()))
	}
}
