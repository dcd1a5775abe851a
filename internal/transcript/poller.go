package transcript

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/meet-audio-relay/internal/bus"
	"github.com/skypro1111/meet-audio-relay/internal/metrics"
)

// Target identifies whose transcript is polled and with which credentials
type Target struct {
	Domain       string
	MeetingID    string
	Token        string
	ConnectionID string
}

// Poller fetches new transcript entries and keeps its own watermark.
// At most one poll runs at a time. A call that overlaps a running poll
// returns at once and leaves one follow-up poll for the running one to do.
type Poller struct {
	name      string
	fetcher   Fetcher
	watermark *Watermark
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	polling bool
	pending *Target

	// OnEntries receives every non-empty batch
	OnEntries func(Target, []Entry)
	// OnUnauthorized is called when the service rejects the poll
	OnUnauthorized func(Target, error)
}

// NewPoller creates a poller whose watermark trails the newest entry by margin
func NewPoller(name string, fetcher Fetcher, margin time.Duration, logger *slog.Logger, m *metrics.Metrics) *Poller {
	return &Poller{
		name:      name,
		fetcher:   fetcher,
		watermark: NewWatermark(margin),
		logger:    logger.With(slog.String("poller", name)),
		metrics:   m,
	}
}

// Watermark exposes the poller's watermark
func (p *Poller) Watermark() *Watermark {
	return p.watermark
}

// Poll runs one fetch for target. It returns the number of entries received;
// a deferred poll returns 0 and no error.
func (p *Poller) Poll(ctx context.Context, target Target) (int, error) {
	p.mu.Lock()
	if p.polling {
		p.pending = &target
		p.mu.Unlock()
		return 0, nil
	}
	p.polling = true
	p.mu.Unlock()

	n, err := p.poll(ctx, target)

	for {
		p.mu.Lock()
		next := p.pending
		p.pending = nil
		if next == nil {
			p.polling = false
			p.mu.Unlock()
			return n, err
		}
		p.mu.Unlock()

		if ctx.Err() != nil {
			continue
		}
		p.poll(ctx, *next)
	}
}

func (p *Poller) poll(ctx context.Context, target Target) (int, error) {
	req := FetchRequest{
		Domain:       target.Domain,
		MeetingID:    target.MeetingID,
		Token:        target.Token,
		Since:        p.watermark.Get(target.MeetingID),
		ConnectionID: target.ConnectionID,
	}

	entries, err := p.fetcher.FetchTranscript(ctx, req)
	p.metrics.RecordTranscriptPoll(p.name, len(entries), err)
	if err != nil {
		if IsUnauthorized(err) {
			p.logger.Warn("Transcript poll rejected",
				slog.String("meeting_id", target.MeetingID),
				slog.String("error", err.Error()),
			)
			if p.OnUnauthorized != nil {
				p.OnUnauthorized(target, err)
			}
			return 0, err
		}
		p.logger.Debug("Transcript poll failed",
			slog.String("meeting_id", target.MeetingID),
			slog.String("error", err.Error()),
		)
		return 0, err
	}

	if len(entries) == 0 {
		return 0, nil
	}

	if p.watermark.Advance(target.MeetingID, entries) {
		p.logger.Debug("Watermark advanced",
			slog.String("meeting_id", target.MeetingID),
			slog.Time("watermark", *p.watermark.Get(target.MeetingID)),
		)
	}
	if p.OnEntries != nil {
		p.OnEntries(target, entries)
	}
	return len(entries), nil
}

// Watcher drives a poller on its own timer, independent of uploads
type Watcher struct {
	poller   *Poller
	interval time.Duration
	target   func() (Target, bool)
	logger   *slog.Logger
}

// NewWatcher polls target() every interval while it reports a target
func NewWatcher(poller *Poller, interval time.Duration, target func() (Target, bool), logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Watcher{
		poller:   poller,
		interval: interval,
		target:   target,
		logger:   logger,
	}
}

// Run polls until ctx is done
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Watcher) tick(ctx context.Context) {
	target, ok := w.target()
	if !ok {
		return
	}
	w.poller.Poll(ctx, target)
}

// FetchReply is the coordinator's answer to a fetch-transcript request
type FetchReply struct {
	Entries      []Entry `json:"entries"`
	Unauthorized bool    `json:"unauthorized,omitempty"`
}

// BusFetcher fetches through the coordinator, which attaches the token.
// It is what the UI context uses since it never talks to the network.
type BusFetcher struct {
	Bus *bus.Bus
}

// FetchTranscript implements Fetcher
func (f *BusFetcher) FetchTranscript(ctx context.Context, req FetchRequest) ([]Entry, error) {
	raw, err := f.Bus.Request(ctx, bus.ContextCoordinator, bus.TypeFetchTranscript, FetchRequest{
		MeetingID:    req.MeetingID,
		Since:        req.Since,
		ConnectionID: req.ConnectionID,
	})
	if err != nil {
		return nil, err
	}

	reply, err := bus.Decode[FetchReply](raw)
	if err != nil {
		return nil, err
	}
	if reply.Unauthorized {
		return nil, ErrUnauthorized
	}
	return reply.Entries, nil
}
