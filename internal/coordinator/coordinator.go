package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/skypro1111/meet-audio-relay/internal/bus"
	"github.com/skypro1111/meet-audio-relay/internal/capture"
	"github.com/skypro1111/meet-audio-relay/internal/device"
	"github.com/skypro1111/meet-audio-relay/internal/store"
	"github.com/skypro1111/meet-audio-relay/internal/transcript"
	"github.com/skypro1111/meet-audio-relay/internal/worker"
)

var ErrInvalidAuth = errors.New("coordinator: auth payload needs a token and a domain")

// WindowState is the persisted state of the UI window
type WindowState struct {
	State  string `json:"state"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// TabClosed is the data of a tab-closed notification
type TabClosed struct {
	TabID string `json:"tabId"`
}

// ListDevicesRequest selects the device kind to list; empty means audio inputs
type ListDevicesRequest struct {
	Kind device.Kind `json:"kind,omitempty"`
}

// Coordinator relays UI requests to the capture context and performs
// authenticated calls on the UI's behalf
type Coordinator struct {
	bus     *bus.Bus
	store   *store.Store
	devices *device.Enumerator
	fetcher transcript.Fetcher
	logger  *slog.Logger

	mu       sync.Mutex
	prompted string
}

// New creates a coordinator and registers its handlers on b
func New(b *bus.Bus, st *store.Store, devices *device.Enumerator, fetcher transcript.Fetcher, logger *slog.Logger) *Coordinator {
	c := &Coordinator{
		bus:     b,
		store:   st,
		devices: devices,
		fetcher: fetcher,
		logger:  logger,
	}
	c.register()
	return c
}

func (c *Coordinator) register() {
	c.bus.Handle(bus.TypeStartCapture, c.handleStart)
	c.bus.Handle(bus.TypeStopCapture, c.forward(bus.TypeStopCapture))
	c.bus.Handle(bus.TypeCaptureStatus, c.forward(bus.TypeCaptureStatus))
	c.bus.Handle(bus.TypeFetchTranscript, c.handleFetch)
	c.bus.Handle(bus.TypeSetAuth, c.handleSetAuth)
	c.bus.Handle(bus.TypeSetMicrophone, c.handleSetMicrophone)
	c.bus.Handle(bus.TypeListDevices, c.handleListDevices)
	c.bus.Handle(bus.TypeSetWindowState, c.handleSetWindowState)
	c.bus.Handle(bus.TypeTabClosed, c.handleTabClosed)
	c.bus.Handle(bus.TypeReauthRequired, c.handleReauth)
}

func (c *Coordinator) handleStart(ctx context.Context, env bus.Envelope) (any, error) {
	req, err := bus.Decode[capture.StartRequest](env.Data)
	if err != nil {
		return nil, err
	}

	auth, ok := c.store.Auth()
	if !ok || !auth.Valid() {
		c.notifyUI(ctx, bus.TypeOpenLogin, capture.Prompt{Reason: capture.ErrLoginRequired.Error(), URL: auth.LoginURL()})
		return nil, capture.ErrLoginRequired
	}

	return c.bus.Request(ctx, bus.ContextCapture, bus.TypeStartCapture, req)
}

// forward relays a request unchanged to the capture context
func (c *Coordinator) forward(msgType string) bus.Handler {
	return func(ctx context.Context, env bus.Envelope) (any, error) {
		if !env.IsRequest() {
			return nil, c.bus.Notify(ctx, bus.ContextCapture, msgType, env.Data)
		}
		return c.bus.Request(ctx, bus.ContextCapture, msgType, env.Data)
	}
}

func (c *Coordinator) handleFetch(ctx context.Context, env bus.Envelope) (any, error) {
	req, err := bus.Decode[transcript.FetchRequest](env.Data)
	if err != nil {
		return nil, err
	}

	auth, ok := c.store.Auth()
	if !ok || !auth.Valid() {
		c.abortCapture(ctx, req.ConnectionID)
		return transcript.FetchReply{Unauthorized: true}, nil
	}
	req.Domain = auth.APIBase()
	req.Token = auth.Token

	entries, err := c.fetcher.FetchTranscript(ctx, req)
	if err != nil {
		if transcript.IsUnauthorized(err) {
			c.abortCapture(ctx, req.ConnectionID)
			return transcript.FetchReply{Unauthorized: true}, nil
		}
		return nil, err
	}
	return transcript.FetchReply{Entries: entries}, nil
}

func (c *Coordinator) handleSetAuth(ctx context.Context, env bus.Envelope) (any, error) {
	auth, err := bus.Decode[store.Auth](env.Data)
	if err != nil {
		return nil, err
	}
	if !auth.Valid() {
		return nil, ErrInvalidAuth
	}
	if err := c.store.Set(store.KeyAuth, auth); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.prompted = ""
	c.mu.Unlock()

	c.logger.Info("Auth updated", slog.String("domain", auth.APIBase()))
	if err := c.bus.Notify(ctx, bus.ContextWorker, bus.TypeAuthUpdated, auth); err != nil {
		c.logger.Warn("Failed to notify worker of new auth", slog.String("error", err.Error()))
	}
	return nil, nil
}

func (c *Coordinator) handleSetMicrophone(ctx context.Context, env bus.Envelope) (any, error) {
	mic, err := bus.Decode[store.Microphone](env.Data)
	if err != nil {
		return nil, err
	}
	d, err := c.devices.ResolveMicrophone(ctx, mic.Label)
	if err != nil {
		return nil, err
	}
	if err := c.store.Set(store.KeyMicrophone, store.Microphone{Label: d.Label}); err != nil {
		return nil, err
	}
	return d, nil
}

func (c *Coordinator) handleListDevices(ctx context.Context, env bus.Envelope) (any, error) {
	req, err := bus.Decode[ListDevicesRequest](env.Data)
	if err != nil {
		return nil, err
	}
	if req.Kind == "" {
		req.Kind = device.KindAudioInput
	}
	return c.devices.List(ctx, req.Kind)
}

func (c *Coordinator) handleSetWindowState(_ context.Context, env bus.Envelope) (any, error) {
	state, err := bus.Decode[WindowState](env.Data)
	if err != nil {
		return nil, err
	}
	return nil, c.store.Set(store.KeyWindowState, state)
}

func (c *Coordinator) handleTabClosed(ctx context.Context, env bus.Envelope) (any, error) {
	msg, err := bus.Decode[TabClosed](env.Data)
	if err != nil {
		return nil, err
	}
	if c.store.Capturing() && c.store.CapturedTabID() != msg.TabID {
		return nil, nil
	}

	// The capture context decides: the tab may still be starting
	raw, err := c.bus.Request(ctx, bus.ContextCapture, bus.TypeStopCapture, capture.StopRequest{
		Reason: capture.ReasonTabClosed,
		TabID:  msg.TabID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to stop capture for closed tab: %w", err)
	}
	if reply, _ := bus.Decode[capture.StopReply](raw); reply.Stopped {
		c.logger.Info("Captured tab closed", slog.String("tab_id", msg.TabID))
	}
	return nil, nil
}

func (c *Coordinator) handleReauth(ctx context.Context, env bus.Envelope) (any, error) {
	msg, err := bus.Decode[worker.ReauthRequired](env.Data)
	if err != nil {
		return nil, err
	}

	if c.markPrompted(msg.ConnectionID) {
		c.promptLogin(ctx, msg.Reason)
	}
	return nil, nil
}

// abortCapture ends a running capture whose credentials the service
// rejected and asks the UI to log in, once per connection
func (c *Coordinator) abortCapture(ctx context.Context, connectionID string) {
	if !c.store.Capturing() {
		return
	}
	if connectionID == "" {
		connectionID = fmt.Sprintf("%s@%d", c.store.CapturedTabID(), c.store.RecordStartTime())
	}
	if !c.markPrompted(connectionID) {
		return
	}

	c.logger.Warn("Transcript fetch rejected, stopping capture", slog.String("connection_id", connectionID))
	if err := c.bus.Notify(ctx, bus.ContextCapture, bus.TypeStopCapture, capture.StopRequest{Reason: capture.ReasonUnauthorized}); err != nil {
		c.logger.Warn("Failed to stop capture", slog.String("error", err.Error()))
	}
	c.promptLogin(ctx, capture.ReasonUnauthorized)
}

// markPrompted reports whether connectionID has not been prompted yet
func (c *Coordinator) markPrompted(connectionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prompted == connectionID {
		return false
	}
	c.prompted = connectionID
	return true
}

func (c *Coordinator) promptLogin(ctx context.Context, reason string) {
	auth, _ := c.store.Auth()
	c.notifyUI(ctx, bus.TypeOpenLogin, capture.Prompt{Reason: reason, URL: auth.LoginURL()})
}

func (c *Coordinator) notifyUI(ctx context.Context, msgType string, data any) {
	if err := c.bus.Notify(ctx, bus.ContextUI, msgType, data); err != nil {
		c.logger.Debug("UI not connected",
			slog.String("type", msgType),
			slog.String("error", err.Error()),
		)
	}
}

// SpawnWorker registers the factory that creates the worker context the
// first time a message is addressed to it. The worker runs until ctx is done.
func SpawnWorker(ctx context.Context, hub *bus.Hub, opts bus.Options, build func(b *bus.Bus) *worker.Worker, logger *slog.Logger) {
	hub.Lazy(bus.ContextWorker, func() error {
		b := bus.New(bus.ContextWorker, hub.Endpoint(bus.ContextWorker), logger, opts)
		w := build(b)
		go func() {
			if err := w.Run(ctx); err != nil {
				logger.Error("Worker stopped", slog.String("error", err.Error()))
			}
		}()
		return nil
	})
}
