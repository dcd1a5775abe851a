package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/skypro1111/meet-audio-relay/internal/bus"
	"github.com/skypro1111/meet-audio-relay/internal/capture"
	"github.com/skypro1111/meet-audio-relay/internal/device"
	"github.com/skypro1111/meet-audio-relay/internal/store"
	"github.com/skypro1111/meet-audio-relay/internal/transcript"
	"github.com/skypro1111/meet-audio-relay/internal/upload"
	"github.com/skypro1111/meet-audio-relay/internal/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeFetcher struct {
	last    transcript.FetchRequest
	entries []transcript.Entry
	err     error
}

func (f *fakeFetcher) FetchTranscript(_ context.Context, req transcript.FetchRequest) ([]transcript.Entry, error) {
	f.last = req
	return f.entries, f.err
}

type harness struct {
	ctx     context.Context
	hub     *bus.Hub
	store   *store.Store
	fetcher *fakeFetcher
	ui      *bus.Bus
	prompts chan capture.Prompt
	starts  chan capture.StartRequest
	stops   chan capture.StopRequest
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st, err := store.Open("", testLogger())
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}

	h := &harness{
		ctx:     ctx,
		hub:     bus.NewHub(testLogger()),
		store:   st,
		fetcher: &fakeFetcher{},
		prompts: make(chan capture.Prompt, 8),
		starts:  make(chan capture.StartRequest, 8),
		stops:   make(chan capture.StopRequest, 8),
	}

	capt := bus.New(bus.ContextCapture, h.hub.Endpoint(bus.ContextCapture), testLogger(), bus.Options{})
	capt.Handle(bus.TypeStartCapture, func(_ context.Context, env bus.Envelope) (any, error) {
		req, err := bus.Decode[capture.StartRequest](env.Data)
		h.starts <- req
		return capture.Status{Capturing: true, TabID: req.TabID, ConnectionID: "conn-1"}, err
	})
	capt.Handle(bus.TypeStopCapture, func(_ context.Context, env bus.Envelope) (any, error) {
		req, err := bus.Decode[capture.StopRequest](env.Data)
		h.stops <- req
		return capture.StopReply{Stopped: true}, err
	})
	go capt.Run(ctx)

	devices := device.NewEnumerator(device.StaticLister{
		{ID: "0", Label: "FaceTime Camera", Kind: device.KindVideoInput},
		{ID: "2", Label: "Built-in Microphone", Kind: device.KindAudioInput},
	}, testLogger())

	cb := bus.New(bus.ContextCoordinator, h.hub.Endpoint(bus.ContextCoordinator), testLogger(), bus.Options{})
	New(cb, st, devices, h.fetcher, testLogger())
	go cb.Run(ctx)

	h.ui = bus.New(bus.ContextUI, h.hub.Endpoint(bus.ContextUI), testLogger(), bus.Options{})
	h.ui.Handle(bus.TypeOpenLogin, func(_ context.Context, env bus.Envelope) (any, error) {
		p, err := bus.Decode[capture.Prompt](env.Data)
		h.prompts <- p
		return nil, err
	})
	go h.ui.Run(ctx)

	return h
}

func (h *harness) login(t *testing.T) {
	t.Helper()
	if err := h.store.Set(store.KeyAuth, store.Auth{Token: "tok", MainDomain: "https://law.example", ChromeDomain: "https://ext.example/"}); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) request(msgType string, data any) ([]byte, error) {
	return h.ui.Request(h.ctx, bus.ContextCoordinator, msgType, data)
}

func TestStartRequiresLogin(t *testing.T) {
	h := newHarness(t)

	_, err := h.request(bus.TypeStartCapture, capture.StartRequest{TabID: "tab-1", HostURL: "https://meet.google.com/abc-defg-hij"})
	var remote *bus.RemoteError
	if !errors.As(err, &remote) || !strings.Contains(remote.Message, "login required") {
		t.Fatalf("Expected login required error, got %v", err)
	}

	select {
	case <-h.prompts:
	case <-time.After(time.Second):
		t.Fatal("UI was not asked to log in")
	}
	select {
	case <-h.starts:
		t.Error("Capture must not be started without auth")
	default:
	}
}

func TestStartIsForwardedToCapture(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	raw, err := h.request(bus.TypeStartCapture, capture.StartRequest{TabID: "tab-1", HostURL: "https://meet.google.com/abc-defg-hij"})
	if err != nil {
		t.Fatalf("start-capture failed: %v", err)
	}
	status, _ := bus.Decode[capture.Status](raw)
	if !status.Capturing || status.TabID != "tab-1" {
		t.Errorf("Unexpected status %+v", status)
	}
	if req := <-h.starts; req.HostURL != "https://meet.google.com/abc-defg-hij" {
		t.Errorf("Unexpected forwarded request %+v", req)
	}
}

func TestFetchTranscriptAttachesAuth(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	h.fetcher.entries = []transcript.Entry{{Speaker: "Ann", Content: "hi", Timestamp: "2024-05-01T10:00:00Z"}}

	since := time.Date(2024, 5, 1, 9, 55, 0, 0, time.UTC)
	raw, err := h.request(bus.TypeFetchTranscript, transcript.FetchRequest{MeetingID: "abc-defg-hij", Since: &since})
	if err != nil {
		t.Fatalf("fetch-transcript failed: %v", err)
	}
	reply, _ := bus.Decode[transcript.FetchReply](raw)
	if reply.Unauthorized || len(reply.Entries) != 1 {
		t.Errorf("Unexpected reply %+v", reply)
	}

	got := h.fetcher.last
	if got.Token != "tok" || got.Domain != "https://ext.example" || got.MeetingID != "abc-defg-hij" {
		t.Errorf("Unexpected fetch request %+v", got)
	}
	if got.Since == nil || !got.Since.Equal(since) {
		t.Errorf("Watermark not forwarded: %v", got.Since)
	}
}

func TestFetchTranscriptUnauthorized(t *testing.T) {
	h := newHarness(t)

	raw, err := h.request(bus.TypeFetchTranscript, transcript.FetchRequest{MeetingID: "abc-defg-hij"})
	if err != nil {
		t.Fatalf("fetch-transcript failed: %v", err)
	}
	if reply, _ := bus.Decode[transcript.FetchReply](raw); !reply.Unauthorized {
		t.Error("Missing auth should be reported as unauthorized")
	}

	h.login(t)
	h.fetcher.err = &transcript.StatusError{StatusCode: 401}
	raw, err = h.request(bus.TypeFetchTranscript, transcript.FetchRequest{MeetingID: "abc-defg-hij"})
	if err != nil {
		t.Fatalf("fetch-transcript failed: %v", err)
	}
	if reply, _ := bus.Decode[transcript.FetchReply](raw); !reply.Unauthorized {
		t.Error("401 should be reported as unauthorized")
	}

	h.fetcher.err = &transcript.StatusError{StatusCode: 503}
	if _, err := h.request(bus.TypeFetchTranscript, transcript.FetchRequest{MeetingID: "abc-defg-hij"}); err == nil {
		t.Error("Transient failures should be returned as errors")
	}
}

func TestSetAuthNotifiesWorker(t *testing.T) {
	h := newHarness(t)
	workerEP := h.hub.Endpoint(bus.ContextWorker)

	if _, err := h.request(bus.TypeSetAuth, store.Auth{Token: "tok"}); err == nil {
		t.Error("Auth without a domain should be rejected")
	}

	fresh := store.Auth{Token: "fresh", MainDomain: "https://law.example"}
	if _, err := h.request(bus.TypeSetAuth, fresh); err != nil {
		t.Fatalf("set-auth failed: %v", err)
	}
	if got, ok := h.store.Auth(); !ok || got != fresh {
		t.Errorf("Auth not persisted: %+v", got)
	}

	select {
	case env := <-workerEP.Receive():
		if env.Type != bus.TypeAuthUpdated {
			t.Fatalf("Unexpected worker message %s", env.Type)
		}
		auth, _ := bus.Decode[store.Auth](env.Data)
		if auth.Token != "fresh" {
			t.Errorf("Unexpected auth %+v", auth)
		}
	case <-time.After(time.Second):
		t.Fatal("Worker was not told about the new auth")
	}
}

func TestTabClosedStopsCapturedTabOnly(t *testing.T) {
	h := newHarness(t)
	h.store.MarkCaptureStarted("tab-1", 1700000000000)

	notify := func(tabID string) {
		if err := h.ui.Notify(h.ctx, bus.ContextCoordinator, bus.TypeTabClosed, TabClosed{TabID: tabID}); err != nil {
			t.Fatal(err)
		}
	}

	notify("tab-2")
	notify("tab-1")

	select {
	case req := <-h.stops:
		if req.Reason != capture.ReasonTabClosed {
			t.Errorf("Unexpected reason %q", req.Reason)
		}
	case <-time.After(time.Second):
		t.Fatal("Closing the captured tab did not stop capture")
	}
	select {
	case <-h.stops:
		t.Error("Closing another tab must not stop capture")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReauthPromptsOncePerConnection(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	send := func(conn string) {
		h.ui.Notify(h.ctx, bus.ContextCoordinator, bus.TypeReauthRequired, worker.ReauthRequired{ConnectionID: conn, Reason: "unauthorized"})
	}
	send("conn-1")
	send("conn-1")
	send("conn-2")

	var got []capture.Prompt
	timeout := time.After(200 * time.Millisecond)
collect:
	for {
		select {
		case p := <-h.prompts:
			got = append(got, p)
		case <-timeout:
			break collect
		}
	}
	if len(got) != 2 {
		t.Fatalf("Expected one prompt per connection, got %d", len(got))
	}
	if got[0].URL != "https://law.example/login" {
		t.Errorf("Unexpected login URL %q", got[0].URL)
	}
}

func TestMicrophoneAndDevices(t *testing.T) {
	h := newHarness(t)

	raw, err := h.request(bus.TypeListDevices, ListDevicesRequest{})
	if err != nil {
		t.Fatalf("list-devices failed: %v", err)
	}
	devices, _ := bus.Decode[[]device.Device](raw)
	if len(devices) != 1 || devices[0].ID != "2" {
		t.Errorf("Unexpected devices %+v", devices)
	}

	if _, err := h.request(bus.TypeSetMicrophone, store.Microphone{Label: "USB Headset"}); err == nil {
		t.Error("Unknown microphone should be rejected")
	}
	if _, err := h.request(bus.TypeSetMicrophone, store.Microphone{Label: "Built-in Microphone"}); err != nil {
		t.Fatalf("set-microphone failed: %v", err)
	}
	if got := h.store.MicrophoneLabel(); got != "Built-in Microphone" {
		t.Errorf("Microphone not persisted: %q", got)
	}

	if _, err := h.request(bus.TypeSetWindowState, WindowState{State: "minimized"}); err != nil {
		t.Fatalf("set-window-state failed: %v", err)
	}
	var ws WindowState
	if ok, _ := h.store.Get(store.KeyWindowState, &ws); !ok || ws.State != "minimized" {
		t.Errorf("Window state not persisted: %+v", ws)
	}
}

type nopClient struct{}

func (nopClient) PutChunk(context.Context, transcript.ChunkUpload) error { return nil }
func (nopClient) FetchTranscript(context.Context, transcript.FetchRequest) ([]transcript.Entry, error) {
	return nil, nil
}

func TestWorkerIsCreatedOnDemand(t *testing.T) {
	h := newHarness(t)
	built := make(chan struct{}, 2)
	SpawnWorker(h.ctx, h.hub, bus.Options{}, func(b *bus.Bus) *worker.Worker {
		built <- struct{}{}
		return worker.New(worker.Config{Upload: upload.Config{DrainInterval: 5 * time.Millisecond}}, b, nopClient{}, nil, testLogger(), nil)
	}, testLogger())

	if h.hub.Exists(bus.ContextWorker) {
		t.Fatal("Worker should not exist before it is addressed")
	}

	raw, err := h.ui.Request(h.ctx, bus.ContextWorker, bus.TypeClearQueue, nil)
	if err != nil {
		t.Fatalf("clear-queue failed: %v", err)
	}
	if reply, _ := bus.Decode[worker.SessionReply](raw); reply.Queued != 0 {
		t.Errorf("Unexpected reply %+v", reply)
	}
	h.ui.Notify(h.ctx, bus.ContextWorker, bus.TypeClearQueue, nil)

	if len(built) != 1 {
		t.Errorf("Worker built %d times", len(built))
	}
}

func TestRejectedFetchAbortsCapture(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	h.store.MarkCaptureStarted("tab-1", 1700000000000)
	h.fetcher.err = &transcript.StatusError{StatusCode: 401}

	for i := 0; i < 2; i++ {
		raw, err := h.request(bus.TypeFetchTranscript, transcript.FetchRequest{MeetingID: "abc-defg-hij", ConnectionID: "conn-1"})
		if err != nil {
			t.Fatalf("fetch-transcript failed: %v", err)
		}
		if reply, _ := bus.Decode[transcript.FetchReply](raw); !reply.Unauthorized {
			t.Error("401 should be reported as unauthorized")
		}
	}

	select {
	case req := <-h.stops:
		if req.Reason != capture.ReasonUnauthorized {
			t.Errorf("Unexpected stop reason %q", req.Reason)
		}
	case <-time.After(time.Second):
		t.Fatal("Rejected fetch did not stop capture")
	}
	select {
	case p := <-h.prompts:
		if p.URL != "https://law.example/login" {
			t.Errorf("Unexpected login URL %q", p.URL)
		}
	case <-time.After(time.Second):
		t.Fatal("Rejected fetch did not prompt for login")
	}

	select {
	case <-h.stops:
		t.Error("Capture stopped twice for one connection")
	case <-h.prompts:
		t.Error("Login prompted twice for one connection")
	case <-time.After(50 * time.Millisecond):
	}

	// The worker's report for the same connection does not prompt again
	h.ui.Notify(h.ctx, bus.ContextCoordinator, bus.TypeReauthRequired, worker.ReauthRequired{ConnectionID: "conn-1", Reason: "unauthorized"})
	select {
	case <-h.prompts:
		t.Error("Login prompted twice for one connection")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRejectedFetchWithoutCaptureOnlyReplies(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	h.fetcher.err = &transcript.StatusError{StatusCode: 403}

	if _, err := h.request(bus.TypeFetchTranscript, transcript.FetchRequest{MeetingID: "abc-defg-hij"}); err != nil {
		t.Fatalf("fetch-transcript failed: %v", err)
	}
	select {
	case <-h.stops:
		t.Error("Nothing to stop while idle")
	case <-h.prompts:
		t.Error("No capture to abort, no prompt expected")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTabClosedWhileStartingIsForwarded(t *testing.T) {
	h := newHarness(t)

	if err := h.ui.Notify(h.ctx, bus.ContextCoordinator, bus.TypeTabClosed, TabClosed{TabID: "tab-7"}); err != nil {
		t.Fatal(err)
	}
	select {
	case req := <-h.stops:
		if req.TabID != "tab-7" || req.Reason != capture.ReasonTabClosed {
			t.Errorf("Unexpected stop %+v", req)
		}
	case <-time.After(time.Second):
		t.Fatal("tab-closed was not passed to capture")
	}
}
