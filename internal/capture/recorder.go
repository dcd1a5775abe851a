package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/meet-audio-relay/internal/audio"
	"github.com/skypro1111/meet-audio-relay/internal/bus"
	"github.com/skypro1111/meet-audio-relay/internal/device"
	"github.com/skypro1111/meet-audio-relay/internal/media"
	"github.com/skypro1111/meet-audio-relay/internal/metrics"
	"github.com/skypro1111/meet-audio-relay/internal/relay"
	"github.com/skypro1111/meet-audio-relay/internal/store"
)

var (
	ErrAlreadyCapturing   = errors.New("capture: already capturing")
	ErrMicrophoneRequired = errors.New("capture: no microphone selected")
	ErrInvalidMeeting     = errors.New("capture: no meeting id in host url")
	ErrLoginRequired      = errors.New("capture: login required")
	ErrPermissionDenied   = errors.New("capture: media permission denied")
	ErrStartCancelled     = errors.New("capture: stopped while starting")
)

// Stop reasons
const (
	ReasonUser          = "user"
	ReasonTabClosed     = "tab-closed"
	ReasonTrackEnded    = "track-ended"
	ReasonEncoderError  = "encoder-error"
	ReasonUnauthorized  = "unauthorized"
	ReasonShutdown      = "shutdown"
	ReasonStaleRecovery = "stale-recovery"
)

// State of the recorder
type State int

const (
	StateIdle State = iota
	StateStarting
	StateCapturing
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateCapturing:
		return "capturing"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

var meetingIDPattern = regexp.MustCompile(`^[a-z]{3}-[a-z]{4}-[a-z]{3}$`)

// ParseMeetingID extracts the meeting code from a conferencing page URL
func ParseMeetingID(hostURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(hostURL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMeeting, err)
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	last := segments[len(segments)-1]
	if !meetingIDPattern.MatchString(last) {
		return "", fmt.Errorf("%w: %q", ErrInvalidMeeting, hostURL)
	}
	return last, nil
}

// StartRequest is the data of a start-capture request
type StartRequest struct {
	TabID   string `json:"tabId"`
	HostURL string `json:"hostUrl"`
}

// StopRequest is the data of a stop-capture message. A non-empty TabID
// stops only a capture of that tab.
type StopRequest struct {
	Reason string `json:"reason,omitempty"`
	TabID  string `json:"tabId,omitempty"`
}

// StopReply answers a stop-capture request
type StopReply struct {
	Stopped bool `json:"stopped"`
}

// Status describes the recorder for other contexts
type Status struct {
	State        string `json:"state"`
	Capturing    bool   `json:"capturing"`
	TabID        string `json:"tabId,omitempty"`
	MeetingID    string `json:"meetingId,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
	StartTime    int64  `json:"startTime,omitempty"` // unix milliseconds
	NextIndex    int    `json:"nextIndex"`
}

// RecordingStarted tells the worker a new session begins
type RecordingStarted struct {
	ConnectionID string `json:"connectionId"`
	MeetingID    string `json:"meetingId"`
	TabID        string `json:"tabId"`
	StartTime    int64  `json:"startTime"`
}

// RecordingEnded is broadcast by the teardown routine
type RecordingEnded struct {
	ConnectionID string `json:"connectionId,omitempty"`
	MeetingID    string `json:"meetingId,omitempty"`
	TabID        string `json:"tabId,omitempty"`
	Reason       string `json:"reason"`
}

// ClearQueue asks the worker to drop queued chunks
type ClearQueue struct {
	ConnectionID string `json:"connectionId,omitempty"`
}

// Prompt is the data of open-login and open-settings notifications
type Prompt struct {
	Reason string `json:"reason"`
	URL    string `json:"url,omitempty"`
}

// Config contains recorder configuration
type Config struct {
	Encoder audio.EncoderConfig
	Mixer   media.MixerConfig
}

type session struct {
	connectionID string
	meetingID    string
	tabID        string
	auth         store.Auth
	started      time.Time

	display *media.Stream
	mic     *media.Stream
	mixer   *media.Mixer
	encoder *audio.Encoder

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (s *session) releaseMedia() {
	if s.mixer != nil {
		s.mixer.Stop()
	}
	s.display.Stop()
	s.mic.Stop()
}

// Recorder is the capture state machine. It alone owns the media streams of
// a session.
type Recorder struct {
	config  Config
	bus     *bus.Bus
	store   *store.Store
	devices *device.Enumerator
	source  media.Source
	relay   *relay.Relay
	logger  *slog.Logger
	metrics *metrics.Metrics

	newID func() string
	now   func() time.Time

	mu      sync.Mutex
	state   State
	session *session

	// Set while Starting: the tab being started and a stop that arrived
	// before the session was published
	startingTab string
	stopReason  string
}

// NewRecorder creates an idle recorder
func NewRecorder(config Config, b *bus.Bus, st *store.Store, devices *device.Enumerator, source media.Source, logger *slog.Logger, m *metrics.Metrics) *Recorder {
	return &Recorder{
		config:  config,
		bus:     b,
		store:   st,
		devices: devices,
		source:  source,
		relay:   relay.New(b, logger, m),
		logger:  logger,
		metrics: m,
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

// Register installs the capture context handlers on b
func (r *Recorder) Register(b *bus.Bus) {
	b.Handle(bus.TypeStartCapture, func(ctx context.Context, env bus.Envelope) (any, error) {
		req, err := bus.Decode[StartRequest](env.Data)
		if err != nil {
			return nil, err
		}
		return r.Start(ctx, req)
	})

	b.Handle(bus.TypeStopCapture, func(ctx context.Context, env bus.Envelope) (any, error) {
		req, err := bus.Decode[StopRequest](env.Data)
		if err != nil {
			return nil, err
		}
		reason := req.Reason
		if reason == "" {
			reason = ReasonUser
		}
		if req.TabID != "" {
			return StopReply{Stopped: r.StopTab(ctx, req.TabID, reason)}, nil
		}
		return StopReply{Stopped: r.Stop(ctx, reason)}, nil
	})

	b.Handle(bus.TypeCaptureStatus, func(context.Context, bus.Envelope) (any, error) {
		return r.Status(), nil
	})
}

// State returns the current state
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Status returns a snapshot of the recorder
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{State: r.state.String(), Capturing: r.state == StateCapturing}
	if s := r.session; s != nil {
		st.TabID = s.tabID
		st.MeetingID = s.meetingID
		st.ConnectionID = s.connectionID
		st.StartTime = s.started.UnixMilli()
		st.NextIndex = s.encoder.NextIndex()
	}
	return st
}

// Start begins a capture session for the tab in req. Only an idle recorder
// can start; validation and media failures leave it idle.
func (r *Recorder) Start(ctx context.Context, req StartRequest) (Status, error) {
	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		return Status{}, ErrAlreadyCapturing
	}
	r.state = StateStarting
	r.startingTab = req.TabID
	r.stopReason = ""
	r.mu.Unlock()

	s, err := r.prepare(ctx, req)
	if err == nil && r.takeStopRequest() != "" {
		s.releaseMedia()
		err = ErrStartCancelled
	}
	if err != nil {
		r.setIdle()
		r.prompt(ctx, err)
		r.logger.Warn("Capture start failed",
			slog.String("tab_id", req.TabID),
			slog.String("error", err.Error()),
		)
		return Status{}, err
	}

	// The worker resets its queue before the first chunk of this session
	_, err = r.bus.Request(ctx, bus.ContextWorker, bus.TypeRecordingStarted, RecordingStarted{
		ConnectionID: s.connectionID,
		MeetingID:    s.meetingID,
		TabID:        s.tabID,
		StartTime:    s.started.UnixMilli(),
	})
	if err != nil {
		s.releaseMedia()
		r.setIdle()
		return Status{}, fmt.Errorf("failed to announce recording to worker: %w", err)
	}

	if err := r.store.MarkCaptureStarted(s.tabID, s.started.UnixMilli()); err != nil {
		s.releaseMedia()
		r.setIdle()
		return Status{}, fmt.Errorf("failed to persist capture state: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	// Published before the pipeline starts so an early track end finds it
	r.mu.Lock()
	r.session = s
	r.state = StateCapturing
	r.startingTab = ""
	pending := r.stopReason
	r.stopReason = ""
	r.mu.Unlock()

	r.run(runCtx, s)

	r.metrics.RecordSessionStarted()
	r.logger.Info("Capture started",
		slog.String("connection_id", s.connectionID),
		slog.String("meeting_id", s.meetingID),
		slog.String("tab_id", s.tabID),
	)

	// A stop that raced the announcement runs the full teardown now
	if pending != "" {
		r.Stop(ctx, pending)
		return Status{}, ErrStartCancelled
	}
	return r.Status(), nil
}

// Stop is the single teardown routine. It stops every track, clears the
// worker queue, broadcasts recording-ended and resets persisted state.
// A stop during Starting is recorded and carried out by Start. It returns
// false when there was nothing to stop.
func (r *Recorder) Stop(ctx context.Context, reason string) bool {
	r.mu.Lock()
	if r.state == StateStarting {
		if r.stopReason == "" {
			r.stopReason = reason
		}
		r.mu.Unlock()
		r.logger.Info("Stop requested while starting", slog.String("reason", reason))
		return true
	}
	if r.state != StateCapturing || r.session == nil {
		r.mu.Unlock()
		return false
	}
	r.state = StateStopping
	s := r.session
	r.mu.Unlock()

	// Cancel the encoder first so ending tracks are not reported as errors
	s.cancel()
	s.wg.Wait()
	s.releaseMedia()

	if _, err := r.bus.Request(ctx, bus.ContextWorker, bus.TypeClearQueue, ClearQueue{ConnectionID: s.connectionID}); err != nil {
		r.logger.Warn("Failed to clear upload queue",
			slog.String("connection_id", s.connectionID),
			slog.String("error", err.Error()),
		)
	}

	ended := RecordingEnded{
		ConnectionID: s.connectionID,
		MeetingID:    s.meetingID,
		TabID:        s.tabID,
		Reason:       reason,
	}
	if err := r.bus.Notify(ctx, bus.Broadcast, bus.TypeRecordingEnded, ended); err != nil {
		r.logger.Warn("Failed to broadcast recording end", slog.String("error", err.Error()))
	}

	if err := r.store.ResetCapture(); err != nil {
		r.logger.Error("Failed to reset capture state", slog.String("error", err.Error()))
	}

	r.mu.Lock()
	r.session = nil
	r.state = StateIdle
	r.mu.Unlock()

	duration := r.now().Sub(s.started)
	r.metrics.RecordSessionStopped(reason, duration.Seconds())
	r.logger.Info("Capture stopped",
		slog.String("connection_id", s.connectionID),
		slog.String("reason", reason),
		slog.Duration("duration", duration),
	)
	return true
}

// StopTab stops the capture only if it belongs to tabID, including a capture
// that is still starting
func (r *Recorder) StopTab(ctx context.Context, tabID, reason string) bool {
	r.mu.Lock()
	var current string
	switch {
	case r.session != nil:
		current = r.session.tabID
	case r.state == StateStarting:
		current = r.startingTab
	}
	r.mu.Unlock()

	if current == "" || current != tabID {
		return false
	}
	return r.Stop(ctx, reason)
}

// Restore clears persisted capture state left behind by a previous process.
// Media does not survive a restart, so a stale capturing flag is reset and
// the end of that recording is announced.
func (r *Recorder) Restore(ctx context.Context) bool {
	if r.State() != StateIdle || !r.store.Capturing() {
		return false
	}

	tabID := r.store.CapturedTabID()
	r.logger.Warn("Resetting stale capture state", slog.String("tab_id", tabID))

	if err := r.store.ResetCapture(); err != nil {
		r.logger.Error("Failed to reset capture state", slog.String("error", err.Error()))
	}
	if err := r.bus.Notify(ctx, bus.Broadcast, bus.TypeRecordingEnded, RecordingEnded{
		TabID:  tabID,
		Reason: ReasonStaleRecovery,
	}); err != nil {
		r.logger.Debug("No context to tell about stale recording", slog.String("error", err.Error()))
	}
	return true
}

func (r *Recorder) prepare(ctx context.Context, req StartRequest) (*session, error) {
	label := r.store.MicrophoneLabel()
	if label == "" {
		return nil, ErrMicrophoneRequired
	}

	meetingID, err := ParseMeetingID(req.HostURL)
	if err != nil {
		return nil, err
	}

	auth, ok := r.store.Auth()
	if !ok || !auth.Valid() {
		return nil, ErrLoginRequired
	}

	dev, err := r.devices.ResolveMicrophone(ctx, label)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMicrophoneRequired, err)
	}

	display, err := r.source.DisplayMedia(ctx)
	if err != nil {
		return nil, mapMediaError("display", err)
	}
	mic, err := r.source.UserMedia(ctx, dev.ID)
	if err != nil {
		display.Stop()
		return nil, mapMediaError("microphone", err)
	}

	s := &session{
		connectionID: r.newID(),
		meetingID:    meetingID,
		tabID:        req.TabID,
		auth:         auth,
		started:      r.now(),
		display:      display,
		mic:          mic,
	}

	connectionID := s.connectionID
	s.mixer, err = media.NewMixer(display, mic, r.config.Mixer, r.logger, func(reason string) {
		r.logger.Info("Source track ended", slog.String("detail", reason))
		go r.stopSession(connectionID, ReasonTrackEnded)
	})
	if err != nil {
		s.releaseMedia()
		return nil, fmt.Errorf("failed to build mixer: %w", err)
	}
	s.encoder = audio.NewEncoder(r.config.Encoder, r.logger, r.metrics)
	return s, nil
}

func (r *Recorder) run(ctx context.Context, s *session) {
	sc := relay.SessionContext{
		ConnectionID: s.connectionID,
		MeetingID:    s.meetingID,
		TabID:        s.tabID,
		Auth:         s.auth,
	}

	s.mixer.Start()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.encoder.Run(ctx, s.mixer.Output(),
			func(chunk audio.Chunk) {
				r.relay.Send(ctx, chunk, sc)
			},
			func(err error) {
				go r.stopSession(s.connectionID, ReasonEncoderError)
			},
		)
	}()
}

// stopSession stops only if connectionID is still the running session
func (r *Recorder) stopSession(connectionID, reason string) {
	r.mu.Lock()
	current := r.session != nil && r.session.connectionID == connectionID
	r.mu.Unlock()
	if current {
		r.Stop(context.Background(), reason)
	}
}

func (r *Recorder) setIdle() {
	r.mu.Lock()
	r.state = StateIdle
	r.startingTab = ""
	r.stopReason = ""
	r.mu.Unlock()
}

func (r *Recorder) takeStopRequest() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	reason := r.stopReason
	r.stopReason = ""
	return reason
}

// prompt asks the UI to open the login page or the settings
func (r *Recorder) prompt(ctx context.Context, cause error) {
	var (
		msgType string
		p       = Prompt{Reason: cause.Error()}
	)
	switch {
	case errors.Is(cause, ErrMicrophoneRequired), errors.Is(cause, ErrPermissionDenied):
		msgType = bus.TypeOpenSettings
	case errors.Is(cause, ErrLoginRequired), errors.Is(cause, ErrInvalidMeeting):
		msgType = bus.TypeOpenLogin
		if auth, ok := r.store.Auth(); ok {
			p.URL = auth.LoginURL()
		}
	default:
		return
	}

	if err := r.bus.Notify(ctx, bus.ContextUI, msgType, p); err != nil {
		r.logger.Debug("No UI to prompt", slog.String("type", msgType), slog.String("error", err.Error()))
	}
}

func mapMediaError(source string, err error) error {
	if errors.Is(err, media.ErrPermissionDenied) {
		return fmt.Errorf("%w: %s: %v", ErrPermissionDenied, source, err)
	}
	return fmt.Errorf("failed to acquire %s media: %w", source, err)
}
