package media

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Kind is the media type carried by a track
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

var (
	ErrPermissionDenied = errors.New("media: capture permission denied")
	ErrNoAudio          = errors.New("media: no source contributes an audio track")
)

// Frame is a block of mono signed 16-bit PCM samples
type Frame struct {
	Samples   []int16
	Timestamp time.Time
}

// Track is one live media track. Done is closed when the track ends,
// whether it was stopped locally or ended by its producer.
type Track interface {
	ID() string
	Kind() Kind
	Label() string
	Frames() <-chan Frame
	Done() <-chan struct{}
	Stop()
}

// Stream groups the tracks acquired by one capture request
type Stream struct {
	ID     string
	tracks []Track
}

// NewStream creates a stream from tracks
func NewStream(id string, tracks ...Track) *Stream {
	return &Stream{ID: id, tracks: tracks}
}

// Tracks returns every track of the stream
func (s *Stream) Tracks() []Track {
	if s == nil {
		return nil
	}
	return append([]Track(nil), s.tracks...)
}

// AudioTracks returns the audio tracks of the stream
func (s *Stream) AudioTracks() []Track {
	return s.byKind(KindAudio)
}

// VideoTracks returns the video tracks of the stream
func (s *Stream) VideoTracks() []Track {
	return s.byKind(KindVideo)
}

// Stop stops every track of the stream
func (s *Stream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

func (s *Stream) byKind(kind Kind) []Track {
	var out []Track
	for _, t := range s.Tracks() {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// Source acquires display and microphone streams
type Source interface {
	DisplayMedia(ctx context.Context) (*Stream, error)
	UserMedia(ctx context.Context, deviceID string) (*Stream, error)
}

// BasicTrack is a channel-backed track. Producers call Push and End;
// consumers read Frames until Done is closed.
type BasicTrack struct {
	id    string
	kind  Kind
	label string

	frames chan Frame
	done   chan struct{}
	once   sync.Once
	onStop func()
}

// NewTrack creates a track whose frame channel holds up to buffer frames
func NewTrack(id string, kind Kind, label string, buffer int) *BasicTrack {
	return &BasicTrack{
		id:     id,
		kind:   kind,
		label:  label,
		frames: make(chan Frame, buffer),
		done:   make(chan struct{}),
	}
}

func (t *BasicTrack) ID() string            { return t.id }
func (t *BasicTrack) Kind() Kind            { return t.kind }
func (t *BasicTrack) Label() string         { return t.label }
func (t *BasicTrack) Frames() <-chan Frame  { return t.frames }
func (t *BasicTrack) Done() <-chan struct{} { return t.done }

// OnStop registers a hook run once when the track ends
func (t *BasicTrack) OnStop(fn func()) {
	t.onStop = fn
}

// Push delivers a frame, blocking while the buffer is full. It returns
// false once the track has ended.
func (t *BasicTrack) Push(f Frame) bool {
	select {
	case <-t.done:
		return false
	default:
	}

	select {
	case t.frames <- f:
		return true
	case <-t.done:
		return false
	}
}

// Stop ends the track
func (t *BasicTrack) Stop() {
	t.once.Do(func() {
		close(t.done)
		if t.onStop != nil {
			t.onStop()
		}
	})
}

// End is Stop from the producer's side
func (t *BasicTrack) End() {
	t.Stop()
}
