package media

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func receiveFrame(t *testing.T, tr Track) Frame {
	t.Helper()
	select {
	case f := <-tr.Frames():
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mixed frame")
		return Frame{}
	}
}

func TestMixerDiscardsVideoAndSumsAudio(t *testing.T) {
	video := NewTrack("v1", KindVideo, "screen", 1)
	tab := NewTrack("a1", KindAudio, "tab audio", 4)
	mic := NewTrack("m1", KindAudio, "Built-in", 4)

	m, err := NewMixer(NewStream("display", video, tab), NewStream("mic", mic), MixerConfig{MaxSkew: 1000}, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewMixer failed: %v", err)
	}
	defer m.Stop()

	select {
	case <-video.Done():
	default:
		t.Error("Expected video track to be stopped immediately")
	}

	if len(m.Sources()) != 2 {
		t.Fatalf("Expected 2 audio sources, got %d", len(m.Sources()))
	}

	var mu sync.Mutex
	var monitored []int16
	m.Monitor().Connect(func(f Frame) {
		mu.Lock()
		monitored = append(monitored, f.Samples...)
		mu.Unlock()
	})

	m.Start()

	tab.Push(Frame{Samples: []int16{100, 200, 30000, -30000}})
	mic.Push(Frame{Samples: []int16{1, 2, 10000, -10000}})

	out := receiveFrame(t, m.Output())
	want := []int16{101, 202, 32767, -32768}
	if len(out.Samples) != len(want) {
		t.Fatalf("Expected %d samples, got %d", len(want), len(out.Samples))
	}
	for i := range want {
		if out.Samples[i] != want[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, want[i], out.Samples[i])
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(monitored) != len(want) {
		t.Fatalf("Expected monitor to see %d samples, got %d", len(want), len(monitored))
	}
	for i, s := range monitored {
		if s != 0 {
			t.Errorf("Monitor sample %d should be silent, got %d", i, s)
		}
	}
}

func TestMixerSkipsSourceWithoutAudio(t *testing.T) {
	video := NewTrack("v1", KindVideo, "screen", 1)
	mic := NewTrack("m1", KindAudio, "Built-in", 4)

	m, err := NewMixer(NewStream("display", video), NewStream("mic", mic), MixerConfig{}, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewMixer failed: %v", err)
	}
	defer m.Stop()
	m.Start()

	mic.Push(Frame{Samples: []int16{5, 6, 7}})
	out := receiveFrame(t, m.Output())
	if len(out.Samples) != 3 || out.Samples[2] != 7 {
		t.Errorf("Unexpected mixed frame %v", out.Samples)
	}
}

func TestMixerWithoutAnyAudioFails(t *testing.T) {
	_, err := NewMixer(NewStream("display", NewTrack("v", KindVideo, "screen", 1)), NewStream("mic"), MixerConfig{}, testLogger(), nil)
	if !errors.Is(err, ErrNoAudio) {
		t.Fatalf("Expected ErrNoAudio, got %v", err)
	}
}

func TestMixerSkewReleasesFastSource(t *testing.T) {
	tab := NewTrack("a1", KindAudio, "tab", 4)
	mic := NewTrack("m1", KindAudio, "mic", 4)

	m, _ := NewMixer(NewStream("display", tab), NewStream("mic", mic), MixerConfig{MaxSkew: 2}, testLogger(), nil)
	defer m.Stop()
	m.Start()

	// The microphone never delivers; only samples beyond the skew window are released
	tab.Push(Frame{Samples: []int16{1, 2, 3, 4, 5}})
	out := receiveFrame(t, m.Output())
	if len(out.Samples) != 3 {
		t.Fatalf("Expected 3 released samples, got %d", len(out.Samples))
	}
}

func TestMixerTrackEndTriggersOnEndedOnce(t *testing.T) {
	tab := NewTrack("a1", KindAudio, "tab", 4)
	mic := NewTrack("m1", KindAudio, "mic", 4)

	ended := make(chan string, 4)
	m, _ := NewMixer(NewStream("display", tab), NewStream("mic", mic), MixerConfig{}, testLogger(), func(reason string) {
		ended <- reason
	})
	m.Start()

	tab.End()
	mic.End()

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected onEnded to fire")
	}

	m.Stop()

	select {
	case r := <-ended:
		t.Errorf("onEnded fired twice, second reason %q", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMixerRemoveTrackTriggersOnEnded(t *testing.T) {
	mic := NewTrack("m1", KindAudio, "mic", 4)

	ended := make(chan string, 1)
	m, _ := NewMixer(NewStream("display"), NewStream("mic", mic), MixerConfig{}, testLogger(), func(reason string) {
		ended <- reason
	})
	m.Start()
	defer m.Stop()

	if !m.RemoveTrack("m1") {
		t.Fatal("Expected track to be removed")
	}
	if m.RemoveTrack("unknown") {
		t.Error("Expected unknown track removal to report false")
	}

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected onEnded after removal")
	}
}

func TestMixerStopDoesNotInvokeOnEnded(t *testing.T) {
	mic := NewTrack("m1", KindAudio, "mic", 4)

	called := make(chan struct{}, 1)
	m, _ := NewMixer(NewStream("display"), NewStream("mic", mic), MixerConfig{}, testLogger(), func(string) {
		called <- struct{}{}
	})
	m.Start()
	m.Stop()
	m.Stop()

	select {
	case <-mic.Done():
	default:
		t.Error("Expected Stop to stop source tracks")
	}
	select {
	case <-m.Output().Done():
	default:
		t.Error("Expected Stop to end the output track")
	}
	select {
	case <-called:
		t.Error("onEnded must not fire for a local stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGainNodeScales(t *testing.T) {
	var got []int16
	g := NewGainNode(0.5, func(f Frame) { got = f.Samples })
	g.Process(Frame{Samples: []int16{100, -100}})
	if got[0] != 50 || got[1] != -50 {
		t.Errorf("Unexpected scaled samples %v", got)
	}
	if g.Gain() != 0.5 {
		t.Errorf("Unexpected gain %v", g.Gain())
	}
}

func TestDecodePCM(t *testing.T) {
	samples := decodePCM([]byte{0x01, 0x00, 0xff, 0xff})
	if len(samples) != 2 || samples[0] != 1 || samples[1] != -1 {
		t.Errorf("Unexpected samples %v", samples)
	}
	if !isPermissionError("Operation not permitted") {
		t.Error("Expected permission error to be detected")
	}
}

func TestMixerDefaultSkewAlignsSources(t *testing.T) {
	tab := NewTrack("a1", KindAudio, "tab", 4)
	mic := NewTrack("m1", KindAudio, "mic", 4)

	m, err := NewMixer(NewStream("display", tab), NewStream("mic", mic), MixerConfig{}, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewMixer failed: %v", err)
	}
	defer m.Stop()
	if m.config.MaxSkew != DefaultMaxSkew {
		t.Errorf("Expected default skew %d, got %d", DefaultMaxSkew, m.config.MaxSkew)
	}
	m.Start()

	tab.Push(Frame{Samples: []int16{10, 20, 30, 40}})
	mic.Push(Frame{Samples: []int16{1, 2, 3, 4}})

	out := receiveFrame(t, m.Output())
	want := []int16{11, 22, 33, 44}
	if len(out.Samples) != len(want) {
		t.Fatalf("Expected %d aligned samples, got %d", len(want), len(out.Samples))
	}
	for i := range want {
		if out.Samples[i] != want[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, want[i], out.Samples[i])
		}
	}
}
