package media

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
)

// GainNode scales frames before handing them to a monitor sink. The mixer
// keeps its gain at zero so nothing is played back locally.
type GainNode struct {
	mu     sync.Mutex
	gain   float64
	output func(Frame)
}

// NewGainNode creates a gain node writing to output
func NewGainNode(gain float64, output func(Frame)) *GainNode {
	return &GainNode{gain: gain, output: output}
}

// Gain returns the current gain
func (g *GainNode) Gain() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gain
}

// Connect replaces the monitor sink
func (g *GainNode) Connect(output func(Frame)) {
	g.mu.Lock()
	g.output = output
	g.mu.Unlock()
}

// Process scales f and forwards it to the sink
func (g *GainNode) Process(f Frame) {
	g.mu.Lock()
	gain, output := g.gain, g.output
	g.mu.Unlock()

	if output == nil {
		return
	}

	scaled := make([]int16, len(f.Samples))
	if gain != 0 {
		for i, s := range f.Samples {
			scaled[i] = clip(int32(math.Round(float64(s) * gain)))
		}
	}
	output(Frame{Samples: scaled, Timestamp: f.Timestamp})
}

// DefaultMaxSkew is half a second at 16 kHz
const DefaultMaxSkew = 8000

// MixerConfig controls the mixing graph
type MixerConfig struct {
	// MaxSkew is how many samples a fast source may run ahead of a slow one
	// before the slow one is treated as silent for the gap.
	MaxSkew int
	Buffer  int
}

type sourcedFrame struct {
	source int
	frame  Frame
}

// Mixer combines the audio of a display stream and a microphone stream into
// one output track. Any source track ending invokes onEnded exactly once,
// unless the mixer itself is being stopped.
type Mixer struct {
	logger  *slog.Logger
	config  MixerConfig
	sources []Track
	monitor *GainNode
	dest    *BasicTrack
	onEnded func(reason string)

	in       chan sourcedFrame
	stopCh   chan struct{}
	stopOnce sync.Once
	endOnce  sync.Once
	stopped  atomic.Bool
	started  atomic.Bool
	wg       sync.WaitGroup

	// owned by the mixing goroutine
	acc    []int32
	cursor []int
}

// NewMixer builds the graph. Video tracks of the display stream are stopped
// right away. A stream without audio is skipped; if neither stream has
// audio ErrNoAudio is returned.
func NewMixer(display, mic *Stream, config MixerConfig, logger *slog.Logger, onEnded func(reason string)) (*Mixer, error) {
	if config.Buffer <= 0 {
		config.Buffer = 64
	}
	if config.MaxSkew <= 0 {
		config.MaxSkew = DefaultMaxSkew
	}

	for _, v := range display.VideoTracks() {
		v.Stop()
	}

	inputs := []struct {
		name   string
		stream *Stream
	}{
		{"display", display},
		{"microphone", mic},
	}

	var sources []Track
	for _, in := range inputs {
		audio := in.stream.AudioTracks()
		if len(audio) == 0 {
			logger.Warn("Source has no audio track, skipping", slog.String("source", in.name))
			continue
		}
		sources = append(sources, audio...)
	}

	if len(sources) == 0 {
		return nil, ErrNoAudio
	}

	m := &Mixer{
		logger:  logger,
		config:  config,
		sources: sources,
		monitor: NewGainNode(0, nil),
		dest:    NewTrack("mixed", KindAudio, "mixed output", config.Buffer),
		onEnded: onEnded,
		in:      make(chan sourcedFrame, config.Buffer),
		stopCh:  make(chan struct{}),
		cursor:  make([]int, len(sources)),
	}
	return m, nil
}

// Output returns the mixed destination track
func (m *Mixer) Output() Track {
	return m.dest
}

// Monitor returns the zero-gain local playback node
func (m *Mixer) Monitor() *GainNode {
	return m.monitor
}

// Sources returns the audio tracks feeding the mix
func (m *Mixer) Sources() []Track {
	return append([]Track(nil), m.sources...)
}

// Start launches one reader per source plus the mixing loop
func (m *Mixer) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}

	for i, t := range m.sources {
		m.wg.Add(1)
		go m.readSource(i, t)
	}

	m.wg.Add(1)
	go m.run()
}

// RemoveTrack stops the source with the given id. Removal is treated the
// same as the track ending.
func (m *Mixer) RemoveTrack(id string) bool {
	for _, t := range m.sources {
		if t.ID() == id {
			t.Stop()
			m.ended(fmt.Sprintf("track %s removed", id))
			return true
		}
	}
	return false
}

// Stop tears the graph down without invoking onEnded
func (m *Mixer) Stop() {
	m.stopOnce.Do(func() {
		m.stopped.Store(true)
		for _, t := range m.sources {
			t.Stop()
		}
		close(m.stopCh)
		m.dest.Stop()
		m.wg.Wait()
	})
}

func (m *Mixer) ended(reason string) {
	if m.stopped.Load() {
		return
	}
	m.endOnce.Do(func() {
		m.logger.Info("Mixer source ended", slog.String("reason", reason))
		if m.onEnded != nil {
			m.onEnded(reason)
		}
	})
}

func (m *Mixer) readSource(idx int, t Track) {
	defer m.wg.Done()

	for {
		select {
		case f := <-t.Frames():
			select {
			case m.in <- sourcedFrame{source: idx, frame: f}:
			case <-m.stopCh:
				return
			}
		case <-t.Done():
			m.ended(fmt.Sprintf("track %s (%s) ended", t.ID(), t.Label()))
			return
		case <-m.stopCh:
			return
		}
	}
}

func (m *Mixer) run() {
	defer m.wg.Done()

	for {
		select {
		case sf := <-m.in:
			out, ok := m.mix(sf)
			if !ok {
				continue
			}
			m.monitor.Process(out)
			if !m.dest.Push(out) {
				return
			}
		case <-m.stopCh:
			return
		}
	}
}

// mix adds the frame into the accumulator and returns whatever every source
// has covered so far.
func (m *Mixer) mix(sf sourcedFrame) (Frame, bool) {
	start := m.cursor[sf.source]
	end := start + len(sf.frame.Samples)
	for len(m.acc) < end {
		m.acc = append(m.acc, 0)
	}
	for i, s := range sf.frame.Samples {
		m.acc[start+i] += int32(s)
	}
	m.cursor[sf.source] = end

	ready, furthest := m.cursor[0], m.cursor[0]
	for _, c := range m.cursor[1:] {
		if c < ready {
			ready = c
		}
		if c > furthest {
			furthest = c
		}
	}
	if furthest-ready > m.config.MaxSkew {
		ready = furthest - m.config.MaxSkew
	}
	if ready <= 0 {
		return Frame{}, false
	}

	samples := make([]int16, ready)
	for i := 0; i < ready; i++ {
		samples[i] = clip(m.acc[i])
	}

	remaining := copy(m.acc, m.acc[ready:])
	m.acc = m.acc[:remaining]
	for i := range m.cursor {
		m.cursor[i] -= ready
		if m.cursor[i] < 0 {
			m.cursor[i] = 0
		}
	}

	return Frame{Samples: samples, Timestamp: sf.frame.Timestamp}, true
}

func clip(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
