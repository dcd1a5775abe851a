package transcript

import (
	"fmt"
	"sync"
	"time"
)

// Entry is one transcript line returned by the service
type Entry struct {
	Speaker          string `json:"speaker"`
	SpeakerID        any    `json:"speaker_id"`
	Content          string `json:"content"`
	HTMLContent      string `json:"html_content"`
	HTMLContentShort string `json:"html_content_short"`
	Timestamp        string `json:"timestamp"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// Time parses the entry timestamp. Timestamps without a zone are UTC.
func (e Entry) Time() (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, e.Timestamp); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised transcript timestamp %q", e.Timestamp)
}

// Watermark tracks the last confirmed transcript timestamp of one meeting.
// It only moves forward and is reset when the meeting changes.
type Watermark struct {
	margin time.Duration

	mu        sync.Mutex
	meetingID string
	last      *time.Time
}

// NewWatermark creates a watermark that trails the newest entry by margin
func NewWatermark(margin time.Duration) *Watermark {
	return &Watermark{margin: margin}
}

// Margin returns the safety margin
func (w *Watermark) Margin() time.Duration {
	return w.margin
}

// Get returns the watermark for meetingID, or nil when none is recorded
func (w *Watermark) Get(meetingID string) *time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.switchMeetingLocked(meetingID)
	if w.last == nil {
		return nil
	}
	t := *w.last
	return &t
}

// Advance moves the watermark to the newest entry timestamp minus the
// margin. It returns true when the watermark moved.
func (w *Watermark) Advance(meetingID string, entries []Entry) bool {
	var newest time.Time
	for _, e := range entries {
		t, err := e.Time()
		if err != nil {
			continue
		}
		if t.After(newest) {
			newest = t
		}
	}
	if newest.IsZero() {
		return false
	}
	candidate := newest.Add(-w.margin)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.switchMeetingLocked(meetingID)
	if w.last != nil && !candidate.After(*w.last) {
		return false
	}
	w.last = &candidate
	return true
}

// Reset forgets the recorded watermark
func (w *Watermark) Reset() {
	w.mu.Lock()
	w.meetingID = ""
	w.last = nil
	w.mu.Unlock()
}

func (w *Watermark) switchMeetingLocked(meetingID string) {
	if w.meetingID != meetingID {
		w.meetingID = meetingID
		w.last = nil
	}
}
