package upload

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/skypro1111/meet-audio-relay/internal/store"
	"github.com/skypro1111/meet-audio-relay/internal/transcript"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testAuth = store.Auth{Token: "tok", MainDomain: "https://main.example", ChromeDomain: "https://ext.example"}

// fakePutter fails an index according to script before succeeding
type fakePutter struct {
	mu        sync.Mutex
	script    map[int][]error
	attempts  []transcript.ChunkUpload
	delivered []transcript.ChunkUpload
	hook      func(transcript.ChunkUpload)
}

func (f *fakePutter) PutChunk(_ context.Context, c transcript.ChunkUpload) error {
	f.mu.Lock()
	f.attempts = append(f.attempts, c)
	var err error
	if errs := f.script[c.Index]; len(errs) > 0 {
		err = errs[0]
		f.script[c.Index] = errs[1:]
	} else {
		f.delivered = append(f.delivered, c)
	}
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		hook(c)
	}
	return err
}

func entry(conn string, index int) Entry {
	return Entry{
		Index:        index,
		Payload:      []byte{byte(index), 1, 2, 3},
		MimeType:     "audio/wav",
		Timestamp:    1700000000 + int64(index),
		Duration:     1,
		ConnectionID: conn,
		MeetingID:    "abc-defg-hij",
		TabID:        "tab-1",
		Auth:         testAuth,
	}
}

func drain(q *Queue, ticks int) {
	for i := 0; i < ticks; i++ {
		q.Tick(context.Background())
	}
}

func indices(uploads []transcript.ChunkUpload) []int {
	out := make([]int, len(uploads))
	for i, u := range uploads {
		out[i] = u.Index
	}
	return out
}

func TestQueueDeliversEveryIndexInOrder(t *testing.T) {
	p := &fakePutter{script: map[int][]error{
		2: {errors.New("connection reset"), errors.New("connection reset")},
		5: {&transcript.StatusError{StatusCode: 503}},
	}}
	q := NewQueue(Config{}, p, testLogger(), nil)
	q.BeginSession("conn-1")

	const n = 8
	for i := 0; i < n; i++ {
		if !q.Enqueue(entry("conn-1", i)) {
			t.Fatalf("Enqueue %d rejected", i)
		}
	}
	drain(q, 20)

	got := indices(p.delivered)
	if len(got) != n {
		t.Fatalf("Expected %d deliveries, got %v", n, got)
	}
	for i, idx := range got {
		if idx != i {
			t.Fatalf("Delivery %d carried index %d (%v)", i, idx, got)
		}
	}
	if q.Len() != 0 {
		t.Errorf("Expected empty queue, got %d", q.Len())
	}
	if stats := q.GetStats(); stats.Retries != 3 || stats.Uploaded != n {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestQueueTransientFailuresDeliverOnce(t *testing.T) {
	const k = 5
	errs := make([]error, k)
	for i := range errs {
		errs[i] = errors.New("HTTP request failed: timeout")
	}
	p := &fakePutter{script: map[int][]error{0: errs}}

	var uploaded []int
	q := NewQueue(Config{}, p, testLogger(), nil)
	q.OnUploaded(func(e Entry) { uploaded = append(uploaded, e.Index) })
	q.BeginSession("conn-1")
	q.Enqueue(entry("conn-1", 0))
	q.Enqueue(entry("conn-1", 1))

	drain(q, k+5)

	if len(p.attempts) != k+2 {
		t.Errorf("Expected %d attempts, got %d", k+2, len(p.attempts))
	}
	for i := 0; i < k+1; i++ {
		if p.attempts[i].Index != 0 {
			t.Fatalf("Attempt %d was index %d before index 0 succeeded", i, p.attempts[i].Index)
		}
	}
	if got := indices(p.delivered); len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Errorf("Expected deliveries [0 1], got %v", got)
	}
	if len(uploaded) != 2 {
		t.Errorf("Expected two upload callbacks, got %v", uploaded)
	}
}

func TestQueueScenarioServerErrorsThenSuccess(t *testing.T) {
	var (
		mu       sync.Mutex
		statuses = []int{500, 500}
		seen     []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		i := r.URL.Query().Get("i")
		seen = append(seen, i)
		if i == "0" && len(statuses) > 0 {
			w.WriteHeader(statuses[0])
			statuses = statuses[1:]
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	auth := store.Auth{Token: "tok", ChromeDomain: srv.URL}
	client := transcript.NewClient(transcript.Config{Timeout: 5 * time.Second}, testLogger())
	q := NewQueue(Config{}, client, testLogger(), nil)
	q.BeginSession("conn-1")

	first := entry("conn-1", 0)
	first.Auth = auth
	q.Enqueue(first)

	q.Tick(context.Background()) // 500
	second := entry("conn-1", 1)
	second.Auth = auth
	q.Enqueue(second) // arrives during the retries
	drain(q, 5)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"0", "0", "0", "1"}
	if len(seen) != len(want) {
		t.Fatalf("Expected requests %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("Expected requests %v, got %v", want, seen)
		}
	}
	if q.Paused() {
		t.Error("Server errors must not pause the queue")
	}
}

func TestQueueUnauthorizedHoldsEntry(t *testing.T) {
	p := &fakePutter{script: map[int][]error{
		2: {&transcript.StatusError{StatusCode: 401}},
	}}

	var rejected []Entry
	q := NewQueue(Config{}, p, testLogger(), nil)
	q.OnUnauthorized(func(e Entry, _ error) { rejected = append(rejected, e) })
	q.BeginSession("conn-1")
	for i := 0; i < 5; i++ {
		q.Enqueue(entry("conn-1", i))
	}
	drain(q, 10)

	if got := indices(p.delivered); len(got) != 2 {
		t.Fatalf("Expected only 0 and 1 delivered, got %v", got)
	}
	if !q.Paused() {
		t.Fatal("Queue should be paused after rejection")
	}
	if len(rejected) != 1 || rejected[0].Index != 2 {
		t.Fatalf("Expected one rejection for index 2, got %+v", rejected)
	}

	// Teardown clears the session but the rejected chunk is kept
	if dropped := q.Clear(); dropped != 2 {
		t.Errorf("Expected 2 dropped entries, got %d", dropped)
	}
	if q.Len() != 1 {
		t.Fatalf("Expected the held entry to survive, got %d entries", q.Len())
	}

	// Fresh credentials re-send the held chunk once
	fresh := store.Auth{Token: "fresh", ChromeDomain: "https://ext.example"}
	if n := q.Resume(fresh); n != 1 {
		t.Errorf("Expected one re-stamped entry, got %d", n)
	}
	drain(q, 3)

	last := p.delivered[len(p.delivered)-1]
	if last.Index != 2 || last.Token != "fresh" {
		t.Errorf("Expected index 2 with fresh token, got %d/%s", last.Index, last.Token)
	}
	if len(p.delivered) != 3 {
		t.Errorf("Expected 3 deliveries, got %v", indices(p.delivered))
	}
}

func TestQueueUnauthorizedNotifiesOncePerSession(t *testing.T) {
	p := &fakePutter{script: map[int][]error{
		0: {&transcript.StatusError{StatusCode: 403}, &transcript.StatusError{StatusCode: 403}},
	}}

	var calls int
	q := NewQueue(Config{}, p, testLogger(), nil)
	q.OnUnauthorized(func(Entry, error) { calls++ })
	q.BeginSession("conn-1")
	q.Enqueue(entry("conn-1", 0))

	drain(q, 3)
	// Reauth with credentials that are rejected again in the same session
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	drain(q, 3)

	if calls != 1 {
		t.Errorf("Expected one notification, got %d", calls)
	}
}

func TestQueueNewSessionDropsStaleEntries(t *testing.T) {
	p := &fakePutter{}
	q := NewQueue(Config{}, p, testLogger(), nil)

	q.BeginSession("old")
	for i := 0; i < 4; i++ {
		q.Enqueue(entry("old", i))
	}
	q.Clear()

	// Late chunk of the stopped session
	if q.Enqueue(entry("old", 4)) {
		t.Error("Chunk of a stopped session must be rejected")
	}

	q.BeginSession("new")
	q.Enqueue(entry("new", 0))
	drain(q, 5)

	for _, u := range p.attempts {
		if u.ConnectionID == "old" {
			t.Fatalf("Chunk %d of the old session reached the network", u.Index)
		}
	}
	if len(p.delivered) != 1 || p.delivered[0].ConnectionID != "new" {
		t.Errorf("Unexpected deliveries %+v", p.delivered)
	}
}

func TestQueueBeginSessionDropsHeldEntriesOfOldSession(t *testing.T) {
	p := &fakePutter{script: map[int][]error{0: {&transcript.StatusError{StatusCode: 401}}}}
	q := NewQueue(Config{}, p, testLogger(), nil)
	q.BeginSession("old")
	q.Enqueue(entry("old", 0))
	q.Tick(context.Background())
	q.Clear()

	if dropped := q.BeginSession("new"); dropped != 1 {
		t.Errorf("Expected the held entry to be dropped, got %d", dropped)
	}
	if q.Paused() {
		t.Error("A new session starts unpaused")
	}
}

func TestQueueClearDuringUploadDiscardsResult(t *testing.T) {
	p := &fakePutter{script: map[int][]error{0: {errors.New("connection reset")}}}
	q := NewQueue(Config{}, p, testLogger(), nil)
	p.hook = func(transcript.ChunkUpload) { q.Clear() }

	q.BeginSession("conn-1")
	q.Enqueue(entry("conn-1", 0))
	q.Tick(context.Background())

	if q.Len() != 0 {
		t.Errorf("Entry of a cleared session was requeued (%d entries)", q.Len())
	}
	if q.InFlight() {
		t.Error("In-flight flag left set")
	}
}

func TestQueueEmptyPayloadIsDropped(t *testing.T) {
	p := &fakePutter{}
	q := NewQueue(Config{}, p, testLogger(), nil)
	q.BeginSession("conn-1")

	empty := entry("conn-1", 0)
	empty.Payload = nil
	q.Enqueue(empty)

	if q.Tick(context.Background()) {
		t.Error("Empty entry must not cause a network call")
	}
	if len(p.attempts) != 0 || q.Len() != 0 {
		t.Errorf("Unexpected state: %d attempts, %d queued", len(p.attempts), q.Len())
	}
}

type blockingPutter struct {
	entered chan int
	release chan struct{}
}

func (b *blockingPutter) PutChunk(_ context.Context, c transcript.ChunkUpload) error {
	b.entered <- c.Index
	<-b.release
	return nil
}

func TestQueueSingleInFlight(t *testing.T) {
	b := &blockingPutter{entered: make(chan int, 4), release: make(chan struct{})}
	q := NewQueue(Config{}, b, testLogger(), nil)
	q.BeginSession("conn-1")
	q.Enqueue(entry("conn-1", 0))
	q.Enqueue(entry("conn-1", 1))

	done := make(chan struct{})
	go func() {
		q.Tick(context.Background())
		close(done)
	}()
	<-b.entered

	if !q.InFlight() {
		t.Fatal("Expected an upload in flight")
	}
	if q.Tick(context.Background()) {
		t.Error("Second tick must not start a concurrent upload")
	}
	if len(b.entered) != 0 {
		t.Error("A second upload started while one was in flight")
	}

	close(b.release)
	<-done
	if q.Len() != 1 {
		t.Errorf("Expected one entry left, got %d", q.Len())
	}
}

func TestQueueRunDrains(t *testing.T) {
	p := &fakePutter{}
	q := NewQueue(Config{DrainInterval: 5 * time.Millisecond}, p, testLogger(), nil)
	q.BeginSession("conn-1")
	for i := 0; i < 3; i++ {
		q.Enqueue(entry("conn-1", i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for q.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.delivered) != 3 {
		t.Errorf("Expected 3 deliveries, got %d", len(p.delivered))
	}
	for i, u := range p.delivered {
		if u.Index != i {
			t.Errorf("Delivery %d carried index %d", i, u.Index)
		}
		if u.Domain != "https://ext.example" || u.Token != "tok" || u.MeetingID != "abc-defg-hij" {
			t.Errorf("Unexpected upload context %+v", u)
		}
		if u.Timestamp != 1700000000+int64(i) {
			t.Errorf("Unexpected timestamp %d", u.Timestamp)
		}
	}
}

// retained reports whether any slot past the queue length still holds a payload
func retained(q *Queue) bool {
	for _, e := range q.entries[len(q.entries):cap(q.entries)] {
		if e.Payload != nil {
			return true
		}
	}
	return false
}

func TestQueueReleasesRemovedPayloads(t *testing.T) {
	p := &fakePutter{}
	q := NewQueue(Config{}, p, testLogger(), nil)
	q.BeginSession("conn-1")
	for i := 0; i < 4; i++ {
		q.Enqueue(entry("conn-1", i))
	}

	drain(q, 2)
	if q.Len() != 2 {
		t.Fatalf("Expected 2 queued, got %d", q.Len())
	}
	if retained(q) {
		t.Error("Uploaded payloads still referenced by the queue")
	}

	q.Clear()
	if retained(q) {
		t.Error("Cleared payloads still referenced by the queue")
	}

	q.BeginSession("conn-2")
	q.Enqueue(entry("conn-2", 0))
	q.BeginSession("conn-3")
	if retained(q) {
		t.Error("Stale payloads still referenced by the queue")
	}
}
