package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Keys shared by every context
const (
	KeyCapturing       = "capturing"
	KeyCapturedTabID   = "captured_tab_id"
	KeyRecordStartTime = "record_start_time"
	KeyMicrophone      = "microphone"
	KeyAuth            = "auth"
	KeyWindowState     = "window_state"
)

// Auth is the opaque authorization payload produced by the external login flow
type Auth struct {
	Token        string `json:"token"`
	MainDomain   string `json:"mainDomain"`
	ChromeDomain string `json:"chromeDomain"`
}

// Valid reports whether the payload carries a token and at least one domain
func (a Auth) Valid() bool {
	return a.Token != "" && (a.MainDomain != "" || a.ChromeDomain != "")
}

// APIBase returns the base URL for the extension API, preferring the
// extension-facing domain.
func (a Auth) APIBase() string {
	base := a.ChromeDomain
	if base == "" {
		base = a.MainDomain
	}
	return strings.TrimRight(base, "/")
}

// LoginURL returns the page the external login flow is opened on
func (a Auth) LoginURL() string {
	base := a.MainDomain
	if base == "" {
		base = a.ChromeDomain
	}
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/login"
}

// Microphone is the persisted microphone descriptor. Labels are stored
// instead of ids because device ids change across permission grants.
type Microphone struct {
	Label string `json:"label"`
}

// Change describes a single key update delivered to watchers
type Change struct {
	Key     string
	Value   json.RawMessage // nil when the key was removed
	Deleted bool
}

// Store is a small JSON-file backed key/value store with change notifications
type Store struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	values   map[string]json.RawMessage
	watchers map[int]func(Change)
	nextID   int
}

// Open loads the store at path. An empty path keeps state in memory only.
func Open(path string, logger *slog.Logger) (*Store, error) {
	s := &Store{
		path:     path,
		logger:   logger,
		values:   make(map[string]json.RawMessage),
		watchers: make(map[int]func(Change)),
	}

	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read state file %s: %w", path, err)
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.values); err != nil {
			return nil, fmt.Errorf("failed to parse state file %s: %w", path, err)
		}
	}

	logger.Debug("State store loaded",
		slog.String("path", path),
		slog.Int("keys", len(s.values)),
	)

	return s, nil
}

// Get decodes the value stored under key into v. It reports whether the key exists.
func (s *Store) Get(key string, v any) (bool, error) {
	s.mu.RLock()
	raw, ok := s.values[key]
	s.mu.RUnlock()

	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("failed to decode key %s: %w", key, err)
	}
	return true, nil
}

// Set stores v under key, persists the store and notifies watchers
func (s *Store) Set(key string, v any) error {
	return s.SetMany(map[string]any{key: v})
}

// SetMany stores several keys as one persisted write
func (s *Store) SetMany(values map[string]any) error {
	encoded := make(map[string]json.RawMessage, len(values))
	for key, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode key %s: %w", key, err)
		}
		encoded[key] = raw
	}

	s.mu.Lock()
	for key, raw := range encoded {
		s.values[key] = raw
	}
	err := s.persistLocked()
	watchers := s.snapshotWatchersLocked()
	s.mu.Unlock()

	if err != nil {
		return err
	}

	for _, key := range sortedKeys(encoded) {
		notify(watchers, Change{Key: key, Value: encoded[key]})
	}
	return nil
}

// Delete removes keys, persists the store and notifies watchers
func (s *Store) Delete(keys ...string) error {
	s.mu.Lock()
	removed := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, ok := s.values[key]; ok {
			delete(s.values, key)
			removed = append(removed, key)
		}
	}
	var err error
	if len(removed) > 0 {
		err = s.persistLocked()
	}
	watchers := s.snapshotWatchersLocked()
	s.mu.Unlock()

	if err != nil {
		return err
	}

	for _, key := range removed {
		notify(watchers, Change{Key: key, Deleted: true})
	}
	return nil
}

// Watch registers fn for every change and returns a function that removes it
func (s *Store) Watch(fn func(Change)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

// Capturing reports the persisted capture flag
func (s *Store) Capturing() bool {
	var capturing bool
	s.Get(KeyCapturing, &capturing)
	return capturing
}

// CapturedTabID returns the tab the active capture belongs to
func (s *Store) CapturedTabID() string {
	var tabID string
	s.Get(KeyCapturedTabID, &tabID)
	return tabID
}

// RecordStartTime returns the unix milliseconds the capture started at
func (s *Store) RecordStartTime() int64 {
	var start int64
	s.Get(KeyRecordStartTime, &start)
	return start
}

// MicrophoneLabel returns the selected microphone label
func (s *Store) MicrophoneLabel() string {
	var mic Microphone
	s.Get(KeyMicrophone, &mic)
	return mic.Label
}

// Auth returns the stored authorization payload
func (s *Store) Auth() (Auth, bool) {
	var auth Auth
	ok, err := s.Get(KeyAuth, &auth)
	if !ok || err != nil {
		return Auth{}, false
	}
	return auth, true
}

// MarkCaptureStarted persists the capturing state in a single write
func (s *Store) MarkCaptureStarted(tabID string, startMillis int64) error {
	return s.SetMany(map[string]any{
		KeyCapturing:       true,
		KeyCapturedTabID:   tabID,
		KeyRecordStartTime: startMillis,
	})
}

// ResetCapture returns the persisted capture state to idle
func (s *Store) ResetCapture() error {
	if err := s.Set(KeyCapturing, false); err != nil {
		return err
	}
	return s.Delete(KeyCapturedTabID, KeyRecordStartTime)
}

// Keys returns the stored keys in sorted order
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.values)
}

func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}

	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

func (s *Store) snapshotWatchersLocked() []func(Change) {
	ids := make([]int, 0, len(s.watchers))
	for id := range s.watchers {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		out = append(out, s.watchers[id])
	}
	return out
}

func notify(watchers []func(Change), c Change) {
	for _, fn := range watchers {
		fn(c)
	}
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
