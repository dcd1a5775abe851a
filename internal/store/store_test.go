package store

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "state.json")

	s, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	auth := Auth{Token: "tok", MainDomain: "https://law.example", ChromeDomain: "https://ext.example/"}
	if err := s.Set(KeyAuth, auth); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := s.MarkCaptureStarted("tab-7", 1700000000000); err != nil {
		t.Fatalf("MarkCaptureStarted failed: %v", err)
	}

	reopened, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}

	if !reopened.Capturing() {
		t.Error("Expected capturing flag to survive reopen")
	}
	if reopened.CapturedTabID() != "tab-7" {
		t.Errorf("Expected tab-7, got %q", reopened.CapturedTabID())
	}
	if reopened.RecordStartTime() != 1700000000000 {
		t.Errorf("Unexpected start time %d", reopened.RecordStartTime())
	}

	got, ok := reopened.Auth()
	if !ok || got != auth {
		t.Errorf("Expected auth %+v, got %+v (ok=%v)", auth, got, ok)
	}
	if got.APIBase() != "https://ext.example" {
		t.Errorf("Unexpected API base %q", got.APIBase())
	}
	if got.LoginURL() != "https://law.example/login" {
		t.Errorf("Unexpected login URL %q", got.LoginURL())
	}
}

func TestResetCaptureIsIdempotent(t *testing.T) {
	s, err := Open("", testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	s.MarkCaptureStarted("tab-1", 42)

	for i := 0; i < 2; i++ {
		if err := s.ResetCapture(); err != nil {
			t.Fatalf("ResetCapture #%d failed: %v", i+1, err)
		}
		if s.Capturing() {
			t.Errorf("Expected capturing false after reset #%d", i+1)
		}
		if s.CapturedTabID() != "" || s.RecordStartTime() != 0 {
			t.Errorf("Expected session keys cleared after reset #%d", i+1)
		}
	}

	keys := s.Keys()
	if len(keys) != 1 || keys[0] != KeyCapturing {
		t.Errorf("Expected only the capturing key to remain, got %v", keys)
	}
}

func TestWatchDeliversChanges(t *testing.T) {
	s, _ := Open("", testLogger())

	var changes []Change
	cancel := s.Watch(func(c Change) {
		changes = append(changes, c)
	})

	s.Set(KeyMicrophone, Microphone{Label: "Built-in"})
	s.Delete(KeyMicrophone)
	s.Delete("missing")

	if len(changes) != 2 {
		t.Fatalf("Expected 2 changes, got %d", len(changes))
	}
	if changes[0].Key != KeyMicrophone || changes[0].Deleted {
		t.Errorf("Unexpected first change %+v", changes[0])
	}
	if !changes[1].Deleted {
		t.Errorf("Expected delete change, got %+v", changes[1])
	}

	cancel()
	s.Set(KeyWindowState, "maximized")
	if len(changes) != 2 {
		t.Errorf("Expected no changes after cancel, got %d", len(changes))
	}
}

func TestAuthValid(t *testing.T) {
	tests := []struct {
		name  string
		auth  Auth
		valid bool
	}{
		{"complete", Auth{Token: "t", MainDomain: "https://a", ChromeDomain: "https://b"}, true},
		{"main domain only", Auth{Token: "t", MainDomain: "https://a"}, true},
		{"missing token", Auth{MainDomain: "https://a"}, false},
		{"missing domains", Auth{Token: "t"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.auth.Valid(); got != tt.valid {
				t.Errorf("Expected Valid()=%v, got %v", tt.valid, got)
			}
		})
	}
}
