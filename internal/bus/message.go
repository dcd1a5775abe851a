package bus

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Context names
const (
	ContextUI          = "ui"
	ContextCoordinator = "coordinator"
	ContextWorker      = "worker"
	ContextCapture     = "capture"

	// Broadcast delivers a notification to every context except the sender
	Broadcast = "*"
)

// Message types
const (
	TypeStartCapture     = "start-capture"
	TypeStopCapture      = "stop-capture"
	TypeCaptureStatus    = "capture-status"
	TypeRecordingStarted = "recording-started"
	TypeRecordingEnded   = "recording-ended"
	TypeChunk            = "chunk"
	TypeClearQueue       = "clear-queue"
	TypeTranscript       = "transcript"
	TypeFetchTranscript  = "fetch-transcript"
	TypeReauthRequired   = "reauth-required"
	TypeOpenLogin        = "open-login"
	TypeOpenSettings     = "open-settings"
	TypeAuthUpdated      = "auth-updated"
	TypeSetAuth          = "set-auth"
	TypeSetMicrophone    = "set-microphone"
	TypeListDevices      = "list-devices"
	TypeTabClosed        = "tab-closed"
	TypeSetWindowState   = "set-window-state"
)

var (
	ErrTimeout    = errors.New("bus: request timed out")
	ErrClosed     = errors.New("bus: closed")
	ErrNoReceiver = errors.New("bus: no receiver for target")
	ErrNoHandler  = errors.New("bus: no handler for message type")
)

// Envelope is the wire format of every cross-context message. Requests carry
// a MessageID that the responder echoes back with Reply set.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Source    string          `json:"source,omitempty"`
	Target    string          `json:"target,omitempty"`
	Reply     bool            `json:"reply,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// IsRequest reports whether the sender waits for a reply
func (e Envelope) IsRequest() bool {
	return e.MessageID != "" && !e.Reply
}

// RemoteError is a handler error carried back in a reply
type RemoteError struct {
	Source  string
	Type    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s handler for %s: %s", e.Source, e.Type, e.Message)
}

// Decode unmarshals the envelope data into a value of type T
func Decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("failed to decode message data: %w", err)
	}
	return v, nil
}

func encode(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message data: %w", err)
	}
	return raw, nil
}
