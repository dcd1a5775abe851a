// Package capture implements the recorder state machine of the capture
// context: Idle, Starting, Capturing, Stopping.
//
// Start validates the microphone selection, the meeting URL and the stored
// credentials, acquires the display and microphone streams, mixes them and
// runs the encoder, relaying every non-empty segment to the worker. Stop is
// the only teardown path. User requests, closed tabs, ended tracks, encoder
// failures and rejected uploads all end up there.
package capture
