// Package store keeps the small amount of state that every context can see:
// the capture flag, the captured tab, the selected microphone and the
// authorization payload. Readers react to change notifications.
package store
