// Package device enumerates capture devices and resolves the persisted
// microphone label to the id the platform currently assigns to it.
package device
