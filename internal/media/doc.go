// Package media models capture devices as tracks of PCM frames and mixes
// the display and microphone streams into the single track the encoder
// consumes.
package media
