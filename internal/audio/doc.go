// Package audio turns the mixed PCM stream into fixed-cadence WAV segments,
// each tagged with the next sequence index of the capture session.
package audio
