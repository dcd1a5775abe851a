// Package coordinator implements the background context that sits between
// the UI and the capture pipeline. It owns the persisted settings, checks
// authorization before a capture starts, fetches transcripts for the UI and
// creates the worker context on demand.
package coordinator
