// Package server implements the HTTP side of the relay daemon: health and
// status endpoints, the Prometheus scrape endpoint and the websocket bridge
// that attaches a remote UI to the in-process message bus.
package server
