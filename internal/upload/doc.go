// Package upload implements the chunk sequencer of the worker context.
//
// The queue uploads one entry at a time. A transport failure or a transient
// status puts the entry back at the front and it is retried on the next
// tick, without backoff. A rejection pauses the queue and holds the entry
// until Resume supplies fresh credentials. Starting a new session drops
// every entry of earlier sessions, held ones included.
package upload
