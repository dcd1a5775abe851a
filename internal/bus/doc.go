// Package bus connects the execution contexts of the relay: the UI, the
// coordinator, the capture pipeline and the upload worker.
//
// Every context owns a Bus on top of a Transport. A Bus offers two message
// patterns:
//   - Request: send and wait for a reply correlated by message id. Unanswered
//     requests are rejected by a periodic sweep once they pass their timeout.
//   - Notify: fire and forget, optionally to Broadcast.
//
// Incoming replies are matched on the receive loop. Everything else is
// handled by a single dispatcher in arrival order, so chunk notifications
// from one sender keep their sequence.
//
// A Hub routes envelopes between contexts of one process and can create a
// context on first use. NATSTransport and WSTransport carry the same
// envelopes across processes; Bridge joins either of them to a hub endpoint.
package bus
