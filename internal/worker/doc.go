// Package worker hosts the upload side of the relay: the ordered chunk
// queue, the upload-triggered transcript poller and the optional S3 archive.
//
// The worker is the only context that talks to the ingestion service. When
// the service rejects the session it stops capture and asks the coordinator
// for a new login, once per connection.
package worker
