// Package transcript implements the HTTP client for the ingestion service
// (chunk PUT and transcript GET) and the two transcript pollers.
//
// Any response outside 2xx/3xx is a StatusError. 5xx and 429 are transient;
// every other status matches ErrUnauthorized and ends the capture session.
// Each Poller owns a Watermark that trails the newest entry it has seen by a
// fixed margin and never moves backward.
package transcript
