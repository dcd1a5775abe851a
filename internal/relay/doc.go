// Package relay carries encoded chunks from the capture context to the
// worker context as base64 chunk notifications with their session context.
package relay
