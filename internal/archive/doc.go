// Package archive keeps a copy of every uploaded chunk in an S3-compatible
// bucket, keyed by meeting, connection id and sequence index.
package archive
