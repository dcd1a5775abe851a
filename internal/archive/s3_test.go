package archive

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/skypro1111/meet-audio-relay/internal/config"
	"github.com/skypro1111/meet-audio-relay/internal/upload"
)

type fakeUploader struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakeUploader) Upload(_ context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	body, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	if f.err != nil {
		return nil, f.err
	}
	return &manager.UploadOutput{}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStoreWritesKeyedObject(t *testing.T) {
	u := &fakeUploader{}
	a := NewWithUploader(config.ArchiveConfig{Bucket: "chunks", Prefix: "meet"}, u, testLogger(), nil)

	e := upload.Entry{Index: 12, Payload: []byte("wav"), MimeType: "audio/wav", MeetingID: "abc-defg-hij", ConnectionID: "conn-1"}
	if err := a.Store(context.Background(), e); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	if len(u.inputs) != 1 {
		t.Fatalf("Expected one upload, got %d", len(u.inputs))
	}
	in := u.inputs[0]
	if aws.ToString(in.Bucket) != "chunks" {
		t.Errorf("Unexpected bucket %q", aws.ToString(in.Bucket))
	}
	if got := aws.ToString(in.Key); got != "meet/abc-defg-hij/conn-1/000012.wav" {
		t.Errorf("Unexpected key %q", got)
	}
	if aws.ToString(in.ContentType) != "audio/wav" || string(u.bodies[0]) != "wav" {
		t.Errorf("Unexpected object %+v", in)
	}
}

func TestStoreReportsFailure(t *testing.T) {
	u := &fakeUploader{err: errors.New("access denied")}
	a := NewWithUploader(config.ArchiveConfig{Bucket: "chunks"}, u, testLogger(), nil)

	if err := a.Store(context.Background(), upload.Entry{Index: 1}); err == nil {
		t.Error("Expected error")
	}
}

func TestNewRequiresBucketAndRegion(t *testing.T) {
	if _, err := New(context.Background(), config.ArchiveConfig{Bucket: "b"}, testLogger(), nil); err == nil {
		t.Error("Expected error without region")
	}
}
