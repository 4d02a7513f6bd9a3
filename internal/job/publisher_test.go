package job

import (
	"context"
	"encoding/base64"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/NeuroWaifu/ComfyUI.Worker/internal/model"
)

type fakeStore struct {
	objects    map[string][]byte
	types      map[string]string
	uploadErr  error
	presignErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}, types: map[string]string{}}
}

func (s *fakeStore) Download(_ context.Context, key string) ([]byte, error) {
	data, ok := s.objects[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return data, nil
}

func (s *fakeStore) Upload(_ context.Context, key string, data []byte, contentType string) error {
	if s.uploadErr != nil {
		return s.uploadErr
	}
	s.objects[key] = data
	s.types[key] = contentType
	return nil
}

func (s *fakeStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	if s.presignErr != nil {
		return "", s.presignErr
	}
	return "https://bucket.example/" + key + "?sig=abc", nil
}

func (s *fakeStore) Bucket() string {
	return "test-bucket"
}

var pngBytes = []byte("\x89PNG\r\n\x1a\n fake image payload")

func pngArtifact(filename string) Artifact {
	return Artifact{Ref: outputRef(filename), Data: pngBytes}
}

func TestPublishInlineWithoutStore(t *testing.T) {
	p := NewPublisher(nil, time.Hour, testLogger())

	outputs, warnings := p.Publish(context.Background(), "job-1", []Artifact{pngArtifact("out.png")})
	if len(warnings) != 0 {
		t.Errorf("warnings = %v, want none", warnings)
	}
	if len(outputs) != 1 {
		t.Fatalf("outputs = %d, want 1", len(outputs))
	}
	out := outputs[0]
	if out.Type != model.OutputBase64 {
		t.Errorf("type = %q, want base64", out.Type)
	}
	if out.Data != base64.StdEncoding.EncodeToString(pngBytes) {
		t.Error("data is not the base64 of the artifact bytes")
	}
	if out.S3FileKey != "" {
		t.Errorf("s3 key = %q, want empty for inline delivery", out.S3FileKey)
	}
}

func TestPublishUploadsToStore(t *testing.T) {
	store := newFakeStore()
	p := NewPublisher(store, time.Hour, testLogger())

	outputs, warnings := p.Publish(context.Background(), "job-1", []Artifact{pngArtifact("out.png")})
	if len(warnings) != 0 {
		t.Errorf("warnings = %v, want none", warnings)
	}
	if len(outputs) != 1 {
		t.Fatalf("outputs = %d, want 1", len(outputs))
	}

	out := outputs[0]
	if out.Type != model.OutputS3URL {
		t.Errorf("type = %q, want s3_url", out.Type)
	}
	keyPattern := regexp.MustCompile(`^job-1/[0-9a-f]{8}\.png$`)
	if !keyPattern.MatchString(out.S3FileKey) {
		t.Errorf("key = %q, want job-scoped random key with extension", out.S3FileKey)
	}
	if !strings.HasPrefix(out.Data, "https://bucket.example/"+out.S3FileKey) {
		t.Errorf("data = %q, want presigned URL for the key", out.Data)
	}
	if string(store.objects[out.S3FileKey]) != string(pngBytes) {
		t.Error("stored bytes differ from artifact bytes")
	}
	if store.types[out.S3FileKey] != "image/png" {
		t.Errorf("content type = %q, want image/png", store.types[out.S3FileKey])
	}
}

func TestPublishZeroTTLReturnsKey(t *testing.T) {
	store := newFakeStore()
	p := NewPublisher(store, 0, testLogger())

	outputs, _ := p.Publish(context.Background(), "job-1", []Artifact{pngArtifact("out.png")})
	if len(outputs) != 1 {
		t.Fatalf("outputs = %d, want 1", len(outputs))
	}
	if outputs[0].Data != outputs[0].S3FileKey {
		t.Errorf("data = %q, want the bare key %q", outputs[0].Data, outputs[0].S3FileKey)
	}
}

func TestPublishPresignFailureReturnsKey(t *testing.T) {
	store := newFakeStore()
	store.presignErr = errors.New("presign unavailable")
	p := NewPublisher(store, time.Hour, testLogger())

	outputs, warnings := p.Publish(context.Background(), "job-1", []Artifact{pngArtifact("out.png")})
	if len(warnings) != 0 {
		t.Errorf("warnings = %v, want none (object is stored, key is usable)", warnings)
	}
	if outputs[0].Type != model.OutputS3URL || outputs[0].Data != outputs[0].S3FileKey {
		t.Errorf("output = %+v, want s3_url with bare key", outputs[0])
	}
}

func TestPublishUploadFailureDegradesToInline(t *testing.T) {
	store := newFakeStore()
	store.uploadErr = errors.New("bucket quota exceeded")
	p := NewPublisher(store, time.Hour, testLogger())

	outputs, warnings := p.Publish(context.Background(), "job-1", []Artifact{
		pngArtifact("a.png"),
		pngArtifact("b.png"),
	})
	if len(outputs) != 2 {
		t.Fatalf("outputs = %d, want 2 (upload failure must not drop artifacts)", len(outputs))
	}
	for _, out := range outputs {
		if out.Type != model.OutputBase64 {
			t.Errorf("%s: type = %q, want base64 fallback", out.Filename, out.Type)
		}
	}
	if len(warnings) != 2 {
		t.Errorf("warnings = %d, want one per failed upload", len(warnings))
	}
	for _, w := range warnings {
		if !strings.Contains(w, "bucket quota exceeded") {
			t.Errorf("warning %q should carry the upload error", w)
		}
	}
}
