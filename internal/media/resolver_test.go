package media

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NeuroWaifu/ComfyUI.Worker/internal/model"
	"github.com/NeuroWaifu/ComfyUI.Worker/internal/storage"
)

// pngHeader is a minimal PNG signature so content-type sniffing is exercised
// against a real magic number.
var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// fakeStore is an in-memory ObjectStore.
type fakeStore struct {
	objects map[string][]byte
	err     error
}

func (f *fakeStore) Download(_ context.Context, key string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("key %s: %w", key, storage.ErrNotFound)
	}
	return data, nil
}

func (f *fakeStore) Upload(_ context.Context, _ string, _ []byte, _ string) error { return nil }
func (f *fakeStore) PresignGet(_ context.Context, _ string, _ time.Duration) (string, error) {
	return "", nil
}
func (f *fakeStore) Bucket() string { return "fake" }

func TestResolveBase64RoundTrip(t *testing.T) {
	r := NewResolver(nil, 1<<20, testLogger())

	encoded := base64.StdEncoding.EncodeToString(pngHeader)
	got, err := r.Resolve(context.Background(), model.MediaInput{
		Name: "in.png", Kind: model.SourceBase64, Ref: encoded,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if string(got.Data) != string(pngHeader) {
		t.Errorf("payload does not round-trip: got %v", got.Data)
	}
	if got.ContentType != "image/png" {
		t.Errorf("content type = %q, want image/png", got.ContentType)
	}
}

func TestResolveBase64DataURLPrefix(t *testing.T) {
	r := NewResolver(nil, 1<<20, testLogger())

	ref := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngHeader)
	got, err := r.Resolve(context.Background(), model.MediaInput{
		Name: "in.png", Kind: model.SourceBase64, Ref: ref,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if string(got.Data) != string(pngHeader) {
		t.Errorf("payload does not round-trip through data URL: got %v", got.Data)
	}
}

func TestResolveBase64Malformed(t *testing.T) {
	r := NewResolver(nil, 1<<20, testLogger())

	for _, ref := range []string{"!!!not-base64!!!", ""} {
		_, err := r.Resolve(context.Background(), model.MediaInput{
			Name: "bad", Kind: model.SourceBase64, Ref: ref,
		})
		if !errors.Is(err, ErrMalformedInput) {
			t.Errorf("Resolve(%q) error = %v, want ErrMalformedInput", ref, err)
		}
	}
}

func TestResolveUnknownKind(t *testing.T) {
	r := NewResolver(nil, 1<<20, testLogger())

	_, err := r.Resolve(context.Background(), model.MediaInput{Name: "x", Kind: "ftp", Ref: "ftp://x"})
	if !errors.Is(err, ErrMalformedInput) {
		t.Errorf("error = %v, want ErrMalformedInput", err)
	}
}

func TestResolveWebRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(pngHeader)
	}))
	defer srv.Close()

	r := NewResolver(nil, 1<<20, testLogger())
	got, err := r.Resolve(context.Background(), model.MediaInput{
		Name: "remote.png", Kind: model.SourceWeb, Ref: srv.URL,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if string(got.Data) != string(pngHeader) {
		t.Errorf("payload does not round-trip: got %v", got.Data)
	}
}

func TestResolveWebNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	r := NewResolver(nil, 1<<20, testLogger())
	_, err := r.Resolve(context.Background(), model.MediaInput{
		Name: "remote", Kind: model.SourceWeb, Ref: srv.URL,
	})
	if !errors.Is(err, ErrUnreachableSource) {
		t.Errorf("error = %v, want ErrUnreachableSource", err)
	}
}

func TestResolveWebConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	r := NewResolver(nil, 1<<20, testLogger())
	_, err := r.Resolve(context.Background(), model.MediaInput{
		Name: "remote", Kind: model.SourceWeb, Ref: url,
	})
	if !errors.Is(err, ErrUnreachableSource) {
		t.Errorf("error = %v, want ErrUnreachableSource", err)
	}
}

func TestResolveWebPayloadTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()

	r := NewResolver(nil, 16, testLogger())
	_, err := r.Resolve(context.Background(), model.MediaInput{
		Name: "big", Kind: model.SourceWeb, Ref: srv.URL,
	})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("error = %v, want ErrPayloadTooLarge", err)
	}
}

func TestResolveWebExactlyAtLimit(t *testing.T) {
	payload := strings.Repeat("y", 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	r := NewResolver(nil, 16, testLogger())
	got, err := r.Resolve(context.Background(), model.MediaInput{
		Name: "exact", Kind: model.SourceWeb, Ref: srv.URL,
	})
	if err != nil {
		t.Fatalf("Resolve at exact limit: %v", err)
	}
	if string(got.Data) != payload {
		t.Errorf("payload truncated: %d bytes", len(got.Data))
	}
}

func TestResolveS3RoundTrip(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{"inputs/a.png": pngHeader}}
	r := NewResolver(store, 1<<20, testLogger())

	got, err := r.Resolve(context.Background(), model.MediaInput{
		Name: "a.png", Kind: model.SourceS3, Ref: "inputs/a.png",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if string(got.Data) != string(pngHeader) {
		t.Errorf("payload does not round-trip: got %v", got.Data)
	}
}

func TestResolveS3NotFound(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{}}
	r := NewResolver(store, 1<<20, testLogger())

	_, err := r.Resolve(context.Background(), model.MediaInput{
		Name: "a.png", Kind: model.SourceS3, Ref: "missing",
	})
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("error = %v, want ErrObjectNotFound", err)
	}
}

func TestResolveS3StorageUnavailable(t *testing.T) {
	store := &fakeStore{err: errors.New("connection reset")}
	r := NewResolver(store, 1<<20, testLogger())

	_, err := r.Resolve(context.Background(), model.MediaInput{
		Name: "a.png", Kind: model.SourceS3, Ref: "inputs/a.png",
	})
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("error = %v, want ErrStorageUnavailable", err)
	}
}

func TestResolveS3NoStoreConfigured(t *testing.T) {
	r := NewResolver(nil, 1<<20, testLogger())

	_, err := r.Resolve(context.Background(), model.MediaInput{
		Name: "a.png", Kind: model.SourceS3, Ref: "inputs/a.png",
	})
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("error = %v, want ErrStorageUnavailable", err)
	}
}

func TestResolveAllPreservesOrder(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		w.Write([]byte(r.URL.Path))
	}))
	defer srv.Close()

	inputs := make([]model.MediaInput, 6)
	for i := range inputs {
		inputs[i] = model.MediaInput{
			Name: fmt.Sprintf("m%d", i),
			Kind: model.SourceWeb,
			Ref:  fmt.Sprintf("%s/%d", srv.URL, i),
		}
	}

	r := NewResolver(nil, 1<<20, testLogger())
	resolved, err := r.ResolveAll(context.Background(), inputs)
	if err != nil {
		t.Fatalf("ResolveAll: %v", err)
	}
	if len(resolved) != len(inputs) {
		t.Fatalf("resolved %d inputs, want %d", len(resolved), len(inputs))
	}
	for i, m := range resolved {
		want := fmt.Sprintf("/%d", i)
		if string(m.Data) != want {
			t.Errorf("resolved[%d].Data = %q, want %q (order not preserved)", i, m.Data, want)
		}
	}
	if peak.Load() < 2 {
		t.Errorf("peak concurrency = %d, want at least 2", peak.Load())
	}
}

func TestResolveAllFirstErrorWins(t *testing.T) {
	r := NewResolver(nil, 1<<20, testLogger())

	inputs := []model.MediaInput{
		{Name: "ok", Kind: model.SourceBase64, Ref: base64.StdEncoding.EncodeToString([]byte("fine"))},
		{Name: "bad", Kind: model.SourceBase64, Ref: "!!!"},
	}

	_, err := r.ResolveAll(context.Background(), inputs)
	if !errors.Is(err, ErrMalformedInput) {
		t.Fatalf("ResolveAll error = %v, want ErrMalformedInput", err)
	}
}
