// Package media normalizes heterogeneous media references into local byte
// payloads.
package media

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"

	"github.com/NeuroWaifu/ComfyUI.Worker/internal/model"
	"github.com/NeuroWaifu/ComfyUI.Worker/internal/storage"
)

const (
	fetchTimeout = 60 * time.Second

	// maxConcurrent bounds parallel resolution of independent inputs.
	maxConcurrent = 4
)

// Resolver turns MediaInputs into ResolvedMedia. The object store is optional;
// without one, s3 references fail with ErrStorageUnavailable.
type Resolver struct {
	http     *http.Client
	store    storage.ObjectStore
	maxBytes int64
	logger   *slog.Logger
}

// NewResolver creates a resolver. store may be nil when no download bucket is
// configured. maxBytes caps the size of remote fetches.
func NewResolver(store storage.ObjectStore, maxBytes int64, logger *slog.Logger) *Resolver {
	return &Resolver{
		http:     &http.Client{Timeout: fetchTimeout},
		store:    store,
		maxBytes: maxBytes,
		logger:   logger.With("component", "media"),
	}
}

// ResolveAll resolves independent inputs concurrently. The returned slice
// preserves the order of inputs regardless of completion order. The first
// failure cancels the remaining fetches and is returned.
func (r *Resolver) ResolveAll(ctx context.Context, inputs []model.MediaInput) ([]model.ResolvedMedia, error) {
	resolved := make([]model.ResolvedMedia, len(inputs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)
	for i, in := range inputs {
		i, in := i, in
		g.Go(func() error {
			m, err := r.Resolve(gctx, in)
			if err != nil {
				return err
			}
			resolved[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return resolved, nil
}

// Resolve normalizes one media reference into bytes plus a sniffed content
// type.
func (r *Resolver) Resolve(ctx context.Context, in model.MediaInput) (model.ResolvedMedia, error) {
	var (
		data []byte
		err  error
	)

	switch in.Kind {
	case model.SourceBase64:
		data, err = r.decodeInline(in)
	case model.SourceWeb:
		data, err = r.fetchRemote(ctx, in)
	case model.SourceS3:
		data, err = r.fetchObject(ctx, in)
	default:
		err = fmt.Errorf("media %s: unknown source kind %q: %w", in.Name, in.Kind, ErrMalformedInput)
	}
	if err != nil {
		return model.ResolvedMedia{}, err
	}

	m := model.ResolvedMedia{
		Name:        in.Name,
		Data:        data,
		ContentType: mimetype.Detect(data).String(),
	}
	r.logger.Debug("resolved media", "name", in.Name, "kind", in.Kind, "bytes", len(data), "content_type", m.ContentType)
	return m, nil
}

// decodeInline decodes an embedded base64 payload, tolerating a data-URL
// prefix before the first comma.
func (r *Resolver) decodeInline(in model.MediaInput) ([]byte, error) {
	payload := in.Ref
	if idx := strings.IndexByte(payload, ','); idx >= 0 {
		payload = payload[idx+1:]
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("media %s: decode base64: %v: %w", in.Name, err, ErrMalformedInput)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("media %s: empty payload: %w", in.Name, ErrMalformedInput)
	}

	return data, nil
}

// fetchRemote performs a bounded-time, bounded-size fetch of a URL.
func (r *Resolver) fetchRemote(ctx context.Context, in model.MediaInput) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.Ref, nil)
	if err != nil {
		return nil, fmt.Errorf("media %s: invalid URL %q: %w", in.Name, in.Ref, ErrMalformedInput)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("media %s: fetch %s: %v: %w", in.Name, in.Ref, err, ErrUnreachableSource)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("media %s: fetch %s: status %d: %w", in.Name, in.Ref, resp.StatusCode, ErrUnreachableSource)
	}
	if resp.ContentLength > r.maxBytes {
		return nil, fmt.Errorf("media %s: %d bytes exceeds limit %d: %w", in.Name, resp.ContentLength, r.maxBytes, ErrPayloadTooLarge)
	}

	// Read one byte past the limit to distinguish exactly-at-limit from over.
	data, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("media %s: read body: %v: %w", in.Name, err, ErrUnreachableSource)
	}
	if int64(len(data)) > r.maxBytes {
		return nil, fmt.Errorf("media %s: payload exceeds limit %d: %w", in.Name, r.maxBytes, ErrPayloadTooLarge)
	}

	return data, nil
}

// fetchObject downloads a key from the configured download bucket.
func (r *Resolver) fetchObject(ctx context.Context, in model.MediaInput) ([]byte, error) {
	if r.store == nil {
		return nil, fmt.Errorf("media %s: no bucket configured for s3 media: %w", in.Name, ErrStorageUnavailable)
	}

	data, err := r.store.Download(ctx, in.Ref)
	if err != nil {
		if storageNotFound(err) {
			return nil, fmt.Errorf("media %s: key %s: %w", in.Name, in.Ref, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("media %s: download %s: %v: %w", in.Name, in.Ref, err, ErrStorageUnavailable)
	}

	return data, nil
}
