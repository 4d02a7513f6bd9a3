package job

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/NeuroWaifu/ComfyUI.Worker/internal/model"
	"github.com/NeuroWaifu/ComfyUI.Worker/internal/storage"
)

// Publisher turns collected artifacts into response media: inline base64 when
// no bucket is configured, object-store URLs otherwise. A failed upload
// degrades that artifact to inline delivery rather than failing the job.
type Publisher struct {
	store  storage.ObjectStore
	ttl    time.Duration
	logger *slog.Logger
}

// NewPublisher creates a publisher. store may be nil, which forces inline
// delivery. ttl bounds presigned URL validity; zero means the raw object key
// is returned instead of a URL.
func NewPublisher(store storage.ObjectStore, ttl time.Duration, logger *slog.Logger) *Publisher {
	return &Publisher{
		store:  store,
		ttl:    ttl,
		logger: logger.With("component", "publisher"),
	}
}

// Publish converts artifacts into response media, in input order. Upload
// failures surface as warnings alongside the degraded inline entry.
func (p *Publisher) Publish(ctx context.Context, jobID string, artifacts []Artifact) ([]model.MediaOutput, []string) {
	outputs := make([]model.MediaOutput, 0, len(artifacts))
	var warnings []string

	for _, a := range artifacts {
		if p.store == nil {
			outputs = append(outputs, inline(a))
			continue
		}

		out, err := p.upload(ctx, jobID, a)
		if err != nil {
			p.logger.Warn("artifact upload failed, delivering inline", "filename", a.Ref.Filename, "error", err)
			uploadsDegraded.Inc()
			warnings = append(warnings, fmt.Sprintf("upload of %s failed, returning it inline instead: %v", a.Ref.Filename, err))
			outputs = append(outputs, inline(a))
			continue
		}
		outputs = append(outputs, out)
	}

	return outputs, warnings
}

func inline(a Artifact) model.MediaOutput {
	return model.MediaOutput{
		Filename: a.Ref.Filename,
		Type:     model.OutputBase64,
		Data:     base64.StdEncoding.EncodeToString(a.Data),
	}
}

// upload stores one artifact under a job-scoped random key and returns the
// presigned URL (or the bare key when presigning is disabled or fails; the
// object is already stored at that point).
func (p *Publisher) upload(ctx context.Context, jobID string, a Artifact) (model.MediaOutput, error) {
	key := fmt.Sprintf("%s/%s%s", jobID, model.NewArtifactName(), path.Ext(a.Ref.Filename))
	contentType := mimetype.Detect(a.Data).String()

	if err := p.store.Upload(ctx, key, a.Data, contentType); err != nil {
		return model.MediaOutput{}, err
	}
	p.logger.Debug("artifact uploaded", "filename", a.Ref.Filename, "key", key, "bytes", len(a.Data))

	data := key
	if p.ttl > 0 {
		url, err := p.store.PresignGet(ctx, key, p.ttl)
		if err != nil {
			p.logger.Warn("presign failed, returning object key", "key", key, "error", err)
		} else {
			data = url
		}
	}

	return model.MediaOutput{
		Filename:  a.Ref.Filename,
		Type:      model.OutputS3URL,
		Data:      data,
		S3FileKey: key,
	}, nil
}
