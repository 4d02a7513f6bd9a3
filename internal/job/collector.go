package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/NeuroWaifu/ComfyUI.Worker/internal/comfy"
	"github.com/NeuroWaifu/ComfyUI.Worker/internal/model"
)

// temp artifacts are live previews the engine writes alongside real outputs;
// they are never part of the job result.
const tempArtifactType = "temp"

// ArtifactSource is the engine surface the collector reads results from.
type ArtifactSource interface {
	History(ctx context.Context, promptID string) (map[string]comfy.NodeOutput, error)
	FetchArtifact(ctx context.Context, ref model.ArtifactRef) ([]byte, error)
}

// Artifact is one collected output with its bytes in hand.
type Artifact struct {
	Ref  model.ArtifactRef
	Data []byte
}

// Collector gathers the artifacts a finished job produced. The engine's
// history endpoint is the authoritative record; the artifact references
// advertised over the push channel serve as fallback when history is gone.
type Collector struct {
	source ArtifactSource
	logger *slog.Logger
}

func NewCollector(source ArtifactSource, logger *slog.Logger) *Collector {
	return &Collector{
		source: source,
		logger: logger.With("component", "collector"),
	}
}

// Collect retrieves every artifact of the finished prompt. Individual
// artifacts that cannot be retrieved become warnings, not failures; the
// returned error is reserved for being unable to learn what was produced at
// all.
func (c *Collector) Collect(ctx context.Context, promptID string, advertised []model.ArtifactRef) ([]Artifact, []string, error) {
	refs, warnings, err := c.refs(ctx, promptID, advertised)
	if err != nil {
		return nil, nil, err
	}

	artifacts := make([]Artifact, 0, len(refs))
	for _, ref := range refs {
		if ref.Type == tempArtifactType {
			c.logger.Debug("skipping preview artifact", "filename", ref.Filename)
			continue
		}
		if ref.Filename == "" {
			warnings = append(warnings, "an advertised output had no filename and was skipped")
			continue
		}

		data, err := c.source.FetchArtifact(ctx, ref)
		if err != nil {
			c.logger.Warn("artifact retrieval failed", "filename", ref.Filename, "error", err)
			warnings = append(warnings, fmt.Sprintf("output %s could not be retrieved: %v", ref.Filename, err))
			continue
		}
		artifacts = append(artifacts, Artifact{Ref: ref, Data: data})
	}

	return artifacts, warnings, nil
}

// refs determines which artifact references to fetch. History wins; when the
// engine no longer has the entry, the push-channel references are used
// instead.
func (c *Collector) refs(ctx context.Context, promptID string, advertised []model.ArtifactRef) ([]model.ArtifactRef, []string, error) {
	outputs, err := c.source.History(ctx, promptID)
	if err != nil {
		if errors.Is(err, comfy.ErrPromptNotFound) && len(advertised) > 0 {
			c.logger.Warn("history entry missing, using push-channel references", "prompt_id", promptID)
			return dedupe(advertised), nil, nil
		}
		return nil, nil, fmt.Errorf("read execution history: %w", err)
	}

	nodeIDs := make([]string, 0, len(outputs))
	for id := range outputs {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	var refs []model.ArtifactRef
	var warnings []string
	for _, id := range nodeIDs {
		out := outputs[id]
		refs = append(refs, out.Images...)
		if len(out.Other) > 0 {
			warnings = append(warnings, fmt.Sprintf("node %s produced unhandled output types: %s", id, strings.Join(out.Other, ", ")))
		}
	}

	return refs, warnings, nil
}

// dedupe drops duplicate references; the push channel advertises the same
// artifact in both the per-node and the terminal event.
func dedupe(refs []model.ArtifactRef) []model.ArtifactRef {
	seen := make(map[model.ArtifactRef]struct{}, len(refs))
	out := refs[:0:0]
	for _, ref := range refs {
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out
}
