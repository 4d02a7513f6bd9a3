// Package job orchestrates one workflow invocation end to end: input
// resolution, submission, push-channel monitoring, artifact collection, and
// publication.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/NeuroWaifu/ComfyUI.Worker/internal/comfy"
	"github.com/NeuroWaifu/ComfyUI.Worker/internal/media"
	"github.com/NeuroWaifu/ComfyUI.Worker/internal/model"
	"github.com/NeuroWaifu/ComfyUI.Worker/internal/monitor"
)

// refreshTimeout bounds the best-effort engine teardown after a job.
const refreshTimeout = 10 * time.Second

// Engine is the execution-engine surface the controller drives. *comfy.Client
// satisfies it.
type Engine interface {
	ArtifactSource
	WSURL(clientID string) string
	WaitAvailable(ctx context.Context, retries int, interval time.Duration) error
	QueuePrompt(ctx context.Context, workflow json.RawMessage, clientID string) (string, error)
	UploadInput(ctx context.Context, media model.ResolvedMedia) error
	Free(ctx context.Context, unloadModels, freeMemory bool) error
}

// MediaResolver normalizes request media into local bytes.
type MediaResolver interface {
	ResolveAll(ctx context.Context, inputs []model.MediaInput) ([]model.ResolvedMedia, error)
}

// Watcher tracks one submitted job to a terminal outcome.
type Watcher interface {
	Run(ctx context.Context, url, promptID string) (*monitor.Outcome, error)
}

// WatcherFactory builds a fresh Watcher per invocation; watchers carry
// per-job connection state and are not reused.
type WatcherFactory func() Watcher

// Options carries the tunables the controller needs from configuration.
type Options struct {
	AvailableRetries  int
	AvailableInterval time.Duration
	JobTimeout        time.Duration
	RefreshWorker     bool
}

// Request is one invocation as received on the wire.
type Request struct {
	Workflow json.RawMessage `json:"workflow"`
	Media    []MediaRef      `json:"media,omitempty"`
}

// MediaRef is one media reference in the request.
type MediaRef struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Media string `json:"media"`
}

// Result is a successful invocation outcome. Warnings carry non-fatal
// degradations (missing outputs, inline fallbacks).
type Result struct {
	JobID    string
	Media    []model.MediaOutput
	Warnings []string
}

// Controller runs the invocation pipeline. It is safe for concurrent use;
// all per-job state lives in locals.
type Controller struct {
	opts      Options
	engine    Engine
	resolver  MediaResolver
	watchers  WatcherFactory
	collector *Collector
	publisher *Publisher
	logger    *slog.Logger
}

func NewController(opts Options, engine Engine, resolver MediaResolver, watchers WatcherFactory, collector *Collector, publisher *Publisher, logger *slog.Logger) *Controller {
	return &Controller{
		opts:      opts,
		engine:    engine,
		resolver:  resolver,
		watchers:  watchers,
		collector: collector,
		publisher: publisher,
		logger:    logger.With("component", "controller"),
	}
}

// Run executes one invocation. On failure the returned error is always a
// *Error carrying the failure kind.
func (c *Controller) Run(ctx context.Context, req Request) (*Result, error) {
	jobID := model.NewID()
	logger := c.logger.With("job_id", jobID)
	start := time.Now()

	res, err := c.run(ctx, logger, jobID, req)

	outcome := "completed"
	if err != nil {
		outcome = string(KindOf(err))
		logger.Error("job failed", "outcome", outcome, "error", err)
	}
	jobsTotal.WithLabelValues(outcome).Inc()
	jobDuration.Observe(time.Since(start).Seconds())

	if c.opts.RefreshWorker {
		c.refresh(logger)
	}

	return res, err
}

func (c *Controller) run(ctx context.Context, logger *slog.Logger, jobID string, req Request) (*Result, error) {
	inputs, err := req.mediaInputs()
	if err != nil {
		return nil, err
	}
	if err := validateWorkflow(req.Workflow); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.JobTimeout)
	defer cancel()

	resolved, err := c.resolver.ResolveAll(ctx, inputs)
	if err != nil {
		if te := c.timeoutError(ctx, err); te != nil {
			return nil, te
		}
		return nil, classifyMediaError(err)
	}

	if err := c.engine.WaitAvailable(ctx, c.opts.AvailableRetries, c.opts.AvailableInterval); err != nil {
		if te := c.timeoutError(ctx, err); te != nil {
			return nil, te
		}
		return nil, &Error{
			Kind:    KindEngineUnavailable,
			Message: "execution engine is not reachable",
			cause:   err,
		}
	}

	for _, m := range resolved {
		if err := c.engine.UploadInput(ctx, m); err != nil {
			if te := c.timeoutError(ctx, err); te != nil {
				return nil, te
			}
			return nil, &Error{
				Kind:    KindEngineUnavailable,
				Message: fmt.Sprintf("staging input %s on the engine failed", m.Name),
				cause:   err,
			}
		}
	}

	clientID := model.NewClientID()
	promptID, err := c.engine.QueuePrompt(ctx, req.Workflow, clientID)
	if err != nil {
		var ve *comfy.ValidationError
		if errors.As(err, &ve) {
			return nil, &Error{
				Kind:    KindValidation,
				Message: ve.Message,
				Details: ve.Details,
				cause:   err,
			}
		}
		if te := c.timeoutError(ctx, err); te != nil {
			return nil, te
		}
		return nil, &Error{
			Kind:    KindEngineUnavailable,
			Message: "workflow submission failed",
			cause:   err,
		}
	}
	logger.Info("workflow queued", "prompt_id", promptID)

	out, err := c.watchers().Run(ctx, c.engine.WSURL(clientID), promptID)
	if err != nil {
		if te := c.timeoutError(ctx, err); te != nil {
			return nil, te
		}
		return nil, classifyMonitorError(err)
	}

	artifacts, warnings, err := c.collector.Collect(ctx, promptID, out.Outputs)
	if err != nil {
		if te := c.timeoutError(ctx, err); te != nil {
			return nil, te
		}
		return nil, &Error{
			Kind:    KindEngineUnavailable,
			Message: "retrieving job outputs failed",
			cause:   err,
		}
	}

	outputs, pubWarnings := c.publisher.Publish(ctx, jobID, artifacts)
	warnings = append(warnings, pubWarnings...)
	if len(outputs) == 0 {
		warnings = append(warnings, "workflow completed without producing any outputs")
	}

	logger.Info("job finished", "prompt_id", promptID, "outputs", len(outputs), "warnings", len(warnings))
	return &Result{JobID: jobID, Media: outputs, Warnings: warnings}, nil
}

// refresh discards engine queue and memory state between invocations. Best
// effort on a fresh context: the job context may already be past its deadline.
func (c *Controller) refresh(logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	if err := c.engine.Free(ctx, true, true); err != nil {
		logger.Warn("engine refresh failed", "error", err)
		return
	}
	logger.Debug("engine state refreshed")
}

// mediaInputs validates the request media list and converts it to the model
// representation.
func (r Request) mediaInputs() ([]model.MediaInput, error) {
	inputs := make([]model.MediaInput, 0, len(r.Media))
	seen := make(map[string]struct{}, len(r.Media))

	for i, m := range r.Media {
		if m.Name == "" {
			return nil, &Error{Kind: KindValidation, Message: fmt.Sprintf("media[%d] is missing a name", i)}
		}
		if _, dup := seen[m.Name]; dup {
			return nil, &Error{Kind: KindValidation, Message: fmt.Sprintf("duplicate media name %q", m.Name)}
		}
		seen[m.Name] = struct{}{}

		switch m.Type {
		case model.SourceBase64, model.SourceWeb, model.SourceS3:
		default:
			return nil, &Error{Kind: KindValidation, Message: fmt.Sprintf("media %q has unknown type %q", m.Name, m.Type)}
		}
		if m.Media == "" {
			return nil, &Error{Kind: KindValidation, Message: fmt.Sprintf("media %q has an empty payload", m.Name)}
		}

		inputs = append(inputs, model.MediaInput{Name: m.Name, Kind: m.Type, Ref: m.Media})
	}

	return inputs, nil
}

// validateWorkflow checks the structural shape of a workflow before it goes
// anywhere near the engine: a non-empty JSON object whose nodes each carry a
// class_type. Semantic validation stays with the engine.
func validateWorkflow(raw json.RawMessage) error {
	if len(raw) == 0 {
		return &Error{Kind: KindValidation, Message: "workflow is required"}
	}

	var nodes map[string]json.RawMessage
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return &Error{Kind: KindValidation, Message: "workflow must be a JSON object", cause: err}
	}
	if len(nodes) == 0 {
		return &Error{Kind: KindValidation, Message: "workflow has no nodes"}
	}

	for id, rawNode := range nodes {
		var node struct {
			ClassType string `json:"class_type"`
		}
		if err := json.Unmarshal(rawNode, &node); err != nil {
			return &Error{Kind: KindValidation, Message: fmt.Sprintf("workflow node %q is not an object", id), cause: err}
		}
		if node.ClassType == "" {
			return &Error{Kind: KindValidation, Message: fmt.Sprintf("workflow node %q is missing class_type", id)}
		}
	}

	return nil
}

// timeoutError maps context expiry onto the Timeout kind. Every pipeline
// stage consults it before classifying its own failure, so the deadline
// firing at any point yields the same kind regardless of which call observed
// it first.
func (c *Controller) timeoutError(ctx context.Context, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{
			Kind:    KindTimeout,
			Message: fmt.Sprintf("job did not finish within %s", c.opts.JobTimeout),
			cause:   err,
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return &Error{Kind: KindTimeout, Message: "job was cancelled before completion", cause: err}
	}
	return nil
}

// classifyMediaError maps resolver failures onto the error taxonomy. Shape
// problems in the request itself are validation; everything reachable only at
// fetch time is input resolution.
func classifyMediaError(err error) error {
	if errors.Is(err, media.ErrMalformedInput) {
		return &Error{Kind: KindValidation, Message: "malformed media input", Details: []string{err.Error()}, cause: err}
	}
	return &Error{Kind: KindInputResolution, Message: "resolving media inputs failed", Details: []string{err.Error()}, cause: err}
}

// classifyMonitorError maps monitoring failures onto the error taxonomy.
// Context expiry is handled by timeoutError before this is reached.
func classifyMonitorError(err error) error {
	var ee *monitor.ExecutionError
	switch {
	case errors.Is(err, monitor.ErrConnectionExhausted):
		return &Error{
			Kind:    KindConnectionExhausted,
			Message: "lost the engine connection and could not re-establish it",
			cause:   err,
		}
	case errors.As(err, &ee):
		details := []string{fmt.Sprintf("node %s (%s)", ee.NodeID, ee.NodeType)}
		return &Error{
			Kind:    KindExecutionFailed,
			Message: ee.Message,
			Details: details,
			cause:   err,
		}
	default:
		return &Error{Kind: KindEngineUnavailable, Message: "monitoring the job failed", cause: err}
	}
}
