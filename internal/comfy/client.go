// Package comfy implements the HTTP and push-channel wire protocol of the
// ComfyUI execution engine: workflow queuing, history and artifact retrieval,
// input uploads, and event-frame decoding.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/NeuroWaifu/ComfyUI.Worker/internal/model"
)

// httpTimeout bounds every single request to the engine. Long-lived waiting
// happens on the push channel, never on HTTP.
const httpTimeout = 60 * time.Second

// Client talks to one ComfyUI instance.
type Client struct {
	host   string
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a client for the engine at host (host:port, no scheme).
func NewClient(host string, logger *slog.Logger) *Client {
	return &Client{
		host:   host,
		http:   &http.Client{Timeout: httpTimeout},
		logger: logger.With("component", "comfy"),
	}
}

// Host returns the engine host this client targets.
func (c *Client) Host() string {
	return c.host
}

// WSURL returns the push-channel URL for the given client session.
func (c *Client) WSURL(clientID string) string {
	return fmt.Sprintf("ws://%s/ws?clientId=%s", c.host, url.QueryEscape(clientID))
}

// Reachable reports whether the engine answers HTTP at all. Used both as the
// pre-submission availability gate and as the probe before websocket
// reconnect attempts.
func (c *Client) Reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL("/"), nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// WaitAvailable polls the engine until it answers or the retry budget runs
// out. Returns an error when the engine never became reachable.
func (c *Client) WaitAvailable(ctx context.Context, retries int, interval time.Duration) error {
	for i := 0; i < retries; i++ {
		if c.Reachable(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for engine: %w", ctx.Err())
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("engine %s not reachable after %d attempts", c.host, retries)
}

// queueRequest is the JSON body for POST /prompt.
type queueRequest struct {
	Prompt   json.RawMessage `json:"prompt"`
	ClientID string          `json:"client_id"`
}

type queueResponse struct {
	PromptID string `json:"prompt_id"`
}

// QueuePrompt submits a workflow for execution and returns the prompt ID the
// engine assigned. The returned identifier implies nothing about execution
// status. A 400 response is decoded into a *ValidationError; any transport
// failure is returned wrapped so callers can classify it as engine
// unavailability.
func (c *Client) QueuePrompt(ctx context.Context, workflow json.RawMessage, clientID string) (string, error) {
	body, err := json.Marshal(queueRequest{Prompt: workflow, ClientID: clientID})
	if err != nil {
		return "", fmt.Errorf("marshal queue request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL("/prompt"), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build queue request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("queue prompt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest {
		raw, _ := io.ReadAll(resp.Body)
		return "", c.decodeValidationError(ctx, raw)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("queue prompt: engine returned status %d", resp.StatusCode)
	}

	var qr queueResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		return "", fmt.Errorf("decode queue response: %w", err)
	}
	if qr.PromptID == "" {
		return "", fmt.Errorf("queue response missing prompt_id")
	}

	return qr.PromptID, nil
}

// NodeOutput is the decoded output of one node in the history response.
// Other lists the names of output keys this worker does not handle.
type NodeOutput struct {
	Images []model.ArtifactRef
	Other  []string
}

// History retrieves the per-node outputs recorded for a finished prompt.
// Returns ErrPromptNotFound when the engine has no history entry for it.
func (c *Client) History(ctx context.Context, promptID string) (map[string]NodeOutput, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL("/history/"+url.PathEscape(promptID)), nil)
	if err != nil {
		return nil, fmt.Errorf("build history request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get history: engine returned status %d", resp.StatusCode)
	}

	var history map[string]struct {
		Outputs map[string]map[string]json.RawMessage `json:"outputs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}

	entry, ok := history[promptID]
	if !ok {
		return nil, fmt.Errorf("prompt %s: %w", promptID, ErrPromptNotFound)
	}

	outputs := make(map[string]NodeOutput, len(entry.Outputs))
	for nodeID, raw := range entry.Outputs {
		var out NodeOutput
		for key, val := range raw {
			if key != "images" {
				out.Other = append(out.Other, key)
				continue
			}
			if err := json.Unmarshal(val, &out.Images); err != nil {
				return nil, fmt.Errorf("decode images for node %s: %w", nodeID, err)
			}
		}
		outputs[nodeID] = out
	}

	return outputs, nil
}

// FetchArtifact downloads one artifact's bytes from the engine's result store.
func (c *Client) FetchArtifact(ctx context.Context, ref model.ArtifactRef) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", ref.Filename)
	q.Set("subfolder", ref.Subfolder)
	q.Set("type", ref.Type)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL("/view?"+q.Encode()), nil)
	if err != nil {
		return nil, fmt.Errorf("build view request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch artifact %s: %w", ref.Filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch artifact %s: engine returned status %d", ref.Filename, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", ref.Filename, err)
	}

	return data, nil
}

// UploadInput pushes resolved media into the engine's input area so workflow
// nodes can reference it by name. Existing files with the same name are
// overwritten.
func (c *Client) UploadInput(ctx context.Context, media model.ResolvedMedia) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, media.Name))
	hdr.Set("Content-Type", media.ContentType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return fmt.Errorf("create multipart part: %w", err)
	}
	if _, err := part.Write(media.Data); err != nil {
		return fmt.Errorf("write multipart payload: %w", err)
	}
	if err := mw.WriteField("overwrite", "true"); err != nil {
		return fmt.Errorf("write overwrite field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL("/upload/image"), &buf)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload %s: %w", media.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upload %s: engine returned status %d", media.Name, resp.StatusCode)
	}

	return nil
}

// Free asks the engine to discard queued state and cached memory. Used as
// optional post-invocation teardown.
func (c *Client) Free(ctx context.Context, unloadModels, freeMemory bool) error {
	body, err := json.Marshal(map[string]bool{
		"unload_models": unloadModels,
		"free_memory":   freeMemory,
	})
	if err != nil {
		return fmt.Errorf("marshal free request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL("/free"), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build free request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("free engine state: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("free engine state: engine returned status %d", resp.StatusCode)
	}

	return nil
}

// AvailableCheckpoints lists the checkpoint models the engine reports via
// object_info. Best effort: failures return an empty list, since the result
// only enriches validation error messages.
func (c *Client) AvailableCheckpoints(ctx context.Context) []string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL("/object_info"), nil)
	if err != nil {
		return nil
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("could not fetch available models", "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var info struct {
		CheckpointLoaderSimple struct {
			Input struct {
				Required map[string]json.RawMessage `json:"required"`
			} `json:"input"`
		} `json:"CheckpointLoaderSimple"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil
	}

	raw, ok := info.CheckpointLoaderSimple.Input.Required["ckpt_name"]
	if !ok {
		return nil
	}

	// ckpt_name options arrive as [[names...], {...}].
	var options []json.RawMessage
	if err := json.Unmarshal(raw, &options); err != nil || len(options) == 0 {
		return nil
	}
	var names []string
	if err := json.Unmarshal(options[0], &names); err != nil {
		return nil
	}

	return names
}

func (c *Client) baseURL(path string) string {
	return "http://" + c.host + path
}

// decodeValidationError turns a 400 response body into a *ValidationError,
// following the engine's error envelope: a top-level error (string or object
// with message/type) plus an optional node_errors map. Checkpoint-related
// failures are enriched with the engine's available model list.
func (c *Client) decodeValidationError(ctx context.Context, raw []byte) error {
	ve := &ValidationError{Message: "workflow validation failed"}

	var envelope struct {
		Error      json.RawMessage            `json:"error"`
		NodeErrors map[string]json.RawMessage `json:"node_errors"`
		Type       string                     `json:"type"`
		Message    string                     `json:"message"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		ve.Message = fmt.Sprintf("workflow validation failed (unparseable engine response): %s", strings.TrimSpace(string(raw)))
		return ve
	}

	if len(envelope.Error) > 0 {
		var msg string
		if err := json.Unmarshal(envelope.Error, &msg); err == nil {
			ve.Message = msg
		} else {
			var obj struct {
				Message string `json:"message"`
				Type    string `json:"type"`
			}
			if err := json.Unmarshal(envelope.Error, &obj); err == nil && obj.Message != "" {
				ve.Message = obj.Message
			}
		}
	}

	for nodeID, nodeErr := range envelope.NodeErrors {
		var typed map[string]json.RawMessage
		if err := json.Unmarshal(nodeErr, &typed); err == nil {
			for errType, errMsg := range typed {
				ve.Details = append(ve.Details, fmt.Sprintf("node %s (%s): %s", nodeID, errType, compactJSON(errMsg)))
			}
			continue
		}
		ve.Details = append(ve.Details, fmt.Sprintf("node %s: %s", nodeID, compactJSON(nodeErr)))
	}

	if envelope.Type == "prompt_outputs_failed_validation" && envelope.Message != "" {
		ve.Message = envelope.Message
	}

	if c.needsCheckpointHint(envelope.Type, ve.Details) {
		if names := c.AvailableCheckpoints(ctx); len(names) > 0 {
			ve.Details = append(ve.Details, "available checkpoint models: "+strings.Join(names, ", "))
		} else {
			ve.Details = append(ve.Details, "no checkpoint models appear to be available")
		}
	}

	return ve
}

// needsCheckpointHint reports whether the validation failure looks like a
// missing-model problem worth enriching with the available checkpoint list.
func (c *Client) needsCheckpointHint(errType string, details []string) bool {
	if errType == "prompt_outputs_failed_validation" {
		return true
	}
	for _, d := range details {
		if strings.Contains(d, "ckpt_name") && strings.Contains(d, "not in list") {
			return true
		}
	}
	return false
}

// compactJSON renders a raw JSON value as a single-line human-readable string.
func compactJSON(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
