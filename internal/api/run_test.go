package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/NeuroWaifu/ComfyUI.Worker/internal/job"
	"github.com/NeuroWaifu/ComfyUI.Worker/internal/model"
)

const validBody = `{"workflow":{"3":{"class_type":"KSampler"}}}`

func postRun(t *testing.T, srv *Server, body string) *http.Response {
	t.Helper()
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	resp, err := http.Post(ts.URL+"/run", "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("POST /run: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRunSuccess(t *testing.T) {
	runner := &fakeRunner{result: &job.Result{
		JobID: "01JTEST",
		Media: []model.MediaOutput{
			{Filename: "out.png", Type: model.OutputS3URL, Data: "https://bucket/x.png", S3FileKey: "01JTEST/abcd1234.png"},
		},
	}}
	srv := newTestServer(t, runner, nil)

	resp := postRun(t, srv, validBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	// Success envelope carries exactly media plus optional errors.
	var body map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body) != 1 {
		t.Errorf("envelope keys = %d, want only media: %v", len(body), body)
	}

	var outputs []model.MediaOutput
	if err := json.Unmarshal(body["media"], &outputs); err != nil {
		t.Fatalf("decode media: %v", err)
	}
	if len(outputs) != 1 || outputs[0].S3FileKey != "01JTEST/abcd1234.png" {
		t.Errorf("media = %+v", outputs)
	}
}

func TestRunSuccessWithWarnings(t *testing.T) {
	runner := &fakeRunner{result: &job.Result{
		JobID:    "01JTEST",
		Warnings: []string{"workflow completed without producing any outputs"},
	}}
	srv := newTestServer(t, runner, nil)

	resp := postRun(t, srv, validBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (warnings are not failures)", resp.StatusCode)
	}

	var body runResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Media == nil || len(body.Media) != 0 {
		t.Errorf("media = %v, want present-but-empty array", body.Media)
	}
	if len(body.Errors) != 1 {
		t.Errorf("errors = %v, want the warning passed through", body.Errors)
	}
}

func TestRunInvalidJSON(t *testing.T) {
	runner := &fakeRunner{}
	srv := newTestServer(t, runner, nil)

	resp := postRun(t, srv, `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if runner.called {
		t.Error("malformed bodies must not reach the controller")
	}
}

func TestRunBodyTooLarge(t *testing.T) {
	srv := newTestServer(t, &fakeRunner{}, nil)

	big := `{"workflow":{"3":{"class_type":"` + strings.Repeat("x", 2<<20) + `"}}}`
	resp := postRun(t, srv, big)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
}

func TestRunFailureStatusMapping(t *testing.T) {
	tests := []struct {
		kind job.Kind
		want int
	}{
		{job.KindValidation, http.StatusBadRequest},
		{job.KindInputResolution, http.StatusUnprocessableEntity},
		{job.KindEngineUnavailable, http.StatusServiceUnavailable},
		{job.KindConnectionExhausted, http.StatusBadGateway},
		{job.KindTimeout, http.StatusGatewayTimeout},
		{job.KindExecutionFailed, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			runner := &fakeRunner{err: &job.Error{
				Kind:    tt.kind,
				Message: "it broke",
				Details: []string{"node 7"},
			}}
			srv := newTestServer(t, runner, nil)

			resp := postRun(t, srv, validBody)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}

			var body errorResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Error != "it broke" {
				t.Errorf("error = %q", body.Error)
			}
			if len(body.Details) != 1 || body.Details[0] != "node 7" {
				t.Errorf("details = %v", body.Details)
			}
		})
	}
}
