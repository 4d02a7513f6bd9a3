package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/NeuroWaifu/ComfyUI.Worker/internal/config"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key     string
		wantErr bool
	}{
		{"job-1/abc12345.png", false},
		{"nested/deep/key.bin", false},
		{"", true},
		{"/absolute", true},
		{"a/../b", true},
	}
	for _, tt := range tests {
		err := validateKey(tt.key)
		if (err != nil) != tt.wantErr {
			t.Errorf("validateKey(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
		}
	}
}

func TestNewS3RejectsIncompleteConfig(t *testing.T) {
	_, err := NewS3(context.Background(), config.Bucket{
		EndpointURL: "https://s3.example.com",
	})
	if err == nil {
		t.Fatal("NewS3 accepted incomplete bucket configuration")
	}
}

func TestNewS3CompleteConfig(t *testing.T) {
	st, err := NewS3(context.Background(), config.Bucket{
		EndpointURL:     "https://s3.example.com",
		AccessKeyID:     "AKIA",
		SecretAccessKey: "secret",
		Name:            "outputs",
	})
	if err != nil {
		t.Fatalf("NewS3: %v", err)
	}
	if st.Bucket() != "outputs" {
		t.Errorf("Bucket() = %q, want %q", st.Bucket(), "outputs")
	}
}

func TestDownloadRejectsBadKey(t *testing.T) {
	st, err := NewS3(context.Background(), config.Bucket{
		EndpointURL:     "https://s3.example.com",
		AccessKeyID:     "AKIA",
		SecretAccessKey: "secret",
		Name:            "outputs",
	})
	if err != nil {
		t.Fatalf("NewS3: %v", err)
	}
	_, err = st.Download(context.Background(), "../escape")
	if err == nil {
		t.Fatal("Download accepted a traversal key")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("key validation error must not be ErrNotFound")
	}
}
