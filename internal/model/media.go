package model

// Media source kind constants, matching the request wire format.
const (
	SourceBase64 = "base64"
	SourceWeb    = "web"
	SourceS3     = "s3"
)

// Output encoding constants, matching the response wire format.
const (
	OutputBase64 = "base64"
	OutputS3URL  = "s3_url"
)

// MediaInput is one media reference from the request. Immutable once
// constructed: Ref is interpreted according to Kind (base64 payload, URL, or
// object-store key).
type MediaInput struct {
	Name string
	Kind string
	Ref  string
}

// ResolvedMedia is a media input normalized to local bytes, ready for upload
// to the engine's input area.
type ResolvedMedia struct {
	Name        string
	Data        []byte
	ContentType string
}

// MediaOutput is one published artifact in the response. Data holds either the
// base64 payload or the object-store URL/key depending on Type. S3FileKey is
// set only for uploaded artifacts.
type MediaOutput struct {
	Filename  string `json:"filename"`
	Type      string `json:"type"`
	Data      string `json:"data"`
	S3FileKey string `json:"s3_file_key,omitempty"`
}
