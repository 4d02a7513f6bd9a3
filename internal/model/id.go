package model

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as an invocation identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewClientID generates the UUID identifying this worker's push-channel
// session with the engine.
func NewClientID() string {
	return uuid.NewString()
}

// NewArtifactName generates a short random name for an uploaded artifact.
// Eight characters is enough inside a key already namespaced by job ID.
func NewArtifactName() string {
	return uuid.NewString()[:8]
}
