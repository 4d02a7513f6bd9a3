package comfy

import (
	"errors"
	"strings"
)

// ErrPromptNotFound indicates the engine has no history entry for a prompt
// that was expected to have finished.
var ErrPromptNotFound = errors.New("prompt not found in history")

// ValidationError carries the engine's structural rejection of a workflow,
// with one human-readable string per sub-problem. It is never retried.
type ValidationError struct {
	Message string
	Details []string
}

func (e *ValidationError) Error() string {
	if len(e.Details) == 0 {
		return e.Message
	}
	return e.Message + ": " + strings.Join(e.Details, "; ")
}
