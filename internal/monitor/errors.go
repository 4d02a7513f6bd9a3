package monitor

import (
	"errors"
	"fmt"
)

// ErrConnectionExhausted indicates the reconnect budget ran out. This is the
// one failure the monitor cannot recover internally; callers must surface it.
var ErrConnectionExhausted = errors.New("push channel reconnect attempts exhausted")

// ExecutionError is the terminal engine-reported failure of the tracked job.
type ExecutionError struct {
	NodeID   string
	NodeType string
	Message  string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("workflow execution failed at node %s (%s): %s", e.NodeID, e.NodeType, e.Message)
}
