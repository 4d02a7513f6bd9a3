package comfy

import (
	"encoding/json"
	"fmt"

	"github.com/NeuroWaifu/ComfyUI.Worker/internal/model"
)

// Push-channel frame types.
const (
	msgExecutionStart   = "execution_start"
	msgExecuting        = "executing"
	msgProgress         = "progress"
	msgExecuted         = "executed"
	msgExecutionError   = "execution_error"
	msgExecutionSuccess = "execution_success"
	msgStatus           = "status"
)

type wsFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DecodeEvent decodes one push-channel text frame into an execution event for
// the tracked prompt. Frames addressed to other prompts, global status frames,
// and frame types this worker does not act on all yield a nil event with no
// error. Malformed JSON is an error; the channel carries only JSON text
// frames.
func DecodeEvent(raw []byte, promptID string) (model.Event, error) {
	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("decode push frame: %w", err)
	}

	switch frame.Type {
	case msgExecutionStart:
		var data struct {
			PromptID string `json:"prompt_id"`
		}
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return nil, fmt.Errorf("decode %s frame: %w", frame.Type, err)
		}
		if data.PromptID != promptID {
			return nil, nil
		}
		return model.Started{}, nil

	case msgProgress:
		var data struct {
			PromptID string `json:"prompt_id"`
			Node     string `json:"node"`
			Value    int    `json:"value"`
			Max      int    `json:"max"`
		}
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return nil, fmt.Errorf("decode %s frame: %w", frame.Type, err)
		}
		if data.PromptID != promptID {
			return nil, nil
		}
		return model.NodeProgress{Node: data.Node, Value: data.Value, Max: data.Max}, nil

	case msgExecuted:
		var data struct {
			PromptID string `json:"prompt_id"`
			Node     string `json:"node"`
			Output   struct {
				Images []model.ArtifactRef `json:"images"`
			} `json:"output"`
		}
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return nil, fmt.Errorf("decode %s frame: %w", frame.Type, err)
		}
		if data.PromptID != promptID {
			return nil, nil
		}
		return model.NodeExecuted{Node: data.Node, Outputs: data.Output.Images}, nil

	case msgExecuting:
		// A null node for the tracked prompt is the engine's completion signal.
		var data struct {
			PromptID string  `json:"prompt_id"`
			Node     *string `json:"node"`
		}
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return nil, fmt.Errorf("decode %s frame: %w", frame.Type, err)
		}
		if data.PromptID != promptID {
			return nil, nil
		}
		if data.Node == nil {
			return model.Completed{}, nil
		}
		return nil, nil

	case msgExecutionSuccess:
		var data struct {
			PromptID string `json:"prompt_id"`
		}
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return nil, fmt.Errorf("decode %s frame: %w", frame.Type, err)
		}
		if data.PromptID != promptID {
			return nil, nil
		}
		return model.Completed{}, nil

	case msgExecutionError:
		var data struct {
			PromptID         string `json:"prompt_id"`
			NodeID           string `json:"node_id"`
			NodeType         string `json:"node_type"`
			ExceptionMessage string `json:"exception_message"`
		}
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return nil, fmt.Errorf("decode %s frame: %w", frame.Type, err)
		}
		if data.PromptID != promptID {
			return nil, nil
		}
		return model.ExecError{NodeID: data.NodeID, NodeType: data.NodeType, Message: data.ExceptionMessage}, nil
	}

	return nil, nil
}

// QueueRemaining extracts the queue depth from a global status frame.
// Returns false for any other frame type.
func QueueRemaining(raw []byte) (int, bool) {
	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Type != msgStatus {
		return 0, false
	}

	var data struct {
		Status struct {
			ExecInfo struct {
				QueueRemaining int `json:"queue_remaining"`
			} `json:"exec_info"`
		} `json:"status"`
	}
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		return 0, false
	}

	return data.Status.ExecInfo.QueueRemaining, true
}
