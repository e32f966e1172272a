// Package backend provides an HTTP client for the external audio-processing
// service that executes the actual DSP/ML work.
package backend

import "encoding/json"

// Status represents the status of a backend job.
type Status string

// Backend job statuses aligned with the processing API.
const (
	StatusInQueue    Status = "IN_QUEUE"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// IsTerminal returns true if the status is a terminal state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// SubmitInput carries the inputs for a processing job. Operations that work
// on an uploaded file set FileLocator; tts sets only Params (the text lives
// in the parameter payload).
type SubmitInput struct {
	// FileLocator is the storage locator of the source audio, if any.
	FileLocator string
	// Params is the canonical JSON parameter payload for the operation.
	Params json.RawMessage
}

// runRequest represents the request body for the backend's /run endpoint.
type runRequest struct {
	Input runInput `json:"input"`
}

// runInput represents the input field in a run request.
type runInput struct {
	FileLocator string          `json:"file_locator,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
}

// runResponse represents the response from the /run endpoint.
type runResponse struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// statusResponse represents the response from the /status endpoint.
type statusResponse struct {
	ID       string          `json:"id"`
	Status   string          `json:"status"`
	Progress int             `json:"progress,omitempty"`
	Message  string          `json:"message,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// PollResult contains the result of polling a job's status.
type PollResult struct {
	Status   Status
	Progress int             // Percentage reported by the backend (0-100)
	Message  string          // Human-readable progress message, if any
	Output   json.RawMessage // Result payload (only set when Status is StatusCompleted)
	Error    string          // Error message (only set when Status is StatusFailed)
}
