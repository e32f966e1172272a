// Package server provides the HTTP server for the WaveQ API.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import (
	"encoding/json"
	"time"

	"github.com/liormedan/waveq-api/internal/conversation"
)

// UploadResponse is the HTTP response after uploading a file.
type UploadResponse struct {
	// FileID is the unique reference for the uploaded file.
	FileID string `json:"file_id"`
	// Filename is the sanitized original filename.
	Filename string `json:"filename"`
	// SizeBytes is the stored size of the file.
	SizeBytes int64 `json:"size_bytes"`
	// MIMEType is the declared content type of the file.
	MIMEType string `json:"mime_type"`
}

// FileListResponse is the HTTP response listing uploaded files.
type FileListResponse struct {
	Files []UploadResponse `json:"files"`
}

// DispatchRequest is the HTTP request body for dispatching an operation.
type DispatchRequest struct {
	// InvocationID identifies the originating tool call. Retries with the
	// same ID are acknowledged without creating a second task.
	InvocationID string `json:"invocation_id"`
	// Operation is the operation kind to run.
	Operation string `json:"operation" validate:"required"`
	// FileID references a previously uploaded file. Required for every
	// operation except tts.
	FileID string `json:"file_id"`
	// Turn is the conversation turn index this task belongs to.
	Turn *int `json:"turn,omitempty"`
	// Params holds operation parameters; omitted fields take defaults.
	Params json.RawMessage `json:"params,omitempty"`
	// DeliverToS3 requests mirroring of completed artifacts to S3.
	DeliverToS3 bool `json:"deliver_to_s3"`
}

// TaskResponse is the HTTP representation of a task snapshot.
type TaskResponse struct {
	ID        string          `json:"task_id"`
	Operation string          `json:"operation"`
	Status    string          `json:"status"`
	Progress  int             `json:"progress"`
	Message   string          `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// TaskListResponse is the HTTP response listing tasks.
type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
}

// StatusCallbackRequest is the HTTP request body for backend status pushes.
type StatusCallbackRequest struct {
	// Status is the reported task status.
	Status string `json:"status" validate:"required"`
	// Progress is the completion percentage, if reported.
	Progress *int `json:"progress,omitempty" validate:"omitempty,min=0,max=100"`
	// Message is a human-readable progress note.
	Message string `json:"message,omitempty"`
	// Error is the failure reason when Status is failed.
	Error string `json:"error,omitempty"`
	// Result is the operation result payload when Status is completed.
	Result json.RawMessage `json:"result,omitempty"`
}

// TurnRequest is the HTTP request body for recording a conversation turn.
type TurnRequest struct {
	// Role is who produced the turn: "user" or "agent".
	Role string `json:"role" validate:"required,oneof=user agent"`
	// Content is the turn's message text.
	Content string `json:"content"`
	// TaskIDs lists the tasks dispatched by this turn, in dispatch order.
	TaskIDs []string `json:"task_ids,omitempty"`
}

// TurnResponse is the HTTP response after recording a turn.
type TurnResponse struct {
	Index   int      `json:"index"`
	Role    string   `json:"role"`
	Content string   `json:"content"`
	TaskIDs []string `json:"task_ids,omitempty"`
}

// RenderResponse is the HTTP response for a conversation render.
type RenderResponse struct {
	Units []conversation.DisplayUnit `json:"units"`
}

// CancelTurnResponse is the HTTP response after cancelling a turn's tasks.
type CancelTurnResponse struct {
	Cancelled []TaskResponse `json:"cancelled"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}
