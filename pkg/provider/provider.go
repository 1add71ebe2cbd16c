// Package provider defines the outbound interface to the batch
// inference provider and ships an OpenAI Batch API client behind it.
package provider

import (
	"context"
	"errors"
	"io"
)

// Batch statuses reported by the provider.
const (
	StatusValidating = "validating"
	StatusInProgress = "in_progress"
	StatusFinalizing = "finalizing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusExpired    = "expired"
	StatusCancelling = "cancelling"
	StatusCancelled  = "cancelled"
)

var (
	// ErrTokenLimitExceeded is returned when the provider rejects a
	// batch because the per-organization token budget is exhausted.
	ErrTokenLimitExceeded = errors.New("provider token limit exceeded")

	// ErrNotFound is returned for unknown batch or file ids.
	ErrNotFound = errors.New("provider object not found")
)

// RequestCounts reports per-batch request progress.
type RequestCounts struct {
	Total     int64 `json:"total"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Usage reports token consumption for a finished batch.
type Usage struct {
	InputTokens     int64 `json:"input_tokens"`
	CachedTokens    int64 `json:"cached_tokens"`
	ReasoningTokens int64 `json:"reasoning_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
}

// Batch is the provider-side batch object.
type Batch struct {
	ID               string        `json:"id"`
	Endpoint         string        `json:"endpoint"`
	InputFileID      string        `json:"input_file_id"`
	CompletionWindow string        `json:"completion_window"`
	Status           string        `json:"status"`
	OutputFileID     string        `json:"output_file_id,omitempty"`
	ErrorFileID      string        `json:"error_file_id,omitempty"`
	RequestCounts    RequestCounts `json:"request_counts"`
	Usage            Usage         `json:"usage"`
	ExpiresAt        int64         `json:"expires_at,omitempty"`
	Errors           *BatchErrors  `json:"errors,omitempty"`
}

// BatchErrors carries batch-level failure details.
type BatchErrors struct {
	Data []BatchError `json:"data"`
}

type BatchError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// FirstMessage returns the first error message, or the empty string.
func (e *BatchErrors) FirstMessage() string {
	if e == nil || len(e.Data) == 0 {
		return ""
	}
	return e.Data[0].Message
}

// TokenLimited reports whether any batch-level error is the provider's
// token budget rejection.
func (e *BatchErrors) TokenLimited() bool {
	if e == nil {
		return false
	}
	for _, d := range e.Data {
		if d.Code == "token_limit_exceeded" {
			return true
		}
	}
	return false
}

// File describes an uploaded input file.
type File struct {
	ID    string `json:"id"`
	Bytes int64  `json:"bytes"`
}

// Client is the outbound provider surface the workflow depends on.
// Implementations must be safe for concurrent use.
type Client interface {
	// UploadFile uploads the NDJSON input file at path with purpose
	// "batch".
	UploadFile(ctx context.Context, path string) (*File, error)

	// CreateBatch submits a batch over a previously uploaded input
	// file. Returns ErrTokenLimitExceeded when the provider rejects it
	// for budget reasons.
	CreateBatch(ctx context.Context, inputFileID, endpoint string) (*Batch, error)

	// GetBatch fetches the current provider-side batch state.
	GetBatch(ctx context.Context, batchID string) (*Batch, error)

	// CancelBatch requests cancellation of an in-flight batch.
	CancelBatch(ctx context.Context, batchID string) error

	// DownloadFile streams the content of a result file. The caller
	// closes the reader.
	DownloadFile(ctx context.Context, fileID string) (io.ReadCloser, error)
}
