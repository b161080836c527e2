package execution

import "errors"

var ErrNotFound = errors.New("execution not found")

type Status string

const (
	StatusPending Status = "pending"
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusError
}

// FileHash fingerprints one staged input for the engine.
type FileHash struct {
	FilePath string `json:"file_path"`
	FileName string `json:"file_name"`
	FileHash string `json:"file_hash"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
	Source   string `json:"source"`
}

// FileResult is the engine output for one input file.
type FileResult struct {
	File            string                 `json:"file"`
	FileExecutionID string                 `json:"file_execution_id,omitempty"`
	Status          Status                 `json:"status"`
	Result          map[string]interface{} `json:"result,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	Error           string                 `json:"error,omitempty"`
}

// Result is what callers of a deployment receive, both from dispatch and
// from status polling.
type Result struct {
	WorkflowID         string       `json:"workflow_id"`
	ExecutionID        string       `json:"execution_id"`
	Status             Status       `json:"status"`
	StatusAPI          string       `json:"status_api,omitempty"`
	Result             []FileResult `json:"result,omitempty"`
	Error              string       `json:"error,omitempty"`
	Message            string       `json:"message,omitempty"`
	ResultAcknowledged bool         `json:"result_acknowledged"`
}

const metadataKey = "metadata"

// RemoveMetadata drops engine metadata from every file result.
func (r *Result) RemoveMetadata() {
	for i := range r.Result {
		r.Result[i].Metadata = nil
		delete(r.Result[i].Result, metadataKey)
	}
}

func NewErrorResult(workflowID, executionID string, err error) *Result {
	msg := "execution failed"
	if err != nil {
		msg = err.Error()
	}
	return &Result{
		WorkflowID:  workflowID,
		ExecutionID: executionID,
		Status:      StatusError,
		Error:       msg,
	}
}
