package executor

import (
	"encoding/json"
	"fmt"
	"io"
)

// The pool and its workers exchange one JSON object per line: a TaskRequest
// down the worker's stdin, a TaskResult back on its stdout. Anything else on
// stdout (or the stream ending mid-task) is treated as a crash, which is why
// worker-side logging must go to stderr.

// TaskRequest is one unit of work sent to a worker.
type TaskRequest struct {
	JobID     string `json:"jobId"`
	Model     string `json:"model"`
	Device    string `json:"device"`
	InputPath string `json:"inputPath"`
	OutputDir string `json:"outputDir"`
}

// TaskResult is a worker's answer to one TaskRequest. Error is set when the
// engine failed normally; a crash produces no result line at all.
type TaskResult struct {
	JobID string            `json:"jobId"`
	Stems map[string]string `json:"stems,omitempty"`
	Error string            `json:"error,omitempty"`
}

// WriteMessage writes v as a single JSON line.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}
