// Package worker implements the isolation-side task loop: one JSON request
// per stdin line in, one JSON result per stdout line out.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/Zbehel/Music-Split/internal/executor"
	"github.com/Zbehel/Music-Split/internal/separation"
)

// Loop serves task requests from in until EOF or a protocol error. Engine
// failures are reported back as normal results; only unreadable input ends
// the loop with an error, at which point the supervising pool treats this
// worker as crashed.
func Loop(ctx context.Context, engine separation.Engine, in io.Reader, out io.Writer, logger *slog.Logger) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req executor.TaskRequest
		if err := json.Unmarshal(line, &req); err != nil {
			return fmt.Errorf("malformed task request: %w", err)
		}

		logger.Info("Task received", "jobId", req.JobID, "model", req.Model, "device", req.Device)
		res := run(ctx, engine, req)
		if res.Error != "" {
			logger.Warn("Task failed", "jobId", req.JobID, "error", res.Error)
		} else {
			logger.Info("Task finished", "jobId", req.JobID, "stems", len(res.Stems))
		}

		if err := executor.WriteMessage(out, res); err != nil {
			return fmt.Errorf("writing task result: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading task requests: %w", err)
	}
	return nil
}

func run(ctx context.Context, engine separation.Engine, req executor.TaskRequest) executor.TaskResult {
	stems, err := engine.Separate(ctx, separation.Request{
		Model:     req.Model,
		Device:    req.Device,
		InputPath: req.InputPath,
		OutputDir: req.OutputDir,
	})
	if err != nil {
		return executor.TaskResult{JobID: req.JobID, Error: err.Error()}
	}
	return executor.TaskResult{JobID: req.JobID, Stems: stems}
}
