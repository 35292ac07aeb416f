// split-worker runs one separation task at a time, speaking the JSON-lines
// task protocol on stdin/stdout. The supervising pool starts one per worker
// slot; stdout is reserved for results, so all logging goes to stderr.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/Zbehel/Music-Split/internal/separation"
	"github.com/Zbehel/Music-Split/internal/worker"
)

func main() {
	probe := flag.Bool("probe", false, "verify the separator is available and exit")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	engine, err := separation.LoadCommandEngineFromEnv(logger)
	if err != nil {
		logger.Error("Engine setup failed", "error", err)
		os.Exit(1)
	}

	if *probe {
		if err := engine.Probe(); err != nil {
			logger.Error("Probe failed", "error", err)
			os.Exit(1)
		}
		return
	}

	logger.Info("Worker ready", "pid", os.Getpid())
	if err := worker.Loop(context.Background(), engine, os.Stdin, os.Stdout, logger); err != nil {
		logger.Error("Worker loop failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Worker exiting")
}
