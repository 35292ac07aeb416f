// Package separation runs the actual source-separation step inside a worker
// process. The service side never imports the engine; it only ever talks to
// workers over the task protocol.
package separation

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/Zbehel/Music-Split/internal/config"
)

// Request describes one separation run.
type Request struct {
	Model     string
	Device    string
	InputPath string
	OutputDir string
}

// Engine turns an input recording into per-stem audio files under the
// request's output directory. Implementations must have flushed every stem
// file they report before Separate returns; partial output on disk is what
// makes crashed runs recoverable.
type Engine interface {
	Separate(ctx context.Context, req Request) (map[string]string, error)
}

// artifactExtensions are the stem file formats an engine may produce.
var artifactExtensions = map[string]bool{
	".wav":  true,
	".flac": true,
}

// CommandEngine shells out to an external separator CLI. The command template
// is a whitespace-separated argv where {model}, {device}, {input} and
// {output} are replaced per run:
//
//	demucs -n {model} -d {device} -o {output} {input}
type CommandEngine struct {
	template []string
	logger   *slog.Logger
}

// NewCommandEngine parses the command template. An empty template is an
// error; there is no built-in separator to fall back to.
func NewCommandEngine(template string, logger *slog.Logger) (*CommandEngine, error) {
	argv := strings.Fields(template)
	if len(argv) == 0 {
		return nil, fmt.Errorf("separation command is empty")
	}
	return &CommandEngine{
		template: argv,
		logger:   logger.With("component", "engine"),
	}, nil
}

// LoadCommandEngineFromEnv builds the engine from SEPARATION_CMD.
func LoadCommandEngineFromEnv(logger *slog.Logger) (*CommandEngine, error) {
	return NewCommandEngine(
		config.GetEnv("SEPARATION_CMD", "demucs -n {model} -d {device} -o {output} {input}"),
		logger,
	)
}

// Probe verifies the separator binary is resolvable. Used by container
// health checks before any work is accepted.
func (e *CommandEngine) Probe() error {
	if _, err := exec.LookPath(e.template[0]); err != nil {
		return fmt.Errorf("separator %q not found: %w", e.template[0], err)
	}
	return nil
}

// Separate runs the separator command and collects the stem files it wrote.
func (e *CommandEngine) Separate(ctx context.Context, req Request) (map[string]string, error) {
	device := ResolveDevice(req.Device)
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}

	argv := e.expand(req, device)
	e.logger.Info("Running separator", "model", req.Model, "device", device, "command", argv[0])

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	// The worker's stdout carries the task protocol; everything the separator
	// prints must stay on stderr.
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("separator failed: %w", err)
	}

	out, err := CollectStems(req.OutputDir)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("separator exited cleanly but produced no stems in %s", req.OutputDir)
	}
	return out, nil
}

func (e *CommandEngine) expand(req Request, device string) []string {
	replacer := strings.NewReplacer(
		"{model}", req.Model,
		"{device}", device,
		"{input}", req.InputPath,
		"{output}", req.OutputDir,
	)
	argv := make([]string, len(e.template))
	for i, tok := range e.template {
		argv[i] = replacer.Replace(tok)
	}
	return argv
}

// CollectStems maps stem names to the audio files found directly under dir.
// Empty files are skipped; a stem's name is its filename without extension.
func CollectStems(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading output dir: %w", err)
	}

	out := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if !artifactExtensions[ext] {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Size() == 0 {
			continue
		}
		stem := strings.TrimSuffix(entry.Name(), ext)
		out[stem] = filepath.Join(dir, entry.Name())
	}
	return out, nil
}

// ResolveDevice maps "auto" to the best accelerator available on this host:
// cuda when an NVIDIA device is visible, mps on Apple hardware, cpu
// otherwise. Explicit devices pass through untouched.
func ResolveDevice(device string) string {
	if device != "" && device != "auto" {
		return device
	}
	if hasCUDA() {
		return "cuda"
	}
	if runtime.GOOS == "darwin" {
		return "mps"
	}
	return "cpu"
}

func hasCUDA() bool {
	if _, err := os.Stat("/dev/nvidia0"); err == nil {
		return true
	}
	_, err := exec.LookPath("nvidia-smi")
	return err == nil
}
