package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/Zbehel/Music-Split/internal/config"
)

// ProcessRunner starts each worker as a child OS process running the worker
// binary. The child owns its own address space, so a native-library crash in
// the engine kills the child, not the service.
type ProcessRunner struct {
	Command string   // worker binary (default: "split-worker")
	Args    []string // extra arguments
	Env     []string // extra environment entries, KEY=VALUE
}

// LoadProcessRunnerFromEnv builds a ProcessRunner from environment variables.
func LoadProcessRunnerFromEnv() *ProcessRunner {
	return &ProcessRunner{
		Command: config.GetEnv("WORKER_CMD", "split-worker"),
	}
}

// Start launches one worker process. Its stderr passes through to the
// service's stderr so worker logs stay visible; stdout is reserved for the
// result protocol.
func (r *ProcessRunner) Start(ctx context.Context, name string) (Proc, error) {
	command := r.Command
	if command == "" {
		command = "split-worker"
	}

	cmd := exec.Command(command, r.Args...)
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker %s: %w", name, err)
	}

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()

	return &process{name: name, cmd: cmd, stdin: stdin, stdout: stdout, exited: exited}, nil
}

type process struct {
	name   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	exited chan error

	killOnce sync.Once
}

func (p *process) Name() string         { return p.name }
func (p *process) Stdin() io.Writer     { return p.stdin }
func (p *process) Stdout() io.Reader    { return p.stdout }
func (p *process) Exited() <-chan error { return p.exited }

func (p *process) Kill() error {
	var err error
	p.killOnce.Do(func() {
		_ = p.stdin.Close()
		if p.cmd.Process != nil {
			err = p.cmd.Process.Kill()
		}
	})
	return err
}
