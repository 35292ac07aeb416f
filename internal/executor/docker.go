package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/google/uuid"

	"github.com/Zbehel/Music-Split/internal/config"
)

// DockerConfig holds configuration for container-isolated workers.
type DockerConfig struct {
	Image      string   // worker image
	DataDir    string   // bind-mounted at the same path inside the container
	GPU        bool     // request all GPUs for each worker container
	ExtraHosts []string // extra /etc/hosts entries
	Env        []string // extra environment entries, KEY=VALUE
}

// LoadDockerConfigFromEnv loads docker runner configuration from environment
// variables.
func LoadDockerConfigFromEnv() DockerConfig {
	var extraHosts []string
	if hosts := config.GetEnv("EXTRA_HOSTS", ""); hosts != "" {
		extraHosts = strings.Split(hosts, ",")
	}
	return DockerConfig{
		Image:      config.GetEnv("WORKER_IMAGE", "music-split/worker:latest"),
		DataDir:    config.GetEnv("DATA_DIR", "data"),
		GPU:        config.GetEnv("WORKER_GPU", "false") == "true",
		ExtraHosts: extraHosts,
	}
}

// DockerRunner starts each worker as a labeled container with its stdio
// attached. Container isolation keeps an engine crash (or an OOM kill by the
// kernel) fully contained, and lets worker images ship their own native
// dependencies.
type DockerRunner struct {
	client  *client.Client
	cfg     DockerConfig
	dataDir string // absolute
	logger  *slog.Logger
}

// NewDockerRunner creates a runner backed by the local Docker daemon.
func NewDockerRunner(cfg DockerConfig, logger *slog.Logger) (*DockerRunner, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	dataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir: %w", err)
	}

	return &DockerRunner{
		client:  dockerClient,
		cfg:     cfg,
		dataDir: dataDir,
		logger:  logger.With("component", "docker-runner"),
	}, nil
}

// Start creates, attaches, and starts one worker container.
func (r *DockerRunner) Start(ctx context.Context, name string) (Proc, error) {
	containerName := fmt.Sprintf("%s-%s", name, uuid.NewString()[:8])

	hostConfig := &container.HostConfig{
		ExtraHosts: r.cfg.ExtraHosts,
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: r.dataDir, Target: r.dataDir},
		},
	}
	if r.cfg.GPU {
		hostConfig.DeviceRequests = []container.DeviceRequest{
			{Count: -1, Capabilities: [][]string{{"gpu"}}},
		}
	}

	created, err := r.client.ContainerCreate(ctx, &container.Config{
		Image:        r.cfg.Image,
		Env:          r.cfg.Env,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels: map[string]string{
			"managed-by": "split-service",
			"worker":     name,
		},
	}, hostConfig, nil, nil, containerName)
	if err != nil {
		return nil, fmt.Errorf("creating worker container: %w", err)
	}

	attach, err := r.client.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		r.remove(created.ID)
		return nil, fmt.Errorf("attaching to worker container: %w", err)
	}

	if err := r.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		attach.Close()
		r.remove(created.ID)
		return nil, fmt.Errorf("starting worker container: %w", err)
	}

	proc := &dockerProc{
		name:   name,
		id:     created.ID,
		runner: r,
		attach: attach,
		exited: make(chan error, 1),
	}
	proc.stdout, proc.stdoutW = io.Pipe()
	go proc.demux()
	go proc.waitExit()

	r.logger.Info("Worker container started", "container", containerName)
	return proc, nil
}

// Close releases the docker client. Running containers are not touched.
func (r *DockerRunner) Close() error {
	return r.client.Close()
}

func (r *DockerRunner) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		r.logger.Warn("Failed to remove worker container", "container", id[:12], "error", err)
	}
}

type dockerProc struct {
	name   string
	id     string
	runner *DockerRunner

	attach  types.HijackedResponse
	stdout  *io.PipeReader
	stdoutW *io.PipeWriter
	exited  chan error

	killOnce sync.Once
}

func (p *dockerProc) Name() string         { return p.name }
func (p *dockerProc) Stdin() io.Writer     { return p.attach.Conn }
func (p *dockerProc) Stdout() io.Reader    { return p.stdout }
func (p *dockerProc) Exited() <-chan error { return p.exited }

// Kill force-stops and removes the container.
func (p *dockerProc) Kill() error {
	p.killOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = p.runner.client.ContainerKill(ctx, p.id, "KILL")
		p.attach.Close()
		p.runner.remove(p.id)
	})
	return nil
}

// demux splits the multiplexed attach stream: stdout frames feed the result
// protocol, stderr frames are surfaced as worker log lines. Docker frames
// carry an 8-byte header with the stream id and payload size.
func (p *dockerProc) demux() {
	header := make([]byte, 8)

	for {
		if _, err := io.ReadFull(p.attach.Reader, header); err != nil {
			p.stdoutW.CloseWithError(err)
			return
		}
		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		if size == 0 {
			continue
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(p.attach.Reader, payload); err != nil {
			p.stdoutW.CloseWithError(err)
			return
		}

		if header[0] == 2 {
			for _, line := range strings.Split(strings.TrimRight(string(payload), "\n"), "\n") {
				if line != "" {
					p.runner.logger.Info("Worker log", "worker", p.name, "line", line)
				}
			}
			continue
		}

		if _, err := p.stdoutW.Write(payload); err != nil {
			return
		}
	}
}

// waitExit reports abnormal container termination to the pool.
func (p *dockerProc) waitExit() {
	statusCh, errCh := p.runner.client.ContainerWait(context.Background(), p.id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		p.exited <- err
	case status := <-statusCh:
		if status.Error != nil {
			p.exited <- fmt.Errorf("%s", status.Error.Message)
		} else {
			p.exited <- fmt.Errorf("exit code %d", status.StatusCode)
		}
	}
}
