package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Zbehel/Music-Split/internal/testutil"
)

// script decides how the fake worker answers one request. ok=false means the
// worker crashes instead of answering.
type script func(req TaskRequest) (res TaskResult, ok bool)

type fakeRunner struct {
	mu       sync.Mutex
	script   script
	startErr error
	started  int
}

func (r *fakeRunner) Start(ctx context.Context, name string) (Proc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return nil, r.startErr
	}
	r.started++
	return newFakeProc(name, r.run), nil
}

func (r *fakeRunner) setScript(s script) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.script = s
}

// run resolves the current script at request time, so tests can swap worker
// behavior mid-flight.
func (r *fakeRunner) run(req TaskRequest) (TaskResult, bool) {
	r.mu.Lock()
	s := r.script
	r.mu.Unlock()
	return s(req)
}

func (r *fakeRunner) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

type fakeProc struct {
	name    string
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	exited  chan error

	killOnce sync.Once
}

func newFakeProc(name string, s script) *fakeProc {
	p := &fakeProc{name: name, exited: make(chan error, 2)}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	go p.serve(s)
	return p
}

func (p *fakeProc) serve(s script) {
	scanner := bufio.NewScanner(p.stdinR)
	for scanner.Scan() {
		var req TaskRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			return
		}
		res, ok := s(req)
		if !ok {
			// Simulate a native-library crash: the process dies without a
			// result line.
			p.stdoutW.CloseWithError(io.EOF)
			p.exited <- errors.New("signal: segmentation fault")
			return
		}
		if err := WriteMessage(p.stdoutW, res); err != nil {
			return
		}
	}
}

func (p *fakeProc) Name() string         { return p.name }
func (p *fakeProc) Stdin() io.Writer     { return p.stdinW }
func (p *fakeProc) Stdout() io.Reader    { return p.stdoutR }
func (p *fakeProc) Exited() <-chan error { return p.exited }

func (p *fakeProc) Kill() error {
	p.killOnce.Do(func() {
		p.stdinW.Close()
		p.stdoutW.CloseWithError(io.EOF)
		p.exited <- errors.New("killed")
	})
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPool(t *testing.T, cfg Config, r Runner) *Pool {
	t.Helper()
	p, err := NewPool(context.Background(), cfg, r, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})
	return p
}

func writeStems(t *testing.T, dir string, stems ...string) {
	t.Helper()
	for _, stem := range stems {
		path := filepath.Join(dir, stem+".wav")
		if err := os.WriteFile(path, []byte("RIFF-audio-data"), 0o644); err != nil {
			t.Fatalf("writing stem %s: %v", stem, err)
		}
	}
}

var sixStems = []string{"drums", "bass", "other", "vocals", "guitar", "piano"}

func awaitResult(t *testing.T, h *Handle) Result {
	t.Helper()
	ch := make(chan Result, 1)
	h.OnComplete(func(res Result) { ch <- res })
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task result")
		return Result{}
	}
}

func TestSubmitAndComplete(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{script: func(req TaskRequest) (TaskResult, bool) {
		return TaskResult{
			JobID: req.JobID,
			Stems: map[string]string{"vocals": "/out/vocals.wav", "drums": "/out/drums.wav"},
		}, true
	}}
	pool := newTestPool(t, Config{Workers: 1, QueueDepth: 4}, runner)

	handle, err := pool.Submit(Task{JobID: "j1", Model: "htdemucs_ft"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	res := awaitResult(t, handle)
	if res.Err != nil {
		t.Fatalf("unexpected task error: %v", res.Err)
	}
	if len(res.Stems) != 2 || res.Rescued {
		t.Errorf("unexpected result: %+v", res)
	}

	stats := pool.Stats()
	if stats.Submitted != 1 || stats.Completed != 1 || stats.Crashes != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestSubmitQueueFull(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	defer close(block)
	runner := &fakeRunner{script: func(req TaskRequest) (TaskResult, bool) {
		<-block
		return TaskResult{JobID: req.JobID}, true
	}}
	pool := newTestPool(t, Config{Workers: 1, QueueDepth: 1}, runner)

	// First task occupies the worker, second fills the queue.
	if _, err := pool.Submit(Task{JobID: "busy"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	testutil.MustWaitFor(t, func() bool { return len(pool.queue) == 0 })
	if _, err := pool.Submit(Task{JobID: "queued"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	_, err := pool.Submit(Task{JobID: "overflow"})
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestCrashWithAllArtifactsIsRescued(t *testing.T) {
	t.Parallel()
	outputDir := t.TempDir()
	writeStems(t, outputDir, sixStems...)

	runner := &fakeRunner{script: func(req TaskRequest) (TaskResult, bool) {
		return TaskResult{}, false // crash after the engine flushed all stems
	}}
	pool := newTestPool(t, Config{Workers: 1, QueueDepth: 4, RestartBurst: 0}, runner)

	handle, err := pool.Submit(Task{
		JobID:     "rescue-me",
		Model:     "htdemucs_6s",
		OutputDir: outputDir,
		Rescue:    RescuePolicy{OutputDir: outputDir, Stems: sixStems, MinStems: 6},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	res := awaitResult(t, handle)
	if res.Err != nil {
		t.Fatalf("expected rescue, got error: %v", res.Err)
	}
	if !res.Rescued {
		t.Error("expected result to be marked rescued")
	}
	if len(res.Stems) != 6 {
		t.Errorf("expected 6 rescued stems, got %d", len(res.Stems))
	}
	for _, stem := range sixStems {
		if res.Stems[stem] == "" {
			t.Errorf("missing rescued stem %s", stem)
		}
	}

	testutil.MustWaitFor(t, pool.DetectBroken)
	stats := pool.Stats()
	if stats.Crashes != 1 || stats.Rescued != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestCrashWithTooFewArtifactsFails(t *testing.T) {
	t.Parallel()
	outputDir := t.TempDir()
	writeStems(t, outputDir, "drums") // 1 of 6

	runner := &fakeRunner{script: func(req TaskRequest) (TaskResult, bool) {
		return TaskResult{}, false
	}}
	pool := newTestPool(t, Config{Workers: 1, QueueDepth: 4, RestartBurst: 0}, runner)

	handle, err := pool.Submit(Task{
		JobID:  "lost",
		Rescue: RescuePolicy{OutputDir: outputDir, Stems: sixStems, MinStems: 6},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	res := awaitResult(t, handle)
	if !errors.Is(res.Err, ErrCrashed) {
		t.Errorf("expected ErrCrashed, got %v", res.Err)
	}
	if res.Rescued || len(res.Stems) != 0 {
		t.Errorf("crashed task must not carry stems: %+v", res)
	}
}

func TestEngineErrorIsNotACrash(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{script: func(req TaskRequest) (TaskResult, bool) {
		return TaskResult{JobID: req.JobID, Error: "unsupported sample rate"}, true
	}}
	pool := newTestPool(t, Config{Workers: 1, QueueDepth: 4}, runner)

	handle, err := pool.Submit(Task{JobID: "bad-input"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	res := awaitResult(t, handle)
	if res.Err == nil || errors.Is(res.Err, ErrCrashed) {
		t.Errorf("expected a plain task error, got %v", res.Err)
	}
	if pool.DetectBroken() {
		t.Error("an engine error must not break the pool")
	}

	// The same worker keeps serving tasks.
	runner.setScript(func(req TaskRequest) (TaskResult, bool) {
		return TaskResult{JobID: req.JobID, Stems: map[string]string{"vocals": "v.wav"}}, true
	})
	handle2, err := pool.Submit(Task{JobID: "good-input"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if res := awaitResult(t, handle2); res.Err != nil {
		t.Errorf("second task failed: %v", res.Err)
	}
}

func TestSubmitWhileBroken(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{script: func(req TaskRequest) (TaskResult, bool) {
		return TaskResult{}, false
	}}
	pool := newTestPool(t, Config{Workers: 1, QueueDepth: 4, RestartBurst: 0}, runner)

	handle, err := pool.Submit(Task{JobID: "boom"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	awaitResult(t, handle)
	testutil.MustWaitFor(t, pool.DetectBroken)

	_, err = pool.Submit(Task{JobID: "after"})
	if !errors.Is(err, ErrBroken) {
		t.Errorf("expected ErrBroken, got %v", err)
	}
	if err := pool.Ready(context.Background()); err == nil {
		t.Error("broken pool must not report ready")
	}
}

func TestAutomaticRestartAfterCrash(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	crashNext := true
	runner := &fakeRunner{}
	runner.script = func(req TaskRequest) (TaskResult, bool) {
		mu.Lock()
		crash := crashNext
		crashNext = false
		mu.Unlock()
		if crash {
			return TaskResult{}, false
		}
		return TaskResult{JobID: req.JobID, Stems: map[string]string{"vocals": "v.wav"}}, true
	}
	pool := newTestPool(t, Config{Workers: 1, QueueDepth: 4, RestartBurst: 3, RestartEvery: time.Minute}, runner)

	handle, err := pool.Submit(Task{JobID: "crasher"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	res := awaitResult(t, handle)
	if !errors.Is(res.Err, ErrCrashed) {
		t.Fatalf("expected crash, got %v", res.Err)
	}

	// The pool restarts itself and accepts work again.
	testutil.MustWaitFor(t, func() bool { return !pool.DetectBroken() })

	handle2, err := pool.Submit(Task{JobID: "survivor"})
	if err != nil {
		t.Fatalf("Submit after restart failed: %v", err)
	}
	if res := awaitResult(t, handle2); res.Err != nil {
		t.Errorf("task after restart failed: %v", res.Err)
	}

	if pool.Stats().Restarts != 1 {
		t.Errorf("expected 1 restart, got %d", pool.Stats().Restarts)
	}
	if runner.startCount() < 2 {
		t.Errorf("expected a fresh worker after restart, got %d starts", runner.startCount())
	}
}

func TestManualRestart(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{script: func(req TaskRequest) (TaskResult, bool) {
		return TaskResult{}, false
	}}
	pool := newTestPool(t, Config{Workers: 1, QueueDepth: 4, RestartBurst: 0}, runner)

	handle, _ := pool.Submit(Task{JobID: "boom"})
	awaitResult(t, handle)
	testutil.MustWaitFor(t, pool.DetectBroken)

	runner.setScript(func(req TaskRequest) (TaskResult, bool) {
		return TaskResult{JobID: req.JobID, Stems: map[string]string{"vocals": "v.wav"}}, true
	})
	if err := pool.Restart(); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if pool.DetectBroken() {
		t.Error("pool still broken after restart")
	}

	handle2, err := pool.Submit(Task{JobID: "ok"})
	if err != nil {
		t.Fatalf("Submit after restart failed: %v", err)
	}
	if res := awaitResult(t, handle2); res.Err != nil {
		t.Errorf("task after manual restart failed: %v", res.Err)
	}
}

func TestSupervisoryTimeoutRoutesThroughRescue(t *testing.T) {
	t.Parallel()
	outputDir := t.TempDir()
	writeStems(t, outputDir, "drums", "bass", "other", "vocals")

	block := make(chan struct{})
	defer close(block)
	runner := &fakeRunner{script: func(req TaskRequest) (TaskResult, bool) {
		<-block
		return TaskResult{JobID: req.JobID}, true
	}}
	pool := newTestPool(t, Config{Workers: 1, QueueDepth: 4, TaskTimeout: 100 * time.Millisecond, RestartBurst: 0}, runner)

	handle, err := pool.Submit(Task{
		JobID:  "hung",
		Rescue: RescuePolicy{OutputDir: outputDir, Stems: []string{"drums", "bass", "other", "vocals"}, MinStems: 4},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	res := awaitResult(t, handle)
	if res.Err != nil || !res.Rescued {
		t.Errorf("expected rescue after timeout, got %+v", res)
	}
}

func TestCloseFailsPendingWork(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	defer close(block)
	runner := &fakeRunner{script: func(req TaskRequest) (TaskResult, bool) {
		<-block
		return TaskResult{JobID: req.JobID}, true
	}}
	pool, err := NewPool(context.Background(), Config{Workers: 1, QueueDepth: 2}, runner, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}

	running, _ := pool.Submit(Task{JobID: "running"})
	testutil.MustWaitFor(t, func() bool { return len(pool.queue) == 0 })
	queued, _ := pool.Submit(Task{JobID: "queued"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	for _, h := range []*Handle{running, queued} {
		res := awaitResult(t, h)
		if !errors.Is(res.Err, ErrClosed) {
			t.Errorf("job %s: expected ErrClosed, got %v", h.JobID(), res.Err)
		}
	}

	if _, err := pool.Submit(Task{JobID: "late"}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after shutdown, got %v", err)
	}
	if err := pool.Restart(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Restart after shutdown, got %v", err)
	}
}

func TestOnCompleteAfterCompletionStillFires(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{script: func(req TaskRequest) (TaskResult, bool) {
		return TaskResult{JobID: req.JobID, Stems: map[string]string{"vocals": "v.wav"}}, true
	}}
	pool := newTestPool(t, Config{Workers: 1, QueueDepth: 4}, runner)

	handle, err := pool.Submit(Task{JobID: "late-listener"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	testutil.MustWaitFor(t, handle.Done)

	res := awaitResult(t, handle)
	if res.Err != nil || len(res.Stems) != 1 {
		t.Errorf("latched result not delivered: %+v", res)
	}
}

func TestWorkerStartFailureBreaksPool(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{startErr: fmt.Errorf("no such binary")}
	pool := newTestPool(t, Config{Workers: 1, QueueDepth: 4, RestartBurst: 0}, runner)

	testutil.MustWaitFor(t, pool.DetectBroken)
	if _, err := pool.Submit(Task{JobID: "never"}); !errors.Is(err, ErrBroken) {
		t.Errorf("expected ErrBroken, got %v", err)
	}
}
