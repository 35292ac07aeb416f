package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/Zbehel/Music-Split/internal/observability"
)

// maxResultLine bounds one worker result line. Stem maps are small; anything
// bigger is a misbehaving worker.
const maxResultLine = 1 << 20 // 1 MB

// Pool is a fixed-size pool of isolated workers with a bounded admission
// queue. It detects abnormal worker termination, rescues crashed tasks from
// their on-disk output, and restarts itself under a rate limit.
type Pool struct {
	cfg     Config
	runner  Runner
	logger  *slog.Logger
	metrics *observability.Metrics

	baseCtx context.Context
	queue   chan *work
	done    chan struct{}

	// genMu guards generation swaps; Submit reads gen lock-free via broken.
	genMu sync.Mutex
	gen   *generation

	broken atomic.Bool
	closed atomic.Bool

	restartLimiter *rate.Limiter

	submitted atomic.Int64
	completed atomic.Int64
	crashes   atomic.Int64
	rescued   atomic.Int64
	restarts  atomic.Int64
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Workers    int
	QueueDepth int
	Broken     bool
	Submitted  int64
	Completed  int64
	Crashes    int64
	Rescued    int64
	Restarts   int64
}

type work struct {
	task   Task
	handle *Handle
}

// generation is one set of worker goroutines. A restart retires the current
// generation and starts a fresh one; the queue survives across generations.
type generation struct {
	id   int64
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewPool creates the pool and starts its workers. The context is used for
// starting worker processes; it should outlive the pool.
func NewPool(ctx context.Context, cfg Config, runner Runner, logger *slog.Logger, metrics *observability.Metrics) (*Pool, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	p := &Pool{
		cfg:            cfg,
		runner:         runner,
		logger:         logger.With("component", "executor"),
		metrics:        metrics,
		baseCtx:        ctx,
		queue:          make(chan *work, cfg.QueueDepth),
		done:           make(chan struct{}),
		restartLimiter: rate.NewLimiter(rate.Every(cfg.RestartEvery), cfg.RestartBurst),
	}

	p.gen = p.startGeneration(1)

	if metrics != nil {
		go p.reportQueueDepth()
	}

	p.logger.Info("Worker pool started", "workers", cfg.Workers, "queueDepth", cfg.QueueDepth)
	return p, nil
}

// Submit enqueues a task. It never blocks beyond queue admission: a full
// queue fails with ErrQueueFull, a broken pool with ErrBroken, a closed pool
// with ErrClosed. The returned handle completes exactly once.
func (p *Pool) Submit(t Task) (*Handle, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	if p.broken.Load() {
		return nil, ErrBroken
	}

	w := &work{task: t, handle: newHandle(t.JobID)}
	select {
	case p.queue <- w:
		p.submitted.Add(1)
		return w.handle, nil
	default:
		return nil, ErrQueueFull
	}
}

// DetectBroken reports whether a worker terminated abnormally and the pool
// has not been restarted yet.
func (p *Pool) DetectBroken() bool {
	return p.broken.Load()
}

// Restart retires the current worker generation (killing its processes) and
// starts a fresh one. In-flight tasks of the old generation complete through
// the crash path, so their output can still be rescued. Safe to call
// concurrently with Submit: a racing Submit either fails with ErrBroken or
// lands on the surviving queue and runs on the new generation.
func (p *Pool) Restart() error {
	if p.closed.Load() {
		return ErrClosed
	}

	p.genMu.Lock()
	defer p.genMu.Unlock()
	if p.closed.Load() {
		return ErrClosed
	}

	old := p.gen
	close(old.stop)
	old.wg.Wait()

	next := p.startGeneration(old.id + 1)
	p.gen = next
	p.broken.Store(false)
	p.restarts.Add(1)
	if p.metrics != nil {
		p.metrics.RecordPoolRestart(context.Background())
	}
	p.logger.Info("Worker pool restarted", "generation", next.id)
	return nil
}

// Ready implements health.ReadinessChecker.
func (p *Pool) Ready(ctx context.Context) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if p.broken.Load() {
		return fmt.Errorf("%w, restart pending", ErrBroken)
	}
	return nil
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:    p.cfg.Workers,
		QueueDepth: len(p.queue),
		Broken:     p.broken.Load(),
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Crashes:    p.crashes.Load(),
		Rescued:    p.rescued.Load(),
		Restarts:   p.restarts.Load(),
	}
}

// Close shuts the pool down: workers are stopped, their processes killed,
// and every queued task completes with ErrClosed so no handle is left
// dangling. The context bounds how long to wait.
func (p *Pool) Close(ctx context.Context) error {
	if p.closed.Swap(true) {
		return nil
	}
	close(p.done)

	p.genMu.Lock()
	gen := p.gen
	p.genMu.Unlock()
	close(gen.stop)

	finished := make(chan struct{})
	go func() {
		gen.wg.Wait()
		p.drainQueue()
		close(finished)
	}()

	select {
	case <-finished:
		p.logger.Info("Worker pool shutdown complete",
			"completed", p.completed.Load(),
			"crashes", p.crashes.Load(),
			"rescued", p.rescued.Load(),
		)
		return nil
	case <-ctx.Done():
		p.logger.Warn("Worker pool shutdown timed out", "queued", len(p.queue))
		return ctx.Err()
	}
}

// drainQueue fails every task still waiting for a worker.
func (p *Pool) drainQueue() {
	for {
		select {
		case w := <-p.queue:
			p.finish(w, Result{JobID: w.task.JobID, Err: ErrClosed})
		default:
			return
		}
	}
}

func (p *Pool) startGeneration(id int64) *generation {
	gen := &generation{id: id, stop: make(chan struct{})}
	gen.wg.Add(p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		go p.worker(gen, i)
	}
	return gen
}

// worker owns one isolated process for its lifetime. It exits when its
// generation is retired or its process dies.
func (p *Pool) worker(gen *generation, idx int) {
	defer gen.wg.Done()

	name := fmt.Sprintf("split-worker-%d-%d", gen.id, idx)
	logger := p.logger.With("worker", name)

	proc, err := p.runner.Start(p.baseCtx, name)
	if err != nil {
		logger.Error("Worker failed to start", "error", err)
		p.markBroken(err)
		return
	}
	defer proc.Kill()
	logger.Info("Worker started")

	results := make(chan TaskResult, 1)
	go p.readResults(proc, results, logger)

	for {
		select {
		case <-gen.stop:
			return
		case w := <-p.queue:
			if !p.runTask(gen, proc, results, w, logger) {
				// The process is gone; this worker slot stays empty until
				// the pool restarts.
				return
			}
		}
	}
}

// readResults decodes result lines from the worker's stdout. The channel is
// closed when the stream ends or produces garbage, which the task loop
// treats as a crash.
func (p *Pool) readResults(proc Proc, out chan<- TaskResult, logger *slog.Logger) {
	defer close(out)

	scanner := bufio.NewScanner(proc.Stdout())
	scanner.Buffer(make([]byte, 64*1024), maxResultLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var res TaskResult
		if err := json.Unmarshal(line, &res); err != nil {
			logger.Error("Malformed worker result", "error", err)
			return
		}
		out <- res
	}
}

// runTask sends one task to the worker and waits for its outcome. Returns
// false when the worker process is no longer usable.
func (p *Pool) runTask(gen *generation, proc Proc, results <-chan TaskResult, w *work, logger *slog.Logger) bool {
	logger = logger.With("jobId", w.task.JobID, "model", w.task.Model)
	start := time.Now()

	req := TaskRequest{
		JobID:     w.task.JobID,
		Model:     w.task.Model,
		Device:    w.task.Device,
		InputPath: w.task.InputPath,
		OutputDir: w.task.OutputDir,
	}
	if err := WriteMessage(proc.Stdin(), req); err != nil {
		p.crash(w, start, fmt.Errorf("sending task: %w", err), logger)
		return false
	}

	var timeout <-chan time.Time
	if p.cfg.TaskTimeout > 0 {
		timer := time.NewTimer(p.cfg.TaskTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res, ok := <-results:
		if !ok {
			p.crash(w, start, fmt.Errorf("worker output stream closed mid-task"), logger)
			return false
		}
		if res.Error != "" {
			// The engine failed and said so: a regular error, not a crash.
			p.finish(w, Result{JobID: w.task.JobID, Err: fmt.Errorf("separation failed: %s", res.Error), Duration: time.Since(start)})
			logger.Warn("Task failed", "error", res.Error)
			return true
		}
		p.finish(w, Result{JobID: w.task.JobID, Stems: res.Stems, Duration: time.Since(start)})
		logger.Info("Task completed", "stems", len(res.Stems), "duration", time.Since(start))
		return true

	case err := <-proc.Exited():
		p.crash(w, start, fmt.Errorf("worker exited mid-task: %v", err), logger)
		return false

	case <-timeout:
		_ = proc.Kill()
		p.crash(w, start, fmt.Errorf("task exceeded supervisory timeout of %s", p.cfg.TaskTimeout), logger)
		return false

	case <-gen.stop:
		_ = proc.Kill()
		if p.closed.Load() {
			p.finish(w, Result{JobID: w.task.JobID, Err: ErrClosed, Duration: time.Since(start)})
			return false
		}
		// Retired by a restart while mid-task: same as an abnormal
		// termination, so the rescue path still applies.
		p.crash(w, start, fmt.Errorf("worker killed by pool restart"), logger)
		return false
	}
}

// crash resolves a task whose worker terminated abnormally. The rescue
// policy decides between reclassifying the work as done and failing it, then
// the pool is marked broken and an automatic restart is scheduled.
func (p *Pool) crash(w *work, start time.Time, cause error, logger *slog.Logger) {
	p.crashes.Add(1)
	if p.metrics != nil {
		p.metrics.RecordWorkerCrash(context.Background())
	}

	if stems, ok := w.task.Rescue.Attempt(); ok {
		p.rescued.Add(1)
		logger.Warn("Worker crashed, task rescued from output artifacts",
			"cause", cause, "stems", len(stems))
		p.finish(w, Result{JobID: w.task.JobID, Stems: stems, Rescued: true, Duration: time.Since(start)})
	} else {
		logger.Error("Worker crashed, task lost", "cause", cause)
		p.finish(w, Result{JobID: w.task.JobID, Err: fmt.Errorf("%w: %v", ErrCrashed, cause), Duration: time.Since(start)})
	}

	p.markBroken(cause)
}

func (p *Pool) finish(w *work, res Result) {
	p.completed.Add(1)
	w.handle.complete(res)
}

// markBroken flips the pool into the broken state and schedules a throttled
// automatic restart. Submissions fail fast with ErrBroken until the restart
// lands; beyond the restart budget the pool stays broken for an operator.
func (p *Pool) markBroken(cause error) {
	if p.broken.Swap(true) {
		return
	}
	p.logger.Error("Worker pool broken", "cause", cause)

	if p.closed.Load() {
		return
	}
	if !p.restartLimiter.Allow() {
		p.logger.Error("Restart budget exhausted, pool stays broken until operator intervention")
		return
	}

	go func() {
		if err := p.Restart(); err != nil {
			p.logger.Error("Automatic pool restart failed", "error", err)
		}
	}()
}

// reportQueueDepth periodically publishes the queue depth gauge.
func (p *Pool) reportQueueDepth() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.metrics.RecordQueueDepth(context.Background(), int64(len(p.queue)))
		}
	}
}
