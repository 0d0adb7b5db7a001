// Package pool implements the transcription worker pool: a bounded FIFO
// queue in front of a fixed set of workers, each owning its own model
// handle. Assignment is strictly queue-order onto the lowest-numbered idle
// worker, so behavior under load is reproducible.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/airbandlabs/airband-core/internal/transcribe"
)

var (
	// ErrQueueFull reports backpressure on a bounded queue. The caller
	// decides whether to drop, retry, or surface the rejection.
	ErrQueueFull = errors.New("transcription queue full")
	// ErrPoolClosed reports a submit after shutdown began.
	ErrPoolClosed = errors.New("worker pool closed")
)

// WorkerState is the lifecycle state of a single worker.
type WorkerState string

const (
	StateIdle         WorkerState = "idle"
	StateBusy         WorkerState = "busy"
	StateFailed       WorkerState = "failed"
	StateShuttingDown WorkerState = "shutting_down"
)

// Job is one audio segment awaiting transcription.
type Job struct {
	ID         string
	Channel    string
	Frequency  string
	PCM        []byte
	SampleRate int
	Channels   int
	EnqueuedAt time.Time
}

// JobResult pairs a completed job with its outcome. Exactly one of Result
// and Err is meaningful.
type JobResult struct {
	Job            Job
	Result         transcribe.Result
	Err            error
	WorkerID       int
	ProcessingTime time.Duration
}

// WorkerInfo is one worker's state in a snapshot.
type WorkerInfo struct {
	ID      int
	State   WorkerState
	JobID   string
	Channel string
	BusyFor time.Duration
}

// Snapshot is a point-in-time view of the pool.
type Snapshot struct {
	Workers       []WorkerInfo
	QueueDepth    int
	QueueCapacity int
}

// Options configure a Pool. Sink receives every completed job, including
// failures, from worker goroutines; it must be safe for concurrent use.
type Options struct {
	Workers       int
	QueueCapacity int // 0 = unbounded
	Loader        transcribe.Loader
	Sink          func(JobResult)
	Logger        *slog.Logger
}

type worker struct {
	id        int
	state     WorkerState
	loaded    bool
	jobs      chan Job
	job       Job
	busySince time.Time
	handle    transcribe.Handle
}

// Pool dispatches jobs to transcription workers.
type Pool struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	queue   []Job
	workers []*worker
	closed  bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup

	inferCtx  context.Context
	inferStop context.CancelFunc

	meter         metric.Meter
	jobsProcessed metric.Int64Counter
	jobsFailed    metric.Int64Counter
	jobsRejected  metric.Int64Counter

	// now is swapped in tests.
	now func() time.Time
}

// New validates options and constructs a stopped pool.
func New(opts Options) (*Pool, error) {
	if opts.Workers <= 0 {
		return nil, fmt.Errorf("pool requires at least one worker, got %d", opts.Workers)
	}
	if opts.QueueCapacity < 0 {
		return nil, fmt.Errorf("queue capacity must be >= 0, got %d", opts.QueueCapacity)
	}
	if opts.Loader == nil {
		return nil, fmt.Errorf("pool requires a model loader")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	p := &Pool{
		opts:  opts,
		log:   log.With(slog.String("component", "worker-pool")),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		meter: otel.Meter("github.com/airbandlabs/airband-core/pool"),
		now:   time.Now,
	}
	for i := 0; i < opts.Workers; i++ {
		p.workers = append(p.workers, &worker{
			id:    i,
			state: StateIdle,
			jobs:  make(chan Job, 1),
		})
	}
	if err := p.initMetrics(); err != nil {
		p.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return p, nil
}

// Start loads a model per worker and begins dispatching. Workers whose
// model fails to load are marked Failed; Start only errors when no worker
// loaded at all.
func (p *Pool) Start(ctx context.Context) error {
	p.inferCtx, p.inferStop = context.WithCancel(context.WithoutCancel(ctx))

	var loadWG sync.WaitGroup
	for _, w := range p.workers {
		loadWG.Add(1)
		go func(w *worker) {
			defer loadWG.Done()
			handle, err := p.opts.Loader.Load(ctx, w.id)
			p.mu.Lock()
			defer p.mu.Unlock()
			if err != nil {
				w.state = StateFailed
				p.log.Error("model load failed",
					slog.Int("worker_id", w.id),
					slog.String("error", err.Error()))
				return
			}
			w.handle = handle
			w.loaded = true
		}(w)
	}
	loadWG.Wait()

	healthy := 0
	p.mu.Lock()
	for _, w := range p.workers {
		if w.loaded {
			healthy++
		}
	}
	p.mu.Unlock()
	if healthy == 0 {
		p.inferStop()
		return fmt.Errorf("no worker loaded a model (%d attempted)", len(p.workers))
	}
	if healthy < len(p.workers) {
		p.log.Warn("pool started degraded",
			slog.Int("healthy", healthy),
			slog.Int("configured", len(p.workers)))
	} else {
		p.log.Info("pool started", slog.Int("workers", healthy))
	}

	for _, w := range p.workers {
		if !w.loaded {
			continue
		}
		p.wg.Add(1)
		go p.runWorker(w)
	}
	p.wg.Add(1)
	go p.dispatch()
	return nil
}

// Submit enqueues a job. It never blocks: a full bounded queue returns
// ErrQueueFull immediately.
func (p *Pool) Submit(job Job) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if p.opts.QueueCapacity > 0 && len(p.queue) >= p.opts.QueueCapacity {
		p.mu.Unlock()
		if p.jobsRejected != nil {
			p.jobsRejected.Add(context.Background(), 1)
		}
		return ErrQueueFull
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = p.now()
	}
	p.queue = append(p.queue, job)
	p.mu.Unlock()

	p.signal()
	return nil
}

// Status returns a consistent snapshot of queue depth and worker states.
func (p *Pool) Status() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := Snapshot{
		QueueDepth:    len(p.queue),
		QueueCapacity: p.opts.QueueCapacity,
	}
	now := p.now()
	for _, w := range p.workers {
		info := WorkerInfo{ID: w.id, State: w.state}
		if w.state == StateBusy {
			info.JobID = w.job.ID
			info.Channel = w.job.Channel
			info.BusyFor = now.Sub(w.busySince)
		}
		snap.Workers = append(snap.Workers, info)
	}
	return snap
}

// Shutdown stops accepting jobs, drops the queue, and waits for in-flight
// inference until ctx expires. It returns the number of queued jobs that
// were never assigned. Workers still busy at the deadline are abandoned
// with their inference context cancelled, not killed.
func (p *Pool) Shutdown(ctx context.Context) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrPoolClosed
	}
	p.closed = true
	unprocessed := len(p.queue)
	p.queue = nil
	for _, w := range p.workers {
		close(w.jobs)
	}
	p.mu.Unlock()
	close(p.done)

	if unprocessed > 0 {
		p.log.Warn("dropping queued jobs on shutdown", slog.Int("count", unprocessed))
	}

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		p.inferStop()
		p.log.Info("pool shut down cleanly", slog.Int("unprocessed", unprocessed))
		return unprocessed, nil
	case <-ctx.Done():
		p.inferStop()
		p.mu.Lock()
		for _, w := range p.workers {
			if w.state == StateBusy {
				p.log.Warn("abandoning busy worker at shutdown deadline",
					slog.Int("worker_id", w.id),
					slog.String("job_id", w.job.ID))
			}
		}
		p.mu.Unlock()
		return unprocessed, fmt.Errorf("pool shutdown deadline exceeded: %w", ctx.Err())
	}
}

func (p *Pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) dispatch() {
	defer p.wg.Done()
	for {
		p.assign()
		select {
		case <-p.done:
			return
		case <-p.wake:
		}
	}
}

// assign drains the queue head onto idle workers, lowest worker id first.
func (p *Pool) assign() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for len(p.queue) > 0 {
		w := p.idleWorkerLocked()
		if w == nil {
			return
		}
		job := p.queue[0]
		p.queue = p.queue[1:]
		w.state = StateBusy
		w.job = job
		w.busySince = p.now()
		w.jobs <- job
	}
}

func (p *Pool) idleWorkerLocked() *worker {
	for _, w := range p.workers {
		if w.loaded && w.state == StateIdle {
			return w
		}
	}
	return nil
}

func (p *Pool) runWorker(w *worker) {
	defer p.wg.Done()
	log := p.log.With(slog.Int("worker_id", w.id))

	for job := range w.jobs {
		start := p.now()
		res, err := w.handle.Transcribe(p.inferCtx, job.PCM, job.SampleRate, job.Channels)
		elapsed := p.now().Sub(start)

		result := JobResult{
			Job:            job,
			Result:         res,
			Err:            err,
			WorkerID:       w.id,
			ProcessingTime: elapsed,
		}
		if p.opts.Sink != nil {
			p.opts.Sink(result)
		}
		p.recordOutcome(job, err, elapsed)

		// Job failures, out-of-memory included, do not retire the worker;
		// it returns to Idle and the next job gets a clean attempt.
		p.mu.Lock()
		w.job = Job{}
		if p.closed {
			w.state = StateShuttingDown
			p.mu.Unlock()
		} else {
			w.state = StateIdle
			p.mu.Unlock()
			p.signal()
		}
	}

	p.mu.Lock()
	if w.state != StateFailed {
		w.state = StateShuttingDown
	}
	handle := w.handle
	w.loaded = false
	p.mu.Unlock()

	if handle != nil {
		if err := handle.Close(); err != nil {
			log.Warn("failed to close model handle", slog.String("error", err.Error()))
		}
	}
}

func (p *Pool) recordOutcome(job Job, err error, elapsed time.Duration) {
	ctx := context.Background()
	if err != nil {
		if p.jobsFailed != nil {
			p.jobsFailed.Add(ctx, 1, metric.WithAttributes(
				attribute.String("kind", transcribe.KindOf(err).String())))
		}
		p.log.Warn("transcription failed",
			slog.String("job_id", job.ID),
			slog.String("channel", job.Channel),
			slog.String("kind", transcribe.KindOf(err).String()),
			slog.String("error", err.Error()))
		return
	}
	if p.jobsProcessed != nil {
		p.jobsProcessed.Add(ctx, 1)
	}
	p.log.Debug("transcription complete",
		slog.String("job_id", job.ID),
		slog.String("channel", job.Channel),
		slog.Duration("elapsed", elapsed))
}

func (p *Pool) initMetrics() error {
	if p.meter == nil {
		return nil
	}
	var err error
	p.jobsProcessed, err = p.meter.Int64Counter("airband.pool.jobs.processed",
		metric.WithDescription("Jobs transcribed successfully"))
	if err != nil {
		return err
	}
	p.jobsFailed, err = p.meter.Int64Counter("airband.pool.jobs.failed",
		metric.WithDescription("Jobs that failed transcription"))
	if err != nil {
		return err
	}
	p.jobsRejected, err = p.meter.Int64Counter("airband.pool.jobs.rejected",
		metric.WithDescription("Jobs rejected by queue backpressure"))
	if err != nil {
		return err
	}
	depthGauge, err := p.meter.Int64ObservableGauge("airband.pool.queue.depth",
		metric.WithDescription("Jobs waiting in the queue"))
	if err != nil {
		return err
	}
	busyGauge, err := p.meter.Int64ObservableGauge("airband.pool.workers.busy",
		metric.WithDescription("Workers currently transcribing"))
	if err != nil {
		return err
	}
	failedGauge, err := p.meter.Int64ObservableGauge("airband.pool.workers.failed",
		metric.WithDescription("Workers retired by failures"))
	if err != nil {
		return err
	}
	_, err = p.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		depth, busy, failed := p.counts()
		obs.ObserveInt64(depthGauge, depth)
		obs.ObserveInt64(busyGauge, busy)
		obs.ObserveInt64(failedGauge, failed)
		return nil
	}, depthGauge, busyGauge, failedGauge)
	return err
}

func (p *Pool) counts() (depth, busy, failed int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	depth = int64(len(p.queue))
	for _, w := range p.workers {
		switch w.state {
		case StateBusy:
			busy++
		case StateFailed:
			failed++
		}
	}
	return depth, busy, failed
}
