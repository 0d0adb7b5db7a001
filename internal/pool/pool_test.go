package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/airbandlabs/airband-core/internal/transcribe"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type collector struct {
	mu      sync.Mutex
	results []JobResult
}

func (c *collector) add(r JobResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

func (c *collector) all() []JobResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]JobResult(nil), c.results...)
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func pcm(n int) []byte { return make([]byte, n*2) }

func startPool(t *testing.T, opts Options) *Pool {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = newLogger()
	}
	p, err := New(opts)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start pool: %v", err)
	}
	return p
}

func TestEveryJobProcessedExactlyOnce(t *testing.T) {
	sink := &collector{}
	p := startPool(t, Options{
		Workers: 3,
		Loader:  &transcribe.MockLoader{},
		Sink:    sink.add,
	})

	const n = 24
	for i := 0; i < n; i++ {
		job := Job{ID: fmt.Sprintf("job-%d", i), Channel: "tower", PCM: pcm(160), SampleRate: 16000, Channels: 1}
		if err := p.Submit(job); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	waitFor(t, 5*time.Second, "all jobs to complete", func() bool { return sink.len() == n })

	seen := make(map[string]int)
	for _, r := range sink.all() {
		if r.Err != nil {
			t.Fatalf("job %s failed: %v", r.Job.ID, r.Err)
		}
		seen[r.Job.ID]++
	}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("job-%d", i)
		if seen[id] != 1 {
			t.Fatalf("job %s processed %d times", id, seen[id])
		}
	}

	unprocessed, err := p.Shutdown(context.Background())
	if err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if unprocessed != 0 {
		t.Fatalf("expected 0 unprocessed jobs, got %d", unprocessed)
	}
}

func TestSingleWorkerPreservesSubmissionOrder(t *testing.T) {
	sink := &collector{}
	p := startPool(t, Options{
		Workers: 1,
		Loader:  &transcribe.MockLoader{},
		Sink:    sink.add,
	})
	defer p.Shutdown(context.Background())

	const n = 10
	for i := 0; i < n; i++ {
		if err := p.Submit(Job{ID: fmt.Sprintf("job-%d", i), PCM: pcm(10), SampleRate: 16000, Channels: 1}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	waitFor(t, 5*time.Second, "all jobs to complete", func() bool { return sink.len() == n })

	for i, r := range sink.all() {
		if want := fmt.Sprintf("job-%d", i); r.Job.ID != want {
			t.Fatalf("position %d: got %s, want %s", i, r.Job.ID, want)
		}
	}
}

func TestWorkerReturnsToIdleAfterFailure(t *testing.T) {
	sink := &collector{}
	var calls atomic.Int64
	loader := &transcribe.MockLoader{
		TranscribeFunc: func(_ context.Context, _ []byte, _, _ int) (transcribe.Result, error) {
			if calls.Add(1) == 1 {
				return transcribe.Result{}, transcribe.NewError(transcribe.KindInferenceFailure, errors.New("decode blew up"))
			}
			return transcribe.Result{Text: "ok"}, nil
		},
	}
	p := startPool(t, Options{Workers: 1, Loader: loader, Sink: sink.add})
	defer p.Shutdown(context.Background())

	if err := p.Submit(Job{ID: "a", PCM: pcm(10), SampleRate: 16000, Channels: 1}); err != nil {
		t.Fatalf("submit a: %v", err)
	}
	if err := p.Submit(Job{ID: "b", PCM: pcm(10), SampleRate: 16000, Channels: 1}); err != nil {
		t.Fatalf("submit b: %v", err)
	}
	waitFor(t, 5*time.Second, "both jobs to complete", func() bool { return sink.len() == 2 })

	results := sink.all()
	if results[0].Job.ID != "a" || transcribe.KindOf(results[0].Err) != transcribe.KindInferenceFailure {
		t.Fatalf("unexpected first result: %+v", results[0])
	}
	if results[1].Job.ID != "b" || results[1].Err != nil {
		t.Fatalf("worker did not recover: %+v", results[1])
	}

	snap := p.Status()
	if snap.Workers[0].State != StateIdle {
		t.Fatalf("worker should be idle after failure, got %s", snap.Workers[0].State)
	}
}

func TestConcurrencyNeverExceedsWorkerCount(t *testing.T) {
	const k = 2
	var inFlight, peak atomic.Int64
	loader := &transcribe.MockLoader{
		TranscribeFunc: func(_ context.Context, _ []byte, _, _ int) (transcribe.Result, error) {
			cur := inFlight.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return transcribe.Result{Text: "ok"}, nil
		},
	}
	sink := &collector{}
	p := startPool(t, Options{Workers: k, Loader: loader, Sink: sink.add})
	defer p.Shutdown(context.Background())

	const n = 20
	for i := 0; i < n; i++ {
		if err := p.Submit(Job{ID: fmt.Sprintf("job-%d", i), PCM: pcm(10), SampleRate: 16000, Channels: 1}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	waitFor(t, 5*time.Second, "all jobs to complete", func() bool { return sink.len() == n })

	if got := peak.Load(); got > k {
		t.Fatalf("observed %d concurrent jobs with %d workers", got, k)
	}
}

func TestBoundedQueueRejectsWhenFull(t *testing.T) {
	gate := make(chan struct{})
	loader := &transcribe.MockLoader{
		TranscribeFunc: func(_ context.Context, _ []byte, _, _ int) (transcribe.Result, error) {
			<-gate
			return transcribe.Result{Text: "ok"}, nil
		},
	}
	sink := &collector{}
	p := startPool(t, Options{Workers: 1, QueueCapacity: 2, Loader: loader, Sink: sink.add})

	if err := p.Submit(Job{ID: "running", PCM: pcm(10), SampleRate: 16000, Channels: 1}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, 5*time.Second, "worker to go busy", func() bool {
		return p.Status().Workers[0].State == StateBusy
	})

	for _, id := range []string{"q1", "q2"} {
		if err := p.Submit(Job{ID: id, PCM: pcm(10), SampleRate: 16000, Channels: 1}); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}
	if err := p.Submit(Job{ID: "rejected", PCM: pcm(10), SampleRate: 16000, Channels: 1}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if depth := p.Status().QueueDepth; depth != 2 {
		t.Fatalf("rejection must not alter the queue, depth = %d", depth)
	}

	close(gate)
	waitFor(t, 5*time.Second, "queued jobs to drain", func() bool { return sink.len() == 3 })
	if _, err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestShutdownIdlePoolReturnsImmediately(t *testing.T) {
	p := startPool(t, Options{Workers: 2, Loader: &transcribe.MockLoader{}})

	start := time.Now()
	unprocessed, err := p.Shutdown(context.Background())
	if err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if unprocessed != 0 {
		t.Fatalf("expected 0 unprocessed, got %d", unprocessed)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("idle shutdown took %v", elapsed)
	}

	if err := p.Submit(Job{ID: "late", PCM: pcm(10), SampleRate: 16000, Channels: 1}); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed after shutdown, got %v", err)
	}
}

func TestShutdownReportsUnprocessedJobs(t *testing.T) {
	gate := make(chan struct{})
	loader := &transcribe.MockLoader{
		TranscribeFunc: func(ctx context.Context, _ []byte, _, _ int) (transcribe.Result, error) {
			select {
			case <-gate:
			case <-ctx.Done():
			}
			return transcribe.Result{Text: "ok"}, nil
		},
	}
	p := startPool(t, Options{Workers: 1, Loader: loader})

	if err := p.Submit(Job{ID: "running", PCM: pcm(10), SampleRate: 16000, Channels: 1}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, 5*time.Second, "worker to go busy", func() bool {
		return p.Status().Workers[0].State == StateBusy
	})
	for i := 0; i < 3; i++ {
		if err := p.Submit(Job{ID: fmt.Sprintf("queued-%d", i), PCM: pcm(10), SampleRate: 16000, Channels: 1}); err != nil {
			t.Fatalf("submit queued-%d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	unprocessed, err := p.Shutdown(ctx)
	if err == nil {
		t.Fatal("expected deadline error from shutdown with a stuck worker")
	}
	if unprocessed != 3 {
		t.Fatalf("expected 3 unprocessed jobs, got %d", unprocessed)
	}
	close(gate)
}

func TestFailedWorkerNeverAssigned(t *testing.T) {
	sink := &collector{}
	loader := &transcribe.MockLoader{
		LoadErr: func(workerID int) error {
			if workerID == 0 {
				return transcribe.NewError(transcribe.KindOutOfMemory, errors.New("device allocation failed"))
			}
			return nil
		},
	}
	p := startPool(t, Options{Workers: 2, Loader: loader, Sink: sink.add})
	defer p.Shutdown(context.Background())

	snap := p.Status()
	if snap.Workers[0].State != StateFailed {
		t.Fatalf("worker 0 should be failed, got %s", snap.Workers[0].State)
	}
	if snap.Workers[1].State != StateIdle {
		t.Fatalf("worker 1 should be idle, got %s", snap.Workers[1].State)
	}

	const n = 12
	for i := 0; i < n; i++ {
		if err := p.Submit(Job{ID: fmt.Sprintf("job-%d", i), PCM: pcm(10), SampleRate: 16000, Channels: 1}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	waitFor(t, 5*time.Second, "all jobs to complete", func() bool { return sink.len() == n })

	for _, r := range sink.all() {
		if r.WorkerID != 1 {
			t.Fatalf("job %s ran on failed worker %d", r.Job.ID, r.WorkerID)
		}
	}
}

func TestStartFailsWhenNoWorkerLoads(t *testing.T) {
	loader := &transcribe.MockLoader{
		LoadErr: func(int) error { return errors.New("no device") },
	}
	p, err := New(Options{Workers: 2, Loader: loader, Logger: newLogger()})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if err := p.Start(context.Background()); err == nil {
		t.Fatal("expected start to fail when every worker load fails")
	}
}

func TestShutdownClosesModelHandles(t *testing.T) {
	loader := &transcribe.MockLoader{}
	p := startPool(t, Options{Workers: 3, Loader: loader})

	if _, err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got := loader.Closed(); got != 3 {
		t.Fatalf("expected 3 handles closed, got %d", got)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	if _, err := New(Options{Workers: 0, Loader: &transcribe.MockLoader{}}); err == nil {
		t.Fatal("expected error for zero workers")
	}
	if _, err := New(Options{Workers: 1}); err == nil {
		t.Fatal("expected error for missing loader")
	}
	if _, err := New(Options{Workers: 1, QueueCapacity: -1, Loader: &transcribe.MockLoader{}}); err == nil {
		t.Fatal("expected error for negative queue capacity")
	}
}
