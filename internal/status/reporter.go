// Package status periodically publishes the pool snapshot on the bus and
// renders it for the polled HTTP status endpoint.
package status

import (
	"context"
	"log/slog"
	"time"

	"github.com/airbandlabs/airband-core/internal/bus"
	"github.com/airbandlabs/airband-core/internal/config"
	"github.com/airbandlabs/airband-core/internal/pool"
	"github.com/airbandlabs/airband-core/internal/protocol"
)

// Reporter translates pool snapshots into wire-format status messages.
type Reporter struct {
	cfg    config.StatusConfig
	log    *slog.Logger
	bus    *bus.Client
	pool   *pool.Pool
	ticker *time.Ticker
	cancel context.CancelFunc

	clock func() time.Time
}

// NewReporter starts the periodic publisher.
func NewReporter(ctx context.Context, cfg config.StatusConfig, busClient *bus.Client, p *pool.Pool, log *slog.Logger) *Reporter {
	ctx, cancel := context.WithCancel(ctx)
	r := &Reporter{
		cfg:    cfg,
		log:    log.With(slog.String("component", "status-reporter")),
		bus:    busClient,
		pool:   p,
		cancel: cancel,
		clock:  time.Now,
	}
	r.ticker = time.NewTicker(time.Duration(cfg.PublishIntervalMS) * time.Millisecond)
	go r.run(ctx)
	return r
}

// Close stops the publisher.
func (r *Reporter) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.ticker != nil {
		r.ticker.Stop()
	}
}

func (r *Reporter) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.ticker.C:
			if err := r.publish(); err != nil {
				r.log.Warn("failed to publish pool status", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Reporter) publish() error {
	return r.bus.PublishJSON(protocol.SubjectPoolStatus, r.Snapshot())
}

// Snapshot converts the pool's view into the wire format.
func (r *Reporter) Snapshot() protocol.PoolStatus {
	snap := r.pool.Status()
	out := protocol.PoolStatus{
		QueueDepth:    snap.QueueDepth,
		QueueCapacity: snap.QueueCapacity,
		Timestamp:     r.clock().UTC(),
	}
	for _, w := range snap.Workers {
		out.Workers = append(out.Workers, protocol.WorkerStatus{
			ID:        w.ID,
			State:     string(w.State),
			Channel:   w.Channel,
			JobID:     w.JobID,
			BusyForMS: w.BusyFor.Milliseconds(),
		})
	}
	return out
}
