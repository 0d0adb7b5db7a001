// Package runtime wires the daemon together: telemetry, bus, transcript
// store, GPU probe, worker pool, monitor, correlator, status reporter,
// plugin host, and the HTTP surface. Start blocks until the context is
// cancelled, then tears the stack down in reverse order.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/airbandlabs/airband-core/internal/bus"
	"github.com/airbandlabs/airband-core/internal/config"
	"github.com/airbandlabs/airband-core/internal/correlate"
	"github.com/airbandlabs/airband-core/internal/gpu"
	"github.com/airbandlabs/airband-core/internal/monitor"
	"github.com/airbandlabs/airband-core/internal/natsserver"
	pluginsvc "github.com/airbandlabs/airband-core/internal/plugins/service"
	"github.com/airbandlabs/airband-core/internal/pool"
	"github.com/airbandlabs/airband-core/internal/protocol"
	"github.com/airbandlabs/airband-core/internal/sizing"
	"github.com/airbandlabs/airband-core/internal/status"
	"github.com/airbandlabs/airband-core/internal/transcribe"
	"github.com/airbandlabs/airband-core/internal/transcriptstore"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	pool    *pool.Pool
	monitor *monitor.Service
	status  *status.Reporter
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the daemon up and blocks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		busCfg.Servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", busCfg.Port)}
	}
	busClient, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer busClient.Close()

	store, err := transcriptstore.Open(ctx, r.cfg.TranscriptStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open transcript store: %w", err)
	}
	defer store.Close()

	backend := r.selectBackend(ctx)

	loader, err := r.buildLoader(backend)
	if err != nil {
		return fmt.Errorf("failed to build model loader: %w", err)
	}

	r.monitor = monitor.New(r.cfg, busClient, store, r.logger)

	r.pool, err = pool.New(pool.Options{
		Workers:       r.cfg.Transcriber.NumWorkers,
		QueueCapacity: r.cfg.Transcriber.QueueCapacity,
		Loader:        loader,
		Sink:          r.monitor.HandleResult,
		Logger:        r.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build worker pool: %w", err)
	}
	if err := r.pool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	if err := r.monitor.Start(ctx, r.pool); err != nil {
		return fmt.Errorf("failed to start monitor: %w", err)
	}
	defer r.monitor.Close()

	var correlator *correlate.Service
	if r.cfg.Correlator.Enabled {
		correlator, err = correlate.NewService(r.cfg.Correlator, busClient, r.logger)
		if err != nil {
			return fmt.Errorf("failed to build correlator: %w", err)
		}
		if err := correlator.Start(ctx); err != nil {
			return fmt.Errorf("failed to start correlator: %w", err)
		}
		defer correlator.Close()
	}

	plugins, err := pluginsvc.New(ctx, r.cfg.Plugins, busClient, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start plugin host: %w", err)
	}
	if plugins != nil {
		defer plugins.Close()
	}

	r.status = status.NewReporter(ctx, r.cfg.Status, busClient, r.pool, r.logger)
	defer r.status.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/status", r.handleStatus)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.Int("workers", r.cfg.Transcriber.NumWorkers),
		slog.String("model", r.cfg.Transcriber.ModelSize),
		slog.String("backend", string(backend)))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	// Stop intake first so the pool drains nothing new, then give workers
	// the configured window to finish.
	r.monitor.Close()
	poolCtx, cancelPool := context.WithTimeout(context.Background(),
		time.Duration(r.cfg.Transcriber.ShutdownTimeoutMS)*time.Millisecond)
	defer cancelPool()
	unprocessed, err := r.pool.Shutdown(poolCtx)
	if err != nil {
		r.logger.Warn("pool shutdown incomplete",
			slog.Int("unprocessed", unprocessed),
			slog.String("error", err.Error()))
	} else if unprocessed > 0 {
		r.logger.Warn("pool shut down with queued jobs dropped", slog.Int("unprocessed", unprocessed))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// selectBackend probes the hardware once and resolves the configured
// backend, logging a sizing advisory when the configuration looks too hot
// for the detected card.
func (r *Runtime) selectBackend(ctx context.Context) gpu.Backend {
	detector := gpu.NewDetector(r.cfg.Transcriber, r.logger)
	caps := detector.Detect(ctx)
	backend := gpu.Select(r.cfg.Transcriber, caps, r.logger)

	if backend != gpu.BackendCPU && caps.VRAMGB > 0 {
		recommended := sizing.RecommendedWorkers(caps.VRAMGB, r.cfg.Transcriber.ModelSize, backend)
		if r.cfg.Transcriber.NumWorkers > recommended {
			r.logger.Warn("configured workers exceed sizing recommendation",
				slog.Int("configured", r.cfg.Transcriber.NumWorkers),
				slog.Int("recommended", recommended),
				slog.Float64("vram_gb", caps.VRAMGB),
				slog.String("model", r.cfg.Transcriber.ModelSize))
		}
	}
	return backend
}

func (r *Runtime) buildLoader(backend gpu.Backend) (transcribe.Loader, error) {
	switch r.cfg.Transcriber.Mode {
	case "exec":
		return transcribe.NewExecLoader(r.cfg.Transcriber, backend)
	case "mock":
		return &transcribe.MockLoader{}, nil
	default:
		return nil, fmt.Errorf("unsupported transcriber mode %q", r.cfg.Transcriber.Mode)
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type statusPayload struct {
	Pool     protocol.PoolStatus    `json:"pool"`
	Channels []monitor.ChannelStats `json:"channels,omitempty"`
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	payload := statusPayload{
		Pool:     r.status.Snapshot(),
		Channels: r.monitor.Stats(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.logger.Warn("failed to encode status", slog.String("error", err.Error()))
	}
}
