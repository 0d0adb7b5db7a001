// Package service discovers analyzer plugins on disk and runs them against
// bus events. Each event gets a fresh module instance so plugin state never
// leaks between transmissions; a semaphore bounds concurrent instantiations.
package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/airbandlabs/airband-core/internal/bus"
	"github.com/airbandlabs/airband-core/internal/config"
	manifestpkg "github.com/airbandlabs/airband-core/internal/plugins/manifest"
	pluginrt "github.com/airbandlabs/airband-core/internal/plugins/runtime"
)

// Service manages lifecycle and execution of WASM analyzer plugins.
type Service struct {
	cfg    config.PluginsConfig
	log    *slog.Logger
	bus    *bus.Client
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sema   chan struct{}

	mu      sync.RWMutex
	plugins map[string]*binding
	subs    []*nats.Subscription

	healthy bool
}

type binding struct {
	manifest      manifestpkg.Manifest
	manifestPath  string
	modulePath    string
	directory     string
	publishSet    map[string]struct{}
	subscribeList []string
	permissions   map[string]struct{}
}

// New creates the plugin service. When cfg.Enabled is false, nil is returned.
func New(ctx context.Context, cfg config.PluginsConfig, busClient *bus.Client, logger *slog.Logger) (*Service, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if busClient == nil {
		return nil, errors.New("plugin service requires bus client")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	cctx, cancel := context.WithCancel(ctx)
	svc := &Service{
		cfg:     cfg,
		log:     logger.With(slog.String("component", "plugins")),
		bus:     busClient,
		ctx:     cctx,
		cancel:  cancel,
		sema:    make(chan struct{}, cfg.Concurrency),
		plugins: make(map[string]*binding),
	}
	if err := svc.loadPlugins(); err != nil {
		cancel()
		return nil, err
	}
	if err := svc.registerSubscriptions(); err != nil {
		svc.Close()
		return nil, err
	}
	svc.healthy = true
	return svc, nil
}

// Close terminates subscriptions and waits for in-flight executions.
func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	for _, sub := range s.subs {
		if sub != nil {
			_ = sub.Drain()
		}
	}
	s.subs = nil
	s.mu.Unlock()
	s.wg.Wait()
}

// Healthy reports whether the service is running with active subscriptions.
func (s *Service) Healthy() bool {
	return s != nil && s.healthy
}

func (s *Service) loadPlugins() error {
	root := s.cfg.Directory
	if root == "" {
		return errors.New("plugin directory not configured")
	}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.EqualFold(d.Name(), "plugin.yaml") {
			if err := s.addPlugin(path); err != nil {
				s.log.Error("failed to load plugin",
					slog.String("path", path),
					slog.String("error", err.Error()))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(s.plugins) == 0 {
		s.log.Warn("no plugins discovered", slog.String("directory", root))
	} else {
		s.log.Info("plugins discovered", slog.Int("count", len(s.plugins)))
	}
	return nil
}

func (s *Service) addPlugin(manifestPath string) error {
	mf, err := manifestpkg.Load(manifestPath)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}
	if err := manifestpkg.Validate(mf); err != nil {
		return fmt.Errorf("validate manifest: %w", err)
	}
	name := mf.Metadata.Name
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.plugins[name]; exists {
		return fmt.Errorf("duplicate plugin name %s", name)
	}

	baseDir := filepath.Dir(manifestPath)
	modulePath := mf.Runtime.Module
	if !filepath.IsAbs(modulePath) {
		modulePath = filepath.Join(baseDir, modulePath)
	}

	publishSet := make(map[string]struct{}, len(mf.Capabilities.Bus.Publish))
	for _, subj := range mf.Capabilities.Bus.Publish {
		publishSet[subj] = struct{}{}
	}
	permSet := make(map[string]struct{}, len(mf.Permissions))
	for _, perm := range mf.Permissions {
		permSet[perm] = struct{}{}
	}

	s.plugins[name] = &binding{
		manifest:      mf,
		manifestPath:  manifestPath,
		modulePath:    modulePath,
		directory:     baseDir,
		publishSet:    publishSet,
		subscribeList: append([]string(nil), mf.Capabilities.Bus.Subscribe...),
		permissions:   permSet,
	}
	return nil
}

func (s *Service) registerSubscriptions() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, binding := range s.plugins {
		for _, subject := range binding.subscribeList {
			handler := s.makeHandler(binding)
			sub, err := s.bus.Conn().Subscribe(subject, handler)
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", subject, err)
			}
			s.subs = append(s.subs, sub)
			s.log.Info("plugin subscribed",
				slog.String("plugin", binding.manifest.Metadata.Name),
				slog.String("subject", subject))
		}
	}
	return nil
}

func (s *Service) makeHandler(binding *binding) nats.MsgHandler {
	return func(msg *nats.Msg) {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.sema <- struct{}{}
			defer func() { <-s.sema }()
			if err := s.invoke(binding, msg); err != nil {
				s.log.Error("plugin invocation failed",
					slog.String("plugin", binding.manifest.Metadata.Name),
					slog.String("subject", msg.Subject),
					slog.String("error", err.Error()))
			}
		}()
	}
}

func (s *Service) invoke(binding *binding, msg *nats.Msg) error {
	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	invocationID := uuid.NewString()
	env := map[string]string{
		"AIRBAND_PLUGIN_NAME":      binding.manifest.Metadata.Name,
		"AIRBAND_EVENT_SUBJECT":    msg.Subject,
		"AIRBAND_EVENT_PAYLOAD":    string(msg.Data),
		"AIRBAND_INVOCATION_ID":    invocationID,
		"AIRBAND_PLUGIN_DIRECTORY": binding.directory,
	}

	hostLogger := s.log.With(
		slog.String("plugin", binding.manifest.Metadata.Name),
		slog.String("invocation_id", invocationID),
	)

	hostBindings := pluginrt.HostBindings{
		Logger: hostLogger,
		AllowPublish: func(subject string) error {
			if _, ok := binding.permissions["bus:publish"]; !ok {
				return fmt.Errorf("missing permission bus:publish")
			}
			if _, ok := binding.publishSet[subject]; !ok {
				return fmt.Errorf("subject %s not declared in manifest", subject)
			}
			return nil
		},
		Publish: func(subject string, payload []byte) error {
			return s.bus.Conn().Publish(subject, payload)
		},
	}

	runtime, err := pluginrt.New(ctx, hostBindings)
	if err != nil {
		return fmt.Errorf("init runtime: %w", err)
	}
	defer runtime.Close(ctx)

	mf := binding.manifest
	mf.Runtime.Module = binding.modulePath

	plugin, err := runtime.Load(ctx, mf, env)
	if err != nil {
		return fmt.Errorf("load plugin: %w", err)
	}
	defer plugin.Close(ctx)

	start := time.Now()
	if err := plugin.Invoke(ctx); err != nil {
		return err
	}
	hostLogger.Debug("plugin invocation complete",
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	return nil
}
