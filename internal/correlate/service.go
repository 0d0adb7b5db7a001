package correlate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/airbandlabs/airband-core/internal/bus"
	"github.com/airbandlabs/airband-core/internal/config"
	"github.com/airbandlabs/airband-core/internal/protocol"
)

// Service maintains a rolling transmission window per channel and asks the
// correlator for a fresh report whenever a transcript arrives. At most one
// correlation per channel is in flight; transcripts landing mid-flight are
// picked up by the next run.
type Service struct {
	cfg        config.CorrelatorConfig
	log        *slog.Logger
	bus        *bus.Client
	correlator Correlator

	subs []*nats.Subscription

	mu       sync.Mutex
	history  map[string][]Transmission
	inFlight map[string]bool
	contacts []protocol.ADSBContact

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService builds the service in the configured mode. Mode ollama talks to
// a local model server; mode mock fabricates reports.
func NewService(cfg config.CorrelatorConfig, busClient *bus.Client, log *slog.Logger) (*Service, error) {
	var correlator Correlator
	switch cfg.Mode {
	case "ollama":
		correlator = newOllamaCorrelator(cfg)
	case "mock":
		correlator = mockCorrelator{}
	default:
		return nil, fmt.Errorf("unsupported correlator mode %q", cfg.Mode)
	}
	return &Service{
		cfg:        cfg,
		log:        log.With(slog.String("component", "correlator")),
		bus:        busClient,
		correlator: correlator,
		history:    make(map[string][]Transmission),
		inFlight:   make(map[string]bool),
	}, nil
}

// Start subscribes to transcripts and the ADS-B contact feed.
func (s *Service) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	conn := s.bus.Conn()
	trSub, err := conn.Subscribe(protocol.SubjectTranscriptPrefix+".>", func(msg *nats.Msg) {
		s.handleTranscript(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe transcripts: %w", err)
	}
	s.subs = append(s.subs, trSub)

	adsbSub, err := conn.Subscribe(protocol.SubjectADSBContacts, s.handleContacts)
	if err != nil {
		return fmt.Errorf("subscribe adsb contacts: %w", err)
	}
	s.subs = append(s.subs, adsbSub)

	s.log.Info("correlator started", slog.String("mode", s.cfg.Mode), slog.String("model", s.cfg.Model))
	return nil
}

// Close drains subscriptions and waits for in-flight correlations.
func (s *Service) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) handleContacts(msg *nats.Msg) {
	var contacts []protocol.ADSBContact
	if err := json.Unmarshal(msg.Data, &contacts); err != nil {
		s.log.Warn("invalid adsb contact feed", slog.String("error", err.Error()))
		return
	}
	s.mu.Lock()
	s.contacts = contacts
	s.mu.Unlock()
}

func (s *Service) handleTranscript(ctx context.Context, msg *nats.Msg) {
	var tr protocol.Transcript
	if err := json.Unmarshal(msg.Data, &tr); err != nil {
		s.log.Warn("invalid transcript message", slog.String("error", err.Error()))
		return
	}
	if tr.Text == "" {
		return
	}

	s.record(Transmission{Channel: tr.Channel, Frequency: tr.Frequency, Text: tr.Text})

	s.mu.Lock()
	if s.inFlight[tr.Channel] {
		s.mu.Unlock()
		return
	}
	s.inFlight[tr.Channel] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, tr.Channel)
			s.mu.Unlock()
		}()
		s.runCorrelation(ctx, tr.Channel)
	}()
}

// record appends a transmission to its channel window, trimming to the
// configured history length.
func (s *Service) record(tx Transmission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	window := append(s.history[tx.Channel], tx)
	if max := s.cfg.MaxTransmissions; max > 0 && len(window) > max {
		window = window[len(window)-max:]
	}
	s.history[tx.Channel] = window
}

func (s *Service) runCorrelation(ctx context.Context, channel string) {
	s.mu.Lock()
	window := append([]Transmission(nil), s.history[channel]...)
	contacts := append([]protocol.ADSBContact(nil), s.contacts...)
	s.mu.Unlock()

	result, err := s.correlator.Correlate(ctx, contacts, window)
	if err != nil {
		s.log.Warn("correlation failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	out := protocol.CorrelationReport{
		Channel:      channel,
		Correlations: result.Correlations,
		Alerts:       result.Alerts,
		Summary:      result.Summary,
		Timestamp:    now,
	}
	if err := s.bus.PublishJSON(protocol.SubjectCorrelation, out); err != nil {
		s.log.Warn("failed to publish correlation report",
			slog.String("channel", channel),
			slog.String("error", err.Error()))
	}
	for _, alert := range result.Alerts {
		alert.Channel = channel
		if alert.Timestamp.IsZero() {
			alert.Timestamp = now
		}
		if err := s.bus.PublishJSON(protocol.SubjectAlert, alert); err != nil {
			s.log.Warn("failed to publish alert",
				slog.String("type", alert.Type),
				slog.String("error", err.Error()))
		}
	}
}
