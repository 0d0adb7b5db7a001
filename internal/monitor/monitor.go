// Package monitor consumes audio segments off the bus, feeds the worker
// pool, and fans completed transcripts back out: publish, persist, and roll
// up per-channel statistics.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/airbandlabs/airband-core/internal/atc"
	"github.com/airbandlabs/airband-core/internal/bus"
	"github.com/airbandlabs/airband-core/internal/config"
	"github.com/airbandlabs/airband-core/internal/pool"
	"github.com/airbandlabs/airband-core/internal/protocol"
	"github.com/airbandlabs/airband-core/internal/transcribe"
	"github.com/airbandlabs/airband-core/internal/transcriptstore"
)

// ChannelStats is the per-channel rollup surfaced by the status endpoint.
type ChannelStats struct {
	Channel       string    `json:"channel"`
	Transmissions int       `json:"transmissions"`
	Failures      int       `json:"failures"`
	Dropped       int       `json:"dropped"`
	Callsigns     []string  `json:"callsigns,omitempty"`
	LastText      string    `json:"last_text,omitempty"`
	LastAt        time.Time `json:"last_at,omitempty"`
}

type channelState struct {
	transmissions int
	failures      int
	dropped       int
	callsigns     map[string]struct{}
	lastText      string
	lastAt        time.Time
}

// Service routes audio segments into the pool and transcripts back out.
type Service struct {
	cfg   config.Config
	log   *slog.Logger
	bus   *bus.Client
	store *transcriptstore.Store
	pool  *pool.Pool

	sub *nats.Subscription

	frequencies map[string]string

	mu    sync.Mutex
	stats map[string]*channelState

	clock func() time.Time
}

// New constructs the service. HandleResult is usable immediately so the
// pool can be built with it as sink before Start attaches the pool.
func New(cfg config.Config, busClient *bus.Client, store *transcriptstore.Store, log *slog.Logger) *Service {
	frequencies := make(map[string]string, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		frequencies[ch.Name] = ch.Frequency
	}
	return &Service{
		cfg:         cfg,
		log:         log.With(slog.String("component", "monitor")),
		bus:         busClient,
		store:       store,
		frequencies: frequencies,
		stats:       make(map[string]*channelState),
		clock:       time.Now,
	}
}

// Start attaches the pool and subscribes to audio segments.
func (s *Service) Start(ctx context.Context, p *pool.Pool) error {
	s.pool = p
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectAudioSegmentPrefix+".>", s.handleSegment)
	if err != nil {
		return fmt.Errorf("subscribe audio segments: %w", err)
	}
	s.sub = sub
	s.log.Info("monitor started", slog.Int("channels", len(s.cfg.Channels)))
	return nil
}

// Close drains the audio subscription. The pool is shut down by the runtime.
func (s *Service) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
}

func (s *Service) handleSegment(msg *nats.Msg) {
	var seg protocol.AudioSegment
	if err := json.Unmarshal(msg.Data, &seg); err != nil {
		s.log.Warn("invalid audio segment", slog.String("error", err.Error()))
		return
	}
	if seg.Channel == "" {
		seg.Channel = strings.TrimPrefix(msg.Subject, protocol.SubjectAudioSegmentPrefix+".")
	}
	if seg.SampleRate == 0 {
		seg.SampleRate = s.cfg.Transcriber.SampleRate
	}
	if seg.Channels == 0 {
		seg.Channels = s.cfg.Transcriber.Channels
	}
	if seg.Frequency == "" {
		seg.Frequency = s.frequencies[seg.Channel]
	}

	job := pool.Job{
		ID:         uuid.NewString(),
		Channel:    seg.Channel,
		Frequency:  seg.Frequency,
		PCM:        seg.PCM,
		SampleRate: seg.SampleRate,
		Channels:   seg.Channels,
		EnqueuedAt: s.clock(),
	}
	if err := s.pool.Submit(job); err != nil {
		if errors.Is(err, pool.ErrQueueFull) {
			s.markDropped(seg.Channel)
			s.log.Warn("dropping segment, queue full",
				slog.String("channel", seg.Channel),
				slog.String("job_id", job.ID))
			return
		}
		s.log.Error("failed to submit segment",
			slog.String("channel", seg.Channel),
			slog.String("error", err.Error()))
	}
}

// HandleResult is the pool sink; it is called from worker goroutines.
func (s *Service) HandleResult(r pool.JobResult) {
	if r.Err != nil {
		s.markFailure(r.Job.Channel)
		return
	}

	tr := protocol.Transcript{
		JobID:        r.Job.ID,
		Channel:      r.Job.Channel,
		Frequency:    r.Job.Frequency,
		Text:         r.Result.Text,
		Segments:     toProtocolSegments(r.Result.Segments),
		Confidence:   r.Result.Confidence,
		WorkerID:     r.WorkerID,
		ProcessingMS: r.ProcessingTime.Milliseconds(),
		Timestamp:    s.clock().UTC(),
	}

	if s.bus != nil {
		subject := fmt.Sprintf("%s.%s", protocol.SubjectTranscriptPrefix, tr.Channel)
		if err := s.bus.PublishJSON(subject, tr); err != nil {
			s.log.Warn("failed to publish transcript",
				slog.String("channel", tr.Channel),
				slog.String("error", err.Error()))
		}
	}
	if s.store != nil {
		if err := s.store.Append(context.Background(), tr); err != nil {
			s.log.Warn("failed to persist transcript",
				slog.String("job_id", tr.JobID),
				slog.String("error", err.Error()))
		}
	}

	s.recordTranscript(tr)
}

func (s *Service) recordTranscript(tr protocol.Transcript) {
	info := atc.Extract(tr.Text)

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.channelLocked(tr.Channel)
	st.transmissions++
	st.lastText = tr.Text
	st.lastAt = tr.Timestamp
	for _, cs := range info.Callsigns {
		st.callsigns[cs] = struct{}{}
	}
}

func (s *Service) markFailure(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelLocked(channel).failures++
}

func (s *Service) markDropped(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelLocked(channel).dropped++
}

func (s *Service) channelLocked(channel string) *channelState {
	st, ok := s.stats[channel]
	if !ok {
		st = &channelState{callsigns: make(map[string]struct{})}
		s.stats[channel] = st
	}
	return st
}

// Stats returns a snapshot of per-channel rollups, sorted by channel name.
func (s *Service) Stats() []ChannelStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ChannelStats
	for name, st := range s.stats {
		cs := ChannelStats{
			Channel:       name,
			Transmissions: st.transmissions,
			Failures:      st.failures,
			Dropped:       st.dropped,
			LastText:      st.lastText,
			LastAt:        st.lastAt,
		}
		for callsign := range st.callsigns {
			cs.Callsigns = append(cs.Callsigns, callsign)
		}
		sort.Strings(cs.Callsigns)
		out = append(out, cs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

func toProtocolSegments(segments []transcribe.Segment) []protocol.TranscriptSegment {
	if len(segments) == 0 {
		return nil
	}
	out := make([]protocol.TranscriptSegment, 0, len(segments))
	for _, seg := range segments {
		out = append(out, protocol.TranscriptSegment{Start: seg.Start, End: seg.End, Text: seg.Text})
	}
	return out
}
