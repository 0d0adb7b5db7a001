package protocol

import "time"

// AudioSegment is one recorded transmission published by a channel producer.
type AudioSegment struct {
	Channel    string    `json:"channel"`
	Frequency  string    `json:"frequency"`
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
	PCM        []byte    `json:"pcm"`
	RecordedAt time.Time `json:"recorded_at"`
}

// TranscriptSegment is a timed slice of a transcript.
type TranscriptSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript is the transcription result broadcast on the bus.
type Transcript struct {
	JobID        string              `json:"job_id"`
	Channel      string              `json:"channel"`
	Frequency    string              `json:"frequency"`
	Text         string              `json:"text"`
	Segments     []TranscriptSegment `json:"segments,omitempty"`
	Confidence   float64             `json:"confidence,omitempty"`
	WorkerID     int                 `json:"worker_id"`
	ProcessingMS int64               `json:"processing_ms"`
	Timestamp    time.Time           `json:"timestamp"`
}

// WorkerStatus describes one pool worker in a status snapshot.
type WorkerStatus struct {
	ID        int    `json:"id"`
	State     string `json:"state"`
	Channel   string `json:"channel,omitempty"`
	JobID     string `json:"job_id,omitempty"`
	BusyForMS int64  `json:"busy_for_ms,omitempty"`
}

// PoolStatus is the periodically published pool snapshot.
type PoolStatus struct {
	Workers       []WorkerStatus `json:"workers"`
	QueueDepth    int            `json:"queue_depth"`
	QueueCapacity int            `json:"queue_capacity"`
	Timestamp     time.Time      `json:"timestamp"`
}

// ADSBContact is one radar contact published by an external ADS-B feed.
type ADSBContact struct {
	ICAO     string  `json:"icao"`
	Callsign string  `json:"callsign,omitempty"`
	Altitude int     `json:"altitude"`
	Heading  int     `json:"heading"`
	Speed    int     `json:"speed"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Squawk   string  `json:"squawk,omitempty"`
}

// Correlation is one transmission-to-aircraft match from the correlator.
type Correlation struct {
	TransmissionID  int      `json:"transmission_id"`
	MatchedICAO     string   `json:"matched_icao"`
	MatchedCallsign string   `json:"matched_callsign,omitempty"`
	Confidence      float64  `json:"confidence"`
	Reasoning       string   `json:"reasoning,omitempty"`
	Flags           []string `json:"flags,omitempty"`
}

// Alert is an operator-facing finding raised during analysis.
type Alert struct {
	Type      string    `json:"type"`
	Details   string    `json:"details"`
	Severity  string    `json:"severity"`
	Channel   string    `json:"channel,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CorrelationReport is the full correlator output for one channel.
type CorrelationReport struct {
	Channel      string        `json:"channel"`
	Correlations []Correlation `json:"correlations,omitempty"`
	Alerts       []Alert       `json:"alerts,omitempty"`
	Summary      string        `json:"summary,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

const (
	SubjectAudioSegmentPrefix = "audio.segment"
	SubjectTranscriptPrefix   = "transcript.final"
	SubjectPoolStatus         = "ctrl.pool.status"
	SubjectADSBContacts       = "adsb.contacts"
	SubjectCorrelation        = "analysis.correlation"
	SubjectAlert              = "analysis.alert"
)
