// Package transcribe defines the model-handle abstraction the worker pool
// drives. A Loader produces one Handle per worker so each worker owns an
// isolated model instance; handles are never shared across goroutines.
package transcribe

import "context"

// Segment is a timed slice of a transcription result.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Result is the output of a single inference call.
type Result struct {
	Text       string    `json:"text"`
	Segments   []Segment `json:"segments,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
}

// Handle is a loaded model owned by exactly one worker. Transcribe blocks
// until inference completes; in-flight calls are not preemptible, callers
// that need a bound on shutdown wait for the worker instead of cancelling.
type Handle interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate, channels int) (Result, error)
	Close() error
}

// Loader creates model handles. Load is called once per worker at pool
// startup; a failed load marks that worker Failed without tearing down
// its siblings.
type Loader interface {
	Load(ctx context.Context, workerID int) (Handle, error)
}
