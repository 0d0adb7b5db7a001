package transcribe

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"

	"github.com/airbandlabs/airband-core/internal/config"
	"github.com/airbandlabs/airband-core/internal/gpu"
)

// ExecLoader shells out to an external transcriber process per inference
// call. The command is parsed once; each handle appends per-call flags.
type ExecLoader struct {
	cmd       []string
	cfg       config.TranscriberConfig
	device    string
	precision string
}

type execHandle struct {
	loader   *ExecLoader
	workerID int
}

type execResponse struct {
	Text       string    `json:"text"`
	Segments   []Segment `json:"segments"`
	Confidence float64   `json:"confidence"`
}

// NewExecLoader parses the configured command line and resolves the device
// and compute flags for the selected backend.
func NewExecLoader(cfg config.TranscriberConfig, backend gpu.Backend) (*ExecLoader, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse transcriber command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("transcriber command is empty")
	}
	return &ExecLoader{
		cmd:       args,
		cfg:       cfg,
		device:    string(backend),
		precision: gpu.ComputePrecision(cfg, backend),
	}, nil
}

// Load returns a handle bound to workerID. The external process loads its
// model per invocation, so load itself cannot exhaust device memory; OOM
// surfaces on the first Transcribe instead.
func (l *ExecLoader) Load(_ context.Context, workerID int) (Handle, error) {
	return &execHandle{loader: l, workerID: workerID}, nil
}

func (h *execHandle) Transcribe(ctx context.Context, pcm []byte, sampleRate, channels int) (Result, error) {
	if len(pcm) == 0 {
		return Result{}, NewError(KindInvalidInput, fmt.Errorf("empty pcm payload"))
	}
	if len(pcm)%2 != 0 {
		return Result{}, NewError(KindInvalidInput, fmt.Errorf("pcm payload not 16-bit aligned"))
	}
	if sampleRate <= 0 || channels <= 0 {
		return Result{}, NewError(KindInvalidInput, fmt.Errorf("invalid audio format: %d Hz, %d channels", sampleRate, channels))
	}

	file, err := os.CreateTemp(os.TempDir(), "airband_stt_*.wav")
	if err != nil {
		return Result{}, NewError(KindInferenceFailure, fmt.Errorf("temp file: %w", err))
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, sampleRate, channels); err != nil {
		return Result{}, NewError(KindInvalidInput, err)
	}

	cfg := h.loader.cfg
	args := append([]string{}, h.loader.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if cfg.ModelPath != "" {
		args = append(args, "--model", cfg.ModelPath)
	} else {
		args = append(args, "--model-size", cfg.ModelSize)
	}
	if cfg.Language != "" {
		args = append(args, "--language", cfg.Language)
	}
	args = append(args, "--device", h.loader.device, "--compute", h.loader.precision)

	command := exec.CommandContext(ctx, h.loader.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return Result{}, classifyExecFailure(err, stderr.String())
	}

	var resp execResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, NewError(KindInferenceFailure, fmt.Errorf("decode transcriber response: %w", err))
	}
	return Result{Text: resp.Text, Segments: resp.Segments, Confidence: resp.Confidence}, nil
}

func (h *execHandle) Close() error { return nil }

// classifyExecFailure maps a process failure onto an error kind by scanning
// stderr for the allocator signatures the CUDA and DirectML runtimes emit.
func classifyExecFailure(err error, stderr string) error {
	lowered := strings.ToLower(stderr)
	if strings.Contains(lowered, "out of memory") ||
		strings.Contains(lowered, "cuda error") ||
		strings.Contains(lowered, "cublas") ||
		strings.Contains(lowered, "hip error") {
		return NewError(KindOutOfMemory, fmt.Errorf("transcriber command failed: %w: %s", err, strings.TrimSpace(stderr)))
	}
	return NewError(KindInferenceFailure, fmt.Errorf("transcriber command failed: %w: %s", err, strings.TrimSpace(stderr)))
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate, channels int) error {
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
