package transcribe

import (
	"context"
	"errors"
	"testing"

	"github.com/airbandlabs/airband-core/internal/config"
)

func defaultTranscriberConfig() config.TranscriberConfig {
	return config.Default().Transcriber
}

func TestMockLoaderProducesTranscript(t *testing.T) {
	loader := &MockLoader{}
	handle, err := loader.Load(context.Background(), 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer handle.Close()

	pcm := make([]byte, 32000) // one second at 16 kHz mono
	res, err := handle.Transcribe(context.Background(), pcm, 16000, 1)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text == "" {
		t.Fatal("expected non-empty transcript")
	}
	if len(res.Segments) != 1 || res.Segments[0].End != 1.0 {
		t.Fatalf("unexpected segments: %+v", res.Segments)
	}
}

func TestMockLoaderLoadFailure(t *testing.T) {
	boom := errors.New("no device")
	loader := &MockLoader{LoadErr: func(workerID int) error {
		if workerID == 1 {
			return boom
		}
		return nil
	}}

	if _, err := loader.Load(context.Background(), 0); err != nil {
		t.Fatalf("worker 0 should load: %v", err)
	}
	if _, err := loader.Load(context.Background(), 1); !errors.Is(err, boom) {
		t.Fatalf("expected load failure for worker 1, got %v", err)
	}
}

func TestMockRejectsInvalidPCM(t *testing.T) {
	loader := &MockLoader{}
	handle, _ := loader.Load(context.Background(), 0)

	for _, pcm := range [][]byte{nil, {0x01}} {
		_, err := handle.Transcribe(context.Background(), pcm, 16000, 1)
		if KindOf(err) != KindInvalidInput {
			t.Fatalf("expected invalid input for %d bytes, got %v", len(pcm), err)
		}
	}
}

func TestKindOf(t *testing.T) {
	oom := NewError(KindOutOfMemory, errors.New("CUDA error: out of memory"))
	if KindOf(oom) != KindOutOfMemory {
		t.Fatal("expected out_of_memory kind")
	}
	wrapped := errors.Join(errors.New("context"), oom)
	if KindOf(wrapped) != KindOutOfMemory {
		t.Fatal("kind should survive wrapping")
	}
	if KindOf(errors.New("plain")) != KindInferenceFailure {
		t.Fatal("unclassified errors default to inference_failure")
	}
}

func TestClassifyExecFailure(t *testing.T) {
	base := errors.New("exit status 1")
	if KindOf(classifyExecFailure(base, "CUDA error: out of memory on device 0")) != KindOutOfMemory {
		t.Fatal("expected OOM classification")
	}
	if KindOf(classifyExecFailure(base, "segment decode failed")) != KindInferenceFailure {
		t.Fatal("expected inference failure classification")
	}
}

func TestNewExecLoaderRejectsBadCommand(t *testing.T) {
	cfg := defaultTranscriberConfig()
	cfg.Command = ""
	if _, err := NewExecLoader(cfg, "cpu"); err == nil {
		t.Fatal("expected error for empty command")
	}

	cfg.Command = `whisper-cli "unterminated`
	if _, err := NewExecLoader(cfg, "cpu"); err == nil {
		t.Fatal("expected parse error for unterminated quote")
	}
}

func TestExecHandleValidatesInput(t *testing.T) {
	cfg := defaultTranscriberConfig()
	cfg.Command = "whisper-cli"
	loader, err := NewExecLoader(cfg, "cpu")
	if err != nil {
		t.Fatalf("new exec loader: %v", err)
	}
	handle, err := loader.Load(context.Background(), 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if _, err := handle.Transcribe(context.Background(), nil, 16000, 1); KindOf(err) != KindInvalidInput {
		t.Fatalf("expected invalid input for empty pcm, got %v", err)
	}
	if _, err := handle.Transcribe(context.Background(), []byte{1, 2}, 0, 1); KindOf(err) != KindInvalidInput {
		t.Fatalf("expected invalid input for zero sample rate, got %v", err)
	}
}
