package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Transcriber.ModelSize != "medium" {
		t.Fatalf("expected default model size medium, got %q", cfg.Transcriber.ModelSize)
	}
	if cfg.Transcriber.NumWorkers != 2 {
		t.Fatalf("expected default worker count 2, got %d", cfg.Transcriber.NumWorkers)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AIRBAND_TRANSCRIBER_MODEL_SIZE", "small")
	t.Setenv("AIRBAND_TRANSCRIBER_NUM_WORKERS", "5")
	t.Setenv("AIRBAND_TRANSCRIBER_QUEUE_CAPACITY", "128")
	t.Setenv("AIRBAND_TRANSCRIBER_GPU_BACKEND", "cuda")
	t.Setenv("AIRBAND_TRANSCRIBER_COMPUTE_PRECISION", "float16")
	t.Setenv("AIRBAND_TRANSCRIBER_PREFER_AMD_GPU", "true")
	t.Setenv("AIRBAND_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("AIRBAND_TRANSCRIPT_STORE_PATH", "./tmp.db")
	t.Setenv("AIRBAND_TRANSCRIPT_STORE_RETENTION_DAYS", "7")
	t.Setenv("AIRBAND_CORRELATOR_ENABLED", "true")
	t.Setenv("AIRBAND_CORRELATOR_MODE", "ollama")
	t.Setenv("AIRBAND_CORRELATOR_TEMPERATURE", "0.5")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Transcriber.ModelSize != "small" {
		t.Fatalf("expected model size override, got %q", cfg.Transcriber.ModelSize)
	}
	if cfg.Transcriber.NumWorkers != 5 {
		t.Fatalf("expected worker override 5, got %d", cfg.Transcriber.NumWorkers)
	}
	if cfg.Transcriber.QueueCapacity != 128 {
		t.Fatalf("expected queue capacity 128, got %d", cfg.Transcriber.QueueCapacity)
	}
	if cfg.Transcriber.GPUBackend != "cuda" {
		t.Fatalf("expected backend override cuda, got %q", cfg.Transcriber.GPUBackend)
	}
	if cfg.Transcriber.ComputePrecision != "float16" {
		t.Fatalf("expected precision override float16")
	}
	if !cfg.Transcriber.PreferAMDGPU {
		t.Fatal("expected prefer_amd_gpu override true")
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.TranscriptStore.Path != "./tmp.db" {
		t.Fatalf("expected transcript store path override")
	}
	if cfg.TranscriptStore.RetentionDays != 7 {
		t.Fatalf("expected retention days override")
	}
	if !cfg.Correlator.Enabled || cfg.Correlator.Mode != "ollama" {
		t.Fatalf("expected correlator overrides, got %+v", cfg.Correlator)
	}
	if cfg.Correlator.Temperature != 0.5 {
		t.Fatalf("expected temperature override 0.5, got %v", cfg.Correlator.Temperature)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("AIRBAND_TRANSCRIBER_MODEL_SIZE", "enormous")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unknown model size")
	}

	t.Setenv("AIRBAND_TRANSCRIBER_MODEL_SIZE", "base")
	t.Setenv("AIRBAND_TRANSCRIBER_GPU_BACKEND", "opencl")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unknown gpu backend")
	}

	t.Setenv("AIRBAND_TRANSCRIBER_GPU_BACKEND", "auto")
	t.Setenv("AIRBAND_TRANSCRIBER_MODE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for exec mode without command")
	}
}
