package gpu

import (
	"context"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/airbandlabs/airband-core/internal/config"
)

// Backend identifies the inference device family a model is loaded against.
type Backend string

const (
	BackendCPU      Backend = "cpu"
	BackendCUDA     Backend = "cuda"
	BackendDirectML Backend = "directml"
)

// Capabilities is the result of the one-shot hardware probe performed at
// startup. It is never refreshed mid-run.
type Capabilities struct {
	CUDAAvailable     bool
	CUDADevices       int
	NVIDIAGPUDetected bool
	DirectMLAvailable bool
	AMDGPUDetected    bool
	DeviceName        string
	VRAMGB            float64
	Recommended       Backend
}

// Detector probes local GPU hardware by shelling out to vendor tooling.
type Detector struct {
	cfg config.TranscriberConfig
	log *slog.Logger

	// runCommand is swapped in tests.
	runCommand func(ctx context.Context, name string, args ...string) (string, error)
}

func NewDetector(cfg config.TranscriberConfig, log *slog.Logger) *Detector {
	return &Detector{
		cfg:        cfg,
		log:        log.With(slog.String("component", "gpu-detector")),
		runCommand: runCommand,
	}
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	return string(out), err
}

// Detect probes CUDA and DirectML availability and picks a recommended
// backend. Failures degrade to CPU rather than erroring.
func (d *Detector) Detect(ctx context.Context) Capabilities {
	caps := Capabilities{Recommended: BackendCPU}

	d.probeCUDA(ctx, &caps)
	if d.cfg.DirectMLEnabled {
		d.probeDirectML(ctx, &caps)
	}

	switch {
	case caps.CUDAAvailable && caps.DirectMLAvailable:
		if caps.AMDGPUDetected && d.cfg.PreferAMDGPU {
			caps.Recommended = BackendDirectML
		} else {
			caps.Recommended = BackendCUDA
		}
	case caps.CUDAAvailable:
		caps.Recommended = BackendCUDA
	case caps.DirectMLAvailable:
		caps.Recommended = BackendDirectML
	}

	return caps
}

func (d *Detector) probeCUDA(ctx context.Context, caps *Capabilities) {
	out, err := d.runCommand(ctx, "nvidia-smi", "--query-gpu=name,memory.total", "--format=csv,noheader,nounits")
	if err != nil {
		return
	}
	lines := nonEmptyLines(out)
	if len(lines) == 0 {
		return
	}
	caps.CUDAAvailable = true
	caps.NVIDIAGPUDetected = true
	caps.CUDADevices = len(lines)

	fields := strings.SplitN(lines[0], ",", 2)
	caps.DeviceName = strings.TrimSpace(fields[0])
	if len(fields) == 2 {
		if mb, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64); err == nil {
			caps.VRAMGB = mb / 1024
		}
	}
	d.log.Info("CUDA device detected",
		slog.String("device", caps.DeviceName),
		slog.Int("count", caps.CUDADevices),
		slog.Float64("vram_gb", caps.VRAMGB))
}

// probeDirectML only ever reports availability on Windows, where the DirectML
// runtime lives. Detection mirrors the vendor-string check used by the AMD
// tooling: any adapter naming AMD or Radeon counts.
func (d *Detector) probeDirectML(ctx context.Context, caps *Capabilities) {
	if runtime.GOOS != "windows" {
		return
	}
	out, err := d.runCommand(ctx, "wmic", "path", "win32_VideoController", "get", "name")
	if err != nil {
		out, err = d.runCommand(ctx, "powershell", "-Command",
			"Get-WmiObject -Class Win32_VideoController | Select-Object Name")
		if err != nil {
			return
		}
	}
	if strings.Contains(out, "AMD") || strings.Contains(out, "Radeon") {
		caps.AMDGPUDetected = true
		caps.DirectMLAvailable = true
		if caps.DeviceName == "" {
			caps.DeviceName = amdAdapterName(out)
		}
		d.log.Info("DirectML adapter detected", slog.String("device", caps.DeviceName))
	}
}

func amdAdapterName(out string) string {
	for _, line := range nonEmptyLines(out) {
		if strings.Contains(line, "AMD") || strings.Contains(line, "Radeon") {
			return line
		}
	}
	return ""
}

func nonEmptyLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines
}

// Select resolves the configured backend against detected capabilities.
// An explicitly requested but unavailable backend falls back to CPU with a
// warning; misconfiguration then surfaces as Failed workers at startup, not
// as a hard error here.
func Select(cfg config.TranscriberConfig, caps Capabilities, log *slog.Logger) Backend {
	if !cfg.EnableGPU {
		return BackendCPU
	}
	switch cfg.GPUBackend {
	case "auto":
		return caps.Recommended
	case "cuda":
		if caps.CUDAAvailable {
			return BackendCUDA
		}
		log.Warn("CUDA requested but not available, falling back to CPU")
	case "directml":
		if caps.DirectMLAvailable {
			return BackendDirectML
		}
		log.Warn("DirectML requested but not available, falling back to CPU")
	}
	return BackendCPU
}

// ComputePrecision resolves the compute type for a backend. CUDA handles
// float16 well; DirectML and CPU do better with int8.
func ComputePrecision(cfg config.TranscriberConfig, backend Backend) string {
	if cfg.ComputePrecision != "" && cfg.ComputePrecision != "auto" {
		return cfg.ComputePrecision
	}
	if backend == BackendCUDA {
		return "float16"
	}
	return "int8"
}
