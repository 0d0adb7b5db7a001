// airband-advisor probes the local GPU and prints worker-count
// recommendations per model size, plus quality/balanced/throughput presets.
// The figures are advisory; the daemon never enforces them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/airbandlabs/airband-core/internal/config"
	"github.com/airbandlabs/airband-core/internal/gpu"
	"github.com/airbandlabs/airband-core/internal/sizing"
)

func main() {
	var (
		vramGB      float64
		backendFlag string
	)

	flag.Float64Var(&vramGB, "vram", 0, "Override detected VRAM in GB (0 = probe)")
	flag.StringVar(&backendFlag, "backend", "", "Override backend: cuda, directml, cpu (default: probe)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg := config.Default().Transcriber

	backend := gpu.Backend(backendFlag)
	if backendFlag == "" || vramGB == 0 {
		detector := gpu.NewDetector(cfg, logger)
		caps := detector.Detect(context.Background())
		if backendFlag == "" {
			backend = caps.Recommended
		}
		if vramGB == 0 {
			vramGB = caps.VRAMGB
		}
		if caps.DeviceName != "" {
			fmt.Printf("Detected: %s (%.1f GB VRAM)\n", caps.DeviceName, caps.VRAMGB)
		}
	}

	switch backend {
	case gpu.BackendCUDA, gpu.BackendDirectML, gpu.BackendCPU:
	default:
		fmt.Fprintf(os.Stderr, "unknown backend %q\n", backendFlag)
		os.Exit(2)
	}

	if vramGB <= 0 {
		fmt.Println("No GPU VRAM detected. Use --vram to size for a specific card,")
		fmt.Println("or run the daemon on CPU with 1-2 workers and the tiny or base model.")
		return
	}

	fmt.Printf("Sizing for %.1f GB VRAM on %s\n\n", vramGB, backend)

	plan := sizing.Plan(vramGB, backend)
	if len(plan) == 0 {
		fmt.Println("Not enough VRAM for any model; run on CPU with the tiny model.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tWORKERS\tVRAM/WORKER\tVRAM USED")
	for _, rec := range plan {
		fmt.Fprintf(w, "%s\t%d\t%.1f GB\t%.1f GB\n",
			rec.Model, rec.Workers, rec.PerWorkerVRAM, rec.VRAMUsed)
	}
	w.Flush()

	fmt.Println("\nPresets:")
	if rec, ok := sizing.Quality(vramGB, backend); ok {
		fmt.Printf("  quality:    %d x %s (best accuracy)\n", rec.Workers, rec.Model)
	}
	if rec, ok := sizing.Balanced(vramGB, backend); ok {
		fmt.Printf("  balanced:   %d x %s (accuracy vs. parallelism)\n", rec.Workers, rec.Model)
	}
	if rec, ok := sizing.Throughput(vramGB, backend); ok {
		fmt.Printf("  throughput: %d x %s (max parallel channels)\n", rec.Workers, rec.Model)
	}
}
