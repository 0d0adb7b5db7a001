// Package sizing holds the advisory worker-count policy. The figures are
// configuration-time guidance only: the pool never measures VRAM at runtime,
// and an oversized configuration surfaces as Failed workers at startup.
package sizing

import (
	"math"

	"github.com/airbandlabs/airband-core/internal/gpu"
)

// Headroom reserved for the system and display, in GB. Small cards get a
// reduced reserve so a single tiny worker remains viable.
const (
	defaultHeadroomGB = 2.0
	reducedHeadroomGB = 1.0
	smallCardCutoffGB = 4.0
)

// perWorkerCUDA is the approximate resident VRAM per loaded model, CUDA or
// CPU-hosted. DirectML figures run roughly 15-20% higher.
var perWorkerCUDA = map[string]float64{
	"tiny":   1.0,
	"base":   1.5,
	"small":  2.0,
	"medium": 5.0,
	"large":  10.0,
}

var perWorkerDirectML = map[string]float64{
	"tiny":   1.2,
	"base":   1.8,
	"small":  2.5,
	"medium": 6.0,
	"large":  12.0,
}

// ladder orders model sizes from smallest to largest resident footprint.
var ladder = []string{"tiny", "base", "small", "medium", "large"}

// canonicalModel folds the large revisions onto the large footprint.
func canonicalModel(model string) string {
	switch model {
	case "large-v2", "large-v3":
		return "large"
	}
	return model
}

// Models returns the sizing ladder from smallest to largest.
func Models() []string {
	return append([]string(nil), ladder...)
}

// PerWorkerVRAM returns the approximate per-worker VRAM requirement in GB
// for a model on a backend. ok is false for unknown model sizes.
func PerWorkerVRAM(model string, backend gpu.Backend) (float64, bool) {
	table := perWorkerCUDA
	if backend == gpu.BackendDirectML {
		table = perWorkerDirectML
	}
	v, ok := table[canonicalModel(model)]
	return v, ok
}

func headroom(vramGB float64) float64 {
	if vramGB < smallCardCutoffGB {
		return reducedHeadroomGB
	}
	return defaultHeadroomGB
}

// RecommendedWorkers returns the largest worker count such that
// workers*perWorker + headroom <= vramGB, with headroom never below 1 GB.
// Returns 0 when even one worker does not fit or the model is unknown.
func RecommendedWorkers(vramGB float64, model string, backend gpu.Backend) int {
	per, ok := PerWorkerVRAM(model, backend)
	if !ok || vramGB <= 0 {
		return 0
	}
	available := vramGB - headroom(vramGB)
	if available < per {
		return 0
	}
	return int(math.Floor(available / per))
}

// Recommendation is one row of the advisory table.
type Recommendation struct {
	Model         string
	Workers       int
	PerWorkerVRAM float64
	VRAMUsed      float64
}

// Plan computes a recommendation for every model size that fits, smallest
// footprint first.
func Plan(vramGB float64, backend gpu.Backend) []Recommendation {
	var recs []Recommendation
	for _, model := range ladder {
		workers := RecommendedWorkers(vramGB, model, backend)
		if workers == 0 {
			continue
		}
		per, _ := PerWorkerVRAM(model, backend)
		recs = append(recs, Recommendation{
			Model:         model,
			Workers:       workers,
			PerWorkerVRAM: per,
			VRAMUsed:      float64(workers) * per,
		})
	}
	return recs
}

// Quality picks the largest model that supports at least one worker.
func Quality(vramGB float64, backend gpu.Backend) (Recommendation, bool) {
	recs := Plan(vramGB, backend)
	if len(recs) == 0 {
		return Recommendation{}, false
	}
	return recs[len(recs)-1], true
}

// Balanced prefers medium with two or three workers, then small with three
// to five. Worker counts are capped so latency stays predictable.
func Balanced(vramGB float64, backend gpu.Backend) (Recommendation, bool) {
	recs := Plan(vramGB, backend)
	for _, rec := range recs {
		if rec.Model == "medium" && rec.Workers >= 2 {
			rec.Workers = min(rec.Workers, 3)
			rec.VRAMUsed = float64(rec.Workers) * rec.PerWorkerVRAM
			return rec, true
		}
	}
	for _, rec := range recs {
		if rec.Model == "small" && rec.Workers >= 3 {
			rec.Workers = min(rec.Workers, 5)
			rec.VRAMUsed = float64(rec.Workers) * rec.PerWorkerVRAM
			return rec, true
		}
	}
	return Recommendation{}, false
}

// Throughput picks the small model with as many workers as fit.
func Throughput(vramGB float64, backend gpu.Backend) (Recommendation, bool) {
	for _, rec := range Plan(vramGB, backend) {
		if rec.Model == "small" {
			return rec, true
		}
	}
	return Recommendation{}, false
}
