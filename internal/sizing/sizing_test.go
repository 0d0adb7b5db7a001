package sizing

import (
	"testing"

	"github.com/airbandlabs/airband-core/internal/gpu"
)

func TestRecommendedWorkersTable(t *testing.T) {
	cases := []struct {
		vram    float64
		model   string
		backend gpu.Backend
		want    int
	}{
		{12, "medium", gpu.BackendCUDA, 2},
		{12, "large", gpu.BackendCUDA, 1},
		{12, "small", gpu.BackendCUDA, 5},
		{12, "tiny", gpu.BackendCUDA, 10},
		{12, "medium", gpu.BackendDirectML, 1},
		{8, "medium", gpu.BackendCUDA, 1},
		{8, "large", gpu.BackendCUDA, 0},
		{24, "large", gpu.BackendCUDA, 2},
		{2, "tiny", gpu.BackendCUDA, 1},
		{0, "tiny", gpu.BackendCUDA, 0},
		{16, "large-v3", gpu.BackendCUDA, 1},
		{16, "unknown", gpu.BackendCUDA, 0},
	}
	for _, tc := range cases {
		got := RecommendedWorkers(tc.vram, tc.model, tc.backend)
		if got != tc.want {
			t.Errorf("RecommendedWorkers(%v, %q, %s) = %d, want %d",
				tc.vram, tc.model, tc.backend, got, tc.want)
		}
	}
}

func TestRecommendedWorkersRespectsHeadroom(t *testing.T) {
	for _, backend := range []gpu.Backend{gpu.BackendCUDA, gpu.BackendDirectML} {
		for vram := 1.0; vram <= 48; vram += 0.5 {
			for _, model := range Models() {
				workers := RecommendedWorkers(vram, model, backend)
				if workers == 0 {
					continue
				}
				per, _ := PerWorkerVRAM(model, backend)
				if used := float64(workers)*per + 1.0; used > vram {
					t.Fatalf("headroom violated: %d workers of %s on %s at %.1f GB uses %.1f",
						workers, model, backend, vram, used)
				}
			}
		}
	}
}

func TestRecommendedWorkersMonotonicInFootprint(t *testing.T) {
	// Larger per-worker footprints must never yield more workers.
	for _, backend := range []gpu.Backend{gpu.BackendCUDA, gpu.BackendDirectML} {
		for vram := 2.0; vram <= 48; vram += 1.0 {
			prev := -1
			models := Models()
			for i := len(models) - 1; i >= 0; i-- {
				workers := RecommendedWorkers(vram, models[i], backend)
				if prev >= 0 && workers < prev {
					t.Fatalf("monotonicity violated at %.0f GB on %s: %s gives %d, larger model gave %d",
						vram, backend, models[i], workers, prev)
				}
				prev = workers
			}
		}
	}
}

func TestPresets(t *testing.T) {
	quality, ok := Quality(12, gpu.BackendCUDA)
	if !ok || quality.Model != "large" || quality.Workers != 1 {
		t.Fatalf("unexpected quality preset: %+v ok=%v", quality, ok)
	}

	balanced, ok := Balanced(16, gpu.BackendCUDA)
	if !ok || balanced.Model != "medium" {
		t.Fatalf("unexpected balanced preset: %+v ok=%v", balanced, ok)
	}
	if balanced.Workers < 2 || balanced.Workers > 3 {
		t.Fatalf("balanced workers out of range: %d", balanced.Workers)
	}

	throughput, ok := Throughput(12, gpu.BackendCUDA)
	if !ok || throughput.Model != "small" || throughput.Workers != 5 {
		t.Fatalf("unexpected throughput preset: %+v ok=%v", throughput, ok)
	}

	if _, ok := Balanced(3, gpu.BackendCUDA); ok {
		t.Fatal("expected no balanced preset on a 3 GB card")
	}
}

func TestPlanOrdering(t *testing.T) {
	recs := Plan(12, gpu.BackendCUDA)
	if len(recs) == 0 {
		t.Fatal("expected recommendations for a 12 GB card")
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].PerWorkerVRAM <= recs[i-1].PerWorkerVRAM {
			t.Fatalf("plan not ordered by footprint: %+v", recs)
		}
	}
}
