// Package device describes the CPU the trainer runs on.
package device

import (
	"runtime"
	"slices"

	"github.com/klauspost/cpuid/v2"
)

// Report is a snapshot of the host CPU.
type Report struct {
	Brand          string   `json:"brand"`
	Vendor         string   `json:"vendor"`
	PhysicalCores  int      `json:"physical_cores"`
	LogicalCores   int      `json:"logical_cores"`
	ThreadsPerCore int      `json:"threads_per_core"`
	CacheLine      int      `json:"cache_line"`
	L2Cache        int      `json:"l2_cache"`
	GOOS           string   `json:"goos"`
	GOARCH         string   `json:"goarch"`
	GOMAXPROCS     int      `json:"gomaxprocs"`
	Features       []string `json:"features"`
	SIMD           string   `json:"simd"`
}

// Detect reads the host CPU through cpuid.
func Detect() Report {
	return fromCPU(cpuid.CPU)
}

func fromCPU(c cpuid.CPUInfo) Report {
	features := c.FeatureSet()
	slices.Sort(features)
	return Report{
		Brand:          c.BrandName,
		Vendor:         c.VendorString,
		PhysicalCores:  c.PhysicalCores,
		LogicalCores:   c.LogicalCores,
		ThreadsPerCore: c.ThreadsPerCore,
		CacheLine:      c.CacheLine,
		L2Cache:        c.Cache.L2,
		GOOS:           runtime.GOOS,
		GOARCH:         runtime.GOARCH,
		GOMAXPROCS:     runtime.GOMAXPROCS(0),
		Features:       features,
		SIMD:           simdLevel(c),
	}
}

// simdLevel names the widest vector extension the CPU reports.
func simdLevel(c cpuid.CPUInfo) string {
	switch {
	case c.Supports(cpuid.AVX512F, cpuid.AVX512DQ):
		return "avx512"
	case c.Supports(cpuid.AVX2, cpuid.FMA3):
		return "avx2"
	case c.Supports(cpuid.SVE):
		return "sve"
	case c.Supports(cpuid.ASIMD):
		return "neon"
	case c.Supports(cpuid.SSE4):
		return "sse4"
	default:
		return "scalar"
	}
}

// LogAttrs returns the fields worth a line in the training log.
func (r Report) LogAttrs() []any {
	return []any{
		"cpu", r.Brand,
		"cores", r.PhysicalCores,
		"threads", r.LogicalCores,
		"simd", r.SIMD,
		"gomaxprocs", r.GOMAXPROCS,
	}
}
