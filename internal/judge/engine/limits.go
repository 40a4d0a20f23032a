package engine

import (
	"time"

	"github.com/docker/go-units"

	"github.com/openkoi/koi/internal/judge/sandbox"
)

// Limits bound one submission's execution. Time budgets live here; the
// per-container caps are handed down to the sandbox unchanged.
type Limits struct {
	// TimeoutPerTest caps a single test run.
	TimeoutPerTest time.Duration

	// MaxTotalTimeout caps the whole submission regardless of test count.
	MaxTotalTimeout time.Duration

	// CompilationTimeout caps the compile step.
	CompilationTimeout time.Duration

	CPUs        float64
	MemoryBytes int64
	PidsLimit   int
	OpenFiles   int

	MaxStdoutBytes int
	MaxStderrBytes int
}

// DefaultLimits suit everyday judging.
func DefaultLimits() Limits {
	return Limits{
		TimeoutPerTest:     2 * time.Second,
		MaxTotalTimeout:    60 * time.Second,
		CompilationTimeout: 30 * time.Second,
		CPUs:               1.0,
		MemoryBytes:        256 * units.MiB,
		PidsLimit:          128,
		OpenFiles:          64,
		MaxStdoutBytes:     1 * units.MiB,
		MaxStderrBytes:     512 * units.KiB,
	}
}

// ContestLimits tighten time and memory for competitive fairness.
func ContestLimits() Limits {
	limits := DefaultLimits()
	limits.TimeoutPerTest = 1 * time.Second
	limits.MaxTotalTimeout = 30 * time.Second
	limits.MemoryBytes = 128 * units.MiB
	limits.PidsLimit = 64
	return limits
}

// PracticeLimits loosen everything for learning and debugging.
func PracticeLimits() Limits {
	limits := DefaultLimits()
	limits.TimeoutPerTest = 5 * time.Second
	limits.MaxTotalTimeout = 120 * time.Second
	limits.MemoryBytes = 512 * units.MiB
	limits.PidsLimit = 256
	return limits
}

// LimitsProfile maps a config name to a preset, defaulting on unknowns.
func LimitsProfile(name string) Limits {
	switch name {
	case "contest":
		return ContestLimits()
	case "practice":
		return PracticeLimits()
	default:
		return DefaultLimits()
	}
}

func (l Limits) sandboxLimits() sandbox.Limits {
	return sandbox.Limits{
		CPUs:           l.CPUs,
		MemoryBytes:    l.MemoryBytes,
		PidsLimit:      l.PidsLimit,
		OpenFiles:      l.OpenFiles,
		MaxStdoutBytes: l.MaxStdoutBytes,
		MaxStderrBytes: l.MaxStderrBytes,
	}
}

// totalTimeout sizes the whole-run budget: per-test time for every test
// plus container startup slack, capped by the hard maximum.
func (l Limits) totalTimeout(testCount int) time.Duration {
	calculated := time.Duration(testCount)*l.TimeoutPerTest + 10*time.Second
	if calculated > l.MaxTotalTimeout {
		return l.MaxTotalTimeout
	}
	return calculated
}
