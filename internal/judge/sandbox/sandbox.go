// Package sandbox runs untrusted code inside locked-down containers.
package sandbox

import (
	"context"
	"time"
)

// TimeoutExitCode is the synthetic exit code reported when a run hits
// its wall-clock timeout, matching the convention of timeout(1).
const TimeoutExitCode = 124

// Runner executes one command in an isolated container.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) (RunResult, error)
}

// Limits are the hard resource caps applied to every container.
type Limits struct {
	// CPUs caps CPU cores, fractional values allowed.
	CPUs float64

	// MemoryBytes caps resident memory. Swap is pinned to the same
	// value so the cap cannot be dodged by swapping.
	MemoryBytes int64

	// PidsLimit caps the process count inside the container.
	PidsLimit int

	// OpenFiles caps file descriptors per process.
	OpenFiles int

	// MaxStdoutBytes and MaxStderrBytes bound captured output; anything
	// past the cap is discarded.
	MaxStdoutBytes int
	MaxStderrBytes int
}

// RunSpec describes one container run.
type RunSpec struct {
	// Image is the container image to run.
	Image string

	// WorkDir is the host directory bind-mounted at /app.
	WorkDir string

	// Command is a shell command executed via `sh -c`.
	Command string

	// ReadOnly mounts the work dir read-only. Compilation needs rw.
	ReadOnly bool

	// Stdin is fed to the command verbatim.
	Stdin string

	// Timeout is the wall-clock budget for the whole run.
	Timeout time.Duration

	Limits Limits
}

// RunResult is the raw outcome of one container run.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int

	// TimedOut is set when the wall-clock budget expired; ExitCode is
	// then TimeoutExitCode.
	TimedOut bool

	ElapsedMS int64

	// MemoryKB is peak resident memory when the platform reports it,
	// zero otherwise.
	MemoryKB int64
}
