package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openkoi/koi/pkg/utils/logger"
)

const (
	containerNamePrefix = "koi-sbx-"

	// cleanupTimeout bounds the forced removal of a finished or
	// timed-out container.
	cleanupTimeout = 10 * time.Second
)

// DockerRunner executes runs through the Docker Engine API:
// create, attach, start, wait, with stdin fed over the attach stream
// and stdout/stderr demultiplexed from it.
type DockerRunner struct {
	client *client.Client
}

// NewDockerRunner connects to the local Docker daemon.
func NewDockerRunner() (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerRunner{client: cli}, nil
}

// Ping verifies the daemon is reachable.
func (r *DockerRunner) Ping(ctx context.Context) error {
	if _, err := r.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

// EnsureImage pulls the image if it is not present locally. Pulling at
// startup keeps image download latency out of judging runs.
func (r *DockerRunner) EnsureImage(ctx context.Context, ref string) error {
	_, _, err := r.client.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", ref, err)
	}

	reader, err := r.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

func (r *DockerRunner) Close() error {
	return r.client.Close()
}

func (r *DockerRunner) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	name := containerNamePrefix + uuid.NewString()[:8]

	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	if _, err := r.client.ContainerCreate(runCtx,
		containerConfig(spec), hostConfig(spec), nil, nil, name); err != nil {
		return RunResult{}, fmt.Errorf("create container %s: %w", name, err)
	}
	defer r.removeContainer(name)

	// Attach before start so the first bytes of output are never lost.
	attach, err := r.client.ContainerAttach(runCtx, name, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return RunResult{}, fmt.Errorf("attach container %s: %w", name, err)
	}
	defer attach.Close()

	if err := r.client.ContainerStart(runCtx, name, container.StartOptions{}); err != nil {
		return RunResult{}, fmt.Errorf("start container %s: %w", name, err)
	}
	start := time.Now()

	go func() {
		_, _ = io.Copy(attach.Conn, strings.NewReader(spec.Stdin))
		_ = attach.CloseWrite()
	}()

	stdout := newBoundedBuffer(spec.Limits.MaxStdoutBytes)
	stderr := newBoundedBuffer(spec.Limits.MaxStderrBytes)
	copyDone := make(chan struct{})
	go func() {
		defer close(copyDone)
		_, _ = stdcopy.StdCopy(stdout, stderr, attach.Reader)
	}()

	waitCh, waitErrCh := r.client.ContainerWait(runCtx, name, container.WaitConditionNotRunning)

	result := func(exitCode int, timedOut bool) RunResult {
		// Stop the demux before reading the buffers; the attach stream
		// ends when the container does or when we tear it down.
		attach.Close()
		<-copyDone
		return RunResult{
			Stdout:    stdout.String(),
			Stderr:    stderr.String(),
			ExitCode:  exitCode,
			TimedOut:  timedOut,
			ElapsedMS: time.Since(start).Milliseconds(),
		}
	}

	select {
	case status := <-waitCh:
		return result(int(status.StatusCode), false), nil
	case err := <-waitErrCh:
		switch {
		case ctx.Err() != nil:
			// The caller is shutting down, not the run timing out.
			return RunResult{}, ctx.Err()
		case runCtx.Err() != nil:
			r.removeContainer(name)
			return result(TimeoutExitCode, true), nil
		default:
			return RunResult{}, fmt.Errorf("wait container %s: %w", name, err)
		}
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return RunResult{}, ctx.Err()
		}
		r.removeContainer(name)
		return result(TimeoutExitCode, true), nil
	}
}

func containerConfig(spec RunSpec) *container.Config {
	return &container.Config{
		Image:        spec.Image,
		Cmd:          strslice.StrSlice{"sh", "-c", spec.Command},
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}
}

// hostConfig carries the security and fairness boundary for every run;
// keep it in sync with the limits doc.
func hostConfig(spec RunSpec) *container.HostConfig {
	mountMode := "rw"
	if spec.ReadOnly {
		mountMode = "ro"
	}
	pids := int64(spec.Limits.PidsLimit)
	nofile := int64(spec.Limits.OpenFiles)

	return &container.HostConfig{
		NetworkMode: "none",
		CapDrop:     strslice.StrSlice{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Binds:       []string{spec.WorkDir + ":/app:" + mountMode},
		Resources: container.Resources{
			NanoCPUs:   int64(spec.Limits.CPUs * 1e9),
			Memory:     spec.Limits.MemoryBytes,
			MemorySwap: spec.Limits.MemoryBytes,
			PidsLimit:  &pids,
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: nofile, Hard: nofile},
			},
		},
	}
}

// removeContainer force-removes a container; finished runs and
// timed-out runs both go through here so nothing outlives its job.
func (r *DockerRunner) removeContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	err := r.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		logger.Warn(ctx, "remove container failed",
			zap.String("container", name), zap.Error(err))
	}
}

// boundedBuffer keeps at most max bytes and silently drops the rest,
// so a flood of output cannot exhaust worker memory. A max of zero
// means no cap.
type boundedBuffer struct {
	buf bytes.Buffer
	max int
}

func newBoundedBuffer(max int) *boundedBuffer {
	return &boundedBuffer{max: max}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if b.max <= 0 {
		b.buf.Write(p)
		return len(p), nil
	}
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	return b.buf.String()
}
