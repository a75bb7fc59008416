package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/google/uuid"

	"github.com/artpar/stackpipe/internal/core/buildspec"
	"github.com/artpar/stackpipe/internal/shell/platform/docker"
)

// StepRunner executes one rendered build step in dir with env added to the
// environment, writing combined output to out. A step that ran and exited
// non-zero returns its exit code and a nil error.
type StepRunner interface {
	Run(ctx context.Context, step buildspec.Step, dir string, env []string, out io.Writer) (exitCode int, err error)
}

// =============================================================================
// Shell Runner
// =============================================================================

// ShellRunner runs steps on the host with "sh -c".
type ShellRunner struct {
	Shell string // defaults to sh
}

func (r ShellRunner) Run(ctx context.Context, step buildspec.Step, dir string, env []string, out io.Writer) (int, error) {
	shell := r.Shell
	if shell == "" {
		shell = "sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", step.Command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, nil
	case ctx.Err() != nil:
		return -1, ctx.Err()
	case errors.As(err, &exitErr):
		return exitErr.ExitCode(), nil
	default:
		return -1, fmt.Errorf("failed to start step %d: %w", step.Index, err)
	}
}

// =============================================================================
// Container Runner
// =============================================================================

// ContainerRunner runs every step in a fresh container of a build image with
// the source directory mounted at /workspace. Privileged runners also mount
// the host's docker socket so steps can build and push images.
type ContainerRunner struct {
	Client     docker.Client
	Image      string
	Privileged bool
	Socket     string // defaults to /var/run/docker.sock
}

const workspaceMount = "/workspace"

func (r ContainerRunner) Run(ctx context.Context, step buildspec.Step, dir string, env []string, out io.Writer) (int, error) {
	exists, err := r.Client.ImageExists(ctx, r.Image)
	if err != nil {
		return -1, err
	}
	if !exists {
		if err := r.Client.PullImage(ctx, r.Image, docker.PullOptions{}); err != nil {
			return -1, err
		}
	}

	spec := docker.ContainerSpec{
		Name:       "stackpipe-build-" + uuid.New().String()[:8],
		Image:      r.Image,
		Env:        make(map[string]string, len(env)),
		Labels:     map[string]string{docker.LabelManaged: "true"},
		Cmd:        []string{"sh", "-c", step.Command},
		WorkingDir: workspaceMount,
		Binds:      []string{dir + ":" + workspaceMount},
		Privileged: r.Privileged,
	}
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		spec.Env[k] = v
	}
	if r.Privileged {
		socket := r.Socket
		if socket == "" {
			socket = "/var/run/docker.sock"
		}
		spec.Binds = append(spec.Binds, socket+":/var/run/docker.sock")
	}

	id, err := r.Client.CreateContainer(ctx, spec)
	if err != nil {
		return -1, err
	}
	defer r.Client.RemoveContainer(context.WithoutCancel(ctx), id, docker.RemoveOptions{Force: true})

	if err := r.Client.StartContainer(ctx, id); err != nil {
		return -1, err
	}
	code, err := r.Client.WaitContainer(ctx, id)
	if err != nil {
		return -1, err
	}

	logs, err := r.Client.ContainerLogs(ctx, id, 500)
	if err == nil {
		io.WriteString(out, logs)
	}
	return code, nil
}

// =============================================================================
// Output Tail
// =============================================================================

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}

func (t *tailBuffer) Reset() {
	t.buf = t.buf[:0]
}
