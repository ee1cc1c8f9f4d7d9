// Package dockerrun implements the container executor. A one-shot mode
// creates a fresh container per operation, polls it to completion and tears
// it down; an in-place mode execs into an already running container.
package dockerrun

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"opset/runtime"
	"opset/task"
)

// Execution modes.
const (
	ModeRun  = "run"
	ModeExec = "exec"
)

// Container statuses reported in results. A run that outlives the poll
// ceiling is reported as timeout, not as an executor error; the container
// is left in place for inspection.
const (
	StatusExited  = "exited"
	StatusTimeout = "timeout"
)

// API is the slice of the daemon client the executor needs. Tests inject a
// fake; production wiring passes *client.Client.
type API interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
}

var _ API = (*client.Client)(nil)

// Params are the rendered parameters of a container operation.
type Params struct {
	Image     string            `mapstructure:"image"`
	Cmd       string            `mapstructure:"cmd"`
	Volumes   []string          `mapstructure:"volumes"`
	WorkDir   string            `mapstructure:"workdir"`
	Env       map[string]string `mapstructure:"env"`
	Mode      string            `mapstructure:"mode"`
	Container string            `mapstructure:"container"`
}

// Result is the raw result shape of a container operation.
type Result struct {
	Status     string `json:"status"`
	ReturnCode int    `json:"returncode"`
	Out        string `json:"out"`
}

type Executor struct {
	l    *slog.Logger
	api  API
	host string
	root string
	sup  *task.Supervisor

	pollInterval time.Duration
	pollCeiling  uint64
}

// New connects to the daemon at host. root, when set, is bind-mounted at
// /repo for containers that declare no volumes of their own.
func New(l *slog.Logger, host, root string, sup *task.Supervisor) (*Executor, error) {
	cli, err := client.NewClientWithOpts(client.WithHost(host), client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, &runtime.ConnectionError{Target: host, Kind: runtime.ConnMalformedURL, Err: err}
	}
	e := NewWithAPI(l, cli, root, sup)
	e.host = host
	return e, nil
}

func NewWithAPI(l *slog.Logger, api API, root string, sup *task.Supervisor) *Executor {
	return &Executor{
		l:            l,
		api:          api,
		root:         root,
		sup:          sup,
		pollInterval: 1 * time.Second,
		pollCeiling:  60,
	}
}

// SetPoll overrides the completion-poll cadence and ceiling.
func (e *Executor) SetPoll(interval time.Duration, ceiling uint64) {
	e.pollInterval = interval
	e.pollCeiling = ceiling
}

func (e *Executor) Execute(ctx context.Context, op runtime.Operation, params map[string]any, run runtime.Context) (string, error) {
	var p Params
	if err := runtime.DecodeParams(params, &p); err != nil {
		return "", err
	}
	return e.perform(ctx, op, p, nil)
}

// Submit runs the operation under the task supervisor, publishing the
// container log tail as progress snapshots while the poll loop waits.
func (e *Executor) Submit(ctx context.Context, op runtime.Operation, params map[string]any, run runtime.Context) (string, error) {
	var p Params
	if err := runtime.DecodeParams(params, &p); err != nil {
		return "", err
	}

	handle := e.sup.Submit(func(report func(string)) (string, int, error) {
		raw, err := e.perform(context.Background(), op, p, report)
		if err != nil {
			return "", 1, err
		}
		var res Result
		if jerr := json.Unmarshal([]byte(raw), &res); jerr != nil {
			return raw, 0, nil
		}
		return raw, res.ReturnCode, nil
	})

	e.l.InfoContext(ctx, fmt.Sprintf("Submitted container operation %s", op.Name), "task_id", handle)
	return handle, nil
}

func (e *Executor) perform(ctx context.Context, op runtime.Operation, p Params, report func(string)) (string, error) {
	switch strings.ToLower(p.Mode) {
	case "", ModeRun:
		if p.Image == "" {
			return "", fmt.Errorf("operation %s has no image", op.Name)
		}
		return e.runOneShot(ctx, op, p, report)
	case ModeExec:
		if p.Container == "" {
			return "", fmt.Errorf("operation %s has no target container", op.Name)
		}
		return e.execInPlace(ctx, op, p)
	default:
		return "", fmt.Errorf("unknown container mode %q", p.Mode)
	}
}

func (e *Executor) runOneShot(ctx context.Context, op runtime.Operation, p Params, report func(string)) (string, error) {
	cfg := &container.Config{
		Image:      p.Image,
		Env:        envList(p.Env),
		WorkingDir: workdir(p),
	}
	if p.Cmd != "" {
		cfg.Cmd = strslice.StrSlice{"/bin/sh", "-c", p.Cmd}
	}

	binds := p.Volumes
	if len(binds) == 0 && e.root != "" {
		binds = []string{e.root + ":/repo"}
	}

	name := "opset_" + uuid.New().String()[:8]
	created, err := e.api.ContainerCreate(ctx, cfg, &container.HostConfig{Binds: binds}, nil, nil, name)
	if err != nil {
		return "", e.daemonError(err)
	}
	id := created.ID

	e.l.InfoContext(ctx, fmt.Sprintf("Started container %s for operation %s", name, op.Name), "image", p.Image)

	if err := e.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		e.remove(ctx, id)
		return "", e.daemonError(err)
	}

	exitCode, timedOut, err := e.waitExit(ctx, id, report)
	if err != nil {
		return "", err
	}

	out := e.logs(ctx, id)

	status := StatusExited
	if timedOut {
		status = StatusTimeout
		e.l.WarnContext(ctx, fmt.Sprintf("Container %s still running after poll ceiling, leaving in place", name))
	} else {
		e.remove(ctx, id)
	}

	return marshalResult(status, exitCode, out)
}

// waitExit polls the container state on a constant cadence until it exits
// or the ceiling is reached. A daemon failure mid-poll is terminal.
func (e *Executor) waitExit(ctx context.Context, id string, report func(string)) (exitCode int, timedOut bool, err error) {
	errStillRunning := errors.New("still running")

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(e.pollInterval), e.pollCeiling),
		ctx,
	)

	err = backoff.Retry(func() error {
		insp, ierr := e.api.ContainerInspect(ctx, id)
		if ierr != nil {
			return backoff.Permanent(e.daemonError(ierr))
		}
		if insp.State != nil && insp.State.Status == "exited" {
			exitCode = insp.State.ExitCode
			return nil
		}
		if report != nil {
			report(e.logs(ctx, id))
		}
		return errStillRunning
	}, bo)

	if errors.Is(err, errStillRunning) {
		return 0, true, nil
	}
	if err != nil {
		return 0, false, err
	}
	return exitCode, false, nil
}

func (e *Executor) execInPlace(ctx context.Context, op runtime.Operation, p Params) (string, error) {
	opts := container.ExecOptions{
		Env:          envList(p.Env),
		WorkingDir:   p.WorkDir,
		AttachStdout: true,
		AttachStderr: true,
	}
	if p.Cmd != "" {
		opts.Cmd = strslice.StrSlice{"/bin/sh", "-c", p.Cmd}
	}

	exec, err := e.api.ContainerExecCreate(ctx, p.Container, opts)
	if err != nil {
		return "", e.daemonError(err)
	}

	att, err := e.api.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", e.daemonError(err)
	}
	defer att.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, att.Reader); err != nil {
		return "", fmt.Errorf("failed to read exec output: %w", err)
	}

	insp, err := e.api.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return "", e.daemonError(err)
	}

	e.l.InfoContext(ctx, fmt.Sprintf("Executed command in container %s for operation %s", p.Container, op.Name))

	return marshalResult(StatusExited, insp.ExitCode, buf.String())
}

// logs returns the container's combined output. A log retrieval failure is
// reported as the output text rather than masking the run result.
func (e *Executor) logs(ctx context.Context, id string) string {
	rc, err := e.api.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return fmt.Sprintf("could not retrieve container logs: %v", err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return fmt.Sprintf("could not read container logs: %v", err)
	}
	return buf.String()
}

func (e *Executor) remove(ctx context.Context, id string) {
	if err := e.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		e.l.WarnContext(ctx, "Failed to remove container", "container", id, "error", err.Error())
	}
}

func (e *Executor) daemonError(err error) error {
	return &runtime.ConnectionError{Target: e.host, Kind: runtime.ConnUnreachable, Err: err}
}

func marshalResult(status string, code int, out string) (string, error) {
	raw, err := json.Marshal(Result{Status: status, ReturnCode: code, Out: out})
	if err != nil {
		return "", fmt.Errorf("failed to encode container result: %w", err)
	}
	return string(raw), nil
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	return list
}

func workdir(p Params) string {
	if p.WorkDir != "" {
		return p.WorkDir
	}
	return "/repo"
}
