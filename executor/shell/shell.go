// Package shell implements the local process executor. Commands run through
// the system shell with stdout and stderr interleaved into one stream, the
// way an operator would see them in a terminal.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"opset/runtime"
	"opset/task"
)

// MetadataPrefix marks engine-directed lines in command output. Lines
// carrying it are consumed for internal state signaling and stripped from
// the output handed to capture and to callers.
const MetadataPrefix = "ENGINE:"

// Params are the rendered parameters of a shell operation.
type Params struct {
	Cmd string            `mapstructure:"cmd"`
	Cwd string            `mapstructure:"cwd"`
	Env map[string]string `mapstructure:"env"`
}

// Result is the raw result shape of a completed command. A non-zero return
// code is data for downstream capture, not an executor error. Meta carries
// the payloads of metadata lines stripped from Out.
type Result struct {
	ReturnCode int      `json:"returncode"`
	Out        string   `json:"out"`
	Meta       []string `json:"meta,omitempty"`
}

type Executor struct {
	l    *slog.Logger
	root string
	sup  *task.Supervisor

	// progressEvery drives snapshot publication for supervised commands.
	progressEvery time.Duration
}

func New(l *slog.Logger, root string, sup *task.Supervisor) *Executor {
	return &Executor{
		l:             l,
		root:          root,
		sup:           sup,
		progressEvery: 5 * time.Second,
	}
}

// SetProgressInterval overrides the snapshot cadence for supervised runs.
func (e *Executor) SetProgressInterval(d time.Duration) {
	e.progressEvery = d
}

// Execute runs the command to completion and returns a JSON document with
// the return code and the cleaned combined output.
func (e *Executor) Execute(ctx context.Context, op runtime.Operation, params map[string]any, run runtime.Context) (string, error) {
	var p Params
	if err := runtime.DecodeParams(params, &p); err != nil {
		return "", err
	}
	if strings.TrimSpace(p.Cmd) == "" {
		return "", fmt.Errorf("operation %s has no cmd", op.Name)
	}

	e.l.InfoContext(ctx, fmt.Sprintf("Executing command for operation %s", op.Name))

	out, code, err := e.run(ctx, p, nil)
	if err != nil {
		return "", err
	}
	return marshalResult(code, out)
}

// Submit hands the command to the task supervisor and returns its handle.
// The output buffer accumulated so far is published as a progress snapshot
// on a fixed cadence until the command exits.
func (e *Executor) Submit(ctx context.Context, op runtime.Operation, params map[string]any, run runtime.Context) (string, error) {
	var p Params
	if err := runtime.DecodeParams(params, &p); err != nil {
		return "", err
	}
	if strings.TrimSpace(p.Cmd) == "" {
		return "", fmt.Errorf("operation %s has no cmd", op.Name)
	}

	handle := e.sup.Submit(func(report func(string)) (string, int, error) {
		out, code, err := e.run(context.Background(), p, report)
		if err != nil {
			return "", code, err
		}
		raw, err := marshalResult(code, out)
		return raw, code, err
	})

	e.l.InfoContext(ctx, fmt.Sprintf("Submitted command for operation %s", op.Name), "task_id", handle)
	return handle, nil
}

func (e *Executor) run(ctx context.Context, p Params, report func(string)) (string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", p.Cmd)

	cwd := e.root
	if p.Cwd != "" {
		cwd = filepath.Join(e.root, p.Cwd)
	}
	if cwd != "" {
		cmd.Dir = cwd
	}

	env := os.Environ()
	for k, v := range p.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	var buf syncBuffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	if err := cmd.Start(); err != nil {
		return "", 0, fmt.Errorf("failed to start command: %w", err)
	}

	done := make(chan struct{})
	if report != nil {
		go func() {
			ticker := time.NewTicker(e.progressEvery)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					report(buf.String())
				}
			}
		}()
	}

	err := cmd.Wait()
	close(done)

	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	} else if err != nil {
		return "", 0, fmt.Errorf("command did not complete: %w", err)
	}

	return buf.String(), code, nil
}

func marshalResult(code int, out string) (string, error) {
	raw, err := json.Marshal(Result{ReturnCode: code, Out: CleanOutput(out), Meta: Metadata(out)})
	if err != nil {
		return "", fmt.Errorf("failed to encode command result: %w", err)
	}
	return string(raw), nil
}

// CleanOutput removes metadata lines from combined output.
func CleanOutput(out string) string {
	if !strings.Contains(out, MetadataPrefix) {
		return out
	}
	lines := strings.Split(out, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), MetadataPrefix) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// Metadata returns the payloads of metadata lines, in order of appearance.
func Metadata(out string) []string {
	var found []string
	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, MetadataPrefix) {
			found = append(found, strings.TrimSpace(strings.TrimPrefix(trimmed, MetadataPrefix)))
		}
	}
	return found
}

// syncBuffer guards concurrent writes from the command's stdout and stderr
// pipes and concurrent reads from the progress reporter.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
