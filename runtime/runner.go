package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// Executor performs one operation's side effect and returns its raw result.
// Params arrive fully rendered; implementations must not consult templates.
type Executor interface {
	Execute(ctx context.Context, op Operation, params map[string]any, run Context) (string, error)
}

// Submitter is implemented by executors whose work may run for minutes.
// Submit returns a task handle immediately; progress and the final result
// are observed through the task supervisor.
type Submitter interface {
	Submit(ctx context.Context, op Operation, params map[string]any, run Context) (string, error)
}

// Registry maps backend kinds to executor implementations.
type Registry struct {
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

func (r *Registry) Register(backend string, e Executor) {
	r.executors[backend] = e
}

func (r *Registry) Lookup(backend string) (Executor, bool) {
	e, ok := r.executors[backend]
	return e, ok
}

// Envelope statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// SnippetResult carries one operation's raw result and captured outputs.
type SnippetResult struct {
	Results string         `json:"results"`
	Outputs map[string]any `json:"outputs"`
}

// ResultEnvelope is the uniform result returned for a whole run. It is
// built incrementally: on failure it carries everything captured before the
// failing operation plus that operation's error message.
type ResultEnvelope struct {
	Status   string                   `json:"status"`
	Message  string                   `json:"message"`
	Snippets map[string]SnippetResult `json:"snippets"`
}

func NewEnvelope() *ResultEnvelope {
	return &ResultEnvelope{
		Status:   StatusSuccess,
		Message:  "A-OK",
		Snippets: make(map[string]SnippetResult),
	}
}

func (e *ResultEnvelope) fail(err error) {
	e.Status = StatusError
	e.Message = err.Error()
}

// JSON serializes the envelope for contexts that need it as text, such as
// task snapshots.
func (e *ResultEnvelope) JSON() (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to encode result envelope: %w", err)
	}
	return string(raw), nil
}

// Runner executes the operations of a set strictly in declared order,
// rendering parameters from the run context, dispatching to the registry
// and folding captured outputs back into the context for later operations.
type Runner struct {
	l        *slog.Logger
	registry *Registry
}

func NewRunner(l *slog.Logger, registry *Registry) *Runner {
	return &Runner{l: l, registry: registry}
}

// Run executes set against the given run context and returns the envelope.
// The first executor error or hard capture error stops iteration; partial
// results stay in the envelope. Backend failures never escape as raw
// errors, only as the envelope's status/message pair.
func (r *Runner) Run(ctx context.Context, set *OperationSet, run Context) *ResultEnvelope {
	envelope := NewEnvelope()

	for _, op := range set.Operations {
		proceed, err := EvalWhen(op.When, run)
		if err != nil {
			envelope.fail(err)
			break
		}
		if !proceed {
			r.l.InfoContext(ctx, fmt.Sprintf("Skipping operation %s, when condition is false", op.Name),
				"set", set.Name)
			continue
		}

		params, err := RenderParams(op.Params, run)
		if err != nil {
			envelope.fail(err)
			break
		}

		executor, ok := r.registry.Lookup(op.Backend)
		if !ok {
			envelope.fail(fmt.Errorf("no executor registered for backend %q", op.Backend))
			break
		}

		if op.Async {
			if err := r.submit(ctx, executor, op, params, run, envelope); err != nil {
				envelope.fail(err)
				break
			}
			continue
		}

		r.l.InfoContext(ctx, fmt.Sprintf("Executing operation %s", op.Name),
			"set", set.Name,
			"backend", op.Backend)

		raw, err := executor.Execute(ctx, op, params, run)
		if err != nil {
			results := raw
			var perr *ProtocolError
			if results == "" && errors.As(err, &perr) {
				results = perr.Detail
			}
			envelope.Snippets[op.Name] = SnippetResult{Results: results, Outputs: map[string]any{}}
			envelope.fail(err)
			r.l.ErrorContext(ctx, fmt.Sprintf("Operation %s failed", op.Name),
				"set", set.Name,
				"backend", op.Backend,
				"error", err.Error())
			break
		}

		outputs, err := Extract(op.ResultDialect, raw, op.Outputs, op.Name)
		if err != nil {
			envelope.Snippets[op.Name] = SnippetResult{Results: raw, Outputs: map[string]any{}}
			envelope.fail(err)
			break
		}

		envelope.Snippets[op.Name] = SnippetResult{Results: raw, Outputs: outputs}
		run.MergeOutputs(outputs)
	}

	return envelope
}

func (r *Runner) submit(ctx context.Context, executor Executor, op Operation, params map[string]any, run Context, envelope *ResultEnvelope) error {
	submitter, ok := executor.(Submitter)
	if !ok {
		return fmt.Errorf("backend %q does not support async operations", op.Backend)
	}

	handle, err := submitter.Submit(ctx, op, params, run)
	if err != nil {
		return err
	}

	r.l.InfoContext(ctx, fmt.Sprintf("Submitted async operation %s", op.Name),
		"backend", op.Backend,
		"task_id", handle)

	outputs := map[string]any{"task_id": handle}
	envelope.Snippets[op.Name] = SnippetResult{Results: handle, Outputs: outputs}
	run.MergeOutputs(outputs)
	return nil
}
