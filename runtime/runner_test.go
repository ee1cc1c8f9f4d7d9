package runtime

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeExecutor returns canned raw results per operation name and records
// the rendered params it was called with.
type fakeExecutor struct {
	results map[string]string
	errs    map[string]error
	calls   []map[string]any
}

func (f *fakeExecutor) Execute(ctx context.Context, op Operation, params map[string]any, run Context) (string, error) {
	f.calls = append(f.calls, params)
	if err, ok := f.errs[op.Name]; ok {
		return "", err
	}
	return f.results[op.Name], nil
}

type fakeSubmitter struct {
	fakeExecutor
	handle string
}

func (f *fakeSubmitter) Submit(ctx context.Context, op Operation, params map[string]any, run Context) (string, error) {
	return f.handle, nil
}

func newTestRunner(backend string, e Executor) *Runner {
	registry := NewRegistry()
	registry.Register(backend, e)
	return NewRunner(testLogger(), registry)
}

func TestRunnerChainsOutputs(t *testing.T) {
	exec := &fakeExecutor{
		results: map[string]string{
			"discover":  `<response><result><hostname>fw1</hostname></result></response>`,
			"configure": "done",
		},
	}
	set := &OperationSet{
		Name: "chain",
		Type: BackendRest,
		Operations: []Operation{
			{
				Name:          "discover",
				Backend:       BackendRest,
				ResultDialect: DialectXML,
				Params:        map[string]any{"path": "/system/info"},
				Outputs:       []OutputRule{{Name: "hostname", CapturePattern: "./result/hostname"}},
			},
			{
				Name:          "configure",
				Backend:       BackendRest,
				ResultDialect: DialectText,
				Params:        map[string]any{"path": "/devices/{{ hostname }}"},
			},
		},
	}

	run := Context{}
	envelope := newTestRunner(BackendRest, exec).Run(context.Background(), set, run)

	if envelope.Status != StatusSuccess {
		t.Fatalf("got status %q (%s), want success", envelope.Status, envelope.Message)
	}
	if envelope.Message != "A-OK" {
		t.Errorf("got message %q, want A-OK", envelope.Message)
	}
	if run["hostname"] != "fw1" {
		t.Errorf("captured output not merged into context: %v", run)
	}
	if len(exec.calls) != 2 {
		t.Fatalf("got %d executor calls, want 2", len(exec.calls))
	}
	if exec.calls[1]["path"] != "/devices/fw1" {
		t.Errorf("second op did not see first op's output: %v", exec.calls[1])
	}
	if envelope.Snippets["discover"].Outputs["hostname"] != "fw1" {
		t.Errorf("envelope missing captured output: %v", envelope.Snippets)
	}
}

func TestRunnerFailFast(t *testing.T) {
	exec := &fakeExecutor{
		results: map[string]string{"first": "ok"},
		errs: map[string]error{
			"second": &ProtocolError{Target: "api", Status: "500", Detail: "boom"},
		},
	}
	set := &OperationSet{
		Name: "failing",
		Operations: []Operation{
			{Name: "first", Backend: BackendRest, ResultDialect: DialectText, Params: map[string]any{},
				Outputs: []OutputRule{{Name: "first_out"}}},
			{Name: "second", Backend: BackendRest, ResultDialect: DialectText, Params: map[string]any{}},
			{Name: "third", Backend: BackendRest, ResultDialect: DialectText, Params: map[string]any{}},
		},
	}

	envelope := newTestRunner(BackendRest, exec).Run(context.Background(), set, Context{})

	if envelope.Status != StatusError {
		t.Fatalf("got status %q, want error", envelope.Status)
	}
	if len(exec.calls) != 2 {
		t.Errorf("third op must not run after a failure, got %d calls", len(exec.calls))
	}
	if _, ok := envelope.Snippets["first"]; !ok {
		t.Errorf("partial results must be preserved: %v", envelope.Snippets)
	}
	if _, ok := envelope.Snippets["third"]; ok {
		t.Errorf("unreached op must not appear in envelope")
	}
	if envelope.Snippets["second"].Results != "boom" {
		t.Errorf("failing op should carry the error detail, got %q", envelope.Snippets["second"].Results)
	}
}

func TestRunnerSkipsOnWhen(t *testing.T) {
	exec := &fakeExecutor{results: map[string]string{"always": "ran"}}
	set := &OperationSet{
		Name: "conditional",
		Operations: []Operation{
			{Name: "skipped", Backend: BackendRest, When: "install_extras", ResultDialect: DialectText, Params: map[string]any{}},
			{Name: "always", Backend: BackendRest, ResultDialect: DialectText, Params: map[string]any{}},
		},
	}

	envelope := newTestRunner(BackendRest, exec).Run(context.Background(), set, Context{"install_extras": false})

	if envelope.Status != StatusSuccess {
		t.Fatalf("got status %q, want success", envelope.Status)
	}
	if _, ok := envelope.Snippets["skipped"]; ok {
		t.Errorf("skipped op must not appear in envelope: %v", envelope.Snippets)
	}
	if len(exec.calls) != 1 {
		t.Errorf("got %d executor calls, want 1", len(exec.calls))
	}
}

func TestRunnerUnknownBackend(t *testing.T) {
	set := &OperationSet{
		Name: "orphan",
		Operations: []Operation{
			{Name: "op", Backend: "carrier-pigeon", ResultDialect: DialectText, Params: map[string]any{}},
		},
	}

	envelope := NewRunner(testLogger(), NewRegistry()).Run(context.Background(), set, Context{})

	if envelope.Status != StatusError {
		t.Fatalf("got status %q, want error", envelope.Status)
	}
}

func TestRunnerAsyncRecordsHandle(t *testing.T) {
	sub := &fakeSubmitter{handle: "task-123"}
	set := &OperationSet{
		Name: "background",
		Operations: []Operation{
			{Name: "long_job", Backend: BackendShell, Async: true, ResultDialect: DialectText, Params: map[string]any{}},
		},
	}

	run := Context{}
	envelope := newTestRunner(BackendShell, sub).Run(context.Background(), set, run)

	if envelope.Status != StatusSuccess {
		t.Fatalf("got status %q (%s), want success", envelope.Status, envelope.Message)
	}
	if envelope.Snippets["long_job"].Outputs["task_id"] != "task-123" {
		t.Errorf("envelope must carry the task handle: %v", envelope.Snippets)
	}
	if run["task_id"] != "task-123" {
		t.Errorf("task handle must join the context for later ops: %v", run)
	}
}

func TestRunnerAsyncOnSyncBackend(t *testing.T) {
	exec := &fakeExecutor{}
	set := &OperationSet{
		Name: "impossible",
		Operations: []Operation{
			{Name: "op", Backend: BackendRest, Async: true, ResultDialect: DialectText, Params: map[string]any{}},
		},
	}

	envelope := newTestRunner(BackendRest, exec).Run(context.Background(), set, Context{})

	if envelope.Status != StatusError {
		t.Fatalf("got status %q, want error", envelope.Status)
	}
}

func TestRunnerTemplateFailureIsTerminal(t *testing.T) {
	exec := &fakeExecutor{}
	set := &OperationSet{
		Name: "broken-template",
		Operations: []Operation{
			{Name: "op", Backend: BackendRest, ResultDialect: DialectText,
				Params: map[string]any{"path": "{% invalid"}},
		},
	}

	envelope := newTestRunner(BackendRest, exec).Run(context.Background(), set, Context{})

	if envelope.Status != StatusError {
		t.Fatalf("got status %q, want error", envelope.Status)
	}
	if len(exec.calls) != 0 {
		t.Errorf("executor must not run with unrendered params")
	}
}

func TestEnvelopeJSON(t *testing.T) {
	envelope := NewEnvelope()
	envelope.Snippets["op"] = SnippetResult{Results: "raw", Outputs: map[string]any{"k": "v"}}

	body, err := envelope.JSON()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{`"status":"success"`, `"message":"A-OK"`, `"results":"raw"`} {
		if !strings.Contains(body, want) {
			t.Errorf("envelope json missing %s: %s", want, body)
		}
	}
}
