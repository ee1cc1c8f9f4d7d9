package runtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type fakeChecker struct {
	present map[string]bool
	err     error
	probes  []string
}

func (f *fakeChecker) CheckPresent(ctx context.Context, set *OperationSet, run Context) (bool, error) {
	f.probes = append(f.probes, set.Name)
	if f.err != nil {
		return false, f.err
	}
	return f.present[set.Name], nil
}

func depSet(name string) *OperationSet {
	return &OperationSet{
		Name:      name,
		Variables: []Variable{{Name: name + "_var", Default: "d"}},
		Operations: []Operation{
			{Name: name + "_op", Backend: BackendRest, ResultDialect: DialectText, Params: map[string]any{}},
		},
	}
}

func newResolverFixture(exec Executor, checker PresenceChecker, deps ...*OperationSet) (*Resolver, *Store) {
	store := NewStore()
	for _, dep := range deps {
		store.Add(dep)
	}
	registry := NewRegistry()
	registry.Register(BackendRest, exec)
	runner := NewRunner(testLogger(), registry)
	return NewResolver(testLogger(), store, runner, checker), store
}

func TestResolveOrderAndDedup(t *testing.T) {
	set := &OperationSet{Depends: []string{"b", "a", "b", "c", "a"}}
	got := Resolve(set)
	want := []string{"b", "a", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestEnsureSkipsPresent(t *testing.T) {
	exec := &fakeExecutor{results: map[string]string{}}
	checker := &fakeChecker{present: map[string]bool{"base": true}}
	resolver, _ := newResolverFixture(exec, checker, depSet("base"))

	set := &OperationSet{Name: "top", Depends: []string{"base"}}
	if err := resolver.Ensure(context.Background(), set, Context{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(exec.calls) != 0 {
		t.Errorf("present prerequisite must not execute, got %d calls", len(exec.calls))
	}
}

func TestEnsureExecutesAbsent(t *testing.T) {
	exec := &fakeExecutor{results: map[string]string{"base_op": "ok"}}
	checker := &fakeChecker{present: map[string]bool{}}
	resolver, _ := newResolverFixture(exec, checker, depSet("base"))

	set := &OperationSet{Name: "top", Depends: []string{"base"}}
	run := Context{}
	if err := resolver.Ensure(context.Background(), set, run); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(exec.calls) != 1 {
		t.Errorf("absent prerequisite must execute, got %d calls", len(exec.calls))
	}
	if run["base_var"] != "d" {
		t.Errorf("prerequisite defaults must seed the run context: %v", run)
	}
}

func TestEnsureDefaultsDoNotOverwrite(t *testing.T) {
	exec := &fakeExecutor{results: map[string]string{"base_op": "ok"}}
	checker := &fakeChecker{present: map[string]bool{}}
	resolver, _ := newResolverFixture(exec, checker, depSet("base"))

	set := &OperationSet{Name: "top", Depends: []string{"base"}}
	run := Context{"base_var": "caller"}
	if err := resolver.Ensure(context.Background(), set, run); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run["base_var"] != "caller" {
		t.Errorf("caller value must survive default seeding: %v", run)
	}
}

func TestEnsureCheckFailureIsTerminal(t *testing.T) {
	exec := &fakeExecutor{}
	checker := &fakeChecker{err: fmt.Errorf("device unreachable")}
	resolver, _ := newResolverFixture(exec, checker, depSet("base"))

	set := &OperationSet{Name: "top", Depends: []string{"base"}}
	err := resolver.Ensure(context.Background(), set, Context{})
	if err == nil {
		t.Fatal("expected error when presence check fails")
	}
	var derr *DependencyError
	if !errors.As(err, &derr) {
		t.Fatalf("expected DependencyError, got %T", err)
	}
	if len(exec.calls) != 0 {
		t.Errorf("prerequisite must not execute after a failed check")
	}
}

func TestEnsureMissingPrerequisite(t *testing.T) {
	resolver, _ := newResolverFixture(&fakeExecutor{}, &fakeChecker{})

	set := &OperationSet{Name: "top", Depends: []string{"ghost"}}
	err := resolver.Ensure(context.Background(), set, Context{})
	var derr *DependencyError
	if !errors.As(err, &derr) {
		t.Fatalf("expected DependencyError, got %v", err)
	}
	if derr.Set != "ghost" {
		t.Errorf("got set %q, want ghost", derr.Set)
	}
}

func TestEnsureFailedExecution(t *testing.T) {
	exec := &fakeExecutor{errs: map[string]error{"base_op": fmt.Errorf("boom")}}
	checker := &fakeChecker{present: map[string]bool{}}
	resolver, _ := newResolverFixture(exec, checker, depSet("base"))

	set := &OperationSet{Name: "top", Depends: []string{"base"}}
	err := resolver.Ensure(context.Background(), set, Context{})
	var derr *DependencyError
	if !errors.As(err, &derr) {
		t.Fatalf("expected DependencyError, got %v", err)
	}
}

func TestEnsureNoCheckerConfigured(t *testing.T) {
	resolver, _ := newResolverFixture(&fakeExecutor{}, nil, depSet("base"))

	set := &OperationSet{Name: "top", Depends: []string{"base"}}
	if err := resolver.Ensure(context.Background(), set, Context{}); err == nil {
		t.Fatal("expected error when dependencies exist without a checker")
	}

	// No dependencies means no checker is needed.
	plain := &OperationSet{Name: "plain"}
	if err := resolver.Ensure(context.Background(), plain, Context{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
