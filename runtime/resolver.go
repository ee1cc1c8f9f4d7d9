package runtime

import (
	"context"
	"fmt"
	"log/slog"
)

// PresenceChecker reports whether a prerequisite set's configuration is
// already present on the target. The device executor implements this by
// probing each operation's configured path.
type PresenceChecker interface {
	CheckPresent(ctx context.Context, set *OperationSet, run Context) (bool, error)
}

// Resolve flattens a set's declared prerequisites: declared order is kept,
// duplicates are removed on first occurrence.
func Resolve(set *OperationSet) []string {
	seen := make(map[string]struct{}, len(set.Depends))
	resolved := make([]string, 0, len(set.Depends))
	for _, name := range set.Depends {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		resolved = append(resolved, name)
	}
	return resolved
}

// Resolver ensures a set's prerequisites are satisfied before the primary
// set runs: each prerequisite is loaded, presence-checked against the
// target and executed only when absent.
type Resolver struct {
	l       *slog.Logger
	store   *Store
	runner  *Runner
	checker PresenceChecker
}

func NewResolver(l *slog.Logger, store *Store, runner *Runner, checker PresenceChecker) *Resolver {
	return &Resolver{l: l, store: store, runner: runner, checker: checker}
}

// Ensure walks the resolved prerequisite list in order. A prerequisite's
// variable defaults join the run context without overwriting values already
// present. A presence-check that cannot determine state is terminal for the
// whole chain, not silently skipped.
func (r *Resolver) Ensure(ctx context.Context, set *OperationSet, run Context) error {
	names := Resolve(set)
	if len(names) == 0 {
		return nil
	}
	if r.checker == nil {
		return &DependencyError{Set: set.Name, Err: fmt.Errorf("no presence checker configured")}
	}

	for _, name := range names {
		dep, ok := r.store.Get(name)
		if !ok {
			return &DependencyError{Set: name, Err: fmt.Errorf("prerequisite set not found in store")}
		}

		run.SeedDefaults(dep.Variables)

		present, err := r.checker.CheckPresent(ctx, dep, run)
		if err != nil {
			return &DependencyError{Set: name, Err: err}
		}
		if present {
			r.l.InfoContext(ctx, fmt.Sprintf("Prerequisite %s already satisfied, skipping", name))
			continue
		}

		r.l.InfoContext(ctx, fmt.Sprintf("Executing prerequisite %s", name))
		envelope := r.runner.Run(ctx, dep, run)
		if envelope.Status != StatusSuccess {
			return &DependencyError{Set: name, Err: fmt.Errorf("execution failed: %s", envelope.Message)}
		}
	}
	return nil
}
