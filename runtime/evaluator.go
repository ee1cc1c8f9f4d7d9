package runtime

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
)

// EvalWhen evaluates an operation's skip condition against the run context.
// An empty condition always passes. Boolean results are taken as-is; string
// results follow the legacy convention where "false" and "no" skip the
// operation and anything else runs it.
func EvalWhen(condition string, ctx Context) (bool, error) {
	if condition == "" {
		return true, nil
	}

	env := map[string]any(ctx)
	program, err := expr.Compile(condition, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return false, fmt.Errorf("compiling condition %q: %w", condition, err)
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluating condition %q: %w", condition, err)
	}

	switch v := result.(type) {
	case bool:
		return v, nil
	case string:
		lowered := strings.ToLower(v)
		return lowered != "false" && lowered != "no", nil
	default:
		return false, fmt.Errorf("condition %q evaluated to %T, expected boolean", condition, result)
	}
}
