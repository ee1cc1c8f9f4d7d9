package runtime

import "fmt"

// Context is the mutable, run-scoped variable/output store. It is owned by
// exactly one runner invocation and never shared across concurrent runs.
type Context map[string]any

// NewContext seeds a Context from the set's variable defaults and then the
// caller-supplied input. Caller values win over defaults.
func NewContext(set *OperationSet, input map[string]any) Context {
	ctx := make(Context, len(set.Variables)+len(input))
	for _, v := range set.Variables {
		ctx[v.Name] = v.Default
	}
	for k, v := range input {
		ctx[k] = v
	}
	return ctx
}

// SeedDefaults adds variable defaults without overwriting existing keys.
// Used when a prerequisite set's variables join an already-populated run.
func (c Context) SeedDefaults(vars []Variable) {
	for _, v := range vars {
		if _, ok := c[v.Name]; !ok {
			c[v.Name] = v.Default
		}
	}
}

// MergeOutputs folds captured outputs into the context for use by later
// operations. Outputs deliberately MAY overwrite earlier values, including
// caller-supplied ones: an operation that captures a fresher value (an API
// key, a job id) is expected to win for the remainder of the run.
func (c Context) MergeOutputs(outputs map[string]any) {
	for k, v := range outputs {
		c[k] = v
	}
}

// String returns the context value under key rendered as a plain string.
func (c Context) String(key string) string {
	v, ok := c[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
