package runtime

import "fmt"

// ConnectionKind distinguishes why an executor could not reach its backend.
type ConnectionKind string

const (
	// ConnUnreachable covers refused connections, DNS failures and timeouts.
	ConnUnreachable ConnectionKind = "unreachable"
	// ConnMalformedURL covers unparsable targets and unsupported schemes.
	ConnMalformedURL ConnectionKind = "malformed-url"
)

// TemplateError reports a failure while rendering an operation parameter.
type TemplateError struct {
	Template string
	Err      error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template error in %q: %v", e.Template, e.Err)
}

func (e *TemplateError) Unwrap() error { return e.Err }

// MalformedResultError reports an unparsable structured-markup result.
// It is terminal for the run.
type MalformedResultError struct {
	Operation string
	Err       error
}

func (e *MalformedResultError) Error() string {
	return fmt.Sprintf("could not parse result of operation %s: %v", e.Operation, e.Err)
}

func (e *MalformedResultError) Unwrap() error { return e.Err }

// EncodingError reports a value that could not be byte-safely re-encoded.
type EncodingError struct {
	Detail string
	Err    error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encoding error: %s: %v", e.Detail, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// ConnectionError reports an unreachable backend (network peer, device API
// or container daemon).
type ConnectionError struct {
	Target string
	Kind   ConnectionKind
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("cannot reach %s (%s): %v", e.Target, e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports a non-success status from a reachable backend.
// Status is a string because device API codes are not HTTP codes.
type ProtocolError struct {
	Target string
	Status string
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s returned status %s: %s", e.Target, e.Status, e.Detail)
}

// DependencyError reports that a prerequisite set could not be resolved,
// presence-checked or executed. It halts the whole chain.
type DependencyError struct {
	Set string
	Err error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("dependency %s: %v", e.Set, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }
