package gate

import "errors"

var (
	// ErrTransport reports that a reputation check did not complete: connection
	// failures, timeouts and non-2xx statuses all wrap it.
	ErrTransport = errors.New("gate: reputation transport failed")
	// ErrMalformedResponse reports a reputation body that could not be parsed into
	// the expected envelope.
	ErrMalformedResponse = errors.New("gate: malformed reputation response")
	// ErrInterceptionTypeMismatch reports an observed subject that does not expose
	// the Request capability. Such subjects are never gated.
	ErrInterceptionTypeMismatch = errors.New("gate: subject is not a gateable request")
	// ErrBlockedByPolicy is the abort reason handed to Request.Cancel when a host
	// is refused. It is distinct from a network failure so the host application
	// can report the block accurately.
	ErrBlockedByPolicy = errors.New("gate: blocked by policy")
)
