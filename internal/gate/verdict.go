package gate

import "context"

// Verdict is the interpreted outcome of one reputation lookup. The zero value is
// ServiceError so an uninitialized result fails open.
type Verdict int

const (
	ServiceError Verdict = iota
	NotVulnerable
	Vulnerable
)

func (v Verdict) String() string {
	switch v {
	case NotVulnerable:
		return "not_vulnerable"
	case Vulnerable:
		return "vulnerable"
	default:
		return "service_error"
	}
}

// Result pairs a Verdict with the error that produced a ServiceError, if any.
type Result struct {
	Verdict Verdict
	Err     error
}

// Checker performs the out-of-band reputation lookup. Check must return without
// blocking and invoke onComplete exactly once, from any goroutine.
type Checker interface {
	Check(ctx context.Context, host string, onComplete func(Result))
}

// CheckerFunc adapts a synchronous lookup into an asynchronous Checker.
type CheckerFunc func(ctx context.Context, host string) Result

// Check runs fn on its own goroutine.
func (fn CheckerFunc) Check(ctx context.Context, host string, onComplete func(Result)) {
	go func() {
		onComplete(fn(ctx, host))
	}()
}
