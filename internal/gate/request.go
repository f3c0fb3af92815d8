package gate

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Request is the capability an intercepted connection must expose before the
// gate can hold it. Resume and Cancel must each be safe to call after the
// request has ended by other means; they report that case as an error.
type Request interface {
	URL() *url.URL
	Suspend() error
	Resume() error
	Cancel(reason error) error
}

// Grouped is implemented by requests that carry a transport-level grouping
// attribute. The gate copies it onto the context of the derived reputation
// check so logging and policy stay associated with the originating traffic.
type Grouped interface {
	Group() string
}

// AsRequest converts an observed subject into a Request, failing with
// ErrInterceptionTypeMismatch when the subject lacks the capability.
func AsRequest(subject any) (Request, error) {
	req, ok := subject.(Request)
	if !ok || req == nil {
		return nil, fmt.Errorf("%w: %T", ErrInterceptionTypeMismatch, subject)
	}
	if req.URL() == nil {
		return nil, fmt.Errorf("%w: %T has no url", ErrInterceptionTypeMismatch, subject)
	}
	return req, nil
}

func isSecureScheme(scheme string) bool {
	switch strings.ToLower(scheme) {
	case "https", "wss":
		return true
	default:
		return false
	}
}

type groupContextKey struct{}

// WithGroup annotates ctx with a request grouping attribute.
func WithGroup(ctx context.Context, group string) context.Context {
	if group == "" {
		return ctx
	}
	return context.WithValue(ctx, groupContextKey{}, group)
}

// GroupFrom returns the grouping attribute stored by WithGroup.
func GroupFrom(ctx context.Context) string {
	group, _ := ctx.Value(groupContextKey{}).(string)
	return group
}
