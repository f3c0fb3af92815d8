package proxy

import (
	"context"
	"errors"
	"net/url"
	"sync"
)

var (
	// ErrRequestFinished is returned when the gate resolves a handle whose
	// client has already gone away.
	ErrRequestFinished = errors.New("proxy: request already finished")
	// ErrAlreadyResolved is returned on a second Resume or Cancel.
	ErrAlreadyResolved = errors.New("proxy: request already resolved")
	errNotIdle         = errors.New("proxy: request no longer suspendable")
	errCancelled       = errors.New("proxy: request cancelled")
)

type handleState int

const (
	stateIdle handleState = iota
	stateSuspended
	stateResumed
	stateCancelled
	stateFinished
)

// handle adapts one proxied request to gate.Request and gate.Grouped. The
// proxy goroutine that owns the connection blocks in await while the gate
// holds it.
type handle struct {
	target *url.URL
	group  string

	mu     sync.Mutex
	state  handleState
	reason error
	done   chan struct{}
}

func newHandle(target *url.URL, group string) *handle {
	return &handle{target: target, group: group, done: make(chan struct{})}
}

func (h *handle) URL() *url.URL { return h.target }

func (h *handle) Group() string { return h.group }

func (h *handle) Suspend() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != stateIdle {
		return errNotIdle
	}
	h.state = stateSuspended
	return nil
}

func (h *handle) Resume() error {
	return h.settle(stateResumed, nil)
}

func (h *handle) Cancel(reason error) error {
	return h.settle(stateCancelled, reason)
}

func (h *handle) settle(next handleState, reason error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case stateIdle, stateSuspended:
		if next == stateCancelled && reason == nil {
			reason = errCancelled
		}
		h.state = next
		h.reason = reason
		close(h.done)
		return nil
	case stateFinished:
		return ErrRequestFinished
	default:
		return ErrAlreadyResolved
	}
}

// await returns nil when the request may proceed and the cancel reason when
// it may not. A handle the gate never suspended proceeds immediately. If ctx
// ends first the handle is marked finished so a late resolution reports it.
func (h *handle) await(ctx context.Context) error {
	h.mu.Lock()
	switch h.state {
	case stateIdle:
		h.state = stateResumed
		close(h.done)
		h.mu.Unlock()
		return nil
	case stateSuspended:
		h.mu.Unlock()
	default:
		reason := h.reason
		h.mu.Unlock()
		return reason
	}

	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.reason
	case <-ctx.Done():
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.state == stateSuspended {
			h.state = stateFinished
			close(h.done)
			return ctx.Err()
		}
		return h.reason
	}
}
