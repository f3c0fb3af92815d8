// Package gate holds intercepted secure requests while an external reputation
// service is consulted, then resumes or cancels them.
package gate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/l0p7/hostgate/internal/gate/cache"
	"github.com/l0p7/hostgate/internal/metrics"
	"github.com/l0p7/hostgate/internal/prompt"
)

// Disposition is what Observe did with a subject on arrival.
type Disposition string

const (
	// Ignored subjects did not expose the Request capability.
	Ignored Disposition = "ignored"
	// Bypassed requests were not eligible and were left untouched.
	Bypassed Disposition = "bypassed"
	// CacheAllow requests proceed without suspension on a remembered Allow.
	CacheAllow Disposition = "cache_allow"
	// CacheDeny requests were cancelled without suspension on a remembered Deny.
	CacheDeny Disposition = "cache_deny"
	// Checking requests are suspended until a verdict resolves them.
	Checking Disposition = "checking"
)

// Options wire the collaborators a Controller owns.
type Options struct {
	Cache     cache.DecisionCache
	Checker   Checker
	Prompter  prompt.Prompter
	Questions *prompt.Formatter
	Metrics   *metrics.Recorder
}

// Controller is the gate. It is safe for concurrent use: Observe may be called
// from any number of goroutines and checks complete on their own goroutines.
type Controller struct {
	logger    *slog.Logger
	cache     cache.DecisionCache
	checker   Checker
	prompter  prompt.Prompter
	questions *prompt.Formatter
	metrics   *metrics.Recorder

	inflight sync.WaitGroup
}

// New builds a Controller. A nil Prompter declines every escalation without
// remembering it.
func New(logger *slog.Logger, opts Options) (*Controller, error) {
	if opts.Cache == nil {
		return nil, errors.New("gate: decision cache required")
	}
	if opts.Checker == nil {
		return nil, errors.New("gate: checker required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	prompter := opts.Prompter
	if prompter == nil {
		prompter = prompt.Static{}
	}
	questions := opts.Questions
	if questions == nil {
		formatter, err := prompt.NewFormatter("", "")
		if err != nil {
			return nil, fmt.Errorf("gate: %w", err)
		}
		questions = formatter
	}
	opts.Metrics.TrackCacheSize(opts.Cache.Size)
	return &Controller{
		logger:    logger.With(slog.String("agent", "gate")),
		cache:     opts.Cache,
		checker:   opts.Checker,
		prompter:  prompter,
		questions: questions,
		metrics:   opts.Metrics,
	}, nil
}

// Observe handles one "about to send" notification. It never waits for a
// reputation check: on a cache miss the request is suspended, the check is
// dispatched and Observe returns Checking.
func (c *Controller) Observe(ctx context.Context, subject any) Disposition {
	disposition := c.observe(ctx, subject)
	c.metrics.ObserveRequest(string(disposition))
	return disposition
}

func (c *Controller) observe(ctx context.Context, subject any) Disposition {
	req, err := AsRequest(subject)
	if err != nil {
		c.logger.Debug("subject not gateable", slog.Any("error", err))
		return Ignored
	}
	target := req.URL()
	if !isSecureScheme(target.Scheme) {
		return Bypassed
	}
	host := target.Hostname()
	if host == "" {
		c.logger.Debug("secure request without host", slog.String("url", target.Redacted()))
		return Bypassed
	}

	if decision, ok := c.lookup(ctx, host); ok {
		switch decision {
		case cache.Deny:
			if err := req.Cancel(ErrBlockedByPolicy); err != nil {
				c.logger.Warn("cancel on cached deny failed", slog.String("host", host), slog.Any("error", err))
			}
			c.logger.Info("request blocked by cached decision", slog.String("host", host))
			return CacheDeny
		case cache.Allow:
			c.logger.Debug("request allowed by cached decision", slog.String("host", host))
			return CacheAllow
		}
	}

	if err := req.Suspend(); err != nil {
		// Nothing is held, so the request proceeds as it would without the gate.
		c.logger.Warn("suspend failed, request left untouched", slog.String("host", host), slog.Any("error", err))
		return Bypassed
	}

	pending := c.newPendingCheck(req, host, target.Redacted())
	checkCtx := context.WithoutCancel(ctx)
	if grouped, ok := req.(Grouped); ok {
		checkCtx = WithGroup(checkCtx, grouped.Group())
	}
	c.dispatch(checkCtx, pending)
	return Checking
}

func (c *Controller) dispatch(ctx context.Context, p *pendingCheck) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("checker panicked on dispatch", slog.String("host", p.host), slog.Any("panic", r))
			p.complete(Result{Verdict: ServiceError, Err: fmt.Errorf("%w: checker panicked", ErrTransport)})
		}
	}()
	c.logger.Debug("request suspended pending reputation check", slog.String("host", p.host))
	c.checker.Check(ctx, p.host, p.complete)
}

// resolve applies the verdict for one pending check. It runs at most once per
// check; whatever happens, the request is resumed or cancelled before it returns.
func (c *Controller) resolve(p *pendingCheck, result Result) {
	ctx := context.Background()
	attempted := false
	action := "resume"
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("resolution panicked", slog.String("host", p.host), slog.Any("panic", r))
			if !attempted {
				action = "resume"
				p.resume()
			}
		}
		c.metrics.ObserveResolution(result.Verdict.String(), action)
		c.logger.Debug("pending check resolved",
			slog.String("host", p.host),
			slog.String("verdict", result.Verdict.String()),
			slog.String("action", action),
			slog.Duration("held", time.Since(p.started)),
		)
	}()

	switch result.Verdict {
	case NotVulnerable:
		c.record(ctx, p.host, cache.Allow)
		attempted = true
		p.resume()
	case Vulnerable:
		answer := c.ask(ctx, p)
		if answer.Remember {
			decision := cache.Deny
			if answer.Proceed {
				decision = cache.Allow
			}
			c.record(ctx, p.host, decision)
		}
		attempted = true
		if answer.Proceed {
			c.logger.Info("user allowed flagged host", slog.String("host", p.host), slog.Bool("remember", answer.Remember))
			p.resume()
			return
		}
		action = "cancel"
		c.logger.Info("user blocked flagged host", slog.String("host", p.host), slog.Bool("remember", answer.Remember))
		p.cancel(ErrBlockedByPolicy)
	default:
		// Fail open without touching the cache: an outage must not become a decision.
		c.logger.Warn("reputation check unavailable, allowing request",
			slog.String("host", p.host),
			slog.Any("error", result.Err),
		)
		attempted = true
		p.resume()
	}
}

func (c *Controller) ask(ctx context.Context, p *pendingCheck) prompt.Answer {
	question, err := c.questions.Format(prompt.Question{Host: p.host, URL: p.url})
	if err != nil {
		c.logger.Warn("prompt render failed, using raw host", slog.String("host", p.host), slog.Any("error", err))
		question.Title = prompt.DefaultTitle
		question.Message = p.host
	}
	answer, err := c.prompter.Ask(ctx, question)
	if err != nil {
		c.logger.Warn("prompt failed, allowing request", slog.String("host", p.host), slog.Any("error", err))
		return prompt.Answer{Proceed: true}
	}
	return answer
}

func (c *Controller) lookup(ctx context.Context, host string) (cache.Decision, bool) {
	started := time.Now()
	decision, ok, err := c.cache.Lookup(ctx, host)
	switch {
	case err != nil:
		c.metrics.ObserveCacheLookup(metrics.CacheLookupError, time.Since(started))
		c.logger.Warn("decision cache lookup failed, treating as miss", slog.String("host", host), slog.Any("error", err))
		return "", false
	case !ok:
		c.metrics.ObserveCacheLookup(metrics.CacheLookupMiss, time.Since(started))
		return "", false
	case decision == cache.Deny:
		c.metrics.ObserveCacheLookup(metrics.CacheLookupDeny, time.Since(started))
	default:
		c.metrics.ObserveCacheLookup(metrics.CacheLookupAllow, time.Since(started))
	}
	return decision, true
}

func (c *Controller) record(ctx context.Context, host string, decision cache.Decision) {
	started := time.Now()
	if err := c.cache.Record(ctx, host, decision); err != nil {
		c.metrics.ObserveCacheRecord(metrics.CacheRecordError, time.Since(started))
		c.logger.Error("decision cache record failed", slog.String("host", host), slog.Any("error", err))
		return
	}
	c.metrics.ObserveCacheRecord(metrics.CacheRecordStored, time.Since(started))
}

// Decisions returns a copy of the cached host decisions.
func (c *Controller) Decisions(ctx context.Context) (map[string]cache.Decision, error) {
	return c.cache.Snapshot(ctx)
}

// Lookup reads the cached decision for a single host without touching
// the lookup metrics.
func (c *Controller) Lookup(ctx context.Context, host string) (cache.Decision, bool, error) {
	return c.cache.Lookup(ctx, host)
}

// Wait blocks until every dispatched check has been resolved.
func (c *Controller) Wait() {
	c.inflight.Wait()
}

// Close waits for in-flight checks, bounded by ctx, then closes the cache.
func (c *Controller) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("gate: close: %w", ctx.Err())
	}
	if err := c.cache.Close(ctx); err != nil {
		return fmt.Errorf("gate: close cache: %w", err)
	}
	return nil
}
