// Package reputation queries the external host reputation service and turns
// its answer into a gate verdict.
package reputation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/l0p7/hostgate/internal/expr"
	"github.com/l0p7/hostgate/internal/gate"
	"github.com/l0p7/hostgate/internal/metrics"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultMaxBodyBytes = 64 << 10
	defaultExpression   = "code == 1"
	maxRedirects        = 5
)

// Settings are the reloadable parameters of a Client.
type Settings struct {
	Endpoint     string
	Timeout      time.Duration
	Expression   string
	MaxBodyBytes int64
}

// Options configure a Client. HTTPClient is copied and stripped of its cookie
// jar, so callers cannot accidentally attach ambient credentials.
type Options struct {
	Settings   Settings
	Coalesce   bool
	HTTPClient *http.Client
	Metrics    *metrics.Recorder
}

type compiledSettings struct {
	base         *url.URL
	timeout      time.Duration
	program      expr.Program
	maxBodyBytes int64
}

// Client issues anonymous lookups against <endpoint>/<host>. It implements
// gate.Checker. Lookups are never retried.
type Client struct {
	logger   *slog.Logger
	http     *http.Client
	env      *expr.Environment
	metrics  *metrics.Recorder
	coalesce bool
	flights  singleflight.Group
	settings atomic.Pointer[compiledSettings]
}

// New validates the settings and builds the client.
func New(logger *slog.Logger, opts Options) (*Client, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, fmt.Errorf("reputation: %w", err)
	}
	c := &Client{
		logger:   logger.With(slog.String("agent", "reputation")),
		http:     anonymousClient(opts.HTTPClient),
		env:      env,
		metrics:  opts.Metrics,
		coalesce: opts.Coalesce,
	}
	if err := c.Reload(opts.Settings); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload atomically swaps the endpoint, timeout, body cap and verdict
// expression. In-flight lookups finish with the settings they started with.
func (c *Client) Reload(s Settings) error {
	compiled, err := c.compile(s)
	if err != nil {
		return err
	}
	c.settings.Store(compiled)
	c.logger.Info("reputation settings applied",
		slog.String("endpoint", compiled.base.Redacted()),
		slog.Duration("timeout", compiled.timeout),
		slog.String("expression", compiled.program.Source()),
	)
	return nil
}

func (c *Client) compile(s Settings) (*compiledSettings, error) {
	endpoint := strings.TrimSpace(s.Endpoint)
	if endpoint == "" {
		return nil, errors.New("reputation: endpoint required")
	}
	base, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("reputation: endpoint: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("reputation: endpoint scheme unsupported: %q", base.Scheme)
	}
	if base.User != nil {
		return nil, errors.New("reputation: endpoint must not carry credentials")
	}
	source := s.Expression
	if strings.TrimSpace(source) == "" {
		source = defaultExpression
	}
	program, err := c.env.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("reputation: %w", err)
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxBody := s.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &compiledSettings{base: base, timeout: timeout, program: program, maxBodyBytes: maxBody}, nil
}

// Check runs Lookup on its own goroutine and delivers exactly one Result.
func (c *Client) Check(ctx context.Context, host string, onComplete func(gate.Result)) {
	go func() {
		result := gate.Result{Verdict: gate.ServiceError, Err: fmt.Errorf("%w: lookup aborted", gate.ErrTransport)}
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("reputation lookup panicked", slog.String("host", host), slog.Any("panic", r))
			}
			onComplete(result)
		}()
		result = c.Lookup(ctx, host)
	}()
}

// Lookup performs the check synchronously. When coalescing is enabled,
// concurrent lookups for the same host share one upstream request.
func (c *Client) Lookup(ctx context.Context, host string) gate.Result {
	if !c.coalesce {
		return c.lookup(ctx, host)
	}
	ch := c.flights.DoChan(host, func() (any, error) {
		return c.lookup(context.WithoutCancel(ctx), host), nil
	})
	select {
	case <-ctx.Done():
		return gate.Result{Verdict: gate.ServiceError, Err: fmt.Errorf("%w: %w", gate.ErrTransport, ctx.Err())}
	case res := <-ch:
		result, _ := res.Val.(gate.Result)
		return result
	}
}

func (c *Client) lookup(ctx context.Context, host string) gate.Result {
	s := c.settings.Load()
	started := time.Now()
	result := c.fetch(ctx, s, host)
	c.metrics.ObserveCheck(result.Verdict.String(), time.Since(started))

	attrs := []any{
		slog.String("host", host),
		slog.String("verdict", result.Verdict.String()),
		slog.Duration("elapsed", time.Since(started)),
	}
	if group := gate.GroupFrom(ctx); group != "" {
		attrs = append(attrs, slog.String("group", group))
	}
	if result.Err != nil {
		attrs = append(attrs, slog.Any("error", result.Err))
		c.logger.Warn("reputation check failed", attrs...)
	} else {
		c.logger.Debug("reputation check complete", attrs...)
	}
	return result
}

func (c *Client) fetch(ctx context.Context, s *compiledSettings, host string) gate.Result {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkURL(s.base, host), nil)
	if err != nil {
		return transportError(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, s.maxBodyBytes))
		return transportError(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	pending := &pendingLookup{host: host, limit: s.maxBodyBytes}
	if err := pending.drain(resp.Body); err != nil {
		return gate.Result{Verdict: gate.ServiceError, Err: err}
	}
	return interpret(s.program, host, pending.body.Bytes())
}

// pendingLookup accumulates one response body until the service closes it.
type pendingLookup struct {
	host  string
	limit int64
	body  bytes.Buffer
}

func (p *pendingLookup) drain(r io.Reader) error {
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if int64(p.body.Len()+n) > p.limit {
				return fmt.Errorf("%w: body exceeds %d bytes", gate.ErrMalformedResponse, p.limit)
			}
			p.body.Write(chunk[:n])
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: read body: %w", gate.ErrTransport, err)
		}
	}
}

// interpret decodes {"code": <int>} and evaluates the verdict program. A
// missing or non-integer code is malformed rather than vulnerable.
func interpret(program expr.Program, host string, body []byte) gate.Result {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var envelope map[string]any
	if err := decoder.Decode(&envelope); err != nil {
		return malformed(fmt.Errorf("decode: %w", err))
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return malformed(errors.New("trailing data after envelope"))
	}
	raw, ok := envelope["code"]
	if !ok {
		return malformed(errors.New("code field missing"))
	}
	number, ok := raw.(json.Number)
	if !ok {
		return malformed(fmt.Errorf("code field is %T, want integer", raw))
	}
	code, err := number.Int64()
	if err != nil {
		return malformed(fmt.Errorf("code field %q is not an integer", number.String()))
	}

	passed, err := program.EvalBool(map[string]any{
		"code": code,
		"body": expr.NormalizeJSON(envelope),
		"host": host,
	})
	if err != nil {
		return malformed(err)
	}
	if passed {
		return gate.Result{Verdict: gate.NotVulnerable}
	}
	return gate.Result{Verdict: gate.Vulnerable}
}

func checkURL(base *url.URL, host string) string {
	target := *base
	target.Path = strings.TrimRight(base.Path, "/") + "/" + host
	target.RawPath = strings.TrimRight(base.EscapedPath(), "/") + "/" + url.PathEscape(host)
	return target.String()
}

// anonymousClient copies in (or a fresh client) with no cookie jar and a
// redirect policy that drops credentials.
func anonymousClient(in *http.Client) *http.Client {
	var out http.Client
	if in != nil {
		out = *in
	} else {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		// The gate may itself be the configured proxy; never route checks through it.
		transport.Proxy = nil
		out.Transport = transport
	}
	out.Jar = nil
	out.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		if req.URL.User != nil {
			return errors.New("redirect carries credentials")
		}
		req.Header.Del("Authorization")
		req.Header.Del("Cookie")
		return nil
	}
	return &out
}

func transportError(err error) gate.Result {
	return gate.Result{Verdict: gate.ServiceError, Err: fmt.Errorf("%w: %w", gate.ErrTransport, err)}
}

func malformed(err error) gate.Result {
	return gate.Result{Verdict: gate.ServiceError, Err: fmt.Errorf("%w: %w", gate.ErrMalformedResponse, err)}
}
