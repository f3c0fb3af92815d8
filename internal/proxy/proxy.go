// Package proxy is an HTTP forward proxy that presents every CONNECT tunnel and
// plain request to the gate before letting it through.
package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/hostgate/internal/gate"
)

const (
	defaultDialTimeout = 15 * time.Second
	reasonHeader       = "X-Hostgate-Reason"
)

// Observer is the part of the gate the proxy drives.
type Observer interface {
	Observe(ctx context.Context, subject any) gate.Disposition
}

// DialFunc opens the upstream leg of a tunnel.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Options tune upstream connections. Zero values fall back to a net.Dialer
// and a proxy-free clone of http.DefaultTransport.
type Options struct {
	DialTimeout time.Duration
	Dial        DialFunc
	Transport   http.RoundTripper
}

// Handler serves proxy traffic.
type Handler struct {
	logger      *slog.Logger
	gate        Observer
	dial        DialFunc
	dialTimeout time.Duration
	forward     *httputil.ReverseProxy
}

// New builds a Handler that consults g for every request.
func New(logger *slog.Logger, g Observer, opts Options) (*Handler, error) {
	if g == nil {
		return nil, errors.New("proxy: gate required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dial := opts.Dial
	if dial == nil {
		dialer := &net.Dialer{KeepAlive: 30 * time.Second}
		dial = dialer.DialContext
	}
	transport := opts.Transport
	if transport == nil {
		clone := http.DefaultTransport.(*http.Transport).Clone()
		clone.Proxy = nil
		clone.DialContext = dial
		transport = clone
	}

	h := &Handler{
		logger:      logger.With(slog.String("agent", "proxy")),
		gate:        g,
		dial:        dial,
		dialTimeout: timeout,
	}
	h.forward = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL = cloneURL(pr.In.URL)
			pr.Out.Host = pr.In.URL.Host
			pr.Out.Header.Del("Proxy-Authorization")
			pr.Out.Header.Del("Proxy-Connection")
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			h.logger.Warn("upstream round trip failed", slog.String("url", r.URL.Redacted()), slog.Any("error", err))
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		h.serveConnect(w, r)
		return
	}
	h.serveForward(w, r)
}

func (h *Handler) serveConnect(w http.ResponseWriter, r *http.Request) {
	authority := r.Host
	if authority == "" && r.URL != nil {
		authority = r.URL.Host
	}
	if _, _, err := net.SplitHostPort(authority); err != nil {
		http.Error(w, "CONNECT requires host:port", http.StatusBadRequest)
		return
	}

	target := &url.URL{Scheme: "https", Host: authority}
	if !h.admit(w, r, target) {
		return
	}

	dialCtx, cancel := context.WithTimeout(r.Context(), h.dialTimeout)
	upstream, err := h.dial(dialCtx, "tcp", authority)
	cancel()
	if err != nil {
		h.logger.Warn("tunnel dial failed", slog.String("host", authority), slog.Any("error", err))
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}

	client, buffered, err := http.NewResponseController(w).Hijack()
	if err != nil {
		upstream.Close()
		h.logger.Error("connection hijack failed", slog.Any("error", err))
		http.Error(w, "tunnel unsupported", http.StatusInternalServerError)
		return
	}
	if _, err := io.WriteString(client, "HTTP/1.1 200 Connection established\r\n\r\n"); err != nil {
		client.Close()
		upstream.Close()
		return
	}

	// Bytes the client pipelined after the CONNECT head are already buffered.
	if n := buffered.Reader.Buffered(); n > 0 {
		head, _ := buffered.Reader.Peek(n)
		if _, err := upstream.Write(head); err != nil {
			client.Close()
			upstream.Close()
			return
		}
	}
	h.splice(authority, client, upstream)
}

func (h *Handler) splice(host string, client, upstream net.Conn) {
	started := time.Now()
	var wg sync.WaitGroup
	wg.Add(2)
	pipe := func(dst, src net.Conn) {
		defer wg.Done()
		_, _ = io.Copy(dst, src)
		if cw, ok := dst.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		} else {
			dst.Close()
		}
	}
	go pipe(upstream, client)
	go pipe(client, upstream)
	wg.Wait()
	client.Close()
	upstream.Close()
	h.logger.Debug("tunnel closed", slog.String("host", host), slog.Duration("duration", time.Since(started)))
}

func (h *Handler) serveForward(w http.ResponseWriter, r *http.Request) {
	if r.URL == nil || !r.URL.IsAbs() || r.URL.Host == "" {
		http.Error(w, "proxy requests require an absolute URL", http.StatusBadRequest)
		return
	}
	if !h.admit(w, r, cloneURL(r.URL)) {
		return
	}
	h.forward.ServeHTTP(w, r)
}

// admit hands the request to the gate and waits for its outcome. It reports
// whether the caller may proceed; otherwise the response is already written.
// target is owned by admit and its host is lowercased for the cache key.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request, target *url.URL) bool {
	target.Host = strings.ToLower(target.Host)
	hd := newHandle(target, r.RemoteAddr)
	disposition := h.gate.Observe(r.Context(), hd)
	err := hd.await(r.Context())
	switch {
	case err == nil:
		return true
	case errors.Is(err, gate.ErrBlockedByPolicy):
		h.logger.Info("request blocked",
			slog.String("url", target.Redacted()),
			slog.String("client", r.RemoteAddr),
			slog.String("disposition", string(disposition)),
		)
		w.Header().Set(reasonHeader, "policy")
		http.Error(w, "blocked by host reputation policy", http.StatusForbidden)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.logger.Debug("client left while request was held", slog.String("url", target.Redacted()))
	default:
		h.logger.Warn("request cancelled", slog.String("url", target.Redacted()), slog.Any("error", err))
		http.Error(w, "request cancelled", http.StatusBadGateway)
	}
	return false
}

func cloneURL(u *url.URL) *url.URL {
	out := *u
	if u.User != nil {
		user := *u.User
		out.User = &user
	}
	return &out
}
