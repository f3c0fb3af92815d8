package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/hostgate/internal/gate"
	"github.com/l0p7/hostgate/internal/gate/cache"
	"github.com/l0p7/hostgate/internal/prompt"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type observerFunc func(ctx context.Context, subject any) gate.Disposition

func (fn observerFunc) Observe(ctx context.Context, subject any) gate.Disposition {
	return fn(ctx, subject)
}

func newGate(t *testing.T, store cache.DecisionCache, verdict gate.Verdict, prompter prompt.Prompter) *gate.Controller {
	t.Helper()
	ctrl, err := gate.New(newTestLogger(), gate.Options{
		Cache: store,
		Checker: gate.CheckerFunc(func(context.Context, string) gate.Result {
			return gate.Result{Verdict: verdict}
		}),
		Prompter: prompter,
	})
	require.NoError(t, err)
	return ctrl
}

func newProxy(t *testing.T, g Observer) *httptest.Server {
	t.Helper()
	h, err := New(newTestLogger(), g, Options{DialTimeout: time.Second})
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

// connect opens a raw connection to the proxy and issues CONNECT authority.
func connect(t *testing.T, proxyURL, authority string) (net.Conn, *bufio.Reader, *http.Response) {
	t.Helper()
	u, err := url.Parse(proxyURL)
	require.NoError(t, err)
	conn, err := net.DialTimeout("tcp", u.Host, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = io.WriteString(conn, "CONNECT "+authority+" HTTP/1.1\r\nHost: "+authority+"\r\n\r\n")
	require.NoError(t, err)
	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, &http.Request{Method: http.MethodConnect})
	require.NoError(t, err)
	return conn, reader, resp
}

func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

func TestConnectCachedDenyIsForbidden(t *testing.T) {
	store := cache.NewMemory(0)
	require.NoError(t, store.Record(context.Background(), "bad.example", cache.Deny))
	srv := newProxy(t, newGate(t, store, gate.NotVulnerable, nil))

	_, _, resp := connect(t, srv.URL, "bad.example:443")
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "policy", resp.Header.Get(reasonHeader))
}

func TestConnectMixedCaseHostHitsCachedDeny(t *testing.T) {
	store := cache.NewMemory(0)
	require.NoError(t, store.Record(context.Background(), "bad.example", cache.Deny))
	srv := newProxy(t, newGate(t, store, gate.NotVulnerable, nil))

	for _, authority := range []string{"BAD.example:443", "Bad.Example:8443"} {
		_, _, resp := connect(t, srv.URL, authority)
		resp.Body.Close()
		require.Equal(t, http.StatusForbidden, resp.StatusCode, authority)
		require.Equal(t, "policy", resp.Header.Get(reasonHeader), authority)
	}
}

func TestConnectNotVulnerableTunnels(t *testing.T) {
	store := cache.NewMemory(0)
	ctrl := newGate(t, store, gate.NotVulnerable, nil)
	srv := newProxy(t, ctrl)
	upstream := echoServer(t)

	conn, reader, resp := connect(t, srv.URL, upstream)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err := io.WriteString(conn, "ping\n")
	require.NoError(t, err)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "ping\n", line)

	ctrl.Wait()
	d, ok, err := store.Lookup(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, cache.Allow, d)
}

func TestConnectVulnerableDeclinedIsForbidden(t *testing.T) {
	srv := newProxy(t, newGate(t, cache.NewMemory(0), gate.Vulnerable, prompt.Static{}))

	_, _, resp := connect(t, srv.URL, echoServer(t))
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "policy", resp.Header.Get(reasonHeader))
}

func TestConnectServiceErrorFailsOpen(t *testing.T) {
	srv := newProxy(t, newGate(t, cache.NewMemory(0), gate.ServiceError, nil))

	_, _, resp := connect(t, srv.URL, echoServer(t))
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConnectHeldUntilVerdict(t *testing.T) {
	release := make(chan struct{})
	ctrl, err := gate.New(newTestLogger(), gate.Options{
		Cache: cache.NewMemory(0),
		Checker: gate.CheckerFunc(func(context.Context, string) gate.Result {
			<-release
			return gate.Result{Verdict: gate.NotVulnerable}
		}),
	})
	require.NoError(t, err)
	srv := newProxy(t, ctrl)
	upstream := echoServer(t)

	type outcome struct {
		status int
		err    error
	}
	results := make(chan outcome, 1)
	go func() {
		u, _ := url.Parse(srv.URL)
		conn, err := net.Dial("tcp", u.Host)
		if err != nil {
			results <- outcome{err: err}
			return
		}
		defer conn.Close()
		_, _ = io.WriteString(conn, "CONNECT "+upstream+" HTTP/1.1\r\nHost: "+upstream+"\r\n\r\n")
		resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: http.MethodConnect})
		if err != nil {
			results <- outcome{err: err}
			return
		}
		results <- outcome{status: resp.StatusCode}
	}()

	select {
	case r := <-results:
		t.Fatalf("tunnel answered before the verdict: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}
	close(release)
	select {
	case r := <-results:
		require.NoError(t, r.err)
		require.Equal(t, http.StatusOK, r.status)
	case <-time.After(2 * time.Second):
		t.Fatalf("tunnel never released")
	}
}

func TestConnectOtherCancelReasonIsBadGateway(t *testing.T) {
	srv := newProxy(t, observerFunc(func(_ context.Context, subject any) gate.Disposition {
		req, err := gate.AsRequest(subject)
		if assert.NoError(t, err) {
			assert.NoError(t, req.Cancel(errors.New("shutting down")))
		}
		return gate.Checking
	}))

	_, _, resp := connect(t, srv.URL, "h.example:443")
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Empty(t, resp.Header.Get(reasonHeader))
}

func TestConnectHandleCarriesClientGroup(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	srv := newProxy(t, observerFunc(func(_ context.Context, subject any) gate.Disposition {
		grouped, ok := subject.(gate.Grouped)
		req, err := gate.AsRequest(subject)
		if !assert.True(t, ok) || !assert.NoError(t, err) {
			return gate.Ignored
		}
		mu.Lock()
		seen = append(seen, grouped.Group(), req.URL().String())
		mu.Unlock()
		assert.NoError(t, req.Cancel(gate.ErrBlockedByPolicy))
		return gate.CacheDeny
	}))

	_, _, resp := connect(t, srv.URL, "h.example:8443")
	resp.Body.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	host, _, err := net.SplitHostPort(seen[0])
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", host)
	require.Equal(t, "https://h.example:8443", seen[1])
}

func TestConnectRejectsBadAuthority(t *testing.T) {
	srv := newProxy(t, observerFunc(func(context.Context, any) gate.Disposition {
		t.Errorf("gate consulted for malformed CONNECT")
		return gate.Ignored
	}))

	_, _, resp := connect(t, srv.URL, "no-port")
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConnectDialFailureIsBadGateway(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closed := ln.Addr().String()
	ln.Close()

	srv := newProxy(t, newGate(t, cache.NewMemory(0), gate.ServiceError, nil))
	_, _, resp := connect(t, srv.URL, closed)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestPlainHTTPIsForwardedWithoutCheck(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Proxy-Authorization"))
		_, _ = io.WriteString(w, "hello from "+r.URL.Path)
	}))
	defer upstream.Close()

	ctrl, err := gate.New(newTestLogger(), gate.Options{
		Cache: cache.NewMemory(0),
		Checker: gate.CheckerFunc(func(context.Context, string) gate.Result {
			t.Errorf("plain http must not be checked")
			return gate.Result{}
		}),
	})
	require.NoError(t, err)
	srv := newProxy(t, ctrl)

	proxyURL, err := url.Parse(srv.URL)
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}, Timeout: 5 * time.Second}
	req, err := http.NewRequest(http.MethodGet, upstream.URL+"/page", nil)
	require.NoError(t, err)
	req.Header.Set("Proxy-Authorization", "Basic Zm9vOmJhcg==")
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hello from /page", string(body))
}

func TestForwardRequiresAbsoluteURL(t *testing.T) {
	srv := newProxy(t, observerFunc(func(context.Context, any) gate.Disposition { return gate.Bypassed }))

	resp, err := http.Get(srv.URL + "/direct")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.True(t, strings.Contains(string(body), "absolute URL"))
}

func TestNewRequiresGate(t *testing.T) {
	_, err := New(newTestLogger(), nil, Options{})
	require.Error(t, err)
}
