package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/l0p7/hostgate/internal/gate/cache"
)

// DecisionSource exposes the remembered host decisions to the admin router.
type DecisionSource interface {
	Decisions(ctx context.Context) (map[string]cache.Decision, error)
	Lookup(ctx context.Context, host string) (cache.Decision, bool, error)
}

type decisionView struct {
	Host     string         `json:"host"`
	Decision cache.Decision `json:"decision"`
}

// NewAdminHandler routes /healthz, /metrics and /decisions. A nil metrics
// handler answers 404 on /metrics.
func NewAdminHandler(decisions DecisionSource, metricsHandler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, host, ok := parseAdminRoute(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}

		switch route {
		case "healthz":
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		case "metrics":
			if metricsHandler == nil {
				http.NotFound(w, r)
				return
			}
			metricsHandler.ServeHTTP(w, r)
		case "decisions":
			serveDecisions(w, r, decisions, host)
		default:
			http.NotFound(w, r)
		}
	})
}

func serveDecisions(w http.ResponseWriter, r *http.Request, source DecisionSource, host string) {
	if source == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "decision cache unavailable"})
		return
	}
	if host != "" {
		decision, ok, err := source.Lookup(r.Context(), host)
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no decision for host"})
			return
		}
		writeJSON(w, http.StatusOK, decisionView{Host: host, Decision: decision})
		return
	}

	snapshot, err := source.Decisions(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}

	views := make([]decisionView, 0, len(snapshot))
	for h, d := range snapshot {
		views = append(views, decisionView{Host: h, Decision: d})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Host < views[j].Host })
	writeJSON(w, http.StatusOK, map[string]any{"count": len(views), "decisions": views})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// parseAdminRoute returns the route name and, for /decisions/<host>, the host.
func parseAdminRoute(path string) (string, string, bool) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "", "", false
	}
	parts := strings.SplitN(trimmed, "/", 2)
	route := strings.ToLower(parts[0])
	switch len(parts) {
	case 1:
		switch route {
		case "health", "healthz":
			return "healthz", "", true
		case "metrics", "decisions":
			return route, "", true
		}
	case 2:
		if route == "decisions" && parts[1] != "" && !strings.Contains(parts[1], "/") {
			return route, parts[1], true
		}
	}
	return "", "", false
}
