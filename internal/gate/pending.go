package gate

import (
	"log/slog"
	"sync"
	"time"
)

// pendingCheck tracks one suspended request from dispatch to resolution. It is
// never shared between requests.
type pendingCheck struct {
	ctrl    *Controller
	req     Request
	host    string
	url     string
	started time.Time
	once    sync.Once
}

func (c *Controller) newPendingCheck(req Request, host, url string) *pendingCheck {
	c.inflight.Add(1)
	c.metrics.CheckStarted()
	return &pendingCheck{ctrl: c, req: req, host: host, url: url, started: time.Now()}
}

// complete is the callback bound to this request. Deliveries after the first
// are dropped.
func (p *pendingCheck) complete(result Result) {
	delivered := false
	p.once.Do(func() {
		delivered = true
		defer p.ctrl.inflight.Done()
		p.ctrl.resolve(p, result)
	})
	if !delivered {
		p.ctrl.logger.Error("duplicate check completion dropped", slog.String("host", p.host))
	}
}

func (p *pendingCheck) resume() {
	if err := p.req.Resume(); err != nil {
		// The request ended by other means while the check ran.
		p.ctrl.logger.Warn("resume failed", slog.String("host", p.host), slog.Any("error", err))
	}
}

func (p *pendingCheck) cancel(reason error) {
	if err := p.req.Cancel(reason); err != nil {
		p.ctrl.logger.Warn("cancel failed", slog.String("host", p.host), slog.Any("error", err))
	}
}
