package connectivity

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// OnlineSetter receives connectivity signals.
type OnlineSetter interface {
	SetOnline(online bool)
}

// Prober polls a health URL and reports reachability to an OnlineSetter.
// Any HTTP response counts as reachable; only transport failures mean
// offline.
type Prober struct {
	url      string
	interval time.Duration
	client   *http.Client
	target   OnlineSetter
}

// NewProber creates a prober for url.
func NewProber(url string, interval, timeout time.Duration, target OnlineSetter) *Prober {
	return &Prober{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
		target:   target,
	}
}

// Probe performs a single reachability check and forwards the result.
func (p *Prober) Probe(ctx context.Context) bool {
	online := p.reachable(ctx)
	if ctx.Err() != nil {
		return online
	}
	p.target.SetOnline(online)
	return online
}

func (p *Prober) reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		slog.Warn("invalid probe url",
			"component", "connectivity",
			"url", p.url,
			"error", err,
		)
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		slog.Debug("probe failed",
			"component", "connectivity",
			"url", p.url,
			"error", err,
		)
		return false
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	resp.Body.Close()
	return true
}

// Run probes immediately, then on every interval. Blocks until ctx is
// cancelled.
func (p *Prober) Run(ctx context.Context) {
	slog.Info("connectivity prober started",
		"component", "connectivity",
		"url", p.url,
		"interval", p.interval.String(),
	)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Probe(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("connectivity prober stopped",
				"component", "connectivity",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
