// Package netcheck answers the single question the sync engine asks before a
// drain pass: is the network usable right now.
package netcheck

import (
	"context"
	"net"
	"net/http"
	"time"
)

const (
	defaultProbeURL     = "http://connectivitycheck.gstatic.com/generate_204"
	defaultFallbackAddr = "1.1.1.1:53"
	defaultTimeout      = 2 * time.Second
)

// Monitor reports whether the network is currently usable.
type Monitor interface {
	Online(ctx context.Context) bool
}

// Prober probes an HTTP endpoint expecting a generate_204-style response and
// falls back to a bare TCP dial when HTTP fails. Captive portals that answer
// 200 with a login page fail the HTTP leg and usually the dial succeeds, so
// the fallback keeps uploads flowing on networks that merely mangle HTTP.
type Prober struct {
	URL          string
	FallbackAddr string
	Timeout      time.Duration
	Client       *http.Client
}

// NewProber creates a Prober with defaults for any zero field.
func NewProber(url, fallbackAddr string, timeout time.Duration) *Prober {
	if url == "" {
		url = defaultProbeURL
	}
	if fallbackAddr == "" {
		fallbackAddr = defaultFallbackAddr
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Prober{
		URL:          url,
		FallbackAddr: fallbackAddr,
		Timeout:      timeout,
		Client:       &http.Client{Timeout: timeout},
	}
}

// Online probes the configured URL, then the fallback address.
func (p *Prober) Online(ctx context.Context) bool {
	if p.probeHTTP(ctx) {
		return true
	}
	return p.probeTCP(ctx)
}

func (p *Prober) probeHTTP(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK
}

func (p *Prober) probeTCP(ctx context.Context) bool {
	if p.FallbackAddr == "" {
		return false
	}
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", p.FallbackAddr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Static is a fixed-answer monitor for tests and forced drains.
type Static bool

func (s Static) Online(context.Context) bool { return bool(s) }
