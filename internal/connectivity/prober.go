package connectivity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/matheus3301/chatsync/internal/syncerr"
)

// Prober checks reachability of the remote side once.
type Prober interface {
	// Probe returns the round-trip latency, or an error when the endpoint is
	// unreachable.
	Probe(ctx context.Context) (time.Duration, error)
}

// HTTPProber probes a lightweight HTTP endpoint. It sends HEAD and falls back
// to GET when the server rejects the method.
type HTTPProber struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

// NewHTTPProber creates a prober with its own timeout.
func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{URL: url, Timeout: timeout, Client: &http.Client{}}
}

// Probe performs one probe. A timed-out probe is a failure.
func (p *HTTPProber) Probe(ctx context.Context) (time.Duration, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	code, err := p.do(ctx, http.MethodHead)
	if err == nil && (code == http.StatusMethodNotAllowed || code == http.StatusNotImplemented) {
		code, err = p.do(ctx, http.MethodGet)
	}
	if err != nil {
		return 0, syncerr.E(syncerr.Transient, "connectivity.probe", err)
	}
	if code >= 400 {
		return 0, syncerr.Errorf(syncerr.Transient, "connectivity.probe", "%s returned %d", p.URL, code)
	}
	return time.Since(start), nil
}

func (p *HTTPProber) do(ctx context.Context, method string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, p.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}
