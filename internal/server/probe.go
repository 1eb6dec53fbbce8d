package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/zjrosen/telecode/internal/log"
)

const (
	// DefaultProbeAttempts is how many times a freshly spawned server is
	// polled before giving up.
	DefaultProbeAttempts = 30

	defaultProbeDelay   = 1 * time.Second
	defaultProbeTimeout = 2 * time.Second

	healthPath = "/session"
)

// ReadinessProber blocks until a server answers HTTP requests on its port.
type ReadinessProber interface {
	WaitUntilReady(ctx context.Context, port int) error
}

// Prober polls a spawned server's session endpoint until it responds.
// The zero values of the tuning fields are replaced with defaults, so tests
// can shrink the budget without constructing through NewProber.
type Prober struct {
	// MaxAttempts is the total probe budget.
	MaxAttempts int
	// Delay is the fixed wait between consecutive attempts. No backoff.
	Delay time.Duration
	// Timeout bounds each individual request.
	Timeout time.Duration
}

// NewProber returns a prober with the production budget: 30 attempts, one
// second apart, two seconds per request.
func NewProber() *Prober {
	return &Prober{
		MaxAttempts: DefaultProbeAttempts,
		Delay:       defaultProbeDelay,
		Timeout:     defaultProbeTimeout,
	}
}

// WaitUntilReady issues GET requests against http://127.0.0.1:<port>/session
// until one returns a status below 500. Any such response counts as ready,
// 4xx included: the server is up and routing even when the call itself is
// rejected. Connection errors and 5xx responses both consume an attempt.
// When the budget runs out a ReadinessTimeoutError is returned; the prober
// never restarts or signals the process.
func (p *Prober) WaitUntilReady(ctx context.Context, port int) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultProbeAttempts
	}
	delay := p.Delay
	if delay <= 0 {
		delay = defaultProbeDelay
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}

	client := &http.Client{Timeout: timeout}
	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, healthPath)

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("building probe request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Debug(log.CatServer, "Probe attempt failed", "port", port, "attempt", attempt, "error", err)
			continue
		}
		_ = resp.Body.Close()

		if resp.StatusCode < http.StatusInternalServerError {
			log.Debug(log.CatServer, "Server answered probe", "port", port, "attempt", attempt, "status", resp.StatusCode)
			return nil
		}
		log.Debug(log.CatServer, "Probe got server error", "port", port, "attempt", attempt, "status", resp.StatusCode)
	}

	return &ReadinessTimeoutError{Port: port, Attempts: attempts}
}

var _ ReadinessProber = (*Prober)(nil)
