package liveness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"twin-event-mesh/metrics"
)

// TokenHeader carries the shared service credential on every heartbeat.
const TokenHeader = "x-mesh-token"

// StatusError is returned when the registry answers a heartbeat with a non-2xx status.
type StatusError struct {
	TwinID     string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("heartbeat for %s: unexpected status %d", e.TwinID, e.StatusCode)
}

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Notifier reports twin activity to the external twin registry. Every call is
// a single POST with no retry; failures end in the log.
type Notifier struct {
	baseURL string
	token   string
	timeout time.Duration
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Relay
	wg      sync.WaitGroup
}

func New(cfg Config, m *metrics.Relay) *Notifier {
	return &Notifier{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		timeout: cfg.Timeout,
		client:  &http.Client{},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "twin-registry",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			// A 4xx concerns one twin, not the registry's health.
			IsSuccessful: func(err error) bool {
				var statusErr *StatusError
				if errors.As(err, &statusErr) {
					return statusErr.StatusCode < http.StatusInternalServerError
				}
				return err == nil
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
			},
		}),
		metrics: m,
	}
}

// Notify sends a heartbeat for twinID in its own goroutine and returns immediately.
func (n *Notifier) Notify(twinID string) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()

		if err := n.Heartbeat(ctx, twinID); err != nil {
			slog.Warn("heartbeat failed", "twinId", twinID, "error", err)
		}
	}()
}

// Heartbeat performs one heartbeat call and reports its outcome.
func (n *Notifier) Heartbeat(ctx context.Context, twinID string) error {
	_, err := n.breaker.Execute(func() (interface{}, error) {
		return nil, n.post(ctx, twinID)
	})

	switch {
	case err == nil:
		n.metrics.Heartbeats.WithLabelValues("ok").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		n.metrics.Heartbeats.WithLabelValues("skipped").Inc()
	default:
		n.metrics.Heartbeats.WithLabelValues("error").Inc()
	}
	return err
}

func (n *Notifier) post(ctx context.Context, twinID string) error {
	endpoint := n.baseURL + "/" + url.PathEscape(twinID) + "/heartbeat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build heartbeat request: %w", err)
	}
	req.Header.Set(TokenHeader, n.token)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post heartbeat: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{TwinID: twinID, StatusCode: resp.StatusCode}
	}
	return nil
}

// Wait blocks until every dispatched heartbeat has finished or ctx is done.
func (n *Notifier) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
