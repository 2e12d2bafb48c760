package model

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"

	"github.com/maauso/subpipe/internal/fault"
)

// Adapter wraps a Generator with the process-wide generation policy:
// at-most-one in-flight call per fingerprint, a circuit breaker over the
// endpoint, and bounded internal retries for transient faults. Quota, auth,
// and invalid-output faults pass straight through so the scheduler applies
// its own policy for them.
type Adapter struct {
	inner      Generator
	modelID    string
	maxRetries int
	initial    time.Duration
	group      singleflight.Group
	breaker    *gobreaker.CircuitBreaker[string]
	logger     *slog.Logger
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithMaxRetries bounds internal retries of transient faults per request.
func WithMaxRetries(n int) AdapterOption {
	return func(a *Adapter) {
		a.maxRetries = n
	}
}

// WithInitialBackoff sets the first retry delay.
func WithInitialBackoff(d time.Duration) AdapterOption {
	return func(a *Adapter) {
		a.initial = d
	}
}

// NewAdapter creates an Adapter around inner. modelID feeds the fingerprint.
func NewAdapter(inner Generator, modelID string, logger *slog.Logger, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		inner:      inner,
		modelID:    modelID,
		maxRetries: 3,
		initial:    time.Second,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.breaker = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:    "model-endpoint",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// The breaker guards endpoint health. Bad output or quota is the
			// endpoint answering, not the endpoint being down.
			if err == nil {
				return true
			}
			switch fault.KindOf(err) {
			case fault.KindModelOutputInvalid, fault.KindQuotaExceeded, fault.KindCancelled:
				return true
			}
			return false
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.Warn("model endpoint breaker state change",
				"from", from.String(), "to", to.String())
		},
	})
	return a
}

// Fingerprint returns the memoization key for a request under this adapter's
// model identifier.
func (a *Adapter) Fingerprint(req Request) string {
	return Fingerprint(a.modelID, req)
}

// Generate runs one generation with deduplication, breaker, and retries.
// Concurrent calls with an identical fingerprint share a single RPC.
func (a *Adapter) Generate(ctx context.Context, req Request) (string, error) {
	key := a.Fingerprint(req)

	out, err, shared := a.group.Do(key, func() (any, error) {
		return a.generateWithRetry(ctx, req)
	})
	if shared {
		a.logger.Debug("generation shared across units", "fingerprint", key[:12])
	}
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// generateWithRetry retries transient faults with exponential backoff.
func (a *Adapter) generateWithRetry(ctx context.Context, req Request) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.initial
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second

	attempt := 0
	return backoff.Retry(ctx, func() (string, error) {
		attempt++
		text, err := a.callThroughBreaker(ctx, req)
		if err == nil {
			return text, nil
		}
		if fault.KindOf(err) != fault.KindTransientIO {
			return "", backoff.Permanent(err)
		}
		a.logger.Warn("transient generation failure",
			"attempt", attempt, "language", req.Language, "err", err)
		return "", err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(a.maxRetries)))
}

// callThroughBreaker funnels the RPC through the circuit breaker, mapping an
// open breaker onto a transient fault.
func (a *Adapter) callThroughBreaker(ctx context.Context, req Request) (string, error) {
	out, err := a.breaker.Execute(func() (string, error) {
		return a.inner.Generate(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fault.Wrap(fault.KindTransientIO, "model", "endpoint breaker open", err)
		}
		return "", err
	}
	return out, nil
}

// Compile-time check that Adapter implements Generator.
var _ Generator = (*Adapter)(nil)
