package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// Default circuit breaker settings.
const (
	defaultBreakerFailures uint32 = 5
	defaultBreakerTimeout         = 30 * time.Second
	defaultBreakerInterval        = 60 * time.Second
)

// ErrCircuitOpen is returned while an agent's breaker rejects calls.
var ErrCircuitOpen = errors.New("agent: circuit open")

// BreakerConfig configures WithBreaker. Zero fields take defaults.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"maxFailures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

type breakerInvoker struct {
	name    string
	inner   Invoker
	breaker *gobreaker.CircuitBreaker[json.RawMessage]
}

// WithBreaker wraps inner with a circuit breaker named after the agent.
// Cancellation of the caller's context does not count as a failure.
func WithBreaker(name string, inner Invoker, cfg BreakerConfig, logger *slog.Logger) Invoker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultBreakerFailures
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultBreakerTimeout
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaultBreakerInterval
	}
	cb := gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:        "agent:" + name,
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &breakerInvoker{name: name, inner: inner, breaker: cb}
}

func (b *breakerInvoker) Invoke(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	out, err := b.breaker.Execute(func() (json.RawMessage, error) {
		return b.inner.Invoke(ctx, inv)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s: %v", ErrCircuitOpen, b.name, err)
	}
	return out, err
}

type limitedInvoker struct {
	inner   Invoker
	limiter *rate.Limiter
}

// WithRateLimit wraps inner so calls wait for a token from a limiter allowing
// perSecond calls with the given burst. A non-positive rate disables limiting.
func WithRateLimit(inner Invoker, perSecond float64, burst int) Invoker {
	if perSecond <= 0 {
		return inner
	}
	if burst < 1 {
		burst = 1
	}
	return &limitedInvoker{inner: inner, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *limitedInvoker) Invoke(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("agent %s: rate limit wait: %w", inv.Agent, err)
	}
	return l.inner.Invoke(ctx, inv)
}
