package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/taskchain/internal/adapter"
	"github.com/aristath/taskchain/internal/logger"
)

// RetryConfig configures the exponential backoff used when an adapter's Stop fails.
// Task-level retries are governed by the chain policy instead.
type RetryConfig struct {
	MaxRetries          uint64        // Extra Stop calls after the first; 0 disables retrying
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 2s)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default Stop retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:          2,
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         2 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// BreakerConfig configures the per-adapter-type circuit breakers.
type BreakerConfig struct {
	Failures    uint32        // Consecutive failures before the breaker opens (default 5)
	Cooldown    time.Duration // How long the breaker stays open (default 30s)
	MaxRequests uint32        // Probe calls allowed while half-open (default 1)
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Failures:    5,
		Cooldown:    30 * time.Second,
		MaxRequests: 1,
	}
}

// CircuitBreakerRegistry manages per-adapter-type circuit breakers.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	log      logger.Logger
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
}

// NewCircuitBreakerRegistry creates a new circuit breaker registry.
// Zero fields in cfg fall back to DefaultBreakerConfig.
func NewCircuitBreakerRegistry(cfg BreakerConfig, log logger.Logger) *CircuitBreakerRegistry {
	def := DefaultBreakerConfig()
	if cfg.Failures == 0 {
		cfg.Failures = def.Failures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if log == nil {
		log = logger.Nop()
	}
	return &CircuitBreakerRegistry{
		cfg:      cfg,
		log:      log,
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker),
	}
}

// Get returns the circuit breaker for the given adapter type.
// Creates a new one if it doesn't exist.
func (r *CircuitBreakerRegistry) Get(adapterType string) *gobreaker.TwoStepCircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[adapterType]; ok {
		return cb
	}

	failures := r.cfg.Failures
	cb := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        adapterType,
		MaxRequests: r.cfg.MaxRequests,
		Interval:    0, // Don't clear counts automatically
		Timeout:     r.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.log.Warn("circuit breaker state changed", "adapter_type", name, "from", from.String(), "to", to.String())
		},
	})

	r.breakers[adapterType] = cb
	return cb
}

// admitPollInterval is how often a refused attempt asks the breaker again.
const admitPollInterval = 100 * time.Millisecond

// Gateway drives one resolved adapter binding, optionally behind its family's breaker.
// Every error it returns is an *adapter.Error.
type Gateway struct {
	binding adapter.Binding
	breaker *gobreaker.TwoStepCircuitBreaker
}

// NewGateway wraps binding. A nil breaker disables fail-fast protection.
func NewGateway(binding adapter.Binding, breaker *gobreaker.TwoStepCircuitBreaker) *Gateway {
	return &Gateway{binding: binding, breaker: breaker}
}

// Ref returns the adapter reference this gateway serves.
func (g *Gateway) Ref() string { return g.binding.Ref }

// Type returns the adapter family tag.
func (g *Gateway) Type() string { return g.binding.Type }

// Admit waits until the breaker lets one attempt through and returns the
// callback that records the attempt's health. While the breaker is open the
// wait lasts until its cooldown admits a trial attempt; notify, if set, hears
// about every refusal. Admit fails only when ctx ends.
func (g *Gateway) Admit(ctx context.Context, notify backoff.Notify) (func(healthy bool), error) {
	if g.breaker == nil {
		return func(bool) {}, ctx.Err()
	}

	var done func(bool)
	operation := func() error {
		d, err := g.breaker.Allow()
		if err != nil {
			return err
		}
		done = d
		return nil
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(admitPollInterval), ctx)
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		return nil, g.wrap(adapter.OpStart, err)
	}
	return done, nil
}

// Start starts a session and stamps the handle with the adapter reference.
func (g *Gateway) Start(ctx context.Context) (adapter.Handle, error) {
	h, err := g.binding.Adapter.Start(ctx, g.binding.Config)
	if err != nil {
		return adapter.Handle{}, g.wrap(adapter.OpStart, err)
	}
	h.Ref = g.binding.Ref
	if h.Config.Type == "" {
		h.Config = g.binding.Config
	}
	return h, nil
}

// Execute runs the automation for one task. The outcome is returned even on
// failure so partial output is kept.
func (g *Gateway) Execute(ctx context.Context, h adapter.Handle, params adapter.Params) (adapter.Outcome, error) {
	out, err := g.binding.Adapter.Execute(ctx, h, params)
	if err != nil {
		return out, g.wrap(adapter.OpExecute, err)
	}
	return out, nil
}

// Stop releases the session. Stop never waits on the breaker so cleanup is never refused.
func (g *Gateway) Stop(ctx context.Context, h adapter.Handle) error {
	if err := g.binding.Adapter.Stop(ctx, h); err != nil {
		return g.wrap(adapter.OpStop, err)
	}
	return nil
}

func (g *Gateway) wrap(op string, err error) error {
	var ae *adapter.Error
	if errors.As(err, &ae) {
		return err
	}
	return &adapter.Error{Op: op, Ref: g.binding.Ref, Err: err}
}

// stopWithRetry calls Stop, retrying failures with exponential backoff.
func stopWithRetry(ctx context.Context, gw *Gateway, h adapter.Handle, cfg RetryConfig) error {
	if cfg.MaxRetries == 0 {
		return gw.Stop(ctx, h)
	}

	operation := func() error {
		err := gw.Stop(ctx, h)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialInterval
	policy.MaxInterval = cfg.MaxInterval
	policy.Multiplier = cfg.Multiplier
	policy.RandomizationFactor = cfg.RandomizationFactor
	policy.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(policy, cfg.MaxRetries), ctx)
	return backoff.Retry(operation, b)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
