package providers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrCircuitOpen is returned while a model's breaker is open.
var ErrCircuitOpen = fmt.Errorf("circuit breaker is open")

// BreakerState represents the circuit breaker state
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerConfig tunes a Breaker.
type BreakerConfig struct {
	FailureThreshold uint32
	SuccessThreshold uint32
	Cooldown         time.Duration
}

// Breaker wraps a Provider and fails fast for a model after repeated errors.
// Each model has its own circuit.
type Breaker struct {
	next   Provider
	cfg    BreakerConfig
	logger *logrus.Logger
	now    func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

type circuit struct {
	failures    uint32
	successes   uint32
	lastFailure time.Time
	state       BreakerState
}

// NewBreaker wraps next with per-model circuit breaking.
func NewBreaker(next Provider, cfg BreakerConfig, logger *logrus.Logger) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{
		next:     next,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		circuits: make(map[string]*circuit),
	}
}

func (b *Breaker) Name() string {
	return b.next.Name()
}

// Complete runs the completion unless the model's circuit is open.
func (b *Breaker) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if err := b.allow(req.Model); err != nil {
		return nil, err
	}
	resp, err := b.next.Complete(ctx, req)
	b.record(req.Model, err)
	return resp, err
}

// StreamComplete guards opening the stream. Mid-stream failures are not
// counted since part of the answer was already delivered.
func (b *Breaker) StreamComplete(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	if err := b.allow(req.Model); err != nil {
		return nil, err
	}
	ch, err := b.next.StreamComplete(ctx, req)
	b.record(req.Model, err)
	return ch, err
}

// State reports the current state of the model's circuit.
func (b *Breaker) State(model string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[model]
	if !ok {
		return StateClosed
	}
	b.advance(c)
	return c.state
}

func (b *Breaker) allow(model string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(model)
	b.advance(c)
	if c.state == StateOpen {
		return fmt.Errorf("%w for %s", ErrCircuitOpen, model)
	}
	return nil
}

func (b *Breaker) record(model string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(model)
	if err != nil {
		c.failures++
		c.lastFailure = b.now()
		switch c.state {
		case StateClosed:
			if c.failures >= b.cfg.FailureThreshold {
				c.state = StateOpen
				b.logger.WithFields(logrus.Fields{"model": model, "failures": c.failures}).Warn("Opening circuit breaker")
			}
		case StateHalfOpen:
			c.state = StateOpen
			b.logger.WithField("model", model).Warn("Re-opening circuit breaker after failure in half-open state")
		}
		return
	}

	c.successes++
	switch c.state {
	case StateClosed:
		c.failures = 0
	case StateHalfOpen:
		if c.successes >= b.cfg.SuccessThreshold {
			c.state = StateClosed
			c.failures = 0
			c.successes = 0
			b.logger.WithField("model", model).Info("Closing circuit breaker")
		}
	}
}

// advance moves an open circuit to half-open once the cooldown elapsed.
// Callers hold b.mu.
func (b *Breaker) advance(c *circuit) {
	if c.state == StateOpen && b.now().Sub(c.lastFailure) > b.cfg.Cooldown {
		c.state = StateHalfOpen
		c.failures = 0
		c.successes = 0
	}
}

func (b *Breaker) circuit(model string) *circuit {
	c, ok := b.circuits[model]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[model] = c
	}
	return c
}
