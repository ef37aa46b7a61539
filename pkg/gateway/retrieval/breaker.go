package retrieval

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CircuitState is the state of a circuit breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig defines circuit breaker behavior.
type BreakerConfig struct {
	Enabled          bool
	FailureThreshold int
	SuccessThreshold int
	// Timeout is how long the breaker stays open before probing.
	Timeout          time.Duration
	MaxHalfOpenCalls int
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:          true,
		FailureThreshold: 10,
		SuccessThreshold: 3,
		Timeout:          30 * time.Second,
		MaxHalfOpenCalls: 5,
	}
}

// Breaker sheds load to the retrieval collaborator after repeated
// failures so every tool call does not have to wait out its full timeout
// while the index is down.
type Breaker struct {
	cfg    BreakerConfig
	logger *slog.Logger
	now    func() time.Time

	mu            sync.Mutex
	state         CircuitState
	failures      int
	successes     int
	lastFailure   time.Time
	halfOpenCalls int
}

func NewBreaker(cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{cfg: cfg, logger: logger, now: time.Now, state: StateClosed}
}

// Execute runs fn if the breaker admits the call, recording the outcome.
func (b *Breaker) Execute(operation string, fn func() error) error {
	if !b.allow() {
		return fmt.Errorf("circuit breaker is open for %s", operation)
	}
	err := fn()
	b.record(operation, err)
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.cfg.Enabled {
		return true
	}
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailure) > b.cfg.Timeout {
			b.logger.Info("circuit breaker transitioning to half-open")
			b.state = StateHalfOpen
			b.halfOpenCalls = 0
			return true
		}
		return false
	case StateHalfOpen:
		if b.halfOpenCalls < b.cfg.MaxHalfOpenCalls {
			b.halfOpenCalls++
			return true
		}
		return false
	default:
		return false
	}
}

func (b *Breaker) record(operation string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.cfg.Enabled {
		return
	}
	if err != nil {
		b.failures++
		b.successes = 0
		b.lastFailure = b.now()

		if b.state == StateHalfOpen {
			b.logger.Warn("circuit breaker re-opening after half-open failure", "operation", operation)
			b.state = StateOpen
			b.halfOpenCalls = 0
		} else if b.state == StateClosed && b.failures >= b.cfg.FailureThreshold {
			b.logger.Warn("circuit breaker opening", "operation", operation, "failures", b.failures)
			b.state = StateOpen
		}
		return
	}

	b.successes++
	switch b.state {
	case StateHalfOpen:
		if b.successes >= b.cfg.SuccessThreshold {
			b.logger.Info("circuit breaker closing", "operation", operation, "successes", b.successes)
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			b.halfOpenCalls = 0
		}
	case StateClosed:
		b.failures = 0
	}
}

// State returns the current breaker state.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.cfg.Enabled {
		return StateClosed
	}
	return b.state
}
