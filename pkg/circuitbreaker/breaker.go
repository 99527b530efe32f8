// Package circuitbreaker guards outbound pharmacy and drug-knowledge
// calls so a failing downstream sheds load instead of stalling order
// processing. Built on sony/gobreaker, one breaker per endpoint.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State mirrors the gobreaker state machine.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrRejected reports a call refused because the circuit is open or
// the half-open probe quota is exhausted.
var ErrRejected = errors.New("circuitbreaker: call rejected")

// Config tunes when a breaker trips and how it probes recovery.
type Config struct {
	Name string
	// ProbeRequests is how many calls may pass while half-open.
	ProbeRequests uint32
	// CountWindow resets closed-state counts on this period.
	CountWindow time.Duration
	// OpenFor is how long the breaker stays open before probing.
	OpenFor time.Duration
	// TripAfter opens the circuit on this many consecutive failures
	// before FailureRatio has enough samples.
	TripAfter uint32
	// FailureRatio opens the circuit once at least MinSamples calls
	// have been seen and this share of them failed.
	FailureRatio float64
	MinSamples   uint32
}

// DefaultConfig is tuned for pharmacy transmission endpoints: trip
// fast on a dead endpoint, re-probe within a prescriber's attention
// span.
func DefaultConfig(name string) Config {
	return Config{
		Name:          name,
		ProbeRequests: 3,
		CountWindow:   time.Minute,
		OpenFor:       30 * time.Second,
		TripAfter:     5,
		FailureRatio:  0.6,
		MinSamples:    10,
	}
}

// CircuitBreaker wraps one gobreaker with tracing and counters.
type CircuitBreaker struct {
	inner  *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
	tracer trace.Tracer

	calls     metric.Int64Counter
	rejected  metric.Int64Counter
	failed    metric.Int64Counter
	stateMu   sync.RWMutex
	lastState State
}

// New builds a breaker from cfg. A nil logger is replaced with a nop.
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &CircuitBreaker{
		name:      cfg.Name,
		logger:    logger,
		tracer:    otel.Tracer("circuitbreaker"),
		lastState: StateClosed,
	}

	meter := otel.Meter("circuitbreaker")
	var err error
	if b.calls, err = meter.Int64Counter("breaker_calls_total",
		metric.WithDescription("Calls attempted through the breaker")); err != nil {
		return nil, fmt.Errorf("breaker %s: %w", cfg.Name, err)
	}
	if b.rejected, err = meter.Int64Counter("breaker_rejected_total",
		metric.WithDescription("Calls refused while open or probing")); err != nil {
		return nil, fmt.Errorf("breaker %s: %w", cfg.Name, err)
	}
	if b.failed, err = meter.Int64Counter("breaker_failures_total",
		metric.WithDescription("Calls that reached the downstream and failed")); err != nil {
		return nil, fmt.Errorf("breaker %s: %w", cfg.Name, err)
	}

	b.inner = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.ProbeRequests,
		Interval:    cfg.CountWindow,
		Timeout:     cfg.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinSamples {
				return counts.ConsecutiveFailures >= cfg.TripAfter
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.noteTransition(from, to)
		},
	})
	return b, nil
}

// Execute runs fn under the breaker. Rejections while open are
// reported as ErrRejected so callers can distinguish "endpoint down"
// from the endpoint's own errors.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func() (any, error)) (any, error) {
	ctx, span := b.tracer.Start(ctx, "breaker.execute",
		trace.WithAttributes(
			attribute.String("breaker", b.name),
			attribute.String("state", string(b.GetState())),
		))
	defer span.End()

	attrs := metric.WithAttributes(attribute.String("name", b.name))
	b.calls.Add(ctx, 1, attrs)

	out, err := b.inner.Execute(fn)
	if err == nil {
		return out, nil
	}
	span.RecordError(err)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.rejected.Add(ctx, 1, attrs)
		span.SetAttributes(attribute.Bool("rejected", true))
		return nil, fmt.Errorf("%w: %s", ErrRejected, b.name)
	}
	b.failed.Add(ctx, 1, attrs)
	return nil, err
}

// GetState reports the breaker's last observed state.
func (b *CircuitBreaker) GetState() State {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.lastState
}

func (b *CircuitBreaker) noteTransition(from, to gobreaker.State) {
	toState := stateOf(to)
	b.stateMu.Lock()
	b.lastState = toState
	b.stateMu.Unlock()

	b.logger.Warn("breaker state change",
		zap.String("breaker", b.name),
		zap.String("from", string(stateOf(from))),
		zap.String("to", string(toState)))
}

func stateOf(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Manager keeps a breaker per downstream endpoint so every pharmacy
// degrades independently.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	logger   *zap.Logger
}

// NewManager creates an empty breaker registry.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{breakers: make(map[string]*CircuitBreaker), logger: logger}
}

// GetOrCreate returns the named breaker, building it from cfg on first
// use. The breaker's name is forced to the registry key.
func (m *Manager) GetOrCreate(name string, cfg Config) (*CircuitBreaker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b, nil
	}
	cfg.Name = name
	b, err := New(cfg, m.logger)
	if err != nil {
		return nil, err
	}
	m.breakers[name] = b
	return b, nil
}

// Snapshot is one breaker's health as exposed on readiness endpoints.
type Snapshot struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
}

// Snapshots reports the health of every registered breaker.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.breakers))
	for name, b := range m.breakers {
		counts := b.inner.Counts()
		out = append(out, Snapshot{
			Name:     name,
			State:    b.GetState(),
			Requests: counts.Requests,
			Failures: counts.TotalFailures,
		})
	}
	return out
}
