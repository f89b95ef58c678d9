package retry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// ClientBreakers holds one circuit breaker per client name, so a single
// unreachable host cannot exhaust the session budget of every other
// in-flight backup. It layers on top of, rather than replacing, the
// exponential-backoff Budget: the breaker trips only after a run of
// transient failures against the same client and short-circuits further
// session attempts for a cooldown period.
type ClientBreakers struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
	logger   *zap.Logger
}

// NewClientBreakers returns an empty breaker registry.
func NewClientBreakers(logger *zap.Logger) *ClientBreakers {
	return &ClientBreakers{
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
		logger:   logger,
	}
}

func (c *ClientBreakers) breakerFor(clientName string) *gobreaker.CircuitBreaker[any] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.breakers[clientName]; ok {
		return b
	}

	settings := gobreaker.Settings{
		Name:        clientName,
		MaxRequests: 1,
		Interval:    0, // never reset failure counts while closed
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !ClassifyOf(err).Transient()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if c.logger != nil {
				c.logger.Warn("circuit breaker state change",
					zap.String("client", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			}
		},
	}
	b := gobreaker.NewCircuitBreaker[any](settings)
	c.breakers[clientName] = b
	return b
}

// ErrCircuitOpen is returned (wrapped) when a client's breaker is open and
// the call was short-circuited without attempting the operation.
var ErrCircuitOpen = gobreaker.ErrOpenState

// Do runs fn through the named client's breaker, wrapped in turn by budget.
// A transient failure increments the breaker's consecutive-failure count;
// a fatal error or success resets it.
func (c *ClientBreakers) Do(ctx context.Context, clientName string, budget *Budget, fn func(ctx context.Context) error) error {
	b := c.breakerFor(clientName)
	_, err := b.Execute(func() (any, error) {
		return nil, budget.Do(ctx, fn)
	})
	if err != nil {
		return fmt.Errorf("circuitbreaker[%s]: %w", clientName, err)
	}
	return nil
}

// State returns the current breaker state for a client, for diagnostics and
// the dashboard's client-health view. Clients never seen return StateClosed.
func (c *ClientBreakers) State(clientName string) gobreaker.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[clientName]; ok {
		return b.State()
	}
	return gobreaker.StateClosed
}
