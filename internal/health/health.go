// Package health runs named readiness checks for the service's
// dependencies.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/lendguard/internal/circuitbreaker"
)

// DefaultTimeout bounds one check.
const DefaultTimeout = 2 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker reports on one subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named checkers and runs them concurrently on demand.
type Registry struct {
	mu       sync.RWMutex
	timeout  time.Duration
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// Register adds a named checker. The registered name overrides whatever
// name the checker reports.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every checker, each under the registry timeout, and
// returns the aggregate plus per-subsystem results in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	timeout := r.timeout
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func(i int, nc namedChecker) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			st := nc.check(cctx)
			st.Name = nc.name
			statuses[i] = st
		}(i, nc)
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Database pings a SQL database.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Detail: err.Error()}
		}
		s := db.Stats()
		return Status{Healthy: true, Detail: fmt.Sprintf("%d open, %d in use", s.OpenConnections, s.InUse)}
	}
}

// Redis pings a Redis client.
func Redis(rdb *redis.Client) Checker {
	return func(ctx context.Context) Status {
		if err := rdb.Ping(ctx).Err(); err != nil {
			return Status{Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// Breaker reports a circuit breaker's state for key. An open circuit is
// reported in the detail but stays healthy: callers already degrade
// without the protected dependency.
func Breaker(cb *circuitbreaker.Breaker, key string) Checker {
	return func(ctx context.Context) Status {
		return Status{Healthy: true, Detail: "circuit " + cb.State(key).String()}
	}
}
