package authority

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// circuitBreaker is a CLOSED/OPEN/HALF_OPEN guard around the authority
// host, the same three-state machine used for the gateway's outbound HTTP
// calls elsewhere in this codebase, scoped here to one authority client.
type circuitBreaker struct {
	mu           sync.Mutex
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        string
}

func newCircuitBreaker(threshold int, resetTimeout time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, resetTimeout: resetTimeout, state: "CLOSED"}
}

func (cb *circuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == "OPEN" {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = "HALF_OPEN"
			return true
		}
		return false
	}
	return true
}

func (cb *circuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = "CLOSED"
	cb.failureCount = 0
}

func (cb *circuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold {
		cb.state = "OPEN"
	}
}

// ErrCircuitOpen is returned by unary calls while the breaker is open.
var ErrCircuitOpen = fmt.Errorf("authority: circuit breaker open")

// unaryBackoff returns the sleep duration before retry attempt i (0-based)
// of a bounded retry loop: base * 2^i with up to 50ms jitter, distinct from
// the event stream's unbounded reconnect backoff.
func unaryBackoff(attempt int) time.Duration {
	base := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
	jitter := time.Duration(rand.Intn(50)) * time.Millisecond
	return base + jitter
}
