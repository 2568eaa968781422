// Package backend defines the adapter contract every computation backend
// implements, plus the load/availability mechanics and HTTP plumbing shared
// by concrete adapters.
package backend

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/modelmux/modelmux/internal/task"
)

// DefaultMaxConcurrent bounds in-flight tasks per adapter when the config
// does not say otherwise.
const DefaultMaxConcurrent = 8

// Adapter is one computation backend the scheduler can dispatch to.
//
// Process never returns an error and never panics across this boundary:
// every failure becomes a ModelResponse carrying the zero-confidence sentinel
// with Metadata["error"] set. Capabilities is a pure accessor.
type Adapter interface {
	ModelID() string
	Capabilities() task.ModelCapability
	Process(ctx context.Context, req task.TaskRequest) task.ModelResponse
	HealthCheck(ctx context.Context) bool

	// Availability is flipped by the health prober; unavailable adapters
	// are skipped during selection.
	Available() bool
	SetAvailable(ok bool)

	// Load slots. TryAcquire reserves one in-flight slot and fails at the
	// cap; callers pair every successful TryAcquire with a Release.
	TryAcquire() bool
	Release()
	Load() (current, max int64)
}

// Slots carries the availability bit and the bounded in-flight counter.
// Concrete adapters embed a *Slots to satisfy that half of the Adapter
// interface with identical semantics.
type Slots struct {
	max       int64
	current   atomic.Int64
	available atomic.Bool
}

// NewSlots creates load slots with the given cap; non-positive caps fall
// back to DefaultMaxConcurrent. Adapters start available.
func NewSlots(maxConcurrent int) *Slots {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	s := &Slots{max: int64(maxConcurrent)}
	s.available.Store(true)
	return s
}

func (s *Slots) Available() bool { return s.available.Load() }

func (s *Slots) SetAvailable(ok bool) { s.available.Store(ok) }

// TryAcquire reserves one slot. It never lets current exceed max, however
// many goroutines race it.
func (s *Slots) TryAcquire() bool {
	for {
		cur := s.current.Load()
		if cur >= s.max {
			return false
		}
		if s.current.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release returns a slot. Unpaired releases clamp at zero rather than going
// negative.
func (s *Slots) Release() {
	if s.current.Add(-1) < 0 {
		s.current.Store(0)
	}
}

// Load returns the current in-flight count and the cap.
func (s *Slots) Load() (current, max int64) {
	return s.current.Load(), s.max
}

// EstimateTokens approximates token usage for backends that do not report it.
// Four characters per token is the usual rule of thumb.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return len(s)/4 + 1
}

// StatusError captures a non-2xx HTTP response from a backend. Adapters
// inspect it to classify failures and honor Retry-After hints.
type StatusError struct {
	StatusCode     int
	Body           string
	RetryAfterSecs int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend error (status %d): %s", e.StatusCode, e.Body)
}

// ParseRetryAfter records an integer-seconds Retry-After header value.
// Non-numeric forms are ignored.
func (e *StatusError) ParseRetryAfter(header string) {
	if header == "" {
		return
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		e.RetryAfterSecs = secs
	}
}
