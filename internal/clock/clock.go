// Package clock provides the injectable time source and ID generation used
// across the trading core. External timestamps are UTC truncated to
// milliseconds; internal ordering uses microseconds.
package clock

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock is the single time source handed to every component that stamps
// events. Tests inject a Fixed clock for deterministic output.
type Clock interface {
	// Now returns the current UTC instant truncated to milliseconds.
	Now() time.Time
	// NowMicro returns the current UTC instant truncated to microseconds.
	NowMicro() time.Time
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time      { return time.Now().UTC().Truncate(time.Millisecond) }
func (Real) NowMicro() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

// Fixed is a settable clock for tests.
type Fixed struct {
	mu sync.Mutex
	t  time.Time
}

// NewFixed creates a Fixed clock starting at t.
func NewFixed(t time.Time) *Fixed {
	return &Fixed{t: t.UTC()}
}

func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t.Truncate(time.Millisecond)
}

func (f *Fixed) NowMicro() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t.Truncate(time.Microsecond)
}

// Advance moves the fixed clock forward by d.
func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

// Set pins the fixed clock to t.
func (f *Fixed) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = t.UTC()
}

// NewID returns a new random UUID string. Used for intent IDs, decision IDs
// and audit transaction IDs.
func NewID() string {
	return uuid.NewString()
}

// AdjustmentToken builds the default trailing-stop idempotency token for a
// position at instant t. Callers that need replay safety across clock skew
// pass their own token (for example position ID + candle close time).
func AdjustmentToken(positionID string, t time.Time) string {
	return fmt.Sprintf("%s:adjust:%d", positionID, t.UnixMilli())
}
