// Package identity provides injectable clock and id generation.
// Domain services never call time.Now or uuid directly so that tests
// can pin both.
package identity

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator supplies unique identifiers.
type IDGenerator interface {
	NewID() string
}

// SystemClock returns wall-clock time in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// UUIDGenerator generates random UUIDv4 identifiers.
type UUIDGenerator struct{}

// NewID returns a new UUID string.
func (UUIDGenerator) NewID() string { return uuid.New().String() }

// FixedClock always returns the same instant. Test helper.
type FixedClock struct {
	T time.Time
}

// Now returns the fixed instant.
func (c FixedClock) Now() time.Time { return c.T }

// SequenceIDs generates id-1, id-2, ... deterministically. Test helper.
type SequenceIDs struct {
	Prefix string
	n      int64
}

// NewID returns the next id in the sequence.
func (s *SequenceIDs) NewID() string {
	n := atomic.AddInt64(&s.n, 1)
	prefix := s.Prefix
	if prefix == "" {
		prefix = "id"
	}
	return fmt.Sprintf("%s-%d", prefix, n)
}
