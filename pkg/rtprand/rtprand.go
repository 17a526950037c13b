// Package rtprand provides the per-session source of randomness used for
// initial SSRC, initial sequence number, initial RTP timestamp, and the
// RTCP scheduler's jitter multiplier. It does not need to be
// cryptographically strong (spec.md section 4.7) but must be safe for
// concurrent use, since both the poll cycle and application-driven
// SendPacket calls may draw from it.
package rtprand

import (
	"sync"

	"github.com/pion/randutil"
)

// Source is a locked RNG. Construct it with New: the zero value has no
// generator and panics on its first draw.
type Source struct {
	mu  sync.Mutex
	gen *randutil.MathRandomGenerator
}

// New allocates a Source seeded from OS entropy.
func New() *Source {
	return &Source{gen: randutil.NewMathRandomGenerator()}
}

// Uint32 draws a uniformly distributed 32-bit value. Used for SSRC and RTP
// timestamp initialization.
func (s *Source) Uint32() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen.Uint32()
}

// Uint16 draws a uniformly distributed 16-bit value. Used for the initial
// RTP sequence number.
func (s *Source) Uint16() uint16 {
	return uint16(s.Uint32())
}

// Uint8 draws a uniformly distributed 8-bit value.
func (s *Source) Uint8() uint8 {
	return uint8(s.Uint32())
}

// Float64 draws a value uniformly distributed in [0, 1). Used for the RTCP
// scheduler's randomization factor U in [0.5, 1.5].
func (s *Source) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(s.gen.Uint32()) / (1 << 32)
}

// UniformRange draws a value uniformly distributed in [lo, hi).
func (s *Source) UniformRange(lo, hi float64) float64 {
	return lo + s.Float64()*(hi-lo)
}
