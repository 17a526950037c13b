// Package clock provides the monotonic and NTP time sources the session
// engine needs: a wall-clock reader for scheduling and timeouts, and the
// RFC 3550 section 4 NTP 64-bit timestamp codec used in sender reports.
package clock

import (
	"time"

	"github.com/nanortp/rtpsession/pkg/ntp"
)

// Clock is the time source used by a session. The zero value is ready to
// use and reads the real system clock; tests substitute Now to control
// scheduling deterministically.
type Clock struct {
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// New allocates a Clock backed by the real system clock.
func New() *Clock {
	return &Clock{Now: time.Now}
}

func (c *Clock) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

// Wall returns the current wall-clock time.
func (c *Clock) Wall() time.Time {
	return c.now()
}

// NTPNow returns the current time as an RFC 3550 section 4 NTP 64-bit
// timestamp (seconds since 1900-01-01 in the upper 32 bits, fractional
// seconds in the lower 32 bits).
func (c *Clock) NTPNow() uint64 {
	return ntp.Encode(c.now())
}

// EncodeNTP converts an arbitrary wall-clock time to NTP format.
func EncodeNTP(t time.Time) uint64 {
	return ntp.Encode(t)
}

// DecodeNTP converts an NTP 64-bit timestamp back to a wall-clock time.
func DecodeNTP(v uint64) time.Time {
	return ntp.Decode(v)
}

// MiddleBits extracts the middle 32 bits of a 64-bit NTP timestamp, the
// "LSR" (last SR) field carried in an RTCP reception report block.
func MiddleBits(ntpTime uint64) uint32 {
	return uint32(ntpTime >> 16)
}

// DLSR computes the "delay since last SR" field, expressed in units of
// 1/65536 second, given the wall-clock time the SR was received at and the
// current time.
func DLSR(since time.Time, now time.Time) uint32 {
	d := now.Sub(since)
	if d < 0 {
		d = 0
	}
	return uint32(d.Seconds() * 65536)
}
