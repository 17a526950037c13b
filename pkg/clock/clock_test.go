package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNTPRoundTrip(t *testing.T) {
	tm := time.Date(2013, 4, 15, 11, 15, 17, 958404853, time.UTC).Local()
	enc := EncodeNTP(tm)
	require.Equal(t, tm, DecodeNTP(enc))
}

func TestClockWall(t *testing.T) {
	fixed := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Clock{Now: func() time.Time { return fixed }}
	require.Equal(t, fixed, c.Wall())
	require.Equal(t, EncodeNTP(fixed), c.NTPNow())
}

func TestMiddleBits(t *testing.T) {
	require.Equal(t, uint32(0x33445566), MiddleBits(0x1122334455667788))
}

func TestDLSR(t *testing.T) {
	since := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	now := since.Add(2*time.Second + 500*time.Millisecond)
	d := DLSR(since, now)
	require.InDelta(t, 2.5*65536, float64(d), 2)

	// clock skew backwards must not underflow
	require.Equal(t, uint32(0), DLSR(now, since))
}
