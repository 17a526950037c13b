package collisionlist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUpdateAddressReportsNewEntry(t *testing.T) {
	l := New()
	now := time.Now()

	require.True(t, l.UpdateAddress("10.0.0.1:5004", now))
	require.False(t, l.UpdateAddress("10.0.0.1:5004", now.Add(time.Second)))
	require.Equal(t, 1, l.Len())
}

func TestHasAddress(t *testing.T) {
	l := New()
	now := time.Now()

	require.False(t, l.HasAddress("10.0.0.1:5004"))
	l.UpdateAddress("10.0.0.1:5004", now)
	require.True(t, l.HasAddress("10.0.0.1:5004"))
}

func TestTimeoutRemovesStaleEntries(t *testing.T) {
	l := New()
	base := time.Now()

	l.UpdateAddress("stale", base)
	l.UpdateAddress("fresh", base.Add(50*time.Second))

	l.Timeout(base.Add(60*time.Second), 30*time.Second)

	require.False(t, l.HasAddress("stale"))
	require.True(t, l.HasAddress("fresh"))
	require.Equal(t, 1, l.Len())
}
