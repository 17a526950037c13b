package rtperrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorIsByKind(t *testing.T) {
	err := ProtocolError("rtppacket", "version mismatch")

	require.True(t, errors.Is(err, Sentinel(KindProtocolError)))
	require.False(t, errors.Is(err, Sentinel(KindResourceError)))
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := OperationFailed("transport", "send failed", cause)

	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "boom")
}
