package rtpsession

import "github.com/nanortp/rtpsession/pkg/rtperrors"

// Error kinds re-exported from pkg/rtperrors (spec.md section 7) so callers
// depend only on the root package. pkg/rtperrors is split out as its own
// leaf package because every component below this one needs to raise
// these errors, and this package imports every one of them: keeping the
// type here would create an import cycle.
type (
	// Kind identifies one of the five exhaustive error categories.
	Kind = rtperrors.Kind
	// Error is the error type every exported operation returns on failure.
	Error = rtperrors.Error
)

const (
	KindInvalidParameter = rtperrors.KindInvalidParameter
	KindInvalidState     = rtperrors.KindInvalidState
	KindResourceError    = rtperrors.KindResourceError
	KindOperationFailed  = rtperrors.KindOperationFailed
	KindProtocolError    = rtperrors.KindProtocolError
)

const component = "rtpsession"
