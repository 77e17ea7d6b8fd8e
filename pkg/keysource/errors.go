package keysource

import "errors"

// Errors returned by key sources. Wrapped errors add detail; match with
// errors.Is.
var (
	// ErrConfiguration means the source was built with unusable settings.
	ErrConfiguration = errors.New("keysource: invalid configuration")

	// ErrSigning means the request signer failed; not retryable.
	ErrSigning = errors.New("keysource: request signing failed")

	// ErrTransport means the key service could not be reached or did not
	// produce a usable HTTP response. Retryable.
	ErrTransport = errors.New("keysource: transport failure")

	// ErrDecode means the service answered with a payload that does not
	// decode to the expected shape, or that is missing requested tracks.
	ErrDecode = errors.New("keysource: malformed key service response")

	// ErrRejected means the service understood the request and refused it.
	ErrRejected = errors.New("keysource: request rejected by key service")

	// ErrServerBusy means the service reported temporary overload.
	// Retryable.
	ErrServerBusy = errors.New("keysource: key service busy")

	// ErrPeriodMismatch means the service returned crypto periods other
	// than the ones requested, so the rotation sequence cannot continue.
	ErrPeriodMismatch = errors.New("keysource: crypto period mismatch")

	// ErrUsage marks calls that violate the source's calling contract.
	ErrUsage = errors.New("keysource: invalid use")

	// ErrClosed is returned once the source has been shut down.
	ErrClosed = errors.New("keysource: closed")
)

// Transient reports whether err may succeed if the same request is retried
// later. Everything else is treated as fatal and latches.
func Transient(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrServerBusy)
}
