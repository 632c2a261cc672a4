package endpoint

import "errors"

var (
	// ErrGateTimeout means no GET reply arrived within the reply timeout.
	// The caller decides whether and when to retry.
	ErrGateTimeout = errors.New("no reply within timeout")

	// ErrSendFailure wraps a transport error on transmit.
	ErrSendFailure = errors.New("send failed")
)
