package rpc

import "errors"

var (
	// ErrRemoting wraps transport level failures. Retrying is the caller's
	// decision, never done inside the client.
	ErrRemoting = errors.New("remoting failure")

	// ErrInvokeTimeout marks a call that expired before any transport
	// response arrived. Kept distinct from ErrRemoting so retry policies can
	// treat expiry differently from a hard failure.
	ErrInvokeTimeout = errors.New("rpc invoke timed out")

	// ErrStopping is returned while the local node shuts down.
	ErrStopping = errors.New("node is stopping")
)
