package cellrpc

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// Handler is the four-method cell-service contract. It is implemented
// both by the in-process registry/executable dispatch in internal/router
// and by Client (client.go), so the router can hold either without a
// circular dependency between the core and its own RPC client.
type Handler interface {
	Allocate(ctx context.Context, req AllocateRequest) (AllocateResponse, error)
	Free(ctx context.Context, req FreeRequest) (FreeResponse, error)
	Start(ctx context.Context, req StartRequest) (StartResponse, error)
	Stop(ctx context.Context, req StopRequest) (StopResponse, error)
}

// Error is a typed wire-level failure: a non-OK Response translated
// back into a Go error at the client boundary, preserving the code so
// callers (notably the router's retry loop) can switch on it.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// IsTransientTransport reports whether err is the specific Unknown/
// "transport error" wire response that callers should retry.
func IsTransientTransport(err error) bool {
	rpcErr, ok := err.(*Error)
	if !ok {
		return false
	}
	return rpcErr.Code == CodeUnknownTransportError && rpcErr.Message == TransientTransportMessage
}

// IsConnectionError reports whether err is a transport-level failure
// to establish a connection (refused, reset, or the socket file not
// yet existing because the nested agent hasn't finished spawning) as
// opposed to any other dial error. Only this class is retried during
// dial; everything else is immediately fatal.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ENOENT) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
