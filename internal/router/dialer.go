package router

import (
	"context"
	"crypto/tls"
	"time"

	"cellsd/internal/cellrpc"
)

// SocketDialer is the production Dialer: it dials a nested agent's
// Unix domain socket directly via cellrpc.NewClient. tlsConfig is an
// externally supplied mTLS identity hook; nil disables TLS. CallTimeout
// is handed to the constructed Client as its per-call deadline fallback
// for whenever a caller's ctx carries none of its own.
type SocketDialer struct {
	TLSConfig   *tls.Config
	DialTimeout time.Duration
	CallTimeout time.Duration
}

func (d SocketDialer) Dial(ctx context.Context, endpoint string) (cellrpc.Handler, error) {
	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	return cellrpc.NewClient(endpoint, d.TLSConfig, timeout, d.CallTimeout)
}
