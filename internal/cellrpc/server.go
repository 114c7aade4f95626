package cellrpc

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// Serve accepts connections on ln and dispatches framed requests to
// handler until ln is closed, one goroutine per connection, each
// serving its connection's request/response pairs one after another.
func Serve(ln net.Listener, tlsConfig *tls.Config, handler Handler, log hclog.Logger) error {
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go serveConn(conn, handler, log)
	}
}

func serveConn(conn net.Conn, handler Handler, log hclog.Logger) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	for {
		var req Request
		if err := ReadMessage(br, &req); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("read request", "error", err)
			}
			return
		}

		requestLog := log.With("request_id", uuid.NewString(), "method", req.Method)
		resp := dispatch(context.Background(), handler, req)
		if resp.Code != CodeOK {
			requestLog.Debug("request failed", "code", resp.Code, "message", resp.Message)
		}
		if err := WriteMessage(conn, resp); err != nil {
			requestLog.Debug("write response", "error", err)
			return
		}
	}
}

func dispatch(ctx context.Context, handler Handler, req Request) Response {
	switch req.Method {
	case MethodPing:
		return Response{Code: CodeOK}
	case MethodAllocate:
		if req.Allocate == nil {
			return Response{Code: CodeInvalidArgument, Message: "missing allocate payload"}
		}
		out, err := handler.Allocate(ctx, *req.Allocate)
		if err != nil {
			return errorResponse(err)
		}
		return Response{Code: CodeOK, Allocate: &out}
	case MethodFree:
		if req.Free == nil {
			return Response{Code: CodeInvalidArgument, Message: "missing free payload"}
		}
		out, err := handler.Free(ctx, *req.Free)
		if err != nil {
			return errorResponse(err)
		}
		return Response{Code: CodeOK, Free: &out}
	case MethodStart:
		if req.Start == nil {
			return Response{Code: CodeInvalidArgument, Message: "missing start payload"}
		}
		out, err := handler.Start(ctx, *req.Start)
		if err != nil {
			return errorResponse(err)
		}
		return Response{Code: CodeOK, Start: &out}
	case MethodStop:
		if req.Stop == nil {
			return Response{Code: CodeInvalidArgument, Message: "missing stop payload"}
		}
		out, err := handler.Stop(ctx, *req.Stop)
		if err != nil {
			return errorResponse(err)
		}
		return Response{Code: CodeOK, Stop: &out}
	default:
		return Response{Code: CodeInvalidArgument, Message: "unknown method " + req.Method}
	}
}

// errorResponse is overridden by cmd/celld's code-mapping at
// registration time via SetErrorMapper; by default it maps everything
// to Internal so a forgotten mapping fails closed rather than leaking
// raw Go error text as a misleadingly specific code.
var errorResponse = func(err error) Response {
	return Response{Code: CodeInternal, Message: err.Error()}
}

// SetErrorMapper installs the process-wide Go-error -> wire-Response
// mapping used by dispatch. Called once at startup by cmd/celld.
func SetErrorMapper(m func(error) Response) {
	errorResponse = m
}
