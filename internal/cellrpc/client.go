package cellrpc

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Client is the remote-stub implementation of Handler: it dials a
// nested agent's Unix domain socket and issues framed requests over a
// single connection guarded by a mutex, with each call deadline-bounded.
type Client struct {
	mu        sync.Mutex
	conn      net.Conn
	r         *bufio.Reader
	udsPath   string
	tlsConfig *tls.Config
	dialTO    time.Duration
	callTO    time.Duration
}

// NewClient dials udsPath immediately so Allocate/Free/Start/Stop never
// pay a first-call connection cost. callTimeout bounds a single call's
// deadline when ctx carries none of its own; callTimeout <= 0 falls
// back to dialTimeout.
func NewClient(udsPath string, tlsConfig *tls.Config, dialTimeout, callTimeout time.Duration) (*Client, error) {
	conn, err := Dial(udsPath, tlsConfig, dialTimeout)
	if err != nil {
		return nil, err
	}
	if callTimeout <= 0 {
		callTimeout = dialTimeout
	}
	return &Client{
		conn:      conn,
		r:         bufio.NewReader(conn),
		udsPath:   udsPath,
		tlsConfig: tlsConfig,
		dialTO:    dialTimeout,
		callTO:    callTimeout,
	}, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Ping probes nested-agent readiness right after spawn.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, Request{Method: MethodPing})
	return err
}

func (c *Client) Allocate(ctx context.Context, req AllocateRequest) (AllocateResponse, error) {
	resp, err := c.call(ctx, Request{Method: MethodAllocate, Allocate: &req})
	if err != nil {
		return AllocateResponse{}, err
	}
	if resp.Allocate == nil {
		return AllocateResponse{}, fmt.Errorf("cellrpc: allocate response missing payload")
	}
	return *resp.Allocate, nil
}

func (c *Client) Free(ctx context.Context, req FreeRequest) (FreeResponse, error) {
	resp, err := c.call(ctx, Request{Method: MethodFree, Free: &req})
	if err != nil {
		return FreeResponse{}, err
	}
	if resp.Free == nil {
		return FreeResponse{}, nil
	}
	return *resp.Free, nil
}

func (c *Client) Start(ctx context.Context, req StartRequest) (StartResponse, error) {
	resp, err := c.call(ctx, Request{Method: MethodStart, Start: &req})
	if err != nil {
		return StartResponse{}, err
	}
	if resp.Start == nil {
		return StartResponse{}, fmt.Errorf("cellrpc: start response missing payload")
	}
	return *resp.Start, nil
}

func (c *Client) Stop(ctx context.Context, req StopRequest) (StopResponse, error) {
	resp, err := c.call(ctx, Request{Method: MethodStop, Stop: &req})
	if err != nil {
		return StopResponse{}, err
	}
	if resp.Stop == nil {
		return StopResponse{}, nil
	}
	return *resp.Stop, nil
}

func (c *Client) call(ctx context.Context, req Request) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return Response{}, errors.New("cellrpc: connection is closed")
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.callTO)
	}
	_ = c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	if err := WriteMessage(c.conn, req); err != nil {
		return Response{}, err
	}
	var resp Response
	if err := ReadMessage(c.r, &resp); err != nil {
		return Response{}, err
	}
	if !resp.OK() {
		return resp, &Error{Code: resp.Code, Message: resp.Message}
	}
	return resp, nil
}
