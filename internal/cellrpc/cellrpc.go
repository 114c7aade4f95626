// Package cellrpc implements the wire protocol between an agent and
// the nested agent it proxies requests to: a length-prefixed JSON
// framing carrying the four cell-service RPCs (Allocate, Free, Start,
// Stop) plus an internal Ping used for post-spawn readiness probing.
//
// The transport and TLS stack are an external boundary: Dial and Serve
// accept an optional *tls.Config so identity material loaded elsewhere
// (X.509, mTLS) can be wired in without this package knowing how it
// was constructed.
package cellrpc

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"
)

// MaxMessageBytes caps a single framed JSON payload to avoid OOM from a
// misbehaving peer.
const MaxMessageBytes = 4 << 20

// Method names carried in Request.Method.
const (
	MethodPing     = "ping"
	MethodAllocate = "allocate"
	MethodFree     = "free"
	MethodStart    = "start"
	MethodStop     = "stop"
)

// Status codes are carried on the wire as plain strings rather than a
// generated enum.
const (
	CodeOK                 = "OK"
	CodeAlreadyExists      = "AlreadyExists"
	CodeNotFound           = "NotFound"
	CodeFailedPrecondition = "FailedPrecondition"
	CodeInvalidArgument    = "InvalidArgument"
	CodeInternal           = "Internal"
	CodeUnavailable        = "Unavailable"
	// CodeUnknownTransportError is the sentinel the router treats as
	// transient and retries under its backoff budget.
	CodeUnknownTransportError = "Unknown"
)

// TransientTransportMessage is the exact message text that marks an
// Unknown response as transient and retryable.
const TransientTransportMessage = "transport error"

// AllocateRequest carries the CellSpec fields for Allocate.
type AllocateRequest struct {
	CellPath       string  `json:"cell_path"`
	CPUWeight      *uint64 `json:"cpu_weight,omitempty"`
	CPUMax         *int64  `json:"cpu_max,omitempty"`
	CpusetCpus     *string `json:"cpuset_cpus,omitempty"`
	CpusetMems     *string `json:"cpuset_mems,omitempty"`
	IsolateProcess bool    `json:"isolate_process"`
	IsolateNetwork bool    `json:"isolate_network"`
}

type AllocateResponse struct {
	CellName   string `json:"cell_name"`
	CgroupV2ID string `json:"cgroup_v2_id"`
}

type FreeRequest struct {
	CellPath string `json:"cell_path"`
}

type FreeResponse struct{}

type StartRequest struct {
	CellPath       string `json:"cell_path"`
	ExecutableName string `json:"executable_name"`
	Command        string `json:"command"`
	Description    string `json:"description"`
}

type StartResponse struct {
	Pid int `json:"pid"`
}

type StopRequest struct {
	CellPath       string `json:"cell_path"`
	ExecutableName string `json:"executable_name"`
}

type StopResponse struct{}

// Request is the framed envelope. Exactly one of the typed payload
// fields is set, selected by Method.
type Request struct {
	Method string `json:"method"`

	Allocate *AllocateRequest `json:"allocate,omitempty"`
	Free     *FreeRequest     `json:"free,omitempty"`
	Start    *StartRequest    `json:"start,omitempty"`
	Stop     *StopRequest     `json:"stop,omitempty"`
}

// Response is the framed envelope for a reply. Code == CodeOK means
// success; any other code is an error, with Message holding detail.
type Response struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`

	Allocate *AllocateResponse `json:"allocate,omitempty"`
	Free     *FreeResponse     `json:"free,omitempty"`
	Start    *StartResponse    `json:"start,omitempty"`
	Stop     *StopResponse     `json:"stop,omitempty"`
}

func (r Response) OK() bool { return r.Code == CodeOK || r.Code == "" }

// WriteMessage frames v as uint32_be length + JSON payload.
func WriteMessage(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(raw) > MaxMessageBytes {
		return fmt.Errorf("cellrpc: message too large: %d bytes", len(raw))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(raw)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}

// ReadMessage reads one framed message into dst.
func ReadMessage(r *bufio.Reader, dst any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > MaxMessageBytes {
		return fmt.Errorf("cellrpc: invalid message length: %d", n)
	}
	buf := make([]byte, int(n))
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// Dial opens a connection to a nested agent's Unix domain socket
// listener, optionally wrapped in TLS when tlsConfig is non-nil (the
// externally supplied mTLS identity hook).
func Dial(udsPath string, tlsConfig *tls.Config, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.Dial("unix", udsPath)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		tconn := tls.Client(conn, tlsConfig)
		if err := tconn.SetDeadline(time.Now().Add(timeout)); err != nil {
			_ = conn.Close()
			return nil, err
		}
		if err := tconn.Handshake(); err != nil {
			_ = conn.Close()
			return nil, err
		}
		_ = tconn.SetDeadline(time.Time{})
		return tconn, nil
	}
	return conn, nil
}
