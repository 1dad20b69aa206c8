// Package uds is the operator command channel between the CLI and the
// daemon: one length-prefixed JSON request and response per connection over
// a unix socket.
package uds

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	json "github.com/goccy/go-json"
)

const ProtocolVersion = 1

// DefaultSocketName is the socket filename inside the runtime root.
const DefaultSocketName = "daemon.sock"

const maxFrameBytes = 10 * 1024 * 1024

// Commands understood by the daemon.
const (
	CmdPing     = "ping"
	CmdSubmit   = "submit"
	CmdShow     = "show"
	CmdList     = "list"
	CmdCancel   = "cancel"
	CmdResume   = "resume"
	CmdStep     = "step"
	CmdHold     = "hold"
	CmdManual   = "manual"
	CmdDepend   = "depend"
	CmdStatus   = "status"
	CmdShutdown = "shutdown"
)

type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Command         string          `json:"command"`
	Params          json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorDetail) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeCycle            = "CYCLE_DETECTED"
	ErrCodeConflict         = "CONFLICT"
)

// ItemParams addresses one item.
type ItemParams struct {
	ItemID string `json:"item_id"`
	Reason string `json:"reason,omitempty"`
}

// ListParams filters a listing. Empty fields match everything.
type ListParams struct {
	TreeID string `json:"tree_id,omitempty"`
	State  string `json:"state,omitempty"`
}

// DependParams adds the edge ItemID -> DependsOn.
type DependParams struct {
	ItemID    string `json:"item_id"`
	DependsOn string `json:"depends_on"`
}

// ManualParams switches manual stepping for a scope.
type ManualParams struct {
	Scope   string `json:"scope"`
	ID      string `json:"id,omitempty"`
	Enabled bool   `json:"enabled"`
}

func NewRequest(command string, params any) (*Request, error) {
	req := &Request{
		ProtocolVersion: ProtocolVersion,
		Command:         command,
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	return req, nil
}

// DecodeParams unmarshals the request params into v.
func (r *Request) DecodeParams(v any) error {
	if len(r.Params) == 0 {
		return fmt.Errorf("%s: params required", r.Command)
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return fmt.Errorf("%s: decode params: %w", r.Command, err)
	}
	return nil
}

func SuccessResponse(data any) *Response {
	resp := &Response{Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return ErrorResponse(ErrCodeInternal, fmt.Sprintf("marshal response: %v", err))
		}
		resp.Data = raw
	}
	return resp
}

func ErrorResponse(code, message string) *Response {
	return &Response{
		Success: false,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
	}
}

// Decode unmarshals a successful response's data into v, or returns the
// response error.
func (r *Response) Decode(v any) error {
	if !r.Success {
		if r.Error == nil {
			return fmt.Errorf("request failed")
		}
		return r.Error
	}
	if v == nil || len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// WriteFrame writes a length-prefixed JSON frame to the connection.
// Format: [4-byte BigEndian length][JSON payload]
func WriteFrame(conn net.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	length := uint32(len(data))
	if err := binary.Write(conn, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := io.Copy(conn, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads a length-prefixed JSON frame from the connection.
func ReadFrame(conn net.Conn, v any) error {
	var length uint32
	if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}
	if length > maxFrameBytes {
		return fmt.Errorf("frame too large: %d bytes", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
