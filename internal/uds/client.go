package uds

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"syscall"
	"time"
)

// ErrDaemonNotRunning is wrapped when nothing listens on the socket.
var ErrDaemonNotRunning = errors.New("daemon not running")

// Client opens one connection per call.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: 30 * time.Second}
}

// SetTimeout bounds the dial and the whole exchange.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// Call sends command and decodes the reply data into out. A reply reporting
// failure is returned as *ErrorDetail; HasCode tests for a specific code.
func (c *Client) Call(command string, params, out any) error {
	req, err := NewRequest(command, params)
	if err != nil {
		return err
	}
	resp, err := c.roundTrip(req)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

func (c *Client) roundTrip(req *Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		// A missing socket or a stale one left by a crashed daemon.
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("%w at %s; start it with: taskweave daemon", ErrDaemonNotRunning, c.socketPath)
		}
		return nil, fmt.Errorf("dial %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}
	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("%s: send: %w", req.Command, err)
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("%s: read reply: %w", req.Command, err)
	}
	return &resp, nil
}

// HasCode reports whether err carries a daemon error reply with code.
func HasCode(err error, code string) bool {
	var d *ErrorDetail
	return errors.As(err, &d) && d.Code == code
}
