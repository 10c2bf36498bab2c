package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/danmuck/kernelbridge/internal/jupyter"
	"github.com/danmuck/kernelbridge/internal/kernelspec"
	"github.com/danmuck/kernelbridge/internal/session"
	"golang.org/x/sys/unix"
)

var ErrControl = errors.New("bridge: control request failed")

// Client talks to a ControlServer. One request is in flight at a time.
type Client struct {
	mu      sync.Mutex
	conn    *net.UnixConn
	pending []byte
}

// Remote is a session opened through a control server. Read and Write are
// this process's copies of the host pipe ends.
type Remote struct {
	ConnectionInfo jupyter.ConnectionInfo `json:"connection_info"`
	SessionID      string                 `json:"session_id"`
	Read           *os.File               `json:"-"`
	Write          *os.File               `json:"-"`
}

func (r *Remote) Close() error {
	return errors.Join(r.Read.Close(), r.Write.Close())
}

type clientResponse struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Dial connects to the control socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		_ = conn.Close()
		return nil, ErrNotUnixSocket
	}
	return &Client{conn: uc}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Connect opens a session and receives its host pipe ends.
func (c *Client) Connect(ctx context.Context, info jupyter.ConnectionInfo) (*Remote, error) {
	params, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	resp, fds, err := c.roundTrip(ctx, controlRequest{Action: ActionConnect, Params: params})
	if err != nil {
		closeFds(fds)
		return nil, err
	}
	if len(fds) != 2 {
		closeFds(fds)
		return nil, fmt.Errorf("%w: expected 2 descriptors, got %d", ErrControl, len(fds))
	}
	var remote Remote
	if err := json.Unmarshal(resp.Data, &remote); err != nil {
		closeFds(fds)
		return nil, fmt.Errorf("%w: decode handle: %v", ErrControl, err)
	}
	remote.Read = os.NewFile(uintptr(fds[0]), "kernelbridge-read-"+remote.SessionID)
	remote.Write = os.NewFile(uintptr(fds[1]), "kernelbridge-write-"+remote.SessionID)
	return &remote, nil
}

func (c *Client) ListKernels(ctx context.Context) ([]kernelspec.Dir, error) {
	var out []kernelspec.Dir
	err := c.call(ctx, controlRequest{Action: ActionListKernels}, &out)
	return out, err
}

func (c *Client) Sessions(ctx context.Context) ([]session.TaskInfo, error) {
	var out []session.TaskInfo
	err := c.call(ctx, controlRequest{Action: ActionSessions}, &out)
	return out, err
}

func (c *Client) Pending(ctx context.Context) error {
	return c.call(ctx, controlRequest{Action: ActionPending}, nil)
}

// CloseSession cancels the router of sessionID.
func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	return c.call(ctx, controlRequest{Action: ActionClose, SessionID: sessionID}, nil)
}

func (c *Client) call(ctx context.Context, req controlRequest, out any) error {
	resp, fds, err := c.roundTrip(ctx, req)
	closeFds(fds)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrControl, req.Action, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, req controlRequest) (clientResponse, []int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return clientResponse{}, nil, err
	}
	if _, err := c.conn.Write(append(payload, '\n')); err != nil {
		return clientResponse{}, nil, err
	}

	line, fds, err := c.readLine()
	if err != nil {
		return clientResponse{}, fds, err
	}
	var resp clientResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return clientResponse{}, fds, fmt.Errorf("%w: %v", ErrControl, err)
	}
	if !resp.OK {
		return resp, fds, fmt.Errorf("%w: %s", ErrControl, resp.Error)
	}
	return resp, fds, nil
}

// readLine reads one response line, collecting any descriptors that arrive
// with it.
func (c *Client) readLine() ([]byte, []int, error) {
	var fds []int
	buf := make([]byte, 64*1024)
	oob := make([]byte, unix.CmsgSpace(2*4))
	for {
		if i := bytes.IndexByte(c.pending, '\n'); i >= 0 {
			line := c.pending[:i]
			c.pending = append([]byte(nil), c.pending[i+1:]...)
			return line, fds, nil
		}
		n, oobn, _, _, err := c.conn.ReadMsgUnix(buf, oob)
		if oobn > 0 {
			got, perr := parseRights(oob[:oobn])
			fds = append(fds, got...)
			if perr != nil {
				return nil, fds, perr
			}
		}
		c.pending = append(c.pending, buf[:n]...)
		if err != nil {
			return nil, fds, err
		}
		if n == 0 && oobn == 0 {
			return nil, fds, io.EOF
		}
	}
}

func parseRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var fds []int
	for i := range msgs {
		got, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		fds = append(fds, got...)
	}
	return fds, nil
}

func closeFds(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}
