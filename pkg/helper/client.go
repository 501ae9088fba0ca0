package helper

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strings"
	"time"

	"github.com/PKell33/ownprem-sub002/pkg/types"
)

// Client talks to the helper daemon. Each call opens one connection,
// sends one request, and reads one response; the socket is the
// serialization point.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a client for the helper socket.
func NewClient(socketPath string) *Client {
	if socketPath == "" {
		socketPath = SocketPath
	}
	return &Client{socketPath: socketPath, timeout: actionTimeout + 10*time.Second}
}

// Call executes one privileged action. Allow-list rejections surface as
// KindPrivilegeDenied, execution failures as KindCommandFailed.
func (c *Client) Call(ctx context.Context, req *Request) (string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return "", types.Wrap(types.KindCommandFailed, err, "connect to helper")
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return "", types.Wrap(types.KindCommandFailed, err, "send helper request")
	}

	reader := bufio.NewReaderSize(conn, 64*1024)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return "", types.Wrap(types.KindCommandFailed, err, "read helper response")
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return "", types.Wrap(types.KindCommandFailed, err, "decode helper response")
	}
	if !resp.Success {
		if strings.HasPrefix(resp.Error, "Validation failed") {
			return "", types.E(types.KindPrivilegeDenied, "helper rejected action %s: %s", req.Action, resp.Error)
		}
		return "", types.E(types.KindCommandFailed, "helper action %s failed: %s", req.Action, resp.Error)
	}
	return resp.Output, nil
}
