package agent

import (
	"context"
	"errors"
	"time"

	"mksmaster/internal/api"
	"mksmaster/internal/protocol"
)

var (
	// ErrShutdownRequested is returned by Run when the master ordered the
	// guardian to stop.
	ErrShutdownRequested = errors.New("shutdown requested by master")
	// ErrMasterUnresponsive is returned by Run when consecutive status polls
	// went unanswered.
	ErrMasterUnresponsive = errors.New("master stopped answering status polls")
)

// pollConnections asks the master for its connection table and returns the
// number of live connections.
func pollConnections(ctx context.Context, c *api.Client, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var out api.ConnectionsResponse
	if err := c.Call(ctx, "", protocol.CmdGetConnectionsList, nil, &out); err != nil {
		return 0, err
	}
	return len(out.Connections), nil
}
