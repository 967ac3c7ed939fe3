package api

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mksmaster/internal/logging"
	"mksmaster/internal/protocol"
)

// fakeMaster answers every request on conn with reply(f).
func fakeMaster(t *testing.T, conn net.Conn, reply func(f *protocol.Frame) any) {
	t.Helper()
	go func() {
		r := protocol.NewReader(conn, 0)
		for {
			body, err := r.Next()
			if err != nil {
				return
			}
			f, err := protocol.Decode(body)
			if err != nil {
				return
			}
			payload := reply(f)
			if payload == nil {
				continue
			}
			resp, err := protocol.BuildResponse(f, payload)
			if err != nil {
				return
			}
			resp.Source = "master-uuid"
			if err := protocol.WriteFrame(conn, resp); err != nil {
				return
			}
		}
	}()
}

func newPipeClient(t *testing.T, reply func(f *protocol.Frame) any) *Client {
	t.Helper()
	a, b := net.Pipe()
	fakeMaster(t, b, reply)
	c := NewClient(a, Options{UUID: "node-1", Name: "camera", Type: 5, LocalType: "GUARDIAN", Logger: logging.Discard()})
	t.Cleanup(func() {
		_ = c.Close()
		_ = b.Close()
	})
	return c
}

func TestClient_RegisterLearnsMasterUUID(t *testing.T) {
	t.Parallel()

	var got RegisterRequest
	c := newPipeClient(t, func(f *protocol.Frame) any {
		if f.Header.Command == string(protocol.CmdRegister) {
			assert.NoError(t, protocol.GetPayloadFromFrame(f, &got))
			return RegisterResponse{Status: StatusOK, UUID: "master-uuid"}
		}
		return ErrorResponse{Error: ErrorCode}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Register(ctx)
	require.NoError(t, err)
	assert.Equal(t, "master-uuid", resp.UUID)
	assert.Equal(t, "master-uuid", c.MasterUUID())
	assert.Equal(t, "node-1", got.UUID)
	assert.Equal(t, 5, got.Type)
	assert.NotZero(t, got.PID)
}

func TestClient_CallReportsCommandFailure(t *testing.T) {
	t.Parallel()

	c := newPipeClient(t, func(f *protocol.Frame) any {
		return ErrorResponse{Error: ErrorCode}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.Call(ctx, "", protocol.CmdGetServicesInfo, nil, nil)
	assert.ErrorIs(t, err, ErrCommandFailed)
}

func TestClient_UploadFileChunks(t *testing.T) {
	t.Parallel()

	var chunks []UploadRequest
	c := newPipeClient(t, func(f *protocol.Frame) any {
		var req UploadRequest
		assert.NoError(t, protocol.GetPayloadFromFrame(f, &req))
		chunks = append(chunks, req)
		return UploadResponse{Status: StatusAccept, Chunk: req.Chunk, File: req.File}
	})

	path := filepath.Join(t.TempDir(), "camera.zip")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := c.UploadFile(ctx, path, 4)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, int64(10), res.Size)

	require.Len(t, chunks, 3)
	assert.Equal(t, "camera.zip", chunks[0].File)
	assert.Equal(t, []byte("0123"), chunks[0].Bytes)
	assert.Equal(t, []byte("89"), chunks[2].Bytes)
	assert.False(t, chunks[1].Last)
	assert.True(t, chunks[2].Last)
	assert.Equal(t, 3, chunks[2].Chunks)
}

func TestClient_HandlerReceivesRequests(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	got := make(chan string, 1)
	c := NewClient(a, Options{UUID: "guardian", Logger: logging.Discard(), Handler: func(ctx context.Context, c *Client, f *protocol.Frame) {
		got <- f.Header.Command
		_ = c.Reply(f, StatusResponse{Status: StatusOK})
	}})
	defer c.Close()
	defer b.Close()

	req, err := protocol.BuildRequest(protocol.RoutingDirect, "guardian", "master", protocol.CmdReboot, nil, nil)
	require.NoError(t, err)
	go func() { _ = protocol.WriteFrame(b, req) }()

	select {
	case cmd := <-got:
		assert.Equal(t, "reboot", cmd)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}

	body, err := protocol.NewReader(b, 0).Next()
	require.NoError(t, err)
	resp, err := protocol.Decode(body)
	require.NoError(t, err)
	assert.Equal(t, req.Header.ID, resp.Header.ID)
	assert.Equal(t, "guardian", resp.Source)
}

func TestClient_CallAfterCloseFails(t *testing.T) {
	t.Parallel()

	c := newPipeClient(t, func(f *protocol.Frame) any { return nil })
	require.NoError(t, c.Close())
	err := c.Call(context.Background(), "", protocol.CmdReboot, nil, nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Err(), ErrClosed)
}

func TestDecodePayload_Validates(t *testing.T) {
	t.Parallel()

	f, err := protocol.BuildRequest(protocol.RoutingDirect, "m", "n", protocol.CmdSetInstalledNodeInfo, map[string]any{"uuid": "x"}, nil)
	require.NoError(t, err)
	_, err = DecodePayload[SetEnabledRequest](f)
	assert.ErrorIs(t, err, protocol.ErrMalformedPacket)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	f, err = protocol.BuildRequest(protocol.RoutingDirect, "m", "n", protocol.CmdSetInstalledNodeInfo, map[string]any{"uuid": "x", "enabled": 0}, nil)
	require.NoError(t, err)
	req, err := DecodePayload[SetEnabledRequest](f)
	require.NoError(t, err)
	assert.Equal(t, 0, *req.Enabled)

	f, err = protocol.BuildRequest(protocol.RoutingDirect, "m", "n", protocol.CmdInstall, InstallRequest{Type: "ftp", File: "x"}, nil)
	require.NoError(t, err)
	_, err = DecodePayload[InstallRequest](f)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}
