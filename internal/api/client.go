package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"mksmaster/internal/protocol"
)

var (
	// ErrClosed is returned for calls on a client whose connection is gone.
	ErrClosed = errors.New("connection closed")
	// ErrCommandFailed means the peer answered {"error":"-1"}.
	ErrCommandFailed = errors.New("command failed")
)

// Handler receives requests the peer sends to this client. It runs on its
// own goroutine and may use c to reply or to make further calls.
type Handler func(ctx context.Context, c *Client, f *protocol.Frame)

// Options describe the node a client registers as.
type Options struct {
	UUID         string
	Name         string
	Type         int
	LocalType    string
	IsService    bool
	PID          int
	ListenerPort int
	Handler      Handler
	Logger       *slog.Logger
	MaxFrame     int
}

// Client is a node-side connection to the master speaking the framed
// protocol. Responses are matched to calls by header id.
type Client struct {
	conn    net.Conn
	opts    Options
	logger  *slog.Logger
	reader  *protocol.Reader
	writeMu sync.Mutex

	mu         sync.Mutex
	pending    map[string]chan *protocol.Frame
	masterUUID string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Dial connects to addr, starts the read loop and registers.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c := NewClient(conn, opts)
	if _, err := c.Register(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// NewClient wraps an established connection and starts reading from it.
// The caller registers explicitly.
func NewClient(conn net.Conn, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PID == 0 {
		opts.PID = os.Getpid()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:    conn,
		opts:    opts,
		logger:  logger.With("component", "client"),
		reader:  protocol.NewReader(conn, opts.MaxFrame),
		pending: map[string]chan *protocol.Frame{},
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// UUID is the identity this client registers with.
func (c *Client) UUID() string { return c.opts.UUID }

// MasterUUID is the master identity learned at registration.
func (c *Client) MasterUUID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.masterUUID
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close tears the connection down. Pending calls fail with ErrClosed.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

// Register sends the handshake and records the master's uuid.
func (c *Client) Register(ctx context.Context) (RegisterResponse, error) {
	req := RegisterRequest{
		UUID:         c.opts.UUID,
		Name:         c.opts.Name,
		Type:         c.opts.Type,
		LocalType:    c.opts.LocalType,
		ListenerPort: c.opts.ListenerPort,
		IsService:    c.opts.IsService,
		PID:          c.opts.PID,
	}
	var resp RegisterResponse
	if err := c.Call(ctx, "", protocol.CmdRegister, req, &resp); err != nil {
		return resp, fmt.Errorf("register: %w", err)
	}
	if resp.Status != StatusOK {
		return resp, fmt.Errorf("register: status %q", resp.Status)
	}
	c.mu.Lock()
	c.masterUUID = resp.UUID
	c.mu.Unlock()
	return resp, nil
}

// Call sends a DIRECT request to dest (empty means the master) and decodes
// the matching response into out, which may be nil.
func (c *Client) Call(ctx context.Context, dest string, cmd protocol.Command, in, out any) error {
	if dest == "" {
		dest = c.MasterUUID()
	}
	f, err := protocol.BuildRequest(protocol.RoutingDirect, dest, c.opts.UUID, cmd, in, nil)
	if err != nil {
		return err
	}
	resp, err := c.roundTrip(ctx, f)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

// CallRaw is Call returning the undecoded response frame.
func (c *Client) CallRaw(ctx context.Context, dest string, cmd protocol.Command, in any) (*protocol.Frame, error) {
	if dest == "" {
		dest = c.MasterUUID()
	}
	f, err := protocol.BuildRequest(protocol.RoutingDirect, dest, c.opts.UUID, cmd, in, nil)
	if err != nil {
		return nil, err
	}
	return c.roundTrip(ctx, f)
}

// Notify sends a DIRECT request to dest without waiting for an answer.
func (c *Client) Notify(dest string, cmd protocol.Command, in any) error {
	if dest == "" {
		dest = c.MasterUUID()
	}
	f, err := protocol.BuildRequest(protocol.RoutingDirect, dest, c.opts.UUID, cmd, in, nil)
	if err != nil {
		return err
	}
	return c.send(f)
}

// Broadcast sends a BROADCAST request without waiting for answers.
func (c *Client) Broadcast(cmd protocol.Command, in any) error {
	f, err := protocol.BuildRequest(protocol.RoutingBroadcast, "", c.opts.UUID, cmd, in, nil)
	if err != nil {
		return err
	}
	return c.send(f)
}

// Reply answers a request received by the handler.
func (c *Client) Reply(req *protocol.Frame, payload any) error {
	f, err := protocol.BuildResponse(req, payload)
	if err != nil {
		return err
	}
	f.Source = c.opts.UUID
	return c.send(f)
}

func (c *Client) roundTrip(ctx context.Context, f *protocol.Frame) (*protocol.Frame, error) {
	ch := make(chan *protocol.Frame, 1)
	c.mu.Lock()
	c.pending[f.Header.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, f.Header.ID)
		c.mu.Unlock()
	}()

	if err := c.send(f); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) send(f *protocol.Frame) error {
	data, err := protocol.AppendFraming(f)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("send %s: %w", f.Header.Command, err)
	}
	return nil
}

func (c *Client) readLoop() {
	var err error
	defer func() {
		c.err = err
		c.cancel()
		c.conn.Close()
		close(c.done)
	}()
	for {
		var body []byte
		body, err = c.reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
				err = ErrClosed
			}
			return
		}
		f, derr := protocol.Decode(body)
		if derr != nil {
			c.logger.Warn("dropping malformed frame", "err", derr)
			continue
		}
		if !f.IsRequest() {
			c.deliver(f)
			continue
		}
		if c.opts.Handler == nil {
			c.logger.Debug("request without handler", "command", f.Header.Command, "source", f.Source)
			continue
		}
		go c.opts.Handler(c.ctx, c, f)
	}
}

func (c *Client) deliver(f *protocol.Frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.Header.ID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("unsolicited response", "command", f.Header.Command, "id", f.Header.ID)
		return
	}
	select {
	case ch <- f:
	default:
	}
}

func decodeResponse(f *protocol.Frame, out any) error {
	var probe ErrorResponse
	if err := protocol.GetPayloadFromFrame(f, &probe); err == nil && probe.Error == ErrorCode {
		return fmt.Errorf("%s: %w", f.Header.Command, ErrCommandFailed)
	}
	if out == nil {
		return nil
	}
	return protocol.GetPayloadFromFrame(f, out)
}

// UploadResult summarizes a finished upload.
type UploadResult struct {
	File   string
	Chunks int
	Size   int64
}

// DefaultChunkSize keeps a chunk well below the frame limit after base64.
const DefaultChunkSize = 512 << 10

// UploadFile streams path to the master as upload_file chunks. The remote
// name is the file's base name; the last chunk carries last=true.
func (c *Client) UploadFile(ctx context.Context, path string, chunkSize int) (UploadResult, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	f, err := os.Open(path)
	if err != nil {
		return UploadResult{}, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return UploadResult{}, err
	}

	name := filepath.Base(path)
	total := int((st.Size() + int64(chunkSize) - 1) / int64(chunkSize))
	if total == 0 {
		total = 1
	}
	res := UploadResult{File: name, Size: st.Size()}
	buf := make([]byte, chunkSize)
	start := time.Now()
	for i := 1; i <= total; i++ {
		n, err := io.ReadFull(f, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return res, fmt.Errorf("read %s: %w", path, err)
		}
		req := UploadRequest{File: name, Chunk: i, Chunks: total, Last: i == total, Bytes: buf[:n]}
		var resp UploadResponse
		if err := c.Call(ctx, "", protocol.CmdUploadFile, req, &resp); err != nil {
			return res, err
		}
		if resp.Status != StatusAccept {
			return res, fmt.Errorf("chunk %d rejected: %s", i, resp.Error)
		}
		res.Chunks = i
	}
	c.logger.Info("upload sent", "file", name, "chunks", res.Chunks, "size", res.Size, "elapsed", time.Since(start).Round(time.Millisecond))
	return res, nil
}
