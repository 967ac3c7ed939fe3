package master

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"mksmaster/internal/api"
	"mksmaster/internal/model"
	"mksmaster/internal/protocol"
	"mksmaster/internal/registry"
)

const writeTimeout = 10 * time.Second

// peer is one accepted transport connection. Writes are serialized so a
// reply and a concurrent broadcast never interleave on the wire.
type peer struct {
	id   uint64
	conn net.Conn
	addr string

	mu sync.Mutex
}

func (p *peer) Send(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := p.conn.Write(frame)
	return err
}

func (p *peer) host() string {
	host, _, err := net.SplitHostPort(p.addr)
	if err != nil {
		return p.addr
	}
	return host
}

func (m *Master) serveConn(ctx context.Context, conn net.Conn) {
	p := &peer{id: m.nextID.Add(1), conn: conn, addr: conn.RemoteAddr().String()}
	m.peersMu.Lock()
	m.peers[p.id] = p
	m.peersMu.Unlock()
	if ctx.Err() != nil {
		conn.Close()
	}
	m.logger.Debug("connection accepted", "id", p.id, "addr", p.addr)

	defer func() {
		conn.Close()
		m.peersMu.Lock()
		delete(m.peers, p.id)
		m.peersMu.Unlock()
		m.registry.Unregister(p.id)
	}()

	reader := protocol.NewReader(conn, m.cfg.MaxFrameBytes)
	for {
		body, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				m.logger.Debug("connection closed", "id", p.id, "addr", p.addr)
			} else {
				m.logger.Warn("connection dropped", "id", p.id, "addr", p.addr, "err", err)
			}
			return
		}
		m.handleFrame(ctx, p, body)
	}
}

func (m *Master) closePeers() {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()
	for _, p := range m.peers {
		p.conn.Close()
	}
}

// handleFrame decodes one body and routes it. Nothing in here ends the read
// loop: bad input is answered or dropped.
func (m *Master) handleFrame(ctx context.Context, p *peer, body []byte) {
	f, err := protocol.Decode(body)
	if err != nil {
		m.logger.Warn("malformed frame", "id", p.id, "addr", p.addr, "err", err)
		if f == nil {
			f = &protocol.Frame{Routing: protocol.RoutingDirect}
		}
		if f.Header.Command == "" {
			f.Header.Command = "error"
		}
		if f.Routing == "" {
			f.Routing = protocol.RoutingDirect
		}
		if f.IsRequest() {
			m.reply(p, f, errorPayload())
		}
		return
	}

	if f.Header.Command == string(protocol.CmdRegister) && f.IsRequest() {
		m.handleRegister(p, f)
		return
	}

	// Only broadcast requests fan out; a response always goes back to the
	// node that asked.
	switch {
	case f.IsBroadcast() && f.IsRequest():
		m.relayBroadcast(p, f)
	case f.Destination != "" && f.Destination != m.cfg.UUID:
		m.relayDirect(p, f)
		return
	}

	if f.IsRequest() {
		payload, ok := m.dispatchRequest(ctx, p, f)
		if ok {
			m.reply(p, f, payload)
		}
		return
	}
	m.dispatchResponse(ctx, p, f)
}

func (m *Master) handleRegister(p *peer, f *protocol.Frame) {
	req, err := api.DecodePayload[api.RegisterRequest](f)
	if err != nil {
		m.logger.Warn("bad register payload", "id", p.id, "addr", p.addr, "err", err)
		m.reply(p, f, errorPayload())
		return
	}
	m.registry.Register(registry.Connection{
		ID:           p.id,
		UUID:         req.UUID,
		LocalType:    model.ParseLocalType(req.LocalType),
		Type:         req.Type,
		Name:         req.Name,
		PID:          req.PID,
		IsService:    req.IsService,
		Address:      p.host(),
		ListenerPort: req.ListenerPort,
		Enabled:      true,
		Sender:       p,
	})
	m.reply(p, f, api.RegisterResponse{Status: api.StatusOK, UUID: m.cfg.UUID})
}

// relayDirect forwards a frame addressed to another registered node as is.
func (m *Master) relayDirect(p *peer, f *protocol.Frame) {
	target, ok := m.registry.Get(f.Destination)
	if !ok {
		m.logger.Warn("no route to destination", "command", f.Header.Command, "source", f.Source, "destination", f.Destination)
		if f.IsRequest() {
			m.reply(p, f, errorPayload())
		}
		return
	}
	if err := m.forward(target, f); err != nil {
		m.logger.Warn("relay failed", "command", f.Header.Command, "destination", f.Destination, "err", err)
	}
}

// relayBroadcast forwards f to every registered connection except the sender.
func (m *Master) relayBroadcast(p *peer, f *protocol.Frame) {
	for _, c := range m.registry.Snapshot() {
		if c.ID == p.id {
			continue
		}
		if err := m.forward(c, f); err != nil {
			m.logger.Warn("broadcast relay failed", "command", f.Header.Command, "uuid", c.UUID, "err", err)
		}
	}
}

func (m *Master) forward(c registry.Connection, f *protocol.Frame) error {
	data, err := protocol.AppendFraming(f)
	if err != nil {
		return err
	}
	return c.Sender.Send(data)
}

// reply answers f on p with the master as source.
func (m *Master) reply(p *peer, f *protocol.Frame, payload any) {
	resp, err := protocol.BuildResponse(f, payload)
	if err != nil {
		m.logger.Error("build response", "command", f.Header.Command, "err", err)
		return
	}
	resp.Source = m.cfg.UUID
	data, err := protocol.AppendFraming(resp)
	if err != nil {
		m.logger.Error("encode response", "command", f.Header.Command, "err", err)
		return
	}
	if err := p.Send(data); err != nil {
		m.logger.Warn("send response", "command", f.Header.Command, "addr", p.addr, "err", err)
	}
}

// request sends a master-originated request to c without waiting for an answer.
func (m *Master) request(c registry.Connection, cmd protocol.Command, payload any) error {
	f, err := protocol.BuildRequest(protocol.RoutingDirect, c.UUID, m.cfg.UUID, cmd, payload, nil)
	if err != nil {
		return err
	}
	return m.forward(c, f)
}

func errorPayload() api.ErrorResponse {
	return api.ErrorResponse{Error: api.ErrorCode}
}
