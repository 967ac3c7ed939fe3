package master

import (
	"context"

	"mksmaster/internal/protocol"
)

// requestHandler returns the response payload, or false when the command is
// not answered.
type requestHandler func(ctx context.Context, p *peer, f *protocol.Frame) (any, bool)

type responseHandler func(ctx context.Context, p *peer, f *protocol.Frame)

func (m *Master) routes() {
	m.requests = map[protocol.Command]requestHandler{
		protocol.CmdGetConnectionsList:    m.handleGetConnectionsList,
		protocol.CmdGetInstalledNodesList: m.handleGetInstalledNodesList,
		protocol.CmdSetInstalledNodeInfo:  m.handleSetInstalledNodeInfo,
		protocol.CmdGetServicesInfo:       m.handleGetServicesInfo,
		protocol.CmdSetServiceInfo:        m.handleSetServiceInfo,
		protocol.CmdGetMasterPublicInfo:   m.handleGetMasterPublicInfo,
		protocol.CmdGetGitPackages:        m.handleGetGitPackages,
		protocol.CmdInstall:               m.handleInstall,
		protocol.CmdUninstall:             m.handleUninstall,
		protocol.CmdUploadFile:            m.handleUploadFile,
		protocol.CmdReboot:                m.handleReboot,
		protocol.CmdShutdown:              m.handleShutdown,
		protocol.CmdOnNodeChange:          m.handleOnNodeChange,
	}
	m.responses = map[protocol.Command]responseHandler{
		protocol.CmdGetOnlineDevices: m.handleOnlineDevicesResponse,
		protocol.CmdServicesMngr:     m.handleAck,
		protocol.CmdReboot:           m.handleAck,
		protocol.CmdShutdown:         m.handleAck,
	}
}

func (m *Master) dispatchRequest(ctx context.Context, p *peer, f *protocol.Frame) (any, bool) {
	name, err := protocol.GetCommandFromFrame(f)
	if err != nil {
		m.logger.Warn("request rejected", "addr", p.addr, "err", err)
		return errorPayload(), true
	}
	if _, err := protocol.GetSourceFromFrame(f); err != nil {
		m.logger.Warn("request rejected", "command", name, "addr", p.addr, "err", err)
		return errorPayload(), true
	}
	cmd, err := protocol.ParseCommand(name)
	if err != nil {
		m.logger.Warn("unknown command", "command", name, "source", f.Source, "addr", p.addr)
		return errorPayload(), true
	}
	h, ok := m.requests[cmd]
	if !ok {
		m.logger.Warn("no request handler", "command", cmd, "source", f.Source)
		return errorPayload(), true
	}
	m.logger.Debug("request", "command", cmd, "source", f.Source, "id", f.Header.ID)
	return h(ctx, p, f)
}

func (m *Master) dispatchResponse(ctx context.Context, p *peer, f *protocol.Frame) {
	h, ok := m.responses[protocol.Command(f.Header.Command)]
	if !ok {
		m.logger.Debug("unhandled response dropped", "command", f.Header.Command, "source", f.Source)
		return
	}
	h(ctx, p, f)
}
