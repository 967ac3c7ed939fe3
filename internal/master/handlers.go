package master

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"mksmaster/internal/api"
	"mksmaster/internal/installer"
	"mksmaster/internal/model"
	"mksmaster/internal/protocol"
	"mksmaster/internal/registry"
	"mksmaster/internal/store"
	"mksmaster/internal/uploader"
)

func (m *Master) handleGetConnectionsList(_ context.Context, _ *peer, _ *protocol.Frame) (any, bool) {
	conns := m.registry.Snapshot()
	out := api.ConnectionsResponse{Connections: make([]api.ConnectionInfo, 0, len(conns))}
	for _, c := range conns {
		out.Connections = append(out.Connections, api.ConnectionInfo{
			LocalType: c.LocalType.String(),
			UUID:      c.UUID,
			Name:      c.Name,
			IP:        c.Address,
			Port:      c.ListenerPort,
			Type:      c.Type,
			PID:       c.PID,
			IsService: c.IsService,
		})
	}
	return out, true
}

func (m *Master) handleGetInstalledNodesList(_ context.Context, _ *peer, _ *protocol.Frame) (any, bool) {
	return api.InstalledNodesResponse{InstalledNodes: m.nodes.List()}, true
}

// handleSetInstalledNodeInfo flips the enabled flag. An unknown uuid still
// answers ok; the table is simply left unchanged.
func (m *Master) handleSetInstalledNodeInfo(_ context.Context, _ *peer, f *protocol.Frame) (any, bool) {
	req, err := api.DecodePayload[api.SetEnabledRequest](f)
	if err != nil {
		m.logger.Warn("set_installed_node_info rejected", "source", f.Source, "err", err)
		return errorPayload(), true
	}
	found, err := m.nodes.SetEnabled(req.UUID, *req.Enabled)
	switch {
	case errors.Is(err, store.ErrPersistence):
		m.logger.Error("installed nodes not persisted", "uuid", req.UUID, "err", err)
	case err != nil:
		m.logger.Error("set_installed_node_info", "uuid", req.UUID, "err", err)
	case !found:
		m.logger.Warn("set_installed_node_info for unknown node", "uuid", req.UUID)
	default:
		m.logger.Info("installed node toggled", "uuid", req.UUID, "enabled", *req.Enabled)
	}
	return api.ErrorResponse{Error: api.StatusOK}, true
}

func (m *Master) handleGetServicesInfo(_ context.Context, _ *peer, _ *protocol.Frame) (any, bool) {
	return api.ServicesResponse{OnBootServices: m.services.List()}, true
}

func (m *Master) handleGetMasterPublicInfo(ctx context.Context, _ *peer, _ *protocol.Frame) (any, bool) {
	info, err := m.metrics.Collect(ctx)
	if err != nil {
		m.logger.Warn("host info incomplete", "err", err)
	}
	if info.BoardType == "" {
		info.BoardType = m.cfg.BoardType
	}
	m.devicesMu.RLock()
	devices := m.devices
	m.devicesMu.RUnlock()
	if devices == nil {
		devices = []map[string]any{}
	}
	return api.MasterPublicInfo{
		HostInfo:       info,
		OnBootServices: m.services.List(),
		NetworkDevices: devices,
	}, true
}

// handleGetGitPackages lists packages on disk that can be run as nodes,
// marking the ones present in the installed-nodes table.
func (m *Master) handleGetGitPackages(_ context.Context, _ *peer, _ *protocol.Frame) (any, bool) {
	pkgs, err := installer.ListPackages(m.cfg.NodesPath())
	if err != nil {
		m.logger.Warn("list packages", "dir", m.cfg.NodesPath(), "err", err)
	}
	out := api.GitPackagesResponse{Status: api.StatusOK, Packages: []api.GitPackage{}}
	for _, pkg := range pkgs {
		if model.IsSystemType(pkg.Type) || pkg.Service() {
			continue
		}
		installed := 0
		if _, ok := m.nodes.Get(pkg.UUID); ok {
			installed = 1
		}
		out.Packages = append(out.Packages, api.GitPackage{Type: pkg.Type, UUID: pkg.UUID, Installed: installed})
	}
	return out, true
}

func (m *Master) handleInstall(_ context.Context, _ *peer, f *protocol.Frame) (any, bool) {
	req, err := api.DecodePayload[api.InstallRequest](f)
	if err != nil {
		m.logger.Warn("install rejected", "source", f.Source, "err", err)
		return errorPayload(), true
	}
	var job installer.Job
	if strings.Contains(req.Type, api.InstallTypeFile) {
		job = installer.NewJob(installer.InstallFromArchive, m.archivePath(req.File))
	} else {
		job = installer.NewJob(installer.InstallFromRepository, req.File)
	}
	if err := m.installer.Enqueue(job); err != nil {
		m.logger.Warn("install not queued", "file", req.File, "err", err)
		return api.InstallResponse{Status: api.StatusReject, File: req.File}, true
	}
	return api.InstallResponse{Status: api.StatusAccepted, File: req.File}, true
}

// archivePath resolves an install file name against the upload directory.
func (m *Master) archivePath(file string) string {
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(m.cfg.UploadPath(), filepath.Base(file))
}

func (m *Master) handleUninstall(_ context.Context, _ *peer, f *protocol.Frame) (any, bool) {
	req, err := api.DecodePayload[api.UninstallRequest](f)
	if err != nil {
		m.logger.Warn("uninstall rejected", "source", f.Source, "err", err)
		return errorPayload(), true
	}
	if err := m.installer.Enqueue(installer.NewJob(installer.Uninstall, req.UUID)); err != nil {
		m.logger.Warn("uninstall not queued", "uuid", req.UUID, "err", err)
		return api.UninstallResponse{Status: api.StatusReject, UUID: req.UUID}, true
	}
	return api.UninstallResponse{Status: api.StatusAccepted, UUID: req.UUID}, true
}

func (m *Master) handleUploadFile(_ context.Context, _ *peer, f *protocol.Frame) (any, bool) {
	req, err := api.DecodePayload[api.UploadRequest](f)
	if err != nil {
		m.logger.Warn("upload chunk rejected", "source", f.Source, "err", err)
		return errorPayload(), true
	}
	res, err := m.uploader.Apply(uploader.Chunk{
		File:  req.File,
		Index: req.Chunk,
		Total: req.Chunks,
		Last:  req.Last,
		Data:  req.Bytes,
	})
	if err != nil {
		m.logger.Warn("upload chunk rejected", "file", req.File, "chunk", req.Chunk, "err", err)
		return api.UploadResponse{Status: api.StatusReject, Chunk: req.Chunk, File: req.File, Error: err.Error()}, true
	}
	m.logger.Debug("upload chunk", "file", req.File, "chunk", req.Chunk, "size", res.Size, "completed", res.Completed)
	return api.UploadResponse{Status: api.StatusAccept, Chunk: req.Chunk, File: req.File}, true
}

// handleReboot asks the first guardian to reboot the host.
func (m *Master) handleReboot(_ context.Context, _ *peer, f *protocol.Frame) (any, bool) {
	g, ok := m.registry.FindByType(registry.DeclaredType(model.TypeDefender))
	if !ok {
		m.logger.Warn("reboot requested without a guardian connected", "source", f.Source)
		return api.StatusResponse{Status: api.RebootFailed}, true
	}
	if err := m.request(g, protocol.CmdReboot, nil); err != nil {
		m.logger.Error("reboot request not delivered", "guardian", g.UUID, "err", err)
		return api.StatusResponse{Status: api.RebootFailed}, true
	}
	m.logger.Info("reboot requested", "source", f.Source, "guardian", g.UUID)
	return api.StatusResponse{Status: api.RebootOK}, true
}

// handleShutdown starts the shutdown sequence when the root identity asks.
// It never replies.
func (m *Master) handleShutdown(_ context.Context, _ *peer, f *protocol.Frame) (any, bool) {
	source, err := protocol.GetSourceFromFrame(f)
	if err != nil || source != m.cfg.RootUUID {
		m.logger.Warn("shutdown ignored", "source", source, "err", err)
		return nil, false
	}
	go m.shutdown.Shutdown("shutdown command from " + source)
	return nil, false
}

func (m *Master) handleOnNodeChange(_ context.Context, _ *peer, f *protocol.Frame) (any, bool) {
	var ev api.NodeChangeEvent
	if err := protocol.GetPayloadFromFrame(f, &ev); err != nil {
		m.logger.Warn("on_node_change rejected", "source", f.Source, "err", err)
		return errorPayload(), true
	}
	if ev.OnlineDevices != nil {
		m.devicesMu.Lock()
		m.devices = ev.OnlineDevices
		m.devicesMu.Unlock()
	}
	m.logger.Info("node change", "source", f.Source, "event", ev.Event, "devices", len(ev.OnlineDevices))
	return api.ErrorResponse{Error: api.ErrorNone}, true
}

func (m *Master) handleOnlineDevicesResponse(_ context.Context, _ *peer, f *protocol.Frame) {
	var ev api.NodeChangeEvent
	if err := protocol.GetPayloadFromFrame(f, &ev); err != nil {
		m.logger.Warn("get_online_devices response", "source", f.Source, "err", err)
		return
	}
	m.logger.Info("online devices", "source", f.Source, "count", len(ev.OnlineDevices), "devices", ev.OnlineDevices)
}

func (m *Master) handleAck(_ context.Context, _ *peer, f *protocol.Frame) {
	m.logger.Debug("ack", "command", f.Header.Command, "source", f.Source, "payload", string(f.Payload))
}
