package master

import (
	"context"
	"errors"

	"mksmaster/internal/api"
	"mksmaster/internal/model"
	"mksmaster/internal/protocol"
	"mksmaster/internal/registry"
	"mksmaster/internal/store"
)

// handleSetServiceInfo toggles an on-boot service and tells the guardian to
// act on it. Disabling targets the running process of that service type;
// enabling targets the service record itself.
func (m *Master) handleSetServiceInfo(_ context.Context, _ *peer, f *protocol.Frame) (any, bool) {
	req, err := api.DecodePayload[api.SetEnabledRequest](f)
	if err != nil {
		m.logger.Warn("set_service_info rejected", "source", f.Source, "err", err)
		return errorPayload(), true
	}
	enabled := *req.Enabled

	entry, found, err := m.services.SetEnabled(req.UUID, enabled)
	if err != nil {
		if !errors.Is(err, store.ErrPersistence) {
			m.logger.Error("set_service_info", "uuid", req.UUID, "err", err)
			return api.ErrorResponse{Error: api.StatusOK}, true
		}
		m.logger.Error("services not persisted", "uuid", req.UUID, "err", err)
	}
	if !found {
		m.logger.Warn("set_service_info for unknown service", "uuid", req.UUID)
		return api.ErrorResponse{Error: api.StatusOK}, true
	}

	target, ok := m.serviceTarget(entry, enabled)
	if !ok {
		m.logger.Info("service toggled, nothing running to stop", "uuid", entry.UUID, "type", entry.Type)
		return api.ErrorResponse{Error: api.StatusOK}, true
	}
	m.notifyGuardian(target)
	return api.ErrorResponse{Error: api.StatusOK}, true
}

func (m *Master) serviceTarget(entry model.ServiceEntry, enabled int) (api.ServiceTarget, bool) {
	if enabled == 0 {
		c, ok := m.registry.FindByType(registry.DeclaredType(entry.Type))
		if !ok {
			return api.ServiceTarget{}, false
		}
		return api.ServiceTarget{Enabled: enabled, UUID: c.UUID, Name: c.Name, Type: c.Type, PID: c.PID}, true
	}
	return api.ServiceTarget{Enabled: enabled, UUID: entry.UUID, Name: entry.Name, Type: entry.Type}, true
}

func (m *Master) notifyGuardian(target api.ServiceTarget) {
	g, ok := m.registry.FindByType(registry.DeclaredType(model.TypeDefender))
	if !ok {
		m.logger.Warn("no guardian connected for services_mngr", "service", target.UUID)
		return
	}
	cmd := api.ServiceCommand{Command: api.ServiceCommandEnable, Service: target}
	if err := m.request(g, protocol.CmdServicesMngr, cmd); err != nil {
		m.logger.Error("services_mngr not delivered", "guardian", g.UUID, "service", target.UUID, "err", err)
		return
	}
	m.logger.Info("services_mngr sent", "guardian", g.UUID, "service", target.UUID, "enabled", target.Enabled, "pid", target.PID)
}
