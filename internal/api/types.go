package api

import (
	"errors"
	"fmt"
	"strings"

	"mksmaster/internal/metrics"
	"mksmaster/internal/model"
	"mksmaster/internal/protocol"
)

// Status and error values carried in response payloads.
const (
	StatusOK       = "ok"
	StatusAccepted = "accepted"
	StatusAccept   = "accept"
	StatusReject   = "reject"
	RebootOK       = "OK"
	RebootFailed   = "FAILD"
	ErrorCode      = "-1"
	ErrorNone      = "none"
)

// ErrInvalidPayload marks a payload that decoded but failed validation.
var ErrInvalidPayload = errors.New("invalid payload")

// Validator is implemented by request payloads with required fields.
type Validator interface {
	Validate() error
}

// DecodePayload reads f's payload into a T and validates it when T knows how.
func DecodePayload[T any](f *protocol.Frame) (T, error) {
	var v T
	if err := protocol.GetPayloadFromFrame(f, &v); err != nil {
		return v, err
	}
	if val, ok := any(&v).(Validator); ok {
		if err := val.Validate(); err != nil {
			return v, fmt.Errorf("%w: %w: %v", protocol.ErrMalformedPacket, ErrInvalidPayload, err)
		}
	}
	return v, nil
}

// RegisterRequest is the first frame a node sends after connecting.
type RegisterRequest struct {
	UUID         string `json:"uuid"`
	Name         string `json:"name"`
	Type         int    `json:"type"`
	LocalType    string `json:"local_type"`
	ListenerPort int    `json:"listener_port"`
	IsService    bool   `json:"is_service"`
	PID          int    `json:"pid"`
}

func (r *RegisterRequest) Validate() error {
	if strings.TrimSpace(r.UUID) == "" {
		return errors.New("uuid is required")
	}
	return nil
}

// RegisterResponse acknowledges a registration with the master's identity.
type RegisterResponse struct {
	Status string `json:"status"`
	UUID   string `json:"uuid"`
}

// ErrorResponse is the generic {error} reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusResponse is the generic {status} reply.
type StatusResponse struct {
	Status string `json:"status"`
}

// ConnectionInfo is one row of get_connections_list.
type ConnectionInfo struct {
	LocalType string `json:"local_type"`
	UUID      string `json:"uuid"`
	Name      string `json:"name,omitempty"`
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	Type      int    `json:"type"`
	PID       int    `json:"pid,omitempty"`
	IsService bool   `json:"is_service"`
}

type ConnectionsResponse struct {
	Connections []ConnectionInfo `json:"connections"`
}

type InstalledNodesResponse struct {
	InstalledNodes []model.InstalledNode `json:"installed_nodes"`
}

type ServicesResponse struct {
	OnBootServices []model.ServiceEntry `json:"on_boot_services"`
}

// SetEnabledRequest toggles an installed node or an on-boot service.
type SetEnabledRequest struct {
	UUID    string `json:"uuid"`
	Enabled *int   `json:"enabled"`
}

func (r *SetEnabledRequest) Validate() error {
	if strings.TrimSpace(r.UUID) == "" {
		return errors.New("uuid is required")
	}
	if r.Enabled == nil {
		return errors.New("enabled is required")
	}
	if *r.Enabled != 0 && *r.Enabled != 1 {
		return fmt.Errorf("enabled must be 0 or 1, got %d", *r.Enabled)
	}
	return nil
}

// Install source kinds.
const (
	InstallTypeFile = "file"
	InstallTypeGit  = "git"
)

type InstallRequest struct {
	Type string `json:"type"`
	File string `json:"file"`
}

func (r *InstallRequest) Validate() error {
	if strings.TrimSpace(r.File) == "" {
		return errors.New("file is required")
	}
	if !strings.Contains(r.Type, InstallTypeFile) && !strings.Contains(r.Type, InstallTypeGit) {
		return fmt.Errorf("unsupported install type %q", r.Type)
	}
	return nil
}

type InstallResponse struct {
	Status string `json:"status"`
	File   string `json:"file"`
}

type UninstallRequest struct {
	UUID string `json:"uuid"`
}

func (r *UninstallRequest) Validate() error {
	if strings.TrimSpace(r.UUID) == "" {
		return errors.New("uuid is required")
	}
	return nil
}

type UninstallResponse struct {
	Status string `json:"status"`
	UUID   string `json:"uuid"`
}

// UploadRequest carries one chunk. Bytes travels base64-encoded.
type UploadRequest struct {
	File   string `json:"file"`
	Chunk  int    `json:"chunk"`
	Chunks int    `json:"chunks,omitempty"`
	Last   bool   `json:"last,omitempty"`
	Bytes  []byte `json:"bytes"`
}

func (r *UploadRequest) Validate() error {
	if strings.TrimSpace(r.File) == "" {
		return errors.New("file is required")
	}
	if r.Chunk < 1 {
		return fmt.Errorf("chunk must be >= 1, got %d", r.Chunk)
	}
	return nil
}

type UploadResponse struct {
	Status string `json:"status"`
	Chunk  int    `json:"chunk"`
	File   string `json:"file"`
	Error  string `json:"error,omitempty"`
}

// NodeChangeEvent is the on_node_change payload. Both fields are optional.
type NodeChangeEvent struct {
	Event         string           `json:"event,omitempty"`
	OnlineDevices []map[string]any `json:"online_devices,omitempty"`
}

// MasterPublicInfo is the get_master_public_info reply: the host record plus
// the service table and the last known network devices.
type MasterPublicInfo struct {
	metrics.HostInfo
	OnBootServices []model.ServiceEntry `json:"on_boot_services"`
	NetworkDevices []map[string]any     `json:"network_devices"`
}

// GitPackage is one installable package found on disk.
type GitPackage struct {
	Type      int    `json:"type"`
	UUID      string `json:"uuid"`
	Installed int    `json:"installed"`
}

type GitPackagesResponse struct {
	Status   string       `json:"status"`
	Packages []GitPackage `json:"packages"`
}

// ServiceCommand is the services_mngr request the master sends to the
// guardian when a service is toggled.
type ServiceCommand struct {
	Command string        `json:"command"`
	Service ServiceTarget `json:"service"`
}

type ServiceTarget struct {
	Enabled int    `json:"enabled"`
	UUID    string `json:"uuid"`
	Name    string `json:"name"`
	Type    int    `json:"type"`
	PID     int    `json:"pid"`
}

// ServiceCommandEnable is the only services_mngr command the master issues;
// ServiceTarget.Enabled carries the direction.
const ServiceCommandEnable = "enable"
