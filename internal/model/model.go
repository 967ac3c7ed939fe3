package model

import "strings"

// Declared node type codes. Types at or below TypeDefender are system
// processes and never show up as installable packages.
const (
	TypeMaster   = 1
	TypeDefender = 2
)

// IsSystemType reports whether a declared type belongs to a system process.
func IsSystemType(t int) bool {
	return t == TypeMaster || t == TypeDefender
}

// LocalType is how the master classifies a connected process.
type LocalType int

const (
	LocalTypeUnknown LocalType = iota
	LocalTypeGuardian
	LocalTypeDefender
	LocalTypeMaster
)

func (t LocalType) String() string {
	switch t {
	case LocalTypeGuardian:
		return "GUARDIAN"
	case LocalTypeDefender:
		return "SERVICE"
	case LocalTypeMaster:
		return "MASTER"
	default:
		return "UNKNOWN"
	}
}

// ParseLocalType accepts the names nodes announce at registration.
// "DEFENDER" and "SERVICE" are the same class.
func ParseLocalType(s string) LocalType {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "GUARDIAN", "NODE":
		return LocalTypeGuardian
	case "SERVICE", "DEFENDER":
		return LocalTypeDefender
	case "MASTER":
		return LocalTypeMaster
	default:
		return LocalTypeUnknown
	}
}

// InstalledNode is one entry of nodes.json.
type InstalledNode struct {
	UUID    string `json:"uuid"`
	Name    string `json:"name"`
	Type    int    `json:"type"`
	Enabled int    `json:"enabled"`
}

// ServiceEntry is one on-boot service in services.json.
type ServiceEntry struct {
	UUID    string `json:"uuid"`
	Name    string `json:"name"`
	Type    int    `json:"type"`
	Enabled int    `json:"enabled"`
}
