package installer

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"

	"mksmaster/internal/model"
	"mksmaster/internal/xjson"
)

// ManifestName is the package descriptor every node package carries.
const ManifestName = "system.json"

// ErrInvalidManifest reports a package descriptor without the fields the
// master needs to register the node.
var ErrInvalidManifest = errors.New("invalid package manifest")

// Manifest is the "node.info" section of system.json.
type Manifest struct {
	UUID      string   `json:"uuid"`
	Name      string   `json:"name"`
	Type      int      `json:"type"`
	IsService flexBool `json:"is_service"`
	Enabled   *int     `json:"enabled,omitempty"`
}

type manifestDoc struct {
	Node struct {
		Info Manifest `json:"info"`
	} `json:"node"`
}

// Service reports whether the package is an on-boot service.
func (m Manifest) Service() bool { return bool(m.IsService) }

// InstalledNode converts the manifest into its database record. A missing
// enabled flag means enabled.
func (m Manifest) InstalledNode() model.InstalledNode {
	enabled := 1
	if m.Enabled != nil {
		enabled = *m.Enabled
	}
	return model.InstalledNode{UUID: m.UUID, Name: m.Name, Type: m.Type, Enabled: enabled}
}

// ParseManifest decodes system.json. Comments and trailing commas are allowed.
func ParseManifest(data []byte) (Manifest, error) {
	var doc manifestDoc
	if err := xjson.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	m := doc.Node.Info
	if strings.TrimSpace(m.UUID) == "" {
		return Manifest{}, fmt.Errorf("%w: missing node.info.uuid", ErrInvalidManifest)
	}
	if m.Type <= 0 {
		return Manifest{}, fmt.Errorf("%w: missing node.info.type", ErrInvalidManifest)
	}
	return m, nil
}

// ReadManifest parses the manifest file at path.
func ReadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("reading %s: %w", path, err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return Manifest{}, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// flexBool accepts JSON booleans as well as the "True"/"False" strings older
// packages write.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*b = false
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		s, err := strconv.Unquote(string(data))
		if err != nil {
			return err
		}
		v, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(s)))
		if err != nil {
			return fmt.Errorf("is_service: %w", err)
		}
		*b = flexBool(v)
		return nil
	}
	v, err := strconv.ParseBool(string(data))
	if err != nil {
		return fmt.Errorf("is_service: %w", err)
	}
	*b = flexBool(v)
	return nil
}

func (b flexBool) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatBool(bool(b))), nil
}

// ListPackages reads the manifest of every package directory under nodesDir.
// Directories without a readable manifest are skipped.
func ListPackages(nodesDir string) ([]Manifest, error) {
	entries, err := os.ReadDir(nodesDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []Manifest
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		m, err := ReadManifest(filepath.Join(nodesDir, e.Name(), ManifestName))
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
