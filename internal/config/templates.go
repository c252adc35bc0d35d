package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	FormatTOML = "toml"
	FormatYAML = "yaml"
)

// SampleFile is DefaultFile with an example identity and peer list.
func SampleFile() File {
	f := DefaultFile()
	f.NodeID = "node-a"
	f.CorsOrigins = []string{"http://localhost:3000"}
	f.Peers = []PeerFile{
		{ID: "node-b", Addr: "localhost:7401", Transport: "tcp"},
		{ID: "node-c", Addr: "ws://localhost:7402/dgi", Transport: "websocket"},
	}
	return f
}

// FormatFor picks the template format from a file extension.
func FormatFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatTOML
	}
}

func Template(format string) ([]byte, error) {
	sample := SampleFile()
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatTOML, "":
		return toml.Marshal(sample)
	case FormatYAML, "yml":
		return yaml.Marshal(sample)
	default:
		return nil, fmt.Errorf("unknown config format: %s", format)
	}
}

func WriteTemplate(path string, overwrite bool) error {
	data, err := Template(FormatFor(path))
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o600)
}
