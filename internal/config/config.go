package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("config: invalid")

// File is the on-disk node configuration. Durations are Go duration strings.
type File struct {
	NodeID             string       `toml:"node_id" yaml:"node_id"`
	Host               string       `toml:"host" yaml:"host"`
	Port               int          `toml:"port" yaml:"port"`
	Listen             string       `toml:"listen" yaml:"listen"`
	ListenNetwork      string       `toml:"listen_network" yaml:"listen_network"`
	WebSocketPath      string       `toml:"websocket_path" yaml:"websocket_path"`
	AdminAddr          string       `toml:"admin_addr" yaml:"admin_addr"`
	AdminToken         string       `toml:"admin_token" yaml:"admin_token"`
	CorsOrigins        []string     `toml:"cors_origins" yaml:"cors_origins"`
	LogLevel           string       `toml:"log_level" yaml:"log_level"`
	StatusInterval     string       `toml:"status_interval" yaml:"status_interval"`
	AcceptUnknown      bool         `toml:"accept_unknown" yaml:"accept_unknown"`
	MaxConnectAttempts int          `toml:"max_connect_attempts" yaml:"max_connect_attempts"`
	Protocol           ProtocolFile `toml:"protocol" yaml:"protocol"`
	Timeouts           TimeoutsFile `toml:"timeouts" yaml:"timeouts"`
	Backoff            BackoffFile  `toml:"backoff" yaml:"backoff"`
	Security           SecurityFile `toml:"security" yaml:"security"`
	Peers              []PeerFile   `toml:"peers" yaml:"peers"`
}

type ProtocolFile struct {
	SequenceModulo uint32 `toml:"sequence_modulo" yaml:"sequence_modulo"`
	DefaultTimeout string `toml:"default_timeout" yaml:"default_timeout"`
	ResendInterval string `toml:"resend_interval" yaml:"resend_interval"`
	MaxDropped     int    `toml:"max_dropped" yaml:"max_dropped"`
}

type TimeoutsFile struct {
	Connect   string `toml:"connect" yaml:"connect"`
	Handshake string `toml:"handshake" yaml:"handshake"`
	Write     string `toml:"write" yaml:"write"`
	Idle      string `toml:"idle" yaml:"idle"`
}

type BackoffFile struct {
	InitialDelay string  `toml:"initial_delay" yaml:"initial_delay"`
	Multiplier   float64 `toml:"multiplier" yaml:"multiplier"`
	MaxDelay     string  `toml:"max_delay" yaml:"max_delay"`
	Jitter       bool    `toml:"jitter" yaml:"jitter"`
}

type SecurityFile struct {
	Mode string  `toml:"mode" yaml:"mode"`
	TLS  TLSFile `toml:"tls" yaml:"tls"`
}

type TLSFile struct {
	Enabled            bool   `toml:"enabled" yaml:"enabled"`
	Mutual             bool   `toml:"mutual" yaml:"mutual"`
	CertFile           string `toml:"cert_file" yaml:"cert_file"`
	KeyFile            string `toml:"key_file" yaml:"key_file"`
	CAFile             string `toml:"ca_file" yaml:"ca_file"`
	ServerName         string `toml:"server_name" yaml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

type PeerFile struct {
	ID        string `toml:"id" yaml:"id"`
	Addr      string `toml:"addr" yaml:"addr"`
	Transport string `toml:"transport" yaml:"transport"`
}

// Load reads path and resolves it over the defaults. Files ending in .yaml or
// .yml are YAML; everything else is TOML.
func Load(path string) (Config, error) {
	raw, err := LoadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := raw.Resolve()
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFile decodes path over DefaultFile without resolving it.
func LoadFile(path string) (File, error) {
	raw := DefaultFile()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := decodeYAML(path, &raw); err != nil {
			return File{}, err
		}
	default:
		if err := decodeTOML(path, &raw); err != nil {
			return File{}, err
		}
	}
	return raw, nil
}

func decodeTOML(path string, out *File) error {
	meta, err := toml.DecodeFile(path, out)
	if err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalidConfig, path, strings.Join(keys, ", "))
	}
	return nil
}

func decodeYAML(path string, out *File) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}
