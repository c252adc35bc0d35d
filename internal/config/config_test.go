package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/dgibroker/internal/broker"
	"github.com/danmuck/dgibroker/internal/testutil/testlog"
	"github.com/danmuck/dgibroker/internal/transport"
	"github.com/google/uuid"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestTemplateLoadsInBothFormats(t *testing.T) {
	testlog.Start(t)
	for _, name := range []string{"node.toml", "node.yaml"} {
		path := filepath.Join(t.TempDir(), "nested", name)
		if err := WriteTemplate(path, false); err != nil {
			t.Fatalf("write template %s: %v", name, err)
		}
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("load template %s: %v", name, err)
		}
		if cfg.NodeID != "node-a" || cfg.GeneratedID {
			t.Fatalf("%s: unexpected node id %q", name, cfg.NodeID)
		}
		if len(cfg.Peers) != 2 || cfg.Peers[1].Transport != broker.TransportWebSocket {
			t.Fatalf("%s: unexpected peers %+v", name, cfg.Peers)
		}
		if cfg.Session.Protocol.Modulus != 1024 || cfg.Session.Protocol.DefaultTimeout != 2*time.Second {
			t.Fatalf("%s: unexpected protocol config %+v", name, cfg.Session.Protocol)
		}
		if !cfg.Session.Backoff.Jitter || cfg.Session.Backoff.Multiplier != 2 {
			t.Fatalf("%s: unexpected backoff %+v", name, cfg.Session.Backoff)
		}
	}
}

func TestWriteTemplateRefusesOverwrite(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "node.toml", "node_id = \"keep\"\n")
	if err := WriteTemplate(path, false); err == nil {
		t.Fatalf("expected overwrite refusal")
	}
	if err := WriteTemplate(path, true); err != nil {
		t.Fatalf("forced write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "sequence_modulo") {
		t.Fatalf("template missing protocol keys:\n%s", data)
	}
}

func TestTOMLOverridesOnlyNamedKeys(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "node.toml", `
node_id = "node-m"
listen = "127.0.0.1:9000"

[protocol]
sequence_modulo = 64
resend_interval = "10ms"

[timeouts]
connect = "1s"

[[peers]]
id = "node-z"
addr = "127.0.0.1:9001"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Session.Protocol.Modulus != 64 || cfg.Session.Protocol.ResendInterval != 10*time.Millisecond {
		t.Fatalf("overrides not applied: %+v", cfg.Session.Protocol)
	}
	if cfg.Session.Protocol.DefaultTimeout != 2*time.Second || cfg.Session.Protocol.MaxDropped != 3 {
		t.Fatalf("defaults lost: %+v", cfg.Session.Protocol)
	}
	if cfg.Transport.ConnectTimeout != time.Second || cfg.Transport.WriteTimeout != 5*time.Second {
		t.Fatalf("unexpected transport timeouts: %+v", cfg.Transport)
	}
	if cfg.AdminAddr != ":7480" || cfg.Port != 7400 {
		t.Fatalf("defaults lost: admin=%q port=%d", cfg.AdminAddr, cfg.Port)
	}
}

func TestYAMLOverrides(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "node.yml", `
node_id: node-m
protocol:
  max_dropped: 7
  default_timeout: 500ms
peers:
  - id: node-a
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Session.Protocol.MaxDropped != 7 || cfg.Session.Protocol.DefaultTimeout != 500*time.Millisecond {
		t.Fatalf("overrides not applied: %+v", cfg.Session.Protocol)
	}
	if len(cfg.Peers) != 1 || cfg.Peers[0].Addr != "" {
		t.Fatalf("unexpected peers: %+v", cfg.Peers)
	}
}

func TestZeroMaxDroppedKept(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "node.toml", "node_id = \"node-m\"\n\n[protocol]\nmax_dropped = 0\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Session.Protocol.MaxDropped != 0 {
		t.Fatalf("max_dropped=0 became %d", cfg.Session.Protocol.MaxDropped)
	}
}

func TestUnknownKeysRejected(t *testing.T) {
	testlog.Start(t)
	tomlPath := writeFile(t, "node.toml", "node_id = \"x\"\nresend = \"1s\"\n")
	if _, err := Load(tomlPath); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for toml, got %v", err)
	}
	yamlPath := writeFile(t, "node.yaml", "node_id: x\nresend: 1s\n")
	if _, err := Load(yamlPath); err == nil {
		t.Fatalf("expected error for unknown yaml key")
	}
}

func TestEmptyNodeIDGetsUUID(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "node.yaml", "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.GeneratedID {
		t.Fatalf("expected generated id")
	}
	if _, err := uuid.Parse(cfg.NodeID); err != nil {
		t.Fatalf("generated id %q: %v", cfg.NodeID, err)
	}
}

func TestResolveRejectsInvalid(t *testing.T) {
	testlog.Start(t)
	cases := map[string]func(f *File){
		"tiny modulus":      func(f *File) { f.Protocol.SequenceModulo = 2 },
		"negative drops":    func(f *File) { f.Protocol.MaxDropped = -1 },
		"bad duration":      func(f *File) { f.Protocol.ResendInterval = "soon" },
		"negative duration": func(f *File) { f.Timeouts.Idle = "-1s" },
		"port range":        func(f *File) { f.Port = 70000 },
		"log level":         func(f *File) { f.LogLevel = "loud" },
		"listen network":    func(f *File) { f.ListenNetwork = "udp" },
		"self peer":         func(f *File) { f.Peers = []PeerFile{{ID: "node-m", Addr: "x:1"}} },
		"duplicate peer":    func(f *File) { f.Peers = []PeerFile{{ID: "node-a"}, {ID: "node-a"}} },
		"dial without addr": func(f *File) { f.Peers = []PeerFile{{ID: "node-z"}} },
		"peer transport":    func(f *File) { f.Peers = []PeerFile{{ID: "node-a", Transport: "quic"}} },
		"production plain":  func(f *File) { f.Security.Mode = "production" },
	}
	for name, mutate := range cases {
		f := DefaultFile()
		f.NodeID = "node-m"
		mutate(&f)
		if _, err := f.Resolve(); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: expected ErrInvalidConfig, got %v", name, err)
		}
	}
}

func TestAdminTokenEnvOverride(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "node.toml", "node_id = \"node-m\"\nadmin_token = \"from-file\"\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AdminToken != "from-file" {
		t.Fatalf("unexpected token %q", cfg.AdminToken)
	}
	t.Setenv(EnvAdminToken, "from-env")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("load with env: %v", err)
	}
	if cfg.AdminToken != "from-env" {
		t.Fatalf("env override not applied: %q", cfg.AdminToken)
	}
}

func TestBrokerOptions(t *testing.T) {
	testlog.Start(t)
	f := DefaultFile()
	f.NodeID = "node-m"
	f.Host = "10.1.1.1"
	f.Port = 7000
	f.AcceptUnknown = true
	f.Peers = []PeerFile{{ID: "node-z", Addr: "10.1.1.2:7000"}}
	cfg, err := f.Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	opts := cfg.BrokerOptions()
	if opts.Local.NodeID != "node-m" || opts.Local.Port != 7000 || opts.Local.Host != "10.1.1.1" {
		t.Fatalf("unexpected local hello: %+v", opts.Local)
	}
	if !opts.AcceptUnknown || opts.ListenAddr != ":7400" || len(opts.Peers) != 1 {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if opts.Transport.Security.Mode != transport.SecurityModeDevelopment {
		t.Fatalf("unexpected security mode %q", opts.Transport.Security.Mode)
	}
	if _, err := broker.New(opts); err != nil {
		t.Fatalf("broker from config: %v", err)
	}
}
