package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/dgibroker/internal/broker"
	"github.com/danmuck/dgibroker/internal/logging"
	"github.com/danmuck/dgibroker/internal/protocol/session"
	"github.com/danmuck/dgibroker/internal/protocol/sr"
	"github.com/danmuck/dgibroker/internal/transport"
	"github.com/google/uuid"
)

// EnvAdminToken overrides admin_token so the secret can stay out of the file.
const EnvAdminToken = "DGIBROKER_ADMIN_TOKEN"

// Config is a resolved node configuration.
type Config struct {
	NodeID string
	// GeneratedID is set when the file named no node id and a random one was
	// assigned. Such ids change on every start.
	GeneratedID bool
	Host        string
	Port        uint16

	Listen        string
	ListenNetwork string
	WebSocketPath string
	AdminAddr     string
	AdminToken    string
	CorsOrigins   []string
	LogLevel      string

	// StatusInterval is the period of the peer status log line. Zero disables it.
	StatusInterval time.Duration

	AcceptUnknown      bool
	MaxConnectAttempts int

	Session   session.Config
	Transport transport.Options
	Peers     []broker.Peer
}

// DefaultFile is the file form of the built-in defaults.
func DefaultFile() File {
	proto := sr.DefaultConfig()
	sess := session.DefaultConfig()
	tr := transport.DefaultOptions()
	return File{
		Host:           "localhost",
		Port:           7400,
		Listen:         ":7400",
		ListenNetwork:  broker.TransportTCP,
		WebSocketPath:  transport.DefaultWebSocketPath,
		AdminAddr:      ":7480",
		LogLevel:       "info",
		StatusInterval: "30s",
		Protocol: ProtocolFile{
			SequenceModulo: proto.Modulus,
			DefaultTimeout: proto.DefaultTimeout.String(),
			ResendInterval: proto.ResendInterval.String(),
			MaxDropped:     proto.MaxDropped,
		},
		Timeouts: TimeoutsFile{
			Connect:   tr.ConnectTimeout.String(),
			Handshake: sess.HandshakeTimeout.String(),
			Write:     tr.WriteTimeout.String(),
			Idle:      "0s",
		},
		Backoff: BackoffFile{
			InitialDelay: sess.Backoff.InitialDelay.String(),
			Multiplier:   sess.Backoff.Multiplier,
			MaxDelay:     sess.Backoff.MaxDelay.String(),
			Jitter:       sess.Backoff.Jitter,
		},
		Security: SecurityFile{Mode: string(transport.SecurityModeDevelopment)},
	}
}

// Resolve parses durations, fills a random node id when none is set and
// validates the result.
func (f File) Resolve() (Config, error) {
	cfg := Config{
		NodeID:             strings.TrimSpace(f.NodeID),
		Host:               strings.TrimSpace(f.Host),
		Listen:             strings.TrimSpace(f.Listen),
		ListenNetwork:      strings.ToLower(strings.TrimSpace(f.ListenNetwork)),
		WebSocketPath:      strings.TrimSpace(f.WebSocketPath),
		AdminAddr:          strings.TrimSpace(f.AdminAddr),
		AdminToken:         strings.TrimSpace(f.AdminToken),
		CorsOrigins:        f.CorsOrigins,
		LogLevel:           strings.TrimSpace(f.LogLevel),
		AcceptUnknown:      f.AcceptUnknown,
		MaxConnectAttempts: f.MaxConnectAttempts,
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
		cfg.GeneratedID = true
	}
	if f.Port < 0 || f.Port > 65535 {
		return Config{}, fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, f.Port)
	}
	cfg.Port = uint16(f.Port)

	p := &durationParser{}
	cfg.Session = session.Config{
		Protocol: sr.Config{
			Modulus:        f.Protocol.SequenceModulo,
			DefaultTimeout: p.parse("protocol.default_timeout", f.Protocol.DefaultTimeout),
			ResendInterval: p.parse("protocol.resend_interval", f.Protocol.ResendInterval),
			MaxDropped:     f.Protocol.MaxDropped,
		},
		HandshakeTimeout: p.parse("timeouts.handshake", f.Timeouts.Handshake),
		IdleTimeout:      p.parse("timeouts.idle", f.Timeouts.Idle),
		Backoff: session.BackoffConfig{
			InitialDelay: p.parse("backoff.initial_delay", f.Backoff.InitialDelay),
			Multiplier:   f.Backoff.Multiplier,
			MaxDelay:     p.parse("backoff.max_delay", f.Backoff.MaxDelay),
			Jitter:       f.Backoff.Jitter,
		},
	}
	cfg.StatusInterval = p.parse("status_interval", f.StatusInterval)
	cfg.Transport = transport.DefaultOptions()
	if d := p.parse("timeouts.connect", f.Timeouts.Connect); d > 0 {
		cfg.Transport.ConnectTimeout = d
	}
	if d := p.parse("timeouts.write", f.Timeouts.Write); d > 0 {
		cfg.Transport.WriteTimeout = d
	}
	cfg.Transport.HandshakeTimeout = cfg.Session.HandshakeTimeout
	if p.err != nil {
		return Config{}, p.err
	}
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Transport.HandshakeTimeout <= 0 {
		cfg.Transport.HandshakeTimeout = cfg.Session.HandshakeTimeout
	}

	cfg.Transport.Security = transport.Security{
		Mode: transport.NormalizeSecurityMode(transport.SecurityMode(f.Security.Mode)),
		TLS: transport.TLSConfig{
			Enabled:            f.Security.TLS.Enabled,
			Mutual:             f.Security.TLS.Mutual,
			CertFile:           strings.TrimSpace(f.Security.TLS.CertFile),
			KeyFile:            strings.TrimSpace(f.Security.TLS.KeyFile),
			CAFile:             strings.TrimSpace(f.Security.TLS.CAFile),
			ServerName:         strings.TrimSpace(f.Security.TLS.ServerName),
			InsecureSkipVerify: f.Security.TLS.InsecureSkipVerify,
		},
	}

	for _, pf := range f.Peers {
		cfg.Peers = append(cfg.Peers, broker.Peer{
			ID:        strings.TrimSpace(pf.ID),
			Addr:      strings.TrimSpace(pf.Addr),
			Transport: strings.ToLower(strings.TrimSpace(pf.Transport)),
		})
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	if env := strings.TrimSpace(os.Getenv(EnvAdminToken)); env != "" {
		cfg.AdminToken = env
	}
	return cfg, nil
}

type durationParser struct {
	err error
}

func (p *durationParser) parse(key, raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" || p.err != nil {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.err = fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, key, err)
		return 0
	}
	if d < 0 {
		p.err = fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, key)
		return 0
	}
	return d
}

func (c Config) Validate() error {
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.LogLevel != "" {
		if _, ok := logging.ParseLevel(c.LogLevel); !ok {
			return fmt.Errorf("%w: unknown log_level %q", ErrInvalidConfig, c.LogLevel)
		}
	}
	switch c.ListenNetwork {
	case "", broker.TransportTCP, broker.TransportWebSocket:
	default:
		return fmt.Errorf("%w: listen_network %q", ErrInvalidConfig, c.ListenNetwork)
	}
	if c.MaxConnectAttempts < 0 {
		return fmt.Errorf("%w: max_connect_attempts must not be negative", ErrInvalidConfig)
	}
	if c.Listen != "" {
		if err := c.Transport.Security.ValidateServer(); err != nil {
			return fmt.Errorf("%w: listener security: %v", ErrInvalidConfig, err)
		}
	}

	seen := make(map[string]struct{}, len(c.Peers))
	dials := false
	for i, p := range c.Peers {
		if p.ID == "" {
			return fmt.Errorf("%w: peers[%d] missing id", ErrInvalidConfig, i)
		}
		if p.ID == c.NodeID {
			return fmt.Errorf("%w: peers[%d] uses this node's id %q", ErrInvalidConfig, i, p.ID)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("%w: duplicate peer %q", ErrInvalidConfig, p.ID)
		}
		seen[p.ID] = struct{}{}
		switch p.Transport {
		case "", broker.TransportTCP, broker.TransportWebSocket:
		default:
			return fmt.Errorf("%w: peers[%d] transport %q", ErrInvalidConfig, i, p.Transport)
		}
		if c.NodeID < p.ID {
			if p.Addr == "" {
				return fmt.Errorf("%w: peers[%d] %q needs addr, this node dials it", ErrInvalidConfig, i, p.ID)
			}
			dials = true
		}
	}
	if dials {
		if err := c.Transport.Security.ValidateClient(); err != nil {
			return fmt.Errorf("%w: dial security: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// Hello is the identity this node announces to peers.
func (c Config) Hello() session.Hello {
	return session.Hello{NodeID: c.NodeID, Host: c.Host, Port: c.Port}
}

// BrokerOptions maps the configuration onto broker.Options.
func (c Config) BrokerOptions() broker.Options {
	peers := make([]broker.Peer, len(c.Peers))
	copy(peers, c.Peers)
	return broker.Options{
		Local:              c.Hello(),
		Peers:              peers,
		AcceptUnknown:      c.AcceptUnknown,
		ListenAddr:         c.Listen,
		ListenNetwork:      c.ListenNetwork,
		WebSocketPath:      c.WebSocketPath,
		Session:            c.Session,
		Transport:          c.Transport,
		MaxConnectAttempts: c.MaxConnectAttempts,
	}
}
