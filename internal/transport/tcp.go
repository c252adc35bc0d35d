package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/danmuck/dgibroker/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

type tcpStream struct {
	conn         net.Conn
	r            *bufio.Reader
	limits       frame.Limits
	writeTimeout time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewStream wraps an established connection.
func NewStream(conn net.Conn, opts Options) Stream {
	opts = opts.withDefaults()
	return &tcpStream{
		conn:         conn,
		r:            bufio.NewReader(conn),
		limits:       opts.Limits,
		writeTimeout: opts.WriteTimeout,
	}
}

func (s *tcpStream) ReadFrame() (frame.Frame, error) {
	f, err := frame.ReadFrame(s.r, s.limits)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return frame.Frame{}, ErrDeadlineExceeded
		}
		if errors.Is(err, net.ErrClosed) {
			return frame.Frame{}, ErrClosed
		}
	}
	return f, err
}

func (s *tcpStream) WriteFrame(f frame.Frame) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	err := frame.WriteFrame(s.conn, f, s.limits)
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return err
}

func (s *tcpStream) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

func (s *tcpStream) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// PeerIdentity reports the verified certificate identity of a TLS peer.
func (s *tcpStream) PeerIdentity() string {
	tc, ok := s.conn.(*tls.Conn)
	if !ok {
		return ""
	}
	state := tc.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return ""
	}
	return PeerIdentity(state.PeerCertificates[0])
}

func (s *tcpStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// DialTCP connects to addr and completes the TLS handshake when enabled.
func DialTCP(ctx context.Context, addr string, opts Options) (Stream, error) {
	opts = opts.withDefaults()
	if err := opts.Security.ValidateClient(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: opts.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !opts.Security.TLS.Enabled {
		log.Debug().Str("addr", addr).Msg("transport.DialTCP connected")
		return NewStream(rawConn, opts), nil
	}

	tlsCfg, err := opts.Security.ClientTLSConfig(addr)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, opts.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	log.Debug().Str("addr", addr).Msg("transport.DialTCP connected with tls")
	return NewStream(conn, opts), nil
}

type tcpListener struct {
	ln   net.Listener
	opts Options
}

// ListenTCP binds addr. Accepted TLS connections finish their handshake
// before Accept returns.
func ListenTCP(addr string, opts Options) (Listener, error) {
	opts = opts.withDefaults()
	if err := opts.Security.ValidateServer(); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if opts.Security.TLS.Enabled {
		tlsCfg, err := opts.Security.ServerTLSConfig()
		if err != nil {
			_ = ln.Close()
			return nil, err
		}
		ln = tls.NewListener(ln, tlsCfg)
	}
	log.Info().Str("addr", ln.Addr().String()).Bool("tls", opts.Security.TLS.Enabled).Msg("transport.ListenTCP listening")
	return &tcpListener{ln: ln, opts: opts}, nil
}

func (l *tcpListener) Accept() (Stream, error) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, err
		}
		if tc, ok := conn.(*tls.Conn); ok {
			_ = tc.SetDeadline(time.Now().Add(l.opts.HandshakeTimeout))
			if err := tc.Handshake(); err != nil {
				log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("transport.Accept tls handshake failed")
				_ = conn.Close()
				continue
			}
			_ = tc.SetDeadline(time.Time{})
		}
		return NewStream(conn, l.opts), nil
	}
}

func (l *tcpListener) Addr() string {
	return l.ln.Addr().String()
}

func (l *tcpListener) Close() error {
	return l.ln.Close()
}
