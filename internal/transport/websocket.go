package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/danmuck/dgibroker/internal/protocol/frame"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// DefaultWebSocketPath is the upgrade endpoint served by ListenWebSocket.
const DefaultWebSocketPath = "/dgi"

type wsStream struct {
	conn         *websocket.Conn
	limits       frame.Limits
	writeTimeout time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSStream(conn *websocket.Conn, opts Options) *wsStream {
	conn.SetReadLimit(int64(frame.HeaderLen) + int64(opts.Limits.MaxPayloadBytes))
	return &wsStream{
		conn:         conn,
		limits:       opts.Limits,
		writeTimeout: opts.WriteTimeout,
	}
}

// ReadFrame reads one binary message holding exactly one frame.
func (s *wsStream) ReadFrame() (frame.Frame, error) {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			var ne net.Error
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				return frame.Frame{}, io.EOF
			case errors.As(err, &ne) && ne.Timeout():
				return frame.Frame{}, ErrDeadlineExceeded
			case errors.Is(err, net.ErrClosed):
				return frame.Frame{}, ErrClosed
			}
			return frame.Frame{}, err
		}
		if mt != websocket.BinaryMessage {
			log.Debug().Int("message_type", mt).Msg("transport.wsStream.ReadFrame skipped non-binary message")
			continue
		}
		r := bytes.NewReader(data)
		f, err := frame.ReadFrame(r, s.limits)
		if err != nil {
			return frame.Frame{}, err
		}
		if r.Len() != 0 {
			return frame.Frame{}, fmt.Errorf("transport: %d trailing bytes after frame", r.Len())
		}
		return f, nil
	}
}

func (s *wsStream) WriteFrame(f frame.Frame) error {
	b, err := frame.Marshal(f, s.limits)
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

func (s *wsStream) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

func (s *wsStream) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// DialWebSocket connects to a ws:// or wss:// endpoint.
func DialWebSocket(ctx context.Context, rawURL string, opts Options) (Stream, error) {
	opts = opts.withDefaults()
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: opts.HandshakeTimeout,
		NetDialContext:   (&net.Dialer{Timeout: opts.ConnectTimeout}).DialContext,
	}
	if u.Scheme == "wss" || opts.Security.TLS.Enabled {
		if err := opts.Security.ValidateClient(); err != nil {
			return nil, err
		}
		host := u.Host
		if u.Port() == "" {
			host = net.JoinHostPort(u.Hostname(), "443")
		}
		tlsCfg, err := opts.Security.ClientTLSConfig(host)
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsCfg
		u.Scheme = "wss"
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket dial %s: %w", u.Redacted(), err)
	}
	log.Debug().Str("url", u.Redacted()).Msg("transport.DialWebSocket connected")
	return newWSStream(conn, opts), nil
}

type wsListener struct {
	ln     net.Listener
	srv    *http.Server
	opts   Options
	connCh chan Stream
	done   chan struct{}
	once   sync.Once
}

// ListenWebSocket serves the upgrade endpoint at path on addr.
func ListenWebSocket(addr, path string, opts Options) (Listener, error) {
	opts = opts.withDefaults()
	if err := opts.Security.ValidateServer(); err != nil {
		return nil, err
	}
	if path == "" {
		path = DefaultWebSocketPath
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

	l := &wsListener{
		ln:     ln,
		opts:   opts,
		connCh: make(chan Stream, 16),
		done:   make(chan struct{}),
	}
	upgrader := websocket.Upgrader{
		HandshakeTimeout: opts.HandshakeTimeout,
		CheckOrigin:      func(r *http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("transport.ListenWebSocket upgrade failed")
			return
		}
		stream := newWSStream(conn, opts)
		select {
		case l.connCh <- stream:
		case <-l.done:
			_ = stream.Close()
		}
	})
	l.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: opts.HandshakeTimeout,
	}
	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("transport.ListenWebSocket serve failed")
		}
	}()
	log.Info().Str("addr", ln.Addr().String()).Str("path", path).Msg("transport.ListenWebSocket listening")
	return l, nil
}

func (l *wsListener) Accept() (Stream, error) {
	select {
	case s := <-l.connCh:
		return s, nil
	case <-l.done:
		return nil, ErrClosed
	}
}

func (l *wsListener) Addr() string {
	return l.ln.Addr().String()
}

func (l *wsListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.srv.Close()
	})
	return err
}
