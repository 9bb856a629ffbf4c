package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/joescharf/rota/internal/logging"
)

const (
	defaultHeartBeat        = 4 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	disconnectTimeout       = 2 * time.Second
	contentTypeJSON         = "application/json"
)

var errDisconnectTimeout = errors.New("stomp disconnect timed out")

// StompDialer opens STOMP sessions over a WebSocket. URL points at the
// broker's raw WebSocket endpoint, e.g. ws://host:9090/ws/websocket.
// HandshakeTimeout bounds the wait for CONNECTED after the upgrade.
type StompDialer struct {
	URL              string
	HeartBeat        time.Duration
	HandshakeTimeout time.Duration
	Header           http.Header
	WS               *websocket.Dialer
	Logger           *zap.Logger
}

// Dial performs the WebSocket handshake, then the STOMP CONNECT with the
// credential in the Authorization header.
func (d *StompDialer) Dial(ctx context.Context, credential string) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}

	wsd := d.WS
	if wsd == nil {
		wsd = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}

	ws, resp, err := wsd.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("websocket handshake: %w", err)
	}

	hb := d.HeartBeat
	if hb <= 0 {
		hb = defaultHeartBeat
	}

	// go-stomp's handshake takes no context: bound it with a read deadline
	// and close the socket if ctx ends first.
	_ = ws.SetReadDeadline(d.handshakeDeadline(ctx))
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })

	rwc := newWSStream(ws)
	sc, err := stomp.Connect(rwc,
		stomp.ConnOpt.Host(u.Hostname()),
		stomp.ConnOpt.HeartBeat(hb, hb),
		stomp.ConnOpt.Header("Authorization", "Bearer "+credential),
	)
	if !stop() {
		// ctx ended during the handshake and the socket is already closed.
		if err == nil {
			_ = sc.MustDisconnect()
		}
		return nil, fmt.Errorf("stomp connect: %w", ctx.Err())
	}
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("stomp connect: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})

	return &stompConn{
		conn:   sc,
		ws:     ws,
		closed: make(chan struct{}),
		logger: logging.OrNop(d.Logger),
	}, nil
}

func (d *StompDialer) handshakeDeadline(ctx context.Context) time.Time {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		return ctxDeadline
	}
	return deadline
}

type stompConn struct {
	conn   *stomp.Conn
	ws     *websocket.Conn
	logger *zap.Logger

	once   sync.Once
	closed chan struct{}
	mu     sync.Mutex
	err    error
}

func (c *stompConn) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *stompConn) Subscribe(destination string) (<-chan Message, error) {
	sub, err := c.conn.Subscribe(destination, stomp.AckAuto)
	if err != nil {
		return nil, err
	}

	out := make(chan Message, 16)
	go func() {
		defer close(out)
		for msg := range sub.C {
			if msg.Err != nil {
				c.fail(msg.Err)
				return
			}
			select {
			case out <- Message{Destination: msg.Destination, Body: msg.Body}:
			case <-c.closed:
				return
			}
		}
		c.fail(ErrConnectionClosed)
	}()
	return out, nil
}

func (c *stompConn) Send(destination string, body []byte) error {
	return c.conn.Send(destination, contentTypeJSON, body)
}

func (c *stompConn) Closed() <-chan struct{} { return c.closed }

func (c *stompConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends DISCONNECT when the link is healthy and tears the socket down
// otherwise. A DISCONNECT that never sees its receipt is abandoned.
func (c *stompConn) Close() error {
	select {
	case <-c.closed:
		return c.conn.MustDisconnect()
	default:
	}
	c.fail(ErrConnectionClosed)

	res := make(chan error, 1)
	go func() { res <- c.conn.Disconnect() }()
	select {
	case err := <-res:
		return err
	case <-time.After(disconnectTimeout):
		c.logger.Debug("stomp disconnect receipt not received, closing socket")
		_ = c.ws.Close()
		return errDisconnectTimeout
	}
}

// wsStream presents a WebSocket as a byte stream. Each Write becomes one text
// message; reads run across message boundaries.
type wsStream struct {
	ws  *websocket.Conn
	r   io.Reader
	wmu sync.Mutex
}

func newWSStream(ws *websocket.Conn) *wsStream {
	return &wsStream{ws: ws}
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.r == nil {
			_, r, err := s.ws.NextReader()
			if err != nil {
				return 0, err
			}
			s.r = r
		}
		n, err := s.r.Read(p)
		if errors.Is(err, io.EOF) {
			s.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	return s.ws.Close()
}
