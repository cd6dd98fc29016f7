// Package wslink implements the WebSocket Link of spec.md §4.B: exactly one
// connected-or-connecting socket at a time, plain and TLS transports, basic
// and certificate client authentication, application-level ping/pong, and
// the four owner-facing events (connected, disconnected, closed, failed).
//
// Grounded on original_source/include/ocpp/common/websocket/websocket.hpp
// for the state machine and event shape, implemented with
// github.com/gorilla/websocket rather than the teacher's
// lorenzodonini/ocpp-go ws package (see DESIGN.md for why that dependency
// is replaced rather than reused).
package wslink

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"chargepoint/internal/ocpptype"
)

// State is the WebSocket Link lifecycle of spec.md §4.B.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Closing:
		return "Closing"
	default:
		return "Disconnected"
	}
}

// Config describes one connection attempt. The transport (plain or TLS)
// follows the URL scheme, which the Connectivity Manager picks from the
// security profile; a Basic auth header is sent whenever BasicAuthUser is
// set, and client certificates come from TLSConfig. SecurityProfile itself
// is only reported back through OnConnected (spec.md §4.B and GLOSSARY).
type Config struct {
	URL              string
	SecurityProfile  ocpptype.SecurityProfile
	BasicAuthUser    string
	BasicAuthPass    string
	TLSConfig        *tls.Config
	Subprotocol      string
	PingInterval     time.Duration
	PongTimeout      time.Duration
}

// Callbacks are the four owner-facing events of spec.md §4.B. The Link holds
// no reference back to its owner beyond this narrow struct, per spec.md §9's
// redesign note on cyclic owner/child callbacks.
type Callbacks struct {
	OnConnected    func(securityProfile ocpptype.SecurityProfile)
	OnDisconnected func()
	OnClosed       func(reason ocpptype.CloseReason)
	OnFailed       func(reason ocpptype.ConnectFailReason)
	OnMessage      func(raw []byte)
}

// Link owns exactly one underlying socket at a time.
type Link struct {
	mu    sync.Mutex
	state State
	conn  *websocket.Conn

	cfg Config
	cb  Callbacks
	log *log.Entry

	pongDeadlineReset chan struct{}
	closeOnce         sync.Once
	stopPing          chan struct{}
}

// New constructs a Link that is not yet connected.
func New(cfg Config, cb Callbacks) *Link {
	return &Link{
		cfg:   cfg,
		cb:    cb,
		state: Disconnected,
		log:   log.WithField("component", "wslink"),
	}
}

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Connect dials the configured URL and, on success, starts the read pump
// and (if configured) the ping loop. It returns once the handshake either
// succeeds or fails; callbacks fire asynchronously as usual for ongoing
// events.
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.state == Connecting || l.state == Connected {
		l.mu.Unlock()
		return fmt.Errorf("wslink: already %s", l.state)
	}
	l.state = Connecting
	l.mu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
		TLSClientConfig:  l.cfg.TLSConfig,
		Subprotocols:     []string{nonEmpty(l.cfg.Subprotocol, "ocpp2.0.1")},
	}

	header := http.Header{}
	if l.cfg.BasicAuthUser != "" {
		token := base64.StdEncoding.EncodeToString([]byte(l.cfg.BasicAuthUser + ":" + l.cfg.BasicAuthPass))
		header.Set("Authorization", "Basic "+token)
	}

	conn, resp, err := dialer.DialContext(ctx, l.cfg.URL, header)
	if err != nil {
		reason := classifyFailure(err, resp)
		l.mu.Lock()
		l.state = Disconnected
		l.mu.Unlock()
		if l.cb.OnFailed != nil {
			l.cb.OnFailed(reason)
		}
		return fmt.Errorf("wslink: connect: %w", err)
	}

	l.mu.Lock()
	l.conn = conn
	l.state = Connected
	l.stopPing = make(chan struct{})
	l.pongDeadlineReset = make(chan struct{}, 1)
	l.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		select {
		case l.pongDeadlineReset <- struct{}{}:
		default:
		}
		return nil
	})

	if l.cfg.PingInterval > 0 {
		go l.pingLoop()
	}
	go l.readPump()

	if l.cb.OnConnected != nil {
		l.cb.OnConnected(l.cfg.SecurityProfile)
	}
	return nil
}

func classifyFailure(err error, resp *http.Response) ocpptype.ConnectFailReason {
	switch {
	case resp != nil && resp.StatusCode == http.StatusUnauthorized:
		return ocpptype.FailUnauthorizedBasic
	case isTLSError(err):
		return ocpptype.FailTlsHandshake
	default:
		return ocpptype.FailUnreachableNetwork
	}
}

func isTLSError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "x509") || strings.Contains(msg, "tls")
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// Send transmits a text frame. It reports success only if the write
// completed without error and the socket was still open throughout
// (spec.md §4.B).
func (l *Link) Send(text string) error {
	l.mu.Lock()
	conn := l.conn
	state := l.state
	l.mu.Unlock()
	if state != Connected || conn == nil {
		return fmt.Errorf("wslink: not connected")
	}
	return conn.WriteMessage(websocket.TextMessage, []byte(text))
}

// Close initiates a clean close handshake with the given close code.
func (l *Link) Close(code int, reasonText string) error {
	l.mu.Lock()
	conn := l.conn
	if conn == nil {
		l.state = Disconnected
		l.mu.Unlock()
		return nil
	}
	l.state = Closing
	l.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reasonText), deadline)
	return conn.Close()
}

func (l *Link) pingLoop() {
	ticker := time.NewTicker(l.cfg.PingInterval)
	defer ticker.Stop()
	pongTimeout := l.cfg.PongTimeout
	if pongTimeout <= 0 {
		pongTimeout = l.cfg.PingInterval
	}

	for {
		select {
		case <-l.stopPing:
			return
		case <-ticker.C:
			l.mu.Lock()
			conn := l.conn
			l.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				l.closeWith(ocpptype.CloseAbnormal)
				return
			}
			select {
			case <-l.pongDeadlineReset:
			case <-time.After(pongTimeout):
				l.closeWith(ocpptype.ClosePongTimeout)
				return
			case <-l.stopPing:
				return
			}
		}
	}
}

func (l *Link) readPump() {
	for {
		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()
		if conn == nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			l.closeWith(closeReasonFromErr(err))
			return
		}
		if l.cb.OnMessage != nil {
			l.cb.OnMessage(data)
		}
	}
}

func closeReasonFromErr(err error) ocpptype.CloseReason {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return ocpptype.CloseNormal
	}
	return ocpptype.CloseAbnormal
}

func (l *Link) closeWith(reason ocpptype.CloseReason) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		conn := l.conn
		stop := l.stopPing
		l.conn = nil
		l.state = Disconnected
		l.mu.Unlock()
		if stop != nil {
			close(stop)
		}
		if conn != nil {
			conn.Close()
		}
		if l.cb.OnDisconnected != nil {
			l.cb.OnDisconnected()
		}
		if l.cb.OnClosed != nil {
			l.cb.OnClosed(reason)
		}
	})
}
