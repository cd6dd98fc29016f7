// Package connectivity implements the Connectivity Manager of spec.md
// §4.C: selects a NetworkConnectionProfile, owns the WebSocket Link
// lifecycle, and drives the reconnect/backoff/profile-advance policy.
//
// Grounded on original_source/include/ocpp/v201/connectivity_manager.hpp
// for the operation set and on the teacher's main.go for the "one socket,
// reconnect with backoff" loop shape it already drives by hand.
package connectivity

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"chargepoint/internal/ocpptype"
	"chargepoint/internal/wslink"
)

// Profile is a NetworkConnectionProfile as held by the device model
// (spec.md §4.C); the connectivity package treats it as an opaque,
// externally-supplied value.
type Profile struct {
	ConfigurationSlot int
	PriorityIndex     int
	OCPPVersion       string
	Host              string
	Port              int
	Path              string
	SecurityProfile   ocpptype.SecurityProfile
	BasicAuthUser     string
	BasicAuthPass     string
	TLS               *wslink.Config // only TLSConfig/Subprotocol fields are read
}

// Options are the retry/backoff parameters of spec.md §4.C.
type Options struct {
	InitialRetryS          float64
	MaxRetryS              float64
	RetryBackoffMaxAttempts int
	InterCycleDelayS       float64
	PingIntervalS          float64
	PongTimeoutS           float64
	DisableAutoReconnect   bool
}

func (o Options) withDefaults() Options {
	if o.InitialRetryS <= 0 {
		o.InitialRetryS = 1
	}
	if o.MaxRetryS <= 0 {
		o.MaxRetryS = 60
	}
	if o.RetryBackoffMaxAttempts <= 0 {
		o.RetryBackoffMaxAttempts = 5
	}
	return o
}

// Callbacks notify the owner (the Charge Point Facade) of link-level events,
// mirroring spec.md §4.C's "notifies upward".
type Callbacks struct {
	OnConnected func(securityProfile ocpptype.SecurityProfile)
	OnClosed    func(reason ocpptype.CloseReason)
	OnFailed    func(reason ocpptype.ConnectFailReason)
	OnMessage   func(raw []byte)
}

// Manager owns at most one wslink.Link at any moment (spec.md §4.C
// invariant) and advances through the profile list on repeated failure.
type Manager struct {
	mu sync.Mutex

	profiles []Profile
	opts     Options
	cb       Callbacks
	log      *log.Entry

	priorityIndex int
	attempt       int
	link          *wslink.Link

	running    bool
	reconnectT *time.Timer
	cancel     context.CancelFunc
}

// New sorts profiles by (ConfigurationSlot, PriorityIndex) per spec.md §4.C.
func New(profiles []Profile, opts Options, cb Callbacks) *Manager {
	sorted := make([]Profile, len(profiles))
	copy(sorted, profiles)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ConfigurationSlot != sorted[j].ConfigurationSlot {
			return sorted[i].ConfigurationSlot < sorted[j].ConfigurationSlot
		}
		return sorted[i].PriorityIndex < sorted[j].PriorityIndex
	})
	return &Manager{
		profiles: sorted,
		opts:     opts.withDefaults(),
		cb:       cb,
		log:      log.WithField("component", "connectivity"),
	}
}

// Start initiates connection at priority_index = 0.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.priorityIndex = 0
	m.attempt = 0
	m.mu.Unlock()
	m.connect()
}

// buildURL strips any ws://wss:// prefix and re-adds the scheme based on
// the profile's security profile, per spec.md §4.C.
func buildURL(p Profile) string {
	host := p.Host
	host = strings.TrimPrefix(host, "ws://")
	host = strings.TrimPrefix(host, "wss://")
	scheme := "ws"
	if p.SecurityProfile >= ocpptype.SecurityProfileBasicTLS {
		scheme = "wss"
	}
	path := p.Path
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, host, p.Port, path)
}

// connect constructs a new Link for the current profile and calls Connect,
// enforcing the at-most-one-Link invariant by destroying any prior Link
// first.
func (m *Manager) connect() {
	m.mu.Lock()
	if m.priorityIndex >= len(m.profiles) {
		m.priorityIndex = 0
	}
	if len(m.profiles) == 0 {
		m.mu.Unlock()
		m.log.Warn("no network connection profiles configured")
		return
	}
	profile := m.profiles[m.priorityIndex]
	m.destroyLinkLocked()

	var tlsCfg *wslink.Config
	if profile.TLS != nil {
		tlsCfg = profile.TLS
	}
	cfg := wslink.Config{
		URL:             buildURL(profile),
		SecurityProfile: profile.SecurityProfile,
		BasicAuthUser:   profile.BasicAuthUser,
		BasicAuthPass:   profile.BasicAuthPass,
		PingInterval:    durationFromSeconds(m.opts.PingIntervalS),
		PongTimeout:     durationFromSeconds(m.opts.PongTimeoutS),
	}
	if tlsCfg != nil {
		cfg.TLSConfig = tlsCfg.TLSConfig
		cfg.Subprotocol = tlsCfg.Subprotocol
	}

	link := wslink.New(cfg, wslink.Callbacks{
		OnConnected:    m.onLinkConnected,
		OnClosed:       m.onLinkClosed,
		OnFailed:       m.onLinkFailed,
		OnMessage:      m.cb.OnMessage,
		OnDisconnected: func() {},
	})
	m.link = link
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := link.Connect(ctx); err != nil {
		m.log.WithError(err).Warn("connect failed")
	}
}

func durationFromSeconds(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

func (m *Manager) destroyLinkLocked() {
	if m.link != nil {
		_ = m.link.Close(1000, "replacing link")
		m.link = nil
	}
	if m.reconnectT != nil {
		m.reconnectT.Stop()
		m.reconnectT = nil
	}
}

// onLinkConnected resets backoff state and notifies upward.
func (m *Manager) onLinkConnected(sp ocpptype.SecurityProfile) {
	m.mu.Lock()
	m.attempt = 0
	m.mu.Unlock()
	if m.cb.OnConnected != nil {
		m.cb.OnConnected(sp)
	}
}

func (m *Manager) onLinkFailed(reason ocpptype.ConnectFailReason) {
	if m.cb.OnFailed != nil {
		m.cb.OnFailed(reason)
	}
	m.scheduleReconnect()
}

// onLinkClosed implements spec.md §4.C's reconnect policy.
func (m *Manager) onLinkClosed(reason ocpptype.CloseReason) {
	if m.cb.OnClosed != nil {
		m.cb.OnClosed(reason)
	}
	m.mu.Lock()
	running := m.running
	disableAuto := m.opts.DisableAutoReconnect
	m.mu.Unlock()
	if !running {
		return
	}
	if disableAuto {
		return
	}
	m.scheduleReconnect()
}

// scheduleReconnect applies exponential backoff within the current profile
// and advances priority_index after RetryBackoffMaxAttempts failures.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.attempt++
	delaySeconds := m.opts.InitialRetryS * float64(pow2(m.attempt-1))
	if delaySeconds > m.opts.MaxRetryS {
		delaySeconds = m.opts.MaxRetryS
	}
	advanced := false
	if m.attempt >= m.opts.RetryBackoffMaxAttempts {
		m.priorityIndex++
		m.attempt = 0
		advanced = true
		if m.priorityIndex >= len(m.profiles) {
			m.priorityIndex = 0
			delaySeconds += m.opts.InterCycleDelayS
		}
	}
	delay := durationFromSeconds(delaySeconds)
	if m.reconnectT != nil {
		m.reconnectT.Stop()
	}
	m.reconnectT = time.AfterFunc(delay, m.connect)
	m.mu.Unlock()
	if advanced {
		m.log.Info("advancing to next network connection profile")
	}
}

func pow2(n int) int {
	if n < 0 {
		return 1
	}
	r := 1
	for i := 0; i < n; i++ {
		r *= 2
	}
	return r
}

// OnNetworkDisconnected forces an immediate reconnect if the disconnected
// slot or interface matches the currently active profile (spec.md §4.C).
// Either selector may be the zero value, meaning "don't match on this axis".
func (m *Manager) OnNetworkDisconnected(slot *int, iface string) {
	m.mu.Lock()
	if len(m.profiles) == 0 || m.priorityIndex >= len(m.profiles) {
		m.mu.Unlock()
		return
	}
	current := m.profiles[m.priorityIndex]
	matches := false
	if slot != nil && *slot == current.ConfigurationSlot {
		matches = true
	}
	if iface != "" && iface == current.Host {
		matches = true
	}
	if !matches {
		m.mu.Unlock()
		return
	}
	m.destroyLinkLocked()
	m.attempt = 0
	m.mu.Unlock()

	m.connect()
}

// Disconnect initiates a clean close and disables any further reconnect.
func (m *Manager) Disconnect(code int) {
	m.mu.Lock()
	m.running = false
	link := m.link
	m.link = nil // closed below with the caller's code, not destroyLinkLocked's 1000
	m.destroyLinkLocked()
	m.mu.Unlock()
	if link != nil {
		_ = link.Close(code, "disconnect requested")
	}
}

// SetWebsocketConnectionOptions replaces the runtime profile list. Unless
// withoutReconnect is set, the existing Link is torn down and a fresh
// connect() is triggered, per spec.md §4.C.
func (m *Manager) SetWebsocketConnectionOptions(profiles []Profile, opts Options, withoutReconnect bool) {
	sorted := make([]Profile, len(profiles))
	copy(sorted, profiles)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ConfigurationSlot != sorted[j].ConfigurationSlot {
			return sorted[i].ConfigurationSlot < sorted[j].ConfigurationSlot
		}
		return sorted[i].PriorityIndex < sorted[j].PriorityIndex
	})

	m.mu.Lock()
	m.profiles = sorted
	m.opts = opts.withDefaults()
	m.priorityIndex = 0
	m.attempt = 0
	running := m.running
	m.destroyLinkLocked()
	m.mu.Unlock()

	if running && !withoutReconnect {
		m.connect()
	}
}

// Send transmits through the currently active Link, if any.
func (m *Manager) Send(text string) error {
	m.mu.Lock()
	link := m.link
	m.mu.Unlock()
	if link == nil {
		return fmt.Errorf("connectivity: no active link")
	}
	return link.Send(text)
}

// State returns the active Link's state, or wslink.Disconnected if none.
func (m *Manager) State() wslink.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.link == nil {
		return wslink.Disconnected
	}
	return m.link.State()
}
