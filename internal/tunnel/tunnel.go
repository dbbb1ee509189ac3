// Package tunnel mediates agent-to-agent work: short-lived relay
// tunnels with per-minute and per-10-second rate windows, idle GC, and
// direct work offers between agents.
package tunnel

import (
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

var logger = log.New(os.Stdout, "[TUNNEL] ", log.LstdFlags)

// Defaults for the relay limits.
const (
	DefaultIdleTTLMs       = int64(300_000)
	DefaultMaxRelaysPerMin = 120
	DefaultMaxRelaysPer10s = 40
	DefaultOffersPer10s    = 10
	DefaultOfferTTLMs      = int64(120_000)
)

const (
	minuteWindowMs = 60_000
	tenSecWindowMs = 10_000
)

// Tunnel and offer errors, matching the wire taxonomy.
var (
	ErrTunnelNotFound    = errors.New("tunnel_not_found")
	ErrRelayRateLimited  = errors.New("relay_rate_limited")
	ErrRelayCapReached   = errors.New("tunnel_relay_cap_reached")
	ErrOfferNotAvailable = errors.New("offer_not_available")
	ErrOfferRateLimited  = errors.New("direct_work_offer_rate_limited")
)

type epochWindow struct {
	epoch int64
	count int
}

// bump advances the window to the current epoch if needed, increments,
// and reports whether the count stays within limit.
func (w *epochWindow) bump(nowMs, windowMs int64, limit int) bool {
	epoch := nowMs / windowMs
	if w.epoch != epoch {
		w.epoch = epoch
		w.count = 0
	}
	w.count++
	return w.count <= limit
}

// Tunnel is one relay channel between two agents.
type Tunnel struct {
	TunnelID         string `json:"tunnel_id"`
	InitiatorAgentID string `json:"initiator_agent_id"`
	TargetAgentID    string `json:"target_agent_id"`
	Accepted         bool   `json:"accepted"`
	RelayCount       int64  `json:"relay_count"`
	CreatedAtMs      int64  `json:"created_at_ms"`
	LastActivityMs   int64  `json:"last_activity_ms"`

	minuteWindow epochWindow
	tenSecWindow epochWindow
}

// Offer statuses.
const (
	OfferOpen     = "open"
	OfferAccepted = "accepted"
	OfferDeclined = "declined"
	OfferExpired  = "expired"
)

// DirectWorkOffer is one agent proposing paid work directly to another.
type DirectWorkOffer struct {
	OfferID       string  `json:"offer_id"`
	FromAgentID   string  `json:"from_agent_id"`
	ToAgentID     string  `json:"to_agent_id"`
	TaskSummary   string  `json:"task_summary"`
	RewardCredits float64 `json:"reward_credits"`
	Status        string  `json:"status"`
	CreatedAtMs   int64   `json:"created_at_ms"`
	ExpiresAtMs   int64   `json:"expires_at_ms"`
	RespondedAtMs int64   `json:"responded_at_ms,omitempty"`
}

// Config carries the tunnel tunables.
type Config struct {
	IdleTTLMs       int64
	MaxRelaysPerMin int
	MaxRelaysPer10s int
	OffersPer10s    int
	OfferTTLMs      int64
}

// DefaultConfig returns the protocol defaults.
func DefaultConfig() Config {
	return Config{
		IdleTTLMs:       DefaultIdleTTLMs,
		MaxRelaysPerMin: DefaultMaxRelaysPerMin,
		MaxRelaysPer10s: DefaultMaxRelaysPer10s,
		OffersPer10s:    DefaultOffersPer10s,
		OfferTTLMs:      DefaultOfferTTLMs,
	}
}

// Manager owns all live tunnels and offers.
type Manager struct {
	mu           sync.Mutex
	tunnels      map[string]*Tunnel
	offers       map[string]*DirectWorkOffer
	offerWindows map[string]*epochWindow

	cfg Config
	now func() int64
}

// NewManager creates a tunnel manager; zero config fields fall back to
// defaults.
func NewManager(cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.IdleTTLMs <= 0 {
		cfg.IdleTTLMs = def.IdleTTLMs
	}
	if cfg.MaxRelaysPerMin <= 0 {
		cfg.MaxRelaysPerMin = def.MaxRelaysPerMin
	}
	if cfg.MaxRelaysPer10s <= 0 {
		cfg.MaxRelaysPer10s = def.MaxRelaysPer10s
	}
	if cfg.OffersPer10s <= 0 {
		cfg.OffersPer10s = def.OffersPer10s
	}
	if cfg.OfferTTLMs <= 0 {
		cfg.OfferTTLMs = def.OfferTTLMs
	}
	return &Manager{
		tunnels:      make(map[string]*Tunnel),
		offers:       make(map[string]*DirectWorkOffer),
		offerWindows: make(map[string]*epochWindow),
		cfg:          cfg,
		now:          func() int64 { return time.Now().UnixMilli() },
	}
}

// SetClock overrides the manager clock. Test hook.
func (m *Manager) SetClock(now func() int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Open creates a tunnel from initiator to target.
func (m *Manager) Open(initiatorAgentID, targetAgentID string) Tunnel {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	t := &Tunnel{
		TunnelID:         uuid.New().String(),
		InitiatorAgentID: initiatorAgentID,
		TargetAgentID:    targetAgentID,
		CreatedAtMs:      now,
		LastActivityMs:   now,
	}
	m.tunnels[t.TunnelID] = t
	return *t
}

// Accept marks a tunnel accepted by its target.
func (m *Manager) Accept(tunnelID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tunnels[tunnelID]
	if !ok || t.TargetAgentID != agentID {
		return ErrTunnelNotFound
	}
	t.Accepted = true
	t.LastActivityMs = m.now()
	return nil
}

// Relay accounts one relayed frame. A tunnel carries frames only
// between its two agents and only after the target accepted; anything
// else reads as tunnel_not_found so outsiders cannot probe tunnel ids.
// The 60 s cap fails with tunnel_relay_cap_reached; the 10 s window
// with relay_rate_limited.
func (m *Manager) Relay(tunnelID, fromAgentID, toAgentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tunnels[tunnelID]
	if !ok {
		return ErrTunnelNotFound
	}
	member := (fromAgentID == t.InitiatorAgentID && toAgentID == t.TargetAgentID) ||
		(fromAgentID == t.TargetAgentID && toAgentID == t.InitiatorAgentID)
	if !member || !t.Accepted {
		return ErrTunnelNotFound
	}
	now := m.now()
	if !t.minuteWindow.bump(now, minuteWindowMs, m.cfg.MaxRelaysPerMin) {
		return ErrRelayCapReached
	}
	if !t.tenSecWindow.bump(now, tenSecWindowMs, m.cfg.MaxRelaysPer10s) {
		return ErrRelayRateLimited
	}
	t.RelayCount++
	t.LastActivityMs = now
	return nil
}

// Close drops a tunnel.
func (m *Manager) Close(tunnelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tunnels, tunnelID)
}

// Get returns a copy of a tunnel.
func (m *Manager) Get(tunnelID string) (Tunnel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tunnels[tunnelID]; ok {
		return *t, true
	}
	return Tunnel{}, false
}

// GC removes tunnels idle past the TTL and expires stale offers,
// returning how many tunnels were dropped.
func (m *Manager) GC() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	dropped := 0
	for id, t := range m.tunnels {
		if now-t.LastActivityMs > m.cfg.IdleTTLMs {
			delete(m.tunnels, id)
			dropped++
		}
	}
	for _, offer := range m.offers {
		if offer.Status == OfferOpen && now > offer.ExpiresAtMs {
			offer.Status = OfferExpired
		}
	}
	if dropped > 0 {
		logger.Printf("gc dropped %d idle tunnels", dropped)
	}
	return dropped
}

// InvitesFor lists tunnels awaiting acceptance by an agent. Heartbeat
// responses carry these.
func (m *Manager) InvitesFor(agentID string) []Tunnel {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Tunnel
	for _, t := range m.tunnels {
		if t.TargetAgentID == agentID && !t.Accepted {
			out = append(out, *t)
		}
	}
	return out
}

// CreateOffer proposes direct work, rate-limited per offering agent on
// a fixed 10 s window.
func (m *Manager) CreateOffer(fromAgentID, toAgentID, taskSummary string, rewardCredits float64) (DirectWorkOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	window, ok := m.offerWindows[fromAgentID]
	if !ok {
		window = &epochWindow{}
		m.offerWindows[fromAgentID] = window
	}
	if !window.bump(now, tenSecWindowMs, m.cfg.OffersPer10s) {
		return DirectWorkOffer{}, ErrOfferRateLimited
	}
	offer := &DirectWorkOffer{
		OfferID:       uuid.New().String(),
		FromAgentID:   fromAgentID,
		ToAgentID:     toAgentID,
		TaskSummary:   taskSummary,
		RewardCredits: rewardCredits,
		Status:        OfferOpen,
		CreatedAtMs:   now,
		ExpiresAtMs:   now + m.cfg.OfferTTLMs,
	}
	m.offers[offer.OfferID] = offer
	return *offer, nil
}

// RespondOffer accepts or declines an open offer. Only the target agent
// may respond, and only while the offer is open and unexpired.
func (m *Manager) RespondOffer(offerID, agentID string, accept bool) (DirectWorkOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	offer, ok := m.offers[offerID]
	if !ok || offer.ToAgentID != agentID {
		return DirectWorkOffer{}, ErrOfferNotAvailable
	}
	now := m.now()
	if offer.Status != OfferOpen || now > offer.ExpiresAtMs {
		if offer.Status == OfferOpen {
			offer.Status = OfferExpired
		}
		return DirectWorkOffer{}, ErrOfferNotAvailable
	}
	if accept {
		offer.Status = OfferAccepted
	} else {
		offer.Status = OfferDeclined
	}
	offer.RespondedAtMs = now
	return *offer, nil
}

// OffersFor lists open, unexpired offers addressed to an agent.
func (m *Manager) OffersFor(agentID string) []DirectWorkOffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []DirectWorkOffer
	for _, offer := range m.offers {
		if offer.ToAgentID == agentID && offer.Status == OfferOpen && now <= offer.ExpiresAtMs {
			out = append(out, *offer)
		}
	}
	return out
}
