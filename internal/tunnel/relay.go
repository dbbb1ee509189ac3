package tunnel

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	maxMsgSize = 256 * 1024
	sendBuffer = 64
)

// Frame is one relayed message inside a tunnel.
type Frame struct {
	TunnelID    string          `json:"tunnel_id"`
	FromAgentID string          `json:"from_agent_id"`
	ToAgentID   string          `json:"to_agent_id"`
	Data        json.RawMessage `json:"data"`
	Error       string          `json:"error,omitempty"`
}

type relayConn struct {
	agentID string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
}

func (c *relayConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Relay holds the live websocket connections carrying tunnel frames.
// One goroutine owns all writes per connection; reads happen on a
// second.
type Relay struct {
	mu      sync.Mutex
	conns   map[string]*relayConn
	manager *Manager

	upgrader websocket.Upgrader
}

// NewRelay creates a websocket relay over the tunnel manager.
func NewRelay(manager *Manager) *Relay {
	return &Relay{
		conns:   make(map[string]*relayConn),
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// HandleWebSocket upgrades the connection for an already-authenticated
// agent and starts its pumps. A second connection for the same agent
// replaces the first.
func (r *Relay) HandleWebSocket(w http.ResponseWriter, req *http.Request, agentID string) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		logger.Printf("websocket upgrade for %s failed: %v", agentID, err)
		return
	}

	c := &relayConn{
		agentID: agentID,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}

	r.mu.Lock()
	if prev, ok := r.conns[agentID]; ok {
		prev.close()
	}
	r.conns[agentID] = c
	r.mu.Unlock()

	go r.writePump(c)
	go r.readPump(c)
}

// Connected reports whether an agent has a live relay connection.
func (r *Relay) Connected(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[agentID]
	return ok
}

func (r *Relay) readPump(c *relayConn) {
	defer r.drop(c)
	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return
		}
		frame.FromAgentID = c.agentID
		r.forward(c, frame)
	}
}

// forward checks tunnel membership and the rate windows then hands the
// frame to the target's write pump.
func (r *Relay) forward(from *relayConn, frame Frame) {
	if err := r.manager.Relay(frame.TunnelID, from.agentID, frame.ToAgentID); err != nil {
		r.sendTo(from, Frame{TunnelID: frame.TunnelID, Error: err.Error()})
		return
	}

	r.mu.Lock()
	target, ok := r.conns[frame.ToAgentID]
	r.mu.Unlock()
	if !ok {
		r.sendTo(from, Frame{TunnelID: frame.TunnelID, Error: ErrTunnelNotFound.Error()})
		return
	}
	r.sendTo(target, frame)
}

func (r *Relay) sendTo(c *relayConn, frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		// Slow consumer; drop the connection rather than block the relay.
		logger.Printf("relay buffer full for %s, dropping connection", c.agentID)
		c.close()
	}
}

func (r *Relay) writePump(c *relayConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		r.drop(c)
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (r *Relay) drop(c *relayConn) {
	c.close()
	r.mu.Lock()
	if current, ok := r.conns[c.agentID]; ok && current == c {
		delete(r.conns, c.agentID)
	}
	r.mu.Unlock()
}
