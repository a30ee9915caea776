package channel

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeTimeout      = 10 * time.Second
	heartbeatInterval = 30 * time.Second
	heartbeatTimeout  = 60 * time.Second
)

// ServerHandler handles one inbound event on the server side.
type ServerHandler func(c *Conn, data json.RawMessage)

// Hub accepts channel connections and routes events by auth id.
type Hub struct {
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu       sync.RWMutex
	conns    map[*Conn]struct{}
	handlers map[string]ServerHandler
}

// NewHub returns a Hub that accepts any origin, like the dashboard's CORS policy.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		log:      log.With().Str("component", "hub").Logger(),
		conns:    make(map[*Conn]struct{}),
		handlers: make(map[string]ServerHandler),
	}
}

// Conn is one connected client.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu     sync.Mutex
	authID string
}

// AuthID returns the auth id the client bound with the authId event, if any.
func (c *Conn) AuthID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authID
}

// Send writes one event to this connection.
func (c *Conn) Send(event string, payload any) error {
	frame, err := Encode(event, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// Handle registers fn for an inbound event. The authId event is handled by the hub itself.
func (h *Hub) Handle(event string, fn ServerHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[event] = fn
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("upgrade failed")
		return
	}
	c := &Conn{ws: ws}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	h.log.Debug().Str("remote", r.RemoteAddr).Msg("client connected")

	stop := make(chan struct{})
	go h.heartbeat(c, stop)
	defer func() {
		close(stop)
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
		_ = ws.Close()
		h.log.Debug().Str("auth_id", c.AuthID()).Msg("client disconnected")
	}()

	_ = ws.SetReadDeadline(time.Now().Add(heartbeatTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(heartbeatTimeout))
	})
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug().Err(err).Msg("read error")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(heartbeatTimeout))
		env, err := Decode(frame)
		if err != nil {
			h.log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		if env.Event == EventAuthID {
			var id string
			if err := json.Unmarshal(env.Data, &id); err != nil {
				h.log.Warn().Err(err).Msg("authId payload is not a string")
				continue
			}
			c.mu.Lock()
			c.authID = id
			c.mu.Unlock()
			continue
		}
		h.mu.RLock()
		fn := h.handlers[env.Event]
		h.mu.RUnlock()
		if fn == nil {
			h.log.Debug().Str("event", env.Event).Msg("no handler")
			continue
		}
		fn(c, env.Data)
	}
}

func (h *Hub) heartbeat(c *Conn, stop <-chan struct{}) {
	t := time.NewTicker(heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// Emit sends an event to every connection bound to authID and returns how many got it.
func (h *Hub) Emit(authID, event string, payload any) int {
	return h.send(event, payload, func(c *Conn) bool { return c.AuthID() == authID })
}

// Broadcast sends an event to every connection.
func (h *Hub) Broadcast(event string, payload any) int {
	return h.send(event, payload, func(*Conn) bool { return true })
}

func (h *Hub) send(event string, payload any, match func(*Conn) bool) int {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		if match(c) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	n := 0
	for _, c := range targets {
		if err := c.Send(event, payload); err != nil {
			h.log.Warn().Err(err).Str("event", event).Msg("write failed")
			continue
		}
		n++
	}
	return n
}
