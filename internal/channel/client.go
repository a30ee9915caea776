package channel

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ClientOptions tune reconnection of a Client.
type ClientOptions struct {
	// Attempts is how many redials are made after the connection drops.
	Attempts int
	// Delay is the fixed pause between redials.
	Delay time.Duration
	// OnReconnect runs after every successful redial, before events are read again.
	OnReconnect func()
}

// Client is a Channel backed by a gorilla/websocket connection.
type Client struct {
	url  string
	opts ClientOptions
	log  zerolog.Logger

	dialer *websocket.Dialer

	mu       sync.Mutex
	handlers map[string][]Handler
	conn     *websocket.Conn

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// Dial connects to url and starts dispatching inbound events.
func Dial(ctx context.Context, url string, opts ClientOptions, log zerolog.Logger) (*Client, error) {
	c := &Client{
		url:      url,
		opts:     opts,
		log:      log.With().Str("component", "channel").Logger(),
		dialer:   websocket.DefaultDialer,
		handlers: make(map[string][]Handler),
		done:     make(chan struct{}),
	}
	conn, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.log.Debug().Str("url", url).Msg("connected")
	go c.readLoop(conn)
	return c, nil
}

// On registers h for event. Several handlers per event run in registration order.
func (c *Client) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

// Send writes one event frame. No retry is attempted.
func (c *Client) Send(event string, payload any) error {
	frame, err := Encode(event, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// Close stops reconnection and closes the connection.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn == nil {
			return
		}
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = conn.Close()
	})
	return err
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if c.closed() {
				return
			}
			c.log.Warn().Err(err).Msg("connection lost")
			next := c.reconnect()
			if next == nil {
				return
			}
			conn = next
			continue
		}
		env, err := Decode(frame)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env Envelope) {
	c.mu.Lock()
	hs := append([]Handler(nil), c.handlers[env.Event]...)
	c.mu.Unlock()
	if len(hs) == 0 {
		c.log.Debug().Str("event", env.Event).Msg("no handler")
		return
	}
	for _, h := range hs {
		h(env.Data)
	}
}

func (c *Client) reconnect() *websocket.Conn {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	for i := 1; i <= c.opts.Attempts; i++ {
		select {
		case <-c.done:
			return nil
		case <-time.After(c.opts.Delay):
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		cancel()
		if err != nil {
			c.log.Warn().Err(err).Int("attempt", i).Msg("reconnect failed")
			continue
		}
		c.mu.Lock()
		if c.closed() {
			c.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		c.conn = conn
		c.mu.Unlock()
		c.log.Info().Int("attempt", i).Msg("reconnected")
		if c.opts.OnReconnect != nil {
			c.opts.OnReconnect()
		}
		return conn
	}
	c.log.Error().Int("attempts", c.opts.Attempts).Msg("giving up on channel")
	return nil
}
