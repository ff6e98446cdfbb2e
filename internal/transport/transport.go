// Package transport carries biometric session events over a single WebSocket.
//
// Every successful Connect starts a new generation. Events carry the generation
// of the connection that produced them so a consumer can discard anything that
// arrives from a connection it has already abandoned.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/andresmejia3/irisgate/internal/types"
	"github.com/google/uuid"
	"golang.org/x/net/websocket"
)

// ErrChannelUnavailable is returned when the channel is down or cannot be opened.
var ErrChannelUnavailable = errors.New("channel unavailable")

// Lifecycle event types.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
)

const defaultMaxDecodeErrors = 8

// Event is an inbound server event or a lifecycle signal.
type Event struct {
	Gen     uint64
	Type    string
	Payload json.RawMessage
	Err     error // set on disconnected when the channel dropped unexpectedly
}

var inbound = map[string]bool{
	types.EventEyePosition:      true,
	types.EventEnrollmentStatus: true,
	types.EventEnrollResult:     true,
	types.EventIrisResult:       true,
}

// Options configures a Channel.
type Options struct {
	Origin          string
	MaxDecodeErrors int
	Logger          *slog.Logger
}

// Channel is a reconnectable WebSocket event channel.
type Channel struct {
	origin          string
	maxDecodeErrors int
	log             *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	connID string
	gen    uint64
	subs   map[int]func(Event)
	nextID int

	writeMu sync.Mutex
}

// New returns a disconnected channel.
func New(opts Options) *Channel {
	if opts.Origin == "" {
		opts.Origin = "http://localhost/"
	}
	if opts.MaxDecodeErrors <= 0 {
		opts.MaxDecodeErrors = defaultMaxDecodeErrors
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Channel{
		origin:          opts.Origin,
		maxDecodeErrors: opts.MaxDecodeErrors,
		log:             opts.Logger,
		subs:            make(map[int]func(Event)),
	}
}

// Connect opens the channel. It is a no-op while already connected.
func (c *Channel) Connect(ctx context.Context, endpoint string) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	cfg, err := websocket.NewConfig(endpoint, c.origin)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrChannelUnavailable, endpoint, err)
	}

	c.mu.Lock()
	if c.conn != nil {
		// Lost a race with a concurrent Connect.
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.gen++
	gen := c.gen
	c.conn = conn
	c.connID = uuid.NewString()
	connID := c.connID
	c.mu.Unlock()

	c.log.Info("channel connected", "endpoint", endpoint, "conn", connID, "gen", gen)
	c.publish(Event{Gen: gen, Type: EventConnected})
	go c.readLoop(conn, gen, connID)
	return nil
}

// Connected reports whether the channel is open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Generation returns the generation of the most recent connection.
func (c *Channel) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Subscribe registers fn for every event. The returned func detaches it.
func (c *Channel) Subscribe(fn func(Event)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// Emit sends one {type, payload} frame.
func (c *Channel) Emit(eventType string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrChannelUnavailable
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	data, err := json.Marshal(types.Frame{Type: eventType, Payload: raw})
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", eventType, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := websocket.Message.Send(conn, string(data)); err != nil {
		return fmt.Errorf("%w: send %s: %v", ErrChannelUnavailable, eventType, err)
	}
	return nil
}

// Disconnect closes the channel. Safe when already disconnected.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (c *Channel) publish(ev Event) {
	c.mu.Lock()
	fns := make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (c *Channel) readLoop(conn *websocket.Conn, gen uint64, connID string) {
	var cause error
	decodeErrors := 0

	for {
		var msg []byte
		if err := websocket.Message.Receive(conn, &msg); err != nil {
			if !errors.Is(err, io.EOF) {
				cause = err
			}
			break
		}

		var frame types.Frame
		if err := json.Unmarshal(msg, &frame); err != nil || frame.Type == "" {
			decodeErrors++
			c.log.Warn("dropping undecodable frame", "conn", connID, "count", decodeErrors)
			if decodeErrors >= c.maxDecodeErrors {
				cause = fmt.Errorf("too many undecodable frames")
				break
			}
			continue
		}
		decodeErrors = 0

		if !inbound[frame.Type] {
			c.log.Warn("dropping unknown event", "conn", connID, "type", frame.Type)
			continue
		}
		c.publish(Event{Gen: gen, Type: frame.Type, Payload: frame.Payload})
	}

	c.mu.Lock()
	dropped := c.conn == conn
	if dropped {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()

	if dropped && cause == nil {
		cause = io.ErrUnexpectedEOF
	}
	if dropped {
		c.log.Warn("channel dropped", "conn", connID, "gen", gen, "error", cause)
	} else {
		c.log.Info("channel closed", "conn", connID, "gen", gen)
		cause = nil
	}
	c.publish(Event{Gen: gen, Type: EventDisconnected, Err: cause})
}
