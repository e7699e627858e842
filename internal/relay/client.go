package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/linkup/internal/proto"
)

var clog = logging.Logger("relay-client")

// Client is one peer's connection to the relay. It owns the websocket, keeps
// the latest presence roster, and fans inbound envelopes out to subscribers.
type Client struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	id      string
	idReady chan struct{}

	rosterMu sync.RWMutex
	roster   []proto.User

	listenerMu sync.RWMutex
	listeners  map[chan proto.Envelope]struct{}

	done     chan struct{}
	doneOnce sync.Once
}

// Dial connects to the relay websocket endpoint. The returned client starts
// reading immediately; call WaitID to learn the relay-assigned identity.
func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}

	c := &Client{
		ws:        ws,
		idReady:   make(chan struct{}),
		listeners: make(map[chan proto.Envelope]struct{}),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// WaitID blocks until the relay has assigned this connection an identity.
func (c *Client) WaitID(ctx context.Context) (string, error) {
	select {
	case <-c.idReady:
		return c.id, nil
	case <-c.done:
		return "", fmt.Errorf("relay connection closed before identity was assigned")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ID returns the relay-assigned identity, or "" if not yet assigned.
func (c *Client) ID() string {
	select {
	case <-c.idReady:
		return c.id
	default:
		return ""
	}
}

// Send writes one envelope to the relay.
func (c *Client) Send(env proto.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	return nil
}

// Register announces display metadata for the presence directory.
func (c *Client) Register(username, profilePic string) error {
	return c.Send(proto.Envelope{Type: proto.MsgRegister, Username: username, ProfilePic: profilePic})
}

// SetBusy publishes the busy flag so other clients can see it in the roster.
func (c *Client) SetBusy(busy bool) error {
	return c.Send(proto.Envelope{Type: proto.MsgSetBusy, Busy: busy})
}

// Users returns the latest presence roster received from the relay.
func (c *Client) Users() []proto.User {
	c.rosterMu.RLock()
	defer c.rosterMu.RUnlock()
	out := make([]proto.User, len(c.roster))
	copy(out, c.roster)
	return out
}

// Subscribe registers a listener for inbound envelopes. Delivery is
// non-blocking: a subscriber that falls behind loses messages rather than
// stalling the read loop. cancel must be called when done.
func (c *Client) Subscribe() (ch chan proto.Envelope, cancel func()) {
	ch = make(chan proto.Envelope, 64)

	c.listenerMu.Lock()
	c.listeners[ch] = struct{}{}
	c.listenerMu.Unlock()

	cancel = func() {
		c.listenerMu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.listenerMu.Unlock()
	}
	return ch, cancel
}

// Done is closed when the relay connection dies.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close tears down the websocket and all subscriptions.
func (c *Client) Close() error {
	err := c.ws.Close()
	c.finish()
	return err
}

func (c *Client) finish() {
	c.doneOnce.Do(func() {
		close(c.done)

		c.listenerMu.Lock()
		for ch := range c.listeners {
			close(ch)
		}
		c.listeners = make(map[chan proto.Envelope]struct{})
		c.listenerMu.Unlock()
	})
}

func (c *Client) readLoop() {
	defer c.finish()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			clog.Debugw("relay read loop ended", "err", err)
			return
		}

		var env proto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			clog.Warnw("malformed envelope from relay", "err", err)
			continue
		}

		switch env.Type {
		case proto.MsgYourID:
			if c.id == "" {
				c.id = env.ID
				close(c.idReady)
			}
			continue

		case proto.MsgOnlineUsers:
			c.rosterMu.Lock()
			c.roster = env.Users
			c.rosterMu.Unlock()
			// Fall through to fan-out: observers may want roster changes too.
		}

		c.listenerMu.RLock()
		for ch := range c.listeners {
			select {
			case ch <- env:
			default:
			}
		}
		c.listenerMu.RUnlock()
	}
}
