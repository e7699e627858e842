// Package relay implements the signaling relay: a stateless router that
// forwards addressed negotiation envelopes between websocket-connected
// clients, plus the presence directory broadcast to everyone on change.
// The relay never interprets offer/answer/candidate payloads.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/linkup/internal/proto"
)

var log = logging.Logger("relay")

const (
	// Outbound queue per connection. A client that cannot drain this many
	// messages is dropped rather than allowed to block the hub.
	sendQueueSize = 64

	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// Clients connect from arbitrary origins (browsers, CLI).
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the relay hub. All session semantics live on the clients; the
// server only assigns identities, tracks presence and routes envelopes.
type Server struct {
	dir *Directory

	mu    sync.RWMutex
	conns map[string]*conn
}

type conn struct {
	id  string
	ws  *websocket.Conn
	out chan []byte

	mu     sync.Mutex
	closed bool
}

// enqueue hands data to the connection's writer goroutine. Returns false when
// the queue is full, meaning the client stopped draining.
func (c *conn) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.out <- data:
		return true
	default:
		return false
	}
}

func (c *conn) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.out)
}

func NewServer() *Server {
	return &Server{
		dir:   NewDirectory(),
		conns: make(map[string]*conn),
	}
}

// Handler returns the HTTP handler serving the websocket endpoint at /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// ListenAndServe runs the relay until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infow("relay listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnw("websocket upgrade failed", "err", err)
		return
	}

	c := &conn{
		id:  uuid.NewString(),
		ws:  ws,
		out: make(chan []byte, sendQueueSize),
	}

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	s.dir.Add(c.id)

	go s.writeLoop(c)

	log.Infow("client connected", "id", c.id, "remote", r.RemoteAddr)
	s.sendTo(c, proto.Envelope{Type: proto.MsgYourID, ID: c.id})
	s.broadcastPresence()

	s.readLoop(c)
	s.dropConn(c)
}

// readLoop consumes envelopes from one client until the socket dies.
func (s *Server) readLoop(c *conn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var env proto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Debugw("dropping malformed envelope", "id", c.id, "err", err)
			continue
		}

		switch {
		case env.Type == proto.MsgRegister:
			s.dir.SetInfo(c.id, env.Username, env.ProfilePic)
			s.broadcastPresence()

		case env.Type == proto.MsgSetBusy:
			s.dir.SetBusy(c.id, env.Busy)
			s.broadcastPresence()

		case proto.Routable(env.Type):
			s.route(c.id, env)

		default:
			log.Debugw("dropping unknown envelope type", "id", c.id, "type", env.Type)
		}
	}
}

// route forwards env to the live connection registered under env.TargetID.
// The sender identity is always taken from the routing connection, never from
// the client-supplied From field. Envelopes for unknown targets are silently
// dropped: the relay gives no delivery guarantee and queues nothing.
func (s *Server) route(senderID string, env proto.Envelope) {
	s.mu.RLock()
	target, ok := s.conns[env.TargetID]
	s.mu.RUnlock()
	if !ok {
		log.Debugw("target not connected, dropping", "type", env.Type, "target", env.TargetID)
		return
	}

	env.From = senderID
	s.sendTo(target, env)
}

// dropConn tears down one connection and tells everyone: updated roster plus
// a user-disconnected event, so a peer mid-session with this client can clean
// up without waiting for transport-level failure detection.
func (s *Server) dropConn(c *conn) {
	s.mu.Lock()
	if _, ok := s.conns[c.id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.conns, c.id)
	s.mu.Unlock()

	s.dir.Remove(c.id)
	c.shutdown()

	log.Infow("client disconnected", "id", c.id)
	s.broadcastPresence()
	s.broadcast(proto.Envelope{Type: proto.MsgUserDisconnected, UserID: c.id})
}

func (s *Server) broadcastPresence() {
	s.broadcast(proto.Envelope{Type: proto.MsgOnlineUsers, Users: s.dir.Snapshot()})
}

func (s *Server) broadcast(env proto.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Errorw("marshal broadcast", "err", err)
		return
	}

	s.mu.RLock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		if !c.enqueue(data) {
			log.Warnw("send queue full, dropping client", "id", c.id)
			_ = c.ws.Close()
		}
	}
}

func (s *Server) sendTo(c *conn, env proto.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Errorw("marshal envelope", "type", env.Type, "err", err)
		return
	}
	if !c.enqueue(data) {
		log.Warnw("send queue full, dropping client", "id", c.id)
		_ = c.ws.Close()
	}
}

func (s *Server) writeLoop(c *conn) {
	for data := range c.out {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			break
		}
	}
	_ = c.ws.Close()
}
