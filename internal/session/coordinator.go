// Package session owns the single allowed peer session per client: the state
// machine deciding dial/answer/reject, glare resolution when two peers dial
// each other at once, the chunked transfer engine riding on the session
// channel, and the heartbeat monitor.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/linkup/internal/proto"
	"github.com/petervdpas/linkup/internal/transfer"
	"github.com/petervdpas/linkup/internal/transport"
)

var log = logging.Logger("session")

var (
	// ErrAlreadyConnected: dialing the remote we are already connected to.
	// Tearing down and redialing is a user decision; confirm, then Redial.
	ErrAlreadyConnected = errors.New("already connected to this peer")

	// ErrSessionActive: dialing while another session or attempt exists.
	ErrSessionActive = errors.New("another session is already active")

	// ErrNotConnected: sending without an established session.
	ErrNotConnected = errors.New("no active session")
)

// Relay is the slice of the relay client the coordinator needs.
type Relay interface {
	Send(env proto.Envelope) error
	Subscribe() (ch chan proto.Envelope, cancel func())
}

// Callbacks bind the coordinator to its consumer (the UI layer). They are
// invoked from the coordinator's event loop and must not block; decisions
// that take time (accepting a call) are closures that can be called later
// from any goroutine.
type Callbacks struct {
	OnConnected    func(remoteID string)
	OnDisconnected func(reason string)

	// OnIncomingCall surfaces an offer awaiting a local decision. Exactly
	// one of accept/reject should be called; extra calls are no-ops.
	OnIncomingCall func(callerID string, accept func(), reject func())

	OnMessage func(from, text string)
	OnFile    func(from string, payload transfer.Payload)
	OnTyping  func(from string, typing bool)

	// OnSystem carries non-fatal, user-visible notices (send failures,
	// informational transitions).
	OnSystem func(msg string)
}

// Coordinator drives one client's session lifecycle. All state transitions
// happen on a single event loop goroutine; every input (relay envelope,
// transport callback, user action, timer) is funneled through the same
// channel, so no lock guards the machine state.
type Coordinator struct {
	localID string
	relay   Relay
	factory transport.Factory
	cb      Callbacks

	machine Machine

	events chan internalEvent

	// snapMu guards the read-only copy of the snapshot exported to other
	// goroutines; the loop is the only writer.
	snapMu sync.RWMutex
	snap   Snapshot

	// Everything below is owned by the event loop goroutine.
	gen          int // incremented per transport setup; stale callbacks are dropped
	pc           transport.PeerConn
	pendingCands []json.RawMessage
	remoteSet    bool   // remote description applied, candidates may be added
	redialTo     string // dial this remote once Idle is reached again

	// chMu guards state touched off the loop goroutine: the channel (Send*
	// run on caller goroutines) and the monitor (handleFrame touches it from
	// the transport callback goroutine).
	chMu    sync.RWMutex
	ch      transport.Channel
	monitor *Monitor

	engine *transfer.Engine
}

// internalEvent wraps a machine event with the transport generation it came
// from, so callbacks of an already-torn-down connection cannot affect a new
// session with the same remote.
type internalEvent struct {
	ev  Event
	gen int // 0 = not transport-bound
}

func NewCoordinator(localID string, relay Relay, factory transport.Factory, cb Callbacks) *Coordinator {
	c := &Coordinator{
		localID: localID,
		relay:   relay,
		factory: factory,
		cb:      cb,
		machine: Machine{LocalID: localID},
		events:  make(chan internalEvent, 64),
	}
	c.engine = transfer.New(c.sendFrame, c.deliverPayload)
	return c
}

// Snapshot returns the current session state for observers.
func (c *Coordinator) Snapshot() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap
}

// Dial initiates a session with remoteID. The guard here gives the caller an
// immediate answer; the machine re-validates when the event is processed.
func (c *Coordinator) Dial(remoteID string) error {
	s := c.Snapshot()
	switch {
	case s.State == Idle:
		c.post(Event{Kind: EvDial, Remote: remoteID})
		return nil
	case s.State == Connected && s.Remote == remoteID:
		return ErrAlreadyConnected
	default:
		return ErrSessionActive
	}
}

// Redial tears down the current session and dials remoteID once cleanup has
// finished. Used after the caller confirmed ErrAlreadyConnected.
func (c *Coordinator) Redial(remoteID string) {
	c.post(Event{Kind: EvHangup})
	c.postRedial(remoteID)
}

// Hangup ends the current session or attempt. Safe to call in any state.
func (c *Coordinator) Hangup() {
	c.post(Event{Kind: EvHangup})
}

// SendText sends one chat message over the session channel.
func (c *Coordinator) SendText(text string) error {
	return c.sendFrame(proto.TextFrame{Type: proto.FrameText, Message: text})
}

// SendFile transfers a payload, chunking it when it exceeds one frame.
func (c *Coordinator) SendFile(name, mimeType, data string) error {
	c.chMu.RLock()
	ch := c.ch
	c.chMu.RUnlock()
	if ch == nil {
		return ErrNotConnected
	}
	return c.engine.Send(name, mimeType, data)
}

// SetTyping publishes the local typing indicator. Failures are swallowed:
// the indicator is best-effort by design.
func (c *Coordinator) SetTyping(typing bool) {
	frameType := proto.FrameTyping
	if !typing {
		frameType = proto.FrameStopTyping
	}
	if err := c.sendFrame(proto.SignalFrame{Type: frameType}); err != nil {
		log.Debugw("typing indicator not sent", "err", err)
	}
}

// Run processes events until ctx is cancelled. It consumes the relay
// subscription and the internal event channel; transport callbacks post into
// the same channel from their own goroutines.
func (c *Coordinator) Run(ctx context.Context) {
	relayCh, cancel := c.relay.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			c.handle(internalEvent{ev: Event{Kind: EvHangup}})
			return

		case env, ok := <-relayCh:
			if !ok {
				c.handle(internalEvent{ev: Event{Kind: EvHangup}})
				return
			}
			c.handleEnvelope(env)

		case ie := <-c.events:
			c.handle(ie)
		}
	}
}

// post feeds a machine event into the loop from any goroutine.
func (c *Coordinator) post(ev Event) {
	c.events <- internalEvent{ev: ev}
}

// postFromTransport tags the event with the generation of the transport that
// produced it.
func (c *Coordinator) postFromTransport(gen int, ev Event) {
	select {
	case c.events <- internalEvent{ev: ev, gen: gen}:
	default:
		// The loop is gone or saturated during shutdown; drop rather
		// than block a transport callback goroutine.
		log.Debugw("dropping transport event", "kind", ev.Kind)
	}
}

func (c *Coordinator) postRedial(remoteID string) {
	c.events <- internalEvent{ev: Event{Kind: evSetRedial, Remote: remoteID}}
}

// evSetRedial is loop-internal: it never reaches the machine.
const evSetRedial EventKind = -1

// handleEnvelope maps a relay envelope onto machine events. Candidate
// envelopes bypass the machine: they mutate only transport plumbing.
func (c *Coordinator) handleEnvelope(env proto.Envelope) {
	switch env.Type {
	case proto.MsgCallUser:
		c.handle(internalEvent{ev: Event{Kind: EvIncomingOffer, Remote: env.From, Payload: env.Offer}})

	case proto.MsgSendAnswer:
		c.handle(internalEvent{ev: Event{Kind: EvAnswerReceived, Remote: env.From, Payload: env.Answer}})

	case proto.MsgCallRejected:
		c.handle(internalEvent{ev: Event{Kind: EvRejectReceived, Remote: env.From, Reason: env.Reason}})

	case proto.MsgConnectionEnded:
		c.handle(internalEvent{ev: Event{Kind: EvRemoteHangup, Remote: env.From}})

	case proto.MsgUserDisconnected:
		c.handle(internalEvent{ev: Event{Kind: EvRemoteHangup, Remote: env.UserID, Reason: "peer disconnected"}})

	case proto.MsgSendICECandidate:
		c.addCandidate(env.From, env.Candidate)
	}
}

func (c *Coordinator) handle(ie internalEvent) {
	if ie.ev.Kind == evSetRedial {
		c.redialTo = ie.ev.Remote
		return
	}
	if ie.gen != 0 && ie.gen != c.gen {
		// Stale callback from a transport that was already torn down.
		return
	}

	next, effects := c.machine.Transition(c.snap, ie.ev)
	if next != c.snap {
		log.Debugw("transition", "from", c.snap.State, "to", next.State, "remote", next.Remote)
	}
	if ie.ev.Kind == EvDial && len(effects) == 0 {
		// The Dial guard answered nil, but the state moved on before the
		// event was processed. Tell the user rather than dropping silently.
		log.Warnw("dial dropped, session no longer idle", "remote", ie.ev.Remote)
		if c.cb.OnSystem != nil {
			c.cb.OnSystem("dial to " + ie.ev.Remote + " ignored: another session is active")
		}
	}
	c.setSnapshot(next)

	for _, fx := range effects {
		c.execute(fx)
	}

	if c.snap.State == Idle && c.redialTo != "" {
		remote := c.redialTo
		c.redialTo = ""
		c.handle(internalEvent{ev: Event{Kind: EvDial, Remote: remote}})
	}
}

func (c *Coordinator) setSnapshot(s Snapshot) {
	c.snapMu.Lock()
	c.snap = s
	c.snapMu.Unlock()
}

// execute performs one effect. Effects run in order on the loop goroutine;
// negotiation failures convert into EvTransportDown so every error funnels
// through the same teardown path.
func (c *Coordinator) execute(fx Effect) {
	switch fx.Kind {
	case FxStartDial:
		if err := c.startDial(fx.Remote); err != nil {
			log.Errorw("dial failed", "remote", fx.Remote, "err", err)
			c.handle(internalEvent{ev: Event{Kind: EvTransportDown, Reason: "negotiation failed"}})
		}

	case FxPromptIncoming:
		c.promptIncoming(fx.Remote, fx.Payload)

	case FxAcceptOffer:
		if err := c.acceptOffer(fx.Remote, fx.Payload); err != nil {
			log.Errorw("accept failed", "remote", fx.Remote, "err", err)
			c.handle(internalEvent{ev: Event{Kind: EvTransportDown, Reason: "negotiation failed"}})
		}

	case FxApplyAnswer:
		if err := c.applyAnswer(fx.Payload); err != nil {
			log.Errorw("apply answer failed", "remote", fx.Remote, "err", err)
			c.handle(internalEvent{ev: Event{Kind: EvTransportDown, Reason: "negotiation failed"}})
		}

	case FxAbandonDial:
		c.closeTransport()

	case FxSendReject:
		if err := c.relay.Send(proto.Envelope{
			Type:     proto.MsgCallRejected,
			TargetID: fx.Remote,
			Reason:   fx.Reason,
		}); err != nil {
			log.Warnw("send reject failed", "remote", fx.Remote, "err", err)
		}

	case FxSendHangup:
		// Best effort: the remote may already be gone.
		_ = c.relay.Send(proto.Envelope{Type: proto.MsgConnectionEnded, TargetID: fx.Remote})

	case FxConnected:
		c.engine.Reset()
		c.startMonitor()
		if c.cb.OnConnected != nil {
			c.cb.OnConnected(fx.Remote)
		}

	case FxTeardown:
		c.closeTransport()

	case FxDisconnected:
		if c.cb.OnDisconnected != nil {
			c.cb.OnDisconnected(fx.Reason)
		}

	case FxCleanupDone:
		// Recurse directly: teardown already ran synchronously above.
		c.handle(internalEvent{ev: Event{Kind: EvCleanupDone}})
	}
}

// startDial creates the outbound peer connection, opens the channel and
// sends the offer to the remote via the relay.
func (c *Coordinator) startDial(remote string) error {
	pc, gen, err := c.newTransport(remote)
	if err != nil {
		return err
	}

	ch, err := pc.CreateDataChannel("chat")
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	c.attachChannel(gen, ch)

	offer, err := pc.CreateOffer(context.Background())
	if err != nil {
		return err
	}

	if err := c.relay.Send(proto.Envelope{
		Type:     proto.MsgCallUser,
		TargetID: remote,
		Offer:    offer,
	}); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	return nil
}

// promptIncoming hands the accept/reject decision to the UI. The closures
// are safe to call from any goroutine and at most once.
func (c *Coordinator) promptIncoming(remote string, offer json.RawMessage) {
	var once sync.Once
	accept := func() {
		once.Do(func() {
			c.post(Event{Kind: EvAcceptIncoming, Remote: remote, Payload: offer})
		})
	}
	reject := func() {
		once.Do(func() {
			c.post(Event{Kind: EvDeclineIncoming, Remote: remote})
		})
	}

	if c.cb.OnIncomingCall != nil {
		c.cb.OnIncomingCall(remote, accept, reject)
	} else {
		// Headless consumer: nobody can decide, so decline.
		reject()
	}
}

// acceptOffer runs the responder flow: apply the remote offer, produce an
// answer, send it back through the relay.
func (c *Coordinator) acceptOffer(remote string, offer json.RawMessage) error {
	pc, gen, err := c.newTransport(remote)
	if err != nil {
		return err
	}

	pc.OnDataChannel(func(ch transport.Channel) {
		c.attachChannel(gen, ch)
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		return err
	}
	c.remoteSet = true
	c.flushCandidates()

	answer, err := pc.CreateAnswer(context.Background())
	if err != nil {
		return err
	}

	if err := c.relay.Send(proto.Envelope{
		Type:     proto.MsgSendAnswer,
		TargetID: remote,
		Answer:   answer,
	}); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	return nil
}

func (c *Coordinator) applyAnswer(answer json.RawMessage) error {
	if c.pc == nil {
		return errors.New("no outstanding offer")
	}
	if err := c.pc.SetRemoteDescription(answer); err != nil {
		return err
	}
	c.remoteSet = true
	c.flushCandidates()
	return nil
}

// newTransport creates and wires a fresh peer connection, retiring any
// previous one's callbacks via the generation counter.
func (c *Coordinator) newTransport(remote string) (transport.PeerConn, int, error) {
	pc, err := c.factory.NewPeerConn()
	if err != nil {
		return nil, 0, fmt.Errorf("new peer connection: %w", err)
	}

	c.gen++
	gen := c.gen
	c.pc = pc
	c.remoteSet = false
	c.pendingCands = nil

	pc.OnICECandidate(func(cand json.RawMessage) {
		if err := c.relay.Send(proto.Envelope{
			Type:      proto.MsgSendICECandidate,
			TargetID:  remote,
			Candidate: cand,
		}); err != nil {
			log.Debugw("candidate not forwarded", "err", err)
		}
	})

	pc.OnConnectionStateChange(func(s transport.ConnState) {
		log.Debugw("transport state", "state", s, "remote", remote)
		if s.Terminal() {
			c.postFromTransport(gen, Event{Kind: EvTransportDown, Reason: "connection " + s.String()})
		}
	})

	return pc, gen, nil
}

// attachChannel wires the session channel callbacks and publishes the
// channel for the Send* surface.
func (c *Coordinator) attachChannel(gen int, ch transport.Channel) {
	c.chMu.Lock()
	c.ch = ch
	c.chMu.Unlock()

	ch.OnOpen(func() {
		c.postFromTransport(gen, Event{Kind: EvChannelOpen})
	})
	ch.OnClose(func() {
		c.postFromTransport(gen, Event{Kind: EvTransportDown, Reason: "channel closed"})
	})
	ch.OnError(func(err error) {
		log.Warnw("channel error", "err", err)
		c.postFromTransport(gen, Event{Kind: EvTransportDown, Reason: "channel error"})
	})
	ch.OnMessage(func(data []byte) {
		c.handleFrame(data)
	})
}

// addCandidate applies a remote ICE candidate, buffering it while no remote
// description is set yet. Candidates from anyone but the session remote are
// dropped.
func (c *Coordinator) addCandidate(from string, cand json.RawMessage) {
	if c.snap.Remote != from || c.pc == nil {
		return
	}
	if !c.remoteSet {
		c.pendingCands = append(c.pendingCands, cand)
		return
	}
	if err := c.pc.AddICECandidate(cand); err != nil {
		log.Warnw("add candidate failed", "err", err)
	}
}

func (c *Coordinator) flushCandidates() {
	for _, cand := range c.pendingCands {
		if err := c.pc.AddICECandidate(cand); err != nil {
			log.Warnw("add buffered candidate failed", "err", err)
		}
	}
	c.pendingCands = nil
}

func (c *Coordinator) startMonitor() {
	gen := c.gen
	m := NewMonitor(HeartbeatInterval, func() error {
		return c.sendFrame(proto.SignalFrame{Type: proto.FrameHeartbeat})
	}, func() {
		c.postFromTransport(gen, Event{Kind: EvTransportDown, Reason: "heartbeat failed"})
	})

	c.chMu.Lock()
	c.monitor = m
	c.chMu.Unlock()
	m.Start()
}

// closeTransport releases every per-session resource. Idempotent: a second
// call finds everything nil.
func (c *Coordinator) closeTransport() {
	c.chMu.Lock()
	m := c.monitor
	c.monitor = nil
	ch := c.ch
	c.ch = nil
	c.chMu.Unlock()

	if m != nil {
		m.Stop()
	}
	if ch != nil {
		_ = ch.Close()
	}

	if c.pc != nil {
		_ = c.pc.Close()
		c.pc = nil
	}

	c.gen++ // retire outstanding callbacks
	c.pendingCands = nil
	c.remoteSet = false
	c.engine.Reset()
}

// sendFrame marshals and sends one frame over the session channel.
func (c *Coordinator) sendFrame(frame any) error {
	c.chMu.RLock()
	ch := c.ch
	c.chMu.RUnlock()
	if ch == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if err := ch.Send(data); err != nil {
		if errors.Is(err, transport.ErrChannelNotOpen) && c.cb.OnSystem != nil {
			c.cb.OnSystem("message not sent: channel is not open")
		}
		return err
	}
	return nil
}

// handleFrame dispatches one inbound frame from the session channel. Runs on
// the transport's callback goroutine; everything it touches is either
// thread-safe (engine, monitor) or a consumer callback.
func (c *Coordinator) handleFrame(data []byte) {
	c.chMu.RLock()
	m := c.monitor
	c.chMu.RUnlock()
	if m != nil {
		m.Touch()
	}

	var head proto.FrameHead
	if err := json.Unmarshal(data, &head); err != nil {
		log.Warnw("malformed frame", "err", err)
		return
	}
	from := c.Snapshot().Remote

	switch head.Type {
	case proto.FrameText:
		var f proto.TextFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return
		}
		if c.cb.OnMessage != nil {
			c.cb.OnMessage(from, f.Message)
		}

	case proto.FrameFile:
		var f proto.FileFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return
		}
		c.engine.HandleFile(f)

	case proto.FrameFileMeta:
		var f proto.FileMetaFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return
		}
		c.engine.HandleMeta(f)

	case proto.FrameFileChunk:
		var f proto.FileChunkFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return
		}
		c.engine.HandleChunk(f)

	case proto.FrameTyping:
		if c.cb.OnTyping != nil {
			c.cb.OnTyping(from, true)
		}

	case proto.FrameStopTyping:
		if c.cb.OnTyping != nil {
			c.cb.OnTyping(from, false)
		}

	case proto.FrameHeartbeat:
		// Liveness evidence only; Touch above already recorded it.

	default:
		log.Debugw("unknown frame type", "type", head.Type)
	}
}

func (c *Coordinator) deliverPayload(p transfer.Payload) {
	if c.cb.OnFile != nil {
		c.cb.OnFile(c.Snapshot().Remote, p)
	}
}
