package session

import (
	"encoding/json"

	"github.com/petervdpas/linkup/internal/proto"
)

// State of the single allowed session.
type State int

const (
	Idle State = iota
	Dialing
	Negotiating
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Dialing:
		return "dialing"
	case Negotiating:
		return "negotiating"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	}
	return "unknown"
}

// active reports whether a session attempt or session is in progress, i.e.
// there is something to tear down.
func (s State) active() bool {
	return s == Dialing || s == Negotiating || s == Connected
}

// Role distinguishes which side created the surviving offer.
type Role int

const (
	RoleNone Role = iota
	RoleInitiator
	RoleResponder
)

// Snapshot is the machine's complete view of session state.
type Snapshot struct {
	State  State
	Remote string // current session's remote peer id, "" when Idle
	Role   Role
}

// EventKind enumerates every input the machine reacts to: relay envelopes,
// transport callbacks, user actions and internal completion markers.
type EventKind int

const (
	EvDial            EventKind = iota // user asked to dial Remote
	EvIncomingOffer                    // call-user arrived from Remote
	EvAcceptIncoming                   // user accepted the pending offer
	EvDeclineIncoming                  // user declined the pending offer
	EvAnswerReceived                   // send-answer arrived from Remote
	EvRejectReceived                   // call-rejected arrived from Remote
	EvRemoteHangup                     // connection-ended, or Remote left the relay
	EvChannelOpen                      // session data channel opened
	EvTransportDown                    // transport reported disconnected/failed/closed
	EvHangup                           // user hung up (valid in any active state)
	EvCleanupDone                      // teardown effects finished
)

// Event is one discrete input. Payload carries the opaque offer/answer blob
// where relevant; Reason carries rejection reasons and disconnect causes.
type Event struct {
	Kind    EventKind
	Remote  string
	Payload json.RawMessage
	Reason  string
}

// EffectKind enumerates the side effects a transition requests. The machine
// never performs effects itself; the coordinator executes them in order.
type EffectKind int

const (
	FxStartDial     EffectKind = iota // create peer conn, send offer to Remote
	FxPromptIncoming                  // surface accept/reject decision for Remote's offer
	FxAcceptOffer                     // apply Remote's offer, create and send answer
	FxApplyAnswer                     // apply Remote's answer on the outstanding offer
	FxAbandonDial                     // silently drop the outbound attempt (glare loss)
	FxSendReject                      // send call-rejected{Remote, Reason}
	FxSendHangup                      // best-effort connection-ended to Remote
	FxConnected                       // session up: reset transfers, start monitor, notify
	FxTeardown                        // close transport, stop monitor, cancel transfers
	FxDisconnected                    // notify observers once, with Reason
	FxCleanupDone                     // feed EvCleanupDone back into the machine
)

type Effect struct {
	Kind    EffectKind
	Remote  string
	Reason  string
	Payload json.RawMessage
}

// Machine is the pure transition core: Transition is a function of
// (snapshot, event) only, so every race and guard is testable without a
// transport or a relay.
type Machine struct {
	// LocalID is this client's relay-assigned id, needed for glare
	// resolution.
	LocalID string
}

// teardown is the shared exit path from any active state. sendHangup is
// false when the remote already knows (it rejected us, or it hung up first
// and its relay connection is gone).
func teardown(remote, reason string, sendHangup bool) (Snapshot, []Effect) {
	fx := make([]Effect, 0, 4)
	if sendHangup {
		fx = append(fx, Effect{Kind: FxSendHangup, Remote: remote})
	}
	fx = append(fx,
		Effect{Kind: FxTeardown},
		Effect{Kind: FxDisconnected, Reason: reason},
		Effect{Kind: FxCleanupDone},
	)
	return Snapshot{State: Disconnecting}, fx
}

// Transition computes the next state and the effects to execute. Unknown or
// out-of-place events return the snapshot unchanged with no effects, which
// is what makes redundant failure signals idempotent.
func (m Machine) Transition(cur Snapshot, ev Event) (Snapshot, []Effect) {
	switch ev.Kind {

	case EvDial:
		// Guarded again at the API surface; here only Idle proceeds.
		if cur.State != Idle {
			return cur, nil
		}
		next := Snapshot{State: Dialing, Remote: ev.Remote, Role: RoleInitiator}
		return next, []Effect{{Kind: FxStartDial, Remote: ev.Remote}}

	case EvIncomingOffer:
		return m.incomingOffer(cur, ev)

	case EvAcceptIncoming:
		if cur.State == Negotiating && cur.Role == RoleResponder && cur.Remote == ev.Remote {
			return cur, []Effect{{Kind: FxAcceptOffer, Remote: ev.Remote, Payload: ev.Payload}}
		}
		return cur, nil

	case EvDeclineIncoming:
		if cur.State == Negotiating && cur.Role == RoleResponder && cur.Remote == ev.Remote {
			return Snapshot{}, []Effect{{Kind: FxSendReject, Remote: ev.Remote, Reason: proto.ReasonRejected}}
		}
		return cur, nil

	case EvAnswerReceived:
		if cur.State == Dialing && cur.Remote == ev.Remote {
			next := Snapshot{State: Negotiating, Remote: cur.Remote, Role: RoleInitiator}
			return next, []Effect{{Kind: FxApplyAnswer, Remote: ev.Remote, Payload: ev.Payload}}
		}
		return cur, nil

	case EvRejectReceived:
		// A rejection answers our own outstanding offer, so only the
		// initiator has one to lose. After losing a glare race we are
		// responder on the surviving offer, and the winner's tie-break
		// rejection of our abandoned one must not tear that down.
		if (cur.State == Dialing || cur.State == Negotiating) && cur.Remote == ev.Remote && cur.Role == RoleInitiator {
			return teardown(cur.Remote, ev.Reason, false)
		}
		return cur, nil

	case EvChannelOpen:
		if (cur.State == Negotiating || cur.State == Dialing) && cur.Remote != "" {
			next := Snapshot{State: Connected, Remote: cur.Remote, Role: cur.Role}
			return next, []Effect{{Kind: FxConnected, Remote: cur.Remote}}
		}
		return cur, nil

	case EvTransportDown:
		if cur.State.active() {
			reason := ev.Reason
			if reason == "" {
				reason = "connection lost"
			}
			return teardown(cur.Remote, reason, true)
		}
		return cur, nil

	case EvRemoteHangup:
		if cur.State.active() && cur.Remote == ev.Remote {
			reason := ev.Reason
			if reason == "" {
				reason = "remote hung up"
			}
			return teardown(cur.Remote, reason, false)
		}
		return cur, nil

	case EvHangup:
		if cur.State.active() {
			return teardown(cur.Remote, "hangup", true)
		}
		return cur, nil

	case EvCleanupDone:
		if cur.State == Disconnecting {
			return Snapshot{}, nil
		}
		return cur, nil
	}

	return cur, nil
}

// incomingOffer handles a call-user envelope in every state, including the
// glare race where both peers have outstanding offers to each other.
func (m Machine) incomingOffer(cur Snapshot, ev Event) (Snapshot, []Effect) {
	switch cur.State {
	case Idle:
		next := Snapshot{State: Negotiating, Remote: ev.Remote, Role: RoleResponder}
		return next, []Effect{{Kind: FxPromptIncoming, Remote: ev.Remote, Payload: ev.Payload}}

	case Dialing:
		if ev.Remote != cur.Remote {
			return cur, []Effect{{Kind: FxSendReject, Remote: ev.Remote, Reason: proto.ReasonBusy}}
		}
		// Glare: both sides dialed each other within the same window.
		if ResolveGlare(m.LocalID, ev.Remote) == LocalWins {
			// Our offer survives; the remote will pick it up as responder.
			return cur, []Effect{{Kind: FxSendReject, Remote: ev.Remote, Reason: proto.ReasonTieBreakLocalWins}}
		}
		// Our offer yields and is abandoned silently; the winner keeps
		// waiting on its own offer and must not receive a rejection. Both
		// peers already consented to this pairing by dialing, so the
		// incoming offer is accepted without another prompt.
		next := Snapshot{State: Negotiating, Remote: ev.Remote, Role: RoleResponder}
		return next, []Effect{
			{Kind: FxAbandonDial},
			{Kind: FxAcceptOffer, Remote: ev.Remote, Payload: ev.Payload},
		}

	case Negotiating:
		if ev.Remote != cur.Remote {
			return cur, []Effect{{Kind: FxSendReject, Remote: ev.Remote, Reason: proto.ReasonBusy}}
		}
		// Duplicate offer from the peer we are already negotiating with.
		return cur, nil

	case Connected, Disconnecting:
		return cur, []Effect{{Kind: FxSendReject, Remote: ev.Remote, Reason: proto.ReasonBusy}}
	}

	return cur, nil
}
