// Package transport abstracts the peer-to-peer negotiation primitive and the
// message channel it produces. The session layer only ever sees these
// interfaces; the concrete implementation (Pion WebRTC) lives in pion.go and
// tests substitute an in-memory fake.
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrChannelNotOpen is returned by Channel.Send when the channel is not in
// the open state. Callers treat this as a non-fatal, local condition.
var ErrChannelNotOpen = errors.New("data channel is not open")

// ConnState is the aggregate connection state reported by the peer transport.
type ConnState int

const (
	StateNew ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Terminal reports whether this state means the connection is gone and the
// session must be torn down.
func (s ConnState) Terminal() bool {
	return s == StateDisconnected || s == StateFailed || s == StateClosed
}

// ChannelState mirrors the message channel's readyState.
type ChannelState int

const (
	ChannelConnecting ChannelState = iota
	ChannelOpen
	ChannelClosing
	ChannelClosed
)

// Channel is the ordered, reliable message channel riding on an established
// peer connection.
type Channel interface {
	Label() string
	ReadyState() ChannelState

	// Send transmits one message. Returns ErrChannelNotOpen when the
	// channel is not open.
	Send(data []byte) error

	OnOpen(fn func())
	OnClose(fn func())
	OnError(fn func(error))
	OnMessage(fn func(data []byte))

	Close() error
}

// PeerConn is one peer connection under negotiation or established. Session
// descriptions and ICE candidates are opaque JSON blobs: they are produced
// here, forwarded verbatim through the relay, and consumed by the remote
// peer's transport.
type PeerConn interface {
	// CreateOffer produces the local session description for an outbound
	// dial and applies it locally before returning.
	CreateOffer(ctx context.Context) (json.RawMessage, error)

	// CreateAnswer produces and locally applies the answering description.
	// Valid only after SetRemoteDescription with the remote's offer.
	CreateAnswer(ctx context.Context) (json.RawMessage, error)

	SetRemoteDescription(desc json.RawMessage) error
	AddICECandidate(candidate json.RawMessage) error

	// OnICECandidate fires zero or more times per negotiation, once per
	// locally discovered candidate.
	OnICECandidate(fn func(candidate json.RawMessage))
	OnConnectionStateChange(fn func(state ConnState))

	// CreateDataChannel opens the initiator-side channel; the responder
	// receives its end via OnDataChannel.
	CreateDataChannel(label string) (Channel, error)
	OnDataChannel(fn func(Channel))

	Close() error
}

// Factory creates peer connections. Injected into the session coordinator so
// tests never need a real network.
type Factory interface {
	NewPeerConn() (PeerConn, error)
}
