package transport

import (
	"context"
	"encoding/json"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("transport")

// Default STUN servers, matching what browser clients of the same relay use.
var defaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
}

// PionFactory creates WebRTC peer connections backed by Pion.
type PionFactory struct {
	config webrtc.Configuration
}

func NewPionFactory() *PionFactory {
	return &PionFactory{
		config: webrtc.Configuration{ICEServers: defaultICEServers},
	}
}

func (f *PionFactory) NewPeerConn() (PeerConn, error) {
	pc, err := webrtc.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &pionConn{pc: pc}, nil
}

type pionConn struct {
	pc *webrtc.PeerConnection
}

func (p *pionConn) CreateOffer(ctx context.Context) (json.RawMessage, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(offer)
}

func (p *pionConn) CreateAnswer(ctx context.Context) (json.RawMessage, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(answer)
}

func (p *pionConn) SetRemoteDescription(desc json.RawMessage) error {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(desc, &sd); err != nil {
		return fmt.Errorf("decode remote description: %w", err)
	}
	if err := p.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (p *pionConn) AddICECandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("decode ice candidate: %w", err)
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (p *pionConn) OnICECandidate(fn func(json.RawMessage)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// End-of-candidates marker; nothing to forward.
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			log.Errorw("marshal ice candidate", "err", err)
			return
		}
		fn(data)
	})
}

func (p *pionConn) OnConnectionStateChange(fn func(ConnState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(mapConnState(s))
	})
}

func (p *pionConn) CreateDataChannel(label string) (Channel, error) {
	dc, err := p.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	return &pionChannel{dc: dc}, nil
}

func (p *pionConn) OnDataChannel(fn func(Channel)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(&pionChannel{dc: dc})
	})
}

func (p *pionConn) Close() error {
	return p.pc.Close()
}

type pionChannel struct {
	dc *webrtc.DataChannel
}

func (c *pionChannel) Label() string { return c.dc.Label() }

func (c *pionChannel) ReadyState() ChannelState {
	switch c.dc.ReadyState() {
	case webrtc.DataChannelStateConnecting:
		return ChannelConnecting
	case webrtc.DataChannelStateOpen:
		return ChannelOpen
	case webrtc.DataChannelStateClosing:
		return ChannelClosing
	default:
		return ChannelClosed
	}
}

func (c *pionChannel) Send(data []byte) error {
	if c.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	if err := c.dc.Send(data); err != nil {
		return fmt.Errorf("channel send: %w", err)
	}
	return nil
}

func (c *pionChannel) OnOpen(fn func())  { c.dc.OnOpen(fn) }
func (c *pionChannel) OnClose(fn func()) { c.dc.OnClose(fn) }

func (c *pionChannel) OnError(fn func(error)) {
	c.dc.OnError(fn)
}

func (c *pionChannel) OnMessage(fn func([]byte)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

func (c *pionChannel) Close() error { return c.dc.Close() }

func mapConnState(s webrtc.PeerConnectionState) ConnState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return StateNew
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	default:
		return StateClosed
	}
}
