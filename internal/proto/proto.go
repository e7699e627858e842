// Package proto defines the wire types that cross the two transports:
// negotiation envelopes routed through the signaling relay, and data-channel
// frames exchanged over an established session channel.
package proto

import "encoding/json"

// Envelope message types.
//
// The relay routes client-addressed envelopes verbatim; the remaining types
// originate at the relay itself (identity assignment, presence).
const (
	// client → relay (consumed by the relay, not routed)
	MsgRegister = "register"
	MsgSetBusy  = "set-busy"

	// client → relay → target client (routed, From stamped by the relay)
	MsgCallUser         = "call-user"
	MsgCallRejected     = "call-rejected"
	MsgSendAnswer       = "send-answer"
	MsgSendICECandidate = "send-ice-candidate"
	MsgConnectionEnded  = "connection-ended"

	// relay → client
	MsgYourID           = "your-id"
	MsgOnlineUsers      = "online-users"
	MsgUserDisconnected = "user-disconnected"
)

// Rejection reasons carried by call-rejected envelopes. Busy and Rejected are
// ordinary protocol outcomes; the tie-break reasons are emitted when two peers
// dial each other simultaneously and one offer has to yield.
const (
	ReasonBusy              = "Busy"
	ReasonRejected          = "Rejected"
	ReasonTieBreakLocalWins = "tie-break-local-wins"
	ReasonTieBreakRemote    = "tie-break-remote-wins"
)

// User is one entry of the presence directory, broadcast to every client on
// change.
type User struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	ProfilePic string `json:"profilePic"`
	Busy       bool   `json:"busy"`
}

// Envelope is the single message shape that flows over the relay websocket in
// both directions. Type discriminates; unused fields stay empty. Offer,
// Answer and Candidate are opaque blobs produced by the peer transport; the
// relay never looks inside them.
type Envelope struct {
	Type     string `json:"type"`
	TargetID string `json:"targetId,omitempty"`
	From     string `json:"from,omitempty"`

	// register
	Username   string `json:"username,omitempty"`
	ProfilePic string `json:"profilePic,omitempty"`

	// set-busy
	Busy bool `json:"busy,omitempty"`

	// your-id
	ID string `json:"id,omitempty"`

	// call-rejected
	Reason string `json:"reason,omitempty"`

	// user-disconnected
	UserID string `json:"userId,omitempty"`

	// online-users
	Users []User `json:"users,omitempty"`

	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// Routable reports whether this envelope type is forwarded to another client
// rather than consumed by the relay itself.
func Routable(msgType string) bool {
	switch msgType {
	case MsgCallUser, MsgCallRejected, MsgSendAnswer, MsgSendICECandidate, MsgConnectionEnded:
		return true
	}
	return false
}

// Frame types carried over the session's own data channel (never through the
// relay).
const (
	FrameText       = "text"
	FrameFile       = "file" // single-frame payload, bypasses chunking
	FrameFileMeta   = "file-meta"
	FrameFileChunk  = "file-chunk"
	FrameTyping     = "typing"
	FrameStopTyping = "stop-typing"
	FrameHeartbeat  = "heartbeat"
)

// FrameHead is the minimal decode used to dispatch an inbound frame before
// unmarshalling the full variant.
type FrameHead struct {
	Type string `json:"type"`
}

// TextFrame carries one chat message.
type TextFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// FileFrame carries a small payload in one piece. Data is the payload's
// string representation (a data URL in practice).
type FileFrame struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// FileMetaFrame opens a chunked transfer: exactly TotalChunks FileChunkFrames
// follow.
type FileMetaFrame struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	MimeType    string `json:"mimeType"`
	TotalChunks int    `json:"totalChunks"`
}

// FileChunkFrame carries one contiguous slice of a chunked payload.
type FileChunkFrame struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Chunk string `json:"chunk"`
}

// SignalFrame is the payload-less variant shared by typing, stop-typing and
// heartbeat frames.
type SignalFrame struct {
	Type string `json:"type"`
}
