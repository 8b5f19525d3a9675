// Package wire defines the replicated chat cluster's on-the-wire message
// shapes. Every message exchanged between peers, and between a client and
// a peer, is a single JSON object terminated by a newline.
package wire

import (
	"net"
	"strconv"

	"github.com/google/uuid"
)

// PeerID orders peers by election priority: higher id wins.
type PeerID uint64

// Term identifies a leadership epoch. Non-decreasing for the life of a node.
type Term uint64

// SeqNo is the monotonic sequence number a leader assigns to a delivered
// chat message, defining the cluster's total order.
type SeqNo uint64

// Type discriminates the wire message variants of §3.
type Type string

const (
	Join         Type = "JOIN"
	JoinAck      Type = "JOIN_ACK"
	Heartbeat    Type = "HEARTBEAT"
	Election     Type = "ELECTION"
	ElectionOK   Type = "ELECTION_OK"
	Coordinator  Type = "COORDINATOR"
	Chat         Type = "CHAT"
	SeqChat      Type = "SEQ_CHAT"
	CatchupReq   Type = "CATCHUP_REQ"
	CatchupResp  Type = "CATCHUP_RESP"
)

// DefaultRoomID is used when a message omits room_id.
const DefaultRoomID = "general"

// PeerInfo is the immutable identity of a cluster member.
type PeerInfo struct {
	ID   PeerID `json:"peer_id"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Addr formats the peer's dial address.
func (p PeerInfo) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Message is the tagged union of §3, flattened into one struct since Go has
// no sum types. Only the fields relevant to Type are populated; the rest
// are left at their zero value and omitted from the JSON encoding.
type Message struct {
	Type     Type      `json:"type"`
	SenderID PeerID    `json:"sender_id"`
	Term     Term      `json:"term"`
	MsgID    uuid.UUID `json:"msg_id"`
	RoomID   string    `json:"room_id"`

	// JOIN
	PeerInfo *PeerInfo `json:"peer_info,omitempty"`

	// JOIN_ACK
	Peers    []PeerInfo `json:"peers,omitempty"`
	LeaderID *PeerID    `json:"leader_id,omitempty"`

	// COORDINATOR
	LeaderPeerInfo *PeerInfo `json:"leader_peer_info,omitempty"`

	// CHAT
	Payload string `json:"payload,omitempty"`

	// SEQ_CHAT
	SeqNo        SeqNo  `json:"seq_no,omitempty"`
	OriginSender PeerID `json:"origin_sender_id,omitempty"`

	// CATCHUP_REQ
	SinceSeq SeqNo `json:"since_seq,omitempty"`

	// CATCHUP_RESP
	Messages []Message `json:"messages,omitempty"`
}

// NewMsgID generates a fresh message identifier.
func NewMsgID() uuid.UUID {
	return uuid.New()
}

// Room returns the message's room, defaulting when absent.
func (m Message) Room() string {
	if m.RoomID == "" {
		return DefaultRoomID
	}
	return m.RoomID
}
