// Package proto defines the wire messages of the gossip/failure-detection
// engine and the binary codec used to (de)serialize them, plus the
// compound/compress framing envelopes layered over a single UDP packet.
package proto

import "github.com/BoolHak/NSerfProject-sub006/lamport"

// MessageType is the leading type byte of every packet/stream body.
type MessageType uint8

// Stable wire codes, per spec §6.1. Values must never be renumbered.
const (
	PingMsg MessageType = iota
	IndirectPingMsg
	AckRespMsg
	SuspectMsg
	AliveMsg
	DeadMsg
	PushPullMsg
	CompoundMsg
	UserMsg
	CompressMsg
	EncryptMsg
	NackRespMsg
	HasCrcMsg
	ErrMsg
)

// LabelHeaderTag is the 1-byte tag prefixing an optional label header.
const LabelHeaderTag = 244

// ProtocolVersion is the tuple carried on Alive messages and PushNodeState
// so peers can negotiate the narrowest mutually understood behavior.
type ProtocolVersion struct {
	PMin uint8
	PMax uint8
	PCur uint8
	DMin uint8
	DMax uint8
	DCur uint8
}

// Ping is sent directly to a target to check liveness.
type Ping struct {
	SeqNo      uint32
	Node       string // target node name, so forwarded indirect pings can validate
	SourceAddr []byte `codec:",omitempty"`
	SourcePort uint16
	SourceNode string
}

// IndirectPing asks a peer to ping Target on the sender's behalf.
type IndirectPing struct {
	SeqNo      uint32
	Target     []byte
	Port       uint16
	Node       string
	Nack       bool // set if the sender wants a Nack on failure
	SourceAddr []byte `codec:",omitempty"`
	SourcePort uint16
	SourceNode string
}

// AckResp acknowledges a Ping or IndirectPing.
type AckResp struct {
	SeqNo   uint32
	Payload []byte `codec:",omitempty"`
}

// NackResp is returned by an indirect prober when it could not confirm the
// target is alive, distinguishing "unreachable from me" from silence.
type NackResp struct {
	SeqNo uint32
}

// Alive announces (or refutes) that a node is alive at a given incarnation.
type Alive struct {
	Incarnation uint32
	Node        string
	Addr        []byte
	Port        uint16
	Meta        []byte `codec:",omitempty"`
	Vsn         [6]uint8
}

// Suspect accuses a node of being unreachable.
type Suspect struct {
	Incarnation uint32
	Node        string
	From        string
}

// Dead declares a node dead (or, when From == Node, a graceful departure).
type Dead struct {
	Incarnation uint32
	Node        string
	From        string
}

// PushNodeState is one entry of a push/pull full-state exchange.
type PushNodeState struct {
	Name        string
	Addr        []byte
	Port        uint16
	Meta        []byte `codec:",omitempty"`
	Incarnation uint32
	State       uint8
	Vsn         [6]uint8
}

// PushPullHeader precedes the node list and user-state blob in a push/pull
// stream exchange.
type PushPullHeader struct {
	NodeCount int
	UserStateLen int
	Join         bool
}

// UserMsgEnvelope wraps an application-level broadcast payload embedded as
// a User-typed frame (type 8) inside UDP.
type UserMsgEnvelope struct {
	Payload []byte
}

// UserEventMessage is the coordination-engine payload broadcast for
// UserEventAsync, encoded as the Payload of a UserMsgEnvelope.
type UserEventMessage struct {
	LTime    lamport.Time
	Name     string
	Payload  []byte
	Coalesce bool
}

// QueryMessage is the coordination-engine payload for a cluster-wide query,
// likewise carried inside a UserMsgEnvelope.
type QueryMessage struct {
	ID        uint32
	LTime     lamport.Time
	Name      string
	Payload   []byte
	Filters   [][]byte
	Requester NodeAddr
	// Flags: bit 0 = ack requested.
	Flags       uint32
	RelayFactor uint8
	Timeout     int64 // nanoseconds, relative at issue time
}

// QueryFlagAck, when set in QueryMessage.Flags, requests acknowledgements.
const QueryFlagAck uint32 = 1 << 0

// QueryResponseMessage answers a query, either as a bare ack (Payload==nil
// and Ack==true) or a response.
type QueryResponseMessage struct {
	LTime   lamport.Time
	ID      uint32
	From    NodeAddr
	Ack     bool
	Payload []byte `codec:",omitempty"`
}

// NodeAddr identifies the origin of a query/response for relay and dedupe.
type NodeAddr struct {
	Name string
	Addr []byte
	Port uint16
}

// EnvelopeType disambiguates the six kinds of application-level message
// multiplexed inside a single UserMsgEnvelope.Payload (they all share the
// UserMsg wire type so they gossip and dedupe through the same broadcast
// queue machinery).
type EnvelopeType uint8

const (
	EnvelopeUserEvent EnvelopeType = iota
	EnvelopeQuery
	EnvelopeQueryResponse
	EnvelopeRelay
	EnvelopeMemberJoin
	EnvelopeMemberLeave
)

// MemberJoinMessage is the coordination engine's gossiped join intent
// (spec §4.6 JoinIntent), carried inside a UserMsgEnvelope like UserEvent and
// Query so it shares the same broadcast/dedupe machinery.
type MemberJoinMessage struct {
	LTime lamport.Time
	Node  string
}

// MemberLeaveMessage is the coordination engine's gossiped leave intent
// (spec §4.6 LeaveIntent).
type MemberLeaveMessage struct {
	LTime lamport.Time
	Node  string
}

// RelayMessage asks its recipient to forward Payload (itself a complete
// UserMsg-framed message) on toward Target without interpreting it, per the
// query manager's relay-through-K-random-peers reachability aid (spec §4.9).
type RelayMessage struct {
	Target  NodeAddr
	Payload []byte
}
