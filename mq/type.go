package mq

import (
	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pair"
	"go.nanomsg.org/mangos/v3/protocol/pub"
	"go.nanomsg.org/mangos/v3/protocol/pull"
	"go.nanomsg.org/mangos/v3/protocol/push"
	"go.nanomsg.org/mangos/v3/protocol/rep"
	"go.nanomsg.org/mangos/v3/protocol/req"
	"go.nanomsg.org/mangos/v3/protocol/sub"
)

// Type is the messaging pattern of a socket.
type Type int

// Socket types. Values follow the native library numbering.
const (
	PAIR Type = 0
	PUB  Type = 1
	SUB  Type = 2
	REQ  Type = 3
	REP  Type = 4
	PULL Type = 7
	PUSH Type = 8
)

func (t Type) String() string {
	switch t {
	case PAIR:
		return "PAIR"
	case PUB:
		return "PUB"
	case SUB:
		return "SUB"
	case REQ:
		return "REQ"
	case REP:
		return "REP"
	case PULL:
		return "PULL"
	case PUSH:
		return "PUSH"
	default:
		return "UNKNOWN"
	}
}

func (t Type) valid() bool {
	switch t {
	case PAIR, PUB, SUB, REQ, REP, PULL, PUSH:
		return true
	}
	return false
}

// CanSend reports whether sockets of this type may send messages.
func (t Type) CanSend() bool {
	switch t {
	case PAIR, PUB, REQ, REP, PUSH:
		return true
	}
	return false
}

// CanRecv reports whether sockets of this type may receive messages.
func (t Type) CanRecv() bool {
	switch t {
	case PAIR, SUB, REQ, REP, PULL:
		return true
	}
	return false
}

// open creates the protocol socket backing t. Peer compatibility is
// negotiated by the protocol: a peer speaking the wrong pattern is never
// attached.
func (t Type) open() (mangos.Socket, error) {
	switch t {
	case PAIR:
		return pair.NewSocket()
	case PUB:
		return pub.NewSocket()
	case SUB:
		return sub.NewSocket()
	case REQ:
		return req.NewSocket()
	case REP:
		return rep.NewSocket()
	case PULL:
		return pull.NewSocket()
	case PUSH:
		return push.NewSocket()
	}
	return nil, ErrInvalidType
}

// Flag modifies a single Send or Recv call.
type Flag int

const (
	// DontWait performs the operation in non-blocking mode regardless of
	// the configured timeout.
	DontWait Flag = 1 << iota
)

// PollEvent is a readiness condition for Poll.
type PollEvent int16

const (
	// PollIn is set when at least one message may be received without blocking.
	PollIn PollEvent = 1
	// PollOut is set when at least one message may be sent without blocking.
	PollOut PollEvent = 2
)

// Timeout values with special meaning.
const (
	// Block waits forever.
	Block = -1
)
