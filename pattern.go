package rhmq

import "github.com/Zereker/rhmq/mq"

// Pattern is the messaging topology of a socket. It decides whether the
// socket binds or connects and which directions it can carry.
type Pattern int

// Socket patterns.
const (
	Publish Pattern = iota + 1
	Subscribe
	Push
	Pull
	Request
	Reply
	Pair
)

var patternNames = map[Pattern]string{
	Publish:   "publish",
	Subscribe: "subscribe",
	Push:      "push",
	Pull:      "pull",
	Request:   "request",
	Reply:     "reply",
	Pair:      "pair",
}

func (p Pattern) String() string {
	if name, ok := patternNames[p]; ok {
		return name
	}
	return "unknown"
}

// ParsePattern returns the pattern with the given name. Short names as used
// by the engine ("pub", "sub", "req", ...) are accepted too.
func ParsePattern(name string) (Pattern, bool) {
	for p, n := range patternNames {
		if n == name {
			return p, true
		}
	}
	switch name {
	case "pub":
		return Publish, true
	case "sub":
		return Subscribe, true
	case "req":
		return Request, true
	case "rep":
		return Reply, true
	}
	return 0, false
}

func (p Pattern) valid() bool {
	_, ok := patternNames[p]
	return ok
}

// engineType maps the pattern onto the engine socket type.
func (p Pattern) engineType() mq.Type {
	switch p {
	case Publish:
		return mq.PUB
	case Subscribe:
		return mq.SUB
	case Push:
		return mq.PUSH
	case Pull:
		return mq.PULL
	case Request:
		return mq.REQ
	case Reply:
		return mq.REP
	default:
		return mq.PAIR
	}
}

// binds reports whether Open binds rather than connects.
func (p Pattern) binds(flags InitFlag) bool {
	switch p {
	case Publish, Push, Reply:
		return true
	case Pair:
		return flags&PairClient == 0
	}
	return false
}

// sendCapable reports whether connectivity can be checked by polling for
// send readiness. Receive-only patterns cannot observe their peers that way.
func (p Pattern) sendCapable() bool {
	switch p {
	case Publish, Push, Pair, Request:
		return true
	}
	return false
}

// InitFlag modifies how Init opens a socket.
type InitFlag uint32

const (
	// NoFlags opens the socket at Init with a connection monitor.
	NoFlags InitFlag = 0
	// NoMonitor disables the connection monitor. Connectivity is then
	// detected by polling and is less precise.
	NoMonitor InitFlag = 1 << 0
	// DelayedOpen postpones bind/connect until the first IsConnected call.
	DelayedOpen InitFlag = 1 << 1
	// PairClient makes a Pair socket connect instead of bind.
	PairClient InitFlag = 1 << 2
)
