package mq

import (
	"errors"

	"go.nanomsg.org/mangos/v3"
)

// Errors returned by engine operations.
var (
	// ErrAgain is returned when an operation could not complete within its
	// timeout. It is the non-error "nothing to do right now" signal.
	ErrAgain = errors.New("resource temporarily unavailable")
	// ErrClosed is returned when operating on a closed socket.
	ErrClosed = errors.New("socket closed")
	// ErrTerminated is returned when the owning context has been terminated.
	ErrTerminated = errors.New("context terminated")
	// ErrFSM is returned when an operation violates the socket's
	// send/receive state machine (for example two sends on REQ).
	ErrFSM = errors.New("operation cannot be accomplished in current state")
	// ErrNotSupported is returned when the socket type cannot perform the operation.
	ErrNotSupported = errors.New("operation not supported by socket type")
	// ErrInvalidType is returned for an unknown socket type.
	ErrInvalidType = errors.New("invalid socket type")
	// ErrInvalidOption is returned for an out of range option value.
	ErrInvalidOption = errors.New("invalid option value")
	// ErrTooManySockets is returned when the context socket limit is reached.
	ErrTooManySockets = errors.New("too many open sockets")
	// ErrAddrInUse is returned when binding an endpoint that is already bound.
	ErrAddrInUse = errors.New("address already in use")
	// ErrInvalidEndpoint is returned for a malformed endpoint string.
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	// ErrNoEndpoint is returned by Unbind and Disconnect for an endpoint
	// the socket is not attached to.
	ErrNoEndpoint = errors.New("endpoint not attached")
	// ErrUnsupportedTransport is returned for an unknown endpoint scheme.
	ErrUnsupportedTransport = errors.New("protocol not supported")
	// ErrMessageTooLarge is returned when a message exceeds the maximum message size.
	ErrMessageTooLarge = errors.New("message too large")
)

// mapError translates protocol layer errors into engine errors.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mangos.ErrSendTimeout), errors.Is(err, mangos.ErrRecvTimeout):
		return ErrAgain
	case errors.Is(err, mangos.ErrClosed):
		return ErrClosed
	case errors.Is(err, mangos.ErrProtoState):
		return ErrFSM
	case errors.Is(err, mangos.ErrProtoOp), errors.Is(err, mangos.ErrBadOption):
		return ErrNotSupported
	case errors.Is(err, mangos.ErrAddrInUse):
		return ErrAddrInUse
	case errors.Is(err, mangos.ErrBadTran):
		return ErrUnsupportedTransport
	case errors.Is(err, mangos.ErrTooLong):
		return ErrMessageTooLarge
	}
	return err
}
