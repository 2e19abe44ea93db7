package rhmq

import "github.com/pkg/errors"

// Errors returned by Socket operations.
var (
	// ErrAlreadyInitialized is returned by Init on a socket that already
	// has an endpoint.
	ErrAlreadyInitialized = errors.New("rhmq: socket already initialized")
	// ErrEmptyAddress is returned by Init when no address is given.
	ErrEmptyAddress = errors.New("rhmq: empty address")
	// ErrNotInitialized is returned when using a socket before Init.
	ErrNotInitialized = errors.New("rhmq: socket not initialized")
	// ErrAlreadyOpened is returned by Open on an opened socket.
	ErrAlreadyOpened = errors.New("rhmq: socket already opened")
	// ErrConnectTimeout is returned by Send when no connection was made
	// within the connect timeout budget.
	ErrConnectTimeout = errors.New("rhmq: timeout waiting for connection")
	// ErrBufferTooSmall is returned by Receive when the message did not fit
	// the caller's buffer. The buffer holds the leading part of the message.
	ErrBufferTooSmall = errors.New("rhmq: receive buffer too small")
	// ErrReceiveTimeout is returned by ReceiveLast when its deadline passed
	// without a message of the expected length.
	ErrReceiveTimeout = errors.New("rhmq: no message of expected length before deadline")
	// ErrUnexpectedLength is returned by ReceiveLast under RejectMismatched
	// when a message of another length arrives.
	ErrUnexpectedLength = errors.New("rhmq: unexpected message length")
	// ErrInvalidQueueLimit is returned for a queue limit below one message.
	ErrInvalidQueueLimit = errors.New("rhmq: queue limit must be at least 1")
)
