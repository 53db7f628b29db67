package ami

import "errors"

// Domain errors for the AMI client package.
var (
	// ErrConnectionFailed is returned when the TCP connection or the
	// protocol banner exchange with the manager interface fails.
	ErrConnectionFailed = errors.New("ami: connection to manager failed")

	// ErrNotConnected is returned when an operation requires a live
	// session but the client is not connected.
	ErrNotConnected = errors.New("ami: not connected to manager")

	// ErrConnectionLost is returned to pending actions when the
	// connection drops before their response arrives.
	ErrConnectionLost = errors.New("ami: connection lost")

	// ErrAuthRejected is returned when the manager rejects the Login
	// action (bad username or secret).
	ErrAuthRejected = errors.New("ami: authentication rejected")

	// ErrAuthTimeout is returned when no Login response arrives within
	// the authentication bound.
	ErrAuthTimeout = errors.New("ami: authentication timed out")

	// ErrActionTimeout is returned when an action receives no response
	// within its wait bound.
	ErrActionTimeout = errors.New("ami: action timed out")

	// ErrProtocol is returned when the byte stream violates the manager
	// framing rules (oversized line, oversized frame, missing separator).
	ErrProtocol = errors.New("ami: protocol violation")

	// ErrClosed is returned when an operation is attempted after Close.
	ErrClosed = errors.New("ami: client closed")
)
