package client

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolViolation means the engine broke the one reply per command
	// contract. Correlation order can no longer be trusted.
	ErrProtocolViolation = errors.New("Protocol violation")

	ErrAuthenticationFailure = errors.New("Authentication failed")
	ErrTransport             = errors.New("Transport failed")
	ErrTimeout               = errors.New("Timed out waiting for a reply")
	ErrClosed                = errors.New("Connection is closed")
	ErrRemoteDisconnect      = errors.New("Remote side sent a disconnect notice")
	ErrRejected              = errors.New("Connection was rejected by the remote side")
	ErrHandler               = errors.New("Event handler failed")
	ErrNoCredentials         = errors.New("No credentials provider configured")
	ErrAlreadyRegistered     = errors.New("A connection is already registered with that name")

	ErrUnexpectedReply = fmt.Errorf("Reply received with no command waiting for it: %w", ErrProtocolViolation)
	ErrMissingJobUUID  = fmt.Errorf("Missing Job-UUID header in bgapi reply: %w", ErrProtocolViolation)
)

func transportError(err error) error {
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

// closedError is what blocked callers receive when the connection closes
// underneath them. It matches ErrClosed and, if set, the cause.
func closedError(cause error) error {
	if cause == nil {
		return ErrClosed
	}

	return fmt.Errorf("%w: %w", ErrClosed, cause)
}
