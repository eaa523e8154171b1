package netchan

import "errors"

var (
	// ErrCommandOverflow is returned when queuing another reliable command
	// would overwrite one the peer has not acknowledged yet. The connection
	// cannot continue once this happens.
	ErrCommandOverflow = errors.New("reliable command overflow")

	// ErrLostReliableCommands is returned when the peer skipped a reliable
	// command sequence number.
	ErrLostReliableCommands = errors.New("lost reliable commands")

	// ErrIllegibleMessage is returned when decoded plaintext cannot be
	// parsed. Keystream desynchronization surfaces here; callers should
	// drop the connection rather than retry.
	ErrIllegibleMessage = errors.New("illegible message")

	// ErrSessionMismatch is returned when a packet carries a session id
	// other than the current one. Such packets are ignored.
	ErrSessionMismatch = errors.New("session id mismatch")
)
