package mihome

import "errors"

// Domain errors for the Mi Home bridge package.
var (
	// ErrMalformedPayload is returned when an inbound envelope or its nested
	// data object cannot be decoded, or a known key holds the wrong type.
	ErrMalformedPayload = errors.New("mihome: malformed payload")

	// ErrUnsupportedCommand is returned when a device kind has no mapping
	// for a channel/command combination.
	ErrUnsupportedCommand = errors.New("mihome: unsupported command")

	// ErrInvalidKey is returned when the gateway key is not 16 bytes.
	ErrInvalidKey = errors.New("mihome: invalid encryption key")

	// ErrInvalidInputLength is returned when the plaintext is not a multiple
	// of the AES block size.
	ErrInvalidInputLength = errors.New("mihome: plaintext length is not a multiple of the block size")

	// ErrInvalidIV is returned when the initialisation vector is not 16 bytes.
	ErrInvalidIV = errors.New("mihome: invalid initialisation vector")

	// ErrMalformedHex is returned when a hex string has odd length or
	// contains non-hex characters.
	ErrMalformedHex = errors.New("mihome: malformed hex string")

	// ErrNoToken is returned when a write is attempted before the gateway
	// has announced its token in a heartbeat.
	ErrNoToken = errors.New("mihome: gateway token not yet known")

	// ErrNotStarted is returned when the transport is used before Start
	// or after Stop.
	ErrNotStarted = errors.New("mihome: transport not started")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("mihome: transport already started")

	// ErrNoBridge is returned when a command needs the gateway but the
	// device session has no bridge bound.
	ErrNoBridge = errors.New("mihome: no gateway bridge bound")

	// ErrUnknownDevice is returned when a command targets a device that has
	// no session on this bridge.
	ErrUnknownDevice = errors.New("mihome: unknown device")

	// ErrNotRegistered is returned by Session.Bind when no gateway session
	// could be resolved.
	ErrNotRegistered = errors.New("mihome: gateway session not registered")

	// ErrDisposed is returned when a disposed session is bound.
	ErrDisposed = errors.New("mihome: session disposed")
)
