// Package core defines sentinel errors and the fatal-error hook shared by every layer.
package core

import "errors"

// Sentinel errors, one per error kind. Hot-path calls keep their boolean
// results; these values travel through listener callbacks, configuration
// and the host runtime.
var (
	// Buffer errors
	ErrTransientFull = errors.New("satcat5: buffer full")

	// Packet decoding errors
	ErrMalformed      = errors.New("satcat5: malformed packet")
	ErrPacketTooShort = errors.New("satcat5: packet too short")
	ErrBadChecksum    = errors.New("satcat5: bad checksum")
	ErrBadVersion     = errors.New("satcat5: unsupported version")

	// Resolution errors
	ErrUnreachable = errors.New("satcat5: gateway unreachable")
	ErrTimeout     = errors.New("satcat5: timeout")
	ErrNotFound    = errors.New("satcat5: not found")

	// Configuration errors
	ErrConfigInvalid = errors.New("satcat5: invalid configuration")
)
