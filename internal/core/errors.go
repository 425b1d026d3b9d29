// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors. Callers wrap them with fmt.Errorf("...: %w", err).
var (
	// Detection state errors
	ErrDuplicateSignature = errors.New("vigil: signature already recorded for transaction")
	ErrStateMemcap        = errors.New("vigil: transaction state entry limit reached")

	// Buffer and frame registry errors
	ErrUnknownBuffer    = errors.New("vigil: unknown inspection buffer")
	ErrUnknownFrameType = errors.New("vigil: unknown frame type")
	ErrDuplicateName    = errors.New("vigil: name already registered")

	// Packet decoding errors
	ErrPacketTooShort   = errors.New("vigil: packet too short")
	ErrUnsupportedProto = errors.New("vigil: unsupported protocol")

	// Flow tracking errors
	ErrFlowTableFull = errors.New("vigil: flow table full")

	// Configuration errors
	ErrConfigInvalid = errors.New("vigil: invalid configuration")
	ErrRulesInvalid  = errors.New("vigil: invalid rule set")
)
