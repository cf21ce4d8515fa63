package protocol

import "errors"

var (
	ErrNotArray           = errors.New("protocol: message is not an array")
	ErrBadArrayLength     = errors.New("protocol: invalid array length")
	ErrBadType            = errors.New("protocol: invalid message type")
	ErrBadMessageID       = errors.New("protocol: invalid message id")
	ErrResponseIDNotFound = errors.New("protocol: response id not found")
	ErrTableFull          = errors.New("protocol: pending request table full")
	ErrOddCapacity        = errors.New("protocol: table capacity must be even")
	ErrEnvelopeInProgress = errors.New("protocol: another envelope is being written")
)
