package core

import "errors"

// Error taxonomy shared by every component in the transport core. Callers
// match on these with errors.Is; component-specific detail is attached with
// fmt.Errorf("%w: ...").
var (
	ErrInvalidArgument    = errors.New("reticulum: invalid argument")
	ErrCrypto             = errors.New("reticulum: crypto failure")
	ErrIncorrectSignature = errors.New("reticulum: incorrect signature")
	ErrIncorrectHash      = errors.New("reticulum: incorrect hash")
	ErrOutOfMemory        = errors.New("reticulum: buffer capacity exceeded")
	ErrConnection         = errors.New("reticulum: interface connection error")
	ErrTimedOut           = errors.New("reticulum: timed out")
	ErrPacket             = errors.New("reticulum: malformed packet")
	ErrFrameTooLarge       = errors.New("reticulum: frame exceeds interface mtu")
	ErrNoRoute            = errors.New("reticulum: no route to destination")
)
