package core

import (
	"errors"
)

var (
	// ErrMalformedBytecode is returned for a bad magic header or a truncated module.
	ErrMalformedBytecode = errors.New("malformed bytecode")
	// ErrUnsupportedBinding marks a binding that could not be classified. Reflection
	// recovers from it by falling back to a storage buffer.
	ErrUnsupportedBinding = errors.New("unsupported binding")
	// ErrPoolExhausted is returned when no binding set can be allocated or evicted.
	ErrPoolExhausted = errors.New("descriptor pool exhausted")
	// ErrDevice wraps any failing device API call.
	ErrDevice = errors.New("device error")

	ErrCopyOutOfBounds = errors.New("copy out of bounds")
	ErrBindingMismatch = errors.New("resource count does not match program bindings")
	ErrProgramNotBound = errors.New("program has no bound resources")
	ErrNotHostVisible  = errors.New("resource is not host visible")
	ErrNotInitialized  = errors.New("engine not initialized")
	ErrUnknown         = errors.New("unknown")
)
