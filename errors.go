package pcilib

import "errors"

var (
	ErrMemory          = errors.New("memory allocation failed")
	ErrInvalidAddress  = errors.New("invalid address")
	ErrInvalidBank     = errors.New("invalid bank")
	ErrInvalidData     = errors.New("invalid data")
	ErrTimeout         = errors.New("timeout")
	ErrFailed          = errors.New("operation failed")
	ErrVerify          = errors.New("verification failed")
	ErrNotSupported    = errors.New("not supported")
	ErrNotFound        = errors.New("not found")
	ErrOutOfRange      = errors.New("out of range")
	ErrNotAvailable    = errors.New("not available")
	ErrNotInitialized  = errors.New("not initialized")
	ErrInvalidState    = errors.New("invalid state")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrTooBig          = errors.New("data does not fit into the buffer")
	ErrOverwritten     = errors.New("data is overwritten")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrBusy            = errors.New("resource is busy")
)
