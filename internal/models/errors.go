package models

import "errors"

var (
	ErrLengthMismatch   = errors.New("models: series length mismatch")
	ErrEmptySeries      = errors.New("models: empty series")
	ErrInvalidInterval  = errors.New("models: interval must be positive")
	ErrUnknownParameter = errors.New("models: unknown parameter")
)
