package server

import "errors"

// Server-specific errors
var (
	ErrServerClosed         = errors.New("server is closed")
	ErrServerAlreadyRunning = errors.New("server is already running")
	ErrClientNotFound       = errors.New("client not found")
	ErrInvalidConfig        = errors.New("invalid server configuration")
	ErrNoTransport          = errors.New("server needs a packet conn")
	ErrNoRegistry           = errors.New("server needs a component registry")
)
