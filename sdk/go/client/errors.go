package client

import "errors"

// Client-specific errors
var (
	ErrClientClosed         = errors.New("client is closed")
	ErrNotConnected         = errors.New("client is not connected")
	ErrClientAlreadyRunning = errors.New("client is already running")
	ErrInvalidConfig        = errors.New("invalid client configuration")
	ErrNoTransport          = errors.New("client needs a packet conn")
	ErrNoRegistry           = errors.New("client needs a component registry")
	ErrTokenRequest         = errors.New("token request failed")
)
