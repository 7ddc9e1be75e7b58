package protocol

import (
	"errors"
	"time"
)

var (
	ErrConnectionClosed  = errors.New("connection is closed")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrNotConnected      = errors.New("not connected")
	ErrMaxClientsReached = errors.New("maximum clients reached")

	ErrMessageTooLarge       = errors.New("message too large")
	ErrInvalidMessage        = errors.New("invalid message")
	ErrMessageQueueFull      = errors.New("message queue is full")
	ErrSerializationFailed   = errors.New("message serialization failed")
	ErrDeserializationFailed = errors.New("message deserialization failed")

	ErrTransportClosed = errors.New("transport is closed")
	ErrUnknownChannel  = errors.New("unknown channel")

	ErrHandshakeRejected       = errors.New("handshake rejected")
	ErrChannelOverflow         = errors.New("channel overflow")
	ErrStaleUpdateDiscarded    = errors.New("stale update discarded")
	ErrPredictionDivergence    = errors.New("prediction diverged from confirmed state")
	ErrVisibilityInconsistency = errors.New("visibility references unknown client")
)

// ErrorCode is a numeric classification of engine errors.
type ErrorCode int

const (
	ErrorCodeSuccess ErrorCode = 0

	// Connection (1000-1999)

	ErrorCodeConnectionClosed  ErrorCode = 1001
	ErrorCodeConnectionTimeout ErrorCode = 1002
	ErrorCodeNotConnected      ErrorCode = 1003
	ErrorCodeMaxClientsReached ErrorCode = 1004
	ErrorCodeHandshakeRejected ErrorCode = 1005
	ErrorCodeTransportClosed   ErrorCode = 1006

	// Messages and channels (3000-3999)

	ErrorCodeMessageTooLarge       ErrorCode = 3001
	ErrorCodeInvalidMessage        ErrorCode = 3002
	ErrorCodeMessageQueueFull      ErrorCode = 3003
	ErrorCodeSerializationFailed   ErrorCode = 3004
	ErrorCodeDeserializationFailed ErrorCode = 3005
	ErrorCodeChannelOverflow       ErrorCode = 3006
	ErrorCodeUnknownChannel        ErrorCode = 3007

	// Replication (5000-5999)

	ErrorCodeStaleUpdateDiscarded    ErrorCode = 5001
	ErrorCodePredictionDivergence    ErrorCode = 5002
	ErrorCodeVisibilityInconsistency ErrorCode = 5003

	ErrorCodeUnknownError ErrorCode = 9999
)

// Error carries a code and context around a cause.
type Error struct {
	Code      ErrorCode
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp int64
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func NewProtocolError(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Context:   make(map[string]any),
		Timestamp: time.Now().Unix(),
	}
}

func (e *Error) WithContext(key string, value any) *Error {
	e.Context[key] = value
	return e
}

// IsTemporary reports whether retrying later can succeed.
func (e *Error) IsTemporary() bool {
	switch e.Code {
	case ErrorCodeConnectionTimeout,
		ErrorCodeMessageQueueFull,
		ErrorCodeChannelOverflow:
		return true
	default:
		return false
	}
}

// IsFatal reports whether the connection must be torn down.
func (e *Error) IsFatal() bool {
	switch e.Code {
	case ErrorCodeConnectionClosed,
		ErrorCodeTransportClosed,
		ErrorCodeHandshakeRejected:
		return true
	default:
		return false
	}
}

var errorCodeMap = map[error]ErrorCode{
	ErrConnectionClosed:  ErrorCodeConnectionClosed,
	ErrConnectionTimeout: ErrorCodeConnectionTimeout,
	ErrNotConnected:      ErrorCodeNotConnected,
	ErrMaxClientsReached: ErrorCodeMaxClientsReached,
	ErrTransportClosed:   ErrorCodeTransportClosed,

	ErrMessageTooLarge:       ErrorCodeMessageTooLarge,
	ErrInvalidMessage:        ErrorCodeInvalidMessage,
	ErrMessageQueueFull:      ErrorCodeMessageQueueFull,
	ErrSerializationFailed:   ErrorCodeSerializationFailed,
	ErrDeserializationFailed: ErrorCodeDeserializationFailed,
	ErrUnknownChannel:        ErrorCodeUnknownChannel,

	ErrHandshakeRejected:       ErrorCodeHandshakeRejected,
	ErrChannelOverflow:         ErrorCodeChannelOverflow,
	ErrStaleUpdateDiscarded:    ErrorCodeStaleUpdateDiscarded,
	ErrPredictionDivergence:    ErrorCodePredictionDivergence,
	ErrVisibilityInconsistency: ErrorCodeVisibilityInconsistency,
}

// GetErrorCode classifies err, looking through wrapping.
func GetErrorCode(err error) ErrorCode {
	var protocolErr *Error
	if errors.As(err, &protocolErr) {
		return protocolErr.Code
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ErrorCodeUnknownError
}

// WrapError wraps a standard error into a protocol Error with the matching code.
func WrapError(err error, message string) *Error {
	return NewProtocolError(GetErrorCode(err), message, err)
}
