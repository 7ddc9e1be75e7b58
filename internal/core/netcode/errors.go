package netcode

import "errors"

var (
	ErrInvalidToken     = errors.New("connect token is invalid")
	ErrTokenExpired     = errors.New("connect token expired")
	ErrProtocolMismatch = errors.New("protocol id mismatch")
	ErrVersionMismatch  = errors.New("protocol version mismatch")
	ErrInvalidPacket    = errors.New("invalid packet")
	ErrReplayedPacket   = errors.New("packet replayed")
	ErrNoServerAddress  = errors.New("connect token lists no server address")
	ErrAlreadyConnected = errors.New("client already connecting or connected")
)

// RejectReason labels a silently dropped connection attempt.
type RejectReason string

const (
	RejectRateLimited      RejectReason = "rate_limited"
	RejectMalformed        RejectReason = "malformed"
	RejectVersion          RejectReason = "version_mismatch"
	RejectProtocol         RejectReason = "protocol_mismatch"
	RejectExpired          RejectReason = "expired"
	RejectInvalidToken     RejectReason = "invalid_token"
	RejectTokenReused      RejectReason = "token_reused"
	RejectAlreadyConnected RejectReason = "already_connected"
	RejectClientIDInUse    RejectReason = "client_id_in_use"
	RejectBadChallenge     RejectReason = "bad_challenge"
	RejectHandshakeTimeout RejectReason = "handshake_timeout"
	RejectServerFull       RejectReason = "server_full"
	RejectTokenLifetime    RejectReason = "token_lifetime"
	RejectTokenCacheFull   RejectReason = "token_cache_full"
)
