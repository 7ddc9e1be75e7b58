package netcode

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/chacha20poly1305"
	"lukechampine.com/blake3"
)

type packetType byte

const (
	packetRequest packetType = iota
	packetDenied
	packetChallenge
	packetResponse
	packetKeepAlive
	packetPayload
	packetDisconnect
	packetTypeCount
)

func (t packetType) String() string {
	switch t {
	case packetRequest:
		return "request"
	case packetDenied:
		return "denied"
	case packetChallenge:
		return "challenge"
	case packetResponse:
		return "response"
	case packetKeepAlive:
		return "keep_alive"
	case packetPayload:
		return "payload"
	case packetDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

const (
	sequenceSize = 8
	// Overhead is the number of bytes a sealed packet adds around its payload.
	Overhead = 1 + sequenceSize + chacha20poly1305.Overhead

	challengeMACSize = 32
)

type requestPacket struct {
	Version         string                            `msgpack:"v"`
	ProtocolID      uint64                            `msgpack:"pid"`
	ExpireTimestamp int64                             `msgpack:"et"`
	Nonce           [chacha20poly1305.NonceSizeX]byte `msgpack:"n"`
	PrivateData     []byte                            `msgpack:"pd"`
}

type challengePacket struct {
	Sequence uint64 `msgpack:"s"`
	Token    []byte `msgpack:"t"`
}

type keepAlivePacket struct {
	ClientID   uint64 `msgpack:"id"`
	MaxClients int    `msgpack:"max"`
}

type challengeToken struct {
	ClientID uint64   `msgpack:"id"`
	Random   [16]byte `msgpack:"r"`
}

func encodeRequest(req *requestPacket) ([]byte, error) {
	body, err := msgpack.Marshal(req)
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(packetRequest)}, body...), nil
}

func decodeRequest(data []byte) (*requestPacket, error) {
	if len(data) < 2 || packetType(data[0]) != packetRequest {
		return nil, ErrInvalidPacket
	}
	var req requestPacket
	if err := msgpack.Unmarshal(data[1:], &req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPacket, err)
	}
	return &req, nil
}

func peekType(data []byte) (packetType, bool) {
	if len(data) == 0 || packetType(data[0]) >= packetTypeCount {
		return 0, false
	}
	return packetType(data[0]), true
}

// sealPacket encrypts body with key; the sequence doubles as the AEAD nonce, so
// a key must never see the same sequence twice.
func sealPacket(t packetType, seq uint64, key Key, protocolID uint64, body []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+sequenceSize, Overhead+len(body))
	out[0] = byte(t)
	binary.BigEndian.PutUint64(out[1:], seq)
	return aead.Seal(out, packetNonce(seq), body, packetAdditionalData(t, protocolID)), nil
}

func openPacket(data []byte, key Key, protocolID uint64) (packetType, uint64, []byte, error) {
	if len(data) < Overhead {
		return 0, 0, nil, ErrInvalidPacket
	}
	t, ok := peekType(data)
	if !ok || t == packetRequest {
		return 0, 0, nil, ErrInvalidPacket
	}
	seq := binary.BigEndian.Uint64(data[1:])
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return 0, 0, nil, err
	}
	body, err := aead.Open(nil, packetNonce(seq), data[1+sequenceSize:], packetAdditionalData(t, protocolID))
	if err != nil {
		return 0, 0, nil, ErrInvalidPacket
	}
	return t, seq, body, nil
}

func packetNonce(seq uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], seq)
	return nonce
}

func packetAdditionalData(t packetType, protocolID uint64) []byte {
	ad := make([]byte, 0, len(protocolVersion)+9)
	ad = append(ad, protocolVersion...)
	ad = binary.LittleEndian.AppendUint64(ad, protocolID)
	return append(ad, byte(t))
}

// signChallenge appends a keyed BLAKE3 MAC to the encoded challenge token.
func signChallenge(key Key, tok *challengeToken) ([]byte, error) {
	body, err := msgpack.Marshal(tok)
	if err != nil {
		return nil, err
	}
	h := blake3.New(challengeMACSize, key[:])
	_, _ = h.Write(body)
	return h.Sum(body), nil
}

func verifyChallenge(key Key, signed []byte) (*challengeToken, bool) {
	if len(signed) <= challengeMACSize {
		return nil, false
	}
	body, mac := signed[:len(signed)-challengeMACSize], signed[len(signed)-challengeMACSize:]
	h := blake3.New(challengeMACSize, key[:])
	_, _ = h.Write(body)
	if subtle.ConstantTimeCompare(h.Sum(nil), mac) != 1 {
		return nil, false
	}
	var tok challengeToken
	if err := msgpack.Unmarshal(body, &tok); err != nil {
		return nil, false
	}
	return &tok, true
}

// replayWindow rejects packets seen before or too old to judge.
type replayWindow struct {
	mostRecent uint64
	received   [256]uint64
}

func (w *replayWindow) accept(seq uint64) bool {
	if seq+uint64(len(w.received)) <= w.mostRecent {
		return false
	}
	idx := seq % uint64(len(w.received))
	// stored as seq+1 so the zero value means empty
	if w.received[idx] == seq+1 {
		return false
	}
	w.received[idx] = seq + 1
	if seq > w.mostRecent {
		w.mostRecent = seq
	}
	return true
}
