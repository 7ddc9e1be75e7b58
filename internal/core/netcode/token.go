package netcode

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	protocolVersion = "NETSYNC 1.0"
	keySize         = chacha20poly1305.KeySize
	tokenKeyInfo    = "netsync connect token"
)

type Key = [keySize]byte

// ConnectToken is handed to a client out of band. The private part is sealed with a
// key only the server side knows; the rest tells the client where and how to connect.
type ConnectToken struct {
	ProtocolID        uint64                            `msgpack:"pid"`
	CreateTimestamp   int64                             `msgpack:"ct"`
	ExpireTimestamp   int64                             `msgpack:"et"`
	Nonce             [chacha20poly1305.NonceSizeX]byte `msgpack:"n"`
	PrivateData       []byte                            `msgpack:"pd"`
	ServerAddresses   []string                          `msgpack:"sa"`
	ClientToServerKey Key                               `msgpack:"c2s"`
	ServerToClientKey Key                               `msgpack:"s2c"`
	TimeoutSeconds    int32                             `msgpack:"to"`
}

type privateToken struct {
	ClientID          uint64   `msgpack:"id"`
	TimeoutSeconds    int32    `msgpack:"to"`
	ServerAddresses   []string `msgpack:"sa"`
	ClientToServerKey Key      `msgpack:"c2s"`
	ServerToClientKey Key      `msgpack:"s2c"`
	UserData          []byte   `msgpack:"ud"`
}

// Marshal encodes the token for transfer to the client.
func (t *ConnectToken) Marshal() ([]byte, error) {
	return msgpack.Marshal(t)
}

// String is the base64 form used by the HTTP token endpoint.
func (t *ConnectToken) String() string {
	data, err := t.Marshal()
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(data)
}

// Timeout is how long either side waits without hearing from its peer.
func (t *ConnectToken) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

func ParseConnectToken(data []byte) (*ConnectToken, error) {
	var t ConnectToken
	if err := msgpack.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return &t, nil
}

func ParseConnectTokenString(s string) (*ConnectToken, error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return ParseConnectToken(data)
}

// TokenAuthority mints and opens connect tokens. Servers and the service that hands
// tokens to players must share the private key and protocol id.
type TokenAuthority struct {
	protocolID uint64
	key        Key
	clock      clock.Clock
}

func NewTokenAuthority(protocolID uint64, privateKey Key, clk clock.Clock) (*TokenAuthority, error) {
	if clk == nil {
		clk = clock.New()
	}
	var salt [8]byte
	binary.LittleEndian.PutUint64(salt[:], protocolID)

	var key Key
	if _, err := io.ReadFull(hkdf.New(sha256.New, privateKey[:], salt[:], []byte(tokenKeyInfo)), key[:]); err != nil {
		return nil, fmt.Errorf("derive token key: %w", err)
	}
	return &TokenAuthority{protocolID: protocolID, key: key, clock: clk}, nil
}

func (a *TokenAuthority) ProtocolID() uint64 { return a.protocolID }

// TokenParams describes the token to mint.
type TokenParams struct {
	ClientID        uint64
	ServerAddresses []string
	Expiry          time.Duration
	Timeout         time.Duration
	UserData        []byte
}

func (a *TokenAuthority) Generate(p TokenParams) (*ConnectToken, error) {
	if len(p.ServerAddresses) == 0 {
		return nil, ErrNoServerAddress
	}
	now := a.clock.Now()
	token := &ConnectToken{
		ProtocolID:      a.protocolID,
		CreateTimestamp: now.Unix(),
		ExpireTimestamp: now.Add(p.Expiry).Unix(),
		ServerAddresses: p.ServerAddresses,
		TimeoutSeconds:  int32(p.Timeout / time.Second),
	}
	if token.TimeoutSeconds <= 0 {
		token.TimeoutSeconds = 1
	}
	if _, err := rand.Read(token.Nonce[:]); err != nil {
		return nil, err
	}
	if _, err := rand.Read(token.ClientToServerKey[:]); err != nil {
		return nil, err
	}
	if _, err := rand.Read(token.ServerToClientKey[:]); err != nil {
		return nil, err
	}

	plain, err := msgpack.Marshal(&privateToken{
		ClientID:          p.ClientID,
		TimeoutSeconds:    token.TimeoutSeconds,
		ServerAddresses:   p.ServerAddresses,
		ClientToServerKey: token.ClientToServerKey,
		ServerToClientKey: token.ServerToClientKey,
		UserData:          p.UserData,
	})
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(a.key[:])
	if err != nil {
		return nil, err
	}
	token.PrivateData = aead.Seal(nil, token.Nonce[:], plain, tokenAdditionalData(a.protocolID, token.ExpireTimestamp))
	return token, nil
}

// open authenticates and decrypts the private part carried by a connection request.
func (a *TokenAuthority) open(req *requestPacket) (*privateToken, error) {
	aead, err := chacha20poly1305.NewX(a.key[:])
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, req.Nonce[:], req.PrivateData, tokenAdditionalData(req.ProtocolID, req.ExpireTimestamp))
	if err != nil {
		return nil, ErrInvalidToken
	}
	var pt privateToken
	if err := msgpack.Unmarshal(plain, &pt); err != nil {
		return nil, ErrInvalidToken
	}
	return &pt, nil
}

func tokenAdditionalData(protocolID uint64, expire int64) []byte {
	ad := make([]byte, 0, len(protocolVersion)+16)
	ad = append(ad, protocolVersion...)
	ad = binary.LittleEndian.AppendUint64(ad, protocolID)
	ad = binary.LittleEndian.AppendUint64(ad, uint64(expire))
	return ad
}
