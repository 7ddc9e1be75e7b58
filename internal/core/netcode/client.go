package netcode

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/zeusync/netsync/internal/core/observability/log"
	"github.com/zeusync/netsync/internal/core/protocol"
	"github.com/zeusync/netsync/internal/core/transport"
)

const disconnectBurst = 3

// ClientState is the client side of the handshake.
type ClientState uint8

const (
	Disconnected ClientState = iota
	SendingToken
	AwaitingChallenge
	ConnectedPendingKeepAlive
	Connected
)

func (s ClientState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case SendingToken:
		return "sending_token"
	case AwaitingChallenge:
		return "awaiting_challenge"
	case ConnectedPendingKeepAlive:
		return "connected_pending_keep_alive"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// DisconnectReason explains why a connection ended or never started.
type DisconnectReason uint8

const (
	ReasonNone DisconnectReason = iota
	ReasonTokenExpired
	ReasonHandshakeTimedOut
	ReasonDenied
	ReasonTimedOut
	ReasonRequested
	ReasonServerDisconnected
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonTokenExpired:
		return "token_expired"
	case ReasonHandshakeTimedOut:
		return "handshake_timed_out"
	case ReasonDenied:
		return "denied"
	case ReasonTimedOut:
		return "timed_out"
	case ReasonRequested:
		return "requested"
	case ReasonServerDisconnected:
		return "server_disconnected"
	default:
		return "unknown"
	}
}

type ClientConfig struct {
	KeepAliveInterval time.Duration
	// RequestInterval paces request and response retransmission during the handshake.
	RequestInterval time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		KeepAliveInterval: 100 * time.Millisecond,
		RequestInterval:   100 * time.Millisecond,
	}
}

// Client runs the client half of the handshake. It is driven by the tick loop.
type Client struct {
	conn   transport.PacketConn
	config ClientConfig
	clock  clock.Clock
	logger log.Log

	token      *ConnectToken
	serverAddr string
	request    []byte

	state  ClientState
	reason DisconnectReason

	clientID       uint64
	sendSeq        uint64
	replay         replayWindow
	challenge      []byte
	challengeSeq   uint64
	connectStarted time.Time
	lastSend       time.Time
	lastRecv       time.Time

	payloads [][]byte
}

func NewClient(conn transport.PacketConn, config ClientConfig, clk clock.Clock, logger log.Log) *Client {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Client{
		conn:   conn,
		config: config,
		clock:  clk,
		logger: logger.With(log.Component("netcode_client")),
	}
}

// Connect starts the handshake with the first server address in the token.
func (c *Client) Connect(token *ConnectToken) error {
	if c.state != Disconnected {
		return ErrAlreadyConnected
	}
	if len(token.ServerAddresses) == 0 {
		return ErrNoServerAddress
	}
	request, err := encodeRequest(&requestPacket{
		Version:         protocolVersion,
		ProtocolID:      token.ProtocolID,
		ExpireTimestamp: token.ExpireTimestamp,
		Nonce:           token.Nonce,
		PrivateData:     token.PrivateData,
	})
	if err != nil {
		return err
	}

	c.token = token
	c.serverAddr = token.ServerAddresses[0]
	c.request = request
	c.sendSeq = 0
	c.replay = replayWindow{}
	c.challenge = nil
	c.reason = ReasonNone
	c.connectStarted = c.clock.Now()
	c.setState(SendingToken)
	return nil
}

func (c *Client) setState(s ClientState) {
	if c.state == s {
		return
	}
	c.logger.Debug("Client state changed", log.String("from", c.state.String()), log.String("to", s.String()))
	c.state = s
}

func (c *Client) fail(reason DisconnectReason) {
	c.reason = reason
	c.setState(Disconnected)
	c.logger.Info("Disconnected", log.String("reason", reason.String()))
}

// HandlePacket processes one datagram from the server.
func (c *Client) HandlePacket(p transport.Packet) {
	if c.state == Disconnected || c.token == nil {
		return
	}
	t, seq, body, err := openPacket(p.Data, c.token.ServerToClientKey, c.token.ProtocolID)
	if err != nil {
		return
	}
	if !c.replay.accept(seq) {
		return
	}

	switch t {
	case packetDenied:
		if c.state != Connected {
			c.fail(ReasonDenied)
		}
	case packetChallenge:
		if c.state != AwaitingChallenge {
			return
		}
		var ch challengePacket
		if err := msgpack.Unmarshal(body, &ch); err != nil {
			return
		}
		c.challenge = ch.Token
		c.challengeSeq = ch.Sequence
		c.lastRecv = c.clock.Now()
		c.setState(ConnectedPendingKeepAlive)
		c.sendResponse()
	case packetKeepAlive:
		if c.state == ConnectedPendingKeepAlive {
			var ka keepAlivePacket
			if err := msgpack.Unmarshal(body, &ka); err != nil {
				return
			}
			c.clientID = ka.ClientID
			c.setState(Connected)
			c.logger.Info("Connected", log.ClientID(c.clientID), log.Addr(c.serverAddr))
		}
		c.lastRecv = c.clock.Now()
	case packetPayload:
		if c.state != Connected {
			return
		}
		c.lastRecv = c.clock.Now()
		c.payloads = append(c.payloads, body)
	case packetDisconnect:
		if c.state == Connected {
			c.fail(ReasonServerDisconnected)
		}
	}
}

// Update drives retransmission, keep-alives and timeouts.
func (c *Client) Update() {
	now := c.clock.Now()

	switch c.state {
	case SendingToken:
		c.sendRequest()
		c.setState(AwaitingChallenge)
	case AwaitingChallenge, ConnectedPendingKeepAlive:
		if now.Unix() >= c.token.ExpireTimestamp && c.state == AwaitingChallenge {
			c.fail(ReasonTokenExpired)
			return
		}
		if now.Sub(c.connectStarted) > c.token.Timeout() {
			c.fail(ReasonHandshakeTimedOut)
			return
		}
		if now.Sub(c.lastSend) >= c.config.RequestInterval {
			if c.state == AwaitingChallenge {
				c.sendRequest()
			} else {
				c.sendResponse()
			}
		}
	case Connected:
		if now.Sub(c.lastRecv) > c.token.Timeout() {
			c.fail(ReasonTimedOut)
			return
		}
		if now.Sub(c.lastSend) >= c.config.KeepAliveInterval {
			c.sendSealed(packetKeepAlive, nil)
		}
	}
}

func (c *Client) sendRequest() {
	if err := c.conn.WritePacket(c.serverAddr, c.request); err != nil {
		c.logger.Debug("Request write failed", log.Error(err))
		return
	}
	c.lastSend = c.clock.Now()
}

func (c *Client) sendResponse() {
	body, err := msgpack.Marshal(&challengePacket{Sequence: c.challengeSeq, Token: c.challenge})
	if err != nil {
		return
	}
	c.sendSealed(packetResponse, body)
}

func (c *Client) sendSealed(t packetType, body []byte) bool {
	data, err := sealPacket(t, c.sendSeq, c.token.ClientToServerKey, c.token.ProtocolID, body)
	if err != nil {
		return false
	}
	c.sendSeq++
	if err := c.conn.WritePacket(c.serverAddr, data); err != nil {
		if !errors.Is(err, protocol.ErrTransportClosed) {
			c.logger.Debug("Packet write failed", log.String("packet", t.String()), log.Error(err))
		}
		return false
	}
	c.lastSend = c.clock.Now()
	return true
}

// Send seals a payload. Only valid once Connected.
func (c *Client) Send(payload []byte) error {
	if c.state != Connected {
		return protocol.ErrNotConnected
	}
	if !c.sendSealed(packetPayload, payload) {
		return protocol.WrapError(protocol.ErrConnectionClosed, "send payload")
	}
	return nil
}

// Receive drains payloads delivered since the previous call.
func (c *Client) Receive() [][]byte {
	out := c.payloads
	c.payloads = nil
	return out
}

// Disconnect notifies the server and resets to Disconnected.
func (c *Client) Disconnect() {
	if c.state == Connected {
		for i := 0; i < disconnectBurst; i++ {
			c.sendSealed(packetDisconnect, nil)
		}
	}
	if c.state != Disconnected {
		c.fail(ReasonRequested)
	}
}

func (c *Client) State() ClientState { return c.state }
func (c *Client) Reason() DisconnectReason { return c.reason }
func (c *Client) ClientID() uint64 { return c.clientID }
func (c *Client) ServerAddr() string { return c.serverAddr }
func (c *Client) IsConnected() bool { return c.state == Connected }
func (c *Client) Token() *ConnectToken { return c.token }
