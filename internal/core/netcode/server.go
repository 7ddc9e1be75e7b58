package netcode

import (
	"crypto/rand"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/time/rate"

	"github.com/zeusync/netsync/internal/core/observability/log"
	"github.com/zeusync/netsync/internal/core/observability/metrics"
	"github.com/zeusync/netsync/internal/core/protocol"
	"github.com/zeusync/netsync/internal/core/transport"
)

// PendingState is the server-side view of a handshake in progress.
type PendingState uint8

const (
	TokenReceived PendingState = iota
	ChallengeSent
	Established
)

func (s PendingState) String() string {
	switch s {
	case TokenReceived:
		return "token_received"
	case ChallengeSent:
		return "challenge_sent"
	case Established:
		return "established"
	default:
		return "unknown"
	}
}

// EventKind tags a server Event.
type EventKind uint8

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventPayload
)

// Event is something the tick loop must react to.
type Event struct {
	Kind     EventKind
	ClientID uint64
	Payload  []byte
	Reason   DisconnectReason
}

type ServerConfig struct {
	MaxClients        int
	KeepAliveInterval time.Duration
	RequestRate       float64
	RequestBurst      int
	// UsedTokenTTL is how long spent tokens are remembered. Tokens that stay
	// valid for longer than this are refused.
	UsedTokenTTL time.Duration
	// UsedTokenCapacity caps the spent-token cache. Requests with new tokens are
	// refused while it is full.
	UsedTokenCapacity int
}

const (
	defaultUsedTokenTTL      = 30 * time.Second
	defaultUsedTokenCapacity = 64 * 1024

	// denied packets sent before a handshake entry exists use their own
	// sequence range so they never share a nonce with the entry's packets
	deniedSeqBase = uint64(1) << 63
)

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxClients:        64,
		KeepAliveInterval: 100 * time.Millisecond,
		RequestRate:       10,
		RequestBurst:      20,
		UsedTokenTTL:      defaultUsedTokenTTL,
		UsedTokenCapacity: defaultUsedTokenCapacity,
	}
}

type pendingEntry struct {
	addr         string
	clientID     uint64
	state        PendingState
	tokenKey     string
	c2s, s2c     Key
	timeout      time.Duration
	expire       int64
	createdAt    time.Time
	sendSeq      uint64
	challengeSeq uint64
	challenge    []byte
	userData     []byte
}

type session struct {
	clientID uint64
	addr     string
	c2s, s2c Key
	timeout  time.Duration
	sendSeq  uint64
	replay   replayWindow
	lastRecv time.Time
	lastSend time.Time
	userData []byte
}

// Server runs the server half of the handshake and seals established traffic.
// It is driven by the tick loop and is not safe for concurrent use.
type Server struct {
	conn      transport.PacketConn
	authority *TokenAuthority
	config    ServerConfig
	clock     clock.Clock
	logger    log.Log
	metrics   *metrics.Metrics

	challengeKey Key
	challengeSeq uint64
	deniedSeq    uint64

	pending  map[string]*pendingEntry
	sessions map[uint64]*session
	byAddr   map[string]*session

	usedTokens *expirable.LRU[string, string]
	limiters   *expirable.LRU[string, *rate.Limiter]

	events []Event
}

func NewServer(conn transport.PacketConn, authority *TokenAuthority, config ServerConfig, clk clock.Clock, logger log.Log, m *metrics.Metrics) (*Server, error) {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = log.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	if config.UsedTokenTTL <= 0 {
		config.UsedTokenTTL = defaultUsedTokenTTL
	}
	if config.UsedTokenCapacity <= 0 {
		config.UsedTokenCapacity = defaultUsedTokenCapacity
	}
	s := &Server{
		conn:       conn,
		authority:  authority,
		config:     config,
		clock:      clk,
		logger:     logger.With(log.Component("netcode_server")),
		metrics:    m,
		pending:    make(map[string]*pendingEntry),
		sessions:   make(map[uint64]*session),
		byAddr:     make(map[string]*session),
		deniedSeq:  deniedSeqBase,
		usedTokens: expirable.NewLRU[string, string](config.UsedTokenCapacity, nil, config.UsedTokenTTL),
		limiters:   expirable.NewLRU[string, *rate.Limiter](16*1024, nil, time.Minute),
	}
	if _, err := rand.Read(s.challengeKey[:]); err != nil {
		return nil, err
	}
	return s, nil
}

// HandlePacket processes one datagram from the transport.
func (s *Server) HandlePacket(p transport.Packet) {
	t, ok := peekType(p.Data)
	if !ok {
		return
	}
	if t == packetRequest {
		s.handleRequest(p)
		return
	}

	if sess, ok := s.byAddr[p.From]; ok {
		s.handleSessionPacket(sess, p)
		return
	}
	if entry, ok := s.pending[p.From]; ok {
		s.handlePendingPacket(entry, p)
	}
}

func (s *Server) reject(addr string, reason RejectReason, fields ...log.Field) {
	s.metrics.HandshakeRejected.WithLabelValues(string(reason)).Inc()
	s.logger.Debug("Connection request rejected",
		append([]log.Field{log.Addr(addr), log.String("reason", string(reason))}, fields...)...)
}

func (s *Server) allow(addr string) bool {
	limiter, ok := s.limiters.Get(addr)
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.config.RequestRate), s.config.RequestBurst)
		s.limiters.Add(addr, limiter)
	}
	return limiter.AllowN(s.clock.Now(), 1)
}

func (s *Server) handleRequest(p transport.Packet) {
	if !s.allow(p.From) {
		s.reject(p.From, RejectRateLimited)
		return
	}
	req, err := decodeRequest(p.Data)
	if err != nil {
		s.reject(p.From, RejectMalformed)
		return
	}
	if req.Version != protocolVersion {
		s.reject(p.From, RejectVersion)
		return
	}
	if req.ProtocolID != s.authority.ProtocolID() {
		s.reject(p.From, RejectProtocol, log.Uint64("protocol_id", req.ProtocolID))
		return
	}
	now := s.clock.Now()
	if now.Unix() >= req.ExpireTimestamp {
		s.reject(p.From, RejectExpired)
		return
	}
	// a spent token must stay in the cache for as long as it is valid
	if time.Unix(req.ExpireTimestamp, 0).Sub(now) > s.config.UsedTokenTTL {
		s.reject(p.From, RejectTokenLifetime)
		return
	}
	private, err := s.authority.open(req)
	if err != nil {
		s.reject(p.From, RejectInvalidToken)
		return
	}
	if _, ok := s.byAddr[p.From]; ok {
		s.reject(p.From, RejectAlreadyConnected)
		return
	}
	if _, ok := s.sessions[private.ClientID]; ok {
		s.reject(p.From, RejectClientIDInUse, log.ClientID(private.ClientID))
		return
	}

	// the AEAD tag is unique per sealed token
	tokenKey := string(req.PrivateData[len(req.PrivateData)-16:])
	if owner, used := s.usedTokens.Get(tokenKey); used {
		entry, pending := s.pending[p.From]
		if owner == p.From && pending && entry.tokenKey == tokenKey {
			s.sendChallenge(entry)
			return
		}
		s.reject(p.From, RejectTokenReused, log.ClientID(private.ClientID))
		return
	}

	if len(s.sessions) >= s.config.MaxClients {
		s.reject(p.From, RejectServerFull, log.ClientID(private.ClientID))
		s.sendDenied(p.From, private.ServerToClientKey)
		return
	}
	if s.usedTokens.Len() >= s.config.UsedTokenCapacity {
		s.reject(p.From, RejectTokenCacheFull, log.ClientID(private.ClientID))
		return
	}

	s.usedTokens.Add(tokenKey, p.From)
	entry := &pendingEntry{
		addr:      p.From,
		clientID:  private.ClientID,
		state:     TokenReceived,
		tokenKey:  tokenKey,
		c2s:       private.ClientToServerKey,
		s2c:       private.ServerToClientKey,
		timeout:   time.Duration(private.TimeoutSeconds) * time.Second,
		expire:    req.ExpireTimestamp,
		createdAt: s.clock.Now(),
		userData:  private.UserData,
	}

	s.challengeSeq++
	entry.challengeSeq = s.challengeSeq
	tok := challengeToken{ClientID: entry.clientID}
	if _, err := rand.Read(tok.Random[:]); err != nil {
		s.logger.Error("Failed to build challenge", log.Error(err))
		return
	}
	signed, err := signChallenge(s.challengeKey, &tok)
	if err != nil {
		s.logger.Error("Failed to sign challenge", log.Error(err))
		return
	}
	entry.challenge = signed
	s.pending[p.From] = entry

	s.logger.Debug("Connection request accepted", log.Addr(p.From), log.ClientID(entry.clientID))
	s.sendChallenge(entry)
}

func (s *Server) sendChallenge(entry *pendingEntry) {
	body, err := msgpack.Marshal(&challengePacket{Sequence: entry.challengeSeq, Token: entry.challenge})
	if err != nil {
		return
	}
	if s.write(entry.addr, packetChallenge, &entry.sendSeq, entry.s2c, body) {
		entry.state = ChallengeSent
	}
}

// sendDenied refuses a request. A pending handshake under the same key
// continues its own sequence; otherwise the server-wide denied range is used.
func (s *Server) sendDenied(addr string, key Key) {
	if entry, ok := s.pending[addr]; ok && entry.s2c == key {
		s.write(addr, packetDenied, &entry.sendSeq, key, nil)
		return
	}
	s.write(addr, packetDenied, &s.deniedSeq, key, nil)
}

func (s *Server) handlePendingPacket(entry *pendingEntry, p transport.Packet) {
	t, _, body, err := openPacket(p.Data, entry.c2s, s.authority.ProtocolID())
	if err != nil || t != packetResponse {
		// game traffic before establishment is dropped
		return
	}
	var resp challengePacket
	if err := msgpack.Unmarshal(body, &resp); err != nil {
		return
	}
	tok, ok := verifyChallenge(s.challengeKey, resp.Token)
	if !ok || resp.Sequence != entry.challengeSeq || tok.ClientID != entry.clientID || string(resp.Token) != string(entry.challenge) {
		s.reject(p.From, RejectBadChallenge, log.ClientID(entry.clientID))
		return
	}
	if _, taken := s.sessions[entry.clientID]; taken {
		delete(s.pending, entry.addr)
		s.reject(p.From, RejectClientIDInUse, log.ClientID(entry.clientID))
		return
	}
	if len(s.sessions) >= s.config.MaxClients {
		delete(s.pending, entry.addr)
		s.reject(p.From, RejectServerFull, log.ClientID(entry.clientID))
		s.write(entry.addr, packetDenied, &entry.sendSeq, entry.s2c, nil)
		return
	}

	delete(s.pending, entry.addr)
	entry.state = Established
	now := s.clock.Now()
	sess := &session{
		clientID: entry.clientID,
		addr:     entry.addr,
		c2s:      entry.c2s,
		s2c:      entry.s2c,
		timeout:  entry.timeout,
		sendSeq:  entry.sendSeq,
		lastRecv: now,
		userData: entry.userData,
	}
	s.sessions[sess.clientID] = sess
	s.byAddr[sess.addr] = sess
	s.metrics.ConnectedClients.Set(float64(len(s.sessions)))

	s.logger.Info("Client connected", log.ClientID(sess.clientID), log.Addr(sess.addr))
	s.sendKeepAlive(sess)
	s.events = append(s.events, Event{Kind: EventConnected, ClientID: sess.clientID})
}

func (s *Server) handleSessionPacket(sess *session, p transport.Packet) {
	t, seq, body, err := openPacket(p.Data, sess.c2s, s.authority.ProtocolID())
	if err != nil {
		return
	}
	if !sess.replay.accept(seq) {
		return
	}
	sess.lastRecv = s.clock.Now()

	switch t {
	case packetResponse:
		// the keep-alive confirming the connection was lost
		s.sendKeepAlive(sess)
	case packetKeepAlive:
	case packetPayload:
		s.events = append(s.events, Event{Kind: EventPayload, ClientID: sess.clientID, Payload: body})
	case packetDisconnect:
		s.drop(sess, ReasonRequested)
	}
}

func (s *Server) sendKeepAlive(sess *session) {
	body, err := msgpack.Marshal(&keepAlivePacket{ClientID: sess.clientID, MaxClients: s.config.MaxClients})
	if err != nil {
		return
	}
	if s.write(sess.addr, packetKeepAlive, &sess.sendSeq, sess.s2c, body) {
		sess.lastSend = s.clock.Now()
	}
}

func (s *Server) write(addr string, t packetType, seq *uint64, key Key, body []byte) bool {
	data, err := sealPacket(t, *seq, key, s.authority.ProtocolID(), body)
	if err != nil {
		s.logger.Error("Failed to seal packet", log.Error(err))
		return false
	}
	*seq++
	if err := s.conn.WritePacket(addr, data); err != nil {
		if !errors.Is(err, protocol.ErrTransportClosed) {
			s.logger.Debug("Packet write failed", log.Addr(addr), log.String("packet", t.String()), log.Error(err))
		}
		return false
	}
	s.metrics.PacketsSent.Inc()
	return true
}

// Send seals a payload for an established client.
func (s *Server) Send(clientID uint64, payload []byte) error {
	sess, ok := s.sessions[clientID]
	if !ok {
		return protocol.ErrNotConnected
	}
	if !s.write(sess.addr, packetPayload, &sess.sendSeq, sess.s2c, payload) {
		return protocol.WrapError(protocol.ErrConnectionClosed, "send payload")
	}
	sess.lastSend = s.clock.Now()
	return nil
}

// Update sends keep-alives and expires silent peers and stale handshakes.
func (s *Server) Update() {
	now := s.clock.Now()

	for addr, entry := range s.pending {
		if now.Sub(entry.createdAt) > entry.timeout || now.Unix() >= entry.expire {
			delete(s.pending, addr)
			s.reject(addr, RejectHandshakeTimeout, log.ClientID(entry.clientID))
		}
	}

	for _, sess := range s.sessions {
		if now.Sub(sess.lastRecv) > sess.timeout {
			s.logger.Info("Client timed out", log.ClientID(sess.clientID))
			s.drop(sess, ReasonTimedOut)
			continue
		}
		if now.Sub(sess.lastSend) >= s.config.KeepAliveInterval {
			s.sendKeepAlive(sess)
		}
	}
}

// Disconnect tells the client to leave and forgets it.
func (s *Server) Disconnect(clientID uint64) {
	sess, ok := s.sessions[clientID]
	if !ok {
		return
	}
	for i := 0; i < disconnectBurst; i++ {
		s.write(sess.addr, packetDisconnect, &sess.sendSeq, sess.s2c, nil)
	}
	s.drop(sess, ReasonRequested)
}

// DisconnectAll is used at shutdown.
func (s *Server) DisconnectAll() {
	for id := range s.sessions {
		s.Disconnect(id)
	}
}

func (s *Server) drop(sess *session, reason DisconnectReason) {
	delete(s.sessions, sess.clientID)
	delete(s.byAddr, sess.addr)
	s.metrics.ConnectedClients.Set(float64(len(s.sessions)))
	s.logger.Info("Client disconnected", log.ClientID(sess.clientID), log.String("reason", reason.String()))
	s.events = append(s.events, Event{Kind: EventDisconnected, ClientID: sess.clientID, Reason: reason})
}

// Events drains everything that happened since the previous call, in order.
func (s *Server) Events() []Event {
	out := s.events
	s.events = nil
	return out
}

func (s *Server) IsConnected(clientID uint64) bool {
	_, ok := s.sessions[clientID]
	return ok
}

func (s *Server) NumClients() int {
	return len(s.sessions)
}

// UserData returns the opaque bytes the client's token carried.
func (s *Server) UserData(clientID uint64) []byte {
	if sess, ok := s.sessions[clientID]; ok {
		return sess.userData
	}
	return nil
}

// PendingState reports where the handshake from addr stands.
func (s *Server) PendingState(addr string) (PendingState, bool) {
	if _, ok := s.byAddr[addr]; ok {
		return Established, true
	}
	entry, ok := s.pending[addr]
	if !ok {
		return 0, false
	}
	return entry.state, true
}
