package channel

import (
	"math"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/zeusync/netsync/internal/core/observability/metrics"
	"github.com/zeusync/netsync/internal/core/protocol"
	"github.com/zeusync/netsync/pkg/sequence"
)

const (
	// sentWindow bounds how many packet records are kept for ack matching.
	sentWindow = 1024
	// DefaultMaxFragments caps the size of one reliable message at MaxFragments·MaxFragmentSize.
	DefaultMaxFragments = 1024
)

type Config struct {
	// PacketBudget is the largest datagram the multiplexer may produce.
	PacketBudget    int
	MaxFragmentSize int
	MaxFragments    int
}

// Delivery is one message handed to the application.
type Delivery struct {
	Channel ID
	Payload []byte
}

type outMessage struct {
	channel ID
	id      uint32
	pending int
}

type outFragment struct {
	msg      *outMessage
	frame    frame
	acked    bool
	attempts int
	item     *sequence.PriorityItem[*outFragment]
}

type sendState struct {
	settings Settings
	nextID   uint32
	unacked  map[uint32]*outMessage
	// next sequence per stream for UnreliableSequenced
	streams map[uint64]uint32
}

// Multiplexer runs every channel of one connection over a single unreliable packet stream.
// It is safe for concurrent use.
type Multiplexer struct {
	mu sync.Mutex

	registry *Registry
	cfg      Config
	clock    clock.Clock
	metrics  *metrics.Metrics

	senders   []*sendState
	receivers []receiver

	nextSeq uint32
	acks    ackTracker
	needAck bool
	sent    map[uint32][]*outFragment

	fresh      []*outFragment
	resend     *sequence.PriorityQueue[*outFragment]
	unreliable []frame

	delivered []Delivery
	closed    bool
}

func NewMultiplexer(registry *Registry, cfg Config, clk clock.Clock, m *metrics.Metrics) *Multiplexer {
	if clk == nil {
		clk = clock.New()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	if cfg.MaxFragments <= 0 {
		cfg.MaxFragments = DefaultMaxFragments
	}
	cfg.MaxFragments = min(cfg.MaxFragments, math.MaxUint16)
	if limit := cfg.PacketBudget - headerOverhead - frameOverhead; cfg.MaxFragmentSize <= 0 || cfg.MaxFragmentSize > limit {
		cfg.MaxFragmentSize = limit
	}

	mux := &Multiplexer{
		registry: registry,
		cfg:      cfg,
		clock:    clk,
		metrics:  m,
		nextSeq:  1,
		sent:     make(map[uint32][]*outFragment),
		resend:   sequence.NewPriorityQueue[*outFragment](),
	}

	for i := 0; i < registry.Len(); i++ {
		s, _ := registry.Settings(ID(i))
		mux.senders = append(mux.senders, &sendState{
			settings: s,
			unacked:  make(map[uint32]*outMessage),
			streams:  make(map[uint64]uint32),
		})
		switch s.Kind {
		case ReliableOrdered:
			mux.receivers = append(mux.receivers, newOrderedReceiver(cfg.MaxFragments))
		case ReliableUnordered:
			mux.receivers = append(mux.receivers, newUnorderedReceiver(cfg.MaxFragments))
		case UnreliableSequenced:
			mux.receivers = append(mux.receivers, newSequencedReceiver())
		default:
			mux.receivers = append(mux.receivers, unreliableReceiver{})
		}
	}

	return mux
}

// MaxFragmentSize is the largest payload an unreliable message may carry.
func (m *Multiplexer) MaxFragmentSize() int {
	return m.cfg.MaxFragmentSize
}

// Send queues payload on channel. It is written out by the next Flush.
func (m *Multiplexer) Send(channel ID, payload []byte) error {
	return m.SendStream(channel, 0, payload)
}

// SendStream is Send with an explicit stream. Only UnreliableSequenced channels use the
// stream: ordering is tracked per (channel, stream).
func (m *Multiplexer) SendStream(channel ID, stream uint64, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return protocol.ErrConnectionClosed
	}
	if int(channel) >= len(m.senders) {
		return protocol.NewProtocolError(protocol.ErrorCodeUnknownChannel, "send on unknown channel", protocol.ErrUnknownChannel).
			WithContext("channel", channel)
	}

	s := m.senders[channel]
	data := append([]byte(nil), payload...)

	if !s.settings.Kind.Reliable() {
		if len(data) > m.cfg.MaxFragmentSize {
			return protocol.NewProtocolError(protocol.ErrorCodeMessageTooLarge, "unreliable message exceeds fragment size", protocol.ErrMessageTooLarge).
				WithContext("channel", s.settings.Name).
				WithContext("size", len(data))
		}
		f := frame{Channel: channel, Stream: stream, Payload: data}
		if s.settings.Kind == UnreliableSequenced {
			f.ID = s.streams[stream]
			s.streams[stream]++
		}
		m.unreliable = append(m.unreliable, f)
		return nil
	}

	if s.settings.MaxUnacked > 0 && len(s.unacked) >= s.settings.MaxUnacked {
		m.metrics.ChannelOverflows.Inc()
		return protocol.NewProtocolError(protocol.ErrorCodeChannelOverflow, "too many unacked messages", protocol.ErrChannelOverflow).
			WithContext("channel", s.settings.Name).
			WithContext("unacked", len(s.unacked))
	}

	count := (len(data) + m.cfg.MaxFragmentSize - 1) / m.cfg.MaxFragmentSize
	if count == 0 {
		count = 1
	}
	if count > m.cfg.MaxFragments {
		return protocol.NewProtocolError(protocol.ErrorCodeMessageTooLarge, "message needs too many fragments", protocol.ErrMessageTooLarge).
			WithContext("channel", s.settings.Name).
			WithContext("size", len(data))
	}

	msg := &outMessage{channel: channel, id: s.nextID, pending: count}
	s.nextID++
	s.unacked[msg.id] = msg

	for i := 0; i < count; i++ {
		f := frame{Channel: channel, ID: msg.id}
		if count > 1 {
			lo := i * m.cfg.MaxFragmentSize
			hi := min(lo+m.cfg.MaxFragmentSize, len(data))
			f.Payload = data[lo:hi]
			f.FragIndex = uint16(i)
			f.FragCount = uint16(count)
		} else {
			f.Payload = data
		}
		m.fresh = append(m.fresh, &outFragment{msg: msg, frame: f})
	}
	return nil
}

// Unacked returns how many reliable messages on channel still wait for an ack.
func (m *Multiplexer) Unacked(channel ID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(channel) >= len(m.senders) {
		return 0
	}
	return len(m.senders[channel].unacked)
}

// Flush builds the packets due now: reliable fragments past their resend deadline,
// new messages, then an ack-only packet if the peer is owed one.
func (m *Multiplexer) Flush() ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, protocol.ErrConnectionClosed
	}

	now := m.clock.Now().UnixNano()

	var reliable []*outFragment
	for _, f := range m.resend.PopUntil(now) {
		if f.acked {
			continue
		}
		m.metrics.Retransmissions.Inc()
		reliable = append(reliable, f)
	}
	reliable = append(reliable, m.fresh...)
	m.fresh = nil

	unreliable := m.unreliable
	m.unreliable = nil

	var (
		packets [][]byte
		current = &packet{}
		carried []*outFragment
		size    = headerOverhead
	)

	emit := func() error {
		if len(current.Frames) == 0 && !m.needAck {
			return nil
		}
		current.Seq = m.nextSeq
		if m.nextSeq++; m.nextSeq == 0 {
			m.nextSeq = 1
		}
		current.Ack, current.AckBits = m.acks.latest, m.acks.bits
		data, err := encodePacket(current)
		if err != nil {
			return protocol.NewProtocolError(protocol.ErrorCodeSerializationFailed, "encode packet", err)
		}
		if len(carried) > 0 {
			m.sent[current.Seq] = carried
		}
		delete(m.sent, current.Seq-sentWindow)
		packets = append(packets, data)
		m.needAck = false
		current, carried, size = &packet{}, nil, headerOverhead
		return nil
	}

	add := func(f frame) error {
		if len(current.Frames) > 0 && size+f.size() > m.cfg.PacketBudget {
			if err := emit(); err != nil {
				return err
			}
		}
		current.Frames = append(current.Frames, f)
		size += f.size()
		return nil
	}

	for _, f := range reliable {
		if err := add(f.frame); err != nil {
			return nil, err
		}
		carried = append(carried, f)
		m.schedule(f, now)
	}
	for _, f := range unreliable {
		if err := add(f); err != nil {
			return nil, err
		}
	}
	if err := emit(); err != nil {
		return nil, err
	}

	return packets, nil
}

func (m *Multiplexer) schedule(f *outFragment, now int64) {
	deadline := now + int64(m.senders[f.msg.channel].settings.Backoff(f.attempts))
	f.attempts++
	if f.item.Queued() {
		m.resend.Update(f.item, f, deadline)
		return
	}
	f.item = m.resend.Enqueue(f, deadline)
}

// ReceivePacket processes one datagram from the peer. Delivered messages are returned by Poll.
func (m *Multiplexer) ReceivePacket(data []byte) error {
	p, err := decodePacket(data)
	if err != nil {
		return protocol.NewProtocolError(protocol.ErrorCodeInvalidMessage, "decode packet", protocol.ErrInvalidMessage).
			WithContext("cause", err.Error())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return protocol.ErrConnectionClosed
	}

	for _, seq := range acked(p.Ack, p.AckBits) {
		m.ack(seq)
	}

	if p.Seq == 0 || m.acks.record(p.Seq) {
		return nil
	}

	for i := range p.Frames {
		f := &p.Frames[i]
		if int(f.Channel) >= len(m.receivers) {
			continue
		}
		if m.senders[f.Channel].settings.Kind.Reliable() {
			m.needAck = true
		}
		for _, payload := range m.receivers[f.Channel].receive(f) {
			m.delivered = append(m.delivered, Delivery{Channel: f.Channel, Payload: payload})
		}
	}
	return nil
}

func (m *Multiplexer) ack(seq uint32) {
	frags, ok := m.sent[seq]
	if !ok {
		return
	}
	delete(m.sent, seq)

	for _, f := range frags {
		if f.acked {
			continue
		}
		f.acked = true
		if f.item != nil {
			m.resend.Remove(f.item)
		}
		f.msg.pending--
		if f.msg.pending == 0 {
			delete(m.senders[f.msg.channel].unacked, f.msg.id)
		}
	}
}

// Poll returns and clears the messages delivered since the last call.
func (m *Multiplexer) Poll() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.delivered
	m.delivered = nil
	return out
}

// Close drops all queued state. Further sends fail.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.fresh = nil
	m.unreliable = nil
	m.delivered = nil
	m.sent = make(map[uint32][]*outFragment)
	m.resend = sequence.NewPriorityQueue[*outFragment]()
}
