package channel

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/netsync/internal/core/config"
	"github.com/zeusync/netsync/internal/core/observability/metrics"
	"github.com/zeusync/netsync/internal/core/protocol"
)

const testBudget = 1175

type pair struct {
	clock   *clock.Mock
	a, b    *Multiplexer
	metrics *metrics.Metrics
}

func newPair(t *testing.T, cfg config.ChannelConfig) *pair {
	t.Helper()
	clk := clock.NewMock()
	m := metrics.NewNop()
	reg := DefaultRegistry(cfg)
	muxCfg := Config{PacketBudget: testBudget, MaxFragmentSize: cfg.MaxFragmentSize}
	return &pair{
		clock:   clk,
		a:       NewMultiplexer(reg, muxCfg, clk, m),
		b:       NewMultiplexer(reg, muxCfg, clk, metrics.NewNop()),
		metrics: m,
	}
}

func defaultChannels() config.ChannelConfig {
	return config.Default().Channels
}

func flush(t *testing.T, m *Multiplexer) [][]byte {
	t.Helper()
	packets, err := m.Flush()
	require.NoError(t, err)
	for _, p := range packets {
		require.LessOrEqual(t, len(p), testBudget)
	}
	return packets
}

func deliver(t *testing.T, to *Multiplexer, packets [][]byte) {
	t.Helper()
	for _, p := range packets {
		require.NoError(t, to.ReceivePacket(p))
	}
}

func payloads(ds []Delivery) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, string(d.Payload))
	}
	return out
}

func TestBackoff(t *testing.T) {
	s := Settings{ResendBase: 100 * time.Millisecond, ResendMax: 300 * time.Millisecond, ResendFactor: 2}
	assert.Equal(t, 100*time.Millisecond, s.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, s.Backoff(1))
	assert.Equal(t, 300*time.Millisecond, s.Backoff(2))
	assert.Equal(t, 300*time.Millisecond, s.Backoff(10))
}

func TestAckTracker(t *testing.T) {
	var a ackTracker
	assert.False(t, a.record(1))
	assert.False(t, a.record(3))
	assert.True(t, a.record(3))
	assert.False(t, a.record(2))
	assert.True(t, a.record(2))

	assert.ElementsMatch(t, []uint32{3, 2, 1}, acked(a.latest, a.bits))

	assert.False(t, a.record(100))
	assert.True(t, a.record(3), "too old to track")
	assert.Equal(t, []uint32{100}, acked(a.latest, a.bits))
	assert.Nil(t, acked(0, 0xffffffff))
}

func TestAckTrackerAcrossWrap(t *testing.T) {
	var a ackTracker
	assert.False(t, a.record(math.MaxUint32-1))
	assert.False(t, a.record(math.MaxUint32))
	assert.False(t, a.record(1))
	assert.True(t, a.record(math.MaxUint32), "older sequence before the wrap was seen")
	assert.False(t, a.record(2))

	assert.ElementsMatch(t, []uint32{2, 1, math.MaxUint32, math.MaxUint32 - 1}, acked(a.latest, a.bits))
}

func TestReliableOrderedAcrossWrap(t *testing.T) {
	p := newPair(t, defaultChannels())
	p.a.nextSeq = math.MaxUint32 - 1
	p.a.senders[EntityActions].nextID = math.MaxUint32 - 1
	p.b.receivers[EntityActions].(*orderedReceiver).next = math.MaxUint32 - 1

	var packets [][]byte
	for _, msg := range []string{"one", "two", "three", "four"} {
		require.NoError(t, p.a.Send(EntityActions, []byte(msg)))
		packets = append(packets, flush(t, p.a)...)
	}
	require.Len(t, packets, 4)

	deliver(t, p.b, [][]byte{packets[2], packets[0], packets[3]})
	assert.Equal(t, []string{"one"}, payloads(p.b.Poll()))
	deliver(t, p.b, [][]byte{packets[1]})
	assert.Equal(t, []string{"two", "three", "four"}, payloads(p.b.Poll()))

	deliver(t, p.a, flush(t, p.b))
	assert.Zero(t, p.a.Unacked(EntityActions), "acks cover sequences on both sides of the wrap")
}

func TestSequencedAcrossWrap(t *testing.T) {
	p := newPair(t, defaultChannels())
	p.a.senders[EntityUpdates].streams[1] = math.MaxUint32

	require.NoError(t, p.a.SendStream(EntityUpdates, 1, []byte("old")))
	older := flush(t, p.a)
	require.NoError(t, p.a.SendStream(EntityUpdates, 1, []byte("new")))
	newer := flush(t, p.a)

	deliver(t, p.b, newer)
	deliver(t, p.b, older)
	assert.Equal(t, []string{"new"}, payloads(p.b.Poll()))
}

func TestReliableOrderedReordering(t *testing.T) {
	p := newPair(t, defaultChannels())

	var packets [][]byte
	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, p.a.Send(EntityActions, []byte(msg)))
		packets = append(packets, flush(t, p.a)...)
	}
	require.Len(t, packets, 3)

	deliver(t, p.b, [][]byte{packets[2]})
	assert.Empty(t, p.b.Poll(), "held until the gap is filled")
	deliver(t, p.b, [][]byte{packets[0]})
	assert.Equal(t, []string{"one"}, payloads(p.b.Poll()))
	deliver(t, p.b, [][]byte{packets[1]})
	assert.Equal(t, []string{"two", "three"}, payloads(p.b.Poll()))
}

func TestReliableUnorderedDeliversOnArrival(t *testing.T) {
	p := newPair(t, defaultChannels())

	var packets [][]byte
	for _, msg := range []string{"a", "b"} {
		require.NoError(t, p.a.Send(Messages, []byte(msg)))
		packets = append(packets, flush(t, p.a)...)
	}

	deliver(t, p.b, [][]byte{packets[1], packets[0], packets[1]})
	assert.Equal(t, []string{"b", "a"}, payloads(p.b.Poll()))
}

func TestDuplicatePacketIgnored(t *testing.T) {
	p := newPair(t, defaultChannels())

	require.NoError(t, p.a.Send(Ping, []byte("x")))
	packets := flush(t, p.a)
	deliver(t, p.b, packets)
	deliver(t, p.b, packets)
	assert.Len(t, p.b.Poll(), 1)
}

func TestResendAfterLoss(t *testing.T) {
	p := newPair(t, defaultChannels())

	require.NoError(t, p.a.Send(EntityActions, []byte("spawn")))
	lost := flush(t, p.a)
	require.Len(t, lost, 1)

	p.clock.Add(50 * time.Millisecond)
	assert.Empty(t, flush(t, p.a), "not due yet")

	p.clock.Add(50 * time.Millisecond)
	resent := flush(t, p.a)
	require.Len(t, resent, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(p.metrics.Retransmissions))

	deliver(t, p.b, resent)
	assert.Equal(t, []string{"spawn"}, payloads(p.b.Poll()))

	// second resend waits twice as long
	p.clock.Add(100 * time.Millisecond)
	assert.Empty(t, flush(t, p.a))
	p.clock.Add(100 * time.Millisecond)
	assert.Len(t, flush(t, p.a), 1)
}

func TestAckStopsResend(t *testing.T) {
	p := newPair(t, defaultChannels())

	require.NoError(t, p.a.Send(EntityActions, []byte("spawn")))
	deliver(t, p.b, flush(t, p.a))
	assert.Equal(t, 1, p.a.Unacked(EntityActions))

	acks := flush(t, p.b)
	require.Len(t, acks, 1, "ack-only packet")
	deliver(t, p.a, acks)
	assert.Equal(t, 0, p.a.Unacked(EntityActions))

	p.clock.Add(time.Second)
	assert.Empty(t, flush(t, p.a))
	assert.Empty(t, flush(t, p.b), "ack already sent")
}

func TestAckOnlyForReliableTraffic(t *testing.T) {
	p := newPair(t, defaultChannels())

	require.NoError(t, p.a.Send(EntityUpdates, []byte("u")))
	deliver(t, p.b, flush(t, p.a))
	assert.Empty(t, flush(t, p.b))
}

func TestFragmentation(t *testing.T) {
	p := newPair(t, defaultChannels())

	big := bytes.Repeat([]byte("0123456789"), 500)
	require.NoError(t, p.a.Send(EntityActions, big))
	packets := flush(t, p.a)
	assert.Greater(t, len(packets), 1)

	// lose one fragment; the rest wait for it
	deliver(t, p.b, packets[1:])
	assert.Empty(t, p.b.Poll())
	deliver(t, p.b, packets[:1])

	got := p.b.Poll()
	require.Len(t, got, 1)
	assert.Equal(t, big, got[0].Payload)
}

func TestUnreliableTooLarge(t *testing.T) {
	p := newPair(t, defaultChannels())

	err := p.a.Send(EntityUpdates, make([]byte, p.a.MaxFragmentSize()+1))
	require.ErrorIs(t, err, protocol.ErrMessageTooLarge)
	assert.Equal(t, protocol.ErrorCodeMessageTooLarge, protocol.GetErrorCode(err))
}

func TestSequencedPerStream(t *testing.T) {
	p := newPair(t, defaultChannels())

	var s1, s2 [][]byte
	for _, msg := range []string{"1a", "1b", "1c"} {
		require.NoError(t, p.a.SendStream(EntityUpdates, 1, []byte(msg)))
		s1 = append(s1, flush(t, p.a)...)
	}
	require.NoError(t, p.a.SendStream(EntityUpdates, 2, []byte("2a")))
	s2 = flush(t, p.a)

	deliver(t, p.b, [][]byte{s1[2], s1[0], s1[1]})
	deliver(t, p.b, s2)
	assert.Equal(t, []string{"1c", "2a"}, payloads(p.b.Poll()))
}

func TestChannelOverflow(t *testing.T) {
	cfg := defaultChannels()
	cfg.MaxUnacked = 2
	p := newPair(t, cfg)

	require.NoError(t, p.a.Send(EntityActions, []byte("1")))
	require.NoError(t, p.a.Send(EntityActions, []byte("2")))
	err := p.a.Send(EntityActions, []byte("3"))
	require.ErrorIs(t, err, protocol.ErrChannelOverflow)

	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.IsTemporary())
	assert.Equal(t, float64(1), testutil.ToFloat64(p.metrics.ChannelOverflows))

	// acks free the window
	deliver(t, p.b, flush(t, p.a))
	deliver(t, p.a, flush(t, p.b))
	require.NoError(t, p.a.Send(EntityActions, []byte("3")))
}

func TestUnknownChannel(t *testing.T) {
	p := newPair(t, defaultChannels())
	err := p.a.Send(ID(200), []byte("x"))
	require.ErrorIs(t, err, protocol.ErrUnknownChannel)
}

func TestManySmallMessagesShareAPacket(t *testing.T) {
	p := newPair(t, defaultChannels())
	for i := 0; i < 10; i++ {
		require.NoError(t, p.a.Send(Messages, []byte{byte(i)}))
	}
	assert.Len(t, flush(t, p.a), 1)
}

func TestClose(t *testing.T) {
	p := newPair(t, defaultChannels())
	require.NoError(t, p.a.Send(Messages, []byte("x")))
	p.a.Close()

	require.ErrorIs(t, p.a.Send(Messages, []byte("y")), protocol.ErrConnectionClosed)
	_, err := p.a.Flush()
	require.ErrorIs(t, err, protocol.ErrConnectionClosed)
}

func TestInvalidPacket(t *testing.T) {
	p := newPair(t, defaultChannels())
	err := p.b.ReceivePacket([]byte{0xc1})
	require.ErrorIs(t, err, protocol.ErrInvalidMessage)
}

func TestMaxFragmentsFitsTheWireCounter(t *testing.T) {
	m := NewMultiplexer(DefaultRegistry(defaultChannels()), Config{PacketBudget: testBudget, MaxFragments: 1 << 20}, clock.NewMock(), nil)
	assert.Equal(t, math.MaxUint16, m.cfg.MaxFragments)
}
