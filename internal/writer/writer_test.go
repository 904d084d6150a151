package writer

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hdds-team/hdds/internal/guid"
	"github.com/hdds-team/hdds/internal/history"
	"github.com/hdds-team/hdds/internal/locator"
	"github.com/hdds-team/hdds/internal/qos"
	"github.com/hdds-team/hdds/internal/wire"
)

// recordingSender captures every message sent to it, in order, together
// with its destination, so tests can assert on what the writer broadcast
// without a real socket.
type recordingSender struct {
	mu   sync.Mutex
	sent []sentMsg
}

type sentMsg struct {
	dst locator.Locator
	msg []byte
}

func (s *recordingSender) SendUnicast(msg []byte, dst locator.Locator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMsg{dst: dst, msg: append([]byte(nil), msg...)})
	return nil
}

func (s *recordingSender) submessages(t *testing.T) []wire.Raw {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []wire.Raw
	for _, m := range s.sent {
		_, subs, err := wire.DecodeMessage(m.msg)
		require.NoError(t, err)
		all = append(all, subs...)
	}
	return all
}

func testGUID(entityKey byte) guid.GUID {
	prefix := guid.GuidPrefix{0x01, 0xFF}
	entity := guid.NewEntityId([3]byte{0, 0, entityKey}, guid.EntityKindUserWriterWithKey)
	return guid.New(prefix, entity)
}

func newTestWriter(policy qos.Policy, sender Sender) *DataWriter {
	g := testGUID(1)
	return New(g, g.Prefix, guid.VendorIDHdds, "Topic", "Type", policy, sender, slog.Default())
}

func TestWriteAssignsMonotonicSequenceNumbers(t *testing.T) {
	sender := &recordingSender{}
	w := newTestWriter(qos.New(qos.WithKeepAll()), sender)

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Write([]byte("payload"), history.InstanceKey{}, time.Now()))
	}

	first, last := w.cache.Range()
	assert.Equal(t, wire.SequenceNumber(1), first)
	assert.Equal(t, wire.SequenceNumber(5), last)
}

func TestWriteBroadcastsDataToMatchedReaders(t *testing.T) {
	sender := &recordingSender{}
	w := newTestWriter(qos.New(), sender)

	readerGUID := testGUID(2)
	loc := locator.Locator{Kind: locator.KindUDPv4, Port: 7001}
	require.True(t, w.MatchReader(readerGUID, loc, qos.New()))

	require.NoError(t, w.Write([]byte("hello"), history.InstanceKey{}, time.Now()))

	subs := sender.submessages(t)
	require.NotEmpty(t, subs)
	assert.Equal(t, wire.KindData, subs[0].Kind)
}

func TestKeepLastEvictionAdvertisesGap(t *testing.T) {
	sender := &recordingSender{}
	policy := qos.New(qos.WithKeepLast(2), qos.WithReliability(qos.Reliable))
	w := newTestWriter(policy, sender)

	readerGUID := testGUID(3)
	loc := locator.Locator{Kind: locator.KindUDPv4, Port: 7002}
	require.True(t, w.MatchReader(readerGUID, loc, qos.New(qos.WithReliability(qos.Reliable))))

	inst := history.InstanceKey{0x01}
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Write([]byte("v"), inst, time.Now()))
	}

	assert.Equal(t, 1, w.cache.Len())

	subs := sender.submessages(t)
	var sawGap bool
	for _, s := range subs {
		if s.Kind == wire.KindGap {
			sawGap = true
		}
	}
	assert.True(t, sawGap, "expected a GAP for the evicted, unacked first sample")
}

func TestHandleAckNackAdvancesHighestAcked(t *testing.T) {
	sender := &recordingSender{}
	policy := qos.New(qos.WithReliability(qos.Reliable))
	w := newTestWriter(policy, sender)

	readerGUID := testGUID(4)
	loc := locator.Locator{Kind: locator.KindUDPv4, Port: 7003}
	require.True(t, w.MatchReader(readerGUID, loc, qos.New(qos.WithReliability(qos.Reliable))))

	require.NoError(t, w.Write([]byte("a"), history.InstanceKey{}, time.Now()))
	require.NoError(t, w.Write([]byte("b"), history.InstanceKey{}, time.Now()))

	w.HandleAckNack(readerGUID, wire.AckNack{BaseSN: 3, Count: 1})

	assert.NoError(t, w.WaitForAcknowledgments(time.Second))
}

func TestHandleAckNackResendsMissing(t *testing.T) {
	sender := &recordingSender{}
	policy := qos.New(qos.WithReliability(qos.Reliable))
	w := newTestWriter(policy, sender)

	readerGUID := testGUID(5)
	loc := locator.Locator{Kind: locator.KindUDPv4, Port: 7004}
	require.True(t, w.MatchReader(readerGUID, loc, qos.New(qos.WithReliability(qos.Reliable))))

	require.NoError(t, w.Write([]byte("a"), history.InstanceKey{}, time.Now()))
	require.NoError(t, w.Write([]byte("b"), history.InstanceKey{}, time.Now()))

	before := len(sender.submessages(t))
	w.HandleAckNack(readerGUID, wire.AckNack{BaseSN: 1, Missing: []wire.SequenceNumber{1}, Count: 1})
	after := sender.submessages(t)

	assert.Greater(t, len(after), before, "missing sequence number should trigger an immediate resend")
}

func TestHandleNackFragResendsRequestedFragments(t *testing.T) {
	sender := &recordingSender{}
	policy := qos.New(qos.WithReliability(qos.Reliable))
	w := newTestWriter(policy, sender)

	readerGUID := testGUID(7)
	loc := locator.Locator{Kind: locator.KindUDPv4, Port: 7006}
	require.True(t, w.MatchReader(readerGUID, loc, qos.New(qos.WithReliability(qos.Reliable))))

	payload := make([]byte, FragmentSize*3)
	require.NoError(t, w.Write(payload, history.InstanceKey{}, time.Now()))

	before := len(sender.submessages(t))
	w.HandleNackFrag(readerGUID, wire.NackFrag{WriterSN: 1, MissingFrags: []uint32{2}, Count: 1})
	after := sender.submessages(t)
	require.Greater(t, len(after), before)

	var resent wire.DataFrag
	found := false
	for _, sub := range after[before:] {
		if sub.Kind != wire.KindDataFrag {
			continue
		}
		df, err := wire.ParseDataFrag(sub.Body, sub.Flags, nil)
		require.NoError(t, err)
		if df.FragmentStartingNum == 2 {
			resent = df
			found = true
		}
	}
	require.True(t, found, "expected a resend of fragment 2")
	assert.EqualValues(t, 1, resent.WriterSN)
}

func TestHandleNackFragOnEvictedChangeSendsGap(t *testing.T) {
	sender := &recordingSender{}
	policy := qos.New(qos.WithReliability(qos.Reliable))
	w := newTestWriter(policy, sender)

	readerGUID := testGUID(8)
	loc := locator.Locator{Kind: locator.KindUDPv4, Port: 7007}
	require.True(t, w.MatchReader(readerGUID, loc, qos.New(qos.WithReliability(qos.Reliable))))

	w.HandleNackFrag(readerGUID, wire.NackFrag{WriterSN: 99, MissingFrags: []uint32{1}, Count: 1})

	subs := sender.submessages(t)
	require.Len(t, subs, 1)
	assert.Equal(t, wire.KindGap, subs[0].Kind)
}

func TestUnmatchReaderStopsDelivery(t *testing.T) {
	sender := &recordingSender{}
	w := newTestWriter(qos.New(), sender)

	readerGUID := testGUID(6)
	loc := locator.Locator{Kind: locator.KindUDPv4, Port: 7005}
	require.True(t, w.MatchReader(readerGUID, loc, qos.New()))
	w.UnmatchReader(readerGUID)

	assert.Equal(t, 0, w.MatchedReaderCount())
}

func TestBestEffortResourceExhaustionFailsImmediately(t *testing.T) {
	sender := &recordingSender{}
	policy := qos.New(qos.WithKeepAll())
	policy.MaxSamples = 1
	w := newTestWriter(policy, sender)

	require.NoError(t, w.Write([]byte("a"), history.InstanceKey{0x01}, time.Now()))
	err := w.Write([]byte("b"), history.InstanceKey{0x02}, time.Now())
	assert.ErrorIs(t, err, ErrResourceExhausted)
}

func TestWriteAfterStopFails(t *testing.T) {
	sender := &recordingSender{}
	w := newTestWriter(qos.New(), sender)
	w.Start()
	w.Stop()

	err := w.Write([]byte("a"), history.InstanceKey{}, time.Now())
	assert.ErrorIs(t, err, ErrNotEnabled)
}

func TestLateJoinerTransientLocalReplay(t *testing.T) {
	sender := &recordingSender{}
	policy := qos.New(qos.WithDurability(qos.TransientLocal), qos.WithKeepAll())
	w := newTestWriter(policy, sender)

	require.NoError(t, w.Write([]byte("a"), history.InstanceKey{}, time.Now()))
	require.NoError(t, w.Write([]byte("b"), history.InstanceKey{}, time.Now()))

	readerGUID := testGUID(7)
	loc := locator.Locator{Kind: locator.KindUDPv4, Port: 7006}
	require.True(t, w.MatchReader(readerGUID, loc, qos.New(qos.WithDurability(qos.TransientLocal))))

	subs := sender.submessages(t)
	var dataCount int
	for _, s := range subs {
		if s.Kind == wire.KindData {
			dataCount++
		}
	}
	assert.GreaterOrEqual(t, dataCount, 2, "late joiner should receive replayed history")
}
