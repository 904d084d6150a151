package reader

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
	entity := guid.NewEntityId([3]byte{0, 0, entityKey}, guid.EntityKindUserReaderWithKey)
	return guid.New(prefix, entity)
}

func writerGUID(entityKey byte) guid.GUID {
	prefix := guid.GuidPrefix{0x02, 0xFF}
	entity := guid.NewEntityId([3]byte{0, 0, entityKey}, guid.EntityKindUserWriterWithKey)
	return guid.New(prefix, entity)
}

func newTestReader(policy qos.Policy, sender Sender) *DataReader {
	g := testGUID(1)
	return New(g, g.Prefix, guid.VendorIDHdds, "Topic", "Type", policy, sender, slog.Default())
}

func change(sn wire.SequenceNumber, w guid.GUID, payload string) history.CacheChange {
	return history.CacheChange{
		SequenceNumber:  sn,
		WriterGUID:      w,
		Kind:            history.Alive,
		Payload:         []byte(payload),
		SourceTimestamp: time.Now(),
	}
}

func TestInOrderDeliveryAndTryTake(t *testing.T) {
	r := newTestReader(qos.New(qos.WithKeepAll()), &recordingSender{})
	w := writerGUID(1)
	r.MatchWriter(w, locator.Locator{}, qos.New())

	r.HandleData(w, change(1, w, "a"))
	r.HandleData(w, change(2, w, "b"))

	first, ok := r.TryTake()
	require.True(t, ok)
	assert.Equal(t, "a", string(first.Payload))

	second, ok := r.TryTake()
	require.True(t, ok)
	assert.Equal(t, "b", string(second.Payload))

	_, ok = r.TryTake()
	assert.False(t, ok)
}

func TestOutOfOrderBuffersUntilGapFills(t *testing.T) {
	r := newTestReader(qos.New(qos.WithKeepAll()), &recordingSender{})
	w := writerGUID(2)
	r.MatchWriter(w, locator.Locator{}, qos.New())

	r.HandleData(w, change(2, w, "b"))
	assert.Equal(t, 0, r.Len(), "sn=2 should be buffered, not delivered, until sn=1 arrives")

	r.HandleData(w, change(1, w, "a"))
	assert.Equal(t, 2, r.Len())

	first, _ := r.TryTake()
	assert.Equal(t, "a", string(first.Payload))
	second, _ := r.TryTake()
	assert.Equal(t, "b", string(second.Payload))
}

func TestDuplicateSequenceNumberDropped(t *testing.T) {
	r := newTestReader(qos.New(), &recordingSender{})
	w := writerGUID(3)
	r.MatchWriter(w, locator.Locator{}, qos.New())

	r.HandleData(w, change(1, w, "a"))
	r.HandleData(w, change(1, w, "a-dup"))

	assert.Equal(t, 1, r.Len())
}

func TestGapAdvancesPastMissingRange(t *testing.T) {
	r := newTestReader(qos.New(), &recordingSender{})
	w := writerGUID(4)
	r.MatchWriter(w, locator.Locator{}, qos.New())

	r.HandleData(w, change(3, w, "c"))
	r.HandleGap(w, wire.Gap{GapStart: 1, GapListBase: 3})

	assert.Equal(t, 1, r.Len(), "gap should release the buffered sn=3 sample")
}

func TestHeartbeatSendsAckNackWithMissingBitmap(t *testing.T) {
	sender := &recordingSender{}
	policy := qos.New(qos.WithReliability(qos.Reliable))
	r := newTestReader(policy, sender)
	w := writerGUID(5)
	r.MatchWriter(w, locator.Locator{Kind: locator.KindUDPv4, Port: 8001}, qos.New(qos.WithReliability(qos.Reliable)))

	r.HandleData(w, change(1, w, "a"))
	r.HandleHeartbeat(w, wire.Heartbeat{FirstSN: 1, LastSN: 3, Count: 1})

	subs := sender.submessages(t)
	require.Len(t, subs, 1)
	assert.Equal(t, wire.KindAckNack, subs[0].Kind)

	ack, err := wire.ParseAckNack(subs[0].Body)
	require.NoError(t, err)
	assert.Contains(t, ack.Missing, wire.SequenceNumber(2))
	assert.Contains(t, ack.Missing, wire.SequenceNumber(3))
}

func TestHeartbeatFinalWhenNothingMissing(t *testing.T) {
	sender := &recordingSender{}
	policy := qos.New(qos.WithReliability(qos.Reliable))
	r := newTestReader(policy, sender)
	w := writerGUID(6)
	r.MatchWriter(w, locator.Locator{Kind: locator.KindUDPv4, Port: 8002}, qos.New(qos.WithReliability(qos.Reliable)))

	r.HandleData(w, change(1, w, "a"))
	r.HandleHeartbeat(w, wire.Heartbeat{FirstSN: 1, LastSN: 1, Count: 1})

	subs := sender.submessages(t)
	require.Len(t, subs, 1)
	assert.NotZero(t, subs[0].Flags&wire.AckNackFlagFinal)
}

func TestDataFragReassembly(t *testing.T) {
	r := newTestReader(qos.New(), &recordingSender{})
	w := writerGUID(7)
	r.MatchWriter(w, locator.Locator{}, qos.New())

	full := []byte("hello world this is fragmented")
	chunkSize := 10
	var frags [][]byte
	for i := 0; i < len(full); i += chunkSize {
		end := i + chunkSize
		if end > len(full) {
			end = len(full)
		}
		frags = append(frags, full[i:end])
	}

	for i, chunk := range frags {
		df := wire.DataFrag{
			WriterSN:            1,
			FragmentStartingNum: uint32(i + 1),
			FragmentSize:        uint16(chunkSize),
			DataSize:            uint32(len(full)),
			Fragment:            chunk,
		}
		r.HandleDataFrag(w, df, history.InstanceKey{}, history.Alive, time.Now())
	}

	sample, ok := r.TryTake()
	require.True(t, ok)
	assert.Equal(t, full, sample.Payload)
}

func TestOwnershipExclusivePreemption(t *testing.T) {
	policy := qos.New(qos.WithOwnership(qos.Exclusive, 0))
	r := newTestReader(policy, &recordingSender{})

	weak := writerGUID(8)
	strong := writerGUID(9)
	r.MatchWriter(weak, locator.Locator{}, qos.New(qos.WithOwnership(qos.Exclusive, 1)))
	r.MatchWriter(strong, locator.Locator{}, qos.New(qos.WithOwnership(qos.Exclusive, 10)))

	inst := history.InstanceKey{0x01}
	weakChange := change(1, weak, "weak")
	weakChange.Instance = inst
	r.HandleData(weak, weakChange)

	strongChange := change(1, strong, "strong")
	strongChange.Instance = inst
	r.HandleData(strong, strongChange)

	samples := r.TakeInstance(inst)
	require.Len(t, samples, 1)
	assert.Equal(t, "strong", string(samples[0].Payload))
}

func TestOwnershipExclusiveRejectsLowerStrength(t *testing.T) {
	policy := qos.New(qos.WithOwnership(qos.Exclusive, 0))
	r := newTestReader(policy, &recordingSender{})

	strong := writerGUID(10)
	weak := writerGUID(11)
	r.MatchWriter(strong, locator.Locator{}, qos.New(qos.WithOwnership(qos.Exclusive, 10)))
	r.MatchWriter(weak, locator.Locator{}, qos.New(qos.WithOwnership(qos.Exclusive, 1)))

	inst := history.InstanceKey{0x02}
	strongChange := change(1, strong, "strong")
	strongChange.Instance = inst
	r.HandleData(strong, strongChange)

	weakChange := change(1, weak, "weak")
	weakChange.Instance = inst
	r.HandleData(weak, weakChange)

	samples := r.TakeInstance(inst)
	require.Len(t, samples, 1)
	assert.Equal(t, "strong", string(samples[0].Payload))
}

func TestTimeBasedFilterDropsTooSoonSample(t *testing.T) {
	policy := qos.New(qos.WithTimeBasedFilter(time.Hour))
	r := newTestReader(policy, &recordingSender{})
	w := writerGUID(12)
	r.MatchWriter(w, locator.Locator{}, qos.New())

	inst := history.InstanceKey{0x03}
	first := change(1, w, "first")
	first.Instance = inst
	r.HandleData(w, first)

	second := change(2, w, "second")
	second.Instance = inst
	r.HandleData(w, second)

	samples := r.TakeInstance(inst)
	require.Len(t, samples, 1)
	assert.Equal(t, "first", string(samples[0].Payload))
}

func TestUnmatchWriterEvictsItsSamples(t *testing.T) {
	r := newTestReader(qos.New(), &recordingSender{})
	w := writerGUID(13)
	r.MatchWriter(w, locator.Locator{}, qos.New())

	r.HandleData(w, change(1, w, "a"))
	require.Equal(t, 1, r.Len())

	r.UnmatchWriter(w)
	assert.Equal(t, 0, r.Len())
}
