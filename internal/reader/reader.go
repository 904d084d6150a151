// Package reader implements the DataReader engine: per-writer reception
// state, duplicate suppression, GAP/HEARTBEAT handling, DATA_FRAG
// reassembly, and the try_take/take_batch/read_instance/take_instance
// delivery contract, including TimeBasedFilter, Lifespan, and Ownership
// EXCLUSIVE preemption.
//
// Duplicate suppression is a mutex-guarded map keyed by identity, checked
// before doing any work, the same shape used for in-flight request
// coalescing elsewhere. Fragment reassembly follows a small state struct
// that accumulates pieces until complete, then is handed to the same path
// as a non-fragmented sample.
package reader

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hdds-team/hdds/internal/condition"
	"github.com/hdds-team/hdds/internal/guid"
	"github.com/hdds-team/hdds/internal/history"
	"github.com/hdds-team/hdds/internal/locator"
	"github.com/hdds-team/hdds/internal/qos"
	"github.com/hdds-team/hdds/internal/wire"
)

var ErrNotEnabled = errors.New("reader: not enabled")

// Sender is the capability this engine needs from the transport layer to
// send ACKNACK submessages back to a matched writer.
type Sender interface {
	SendUnicast(msg []byte, dst locator.Locator) error
}

type fragState struct {
	dataSize uint32
	fragmentSize uint16
	received map[uint32][]byte
}

func (fs *fragState) complete() bool {
	var total uint32
	for _, frag := range fs.received {
		total += uint32(len(frag))
	}
	return total >= fs.dataSize
}

func (fs *fragState) assemble() []byte {
	numFrags := (fs.dataSize + uint32(fs.fragmentSize) - 1) / uint32(fs.fragmentSize)
	out := make([]byte, 0, fs.dataSize)
	for i := uint32(1); i <= numFrags; i++ {
		out = append(out, fs.received[i]...)
	}
	if uint32(len(out)) > fs.dataSize {
		out = out[:fs.dataSize]
	}
	return out
}

// writerState is the per-matched-writer reception bookkeeping: the
// contiguous watermark, buffered out-of-order samples awaiting the gap
// before them to close, and in-progress fragment reassembly.
type writerState struct {
	mu sync.Mutex

	guid guid.GUID
	locator locator.Locator
	reliable bool
	ownershipStrength int32
	highestContiguousSN wire.SequenceNumber
	outOfOrder map[wire.SequenceNumber]history.CacheChange
	fragAssembly map[wire.SequenceNumber]*fragState
	acknackCounter uint32
	lastHeartbeatCount uint32
}

func newWriterState(g guid.GUID, loc locator.Locator, reliable bool, ownershipStrength int32) *writerState {
	return &writerState{
		guid: g,
		locator: loc,
		reliable: reliable,
		ownershipStrength: ownershipStrength,
		outOfOrder: make(map[wire.SequenceNumber]history.CacheChange),
		fragAssembly: make(map[wire.SequenceNumber]*fragState),
	}
}

type ownerRecord struct {
	writer guid.GUID
	strength int32
}

// DataReader is one participant-owned subscription endpoint.
type DataReader struct {
	GUID guid.GUID
	Topic string
	TypeName string
	QoS qos.Policy
	GuidPrefix guid.GuidPrefix
	Vendor guid.VendorId

	cache *history.ReaderCache

	matchedMu sync.Mutex
	matched map[guid.GUID]*writerState

	ownerMu sync.Mutex
	owner map[history.InstanceKey]ownerRecord

	lastDeliveredMu sync.Mutex
	lastDelivered map[history.InstanceKey]time.Time

	sender Sender
	logger *slog.Logger
	status *condition.StatusCondition

	enabled bool
	enabledMu sync.RWMutex
}

// New constructs a DataReader.
func New(g guid.GUID, prefix guid.GuidPrefix, vendor guid.VendorId, topic, typeName string, policy qos.Policy, sender Sender, logger *slog.Logger) *DataReader {
	return &DataReader{
		GUID: g,
		Topic: topic,
		TypeName: typeName,
		QoS: policy,
		GuidPrefix: prefix,
		Vendor: vendor,
		cache: history.NewReaderCache(policy.History == qos.KeepAll, policy.HistoryDepth, policy.MaxSamples, policy.MaxSamplesPerInstance),
		matched: make(map[guid.GUID]*writerState),
		owner: make(map[history.InstanceKey]ownerRecord),
		lastDelivered: make(map[history.InstanceKey]time.Time),
		sender: sender,
		logger: logger,
		status: condition.NewStatusCondition(condition.DataAvailable | condition.SubscriptionMatched | condition.SampleRejected),
		enabled: true,
	}
}

func (r *DataReader) StatusCondition() *condition.StatusCondition { return r.status }

func (r *DataReader) isEnabled() bool {
	r.enabledMu.RLock()
	defer r.enabledMu.RUnlock()
	return r.enabled
}

// Disable marks the reader as not-enabled; called on participant shutdown.
func (r *DataReader) Disable() {
	r.enabledMu.Lock()
	r.enabled = false
	r.enabledMu.Unlock()
}

// MatchWriter registers a newly-matched writer. QoS compatibility and
// partition matching are already applied by the discovery layer before
// this is called.
func (r *DataReader) MatchWriter(writerGUID guid.GUID, loc locator.Locator, writerQoS qos.Policy) {
	r.matchedMu.Lock()
	defer r.matchedMu.Unlock()
	if _, exists := r.matched[writerGUID]; exists {
		return
	}
	reliable := writerQoS.Reliability == qos.Reliable
	r.matched[writerGUID] = newWriterState(writerGUID, loc, reliable, writerQoS.OwnershipStrength)
	r.status.Trigger(condition.SubscriptionMatched)
}

// UnmatchWriter removes a previously matched writer and evicts its
// buffered samples from the delivery queue.
func (r *DataReader) UnmatchWriter(writerGUID guid.GUID) {
	r.matchedMu.Lock()
	delete(r.matched, writerGUID)
	r.matchedMu.Unlock()
	r.evictSamplesFrom(writerGUID)
	r.status.Trigger(condition.SubscriptionMatched)
}

// MatchedWriterCount reports how many writers are currently matched.
func (r *DataReader) MatchedWriterCount() int {
	r.matchedMu.Lock()
	defer r.matchedMu.Unlock()
	return len(r.matched)
}

func (r *DataReader) evictSamplesFrom(writerGUID guid.GUID) {
	kept := r.cache.TakeBatch(1<<30, 0)
	for _, ch := range kept {
		if ch.WriterGUID != writerGUID {
			r.cache.Push(ch)
		}
	}
}

func (r *DataReader) writer(writerGUID guid.GUID) (*writerState, bool) {
	r.matchedMu.Lock()
	defer r.matchedMu.Unlock()
	ws, ok := r.matched[writerGUID]
	return ws, ok
}

// HandleData processes an accepted DATA submessage from a matched writer:
// duplicate/stale sequence numbers are dropped, otherwise the sample is
// buffered and delivered in strict per-writer sequence order.
func (r *DataReader) HandleData(writerGUID guid.GUID, change history.CacheChange) {
	ws, ok := r.writer(writerGUID)
	if !ok || !r.isEnabled() {
		return
	}
	ws.mu.Lock()
	if change.SequenceNumber <= ws.highestContiguousSN {
		ws.mu.Unlock()
		return // duplicate or already-superseded
	}
	if _, dup := ws.outOfOrder[change.SequenceNumber]; dup {
		ws.mu.Unlock()
		return
	}
	ws.outOfOrder[change.SequenceNumber] = change
	ready := r.drainContiguousLocked(ws)
	ws.mu.Unlock()

	r.deliverAll(ready)
}

// drainContiguousLocked advances highestContiguousSN through any buffered
// samples that are now next in sequence, returning them in delivery order.
// Caller must hold ws.mu.
func (r *DataReader) drainContiguousLocked(ws *writerState) []history.CacheChange {
	var ready []history.CacheChange
	for {
		next := ws.highestContiguousSN + 1
		change, ok := ws.outOfOrder[next]
		if !ok {
			return ready
		}
		delete(ws.outOfOrder, next)
		ws.highestContiguousSN = next
		ready = append(ready, change)
	}
}

// deliverAll applies the per-sample filters (Ownership EXCLUSIVE,
// TimeBasedFilter) and pushes whatever survives onto the delivery queue.
// A push that the cache rejects outright (KEEP_ALL past its Resource
// Limits) raises SampleRejected rather than DataAvailable for that sample.
func (r *DataReader) deliverAll(changes []history.CacheChange) {
	if len(changes) == 0 {
		return
	}
	var delivered, rejected bool
	for _, change := range changes {
		if !r.acceptForOwnership(change) {
			continue
		}
		if !r.acceptForTimeBasedFilter(change) {
			continue
		}
		if r.cache.Push(change) {
			delivered = true
		} else {
			rejected = true
		}
	}
	if delivered {
		r.status.Trigger(condition.DataAvailable)
	}
	if rejected {
		r.status.Trigger(condition.SampleRejected)
	}
}

// acceptForOwnership applies the Ownership EXCLUSIVE rule :
// only the highest-strength writer for an instance is accepted; a
// higher-strength writer arriving mid-stream preempts and the previous
// writer's buffered samples for that instance are dropped. Ties are
// resolved by GUID comparison (decided: the GUID that is NOT Less wins,
// an arbitrary but stable total order — see DESIGN.md).
func (r *DataReader) acceptForOwnership(change history.CacheChange) bool {
	if r.QoS.Ownership != qos.Exclusive {
		return true
	}
	r.ownerMu.Lock()
	defer r.ownerMu.Unlock()

	current, exists := r.owner[change.Instance]
	switch {
	case !exists:
		r.owner[change.Instance] = ownerRecord{writer: change.WriterGUID, strength: r.strengthOf(change.WriterGUID)}
		return true
	case current.writer == change.WriterGUID:
		return true
	}

	incomingStrength := r.strengthOf(change.WriterGUID)
	preempt := incomingStrength > current.strength ||
		(incomingStrength == current.strength && !change.WriterGUID.Less(current.writer))
	if !preempt {
		return false
	}
	r.owner[change.Instance] = ownerRecord{writer: change.WriterGUID, strength: incomingStrength}
	r.dropInstanceSamplesFrom(change.Instance, current.writer)
	return true
}

func (r *DataReader) strengthOf(writerGUID guid.GUID) int32 {
	r.matchedMu.Lock()
	defer r.matchedMu.Unlock()
	if ws, ok := r.matched[writerGUID]; ok {
		return ws.ownershipStrength
	}
	return 0
}

func (r *DataReader) dropInstanceSamplesFrom(inst history.InstanceKey, writerGUID guid.GUID) {
	kept := r.cache.TakeBatch(1<<30, 0)
	for _, ch := range kept {
		if ch.Instance == inst && ch.WriterGUID == writerGUID {
			continue
		}
		r.cache.Push(ch)
	}
}

// acceptForTimeBasedFilter enforces min_separation between delivered
// samples of the same instance: a sample arriving sooner than the
// configured separation after the previously accepted sample for that
// instance is silently dropped.
func (r *DataReader) acceptForTimeBasedFilter(change history.CacheChange) bool {
	if r.QoS.TimeBasedFilterMinSeparation <= 0 {
		return true
	}
	r.lastDeliveredMu.Lock()
	defer r.lastDeliveredMu.Unlock()
	if last, ok := r.lastDelivered[change.Instance]; ok {
		if change.SourceTimestamp.Sub(last) < r.QoS.TimeBasedFilterMinSeparation {
			return false
		}
	}
	r.lastDelivered[change.Instance] = change.SourceTimestamp
	return true
}

// HandleGap processes a GAP submessage: the named sequence range is
// irrevocably irrelevant and is skipped rather than waited for.
func (r *DataReader) HandleGap(writerGUID guid.GUID, gap wire.Gap) {
	ws, ok := r.writer(writerGUID)
	if !ok {
		return
	}
	ws.mu.Lock()
	for sn := gap.GapStart; sn < gap.GapListBase; sn++ {
		delete(ws.outOfOrder, sn)
		if sn == ws.highestContiguousSN+1 {
			ws.highestContiguousSN = sn
		}
	}
	for _, sn := range gap.GapList {
		delete(ws.outOfOrder, sn)
		if sn == ws.highestContiguousSN+1 {
			ws.highestContiguousSN = sn
		}
	}
	ready := r.drainContiguousLocked(ws)
	ws.mu.Unlock()
	r.deliverAll(ready)
}

// HandleDataFrag accumulates one fragment of a DATA_FRAG train; once every
// fragment for a sequence number has arrived, the reassembled payload is
// handed to the same acceptance path as a non-fragmented DATA.
func (r *DataReader) HandleDataFrag(writerGUID guid.GUID, frag wire.DataFrag, instance history.InstanceKey, kind history.ChangeKind, timestamp time.Time) {
	ws, ok := r.writer(writerGUID)
	if !ok {
		return
	}
	ws.mu.Lock()
	fs, exists := ws.fragAssembly[frag.WriterSN]
	if !exists {
		fs = &fragState{dataSize: frag.DataSize, fragmentSize: frag.FragmentSize, received: make(map[uint32][]byte)}
		ws.fragAssembly[frag.WriterSN] = fs
	}
	fs.received[frag.FragmentStartingNum] = frag.Fragment
	complete := fs.complete()
	var payload []byte
	if complete {
		payload = fs.assemble()
		delete(ws.fragAssembly, frag.WriterSN)
	}
	ws.mu.Unlock()

	if !complete {
		return
	}
	r.HandleData(writerGUID, history.CacheChange{
		SequenceNumber: frag.WriterSN,
		WriterGUID: writerGUID,
		Kind: kind,
		Payload: payload,
		Instance: instance,
		SourceTimestamp: timestamp,
	})
}
