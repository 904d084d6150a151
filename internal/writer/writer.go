// Package writer implements the DataWriter engine : the
// per-topic history cache, sequence-number assignment, and the reliability
// state machine driving HEARTBEAT/ACKNACK/resend toward every matched
// reader.
//
// The per-matched-reader reliability bookkeeping (highest acked, pending
// resend set, heartbeat counter) lives in a small mutex-guarded map keyed
// by peer identity, checked and updated on every tick. Heartbeat
// scheduling is a time.Ticker-driven loop with a stopCh/doneCh shutdown
// handshake.
package writer

import (
	"errors"
	"fmt"
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

// Errors returned by Write, Dispose, and WaitForAcknowledgments, per the
// enumerated failure kinds of.
var (
	ErrResourceExhausted = history.ErrResourceExhausted
	ErrTimeout = errors.New("writer: timeout")
	ErrNotEnabled = errors.New("writer: not enabled")
)

// Sender is the capability this engine needs from the transport layer
// ("capability trait" design): just enough to address a
// locator, nothing transport-specific.
type Sender interface {
	SendUnicast(msg []byte, dst locator.Locator) error
}

// RTPSOverhead is a conservative estimate of the non-payload bytes (RTPS
// header + DATA_FRAG submessage header) a fragment must leave room for
// within the transport's reported MTU.
const RTPSOverhead = 96

// State is a matched reader's position in the per-reader reliability state
// machine of.
type State int

const (
	StateInitial State = iota
	StateAnnouncing
	StateWaiting
	StateFinal
)

type matchedReader struct {
	mu sync.Mutex
	guid guid.GUID
	locator locator.Locator
	reliable bool
	highestAcked wire.SequenceNumber
	pendingResend map[wire.SequenceNumber]struct{}
	heartbeatCount uint32
	state State
}

// DataWriter is one participant-owned publication endpoint.
type DataWriter struct {
	GUID guid.GUID
	Topic string
	TypeName string
	QoS qos.Policy
	GuidPrefix guid.GuidPrefix
	Vendor guid.VendorId

	cache *history.WriterCache

	seqMu sync.Mutex
	nextSN wire.SequenceNumber

	matchedMu sync.Mutex
	matched map[guid.GUID]*matchedReader

	lastPublishMu sync.Mutex
	lastPublish map[history.InstanceKey]time.Time

	deadlineMissedCount int

	sender Sender
	logger *slog.Logger

	status *condition.StatusCondition

	heartbeatPeriod time.Duration
	enabled bool
	enabledMu sync.RWMutex

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a DataWriter. Callers must call Start to begin heartbeat
// scheduling and Stop to shut it down.
func New(g guid.GUID, prefix guid.GuidPrefix, vendor guid.VendorId, topic, typeName string, policy qos.Policy, sender Sender, logger *slog.Logger) *DataWriter {
	maxSamples, maxPerInstance := policy.MaxSamples, policy.MaxSamplesPerInstance
	cache := history.NewWriterCache(policy.History == qos.KeepAll, policy.HistoryDepth, maxSamples, maxPerInstance)
	return &DataWriter{
		GUID: g,
		Topic: topic,
		TypeName: typeName,
		QoS: policy,
		GuidPrefix: prefix,
		Vendor: vendor,
		cache: cache,
		nextSN: 1,
		matched: make(map[guid.GUID]*matchedReader),
		lastPublish: make(map[history.InstanceKey]time.Time),
		sender: sender,
		logger: logger,
		status: condition.NewStatusCondition(condition.DeadlineMissed | condition.PublicationMatched | condition.LivelinessLost),
		heartbeatPeriod: 100 * time.Millisecond,
		enabled: true,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// StatusCondition exposes the writer's status condition for WaitSet use.
func (w *DataWriter) StatusCondition() *condition.StatusCondition { return w.status }

// HistorySnapshot returns every live change currently held in the writer's
// history cache, oldest sequence number first. Read-only, for diagnostics.
func (w *DataWriter) HistorySnapshot() []history.CacheChange {
	first, last := w.cache.Range()
	out := make([]history.CacheChange, 0, int(last-first)+1)
	for sn := first; sn <= last; sn++ {
		if ch, ok := w.cache.Get(sn); ok {
			out = append(out, ch)
		}
	}
	return out
}

// Start begins the heartbeat/deadline scheduling loop.
//
// Goroutine lifecycle: one goroutine spawned here, exits when Stop closes
// stopCh; Stop blocks on doneCh until it has exited.
func (w *DataWriter) Start() {
	go w.heartbeatLoop()
}

// Stop disables the writer and joins its heartbeat goroutine. In-flight
// Write calls observe ErrNotEnabled once this returns.
func (w *DataWriter) Stop() {
	w.enabledMu.Lock()
	w.enabled = false
	w.enabledMu.Unlock()
	close(w.stopCh)
	<-w.doneCh
}

func (w *DataWriter) isEnabled() bool {
	w.enabledMu.RLock()
	defer w.enabledMu.RUnlock()
	return w.enabled
}

// Write publishes payload as a new ALIVE sample (write
// contract). keyHash identifies the instance for keyed topics; pass a zero
// InstanceKey for unkeyed topics.
func (w *DataWriter) Write(payload []byte, keyHash history.InstanceKey, timestamp time.Time) error {
	return w.publish(payload, keyHash, history.Alive, timestamp)
}

// Dispose publishes a DISPOSED CacheChange for the given instance.
func (w *DataWriter) Dispose(keyHash history.InstanceKey) error {
	return w.publish(nil, keyHash, history.Disposed, time.Now())
}

func (w *DataWriter) publish(payload []byte, keyHash history.InstanceKey, kind history.ChangeKind, timestamp time.Time) error {
	if !w.isEnabled() {
		return ErrNotEnabled
	}
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	sn, err := w.insertWithBlocking(payload, keyHash, kind, timestamp)
	if err != nil {
		return err
	}

	w.lastPublishMu.Lock()
	w.lastPublish[keyHash] = timestamp
	w.lastPublishMu.Unlock()

	w.broadcastChange(sn)
	return nil
}

// insertWithBlocking assigns the next sequence number and inserts into
// history, applying KEEP_ALL resource-limit blocking under RELIABLE
// (step 3): retried at a short interval until either space
// frees or max_blocking_time elapses.
func (w *DataWriter) insertWithBlocking(payload []byte, keyHash history.InstanceKey, kind history.ChangeKind, timestamp time.Time) (wire.SequenceNumber, error) {
	deadline := time.Now().Add(w.QoS.MaxBlockingTime)
	for {
		w.seqMu.Lock()
		sn := w.nextSN
		change := history.CacheChange{
			SequenceNumber: sn,
			WriterGUID: w.GUID,
			Kind: kind,
			Payload: payload,
			Instance: keyHash,
			SourceTimestamp: timestamp,
		}
		evicted, err := w.cache.Insert(change)
		if err == nil {
			w.nextSN++
		}
		w.seqMu.Unlock()

		if err == nil {
			if evicted != nil {
				w.gapEvicted(*evicted)
			}
			return sn, nil
		}
		if !errors.Is(err, history.ErrResourceExhausted) {
			return 0, fmt.Errorf("writer: insert: %w", err)
		}
		if w.QoS.Reliability != qos.Reliable {
			return 0, ErrResourceExhausted
		}
		if time.Now().After(deadline) {
			return 0, ErrTimeout
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// gapEvicted advertises a GAP to every matched reliable reader that had not
// yet acked the evicted sequence number (eviction invariant).
func (w *DataWriter) gapEvicted(evicted history.CacheChange) {
	w.matchedMu.Lock()
	readers := make([]*matchedReader, 0, len(w.matched))
	for _, r := range w.matched {
		readers = append(readers, r)
	}
	w.matchedMu.Unlock()

	for _, r := range readers {
		r.mu.Lock()
		unacked := r.reliable && r.highestAcked < evicted.SequenceNumber
		loc := r.locator
		r.mu.Unlock()
		if !unacked {
			continue
		}
		w.sendGap(loc, evicted.SequenceNumber, evicted.SequenceNumber+1)
	}
}

// broadcastChange sends the newly published change to every matched reader
// immediately, fragmenting if it exceeds the transport MTU; reliability is
// additionally enforced by the heartbeat/ACKNACK loop.
func (w *DataWriter) broadcastChange(sn wire.SequenceNumber) {
	change, ok := w.cache.Get(sn)
	if !ok {
		return // evicted before it could be sent; a GAP already covers it
	}

	w.matchedMu.Lock()
	readers := make([]*matchedReader, 0, len(w.matched))
	for _, r := range w.matched {
		readers = append(readers, r)
	}
	w.matchedMu.Unlock()

	for _, r := range readers {
		r.mu.Lock()
		loc := r.locator
		r.state = StateAnnouncing
		r.mu.Unlock()
		w.sendData(loc, change)
	}
}
