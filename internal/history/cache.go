// Package history implements the CacheChange data model and
// the per-writer history cache / per-reader sample cache built from it.
// Eviction bookkeeping uses a container/list-ordered index alongside a
// map, giving KEEP_LAST(N)-per-instance and resource-limit eviction in
// place of plain TTL+LRU.
package history

import (
	"container/list"
	"crypto/md5" //nolint:gosec // MD5 used only as a non-cryptographic key hash per
	"sync"
	"time"

	"github.com/hdds-team/hdds/internal/guid"
	"github.com/hdds-team/hdds/internal/wire"
)

// ChangeKind discriminates what a CacheChange represents.
type ChangeKind int

const (
	Alive ChangeKind = iota
	Disposed
	Unregistered
)

// InstanceKey is the 16-byte hash identifying an instance on a keyed topic.
type InstanceKey [16]byte

// ComputeInstanceKey hashes keyed-field bytes per generator
// contract: MD5 over the keyed fields in CDR order, or the raw bytes
// zero-padded if the key material is already ≤16 bytes.
func ComputeInstanceKey(keyedFieldsCDR []byte) InstanceKey {
	if len(keyedFieldsCDR) <= 16 {
		var out InstanceKey
		copy(out[:], keyedFieldsCDR)
		return out
	}
	return InstanceKey(md5.Sum(keyedFieldsCDR)) //nolint:gosec
}

// CacheChange is the unit of history on a writer or reader.
type CacheChange struct {
	SequenceNumber wire.SequenceNumber
	WriterGUID guid.GUID
	Kind ChangeKind
	Payload []byte
	Instance InstanceKey
	SourceTimestamp time.Time
	InlineQos []wire.Parameter
}

// expired reports whether lifespan has elapsed for this change as of now.
func (c CacheChange) expired(lifespan time.Duration, now time.Time) bool {
	if lifespan <= 0 {
		return false
	}
	return now.After(c.SourceTimestamp.Add(lifespan))
}

type instanceEntry struct {
	change *CacheChange
	elem *list.Element // position in the per-instance eviction order (front = oldest)
}

// WriterCache is a writer's history: all changes since the smallest
// sequence still relevant to any matched reader, indexed both by sequence
// number and by instance for KEEP_LAST eviction.
type WriterCache struct {
	mu sync.Mutex

	keepAll bool
	depth int // KEEP_LAST per-instance depth; ignored if keepAll
	maxSamples int
	maxPerInstance int

	bySeq map[wire.SequenceNumber]*CacheChange
	byInstance map[InstanceKey]*list.List // list of *instanceEntry, oldest-first
	lowestSeq wire.SequenceNumber
	highestSeq wire.SequenceNumber

	// gapStart records the lowest sequence number still committed to
	// history; samples below it have been evicted and must be advertised
	// via GAP to matched readers that have not yet acked them.
	gapStart wire.SequenceNumber
}

// NewWriterCache constructs a history cache under KEEP_LAST(depth) or
// KEEP_ALL (keepAll true) semantics. Under KEEP_LAST a depth <= 0 disables
// eviction; the resource limits apply only under KEEP_ALL.
func NewWriterCache(keepAll bool, depth, maxSamples, maxPerInstance int) *WriterCache {
	return &WriterCache{
		keepAll: keepAll,
		depth: depth,
		maxSamples: maxSamples,
		maxPerInstance: maxPerInstance,
		bySeq: make(map[wire.SequenceNumber]*CacheChange),
		byInstance: make(map[InstanceKey]*list.List),
		gapStart: 1,
	}
}

// ErrResourceExhausted is returned by Insert when KEEP_ALL resource limits
// are hit and the caller (the writer engine) must apply max_blocking_time
// or fail under BEST_EFFORT.
var ErrResourceExhausted = &cacheError{"resource exhausted"}

type cacheError struct{ msg string }

func (e *cacheError) Error() string { return "history: " + e.msg }

// evictedEntry reports a change the cache dropped, so the caller can
// decide whether a GAP needs to be advertised (only if unacked).
type evictedEntry struct {
	Change *CacheChange
}

// Insert adds change to the cache, evicting per KEEP_LAST(N) if configured.
// It returns the evicted change, if any, so the writer can check whether
// any matched reliable reader had not yet acked it.
func (c *WriterCache) Insert(change CacheChange) (*CacheChange, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.keepAll {
		if lst := c.byInstance[change.Instance]; lst != nil && c.depth > 0 && lst.Len() >= c.depth {
			front := lst.Front()
			evicted := front.Value.(*instanceEntry)
			lst.Remove(front)
			delete(c.bySeq, evicted.change.SequenceNumber)
			for c.gapStart <= c.highestSeq {
				if _, ok := c.bySeq[c.gapStart]; ok {
					break
				}
				c.gapStart++
			}
			cp := *evicted.change
			c.insertLocked(change)
			return &cp, nil
		}
	} else if c.maxSamples > 0 && len(c.bySeq) >= c.maxSamples {
		return nil, ErrResourceExhausted
	} else if c.maxPerInstance > 0 {
		if lst := c.byInstance[change.Instance]; lst != nil && lst.Len() >= c.maxPerInstance {
			return nil, ErrResourceExhausted
		}
	}
	c.insertLocked(change)
	return nil, nil
}

func (c *WriterCache) insertLocked(change CacheChange) {
	cp := change
	c.bySeq[change.SequenceNumber] = &cp
	lst := c.byInstance[change.Instance]
	if lst == nil {
		lst = list.New()
		c.byInstance[change.Instance] = lst
	}
	entry := &instanceEntry{change: &cp}
	entry.elem = lst.PushBack(entry)
	if c.lowestSeq == 0 || change.SequenceNumber < c.lowestSeq {
		c.lowestSeq = change.SequenceNumber
	}
	if change.SequenceNumber > c.highestSeq {
		c.highestSeq = change.SequenceNumber
	}
}

// Get retrieves a change by sequence number.
func (c *WriterCache) Get(sn wire.SequenceNumber) (CacheChange, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.bySeq[sn]
	if !ok {
		return CacheChange{}, false
	}
	return *ch, true
}

// Range reports [first_sn, last_sn] for HEARTBEAT emission: first is the
// lowest still-available sequence (gapStart), last is the highest
// published so far.
func (c *WriterCache) Range() (first, last wire.SequenceNumber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gapStart, c.highestSeq
}

// Len reports the number of live (non-evicted) changes held.
func (c *WriterCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bySeq)
}

// readerEntry is one queued sample, tracked simultaneously in the global
// FIFO delivery order and in its instance's eviction order.
type readerEntry struct {
	change *CacheChange
	globalElem *list.Element
	instElem *list.Element
}

// ReaderCache is a reader's sample cache: samples received from matched
// writers, ordered by reception and filtered for delivery per. Like
// WriterCache it bounds itself per-instance under KEEP_LAST(N) and per
// Resource Limits under KEEP_ALL, since an unmatched writer publishing
// faster than the application reads would otherwise grow this queue
// without bound.
type ReaderCache struct {
	mu sync.Mutex

	keepAll bool
	depth int // KEEP_LAST per-instance depth; ignored if keepAll
	maxSamples int
	maxPerInstance int

	samples *list.List // ordered *readerEntry, oldest-first (FIFO delivery order)
	byInstance map[InstanceKey]*list.List // list of *readerEntry, oldest-first per instance
}

// NewReaderCache constructs a reader cache under KEEP_LAST(depth) or
// KEEP_ALL (keepAll true) semantics, with the given Resource Limits applied
// only while keepAll (KEEP_LAST already bounds total size via depth).
func NewReaderCache(keepAll bool, depth, maxSamples, maxPerInstance int) *ReaderCache {
	return &ReaderCache{
		keepAll: keepAll,
		depth: depth,
		maxSamples: maxSamples,
		maxPerInstance: maxPerInstance,
		samples: list.New(),
		byInstance: make(map[InstanceKey]*list.List),
	}
}

// Push appends a newly-accepted sample to the delivery queue, evicting the
// oldest sample of the same instance under KEEP_LAST(N), or rejecting the
// incoming sample under KEEP_ALL once MaxSamples or MaxSamplesPerInstance
// is reached. It reports whether the sample was admitted, so the caller can
// raise SampleRejected on a KEEP_ALL rejection.
func (c *ReaderCache) Push(change CacheChange) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	lst := c.byInstance[change.Instance]
	if !c.keepAll {
		if lst != nil && c.depth > 0 && lst.Len() >= c.depth {
			oldest := lst.Front()
			entry := oldest.Value.(*readerEntry)
			lst.Remove(oldest)
			c.samples.Remove(entry.globalElem)
		}
	} else {
		if c.maxSamples > 0 && c.samples.Len() >= c.maxSamples {
			return false
		}
		if c.maxPerInstance > 0 && lst != nil && lst.Len() >= c.maxPerInstance {
			return false
		}
	}
	c.pushLocked(change)
	return true
}

func (c *ReaderCache) pushLocked(change CacheChange) {
	cp := change
	entry := &readerEntry{change: &cp}
	entry.globalElem = c.samples.PushBack(entry)
	lst := c.byInstance[change.Instance]
	if lst == nil {
		lst = list.New()
		c.byInstance[change.Instance] = lst
	}
	entry.instElem = lst.PushBack(entry)
}

// removeLocked detaches entry from both the global queue and its instance
// index, dropping the instance's list once it empties. Caller holds c.mu.
func (c *ReaderCache) removeLocked(entry *readerEntry) {
	c.samples.Remove(entry.globalElem)
	if lst := c.byInstance[entry.change.Instance]; lst != nil {
		lst.Remove(entry.instElem)
		if lst.Len() == 0 {
			delete(c.byInstance, entry.change.Instance)
		}
	}
}

// TryTake removes and returns the oldest undelivered sample, applying
// lifespan expiry : an expired sample is dropped rather than
// returned, and the next one is considered instead.
func (c *ReaderCache) TryTake(lifespan time.Duration) (CacheChange, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for {
		front := c.samples.Front()
		if front == nil {
			return CacheChange{}, false
		}
		entry := front.Value.(*readerEntry)
		c.removeLocked(entry)
		if entry.change.expired(lifespan, now) {
			continue
		}
		return *entry.change, true
	}
}

// TakeBatch drains up to max samples, in order, applying lifespan expiry.
func (c *ReaderCache) TakeBatch(max int, lifespan time.Duration) []CacheChange {
	out := make([]CacheChange, 0, max)
	for len(out) < max {
		ch, ok := c.TryTake(lifespan)
		if !ok {
			break
		}
		out = append(out, ch)
	}
	return out
}

// Peek returns a snapshot of up to max queued samples, oldest first,
// without removing them or applying lifespan expiry. Used by read-only
// diagnostics that must not disturb application delivery order.
func (c *ReaderCache) Peek(max int) []CacheChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CacheChange, 0, max)
	for e := c.samples.Front(); e != nil && len(out) < max; e = e.Next() {
		out = append(out, *e.Value.(*readerEntry).change)
	}
	return out
}

// Len reports the number of samples currently queued (including any that
// may expire before being taken).
func (c *ReaderCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.samples.Len()
}
