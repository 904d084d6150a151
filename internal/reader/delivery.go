package reader

import (
	"github.com/hdds-team/hdds/internal/guid"
	"github.com/hdds-team/hdds/internal/history"
	"github.com/hdds-team/hdds/internal/locator"
	"github.com/hdds-team/hdds/internal/wire"
)

// TryTake removes and returns the oldest undelivered sample, applying
// Lifespan expiry.
func (r *DataReader) TryTake() (history.CacheChange, bool) {
	return r.cache.TryTake(r.QoS.Lifespan)
}

// TakeBatch drains up to max samples in delivery order.
func (r *DataReader) TakeBatch(max int) []history.CacheChange {
	return r.cache.TakeBatch(max, r.QoS.Lifespan)
}

// SamplesSnapshot returns, without removing them, up to max queued samples
// in delivery order. Read-only, for diagnostics.
func (r *DataReader) SamplesSnapshot(max int) []history.CacheChange {
	return r.cache.Peek(max)
}

// ReadInstance returns, without removing, the queued samples matching key,
// in delivery order.
func (r *DataReader) ReadInstance(key history.InstanceKey) []history.CacheChange {
	return r.filterByInstance(key, false)
}

// TakeInstance removes and returns the queued samples matching key, in
// delivery order.
func (r *DataReader) TakeInstance(key history.InstanceKey) []history.CacheChange {
	return r.filterByInstance(key, true)
}

// filterByInstance drains the whole queue, collects the samples matching
// key, and pushes the non-matching (and, for read, the matching) samples
// back in their original order.
func (r *DataReader) filterByInstance(key history.InstanceKey, remove bool) []history.CacheChange {
	all := r.cache.TakeBatch(1<<30, 0)
	var matched []history.CacheChange
	for _, ch := range all {
		if ch.Instance == key {
			matched = append(matched, ch)
			if remove {
				continue
			}
		}
		r.cache.Push(ch)
	}
	return matched
}

// Len reports the number of samples currently queued for delivery.
func (r *DataReader) Len() int { return r.cache.Len() }

// HandleHeartbeat applies an incoming HEARTBEAT: when its count advances,
// missing sequence numbers in [highest_contiguous + 1, last] are
// recomputed and, for a reliable writer, an ACKNACK is sent immediately —
// with the missing bitmap if anything is missing, otherwise an empty,
// Final-flagged ACKNACK to let the writer retire the sample. A best-effort
// writer gets no ACKNACK.
func (r *DataReader) HandleHeartbeat(writerGUID guid.GUID, hb wire.Heartbeat) {
	ws, ok := r.writer(writerGUID)
	if !ok {
		return
	}

	ws.mu.Lock()
	if hb.Count <= ws.lastHeartbeatCount {
		ws.mu.Unlock()
		return
	}
	ws.lastHeartbeatCount = hb.Count
	ws.acknackCounter++

	var missing []wire.SequenceNumber
	for sn := ws.highestContiguousSN + 1; sn <= hb.LastSN; sn++ {
		if _, have := ws.outOfOrder[sn]; !have {
			missing = append(missing, sn)
		}
	}
	base := ws.highestContiguousSN + 1
	acknackCount := ws.acknackCounter
	dst := ws.locator
	reliable := ws.reliable
	ws.mu.Unlock()

	if !reliable {
		return
	}

	ack := wire.AckNack{
		ReaderID: r.GUID.Entity,
		WriterID: writerGUID.Entity,
		BaseSN: base,
		Missing: missing,
		Count: acknackCount,
	}
	flags, body := wire.MarshalAckNack(ack, len(missing) == 0)
	r.send(dst, wire.KindAckNack, flags, body)
}

// send frames one submessage behind an RTPS header and hands it to the
// transport. Send errors are logged rather than propagated, matching the
// writer engine's send path: a dropped ACKNACK is recovered by the next
// heartbeat, not surfaced as an API error.
func (r *DataReader) send(dst locator.Locator, kind wire.Kind, flags wire.Flags, body []byte) {
	h := wire.Header{
		Version: wire.ProtocolVersion23,
		Vendor: r.Vendor,
		GuidPrefix: r.GuidPrefix,
	}
	msg := wire.EncodeMessage(h, []wire.Raw{{Kind: kind, Flags: flags, Body: body}})
	if r.sender == nil {
		return
	}
	if err := r.sender.SendUnicast(msg, dst); err != nil && r.logger != nil {
		r.logger.Warn("reader: send failed", "reader", r.GUID.String(), "dst", dst, "kind", kind, "err", err)
	}
}
