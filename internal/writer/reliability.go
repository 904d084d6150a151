package writer

import (
	"time"

	"github.com/hdds-team/hdds/internal/condition"
	"github.com/hdds-team/hdds/internal/guid"
	"github.com/hdds-team/hdds/internal/history"
	"github.com/hdds-team/hdds/internal/locator"
	"github.com/hdds-team/hdds/internal/qos"
	"github.com/hdds-team/hdds/internal/wire"
)

// MatchReader registers a newly-matched reader and returns whether the
// engine will deliver to it; the discovery layer has already applied QoS
// compatibility and partition matching before calling this.
func (w *DataWriter) MatchReader(readerGUID guid.GUID, loc locator.Locator, readerQoS qos.Policy) bool {
	w.matchedMu.Lock()
	defer w.matchedMu.Unlock()
	if _, exists := w.matched[readerGUID]; exists {
		return true
	}
	w.matched[readerGUID] = &matchedReader{
		guid: readerGUID,
		locator: loc,
		reliable: readerQoS.Reliability == qos.Reliable,
		pendingResend: make(map[wire.SequenceNumber]struct{}),
		state: StateInitial,
	}
	w.status.Trigger(condition.PublicationMatched)
	if w.QoS.Durability >= qos.TransientLocal {
		w.replayHistoryTo(w.matched[readerGUID])
	}
	return true
}

// UnmatchReader removes a reader previously registered via MatchReader.
func (w *DataWriter) UnmatchReader(readerGUID guid.GUID) {
	w.matchedMu.Lock()
	delete(w.matched, readerGUID)
	w.matchedMu.Unlock()
	w.status.Trigger(condition.PublicationMatched)
}

// MatchedReaderCount reports how many readers are currently matched, used
// by tests and by the diagnostics surface.
func (w *DataWriter) MatchedReaderCount() int {
	w.matchedMu.Lock()
	defer w.matchedMu.Unlock()
	return len(w.matched)
}

// replayHistoryTo sends every still-available change to a late-joining
// TRANSIENT_LOCAL reader (late-joiner scenario). Caller holds
// matchedMu.
func (w *DataWriter) replayHistoryTo(r *matchedReader) {
	first, last := w.cache.Range()
	for sn := first; sn <= last; sn++ {
		if change, ok := w.cache.Get(sn); ok {
			w.sendData(r.locator, change)
		}
	}
}

// HandleAckNack applies an incoming ACKNACK to the matched reader's
// reliability state : advances the acked watermark, tracks
// the missing set for resend, and retransmits immediately rather than
// waiting for the next heartbeat tick.
func (w *DataWriter) HandleAckNack(readerGUID guid.GUID, ack wire.AckNack) {
	w.matchedMu.Lock()
	r, ok := w.matched[readerGUID]
	w.matchedMu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	r.highestAcked = ack.BaseSN - 1
	for sn := range r.pendingResend {
		if sn < ack.BaseSN {
			delete(r.pendingResend, sn)
		}
	}
	for _, sn := range ack.Missing {
		r.pendingResend[sn] = struct{}{}
	}
	empty := len(ack.Missing) == 0
	loc := r.locator
	if empty {
		r.state = StateFinal
	} else {
		r.state = StateWaiting
	}
	resend := make([]wire.SequenceNumber, 0, len(ack.Missing))
	for sn := range r.pendingResend {
		resend = append(resend, sn)
	}
	r.mu.Unlock()

	for _, sn := range resend {
		if change, found := w.cache.Get(sn); found {
			w.sendData(loc, change)
		} else {
			w.sendGap(loc, sn, sn+1)
		}
	}
}

// HandleNackFrag responds to a NACK_FRAG for a partially-received
// DATA_FRAG train by resending just the requested fragment numbers of the
// named sequence number; if the change has already left the cache, a GAP
// covers it instead, same as a plain ACKNACK miss on an evicted change.
func (w *DataWriter) HandleNackFrag(readerGUID guid.GUID, nf wire.NackFrag) {
	w.matchedMu.Lock()
	r, ok := w.matched[readerGUID]
	w.matchedMu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	loc := r.locator
	r.mu.Unlock()

	change, found := w.cache.Get(nf.WriterSN)
	if !found {
		w.sendGap(loc, nf.WriterSN, nf.WriterSN+1)
		return
	}
	w.sendFragments(loc, change, nf.MissingFrags)
}

// WaitForAcknowledgments blocks until every matched reliable reader has
// acked the writer's highest published sequence number, or timeout elapses
//.
func (w *DataWriter) WaitForAcknowledgments(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		_, last := w.cache.Range()
		if w.allAcked(last) {
			return nil
		}
		if timeout > 0 && time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (w *DataWriter) allAcked(upTo wire.SequenceNumber) bool {
	w.matchedMu.Lock()
	defer w.matchedMu.Unlock()
	for _, r := range w.matched {
		r.mu.Lock()
		acked := !r.reliable || r.highestAcked >= upTo
		r.mu.Unlock()
		if !acked {
			return false
		}
	}
	return true
}

// AssertLiveliness manually refreshes the writer's liveliness; only
// meaningful under MANUAL_BY_TOPIC or MANUAL_BY_PARTICIPANT liveliness.
func (w *DataWriter) AssertLiveliness() {
	w.lastPublishMu.Lock()
	w.lastPublish[history.InstanceKey{}] = time.Now()
	w.lastPublishMu.Unlock()
}

// heartbeatLoop periodically announces the writer's [first_sn, last_sn]
// range to matched reliable readers, the same ticker/stopCh/doneCh shape
// used by the participant's discovery announce loop.
func (w *DataWriter) heartbeatLoop() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.heartbeatPeriod)
	defer ticker.Stop()
	var count uint32
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			count++
			w.sendHeartbeats(count)
			w.checkDeadlines()
		}
	}
}

func (w *DataWriter) sendHeartbeats(count uint32) {
	first, last := w.cache.Range()
	w.matchedMu.Lock()
	readers := make([]*matchedReader, 0, len(w.matched))
	for _, r := range w.matched {
		if r.reliable {
			readers = append(readers, r)
		}
	}
	w.matchedMu.Unlock()
	for _, r := range readers {
		r.mu.Lock()
		loc := r.locator
		r.mu.Unlock()
		hb := wire.Heartbeat{
			ReaderID: guid.EntityIdUnknown,
			WriterID: w.GUID.Entity,
			FirstSN: first,
			LastSN: last,
			Count: count,
		}
		flags, body := wire.MarshalHeartbeat(hb, false, false)
		w.send(loc, wire.KindHeartbeat, flags, body)
	}
}

// checkDeadlines compares each instance's last publish time against the
// writer's Deadline QoS, incrementing deadlineMissedCount and triggering
// the writer's DeadlineMissed status when exceeded.
func (w *DataWriter) checkDeadlines() {
	if w.QoS.Deadline <= 0 {
		return
	}
	now := time.Now()
	w.lastPublishMu.Lock()
	missed := false
	for key, last := range w.lastPublish {
		if now.Sub(last) > w.QoS.Deadline {
			missed = true
			w.deadlineMissedCount++
			w.lastPublish[key] = now // avoid re-counting the same miss every tick
		}
	}
	w.lastPublishMu.Unlock()
	if missed {
		w.status.Trigger(condition.DeadlineMissed)
	}
}

// DeadlineMissedCount reports the cumulative count for DataWriterStatus
// queries (status reporting operations).
func (w *DataWriter) DeadlineMissedCount() int {
	w.lastPublishMu.Lock()
	defer w.lastPublishMu.Unlock()
	return w.deadlineMissedCount
}
