package writer

import (
	"github.com/hdds-team/hdds/internal/guid"
	"github.com/hdds-team/hdds/internal/history"
	"github.com/hdds-team/hdds/internal/locator"
	"github.com/hdds-team/hdds/internal/wire"
)

// FragmentSize is the payload chunk size used when a serialized sample
// exceeds one datagram (fragmentation path). Conservative
// relative to a typical 1500-byte Ethernet MTU once RTPSOverhead is
// subtracted.
const FragmentSize = 1024

// sendData marshals change as a DATA submessage (or a DATA_FRAG train, if
// its payload exceeds FragmentSize) and sends it to dst.
func (w *DataWriter) sendData(dst locator.Locator, change history.CacheChange) {
	if len(change.Payload) <= FragmentSize {
		w.sendSingleData(dst, change)
		return
	}
	w.sendFragmented(dst, change)
}

func (w *DataWriter) sendSingleData(dst locator.Locator, change history.CacheChange) {
	inlineQos := keyHashParam(change.Instance)
	d := wire.Data{
		ReaderID: guid.EntityIdUnknown,
		WriterID: w.GUID.Entity,
		WriterSN: change.SequenceNumber,
		InlineQos: inlineQos,
		SerializedPayload: change.Payload,
	}
	hasKey := change.Kind != history.Alive
	flags, body := wire.MarshalData(d, true, len(inlineQos) > 0, hasKey)
	w.send(dst, wire.KindData, flags, body)
}

// keyHashParam wraps a non-zero instance key as a PID_KEY_HASH inline QoS
// parameter; unkeyed topics publish with a zero InstanceKey and carry no
// parameter at all.
func keyHashParam(key history.InstanceKey) []wire.Parameter {
	if key == (history.InstanceKey{}) {
		return nil
	}
	return []wire.Parameter{{ID: wire.PIDKeyHash, Value: key[:]}}
}

// fragmentPayload splits payload into chunks of at most size bytes.
func fragmentPayload(payload []byte, size int) [][]byte {
	if len(payload) == 0 {
		return [][]byte{{}}
	}
	var chunks [][]byte
	for off := 0; off < len(payload); off += size {
		end := off + size
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[off:end])
	}
	return chunks
}

func (w *DataWriter) sendFragmented(dst locator.Locator, change history.CacheChange) {
	chunks := fragmentPayload(change.Payload, FragmentSize)
	all := make([]uint32, len(chunks))
	for i := range chunks {
		all[i] = uint32(i + 1)
	}
	w.sendFragments(dst, change, all)
}

// sendFragments re-fragments change and sends only the fragment numbers
// listed in nums (1-based, as carried by NACK_FRAG), used both for the
// initial DATA_FRAG train and for a NACK_FRAG-driven partial resend.
func (w *DataWriter) sendFragments(dst locator.Locator, change history.CacheChange, nums []uint32) {
	chunks := fragmentPayload(change.Payload, FragmentSize)
	hasKey := change.Kind != history.Alive
	inlineQos := keyHashParam(change.Instance)
	for _, n := range nums {
		if n == 0 || int(n) > len(chunks) {
			continue
		}
		df := wire.DataFrag{
			ReaderID: guid.EntityIdUnknown,
			WriterID: w.GUID.Entity,
			WriterSN: change.SequenceNumber,
			FragmentStartingNum: n,
			FragmentsInSubmessage: 1,
			FragmentSize: uint16(FragmentSize),
			DataSize: uint32(len(change.Payload)),
			InlineQos: inlineQos,
			Fragment: chunks[n-1],
		}
		flags, body := wire.MarshalDataFrag(df, len(inlineQos) > 0, hasKey)
		w.send(dst, wire.KindDataFrag, flags, body)
	}
}

// sendGap marshals and sends a GAP submessage covering [start, end).
func (w *DataWriter) sendGap(dst locator.Locator, start, end wire.SequenceNumber) {
	g := wire.Gap{
		ReaderID: guid.EntityIdUnknown,
		WriterID: w.GUID.Entity,
		GapStart: start,
		GapListBase: end,
	}
	body := wire.MarshalGap(g)
	w.send(dst, wire.KindGap, 0, body)
}

// send frames one submessage behind an RTPS header and hands it to the
// transport. Send errors are logged rather than propagated: per-datagram
// send failures do not fail the publish call that triggered them:
// transport errors are not sample-delivery errors.
func (w *DataWriter) send(dst locator.Locator, kind wire.Kind, flags wire.Flags, body []byte) {
	h := wire.Header{
		Version: wire.ProtocolVersion23,
		Vendor: w.Vendor,
		GuidPrefix: w.GuidPrefix,
	}
	msg := wire.EncodeMessage(h, []wire.Raw{{Kind: kind, Flags: flags, Body: body}})
	if w.sender == nil {
		return
	}
	if err := w.sender.SendUnicast(msg, dst); err != nil && w.logger != nil {
		w.logger.Warn("writer: send failed", "writer", w.GUID.String(), "dst", dst, "kind", kind, "err", err)
	}
}
