// Package participant ties the transport, discovery, and writer/reader
// engines together into one running DDS participant.
package participant

import (
	"sync"

	"github.com/hdds-team/hdds/internal/guid"
	"github.com/hdds-team/hdds/internal/reader"
	"github.com/hdds-team/hdds/internal/writer"
)

// arena is the participant-local entity graph. It answers two different
// dispatch questions the transport handler needs: "which local writer
// owns this entity id" (direct, for ACKNACK/HEARTBEAT/NACK_FRAG, which
// always carry a known destination WriterID) and "which local readers
// care about this remote writer" (indirect, for DATA/GAP/HEARTBEAT, which
// always carry ReaderID unknown since a writer unicasts per matched
// reader without naming it).
type arena struct {
	mu sync.RWMutex

	writers map[guid.EntityId]*writer.DataWriter
	readers map[guid.EntityId]*reader.DataReader

	interestedReaders map[guid.GUID]map[guid.EntityId]*reader.DataReader
	interestedWriters map[guid.GUID]map[guid.EntityId]*writer.DataWriter
}

func newArena() *arena {
	return &arena{
		writers: make(map[guid.EntityId]*writer.DataWriter),
		readers: make(map[guid.EntityId]*reader.DataReader),
		interestedReaders: make(map[guid.GUID]map[guid.EntityId]*reader.DataReader),
		interestedWriters: make(map[guid.GUID]map[guid.EntityId]*writer.DataWriter),
	}
}

func (a *arena) addWriter(w *writer.DataWriter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.writers[w.GUID.Entity] = w
}

func (a *arena) removeWriter(entity guid.EntityId) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.writers, entity)
	for remote, set := range a.interestedWriters {
		delete(set, entity)
		if len(set) == 0 {
			delete(a.interestedWriters, remote)
		}
	}
}

func (a *arena) lookupWriter(entity guid.EntityId) (*writer.DataWriter, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	w, ok := a.writers[entity]
	return w, ok
}

func (a *arena) addReader(r *reader.DataReader) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.readers[r.GUID.Entity] = r
}

func (a *arena) removeReader(entity guid.EntityId) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.readers, entity)
	for remote, set := range a.interestedReaders {
		delete(set, entity)
		if len(set) == 0 {
			delete(a.interestedReaders, remote)
		}
	}
}

func (a *arena) lookupReader(entity guid.EntityId) (*reader.DataReader, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.readers[entity]
	return r, ok
}

// registerReaderInterest records that r has matched remoteWriter.
func (a *arena) registerReaderInterest(remoteWriter guid.GUID, r *reader.DataReader) {
	a.mu.Lock()
	defer a.mu.Unlock()
	set, ok := a.interestedReaders[remoteWriter]
	if !ok {
		set = make(map[guid.EntityId]*reader.DataReader)
		a.interestedReaders[remoteWriter] = set
	}
	set[r.GUID.Entity] = r
}

func (a *arena) unregisterReaderInterest(remoteWriter guid.GUID, r *reader.DataReader) {
	a.mu.Lock()
	defer a.mu.Unlock()
	set, ok := a.interestedReaders[remoteWriter]
	if !ok {
		return
	}
	delete(set, r.GUID.Entity)
	if len(set) == 0 {
		delete(a.interestedReaders, remoteWriter)
	}
}

func (a *arena) readersInterestedIn(remoteWriter guid.GUID) []*reader.DataReader {
	a.mu.RLock()
	defer a.mu.RUnlock()
	set := a.interestedReaders[remoteWriter]
	out := make([]*reader.DataReader, 0, len(set))
	for _, r := range set {
		out = append(out, r)
	}
	return out
}

// registerWriterInterest records that w has matched remoteReader. ACKNACK
// and NACK_FRAG both carry a known WriterID, so their dispatch uses
// lookupWriter directly rather than this index; it exists for diagnostics
// and future fan-out dispatch that needs "which local writers does this
// remote reader care about" rather than a single named writer.
func (a *arena) registerWriterInterest(remoteReader guid.GUID, w *writer.DataWriter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	set, ok := a.interestedWriters[remoteReader]
	if !ok {
		set = make(map[guid.EntityId]*writer.DataWriter)
		a.interestedWriters[remoteReader] = set
	}
	set[w.GUID.Entity] = w
}

func (a *arena) unregisterWriterInterest(remoteReader guid.GUID, w *writer.DataWriter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	set, ok := a.interestedWriters[remoteReader]
	if !ok {
		return
	}
	delete(set, w.GUID.Entity)
	if len(set) == 0 {
		delete(a.interestedWriters, remoteReader)
	}
}

func (a *arena) allWriters() []*writer.DataWriter {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*writer.DataWriter, 0, len(a.writers))
	for _, w := range a.writers {
		out = append(out, w)
	}
	return out
}

func (a *arena) allReaders() []*reader.DataReader {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*reader.DataReader, 0, len(a.readers))
	for _, r := range a.readers {
		out = append(out, r)
	}
	return out
}
