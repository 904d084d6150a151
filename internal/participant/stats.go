package participant

import (
	"github.com/hdds-team/hdds/internal/discovery"
	"github.com/hdds-team/hdds/internal/guid"
	"github.com/hdds-team/hdds/internal/locator"
	"github.com/hdds-team/hdds/internal/reader"
	"github.com/hdds-team/hdds/internal/writer"
)

// GUID returns this participant's identity prefix.
func (p *Participant) GUID() guid.GuidPrefix { return p.prefix }

// DomainID returns the domain this participant was opened on.
func (p *Participant) DomainID() int { return p.cfg.DomainID }

// UnicastLocator returns the locator a peer should send unicast traffic
// (including a fixed-peer-list SPDP announcement) to reach this
// participant.
func (p *Participant) UnicastLocator() locator.Locator { return p.transport.UnicastLocator() }

// SetDiscoveryPeers updates the SPDP unicast peer list after construction,
// for dynamic peer-list reconfiguration and for tests that must learn a
// peer's locator before it exists.
func (p *Participant) SetDiscoveryPeers(peers []locator.Locator) {
	p.spdp.SetUnicastPeers(peers)
}

// Writers returns every locally-owned DataWriter, for diagnostics and
// read-only introspection by the diagnostics API.
func (p *Participant) Writers() []*writer.DataWriter { return p.arena.allWriters() }

// Readers returns every locally-owned DataReader.
func (p *Participant) Readers() []*reader.DataReader { return p.arena.allReaders() }

// FindWriter looks up a locally-owned writer by its full GUID string.
func (p *Participant) FindWriter(guidStr string) (*writer.DataWriter, bool) {
	for _, w := range p.arena.allWriters() {
		if w.GUID.String() == guidStr {
			return w, true
		}
	}
	return nil, false
}

// FindReader looks up a locally-owned reader by its full GUID string.
func (p *Participant) FindReader(guidStr string) (*reader.DataReader, bool) {
	for _, r := range p.arena.allReaders() {
		if r.GUID.String() == guidStr {
			return r, true
		}
	}
	return nil, false
}

// KnownParticipants returns the SPDP agent's current peer snapshot.
func (p *Participant) KnownParticipants() []discovery.ParticipantBuiltinTopicData {
	return p.spdp.KnownPeers()
}

// SPDPStatus exposes the SPDP announcer's point-in-time counters.
func (p *Participant) SPDPStatus() discovery.Status { return p.spdp.StatusSnapshot() }

// KnownPublications returns every remote publication currently known via
// SEDP, plus every local publication this participant has announced.
func (p *Participant) KnownPublications() []discovery.PublicationBuiltinTopicData {
	p.pubMu.Lock()
	defer p.pubMu.Unlock()
	out := make([]discovery.PublicationBuiltinTopicData, 0, len(p.remotePubs)+len(p.localPubs))
	for _, pub := range p.remotePubs {
		out = append(out, pub)
	}
	for _, lp := range p.localPubs {
		out = append(out, lp.data)
	}
	return out
}

// KnownSubscriptions returns every remote subscription currently known via
// SEDP, plus every local subscription this participant has announced.
func (p *Participant) KnownSubscriptions() []discovery.SubscriptionBuiltinTopicData {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	out := make([]discovery.SubscriptionBuiltinTopicData, 0, len(p.remoteSubs)+len(p.localSubs))
	for _, sub := range p.remoteSubs {
		out = append(out, sub)
	}
	for _, ls := range p.localSubs {
		out = append(out, ls.data)
	}
	return out
}
