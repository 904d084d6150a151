package participant

import (
	"github.com/hdds-team/hdds/internal/discovery"
	"github.com/hdds-team/hdds/internal/guid"
	"github.com/hdds-team/hdds/internal/history"
	"github.com/hdds-team/hdds/internal/locator"
	"github.com/hdds-team/hdds/internal/qos"
)

// onPeerDiscovered is the SPDP callback fired for every announcement from
// a remote participant, the first and each repeat. It records the peer's
// unicast locator and matches the two SEDP builtin endpoints against it,
// which triggers TRANSIENT_LOCAL replay of every already-announced local
// publication/subscription to a newly matched peer.
func (p *Participant) onPeerDiscovered(data discovery.ParticipantBuiltinTopicData) {
	if _, ignored := p.ignored[data.GuidPrefix]; ignored {
		return
	}
	if len(data.DefaultUnicastLocators) == 0 {
		return
	}
	loc := data.DefaultUnicastLocators[0]
	p.peerMu.Lock()
	p.peerLocs[data.GuidPrefix] = loc
	p.peerMu.Unlock()
	p.sedp.MatchParticipant(data.GuidPrefix, loc)
	p.recordAudit("participant_seen", data.GuidPrefix.String(), loc.String())
}

// onPeerLost is the SPDP callback fired once a peer's lease expires. It
// unmatches the SEDP endpoints and every local reader/writer that had
// matched one of the lost participant's endpoints, cascading from
// participant loss to endpoint loss.
func (p *Participant) onPeerLost(prefix guid.GuidPrefix) {
	p.peerMu.Lock()
	delete(p.peerLocs, prefix)
	p.peerMu.Unlock()
	p.sedp.UnmatchParticipant(prefix)
	p.recordAudit("lease_expired", prefix.String(), "")

	var gonePubs, goneSubs []guid.GUID
	p.pubMu.Lock()
	for g := range p.remotePubs {
		if g.Prefix == prefix {
			gonePubs = append(gonePubs, g)
			delete(p.remotePubs, g)
		}
	}
	p.pubMu.Unlock()
	p.subMu.Lock()
	for g := range p.remoteSubs {
		if g.Prefix == prefix {
			goneSubs = append(goneSubs, g)
			delete(p.remoteSubs, g)
		}
	}
	p.subMu.Unlock()

	for _, r := range p.arena.allReaders() {
		for _, g := range gonePubs {
			r.UnmatchWriter(g)
			p.arena.unregisterReaderInterest(g, r)
		}
	}
	for _, w := range p.arena.allWriters() {
		for _, g := range goneSubs {
			w.UnmatchReader(g)
			p.arena.unregisterWriterInterest(g, w)
		}
	}
}

// onPublicationReceived ingests one sample delivered by the SEDP
// publication reader: a remote writer's announced topic/type/QoS, matched
// against every currently-held local subscription.
func (p *Participant) onPublicationReceived(change history.CacheChange) {
	pub, err := discovery.UnmarshalPublicationData(change.Payload)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("participant: dropping malformed publication announcement", "err", err)
		}
		return
	}

	if change.Kind != history.Alive {
		p.pubMu.Lock()
		delete(p.remotePubs, pub.EndpointGUID)
		p.pubMu.Unlock()
		for _, r := range p.arena.allReaders() {
			r.UnmatchWriter(pub.EndpointGUID)
			p.arena.unregisterReaderInterest(pub.EndpointGUID, r)
		}
		p.recordAudit("endpoint_unmatched", pub.EndpointGUID.String(), "")
		return
	}

	p.pubMu.Lock()
	p.remotePubs[pub.EndpointGUID] = pub
	p.pubMu.Unlock()
	p.matchPublicationAgainstLocalSubscriptions(pub)
}

// onSubscriptionReceived mirrors onPublicationReceived for the SEDP
// subscription reader.
func (p *Participant) onSubscriptionReceived(change history.CacheChange) {
	sub, err := discovery.UnmarshalSubscriptionData(change.Payload)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("participant: dropping malformed subscription announcement", "err", err)
		}
		return
	}

	if change.Kind != history.Alive {
		p.subMu.Lock()
		delete(p.remoteSubs, sub.EndpointGUID)
		p.subMu.Unlock()
		for _, w := range p.arena.allWriters() {
			w.UnmatchReader(sub.EndpointGUID)
			p.arena.unregisterWriterInterest(sub.EndpointGUID, w)
		}
		p.recordAudit("endpoint_unmatched", sub.EndpointGUID.String(), "")
		return
	}

	p.subMu.Lock()
	p.remoteSubs[sub.EndpointGUID] = sub
	p.subMu.Unlock()
	p.matchSubscriptionAgainstLocalPublications(sub)
}

func (p *Participant) locatorFor(prefix guid.GuidPrefix) (locator.Locator, bool) {
	p.peerMu.Lock()
	defer p.peerMu.Unlock()
	loc, ok := p.peerLocs[prefix]
	return loc, ok
}

func publicationQoS(pub discovery.PublicationBuiltinTopicData) qos.Policy {
	return qos.New(
		qos.WithReliability(pub.Reliability),
		qos.WithDurability(pub.Durability),
		qos.WithOwnership(pub.Ownership, pub.OwnershipStrength),
		qos.WithPartitions(pub.Partitions...),
	)
}

func subscriptionQoS(sub discovery.SubscriptionBuiltinTopicData) qos.Policy {
	return qos.New(
		qos.WithReliability(sub.Reliability),
		qos.WithDurability(sub.Durability),
		qos.WithPartitions(sub.Partitions...),
	)
}

func (p *Participant) matchPublicationAgainstLocalSubscriptions(pub discovery.PublicationBuiltinTopicData) {
	loc, ok := p.locatorFor(pub.EndpointGUID.Prefix)
	if !ok {
		return
	}
	writerQoS := publicationQoS(pub)

	p.subMu.Lock()
	subs := make([]localSubscription, 0, len(p.localSubs))
	for _, s := range p.localSubs {
		subs = append(subs, s)
	}
	p.subMu.Unlock()

	for _, s := range subs {
		if discovery.TopicMatch(pub.TopicName, pub.TypeName, writerQoS, s.data.TopicName, s.data.TypeName, s.reader.QoS) {
			s.reader.MatchWriter(pub.EndpointGUID, loc, writerQoS)
			p.arena.registerReaderInterest(pub.EndpointGUID, s.reader)
			p.recordAudit("endpoint_matched", pub.EndpointGUID.String(), s.reader.GUID.String())
		}
	}
}

func (p *Participant) matchSubscriptionAgainstLocalPublications(sub discovery.SubscriptionBuiltinTopicData) {
	loc, ok := p.locatorFor(sub.EndpointGUID.Prefix)
	if !ok {
		return
	}
	readerQoS := subscriptionQoS(sub)

	p.pubMu.Lock()
	pubs := make([]localPublication, 0, len(p.localPubs))
	for _, pr := range p.localPubs {
		pubs = append(pubs, pr)
	}
	p.pubMu.Unlock()

	for _, pr := range pubs {
		if discovery.TopicMatch(pr.data.TopicName, pr.data.TypeName, pr.writer.QoS, sub.TopicName, sub.TypeName, readerQoS) {
			if pr.writer.MatchReader(sub.EndpointGUID, loc, readerQoS) {
				p.arena.registerWriterInterest(sub.EndpointGUID, pr.writer)
				p.recordAudit("endpoint_matched", pr.writer.GUID.String(), sub.EndpointGUID.String())
			}
		}
	}
}
