package participant

import (
	"errors"
	"time"

	"github.com/hdds-team/hdds/internal/discovery"
	"github.com/hdds-team/hdds/internal/guid"
	"github.com/hdds-team/hdds/internal/history"
	"github.com/hdds-team/hdds/internal/qos"
	"github.com/hdds-team/hdds/internal/reader"
	"github.com/hdds-team/hdds/internal/writer"
)

// ErrEntityNotFound is returned by DestroyWriter/DestroyReader when the
// GUID does not belong to this participant.
var ErrEntityNotFound = errors.New("participant: entity not found")

// CreateTopic builds a Topic binding. Topic identity is purely the
// (name, type) pair; no central registry is kept.
func (p *Participant) CreateTopic(name, typeName string, hasKey bool) Topic {
	return Topic{Name: name, Type: typeName, HasKey: hasKey}
}

// instanceKeyForGUID derives the SEDP instance key for a builtin topic
// sample from the announced endpoint's GUID: per the OMG builtin-topic
// convention, BuiltinTopicKey is the endpoint GUID itself, so the instance
// key is its CDR-serialized bytes hashed the same way a user keyed field
// would be.
func instanceKeyForGUID(g guid.GUID) history.InstanceKey {
	b := g.Bytes()
	return history.ComputeInstanceKey(b[:])
}

func entityKind(hasKey, writerSide bool) guid.EntityKind {
	switch {
	case writerSide && hasKey:
		return guid.EntityKindUserWriterWithKey
	case writerSide && !hasKey:
		return guid.EntityKindUserWriterNoKey
	case !writerSide && hasKey:
		return guid.EntityKindUserReaderWithKey
	default:
		return guid.EntityKindUserReaderNoKey
	}
}

// CreateWriter creates and enables a DataWriter on topic. The writer is
// announced via SEDP immediately: the SEDP writer itself already batches
// delivery via its own heartbeat/ACKNACK cadence, so there is no need to
// defer announcement onto a separate tick.
func (p *Participant) CreateWriter(topic Topic, policy qos.Policy) (*writer.DataWriter, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	policy, reduced := policy.Reduce()
	if reduced && p.logger != nil {
		p.logger.Warn("participant: durability reduced to TRANSIENT_LOCAL", "topic", topic.Name)
	}

	key := p.entityKeys.Next()
	eid := guid.NewEntityId(key, entityKind(topic.HasKey, true))
	g := guid.New(p.prefix, eid)

	w := writer.New(g, p.prefix, p.vendor, topic.Name, topic.Type, policy, p.transport, p.logger)
	w.Start()
	p.arena.addWriter(w)

	data := discovery.PublicationBuiltinTopicData{
		EndpointGUID: g,
		TopicName: topic.Name,
		TypeName: topic.Type,
		Reliability: policy.Reliability,
		Durability: policy.Durability,
		Ownership: policy.Ownership,
		OwnershipStrength: policy.OwnershipStrength,
		Partitions: policy.Partitions,
	}
	p.pubMu.Lock()
	p.localPubs[g] = localPublication{writer: w, data: data}
	p.pubMu.Unlock()

	if err := p.sedp.PubWriter.Write(discovery.MarshalPublicationData(data), instanceKeyForGUID(g), time.Now()); err != nil && p.logger != nil {
		p.logger.Warn("participant: sedp publication announce failed", "err", err)
	}

	p.matchAgainstKnownSubscriptions(g, data, w)
	return w, nil
}

// CreateReader creates and enables a DataReader on topic.
func (p *Participant) CreateReader(topic Topic, policy qos.Policy) (*reader.DataReader, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	policy, reduced := policy.Reduce()
	if reduced && p.logger != nil {
		p.logger.Warn("participant: durability reduced to TRANSIENT_LOCAL", "topic", topic.Name)
	}

	key := p.entityKeys.Next()
	eid := guid.NewEntityId(key, entityKind(topic.HasKey, false))
	g := guid.New(p.prefix, eid)

	r := reader.New(g, p.prefix, p.vendor, topic.Name, topic.Type, policy, p.transport, p.logger)
	p.arena.addReader(r)

	data := discovery.SubscriptionBuiltinTopicData{
		EndpointGUID: g,
		TopicName: topic.Name,
		TypeName: topic.Type,
		Reliability: policy.Reliability,
		Durability: policy.Durability,
		Partitions: policy.Partitions,
	}
	p.subMu.Lock()
	p.localSubs[g] = localSubscription{reader: r, data: data}
	p.subMu.Unlock()

	if err := p.sedp.SubWriter.Write(discovery.MarshalSubscriptionData(data), instanceKeyForGUID(g), time.Now()); err != nil && p.logger != nil {
		p.logger.Warn("participant: sedp subscription announce failed", "err", err)
	}

	p.matchAgainstKnownPublications(g, data, r)
	return r, nil
}

// DestroyWriter disposes the writer via SEDP and removes it from the arena.
func (p *Participant) DestroyWriter(w *writer.DataWriter) error {
	p.pubMu.Lock()
	_, ok := p.localPubs[w.GUID]
	delete(p.localPubs, w.GUID)
	p.pubMu.Unlock()
	if !ok {
		return ErrEntityNotFound
	}
	_ = p.sedp.PubWriter.Dispose(instanceKeyForGUID(w.GUID))
	w.Stop()
	p.arena.removeWriter(w.GUID.Entity)
	return nil
}

// DestroyReader disposes the reader via SEDP and removes it from the arena.
func (p *Participant) DestroyReader(r *reader.DataReader) error {
	p.subMu.Lock()
	_, ok := p.localSubs[r.GUID]
	delete(p.localSubs, r.GUID)
	p.subMu.Unlock()
	if !ok {
		return ErrEntityNotFound
	}
	_ = p.sedp.SubWriter.Dispose(instanceKeyForGUID(r.GUID))
	r.Disable()
	p.arena.removeReader(r.GUID.Entity)
	return nil
}

// matchAgainstKnownSubscriptions runs the matching rule for a
// newly-created local writer against every subscription already known
// from a peer's SEDP announcement (covers the case where the peer
// announced before this writer existed).
func (p *Participant) matchAgainstKnownSubscriptions(g guid.GUID, data discovery.PublicationBuiltinTopicData, w *writer.DataWriter) {
	p.subMu.Lock()
	subs := make([]discovery.SubscriptionBuiltinTopicData, 0, len(p.remoteSubs))
	for _, s := range p.remoteSubs {
		subs = append(subs, s)
	}
	p.subMu.Unlock()

	writerQoS := w.QoS
	for _, sub := range subs {
		if !discovery.TopicMatch(data.TopicName, data.TypeName, writerQoS, sub.TopicName, sub.TypeName, subscriptionQoS(sub)) {
			continue
		}
		loc, ok := p.locatorFor(sub.EndpointGUID.Prefix)
		if !ok {
			continue
		}
		if w.MatchReader(sub.EndpointGUID, loc, subscriptionQoS(sub)) {
			p.arena.registerWriterInterest(sub.EndpointGUID, w)
			p.recordAudit("endpoint_matched", g.String(), sub.EndpointGUID.String())
		}
	}
}

// matchAgainstKnownPublications is the reader-side mirror of
// matchAgainstKnownSubscriptions.
func (p *Participant) matchAgainstKnownPublications(g guid.GUID, data discovery.SubscriptionBuiltinTopicData, r *reader.DataReader) {
	p.pubMu.Lock()
	pubs := make([]discovery.PublicationBuiltinTopicData, 0, len(p.remotePubs))
	for _, pr := range p.remotePubs {
		pubs = append(pubs, pr)
	}
	p.pubMu.Unlock()

	readerQoS := r.QoS
	for _, pub := range pubs {
		if !discovery.TopicMatch(pub.TopicName, pub.TypeName, publicationQoS(pub), data.TopicName, data.TypeName, readerQoS) {
			continue
		}
		loc, ok := p.locatorFor(pub.EndpointGUID.Prefix)
		if !ok {
			continue
		}
		r.MatchWriter(pub.EndpointGUID, loc, publicationQoS(pub))
		p.arena.registerReaderInterest(pub.EndpointGUID, r)
		p.recordAudit("endpoint_matched", pub.EndpointGUID.String(), g.String())
	}
}
