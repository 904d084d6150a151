// SEDP: reliable builtin-topic exchange of per-endpoint discovery data.
// SEDP gets no bespoke wire path: only fixed builtin entity ids riding the
// same DataWriter/DataReader engines a user topic would use.
package discovery

import (
	"fmt"

	"github.com/hdds-team/hdds/internal/guid"
	"github.com/hdds-team/hdds/internal/locator"
	"github.com/hdds-team/hdds/internal/qos"
	"github.com/hdds-team/hdds/internal/reader"
	"github.com/hdds-team/hdds/internal/wire"
	"github.com/hdds-team/hdds/internal/writer"
)

// PublicationBuiltinTopicData announces one local DataWriter to the rest
// of the domain (DCPSPublication topic).
type PublicationBuiltinTopicData struct {
	EndpointGUID guid.GUID
	TopicName string
	TypeName string
	Reliability qos.ReliabilityKind
	Durability qos.DurabilityKind
	Ownership qos.OwnershipKind
	OwnershipStrength int32
	Partitions []string
}

// SubscriptionBuiltinTopicData announces one local DataReader (the
// DCPSSubscription builtin topic).
type SubscriptionBuiltinTopicData struct {
	EndpointGUID guid.GUID
	TopicName string
	TypeName string
	Reliability qos.ReliabilityKind
	Durability qos.DurabilityKind
	Partitions []string
}

func putPartitions(w *wire.Writer, partitions []string) {
	w.PutU32(uint32(len(partitions)))
	for _, p := range partitions {
		w.PutString(p)
	}
}

func getPartitions(r *wire.Reader) ([]string, error) {
	n, err := r.GetU32()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for range n {
		s, err := r.GetString()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func putEndpointGUID(w *wire.Writer, g guid.GUID) {
	b := g.Bytes()
	w.PutBytes(b[:])
}

func getEndpointGUID(r *wire.Reader) (guid.GUID, error) {
	b, err := r.GetBytes(16)
	if err != nil {
		return guid.GUID{}, err
	}
	var arr [16]byte
	copy(arr[:], b)
	return guid.FromBytes(arr), nil
}

// MarshalPublicationData encodes a PublicationBuiltinTopicData as CDR2.
func MarshalPublicationData(d PublicationBuiltinTopicData) []byte {
	w := wire.NewWriter(wire.EncapsulationXCDR2_LE)
	putEndpointGUID(w, d.EndpointGUID)
	w.PutString(d.TopicName)
	w.PutString(d.TypeName)
	w.PutU8(uint8(d.Reliability))
	w.PutU8(uint8(d.Durability))
	w.PutU8(uint8(d.Ownership))
	w.PutI32(d.OwnershipStrength)
	putPartitions(w, d.Partitions)
	return w.Bytes()
}

// UnmarshalPublicationData decodes a PublicationBuiltinTopicData.
func UnmarshalPublicationData(buf []byte) (PublicationBuiltinTopicData, error) {
	r, err := wire.NewReader(buf)
	if err != nil {
		return PublicationBuiltinTopicData{}, err
	}
	var d PublicationBuiltinTopicData
	if d.EndpointGUID, err = getEndpointGUID(r); err != nil {
		return d, fmt.Errorf("sedp: publication endpoint guid: %w", err)
	}
	if d.TopicName, err = r.GetString(); err != nil {
		return d, fmt.Errorf("sedp: publication topic name: %w", err)
	}
	if d.TypeName, err = r.GetString(); err != nil {
		return d, fmt.Errorf("sedp: publication type name: %w", err)
	}
	reliability, err := r.GetU8()
	if err != nil {
		return d, fmt.Errorf("sedp: publication reliability: %w", err)
	}
	d.Reliability = qos.ReliabilityKind(reliability)
	durability, err := r.GetU8()
	if err != nil {
		return d, fmt.Errorf("sedp: publication durability: %w", err)
	}
	d.Durability = qos.DurabilityKind(durability)
	ownership, err := r.GetU8()
	if err != nil {
		return d, fmt.Errorf("sedp: publication ownership: %w", err)
	}
	d.Ownership = qos.OwnershipKind(ownership)
	if d.OwnershipStrength, err = r.GetI32(); err != nil {
		return d, fmt.Errorf("sedp: publication ownership strength: %w", err)
	}
	if d.Partitions, err = getPartitions(r); err != nil {
		return d, fmt.Errorf("sedp: publication partitions: %w", err)
	}
	return d, nil
}

// MarshalSubscriptionData encodes a SubscriptionBuiltinTopicData as CDR2.
func MarshalSubscriptionData(d SubscriptionBuiltinTopicData) []byte {
	w := wire.NewWriter(wire.EncapsulationXCDR2_LE)
	putEndpointGUID(w, d.EndpointGUID)
	w.PutString(d.TopicName)
	w.PutString(d.TypeName)
	w.PutU8(uint8(d.Reliability))
	w.PutU8(uint8(d.Durability))
	putPartitions(w, d.Partitions)
	return w.Bytes()
}

// UnmarshalSubscriptionData decodes a SubscriptionBuiltinTopicData.
func UnmarshalSubscriptionData(buf []byte) (SubscriptionBuiltinTopicData, error) {
	r, err := wire.NewReader(buf)
	if err != nil {
		return SubscriptionBuiltinTopicData{}, err
	}
	var d SubscriptionBuiltinTopicData
	if d.EndpointGUID, err = getEndpointGUID(r); err != nil {
		return d, fmt.Errorf("sedp: subscription endpoint guid: %w", err)
	}
	if d.TopicName, err = r.GetString(); err != nil {
		return d, fmt.Errorf("sedp: subscription topic name: %w", err)
	}
	if d.TypeName, err = r.GetString(); err != nil {
		return d, fmt.Errorf("sedp: subscription type name: %w", err)
	}
	reliability, err := r.GetU8()
	if err != nil {
		return d, fmt.Errorf("sedp: subscription reliability: %w", err)
	}
	d.Reliability = qos.ReliabilityKind(reliability)
	durability, err := r.GetU8()
	if err != nil {
		return d, fmt.Errorf("sedp: subscription durability: %w", err)
	}
	d.Durability = qos.DurabilityKind(durability)
	if d.Partitions, err = getPartitions(r); err != nil {
		return d, fmt.Errorf("sedp: subscription partitions: %w", err)
	}
	return d, nil
}

// builtinQoS is the fixed RELIABLE + TRANSIENT_LOCAL profile SEDP's own
// builtin topics use, so a late-joining participant's SEDP reader replays
// already-announced endpoints.
func builtinQoS() qos.Policy {
	return qos.New(qos.WithReliability(qos.Reliable), qos.WithDurability(qos.TransientLocal), qos.WithKeepAll())
}

// SEDPEndpoints bundles the four builtin DataWriter/DataReader instances
// backing DCPSPublication and DCPSSubscription. Each is
// just an ordinary writer/reader engine instance on a fixed entity id —
// no bespoke transport path.
type SEDPEndpoints struct {
	PubWriter *writer.DataWriter
	PubReader *reader.DataReader
	SubWriter *writer.DataWriter
	SubReader *reader.DataReader
}

// NewSEDPEndpoints constructs the four builtin endpoints for a
// participant identified by prefix/vendor.
func NewSEDPEndpoints(prefix guid.GuidPrefix, vendor guid.VendorId, sender interface {
	writer.Sender
	reader.Sender
}) *SEDPEndpoints {
	q := builtinQoS()
	return &SEDPEndpoints{
		PubWriter: writer.New(guid.New(prefix, guid.EntityIdSEDPPubWriter), prefix, vendor, "DCPSPublication", "PublicationBuiltinTopicData", q, sender, nil),
		PubReader: reader.New(guid.New(prefix, guid.EntityIdSEDPPubReader), prefix, vendor, "DCPSPublication", "PublicationBuiltinTopicData", q, sender, nil),
		SubWriter: writer.New(guid.New(prefix, guid.EntityIdSEDPSubWriter), prefix, vendor, "DCPSSubscription", "SubscriptionBuiltinTopicData", q, sender, nil),
		SubReader: reader.New(guid.New(prefix, guid.EntityIdSEDPSubReader), prefix, vendor, "DCPSSubscription", "SubscriptionBuiltinTopicData", q, sender, nil),
	}
}

// Start begins heartbeat scheduling on both builtin writers.
func (e *SEDPEndpoints) Start() {
	e.PubWriter.Start()
	e.SubWriter.Start()
}

// Stop joins both builtin writers' heartbeat goroutines.
func (e *SEDPEndpoints) Stop() {
	e.PubWriter.Stop()
	e.SubWriter.Stop()
}

// MatchParticipant registers a newly-discovered remote participant's
// builtin SEDP endpoints at its metatraffic unicast locator, in both
// directions.
func (e *SEDPEndpoints) MatchParticipant(remotePrefix guid.GuidPrefix, remoteLocator locator.Locator) {
	q := builtinQoS()
	e.PubWriter.MatchReader(guid.New(remotePrefix, guid.EntityIdSEDPPubReader), remoteLocator, q)
	e.PubReader.MatchWriter(guid.New(remotePrefix, guid.EntityIdSEDPPubWriter), remoteLocator, q)
	e.SubWriter.MatchReader(guid.New(remotePrefix, guid.EntityIdSEDPSubReader), remoteLocator, q)
	e.SubReader.MatchWriter(guid.New(remotePrefix, guid.EntityIdSEDPSubWriter), remoteLocator, q)
}

// UnmatchParticipant removes a remote participant's builtin endpoints,
// following SPDP lease expiry or explicit loss.
func (e *SEDPEndpoints) UnmatchParticipant(remotePrefix guid.GuidPrefix) {
	e.PubWriter.UnmatchReader(guid.New(remotePrefix, guid.EntityIdSEDPPubReader))
	e.PubReader.UnmatchWriter(guid.New(remotePrefix, guid.EntityIdSEDPPubWriter))
	e.SubWriter.UnmatchReader(guid.New(remotePrefix, guid.EntityIdSEDPSubReader))
	e.SubReader.UnmatchWriter(guid.New(remotePrefix, guid.EntityIdSEDPSubWriter))
}
