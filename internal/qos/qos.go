// Package qos represents the DDS QoS policy set as an immutable value
// object and implements the pure, side-effect-free writer/reader
// compatibility rules. It is built via chained constructor options rather
// than mutable setters.
package qos

import "time"

type ReliabilityKind int

const (
	BestEffort ReliabilityKind = iota
	Reliable
)

type DurabilityKind int

const (
	Volatile DurabilityKind = iota
	TransientLocal
	Transient
	Persistent
)

type HistoryKind int

const (
	KeepLast HistoryKind = iota
	KeepAll
)

type LivelinessKind int

const (
	Automatic LivelinessKind = iota
	ManualByParticipant
	ManualByTopic
)

type OwnershipKind int

const (
	Shared OwnershipKind = iota
	Exclusive
)

// Policy is the full, immutable set of QoS policies for an endpoint.
// New() with no options returns the DDS "default" profile: BEST_EFFORT,
// VOLATILE, KEEP_LAST(1), SHARED ownership, no deadline/liveliness/
// partition/limits. The zero value differs: its history depth is 0, which
// Validate rejects.
type Policy struct {
	Reliability ReliabilityKind
	Durability DurabilityKind
	History HistoryKind
	HistoryDepth int
	Deadline time.Duration // 0 = no deadline
	Liveliness LivelinessKind
	LeaseDuration time.Duration
	Ownership OwnershipKind
	OwnershipStrength int32
	Lifespan time.Duration // 0 = infinite
	Partitions []string
	MaxSamples int // 0 = unbounded
	MaxInstances int
	MaxSamplesPerInstance int
	LatencyBudget time.Duration // hint only
	TransportPriority int32 // hint only
	TimeBasedFilterMinSeparation time.Duration
	MaxBlockingTime time.Duration
}

// Option mutates a Policy under construction; Policy values returned by New
// are otherwise treated as immutable by the rest of the system.
type Option func(*Policy)

// New builds a Policy starting from the DDS default profile and applying
// opts in order.
func New(opts...Option) Policy {
	p := Policy{
		Reliability: BestEffort,
		Durability: Volatile,
		History: KeepLast,
		HistoryDepth: 1,
		Ownership: Shared,
		MaxBlockingTime: 4 * time.Second,
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

func WithReliability(k ReliabilityKind) Option { return func(p *Policy) { p.Reliability = k } }
func WithDurability(k DurabilityKind) Option { return func(p *Policy) { p.Durability = k } }
func WithKeepLast(depth int) Option {
	return func(p *Policy) { p.History = KeepLast; p.HistoryDepth = depth }
}
func WithKeepAll() Option { return func(p *Policy) { p.History = KeepAll } }
func WithDeadline(d time.Duration) Option { return func(p *Policy) { p.Deadline = d } }
func WithLiveliness(k LivelinessKind, lease time.Duration) Option {
	return func(p *Policy) { p.Liveliness = k; p.LeaseDuration = lease }
}
func WithOwnership(k OwnershipKind, strength int32) Option {
	return func(p *Policy) { p.Ownership = k; p.OwnershipStrength = strength }
}
func WithLifespan(d time.Duration) Option { return func(p *Policy) { p.Lifespan = d } }
func WithPartitions(patterns...string) Option {
	return func(p *Policy) { p.Partitions = append([]string(nil), patterns...) }
}
func WithResourceLimits(maxSamples, maxInstances, maxSamplesPerInstance int) Option {
	return func(p *Policy) {
		p.MaxSamples = maxSamples
		p.MaxInstances = maxInstances
		p.MaxSamplesPerInstance = maxSamplesPerInstance
	}
}
func WithLatencyBudget(d time.Duration) Option { return func(p *Policy) { p.LatencyBudget = d } }
func WithTransportPriority(v int32) Option { return func(p *Policy) { p.TransportPriority = v } }
func WithTimeBasedFilter(minSeparation time.Duration) Option {
	return func(p *Policy) { p.TimeBasedFilterMinSeparation = minSeparation }
}
func WithMaxBlockingTime(d time.Duration) Option { return func(p *Policy) { p.MaxBlockingTime = d } }

func (k ReliabilityKind) String() string {
	if k == Reliable {
		return "RELIABLE"
	}
	return "BEST_EFFORT"
}

func (k DurabilityKind) String() string {
	switch k {
	case TransientLocal:
		return "TRANSIENT_LOCAL"
	case Transient:
		return "TRANSIENT"
	case Persistent:
		return "PERSISTENT"
	default:
		return "VOLATILE"
	}
}

func (k OwnershipKind) String() string {
	if k == Exclusive {
		return "EXCLUSIVE"
	}
	return "SHARED"
}

// Validate rejects QoS combinations that are boundary failures. It does
// not mutate p; callers apply the Durability-reduction warning separately
// (see Reduce).
func (p Policy) Validate() error {
	if p.History == KeepLast && p.HistoryDepth <= 0 {
		return ErrInvalidHistoryDepth
	}
	return nil
}

// Reduce downgrades TRANSIENT and PERSISTENT Durability to
// TRANSIENT_LOCAL, since no backing store exists to make either durable
// across participant restarts. It returns the adjusted policy and whether
// a reduction occurred, so callers can log an Unsupported warning at QoS
// application time.
func (p Policy) Reduce() (Policy, bool) {
	if p.Durability == Transient || p.Durability == Persistent {
		p.Durability = TransientLocal
		return p, true
	}
	return p, false
}

// Compatible evaluates writer/reader QoS compatibility. Partition
// intersection is evaluated separately by the discovery matching engine,
// which also needs the raw pattern lists.
func Compatible(writer, reader Policy) bool {
	if writer.Reliability < reader.Reliability {
		return false
	}
	if writer.Durability < reader.Durability {
		return false
	}
	if writer.Deadline != 0 && reader.Deadline != 0 && writer.Deadline > reader.Deadline {
		return false
	}
	if writer.Liveliness < reader.Liveliness {
		return false
	}
	if writer.LeaseDuration > reader.LeaseDuration {
		return false
	}
	if writer.Ownership != reader.Ownership {
		return false
	}
	if reader.TimeBasedFilterMinSeparation != 0 && writer.Deadline != 0 &&
		reader.TimeBasedFilterMinSeparation > writer.Deadline {
		return false
	}
	return true
}
