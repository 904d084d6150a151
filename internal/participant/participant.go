package participant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hdds-team/hdds/internal/condition"
	"github.com/hdds-team/hdds/internal/discovery"
	"github.com/hdds-team/hdds/internal/guid"
	"github.com/hdds-team/hdds/internal/history"
	"github.com/hdds-team/hdds/internal/locator"
	"github.com/hdds-team/hdds/internal/reader"
	"github.com/hdds-team/hdds/internal/transport"
	"github.com/hdds-team/hdds/internal/wire"
	"github.com/hdds-team/hdds/internal/writer"
)

// ErrNoAvailableParticipantID is returned by New (with Config.Auto set) once every id in
// 0..maxParticipantID has failed to bind.
var ErrNoAvailableParticipantID = errors.New("participant: no available participant id in domain")

const maxParticipantID = 119

// Topic is the result of a topic creation builder: a name/type pair plus
// whether the type is keyed, which governs the EntityKind assigned to
// writers/readers created against it.
type Topic struct {
	Name string
	Type string
	HasKey bool
}

type localPublication struct {
	writer *writer.DataWriter
	data discovery.PublicationBuiltinTopicData
}

type localSubscription struct {
	reader *reader.DataReader
	data discovery.SubscriptionBuiltinTopicData
}

// Config selects how a Participant is built (Participant
// builder: domain_id, participant_id, ignored_participants, interface).
type Config struct {
	DomainID int
	ParticipantID int // ignored if Auto is true
	Auto bool
	InterfaceName string
	WorkersPerSocket int
	LeaseDuration time.Duration
	AnnouncePeriod time.Duration
	IgnoredParticipants []guid.GuidPrefix
	// DiscoveryPeers is a fixed unicast peer list SPDP additionally
	// announces to (HDDS_DISCOVERY_PEERS), supplementing
	// multicast rather than replacing it.
	DiscoveryPeers []locator.Locator
	Logger *slog.Logger
}

// Participant is one running DDS domain participant: the transport
// sockets, SPDP/SEDP discovery, and the local entity graph (arena) of
// writers and readers it hosts.
type Participant struct {
	cfg Config
	prefix guid.GuidPrefix
	vendor guid.VendorId
	transport *transport.Transport
	logger *slog.Logger

	entityKeys *guid.EntityKeyAllocator
	arena *arena

	spdp *discovery.SPDPAgent
	sedp *discovery.SEDPEndpoints

	ignored map[guid.GuidPrefix]struct{}

	peerMu sync.Mutex
	peerLocs map[guid.GuidPrefix]locator.Locator

	pubMu sync.Mutex
	localPubs map[guid.GUID]localPublication
	remotePubs map[guid.GUID]discovery.PublicationBuiltinTopicData

	subMu sync.Mutex
	localSubs map[guid.GUID]localSubscription
	remoteSubs map[guid.GUID]discovery.SubscriptionBuiltinTopicData

	shutdown *condition.GuardCondition

	audit AuditSink

	cancel context.CancelFunc
	wg sync.WaitGroup
}

// AuditSink is the capability a discovery-graph audit trail needs to
// observe this participant's transitions, kept as a narrow local
// interface rather than an import of internal/discoveryaudit so this
// package stays decoupled from any particular storage backend.
type AuditSink interface {
	Record(eventType, guid, detail string) error
}

// SetAuditSink attaches an audit trail; nil disables recording (the
// default). Safe to call once before Start.
func (p *Participant) SetAuditSink(a AuditSink) { p.audit = a }

func (p *Participant) recordAudit(eventType, guid, detail string) {
	if p.audit == nil {
		return
	}
	if err := p.audit.Record(eventType, guid, detail); err != nil && p.logger != nil {
		p.logger.Warn("participant: audit record failed", "err", err)
	}
}

// New opens transport on cfg.ParticipantID, or on the lowest id that binds
// when cfg.Auto is set.
func New(cfg Config) (*Participant, error) {
	if cfg.Auto {
		return newAuto(cfg)
	}
	return open(cfg, cfg.ParticipantID)
}

// newAuto tries successive participant ids until one binds, allocating
// the lowest unused id in the domain.
func newAuto(cfg Config) (*Participant, error) {
	for id := 0; id <= maxParticipantID; id++ {
		p, err := open(cfg, id)
		if err == nil {
			return p, nil
		}
		var opErr *net.OpError
		if !errors.As(err, &opErr) {
			return nil, err
		}
	}
	return nil, ErrNoAvailableParticipantID
}

func open(cfg Config, participantID int) (*Participant, error) {
	t, err := transport.Open(transport.Config{
		InterfaceName: cfg.InterfaceName,
		WorkersPerSocket: cfg.WorkersPerSocket,
		Logger: cfg.Logger,
	}, cfg.DomainID, participantID)
	if err != nil {
		return nil, err
	}

	vendor := guid.VendorIDHdds
	prefix, err := guid.NewGuidPrefix(vendor)
	if err != nil {
		t.CloseSockets()
		return nil, fmt.Errorf("participant: generate guid prefix: %w", err)
	}

	p := &Participant{
		cfg: cfg,
		prefix: prefix,
		vendor: vendor,
		transport: t,
		logger: cfg.Logger,
		entityKeys: guid.NewEntityKeyAllocator(),
		arena: newArena(),
		peerLocs: make(map[guid.GuidPrefix]locator.Locator),
		localPubs: make(map[guid.GUID]localPublication),
		remotePubs: make(map[guid.GUID]discovery.PublicationBuiltinTopicData),
		localSubs: make(map[guid.GUID]localSubscription),
		remoteSubs: make(map[guid.GUID]discovery.SubscriptionBuiltinTopicData),
		shutdown: condition.NewGuardCondition(),
	}

	p.ignored = make(map[guid.GuidPrefix]struct{}, len(cfg.IgnoredParticipants))
	for _, ig := range cfg.IgnoredParticipants {
		p.ignored[ig] = struct{}{}
	}

	lease := cfg.LeaseDuration
	if lease <= 0 {
		lease = 100 * time.Second
	}
	announce := cfg.AnnouncePeriod
	if announce <= 0 {
		announce = 5 * time.Second
	}

	self := discovery.ParticipantBuiltinTopicData{
		GuidPrefix: prefix,
		ProtocolVersion: wire.ProtocolVersion23,
		Vendor: vendor,
		DefaultUnicastLocators: []locator.Locator{t.UnicastLocator()},
		LeaseDuration: lease,
	}
	ports := locatorForSPDPMulticast(cfg.DomainID)
	p.spdp = discovery.NewSPDPAgent(self, ports, t, announce, cfg.Logger, p.onPeerDiscovered, p.onPeerLost)
	if len(cfg.DiscoveryPeers) > 0 {
		p.spdp.SetUnicastPeers(cfg.DiscoveryPeers)
	}
	p.sedp = discovery.NewSEDPEndpoints(prefix, vendor, t)

	t.SetHandler(p)
	return p, nil
}

func locatorForSPDPMulticast(domainID int) locator.Locator {
	ports := locator.ComputeDomainPorts(domainID, 0)
	var loc locator.Locator
	loc.Kind = locator.KindUDPv4
	loc.Port = ports.SPDPMulticast
	copy(loc.Address[12:16], net.IPv4(239, 255, 0, 1).To4())
	return loc
}

// Start runs the transport receive loop, SPDP announcer, SEDP heartbeat
// loops, and the SEDP discovery ingest loops until ctx is cancelled.
func (p *Participant) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go func() { defer p.wg.Done(); p.transport.Run(ctx) }()

	p.spdp.Start()
	p.sedp.Start()

	p.wg.Add(2)
	go func() { defer p.wg.Done(); p.ingestLoop(ctx, p.sedp.PubReader, p.onPublicationReceived) }()
	go func() { defer p.wg.Done(); p.ingestLoop(ctx, p.sedp.SubReader, p.onSubscriptionReceived) }()

	go func() {
		<-ctx.Done()
		p.shutdown.SetTriggerValue(true)
	}()
}

// Stop cancels the running loops, joins them, and tears down discovery
// and the transport sockets (shutdown contract).
func (p *Participant) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.spdp.Stop()
	p.sedp.Stop()
	for _, w := range p.arena.allWriters() {
		w.Stop()
	}
	p.transport.CloseSockets()
	p.wg.Wait()
}

// ShutdownCondition exposes the GuardCondition that trips once Start's ctx
// is cancelled, for a caller waiting on a WaitSet alongside application
// conditions.
func (p *Participant) ShutdownCondition() *condition.GuardCondition { return p.shutdown }

// ingestLoop drains a builtin SEDP reader's delivered samples as they
// arrive, via a WaitSet on its DataAvailable status, until ctx is done.
func (p *Participant) ingestLoop(ctx context.Context, r *reader.DataReader, handle func(history.CacheChange)) {
	ws := condition.NewWaitSet()
	ws.Attach(r.StatusCondition())
	for {
		if ctx.Err() != nil {
			return
		}
		triggered := ws.WaitContext(ctx)
		if len(triggered) == 0 {
			continue
		}
		for {
			change, ok := r.TryTake()
			if !ok {
				break
			}
			handle(change)
		}
	}
}
