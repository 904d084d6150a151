// SPDP: periodic best-effort multicast announcement of participant
// existence, and ingestion of peer announcements. Uses the same
// Start/Stop/Status shape and runLoop ticker pattern as the rest of this
// module's background agents.
package discovery

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hdds-team/hdds/internal/guid"
	"github.com/hdds-team/hdds/internal/locator"
	"github.com/hdds-team/hdds/internal/wire"
)

// ParticipantBuiltinTopicData is the SPDP announcement payload. Encoded as
// a flat XCDR2 struct rather than a PL_CDR parameter list: this
// implementation only ever talks to itself, so there is no cross-vendor
// wire-compatibility requirement to justify the extra indirection of a
// parameter list here.
type ParticipantBuiltinTopicData struct {
	GuidPrefix guid.GuidPrefix
	ProtocolVersion wire.ProtocolVersion
	Vendor guid.VendorId
	DefaultUnicastLocators []locator.Locator
	DefaultMulticastLocators []locator.Locator
	MetatrafficUnicastLocators []locator.Locator
	MetatrafficMulticastLocators []locator.Locator
	LeaseDuration time.Duration
	UserData []byte
}

func putLocator(w *wire.Writer, l locator.Locator) {
	w.PutI32(int32(l.Kind))
	w.PutU32(l.Port)
	w.PutBytes(l.Address[:])
}

func getLocator(r *wire.Reader) (locator.Locator, error) {
	kind, err := r.GetI32()
	if err != nil {
		return locator.Locator{}, err
	}
	port, err := r.GetU32()
	if err != nil {
		return locator.Locator{}, err
	}
	addr, err := r.GetBytes(16)
	if err != nil {
		return locator.Locator{}, err
	}
	var loc locator.Locator
	loc.Kind = locator.Kind(kind)
	loc.Port = port
	copy(loc.Address[:], addr)
	return loc, nil
}

func putLocatorList(w *wire.Writer, locs []locator.Locator) {
	w.PutU32(uint32(len(locs)))
	for _, l := range locs {
		putLocator(w, l)
	}
}

func getLocatorList(r *wire.Reader) ([]locator.Locator, error) {
	n, err := r.GetU32()
	if err != nil {
		return nil, err
	}
	out := make([]locator.Locator, 0, n)
	for range n {
		l, err := getLocator(r)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

// MarshalParticipantData encodes a ParticipantBuiltinTopicData as CDR2.
func MarshalParticipantData(d ParticipantBuiltinTopicData) []byte {
	w := wire.NewWriter(wire.EncapsulationXCDR2_LE)
	w.PutBytes(d.GuidPrefix[:])
	w.PutU8(d.ProtocolVersion.Major)
	w.PutU8(d.ProtocolVersion.Minor)
	w.PutU8(d.Vendor[0])
	w.PutU8(d.Vendor[1])
	putLocatorList(w, d.DefaultUnicastLocators)
	putLocatorList(w, d.DefaultMulticastLocators)
	putLocatorList(w, d.MetatrafficUnicastLocators)
	putLocatorList(w, d.MetatrafficMulticastLocators)
	w.PutI64(int64(d.LeaseDuration))
	w.PutU32(uint32(len(d.UserData)))
	w.PutBytes(d.UserData)
	return w.Bytes()
}

// UnmarshalParticipantData decodes a ParticipantBuiltinTopicData. Malformed
// input returns an error; callers drop the record and log.
func UnmarshalParticipantData(buf []byte) (ParticipantBuiltinTopicData, error) {
	r, err := wire.NewReader(buf)
	if err != nil {
		return ParticipantBuiltinTopicData{}, err
	}
	var d ParticipantBuiltinTopicData
	prefixBytes, err := r.GetBytes(12)
	if err != nil {
		return d, err
	}
	copy(d.GuidPrefix[:], prefixBytes)
	if d.ProtocolVersion.Major, err = r.GetU8(); err != nil {
		return d, err
	}
	if d.ProtocolVersion.Minor, err = r.GetU8(); err != nil {
		return d, err
	}
	v0, err := r.GetU8()
	if err != nil {
		return d, err
	}
	v1, err := r.GetU8()
	if err != nil {
		return d, err
	}
	d.Vendor = guid.VendorId{v0, v1}
	if d.DefaultUnicastLocators, err = getLocatorList(r); err != nil {
		return d, err
	}
	if d.DefaultMulticastLocators, err = getLocatorList(r); err != nil {
		return d, err
	}
	if d.MetatrafficUnicastLocators, err = getLocatorList(r); err != nil {
		return d, err
	}
	if d.MetatrafficMulticastLocators, err = getLocatorList(r); err != nil {
		return d, err
	}
	lease, err := r.GetI64()
	if err != nil {
		return d, err
	}
	d.LeaseDuration = time.Duration(lease)
	n, err := r.GetU32()
	if err != nil {
		return d, err
	}
	if d.UserData, err = r.GetBytes(int(n)); err != nil {
		return d, err
	}
	return d, nil
}

// MulticastSender is the capability SPDP needs from the transport: send a
// framed message to the domain's SPDP multicast locator.
type MulticastSender interface {
	SendMulticast(msg []byte, dst locator.Locator) error
}

// peerState tracks a known remote participant's last-seen time for lease
// expiry.
type peerState struct {
	data ParticipantBuiltinTopicData
	lastSeen time.Time
}

// SPDPAgent periodically announces this participant and ingests peer
// announcements.
type SPDPAgent struct {
	self ParticipantBuiltinTopicData
	multicastLocator locator.Locator
	unicastPeers []locator.Locator
	sender MulticastSender
	announcePeriod time.Duration
	logger *slog.Logger

	onDiscovered func(ParticipantBuiltinTopicData)
	onLost func(guid.GuidPrefix)

	mu sync.Mutex
	peers map[guid.GuidPrefix]*peerState

	announceCount int
	lastAnnounce time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSPDPAgent constructs an agent for self, multicasting to
// multicastLocator every announcePeriod. onDiscovered is invoked (outside
// any lock) for every valid announcement from a peer other than self,
// repeats included; onLost is invoked when a peer's lease expires.
func NewSPDPAgent(self ParticipantBuiltinTopicData, multicastLocator locator.Locator, sender MulticastSender,
	announcePeriod time.Duration, logger *slog.Logger,
	onDiscovered func(ParticipantBuiltinTopicData), onLost func(guid.GuidPrefix)) *SPDPAgent {
	return &SPDPAgent{
		self: self,
		multicastLocator: multicastLocator,
		sender: sender,
		announcePeriod: announcePeriod,
		logger: logger,
		onDiscovered: onDiscovered,
		onLost: onLost,
		peers: make(map[guid.GuidPrefix]*peerState),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// SetUnicastPeers configures a fixed list of unicast peer locators SPDP
// additionally announces to on every tick. Multicast announcement
// continues unconditionally; the unicast list supplements it rather than
// replacing it, so a mixed multicast/unicast-initial-peers deployment
// still converges.
func (a *SPDPAgent) SetUnicastPeers(peers []locator.Locator) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unicastPeers = peers
}

// Start begins the announce/lease-expiry loop.
//
// Goroutine lifecycle: one goroutine, exits on Stop, Stop blocks until it
// has exited (the same handshake used throughout this module).
func (a *SPDPAgent) Start() {
	go a.runLoop()
}

func (a *SPDPAgent) Stop() {
	close(a.stopCh)
	<-a.doneCh
}

func (a *SPDPAgent) runLoop() {
	defer close(a.doneCh)
	ticker := time.NewTicker(a.announcePeriod)
	defer ticker.Stop()
	a.announce()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.announce()
			a.expireLeases()
		}
	}
}

// unicastSender is the extra capability a transport needs to additionally
// reach the fixed HDDS_DISCOVERY_PEERS list directly; checked with a type
// assertion so test fakes implementing only MulticastSender are unaffected.
type unicastSender interface {
	SendUnicast(msg []byte, dst locator.Locator) error
}

func (a *SPDPAgent) announce() {
	msg := MarshalParticipantData(a.self)
	if err := a.sender.SendMulticast(msg, a.multicastLocator); err != nil {
		if a.logger != nil {
			a.logger.Warn("spdp: announce failed", "err", err)
		}
	} else {
		a.mu.Lock()
		a.announceCount++
		a.lastAnnounce = time.Now()
		a.mu.Unlock()
	}

	a.mu.Lock()
	peers := append([]locator.Locator(nil), a.unicastPeers...)
	a.mu.Unlock()
	if len(peers) == 0 {
		return
	}
	us, ok := a.sender.(unicastSender)
	if !ok {
		return
	}
	for _, peer := range peers {
		if err := us.SendUnicast(msg, peer); err != nil && a.logger != nil {
			a.logger.Warn("spdp: unicast announce failed", "peer", peer.String(), "err", err)
		}
	}
}

// HandleAnnouncement processes a received SPDP announcement payload:
// validates it isn't self, and either registers a newly-seen peer or
// refreshes an existing one's lease.
func (a *SPDPAgent) HandleAnnouncement(payload []byte) {
	data, err := UnmarshalParticipantData(payload)
	if err != nil {
		if a.logger != nil {
			a.logger.Warn("spdp: dropping malformed announcement", "err", err)
		}
		return
	}
	if data.GuidPrefix == a.self.GuidPrefix {
		return // not-self validation
	}

	a.mu.Lock()
	a.peers[data.GuidPrefix] = &peerState{data: data, lastSeen: time.Now()}
	a.mu.Unlock()

	// Re-announcements are idempotent: always notifying is safe since
	// downstream matching (SEDP session creation) is itself idempotent
	// per-peer.
	if a.onDiscovered != nil {
		a.onDiscovered(data)
	}
}

// expireLeases drops peers whose lease_duration has elapsed since last
// seen, notifying onLost for each.
func (a *SPDPAgent) expireLeases() {
	now := time.Now()
	var lost []guid.GuidPrefix
	a.mu.Lock()
	for prefix, p := range a.peers {
		if now.Sub(p.lastSeen) > p.data.LeaseDuration {
			delete(a.peers, prefix)
			lost = append(lost, prefix)
		}
	}
	a.mu.Unlock()
	for _, prefix := range lost {
		if a.onLost != nil {
			a.onLost(prefix)
		}
	}
}

// Status is a point-in-time snapshot for diagnostics.
type Status struct {
	AnnounceCount int
	LastAnnounce time.Time
	PeersKnown int
}

func (a *SPDPAgent) StatusSnapshot() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{AnnounceCount: a.announceCount, LastAnnounce: a.lastAnnounce, PeersKnown: len(a.peers)}
}

// KnownPeers returns a snapshot of currently known peer participant data.
func (a *SPDPAgent) KnownPeers() []ParticipantBuiltinTopicData {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ParticipantBuiltinTopicData, 0, len(a.peers))
	for _, p := range a.peers {
		out = append(out, p.data)
	}
	return out
}
