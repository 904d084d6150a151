// Package transport implements RTPS UDP send/receive: buffer pooling, a
// receiver goroutine handing packets to a fixed worker pool over a
// bounded channel, and non-blocking drop-on-full receive. RTPS needs one
// multicast receive socket per domain (SPDP/SEDP metatraffic) in
// addition to the ordinary unicast sockets, joined via
// golang.org/x/net/ipv4 rather than SO_REUSEPORT, since multicast
// membership is per-group rather than per-port-sharded.
package transport

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/net/ipv4"

	"github.com/hdds-team/hdds/internal/locator"
	"github.com/hdds-team/hdds/internal/pool"
)

// MaxMessageSize bounds a single RTPS Message per UDP datagram; larger
// payloads must be fragmented by the writer engine before transport sees
// them.
const MaxMessageSize = 65000

// DefaultWorkersPerSocket is the fixed worker-pool size per socket,
// sized for RTPS discovery/data traffic volumes.
const DefaultWorkersPerSocket = 64

var bufferPool = pool.New(func() *[]byte {
	buf := make([]byte, MaxMessageSize)
	return &buf
})

// Handler processes one received RTPS Message. Implementations must not
// retain payload beyond the call; the buffer is returned to the pool
// immediately after.
type Handler interface {
	HandleMessage(ctx context.Context, from *net.UDPAddr, payload []byte)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, from *net.UDPAddr, payload []byte)

func (f HandlerFunc) HandleMessage(ctx context.Context, from *net.UDPAddr, payload []byte) {
	f(ctx, from, payload)
}

type packet struct {
	bufPtr *[]byte
	n int
	peer *net.UDPAddr
}

// socket is one receive path: a UDP connection, a receiver goroutine, and
// a fixed worker pool draining a bounded channel. Shared by both the
// unicast and multicast listeners below.
type socket struct {
	conn *net.UDPConn
	handler Handler
	workersPerSocket int
	logger *slog.Logger

	wg sync.WaitGroup
}

func newSocket(conn *net.UDPConn, handler Handler, workers int, logger *slog.Logger) *socket {
	if workers <= 0 {
		workers = DefaultWorkersPerSocket
	}
	return &socket{conn: conn, handler: handler, workersPerSocket: workers, logger: logger}
}

// Run starts the receiver and worker goroutines; it returns once ctx is
// cancelled and all goroutines have exited.
//
// Goroutine lifecycle: one receiver plus workersPerSocket workers, all
// reading ctx and exiting when it is cancelled or the socket is closed.
func (s *socket) Run(ctx context.Context) {
	ch := make(chan packet, s.workersPerSocket*2)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.recvLoop(ctx, ch)
	}()

	for range s.workersPerSocket {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.workerLoop(ctx, ch)
		}()
	}

	<-ctx.Done()
	_ = s.conn.Close()
	s.wg.Wait()
}

func (s *socket) recvLoop(ctx context.Context, out chan<- packet) {
	for {
		bufPtr := bufferPool.Get()
		buf := *bufPtr

		n, peer, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			bufferPool.Put(bufPtr)
			if ctx.Err() != nil {
				return
			}
			if s.logger != nil {
				s.logger.Debug("transport: recv error", "error", err)
			}
			return
		}

		select {
		case out <- packet{bufPtr, n, peer}:
		default:
			// All workers busy; drop to keep the receive path fast.
			bufferPool.Put(bufPtr)
			if s.logger != nil {
				s.logger.Warn("transport: dropped packet, workers busy")
			}
		}
	}
}

func (s *socket) workerLoop(ctx context.Context, in <-chan packet) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-in:
			if !ok {
				return
			}
			s.handlePacket(ctx, pkt)
		}
	}
}

func (s *socket) handlePacket(ctx context.Context, p packet) {
	defer bufferPool.Put(p.bufPtr)
	if s.handler == nil {
		return
	}
	s.handler.HandleMessage(ctx, p.peer, (*p.bufPtr)[:p.n])
}

// Send writes an encoded RTPS Message to dst.
func (s *socket) Send(msg []byte, dst *net.UDPAddr) error {
	_, err := s.conn.WriteToUDP(msg, dst)
	return err
}

// Transport owns the sockets a single participant needs: one multicast
// listener for SPDP, and one unicast listener for SEDP and user traffic
//. Both share the same wire format and Handler contract.
type Transport struct {
	iface *net.Interface
	logger *slog.Logger
	workers int

	multicast *socket
	unicast *socket

	unicastLocator locator.Locator
}

// Config selects the network interface and worker sizing for a Transport.
type Config struct {
	InterfaceName string // empty = system default
	WorkersPerSocket int
	Logger *slog.Logger
}

// Open binds the unicast and multicast sockets for domainID using the OMG
// well-known ports (locator.ComputeDomainPorts) and joins the SPDP
// multicast group on cfg.InterfaceName.
func Open(cfg Config, domainID, participantID int) (*Transport, error) {
	ports := locator.ComputeDomainPorts(domainID, participantID)

	var iface *net.Interface
	if cfg.InterfaceName != "" {
		found, err := net.InterfaceByName(cfg.InterfaceName)
		if err != nil {
			return nil, err
		}
		iface = found
	}

	unicastConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(ports.SPDPUnicast)})
	if err != nil {
		return nil, err
	}

	mcAddr := &net.UDPAddr{IP: net.IPv4(239, 255, 0, 1), Port: int(ports.SPDPMulticast)}
	// Binding the group address (not the wildcard) makes the stdlib set
	// SO_REUSEADDR, so several participants of one domain share this port.
	mcConn, err := net.ListenUDP("udp4", mcAddr)
	if err != nil {
		_ = unicastConn.Close()
		return nil, err
	}
	pconn := ipv4.NewPacketConn(mcConn)
	if err := pconn.JoinGroup(iface, mcAddr); err != nil {
		_ = unicastConn.Close()
		_ = mcConn.Close()
		return nil, err
	}

	unicastLoc, err := locator.FromUDPAddr(&net.UDPAddr{IP: net.IPv4zero, Port: int(ports.SPDPUnicast)})
	if err != nil {
		_ = unicastConn.Close()
		_ = mcConn.Close()
		return nil, err
	}

	t := &Transport{
		iface: iface,
		logger: cfg.Logger,
		workers: cfg.WorkersPerSocket,
		unicast: newSocket(unicastConn, nil, cfg.WorkersPerSocket, cfg.Logger),
		multicast: newSocket(mcConn, nil, cfg.WorkersPerSocket, cfg.Logger),
		unicastLocator: unicastLoc,
	}
	return t, nil
}

// UnicastLocator reports the locator matched writers/readers should
// address traffic to, for inclusion in SPDP/SEDP announcements.
func (t *Transport) UnicastLocator() locator.Locator { return t.unicastLocator }

// SetHandler installs the message handler for both sockets. Must be
// called before Run.
func (t *Transport) SetHandler(h Handler) {
	t.unicast.handler = h
	t.multicast.handler = h
}

// Run blocks, servicing both sockets, until ctx is cancelled, then waits
// for both sockets' goroutines to exit before returning. Callers that
// need a bounded shutdown should cancel ctx with a deadline and rely on
// Run returning once the sockets have actually closed.
func (t *Transport) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); t.unicast.Run(ctx) }()
	go func() { defer wg.Done(); t.multicast.Run(ctx) }()
	wg.Wait()
}

// SendUnicast sends msg to a single unicast locator.
func (t *Transport) SendUnicast(msg []byte, dst locator.Locator) error {
	addr, err := dst.UDPAddr()
	if err != nil {
		return err
	}
	return t.unicast.Send(msg, addr)
}

// SendMulticast sends msg to the SPDP multicast group via the multicast
// socket (which also owns that group membership).
func (t *Transport) SendMulticast(msg []byte, dst locator.Locator) error {
	addr, err := dst.UDPAddr()
	if err != nil {
		return err
	}
	return t.multicast.Send(msg, addr)
}

// CloseSockets force-closes both underlying connections, unblocking any
// in-flight ReadFromUDP calls immediately. Used by a caller that cannot
// wait for Run's ctx-driven shutdown to observe cancellation.
func (t *Transport) CloseSockets() {
	_ = t.unicast.conn.Close()
	_ = t.multicast.conn.Close()
}
