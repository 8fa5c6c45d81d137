package coap

import (
	"net"
	"sync"
)

// Addr identifies a transport endpoint. net.Addr already carries the
// bit-exact identity (IP+port, or an in-process name for loop/null)
// the dedup and correlation keys compare on, so we reuse it rather
// than invent a parallel type.
type Addr = net.Addr

// Receiver is invoked by a Transport for every inbound datagram. The
// transport is responsible for calling it on the owning Scheduler so
// all protocol state transitions stay on one logical thread even when
// the transport itself reads from a socket on its own goroutine.
type Receiver func(data []byte, from Addr)

// Transport is the pluggable datagram boundary: a scheme-registered
// sink/source. The protocol core (message layer, transaction layer,
// block-wise engine) is identical regardless of which Transport an
// EndpointManager is using.
type Transport interface {
	// Send writes a single datagram to the given peer.
	Send(to Addr, data []byte) error
	// LocalAddr returns the transport's bound local address.
	LocalAddr() Addr
	// Close releases the transport's resources. Idempotent.
	Close() error
}

// TransportFactory constructs a Transport bound to addr, delivering
// inbound datagrams to receiver via sched.
type TransportFactory func(sched Scheduler, addr string, receiver Receiver) (Transport, error)

// maxPktLen bounds a single inbound UDP read, sized for typical
// constrained-network MTUs.
const maxPktLen = 1500

// --- UDP transport -----------------------------------------------------

type udpTransport struct {
	conn   *net.UDPConn
	sched  Scheduler
	closed chan struct{}
	once   sync.Once
}

// NewUDPTransport binds a UDP socket at addr (host:port, "" for an
// ephemeral port) and begins delivering inbound datagrams to receiver.
func NewUDPTransport(sched Scheduler, addr string, receiver Receiver) (Transport, error) {
	uaddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, WrapError(KindIllegalState, err, "resolve UDP address")
	}
	conn, err := net.ListenUDP("udp", uaddr)
	if err != nil {
		return nil, WrapError(KindIllegalState, err, "listen UDP")
	}
	t := &udpTransport{conn: conn, sched: sched, closed: make(chan struct{})}
	go t.readLoop(receiver)
	return t, nil
}

func (t *udpTransport) readLoop(receiver Receiver) {
	buf := make([]byte, maxPktLen)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			TraceError("[coap] udp read error: %s", err)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		src := from
		t.sched.Schedule(0, func() { receiver(data, src) })
	}
}

func (t *udpTransport) Send(to Addr, data []byte) error {
	uaddr, ok := to.(*net.UDPAddr)
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", to.String())
		if err != nil {
			return WrapError(KindIllegalState, err, "resolve send target")
		}
		uaddr = resolved
	}
	_, err := t.conn.WriteToUDP(data, uaddr)
	return err
}

func (t *udpTransport) LocalAddr() Addr { return t.conn.LocalAddr() }

func (t *udpTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.closed)
		err = t.conn.Close()
	})
	return err
}

// --- loop transport ------------------------------------------------------

// loopAddr is the in-process Addr used by the loop transport: a plain
// name rather than an IP:port.
type loopAddr string

func (a loopAddr) Network() string { return "loop" }
func (a loopAddr) String() string  { return string(a) }

var loopRegistry = struct {
	mu sync.Mutex
	m  map[loopAddr]*loopTransport
}{m: map[loopAddr]*loopTransport{}}

type loopTransport struct {
	addr     loopAddr
	sched    Scheduler
	receiver Receiver
	mu       sync.Mutex
	closed   bool
}

// NewLoopTransport registers an in-process transport at addr (e.g.
// "localhost", or "server"/"client" in tests) that routes sends to any
// other loop transport registered under the destination address,
// invoking the receiver on the destination's own scheduler — this is
// what lets a single process host both a CoAP client and server with no
// real socket.
func NewLoopTransport(sched Scheduler, addr string, receiver Receiver) (Transport, error) {
	la := loopAddr(addr)
	t := &loopTransport{addr: la, sched: sched, receiver: receiver}

	loopRegistry.mu.Lock()
	defer loopRegistry.mu.Unlock()
	loopRegistry.m[la] = t
	return t, nil
}

func (t *loopTransport) Send(to Addr, data []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.mu.Unlock()

	dest := loopAddr(to.String())
	loopRegistry.mu.Lock()
	peer, ok := loopRegistry.m[dest]
	loopRegistry.mu.Unlock()
	if !ok {
		return WrapError(KindIllegalState, nil, "no loop transport registered at "+string(dest))
	}

	src := t.addr
	peer.sched.Schedule(0, func() { peer.receiver(data, src) })
	return nil
}

func (t *loopTransport) LocalAddr() Addr { return t.addr }

func (t *loopTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	loopRegistry.mu.Lock()
	delete(loopRegistry.m, t.addr)
	loopRegistry.mu.Unlock()
	return nil
}

// --- null transport ------------------------------------------------------

// nullAddr is the Addr reported by the null transport.
type nullAddr string

func (a nullAddr) Network() string { return "null" }
func (a nullAddr) String() string  { return string(a) }

type nullTransport struct {
	addr nullAddr
}

// NewNullTransport returns a Transport that silently drops every Send
// and never delivers an inbound datagram — used to exercise timeout
// paths deterministically without any real I/O.
func NewNullTransport(sched Scheduler, addr string, receiver Receiver) (Transport, error) {
	return &nullTransport{addr: nullAddr(addr)}, nil
}

func (t *nullTransport) Send(to Addr, data []byte) error { return nil }
func (t *nullTransport) LocalAddr() Addr                 { return t.addr }
func (t *nullTransport) Close() error                    { return nil }

// --- coaps (DTLS) registration stub --------------------------------------

// NewUnsupportedDTLSTransport registers the "coaps" scheme with a
// factory that reports DTLS as externally supplied: the interface
// exists so an embedder can plug a real implementation in, but this
// module does not ship one.
func NewUnsupportedDTLSTransport(sched Scheduler, addr string, receiver Receiver) (Transport, error) {
	return nil, WrapError(KindIllegalState, nil, "coaps transport requires an externally supplied DTLS implementation")
}

// DefaultTransportFactories returns the default scheme registry:
// "coap" over UDP, "coaps" stubbed out pending an external DTLS
// implementation, and the in-process "loop"/"null" schemes used by
// tests.
func DefaultTransportFactories() map[string]TransportFactory {
	return map[string]TransportFactory{
		"coap":  NewUDPTransport,
		"coaps": NewUnsupportedDTLSTransport,
		"loop":  NewLoopTransport,
		"null":  NewNullTransport,
	}
}
