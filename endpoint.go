package coap

import (
	"sync"

	"github.com/google/uuid"
)

// Interceptor is a packet tap an EndpointManager can install: every
// message a LocalEndpoint sends or successfully decodes also passes
// through the interceptor, once per message. CON retransmissions and
// cached replies re-sent for duplicate requests are not passed through
// again. It's deliberately minimal; human-facing
// logging/tracing built on top of it belongs to the embedder, not this
// package.
type Interceptor interface {
	OnSend(m Message, to Addr)
	OnReceive(m Message, from Addr)
}

type noopInterceptor struct{}

func (noopInterceptor) OnSend(Message, Addr)    {}
func (noopInterceptor) OnReceive(Message, Addr) {}

// InterceptorFunc pair lets a caller install send/receive hooks without
// declaring a type.
type InterceptorFunc struct {
	Send    func(m Message, to Addr)
	Receive func(m Message, from Addr)
}

func (f InterceptorFunc) OnSend(m Message, to Addr) {
	if f.Send != nil {
		f.Send(m, to)
	}
}

func (f InterceptorFunc) OnReceive(m Message, from Addr) {
	if f.Receive != nil {
		f.Receive(m, from)
	}
}

// LocalEndpoint is one scheme-bound transport plus the message layer
// state that runs over it, owned exclusively by an EndpointManager.
type LocalEndpoint struct {
	id        string
	scheme    string
	transport Transport
	layer     *messageLayer
	mgr       *EndpointManager
}

// ID is an opaque, process-local identifier for this endpoint —
// never sent on the wire.
func (e *LocalEndpoint) ID() string { return e.id }

// LocalAddr returns the bound transport's local address.
func (e *LocalEndpoint) LocalAddr() Addr { return e.transport.LocalAddr() }

// Transport exposes the underlying Transport, e.g. so a test can close
// it out from under the endpoint to exercise failure paths.
func (e *LocalEndpoint) Transport() Transport { return e.transport }

// EndpointManager is the per-application protocol context: it owns the
// scheduler, the scheme registry, the default BehaviorContext, and the
// default interceptor. There are no hidden globals — an embedding
// application may run more than one EndpointManager, each independent.
type EndpointManager struct {
	mu          sync.Mutex
	id          string
	sched       Scheduler
	factories   map[string]TransportFactory
	behavior    BehaviorContext
	interceptor Interceptor
	metrics     *Metrics
	endpoints   map[string]*LocalEndpoint
	closed      bool
}

// EndpointManagerOption configures a new EndpointManager.
type EndpointManagerOption func(*EndpointManager)

// WithBehaviorContext overrides the default BehaviorContext.
func WithBehaviorContext(b BehaviorContext) EndpointManagerOption {
	return func(m *EndpointManager) { m.behavior = b }
}

// WithInterceptor installs a packet tap.
func WithInterceptor(i Interceptor) EndpointManagerOption {
	return func(m *EndpointManager) { m.interceptor = i }
}

// WithTransportFactory overrides or adds a scheme's TransportFactory.
func WithTransportFactory(scheme string, f TransportFactory) EndpointManagerOption {
	return func(m *EndpointManager) { m.factories[scheme] = f }
}

// WithScheduler overrides the default real-time Scheduler, e.g. with a
// *FakeScheduler for deterministic tests.
func WithScheduler(s Scheduler) EndpointManagerOption {
	return func(m *EndpointManager) { m.sched = s }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *Metrics) EndpointManagerOption {
	return func(mgr *EndpointManager) { mgr.metrics = m }
}

// NewEndpointManager constructs an EndpointManager with the default
// scheme registry (coap/coaps/loop/null), a real Scheduler, the RFC
// 7252 default BehaviorContext, and a no-op interceptor, then applies
// opts.
func NewEndpointManager(opts ...EndpointManagerOption) *EndpointManager {
	m := &EndpointManager{
		id:          uuid.NewString(),
		sched:       NewRealScheduler(),
		factories:   DefaultTransportFactories(),
		behavior:    DefaultBehaviorContext(),
		interceptor: noopInterceptor{},
		endpoints:   map[string]*LocalEndpoint{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ID is an opaque, process-local identifier for this manager.
func (m *EndpointManager) ID() string { return m.id }

// Scheduler returns the manager's Scheduler.
func (m *EndpointManager) Scheduler() Scheduler { return m.sched }

// DefaultBehaviorContext returns the manager's current default knobs.
func (m *EndpointManager) DefaultBehaviorContext() BehaviorContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.behavior
}

// SetDefaultBehaviorContext replaces the manager's default knobs for
// endpoints created after this call; existing endpoints keep the
// BehaviorContext they snapshotted at creation, so in-flight exchanges
// never see their timing change underneath them.
func (m *EndpointManager) SetDefaultBehaviorContext(b BehaviorContext) {
	m.mu.Lock()
	m.behavior = b
	m.mu.Unlock()
}

// DefaultInterceptor returns the manager's current packet tap.
func (m *EndpointManager) DefaultInterceptor() Interceptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interceptor
}

// SetDefaultInterceptor replaces the manager's packet tap.
func (m *EndpointManager) SetDefaultInterceptor(i Interceptor) {
	m.mu.Lock()
	if i == nil {
		i = noopInterceptor{}
	}
	m.interceptor = i
	m.mu.Unlock()
}

// LocalEndpointForScheme binds a new LocalEndpoint for scheme at addr
// (the meaning of addr is scheme-dependent: "host:port" for coap, a
// bare name for loop/null), wiring its message layer to dispatch
// through handleInbound.
func (m *EndpointManager) LocalEndpointForScheme(scheme, addr string, handleInbound InboundHandler) (*LocalEndpoint, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	factory, ok := m.factories[scheme]
	behavior := m.behavior
	m.mu.Unlock()
	if !ok {
		return nil, WrapError(KindIllegalState, nil, "no transport registered for scheme "+scheme)
	}

	ep := &LocalEndpoint{id: uuid.NewString(), scheme: scheme, mgr: m}
	layer := newMessageLayer(m.sched, behavior, m.metrics, func(to Addr, data []byte) error {
		return ep.transport.Send(to, data)
	}, handleInbound, m.DefaultInterceptor)
	ep.layer = layer

	transport, err := factory(m.sched, addr, func(data []byte, from Addr) {
		layer.onDatagram(data, from)
	})
	if err != nil {
		return nil, err
	}
	ep.transport = transport

	m.mu.Lock()
	m.endpoints[ep.id] = ep
	m.mu.Unlock()
	return ep, nil
}

// Close shuts down every owned transport and drains the scheduler.
func (m *EndpointManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	eps := make([]*LocalEndpoint, 0, len(m.endpoints))
	for _, e := range m.endpoints {
		eps = append(eps, e)
	}
	m.endpoints = map[string]*LocalEndpoint{}
	m.mu.Unlock()

	var firstErr error
	for _, e := range eps {
		if err := e.transport.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.sched.Shutdown()
	return firstErr
}
