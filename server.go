// Package coap implements a CoAP (RFC 7252) client and server: wire
// codec, the CON/NON/ACK/RST message layer, a token-keyed transaction
// layer, block-wise transfer (RFC 7959), observe (RFC 7641), and a
// hierarchical resource tree.
package coap

import "sync"

// Server composes an EndpointManager, a hierarchical resource tree, and
// the block-wise/observe machinery into the request-serving side of
// this package. AddLocalEndpoint binds one or more transports; every
// inbound request is routed through Root() the same way regardless of
// which endpoint it arrived on.
type Server struct {
	mgr *EndpointManager

	mu        sync.Mutex
	endpoints []*LocalEndpoint
	started   bool

	root   *Resource
	block1 *block1Reassembler
}

// NewServer constructs a Server bound to mgr. A fresh, empty root
// Resource is created; add resources under Root() before Start.
func NewServer(mgr *EndpointManager) *Server {
	return &Server{
		mgr:    mgr,
		root:   NewResource(""),
		block1: newBlock1Reassembler(mgr.metrics),
	}
}

// Root returns the server's root Resource, the entry point for
// building out the routing tree with AddChild.
func (s *Server) Root() *Resource { return s.root }

// SetRequestHandler installs the root resource's own handler, answering
// any request addressed at "/" directly.
func (s *Server) SetRequestHandler(h RequestHandler) { s.root.Handle(h) }

// AddLocalEndpoint binds a new LocalEndpoint for scheme at addr and
// wires its inbound requests to this server's resource tree.
func (s *Server) AddLocalEndpoint(scheme, addr string) (*LocalEndpoint, error) {
	ep, err := s.mgr.LocalEndpointForScheme(scheme, addr, s.handleInbound)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.endpoints = append(s.endpoints, ep)
	s.mu.Unlock()
	return ep, nil
}

// Start marks the server as running. Every AddLocalEndpoint call
// already activates its transport immediately, so this exists purely
// for API parity with a conventional server lifecycle and to catch a
// caller starting a Server with no bound endpoints.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.endpoints) == 0 {
		return WrapError(KindIllegalState, nil, "server has no local endpoints")
	}
	s.started = true
	return nil
}

// Close closes every bound endpoint's transport.
func (s *Server) Close() error {
	s.mu.Lock()
	eps := append([]*LocalEndpoint(nil), s.endpoints...)
	s.endpoints = nil
	s.started = false
	s.mu.Unlock()

	var firstErr error
	for _, ep := range eps {
		if err := ep.Transport().Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// handleInbound is the InboundHandler wired to every bound endpoint: it
// resolves the request's Uri-Path against the resource tree, then
// applies the per-capability dispatch (unrecognised critical options,
// observe subscribe/unsubscribe, request checking, Block1 reassembly,
// Block2/Observe response rewriting) before finally invoking the
// resolved resource's handler.
func (s *Server) handleInbound(ex *Exchange) {
	req := ex.Request()

	if _, has := Options(&req).UnrecognisedCritical(); has {
		_ = ex.Respond(Message{Code: BadOption})
		return
	}

	// This server does not forward: a request asking to be proxied is
	// answered with 5.05 (RFC 7252 §5.10.2).
	if Options(&req).ProxyURI() != "" {
		_ = ex.Respond(Message{Code: ProxyingNotSupported})
		return
	}

	node, errCode := s.root.Lookup(req.Path())
	if errCode != 0 {
		_ = ex.Respond(Message{Code: errCode})
		return
	}
	if !node.hasCapability() {
		_ = ex.Respond(Message{Code: NotImplemented})
		return
	}

	if checker := node.Checker(); checker != nil {
		if resp, handled := checker(req); handled {
			_ = ex.Respond(resp)
			return
		}
	}

	if obs := node.Observable(); obs != nil && req.Code == GET {
		if v, has := Options(&req).Observe(); has && v == 1 {
			obs.Unsubscribe(ex.From(), req.Token)
		} else if has && v == 0 {
			s.dispatchSubscribe(ex, node, obs, req)
			return
		} else if !has {
			// Either an explicit Observe=1 or simply a bare GET on a
			// resource the peer was observing is treated as "stop
			// observing" (see DESIGN.md).
			obs.Unsubscribe(ex.From(), req.Token)
		}
	}

	s.dispatchToHandler(ex, node, req)
}

func (s *Server) dispatchSubscribe(ex *Exchange, node *Resource, obs *Observable, req Message) {
	h := node.Handler()
	if h == nil {
		_ = ex.Respond(Message{Code: NotImplemented})
		return
	}
	seq := obs.Subscribe(ex.From(), req.Token)
	ex.setPreRespond(func(resp Message) Message {
		Options(&resp).SetObserve(seq)
		return s.maybeSplitBlock2(req, resp)
	})
	h(ex, req)
}

func (s *Server) dispatchToHandler(ex *Exchange, node *Resource, req Message) {
	var finalBlock1 *BlockValue

	if blk, has := Options(&req).Block1(); has && (req.Code == PUT || req.Code == POST) {
		key := ex.From().String() + "|" + string(req.Token)
		maxBody := s.mgr.DefaultBehaviorContext().MaxBodySize
		full, complete, errCode := s.block1.Feed(key, blk, req.Payload, maxBody)
		if errCode != 0 {
			resp := Message{Code: errCode}
			Options(&resp).SetBlock1(BlockValue{Num: blk.Num, SZX: blk.SZX})
			_ = ex.Respond(resp)
			return
		}
		if !complete {
			ack := Message{Code: Continue}
			Options(&ack).SetBlock1(BlockValue{Num: blk.Num, More: true, SZX: blk.SZX})
			_ = ex.Respond(ack)
			return
		}
		req.Payload = full
		finalBlock1 = &blk
	}

	ex.setPreRespond(s.wrapRespond(req, finalBlock1))

	if h := node.Handler(); h != nil {
		h(ex, req)
		return
	}
	_ = ex.Respond(Message{Code: NotImplemented})
}

func (s *Server) wrapRespond(req Message, finalBlock1 *BlockValue) func(Message) Message {
	return func(resp Message) Message {
		out := s.maybeSplitBlock2(req, resp)
		if finalBlock1 != nil {
			Options(&out).SetBlock1(BlockValue{Num: finalBlock1.Num, More: false, SZX: finalBlock1.SZX})
		}
		return out
	}
}

func (s *Server) maybeSplitBlock2(req Message, resp Message) Message {
	reqBlk, hasReqBlk := Options(&req).Block2()
	maxSZX := SZXForSize(maxUnblockedBodySize)
	maxSize := (BlockValue{SZX: maxSZX}).Size()
	if !hasReqBlk && len(resp.Payload) <= maxSize {
		return resp
	}
	return splitBlock2(resp, reqBlk, hasReqBlk, maxSZX)
}
