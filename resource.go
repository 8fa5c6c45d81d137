package coap

import "sync"

// RequestHandler produces the response for req via ex. It may answer
// synchronously — calling ex.Respond before returning, piggybacked in
// the ACK — or call ex.RequestSeparate first and answer later from
// another goroutine.
type RequestHandler func(ex *Exchange, req Message)

// RequestChecker runs before RequestHandler and may short-circuit with
// a response of its own, e.g. rejecting an unsupported method or
// Content-Format before the handler does any work. ok is false to let
// the request fall through to RequestHandler unchanged.
type RequestChecker func(req Message) (resp Message, ok bool)

// LinkParams supplies a resource's link-format attributes (RFC 6690) to
// an external .well-known/core synthesiser; synthesis itself is the
// embedder's concern, this is only the hook such a synthesiser calls.
type LinkParams func() map[string]string

// Resource is a node in the hierarchical routing tree. AddChild
// registers a named child; a request's Uri-Path segments are walked one
// at a time, starting from a Server's root Resource, to find the
// addressed node.
type Resource struct {
	name string

	mu       sync.Mutex
	children map[string]*Resource

	handler    RequestHandler
	checker    RequestChecker
	observable *Observable
	linkParams LinkParams
}

// NewResource creates a detached resource node named name.
func NewResource(name string) *Resource {
	return &Resource{name: name, children: map[string]*Resource{}}
}

// Name returns the resource's own path segment.
func (r *Resource) Name() string { return r.name }

// AddChild registers (or replaces) a named child and returns it, so
// calls can be chained: d1.AddChild(NewResource("d2")).AddChild(...).
func (r *Resource) AddChild(child *Resource) *Resource {
	r.mu.Lock()
	r.children[child.name] = child
	r.mu.Unlock()
	return child
}

// Handle installs the request handler.
func (r *Resource) Handle(h RequestHandler) *Resource {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
	return r
}

// Handler returns the installed request handler, or nil.
func (r *Resource) Handler() RequestHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handler
}

// HandleCheck installs a pre-handler request validator.
func (r *Resource) HandleCheck(c RequestChecker) *Resource {
	r.mu.Lock()
	r.checker = c
	r.mu.Unlock()
	return r
}

// Checker returns the installed request checker, or nil.
func (r *Resource) Checker() RequestChecker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checker
}

// ProvideLinkFormat installs the resource's link-format attribute
// provider.
func (r *Resource) ProvideLinkFormat(p LinkParams) *Resource {
	r.mu.Lock()
	r.linkParams = p
	r.mu.Unlock()
	return r
}

// LinkParamAttrs returns the resource's link-format attributes, or nil
// if none were registered.
func (r *Resource) LinkParamAttrs() map[string]string {
	r.mu.Lock()
	p := r.linkParams
	r.mu.Unlock()
	if p == nil {
		return nil
	}
	return p()
}

// Observe attaches (lazily creating) this resource's observer registry
// (RFC 7641), backed by ep for sending notifications and represent for
// producing a fresh representation on each Trigger.
func (r *Resource) Observe(ep *LocalEndpoint, represent func() Message, onHasRemoteObservers, onNoRemoteObservers func()) *Observable {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.observable == nil {
		r.observable = newObservable(ep, represent, onHasRemoteObservers, onNoRemoteObservers)
	}
	return r.observable
}

// Observable returns this resource's observer registry, or nil if
// Observe was never called.
func (r *Resource) Observable() *Observable {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.observable
}

func (r *Resource) hasCapability() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handler != nil || r.observable != nil
}

func (r *Resource) childCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.children)
}

func (r *Resource) child(name string) (*Resource, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.children[name]
	return c, ok
}

// Lookup walks segs (a request's Uri-Path, as returned by
// Message.Path) from root and returns the target node:
//
//   - an empty path (the URI was just "/") is the root itself;
//   - a trailing empty segment (the URI ended in "/") matches the
//     resolved node itself even if it has children;
//   - an unmatched non-empty segment is 4.04 Not Found;
//   - an exact match on a node that itself has children, reached
//     without a trailing slash, is 4.00 Bad Request — that address
//     names a container, not a representation.
func (root *Resource) Lookup(segs []string) (*Resource, CCode) {
	if len(segs) == 0 {
		return root, 0
	}
	trailingSlash := segs[len(segs)-1] == ""
	if trailingSlash {
		segs = segs[:len(segs)-1]
	}

	node := root
	for _, seg := range segs {
		if seg == "" {
			return nil, BadRequest
		}
		child, ok := node.child(seg)
		if !ok {
			return nil, NotFound
		}
		node = child
	}

	if !trailingSlash && node.childCount() > 0 {
		return nil, BadRequest
	}
	return node, 0
}
