package coap

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Client is the request-issuing side of the package: one Client owns
// one LocalEndpoint and one transactionTable, and is bound to a base
// URI that supplies the default scheme/host/port/path for every
// request it builds.
type Client struct {
	mgr *EndpointManager
	ep  *LocalEndpoint

	baseScheme string
	baseHost   string
	basePort   uint16
	basePath   string

	table *transactionTable

	mu            sync.Mutex
	proxySelector func(uri string) (proxyURI string, ok bool)
	// schemeEPs caches extra endpoints bound on demand when a proxy
	// selector redirects a request to a different scheme than the base
	// URI's.
	schemeEPs map[string]*LocalEndpoint
	closed    bool
}

// NewClient binds a Client to baseURI ("scheme://host[:port][/path]").
// Every request built from the returned client's NewRequestBuilder
// defaults to that path; ChangePath overrides it per-request.
func NewClient(mgr *EndpointManager, baseURI string) (*Client, error) {
	scheme, host, port, path, err := parseURI(baseURI)
	if err != nil {
		return nil, err
	}

	c := &Client{
		mgr:        mgr,
		table:      newTransactionTable(),
		baseScheme: scheme,
		baseHost:   host,
		basePort:   port,
		basePath:   path,
		schemeEPs:  map[string]*LocalEndpoint{},
	}

	ep, err := c.bindEndpoint(scheme)
	if err != nil {
		return nil, err
	}
	c.ep = ep
	return c, nil
}

func (c *Client) bindEndpoint(scheme string) (*LocalEndpoint, error) {
	localAddr := ""
	if scheme == "loop" || scheme == "null" {
		localAddr = "client-" + uuid.NewString()
	}
	return c.mgr.LocalEndpointForScheme(scheme, localAddr, c.handleInbound)
}

// endpointForScheme returns the client's endpoint for scheme, binding
// one lazily the first time a proxy selector redirects a request onto
// a scheme the base URI doesn't use.
func (c *Client) endpointForScheme(scheme string) (*LocalEndpoint, error) {
	if scheme == c.baseScheme {
		return c.ep, nil
	}
	c.mu.Lock()
	ep, ok := c.schemeEPs[scheme]
	c.mu.Unlock()
	if ok {
		return ep, nil
	}
	ep, err := c.bindEndpoint(scheme)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.schemeEPs[scheme] = ep
	c.mu.Unlock()
	return ep, nil
}

// SetProxySelector installs a hook consulted before every send:
// returning (proxyURI, true) causes the request to carry the target
// URI in the Proxy-Uri option (RFC 7252 §5.10.2) and go out to
// proxyURI's host instead.
func (c *Client) SetProxySelector(f func(uri string) (proxyURI string, ok bool)) {
	c.mu.Lock()
	c.proxySelector = f
	c.mu.Unlock()
}

// GetActiveTransactions returns every transaction still in this
// client's table.
func (c *Client) GetActiveTransactions() []*Transaction { return c.table.all() }

// CancelAllTransactions cancels every transaction still in this
// client's table.
func (c *Client) CancelAllTransactions() {
	for _, tx := range c.table.all() {
		_ = tx.Cancel()
	}
}

// Ping sends an empty Confirmable message to the base URI's host (RFC
// 7252 §4.2): the peer cannot process it as a request and must answer
// with RST, so a nil error here means the peer is alive and a
// CoAP-aware endpoint; ErrTransmitTimeout means it never answered at
// all.
func (c *Client) Ping() error {
	to, err := resolveDestAddr(c.baseScheme, c.baseHost, c.basePort)
	if err != nil {
		return err
	}
	msg := Message{Type: Confirmable, Code: Empty}
	result := make(chan error, 1)
	err = c.ep.layer.SendRequest(to, msg, func(resp Message, sendErr error) {
		if errors.Is(sendErr, ErrReset) {
			result <- nil
			return
		}
		result <- sendErr
	})
	if err != nil {
		return err
	}
	return <-result
}

// Close cancels every outstanding transaction and releases the
// client's transport.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.CancelAllTransactions()
	var firstErr error
	for _, ep := range c.schemeEPs {
		if err := ep.transport.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := c.ep.transport.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// handleInbound receives every request-shaped datagram that lands on
// the client's own endpoint: a separate response or an observe
// notification arrives as a fresh CON/NON carrying a response code,
// which the message layer dispatches identically to a request (see
// messagelayer.go). A token the table doesn't recognise gets RST
// (RFC 7252 §4.2), which is also how a server learns an observer is
// gone.
func (c *Client) handleInbound(ex *Exchange) {
	resp := ex.Request()
	tx, ok := c.table.lookup(resp.Token, ex.From())
	if !ok {
		_ = ex.Reset()
		return
	}
	if resp.Type == Confirmable {
		_ = ex.Respond(Message{Code: Empty})
	}
	// If the original request got an empty ACK and was parked waiting
	// for this separate response, free its slot before delivering.
	ex.layer.releaseSeparate(resp.Token, ex.From())
	tx.onMessageLayerResolve(resp, nil)
}

// requestOption pairs an OptionID with its value for RequestBuilder.AddOption.
type requestOption struct {
	ID    OptionID
	Value interface{}
}

// RequestBuilder is the fluent request construction API: ChangePath,
// AddOption, SetToken, SetPayload configure a request and Send
// dispatches it, returning a Transaction to track the outcome.
type RequestBuilder struct {
	c    *Client
	code CCode
	typ  CType

	path    string
	token   []byte
	payload []byte
	opts    []requestOption
	observe bool
}

// NewRequestBuilder starts building a Confirmable request of the given
// method code, defaulting to the client's base path.
func (c *Client) NewRequestBuilder(code CCode) *RequestBuilder {
	return &RequestBuilder{c: c, code: code, typ: Confirmable, path: c.basePath}
}

// NonConfirmable marks the request NON instead of CON.
func (b *RequestBuilder) NonConfirmable() *RequestBuilder {
	b.typ = NonConfirmable
	return b
}

// ChangePath overrides the request's Uri-Path, relative to the
// client's base host.
func (b *RequestBuilder) ChangePath(p string) *RequestBuilder {
	b.path = p
	return b
}

// AddOption adds an arbitrary option to the request.
func (b *RequestBuilder) AddOption(id OptionID, v interface{}) *RequestBuilder {
	b.opts = append(b.opts, requestOption{ID: id, Value: v})
	return b
}

// SetToken overrides the request's token (by default a fresh 4-byte
// random token is used).
func (b *RequestBuilder) SetToken(tok []byte) *RequestBuilder {
	b.token = tok
	return b
}

// SetPayload sets the request body.
func (b *RequestBuilder) SetPayload(p []byte) *RequestBuilder {
	b.payload = p
	return b
}

// Observe marks this GET as an observe subscription (Observe=0).
func (b *RequestBuilder) Observe() *RequestBuilder {
	b.observe = true
	return b
}

// Send dispatches the built request and returns a Transaction tracking
// its outcome.
func (b *RequestBuilder) Send() (*Transaction, error) { return b.c.send(b) }

func (c *Client) send(b *RequestBuilder) (*Transaction, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	proxySelector := c.proxySelector
	c.mu.Unlock()

	msg := Message{Type: b.typ, Code: b.code, Payload: b.payload, Token: b.token}
	if msg.Token == nil {
		msg.Token = RandomToken(4)
	}
	for _, o := range b.opts {
		msg.AddOption(o.ID, o.Value)
	}
	if b.observe {
		Options(&msg).SetObserve(0)
	}

	destScheme, destHost, destPort := c.baseScheme, c.baseHost, c.basePort
	fullURI := fmt.Sprintf("%s://%s", c.baseScheme, c.baseHost)
	if b.path != "" {
		fullURI += "/" + strings.TrimPrefix(b.path, "/")
	}

	proxied := false
	if proxySelector != nil {
		if proxyURI, ok := proxySelector(fullURI); ok {
			Options(&msg).SetProxyURI(fullURI)
			pScheme, pHost, pPort, _, err := parseURI(proxyURI)
			if err != nil {
				return nil, err
			}
			destScheme, destHost, destPort = pScheme, pHost, pPort
			proxied = true
		}
	}
	if !proxied {
		Options(&msg).SetURIHost(destHost)
		if b.path != "" {
			Options(&msg).SetURIPathSegments(strings.Split(strings.TrimPrefix(b.path, "/"), "/"))
		}
	}

	to, err := resolveDestAddr(destScheme, destHost, destPort)
	if err != nil {
		return nil, err
	}
	ep, err := c.endpointForScheme(destScheme)
	if err != nil {
		return nil, err
	}

	tx := &Transaction{
		ep:      ep,
		to:      to,
		req:     msg,
		observe: b.observe,
		state:   TxActive,
		table:   c.table,
		respCh:  make(chan Message, 8),
		errCh:   make(chan error, 1),
	}
	c.table.register(tx)

	deliver := func(resp Message, sendErr error) { tx.onMessageLayerResolve(resp, sendErr) }

	if (msg.Code == PUT || msg.Code == POST) && len(msg.Payload) > maxUnblockedBodySize {
		c.sendBlock1Request(ep, to, msg, deliver)
		return tx, nil
	}

	wrapped := c.wrapBlockResponse(ep, to, msg, deliver)
	if err := ep.layer.SendRequest(to, msg, wrapped); err != nil {
		c.table.remove(tx)
		return nil, err
	}
	return tx, nil
}

// parseURI splits "scheme://host[:port][/path]" into its components.
func parseURI(uri string) (scheme, host string, port uint16, path string, err error) {
	s, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return "", "", 0, "", WrapError(KindIllegalState, nil, "missing scheme in URI "+uri)
	}
	hostport := rest
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		hostport = rest[:i]
		path = rest[i+1:]
	}
	host = hostport
	if i := strings.LastIndexByte(hostport, ':'); i >= 0 {
		host = hostport[:i]
		p, perr := strconv.ParseUint(hostport[i+1:], 10, 16)
		if perr != nil {
			return "", "", 0, "", WrapError(KindIllegalState, perr, "invalid port in URI "+uri)
		}
		port = uint16(p)
	}
	return s, host, port, path, nil
}

// resolveDestAddr turns a (scheme, host, port) triple into a concrete
// Addr for the matching Transport.
func resolveDestAddr(scheme, host string, port uint16) (Addr, error) {
	switch scheme {
	case "loop":
		return loopAddr(host), nil
	case "null":
		return nullAddr(host), nil
	case "coap", "coaps":
		p := port
		if p == 0 {
			p = 5683
		}
		return net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, p))
	default:
		return nil, WrapError(KindIllegalState, nil, "unsupported scheme "+scheme)
	}
}
