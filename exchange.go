package coap

import "sync"

// Exchange is the handle the message layer hands to the upper layer
// for every inbound request that isn't a duplicate: the
// piggybacked-vs-separate response choice RFC 7252 §5.2.2 describes. A
// handler may answer synchronously, in which case the response is
// piggybacked in the ACK, or defer, in which case the message layer's
// own PROCESSING_DELAY timer (or an explicit call to RequestSeparate)
// sends an empty ACK first and the eventual Respond call goes out as a
// fresh CON.
type Exchange struct {
	layer *messageLayer
	req   Message
	from  Addr
	key   dedupKey

	mu         sync.Mutex
	responded  bool
	ackSent    bool
	ackTimer   TaskHandle
	preRespond func(Message) Message
}

// Request returns the inbound request message.
func (ex *Exchange) Request() Message { return ex.req }

// From returns the peer address the request arrived from.
func (ex *Exchange) From() Addr { return ex.from }

// RequestSeparate forces an immediate empty ACK (if the request is
// Confirmable and hasn't been ACKed yet) and commits this exchange to
// a separate response, even if the eventual Respond call would
// otherwise have made PROCESSING_DELAY.
func (ex *Exchange) RequestSeparate() {
	ex.mu.Lock()
	if ex.responded || ex.ackSent || ex.req.Type != Confirmable {
		ex.mu.Unlock()
		return
	}
	ex.ackSent = true
	if ex.ackTimer != nil {
		ex.ackTimer.Cancel()
	}
	ex.mu.Unlock()
	ex.layer.ackNow(ex)
}

// Respond answers the exchange exactly once. Calling it twice returns
// KindIllegalState.
func (ex *Exchange) Respond(resp Message) error {
	ex.mu.Lock()
	if ex.responded {
		ex.mu.Unlock()
		return WrapError(KindIllegalState, nil, "exchange already responded")
	}
	ex.responded = true
	alreadyAcked := ex.ackSent
	if ex.ackTimer != nil {
		ex.ackTimer.Cancel()
	}
	pre := ex.preRespond
	ex.mu.Unlock()

	if pre != nil {
		resp = pre(resp)
	}
	return ex.layer.sendResponse(ex, resp, alreadyAcked)
}

// setPreRespond installs a hook the server's dispatch wrapper uses to
// rewrite a handler's response before it goes
// out — e.g. slicing it into a Block2 fragment or stamping an Observe
// sequence number — without the handler itself knowing about either.
func (ex *Exchange) setPreRespond(fn func(Message) Message) {
	ex.mu.Lock()
	ex.preRespond = fn
	ex.mu.Unlock()
}

// Reset answers a Confirmable exchange with RST instead of ACK/response,
// for a request-shaped message nothing downstream recognizes
// (RFC 7252 §4.2). A NON exchange has no RST use and this is a no-op
// for one.
func (ex *Exchange) Reset() error {
	ex.mu.Lock()
	if ex.responded {
		ex.mu.Unlock()
		return WrapError(KindIllegalState, nil, "exchange already responded")
	}
	ex.responded = true
	if ex.ackTimer != nil {
		ex.ackTimer.Cancel()
	}
	typ := ex.req.Type
	mid := ex.req.MessageID
	from := ex.from
	ex.mu.Unlock()

	if typ == Confirmable {
		ex.layer.sendRST(from, mid)
	}
	return nil
}
