package coap

import (
	"bytes"
	"crypto/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// InboundHandler is invoked by the message layer for every inbound
// request (CON or NON) that isn't a duplicate. It is the demultiplexing
// point between the message layer and the layers above: the server
// wires this to resource-tree dispatch, the client to its transaction
// table, and a bare endpoint may leave it nil.
type InboundHandler func(ex *Exchange)

// sendFunc hands already-encoded bytes to the owning Transport.
type sendFunc func(to Addr, data []byte) error

// dedupKey is the duplicate-detection key of RFC 7252 §4.5:
// (mid, remote-peer), compared on the address's bit-exact string form.
type dedupKey struct {
	mid  uint16
	addr string
}

type dedupEntry struct {
	response     []byte // cached ACK/response bytes, nil until produced
	ackSent      bool
	expireHandle TaskHandle
}

type pendingCON struct {
	to         Addr
	data       []byte
	msg        Message
	backoff    *backoff.ExponentialBackOff
	retries    int
	maxRetries int
	timer      TaskHandle
	onResolve  func(resp Message, err error)
	// waitingSeparate is set once an empty ACK resolves this CON into
	// "wait for a separate response" mode (RFC 7252 §5.2.2).
	waitingSeparate bool
	separateTimer   TaskHandle
}

// messageLayer implements the reliability sublayer of RFC 7252 §4:
// CON/NON/ACK/RST state, retransmission, deduplication, and MID
// allocation, for one LocalEndpoint.
type messageLayer struct {
	mu       sync.Mutex
	sched    Scheduler
	behavior BehaviorContext
	metrics  *Metrics
	send     sendFunc
	handler  InboundHandler
	// tap returns the owning manager's current packet interceptor;
	// fetched per message so SetDefaultInterceptor takes effect on
	// endpoints that already exist. May return nil.
	tap func() Interceptor

	nextMID uint16

	dedup   map[dedupKey]*dedupEntry
	pending map[dedupKey]*pendingCON

	// nstart tracks outstanding CON counts per destination to bound
	// concurrency per RFC 7252 §4.7's NSTART parameter.
	nstartCount map[string]int
	nstartQueue map[string][]func()
}

func newMessageLayer(sched Scheduler, behavior BehaviorContext, metrics *Metrics, send sendFunc, handler InboundHandler, tap func() Interceptor) *messageLayer {
	var seed [2]byte
	_, _ = rand.Read(seed[:])
	return &messageLayer{
		sched:       sched,
		behavior:    behavior,
		metrics:     metrics,
		send:        send,
		handler:     handler,
		tap:         tap,
		nextMID:     uint16(seed[0])<<8 | uint16(seed[1]),
		dedup:       map[dedupKey]*dedupEntry{},
		pending:     map[dedupKey]*pendingCON{},
		nstartCount: map[string]int{},
		nstartQueue: map[string][]func(){},
	}
}

// allocMID returns the next MID for this endpoint. Reuse while a prior
// use is still within EXCHANGE_LIFETIME is avoided by the simple
// expedient of a monotonic counter wrapping mod 2^16: a 16-bit space
// combined with EXCHANGE_LIFETIME-scoped dedup eviction means a reused
// MID is only a collision risk if 65536 messages are in flight to the
// same peer within one EXCHANGE_LIFETIME, which NSTART's per-destination
// cap rules out in practice.
func (l *messageLayer) allocMID() uint16 {
	l.mu.Lock()
	defer l.mu.Unlock()
	mid := l.nextMID
	l.nextMID++
	return mid
}

func randomToken(n int) []byte {
	if n == 0 {
		return nil
	}
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

// RandomToken returns a fresh random CoAP token of length n (0..8),
// generated with crypto/rand: tokens are raw wire bytes, not a format
// google/uuid can represent, so the CSPRNG is used directly here rather
// than through a higher-level id library.
func RandomToken(n int) []byte { return randomToken(n) }

func (l *messageLayer) tapSend(m Message, to Addr) {
	if l.tap == nil {
		return
	}
	if i := l.tap(); i != nil {
		i.OnSend(m, to)
	}
}

func (l *messageLayer) tapReceive(m Message, from Addr) {
	if l.tap == nil {
		return
	}
	if i := l.tap(); i != nil {
		i.OnReceive(m, from)
	}
}

// SendRequest transmits msg (a freshly built request) as CON or NON per
// msg.Type, assigning a MID, and invokes onResolve exactly once with
// either the resolving response or a terminal error
// (ErrTransmitTimeout, ErrReset, ErrNoResponse). For a CON this drives
// the retransmission state machine of RFC 7252 §4.2; a NON is
// fire-and-forget: no pending entry is kept for it, so onResolve is
// never called, and any response to it reaches the endpoint's inbound
// handler like any other inbound message.
func (l *messageLayer) SendRequest(to Addr, msg Message, onResolve func(resp Message, err error)) error {
	msg.MessageID = l.allocMID()
	data, err := (&msg).MarshalBinary()
	if err != nil {
		return err
	}

	key := dedupKey{mid: msg.MessageID, addr: to.String()}
	l.tapSend(msg, to)

	if msg.Type != Confirmable {
		if err := l.send(to, data); err != nil {
			return err
		}
		l.scheduleNonExpiry(key)
		return nil
	}

	send := func() {
		l.startCON(to, data, msg, key, onResolve)
	}

	l.mu.Lock()
	dest := to.String()
	if l.behavior.NSTART > 0 && l.nstartCount[dest] >= l.behavior.NSTART {
		l.nstartQueue[dest] = append(l.nstartQueue[dest], send)
		l.mu.Unlock()
		return nil
	}
	l.nstartCount[dest]++
	l.mu.Unlock()

	send()
	return nil
}

func (l *messageLayer) scheduleNonExpiry(key dedupKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := &dedupEntry{}
	l.dedup[key] = entry
	entry.expireHandle = l.sched.Schedule(l.behavior.NonLifetime(), func() {
		l.mu.Lock()
		delete(l.dedup, key)
		l.mu.Unlock()
	})
}

func (l *messageLayer) startCON(to Addr, data []byte, msg Message, key dedupKey, onResolve func(Message, error)) {
	bo := backoff.NewExponentialBackOff()
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	u := 1.0
	if l.behavior.ACKRandomFactor > 1 {
		u = 1 + pseudoRandFloat()*(l.behavior.ACKRandomFactor-1)
	}
	bo.InitialInterval = time.Duration(float64(l.behavior.ACKTimeout) * u)
	// The interval must double all the way to the last retry; a cap
	// below T0*2^MAX_RETRANSMIT would flatten the tail of the schedule.
	bo.MaxInterval = bo.InitialInterval << uint(l.behavior.MaxRetransmit)
	bo.Reset()

	pc := &pendingCON{
		to:         to,
		data:       data,
		msg:        msg,
		backoff:    bo,
		maxRetries: l.behavior.MaxRetransmit,
		onResolve:  onResolve,
	}

	l.mu.Lock()
	l.pending[key] = pc
	if l.metrics != nil {
		l.metrics.ActiveTransactions.Inc()
	}
	l.mu.Unlock()

	_ = l.send(to, data)
	l.armRetransmit(key, pc)
}

func (l *messageLayer) armRetransmit(key dedupKey, pc *pendingCON) {
	delay := pc.backoff.NextBackOff()
	pc.timer = l.sched.Schedule(delay, func() {
		l.mu.Lock()
		cur, ok := l.pending[key]
		l.mu.Unlock()
		if !ok || cur != pc || pc.waitingSeparate {
			return
		}
		if pc.retries >= pc.maxRetries {
			l.finishCON(key, pc, Message{}, ErrTransmitTimeout)
			return
		}
		pc.retries++
		if l.metrics != nil {
			l.metrics.Retransmits.Inc()
		}
		TraceDebug("[coap] retransmit mid=%d to=%s attempt=%d", key.mid, key.addr, pc.retries)
		_ = l.send(pc.to, pc.data)
		l.armRetransmit(key, pc)
	})
}

func (l *messageLayer) finishCON(key dedupKey, pc *pendingCON, resp Message, err error) {
	l.mu.Lock()
	if cur, ok := l.pending[key]; !ok || cur != pc {
		l.mu.Unlock()
		return
	}
	delete(l.pending, key)
	if pc.timer != nil {
		pc.timer.Cancel()
	}
	if pc.separateTimer != nil {
		pc.separateTimer.Cancel()
	}
	if l.metrics != nil {
		l.metrics.ActiveTransactions.Dec()
	}
	dest := key.addr
	l.nstartCount[dest]--
	var next func()
	if q := l.nstartQueue[dest]; len(q) > 0 {
		next = q[0]
		l.nstartQueue[dest] = q[1:]
	}
	l.mu.Unlock()

	if next != nil {
		next()
	}
	if pc.onResolve != nil {
		pc.onResolve(resp, err)
	}
}

// onAckOrReset handles an inbound ACK/RST against the pending-CON table,
// matching by (mid, source) per RFC 7252 §4.4.
func (l *messageLayer) onAckOrReset(m Message, from Addr) bool {
	key := dedupKey{mid: m.MessageID, addr: from.String()}
	l.mu.Lock()
	pc, ok := l.pending[key]
	l.mu.Unlock()
	if !ok {
		return false
	}

	if m.Type == Reset {
		l.finishCON(key, pc, Message{}, ErrReset)
		return true
	}

	// m.Type == Acknowledgement
	if m.Code == Empty {
		if pc.msg.Code.Class() != 0 {
			// The outbound CON was itself a response (an observe
			// notification or a separate response); its empty ACK is the
			// end of the exchange, there is no further response to wait
			// for.
			l.finishCON(key, pc, Message{}, nil)
			return true
		}
		// Empty ACK for an outbound request: move to WAITING_RESPONSE.
		// Cancel the retransmit timer but keep the pending entry so
		// MAX_TRANSMIT_WAIT can still fire if the separate response
		// never shows up; the transaction layer resolves the final
		// response by token, not by this entry, so we arm a terminal
		// timeout here and let the transaction layer race it.
		l.mu.Lock()
		pc.waitingSeparate = true
		if pc.timer != nil {
			pc.timer.Cancel()
		}
		remaining := l.behavior.MaxTransmitWait()
		pc.separateTimer = l.sched.Schedule(remaining, func() {
			l.finishCON(key, pc, Message{}, ErrNoResponse)
		})
		l.mu.Unlock()
		return true
	}

	// Piggybacked response.
	l.finishCON(key, pc, m, nil)
	return true
}

// releaseSeparate drops a WAITING_RESPONSE pending entry once the
// separate response actually arrived (matched by token rather than MID,
// so the transaction layer calls this — only it correlates tokens).
// Release is silent: the response itself is delivered through the
// inbound dispatch path, this only cancels the MAX_TRANSMIT_WAIT timer
// and frees the NSTART slot.
func (l *messageLayer) releaseSeparate(token []byte, from Addr) {
	addr := from.String()
	l.mu.Lock()
	var key dedupKey
	var pc *pendingCON
	for k, p := range l.pending {
		if k.addr == addr && p.waitingSeparate && bytes.Equal(p.msg.Token, token) {
			key, pc = k, p
			break
		}
	}
	l.mu.Unlock()
	if pc == nil {
		return
	}

	l.mu.Lock()
	if cur, ok := l.pending[key]; !ok || cur != pc {
		l.mu.Unlock()
		return
	}
	delete(l.pending, key)
	if pc.timer != nil {
		pc.timer.Cancel()
	}
	if pc.separateTimer != nil {
		pc.separateTimer.Cancel()
	}
	if l.metrics != nil {
		l.metrics.ActiveTransactions.Dec()
	}
	l.nstartCount[addr]--
	var next func()
	if q := l.nstartQueue[addr]; len(q) > 0 {
		next = q[0]
		l.nstartQueue[addr] = q[1:]
	}
	l.mu.Unlock()

	if next != nil {
		next()
	}
}

// onDatagram is the Transport Receiver: decode, then dispatch by Type.
func (l *messageLayer) onDatagram(data []byte, from Addr) {
	var m Message
	err := m.UnmarshalBinary(data)
	if err != nil {
		if m.MessageID != 0 || len(data) >= 4 {
			// Header's Type/Code/MID survive a token/option parse
			// failure (see message.go's UnmarshalBinary ordering);
			// only a CON merits a RST back.
			if m.Type == Confirmable {
				l.sendRST(from, m.MessageID)
			}
		}
		TraceError("[coap] decode error from %s: %s", from, err)
		return
	}

	l.tapReceive(m, from)

	switch m.Type {
	case Acknowledgement, Reset:
		l.onAckOrReset(m, from)
	case Confirmable, NonConfirmable:
		l.onInboundRequestLike(m, from)
	}
}

func (l *messageLayer) sendRST(to Addr, mid uint16) {
	rst := Message{Type: Reset, Code: Empty, MessageID: mid}
	data, err := (&rst).MarshalBinary()
	if err != nil {
		return
	}
	l.tapSend(rst, to)
	_ = l.send(to, data)
}

func (l *messageLayer) sendEmptyACK(to Addr, mid uint16) []byte {
	ack := Message{Type: Acknowledgement, Code: Empty, MessageID: mid}
	data, _ := (&ack).MarshalBinary()
	l.tapSend(ack, to)
	_ = l.send(to, data)
	return data
}

// onInboundRequestLike handles an inbound CON or NON request-shaped
// message (could also be an inbound request to the peer acting as a
// client awaiting an observe notification, which arrives as a CON
// carrying a response code — the demux above only looks at Type, so
// notifications land here too and are handled identically to requests,
// which is correct: from the message layer's point of view a
// server-initiated notification *is* a fresh confirmable exchange).
func (l *messageLayer) onInboundRequestLike(m Message, from Addr) {
	if m.Code == Empty {
		// An empty CON is the RFC 7252 §4.2 ping: the peer cannot process
		// it as a request, so it is answered with RST immediately rather
		// than routed to the handler. An empty NON carries nothing
		// actionable either and is simply dropped.
		if m.Type == Confirmable {
			l.sendRST(from, m.MessageID)
		}
		return
	}

	key := dedupKey{mid: m.MessageID, addr: from.String()}

	l.mu.Lock()
	entry, dup := l.dedup[key]
	l.mu.Unlock()

	if dup {
		if l.metrics != nil {
			l.metrics.DedupHits.Inc()
		}
		if entry.response != nil {
			_ = l.send(from, entry.response)
		} else if entry.ackSent && m.Type == Confirmable {
			ack := Message{Type: Acknowledgement, Code: Empty, MessageID: m.MessageID}
			data, _ := (&ack).MarshalBinary()
			_ = l.send(from, data)
		}
		// m.Type == NonConfirmable && !dup.response: duplicate NON with
		// no cached response yet; silently dropped, per RFC 7252 §4.5.
		return
	}

	entry = &dedupEntry{}
	l.mu.Lock()
	l.dedup[key] = entry
	l.mu.Unlock()

	lifetime := l.behavior.ExchangeLifetime()
	if m.Type == NonConfirmable {
		lifetime = l.behavior.NonLifetime()
	}
	entry.expireHandle = l.sched.Schedule(lifetime, func() {
		l.mu.Lock()
		delete(l.dedup, key)
		l.mu.Unlock()
	})

	ex := &Exchange{layer: l, req: m, from: from, key: key}

	if m.Type == Confirmable {
		ex.ackTimer = l.sched.Schedule(l.behavior.ProcessingDelay(), func() {
			ex.mu.Lock()
			already := ex.responded || ex.ackSent
			if !already {
				ex.ackSent = true
			}
			ex.mu.Unlock()
			if !already {
				l.ackNow(ex)
			}
		})
	}

	if l.handler != nil {
		l.handler(ex)
	}
}

// ackNow sends an empty ACK for ex's request immediately and records
// that fact in the dedup entry so a retransmitted duplicate of the
// same request gets the ACK re-sent rather than silently dropped.
func (l *messageLayer) ackNow(ex *Exchange) {
	l.sendEmptyACK(ex.from, ex.req.MessageID)
	l.mu.Lock()
	if e, ok := l.dedup[ex.key]; ok {
		e.ackSent = true
	}
	l.mu.Unlock()
}

// sendResponse answers ex's request per RFC 7252 §5.2: piggybacked in
// the ACK if no empty ACK has gone out yet, otherwise as a fresh CON (a
// separate response) that retransmits on the normal CON schedule until
// its own ACK arrives. A NON request always gets a NON response.
func (l *messageLayer) sendResponse(ex *Exchange, resp Message, alreadyAcked bool) error {
	if resp.Code != Empty {
		resp.Token = ex.req.Token
	}

	if ex.req.Type == Confirmable {
		if !alreadyAcked {
			resp.Type = Acknowledgement
			resp.MessageID = ex.req.MessageID
			data, err := (&resp).MarshalBinary()
			if err != nil {
				return err
			}
			l.tapSend(resp, ex.from)
			if err := l.send(ex.from, data); err != nil {
				return err
			}
			l.mu.Lock()
			if e, ok := l.dedup[ex.key]; ok {
				e.response = data
				e.ackSent = true
			}
			l.mu.Unlock()
			return nil
		}
		resp.Type = Confirmable
		return l.SendRequest(ex.from, resp, func(Message, error) {})
	}

	resp.Type = NonConfirmable
	resp.MessageID = l.allocMID()
	data, err := (&resp).MarshalBinary()
	if err != nil {
		return err
	}
	l.tapSend(resp, ex.from)
	if err := l.send(ex.from, data); err != nil {
		return err
	}
	l.mu.Lock()
	if e, ok := l.dedup[ex.key]; ok {
		e.response = data
	}
	l.mu.Unlock()
	return nil
}

// pseudoRandFloat returns a crypto/rand-seeded float in [0,1). The
// message layer only needs one random draw per CON to pick T0 inside
// [ACK_TIMEOUT, ACK_TIMEOUT*ACK_RANDOM_FACTOR]; crypto/rand is already
// imported for token generation, so it is reused here rather than
// pulling in math/rand too.
func pseudoRandFloat() float64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return float64(v>>11) / float64(1<<53)
}
