package coap

import (
	"errors"
	"sync"
	"time"
)

// ObserverCallback receives an Observable's subscriber-set lifecycle
// events: fired once when the first subscriber registers, and once
// after the last one departs.
type ObserverCallback interface {
	OnHasRemoteObservers()
	OnNoRemoteObservers()
}

type observerRecord struct {
	peer                Addr
	token               []byte
	lastSeq             uint32
	lastSentTime        time.Time
	lastAckTime         time.Time
	consecutiveTimeouts int
}

// Observable is the server-side subscriber registry of RFC 7641,
// attached to a Resource via Resource.Observe. Every Trigger/
// TriggerWithMessage call fans a fresh notification out to each
// subscriber as a Confirmable message carrying the current Observe
// sequence number.
type Observable struct {
	mu        sync.Mutex
	ep        *LocalEndpoint
	represent func() Message
	subs      map[string]*observerRecord
	seq       uint32
	onHas     func()
	onNone    func()
	callbacks []ObserverCallback
}

func newObservable(ep *LocalEndpoint, represent func() Message, onHas, onNone func()) *Observable {
	return &Observable{
		ep:        ep,
		represent: represent,
		subs:      map[string]*observerRecord{},
		onHas:     onHas,
		onNone:    onNone,
	}
}

func observerKey(peer Addr, token []byte) string { return peer.String() + "|" + string(token) }

// RegisterCallback adds an additional has/no-remote-observers listener.
func (o *Observable) RegisterCallback(cb ObserverCallback) {
	o.mu.Lock()
	o.callbacks = append(o.callbacks, cb)
	o.mu.Unlock()
}

// GetObserverCount returns the number of live subscriptions.
func (o *Observable) GetObserverCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.subs)
}

func (o *Observable) metrics() *Metrics {
	if o.ep == nil || o.ep.mgr == nil {
		return nil
	}
	return o.ep.mgr.metrics
}

func (o *Observable) now() time.Time {
	if o.ep == nil {
		return time.Time{}
	}
	return o.ep.mgr.Scheduler().Now()
}

// Subscribe registers peer/token as a new observer and returns the
// sequence number the subscribing response's Observe option should
// carry.
func (o *Observable) Subscribe(peer Addr, token []byte) uint32 {
	o.mu.Lock()
	key := observerKey(peer, token)
	_, existed := o.subs[key]
	wasEmpty := len(o.subs) == 0
	seq := o.seq
	o.subs[key] = &observerRecord{peer: peer, token: append([]byte(nil), token...), lastSeq: seq, lastSentTime: o.now()}
	cbs := append([]ObserverCallback(nil), o.callbacks...)
	onHas := o.onHas
	o.mu.Unlock()

	if !existed {
		if m := o.metrics(); m != nil {
			m.ObserverCount.Inc()
		}
	}
	if wasEmpty {
		if onHas != nil {
			onHas()
		}
		for _, cb := range cbs {
			cb.OnHasRemoteObservers()
		}
	}
	return seq
}

// Unsubscribe removes peer/token's subscription, if present.
func (o *Observable) Unsubscribe(peer Addr, token []byte) {
	o.removeAndNotify(observerKey(peer, token))
}

func (o *Observable) removeAndNotify(key string) {
	o.mu.Lock()
	_, existed := o.subs[key]
	if existed {
		delete(o.subs, key)
	}
	empty := len(o.subs) == 0
	cbs := append([]ObserverCallback(nil), o.callbacks...)
	onNone := o.onNone
	o.mu.Unlock()

	if !existed {
		return
	}
	if m := o.metrics(); m != nil {
		m.ObserverCount.Dec()
	}
	if empty {
		if onNone != nil {
			onNone()
		}
		for _, cb := range cbs {
			cb.OnNoRemoteObservers()
		}
	}
}

// Trigger re-invokes the resource's representation function and fans
// the result out to every subscriber.
func (o *Observable) Trigger() {
	o.TriggerWithMessage(o.represent())
}

// TriggerWithMessage fans msg out to every subscriber as a fresh
// notification, stamping a freshly incremented Observe sequence number
// on each copy (24-bit, wrapping per RFC 7641 §4.4).
func (o *Observable) TriggerWithMessage(msg Message) {
	o.mu.Lock()
	o.seq = (o.seq + 1) & 0xFFFFFF
	seq := o.seq
	recs := make([]*observerRecord, 0, len(o.subs))
	for _, r := range o.subs {
		recs = append(recs, r)
	}
	o.mu.Unlock()

	for _, r := range recs {
		o.notify(r, seq, msg)
	}
}

func (o *Observable) notify(r *observerRecord, seq uint32, msg Message) {
	out := msg.Clone()
	out.Type = Confirmable
	out.Token = append([]byte(nil), r.token...)
	Options(&out).SetObserve(seq)

	key := observerKey(r.peer, r.token)
	o.mu.Lock()
	r.lastSeq = seq
	r.lastSentTime = o.now()
	o.mu.Unlock()

	_ = o.ep.layer.SendRequest(r.peer, out, func(resp Message, err error) {
		switch {
		case err == nil:
			o.mu.Lock()
			r.consecutiveTimeouts = 0
			r.lastAckTime = o.now()
			o.mu.Unlock()
		case errors.Is(err, ErrReset):
			// Deregistration case (b): the client RSTs a notification.
			o.removeAndNotify(key)
		case errors.Is(err, ErrTransmitTimeout):
			o.mu.Lock()
			r.consecutiveTimeouts++
			timedOut := r.consecutiveTimeouts >= 4
			o.mu.Unlock()
			if timedOut {
				// Deregistration case (c): four consecutive notifications
				// each exhausted their own CON retransmit schedule.
				o.removeAndNotify(key)
			}
		}
	})
}

// EjectObservers sends every subscriber a final 5.03 Service
// Unavailable notification and clears the subscriber set: the
// server-initiated deregistration path, for a resource going away or
// shedding load.
func (o *Observable) EjectObservers() {
	o.mu.Lock()
	recs := make([]*observerRecord, 0, len(o.subs))
	for _, r := range o.subs {
		recs = append(recs, r)
	}
	o.subs = map[string]*observerRecord{}
	hadAny := len(recs) > 0
	cbs := append([]ObserverCallback(nil), o.callbacks...)
	onNone := o.onNone
	o.mu.Unlock()

	for _, r := range recs {
		final := Message{Code: ServiceUnavailable, Token: append([]byte(nil), r.token...)}
		_ = o.ep.layer.SendRequest(r.peer, final, func(Message, error) {})
	}
	if hadAny {
		if m := o.metrics(); m != nil {
			m.ObserverCount.Sub(float64(len(recs)))
		}
		if onNone != nil {
			onNone()
		}
		for _, cb := range cbs {
			cb.OnNoRemoteObservers()
		}
	}
}

// observeNewer implements RFC 7641 §3.4's sequence comparison: v2 is a
// newer observation than v1 when ((v1<v2 && v2-v1<2^23) || (v1>v2 &&
// v1-v2>2^23)).
func observeNewer(v1, v2 uint32) bool {
	if v1 < v2 {
		return v2-v1 < 1<<23
	}
	if v1 > v2 {
		return v1-v2 > 1<<23
	}
	return false
}
