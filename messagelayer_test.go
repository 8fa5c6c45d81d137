package coap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureSend records every datagram handed to the transport and lets a
// test decode them back into Messages to inspect Type/Code/MID.
type captureSend struct {
	sent []capturedDatagram
}

type capturedDatagram struct {
	to   Addr
	data []byte
}

func (c *captureSend) fn(to Addr, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	c.sent = append(c.sent, capturedDatagram{to: to, data: cp})
	return nil
}

func (c *captureSend) last() Message {
	var m Message
	_ = m.UnmarshalBinary(c.sent[len(c.sent)-1].data)
	return m
}

func newTestMessageLayer(sched Scheduler, behavior BehaviorContext, handler InboundHandler) (*messageLayer, *captureSend) {
	cs := &captureSend{}
	layer := newMessageLayer(sched, behavior, nil, cs.fn, handler, nil)
	return layer, cs
}

var testPeer = loopAddr("peer")

func TestSendRequestNONIsFireAndForget(t *testing.T) {
	sched := NewFakeScheduler(time.Unix(0, 0))
	behavior := DefaultBehaviorContext()
	layer, cs := newTestMessageLayer(sched, behavior, nil)

	resolved := false
	req := Message{Type: NonConfirmable, Code: GET, Token: RandomToken(4)}
	err := layer.SendRequest(testPeer, req, func(Message, error) { resolved = true })
	require.NoError(t, err)

	require.Len(t, cs.sent, 1)
	assert.Equal(t, NonConfirmable, cs.last().Type)
	assert.False(t, resolved, "a bare NON has nothing to resolve")
}

func TestSendRequestConfirmablePiggybackedResponseResolves(t *testing.T) {
	sched := NewFakeScheduler(time.Unix(0, 0))
	behavior := DefaultBehaviorContext()
	layer, cs := newTestMessageLayer(sched, behavior, nil)

	var resolvedResp Message
	var resolvedErr error
	req := Message{Type: Confirmable, Code: GET, Token: RandomToken(4)}
	require.NoError(t, layer.SendRequest(testPeer, req, func(r Message, e error) {
		resolvedResp, resolvedErr = r, e
	}))
	require.Len(t, cs.sent, 1)
	sentMID := cs.last().MessageID

	ack := Message{Type: Acknowledgement, Code: Content, MessageID: sentMID, Token: req.Token}
	layer.onAckOrReset(ack, testPeer)

	require.NoError(t, resolvedErr)
	assert.Equal(t, Content, resolvedResp.Code)
}

func TestSendRequestEmptyACKThenSeparateRelease(t *testing.T) {
	sched := NewFakeScheduler(time.Unix(0, 0))
	behavior := DefaultBehaviorContext()
	layer, cs := newTestMessageLayer(sched, behavior, nil)

	resolved := false
	req := Message{Type: Confirmable, Code: GET, Token: RandomToken(4)}
	require.NoError(t, layer.SendRequest(testPeer, req, func(Message, error) { resolved = true }))
	sentMID := cs.last().MessageID

	emptyACK := Message{Type: Acknowledgement, Code: Empty, MessageID: sentMID}
	layer.onAckOrReset(emptyACK, testPeer)
	assert.False(t, resolved, "an empty ACK just moves into WAITING_RESPONSE, it does not resolve")

	// The separate response itself is correlated by token a layer up;
	// releasing the entry must disarm MAX_TRANSMIT_WAIT so the request
	// is never failed with ErrNoResponse afterwards.
	layer.releaseSeparate(req.Token, testPeer)
	sched.Advance(2 * behavior.MaxTransmitWait())
	assert.False(t, resolved, "a released entry must not fire any terminal callback")
}

func TestSendRequestEmptyACKWithoutSeparateResponseTimesOut(t *testing.T) {
	sched := NewFakeScheduler(time.Unix(0, 0))
	behavior := DefaultBehaviorContext()
	layer, cs := newTestMessageLayer(sched, behavior, nil)

	var resolvedErr error
	req := Message{Type: Confirmable, Code: GET, Token: RandomToken(4)}
	require.NoError(t, layer.SendRequest(testPeer, req, func(_ Message, e error) { resolvedErr = e }))
	sentMID := cs.last().MessageID

	layer.onAckOrReset(Message{Type: Acknowledgement, Code: Empty, MessageID: sentMID}, testPeer)
	sched.Advance(behavior.MaxTransmitWait() + time.Second)
	assert.ErrorIs(t, resolvedErr, ErrNoResponse)
}

func TestNotificationCONEmptyACKIsTerminal(t *testing.T) {
	sched := NewFakeScheduler(time.Unix(0, 0))
	behavior := DefaultBehaviorContext()
	layer, cs := newTestMessageLayer(sched, behavior, nil)

	// An outbound CON carrying a response code (a notification) is done
	// the moment its empty ACK arrives; there is no separate response
	// to wait for.
	resolved := false
	var resolvedErr error
	notif := Message{Type: Confirmable, Code: Content, Token: RandomToken(4), Payload: []byte("v")}
	require.NoError(t, layer.SendRequest(testPeer, notif, func(_ Message, e error) {
		resolved = true
		resolvedErr = e
	}))
	sentMID := cs.last().MessageID

	layer.onAckOrReset(Message{Type: Acknowledgement, Code: Empty, MessageID: sentMID}, testPeer)
	assert.True(t, resolved)
	assert.NoError(t, resolvedErr)
}

func TestSendRequestResetResolvesWithErrReset(t *testing.T) {
	sched := NewFakeScheduler(time.Unix(0, 0))
	behavior := DefaultBehaviorContext()
	layer, cs := newTestMessageLayer(sched, behavior, nil)

	var resolvedErr error
	req := Message{Type: Confirmable, Code: GET, Token: RandomToken(4)}
	require.NoError(t, layer.SendRequest(testPeer, req, func(_ Message, e error) { resolvedErr = e }))
	sentMID := cs.last().MessageID

	layer.onAckOrReset(Message{Type: Reset, Code: Empty, MessageID: sentMID}, testPeer)
	assert.ErrorIs(t, resolvedErr, ErrReset)
}

func TestSendRequestRetransmitsThenTimesOut(t *testing.T) {
	sched := NewFakeScheduler(time.Unix(0, 0))
	behavior := DefaultBehaviorContext()
	behavior.MaxRetransmit = 2
	behavior.ACKRandomFactor = 1 // deterministic timing
	layer, cs := newTestMessageLayer(sched, behavior, nil)

	var resolvedErr error
	resolved := false
	req := Message{Type: Confirmable, Code: GET, Token: RandomToken(4)}
	require.NoError(t, layer.SendRequest(testPeer, req, func(_ Message, e error) {
		resolved = true
		resolvedErr = e
	}))
	require.Len(t, cs.sent, 1)

	// T0 = ACK_TIMEOUT with ACKRandomFactor==1 disabled randomization.
	sched.Advance(behavior.ACKTimeout)
	assert.Len(t, cs.sent, 2, "first retransmit")

	sched.Advance(2 * behavior.ACKTimeout)
	assert.Len(t, cs.sent, 3, "second retransmit, exhausting MaxRetransmit=2")
	assert.False(t, resolved)

	sched.Advance(4 * behavior.ACKTimeout)
	assert.True(t, resolved)
	assert.ErrorIs(t, resolvedErr, ErrTransmitTimeout)
	assert.Len(t, cs.sent, 3, "no further retransmit once MaxRetransmit is exhausted")
}

func TestNSTARTGatesConcurrentConfirmableSends(t *testing.T) {
	sched := NewFakeScheduler(time.Unix(0, 0))
	behavior := DefaultBehaviorContext()
	behavior.NSTART = 1
	layer, cs := newTestMessageLayer(sched, behavior, nil)

	var resolved1, resolved2 bool
	req1 := Message{Type: Confirmable, Code: GET, Token: RandomToken(4)}
	req2 := Message{Type: Confirmable, Code: GET, Token: RandomToken(4)}

	require.NoError(t, layer.SendRequest(testPeer, req1, func(Message, error) { resolved1 = true }))
	require.NoError(t, layer.SendRequest(testPeer, req2, func(Message, error) { resolved2 = true }))

	require.Len(t, cs.sent, 1, "NSTART=1 must hold the second request back")

	firstMID := cs.last().MessageID
	layer.onAckOrReset(Message{Type: Acknowledgement, Code: Content, MessageID: firstMID}, testPeer)
	assert.True(t, resolved1)

	require.Len(t, cs.sent, 2, "finishing the first CON must release the queued second request")
	assert.False(t, resolved2)
}

func TestOnDatagramDuplicateRequestReturnsCachedResponse(t *testing.T) {
	sched := NewFakeScheduler(time.Unix(0, 0))
	behavior := DefaultBehaviorContext()

	var gotEx *Exchange
	layer, cs := newTestMessageLayer(sched, behavior, func(ex *Exchange) {
		gotEx = ex
		_ = ex.Respond(Message{Code: Content, Payload: []byte("ok")})
	})

	req := Message{Type: Confirmable, Code: GET, MessageID: 42, Token: []byte{1}}
	data, err := (&req).MarshalBinary()
	require.NoError(t, err)

	layer.onDatagram(data, testPeer)
	require.NotNil(t, gotEx)
	require.Len(t, cs.sent, 1)
	firstResponse := cs.sent[0].data

	layer.onDatagram(data, testPeer)
	require.Len(t, cs.sent, 2, "a duplicate request must re-send the cached response, not invoke the handler again")
	assert.Equal(t, firstResponse, cs.sent[1].data)
}

func TestOnDatagramPingAnsweredWithReset(t *testing.T) {
	sched := NewFakeScheduler(time.Unix(0, 0))
	behavior := DefaultBehaviorContext()
	layer, cs := newTestMessageLayer(sched, behavior, func(ex *Exchange) {
		t.Fatal("an empty CON ping must never reach the handler")
	})

	ping := Message{Type: Confirmable, Code: Empty, MessageID: 7}
	data, err := (&ping).MarshalBinary()
	require.NoError(t, err)

	layer.onDatagram(data, testPeer)
	require.Len(t, cs.sent, 1)
	assert.Equal(t, Reset, cs.last().Type)
	assert.Equal(t, uint16(7), cs.last().MessageID)
}

func TestExchangeAutoAcksAfterProcessingDelay(t *testing.T) {
	sched := NewFakeScheduler(time.Unix(0, 0))
	behavior := DefaultBehaviorContext()

	layer, cs := newTestMessageLayer(sched, behavior, func(ex *Exchange) {
		// deliberately never calls Respond, to exercise the auto-ACK path
	})

	req := Message{Type: Confirmable, Code: GET, MessageID: 11, Token: []byte{9}}
	data, err := (&req).MarshalBinary()
	require.NoError(t, err)
	layer.onDatagram(data, testPeer)
	require.Empty(t, cs.sent)

	sched.Advance(behavior.ProcessingDelay())
	require.Len(t, cs.sent, 1)
	assert.Equal(t, Acknowledgement, cs.last().Type)
	assert.Equal(t, Empty, cs.last().Code)
}

func TestExchangeRequestSeparateSendsEarlyACK(t *testing.T) {
	sched := NewFakeScheduler(time.Unix(0, 0))
	behavior := DefaultBehaviorContext()

	layer, cs := newTestMessageLayer(sched, behavior, func(ex *Exchange) {
		ex.RequestSeparate()
	})

	req := Message{Type: Confirmable, Code: GET, MessageID: 12, Token: []byte{3}}
	data, err := (&req).MarshalBinary()
	require.NoError(t, err)
	layer.onDatagram(data, testPeer)

	require.Len(t, cs.sent, 1)
	assert.Equal(t, Acknowledgement, cs.last().Type)
}

func TestExchangeRespondTwiceFails(t *testing.T) {
	sched := NewFakeScheduler(time.Unix(0, 0))
	behavior := DefaultBehaviorContext()

	var secondErr error
	layer, _ := newTestMessageLayer(sched, behavior, func(ex *Exchange) {
		require.NoError(t, ex.Respond(Message{Code: Content}))
		secondErr = ex.Respond(Message{Code: Content})
	})

	req := Message{Type: NonConfirmable, Code: GET, MessageID: 13, Token: []byte{4}}
	data, err := (&req).MarshalBinary()
	require.NoError(t, err)
	layer.onDatagram(data, testPeer)

	assert.Error(t, secondErr)
}

func TestRandomTokenLengthAndZero(t *testing.T) {
	assert.Nil(t, RandomToken(0))
	assert.Len(t, RandomToken(8), 8)
	a, b := RandomToken(4), RandomToken(4)
	assert.NotEqual(t, a, b, "two draws should not collide in practice")
}

func TestAllocMIDIsMonotonicWithinEndpoint(t *testing.T) {
	sched := NewFakeScheduler(time.Unix(0, 0))
	behavior := DefaultBehaviorContext()
	layer, _ := newTestMessageLayer(sched, behavior, nil)

	first := layer.allocMID()
	second := layer.allocMID()
	assert.Equal(t, first+1, second)
}
