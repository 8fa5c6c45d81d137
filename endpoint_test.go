package coap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopInboundHandler(*Exchange) {}

func TestNewEndpointManagerAppliesDefaults(t *testing.T) {
	m := NewEndpointManager()
	defer m.Close()
	assert.NotEmpty(t, m.ID())
	assert.Equal(t, DefaultBehaviorContext(), m.DefaultBehaviorContext())
	assert.NotNil(t, m.Scheduler())
}

func TestWithBehaviorContextOverridesDefault(t *testing.T) {
	b := DefaultBehaviorContext()
	b.MaxRetransmit = 7
	m := NewEndpointManager(WithBehaviorContext(b))
	defer m.Close()
	assert.Equal(t, 7, m.DefaultBehaviorContext().MaxRetransmit)
}

func TestLocalEndpointForSchemeUnknownScheme(t *testing.T) {
	m := NewEndpointManager()
	defer m.Close()
	_, err := m.LocalEndpointForScheme("ftp", "x", noopInboundHandler)
	assert.Error(t, err)
}

func TestLocalEndpointForSchemeLoop(t *testing.T) {
	sched := NewFakeScheduler(time.Unix(0, 0))
	m := NewEndpointManager(WithScheduler(sched))
	defer m.Close()

	ep, err := m.LocalEndpointForScheme("loop", "ep-a", noopInboundHandler)
	require.NoError(t, err)
	assert.NotEmpty(t, ep.ID())
	assert.Equal(t, "ep-a", ep.LocalAddr().String())
	assert.NotNil(t, ep.Transport())
}

func TestEndpointManagerCloseIsIdempotentAndRejectsFurtherBinds(t *testing.T) {
	sched := NewFakeScheduler(time.Unix(0, 0))
	m := NewEndpointManager(WithScheduler(sched))
	_, err := m.LocalEndpointForScheme("loop", "ep-b", noopInboundHandler)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err = m.LocalEndpointForScheme("loop", "ep-c", noopInboundHandler)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSetDefaultInterceptorRejectsNil(t *testing.T) {
	m := NewEndpointManager()
	defer m.Close()
	m.SetDefaultInterceptor(nil)
	assert.NotNil(t, m.DefaultInterceptor())
}

func TestSetDefaultBehaviorContextDoesNotAffectExistingEndpoint(t *testing.T) {
	sched := NewFakeScheduler(time.Unix(0, 0))
	m := NewEndpointManager(WithScheduler(sched))
	defer m.Close()

	b1 := DefaultBehaviorContext()
	b1.MaxRetransmit = 1
	m.SetDefaultBehaviorContext(b1)

	ep, err := m.LocalEndpointForScheme("loop", "ep-d", noopInboundHandler)
	require.NoError(t, err)
	assert.NotNil(t, ep)

	b2 := DefaultBehaviorContext()
	b2.MaxRetransmit = 9
	m.SetDefaultBehaviorContext(b2)

	assert.Equal(t, 9, m.DefaultBehaviorContext().MaxRetransmit)
	assert.Equal(t, 1, ep.layer.behavior.MaxRetransmit)
}

func TestInterceptorSeesSentAndReceivedMessages(t *testing.T) {
	sched := NewFakeScheduler(time.Unix(0, 0))

	var serverSent, serverReceived []Message
	serverMgr := NewEndpointManager(WithScheduler(sched), WithInterceptor(InterceptorFunc{
		Send:    func(m Message, _ Addr) { serverSent = append(serverSent, m) },
		Receive: func(m Message, _ Addr) { serverReceived = append(serverReceived, m) },
	}))
	defer serverMgr.Close()
	_, err := serverMgr.LocalEndpointForScheme("loop", "tap-srv", func(ex *Exchange) {
		_ = ex.Respond(Message{Code: Content})
	})
	require.NoError(t, err)

	clientMgr := NewEndpointManager(WithScheduler(sched))
	defer clientMgr.Close()
	client, err := NewClient(clientMgr, "loop://tap-srv")
	require.NoError(t, err)

	tx, err := client.NewRequestBuilder(GET).Send()
	require.NoError(t, err)
	flushScheduler(sched)
	_, err = tx.GetResponse(time.Second)
	require.NoError(t, err)

	require.Len(t, serverReceived, 1)
	assert.Equal(t, GET, serverReceived[0].Code)
	require.Len(t, serverSent, 1)
	assert.Equal(t, Content, serverSent[0].Code)
}

func TestInterceptorInstalledAfterEndpointStillTaps(t *testing.T) {
	sched := NewFakeScheduler(time.Unix(0, 0))
	mgr := NewEndpointManager(WithScheduler(sched))
	defer mgr.Close()

	ep, err := mgr.LocalEndpointForScheme("loop", "late-tap", noopInboundHandler)
	require.NoError(t, err)

	var sent int
	mgr.SetDefaultInterceptor(InterceptorFunc{
		Send: func(Message, Addr) { sent++ },
	})

	require.NoError(t, ep.layer.SendRequest(loopAddr("late-tap"), Message{Type: NonConfirmable, Code: GET}, nil))
	assert.Equal(t, 1, sent, "the tap is fetched per message, so a late install must still see traffic")
}

func TestInterceptorFuncOnlyCallsConfiguredHooks(t *testing.T) {
	var sawSend, sawReceive bool
	i := InterceptorFunc{
		Send: func(Message, Addr) { sawSend = true },
	}
	i.OnSend(Message{}, loopAddr("x"))
	i.OnReceive(Message{}, loopAddr("x"))
	assert.True(t, sawSend)
	assert.False(t, sawReceive)
}
