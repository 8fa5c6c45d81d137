package coap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTxCallback struct {
	responses []Message
	cancelled int
	errs      []error
	finished  int
}

func (c *recordingTxCallback) OnTransactionResponse(ep *LocalEndpoint, m Message) {
	c.responses = append(c.responses, m)
}
func (c *recordingTxCallback) OnTransactionCancelled()        { c.cancelled++ }
func (c *recordingTxCallback) OnTransactionException(e error) { c.errs = append(c.errs, e) }
func (c *recordingTxCallback) OnTransactionFinished()         { c.finished++ }

func newTestTransaction(t *testing.T, observe bool) (*Transaction, *EndpointManager, *transactionTable) {
	t.Helper()
	sched := NewFakeScheduler(time.Unix(0, 0))
	mgr := NewEndpointManager(WithScheduler(sched))
	ep, err := mgr.LocalEndpointForScheme("loop", "tx-test-"+t.Name(), noopInboundHandler)
	require.NoError(t, err)

	table := newTransactionTable()
	req := Message{Type: Confirmable, Code: GET, Token: []byte{1, 2}}
	tx := &Transaction{
		ep:      ep,
		to:      loopAddr("tx-peer"),
		req:     req,
		observe: observe,
		table:   table,
		respCh:  make(chan Message, 8),
		errCh:   make(chan error, 1),
	}
	table.register(tx)
	return tx, mgr, table
}

func TestTransactionIsActiveInitially(t *testing.T) {
	tx, mgr, _ := newTestTransaction(t, false)
	defer mgr.Close()
	assert.True(t, tx.IsActive())
	assert.False(t, tx.IsCancelled())
}

func TestTransactionResolveNonObserveFinishesAndRemoves(t *testing.T) {
	tx, mgr, table := newTestTransaction(t, false)
	defer mgr.Close()

	cb := &recordingTxCallback{}
	tx.RegisterCallback(cb)

	tx.onMessageLayerResolve(Message{Code: Content, Payload: []byte("hi")}, nil)

	resp, err := tx.GetResponse(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), resp.Payload)

	assert.Len(t, cb.responses, 1)
	assert.Equal(t, 1, cb.finished)
	assert.False(t, tx.IsActive())
	_, ok := table.lookup(tx.req.Token, tx.to)
	assert.False(t, ok, "a finished non-observe transaction must leave the table")
}

func TestTransactionResolveErrorFiresExceptionAndFinished(t *testing.T) {
	tx, mgr, table := newTestTransaction(t, false)
	defer mgr.Close()

	cb := &recordingTxCallback{}
	tx.RegisterCallback(cb)

	tx.onMessageLayerResolve(Message{}, ErrTransmitTimeout)

	_, err := tx.GetResponse(time.Second)
	assert.ErrorIs(t, err, ErrTransmitTimeout)
	assert.Len(t, cb.errs, 1)
	assert.Equal(t, 1, cb.finished)
	_, ok := table.lookup(tx.req.Token, tx.to)
	assert.False(t, ok)
}

func TestTransactionObserveNotificationStaysOpen(t *testing.T) {
	tx, mgr, table := newTestTransaction(t, true)
	defer mgr.Close()

	first := Message{Code: Content, Payload: []byte("v1")}
	Options(&first).SetObserve(1)
	tx.onMessageLayerResolve(first, nil)

	assert.True(t, tx.IsActive())
	_, ok := table.lookup(tx.req.Token, tx.to)
	assert.True(t, ok, "an observe transaction must stay registered after a notification")

	second := Message{Code: Content, Payload: []byte("v2")}
	Options(&second).SetObserve(2)
	tx.onMessageLayerResolve(second, nil)

	resp, err := tx.GetResponse(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), resp.Payload)
	resp2, err := tx.GetResponse(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), resp2.Payload)
}

func TestTransactionStaleObserveNotificationIsDropped(t *testing.T) {
	tx, mgr, _ := newTestTransaction(t, true)
	defer mgr.Close()

	newer := Message{Code: Content, Payload: []byte("new")}
	Options(&newer).SetObserve(10)
	tx.onMessageLayerResolve(newer, nil)

	stale := Message{Code: Content, Payload: []byte("stale")}
	Options(&stale).SetObserve(3)
	tx.onMessageLayerResolve(stale, nil)

	resp, err := tx.GetResponse(time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), resp.Payload, "the stale notification must never reach respCh")
}

func TestTransactionOldObserveSequenceAcceptedAfterFreshnessWindow(t *testing.T) {
	sched := NewFakeScheduler(time.Unix(0, 0))
	mgr := NewEndpointManager(WithScheduler(sched))
	defer mgr.Close()
	ep, err := mgr.LocalEndpointForScheme("loop", "tx-fresh-"+t.Name(), noopInboundHandler)
	require.NoError(t, err)

	table := newTransactionTable()
	tx := &Transaction{
		ep:      ep,
		to:      loopAddr("tx-peer"),
		req:     Message{Type: Confirmable, Code: GET, Token: []byte{9}},
		observe: true,
		table:   table,
		respCh:  make(chan Message, 8),
		errCh:   make(chan error, 1),
	}
	table.register(tx)

	first := Message{Code: Content, Payload: []byte("new")}
	Options(&first).SetObserve(10)
	tx.onMessageLayerResolve(first, nil)
	_, err = tx.GetResponse(time.Second)
	require.NoError(t, err)

	// More than 128s later the sequence space may have wrapped; a
	// numerically older value must be treated as current again.
	sched.Advance(129 * time.Second)
	old := Message{Code: Content, Payload: []byte("after-wrap")}
	Options(&old).SetObserve(3)
	tx.onMessageLayerResolve(old, nil)

	resp, err := tx.GetResponse(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("after-wrap"), resp.Payload)
}

func TestTransactionCancelRemovesFromTableAndNotifies(t *testing.T) {
	tx, mgr, table := newTestTransaction(t, false)
	defer mgr.Close()

	cb := &recordingTxCallback{}
	tx.RegisterCallback(cb)

	require.NoError(t, tx.Cancel())
	assert.True(t, tx.IsCancelled())
	assert.Equal(t, 1, cb.cancelled)
	assert.Equal(t, 1, cb.finished)

	_, ok := table.lookup(tx.req.Token, tx.to)
	assert.False(t, ok)

	_, err := tx.GetResponse(time.Second)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestTransactionCancelAfterFinishedIsNoop(t *testing.T) {
	tx, mgr, _ := newTestTransaction(t, false)
	defer mgr.Close()

	tx.onMessageLayerResolve(Message{Code: Content}, nil)
	require.NoError(t, tx.Cancel())
	assert.False(t, tx.IsCancelled(), "cancel after the transaction already finished must not overwrite the state")
}

func TestTransactionTableAllReturnsEveryRegistered(t *testing.T) {
	table := newTransactionTable()
	tx1 := &Transaction{req: Message{Token: []byte{1}}, to: loopAddr("a"), table: table}
	tx2 := &Transaction{req: Message{Token: []byte{2}}, to: loopAddr("b"), table: table}
	table.register(tx1)
	table.register(tx2)
	assert.Len(t, table.all(), 2)
	table.remove(tx1)
	assert.Len(t, table.all(), 1)
}

func TestGetResponseTimesOut(t *testing.T) {
	tx, mgr, _ := newTestTransaction(t, false)
	defer mgr.Close()
	_, err := tx.GetResponse(5 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTransmitTimeout)
}
