package coap

import (
	"sync"
	"time"
)

// TxState is a Transaction's lifecycle state.
type TxState uint8

const (
	// TxActive is the initial state: the request is outstanding.
	TxActive TxState = iota
	// TxResponded is reached after the first notification of an observe
	// transaction; the transaction stays open for further notifications.
	TxResponded
	// TxCancelled is reached after a user-initiated Cancel.
	TxCancelled
	// TxFinished is the terminal state for a non-observe transaction
	// once its response has been delivered.
	TxFinished
	// TxFailed is reached when the message layer surfaces a terminal
	// error (timeout, reset) instead of a response.
	TxFailed
)

// TxCallback is a listener invoked for every event on the transaction
// it's attached to. A terminal event (response for a non-observe
// transaction, exception, or cancellation) is always followed by
// exactly one OnTransactionFinished call.
type TxCallback interface {
	OnTransactionResponse(ep *LocalEndpoint, m Message)
	OnTransactionCancelled()
	OnTransactionException(err error)
	OnTransactionFinished()
}

// Transaction is the future-like handle for a client request's
// correlation with its eventual response(s), token-keyed into a
// transactionTable for the lifetime of the exchange.
type Transaction struct {
	ep  *LocalEndpoint
	to  Addr
	req Message

	observe                bool
	cancelWithoutUnobserve bool

	mu        sync.Mutex
	state     TxState
	callbacks []TxCallback
	table     *transactionTable

	haveObserve     bool
	lastObserveSeq  uint32
	lastObserveTime time.Time

	respCh chan Message
	errCh  chan error
}

// GetRequest returns the request this transaction was created for.
func (tx *Transaction) GetRequest() Message { return tx.req }

// IsActive reports whether the transaction is still outstanding
// (ACTIVE or, for an observation, RESPONDED).
func (tx *Transaction) IsActive() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state == TxActive || tx.state == TxResponded
}

// IsCancelled reports whether Cancel/CancelWithoutUnobserve was called.
func (tx *Transaction) IsCancelled() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state == TxCancelled
}

// RegisterCallback attaches cb to this transaction's event stream.
// There is no separate executor: response and exception callbacks run
// directly on the goroutine that delivers them (the endpoint manager's
// scheduler), and cancellation callbacks run on the goroutine that
// calls Cancel or CancelWithoutUnobserve.
func (tx *Transaction) RegisterCallback(cb TxCallback) {
	tx.mu.Lock()
	tx.callbacks = append(tx.callbacks, cb)
	tx.mu.Unlock()
}

// GetResponse blocks for the next response (or terminal error). timeout
// <= 0 blocks until the transaction resolves with no local deadline,
// matching the usual future/promise optional timeout parameter.
func (tx *Transaction) GetResponse(timeout time.Duration) (Message, error) {
	if timeout <= 0 {
		select {
		case m := <-tx.respCh:
			return m, nil
		case err := <-tx.errCh:
			return Message{}, err
		}
	}
	select {
	case m := <-tx.respCh:
		return m, nil
	case err := <-tx.errCh:
		return Message{}, err
	case <-time.After(timeout):
		return Message{}, ErrTransmitTimeout
	}
}

// onMessageLayerResolve delivers a response (or terminal error) that
// the message layer or the client's inbound dispatch correlated to this
// transaction's token (RFC 7252 §5.3.2). err is nil for a received
// response, or one of ErrTransmitTimeout/ErrReset/ErrNoResponse, or
// ErrEntityTooLarge from block-wise reassembly, or an error from sending
// the request or a block continuation, for a terminal failure.
func (tx *Transaction) onMessageLayerResolve(resp Message, err error) {
	tx.mu.Lock()
	if tx.state == TxCancelled || tx.state == TxFinished {
		tx.mu.Unlock()
		return
	}

	if err != nil {
		tx.state = TxFailed
		cbs := append([]TxCallback(nil), tx.callbacks...)
		tx.mu.Unlock()

		select {
		case tx.errCh <- err:
		default:
		}
		for _, cb := range cbs {
			cb.OnTransactionException(err)
		}
		for _, cb := range cbs {
			cb.OnTransactionFinished()
		}
		tx.table.remove(tx)
		return
	}

	seq, hasSeq := Options(&resp).Observe()
	isNotification := tx.observe && hasSeq
	if isNotification {
		now := tx.ep.mgr.Scheduler().Now()
		if tx.haveObserve && !observeNewer(tx.lastObserveSeq, seq) &&
			now.Sub(tx.lastObserveTime) < 128*time.Second {
			// Stale notification: a later one already arrived, and
			// recently enough that RFC 7641 §3.4's 128-second freshness
			// rule still applies. Past that window the sequence numbers
			// may have wrapped arbitrarily, so the notification is
			// accepted as current.
			tx.mu.Unlock()
			return
		}
		tx.haveObserve = true
		tx.lastObserveSeq = seq
		tx.lastObserveTime = now
		tx.state = TxResponded
	} else {
		tx.state = TxFinished
	}
	cbs := append([]TxCallback(nil), tx.callbacks...)
	tx.mu.Unlock()

	select {
	case tx.respCh <- resp:
	default:
		// A full buffer means nobody is draining GetResponse; the
		// registered callbacks, the primary delivery path for observe
		// notifications, still fire below.
	}
	for _, cb := range cbs {
		cb.OnTransactionResponse(tx.ep, resp)
	}
	if !isNotification {
		for _, cb := range cbs {
			cb.OnTransactionFinished()
		}
		tx.table.remove(tx)
	}
}

// Cancel cancels the transaction. For an observation this also sends
// an unobserve request (a GET repeating the original request's options
// with Observe=1, RFC 7641 §3.6) unless CancelWithoutUnobserve was
// used instead.
func (tx *Transaction) Cancel() error { return tx.cancel(false) }

// CancelWithoutUnobserve cancels the transaction without sending an
// unobserve request, per this package's client API.
func (tx *Transaction) CancelWithoutUnobserve() error { return tx.cancel(true) }

func (tx *Transaction) cancel(suppressUnobserve bool) error {
	tx.mu.Lock()
	if tx.state == TxCancelled || tx.state == TxFinished {
		tx.mu.Unlock()
		return nil
	}
	tx.state = TxCancelled
	wasObserve := tx.observe
	to := tx.to
	req := tx.req
	cbs := append([]TxCallback(nil), tx.callbacks...)
	tx.mu.Unlock()

	tx.table.remove(tx)
	select {
	case tx.errCh <- ErrCancelled:
	default:
	}

	for _, cb := range cbs {
		cb.OnTransactionCancelled()
	}
	for _, cb := range cbs {
		cb.OnTransactionFinished()
	}

	if wasObserve && !suppressUnobserve {
		// The unobserve repeats the original request (same token, same
		// URI options) so the server routes it to the observed resource;
		// it is sent as NON with no payload and Observe=1.
		unobs := req.Clone()
		unobs.Type = NonConfirmable
		unobs.Payload = nil
		Options(&unobs).SetObserve(1)
		_ = tx.ep.layer.SendRequest(to, unobs, func(Message, error) {})
	}
	return nil
}

// transactionTable is a token-indexed map: one per Client, holding
// every outstanding Transaction by (token, remote-peer).
type transactionTable struct {
	mu sync.Mutex
	m  map[string]*Transaction
}

func newTransactionTable() *transactionTable {
	return &transactionTable{m: map[string]*Transaction{}}
}

func txKey(token []byte, addr Addr) string { return addr.String() + "|" + string(token) }

func (t *transactionTable) register(tx *Transaction) {
	t.mu.Lock()
	t.m[txKey(tx.req.Token, tx.to)] = tx
	t.mu.Unlock()
}

func (t *transactionTable) remove(tx *Transaction) {
	t.mu.Lock()
	delete(t.m, txKey(tx.req.Token, tx.to))
	t.mu.Unlock()
}

func (t *transactionTable) lookup(token []byte, addr Addr) (*Transaction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tx, ok := t.m[txKey(token, addr)]
	return tx, ok
}

func (t *transactionTable) all() []*Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Transaction, 0, len(t.m))
	for _, tx := range t.m {
		out = append(out, tx)
	}
	return out
}
