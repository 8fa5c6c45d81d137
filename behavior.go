package coap

import "time"

// BehaviorContext holds the timing knobs from RFC 7252 §4.8. A snapshot is
// immutable for the lifetime of any transaction that captured it — a
// caller may safely construct a new BehaviorContext for each Client or
// EndpointManager without disturbing in-flight work elsewhere.
type BehaviorContext struct {
	// ACKTimeout is the base retransmission timeout (RFC 7252's
	// ACK_TIMEOUT), default 2s.
	ACKTimeout time.Duration `validate:"required"`
	// ACKRandomFactor scales ACKTimeout's upper bound when picking the
	// first retransmit timer (RFC 7252's ACK_RANDOM_FACTOR), default 1.5.
	ACKRandomFactor float64 `validate:"gte=1"`
	// MaxRetransmit bounds the number of retransmit attempts for a CON
	// (RFC 7252's MAX_RETRANSMIT), default 4.
	MaxRetransmit int `validate:"gte=0"`
	// NSTART bounds concurrent outstanding CONs per destination
	// (RFC 7252's NSTART), default 1.
	NSTART int `validate:"gte=1"`
	// DefaultLeisure bounds how long a multicast responder may delay a
	// response (RFC 7252's DEFAULT_LEISURE), default 5s.
	DefaultLeisure time.Duration
	// ProbingRate bounds non-confirmable traffic to an unacknowledged
	// destination, in bytes/second (RFC 7252's PROBING_RATE), default 1.
	ProbingRate float64
	// MaxBodySize bounds the total size a block-wise reassembly may
	// grow to before it is rejected with 4.13 Request Entity Too Large.
	// RFC 7959 leaves this threshold to implementation policy; treated
	// here as a configurable cap, default 65536 bytes.
	MaxBodySize int `validate:"gte=0"`
}

// DefaultBehaviorContext returns the RFC 7252 §4.8.1 default knobs.
func DefaultBehaviorContext() BehaviorContext {
	return BehaviorContext{
		ACKTimeout:      2000 * time.Millisecond,
		ACKRandomFactor: 1.5,
		MaxRetransmit:   4,
		NSTART:          1,
		DefaultLeisure:  5000 * time.Millisecond,
		ProbingRate:     1,
		MaxBodySize:     65536,
	}
}

// MaxTransmitSpan is the worst-case time a CON spends retransmitting
// before its final attempt (RFC 7252 §4.8.2).
func (b BehaviorContext) MaxTransmitSpan() time.Duration {
	span := float64(b.ACKTimeout) * b.ACKRandomFactor
	total := 0.0
	cur := span
	for i := 0; i < b.MaxRetransmit; i++ {
		total += cur
		cur *= 2
	}
	return time.Duration(total)
}

// MaxTransmitWait is the worst-case time before a CON's sender gives up
// entirely (RFC 7252 §4.8.2): MAX_TRANSMIT_SPAN plus one more timeout.
func (b BehaviorContext) MaxTransmitWait() time.Duration {
	span := float64(b.ACKTimeout) * b.ACKRandomFactor
	total := 0.0
	cur := span
	for i := 0; i <= b.MaxRetransmit; i++ {
		total += cur
		cur *= 2
	}
	return time.Duration(total)
}

// MaxLatency is RFC 7252's MAX_LATENCY default, 100s.
func (b BehaviorContext) MaxLatency() time.Duration { return 100 * time.Second }

// ProcessingDelay is RFC 7252's PROCESSING_DELAY, defined as equal to
// ACK_TIMEOUT: how long the message layer waits for a synchronous
// handler response before auto-ACKing and switching to
// separate-response mode (RFC 7252 §5.2.2).
func (b BehaviorContext) ProcessingDelay() time.Duration { return b.ACKTimeout }

// MaxRTT is (2 * MAX_LATENCY) + PROCESSING_DELAY (RFC 7252 §4.8.2);
// with the defaults this is 202s.
func (b BehaviorContext) MaxRTT() time.Duration {
	return 2*b.MaxLatency() + b.ProcessingDelay()
}

// ExchangeLifetime is MAX_TRANSMIT_SPAN + (2 * MAX_LATENCY) +
// PROCESSING_DELAY, the upper bound on how long a MID must stay in the
// dedup cache (RFC 7252 §4.8.2); with the defaults this is 247s.
func (b BehaviorContext) ExchangeLifetime() time.Duration {
	return b.MaxTransmitSpan() + 2*b.MaxLatency() + b.ProcessingDelay()
}

// NonLifetime bounds how long a NON's MID is retained for dedup
// purposes (RFC 7252 §4.8.2 default, 145s).
func (b BehaviorContext) NonLifetime() time.Duration { return 145 * time.Second }
