package coap

import "sync"

// maxUnblockedBodySize is the largest payload this implementation will
// ever place in a single datagram (the SZX=6 block size, RFC 7959
// §2.2); anything larger is always segmented.
const maxUnblockedBodySize = 1024

// block1Context accumulates a single in-progress Block1 reassembly
// (one client's sequential PUT/POST for one resource), keyed by
// (remote-peer, token) by the caller.
type block1Context struct {
	buf       []byte
	expectNum uint32
}

// block1Reassembler is the server-side request reassembly table of
// RFC 7959 §2.5: it buffers Block1-tagged PUT/POST bodies until the
// final block (M=0) arrives, then hands the whole body back to the
// caller in one piece.
type block1Reassembler struct {
	mu      sync.Mutex
	ctx     map[string]*block1Context
	metrics *Metrics
}

func newBlock1Reassembler(metrics *Metrics) *block1Reassembler {
	return &block1Reassembler{ctx: map[string]*block1Context{}, metrics: metrics}
}

// Feed accumulates one Block1-tagged request block for key. It returns
// (full, true, 0) once the final block has been fed. While more blocks
// remain it returns (nil, false, 0) and the caller should answer with a
// 2.31 Continue Block1 ack. errCode is non-zero (RequestEntityIncomplete
// for an out-of-sequence block, RequestEntityTooLarge once maxBody is
// exceeded) when the caller should abort the reassembly and answer with
// that response code instead.
func (r *block1Reassembler) Feed(key string, blk BlockValue, payload []byte, maxBody int) (full []byte, complete bool, errCode CCode) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, exists := r.ctx[key]
	if blk.Num == 0 {
		ctx = &block1Context{}
		r.ctx[key] = ctx
	} else if !exists || blk.Num != ctx.expectNum {
		delete(r.ctx, key)
		return nil, false, RequestEntityIncomplete
	}

	ctx.buf = append(ctx.buf, payload...)
	ctx.expectNum = blk.Num + 1

	if maxBody > 0 && len(ctx.buf) > maxBody {
		delete(r.ctx, key)
		return nil, false, RequestEntityTooLarge
	}

	if blk.More {
		return nil, false, 0
	}

	full = append([]byte(nil), ctx.buf...)
	delete(r.ctx, key)
	if r.metrics != nil {
		r.metrics.BlockReassemblies.Inc()
	}
	return full, true, 0
}

// splitBlock2 slices resp's payload down to one Block2 fragment
// (RFC 7959 §2.4): reqBlk/hasReqBlk is the request's own Block2
// option, if any (absent on an initial GET, meaning "give me block 0
// at the largest size I support"). The full representation is
// recomputed by the caller for every block rather than cached, which
// is correct as long as the underlying resource's GET handler is
// idempotent (true of every resource in this package; see DESIGN.md).
func splitBlock2(resp Message, reqBlk BlockValue, hasReqBlk bool, maxSZX uint8) Message {
	szx := maxSZX
	num := uint32(0)
	if hasReqBlk {
		szx = reqBlk.SZX
		num = reqBlk.Num
	}
	size := BlockValue{SZX: szx}.Size()

	start := int(num) * size
	if start > len(resp.Payload) {
		return Message{Code: BadOption}
	}
	end := start + size
	more := true
	if end >= len(resp.Payload) {
		end = len(resp.Payload)
		more = false
	}

	total := len(resp.Payload)
	out := resp
	out.Payload = append([]byte(nil), resp.Payload[start:end]...)
	Options(&out).SetBlock2(BlockValue{Num: num, More: more, SZX: szx})
	if num == 0 && !hasReqBlk {
		Options(&out).SetSize2(uint32(total))
	}
	return out
}

// wrapBlockResponse returns an onResolve for messageLayer.SendRequest
// that transparently drives Block2 continuation GETs (RFC 7959 §2.4):
// every time a response arrives with More=true it issues the next
// block's GET itself, accumulating payload, and only calls deliver
// once the full body has been reassembled (or the accumulated size
// exceeds the client's configured cap, yielding ErrEntityTooLarge).
func (c *Client) wrapBlockResponse(ep *LocalEndpoint, to Addr, req Message, deliver func(Message, error)) func(Message, error) {
	var buf []byte
	var step func(resp Message, err error)
	step = func(resp Message, err error) {
		if err != nil {
			deliver(resp, err)
			return
		}
		blk, has := Options(&resp).Block2()
		if !has || !blk.More {
			if len(buf) > 0 {
				if len(buf)+len(resp.Payload) > c.maxBodySize() {
					deliver(Message{}, ErrEntityTooLarge)
					return
				}
				resp.Payload = append(append([]byte(nil), buf...), resp.Payload...)
				if m := c.metrics(); m != nil {
					m.BlockReassemblies.Inc()
				}
			}
			deliver(resp, nil)
			return
		}

		if len(buf)+len(resp.Payload) > c.maxBodySize() {
			deliver(Message{}, ErrEntityTooLarge)
			return
		}
		buf = append(buf, resp.Payload...)

		next := req.Clone()
		next.Token = resp.Token
		next.Payload = nil
		// A continuation GET fetches the remaining blocks of the same
		// representation; it must not re-register an observation.
		Options(&next).ClearObserve()
		Options(&next).SetBlock2(BlockValue{Num: blk.Num + 1, SZX: blk.SZX})
		if sendErr := ep.layer.SendRequest(to, next, step); sendErr != nil {
			deliver(Message{}, sendErr)
		}
	}
	return step
}

// sendBlock1Request drives a large PUT/POST body out as a sequence of
// Block1 fragments (RFC 7959 §2.5), keeping the request's token constant
// across the whole sequence while each fragment gets its own MID. The
// server may reduce the block size on any ack; a later fragment
// follows suit.
func (c *Client) sendBlock1Request(ep *LocalEndpoint, to Addr, msg Message, deliver func(Message, error)) {
	szx := SZXForSize(maxUnblockedBodySize)
	body := msg.Payload
	total := len(body)

	var sendBlock func(num uint32)
	sendBlock = func(num uint32) {
		size := BlockValue{SZX: szx}.Size()
		start := int(num) * size
		end := start + size
		more := true
		if end >= total {
			end = total
			more = false
		}

		part := msg
		part.Payload = append([]byte(nil), body[start:end]...)
		Options(&part).SetBlock1(BlockValue{Num: num, More: more, SZX: szx})
		if num == 0 {
			Options(&part).SetSize1(uint32(total))
		}

		err := ep.layer.SendRequest(to, part, func(resp Message, sendErr error) {
			if sendErr != nil {
				deliver(resp, sendErr)
				return
			}
			if resp.Code == RequestEntityIncomplete || resp.Code == RequestEntityTooLarge {
				deliver(resp, nil)
				return
			}
			if !more {
				deliver(resp, nil)
				return
			}
			nextNum := num + 1
			if ackBlk, ok := Options(&resp).Block1(); ok && ackBlk.SZX < szx {
				// Continue from the same byte offset, renumbered in units
				// of the smaller block size.
				nextNum = (num + 1) * uint32(size) / uint32(BlockValue{SZX: ackBlk.SZX}.Size())
				szx = ackBlk.SZX
			}
			sendBlock(nextNum)
		})
		if err != nil {
			deliver(Message{}, err)
		}
	}
	sendBlock(0)
}

func (c *Client) metrics() *Metrics {
	c.mgr.mu.Lock()
	defer c.mgr.mu.Unlock()
	return c.mgr.metrics
}

func (c *Client) maxBodySize() int {
	b := c.mgr.DefaultBehaviorContext()
	if b.MaxBodySize > 0 {
		return b.MaxBodySize
	}
	return 65536
}
