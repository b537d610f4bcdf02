package audio

import "sync"

// Size of the producer-side channel. The forwarding goroutine drains it
// immediately, so it only has to absorb scheduling jitter, not backlog.
const queueInflight = 64

// Queue is the single-producer single-consumer conduit between the device
// callback thread and the session's drain loop. Push never blocks the
// producer: a forwarding goroutine absorbs chunks into an internal pending
// list, so capacity is bounded only by memory while delivery on Chunks()
// stays strictly in push order with no drops. CloseSend is idempotent; once
// every pushed chunk has been delivered, Chunks() is closed to signal end of
// stream.
type Queue struct {
	in        chan Chunk
	out       chan Chunk
	closeOnce sync.Once
}

// NewQueue creates the conduit and starts its forwarding goroutine.
func NewQueue() *Queue {
	q := &Queue{
		in:  make(chan Chunk, queueInflight),
		out: make(chan Chunk),
	}
	go q.forward()
	return q
}

// Push hands one chunk to the consumer side. Must not be called after
// CloseSend.
func (q *Queue) Push(c Chunk) {
	q.in <- c
}

// Chunks returns the consumer end of the conduit.
func (q *Queue) Chunks() <-chan Chunk {
	return q.out
}

// CloseSend signals end of stream. Safe to call more than once.
func (q *Queue) CloseSend() {
	q.closeOnce.Do(func() {
		close(q.in)
	})
}

// forward shuttles chunks from the producer to the consumer, buffering in
// between so the producer never waits on a slow consumer.
func (q *Queue) forward() {
	var pending []Chunk
	in := q.in
	for in != nil || len(pending) > 0 {
		var out chan Chunk
		var head Chunk
		if len(pending) > 0 {
			out = q.out
			head = pending[0]
		}
		select {
		case c, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			pending = append(pending, c)
		case out <- head:
			pending = pending[1:]
		}
	}
	close(q.out)
}
