// Package comm provides in-process message passing between the ranks of a
// partitioned mesh. Every rank runs in its own goroutine and talks to its
// peers through a Comm: eager non-blocking sends, receive requests completed
// by Wait, and a few collectives built on top of them.
//
// Messages between a given (source, tag) pair are delivered in the order they
// were sent. Payload ownership transfers to the receiver on Isend.
package comm

import (
	"context"
	"fmt"
	"sync"

	"github.com/notargets/FEKernel/ferrors"
)

// World is the set of ranks sharing one message space
type World struct {
	size  int
	boxes []*mailbox // indexed by destination rank
	comms []*Comm
}

// NewWorld creates a world of size ranks
func NewWorld(size int) *World {
	if size < 1 {
		panic(fmt.Sprintf("world size must be positive, got %d", size))
	}
	w := &World{size: size, boxes: make([]*mailbox, size), comms: make([]*Comm, size)}
	for r := range w.boxes {
		w.boxes[r] = &mailbox{queues: make(map[msgKey]*queue)}
		w.comms[r] = &Comm{world: w, rank: r}
	}
	return w
}

func (w *World) Size() int { return w.size }

// Comm returns the communicator of rank. A Comm must only be used from the
// goroutine running that rank.
func (w *World) Comm(rank int) *Comm { return w.comms[rank] }

// Comm is one rank's endpoint. A wait that times out leaves the rank out
// of step with its peers, so every later operation on the Comm fails with
// that timeout. Recovery needs a new World.
type Comm struct {
	world  *World
	rank   int
	seq    int   // collective sequence, advanced identically on every rank
	failed error // first timeout seen by this rank
}

func (c *Comm) unusable() error {
	return fmt.Errorf("rank %d: communicator unusable after %w", c.rank, c.failed)
}

func (c *Comm) Rank() int { return c.rank }
func (c *Comm) Size() int { return c.world.size }

type msgKey struct {
	src, tag int
}

type queue struct {
	items  []any
	notify chan struct{} // closed and replaced on every push
}

type mailbox struct {
	mu     sync.Mutex
	queues map[msgKey]*queue
}

func (mb *mailbox) get(k msgKey) *queue {
	q, ok := mb.queues[k]
	if !ok {
		q = &queue{notify: make(chan struct{})}
		mb.queues[k] = q
	}
	return q
}

func (mb *mailbox) push(k msgKey, payload any) {
	mb.mu.Lock()
	q := mb.get(k)
	q.items = append(q.items, payload)
	close(q.notify)
	q.notify = make(chan struct{})
	mb.mu.Unlock()
}

// pop returns the head of the queue, or the channel to wait on when empty
func (mb *mailbox) pop(k msgKey) (payload any, ok bool, wait <-chan struct{}) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	q := mb.get(k)
	if len(q.items) == 0 {
		return nil, false, q.notify
	}
	payload = q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return payload, true, nil
}

// Isend posts payload to dest. It never blocks.
func (c *Comm) Isend(dest, tag int, payload any) error {
	if c.failed != nil {
		return c.unusable()
	}
	if dest < 0 || dest >= c.world.size {
		return fmt.Errorf("rank %d: send to invalid rank %d", c.rank, dest)
	}
	c.world.boxes[dest].push(msgKey{src: c.rank, tag: tag}, payload)
	return nil
}

// Irecv posts a receive for the next message from src with tag
func (c *Comm) Irecv(src, tag int) *Request {
	return &Request{comm: c, src: src, tag: tag, op: "recv"}
}

// Request is an outstanding receive
type Request struct {
	comm    *Comm
	src     int
	tag     int
	op      string
	done    bool
	payload any
}

// Source is the peer rank of the request
func (r *Request) Source() int { return r.src }

// Test completes the request if its message has arrived
func (r *Request) Test() (any, bool) {
	if r.done {
		return r.payload, true
	}
	p, ok, _ := r.comm.world.boxes[r.comm.rank].pop(msgKey{src: r.src, tag: r.tag})
	if ok {
		r.done, r.payload = true, p
	}
	return p, ok
}

// Wait blocks until the message arrives or ctx ends, in which case a
// CommunicationTimeoutError is returned
func (r *Request) Wait(ctx context.Context) (any, error) {
	if r.done {
		return r.payload, nil
	}
	if r.comm.failed != nil {
		return nil, r.comm.unusable()
	}
	box := r.comm.world.boxes[r.comm.rank]
	k := msgKey{src: r.src, tag: r.tag}
	for {
		p, ok, wait := box.pop(k)
		if ok {
			r.done, r.payload = true, p
			return p, nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			err := &ferrors.CommunicationTimeoutError{
				Rank: r.comm.rank, Peer: r.src, Tag: r.tag, Op: r.op, Err: ctx.Err(),
			}
			r.comm.failed = err
			return nil, err
		}
	}
}

// WaitAll waits on every request in order and returns their payloads
func WaitAll(ctx context.Context, reqs []*Request) ([]any, error) {
	out := make([]any, len(reqs))
	for i, r := range reqs {
		p, err := r.Wait(ctx)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}
