package comm

import (
	"fmt"
	"sync"

	nlrm "github.com/launix-de/NonLockingReadMap"
)

// msgKey identifies one logical in-flight message, the Go analogue of an
// MPI (source, dest, tag) triple. Point-to-point order is preserved per key
// because each key maps to its own buffered channel.
type msgKey struct {
	src, dest, tag int
}

type mailbox struct {
	mu      sync.Mutex
	slots   map[msgKey]chan []float64
	pending nlrm.NonBlockingBitMap // set-membership marker reused to flag keys currently in flight, see Note below
	inflightIdx map[msgKey]uint32
	nextIdx     uint32
}

// Note: NonBlockingBitMap indexes by uint32, not by msgKey, so collision
// detection here still needs a map from key to index; the bitmap itself is
// the lock-free membership test, the map only assigns stable small indices.
// This mirrors the teacher's pairing of a NonBlockingBitMap with an
// auxiliary lookup (storage/partition.go's shard-dimension pivots) rather
// than introducing a second synchronized structure from scratch.

func newMailbox() *mailbox {
	return &mailbox{
		slots:       make(map[msgKey]chan []float64),
		inflightIdx: make(map[msgKey]uint32),
	}
}

func (m *mailbox) channelFor(key msgKey) chan []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.slots[key]
	if !ok {
		ch = make(chan []float64, 1)
		m.slots[key] = ch
	}
	return ch
}

func (m *mailbox) markInflight(key msgKey) error {
	m.mu.Lock()
	idx, ok := m.inflightIdx[key]
	if !ok {
		idx = m.nextIdx
		m.nextIdx++
		m.inflightIdx[key] = idx
	}
	m.mu.Unlock()
	if m.pending.Get(idx) {
		return &FatalError{Op: "ISend", Err: fmt.Errorf("overlapping tag %d between rank %d and %d: caller must not reuse tags concurrently", key.tag, key.src, key.dest)}
	}
	m.pending.Set(idx, true)
	return nil
}

func (m *mailbox) clearInflight(key msgKey) {
	m.mu.Lock()
	idx, ok := m.inflightIdx[key]
	m.mu.Unlock()
	if ok {
		m.pending.Set(idx, false)
	}
}

// reduceBarrier is a rendezvous barrier for Allreduce: every rank's call
// blocks until all `size` ranks have contributed, then every call returns
// the element-wise sum. It assumes ranks call Allreduce in lockstep, in the
// same relative order, which the CG driver guarantees (spec §5).
type reduceBarrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	size    int
	arrived int
	sum     []float64
	result  []float64
	gen     int
}

func newReduceBarrier(size int) *reduceBarrier {
	b := &reduceBarrier{size: size}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *reduceBarrier) reduce(data []float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	gen := b.gen
	if b.arrived == 0 {
		b.sum = make([]float64, len(data))
	}
	for i, v := range data {
		b.sum[i] += v
	}
	b.arrived++
	if b.arrived == b.size {
		result := make([]float64, len(b.sum))
		copy(result, b.sum)
		b.result = result
		b.arrived = 0
		b.sum = nil
		b.gen++
		b.cond.Broadcast()
		copy(data, result)
		return
	}
	for b.gen == gen {
		b.cond.Wait()
	}
	copy(data, b.result)
}

// gatherBarrier is the analogue for Iallgatherv: every rank contributes its
// own stripe (at counts[rank]/displs[rank]) and every rank reads back the
// full concatenated vector.
type gatherBarrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	size    int
	arrived int
	buf     []float64
	result  []float64
	gen     int
}

func newGatherBarrier(size int) *gatherBarrier {
	b := &gatherBarrier{size: size}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *gatherBarrier) gather(rank int, sendbuf []float64, counts, displs []int, total int) []float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	gen := b.gen
	if b.buf == nil {
		b.buf = make([]float64, total)
	}
	copy(b.buf[displs[rank]:displs[rank]+counts[rank]], sendbuf)
	b.arrived++
	if b.arrived == b.size {
		result := make([]float64, len(b.buf))
		copy(result, b.buf)
		b.result = result
		b.arrived = 0
		b.buf = nil
		b.gen++
		b.cond.Broadcast()
		return result
	}
	for b.gen == gen {
		b.cond.Wait()
	}
	return b.result
}

// hub is the shared state backing a whole LocalCommunicator group.
type hub struct {
	size     int
	box      *mailbox
	allreduce *reduceBarrier
	allgather *gatherBarrier
}

func newHub(size int) *hub {
	return &hub{
		size:      size,
		box:       newMailbox(),
		allreduce: newReduceBarrier(size),
		allgather: newGatherBarrier(size),
	}
}

// LocalCommunicator is an in-process Communicator: one instance per rank,
// all sharing the same hub. NewLocalCommunicatorGroup constructs a whole
// group at once, the way a single MPI_Init call yields one communicator
// shared by every rank of a job.
type LocalCommunicator struct {
	rank int
	hub  *hub
}

// NewLocalCommunicatorGroup returns size Communicators, one per rank,
// sharing a single in-process hub.
func NewLocalCommunicatorGroup(size int) []Communicator {
	if size <= 0 {
		panic(&FatalError{Op: "NewLocalCommunicatorGroup", Err: fmt.Errorf("size must be positive, got %d", size)})
	}
	h := newHub(size)
	comms := make([]Communicator, size)
	for r := 0; r < size; r++ {
		comms[r] = &LocalCommunicator{rank: r, hub: h}
	}
	return comms
}

func (c *LocalCommunicator) Rank() int { return c.rank }
func (c *LocalCommunicator) Size() int { return c.hub.size }

func (c *LocalCommunicator) ISend(dest, tag int, data []float64) Handle {
	key := msgKey{src: c.rank, dest: dest, tag: tag}
	h := newChanHandle()
	if err := c.hub.box.markInflight(key); err != nil {
		h.finish(err)
		return h
	}
	payload := make([]float64, len(data))
	copy(payload, data)
	ch := c.hub.box.channelFor(key)
	go func() {
		ch <- payload
		h.finish(nil)
	}()
	return h
}

func (c *LocalCommunicator) IRecv(source, tag int, buf []float64) Handle {
	key := msgKey{src: source, dest: c.rank, tag: tag}
	ch := c.hub.box.channelFor(key)
	h := newChanHandle()
	go func() {
		payload := <-ch
		c.hub.box.clearInflight(key)
		n := copy(buf, payload)
		if n != len(buf) {
			h.finish(&FatalError{Op: "IRecv", Err: fmt.Errorf("length mismatch: expected %d, got %d", len(buf), n)})
			return
		}
		h.finish(nil)
	}()
	return h
}

func (c *LocalCommunicator) Allreduce(data []float64) error {
	c.hub.allreduce.reduce(data)
	return nil
}

func (c *LocalCommunicator) IAllgatherv(sendbuf []float64, recvbuf []float64, counts, displs []int) Handle {
	h := newChanHandle()
	total := len(recvbuf)
	go func() {
		result := c.hub.allgather.gather(c.rank, sendbuf, counts, displs, total)
		n := copy(recvbuf, result)
		if n != total {
			h.finish(&FatalError{Op: "IAllgatherv", Err: fmt.Errorf("length mismatch: expected %d, got %d", total, n)})
			return
		}
		h.finish(nil)
	}()
	return h
}

func (c *LocalCommunicator) Close() error { return nil }
