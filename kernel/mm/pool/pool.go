// Package pool provides the storage for free list nodes.
//
// The free list cannot obtain node storage from the physical allocator while
// it is mutating its own state: the allocator is the free list. Nodes are
// therefore handed out from an arena of fixed-size slots that is refilled
// ahead of time through Maintain. The first chunk of the arena is a static
// array so the free list can be populated before any allocator exists.
package pool

import (
	"unsafe"

	"github.com/Kaperstone/hermitgo/kernel"
	"github.com/Kaperstone/hermitgo/kernel/mm"
	"github.com/Kaperstone/hermitgo/kernel/sync"
)

// NodeID identifies a node slot inside a Pool.
type NodeID int32

// NilNode is the NodeID used for a missing link.
const NilNode NodeID = -1

// Node is a free list element describing the half-open physical range
// [Start, End). Prev and Next link nodes that belong to the same list.
type Node struct {
	Start, End uintptr
	Prev, Next NodeID
}

const (
	// NodesPerChunk is the number of node slots that fit in a single page.
	NodesPerChunk = int(mm.PageSize / unsafe.Sizeof(Node{}))

	// MaxChunks is the number of page-backed chunks a pool can grow by on
	// top of its static bootstrap chunk.
	MaxChunks = 255

	// LowWatermark is the minimum free slot count Maintain keeps in the
	// pool. Reserve raises it for pools shared by many cores.
	LowWatermark = 16
)

type chunk [NodesPerChunk]Node

var (
	errPoolExhausted = &kernel.Error{Module: "node_pool", Message: "no free list nodes available"}
)

// Pool is an arena of free list nodes. A Pool must be initialized with Init
// before use and must not be copied afterwards.
type Pool struct {
	lock sync.Spinlock

	// growLock serializes Maintain calls so concurrent callers do not add
	// more than one chunk for the same shortage.
	growLock sync.Spinlock

	bootstrap  chunk
	chunks     [MaxChunks + 1]*chunk
	chunkCount int

	// freeHead is the top of the free slot stack. Free slots are linked
	// through their Next field.
	freeHead  NodeID
	freeCount int

	// watermark is the free slot count Maintain grows the pool to.
	watermark int
}

// Init resets the pool so that it only contains the free slots of its
// bootstrap chunk. Any page-backed chunks are forgotten.
func (p *Pool) Init() {
	p.lock.Acquire()
	for i := range p.chunks {
		p.chunks[i] = nil
	}
	p.chunkCount = 0
	p.freeHead = NilNode
	p.freeCount = 0
	p.watermark = LowWatermark
	p.addChunk(&p.bootstrap)
	p.lock.Release()
}

// Reserve sets the number of free slots Maintain keeps to one per concurrent
// caller, but never fewer than LowWatermark. A free list operation takes at
// most one slot, so callers that run Maintain before locking the list never
// find the pool empty.
func (p *Pool) Reserve(callers int) {
	p.lock.Acquire()
	if callers < LowWatermark {
		callers = LowWatermark
	}
	p.watermark = callers
	p.lock.Release()
}

// Node returns the node stored in slot id. The returned pointer stays valid
// for the lifetime of the pool.
func (p *Pool) Node(id NodeID) *Node {
	return &p.chunks[int(id)/NodesPerChunk][int(id)%NodesPerChunk]
}

// Get pops a free slot off the pool. The slot is returned zeroed with both
// links set to NilNode.
func (p *Pool) Get() (NodeID, *kernel.Error) {
	p.lock.Acquire()
	id := p.freeHead
	if id == NilNode {
		p.lock.Release()
		return NilNode, errPoolExhausted
	}

	node := p.Node(id)
	p.freeHead = node.Next
	p.freeCount--
	p.lock.Release()

	*node = Node{Prev: NilNode, Next: NilNode}
	return id, nil
}

// Put returns slot id to the pool.
func (p *Pool) Put(id NodeID) {
	p.lock.Acquire()
	node := p.Node(id)
	*node = Node{Prev: NilNode, Next: p.freeHead}
	p.freeHead = id
	p.freeCount++
	p.lock.Release()
}

// Maintain grows the pool by page-backed chunks until at least the reserved
// number of slots is free. Pages are obtained through mm.AllocFrame without
// holding the pool lock. Callers must not hold the lock of a free
// list that draws from this pool, since the frame allocator is that list.
func (p *Pool) Maintain() {
	if !p.needsChunk() {
		return
	}

	p.growLock.Acquire()
	defer p.growLock.Release()

	// Another core may have grown the pool while we were waiting.
	for p.needsChunk() {
		frame, err := mm.AllocFrame()
		if err != nil {
			return
		}

		c := (*chunk)(unsafe.Pointer(mm.PhysToVirt(frame.Address())))

		p.lock.Acquire()
		p.addChunk(c)
		p.lock.Release()
	}
}

// Free returns the number of free slots.
func (p *Pool) Free() int {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.freeCount
}

// Watermark returns the free slot count Maintain grows the pool to.
func (p *Pool) Watermark() int {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.watermark
}

// Capacity returns the total number of slots, free or in use.
func (p *Pool) Capacity() int {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.chunkCount * NodesPerChunk
}

func (p *Pool) needsChunk() bool {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.freeCount < p.watermark && p.chunkCount < len(p.chunks)
}

// addChunk links every slot of c into the free stack. It must be called with
// the pool lock held.
func (p *Pool) addChunk(c *chunk) {
	base := NodeID(p.chunkCount * NodesPerChunk)
	p.chunks[p.chunkCount] = c
	p.chunkCount++

	// Push in reverse so slots are handed out in ascending order.
	for i := NodesPerChunk - 1; i >= 0; i-- {
		c[i] = Node{Prev: NilNode, Next: p.freeHead}
		p.freeHead = base + NodeID(i)
	}
	p.freeCount += NodesPerChunk
}
