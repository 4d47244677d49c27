// Package freelist implements an ordered list of free physical memory
// regions with first-fit, best-fit and aligned allocation. Regions are kept
// sorted by address and adjacent regions are always merged.
package freelist

import (
	"io"

	"github.com/Kaperstone/hermitgo/kernel"
	"github.com/Kaperstone/hermitgo/kernel/kfmt"
	"github.com/Kaperstone/hermitgo/kernel/mm/pool"
	"github.com/Kaperstone/hermitgo/kernel/sync"
)

// Region describes the half-open physical address range [Start, End).
type Region struct {
	Start, End uintptr
}

// Size returns the number of bytes in the region.
func (r Region) Size() uintptr {
	return r.End - r.Start
}

// FitPolicy selects the region used to serve an unaligned allocation.
type FitPolicy uint8

const (
	// FirstFit serves an allocation from the lowest region that is large
	// enough.
	FirstFit FitPolicy = iota

	// BestFit serves an allocation from the smallest region that is large
	// enough, preferring lower addresses on ties.
	BestFit
)

const separator = "================================================================================"

var (
	errOutOfMemory    = &kernel.Error{Module: "freelist", Message: "out of memory"}
	errDoubleFree     = &kernel.Error{Module: "freelist", Message: "range overlaps a free region"}
	errInvalidRequest = &kernel.Error{Module: "freelist", Message: "invalid size or alignment"}
)

// FreeList is an address-ordered list of free regions whose nodes are
// sourced from a pool.Pool. All methods are safe for concurrent use.
type FreeList struct {
	lock sync.Spinlock

	nodes     *pool.Pool
	head      pool.NodeID
	count     int
	freeBytes uintptr
	policy    FitPolicy
}

// Init empties the list and attaches it to the given node pool. Nodes held
// by a previous incarnation of the list are not returned to their pool.
func (l *FreeList) Init(nodes *pool.Pool) {
	l.lock.Acquire()
	l.nodes = nodes
	l.head = pool.NilNode
	l.count = 0
	l.freeBytes = 0
	l.policy = FirstFit
	l.lock.Release()
}

// SetFitPolicy selects the policy used by Allocate.
func (l *FreeList) SetFitPolicy(policy FitPolicy) {
	l.lock.Acquire()
	l.policy = policy
	l.lock.Release()
}

// Policy returns the policy used by Allocate.
func (l *FreeList) Policy() FitPolicy {
	l.lock.Acquire()
	defer l.lock.Release()
	return l.policy
}

// Insert adds a region to the list, merging it with any adjacent regions.
// It is used to populate the list with discovered memory.
func (l *FreeList) Insert(r Region) *kernel.Error {
	if r.Start >= r.End {
		return errInvalidRequest
	}

	l.lock.Acquire()
	defer l.lock.Release()
	return l.insert(r.Start, r.End)
}

// Deallocate returns [addr, addr+size) to the list and merges it with its
// predecessor and/or successor if they are adjacent. Returning a range that
// overlaps a free region fails with an error and leaves the list untouched.
func (l *FreeList) Deallocate(addr, size uintptr) *kernel.Error {
	if size == 0 || addr+size < addr {
		return errInvalidRequest
	}

	l.lock.Acquire()
	defer l.lock.Release()
	return l.insert(addr, addr+size)
}

// Allocate removes size bytes from the start of a free region selected by
// the active fit policy and returns the region's former start address.
func (l *FreeList) Allocate(size uintptr) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, errInvalidRequest
	}

	l.lock.Acquire()
	defer l.lock.Release()

	found := pool.NilNode
	for id := l.head; id != pool.NilNode; id = l.nodes.Node(id).Next {
		node := l.nodes.Node(id)
		if node.End-node.Start < size {
			continue
		}

		if l.policy == FirstFit {
			found = id
			break
		}

		if found == pool.NilNode || node.End-node.Start < l.size(found) {
			found = id
		}
	}

	if found == pool.NilNode {
		return 0, errOutOfMemory
	}

	node := l.nodes.Node(found)
	addr := node.Start
	node.Start += size
	if node.Start == node.End {
		l.remove(found)
	}

	l.freeBytes -= size
	return addr, nil
}

// AllocateAligned returns size bytes starting at an address that is a
// multiple of alignment. The first region that can hold the aligned range is
// used. When the aligned range lies strictly inside a region the low
// remainder stays in the existing node and the high remainder is inserted as
// a new node drawn from the pool.
func (l *FreeList) AllocateAligned(size, alignment uintptr) (uintptr, *kernel.Error) {
	if size == 0 || alignment == 0 {
		return 0, errInvalidRequest
	}

	l.lock.Acquire()
	defer l.lock.Release()

	for id := l.head; id != pool.NilNode; id = l.nodes.Node(id).Next {
		node := l.nodes.Node(id)

		rem := node.Start % alignment
		addr := node.Start
		if rem != 0 {
			addr += alignment - rem
		}

		if addr < node.Start || addr >= node.End || node.End-addr < size {
			continue
		}

		end := addr + size
		switch {
		case addr == node.Start && end == node.End:
			l.remove(id)
		case addr == node.Start:
			node.Start = end
		case end == node.End:
			node.End = addr
		default:
			highID, err := l.nodes.Get()
			if err != nil {
				return 0, err
			}

			high := l.nodes.Node(highID)
			high.Start, high.End = end, node.End
			node.End = addr
			l.linkAfter(id, highID)
		}

		l.freeBytes -= size
		return addr, nil
	}

	return 0, errOutOfMemory
}

// Visit invokes visitor for every free region in address order while holding
// the list lock. The visitor must not call back into the list and may return
// false to stop the traversal.
func (l *FreeList) Visit(visitor func(Region) bool) {
	l.lock.Acquire()
	defer l.lock.Release()

	for id := l.head; id != pool.NilNode; id = l.nodes.Node(id).Next {
		node := l.nodes.Node(id)
		if !visitor(Region{Start: node.Start, End: node.End}) {
			return
		}
	}
}

// FreeBytes returns the total number of free bytes in the list.
func (l *FreeList) FreeBytes() uintptr {
	l.lock.Acquire()
	defer l.lock.Release()
	return l.freeBytes
}

// Len returns the number of free regions.
func (l *FreeList) Len() int {
	l.lock.Acquire()
	defer l.lock.Release()
	return l.count
}

// PrintInformation writes a listing of all free regions to w, framed by a
// banner that contains header.
func (l *FreeList) PrintInformation(w io.Writer, header string) {
	bar := (len(separator) - len(header)) / 2
	if bar < 0 {
		bar = 0
	}
	kfmt.Fprintf(w, "%s%s%s\n", separator[:bar], header, separator[:bar])

	l.Visit(func(r Region) bool {
		kfmt.Fprintf(w, "0x%16x - 0x%16x (%d KiB)\n", r.Start, r.End, uint64(r.Size()>>10))
		return true
	})

	kfmt.Fprintf(w, "%s\n", separator[:2*bar+len(header)])
}

// insert adds [start, end) in sorted position. It must be called with the
// list lock held.
func (l *FreeList) insert(start, end uintptr) *kernel.Error {
	prev, next := pool.NilNode, l.head
	for next != pool.NilNode && l.nodes.Node(next).Start < start {
		prev, next = next, l.nodes.Node(next).Next
	}

	if (prev != pool.NilNode && l.nodes.Node(prev).End > start) ||
		(next != pool.NilNode && l.nodes.Node(next).Start < end) {
		return errDoubleFree
	}

	mergePrev := prev != pool.NilNode && l.nodes.Node(prev).End == start
	mergeNext := next != pool.NilNode && l.nodes.Node(next).Start == end

	switch {
	case mergePrev && mergeNext:
		l.nodes.Node(prev).End = l.nodes.Node(next).End
		l.remove(next)
	case mergePrev:
		l.nodes.Node(prev).End = end
	case mergeNext:
		l.nodes.Node(next).Start = start
	default:
		id, err := l.nodes.Get()
		if err != nil {
			return err
		}

		node := l.nodes.Node(id)
		node.Start, node.End = start, end
		l.linkAfter(prev, id)
	}

	l.freeBytes += end - start
	return nil
}

// linkAfter links id right after prev, or at the head of the list if prev is
// pool.NilNode.
func (l *FreeList) linkAfter(prev, id pool.NodeID) {
	node := l.nodes.Node(id)
	node.Prev = prev
	if prev == pool.NilNode {
		node.Next = l.head
		l.head = id
	} else {
		node.Next = l.nodes.Node(prev).Next
		l.nodes.Node(prev).Next = id
	}

	if node.Next != pool.NilNode {
		l.nodes.Node(node.Next).Prev = id
	}
	l.count++
}

// remove unlinks id and returns its slot to the pool.
func (l *FreeList) remove(id pool.NodeID) {
	node := l.nodes.Node(id)
	if node.Prev == pool.NilNode {
		l.head = node.Next
	} else {
		l.nodes.Node(node.Prev).Next = node.Next
	}

	if node.Next != pool.NilNode {
		l.nodes.Node(node.Next).Prev = node.Prev
	}

	l.count--
	l.nodes.Put(id)
}

func (l *FreeList) size(id pool.NodeID) uintptr {
	node := l.nodes.Node(id)
	return node.End - node.Start
}
