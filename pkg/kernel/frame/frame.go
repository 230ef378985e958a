// Package frame implements the kernel's physical frame allocator: a buddy
// allocator over power-of-two blocks from 4 KiB (order 0) up to 4 MiB
// (order 10), with full coalescing and fragmentation reporting.
//
// Grounded on kernel/src/mem/frame.rs (FrameAllocator): free lists per
// order plus a split bitmap recording whether a block has been
// subdivided or handed out. The algorithm is translated line-for-line;
// the concurrency wrapper (one leaf mutex over free lists + bitmap) is
// new, per the locking discipline in spec.md §5.
package frame

import (
	"fmt"
	"log/slog"
	"sync"
)

const (
	// PageSize is the size of an order-0 block, in bytes.
	PageSize = 4096
	// MaxOrder is the number of buddy orders: order 0 (4 KiB) .. order 10 (4 MiB).
	MaxOrder = 11
)

// Addr is a physical address, always a multiple of PageSize for any value
// this package hands out or accepts.
type Addr uint64

// Order is a buddy order in [0, MaxOrder).
type Order int

// BlockSize returns the size in bytes of a block at the given order.
func BlockSize(order Order) uint64 {
	return PageSize << uint(order)
}

// OutOfMemory is returned by Alloc when no block of sufficient order exists.
type OutOfMemory struct{ Order Order }

func (e *OutOfMemory) Error() string {
	return fmt.Sprintf("frame: out of memory for order %d (%d bytes)", e.Order, BlockSize(e.Order))
}

// Stats is the result of Allocator.Stats.
type Stats struct {
	FreeCountByOrder   [MaxOrder]int
	FreeBytesByOrder   [MaxOrder]uint64
	TotalFreeBytes     uint64
	LargestFreeOrder   Order
	FragmentationPct   int
}

// Allocator is a buddy allocator over one or more added regions.
//
// All exported methods are safe for concurrent use; the internal lock is
// a leaf lock per spec.md §5 — no other kernel lock may be held while
// this one is acquired, and this code never acquires another.
type Allocator struct {
	mu sync.Mutex

	freeLists [MaxOrder][]Addr
	// split records, for a block at (addr, order), whether it is currently
	// subdivided into two order-1 children OR handed out as allocated.
	// Absence means "whole and free".
	split [MaxOrder]map[Addr]struct{}

	totalFrames uint64 // in units of PageSize
	freeFrames  uint64

	// DebugPanics, when true, turns double-free and free-of-unmapped-address
	// into a panic instead of a logged warning and no-op, per spec.md §7
	// (programmer-error: "panic in debug builds").
	DebugPanics bool

	log *slog.Logger
}

// New creates an empty allocator. log may be nil.
func New(log *slog.Logger) *Allocator {
	if log == nil {
		log = slog.Default()
	}
	a := &Allocator{log: log.With("component", "frame")}
	for i := range a.split {
		a.split[i] = make(map[Addr]struct{})
	}
	return a
}

func pageAlignDown(v uint64) uint64 { return v &^ (PageSize - 1) }
func pageAlignUp(v uint64) uint64   { return (v + PageSize - 1) &^ (PageSize - 1) }

// AddRegion carves [start, start+size) into the largest aligned blocks it
// can and adds them to the appropriate free lists. Fails silently
// (returns without effect) on an empty or sub-page-sized region, matching
// kernel/src/mem/frame.rs's add_region.
func (a *Allocator) AddRegion(start, size uint64) {
	startAligned := pageAlignUp(start)
	endAligned := pageAlignDown(start + size)
	if endAligned <= startAligned {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	numFrames := (endAligned - startAligned) / PageSize
	a.totalFrames += numFrames

	addr := startAligned
	for addr < endAligned {
		order := Order(0)
		for order < MaxOrder-1 {
			blockSize := BlockSize(order + 1)
			if addr+blockSize > endAligned || addr%blockSize != 0 {
				break
			}
			order++
		}
		a.freeLists[order] = append(a.freeLists[order], Addr(addr))
		a.freeFrames += 1 << uint(order)
		addr += BlockSize(order)
	}

	a.log.Debug("added region", "start", fmt.Sprintf("%#x", startAligned), "end", fmt.Sprintf("%#x", endAligned), "frames", numFrames)
}

// Alloc returns a free block of the given order, splitting a larger block
// if necessary. The lower-addressed half of any split becomes the
// allocated block and the upper half is pushed back to the free list —
// a fixed tie-break so repeated runs over the same operation sequence
// always allocate the same addresses.
func (a *Allocator) Alloc(order Order) (Addr, error) {
	if order < 0 || order >= MaxOrder {
		return 0, &OutOfMemory{Order: order}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if addr, ok := a.popFreeList(order); ok {
		a.freeFrames -= 1 << uint(order)
		a.markSplit(order, addr) // mark_allocated
		return addr, nil
	}

	for higher := order + 1; higher < MaxOrder; higher++ {
		addr, ok := a.popFreeList(higher)
		if !ok {
			continue
		}
		cur := addr
		for k := higher; k > order; k-- {
			half := BlockSize(k - 1)
			upper := cur + Addr(half)
			a.freeLists[k-1] = append(a.freeLists[k-1], upper)
			a.markSplit(k, cur)
		}
		a.freeFrames -= 1 << uint(order)
		a.markSplit(order, cur)
		return cur, nil
	}

	return 0, &OutOfMemory{Order: order}
}

// popFreeList removes and returns the lowest-addressed block at order,
// for deterministic behavior independent of append/remove history.
func (a *Allocator) popFreeList(order Order) (Addr, bool) {
	list := a.freeLists[order]
	if len(list) == 0 {
		return 0, false
	}
	minIdx := 0
	for i, v := range list {
		if v < list[minIdx] {
			minIdx = i
		}
	}
	addr := list[minIdx]
	list[minIdx] = list[len(list)-1]
	a.freeLists[order] = list[:len(list)-1]
	return addr, true
}

func (a *Allocator) removeFreeList(order Order, addr Addr) bool {
	list := a.freeLists[order]
	for i, v := range list {
		if v == addr {
			list[i] = list[len(list)-1]
			a.freeLists[order] = list[:len(list)-1]
			return true
		}
	}
	return false
}

func (a *Allocator) markSplit(order Order, addr Addr)  { a.split[order][addr] = struct{}{} }
func (a *Allocator) clearSplit(order Order, addr Addr) { delete(a.split[order], addr) }
func (a *Allocator) isSplit(order Order, addr Addr) bool {
	_, ok := a.split[order][addr]
	return ok
}

func (a *Allocator) buddyOf(addr Addr, order Order) Addr {
	return addr ^ Addr(BlockSize(order))
}

// Free returns a previously allocated block to the allocator, coalescing
// with its buddy whenever the buddy is free and not itself split.
//
// Freeing an address that is not currently allocated at the given order
// is a programmer error: when a.DebugPanics is set it panics, otherwise
// it logs a warning and changes nothing (spec.md §7).
func (a *Allocator) Free(addr Addr, order Order) {
	if order < 0 || order >= MaxOrder {
		a.fail("frame: free with invalid order %d", order)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.isSplit(order, addr) {
		a.fail("frame: double free or free of unmapped block at %#x order %d", addr, order)
		return
	}
	a.clearSplit(order, addr)

	cur, curOrder := addr, order
	for curOrder < MaxOrder-1 {
		buddy := a.buddyOf(cur, curOrder)
		if a.isSplit(curOrder, buddy) {
			break
		}
		if !a.removeFreeList(curOrder, buddy) {
			break
		}
		parent := cur
		if buddy < parent {
			parent = buddy
		}
		a.clearSplit(curOrder+1, parent)
		cur = parent
		curOrder++
	}

	a.freeLists[curOrder] = append(a.freeLists[curOrder], cur)
	a.freeFrames += 1 << uint(order)
}

func (a *Allocator) fail(format string, args ...any) {
	if a.DebugPanics {
		panic(fmt.Sprintf(format, args...))
	}
	a.log.Warn(fmt.Sprintf(format, args...))
}

// Stats returns per-order free counts and a derived fragmentation
// percentage: 100*(1 - large_blocks_observed/large_blocks_ideal), clamped
// to [0,100], following kernel/src/mem/frame.rs's fragmentation_percent.
// When less than one max-order block's worth of bytes is free, the
// percentage is instead the share of free bytes held in orders 0-2.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	var s Stats
	for order := Order(0); order < MaxOrder; order++ {
		n := len(a.freeLists[order])
		s.FreeCountByOrder[order] = n
		s.FreeBytesByOrder[order] = uint64(n) * BlockSize(order)
		if n > 0 {
			s.LargestFreeOrder = order
		}
		s.TotalFreeBytes += s.FreeBytesByOrder[order]
	}

	if s.TotalFreeBytes == 0 {
		s.FragmentationPct = 0
		return s
	}

	maxBlockSize := BlockSize(MaxOrder - 1)
	idealBlocks := s.TotalFreeBytes / maxBlockSize
	if idealBlocks == 0 {
		var small uint64
		for o := 0; o < 3 && o < MaxOrder; o++ {
			small += s.FreeBytesByOrder[o]
		}
		pct := int(float64(small) / float64(s.TotalFreeBytes) * 100.0)
		s.FragmentationPct = clampPct(pct)
		return s
	}

	actual := uint64(s.FreeCountByOrder[MaxOrder-1])
	ratio := float64(actual) / float64(idealBlocks)
	pct := int((1.0 - ratio) * 100.0)
	s.FragmentationPct = clampPct(pct)
	return s
}

func clampPct(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// TotalFrames returns the number of order-0 frames managed by the allocator.
func (a *Allocator) TotalFrames() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalFrames
}

// FreeFrames returns the number of order-0 frames currently free.
func (a *Allocator) FreeFrames() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeFrames
}
