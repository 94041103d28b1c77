// Package alloc implements the index allocator that sub-allocates
// variable-sized byte regions of a fixed arena, addressed by caller-supplied
// integer handles.
package alloc

import (
	"errors"
	"sort"
)

// ErrArenaFull is returned when no placement exists for a requested
// allocation within the arena's capacity.
var ErrArenaFull = errors.New("alloc: arena has no room for the requested size")

// Region describes a live allocation as a byte range [Offset, Offset+Size).
type Region struct {
	Offset int
	Size   int
}

// Allocator sub-allocates disjoint byte regions inside [0, Capacity) by
// handle. It supports allocation, deallocation, resetting, and reports the
// smallest offset bounding all live regions via Range.
//
// The placement strategy is first-fit over a coalescing free list, falling
// back to bumping the high-water mark when no free block is large enough.
// This keeps the common case (monotonically growing entries, occasional
// resize) cheap while still reclaiming space freed by deallocation.
type Allocator struct {
	capacity  int
	live      map[int]Region
	free      []Region // sorted by Offset, pairwise non-adjacent and non-overlapping
	highWater int
}

// New constructs an allocator over [0, capacity).
func New(capacity int) *Allocator {
	if capacity < 0 {
		capacity = 0
	}
	return &Allocator{
		capacity: capacity,
		live:     make(map[int]Region),
	}
}

// Capacity reports the arena size the allocator was constructed with.
func (a *Allocator) Capacity() int {
	if a == nil {
		return 0
	}
	return a.capacity
}

// Range returns the smallest offset R such that every live region lies
// within [0, R).
func (a *Allocator) Range() int {
	if a == nil {
		return 0
	}
	return a.highWater
}

// Lookup returns the live region for handle, if any.
func (a *Allocator) Lookup(handle int) (Region, bool) {
	if a == nil {
		return Region{}, false
	}
	region, ok := a.live[handle]
	return region, ok
}

// Allocate reserves size bytes for handle, returning the chosen offset. A
// handle that already holds a live region is reassigned a fresh one and the
// old region is not returned to the free list; callers replacing a live
// region use Resize (as the snapshot store's AllocateEntry does) or
// Deallocate first.
func (a *Allocator) Allocate(handle int, size int) (int, error) {
	if a == nil {
		return 0, ErrArenaFull
	}
	if size < 0 {
		size = 0
	}
	if size == 0 {
		a.live[handle] = Region{Offset: 0, Size: 0}
		return 0, nil
	}

	if idx, block := a.firstFit(size); block.Size > 0 {
		offset := block.Offset
		a.consumeFreeBlock(idx, block, size)
		a.live[handle] = Region{Offset: offset, Size: size}
		return offset, nil
	}

	if a.highWater+size > a.capacity {
		return 0, ErrArenaFull
	}
	offset := a.highWater
	a.highWater += size
	a.live[handle] = Region{Offset: offset, Size: size}
	return offset, nil
}

// Deallocate releases handle's region, if any. A handle with no live
// allocation, or a zero-length allocation, is a no-op.
func (a *Allocator) Deallocate(handle int) {
	if a == nil {
		return
	}
	region, ok := a.live[handle]
	if !ok || region.Size == 0 {
		delete(a.live, handle)
		return
	}
	delete(a.live, handle)
	a.release(region)
}

// Resize changes handle's region to size bytes, as if Deallocate followed by
// Allocate, but atomically: if the new size cannot be placed, handle's
// existing region (if any) and the free list are left exactly as they were
// before the call, rather than handle ending up deallocated with nothing to
// show for it.
func (a *Allocator) Resize(handle int, size int) (int, error) {
	if a == nil {
		return 0, ErrArenaFull
	}
	old, hadOld := a.live[handle]
	savedFree := append([]Region(nil), a.free...)
	savedHighWater := a.highWater

	a.Deallocate(handle)
	offset, err := a.Allocate(handle, size)
	if err != nil {
		a.free = savedFree
		a.highWater = savedHighWater
		if hadOld {
			a.live[handle] = old
		} else {
			delete(a.live, handle)
		}
		return 0, err
	}
	return offset, nil
}

// Reset returns the allocator to its empty state; all handles become
// invalid.
func (a *Allocator) Reset() {
	if a == nil {
		return
	}
	a.live = make(map[int]Region)
	a.free = a.free[:0]
	a.highWater = 0
}

// firstFit returns the index and value of the first free block large enough
// to satisfy size, or a zero Region if none fits.
func (a *Allocator) firstFit(size int) (int, Region) {
	for i, block := range a.free {
		if block.Size >= size {
			return i, block
		}
	}
	return -1, Region{}
}

// consumeFreeBlock carves size bytes from the front of the free block at
// idx, shrinking or removing it.
func (a *Allocator) consumeFreeBlock(idx int, block Region, size int) {
	remaining := block.Size - size
	if remaining == 0 {
		a.free = append(a.free[:idx], a.free[idx+1:]...)
		return
	}
	a.free[idx] = Region{Offset: block.Offset + size, Size: remaining}
}

// release returns region to the free list, merging with adjacent free
// blocks and shrinking the high-water mark when region (possibly merged)
// abuts it.
func (a *Allocator) release(region Region) {
	end := region.Offset + region.Size
	if end == a.highWater {
		a.highWater = region.Offset
		a.shrinkHighWaterThroughFree()
		return
	}

	insertAt := sort.Search(len(a.free), func(i int) bool {
		return a.free[i].Offset >= region.Offset
	})
	a.free = append(a.free, Region{})
	copy(a.free[insertAt+1:], a.free[insertAt:])
	a.free[insertAt] = region
	a.mergeAround(insertAt)
}

// shrinkHighWaterThroughFree repeatedly absorbs the trailing free block (if
// any) into a shrinking high-water mark, so Range never reports free
// padding beyond the last live region.
func (a *Allocator) shrinkHighWaterThroughFree() {
	for len(a.free) > 0 {
		last := a.free[len(a.free)-1]
		if last.Offset+last.Size != a.highWater {
			return
		}
		a.free = a.free[:len(a.free)-1]
		a.highWater = last.Offset
	}
}

// mergeAround coalesces the free block at idx with its neighbors if they are
// contiguous.
func (a *Allocator) mergeAround(idx int) {
	if idx+1 < len(a.free) {
		next := a.free[idx+1]
		cur := a.free[idx]
		if cur.Offset+cur.Size == next.Offset {
			a.free[idx] = Region{Offset: cur.Offset, Size: cur.Size + next.Size}
			a.free = append(a.free[:idx+1], a.free[idx+2:]...)
		}
	}
	if idx > 0 {
		prev := a.free[idx-1]
		cur := a.free[idx]
		if prev.Offset+prev.Size == cur.Offset {
			a.free[idx-1] = Region{Offset: prev.Offset, Size: prev.Size + cur.Size}
			a.free = append(a.free[:idx], a.free[idx+1:]...)
		}
	}
}
