package alloc

import "testing"

func TestAllocateDisjointAndBumps(t *testing.T) {
	a := New(100)
	off1, err := a.Allocate(1, 10)
	if err != nil || off1 != 0 {
		t.Fatalf("expected offset 0, got %d err %v", off1, err)
	}
	off2, err := a.Allocate(2, 20)
	if err != nil || off2 != 10 {
		t.Fatalf("expected offset 10, got %d err %v", off2, err)
	}
	if got := a.Range(); got != 30 {
		t.Fatalf("expected range 30, got %d", got)
	}
}

func TestAllocateArenaFull(t *testing.T) {
	a := New(10)
	if _, err := a.Allocate(1, 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := a.Allocate(2, 6); err != ErrArenaFull {
		t.Fatalf("expected ErrArenaFull, got %v", err)
	}
}

func TestDeallocateReusesFreedSpace(t *testing.T) {
	a := New(30)
	if _, err := a.Allocate(1, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := a.Allocate(2, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a.Deallocate(1)
	off, err := a.Allocate(3, 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if off != 0 {
		t.Fatalf("expected reused offset 0, got %d", off)
	}
	if _, ok := a.Lookup(1); ok {
		t.Fatalf("expected handle 1 to be invalid after deallocate")
	}
}

func TestDeallocateShrinksHighWater(t *testing.T) {
	a := New(30)
	if _, err := a.Allocate(1, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := a.Allocate(2, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a.Deallocate(2)
	if got := a.Range(); got != 10 {
		t.Fatalf("expected range to shrink to 10, got %d", got)
	}
	a.Deallocate(1)
	if got := a.Range(); got != 0 {
		t.Fatalf("expected range to shrink to 0, got %d", got)
	}
}

func TestDeallocateOnZeroLengthIsNoop(t *testing.T) {
	a := New(30)
	if _, err := a.Allocate(99, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a.Deallocate(99)
	if _, err := a.Allocate(1, 30); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestReallocateLargerSucceedsWhenTotalFits(t *testing.T) {
	a := New(20)
	if _, err := a.Allocate(1, 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a.Deallocate(1)
	off, err := a.Allocate(1, 15)
	if err != nil {
		t.Fatalf("unexpected error on reallocation: %v", err)
	}
	if off != 0 {
		t.Fatalf("expected reallocation to reuse offset 0, got %d", off)
	}
}

func TestResetInvalidatesHandles(t *testing.T) {
	a := New(30)
	if _, err := a.Allocate(1, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a.Reset()
	if _, ok := a.Lookup(1); ok {
		t.Fatalf("expected handle 1 invalid after reset")
	}
	if got := a.Range(); got != 0 {
		t.Fatalf("expected range 0 after reset, got %d", got)
	}
	if _, err := a.Allocate(1, 30); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestResizeGrowsInPlaceWhenRoom(t *testing.T) {
	a := New(30)
	if _, err := a.Allocate(1, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	off, err := a.Resize(1, 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if off != 0 {
		t.Fatalf("expected resize to keep offset 0, got %d", off)
	}
	region, ok := a.Lookup(1)
	if !ok || region.Size != 20 {
		t.Fatalf("expected handle 1 to hold size 20, got %+v ok=%v", region, ok)
	}
}

func TestResizeFailureLeavesHandleAndArenaUntouched(t *testing.T) {
	a := New(10)
	if _, err := a.Allocate(1, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before, ok := a.Lookup(1)
	if !ok {
		t.Fatalf("expected handle 1 to be live before resize")
	}
	beforeRange := a.Range()

	if _, err := a.Resize(1, 11); err != ErrArenaFull {
		t.Fatalf("expected ErrArenaFull, got %v", err)
	}

	after, ok := a.Lookup(1)
	if !ok {
		t.Fatalf("expected handle 1 to remain live after a failed resize")
	}
	if after != before {
		t.Fatalf("expected handle 1's region unchanged after failed resize, before=%+v after=%+v", before, after)
	}
	if got := a.Range(); got != beforeRange {
		t.Fatalf("expected range unchanged after failed resize, before=%d after=%d", beforeRange, got)
	}

	// The space handle 1 occupied must still be unavailable to a new handle:
	// a failed resize must not have leaked it onto the free list.
	if _, err := a.Allocate(2, 1); err != ErrArenaFull {
		t.Fatalf("expected handle 1's region to still be reserved, got err %v", err)
	}
}

func TestNoOverlapAfterMixedAllocations(t *testing.T) {
	a := New(100)
	handles := []int{1, 2, 3, 4, 5}
	for i, h := range handles {
		if _, err := a.Allocate(h, 10+i); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	a.Deallocate(2)
	a.Deallocate(4)
	if _, err := a.Allocate(6, 12); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	regions := make([]Region, 0, len(handles)+1)
	for _, h := range []int{1, 3, 5, 6} {
		region, ok := a.Lookup(h)
		if !ok {
			continue
		}
		regions = append(regions, region)
	}
	for i := 0; i < len(regions); i++ {
		for j := i + 1; j < len(regions); j++ {
			a, b := regions[i], regions[j]
			if a.Offset < b.Offset+b.Size && b.Offset < a.Offset+a.Size {
				t.Fatalf("overlapping regions: %+v and %+v", a, b)
			}
		}
	}
}
