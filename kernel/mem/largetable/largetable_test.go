package largetable

import "testing"

func TestInsertAndRemove(t *testing.T) {
	tbl := &Table{}

	tbl.Insert(0x1000, 3)
	tbl.Insert(0x2000, 1)

	if got := tbl.Occupied(); got != 2 {
		t.Fatalf("expected 2 occupied slots; got %d", got)
	}

	pages, ok := tbl.Remove(0x1000)
	if !ok || pages != 3 {
		t.Fatalf("expected to remove (0x1000, 3); got (%d, %v)", pages, ok)
	}

	if got := tbl.Occupied(); got != 1 {
		t.Fatalf("expected 1 occupied slot after remove; got %d", got)
	}

	if _, ok := tbl.Remove(0x1000); ok {
		t.Fatal("expected removed slot to stay cleared")
	}
}

func TestRemoveUnknownAddrReturnsFalse(t *testing.T) {
	tbl := &Table{}

	if _, ok := tbl.Remove(0xdead); ok {
		t.Fatal("expected Remove of an unknown address to report false")
	}
}

func TestInsertReusesFreedSlots(t *testing.T) {
	tbl := &Table{}

	for i := 0; i < Capacity; i++ {
		tbl.Insert(uintptr(i+1)*0x1000, 1)
	}

	if _, ok := tbl.Remove(0x1000); !ok {
		t.Fatal("expected to remove the first record")
	}

	// The table was full; after freeing exactly one slot, a new Insert
	// must succeed by reusing it rather than panicking.
	tbl.Insert(0xfeed000, 2)

	if got := tbl.Occupied(); got != Capacity {
		t.Fatalf("expected table to be back at capacity; got %d", got)
	}
}

func TestInsertPanicsWhenFull(t *testing.T) {
	tbl := &Table{}
	for i := 0; i < Capacity; i++ {
		tbl.Insert(uintptr(i+1)*0x1000, 1)
	}

	orig := panicFn
	defer func() { panicFn = orig }()

	var caught interface{}
	panicFn = func(e interface{}) { caught = e }

	tbl.Insert(0xffff000, 1)

	if caught != errTableFull {
		t.Fatalf("expected panicFn to be invoked with errTableFull; got %v", caught)
	}
}

func TestPackageLevelDefaultHelpers(t *testing.T) {
	defer func() { *Default = Table{} }()

	Insert(0x3000, 2)
	pages, ok := Remove(0x3000)
	if !ok || pages != 2 {
		t.Fatalf("expected package-level Insert/Remove to operate on Default; got (%d, %v)", pages, ok)
	}
}
