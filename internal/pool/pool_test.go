package pool

import (
	"errors"
	"runtime"
	"testing"
	"unsafe"

	"github.com/tinyrange/nvic/internal/guard"
)

type countingGuard struct {
	depth    int
	acquires int
}

func (g *countingGuard) Acquire() guard.State {
	g.acquires++
	g.depth++
	if g.depth > 1 {
		return 1
	}
	return 0
}

func (g *countingGuard) Release(guard.State) { g.depth-- }

type element struct {
	id   int
	name string
}

func TestNewRejectsBadCapacity(t *testing.T) {
	if _, err := New[element](0, &countingGuard{}); !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}
	if _, err := New[element](4, nil); err == nil {
		t.Fatal("expected error for nil guard")
	}
}

func TestConstructUntilExhausted(t *testing.T) {
	g := &countingGuard{}
	p, err := New[element](70, g)
	if err != nil {
		t.Fatal(err)
	}
	for i := range 70 {
		h, err := p.Construct(func(e *element) bool {
			e.id = i
			return true
		})
		if err != nil {
			t.Fatalf("construct %d: %v", i, err)
		}
		e, ok := h.Get()
		if !ok || e.id != i {
			t.Fatalf("expected element %d, got %+v", i, e)
		}
	}
	if p.Len() != 70 {
		t.Fatalf("expected 70 occupied, got %d", p.Len())
	}
	if _, err := p.Construct(func(*element) bool { return true }); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if g.depth != 0 {
		t.Fatalf("expected guard released, depth %d", g.depth)
	}
}

func TestFailedConstructFreesSlot(t *testing.T) {
	p, err := New[element](1, &countingGuard{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Construct(func(e *element) bool {
		e.name = "partial"
		return false
	})
	if !errors.Is(err, ErrNotConstructed) {
		t.Fatalf("expected ErrNotConstructed, got %v", err)
	}
	if p.Len() != 0 {
		t.Fatalf("expected slot returned, got %d occupied", p.Len())
	}
	h, err := p.Construct(func(*element) bool { return true })
	if err != nil {
		t.Fatal(err)
	}
	e, _ := h.Get()
	if e.name != "" {
		t.Fatalf("expected zeroed slot, got %q", e.name)
	}
}

func TestStaleHandle(t *testing.T) {
	p, err := New[element](1, &countingGuard{})
	if err != nil {
		t.Fatal(err)
	}
	first, err := p.Construct(func(e *element) bool { e.id = 1; return true })
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Release(first); err != nil {
		t.Fatal(err)
	}
	if err := p.Release(first); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale on double release, got %v", err)
	}

	second, err := p.Construct(func(e *element) bool { e.id = 2; return true })
	if err != nil {
		t.Fatal(err)
	}
	if first.Valid() {
		t.Fatal("expected old handle to stay stale after slot reuse")
	}
	if err := p.Release(first); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
	if e, ok := second.Get(); !ok || e.id != 2 {
		t.Fatal("stale release must not touch the new occupant")
	}

	var zero Handle[element]
	if zero.Valid() {
		t.Fatal("expected zero handle invalid")
	}
	if err := p.Release(zero); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale for zero handle, got %v", err)
	}
}

func TestHeap(t *testing.T) {
	p, err := New[element](2, &countingGuard{})
	if err != nil {
		t.Fatal(err)
	}
	var h Heap = p

	if ptr := h.Allocate(unsafe.Sizeof(element{}) + 1); ptr != nil {
		t.Fatal("expected oversize request to fail")
	}
	if ptr := h.Allocate(0); ptr != nil {
		t.Fatal("expected zero size request to fail")
	}

	a := h.Allocate(8)
	b := h.Allocate(8)
	if a == nil || b == nil || a == b {
		t.Fatal("expected two distinct slots")
	}
	if h.Allocate(8) != nil {
		t.Fatal("expected exhaustion")
	}

	// interior pointers are ignored
	h.Free(unsafe.Add(a, 1))
	if p.Len() != 2 {
		t.Fatalf("expected 2 occupied, got %d", p.Len())
	}
	h.Free(a)
	h.Free(a)
	h.Free(nil)
	if p.Len() != 1 {
		t.Fatalf("expected 1 occupied, got %d", p.Len())
	}
	if c := h.Allocate(8); c != a {
		t.Fatal("expected freed slot to be reused")
	}
}

func TestHeapMemoryIsNotScanned(t *testing.T) {
	p, err := New[element](4, &countingGuard{})
	if err != nil {
		t.Fatal(err)
	}
	size := unsafe.Sizeof(element{})
	ptr := p.Allocate(size)
	if ptr == nil {
		t.Fatal("expected storage")
	}
	if uintptr(ptr)%8 != 0 {
		t.Fatalf("expected 8-byte alignment, got %p", ptr)
	}

	// addresses of dead objects and arbitrary bytes must be safe to store
	dead := uintptr(unsafe.Pointer(new([64]byte)))
	buf := unsafe.Slice((*byte)(ptr), size)
	for i := range buf {
		buf[i] = 0xa5
	}
	*(*uintptr)(ptr) = dead
	*(*uintptr)(unsafe.Add(ptr, 8)) = dead + 8
	runtime.GC()
	runtime.GC()

	if *(*uintptr)(ptr) != dead || buf[size-1] != 0xa5 {
		t.Fatal("expected raw contents preserved")
	}
	p.Free(ptr)
	if *(*uintptr)(ptr) != 0 {
		t.Fatal("expected freed storage zeroed")
	}
}

func TestFreeIgnoresConstructedSlots(t *testing.T) {
	p, err := New[element](1, &countingGuard{})
	if err != nil {
		t.Fatal(err)
	}
	raw := p.Allocate(8)
	if raw == nil {
		t.Fatal("expected storage")
	}
	if _, err := p.Construct(func(*element) bool { return true }); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected raw allocation to count against capacity, got %v", err)
	}
	p.Free(raw)

	h, err := p.Construct(func(e *element) bool { e.id = 7; return true })
	if err != nil {
		t.Fatal(err)
	}
	// raw still addresses the slot, but it is now owned by h
	p.Free(raw)
	if p.Len() != 1 {
		t.Fatalf("expected slot kept, got %d occupied", p.Len())
	}
	if e, ok := h.Get(); !ok || e.id != 7 {
		t.Fatal("expected handle to survive Free")
	}
	if err := p.Release(h); err != nil {
		t.Fatalf("expected release to succeed, got %v", err)
	}
}

func TestHandleNeverAddressesRawSlot(t *testing.T) {
	p, err := New[element](1, &countingGuard{})
	if err != nil {
		t.Fatal(err)
	}
	h, err := p.Construct(func(*element) bool { return true })
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Release(h); err != nil {
		t.Fatal(err)
	}
	// forge a handle carrying the slot's current generation
	forged := Handle[element]{p: p, index: h.index, gen: p.gen[h.index]}
	if p.Allocate(8) == nil {
		t.Fatal("expected storage")
	}
	if forged.Valid() {
		t.Fatal("expected a raw slot to be invisible to handles")
	}
	if err := p.Release(forged); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
}
