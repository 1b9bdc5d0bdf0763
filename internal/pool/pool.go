// Package pool implements a fixed-capacity arena. All element storage is
// allocated when the pool is created; afterwards slots are only handed out
// and taken back, never grown.
package pool

import (
	"errors"
	"fmt"
	"math/bits"
	"unsafe"

	"github.com/tinyrange/nvic/internal/guard"
)

var (
	ErrCapacity       = errors.New("pool: invalid capacity")
	ErrExhausted      = errors.New("pool: no free slot")
	ErrNotConstructed = errors.New("pool: element failed to construct")
	ErrStale          = errors.New("pool: stale handle")
)

// Heap is the raw allocation interface of a pool: byte-sized requests that
// fit in one element are served from a free slot.
type Heap interface {
	Allocate(size uintptr) unsafe.Pointer
	Free(ptr unsafe.Pointer)
}

// Pool is an arena of capacity elements of type T. The occupancy bitmap and
// the generation counters are only touched while the guard is held, so
// slots can be claimed and returned from thread and handler mode alike.
//
// Slots handed out through Heap are backed by raw, pointer-free words
// rather than by the typed element, and are marked in a second bitmap so
// Free never releases a slot owned by a Handle.
type Pool[T any] struct {
	gie   guard.Guard
	slots []T
	gen   []uint32
	used  []uint64
	count int

	raw    []uint64
	stride int // words of raw per slot
	rawSet []uint64
}

// New allocates storage for capacity elements.
func New[T any](capacity int, gie guard.Guard) (*Pool[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrCapacity, capacity)
	}
	if gie == nil {
		return nil, fmt.Errorf("pool: nil guard")
	}
	var zero T
	stride := max(1, int((unsafe.Sizeof(zero)+7)/8))
	p := &Pool[T]{
		gie:    gie,
		slots:  make([]T, capacity),
		gen:    make([]uint32, capacity),
		used:   make([]uint64, (capacity+63)/64),
		raw:    make([]uint64, capacity*stride),
		stride: stride,
		rawSet: make([]uint64, (capacity+63)/64),
	}
	for i := range p.gen {
		p.gen[i] = 1
	}
	return p, nil
}

// Cap returns the number of slots.
func (p *Pool[T]) Cap() int { return len(p.slots) }

// Len returns the number of occupied slots.
func (p *Pool[T]) Len() int {
	s := p.gie.Acquire()
	defer p.gie.Release(s)
	return p.count
}

// Handle refers to one occupied slot. It goes stale once the slot is
// released, even if the slot is later handed out again.
type Handle[T any] struct {
	p     *Pool[T]
	index int32
	gen   uint32
}

// Get returns the element the handle refers to, or false once the handle is
// stale or zero.
func (h Handle[T]) Get() (*T, bool) {
	if h.p == nil {
		return nil, false
	}
	s := h.p.gie.Acquire()
	defer h.p.gie.Release(s)
	if !h.p.live(h) {
		return nil, false
	}
	return &h.p.slots[h.index], true
}

// Valid reports whether the handle still owns its slot.
func (h Handle[T]) Valid() bool {
	_, ok := h.Get()
	return ok
}

// Construct claims a free slot and initializes it in place with fn. When fn
// reports failure the slot goes straight back to the free set and
// ErrNotConstructed is returned.
func (p *Pool[T]) Construct(fn func(*T) bool) (Handle[T], error) {
	idx, ok := p.claim(false)
	if !ok {
		return Handle[T]{}, ErrExhausted
	}
	if !fn(&p.slots[idx]) {
		p.release(idx)
		return Handle[T]{}, ErrNotConstructed
	}
	s := p.gie.Acquire()
	gen := p.gen[idx]
	p.gie.Release(s)
	return Handle[T]{p: p, index: int32(idx), gen: gen}, nil
}

// Release zeroes the element and returns its slot to the free set.
func (p *Pool[T]) Release(h Handle[T]) error {
	if h.p != p {
		return ErrStale
	}
	s := p.gie.Acquire()
	live := p.live(h)
	p.gie.Release(s)
	if !live {
		return ErrStale
	}
	p.release(int(h.index))
	return nil
}

// Allocate implements Heap. The storage is plain memory the garbage
// collector never scans, 8-byte aligned. Requests larger than one element,
// or made when every slot is taken, return nil.
func (p *Pool[T]) Allocate(size uintptr) unsafe.Pointer {
	var zero T
	if size == 0 || size > unsafe.Sizeof(zero) {
		return nil
	}
	idx, ok := p.claim(true)
	if !ok {
		return nil
	}
	return unsafe.Pointer(&p.raw[idx*p.stride])
}

// Free implements Heap. Pointers that do not address the start of a slot
// obtained from Allocate are ignored.
func (p *Pool[T]) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	size := uintptr(p.stride) * 8
	base := uintptr(unsafe.Pointer(unsafe.SliceData(p.raw)))
	addr := uintptr(ptr)
	if addr < base {
		return
	}
	off := addr - base
	if off%size != 0 || off/size >= uintptr(len(p.slots)) {
		return
	}
	idx := int(off / size)

	s := p.gie.Acquire()
	owned := p.isUsed(idx) && bitSet(p.rawSet, idx)
	p.gie.Release(s)
	if owned {
		p.release(idx)
	}
}

func (p *Pool[T]) live(h Handle[T]) bool {
	idx := int(h.index)
	if idx < 0 || idx >= len(p.slots) {
		return false
	}
	return p.isUsed(idx) && !bitSet(p.rawSet, idx) && p.gen[idx] == h.gen
}

func (p *Pool[T]) isUsed(idx int) bool {
	return bitSet(p.used, idx)
}

func bitSet(words []uint64, idx int) bool {
	return words[idx/64]&(1<<(idx%64)) != 0
}

func (p *Pool[T]) claim(raw bool) (int, bool) {
	s := p.gie.Acquire()
	defer p.gie.Release(s)
	for w, word := range p.used {
		if word == ^uint64(0) {
			continue
		}
		idx := w*64 + bits.TrailingZeros64(^word)
		if idx >= len(p.slots) {
			break
		}
		p.used[w] |= 1 << (idx % 64)
		if raw {
			p.rawSet[w] |= 1 << (idx % 64)
		}
		p.count++
		return idx, true
	}
	return 0, false
}

func (p *Pool[T]) release(idx int) {
	s := p.gie.Acquire()
	defer p.gie.Release(s)
	var zero T
	p.slots[idx] = zero
	clear(p.raw[idx*p.stride : (idx+1)*p.stride])
	p.used[idx/64] &^= 1 << (idx % 64)
	p.rawSet[idx/64] &^= 1 << (idx % 64)
	p.gen[idx]++
	if p.gen[idx] == 0 {
		p.gen[idx] = 1
	}
	p.count--
}
