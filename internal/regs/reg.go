package regs

import "sync/atomic"

// Reg32 is a single 32-bit hardware register. Loads and stores are atomic so
// that the simulated core and thread-mode code never observe torn words;
// multi-step read-modify-write sequences still need the interrupt guard.
type Reg32 struct {
	v atomic.Uint32
}

func (r *Reg32) Load() uint32 {
	return r.v.Load()
}

func (r *Reg32) Store(v uint32) {
	r.v.Store(v)
}

// Bit reports whether bit n is set.
func (r *Reg32) Bit(n uint) bool {
	return r.v.Load()&(1<<n) != 0
}

// SetBit sets bit n.
func (r *Reg32) SetBit(n uint) {
	r.v.Or(1 << n)
}

// ClearBit clears bit n.
func (r *Reg32) ClearBit(n uint) {
	r.v.And(^uint32(1 << n))
}

// WriteBit sets or clears bit n.
func (r *Reg32) WriteBit(n uint, on bool) {
	if on {
		r.SetBit(n)
	} else {
		r.ClearBit(n)
	}
}

// Field extracts width bits starting at shift.
func (r *Reg32) Field(shift, width uint) uint32 {
	return (r.v.Load() >> shift) & fieldMask(width)
}

// SetField replaces width bits starting at shift with value. Bits of value
// outside the field are dropped.
func (r *Reg32) SetField(shift, width uint, value uint32) {
	mask := fieldMask(width) << shift
	for {
		old := r.v.Load()
		next := old&^mask | (value<<shift)&mask
		if r.v.CompareAndSwap(old, next) {
			return
		}
	}
}

func fieldMask(width uint) uint32 {
	if width >= 32 {
		return ^uint32(0)
	}
	return 1<<width - 1
}
