// Package guard provides the global interrupt-disable critical section.
//
// Acquire masks interrupt delivery and returns the mask state that was in
// effect before; Release puts that state back. Because every acquisition
// carries its own saved state, nested critical sections unwind correctly:
// only the outermost Release unmasks.
package guard

// State is the saved interrupt mask (PRIMASK) value.
type State uint32

// Masked reports whether interrupts were masked when the state was saved.
func (s State) Masked() bool { return s&1 != 0 }

// Guard is a critical section that keeps maskable interrupts from being
// delivered while held. It is safe to use from thread mode and from
// handler mode.
type Guard interface {
	Acquire() State
	Release(State)
}

// Masker is the CPU capability a Guard is built on.
type Masker interface {
	// DisableInterrupts sets PRIMASK and returns its previous value.
	DisableInterrupts() State
	// RestoreInterrupts writes a previously saved PRIMASK value back.
	RestoreInterrupts(State)
}

// Interrupts is the Guard backed by the CPU interrupt mask.
type Interrupts struct {
	cpu Masker
}

// New returns the global interrupt guard of cpu.
func New(cpu Masker) *Interrupts {
	return &Interrupts{cpu: cpu}
}

func (g *Interrupts) Acquire() State {
	return g.cpu.DisableInterrupts()
}

func (g *Interrupts) Release(s State) {
	g.cpu.RestoreInterrupts(s)
}

// Do runs fn with g held and releases it on every exit path, including a
// panic inside fn.
func Do(g Guard, fn func()) {
	s := g.Acquire()
	defer g.Release(s)
	fn()
}
