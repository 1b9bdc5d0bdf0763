package irq

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/nvic/internal/exception"
	"github.com/tinyrange/nvic/internal/guard"
	"github.com/tinyrange/nvic/internal/pool"
	"github.com/tinyrange/nvic/internal/regs"
)

// Handler is the user code bound to an exception.
type Handler interface {
	Start()
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func()

func (f HandlerFunc) Start() { f() }

// sentinel occupies the slot one past the last exception so that a table
// scan always finds an owner there.
type sentinel struct{}

func (sentinel) Start() {}

// state is shared by a controller and every resource it creates.
type state struct {
	regs *regs.Registers
	gie  guard.Guard
	log  *slog.Logger

	handlers [exception.Last + 1]Handler
}

func newState(r *regs.Registers, gie guard.Guard, log *slog.Logger) *state {
	s := &state{regs: r, gie: gie, log: log}
	s.handlers[exception.Last] = sentinel{}
	return s
}

func (s *state) bind(n exception.Number, h Handler) error {
	if !exception.Valid(n) {
		return fmt.Errorf("%w: %d", ErrInvalidException, int32(n))
	}
	g := s.gie.Acquire()
	defer s.gie.Release(g)
	if s.handlers[n] != nil {
		return fmt.Errorf("%w: %v", ErrAlreadyBound, n)
	}
	s.handlers[n] = h
	return nil
}

func (s *state) unbind(n exception.Number) {
	g := s.gie.Acquire()
	defer s.gie.Release(g)
	s.handlers[n] = nil
}

func (s *state) bound(n exception.Number) bool {
	if !exception.Valid(n) {
		return false
	}
	g := s.gie.Acquire()
	defer s.gie.Release(g)
	return s.handlers[n] != nil
}

// interrupt is the pool element behind a Resource.
type interrupt struct {
	n      exception.Number
	shared *state
}

func (it *interrupt) construct(shared *state, h Handler, n exception.Number) error {
	if h == nil {
		return ErrNilHandler
	}
	if err := shared.bind(n, h); err != nil {
		return err
	}
	it.n = n
	it.shared = shared
	return nil
}

// setEnabled gates delivery of the bound exception. SysTick is gated by
// SYST_CSR.TICKINT and peripheral lines by their NVIC enable bit; the
// remaining core exceptions have no gate here and are left alone.
func (it *interrupt) setEnabled(on bool) {
	n, r := it.n, it.shared.regs
	switch {
	case n == exception.SysTick:
		guard.Do(it.shared.gie, func() {
			r.SysTick.CSR.SetTickInt(on)
		})
	case exception.IsIRQ(n):
		// ISER and ICER are write-one registers; zeros leave other
		// lines of the word untouched.
		guard.Do(it.shared.gie, func() {
			if on {
				r.NVIC.SetISER(n.Word(), n.Mask())
			} else {
				r.NVIC.SetICER(n.Word(), n.Mask())
			}
		})
	}
}

func (it *interrupt) enabled() bool {
	n, r := it.n, it.shared.regs
	switch {
	case n == exception.SysTick:
		return r.SysTick.CSR.TickInt()
	case exception.IsIRQ(n):
		return r.NVIC.Enabled(n.IRQ())
	}
	return true
}

// Resource is the exclusive binding of one handler to one exception
// number. It is created by Controller.CreateResource and stays bound until
// Close.
type Resource struct {
	h    pool.Handle[interrupt]
	pool *pool.Pool[interrupt]
}

// Number returns the bound exception number, or 0 after Close.
func (r *Resource) Number() exception.Number {
	it, ok := r.h.Get()
	if !ok {
		return 0
	}
	return it.n
}

// Enable lets the exception be delivered. Enabling twice is harmless.
func (r *Resource) Enable() error {
	it, ok := r.h.Get()
	if !ok {
		return ErrClosed
	}
	it.setEnabled(true)
	return nil
}

// Disable stops delivery of the exception.
func (r *Resource) Disable() error {
	it, ok := r.h.Get()
	if !ok {
		return ErrClosed
	}
	it.setEnabled(false)
	return nil
}

// Enabled reads the delivery gate back from the registers. Exceptions
// without a gate always report true.
func (r *Resource) Enabled() bool {
	it, ok := r.h.Get()
	if !ok {
		return false
	}
	return it.enabled()
}

// Close disables the exception, frees its handler slot and returns the
// resource to the pool.
func (r *Resource) Close() error {
	it, ok := r.h.Get()
	if !ok {
		return ErrClosed
	}
	n, shared := it.n, it.shared

	it.setEnabled(false)
	shared.unbind(n)
	if err := r.pool.Release(r.h); err != nil {
		return fmt.Errorf("irq: release %v: %w", n, ErrClosed)
	}
	shared.log.Debug("interrupt released", "exception", n)
	return nil
}
