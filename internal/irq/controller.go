// Package irq turns the NVIC and the core exceptions into exclusively owned
// handler bindings.
//
// A Controller owns a fixed pool of resources. Each Resource binds one
// Handler to one exception number and gates its delivery; the controller's
// dispatch entry routes a taken exception to the bound handler. Only one
// controller can be active at a time, because the dispatch entry is reached
// from the vector table without any context of its own.
package irq

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/nvic/internal/exception"
	"github.com/tinyrange/nvic/internal/guard"
	"github.com/tinyrange/nvic/internal/pool"
	"github.com/tinyrange/nvic/internal/regs"
)

var (
	ErrAlreadyActive    = errors.New("irq: an interrupt controller is already active")
	ErrPoolExhausted    = errors.New("irq: resource pool exhausted")
	ErrInvalidException = errors.New("irq: invalid exception number")
	ErrAlreadyBound     = errors.New("irq: exception already bound")
	ErrNilHandler       = errors.New("irq: nil handler")
	ErrClosed           = errors.New("irq: closed")
)

// DefaultResources is the pool capacity used when Config.Resources is zero.
const DefaultResources = 24

// Trampolines are the low-level entry routines of the core. Both are only
// called with a valid exception number.
type Trampolines interface {
	// JumpException transfers control to the handler of n.
	JumpException(n exception.Number)
	// JumpSupervisor issues a supervisor call.
	JumpSupervisor(n exception.Number)
}

// Config configures a Controller.
type Config struct {
	// Resources is the number of resources that can exist at once.
	Resources int
	// Checked selects the validating dispatch entry.
	Checked bool
	// Logger receives controller and binding events. Nil discards them.
	Logger *slog.Logger
}

func (c *Config) normalize() {
	if c.Resources == 0 {
		c.Resources = DefaultResources
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// Controller creates interrupt resources and dispatches exceptions to them.
type Controller struct {
	regs    *regs.Registers
	gie     guard.Guard
	tramp   Trampolines
	pool    *pool.Pool[interrupt]
	shared  *state
	checked bool
	log     *slog.Logger
}

// New builds a controller over r and registers it as the active one.
func New(r *regs.Registers, gie guard.Guard, tramp Trampolines, cfg Config) (*Controller, error) {
	cfg.normalize()
	if r == nil || gie == nil || tramp == nil {
		return nil, fmt.Errorf("irq: registers, guard and trampolines are required")
	}
	p, err := pool.New[interrupt](cfg.Resources, gie)
	if err != nil {
		return nil, fmt.Errorf("irq: create resource pool: %w", err)
	}
	c := &Controller{
		regs:    r,
		gie:     gie,
		tramp:   tramp,
		pool:    p,
		shared:  newState(r, gie, cfg.Logger),
		checked: cfg.Checked,
		log:     cfg.Logger,
	}
	if err := initialize(c); err != nil {
		return nil, err
	}
	c.log.Debug("interrupt controller active", "resources", p.Cap(), "checked", c.checked)
	return c, nil
}

// Close unregisters the controller. Resources it created keep their
// register state and must be closed separately.
func (c *Controller) Close() error {
	if Active() != c {
		return ErrClosed
	}
	deinitialize()
	c.log.Debug("interrupt controller closed")
	return nil
}

// CreateResource binds handler to n. The binding is exclusive: a second
// resource for the same number fails until the first is closed.
func (c *Controller) CreateResource(handler Handler, n exception.Number) (*Resource, error) {
	if Active() != c {
		return nil, ErrClosed
	}
	var bindErr error
	h, err := c.pool.Construct(func(it *interrupt) bool {
		bindErr = it.construct(c.shared, handler, n)
		return bindErr == nil
	})
	switch {
	case errors.Is(err, pool.ErrExhausted):
		return nil, fmt.Errorf("%w: %d of %d in use", ErrPoolExhausted, c.pool.Len(), c.pool.Cap())
	case errors.Is(err, pool.ErrNotConstructed):
		return nil, bindErr
	case err != nil:
		return nil, err
	}
	c.log.Debug("interrupt bound", "exception", n)
	return &Resource{h: h, pool: c.pool}, nil
}

// Global returns the guard that masks every interrupt.
func (c *Controller) Global() guard.Guard { return c.gie }

// Jump transfers control to the handler of n. SVCall goes through the
// supervisor trampoline, PendSV is only pended, and invalid numbers are
// ignored.
func (c *Controller) Jump(n exception.Number) {
	switch {
	case !exception.Valid(n):
		return
	case n == exception.SVCall:
		c.tramp.JumpSupervisor(n)
	case n == exception.PendSV:
		guard.Do(c.gie, func() {
			c.regs.SCB.ICSR.SetPendSVSet(true)
		})
	default:
		c.tramp.JumpException(n)
	}
}

// SysTickNumber returns the exception number of the SysTick timer.
func (c *Controller) SysTickNumber() exception.Number { return exception.SysTick }

// SupervisorNumber returns the exception number taken by a supervisor call.
func (c *Controller) SupervisorNumber() exception.Number { return exception.SVCall }

// PendSupervisorNumber returns the number of the pendable service call.
func (c *Controller) PendSupervisorNumber() exception.Number { return exception.PendSV }

// Bound reports whether n currently has an owner.
func (c *Controller) Bound(n exception.Number) bool { return c.shared.bound(n) }

// Len returns the number of live resources.
func (c *Controller) Len() int { return c.pool.Len() }

// Cap returns the pool capacity.
func (c *Controller) Cap() int { return c.pool.Cap() }

// Entry returns the function to install as the vector target.
func (c *Controller) Entry() func(exception.Number) {
	if c.checked {
		return HandleExceptionChecked
	}
	return HandleException
}
