// Package core simulates the exception entry logic of a Cortex-M3 core on
// top of the register model: the PRIMASK bit, the active exception (IPSR),
// pending state for every vector, and the SysTick counter.
//
// A Core is driven from one goroutine, the way a single hardware thread
// would be. Pend and Tick may be called from any goroutine; they only mark
// exceptions pending and wake the driver. Handlers run on the driving
// goroutine from Raise, Service, WaitForInterrupt, or the release of the
// outermost interrupt guard.
package core

import (
	"context"
	"log/slog"
	"math/bits"
	"sync"
	"time"

	"github.com/tinyrange/nvic/internal/exception"
	"github.com/tinyrange/nvic/internal/guard"
	"github.com/tinyrange/nvic/internal/regs"
	"github.com/tinyrange/nvic/internal/trace"
)

// Tracer receives one event per handler invocation.
type Tracer interface {
	Record(trace.Event)
}

// Options configures a Core.
type Options struct {
	Logger *slog.Logger
	Tracer Tracer
}

// Core is one simulated processor.
type Core struct {
	regs  *regs.Registers
	log   *slog.Logger
	trace Tracer

	mu      sync.Mutex
	primask bool
	ipsr    exception.Number
	// pending faults, SVCall and DebugMonitor; the rest live in registers
	pendingSys uint32
	entry      func(exception.Number)

	wake chan struct{}
}

// New returns a core attached to r in thread mode with interrupts unmasked.
func New(r *regs.Registers, opts Options) *Core {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Core{
		regs:  r,
		log:   log,
		trace: opts.Tracer,
		wake:  make(chan struct{}, 1),
	}
}

// Registers returns the register model the core is attached to.
func (c *Core) Registers() *regs.Registers { return c.regs }

// SetEntry installs the function every vector branches to. It receives the
// number of the exception being taken.
func (c *Core) SetEntry(fn func(exception.Number)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry = fn
}

// DisableInterrupts sets PRIMASK and returns its previous value.
func (c *Core) DisableInterrupts() guard.State {
	c.mu.Lock()
	prev := c.primask
	c.primask = true
	c.mu.Unlock()
	if prev {
		return 1
	}
	return 0
}

// RestoreInterrupts writes a saved PRIMASK value back. Unmasking takes any
// exception that became deliverable while masked.
func (c *Core) RestoreInterrupts(s guard.State) {
	c.mu.Lock()
	c.primask = s.Masked()
	c.mu.Unlock()
	if !s.Masked() {
		c.Service()
	}
}

// Masked reports the current PRIMASK value.
func (c *Core) Masked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.primask
}

// Active returns the exception being handled, or 0 in thread mode.
func (c *Core) Active() exception.Number {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ipsr
}

// Pend marks n pending. Invalid numbers are ignored.
func (c *Core) Pend(n exception.Number) {
	switch {
	case !exception.Valid(n):
		return
	case exception.IsIRQ(n):
		c.regs.NVIC.Trigger(n.IRQ())
	case n == exception.SysTick:
		c.regs.SCB.ICSR.SetPendSTSet(true)
	case n == exception.PendSV:
		c.regs.SCB.ICSR.SetPendSVSet(true)
	case n == exception.NMI:
		c.regs.SCB.ICSR.SetNMIPendSet(true)
	default:
		c.mu.Lock()
		c.pendingSys |= 1 << uint(n)
		c.mu.Unlock()
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Pending reports whether n is waiting to be taken. An IRQ line counts as
// pending whether or not it is enabled.
func (c *Core) Pending(n exception.Number) bool {
	icsr := &c.regs.SCB.ICSR
	switch {
	case !exception.Valid(n):
		return false
	case exception.IsIRQ(n):
		return c.regs.NVIC.ISPR(n.Word())&n.Mask() != 0
	case n == exception.SysTick:
		return icsr.PendSTSet()
	case n == exception.PendSV:
		return icsr.PendSVSet()
	case n == exception.NMI:
		return icsr.NMIPendSet()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingSys&(1<<uint(n)) != 0
}

// Raise pends n and services the core. It returns the number of handlers
// that ran.
func (c *Core) Raise(n exception.Number) int {
	c.Pend(n)
	return c.Service()
}

// Service takes every pending exception that is currently deliverable, in
// ascending vector order, and returns how many were taken.
func (c *Core) Service() int {
	taken := 0
	for {
		n, entry, ok := c.next()
		if !ok {
			return taken
		}
		c.run(n, entry)
		taken++
	}
}

// WaitForInterrupt blocks until at least one exception has been taken or
// ctx is done.
func (c *Core) WaitForInterrupt(ctx context.Context) error {
	for {
		if c.Service() > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.wake:
		}
	}
}

// JumpException enters the handler of n synchronously, as if the exception
// had been taken at this point. n must be valid.
func (c *Core) JumpException(n exception.Number) {
	c.mu.Lock()
	entry := c.entry
	prev := c.enterLocked(n)
	c.mu.Unlock()
	c.call(n, prev, entry, trace.KindJump)
}

// JumpSupervisor executes a supervisor call: the SVCall handler is entered
// synchronously. n is the number the caller dispatched on.
func (c *Core) JumpSupervisor(n exception.Number) {
	c.mu.Lock()
	entry := c.entry
	prev := c.enterLocked(exception.SVCall)
	c.mu.Unlock()
	c.call(exception.SVCall, prev, entry, trace.KindJump)
}

// Tick models one wrap of the SysTick counter. The counter only runs while
// SYST_CSR.ENABLE is set; the exception is pended only when TICKINT is set.
// Tick reports whether SysTick was pended.
func (c *Core) Tick() bool {
	st := &c.regs.SysTick
	if !st.CSR.Enable() {
		return false
	}
	if !st.Wrap() {
		return false
	}
	c.Pend(exception.SysTick)
	return true
}

// RunSysTick ticks every period until ctx is done.
func (c *Core) RunSysTick(ctx context.Context, period time.Duration) error {
	if period <= 0 {
		period = time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	c.log.Debug("systick running", "period", period)
	defer c.log.Debug("systick stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Tick()
		}
	}
}

// next selects the exception to take and marks it active. Only called in
// thread mode; handlers do not preempt each other.
func (c *Core) next() (exception.Number, func(exception.Number), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ipsr != 0 {
		return 0, nil, false
	}
	n, ok := c.pendingLocked()
	if !ok {
		return 0, nil, false
	}
	c.acknowledgeLocked(n)
	c.enterLocked(n)
	return n, c.entry, true
}

func (c *Core) pendingLocked() (exception.Number, bool) {
	icsr := &c.regs.SCB.ICSR
	if icsr.NMIPendSet() {
		return exception.NMI, true
	}
	if c.pendingSys&(1<<uint(exception.HardFault)) != 0 {
		return exception.HardFault, true
	}
	if c.primask {
		return 0, false
	}
	if sys := c.pendingSys; sys != 0 {
		return exception.Number(bits.TrailingZeros32(sys)), true
	}
	if icsr.PendSVSet() {
		return exception.PendSV, true
	}
	if icsr.PendSTSet() {
		return exception.SysTick, true
	}
	nvic := &c.regs.NVIC
	for w := range regs.NVICWords {
		ready := nvic.ISPR(w) & nvic.ISER(w)
		if ready == 0 {
			continue
		}
		n := exception.FirstIRQ + exception.Number(w*32+bits.TrailingZeros32(ready))
		// lines past the device's last IRQ are not wired to a vector
		if n >= exception.Last {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func (c *Core) acknowledgeLocked(n exception.Number) {
	icsr := &c.regs.SCB.ICSR
	switch {
	case exception.IsIRQ(n):
		c.regs.NVIC.SetICPR(n.Word(), n.Mask())
	case n == exception.NMI:
		icsr.SetNMIPendSet(false)
	case n == exception.PendSV:
		icsr.SetPendSVSet(false)
	case n == exception.SysTick:
		icsr.SetPendSTSet(false)
	default:
		c.pendingSys &^= 1 << uint(n)
	}
}

func (c *Core) enterLocked(n exception.Number) exception.Number {
	prev := c.ipsr
	c.ipsr = n
	c.regs.SCB.ICSR.SetVectActive(uint32(n))
	if exception.IsIRQ(n) {
		c.regs.NVIC.SetActive(n.IRQ(), true)
	}
	return prev
}

func (c *Core) exitLocked(n, prev exception.Number) {
	if exception.IsIRQ(n) {
		c.regs.NVIC.SetActive(n.IRQ(), false)
	}
	c.ipsr = prev
	c.regs.SCB.ICSR.SetVectActive(uint32(prev))
}

func (c *Core) run(n exception.Number, entry func(exception.Number)) {
	c.call(n, 0, entry, trace.KindTaken)
}

func (c *Core) call(n, prev exception.Number, entry func(exception.Number), kind trace.Kind) {
	defer func() {
		c.mu.Lock()
		c.exitLocked(n, prev)
		c.mu.Unlock()
	}()
	if entry == nil {
		c.log.Debug("exception taken with no entry installed", "exception", n)
		return
	}
	if c.trace == nil {
		entry(n)
		return
	}
	start := time.Now()
	entry(n)
	c.trace.Record(trace.Event{Exception: n, Kind: kind, Duration: time.Since(start)})
}
