package irq

import (
	"errors"
	"testing"

	"github.com/tinyrange/nvic/internal/exception"
	"github.com/tinyrange/nvic/internal/guard"
	"github.com/tinyrange/nvic/internal/regs"
)

// machine is the state the guard protects: registers and handler slots.
type machine struct {
	regs  regs.Snapshot
	bound [exception.Last + 1]bool
}

type testGuard struct {
	depth    int
	acquires int

	// set by watch; settled is the state when the guard was last released
	observe   func() machine
	settled   machine
	unguarded int
}

func (g *testGuard) Acquire() guard.State {
	if g.depth == 0 {
		g.check()
	}
	g.acquires++
	g.depth++
	if g.depth > 1 {
		return 1
	}
	return 0
}

func (g *testGuard) Release(guard.State) {
	g.depth--
	if g.depth == 0 && g.observe != nil {
		g.settled = g.observe()
	}
}

// watch starts counting changes to r and s made while the guard is free.
func (g *testGuard) watch(r *regs.Registers, s *state) {
	g.observe = func() machine {
		m := machine{regs: r.Snapshot()}
		for i, h := range s.handlers {
			m.bound[i] = h != nil
		}
		return m
	}
	g.settled = g.observe()
}

func (g *testGuard) check() {
	if g.observe == nil {
		return
	}
	if now := g.observe(); now != g.settled {
		g.unguarded++
		g.settled = now
	}
}

type testTrampolines struct {
	exceptions []exception.Number
	supervisor []exception.Number
}

func (t *testTrampolines) JumpException(n exception.Number)  { t.exceptions = append(t.exceptions, n) }
func (t *testTrampolines) JumpSupervisor(n exception.Number) { t.supervisor = append(t.supervisor, n) }

type fixture struct {
	ctrl  *Controller
	regs  *regs.Registers
	gie   *testGuard
	tramp *testTrampolines
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{regs: regs.New(), gie: &testGuard{}, tramp: &testTrampolines{}}
	ctrl, err := New(f.regs, f.gie, f.tramp, cfg)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	f.ctrl = ctrl
	t.Cleanup(func() { ctrl.Close() })
	return f
}

var nop = HandlerFunc(func() {})

func TestDoubleBindIsExclusive(t *testing.T) {
	f := newFixture(t, Config{})
	for _, n := range exception.All() {
		first, err := f.ctrl.CreateResource(nop, n)
		if err != nil {
			t.Fatalf("bind %v: %v", n, err)
		}
		if err := first.Enable(); err != nil {
			t.Fatal(err)
		}
		before := f.regs.Snapshot()

		if _, err := f.ctrl.CreateResource(nop, n); !errors.Is(err, ErrAlreadyBound) {
			t.Fatalf("expected ErrAlreadyBound for %v, got %v", n, err)
		}
		if d := before.Diff(f.regs.Snapshot()); len(d) != 0 {
			t.Fatalf("failed bind of %v changed registers: %v", n, d)
		}
		if !first.Enabled() {
			t.Fatalf("expected %v still enabled", n)
		}
		if f.ctrl.Len() != 1 {
			t.Fatalf("expected failed bind to return its slot, %d in use", f.ctrl.Len())
		}
		if err := first.Close(); err != nil {
			t.Fatal(err)
		}
	}
	if f.gie.depth != 0 {
		t.Fatalf("guard left held, depth %d", f.gie.depth)
	}
}

func TestMutationsHoldGuard(t *testing.T) {
	f := newFixture(t, Config{})
	f.gie.watch(f.regs, f.ctrl.shared)

	step := func(what string, fn func() error) {
		t.Helper()
		before := f.gie.acquires
		if err := fn(); err != nil {
			t.Fatalf("%s: %v", what, err)
		}
		if f.gie.acquires == before {
			t.Fatalf("%s: expected guard acquired", what)
		}
		if f.gie.depth != 0 {
			t.Fatalf("%s: expected guard released, depth %d", what, f.gie.depth)
		}
		f.gie.check()
		if f.gie.unguarded != 0 {
			t.Fatalf("%s: expected every change made under the guard, %d were not", what, f.gie.unguarded)
		}
	}

	for _, n := range []exception.Number{exception.SysTick, exception.USART1, exception.EXTI0, exception.DMA2Channel4_5, exception.PendSV} {
		var r *Resource
		step(n.String()+" create", func() (err error) {
			r, err = f.ctrl.CreateResource(nop, n)
			return err
		})
		step(n.String()+" enable", func() error { return r.Enable() })
		step(n.String()+" disable", func() error { return r.Disable() })
		step(n.String()+" enable again", func() error { return r.Enable() })
		step(n.String()+" close", func() error { return r.Close() })
	}
	step("jump PendSV", func() error {
		f.ctrl.Jump(exception.PendSV)
		return nil
	})
	if !f.regs.SCB.ICSR.PendSVSet() {
		t.Fatal("expected PENDSVSET")
	}
}

func TestInvalidNumbersRejected(t *testing.T) {
	f := newFixture(t, Config{})
	for n := exception.Number(-4); n < exception.Last+8; n++ {
		if exception.Valid(n) {
			continue
		}
		if _, err := f.ctrl.CreateResource(nop, n); !errors.Is(err, ErrInvalidException) {
			t.Fatalf("expected ErrInvalidException for %d, got %v", n, err)
		}
	}
	for _, n := range []exception.Number{0, 1, 7, 8, 9, 10, 13, exception.Last, 1 << 20} {
		if exception.Valid(n) {
			t.Fatalf("expected %d invalid", n)
		}
	}
	if f.ctrl.Len() != 0 {
		t.Fatalf("expected no resources, got %d", f.ctrl.Len())
	}
}

func TestRebindAfterClose(t *testing.T) {
	f := newFixture(t, Config{})
	r, err := f.ctrl.CreateResource(nop, exception.USART2)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Enable(); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if f.regs.NVIC.Enabled(exception.USART2.IRQ()) {
		t.Fatal("expected close to disable the line")
	}
	if f.ctrl.Bound(exception.USART2) {
		t.Fatal("expected slot cleared")
	}
	if _, err := f.ctrl.CreateResource(nop, exception.USART2); err != nil {
		t.Fatalf("expected rebind to succeed, got %v", err)
	}
}

func TestCloseNeverEnabled(t *testing.T) {
	f := newFixture(t, Config{})
	r, err := f.ctrl.CreateResource(nop, exception.SysTick)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if f.regs.SysTick.CSR.TickInt() {
		t.Fatal("expected TICKINT clear")
	}
	if err := r.Close(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := r.Enable(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Enable, got %v", err)
	}
	if r.Number() != 0 {
		t.Fatalf("expected zero number after close, got %v", r.Number())
	}
}

func TestStaleResourceDoesNotTouchNewOwner(t *testing.T) {
	f := newFixture(t, Config{Resources: 1})
	old, err := f.ctrl.CreateResource(nop, exception.TIM3)
	if err != nil {
		t.Fatal(err)
	}
	if err := old.Close(); err != nil {
		t.Fatal(err)
	}
	fresh, err := f.ctrl.CreateResource(nop, exception.TIM4)
	if err != nil {
		t.Fatal(err)
	}
	if err := fresh.Enable(); err != nil {
		t.Fatal(err)
	}
	if err := old.Disable(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := old.Close(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if !fresh.Enabled() || !f.ctrl.Bound(exception.TIM4) {
		t.Fatal("stale resource disturbed the new owner")
	}
}

func TestSysTickEnableOrdering(t *testing.T) {
	f := newFixture(t, Config{})
	r, err := f.ctrl.CreateResource(nop, exception.SysTick)
	if err != nil {
		t.Fatal(err)
	}
	steps := []struct {
		ops  string
		want bool
	}{
		{"ed", false},
		{"de", true},
		{"ee", true},
		{"dd", false},
		{"eed", false},
	}
	for _, step := range steps {
		for _, op := range step.ops {
			if op == 'e' {
				r.Enable()
			} else {
				r.Disable()
			}
		}
		if got := f.regs.SysTick.CSR.TickInt(); got != step.want {
			t.Fatalf("%s: expected TICKINT %v, got %v", step.ops, step.want, got)
		}
	}
	if f.regs.SysTick.CSR.Enable() {
		t.Fatal("resource must not start the counter")
	}
}

func TestIRQEnableSetsOneBit(t *testing.T) {
	f := newFixture(t, Config{})
	for n := exception.FirstIRQ; n <= exception.LastIRQ; n++ {
		r, err := f.ctrl.CreateResource(nop, n)
		if err != nil {
			t.Fatal(err)
		}
		before := f.regs.Snapshot()
		if err := r.Enable(); err != nil {
			t.Fatal(err)
		}
		after := f.regs.Snapshot()

		w := n.Word()
		if after.Enable[w] != before.Enable[w]|n.Mask() || after.Enable[w] == before.Enable[w] {
			t.Fatalf("%v: expected ISER[%d] bit %d set, got 0x%08x", n, w, n.Bit(), after.Enable[w])
		}
		after.Enable[w] = before.Enable[w]
		if after != before {
			t.Fatalf("%v: unexpected register change %v", n, before.Diff(after))
		}

		if err := r.Disable(); err != nil {
			t.Fatal(err)
		}
		if d := before.Diff(f.regs.Snapshot()); len(d) != 0 {
			t.Fatalf("%v: disable did not restore state: %v", n, d)
		}
		if err := r.Close(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestDisableLeavesNeighbours(t *testing.T) {
	f := newFixture(t, Config{})
	a, err := f.ctrl.CreateResource(nop, exception.USART1)
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.ctrl.CreateResource(nop, exception.USART2)
	if err != nil {
		t.Fatal(err)
	}
	a.Enable()
	b.Enable()
	a.Disable()
	if a.Enabled() || !b.Enabled() {
		t.Fatal("disable of one line affected another in the same word")
	}
}

func TestUngatedExceptionsTouchNothing(t *testing.T) {
	f := newFixture(t, Config{})
	for _, n := range []exception.Number{
		exception.NMI, exception.HardFault, exception.MemManage, exception.BusFault,
		exception.UsageFault, exception.SVCall, exception.DebugMonitor, exception.PendSV,
	} {
		r, err := f.ctrl.CreateResource(nop, n)
		if err != nil {
			t.Fatal(err)
		}
		before := f.regs.Snapshot()
		r.Enable()
		r.Disable()
		r.Enable()
		if d := before.Diff(f.regs.Snapshot()); len(d) != 0 {
			t.Fatalf("%v: expected no register change, got %v", n, d)
		}
		if !r.Enabled() {
			t.Fatalf("%v: ungated exception should report enabled", n)
		}
		if err := r.Close(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestPoolCapacity(t *testing.T) {
	const capacity = 5
	f := newFixture(t, Config{Resources: capacity})
	for i := range capacity {
		if _, err := f.ctrl.CreateResource(nop, exception.FirstIRQ+exception.Number(i)); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	next := exception.FirstIRQ + capacity
	if _, err := f.ctrl.CreateResource(nop, next); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
	if f.ctrl.Bound(next) {
		t.Fatal("exhaustion must leave the handler table untouched")
	}
	if f.ctrl.Len() != capacity || f.ctrl.Cap() != capacity {
		t.Fatalf("expected %d/%d, got %d/%d", capacity, capacity, f.ctrl.Len(), f.ctrl.Cap())
	}
}

func TestDefaultCapacity(t *testing.T) {
	f := newFixture(t, Config{})
	if f.ctrl.Cap() != DefaultResources {
		t.Fatalf("expected capacity %d, got %d", DefaultResources, f.ctrl.Cap())
	}
}

func TestSingleActiveController(t *testing.T) {
	r := regs.New()
	first, err := New(r, &testGuard{}, &testTrampolines{}, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(r, &testGuard{}, &testTrampolines{}, Config{}); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
	if Active() != first {
		t.Fatal("failed construction replaced the active controller")
	}
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}
	if err := first.Close(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on second close, got %v", err)
	}
	if _, err := first.CreateResource(nop, exception.EXTI0); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from closed controller, got %v", err)
	}
	second, err := New(r, &testGuard{}, &testTrampolines{}, Config{})
	if err != nil {
		t.Fatalf("expected second controller after close, got %v", err)
	}
	second.Close()
}

func TestJump(t *testing.T) {
	f := newFixture(t, Config{})

	f.ctrl.Jump(exception.PendSV)
	if !f.regs.SCB.ICSR.PendSVSet() {
		t.Fatal("expected PENDSVSET")
	}
	if len(f.tramp.exceptions)+len(f.tramp.supervisor) != 0 {
		t.Fatal("PendSV must not call a trampoline")
	}

	f.regs.SCB.ICSR.SetPendSVSet(false)
	f.ctrl.Jump(exception.SVCall)
	if len(f.tramp.supervisor) != 1 || f.tramp.supervisor[0] != exception.SVCall {
		t.Fatalf("expected supervisor trampoline, got %v", f.tramp.supervisor)
	}
	if f.regs.SCB.ICSR.PendSVSet() {
		t.Fatal("SVCall must not pend PendSV")
	}

	f.ctrl.Jump(exception.USART3)
	if len(f.tramp.exceptions) != 1 || f.tramp.exceptions[0] != exception.USART3 {
		t.Fatalf("expected exception trampoline, got %v", f.tramp.exceptions)
	}

	before := f.regs.Snapshot()
	for _, n := range []exception.Number{0, 1, 7, 13, exception.Last, -1} {
		f.ctrl.Jump(n)
	}
	if len(f.tramp.exceptions) != 1 || len(f.tramp.supervisor) != 1 {
		t.Fatal("invalid jump reached a trampoline")
	}
	if d := before.Diff(f.regs.Snapshot()); len(d) != 0 {
		t.Fatalf("invalid jump changed registers: %v", d)
	}
}

func TestNumbers(t *testing.T) {
	f := newFixture(t, Config{})
	if f.ctrl.SysTickNumber() != 15 || f.ctrl.SupervisorNumber() != 11 || f.ctrl.PendSupervisorNumber() != 14 {
		t.Fatal("unexpected well-known numbers")
	}
	if f.ctrl.Global() != f.gie {
		t.Fatal("expected Global to return the controller guard")
	}
}

func TestNilHandler(t *testing.T) {
	f := newFixture(t, Config{})
	if _, err := f.ctrl.CreateResource(nil, exception.EXTI1); !errors.Is(err, ErrNilHandler) {
		t.Fatalf("expected ErrNilHandler, got %v", err)
	}
	if f.ctrl.Bound(exception.EXTI1) || f.ctrl.Len() != 0 {
		t.Fatal("nil handler left state behind")
	}
}

func TestNewValidatesArguments(t *testing.T) {
	if _, err := New(nil, &testGuard{}, &testTrampolines{}, Config{}); err == nil {
		t.Fatal("expected error for nil registers")
	}
	if _, err := New(regs.New(), &testGuard{}, &testTrampolines{}, Config{Resources: -1}); err == nil {
		t.Fatal("expected error for negative capacity")
	}
	if Active() != nil {
		t.Fatal("failed construction must not register")
	}
}
