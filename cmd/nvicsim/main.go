package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/bits"
	"os"
	"os/signal"
	"sort"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/tinyrange/nvic/internal/config"
	"github.com/tinyrange/nvic/internal/core"
	"github.com/tinyrange/nvic/internal/exception"
	"github.com/tinyrange/nvic/internal/guard"
	"github.com/tinyrange/nvic/internal/irq"
	"github.com/tinyrange/nvic/internal/regs"
	"github.com/tinyrange/nvic/internal/trace"
)

// binding is a counting handler owned by the simulator.
type binding struct {
	name  string
	n     exception.Number
	res   *irq.Resource
	count uint64
	log   *slog.Logger
}

func (b *binding) Start() {
	b.count++
	b.log.Debug("interrupt", "binding", b.name, "exception", b.n, "count", b.count)
}

type sim struct {
	log     *slog.Logger
	out     io.Writer
	profile *config.Profile

	regs *regs.Registers
	cpu  *core.Core
	ctrl *irq.Controller

	bindings map[exception.Number]*binding
}

func newSim(p *config.Profile, log *slog.Logger, out io.Writer, tracer core.Tracer) (*sim, error) {
	r := regs.New()
	cpu := core.New(r, core.Options{Logger: log, Tracer: tracer})
	ctrl, err := irq.New(r, guard.New(cpu), cpu, irq.Config{
		Resources: p.Controller.Resources,
		Checked:   p.Controller.Checked,
		Logger:    log,
	})
	if err != nil {
		return nil, fmt.Errorf("create interrupt controller: %w", err)
	}
	cpu.SetEntry(ctrl.Entry())

	r.SysTick.RVR.SetReload(p.SysTick.Reload)
	r.SysTick.CSR.SetClkSource(true)
	r.SysTick.CSR.SetEnable(p.SysTick.Enable)

	s := &sim{
		log:      log,
		out:      out,
		profile:  p,
		regs:     r,
		cpu:      cpu,
		ctrl:     ctrl,
		bindings: make(map[exception.Number]*binding),
	}
	for _, b := range p.Bindings {
		if err := s.bind(b.Name, b.Exception.Number(), b.Enable); err != nil {
			s.close()
			return nil, err
		}
	}
	for _, sig := range s.signalNames() {
		if err := s.deliverable(p.Signals[sig].Number()); err != nil {
			s.close()
			return nil, fmt.Errorf("signal %s: %w", sig, err)
		}
	}
	return s, nil
}

func (s *sim) signalNames() []string {
	names := make([]string, 0, len(s.profile.Signals))
	for name := range s.profile.Signals {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *sim) bind(name string, n exception.Number, enable bool) error {
	b := &binding{name: name, n: n, log: s.log}
	res, err := s.ctrl.CreateResource(b, n)
	if err != nil {
		return fmt.Errorf("bind %s to %v: %w", name, n, err)
	}
	b.res = res
	s.bindings[n] = b
	if enable {
		if err := res.Enable(); err != nil {
			return fmt.Errorf("enable %s: %w", name, err)
		}
	}
	return nil
}

func (s *sim) lookup(n exception.Number) (*binding, error) {
	b, ok := s.bindings[n]
	if !ok {
		return nil, fmt.Errorf("no binding for %v", n)
	}
	return b, nil
}

// deliverable guards the unchecked entry: taking an exception nobody owns
// would crash the simulator.
func (s *sim) deliverable(n exception.Number) error {
	if s.profile.Controller.Checked || !exception.Valid(n) || s.ctrl.Bound(n) {
		return nil
	}
	return fmt.Errorf("%v has no owner; bind it or enable checked dispatch", n)
}

// releasable refuses to drop a binding that could still be taken: one a
// host signal routes to, or a core exception left pending.
func (s *sim) releasable(n exception.Number) error {
	if s.profile.Controller.Checked {
		return nil
	}
	for _, sig := range s.signalNames() {
		if s.profile.Signals[sig].Number() == n {
			return fmt.Errorf("%v is the target of %s", n, sig)
		}
	}
	if !exception.IsIRQ(n) && s.cpu.Pending(n) {
		return fmt.Errorf("%v is pending", n)
	}
	return nil
}

// NVIC bank offsets from regs.NVICBase.
const (
	iserOffset = 0x000
	isprOffset = 0x100
)

// pokeTargets lists the exceptions a register write would pend or unmask.
func pokeTargets(addr, v uint32) []exception.Number {
	var out []exception.Number
	lines := func(base uint32) {
		w := int(addr-base) / 4
		for m := v; m != 0; m &= m - 1 {
			out = append(out, exception.FirstIRQ+exception.Number(w*32+bits.TrailingZeros32(m)))
		}
	}
	switch {
	case addr == regs.SCBBase+0x04:
		if v&(1<<regs.ICSRNMIPendSet) != 0 {
			out = append(out, exception.NMI)
		}
		if v&(1<<regs.ICSRPendSVSet) != 0 {
			out = append(out, exception.PendSV)
		}
		if v&(1<<regs.ICSRPendSTSet) != 0 {
			out = append(out, exception.SysTick)
		}
	case addr == regs.SysTickBase:
		if v&(1<<regs.CSRTickInt) != 0 {
			out = append(out, exception.SysTick)
		}
	case addr == regs.STIRBase:
		out = append(out, exception.FirstIRQ+exception.Number(v&0x1ff))
	case addr >= regs.NVICBase+iserOffset && addr < regs.NVICBase+iserOffset+4*regs.NVICWords:
		lines(regs.NVICBase + iserOffset)
	case addr >= regs.NVICBase+isprOffset && addr < regs.NVICBase+isprOffset+4*regs.NVICWords:
		lines(regs.NVICBase + isprOffset)
	}
	return out
}

func (s *sim) step(st config.Step) error {
	n := st.Exception.Number()
	switch st.Op {
	case config.OpRaise:
		if err := s.deliverable(n); err != nil {
			return err
		}
		for range st.Count {
			s.cpu.Raise(n)
		}
	case config.OpPend:
		if err := s.deliverable(n); err != nil {
			return err
		}
		s.cpu.Pend(n)
	case config.OpJump:
		if err := s.deliverable(n); err != nil {
			return err
		}
		s.ctrl.Jump(n)
	case config.OpEnable, config.OpDisable:
		b, err := s.lookup(n)
		if err != nil {
			return err
		}
		if st.Op == config.OpEnable {
			return b.res.Enable()
		}
		return b.res.Disable()
	case config.OpRelease:
		b, err := s.lookup(n)
		if err != nil {
			return err
		}
		if err := s.releasable(n); err != nil {
			return err
		}
		delete(s.bindings, n)
		return b.res.Close()
	case config.OpBind:
		return s.bind(n.String(), n, false)
	case config.OpPoke:
		for _, target := range pokeTargets(st.Addr, st.Value) {
			if err := s.deliverable(target); err != nil {
				return fmt.Errorf("poke 0x%08x: %w", st.Addr, err)
			}
		}
		return s.regs.Write(st.Addr, st.Value)
	case config.OpPeek:
		v, err := s.regs.Read(st.Addr)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "peek 0x%08x = 0x%08x\n", st.Addr, v)
	case config.OpTick:
		for range st.Count {
			s.cpu.Tick()
			s.cpu.Service()
		}
	default:
		return fmt.Errorf("unknown op %q", st.Op)
	}
	return nil
}

func (s *sim) runScript() error {
	for i, st := range s.profile.Script {
		before := s.regs.Snapshot()
		if err := s.step(st); err != nil {
			return fmt.Errorf("script step %d (%s): %w", i, st.Op, err)
		}
		if diff := before.Diff(s.regs.Snapshot()); len(diff) > 0 {
			s.log.Debug("registers changed", "step", i, "op", st.Op, "diff", diff)
		}
	}
	return nil
}

// stress raises the enabled peripheral bindings round robin.
func (s *sim) stress(total int) error {
	var targets []exception.Number
	for n, b := range s.bindings {
		if exception.IsIRQ(n) && b.res.Enabled() {
			targets = append(targets, n)
		}
	}
	if len(targets) == 0 {
		return errors.New("stress needs at least one enabled peripheral binding")
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })

	pb := progressbar.Default(int64(total), "dispatch")
	defer pb.Close()

	start := time.Now()
	taken := 0
	for i := range total {
		taken += s.cpu.Raise(targets[i%len(targets)])
		pb.Add(1)
	}
	elapsed := time.Since(start)
	s.log.Info("stress complete", "raised", total, "taken", taken, "elapsed", elapsed)
	if taken < total {
		return fmt.Errorf("raised %d interrupts but only %d were taken", total, taken)
	}
	return nil
}

// runFor services interrupts from SysTick and host signals until d has
// elapsed or ctx is cancelled.
func (s *sim) runFor(ctx context.Context, d time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	if s.profile.SysTick.Enable {
		g.Go(func() error {
			return s.cpu.RunSysTick(ctx, s.profile.SysTick.Period.Duration())
		})
	}
	g.Go(func() error {
		return pumpSignals(ctx, s.log, s.profile.Signals, s.cpu.Pend)
	})
	g.Go(func() error {
		for {
			if err := s.cpu.WaitForInterrupt(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	})
	return g.Wait()
}

func (s *sim) report() {
	nums := make([]exception.Number, 0, len(s.bindings))
	for n := range s.bindings {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	for _, n := range nums {
		b := s.bindings[n]
		fmt.Fprintf(s.out, "%-16s %3d %-16s enabled=%-5t count=%d\n", b.name, int32(n), n, b.res.Enabled(), b.count)
	}
}

func (s *sim) close() {
	for n, b := range s.bindings {
		if err := b.res.Close(); err != nil {
			s.log.Warn("release binding", "exception", n, "error", err)
		}
	}
	s.bindings = nil
	if err := s.ctrl.Close(); err != nil {
		s.log.Warn("close controller", "error", err)
	}
}

func summarizeTrace(path string, out io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open trace: %w", err)
	}
	defer f.Close()

	stats, err := trace.Summarize(f)
	if err != nil {
		return err
	}
	for _, st := range stats {
		fmt.Fprintf(out, "%s\n", st)
	}
	return nil
}

func newLogger(debug bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
	}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	configPath := fs.String("config", "", "Board profile (YAML)")
	debug := fs.Bool("debug", false, "Enable debug logging")
	stress := fs.Int("stress", 0, "Raise the enabled peripheral bindings this many times")
	runFor := fs.Duration("run-for", 0, "Service SysTick and host signals for this long")
	initPath := fs.String("init", "", "Write the effective profile to this file and exit")
	tracePath := fs.String("trace", "", "Record every handler invocation to this file")
	readTrace := fs.String("read-trace", "", "Summarize a dispatch trace and exit")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	log := newLogger(*debug)
	slog.SetDefault(log)

	profile := config.Default()
	if *configPath != "" {
		p, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		profile = p
	}

	if *readTrace != "" {
		return summarizeTrace(*readTrace, os.Stdout)
	}
	if *initPath != "" {
		return config.Write(*initPath, profile)
	}

	var tracer core.Tracer
	if *tracePath != "" {
		f, err := os.Create(*tracePath)
		if err != nil {
			return fmt.Errorf("create trace: %w", err)
		}
		defer f.Close()
		tw, err := trace.NewWriter(f)
		if err != nil {
			return err
		}
		defer func() {
			if err := tw.Close(); err != nil {
				log.Error("close trace", "error", err)
			}
		}()
		tracer = tw
	}

	s, err := newSim(profile, log, os.Stdout, tracer)
	if err != nil {
		return err
	}
	defer s.close()

	log.Info("board up", "profile", profile.Name, "bindings", len(s.bindings), "resources", s.ctrl.Cap())

	if err := s.runScript(); err != nil {
		return err
	}
	if *stress > 0 {
		if err := s.stress(*stress); err != nil {
			return err
		}
	}
	if *runFor > 0 {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		if err := s.runFor(ctx, *runFor); err != nil {
			return err
		}
	}

	s.report()
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "nvicsim: %v\n", err)
		os.Exit(1)
	}
}
