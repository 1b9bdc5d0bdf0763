// Package regs models the memory-mapped core peripherals the interrupt
// layer touches: the NVIC banks, the SysTick timer and the system control
// block. Each register is a plain 32-bit word with named bit accessors, and
// the whole model can also be reached by architectural address through
// Read and Write.
package regs

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrUnmapped  = errors.New("regs: unmapped address")
	ErrUnaligned = errors.New("regs: unaligned access")
)

// Device serves 32-bit accesses inside one mapped region. Offsets are
// relative to the region base and always word aligned.
type Device interface {
	ReadReg(off uint32) uint32
	WriteReg(off uint32, v uint32)
}

type region struct {
	name string
	base uint32
	size uint32
	dev  Device
}

// Registers is the register model of one core.
type Registers struct {
	NVIC    NVIC
	SysTick SysTick
	SCB     SCB

	regions []region
}

// New returns a register model in its reset state with the core blocks
// mapped at their architectural addresses.
func New() *Registers {
	r := &Registers{}
	r.SCB.CPUID.Store(CPUIDCortexM3)
	// 9 MHz reference clock, 10ms calibration value.
	r.SysTick.CALIB.Store(90000 - 1)

	for _, m := range []region{
		{"systick", SysTickBase, sysTickSize, &r.SysTick},
		{"nvic", NVICBase, nvicSize, &r.NVIC},
		{"scb", SCBBase, scbSize, &r.SCB},
		{"stir", STIRBase, 4, stir{nvic: &r.NVIC}},
	} {
		if err := r.Map(m.name, m.base, m.size, m.dev); err != nil {
			panic(err)
		}
	}
	return r
}

// Map attaches dev at [base, base+size). Regions may not overlap.
func (r *Registers) Map(name string, base, size uint32, dev Device) error {
	if dev == nil {
		return fmt.Errorf("regs: region %q has nil device", name)
	}
	if size == 0 {
		return fmt.Errorf("regs: region %q at 0x%08x has zero size", name, base)
	}
	if base+size < base {
		return fmt.Errorf("regs: region %q at 0x%08x with size 0x%x overflows", name, base, size)
	}
	for _, existing := range r.regions {
		if regionsOverlap(base, size, existing.base, existing.size) {
			return fmt.Errorf(
				"regs: region %q 0x%08x-0x%08x overlaps %q 0x%08x-0x%08x",
				name, base, base+size-1, existing.name, existing.base, existing.base+existing.size-1)
		}
	}
	r.regions = append(r.regions, region{name: name, base: base, size: size, dev: dev})
	sort.Slice(r.regions, func(i, j int) bool { return r.regions[i].base < r.regions[j].base })
	return nil
}

func regionsOverlap(baseA, sizeA, baseB, sizeB uint32) bool {
	endA := uint64(baseA) + uint64(sizeA)
	endB := uint64(baseB) + uint64(sizeB)
	return uint64(baseA) < endB && uint64(baseB) < endA
}

func (r *Registers) lookup(addr uint32) (Device, uint32, error) {
	if addr&0x3 != 0 {
		return nil, 0, fmt.Errorf("%w at 0x%08x", ErrUnaligned, addr)
	}
	for _, m := range r.regions {
		if addr >= m.base && addr-m.base < m.size {
			return m.dev, addr - m.base, nil
		}
	}
	return nil, 0, fmt.Errorf("%w 0x%08x", ErrUnmapped, addr)
}

// Read performs a 32-bit load from addr with the side effects the hardware
// has (reading SYST_CSR clears COUNTFLAG).
func (r *Registers) Read(addr uint32) (uint32, error) {
	dev, off, err := r.lookup(addr)
	if err != nil {
		return 0, err
	}
	return dev.ReadReg(off), nil
}

// Write performs a 32-bit store to addr.
func (r *Registers) Write(addr uint32, v uint32) error {
	dev, off, err := r.lookup(addr)
	if err != nil {
		return err
	}
	dev.WriteReg(off, v)
	return nil
}

// Snapshot captures every register of the model without side effects.
// Two snapshots compare equal with == when nothing changed in between.
type Snapshot struct {
	Enable  [NVICWords]uint32
	Pending [NVICWords]uint32
	Active  [NVICWords]uint32

	CSR, RVR, CVR, CALIB uint32

	CPUID, ICSR, VTOR, AIRCR, SCR, CCR, SHCSR uint32
}

func (r *Registers) Snapshot() Snapshot {
	var s Snapshot
	for i := range NVICWords {
		s.Enable[i] = r.NVIC.enable[i].Load()
		s.Pending[i] = r.NVIC.pending[i].Load()
		s.Active[i] = r.NVIC.active[i].Load()
	}
	s.CSR = r.SysTick.CSR.Load()
	s.RVR = r.SysTick.RVR.Load()
	s.CVR = r.SysTick.CVR.Load()
	s.CALIB = r.SysTick.CALIB.Load()
	s.CPUID = r.SCB.CPUID.Load()
	s.ICSR = r.SCB.ICSR.Load()
	s.VTOR = r.SCB.VTOR.Load()
	s.AIRCR = r.SCB.AIRCR.Load()
	s.SCR = r.SCB.SCR.Load()
	s.CCR = r.SCB.CCR.Load()
	s.SHCSR = r.SCB.SHCSR.Load()
	return s
}

// Diff lists the registers that differ between s and other, for test and
// trace output.
func (s Snapshot) Diff(other Snapshot) []string {
	var out []string
	banks := []struct {
		name string
		a, b [NVICWords]uint32
	}{
		{"ISER", s.Enable, other.Enable},
		{"ISPR", s.Pending, other.Pending},
		{"IABR", s.Active, other.Active},
	}
	for _, bank := range banks {
		for i := range NVICWords {
			if bank.a[i] != bank.b[i] {
				out = append(out, fmt.Sprintf("%s[%d]: 0x%08x -> 0x%08x", bank.name, i, bank.a[i], bank.b[i]))
			}
		}
	}
	words := []struct {
		name string
		a, b uint32
	}{
		{"SYST_CSR", s.CSR, other.CSR},
		{"SYST_RVR", s.RVR, other.RVR},
		{"SYST_CVR", s.CVR, other.CVR},
		{"SYST_CALIB", s.CALIB, other.CALIB},
		{"CPUID", s.CPUID, other.CPUID},
		{"ICSR", s.ICSR, other.ICSR},
		{"VTOR", s.VTOR, other.VTOR},
		{"AIRCR", s.AIRCR, other.AIRCR},
		{"SCR", s.SCR, other.SCR},
		{"CCR", s.CCR, other.CCR},
		{"SHCSR", s.SHCSR, other.SHCSR},
	}
	for _, w := range words {
		if w.a != w.b {
			out = append(out, fmt.Sprintf("%s: 0x%08x -> 0x%08x", w.name, w.a, w.b))
		}
	}
	return out
}
