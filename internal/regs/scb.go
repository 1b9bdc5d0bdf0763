package regs

// SCBBase is the address of the CPUID register, the start of the system
// control block.
const SCBBase = 0xE000_ED00

const scbSize = 0x28

// ICSR bits.
const (
	ICSRPendSTClr  = 25
	ICSRPendSTSet  = 26
	ICSRPendSVClr  = 27
	ICSRPendSVSet  = 28
	ICSRNMIPendSet = 31
)

// CPUIDCortexM3 is the CPUID value of a Cortex-M3 r1p1.
const CPUIDCortexM3 = 0x411F_C231

const aircrVectKey = 0x05FA

// ICSR is the interrupt control and state register.
type ICSR struct{ Reg32 }

// VectActive is the exception number currently being serviced, 0 in
// thread mode.
func (r *ICSR) VectActive() uint32 { return r.Field(0, 9) }
func (r *ICSR) SetVectActive(n uint32) { r.SetField(0, 9, n) }
func (r *ICSR) VectPending() uint32 { return r.Field(12, 9) }
func (r *ICSR) SetVectPending(n uint32) { r.SetField(12, 9, n) }
func (r *ICSR) PendSVSet() bool { return r.Bit(ICSRPendSVSet) }
func (r *ICSR) SetPendSVSet(on bool) { r.WriteBit(ICSRPendSVSet, on) }
func (r *ICSR) PendSTSet() bool { return r.Bit(ICSRPendSTSet) }
func (r *ICSR) SetPendSTSet(on bool) { r.WriteBit(ICSRPendSTSet, on) }
func (r *ICSR) NMIPendSet() bool { return r.Bit(ICSRNMIPendSet) }
func (r *ICSR) SetNMIPendSet(on bool) { r.WriteBit(ICSRNMIPendSet, on) }

// SCB is the subset of the system control block the runtime touches.
type SCB struct {
	CPUID Reg32
	ICSR  ICSR
	VTOR  Reg32
	AIRCR Reg32
	SCR   Reg32
	CCR   Reg32
	SHPR  [3]Reg32
	SHCSR Reg32
}

// ReadReg implements Device.
func (s *SCB) ReadReg(off uint32) uint32 {
	switch off {
	case 0x00:
		return s.CPUID.Load()
	case 0x04:
		return s.ICSR.Load()
	case 0x08:
		return s.VTOR.Load()
	case 0x0c:
		return s.AIRCR.Load()&0xffff | 0xFA05<<16
	case 0x10:
		return s.SCR.Load()
	case 0x14:
		return s.CCR.Load()
	case 0x18, 0x1c, 0x20:
		return s.SHPR[(off-0x18)/4].Load()
	case 0x24:
		return s.SHCSR.Load()
	}
	return 0
}

// WriteReg implements Device. ICSR pend bits are write-one-to-act, the
// AIRCR write is dropped unless it carries the vector key, and CPUID is
// read-only.
func (s *SCB) WriteReg(off uint32, v uint32) {
	switch off {
	case 0x04:
		s.writeICSR(v)
	case 0x08:
		s.VTOR.Store(v &^ 0x7f)
	case 0x0c:
		if v>>16 == aircrVectKey {
			s.AIRCR.Store(v & 0xffff)
		}
	case 0x10:
		s.SCR.Store(v)
	case 0x14:
		s.CCR.Store(v)
	case 0x18, 0x1c, 0x20:
		s.SHPR[(off-0x18)/4].Store(v)
	case 0x24:
		s.SHCSR.Store(v)
	}
}

func (s *SCB) writeICSR(v uint32) {
	if v&(1<<ICSRNMIPendSet) != 0 {
		s.ICSR.SetNMIPendSet(true)
	}
	switch {
	case v&(1<<ICSRPendSVSet) != 0:
		s.ICSR.SetPendSVSet(true)
	case v&(1<<ICSRPendSVClr) != 0:
		s.ICSR.SetPendSVSet(false)
	}
	switch {
	case v&(1<<ICSRPendSTSet) != 0:
		s.ICSR.SetPendSTSet(true)
	case v&(1<<ICSRPendSTClr) != 0:
		s.ICSR.SetPendSTSet(false)
	}
}
