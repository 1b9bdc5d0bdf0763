package regs

// SysTickBase is the address of the SysTick control and status register.
const SysTickBase = 0xE000_E010

const sysTickSize = 0x10

// SysTick CSR bits.
const (
	CSREnable    = 0
	CSRTickInt   = 1
	CSRClkSource = 2
	CSRCountFlag = 16
)

// SysTickCSR is the SysTick control and status register.
type SysTickCSR struct{ Reg32 }

func (r *SysTickCSR) Enable() bool { return r.Bit(CSREnable) }
func (r *SysTickCSR) SetEnable(on bool) { r.WriteBit(CSREnable, on) }
func (r *SysTickCSR) TickInt() bool { return r.Bit(CSRTickInt) }
func (r *SysTickCSR) SetTickInt(on bool) { r.WriteBit(CSRTickInt, on) }
func (r *SysTickCSR) ClkSource() bool { return r.Bit(CSRClkSource) }
func (r *SysTickCSR) SetClkSource(on bool) { r.WriteBit(CSRClkSource, on) }
func (r *SysTickCSR) CountFlag() bool { return r.Bit(CSRCountFlag) }

// SysTickRVR is the reload value register; only the low 24 bits exist.
type SysTickRVR struct{ Reg32 }

func (r *SysTickRVR) Reload() uint32 { return r.Field(0, 24) }
func (r *SysTickRVR) SetReload(value uint32) { r.Store(value & 0xff_ffff) }

// SysTickCALIB is the read-only calibration register.
type SysTickCALIB struct{ Reg32 }

func (r *SysTickCALIB) TenMs() uint32 { return r.Field(0, 24) }
func (r *SysTickCALIB) Skew() bool { return r.Bit(30) }
func (r *SysTickCALIB) NoRef() bool { return r.Bit(31) }

// SysTick is the core timer block.
type SysTick struct {
	CSR   SysTickCSR
	RVR   SysTickRVR
	CVR   Reg32
	CALIB SysTickCALIB
}

// Wrap models the counter reaching zero: the current value is reloaded and
// COUNTFLAG is set. It reports whether the wrap should pend the SysTick
// exception, which is the case only when TICKINT is set.
func (s *SysTick) Wrap() bool {
	s.CVR.Store(s.RVR.Reload())
	s.CSR.SetBit(CSRCountFlag)
	return s.CSR.TickInt()
}

// ReadReg implements Device. Reading CSR clears COUNTFLAG.
func (s *SysTick) ReadReg(off uint32) uint32 {
	switch off {
	case 0x0:
		v := s.CSR.Load()
		s.CSR.ClearBit(CSRCountFlag)
		return v
	case 0x4:
		return s.RVR.Load()
	case 0x8:
		return s.CVR.Load()
	case 0xc:
		return s.CALIB.Load()
	}
	return 0
}

// WriteReg implements Device. Any write to CVR clears it and COUNTFLAG;
// CALIB is read-only.
func (s *SysTick) WriteReg(off uint32, v uint32) {
	switch off {
	case 0x0:
		s.CSR.SetField(0, 3, v)
	case 0x4:
		s.RVR.SetReload(v)
	case 0x8:
		s.CVR.Store(0)
		s.CSR.ClearBit(CSRCountFlag)
	}
}
