package regs

// NVICBase is the address of the first set-enable register.
const NVICBase = 0xE000_E100

// STIRBase is the address of the software trigger interrupt register.
const STIRBase = 0xE000_EF00

// NVICWords is the number of 32-bit words in each NVIC bank (512 lines).
const NVICWords = 16

// NVIC register offsets relative to NVICBase.
const (
	nvicISER = 0x000
	nvicICER = 0x080
	nvicISPR = 0x100
	nvicICPR = 0x180
	nvicIABR = 0x200
	nvicIPR  = 0x300

	nvicIPRWords = 124
	nvicSize     = nvicIPR + nvicIPRWords*4
)

// NVIC models the nested vectored interrupt controller banks. The set and
// clear register pairs are views of one underlying state bank: writing ones
// to ISER enables lines, writing ones to ICER disables them, and both read
// back the current enable state. The pending banks behave the same way.
type NVIC struct {
	enable  [NVICWords]Reg32
	pending [NVICWords]Reg32
	active  [NVICWords]Reg32

	// Priority bytes are stored but not interpreted; every line runs at
	// the same level.
	ipr [nvicIPRWords]Reg32
}

// ISER reads the set-enable register of bank word i.
func (n *NVIC) ISER(i int) uint32 { return n.enable[i].Load() }

// SetISER enables every line whose bit is set in v.
func (n *NVIC) SetISER(i int, v uint32) { n.enable[i].v.Or(v) }

// ICER reads the clear-enable register of bank word i.
func (n *NVIC) ICER(i int) uint32 { return n.enable[i].Load() }

// SetICER disables every line whose bit is set in v.
func (n *NVIC) SetICER(i int, v uint32) { n.enable[i].v.And(^v) }

// ISPR reads the set-pending register of bank word i.
func (n *NVIC) ISPR(i int) uint32 { return n.pending[i].Load() }

// SetISPR pends every line whose bit is set in v.
func (n *NVIC) SetISPR(i int, v uint32) { n.pending[i].v.Or(v) }

// ICPR reads the clear-pending register of bank word i.
func (n *NVIC) ICPR(i int) uint32 { return n.pending[i].Load() }

// SetICPR clears the pending state of every line whose bit is set in v.
func (n *NVIC) SetICPR(i int, v uint32) { n.pending[i].v.And(^v) }

// IABR reads the active-bit register of bank word i.
func (n *NVIC) IABR(i int) uint32 { return n.active[i].Load() }

// Enabled reports whether NVIC line irq is enabled.
func (n *NVIC) Enabled(irq int) bool {
	return n.enable[irq/32].Bit(uint(irq % 32))
}

// Pending reports whether NVIC line irq is pending.
func (n *NVIC) Pending(irq int) bool {
	return n.pending[irq/32].Bit(uint(irq % 32))
}

// Active reports whether NVIC line irq is being serviced.
func (n *NVIC) Active(irq int) bool {
	return n.active[irq/32].Bit(uint(irq % 32))
}

// SetActive marks line irq active or inactive. Only the core calls this on
// exception entry and return.
func (n *NVIC) SetActive(irq int, on bool) {
	n.active[irq/32].WriteBit(uint(irq%32), on)
}

// Trigger pends line irq the way a write to STIR does.
func (n *NVIC) Trigger(irq int) {
	if irq < 0 || irq >= NVICWords*32 {
		return
	}
	n.pending[irq/32].SetBit(uint(irq % 32))
}

// ReadReg implements Device. Reserved words read as zero.
func (n *NVIC) ReadReg(off uint32) uint32 {
	switch {
	case off >= nvicIPR && off < nvicSize:
		return n.ipr[(off-nvicIPR)/4].Load()
	case off >= nvicIPR:
		return 0
	}
	i, ok := bankWord(off)
	if !ok {
		return 0
	}
	switch off &^ 0x7f {
	case nvicISER:
		return n.ISER(i)
	case nvicICER:
		return n.ICER(i)
	case nvicISPR:
		return n.ISPR(i)
	case nvicICPR:
		return n.ICPR(i)
	case nvicIABR:
		return n.IABR(i)
	}
	return 0
}

// WriteReg implements Device. IABR and reserved words ignore writes.
func (n *NVIC) WriteReg(off uint32, v uint32) {
	switch {
	case off >= nvicIPR && off < nvicSize:
		n.ipr[(off-nvicIPR)/4].Store(v)
		return
	case off >= nvicIPR:
		return
	}
	i, ok := bankWord(off)
	if !ok {
		return
	}
	switch off &^ 0x7f {
	case nvicISER:
		n.SetISER(i, v)
	case nvicICER:
		n.SetICER(i, v)
	case nvicISPR:
		n.SetISPR(i, v)
	case nvicICPR:
		n.SetICPR(i, v)
	}
}

// bankWord maps an offset to its word index inside a 0x80-byte bank
// window. Only the first NVICWords words of each window are implemented.
func bankWord(off uint32) (int, bool) {
	i := int(off&0x7f) / 4
	return i, i < NVICWords
}

// stir is the write-only software trigger register.
type stir struct {
	nvic *NVIC
}

func (s stir) ReadReg(uint32) uint32 { return 0 }

func (s stir) WriteReg(_ uint32, v uint32) {
	s.nvic.Trigger(int(v & 0x1ff))
}
