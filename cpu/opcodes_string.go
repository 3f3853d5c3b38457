package cpu

// This file implements the moffs-addressed MOV forms (0xA0-0xA3) and the
// five string-instruction families (0xA4-0xAF: MOVS/CMPS/STOS/LODS/SCAS),
// all of which index memory through ESI/EDI rather than a ModR/M byte and
// are the only opcodes that consume the REP/REPNE prefix tracked in
// c.repPrefix. Since Step executes one instruction per call, a REP-prefixed
// string op runs its whole iteration count inside a single handler call.

// fetchMoffs reads the 32-bit absolute address that follows 0xA0-0xA3,
// applying the active segment override the same way effectiveAddress32
// does for ModR/M operands.
func (c *CPU) fetchMoffs() (uint32, error) {
	addr, err := c.fetch32()
	if err != nil {
		return 0, err
	}
	if base, ok := c.segOverrideBase(); ok {
		addr += base
	}
	return addr, nil
}

func opMovALMoffs(c *CPU) error {
	addr, err := c.fetchMoffs()
	if err != nil {
		return err
	}
	v, err := c.read8(addr)
	if err != nil {
		return err
	}
	c.SetReg8(RegEAX, v)
	return nil
}

func opMovEAXMoffs(c *CPU) error {
	addr, err := c.fetchMoffs()
	if err != nil {
		return err
	}
	if c.width() == 16 {
		v, err := c.read16(addr)
		if err != nil {
			return err
		}
		c.SetReg16(RegEAX, v)
		return nil
	}
	v, err := c.read32(addr)
	if err != nil {
		return err
	}
	c.SetReg32(RegEAX, v)
	return nil
}

func opMovMoffsAL(c *CPU) error {
	addr, err := c.fetchMoffs()
	if err != nil {
		return err
	}
	return c.write8(addr, c.Reg8(RegEAX))
}

func opMovMoffsEAX(c *CPU) error {
	addr, err := c.fetchMoffs()
	if err != nil {
		return err
	}
	if c.width() == 16 {
		return c.write16(addr, c.Reg16(RegEAX))
	}
	return c.write32(addr, c.Reg32(RegEAX))
}

// stringOpSize returns the per-element width in bytes for a string op:
// the "B" forms are always 1 byte, the "W/D" forms follow the 0x66
// operand-size override like every other instruction.
func (c *CPU) stringOpSize(byteForm bool) uint32 {
	if byteForm {
		return 1
	}
	if c.width() == 16 {
		return 2
	}
	return 4
}

func (c *CPU) readSized(addr, size uint32) (uint32, error) {
	switch size {
	case 1:
		v, err := c.read8(addr)
		return uint32(v), err
	case 2:
		v, err := c.read16(addr)
		return uint32(v), err
	default:
		return c.read32(addr)
	}
}

func (c *CPU) writeSized(addr, size, v uint32) error {
	switch size {
	case 1:
		return c.write8(addr, byte(v))
	case 2:
		return c.write16(addr, uint16(v))
	default:
		return c.write32(addr, v)
	}
}

// advanceIndex steps reg (ESI/EDI) by size bytes, forward or backward per DF.
func (c *CPU) advanceIndex(reg int, size uint32) {
	delta := int32(size)
	if c.DF() {
		delta = -delta
	}
	c.SetReg32(reg, uint32(int32(c.Reg32(reg))+delta))
}

// cmpSized runs a CMP-style comparison at the given element width purely
// for its flag side effects, matching the ALU's own width dispatch.
func (c *CPU) cmpSized(byteForm bool, a, b uint32) {
	switch {
	case byteForm:
		c.alu8(aluCMP, byte(a), byte(b))
	case c.width() == 16:
		c.alu16(aluCMP, uint16(a), uint16(b))
	default:
		c.alu32(aluCMP, a, b)
	}
}

// repLoop is the REP/REPE/REPNE iteration driver shared by every string
// op. With no REP prefix active the body runs exactly once. With one
// active, it runs while ECX != 0, decrementing ECX after each iteration;
// for the ZF-testing forms (CMPS/SCAS) it additionally stops as soon as
// ZF no longer matches the active prefix (REPE/REP continues on ZF=1,
// REPNE continues on ZF=0).
func (c *CPU) repLoop(untilZF bool, body func() error) error {
	if c.repPrefix == 0 {
		return body()
	}
	wantZF := c.repPrefix == 1
	for c.Reg32(RegECX) != 0 {
		if err := body(); err != nil {
			return err
		}
		c.SetReg32(RegECX, c.Reg32(RegECX)-1)
		if untilZF && c.ZF() != wantZF {
			break
		}
	}
	return nil
}

// opMovsString implements MOVSB/MOVSW/MOVSD (0xA4/0xA5): copy [ESI] to
// [EDI], then advance both index registers.
func opMovsString(byteForm bool) opcodeFunc {
	return func(c *CPU) error {
		size := c.stringOpSize(byteForm)
		return c.repLoop(false, func() error {
			srcAddr := c.regs[RegESI]
			if base, ok := c.segOverrideBase(); ok {
				srcAddr += base
			}
			v, err := c.readSized(srcAddr, size)
			if err != nil {
				return err
			}
			if err := c.writeSized(c.regs[RegEDI], size, v); err != nil {
				return err
			}
			c.advanceIndex(RegESI, size)
			c.advanceIndex(RegEDI, size)
			return nil
		})
	}
}

// opCmpsString implements CMPSB/CMPSW/CMPSD (0xA6/0xA7): compare [ESI]
// against [EDI], advance both, and (under REP) stop at the first
// mismatch (REPE) or match (REPNE).
func opCmpsString(byteForm bool) opcodeFunc {
	return func(c *CPU) error {
		size := c.stringOpSize(byteForm)
		return c.repLoop(true, func() error {
			srcAddr := c.regs[RegESI]
			if base, ok := c.segOverrideBase(); ok {
				srcAddr += base
			}
			a, err := c.readSized(srcAddr, size)
			if err != nil {
				return err
			}
			b, err := c.readSized(c.regs[RegEDI], size)
			if err != nil {
				return err
			}
			c.cmpSized(byteForm, a, b)
			c.advanceIndex(RegESI, size)
			c.advanceIndex(RegEDI, size)
			return nil
		})
	}
}

// opStosString implements STOSB/STOSW/STOSD (0xAA/0xAB): store AL/AX/EAX
// at [EDI], then advance EDI. The common "REP STOSD" memset idiom is the
// main reason this family matters to guest code.
func opStosString(byteForm bool) opcodeFunc {
	return func(c *CPU) error {
		size := c.stringOpSize(byteForm)
		return c.repLoop(false, func() error {
			v := c.Reg32(RegEAX)
			if err := c.writeSized(c.regs[RegEDI], size, v); err != nil {
				return err
			}
			c.advanceIndex(RegEDI, size)
			return nil
		})
	}
}

// opLodsString implements LODSB/LODSW/LODSD (0xAC/0xAD): load [ESI] into
// AL/AX/EAX, then advance ESI.
func opLodsString(byteForm bool) opcodeFunc {
	return func(c *CPU) error {
		size := c.stringOpSize(byteForm)
		return c.repLoop(false, func() error {
			srcAddr := c.regs[RegESI]
			if base, ok := c.segOverrideBase(); ok {
				srcAddr += base
			}
			v, err := c.readSized(srcAddr, size)
			if err != nil {
				return err
			}
			switch size {
			case 1:
				c.SetReg8(RegEAX, byte(v))
			case 2:
				c.SetReg16(RegEAX, uint16(v))
			default:
				c.SetReg32(RegEAX, v)
			}
			c.advanceIndex(RegESI, size)
			return nil
		})
	}
}

// opScasString implements SCASB/SCASW/SCASD (0xAE/0xAF): compare
// AL/AX/EAX against [EDI], then advance EDI; under REP this is the
// strchr/strlen idiom, scanning until a match (REPNE) or mismatch (REPE).
func opScasString(byteForm bool) opcodeFunc {
	return func(c *CPU) error {
		size := c.stringOpSize(byteForm)
		return c.repLoop(true, func() error {
			b, err := c.readSized(c.regs[RegEDI], size)
			if err != nil {
				return err
			}
			c.cmpSized(byteForm, c.Reg32(RegEAX), b)
			c.advanceIndex(RegEDI, size)
			return nil
		})
	}
}
