package cpu

// opMovEbGb/opMovGbEb/opMovEvGv/opMovGvEv implement the four-way MOV block
// (0x88-0x8B) shared by every GP-register width.
func opMovEbGb(c *CPU) error {
	if _, err := c.fetchModRM(); err != nil {
		return err
	}
	return c.writeRM8(c.Reg8(int(c.regField())))
}

func opMovEvGv(c *CPU) error {
	if _, err := c.fetchModRM(); err != nil {
		return err
	}
	if c.width() == 16 {
		return c.writeRM16(c.Reg16(int(c.regField())))
	}
	return c.writeRM32(c.Reg32(int(c.regField())))
}

func opMovGbEb(c *CPU) error {
	if _, err := c.fetchModRM(); err != nil {
		return err
	}
	v, err := c.readRM8()
	if err != nil {
		return err
	}
	c.SetReg8(int(c.regField()), v)
	return nil
}

func opMovGvEv(c *CPU) error {
	if _, err := c.fetchModRM(); err != nil {
		return err
	}
	if c.width() == 16 {
		v, err := c.readRM16()
		if err != nil {
			return err
		}
		c.SetReg16(int(c.regField()), v)
		return nil
	}
	v, err := c.readRM32()
	if err != nil {
		return err
	}
	c.SetReg32(int(c.regField()), v)
	return nil
}

// opMovRegImm implements the 0xB8-0xBF "MOV reg, imm32/imm16" block.
func (c *CPU) opMovRegImm(reg int) func(*CPU) error {
	return func(c *CPU) error {
		if c.width() == 16 {
			v, err := c.fetch16()
			if err != nil {
				return err
			}
			c.SetReg16(reg, v)
			return nil
		}
		v, err := c.fetch32()
		if err != nil {
			return err
		}
		c.SetReg32(reg, v)
		return nil
	}
}

// opMovImm implements the 0xC6/0xC7 "MOV r/m, imm" forms.
func (c *CPU) opMovImm(wide bool) func(*CPU) error {
	return func(c *CPU) error {
		if _, err := c.fetchModRM(); err != nil {
			return err
		}
		if !wide {
			v, err := c.fetch8()
			if err != nil {
				return err
			}
			return c.writeRM8(v)
		}
		if c.width() == 16 {
			v, err := c.fetch16()
			if err != nil {
				return err
			}
			return c.writeRM16(v)
		}
		v, err := c.fetch32()
		if err != nil {
			return err
		}
		return c.writeRM32(v)
	}
}

// opLea computes the effective address of the memory operand and stores
// it in the reg field without dereferencing memory.
func opLea(c *CPU) error {
	if _, err := c.fetchModRM(); err != nil {
		return err
	}
	addr, err := c.effectiveAddressOnly()
	if err != nil {
		return err
	}
	if c.width() == 16 {
		c.SetReg16(int(c.regField()), uint16(addr))
		return nil
	}
	c.SetReg32(int(c.regField()), addr)
	return nil
}

// opXchgEAX implements the 0x90-0x97 XCHG eAX, rXX block; 0x90 itself is
// NOP (XCHG EAX, EAX).
func (c *CPU) opXchgEAX(reg int) func(*CPU) error {
	return func(c *CPU) error {
		if reg == RegEAX {
			return nil
		}
		a, b := c.Reg32(RegEAX), c.Reg32(reg)
		c.SetReg32(RegEAX, b)
		c.SetReg32(reg, a)
		return nil
	}
}

func opXchgEvGv(c *CPU) error {
	if _, err := c.fetchModRM(); err != nil {
		return err
	}
	if c.width() == 16 {
		a, err := c.readRM16()
		if err != nil {
			return err
		}
		b := c.Reg16(int(c.regField()))
		if err := c.writeRM16(b); err != nil {
			return err
		}
		c.SetReg16(int(c.regField()), a)
		return nil
	}
	a, err := c.readRM32()
	if err != nil {
		return err
	}
	b := c.Reg32(int(c.regField()))
	if err := c.writeRM32(b); err != nil {
		return err
	}
	c.SetReg32(int(c.regField()), a)
	return nil
}

// opPushReg/opPopReg implement the 0x50-0x5F single-byte PUSH/POP rXX block.
func (c *CPU) opPushReg(reg int) func(*CPU) error {
	return func(c *CPU) error { return c.push32(c.Reg32(reg)) }
}

func (c *CPU) opPopReg(reg int) func(*CPU) error {
	return func(c *CPU) error {
		v, err := c.pop32()
		if err != nil {
			return err
		}
		c.SetReg32(reg, v)
		return nil
	}
}

func opPushImm32(c *CPU) error {
	v, err := c.fetch32()
	if err != nil {
		return err
	}
	return c.push32(v)
}

func opPushImm8(c *CPU) error {
	v, err := c.fetch8()
	if err != nil {
		return err
	}
	return c.push32(uint32(int32(int8(v))))
}

// opPushRM pushes a 32-bit r/m operand; it is not installed in the dispatch
// table, since 0xFF /6 PUSH r/m32 is handled by opGroup5. opPopRM implements
// the 0x8F /0 POP r/m32 group-1A form.
func opPushRM(c *CPU) error {
	if _, err := c.fetchModRM(); err != nil {
		return err
	}
	v, err := c.readRM32()
	if err != nil {
		return err
	}
	return c.push32(v)
}

func opPopRM(c *CPU) error {
	if _, err := c.fetchModRM(); err != nil {
		return err
	}
	v, err := c.pop32()
	if err != nil {
		return err
	}
	return c.writeRM32(v)
}

func opCLC(c *CPU) error { c.SetFlag(FlagCF, false); return nil }
func opSTC(c *CPU) error { c.SetFlag(FlagCF, true); return nil }
func opCLD(c *CPU) error { c.SetFlag(FlagDF, false); return nil }
func opSTD(c *CPU) error { c.SetFlag(FlagDF, true); return nil }
func opCLI(c *CPU) error { c.SetFlag(FlagIF, false); return nil }
func opSTI(c *CPU) error { c.SetFlag(FlagIF, true); return nil }

func opCBW(c *CPU) error {
	if c.width() == 16 {
		c.SetReg16(RegEAX, uint16(int16(int8(c.Reg8(RegEAX)))))
		return nil
	}
	c.SetReg32(RegEAX, uint32(int32(int16(c.Reg16(RegEAX)))))
	return nil
}

func opCWD(c *CPU) error {
	if c.width() == 16 {
		v := int16(c.Reg16(RegEAX))
		if v < 0 {
			c.SetReg16(2, 0xFFFF)
		} else {
			c.SetReg16(2, 0)
		}
		return nil
	}
	v := int32(c.Reg32(RegEAX))
	if v < 0 {
		c.SetReg32(2, 0xFFFFFFFF)
	} else {
		c.SetReg32(2, 0)
	}
	return nil
}
