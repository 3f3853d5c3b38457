package cpu

// condition evaluates the Jcc/SETcc/CMOVcc condition code cc against the
// current EFLAGS, following the standard IA-32 condition table.
func (c *CPU) condition(cc byte) bool {
	switch cc & 0x0F {
	case 0x0: // O
		return c.OF()
	case 0x1: // NO
		return !c.OF()
	case 0x2: // B/C/NAE
		return c.CF()
	case 0x3: // AE/NB/NC
		return !c.CF()
	case 0x4: // E/Z
		return c.ZF()
	case 0x5: // NE/NZ
		return !c.ZF()
	case 0x6: // BE/NA
		return c.CF() || c.ZF()
	case 0x7: // A/NBE
		return !c.CF() && !c.ZF()
	case 0x8: // S
		return c.SF()
	case 0x9: // NS
		return !c.SF()
	case 0xA: // P/PE
		return c.PF()
	case 0xB: // NP/PO
		return !c.PF()
	case 0xC: // L/NGE
		return c.SF() != c.OF()
	case 0xD: // GE/NL
		return c.SF() == c.OF()
	case 0xE: // LE/NG
		return c.ZF() || c.SF() != c.OF()
	case 0xF: // G/NLE
		return !c.ZF() && c.SF() == c.OF()
	}
	return false
}

// opJccShort implements the 0x70-0x7F short conditional jump block: an
// 8-bit signed displacement relative to the address of the *next*
// instruction.
func (c *CPU) opJccShort(cc byte) func(*CPU) error {
	return func(c *CPU) error {
		d, err := c.fetch8()
		if err != nil {
			return err
		}
		if c.condition(cc) {
			c.eip = uint32(int32(c.eip) + int32(int8(d)))
		}
		return nil
	}
}

// opJccNear implements the 0x0F 0x80-0x8F near conditional jump block:
// rel32 relative to the next instruction.
func (c *CPU) opJccNear(cc byte) func(*CPU) error {
	return func(c *CPU) error {
		d, err := c.fetch32()
		if err != nil {
			return err
		}
		if c.condition(cc) {
			c.eip = uint32(int32(c.eip) + int32(d))
		}
		return nil
	}
}

func opJmpRel8(c *CPU) error {
	d, err := c.fetch8()
	if err != nil {
		return err
	}
	c.eip = uint32(int32(c.eip) + int32(int8(d)))
	return nil
}

func opJmpRel32(c *CPU) error {
	d, err := c.fetch32()
	if err != nil {
		return err
	}
	c.eip = uint32(int32(c.eip) + int32(d))
	return nil
}

func opCallRel32(c *CPU) error {
	d, err := c.fetch32()
	if err != nil {
		return err
	}
	ret := c.eip
	target := uint32(int32(c.eip) + int32(d))
	if err := c.push32(ret); err != nil {
		return err
	}
	c.eip = target
	return nil
}

func opRetNear(c *CPU) error {
	v, err := c.pop32()
	if err != nil {
		return err
	}
	c.eip = v
	return nil
}

func opRetNearImm16(c *CPU) error {
	imm, err := c.fetch16()
	if err != nil {
		return err
	}
	v, err := c.pop32()
	if err != nil {
		return err
	}
	c.eip = v
	c.regs[RegESP] += uint32(imm)
	return nil
}

func opInt3(c *CPU) error {
	c.opINT(3)
	return nil
}

func opIntImm8(c *CPU) error {
	v, err := c.fetch8()
	if err != nil {
		return err
	}
	c.opINT(v)
	return nil
}

func opHlt(c *CPU) error {
	c.Halted = true
	return nil
}

// opGroup5 implements the 0xFF group for its control-transfer members:
// reg 2 CALL r/m32 (near, indirect), reg 4 JMP r/m32 (near, indirect),
// reg 6 PUSH r/m32. INC/DEC r/m32 (reg 0/1) are handled inline since they
// share the ModR/M fetch.
func opGroup5(c *CPU) error {
	if _, err := c.fetchModRM(); err != nil {
		return err
	}
	reg := c.regField()
	switch reg {
	case 0:
		a, err := c.readRM32()
		if err != nil {
			return err
		}
		wide := uint64(a) + 1
		cf := c.CF()
		c.setFlagsArith32(wide, a, 1, false)
		c.SetFlag(FlagCF, cf)
		return c.writeRM32(uint32(wide))
	case 1:
		a, err := c.readRM32()
		if err != nil {
			return err
		}
		wide := uint64(a) - 1
		cf := c.CF()
		c.setFlagsArith32(wide, a, 1, true)
		c.SetFlag(FlagCF, cf)
		return c.writeRM32(uint32(wide))
	case 2:
		target, err := c.readRM32()
		if err != nil {
			return err
		}
		ret := c.eip
		if err := c.push32(ret); err != nil {
			return err
		}
		c.eip = target
		return nil
	case 4:
		target, err := c.readRM32()
		if err != nil {
			return err
		}
		c.eip = target
		return nil
	case 6:
		v, err := c.readRM32()
		if err != nil {
			return err
		}
		return c.push32(v)
	}
	return ErrUndefinedOpcode
}

// opGroupFE implements the 0xFE group: INC/DEC r/m8 only (reg 0/1).
func opGroupFE(c *CPU) error {
	if _, err := c.fetchModRM(); err != nil {
		return err
	}
	a, err := c.readRM8()
	if err != nil {
		return err
	}
	switch c.regField() {
	case 0:
		wide := uint16(a) + 1
		cf := c.CF()
		c.setFlagsArith8(wide, a, 1, false)
		c.SetFlag(FlagCF, cf)
		return c.writeRM8(byte(wide))
	case 1:
		wide := uint16(a) - 1
		cf := c.CF()
		c.setFlagsArith8(wide, a, 1, true)
		c.SetFlag(FlagCF, cf)
		return c.writeRM8(byte(wide))
	}
	return ErrUndefinedOpcode
}
