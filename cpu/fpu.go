package cpu

import "math"

// x87 status-word bit positions for C0-C3 and TOP (spec §4.4: a ring of 8
// f64 slots indexed by (TOP+i) mod 8; 80-bit extended precision is not
// supported, values are stored and computed as f64).
const (
	swC0  = 1 << 8
	swC1  = 1 << 9
	swC2  = 1 << 10
	swTOP = 7 << 11
	swC3  = 1 << 14
)

func (c *CPU) fpPush(v float64) {
	c.fpTop = (c.fpTop - 1) & 7
	c.st[c.fpTop] = v
	c.fpValid[c.fpTop] = true
}

func (c *CPU) fpPop() float64 {
	v := c.st[c.fpTop]
	c.fpValid[c.fpTop] = false
	c.fpTop = (c.fpTop + 1) & 7
	return v
}

func (c *CPU) fpST(i int) float64 { return c.st[(c.fpTop+i)&7] }
func (c *CPU) fpSetST(i int, v float64) {
	c.st[(c.fpTop+i)&7] = v
	c.fpValid[(c.fpTop+i)&7] = true
}

// opFld32/opFld64 load a 32- or 64-bit IEEE-754 float from memory (or
// ST(i) for the register form) and push it.
func opFld32(c *CPU) error {
	if _, err := c.fetchModRM(); err != nil {
		return err
	}
	if c.modField() == 3 {
		c.fpPush(c.fpST(int(c.rmField())))
		return nil
	}
	addr, err := c.effectiveAddress32()
	if err != nil {
		return err
	}
	bits, err := c.read32(addr)
	if err != nil {
		return err
	}
	c.fpPush(float64(math.Float32frombits(bits)))
	return nil
}

func opFld64(c *CPU) error {
	if _, err := c.fetchModRM(); err != nil {
		return err
	}
	if c.modField() == 3 {
		c.fpPush(c.fpST(int(c.rmField())))
		return nil
	}
	addr, err := c.effectiveAddress32()
	if err != nil {
		return err
	}
	lo, err := c.read32(addr)
	if err != nil {
		return err
	}
	hi, err := c.read32(addr + 4)
	if err != nil {
		return err
	}
	bits := uint64(lo) | uint64(hi)<<32
	c.fpPush(math.Float64frombits(bits))
	return nil
}

// opFstp32/opFstp64 store ST(0) to memory (truncating to the requested
// width) and pop.
func opFstp32(c *CPU) error {
	if _, err := c.fetchModRM(); err != nil {
		return err
	}
	v := c.fpST(0)
	if c.modField() == 3 {
		c.fpSetST(int(c.rmField()), v)
		c.fpPop()
		return nil
	}
	addr, err := c.effectiveAddress32()
	if err != nil {
		return err
	}
	if err := c.write32(addr, math.Float32bits(float32(v))); err != nil {
		return err
	}
	c.fpPop()
	return nil
}

func opFstp64(c *CPU) error {
	if _, err := c.fetchModRM(); err != nil {
		return err
	}
	v := c.fpST(0)
	if c.modField() == 3 {
		c.fpSetST(int(c.rmField()), v)
		c.fpPop()
		return nil
	}
	addr, err := c.effectiveAddress32()
	if err != nil {
		return err
	}
	bits := math.Float64bits(v)
	if err := c.write32(addr, uint32(bits)); err != nil {
		return err
	}
	if err := c.write32(addr+4, uint32(bits>>32)); err != nil {
		return err
	}
	c.fpPop()
	return nil
}

func opFaddp(c *CPU) error {
	r := c.fpST(0) + c.fpST(1)
	c.fpPop()
	c.fpSetST(0, r)
	return nil
}

func opFsubp(c *CPU) error {
	r := c.fpST(1) - c.fpST(0)
	c.fpPop()
	c.fpSetST(0, r)
	return nil
}

func opFmulp(c *CPU) error {
	r := c.fpST(0) * c.fpST(1)
	c.fpPop()
	c.fpSetST(0, r)
	return nil
}

func opFdivp(c *CPU) error {
	r := c.fpST(1) / c.fpST(0)
	c.fpPop()
	c.fpSetST(0, r)
	return nil
}

// fcompare compares ST(0) against ST(i) for opFcom/opFcomp, setting C3/C2/C0
// per the unordered/greater/less/equal table (spec §4.4). With pop set
// (FCOMP) it additionally pops.
func (c *CPU) fcompare(i int, pop bool) {
	a, b := c.fpST(0), c.fpST(i)
	sw := c.fpSW &^ (swC0 | swC1 | swC2 | swC3)
	switch {
	case math.IsNaN(a) || math.IsNaN(b):
		sw |= swC0 | swC2 | swC3
	case a > b:
		// all clear
	case a < b:
		sw |= swC0
	default:
		sw |= swC3
	}
	c.fpSW = sw
	if pop {
		c.fpPop()
	}
}

func opFcom(c *CPU) error {
	if _, err := c.fetchModRM(); err != nil {
		return err
	}
	c.fcompare(int(c.rmField()), false)
	return nil
}

func opFcomp(c *CPU) error {
	if _, err := c.fetchModRM(); err != nil {
		return err
	}
	c.fcompare(int(c.rmField()), true)
	return nil
}

func opFild32(c *CPU) error {
	if _, err := c.fetchModRM(); err != nil {
		return err
	}
	addr, err := c.effectiveAddress32()
	if err != nil {
		return err
	}
	v, err := c.read32(addr)
	if err != nil {
		return err
	}
	c.fpPush(float64(int32(v)))
	return nil
}

func opFnop(c *CPU) error { return nil }

// opFldcw loads the 16-bit control word from memory (D9 /5).
func opFldcw(c *CPU) error {
	addr, err := c.effectiveAddress32()
	if err != nil {
		return err
	}
	v, err := c.read16(addr)
	if err != nil {
		return err
	}
	c.fpCW = v
	return nil
}

// opFstcw stores the control word to memory (D9 /7).
func opFstcw(c *CPU) error {
	addr, err := c.effectiveAddress32()
	if err != nil {
		return err
	}
	return c.write16(addr, c.fpCW)
}

// opFstsw stores the status word to memory (DD /7).
func opFstsw(c *CPU) error {
	addr, err := c.effectiveAddress32()
	if err != nil {
		return err
	}
	return c.write16(addr, c.fpSW)
}

// opFinit reinitializes the FPU: empties the stack and resets the
// control/status/tag words to their power-on values.
func opFinit(c *CPU) error {
	c.fpTop = 0
	for i := range c.fpValid {
		c.fpValid[i] = false
	}
	c.fpSW, c.fpCW, c.fpTW = 0, 0x037F, 0xFFFF
	return nil
}

// opFistp32 truncates ST(0) to a 32-bit integer, stores it to memory and
// pops (DB /3).
func opFistp32(c *CPU) error {
	addr, err := c.effectiveAddress32()
	if err != nil {
		return err
	}
	v := int32(c.fpST(0))
	if err := c.write32(addr, uint32(v)); err != nil {
		return err
	}
	c.fpPop()
	return nil
}
