// Package cpu implements the IA-32 interpreter core: register file, EFLAGS,
// x87 stack, prefix/ModR/M/SIB decoding and the opcode dispatch tables, in
// the closure-table style of IntuitionEngine's cpu_x86.go adapted to a
// 32-bit-only, flat-memory, error-returning design.
package cpu

import (
	"errors"
	"fmt"

	"github.com/ia32emu/peemu/internal/log"
	"github.com/ia32emu/peemu/memory"
)

// General-purpose register indices, in IA-32 ModR/M encoding order.
const (
	RegEAX = iota
	RegECX
	RegEDX
	RegEBX
	RegESP
	RegEBP
	RegESI
	RegEDI
)

var regNames32 = [8]string{"EAX", "ECX", "EDX", "EBX", "ESP", "EBP", "ESI", "EDI"}

// Segment register indices.
const (
	SegES = iota
	SegCS
	SegSS
	SegDS
	SegFS
	SegGS
)

// EFLAGS bit positions.
const (
	FlagCF  = 1 << 0
	FlagPF  = 1 << 2
	FlagAF  = 1 << 4
	FlagZF  = 1 << 6
	FlagSF  = 1 << 7
	FlagTF  = 1 << 8
	FlagIF  = 1 << 9
	FlagDF  = 1 << 10
	FlagOF  = 1 << 11
)

var (
	// ErrUndefinedOpcode is raised by Step when no handler is registered
	// for the fetched opcode (or 0F-prefixed extended opcode).
	ErrUndefinedOpcode = errors.New("undefined opcode")
	// ErrUnhandledInterrupt is raised by the default INT handler when no
	// InterruptHandler has been installed.
	ErrUnhandledInterrupt = errors.New("unhandled interrupt")
	// ErrDivideByZero and ErrDivideOverflow are raised by DIV/IDIV.
	ErrDivideByZero   = errors.New("divide by zero")
	ErrDivideOverflow = errors.New("divide overflow")
)

// KernelBases supplies the guest addresses FS and GS implicitly index, as
// maintained by the external kernel-structures collaborator (spec §6).
// When zero, the corresponding override has no effect on the effective
// address.
type KernelBases struct {
	FSBase uint32
	GSBase uint32
}

// TraceEntry records one executed instruction for post-mortem inspection.
type TraceEntry struct {
	Step      uint64
	EIPBefore uint32
	Opcode    byte
	ESP       uint32
	EBP       uint32
	EAX       uint32
}

// Options configures a CPU at construction time.
type Options struct {
	TraceCapacity int
	Logger        log.Logger
}

// opcodeFunc is a dispatch-table entry. It returns an error when the
// instruction cannot complete (fault, undefined encoding, trapped
// division); Step routes that error to the installed ExceptionHandler.
type opcodeFunc func(*CPU) error

// CPU holds all interpreter state for a single guest thread of execution.
type CPU struct {
	regs [8]uint32
	eip  uint32

	CS, DS, ES, SS, FS, GS uint16
	Bases                  KernelBases

	eflags uint32

	Halted bool
	steps  uint64

	st      [8]float64
	fpTop   int
	fpValid [8]bool
	fpSW    uint16
	fpCW    uint16
	fpTW    uint16

	segOverride    int
	repPrefix      byte
	opSizeOverride bool
	addrSizeOverride bool

	opcode      byte
	modrm       byte
	modrmLoaded bool
	sib         byte
	sibLoaded   bool

	mem *memory.Memory

	baseOps     [256]opcodeFunc
	extendedOps [256]opcodeFunc

	// InterruptHandler services INT imm8. Must mutate CPU state (e.g. set
	// EAX) for the guest to observe a result. Defaults to raising
	// ErrUnhandledInterrupt.
	InterruptHandler func(c *CPU, vector uint8)
	// ExceptionHandler receives any error a step raises. May clear Halted
	// or mutate state to recover. When nil, the error is logged and the CPU
	// halts; Step does not return it to the caller.
	ExceptionHandler func(c *CPU, err error)

	trace    []TraceEntry
	traceCap int
	traceLen int
	traceNext int

	logger *log.Helper
}

// New constructs a CPU bound to mem with its dispatch tables populated.
func New(mem *memory.Memory, opts *Options) *CPU {
	if opts == nil {
		opts = &Options{}
	}
	c := &CPU{mem: mem, segOverride: -1, traceCap: opts.TraceCapacity}
	if opts.Logger != nil {
		c.logger = log.NewHelper(opts.Logger)
	} else {
		c.logger = log.Default
	}
	if c.traceCap > 0 {
		c.trace = make([]TraceEntry, c.traceCap)
	}
	c.Reset()
	c.initBaseOps()
	c.initExtendedOps()
	return c
}

// Reset restores power-on state: zeroed registers, ESP/EBP untouched by
// convention of the caller (the driver sets up the stack after Reset),
// interrupts enabled (IF set), direction flag clear.
func (c *CPU) Reset() {
	for i := range c.regs {
		c.regs[i] = 0
	}
	c.eip = 0
	c.CS, c.DS, c.ES, c.SS, c.FS, c.GS = 0, 0, 0, 0, 0, 0
	c.eflags = FlagIF
	c.Halted = false
	c.steps = 0
	c.fpTop = 0
	for i := range c.fpValid {
		c.fpValid[i] = false
	}
	c.fpSW, c.fpCW, c.fpTW = 0, 0x037F, 0xFFFF
	c.clearPrefixes()
}

func (c *CPU) clearPrefixes() {
	c.segOverride = -1
	c.repPrefix = 0
	c.opSizeOverride = false
	c.addrSizeOverride = false
	c.modrmLoaded = false
	c.sibLoaded = false
}

// EIP / SetEIP expose the instruction pointer for the driver (entry point
// setup) and for CALL/JMP/RET handlers.
func (c *CPU) EIP() uint32     { return c.eip }
func (c *CPU) SetEIP(v uint32) { c.eip = v }

// Steps returns the number of instructions executed so far.
func (c *CPU) Steps() uint64 { return c.steps }

// Reg32/SetReg32 give O(1) access to a general-purpose register by its
// ModR/M index.
func (c *CPU) Reg32(i int) uint32      { return c.regs[i&7] }
func (c *CPU) SetReg32(i int, v uint32) { c.regs[i&7] = v }

// Reg16/SetReg16 operate on the low 16 bits, leaving the upper half of the
// 32-bit register untouched on write (IA-32 16-bit operand-size rule).
func (c *CPU) Reg16(i int) uint16 { return uint16(c.regs[i&7]) }
func (c *CPU) SetReg16(i int, v uint16) {
	c.regs[i&7] = (c.regs[i&7] &^ 0xFFFF) | uint32(v)
}

// Reg8/SetReg8 alias the byte registers: 0..3 are AL/CL/DL/BL (low byte of
// EAX..EBX), 4..7 are AH/CH/DH/BH (bits 8..15 of EAX..EBX). Implemented by
// explicit masking, not union type-punning.
func (c *CPU) Reg8(i int) byte {
	i &= 7
	if i < 4 {
		return byte(c.regs[i])
	}
	return byte(c.regs[i-4] >> 8)
}

func (c *CPU) SetReg8(i int, v byte) {
	i &= 7
	if i < 4 {
		c.regs[i] = (c.regs[i] &^ 0xFF) | uint32(v)
		return
	}
	c.regs[i-4] = (c.regs[i-4] &^ 0xFF00) | (uint32(v) << 8)
}

// Flag/SetFlag read and write an individual EFLAGS bit.
func (c *CPU) Flag(bit uint32) bool { return c.eflags&bit != 0 }
func (c *CPU) SetFlag(bit uint32, v bool) {
	if v {
		c.eflags |= bit
	} else {
		c.eflags &^= bit
	}
}

func (c *CPU) EFLAGS() uint32      { return c.eflags }
func (c *CPU) SetEFLAGS(v uint32)  { c.eflags = v }

func (c *CPU) CF() bool { return c.Flag(FlagCF) }
func (c *CPU) ZF() bool { return c.Flag(FlagZF) }
func (c *CPU) SF() bool { return c.Flag(FlagSF) }
func (c *CPU) OF() bool { return c.Flag(FlagOF) }
func (c *CPU) PF() bool { return c.Flag(FlagPF) }
func (c *CPU) DF() bool { return c.Flag(FlagDF) }

func parity(v byte) bool {
	v ^= v >> 4
	v ^= v >> 2
	v ^= v >> 1
	return v&1 == 0
}

// setFlagsArith32 derives ZF/SF/CF/OF/PF/AF from a 32-bit arithmetic
// result computed in a 64-bit accumulator, following the sign-overflow
// XOR-AND trick: OF is set when the two operands have the same sign (for
// ADD) or differing signs (for SUB) and the result's sign differs from
// theirs.
func (c *CPU) setFlagsArith32(result uint64, a, b uint32, sub bool) {
	r := uint32(result)
	c.SetFlag(FlagCF, result > 0xFFFFFFFF)
	c.SetFlag(FlagZF, r == 0)
	c.SetFlag(FlagSF, r&0x80000000 != 0)
	c.SetFlag(FlagPF, parity(byte(r)))
	if sub {
		c.SetFlag(FlagOF, (a^b)&(a^r)&0x80000000 != 0)
		c.SetFlag(FlagAF, a&0x0F < b&0x0F)
	} else {
		c.SetFlag(FlagOF, ^(a^b)&(a^r)&0x80000000 != 0)
		c.SetFlag(FlagAF, (a&0x0F)+(b&0x0F) > 0x0F)
	}
}

func (c *CPU) setFlagsArith16(result uint32, a, b uint16, sub bool) {
	r := uint16(result)
	c.SetFlag(FlagCF, result > 0xFFFF)
	c.SetFlag(FlagZF, r == 0)
	c.SetFlag(FlagSF, r&0x8000 != 0)
	c.SetFlag(FlagPF, parity(byte(r)))
	if sub {
		c.SetFlag(FlagOF, (a^b)&(a^r)&0x8000 != 0)
		c.SetFlag(FlagAF, a&0x0F < b&0x0F)
	} else {
		c.SetFlag(FlagOF, ^(a^b)&(a^r)&0x8000 != 0)
		c.SetFlag(FlagAF, (a&0x0F)+(b&0x0F) > 0x0F)
	}
}

func (c *CPU) setFlagsArith8(result uint16, a, b byte, sub bool) {
	r := byte(result)
	c.SetFlag(FlagCF, result > 0xFF)
	c.SetFlag(FlagZF, r == 0)
	c.SetFlag(FlagSF, r&0x80 != 0)
	c.SetFlag(FlagPF, parity(r))
	if sub {
		c.SetFlag(FlagOF, (a^b)&(a^r)&0x80 != 0)
		c.SetFlag(FlagAF, a&0x0F < b&0x0F)
	} else {
		c.SetFlag(FlagOF, ^(a^b)&(a^r)&0x80 != 0)
		c.SetFlag(FlagAF, (a&0x0F)+(b&0x0F) > 0x0F)
	}
}

func (c *CPU) setFlagsLogic32(result uint32) {
	c.SetFlag(FlagCF, false)
	c.SetFlag(FlagOF, false)
	c.SetFlag(FlagZF, result == 0)
	c.SetFlag(FlagSF, result&0x80000000 != 0)
	c.SetFlag(FlagPF, parity(byte(result)))
}

func (c *CPU) setFlagsLogic16(result uint16) {
	c.SetFlag(FlagCF, false)
	c.SetFlag(FlagOF, false)
	c.SetFlag(FlagZF, result == 0)
	c.SetFlag(FlagSF, result&0x8000 != 0)
	c.SetFlag(FlagPF, parity(byte(result)))
}

func (c *CPU) setFlagsLogic8(result byte) {
	c.SetFlag(FlagCF, false)
	c.SetFlag(FlagOF, false)
	c.SetFlag(FlagZF, result == 0)
	c.SetFlag(FlagSF, result&0x80 != 0)
	c.SetFlag(FlagPF, parity(result))
}

// ---------------------------------------------------------------------
// Memory access
// ---------------------------------------------------------------------

func (c *CPU) fetch8() (byte, error) {
	b, err := c.mem.Fetch(c.eip, 1)
	if err != nil {
		return 0, err
	}
	c.eip++
	return b[0], nil
}

func (c *CPU) fetch16() (uint16, error) {
	b, err := c.mem.Fetch(c.eip, 2)
	if err != nil {
		return 0, err
	}
	c.eip += 2
	return uint16(b[0]) | uint16(b[1])<<8, nil
}

func (c *CPU) fetch32() (uint32, error) {
	b, err := c.mem.Fetch(c.eip, 4)
	if err != nil {
		return 0, err
	}
	c.eip += 4
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

func (c *CPU) read8(addr uint32) (byte, error)  { v, err := c.mem.Read8(addr); return v, err }
func (c *CPU) read16(addr uint32) (uint16, error) { return c.mem.Read16(addr) }
func (c *CPU) read32(addr uint32) (uint32, error) { return c.mem.Read32(addr) }
func (c *CPU) write8(addr uint32, v byte) error   { return c.mem.Write8(addr, v) }
func (c *CPU) write16(addr uint32, v uint16) error { return c.mem.Write16(addr, v) }
func (c *CPU) write32(addr uint32, v uint32) error { return c.mem.Write32(addr, v) }

// Mem exposes the bound guest memory for collaborators (loader lookups,
// driver setup).
func (c *CPU) Mem() *memory.Memory { return c.mem }

// ---------------------------------------------------------------------
// Stack
// ---------------------------------------------------------------------

func (c *CPU) push32(v uint32) error {
	c.regs[RegESP] -= 4
	return c.write32(c.regs[RegESP], v)
}

func (c *CPU) pop32() (uint32, error) {
	v, err := c.read32(c.regs[RegESP])
	if err != nil {
		return 0, err
	}
	c.regs[RegESP] += 4
	return v, nil
}

func (c *CPU) push16(v uint16) error {
	c.regs[RegESP] -= 2
	return c.write16(c.regs[RegESP], v)
}

func (c *CPU) pop16() (uint16, error) {
	v, err := c.read16(c.regs[RegESP])
	if err != nil {
		return 0, err
	}
	c.regs[RegESP] += 2
	return v, nil
}

// ---------------------------------------------------------------------
// ModR/M and SIB decoding
// ---------------------------------------------------------------------

func (c *CPU) fetchModRM() (byte, error) {
	if c.modrmLoaded {
		return c.modrm, nil
	}
	b, err := c.fetch8()
	if err != nil {
		return 0, err
	}
	c.modrm = b
	c.modrmLoaded = true
	return b, nil
}

func (c *CPU) modField() byte { return (c.modrm >> 6) & 3 }
func (c *CPU) regField() byte { return (c.modrm >> 3) & 7 }
func (c *CPU) rmField() byte  { return c.modrm & 7 }

func (c *CPU) fetchSIB() (byte, error) {
	if c.sibLoaded {
		return c.sib, nil
	}
	b, err := c.fetch8()
	if err != nil {
		return 0, err
	}
	c.sib = b
	c.sibLoaded = true
	return b, nil
}

func (c *CPU) sibScale() byte { return (c.sib >> 6) & 3 }
func (c *CPU) sibIndex() byte { return (c.sib >> 3) & 7 }
func (c *CPU) sibBase() byte  { return c.sib & 7 }

// effectiveAddress32 computes the flat 32-bit effective address for the
// current ModR/M, following the SIB special cases (base=101,mod=00 is
// disp32-only; index=100 is "no index") and sign-extended displacements.
func (c *CPU) effectiveAddress32() (uint32, error) {
	mod := c.modField()
	rm := c.rmField()

	var addr uint32
	if rm == 4 {
		if _, err := c.fetchModRM(); err != nil {
			return 0, err
		}
		if _, err := c.fetchSIB(); err != nil {
			return 0, err
		}
		scale := c.sibScale()
		index := c.sibIndex()
		base := c.sibBase()
		if base == 5 && mod == 0 {
			v, err := c.fetch32()
			if err != nil {
				return 0, err
			}
			addr = v
		} else {
			addr = c.regs[base]
		}
		if index != 4 {
			addr += c.regs[index] << scale
		}
	} else if rm == 5 && mod == 0 {
		v, err := c.fetch32()
		if err != nil {
			return 0, err
		}
		addr = v
	} else {
		addr = c.regs[rm]
	}

	switch mod {
	case 1:
		d, err := c.fetch8()
		if err != nil {
			return 0, err
		}
		addr = uint32(int32(addr) + int32(int8(d)))
	case 2:
		d, err := c.fetch32()
		if err != nil {
			return 0, err
		}
		addr += d
	}

	if base, ok := c.segOverrideBase(); ok {
		addr += base
	}
	return addr, nil
}

// segOverrideBase returns the base to add for the active segment override,
// as supplied by the external kernel-structures collaborator. Only FS/GS
// materially affect addressing (spec §6); other overrides are tracked but
// contribute no base in the flat model.
func (c *CPU) segOverrideBase() (uint32, bool) {
	switch c.segOverride {
	case SegFS:
		return c.Bases.FSBase, c.Bases.FSBase != 0
	case SegGS:
		return c.Bases.GSBase, c.Bases.GSBase != 0
	default:
		return 0, false
	}
}

func (c *CPU) readRM8() (byte, error) {
	if c.modField() == 3 {
		return c.Reg8(int(c.rmField())), nil
	}
	addr, err := c.effectiveAddress32()
	if err != nil {
		return 0, err
	}
	return c.read8(addr)
}

func (c *CPU) writeRM8(v byte) error {
	if c.modField() == 3 {
		c.SetReg8(int(c.rmField()), v)
		return nil
	}
	addr, err := c.effectiveAddress32()
	if err != nil {
		return err
	}
	return c.write8(addr, v)
}

func (c *CPU) readRM16() (uint16, error) {
	if c.modField() == 3 {
		return c.Reg16(int(c.rmField())), nil
	}
	addr, err := c.effectiveAddress32()
	if err != nil {
		return 0, err
	}
	return c.read16(addr)
}

func (c *CPU) writeRM16(v uint16) error {
	if c.modField() == 3 {
		c.SetReg16(int(c.rmField()), v)
		return nil
	}
	addr, err := c.effectiveAddress32()
	if err != nil {
		return err
	}
	return c.write16(addr, v)
}

func (c *CPU) readRM32() (uint32, error) {
	if c.modField() == 3 {
		return c.Reg32(int(c.rmField())), nil
	}
	addr, err := c.effectiveAddress32()
	if err != nil {
		return 0, err
	}
	return c.read32(addr)
}

func (c *CPU) writeRM32(v uint32) error {
	if c.modField() == 3 {
		c.SetReg32(int(c.rmField()), v)
		return nil
	}
	addr, err := c.effectiveAddress32()
	if err != nil {
		return err
	}
	return c.write32(addr, v)
}

// effectiveAddressOnly computes the address without dereferencing it, used
// by LEA.
func (c *CPU) effectiveAddressOnly() (uint32, error) { return c.effectiveAddress32() }

// ---------------------------------------------------------------------
// Step / Run
// ---------------------------------------------------------------------

// Step executes a single instruction: it consumes any prefix bytes, then
// dispatches the following opcode through the base (or, for 0x0F, the
// extended) table. Prefix state is always cleared before returning,
// whether or not the handler succeeded.
func (c *CPU) Step() error {
	if c.Halted {
		return nil
	}
	c.clearPrefixes()
	defer c.clearPrefixes()
	eipBefore := c.eip

prefixLoop:
	for {
		b, err := c.fetch8()
		if err != nil {
			return err
		}
		c.opcode = b
		switch b {
		case 0x26:
			c.segOverride = SegES
		case 0x2E:
			c.segOverride = SegCS
		case 0x36:
			c.segOverride = SegSS
		case 0x3E:
			c.segOverride = SegDS
		case 0x64:
			c.segOverride = SegFS
		case 0x65:
			c.segOverride = SegGS
		case 0x66:
			c.opSizeOverride = true
		case 0x67:
			c.addrSizeOverride = true
		case 0xF0:
			// LOCK: tolerated, no multi-core semantics to enforce.
		case 0xF2:
			c.repPrefix = 2
		case 0xF3:
			c.repPrefix = 1
		default:
			break prefixLoop
		}
	}

	handler := c.baseOps[c.opcode]
	if handler == nil {
		err := fmt.Errorf("%w: 0x%02X at EIP=0x%08X", ErrUndefinedOpcode, c.opcode, eipBefore)
		c.raise(err)
		c.recordTrace(eipBefore)
		return nil
	}

	if err := handler(c); err != nil {
		c.raise(err)
	}

	c.steps++
	c.recordTrace(eipBefore)
	return nil
}

// raise routes an error to the installed ExceptionHandler, or halts the
// CPU and swallows it when none is installed — callers observe the halt
// via Halted rather than a returned error, matching Step's signature.
func (c *CPU) raise(err error) {
	if c.ExceptionHandler != nil {
		c.ExceptionHandler(c, err)
		return
	}
	c.logger.Errorf("unhandled exception: %v", err)
	c.Halted = true
}

func (c *CPU) recordTrace(eipBefore uint32) {
	if c.traceCap == 0 {
		return
	}
	c.trace[c.traceNext] = TraceEntry{
		Step:      c.steps,
		EIPBefore: eipBefore,
		Opcode:    c.opcode,
		ESP:       c.regs[RegESP],
		EBP:       c.regs[RegEBP],
		EAX:       c.regs[RegEAX],
	}
	c.traceNext = (c.traceNext + 1) % c.traceCap
	if c.traceLen < c.traceCap {
		c.traceLen++
	}
}

// Trace returns the recorded trace entries, oldest first.
func (c *CPU) Trace() []TraceEntry {
	if c.traceCap == 0 || c.traceLen == 0 {
		return nil
	}
	out := make([]TraceEntry, c.traceLen)
	start := (c.traceNext - c.traceLen + c.traceCap) % c.traceCap
	for i := 0; i < c.traceLen; i++ {
		out[i] = c.trace[(start+i)%c.traceCap]
	}
	return out
}

// Run executes up to maxSteps instructions, stopping early on Halted. A
// maxSteps of 0 means unbounded.
func (c *CPU) Run(maxSteps uint64) error {
	for maxSteps == 0 || c.steps < maxSteps {
		if c.Halted {
			return nil
		}
		if err := c.Step(); err != nil {
			return err
		}
	}
	return nil
}

func (c *CPU) opINT(vector byte) {
	if c.InterruptHandler != nil {
		c.InterruptHandler(c, vector)
		return
	}
	c.raise(fmt.Errorf("%w: INT 0x%02X", ErrUnhandledInterrupt, vector))
}
