// Package emulator is the host driver: it wires memory, the loader and the
// CPU interpreter together and exposes the host-facing services described
// in spec.md §6 (image introspection, memory access, address-to-image
// lookup, IAT stub patching).
package emulator

import (
	"errors"

	"github.com/ia32emu/peemu/cpu"
	"github.com/ia32emu/peemu/internal/log"
	"github.com/ia32emu/peemu/loader"
	"github.com/ia32emu/peemu/memory"
	"github.com/ia32emu/peemu/pe"
)

// ErrNoMainImage is returned by Run when BindMain has not been called.
var ErrNoMainImage = errors.New("no main image bound")

// Default guest resource sizing, per spec.md §6's convention: the stack is
// a caller-chosen high region. The default address space is 1 GiB, which
// ends at the loader's DefaultMaxAddress, so every DLL slot the loader can
// hand out is backed by memory. ESP and EBP start at DefaultStackTop, or
// DefaultStackGuard bytes below the end of memory when DefaultStackTop lies
// outside it; no stack region is reserved with the loader.
const (
	DefaultMemorySize  uint32 = 1024 * 1024 * 1024
	DefaultStackTop    uint32 = 0x1FFFFFF0
	DefaultStackGuard  uint32 = 128 * 1024
	DefaultTraceWindow        = 256
)

// Options configures an Emulator at construction time.
type Options struct {
	MemorySize uint32
	StackTop   uint32
	LoaderOpts *loader.Options
	CPUOpts    *cpu.Options
	Logger     log.Logger
}

// Emulator owns the guest memory, loader and CPU for one emulated process.
type Emulator struct {
	mem    *memory.Memory
	ldr    *loader.Loader
	cpu    *cpu.CPU
	main   *loader.LoadedImage
	logger *log.Helper
}

// New constructs an Emulator with a freshly allocated guest address space.
func New(opts *Options) *Emulator {
	if opts == nil {
		opts = &Options{}
	}
	size := opts.MemorySize
	if size == 0 {
		size = DefaultMemorySize
	}
	mem := memory.New(size)

	l := loader.New(mem, opts.LoaderOpts)

	var helper *log.Helper
	if opts.Logger != nil {
		helper = log.NewHelper(opts.Logger)
	} else {
		helper = log.Default
	}

	cpuOpts := opts.CPUOpts
	if cpuOpts == nil {
		cpuOpts = &cpu.Options{TraceCapacity: DefaultTraceWindow}
	}
	if cpuOpts.Logger == nil {
		cpuOpts.Logger = opts.Logger
	}
	c := cpu.New(mem, cpuOpts)

	return &Emulator{mem: mem, ldr: l, cpu: c, logger: helper}
}

// LoadMain parses the PE at path and places it as the main executable,
// recursively binding its imports. The CPU's EIP and ESP are initialized
// from the image's entry point and a default stack allocation.
func (e *Emulator) LoadMain(path string) error {
	file, err := pe.New(path, &pe.Options{})
	if err != nil {
		return err
	}
	if err := file.Parse(); err != nil {
		return err
	}
	return e.bindMain(path, file)
}

// LoadMainBytes is LoadMain for an in-memory image (used by tests and by
// hosts that already hold the file bytes).
func (e *Emulator) LoadMainBytes(name string, data []byte) error {
	file, err := pe.NewBytes(data, &pe.Options{})
	if err != nil {
		return err
	}
	if err := file.Parse(); err != nil {
		return err
	}
	return e.bindMain(name, file)
}

func (e *Emulator) bindMain(name string, file *pe.File) error {
	img, err := e.ldr.BindMain(name, file)
	if err != nil {
		return err
	}
	e.main = img

	opt32, ok := file.NtHeader.OptionalHeader.(pe.ImageOptionalHeader32)
	if !ok {
		return errors.New("emulator: only PE32 (32-bit) optional headers are supported")
	}

	e.cpu.SetEIP(img.Base + opt32.AddressOfEntryPoint)

	stackTop := DefaultStackTop
	if stackTop >= e.mem.Size() {
		stackTop = e.mem.Size() - DefaultStackGuard
	}
	e.cpu.SetReg32(cpu.RegESP, stackTop)
	e.cpu.SetReg32(cpu.RegEBP, stackTop)

	e.logger.Infof("bound main image %q at base=0x%08x entry=0x%08x", name, img.Base, e.cpu.EIP())
	return nil
}

// PatchIATs rewrites IAT slots whose (dll, function) has a host-supplied
// stub, so cross-DLL calls dispatch into the stub trampoline rather than
// unimplemented native code. Must be called once, after LoadMain.
func (e *Emulator) PatchIATs(stubs map[loader.StubKey]uint32) error {
	return e.ldr.PatchIATs(stubs)
}

// CPU exposes the bound interpreter so the host can install
// InterruptHandler/ExceptionHandler callbacks and set FS/GS bases before
// running.
func (e *Emulator) CPU() *cpu.CPU { return e.cpu }

// Memory exposes the guest address space for host-side peeks/pokes.
func (e *Emulator) Memory() *memory.Memory { return e.mem }

// MainImage returns the bound main executable's placement, or nil if
// LoadMain/LoadMainBytes has not been called.
func (e *Emulator) MainImage() *loader.LoadedImage { return e.main }

// FindImageForAddr is the reverse lookup used for debugging and stub
// dispatch: which loaded image (if any) owns addr.
func (e *Emulator) FindImageForAddr(addr uint32) *loader.LoadedImage {
	return e.ldr.FindImageForAddr(addr)
}

// GetExport looks up a named or ordinal export on a loaded DLL.
func (e *Emulator) GetExport(dll, name string) (uint32, bool) {
	return e.ldr.GetExport(dll, name)
}

// Run executes up to maxSteps guest instructions starting from the
// current EIP. A maxSteps of 0 means unbounded (bounded only by HLT or an
// unhandled exception).
func (e *Emulator) Run(maxSteps uint64) error {
	if e.main == nil {
		return ErrNoMainImage
	}
	return e.cpu.Run(maxSteps)
}

// Trace returns the CPU's recorded instruction trace, oldest first.
func (e *Emulator) Trace() []cpu.TraceEntry { return e.cpu.Trace() }
