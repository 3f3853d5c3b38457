// Package loader places parsed PE images into a guest Memory, applies base
// relocations, indexes exports, and recursively binds import tables across
// the set of images sharing that address space.
package loader

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/ia32emu/peemu/internal/log"
	"github.com/ia32emu/peemu/memory"
	"github.com/ia32emu/peemu/pe"
)

var (
	// ErrNoAddressSpace is returned when no free slot of the required size
	// can be found below MaxAddress.
	ErrNoAddressSpace = errors.New("no free address space for image placement")

	// ErrImageNotFound is returned when a dependency DLL cannot be located
	// in any of the configured search directories.
	ErrImageNotFound = errors.New("image not found in search directories")
)

const (
	// DefaultSlotSize is the fixed per-image address-space reservation.
	DefaultSlotSize uint32 = 16 * 1024 * 1024

	// DefaultBaseFloor is the lowest address the loader will place a DLL at
	// when its preferred base is unusable or occupied.
	DefaultBaseFloor uint32 = 0x10000000

	// DefaultMaxAddress bounds the region the loader scans for a free slot.
	DefaultMaxAddress uint32 = 0x40000000
)

// Options configures a Loader.
type Options struct {
	// SlotSize is the fixed address-space reservation per image.
	SlotSize uint32

	// BaseFloor is the lowest candidate address scanned for a free slot.
	BaseFloor uint32

	// MaxAddress bounds the scan for a free slot.
	MaxAddress uint32

	// SearchDirs are attempted in order, case-insensitive on the leaf
	// filename, to resolve a dependency DLL name to a file on disk.
	SearchDirs []string

	// Logger overrides the default stdout logger.
	Logger log.Logger
}

// StubKey identifies a (dll, function) pair eligible for host-shim
// patching via PatchIATs.
type StubKey struct {
	DLL      string
	Function string
}

// interval is one entry of the address-space partition enforced by
// findAvailableBase.
type interval struct {
	name string
	base uint32
	end  uint32 // inclusive
}

// iatWrite records one resolved IAT slot so PatchIATs can later rewrite it.
type iatWrite struct {
	addr     uint32
	dll      string
	function string
}

// LoadedImage is a placed pe.File plus its runtime state.
type LoadedImage struct {
	Name    string
	Base    uint32
	Size    uint32
	Exports map[string]uint32
	File    *pe.File
}

// Loader owns the address-space partition and the cache of already-loaded
// images; it is the sole mutator of the Memory it was constructed with.
type Loader struct {
	mem       *memory.Memory
	opts      *Options
	loaded    map[string]*LoadedImage // keyed by case-folded name
	intervals []interval
	iatWrites []iatWrite
	logger    *log.Helper
}

// New constructs a Loader writing into mem.
func New(mem *memory.Memory, opts *Options) *Loader {
	if opts == nil {
		opts = &Options{}
	}
	if opts.SlotSize == 0 {
		opts.SlotSize = DefaultSlotSize
	}
	if opts.BaseFloor == 0 {
		opts.BaseFloor = DefaultBaseFloor
	}
	if opts.MaxAddress == 0 {
		opts.MaxAddress = DefaultMaxAddress
	}

	var logger log.Logger
	if opts.Logger == nil {
		logger = log.NewStdLogger(os.Stdout)
	} else {
		logger = opts.Logger
	}

	return &Loader{
		mem:    mem,
		opts:   opts,
		loaded: make(map[string]*LoadedImage),
		logger: log.NewHelper(log.NewFilter(logger, log.FilterLevel(log.LevelWarn))),
	}
}

func key(name string) string {
	return strings.ToLower(filepath.Base(name))
}

func imageBase32(f *pe.File) uint32 {
	return f.NtHeader.OptionalHeader.(pe.ImageOptionalHeader32).ImageBase
}

// findAvailableBase tests the preferred base first, then scans upward in
// SlotSize steps from BaseFloor.
func (l *Loader) findAvailableBase(preferred uint32) (uint32, error) {
	if preferred >= l.opts.BaseFloor && preferred < l.opts.MaxAddress &&
		!l.intersects(preferred, preferred+l.opts.SlotSize-1) {
		return preferred, nil
	}

	for base := l.opts.BaseFloor; base < l.opts.MaxAddress; base += l.opts.SlotSize {
		if !l.intersects(base, base+l.opts.SlotSize-1) {
			return base, nil
		}
	}
	return 0, ErrNoAddressSpace
}

func (l *Loader) intersects(base, end uint32) bool {
	for _, iv := range l.intervals {
		if base <= iv.end && end >= iv.base {
			return true
		}
	}
	return false
}

// FindImageForAddr reverse-looks-up the image owning addr, for debugging
// and stub dispatch. Intervals are few, so a linear scan suffices.
func (l *Loader) FindImageForAddr(addr uint32) *LoadedImage {
	for _, iv := range l.intervals {
		if addr >= iv.base && addr <= iv.end {
			return l.loaded[key(iv.name)]
		}
	}
	return nil
}

// GetExport resolves name (or "Ordinal #N") against an already-loaded dll.
func (l *Loader) GetExport(dll, name string) (uint32, bool) {
	img, ok := l.loaded[key(dll)]
	if !ok {
		return 0, false
	}
	addr, ok := img.Exports[name]
	return addr, ok
}

// BindMain places the already-parsed main image at its own preferred base
// (the DLL base floor and slot scan do not apply to it) and recursively
// binds its import tree.
func (l *Loader) BindMain(name string, file *pe.File) (*LoadedImage, error) {
	preferred := imageBase32(file)
	return l.place(name, file, preferred, preferred)
}

// Load resolves name against the search directories, parses it, and binds
// it (and its transitive dependencies) into the address space. Cycles are
// broken by the loaded cache: a DLL that imports back into one of its own
// ancestors reuses the partially-initialized LoadedImage already registered
// -- exports are always indexed before imports are bound, so the cycle sees
// a consistent export table.
func (l *Loader) Load(name string) (*LoadedImage, error) {
	k := key(name)
	if img, ok := l.loaded[k]; ok {
		return img, nil
	}

	path, err := l.resolve(name)
	if err != nil {
		return nil, err
	}

	file, err := pe.New(path, &pe.Options{Fast: false})
	if err != nil {
		return nil, err
	}
	if err := file.Parse(); err != nil {
		return nil, err
	}

	return l.loadParsed(name, file)
}

func (l *Loader) resolve(name string) (string, error) {
	want := strings.ToLower(filepath.Base(name))
	for _, dir := range l.opts.SearchDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if strings.ToLower(e.Name()) == want {
				return filepath.Join(dir, e.Name()), nil
			}
		}
	}
	return "", ErrImageNotFound
}

// loadParsed picks a free slot for an already-open pe.File and places it
// there.
func (l *Loader) loadParsed(name string, file *pe.File) (*LoadedImage, error) {
	preferred := imageBase32(file)
	base, err := l.findAvailableBase(preferred)
	if err != nil {
		return nil, err
	}
	return l.place(name, file, base, preferred)
}

// place puts an already-open pe.File at base, copies its sections, applies
// relocations, indexes its exports, registers it in the cache (breaking
// cycles for any importer that loads it back), then binds its own imports.
func (l *Loader) place(name string, file *pe.File, base, preferred uint32) (*LoadedImage, error) {
	k := key(name)

	img := &LoadedImage{
		Name:    name,
		Base:    base,
		Size:    l.opts.SlotSize,
		Exports: make(map[string]uint32),
		File:    file,
	}

	l.intervals = append(l.intervals, interval{name: name, base: base, end: base + l.opts.SlotSize - 1})
	l.loaded[k] = img

	if err := l.copySections(img); err != nil {
		return nil, err
	}
	if base != preferred {
		if err := l.applyRelocations(img, preferred); err != nil {
			return nil, err
		}
	}
	l.indexExports(img)

	if err := l.bindImports(img); err != nil {
		return nil, err
	}

	return img, nil
}

// copySections writes each section's initialized bytes at base+VirtualAddress.
// The uninitialized tail (VirtualSize > len(data)) is left zero because the
// underlying Memory buffer starts zeroed.
func (l *Loader) copySections(img *LoadedImage) error {
	for _, s := range img.File.Sections {
		h := s.Header
		if h.VirtualSize == 0 {
			continue
		}
		data, err := img.File.GetData(h.VirtualAddress, h.SizeOfRawData)
		if err != nil {
			continue
		}
		if uint32(len(data)) > h.VirtualSize {
			data = data[:h.VirtualSize]
		}
		if len(data) == 0 {
			continue
		}
		if err := l.mem.Load(img.Base+h.VirtualAddress, data); err != nil {
			return err
		}
	}
	return nil
}

// applyRelocations rewrites every HIGHLOW (type 3) entry by the load delta.
// Type 0 (ABS, padding) is skipped; other types are logged and left
// unapplied, per the source's observed behavior.
func (l *Loader) applyRelocations(img *LoadedImage, preferred uint32) error {
	delta := img.Base - preferred

	for _, reloc := range img.File.Relocations {
		for _, e := range reloc.Entries {
			rva := reloc.Data.VirtualAddress + uint32(e.Offset)
			switch e.Type {
			case pe.ImageRelBasedAbsolute:
				continue
			case pe.ImageRelBasedHighLow:
				addr := img.Base + rva
				v, err := l.mem.Read32(addr)
				if err != nil {
					return err
				}
				if err := l.mem.Write32(addr, v+delta); err != nil {
					return err
				}
			default:
				l.logger.Warnf("%s: unapplied relocation type %d at rva %#x", img.Name, e.Type, rva)
			}
		}
	}
	return nil
}

// indexExports populates img.Exports with name -> guest address for every
// named export and "Ordinal #N" -> guest address for every export. Name
// collisions keep the first entry.
func (l *Loader) indexExports(img *LoadedImage) {
	for _, fn := range img.File.Export.Functions {
		addr := img.Base + fn.FunctionRVA
		ordinalKey := ordinalName(fn.Ordinal)
		if _, exists := img.Exports[ordinalKey]; !exists {
			img.Exports[ordinalKey] = addr
		}
		if fn.Name != "" {
			if _, exists := img.Exports[fn.Name]; !exists {
				img.Exports[fn.Name] = addr
			}
		}
	}
}

func ordinalName(ordinal uint32) string {
	return "Ordinal #" + itoa(ordinal)
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// bindImports recursively loads every DLL this image imports and resolves
// each thunk to a guest address, in the order described in the source:
// (a) a direct export on the just-loaded DLL, (b) for api-ms-win-* names a
// forwarder table lookup, (c) a brute-force scan of every other loaded DLL.
func (l *Loader) bindImports(img *LoadedImage) error {
	for _, imp := range img.File.Imports {
		dep, err := l.Load(imp.Name)
		if err != nil {
			l.logger.Warnf("%s: could not load dependency %q: %v", img.Name, imp.Name, err)
			dep = nil
		}

		for _, fn := range imp.Functions {
			target, ok := l.resolveImport(dep, imp.Name, fn)
			if !ok {
				l.logger.Warnf("%s: unresolved import %s!%s", img.Name, imp.Name, importFnName(fn))
				continue
			}

			addr := img.Base + fn.ThunkRVA
			if err := l.mem.Write32(addr, target); err != nil {
				return err
			}
			l.iatWrites = append(l.iatWrites, iatWrite{addr: addr, dll: imp.Name, function: importFnName(fn)})
		}
	}
	return nil
}

func importFnName(fn pe.ImportFunction) string {
	if fn.ByOrdinal {
		return ordinalName(fn.Ordinal)
	}
	return fn.Name
}

func (l *Loader) resolveImport(dep *LoadedImage, dllName string, fn pe.ImportFunction) (uint32, bool) {
	name := importFnName(fn)

	if dep != nil {
		if addr, ok := dep.Exports[name]; ok {
			return addr, true
		}
	}

	for _, candidate := range forwarderCandidates(dllName) {
		if addr, ok := l.GetExport(candidate, name); ok {
			return addr, true
		}
	}

	for other, img := range l.loaded {
		if dep != nil && other == key(dep.Name) {
			continue
		}
		if addr, ok := img.Exports[name]; ok {
			return addr, true
		}
	}

	return 0, false
}

// forwarderCandidates returns, in priority order, the canonical host DLLs
// that an api-ms-win-* forwarder name resolves through. Non-forwarder
// names yield no candidates: resolution falls straight to the brute-force
// scan of every loaded DLL.
func forwarderCandidates(dllName string) []string {
	base := strings.ToLower(strings.TrimSuffix(filepath.Base(dllName), filepath.Ext(dllName)))
	if !strings.HasPrefix(base, "api-ms-win-") {
		return nil
	}
	for _, rule := range forwarderTable {
		if strings.HasPrefix(base, rule.prefix) {
			return rule.hosts
		}
	}
	return forwarderDefault
}

type forwarderRule struct {
	prefix string
	hosts  []string
}

var forwarderDefault = []string{"kernel32", "ntdll"}

// forwarderTable mirrors the fixed API-set forwarder policy: each
// api-ms-win-* prefix maps to the host DLLs that actually implement it,
// tried in order. Entries are matched in table order and the first prefix
// match wins; no prefix in the table is a prefix of another.
var forwarderTable = []forwarderRule{
	{"api-ms-win-core-rtlsupport-", []string{"ntdll", "kernel32"}},
	{"api-ms-win-core-processthreads-", []string{"kernel32", "ntdll"}},
	{"api-ms-win-core-synch-", []string{"kernel32", "ntdll"}},
	{"api-ms-win-core-file-", []string{"kernel32", "ntdll"}},
	{"api-ms-win-core-memory-", []string{"kernel32", "ntdll"}},
	{"api-ms-win-core-heap-", []string{"kernel32", "ntdll"}},
	{"api-ms-win-core-registry-", []string{"advapi32", "kernel32"}},
	{"api-ms-win-core-io-", []string{"kernel32", "ntdll"}},
	{"api-ms-win-core-handle-", []string{"kernel32", "ntdll"}},
	{"api-ms-win-core-errorhandling-", []string{"kernel32", "ntdll"}},
	{"api-ms-win-core-string-", []string{"kernel32", "ntdll"}},
	{"api-ms-win-core-localization-", []string{"kernel32", "ntdll"}},
	{"api-ms-win-core-sysinfo-", []string{"kernel32", "ntdll"}},
	{"api-ms-win-core-datetime-", []string{"kernel32", "ntdll"}},
	{"api-ms-win-core-libraryloader-", []string{"kernel32", "ntdll"}},
	{"api-ms-win-core-console-", []string{"kernel32"}},
	{"api-ms-win-security-", []string{"advapi32", "ntdll"}},
	{"api-ms-win-crt-", []string{"msvcrt"}},
	{"api-ms-win-shell-", []string{"shell32", "kernel32"}},
	{"api-ms-win-mm-", []string{"winmm", "kernel32"}},
	{"api-ms-win-gdi-", []string{"gdi32", "kernel32"}},
}

// PatchIATs rewrites any IAT slot previously written by bindImports whose
// (dll, function) has a host-shim stub, so cross-DLL calls dispatch into the
// stub trampoline instead of the (unimplemented) native code. Must be
// called once, after every image has been placed and bound.
func (l *Loader) PatchIATs(stubTable map[StubKey]uint32) error {
	for _, w := range l.iatWrites {
		stub, ok := stubTable[StubKey{DLL: strings.ToLower(w.dll), Function: w.function}]
		if !ok {
			continue
		}
		if err := l.mem.Write32(w.addr, stub); err != nil {
			return err
		}
	}
	return nil
}
