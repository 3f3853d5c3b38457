package loader

import (
	"encoding/binary"
	"testing"

	"github.com/ia32emu/peemu/memory"
	"github.com/ia32emu/peemu/pe"
)

// minimalPE assembles a single-section PE32 image byte-for-byte, mirroring
// the pe package's own testbuilder_test.go peBuilder since that helper is
// unexported and package-private.
type minimalPE struct {
	imageBase   uint32
	sectionRVA  uint32
	sectionData []byte
	dllChar     uint16
	dataDirs    [16]pe.DataDirectory
}

func (b *minimalPE) setDataDirectory(entry pe.ImageDirectoryEntry, rva, size uint32) {
	b.dataDirs[entry] = pe.DataDirectory{VirtualAddress: rva, Size: size}
}

func align(v, to uint32) uint32 {
	if v%to == 0 {
		return v
	}
	return (v/to + 1) * to
}

func (b *minimalPE) bytes() []byte {
	const dosHeaderSize = 64
	const fileAlignment = 0x200
	const sectionAlignment = 0x1000
	fileHeaderSize := uint32(20)
	optHeaderSize := uint32(96 + 16*8)
	sectionHeaderSize := uint32(40)

	ntHeaderOffset := uint32(dosHeaderSize)
	headersEnd := ntHeaderOffset + 4 + fileHeaderSize + optHeaderSize + sectionHeaderSize
	sizeOfHeaders := align(headersEnd, fileAlignment)
	sectionFileOffset := sizeOfHeaders

	buf := make([]byte, sectionFileOffset+align(uint32(len(b.sectionData)), fileAlignment))

	binary.LittleEndian.PutUint16(buf[0:2], pe.ImageDOSSignature)
	binary.LittleEndian.PutUint32(buf[0x3c:0x40], ntHeaderOffset)
	binary.LittleEndian.PutUint32(buf[ntHeaderOffset:ntHeaderOffset+4], pe.ImageNTSignature)

	fh := ntHeaderOffset + 4
	binary.LittleEndian.PutUint16(buf[fh:fh+2], pe.ImageFileMachineI386)
	binary.LittleEndian.PutUint16(buf[fh+2:fh+4], 1) // NumberOfSections
	binary.LittleEndian.PutUint16(buf[fh+16:fh+18], uint16(optHeaderSize))
	binary.LittleEndian.PutUint16(buf[fh+18:fh+20], pe.ImageFileExecutableImage|pe.ImageFile32BitMachine)

	oh := fh + fileHeaderSize
	binary.LittleEndian.PutUint16(buf[oh:oh+2], pe.ImageNtOptionalHeader32Magic)
	binary.LittleEndian.PutUint32(buf[oh+16:oh+20], b.sectionRVA) // AddressOfEntryPoint
	binary.LittleEndian.PutUint32(buf[oh+28:oh+32], b.imageBase)
	binary.LittleEndian.PutUint32(buf[oh+32:oh+36], sectionAlignment)
	binary.LittleEndian.PutUint32(buf[oh+36:oh+40], fileAlignment)
	sizeOfImage := align(b.sectionRVA+uint32(len(b.sectionData)), sectionAlignment)
	binary.LittleEndian.PutUint32(buf[oh+56:oh+60], sizeOfImage)
	binary.LittleEndian.PutUint32(buf[oh+60:oh+64], sizeOfHeaders)
	binary.LittleEndian.PutUint16(buf[oh+68:oh+70], pe.ImageSubsystemWindowsCUI)
	binary.LittleEndian.PutUint16(buf[oh+70:oh+72], b.dllChar)
	binary.LittleEndian.PutUint32(buf[oh+92:oh+96], 16)

	dd := oh + 96
	for i, d := range b.dataDirs {
		binary.LittleEndian.PutUint32(buf[dd+uint32(i)*8:dd+uint32(i)*8+4], d.VirtualAddress)
		binary.LittleEndian.PutUint32(buf[dd+uint32(i)*8+4:dd+uint32(i)*8+8], d.Size)
	}

	sh := oh + optHeaderSize
	copy(buf[sh:sh+8], []byte(".text"))
	binary.LittleEndian.PutUint32(buf[sh+8:sh+12], uint32(len(b.sectionData)))
	binary.LittleEndian.PutUint32(buf[sh+12:sh+16], b.sectionRVA)
	binary.LittleEndian.PutUint32(buf[sh+16:sh+20], align(uint32(len(b.sectionData)), fileAlignment))
	binary.LittleEndian.PutUint32(buf[sh+20:sh+24], sectionFileOffset)
	binary.LittleEndian.PutUint32(buf[sh+36:sh+40], 0xe0000040)

	copy(buf[sectionFileOffset:], b.sectionData)
	return buf
}

// buildExportingDLL returns the bytes of a PE32 image exporting a single
// named function at entryRVA. Layout: a 40-byte ImageExportDirectory,
// followed by a 1-entry address table, a 1-entry name-pointer table, a
// 1-entry ordinal table, the DLL name string, then the function name
// string - all RVAs relative to sectionRVA.
func buildExportingDLL(imageBase, sectionRVA uint32, fnName string, entryRVA uint32) []byte {
	const exportDirSize = 40

	functionsRVA := sectionRVA + exportDirSize
	namesRVA := functionsRVA + 4
	ordinalsRVA := namesRVA + 4
	dllNameRVA := ordinalsRVA + 2
	fnNameRVA := dllNameRVA + uint32(len("dep.dll")) + 1

	size := fnNameRVA + uint32(len(fnName)) + 1 - sectionRVA
	data := make([]byte, size)

	binary.LittleEndian.PutUint32(data[12:16], dllNameRVA) // Name
	binary.LittleEndian.PutUint32(data[20:24], 1)           // NumberOfFunctions
	binary.LittleEndian.PutUint32(data[24:28], 1)           // NumberOfNames
	binary.LittleEndian.PutUint32(data[28:32], functionsRVA)
	binary.LittleEndian.PutUint32(data[32:36], namesRVA)
	binary.LittleEndian.PutUint32(data[36:40], ordinalsRVA)

	binary.LittleEndian.PutUint32(data[functionsRVA-sectionRVA:], entryRVA)
	binary.LittleEndian.PutUint32(data[namesRVA-sectionRVA:], fnNameRVA)
	binary.LittleEndian.PutUint16(data[ordinalsRVA-sectionRVA:], 0)
	copy(data[dllNameRVA-sectionRVA:], "dep.dll\x00")
	copy(data[fnNameRVA-sectionRVA:], fnName+"\x00")

	b := &minimalPE{imageBase: imageBase, sectionRVA: sectionRVA, sectionData: data}
	b.setDataDirectory(pe.ImageDirectoryEntryExport, sectionRVA, uint32(len(data)))
	return b.bytes()
}

// buildImportingEXE returns the bytes of a PE32 image importing fnName from
// dllName through a single descriptor. Layout: a real descriptor, an
// all-zero terminator descriptor, a 2-entry (1 real + 1 zero terminator)
// ILT, a matching IAT, then the hint/name and DLL name strings.
func buildImportingEXE(imageBase, sectionRVA uint32, dllName, fnName string) []byte {
	const descSize = 20
	descOff := uint32(0)
	termOff := descSize
	iltOff := uint32(termOff) + descSize
	iatOff := iltOff + 8
	hintNameOff := iatOff + 8
	nameOff := hintNameOff + 2 + uint32(len(fnName)) + 1
	size := nameOff + uint32(len(dllName)) + 1

	data := make([]byte, size)
	ilt := sectionRVA + iltOff
	iat := sectionRVA + iatOff
	hintNameRVA := sectionRVA + hintNameOff
	nameRVA := sectionRVA + nameOff

	binary.LittleEndian.PutUint32(data[descOff:descOff+4], ilt)
	binary.LittleEndian.PutUint32(data[descOff+12:descOff+16], nameRVA)
	binary.LittleEndian.PutUint32(data[descOff+16:descOff+20], iat)

	binary.LittleEndian.PutUint32(data[iltOff:], hintNameRVA)
	binary.LittleEndian.PutUint32(data[iatOff:], hintNameRVA)

	binary.LittleEndian.PutUint16(data[hintNameOff:], 0)
	copy(data[hintNameOff+2:], fnName+"\x00")
	copy(data[nameOff:], dllName+"\x00")

	b := &minimalPE{imageBase: imageBase, sectionRVA: sectionRVA, sectionData: data}
	b.setDataDirectory(pe.ImageDirectoryEntryImport, sectionRVA, descSize*2)
	return b.bytes()
}

func openParsed(t *testing.T, data []byte) *pe.File {
	t.Helper()
	f, err := pe.NewBytes(data, nil)
	if err != nil {
		t.Fatalf("NewBytes failed: %v", err)
	}
	if err := f.Parse(); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return f
}

func TestBindMainResolvesDirectExport(t *testing.T) {
	dep := buildExportingDLL(0x10000000, 0x1000, "DepFunc", 0x2000)
	main := buildImportingEXE(0x00400000, 0x1000, "dep.dll", "DepFunc")

	mem := memory.New(0x12000000)
	l := New(mem, nil)

	depFile := openParsed(t, dep)
	if _, err := l.loadParsed("dep.dll", depFile); err != nil {
		t.Fatalf("loadParsed(dep.dll) failed: %v", err)
	}

	mainFile := openParsed(t, main)
	mainImg, err := l.BindMain("main.exe", mainFile)
	if err != nil {
		t.Fatalf("BindMain failed: %v", err)
	}

	imp := mainFile.Imports[0]
	fn := imp.Functions[0]
	iatAddr := mainImg.Base + fn.ThunkRVA

	got, err := mem.Read32(iatAddr)
	if err != nil {
		t.Fatalf("Read32 failed: %v", err)
	}

	depImg := l.loaded[key("dep.dll")]
	want := depImg.Base + 0x2000
	if got != want {
		t.Errorf("IAT slot got %#x, want %#x", got, want)
	}
}

func TestFindAvailableBasePrefersPreferred(t *testing.T) {
	mem := memory.New(0x100)
	l := New(mem, nil)

	base, err := l.findAvailableBase(0x10000000)
	if err != nil {
		t.Fatalf("findAvailableBase failed: %v", err)
	}
	if base != 0x10000000 {
		t.Errorf("got base %#x, want 0x10000000", base)
	}

	l.intervals = append(l.intervals, interval{name: "a", base: 0x10000000, end: 0x10000000 + l.opts.SlotSize - 1})

	base2, err := l.findAvailableBase(0x10000000)
	if err != nil {
		t.Fatalf("findAvailableBase failed: %v", err)
	}
	if base2 != 0x10000000+l.opts.SlotSize {
		t.Errorf("got base %#x, want next free slot", base2)
	}
}

func TestAddressIntervalsDisjoint(t *testing.T) {
	mem := memory.New(0x12000000)
	l := New(mem, nil)

	a := buildExportingDLL(0x10000000, 0x1000, "A", 0x2000)
	bDLL := buildExportingDLL(0x10000000, 0x1000, "B", 0x2000) // same preferred base forces relocation

	if _, err := l.loadParsed("a.dll", openParsed(t, a)); err != nil {
		t.Fatalf("loadParsed(a.dll) failed: %v", err)
	}
	if _, err := l.loadParsed("b.dll", openParsed(t, bDLL)); err != nil {
		t.Fatalf("loadParsed(b.dll) failed: %v", err)
	}

	imgA := l.loaded[key("a.dll")]
	imgB := l.loaded[key("b.dll")]
	if imgA.Base == imgB.Base {
		t.Fatalf("expected distinct bases, both got %#x", imgA.Base)
	}
	if imgA.Base <= imgB.Base && imgA.Base+imgA.Size > imgB.Base {
		t.Errorf("intervals overlap: a=[%#x,%#x) b=[%#x,%#x)",
			imgA.Base, imgA.Base+imgA.Size, imgB.Base, imgB.Base+imgB.Size)
	}
}

// buildRelocatableDLL returns the bytes of a PE32 image carrying a single
// HIGHLOW relocation entry that targets a 32-bit pointer baked into the
// section at sectionRVA, assuming the image loaded at its preferred
// imageBase. Layout: the 4-byte pointer value, then an ImageBaseRelocation
// block header (VirtualAddress=sectionRVA, SizeOfBlock=10) and its single
// packed entry word (type HIGHLOW, page offset 0).
func buildRelocatableDLL(imageBase, sectionRVA, pointedRVA uint32) []byte {
	const (
		pointerSize = 4
		headerSize  = 8
		entrySize   = 2
	)
	data := make([]byte, pointerSize+headerSize+entrySize)

	binary.LittleEndian.PutUint32(data[0:4], imageBase+pointedRVA)
	binary.LittleEndian.PutUint32(data[4:8], sectionRVA) // ImageBaseRelocation.VirtualAddress
	binary.LittleEndian.PutUint32(data[8:12], headerSize+entrySize)
	binary.LittleEndian.PutUint16(data[12:14], uint16(pe.ImageRelBasedHighLow)<<12)

	b := &minimalPE{imageBase: imageBase, sectionRVA: sectionRVA, sectionData: data}
	b.setDataDirectory(pe.ImageDirectoryEntryBaseReloc, sectionRVA+pointerSize, headerSize+entrySize)
	return b.bytes()
}

func TestApplyRelocationsRewritesHighLow(t *testing.T) {
	const (
		imageBase  = 0x10000000
		sectionRVA = 0x1000
		pointedRVA = 0x2000 // arbitrary RVA the baked pointer refers to
	)

	// A first image pins imageBase's preferred slot, so the relocatable
	// image below is forced to load elsewhere and applyRelocations runs.
	blocker := buildExportingDLL(imageBase, sectionRVA, "Blocker", 0x3000)
	relocatee := buildRelocatableDLL(imageBase, sectionRVA, pointedRVA)

	mem := memory.New(0x12000000)
	l := New(mem, nil)

	if _, err := l.loadParsed("blocker.dll", openParsed(t, blocker)); err != nil {
		t.Fatalf("loadParsed(blocker.dll) failed: %v", err)
	}
	img, err := l.loadParsed("relocatee.dll", openParsed(t, relocatee))
	if err != nil {
		t.Fatalf("loadParsed(relocatee.dll) failed: %v", err)
	}
	if img.Base == imageBase {
		t.Fatalf("expected relocatee.dll to be relocated away from its preferred base %#x", imageBase)
	}

	got, err := mem.Read32(img.Base + sectionRVA)
	if err != nil {
		t.Fatalf("Read32 failed: %v", err)
	}
	want := img.Base + pointedRVA
	if got != want {
		t.Errorf("relocated pointer got %#x, want %#x (base %#x + delta applied)", got, want, img.Base)
	}
}

func TestBindImportsResolvesThroughForwarder(t *testing.T) {
	// "api-ms-win-core-rtlsupport-*" forwards through ntdll/kernel32 per
	// forwarderTable; ntdll is loaded directly (never resolved from disk)
	// and the api-ms-win-* name is never loaded at all. resolveImport tries
	// forwarderCandidates before its scan of the other loaded images, so
	// the import resolves through it to ntdll's export.
	const fnName = "RtlInitUnicodeString"
	const forwarderDLL = "api-ms-win-core-rtlsupport-l1-1-0.dll"

	host := buildExportingDLL(0x60000000, 0x1000, fnName, 0x4000)
	app := buildImportingEXE(0x00400000, 0x1000, forwarderDLL, fnName)

	mem := memory.New(0x12000000)
	l := New(mem, nil)

	if _, err := l.loadParsed("ntdll", openParsed(t, host)); err != nil {
		t.Fatalf("loadParsed(ntdll) failed: %v", err)
	}

	appFile := openParsed(t, app)
	appImg, err := l.BindMain("app.exe", appFile)
	if err != nil {
		t.Fatalf("BindMain failed: %v", err)
	}

	imp := appFile.Imports[0]
	if imp.Name != forwarderDLL {
		t.Fatalf("expected import DLL %q, got %q", forwarderDLL, imp.Name)
	}
	fn := imp.Functions[0]
	iatAddr := appImg.Base + fn.ThunkRVA

	got, err := mem.Read32(iatAddr)
	if err != nil {
		t.Fatalf("Read32 failed: %v", err)
	}

	hostImg := l.loaded[key("ntdll")]
	want := hostImg.Base + 0x4000
	if got != want {
		t.Errorf("IAT slot got %#x, want %#x (resolved through forwarderCandidates to ntdll)", got, want)
	}
}
