package emulator

import (
	"encoding/binary"
	"testing"

	"github.com/ia32emu/peemu/cpu"
	"github.com/ia32emu/peemu/pe"
)

// minimalExe assembles a single-section PE32 image whose section contains
// code bytes at its RVA, mirroring the builder the loader package tests use
// (the pe package's own peBuilder is unexported test-only, so each
// collaborator package keeps its own small byte-level builder).
type minimalExe struct {
	imageBase  uint32
	sectionRVA uint32
	code       []byte
}

func align(v, to uint32) uint32 {
	if v%to == 0 {
		return v
	}
	return (v/to + 1) * to
}

func (b *minimalExe) bytes() []byte {
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

	buf := make([]byte, sectionFileOffset+align(uint32(len(b.code)), fileAlignment))

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
	sizeOfImage := align(b.sectionRVA+uint32(len(b.code)), sectionAlignment)
	binary.LittleEndian.PutUint32(buf[oh+56:oh+60], sizeOfImage)
	binary.LittleEndian.PutUint32(buf[oh+60:oh+64], sizeOfHeaders)
	binary.LittleEndian.PutUint16(buf[oh+68:oh+70], pe.ImageSubsystemWindowsCUI)
	binary.LittleEndian.PutUint32(buf[oh+92:oh+96], 16)

	sh := oh + optHeaderSize
	copy(buf[sh:sh+8], []byte(".text"))
	binary.LittleEndian.PutUint32(buf[sh+8:sh+12], uint32(len(b.code)))
	binary.LittleEndian.PutUint32(buf[sh+12:sh+16], b.sectionRVA)
	binary.LittleEndian.PutUint32(buf[sh+16:sh+20], align(uint32(len(b.code)), fileAlignment))
	binary.LittleEndian.PutUint32(buf[sh+20:sh+24], sectionFileOffset)
	binary.LittleEndian.PutUint32(buf[sh+36:sh+40], 0xe0000020) // CODE | EXECUTE | READ

	copy(buf[sectionFileOffset:], b.code)
	return buf
}

func TestLoadMainBytesSetsEntryAndRuns(t *testing.T) {
	code := []byte{
		0xB8, 0x05, 0x00, 0x00, 0x00, // MOV EAX, 5
		0xB9, 0x07, 0x00, 0x00, 0x00, // MOV ECX, 7
		0x01, 0xC8, // ADD EAX, ECX
		0xF4, // HLT
	}
	img := (&minimalExe{imageBase: 0x00400000, sectionRVA: 0x1000, code: code}).bytes()

	e := New(nil)
	if err := e.LoadMainBytes("main.exe", img); err != nil {
		t.Fatalf("LoadMainBytes failed: %v", err)
	}

	if got, want := e.MainImage().Base, uint32(0x00400000); got != want {
		t.Errorf("main image base got %#x, want %#x", got, want)
	}
	if got, want := e.CPU().EIP(), e.MainImage().Base+0x1000; got != want {
		t.Errorf("EIP got %#x, want %#x (base+entry RVA)", got, want)
	}

	if err := e.Run(0); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !e.CPU().Halted {
		t.Fatal("expected CPU halted after HLT")
	}
	if got := e.CPU().Reg32(cpu.RegEAX); got != 12 {
		t.Errorf("EAX got %d, want 12", got)
	}
}

func TestRunWithoutMainImageFails(t *testing.T) {
	e := New(nil)
	if err := e.Run(10); err != ErrNoMainImage {
		t.Errorf("got %v, want ErrNoMainImage", err)
	}
}

func TestFindImageForAddrFindsMainImage(t *testing.T) {
	code := []byte{0xF4} // HLT
	img := (&minimalExe{imageBase: 0x00400000, sectionRVA: 0x1000, code: code}).bytes()

	e := New(nil)
	if err := e.LoadMainBytes("main.exe", img); err != nil {
		t.Fatalf("LoadMainBytes failed: %v", err)
	}

	found := e.FindImageForAddr(e.MainImage().Base + 0x1000)
	if found == nil {
		t.Fatal("expected to find the main image")
	}
	if found.Name != "main.exe" {
		t.Errorf("got %q, want main.exe", found.Name)
	}

	if e.FindImageForAddr(0xFFFFFFFF) != nil {
		t.Error("expected no image found for an unmapped address")
	}
}
