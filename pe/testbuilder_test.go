// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import "encoding/binary"

// peBuilder assembles a minimal, valid PE32 image byte by byte so tests do
// not depend on real-world binaries on disk.
type peBuilder struct {
	imageBase        uint32
	sectionAlignment uint32
	fileAlignment    uint32
	characteristics  uint16
	dllChar          uint16
	sections         []builtSection
	dataDirs         [16]DataDirectory
}

type builtSection struct {
	name            string
	rva             uint32
	virtualSize     uint32
	fileOffset      uint32
	data            []byte
	characteristics uint32
}

func newPEBuilder() *peBuilder {
	return &peBuilder{
		imageBase:        0x00400000,
		sectionAlignment: 0x1000,
		fileAlignment:    0x200,
		characteristics:  ImageFileExecutableImage | ImageFile32BitMachine,
	}
}

func (b *peBuilder) addSection(name string, rva uint32, data []byte, characteristics uint32) *peBuilder {
	b.sections = append(b.sections, builtSection{
		name:            name,
		rva:             rva,
		virtualSize:     uint32(len(data)),
		data:            data,
		characteristics: characteristics,
	})
	return b
}

func (b *peBuilder) setDataDirectory(entry ImageDirectoryEntry, rva, size uint32) *peBuilder {
	b.dataDirs[entry] = DataDirectory{VirtualAddress: rva, Size: size}
	return b
}

func align(v, to uint32) uint32 {
	if to == 0 {
		return v
	}
	if v%to == 0 {
		return v
	}
	return (v/to + 1) * to
}

// bytes renders the image to a byte buffer: DOS header, NT headers, section
// table, then raw section data laid out at file-aligned offsets matching the
// declared RVAs (so RVA-to-offset translation in tests behaves sanely).
func (b *peBuilder) bytes() []byte {
	const dosHeaderSize = 64
	numSections := uint16(len(b.sections))
	fileHeaderSize := uint32(20)
	optHeaderSize := uint32(96 + 16*8)
	sectionHeaderSize := uint32(40)

	ntHeaderOffset := uint32(dosHeaderSize)
	headersEnd := ntHeaderOffset + 4 + fileHeaderSize + optHeaderSize + sectionHeaderSize*uint32(numSections)
	sizeOfHeaders := align(headersEnd, b.fileAlignment)

	// lay out section file offsets sequentially, file-aligned.
	fileOffset := sizeOfHeaders
	for i := range b.sections {
		b.sections[i].fileOffset = fileOffset
		fileOffset += align(uint32(len(b.sections[i].data)), b.fileAlignment)
	}

	buf := make([]byte, fileOffset)

	// DOS header.
	binary.LittleEndian.PutUint16(buf[0:2], ImageDOSSignature)
	binary.LittleEndian.PutUint32(buf[0x3c:0x40], ntHeaderOffset)

	// NT signature.
	binary.LittleEndian.PutUint32(buf[ntHeaderOffset:ntHeaderOffset+4], ImageNTSignature)

	// COFF file header.
	fh := ntHeaderOffset + 4
	binary.LittleEndian.PutUint16(buf[fh:fh+2], uint16(ImageFileMachineI386))
	binary.LittleEndian.PutUint16(buf[fh+2:fh+4], numSections)
	binary.LittleEndian.PutUint16(buf[fh+16:fh+18], uint16(optHeaderSize))
	binary.LittleEndian.PutUint16(buf[fh+18:fh+20], b.characteristics)

	// Optional header (PE32).
	oh := fh + fileHeaderSize
	binary.LittleEndian.PutUint16(buf[oh:oh+2], ImageNtOptionalHeader32Magic)
	binary.LittleEndian.PutUint32(buf[oh+16:oh+20], 0x1000) // AddressOfEntryPoint
	binary.LittleEndian.PutUint32(buf[oh+28:oh+32], b.imageBase)
	binary.LittleEndian.PutUint32(buf[oh+32:oh+36], b.sectionAlignment)
	binary.LittleEndian.PutUint32(buf[oh+36:oh+40], b.fileAlignment)
	var sizeOfImage uint32 = align(headersEnd, b.sectionAlignment)
	for _, s := range b.sections {
		end := align(s.rva+s.virtualSize, b.sectionAlignment)
		if end > sizeOfImage {
			sizeOfImage = end
		}
	}
	binary.LittleEndian.PutUint32(buf[oh+56:oh+60], sizeOfImage)
	binary.LittleEndian.PutUint32(buf[oh+60:oh+64], sizeOfHeaders)
	binary.LittleEndian.PutUint16(buf[oh+68:oh+70], ImageSubsystemWindowsCUI)
	binary.LittleEndian.PutUint16(buf[oh+70:oh+72], b.dllChar)
	binary.LittleEndian.PutUint32(buf[oh+92:oh+96], 16) // NumberOfRvaAndSizes

	dd := oh + 96
	for i, d := range b.dataDirs {
		binary.LittleEndian.PutUint32(buf[dd+uint32(i)*8:dd+uint32(i)*8+4], d.VirtualAddress)
		binary.LittleEndian.PutUint32(buf[dd+uint32(i)*8+4:dd+uint32(i)*8+8], d.Size)
	}

	// Section headers + raw data.
	sh := oh + optHeaderSize
	for i, s := range b.sections {
		off := sh + uint32(i)*sectionHeaderSize
		copy(buf[off:off+8], []byte(s.name))
		binary.LittleEndian.PutUint32(buf[off+8:off+12], s.virtualSize)
		binary.LittleEndian.PutUint32(buf[off+12:off+16], s.rva)
		binary.LittleEndian.PutUint32(buf[off+16:off+20], align(uint32(len(s.data)), b.fileAlignment))
		binary.LittleEndian.PutUint32(buf[off+20:off+24], s.fileOffset)
		binary.LittleEndian.PutUint32(buf[off+36:off+40], s.characteristics)

		copy(buf[s.fileOffset:s.fileOffset+uint32(len(s.data))], s.data)
	}

	return buf
}

func (b *peBuilder) open(t interface{ Fatalf(string, ...interface{}) }) *File {
	f, err := NewBytes(b.bytes(), nil)
	if err != nil {
		t.Fatalf("NewBytes failed: %v", err)
	}
	return f
}
