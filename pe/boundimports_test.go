// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"encoding/binary"
	"reflect"
	"testing"
)

// buildBoundImportDirectory lays out one IMAGE_BOUND_IMPORT_DESCRIPTOR with a
// single forwarded ref, terminated by a zero-filled descriptor, followed by
// the module name strings the OffsetModuleName fields point to.
//
// parseBoundImportDirectory reads its very first descriptor at a raw file
// offset equal to the directory RVA (rather than converting RVA to file
// offset), so the caller must place this directory in a section whose
// VirtualAddress equals its file offset - singleSectionFileOffset does
// exactly that for a single-section image, provided SectionAlignment is
// lowered to the file alignment (a larger SectionAlignment rounds that
// VirtualAddress down to 0).
func buildBoundImportDirectory() []byte {
	const dllNameOff = 24
	const fwdNameOff = dllNameOff + 13 // len("MSVCRT40.dll\x00")

	dllName := "MSVCRT40.dll"
	fwdName := "msvcrt.DLL"

	buf := make([]byte, fwdNameOff+uint32(len(fwdName))+1)

	binary.LittleEndian.PutUint32(buf[0:4], 0x31CB50F3) // desc TimeDateStamp
	binary.LittleEndian.PutUint16(buf[4:6], dllNameOff)  // desc OffsetModuleName
	binary.LittleEndian.PutUint16(buf[6:8], 1)           // desc NumberOfModuleForwarderRefs

	binary.LittleEndian.PutUint32(buf[8:12], 0x3B7DFE0E) // forwarder TimeDateStamp
	binary.LittleEndian.PutUint16(buf[12:14], fwdNameOff) // forwarder OffsetModuleName
	// Reserved, forwarder[14:16], left zero.

	// buf[16:24] is the zero-filled terminator descriptor.

	copy(buf[dllNameOff:], dllName)
	copy(buf[fwdNameOff:], fwdName)

	return buf
}

func TestBoundImportDirectory(t *testing.T) {
	blob := buildBoundImportDirectory()

	b := newPEBuilder().
		addSection(".bound", singleSectionFileOffset, blob, 0x40000040).
		setDataDirectory(ImageDirectoryEntryBoundImport, singleSectionFileOffset, uint32(len(blob)))
	b.sectionAlignment = b.fileAlignment

	file := b.open(t)
	if err := file.Parse(); err != nil {
		t.Fatalf("Parse failed, reason: %v", err)
	}

	if len(file.BoundImports) != 1 {
		t.Fatalf("bound imports count got %v, want 1", len(file.BoundImports))
	}

	want := BoundImportDescriptorData{
		Struct: ImageBoundImportDescriptor{
			TimeDateStamp:               0x31CB50F3,
			OffsetModuleName:            24,
			NumberOfModuleForwarderRefs: 1,
		},
		Name: "MSVCRT40.dll",
		ForwardedRefs: []BoundForwardedRefData{
			{
				Struct: ImageBoundForwardedRef{
					TimeDateStamp:    0x3B7DFE0E,
					OffsetModuleName: 37,
					Reserved:         0,
				},
				Name: "msvcrt.DLL",
			},
		},
	}

	if !reflect.DeepEqual(file.BoundImports[0], want) {
		t.Errorf("bound import entry got %+v, want %+v", file.BoundImports[0], want)
	}
}
