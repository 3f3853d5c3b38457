// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"encoding/binary"
	"testing"
)

// buildDelayImportDirectory lays out one IMAGE_DELAYLOAD_DESCRIPTOR followed
// by its name table (INT) and address table (IAT), each a single
// IMAGE_THUNK_DATA32 entry pointing at a hint/name pair, plus the DLL and
// function name strings, all relative to a section starting at sectionRVA.
func buildDelayImportDirectory(sectionRVA uint32, dllName, funcName string) []byte {
	const descSize = 32

	// The descriptor array is terminated by a zero-filled entry, exactly
	// like the regular import directory, so it needs a second (empty) slot
	// right after the real descriptor.
	intOff := uint32(descSize * 2)
	iatOff := intOff + 8 // one thunk (4 bytes) + terminator (4 bytes)
	hintNameOff := iatOff + 8
	dllNameOff := hintNameOff + 2 + uint32(len(funcName)) + 1

	buf := make([]byte, dllNameOff+uint32(len(dllName))+1)

	binary.LittleEndian.PutUint32(buf[0:4], 1)                          // Attributes
	binary.LittleEndian.PutUint32(buf[4:8], sectionRVA+dllNameOff)       // Name
	binary.LittleEndian.PutUint32(buf[16:20], sectionRVA+iatOff)         // ImportAddressTableRVA
	binary.LittleEndian.PutUint32(buf[20:24], sectionRVA+intOff)         // ImportNameTableRVA

	binary.LittleEndian.PutUint32(buf[intOff:], sectionRVA+hintNameOff)
	binary.LittleEndian.PutUint32(buf[iatOff:], sectionRVA+hintNameOff)

	// Hint/name entry: 2-byte hint followed by the null-terminated name.
	copy(buf[hintNameOff+2:], funcName)
	copy(buf[dllNameOff:], dllName)

	return buf
}

func TestDelayImportDirectory(t *testing.T) {
	const sectionRVA = 0x7000
	blob := buildDelayImportDirectory(sectionRVA, "kernel32.dll", "GetLogicalProcessorInformation")

	b := newPEBuilder().
		addSection(".didata", sectionRVA, blob, 0xc0000040).
		setDataDirectory(ImageDirectoryEntryDelayImport, sectionRVA, 32)

	file := b.open(t)
	if err := file.Parse(); err != nil {
		t.Fatalf("Parse failed, reason: %v", err)
	}

	if len(file.DelayImports) != 1 {
		t.Fatalf("delay imports count got %v, want 1", len(file.DelayImports))
	}

	di := file.DelayImports[0]
	if di.Name != "kernel32.dll" {
		t.Errorf("delay import name got %q, want %q", di.Name, "kernel32.dll")
	}
	if len(di.Functions) != 1 {
		t.Fatalf("delay import functions count got %v, want 1", len(di.Functions))
	}
	if di.Functions[0].Name != "GetLogicalProcessorInformation" {
		t.Errorf("delay import function name got %q, want %q",
			di.Functions[0].Name, "GetLogicalProcessorInformation")
	}
	if di.Descriptor.Attributes != 1 {
		t.Errorf("descriptor attributes got %v, want 1", di.Descriptor.Attributes)
	}
}
