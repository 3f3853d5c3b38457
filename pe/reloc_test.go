// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"encoding/binary"
	"testing"
)

// buildRelocBlock encodes one IMAGE_BASE_RELOCATION block: an 8-byte header
// (page RVA + block size) followed by 16-bit (type<<12 | offset) entries.
func buildRelocBlock(pageRVA uint32, entries []uint16) []byte {
	blockSize := uint32(8 + 2*len(entries))
	buf := make([]byte, blockSize)
	binary.LittleEndian.PutUint32(buf[0:4], pageRVA)
	binary.LittleEndian.PutUint32(buf[4:8], blockSize)
	for i, e := range entries {
		binary.LittleEndian.PutUint16(buf[8+i*2:8+i*2+2], e)
	}
	return buf
}

func TestParseRelocDirectory(t *testing.T) {
	highlow := uint16(ImageRelBasedHighLow)<<12 | 0x004
	absolute := uint16(ImageRelBasedAbsolute) << 12
	block := buildRelocBlock(0x1000, []uint16{highlow, absolute})

	b := newPEBuilder().
		addSection(".reloc", 0x3000, block, 0x42000040).
		setDataDirectory(ImageDirectoryEntryBaseReloc, 0x3000, uint32(len(block)))

	file := b.open(t)
	if err := file.Parse(); err != nil {
		t.Fatalf("Parse failed, reason: %v", err)
	}

	if len(file.Relocations) != 1 {
		t.Fatalf("relocation block count got %v, want 1", len(file.Relocations))
	}

	reloc := file.Relocations[0]
	if reloc.Data.VirtualAddress != 0x1000 {
		t.Errorf("block VirtualAddress got %#x, want %#x", reloc.Data.VirtualAddress, 0x1000)
	}
	if len(reloc.Entries) != 2 {
		t.Fatalf("entries count got %v, want 2", len(reloc.Entries))
	}
	if reloc.Entries[0].Type != ImageRelBasedHighLow || reloc.Entries[0].Offset != 0x004 {
		t.Errorf("entry 0 got %+v", reloc.Entries[0])
	}
	if reloc.Entries[0].Type.String(file) != "HighLow" {
		t.Errorf("pretty reloc type got %v, want HighLow", reloc.Entries[0].Type.String(file))
	}
}
