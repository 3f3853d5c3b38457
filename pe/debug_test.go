// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"encoding/binary"
	"testing"
)

// A single-section synthetic image always lands its first section's raw data
// at file offset 0x200: headers (DOS+NT+one section header) fit well under
// one file-alignment unit.
const singleSectionFileOffset = 0x200

func buildRSDSDebugDir(pdbName string) []byte {
	const dirSize = 28
	payloadSize := uint32(4 + 16 + 4 + len(pdbName) + 1)
	payloadFileOffset := uint32(singleSectionFileOffset + dirSize)

	buf := make([]byte, dirSize+payloadSize)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(ImageDebugTypeCodeView))
	binary.LittleEndian.PutUint32(buf[16:20], payloadSize)
	binary.LittleEndian.PutUint32(buf[24:28], payloadFileOffset)

	payload := buf[dirSize:]
	binary.LittleEndian.PutUint32(payload[0:4], CVSignatureRSDS)
	binary.LittleEndian.PutUint32(payload[4:8], 0x01020304) // GUID.Data1
	binary.LittleEndian.PutUint32(payload[20:24], 7)         // Age
	copy(payload[24:], pdbName)

	return buf
}

func TestParseDebugDirectoryCodeView(t *testing.T) {
	blob := buildRSDSDebugDir("app.pdb")

	b := newPEBuilder().
		addSection(".debug", 0x5000, blob, 0x42000040).
		setDataDirectory(ImageDirectoryEntryDebug, 0x5000, 28)

	file := b.open(t)
	if err := file.Parse(); err != nil {
		t.Fatalf("Parse failed, reason: %v", err)
	}

	if !file.HasDebug {
		t.Fatal("HasDebug not set")
	}
	if len(file.Debugs) != 1 {
		t.Fatalf("debug entries got %v, want 1", len(file.Debugs))
	}

	entry := file.Debugs[0]
	if entry.Type != "CodeView" {
		t.Errorf("entry type got %v, want CodeView", entry.Type)
	}

	pdb, ok := entry.Info.(CVInfoPDB70)
	if !ok {
		t.Fatalf("entry.Info got %T, want CVInfoPDB70", entry.Info)
	}
	if pdb.Age != 7 {
		t.Errorf("Age got %v, want 7", pdb.Age)
	}
	if pdb.PDBFileName != "app.pdb" {
		t.Errorf("PDBFileName got %q, want %q", pdb.PDBFileName, "app.pdb")
	}
}
