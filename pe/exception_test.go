// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"encoding/binary"
	"testing"
)

func buildRuntimeFunctionTable(entries []ImageRuntimeFunctionEntry) []byte {
	buf := make([]byte, len(entries)*12)
	for i, e := range entries {
		off := i * 12
		binary.LittleEndian.PutUint32(buf[off:off+4], e.BeginAddress)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], e.EndAddress)
		binary.LittleEndian.PutUint32(buf[off+8:off+12], e.UnwindInfoAddress)
	}
	return buf
}

func TestParseExceptionDirectory(t *testing.T) {
	entries := []ImageRuntimeFunctionEntry{
		{BeginAddress: 0x1010, EndAddress: 0x1053, UnwindInfoAddress: 0x938b8},
		{BeginAddress: 0x1060, EndAddress: 0x10a0, UnwindInfoAddress: 0x938c0},
	}
	blob := buildRuntimeFunctionTable(entries)

	b := newPEBuilder().
		addSection(".pdata", 0x8000, blob, 0x40000040).
		setDataDirectory(ImageDirectoryEntryException, 0x8000, uint32(len(blob)))

	file := b.open(t)
	if err := file.Parse(); err != nil {
		t.Fatalf("Parse failed, reason: %v", err)
	}

	if !file.HasException {
		t.Fatal("HasException not set")
	}
	if len(file.Exceptions) != 2 {
		t.Fatalf("exceptions count got %v, want 2", len(file.Exceptions))
	}
	if file.Exceptions[0].RuntimeFunction != entries[0] {
		t.Errorf("exception entry 0 got %+v, want %+v", file.Exceptions[0].RuntimeFunction, entries[0])
	}
	if file.Exceptions[1].RuntimeFunction != entries[1] {
		t.Errorf("exception entry 1 got %+v, want %+v", file.Exceptions[1].RuntimeFunction, entries[1])
	}
}
