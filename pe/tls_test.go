// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"encoding/binary"
	"testing"
)

func TestParseTLSDirectory(t *testing.T) {
	tlsDir := make([]byte, 24)
	binary.LittleEndian.PutUint32(tlsDir[0:4], 0x402000)  // StartAddressOfRawData
	binary.LittleEndian.PutUint32(tlsDir[4:8], 0x402010)  // EndAddressOfRawData
	binary.LittleEndian.PutUint32(tlsDir[8:12], 0x403000) // AddressOfIndex
	// AddressOfCallBacks left zero: no callback array to walk.

	b := newPEBuilder().
		addSection(".tls", 0x4000, tlsDir, 0xc0000040).
		setDataDirectory(ImageDirectoryEntryTLS, 0x4000, uint32(len(tlsDir)))

	file := b.open(t)
	if err := file.Parse(); err != nil {
		t.Fatalf("Parse failed, reason: %v", err)
	}

	if !file.HasTLS {
		t.Fatal("HasTLS not set")
	}

	dir, ok := file.TLS.Struct.(ImageTLSDirectory32)
	if !ok {
		t.Fatalf("TLS.Struct got %T, want ImageTLSDirectory32", file.TLS.Struct)
	}
	if dir.StartAddressOfRawData != 0x402000 {
		t.Errorf("StartAddressOfRawData got %#x, want %#x", dir.StartAddressOfRawData, 0x402000)
	}
	if dir.AddressOfIndex != 0x403000 {
		t.Errorf("AddressOfIndex got %#x, want %#x", dir.AddressOfIndex, 0x403000)
	}
}
