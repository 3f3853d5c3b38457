// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"encoding/binary"
	"testing"
)

func TestGetAnomalies(t *testing.T) {
	data := newPEBuilder().bytes()

	// Zero out AddressOfEntryPoint (optional header offset 16, at file
	// offset dosHeaderSize(64) + 4 sig + 20 coff = 88).
	binary.LittleEndian.PutUint32(data[88+16:88+20], 0)

	file, err := NewBytes(data, &Options{})
	if err != nil {
		t.Fatalf("NewBytes failed, reason: %v", err)
	}
	if err := file.Parse(); err != nil {
		t.Fatalf("Parse failed, reason: %v", err)
	}

	if err := file.GetAnomalies(); err != nil {
		t.Fatalf("GetAnomalies failed, reason: %v", err)
	}

	if !stringInSlice(AnoAddressOfEntryPointNull, file.Anomalies) {
		t.Errorf("%s not found in anomalies, got: %v", AnoAddressOfEntryPointNull, file.Anomalies)
	}
}

func TestGetAnomaliesReservedDataDirectory(t *testing.T) {
	b := newPEBuilder()
	b.setDataDirectory(ImageDirectoryEntryReserved, 0x1000, 0)
	file := b.open(t)
	if err := file.Parse(); err != nil {
		t.Fatalf("Parse failed, reason: %v", err)
	}
	if !stringInSlice(AnoReservedDataDirectoryEntry, file.Anomalies) {
		t.Errorf("%s not found in anomalies, got: %v", AnoReservedDataDirectoryEntry, file.Anomalies)
	}
}
