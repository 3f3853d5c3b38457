// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"sort"
	"testing"
)

func TestParseSectionHeaders(t *testing.T) {
	text := make([]byte, 0x200)
	data := make([]byte, 0x200)

	b := newPEBuilder().
		addSection(".text", 0x1000, text, 0x60000020).
		addSection(".data", 0x2000, data, 0xc0000040)

	file := b.open(t)
	if err := file.Parse(); err != nil {
		t.Fatalf("Parse failed, reason: %v", err)
	}

	sections := file.Sections
	if len(sections) != 2 {
		t.Fatalf("sections count got %v, want 2", len(sections))
	}

	sec := sections[1]
	if sec.String() != ".data" {
		t.Errorf("section name got %v, want .data", sec.String())
	}
	if sec.Header.VirtualAddress != 0x2000 {
		t.Errorf("VirtualAddress got %#x, want %#x", sec.Header.VirtualAddress, 0x2000)
	}

	flags := sec.PrettySectionFlags()
	sort.Strings(flags)
	want := []string{"Initialized Data", "Readable", "Writable"}
	sort.Strings(want)
	if len(flags) != len(want) {
		t.Errorf("pretty section flags got %v, want %v", flags, want)
	}

	entropy := sec.CalculateEntropy(file)
	if entropy != 0 {
		t.Errorf("entropy of all-zero section got %v, want 0", entropy)
	}
}
