// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"encoding/binary"
	"errors"
)

var (
	ErrInvalidBaseRelocVA          = errors.New("invalid relocation information: base relocation VirtualAddress is outside of PE image")
	ErrInvalidBasicRelocSizeOfBloc = errors.New("invalid relocation information: base relocation SizeOfBlock too large")
)

// ImageBaseRelocationEntryType names what a relocation entry does to
// the dword (or word) at its target offset. This emulator only ever
// applies ImageRelBasedHighLow (see loader.applyRelocations); the rest
// exist so the parsed table can be inspected/rendered faithfully.
type ImageBaseRelocationEntryType uint8

const (
	ImageRelBasedAbsolute    = 0 // skipped; used to pad a block to a dword boundary
	ImageRelBasedHigh        = 1 // adds the high 16 bits of the delta to a 16-bit field
	ImageRelBasedLow         = 2 // adds the low 16 bits of the delta to a 16-bit field
	ImageRelBasedHighLow     = 3 // adds the full 32-bit delta to a 32-bit field
	ImageRelBasedHighAdj     = 4 // HIGH, but the low 16 bits live in the following slot
	ImageRelBasedMIPSJmpAddr = 5
	ImageRelBasedARMMov32    = 5
	ImageRelBasedRISCVHigh20 = 5
	ImageRelReserved         = 6
	ImageRelBasedThumbMov32  = 7
	ImageRelBasedRISCVLow12i = 7
	ImageRelBasedRISCVLow12s = 8
	ImageRelBasedMIPSJmpAddr16 = 9
	ImageRelBasedDir64       = 10 // applies the full 64-bit delta to a 64-bit field
)

// MaxDefaultRelocEntriesCount caps how many relocation entries are
// parsed per block by default. Malformed or malicious samples can claim
// an enormous SizeOfBlock to stall the parser; anything past this count
// is flagged as an anomaly rather than trusted outright.
const MaxDefaultRelocEntriesCount = 0x1000

// ImageBaseRelocation is IMAGE_BASE_RELOCATION: the header of one
// "page" of relocations, all sharing the same 4K-aligned VirtualAddress.
type ImageBaseRelocation struct {
	VirtualAddress uint32 `json:"virtual_address"`
	SizeOfBlock    uint32 `json:"size_of_block"` // includes this header's own 8 bytes
}

// ImageBaseRelocationEntry is one packed (Type<<12 | Offset) word
// trailing an ImageBaseRelocation header.
type ImageBaseRelocationEntry struct {
	Data   uint16                       `json:"data"`
	Offset uint16                       `json:"offset"`
	Type   ImageBaseRelocationEntryType `json:"type"`
}

// Relocation is one relocation block: its header plus the entries it
// carries.
type Relocation struct {
	Data    ImageBaseRelocation        `json:"data"`
	Entries []ImageBaseRelocationEntry `json:"entries"`
}

// parseRelocationEntries unpacks the (SizeOfBlock-8)/2 packed words
// following a relocation block header, splitting each into its 4-bit
// type and 12-bit page offset.
func (pe *File) parseRelocationEntries(rva, size uint32) []ImageBaseRelocationEntry {
	count := size / 2
	if count > pe.opts.MaxRelocEntriesCount {
		pe.Anomalies = append(pe.Anomalies, AnoAddressOfDataBeyondLimits)
		count = pe.opts.MaxRelocEntriesCount
	}

	offset := pe.GetOffsetFromRva(rva)
	entries := make([]ImageBaseRelocationEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		word, err := pe.ReadUint16(offset + i*2)
		if err != nil {
			break
		}
		entries = append(entries, ImageBaseRelocationEntry{
			Data:   word,
			Type:   ImageBaseRelocationEntryType(word >> 12),
			Offset: word & 0x0fff,
		})
	}
	return entries
}

// parseRelocDirectory walks IMAGE_DIRECTORY_ENTRY_BASERELOC: a
// sequence of variable-length blocks, each an ImageBaseRelocation
// header followed by its packed entry words, running until the
// directory's byte range is exhausted.
func (pe *File) parseRelocDirectory(rva, size uint32) error {
	sizeOfImage := pe.optionalHeaderView().sizeOfImage
	headerSize := uint32(binary.Size(ImageBaseRelocation{}))
	end := rva + size

	for rva < end {
		var header ImageBaseRelocation
		offset := pe.GetOffsetFromRva(rva)
		if err := pe.structUnpack(&header, offset, headerSize); err != nil {
			return err
		}

		if header.VirtualAddress > sizeOfImage {
			return ErrInvalidBaseRelocVA
		}
		if header.SizeOfBlock > sizeOfImage {
			return ErrInvalidBasicRelocSizeOfBloc
		}

		entries := pe.parseRelocationEntries(rva+headerSize, header.SizeOfBlock-headerSize)
		pe.Relocations = append(pe.Relocations, Relocation{Data: header, Entries: entries})

		if header.SizeOfBlock == 0 {
			break
		}
		rva += header.SizeOfBlock
	}

	pe.HasReloc = len(pe.Relocations) > 0
	return nil
}

// machineSpecificRelocNames covers relocation type codes whose meaning
// depends on the target machine — types 5 and 7 are reused across MIPS,
// ARM, and RISC-V with unrelated semantics.
var machineSpecificRelocNames = map[ImageFileHeaderMachineType]map[ImageBaseRelocationEntryType]string{
	ImageFileMachineMIPS16:    {ImageRelBasedMIPSJmpAddr: "MIPS JMP Addr"},
	ImageFileMachineMIPSFPU:   {ImageRelBasedMIPSJmpAddr: "MIPS JMP Addr"},
	ImageFileMachineMIPSFPU16: {ImageRelBasedMIPSJmpAddr: "MIPS JMP Addr"},
	ImageFileMachineWCEMIPSv2: {ImageRelBasedMIPSJmpAddr: "MIPS JMP Addr"},
	ImageFileMachineARM:       {ImageRelBasedARMMov32: "ARM MOV 32", ImageRelBasedThumbMov32: "Thumb MOV 32"},
	ImageFileMachineARM64:     {ImageRelBasedARMMov32: "ARM MOV 32", ImageRelBasedThumbMov32: "Thumb MOV 32"},
	ImageFileMachineARMNT:     {ImageRelBasedARMMov32: "ARM MOV 32", ImageRelBasedThumbMov32: "Thumb MOV 32"},
	ImageFileMachineRISCV32:   {ImageRelBasedRISCVHigh20: "RISC-V High 20", ImageRelBasedRISCVLow12i: "RISC-V Low 12"},
	ImageFileMachineRISCV64:   {ImageRelBasedRISCVHigh20: "RISC-V High 20", ImageRelBasedRISCVLow12i: "RISC-V Low 12"},
	ImageFileMachineRISCV128:  {ImageRelBasedRISCVHigh20: "RISC-V High 20", ImageRelBasedRISCVLow12i: "RISC-V Low 12"},
}

// String renders a relocation entry's Type, disambiguating the
// machine-dependent codes against pe's target machine.
func (t ImageBaseRelocationEntryType) String(pe *File) string {
	names := map[ImageBaseRelocationEntryType]string{
		ImageRelBasedAbsolute:      "Absolute",
		ImageRelBasedHigh:          "High",
		ImageRelBasedLow:           "Low",
		ImageRelBasedHighLow:       "HighLow",
		ImageRelBasedHighAdj:       "HighAdj",
		ImageRelReserved:           "Reserved",
		ImageRelBasedRISCVLow12s:   "RISC-V Low12s",
		ImageRelBasedMIPSJmpAddr16: "MIPS Jmp Addr16",
		ImageRelBasedDir64:         "DIR64",
	}
	if name, ok := names[t]; ok {
		return name
	}
	if byMachine, ok := machineSpecificRelocNames[pe.NtHeader.FileHeader.Machine]; ok {
		if name, ok := byMachine[t]; ok {
			return name
		}
	}
	return "?"
}
