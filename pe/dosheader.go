// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import "encoding/binary"

// ImageDOSHeader is the legacy MS-DOS stub every PE carries at offset 0, so
// that running the file under plain DOS prints a "this needs Windows"
// message instead of executing garbage. Only two fields matter to this
// emulator: Magic (to reject non-PE files early) and AddressOfNewEXEHeader
// (the pointer to the real NT header).
type ImageDOSHeader struct {
	Magic                    uint16    `json:"magic"`
	BytesOnLastPageOfFile    uint16    `json:"bytes_on_last_page_of_file"`
	PagesInFile              uint16    `json:"pages_in_file"`
	Relocations              uint16    `json:"relocations"`
	SizeOfHeader             uint16    `json:"size_of_header"`
	MinExtraParagraphsNeeded uint16    `json:"min_extra_paragraphs_needed"`
	MaxExtraParagraphsNeeded uint16    `json:"max_extra_paragraphs_needed"`
	InitialSS                uint16    `json:"initial_ss"`
	InitialSP                uint16    `json:"initial_sp"`
	Checksum                 uint16    `json:"checksum"`
	InitialIP                uint16    `json:"initial_ip"`
	InitialCS                uint16    `json:"initial_cs"`
	AddressOfRelocationTable uint16    `json:"address_of_relocation_table"`
	OverlayNumber            uint16    `json:"overlay_number"`
	ReservedWords1           [4]uint16 `json:"reserved_words_1"`
	OEMIdentifier            uint16    `json:"oem_identifier"`
	OEMInformation           uint16    `json:"oem_information"`
	ReservedWords2           [10]uint16 `json:"reserved_words_2"`
	AddressOfNewEXEHeader    uint32    `json:"address_of__new_exe_header"`
}

// minElfanew is the smallest legal value for e_lfanew: the DOS and NT
// signatures can't overlap, and the DOS header itself is 64 bytes, but the
// format only requires the offset to sit past the 4-byte MZ signature.
const minElfanew = 4

// tinyElfanewCeiling flags images where e_lfanew points back into (or
// before the end of) the conventional 64-byte DOS header region, meaning
// the NT headers overlap what would normally be DOS stub code.
const tinyElfanewCeiling = 0x3c

// ParseDOSHeader reads the fixed-size DOS header at file offset 0 and
// validates just enough of it to locate the NT headers: the magic number
// and the bounds of e_lfanew.
func (pe *File) ParseDOSHeader() error {
	size := uint32(binary.Size(pe.DOSHeader))
	if err := pe.structUnpack(&pe.DOSHeader, 0, size); err != nil {
		return err
	}

	hdr := pe.DOSHeader
	// ZM shows up on non-PE DOS executables that still run under XP's ntvdm.
	if hdr.Magic != ImageDOSSignature && hdr.Magic != ImageDOSZMSignature {
		return ErrDOSMagicNotFound
	}

	if hdr.AddressOfNewEXEHeader < minElfanew || hdr.AddressOfNewEXEHeader > pe.size {
		return ErrInvalidElfanewValue
	}
	if hdr.AddressOfNewEXEHeader <= tinyElfanewCeiling {
		pe.Anomalies = append(pe.Anomalies, AnoPEHeaderOverlapDOSHeader)
	}

	pe.HasDOSHdr = true
	return nil
}
