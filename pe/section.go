// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"encoding/binary"
	"math"
	"reflect"
	"sort"
	"strings"
)

// Section characteristics (IMAGE_SCN_*). Most of these only apply to
// object files; executable images mainly care about CNT_CODE,
// CNT_INITIALIZED_DATA, MEM_EXECUTE/READ/WRITE and MEM_DISCARDABLE.
const (
	ImageScnReserved1             = 0x00000000
	ImageScnReserved2             = 0x00000001
	ImageScnReserved3             = 0x00000002
	ImageScnReserved4             = 0x00000004
	ImageScnTypeNoPad             = 0x00000008 // obsolete, superseded by ImageScnAlign1Bytes
	ImageScnReserved5             = 0x00000010
	ImageScnCntCode                = 0x00000020
	ImageScnCntInitializedData    = 0x00000040
	ImageScnCntUninitializedData = 0x00000080
	ImageScnLnkOther             = 0x00000100
	ImageScnLnkInfo              = 0x00000200 // object files only, e.g. .drectve
	ImageScnReserved6            = 0x00000400
	ImageScnLnkRemove            = 0x00000800 // object files only
	ImageScnLnkComdat            = 0x00001000 // object files only
	ImageScnGpRel                = 0x00008000
	ImageScnMemPurgeable         = 0x00020000
	ImageScnMem16Bit             = 0x00020000
	ImageScnMemLocked            = 0x00040000
	ImageScnMemPreload           = 0x00080000
	ImageScnAlign1Bytes          = 0x00100000 // object files only
	ImageScnAlign2Bytes          = 0x00200000
	ImageScnAlign4Bytes          = 0x00300000
	ImageScnAlign8Bytes          = 0x00400000
	ImageScnAlign16Bytes         = 0x00500000
	ImageScnAlign32Bytes         = 0x00600000
	ImageScnAlign64Bytes         = 0x00700000
	ImageScnAlign128Bytes        = 0x00800000
	ImageScnAlign256Bytes        = 0x00900000
	ImageScnAlign512Bytes        = 0x00A00000
	ImageScnAlign1024Bytes       = 0x00B00000
	ImageScnAlign2048Bytes       = 0x00C00000
	ImageScnAlign4096Bytes       = 0x00D00000
	ImageScnAlign8192Bytes       = 0x00E00000
	ImageScnLnkMRelocOvfl        = 0x01000000
	ImageScnMemDiscardable       = 0x02000000
	ImageScnMemNotCached         = 0x04000000
	ImageScnMemNotPaged          = 0x08000000
	ImageScnMemShared            = 0x10000000
	ImageScnMemExecute           = 0x20000000
	ImageScnMemRead              = 0x40000000
	ImageScnMemWrite             = 0x80000000
)

// ImageSectionHeader is IMAGE_SECTION_HEADER: 40 bytes, no padding.
// Executable images limit Name to 8 ASCII bytes (NUL-padded, no
// terminator needed if it fills all 8); object files may instead store
// a "/NNNN" offset into the COFF string table, which this emulator
// never needs to resolve.
type ImageSectionHeader struct {
	Name                 [8]uint8
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLineNumbers uint32
	NumberOfRelocations  uint16
	NumberOfLineNumbers  uint16
	Characteristics      uint32
}

// Section pairs a parsed header with the per-section stats (entropy)
// this emulator computes on demand.
type Section struct {
	Header  ImageSectionHeader
	Entropy float64 `json:",omitempty"`
}

// sectionCheck is one validation rule ParseSectionHeader runs against
// each freshly-read header; a matching rule both records an anomaly
// and counts toward the per-section error budget.
type sectionCheck struct {
	describe func(name string) string
	fn       func(pe *File, h ImageSectionHeader) bool
}

var sectionChecks = []sectionCheck{
	{
		describe: func(name string) string { return "Section `" + name + "` Contents are null-bytes" },
		fn:       func(pe *File, h ImageSectionHeader) bool { return (ImageSectionHeader{}) == h },
	},
	{
		describe: func(name string) string { return "Section `" + name + "` SizeOfRawData is larger than file" },
		fn: func(pe *File, h ImageSectionHeader) bool {
			return h.SizeOfRawData+h.PointerToRawData > pe.size
		},
	},
	{
		describe: func(name string) string {
			return "Section `" + name + "` PointerToRawData points beyond the end of the file"
		},
		fn: func(pe *File, h ImageSectionHeader) bool {
			return pe.adjustFileAlignment(h.PointerToRawData) > pe.size
		},
	},
	{
		describe: func(name string) string { return "Section `" + name + "` VirtualSize is extremely large > 256MiB" },
		fn:       func(pe *File, h ImageSectionHeader) bool { return h.VirtualSize > 0x10000000 },
	},
	{
		describe: func(name string) string { return "Section `" + name + "` VirtualAddress is beyond 0x10000000" },
		fn: func(pe *File, h ImageSectionHeader) bool {
			return pe.adjustSectionAlignment(h.VirtualAddress) > 0x10000000
		},
	},
	{
		describe: func(name string) string {
			return "Section `" + name + "` PointerToRawData is not multiple of FileAlignment"
		},
		fn: func(pe *File, h ImageSectionHeader) bool {
			fa := pe.optionalHeaderView().fileAlignment
			return fa != 0 && h.PointerToRawData%fa != 0
		},
	},
}

// maxSectionErrors bounds how many of sectionChecks may fire for a
// single section header before ParseSectionHeader gives up on the
// remaining table rather than keep collecting an unbounded anomaly list.
const maxSectionErrors = 3

// ParseSectionHeader walks the section table, which immediately
// follows the optional header and is indexed one-based in linker order;
// each section's starting RVA is aligned to SectionAlignment.
func (pe *File) ParseSectionHeader() error {
	optionalHeaderOffset := pe.DOSHeader.AddressOfNewEXEHeader + 4 + uint32(binary.Size(pe.NtHeader.FileHeader))
	offset := optionalHeaderOffset + uint32(pe.NtHeader.FileHeader.SizeOfOptionalHeader)

	secHeaderSize := uint32(binary.Size(ImageSectionHeader{}))
	numberOfSections := pe.NtHeader.FileHeader.NumberOfSections

	for i := uint16(0); i < numberOfSections; i++ {
		var h ImageSectionHeader
		if err := pe.structUnpack(&h, offset, secHeaderSize); err != nil {
			return err
		}

		if secEnd := int64(h.PointerToRawData) + int64(h.SizeOfRawData); secEnd > pe.OverlayOffset {
			pe.OverlayOffset = secEnd
		}

		name := (&Section{Header: h}).String()
		failed := 0
		for _, check := range sectionChecks {
			if check.fn(pe, h) {
				pe.Anomalies = append(pe.Anomalies, check.describe(name))
				failed++
			}
		}
		if failed >= maxSectionErrors {
			break
		}

		pe.Sections = append(pe.Sections, Section{Header: h})
		offset += secHeaderSize
	}

	// Sort by VirtualAddress so overlap checks elsewhere can assume
	// ascending order even for a badly-linked (or hand-crafted) PE.
	sort.Sort(byVirtualAddress(pe.Sections))

	if numberOfSections > 0 && len(pe.Sections) > 0 {
		offset += secHeaderSize * uint32(numberOfSections)
	}

	// A PE with no raw-data sections at all is unusual but not unheard
	// of (e.g. MD5 fc91013eb72529da005110a3403541b6); fall back to the
	// computed header-table end in that case.
	var rawDataPointers []uint32
	for _, sec := range pe.Sections {
		if sec.Header.PointerToRawData > 0 {
			rawDataPointers = append(rawDataPointers, pe.adjustFileAlignment(sec.Header.PointerToRawData))
		}
	}

	lowestSectionOffset := uint32(0)
	if len(rawDataPointers) > 0 {
		lowestSectionOffset = Min(rawDataPointers)
	}

	headerEnd := offset
	if lowestSectionOffset != 0 && lowestSectionOffset >= offset {
		headerEnd = lowestSectionOffset
	}
	if headerEnd <= pe.size {
		pe.Header = pe.data[:headerEnd]
	}

	pe.HasSections = true
	return nil
}

// String strips the NUL padding from a section's 8-byte Name field.
func (section *Section) String() string {
	return strings.ReplaceAll(string(section.Header.Name[:]), "\x00", "")
}

// NextHeaderAddr returns the VirtualAddress of the section immediately
// after this one in pe.Sections, or 0 if this is the last one.
func (section *Section) NextHeaderAddr(pe *File) uint32 {
	for i, other := range pe.Sections {
		if !reflect.DeepEqual(section.Header, other.Header) {
			continue
		}
		if i == len(pe.Sections)-1 {
			return 0
		}
		return pe.Sections[i+1].Header.VirtualAddress
	}
	return 0
}

// boundedSize returns how large this section actually extends, given
// that SizeOfRawData can lie (a truncated or hostile PE) and a
// following section can start before this one's nominal end.
func (section *Section) boundedSize(pe *File) (vaAdj, size uint32) {
	adjustedPointer := pe.adjustFileAlignment(section.Header.PointerToRawData)
	if uint32(len(pe.data))-adjustedPointer < section.Header.SizeOfRawData {
		size = section.Header.VirtualSize
	} else {
		size = Max(section.Header.SizeOfRawData, section.Header.VirtualSize)
	}
	vaAdj = pe.adjustSectionAlignment(section.Header.VirtualAddress)

	if next := section.NextHeaderAddr(pe); next != 0 && next > section.Header.VirtualAddress && vaAdj+size > next {
		size = next - vaAdj
	}
	return vaAdj, size
}

// Contains reports whether rva falls within this section's (possibly
// clamped) virtual range.
func (section *Section) Contains(rva uint32, pe *File) bool {
	vaAdj, size := section.boundedSize(pe)
	return vaAdj <= rva && rva < vaAdj+size
}

// Data returns length bytes of this section's raw file content
// starting at the RVA start (or the section's own start, if start is
// 0). PointerToRawData itself is read unadjusted so trailing bytes
// that alignment would otherwise clip remain reachable.
func (section *Section) Data(start, length uint32, pe *File) []byte {
	pointerToRawDataAdj := pe.adjustFileAlignment(section.Header.PointerToRawData)
	virtualAddressAdj := pe.adjustSectionAlignment(section.Header.VirtualAddress)

	offset := pointerToRawDataAdj
	if start != 0 {
		offset = (start - virtualAddressAdj) + pointerToRawDataAdj
	}
	if offset > pe.size {
		return nil
	}

	end := offset + section.Header.SizeOfRawData
	if length != 0 {
		end = offset + length
	}
	if rawEnd := section.Header.PointerToRawData + section.Header.SizeOfRawData; end > rawEnd && rawEnd > offset {
		end = rawEnd
	}
	if end > pe.size {
		end = pe.size
	}

	return pe.data[offset:end]
}

// CalculateEntropy computes the Shannon entropy, in bits per byte, of
// this section's raw data.
func (section *Section) CalculateEntropy(pe *File) float64 {
	data := section.Data(0, 0, pe)
	if len(data) == 0 {
		return 0.0
	}

	var freq [256]uint64
	for _, b := range data {
		freq[b]++
	}

	size := float64(len(data))
	var entropy float64
	for _, count := range freq {
		if count == 0 {
			continue
		}
		p := float64(count) / size
		entropy -= p * math.Log2(p)
	}
	return entropy
}

type byVirtualAddress []Section

func (s byVirtualAddress) Len() int           { return len(s) }
func (s byVirtualAddress) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s byVirtualAddress) Less(i, j int) bool { return s[i].Header.VirtualAddress < s[j].Header.VirtualAddress }

type byPointerToRawData []Section

func (s byPointerToRawData) Len() int      { return len(s) }
func (s byPointerToRawData) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s byPointerToRawData) Less(i, j int) bool {
	return s[i].Header.PointerToRawData < s[j].Header.PointerToRawData
}

var sectionCharacteristicNames = map[uint32]string{
	ImageScnReserved2:            "Reserved2",
	ImageScnReserved3:            "Reserved3",
	ImageScnReserved4:            "Reserved4",
	ImageScnTypeNoPad:            "No Padd",
	ImageScnReserved5:            "Reserved5",
	ImageScnCntCode:              "Contains Code",
	ImageScnCntInitializedData:   "Initialized Data",
	ImageScnCntUninitializedData: "Uninitialized Data",
	ImageScnLnkOther:             "Lnk Other",
	ImageScnLnkInfo:              "Lnk Info",
	ImageScnReserved6:            "Reserved6",
	ImageScnLnkRemove:            "LnkRemove",
	ImageScnLnkComdat:            "LnkComdat",
	ImageScnGpRel:                "GpReferenced",
	ImageScnMemPurgeable:         "Purgeable",
	ImageScnMemLocked:            "Locked",
	ImageScnMemPreload:           "Preload",
	ImageScnAlign1Bytes:          "Align1Bytes",
	ImageScnAlign2Bytes:          "Align2Bytes",
	ImageScnAlign4Bytes:          "Align4Bytes",
	ImageScnAlign8Bytes:          "Align8Bytes",
	ImageScnAlign16Bytes:         "Align16Bytes",
	ImageScnAlign32Bytes:         "Align32Bytes",
	ImageScnAlign64Bytes:         "Align64Bytes",
	ImageScnAlign128Bytes:        "Align128Bytes",
	ImageScnAlign256Bytes:        "Align256Bytes",
	ImageScnAlign512Bytes:        "Align512Bytes",
	ImageScnAlign1024Bytes:       "Align1024Bytes",
	ImageScnAlign2048Bytes:       "Align2048Bytes",
	ImageScnAlign4096Bytes:       "Align4096Bytes",
	ImageScnAlign8192Bytes:       "Align8192Bytes",
	ImageScnLnkMRelocOvfl:        "ExtendedReloc",
	ImageScnMemDiscardable:       "Discardable",
	ImageScnMemNotCached:         "NotCached",
	ImageScnMemNotPaged:          "NotPaged",
	ImageScnMemShared:            "Shared",
	ImageScnMemExecute:           "Executable",
	ImageScnMemRead:              "Readable",
	ImageScnMemWrite:             "Writable",
}

// PrettySectionFlags renders the set bits of this section's
// Characteristics field as names.
func (section *Section) PrettySectionFlags() []string {
	var values []string
	flags := section.Header.Characteristics
	for bit, name := range sectionCharacteristicNames {
		if flags&bit == bit {
			values = append(values, name)
		}
	}
	return values
}
