// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

const (
	// TinyPESize is the smallest legal PE on 32-bit Windows XP.
	TinyPESize = 97

	// FileAlignmentHardcodedValue: a PointerToRawData below this is rounded
	// down to zero rather than treated as a small-but-valid offset. See
	// http://corkami.blogspot.com/2010/01/parce-que-la-planche-aura-brule.html
	FileAlignmentHardcodedValue = 0x200
)

var (
	ErrInvalidPESize  = errors.New("not a PE file, smaller than tiny PE")
	ErrDOSMagicNotFound = errors.New("DOS Header magic not found")
	ErrInvalidElfanewValue = errors.New("invalid e_lfanew value, probably not a PE file")
	ErrInvalidNtHeaderOffset = errors.New("invalid NT header offset, signature not found")

	ErrImageOS2SignatureFound = errors.New("not a valid PE signature, probably a NE file")
	ErrImageOS2LESignatureFound = errors.New("not a valid PE signature, probably an LE file")
	ErrImageVXDSignatureFound = errors.New("not a valid PE signature, probably an LX file")
	ErrImageTESignatureFound = errors.New("not a valid PE signature, probably a TE file")
	ErrImageNtSignatureNotFound = errors.New("not a valid PE signature, magic not found")
	ErrImageNtOptionalHeaderMagicNotFound = errors.New("not a valid PE signature, optional header magic not found")
	ErrImageBaseNotAligned = errors.New("corrupt PE file: image base not aligned to 64K")
	ErrInvalidSectionFileAlignment = errors.New(
		"corrupt PE file: section alignment is less than a page and differs from file alignment")
	ErrOutsideBoundary = errors.New("reading data outside file boundary")

	AnoImageBaseOverflow  = "Image base beyond allowed address"
	AnoInvalidSizeOfImage = "Invalid SizeOfImage value, should be multiple of SectionAlignment"
)

// Max returns the larger of x or y.
func Max(x, y uint32) uint32 {
	if x > y {
		return x
	}
	return y
}

// Min returns the smallest value in values.
func Min(values []uint32) uint32 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func min(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// asciiNameFilter reports whether every rune of s falls inside charset,
// the shared engine behind IsValidDosFilename/IsValidFunctionName/IsPrintable.
func asciiNameFilter(s, charset string) bool {
	for _, c := range s {
		if !strings.ContainsRune(charset, c) {
			return false
		}
	}
	return true
}

const (
	asciiAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	asciiDigits   = "0123456789"
)

// IsValidDosFilename reports whether filename uses only characters legal
// in an 8.3 FAT32 short name. Length isn't checked: DLL names routinely
// run longer than 8.3 in practice.
func IsValidDosFilename(filename string) bool {
	return asciiNameFilter(filename, asciiAlphabet+asciiDigits+`!#$%&'()-@^_`+"`{}~+,.;=[]\\/")
}

// IsValidFunctionName reports whether functionName only uses characters
// expected in a (possibly mangled) C/C++ export name.
func IsValidFunctionName(functionName string) bool {
	return asciiNameFilter(functionName, asciiAlphabet+asciiDigits+"_?@$()<>")
}

// IsPrintable reports whether every character of s is printable ASCII.
func IsPrintable(s string) bool {
	return asciiNameFilter(s, asciiAlphabet+asciiDigits+" \t\n\r\v\f"+`!"#$%&'()*+,-./:;<=>?@[\]^_`+"`{|}~")
}

// getSectionByRva returns a pointer to the section containing rva, or
// nil if none does.
func (pe *File) getSectionByRva(rva uint32) *Section {
	for i := range pe.Sections {
		if pe.Sections[i].Contains(rva, pe) {
			return &pe.Sections[i]
		}
	}
	return nil
}

func (pe *File) getSectionNameByRva(rva uint32) string {
	if s := pe.getSectionByRva(rva); s != nil {
		return s.String()
	}
	return ""
}

func (pe *File) getSectionByOffset(offset uint32) *Section {
	for i := range pe.Sections {
		section := &pe.Sections[i]
		if section.Header.PointerToRawData == 0 {
			continue
		}
		start := pe.adjustFileAlignment(section.Header.PointerToRawData)
		if start <= offset && offset < start+section.Header.SizeOfRawData {
			return section
		}
	}
	return nil
}

func (pe *File) getSectionByName(name string) *ImageSectionHeader {
	for i := range pe.Sections {
		if pe.Sections[i].String() == name {
			return &pe.Sections[i].Header
		}
	}
	return nil
}

// GetOffsetFromRva converts an RVA to a file offset via the section
// that contains it, or treats it as already being a raw offset into
// the header region when no section claims it.
func (pe *File) GetOffsetFromRva(rva uint32) uint32 {
	section := pe.getSectionByRva(rva)
	if section == nil {
		if rva < uint32(len(pe.data)) {
			return rva
		}
		return ^uint32(0)
	}
	va := pe.adjustSectionAlignment(section.Header.VirtualAddress)
	fa := pe.adjustFileAlignment(section.Header.PointerToRawData)
	return rva - va + fa
}

// GetRVAFromOffset is GetOffsetFromRva's inverse.
func (pe *File) GetRVAFromOffset(offset uint32) uint32 {
	section := pe.getSectionByOffset(offset)
	if section != nil {
		va := pe.adjustSectionAlignment(section.Header.VirtualAddress)
		fa := pe.adjustFileAlignment(section.Header.PointerToRawData)
		return offset - fa + va
	}

	if len(pe.Sections) == 0 {
		return offset
	}

	minAddr := ^uint32(0)
	for i := range pe.Sections {
		if va := pe.adjustSectionAlignment(pe.Sections[i].Header.VirtualAddress); va < minAddr {
			minAddr = va
		}
	}
	// No owning section: assume offset sits in the headers, a layout seen
	// in samples like corkami's "whatsinyourhead" where the import table
	// isn't covered by any section.
	if offset < minAddr {
		return offset
	}

	pe.logger.Warnf("data at offset can't be resolved to an RVA: corrupt header?")
	return ^uint32(0)
}

// getStringAtRVA reads a NUL-terminated ASCII string at rva, capped at
// maxLen bytes.
func (pe *File) getStringAtRVA(rva, maxLen uint32) string {
	if rva == 0 {
		return ""
	}

	if section := pe.getSectionByRva(rva); section != nil {
		return string(pe.GetStringFromData(0, section.Data(rva, maxLen, pe)))
	}

	if rva > pe.size {
		return ""
	}
	end := rva + maxLen
	if end > pe.size {
		end = pe.size
	}
	return string(pe.GetStringFromData(0, pe.data[rva:end]))
}

// scanUntilNUL walks up to maxLen bytes/words from offset, calling
// read at each step; it stops at the first zero value read returns, or
// at the file boundary. Shared by the ASCII- and UTF-16-at-a-raw-offset
// readers below, which only differ in step size and byte interpretation.
func (pe *File) scanUntilNUL(offset, maxLen, step uint32, read func(i uint32) (rune, bool)) (n uint32, s string) {
	var b strings.Builder
	for i := uint32(0); i < maxLen; i += step {
		if offset+i >= pe.size {
			break
		}
		r, nonZero := read(offset + i)
		if !nonZero {
			break
		}
		b.WriteRune(r)
		n = i + step
	}
	return n, b.String()
}

func (pe *File) readUnicodeStringAtRVA(rva, maxLength uint32) string {
	offset := pe.GetOffsetFromRva(rva)
	_, s := pe.scanUntilNUL(offset, maxLength, 2, func(i uint32) (rune, bool) {
		if pe.data[i] == 0 {
			return 0, false
		}
		return rune(pe.data[i]), true
	})
	return s
}

func (pe *File) readASCIIStringAtOffset(offset, maxLength uint32) (uint32, string) {
	return pe.scanUntilNUL(offset, maxLength, 1, func(i uint32) (rune, bool) {
		if pe.data[i] == 0 {
			return 0, false
		}
		return rune(pe.data[i]), true
	})
}

// GetStringFromData returns the NUL-terminated ASCII string starting at
// offset within data.
func (pe *File) GetStringFromData(offset uint32, data []byte) []byte {
	if uint32(len(data)) == 0 || offset > uint32(len(data)) {
		return nil
	}
	end := offset
	for end < uint32(len(data)) && data[end] != 0 {
		end++
	}
	return data[offset:end]
}

func (pe *File) getStringAtOffset(offset, size uint32) (string, error) {
	if offset+size > pe.size {
		return "", ErrOutsideBoundary
	}
	return strings.ReplaceAll(string(pe.data[offset:offset+size]), "\x00", ""), nil
}

// GetData returns length bytes at rva, regardless of which section (if
// any) contains it.
func (pe *File) GetData(rva, length uint32) ([]byte, error) {
	section := pe.getSectionByRva(rva)
	if section != nil {
		return section.Data(rva, length, pe), nil
	}

	var end uint32
	if length > 0 {
		end = rva + length
	}

	if rva < uint32(len(pe.Header)) {
		return pe.Header[rva:end], nil
	}
	// No section owns rva and it's past the captured header bytes. Some
	// PEs with no sections at all rely on Windows mapping the first few
	// KB of the file regardless (e.g. MD5 0008892cdfbc3bda5ce047c565e52295);
	// fall back to the raw file bytes before giving up.
	if rva < uint32(len(pe.data)) {
		return pe.data[rva:end], nil
	}
	return nil, errors.New("data at RVA can't be fetched: corrupt header?")
}

// adjustFileAlignment normalizes a PointerToRawData-like value per the
// optional header's FileAlignment, rounding values below the hardcoded
// 0x200 floor down to a multiple of 0x200 (observed loader behavior,
// not documented).
func (pe *File) adjustFileAlignment(va uint32) uint32 {
	fa := pe.optionalHeaderView().fileAlignment

	if fa > FileAlignmentHardcodedValue && fa%2 != 0 {
		pe.Anomalies = append(pe.Anomalies, ErrInvalidFileAlignment)
	}
	if fa < FileAlignmentHardcodedValue {
		return va
	}
	return (va / 0x200) * 0x200
}

// adjustSectionAlignment normalizes a VirtualAddress-like value per the
// optional header's SectionAlignment, which must be >= FileAlignment
// and is commonly the target architecture's page size.
func (pe *File) adjustSectionAlignment(va uint32) uint32 {
	oh := pe.optionalHeaderView()
	fa, sa := oh.fileAlignment, oh.sectionAlignment

	if fa < FileAlignmentHardcodedValue && fa != sa {
		pe.Anomalies = append(pe.Anomalies, ErrInvalidSectionAlignment)
	}
	if sa < 0x1000 {
		sa = fa
	}
	if sa != 0 && va%sa != 0 {
		return sa * (va / sa)
	}
	return va
}

// alignDword rounds offset+base up to the next 32-bit boundary relative
// to base.
func alignDword(offset, base uint32) uint32 {
	return ((offset + base + 3) &^ 3) - (base &^ 3)
}

func stringInSlice(a string, list []string) bool {
	for _, b := range list {
		if b == a {
			return true
		}
	}
	return false
}

func intInSlice(a uint32, list []uint32) bool {
	for _, b := range list {
		if b == a {
			return true
		}
	}
	return false
}

var driverSystemDLLs = []string{"ntoskrnl.exe", "hal.dll", "ndis.sys", "bootvid.dll", "kdcom.dll"}
var driverSectionNames = []string{"page", "paged", "nonpage", "init"}

// IsDriver heuristically reports whether this image is a Windows
// kernel-mode driver. None of these signals are individually reliable
// (a user-mode PE can fake an ImageBase in kernel space, or carry a
// page/init section by coincidence), so this checks imports first and
// only falls back to section-name/subsystem heuristics.
func (pe *File) IsDriver() bool {
	if len(pe.Imports) == 0 {
		return false
	}
	for _, dll := range pe.Imports {
		if stringInSlice(strings.ToLower(dll.Name), driverSystemDLLs) {
			return true
		}
	}

	subsystem := pe.optionalHeaderView().subsystem
	if subsystem&ImageSubsystemNativeWindows == 0 && subsystem&ImageSubsystemNative == 0 {
		return false
	}
	for _, section := range pe.Sections {
		if stringInSlice(strings.ToLower(section.String()), driverSectionNames) {
			return true
		}
	}
	return false
}

// IsDLL reports whether the COFF characteristics mark this image a DLL.
func (pe *File) IsDLL() bool {
	return pe.NtHeader.FileHeader.Characteristics&ImageFileDLL != 0
}

// IsEXE reports whether this image is a plain executable: not a DLL,
// not (heuristically) a driver, and flagged executable.
func (pe *File) IsEXE() bool {
	if pe.IsDLL() || pe.IsDriver() {
		return false
	}
	return pe.NtHeader.FileHeader.Characteristics&ImageFileExecutableImage != 0
}

// Checksum recomputes the PE checksum the way CheckSumMappedFile() does:
// fold the file as a stream of little-endian dwords (skipping the
// checksum field's own slot) into a 16-bit value, then add the file size.
func (pe *File) Checksum() uint32 {
	const wrap = 0x100000000

	optionalHeaderOffset := pe.DOSHeader.AddressOfNewEXEHeader + 4 + uint32(binary.Size(pe.NtHeader.FileHeader))
	checksumOffset := optionalHeaderOffset + 64 // `CheckSum` sits at the same spot in PE32 and PE32+

	dataLen := pe.size
	if remainder := pe.size % 4; remainder > 0 {
		dataLen = pe.size + (4 - remainder)
		pe.data = append(pe.data, make([]byte, 4-remainder)...)
	}

	var sum uint64
	for i := uint32(0); i < dataLen; i += 4 {
		if i == checksumOffset {
			continue
		}
		sum = (sum & 0xffffffff) + uint64(binary.LittleEndian.Uint32(pe.data[i:])) + (sum >> 32)
		if sum > wrap {
			sum = (sum & 0xffffffff) + (sum >> 32)
		}
	}

	sum = (sum & 0xffff) + (sum >> 16)
	sum += sum >> 16
	sum &= 0xffff
	sum += uint64(pe.size)

	return uint32(sum)
}

func (pe *File) ReadUint64(offset uint32) (uint64, error) {
	if offset+8 > pe.size {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint64(pe.data[offset:]), nil
}

func (pe *File) ReadUint32(offset uint32) (uint32, error) {
	if offset > pe.size-4 {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint32(pe.data[offset:]), nil
}

func (pe *File) ReadUint16(offset uint32) (uint16, error) {
	if offset > pe.size-2 {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint16(pe.data[offset:]), nil
}

func (pe *File) ReadUint8(offset uint32) (uint8, error) {
	if offset+1 > pe.size {
		return 0, ErrOutsideBoundary
	}
	return pe.data[offset], nil
}

func (pe *File) structUnpack(iface interface{}, offset, size uint32) error {
	end := offset + size
	if (end > offset) != (size > 0) { // overflow
		return ErrOutsideBoundary
	}
	if offset >= pe.size || end > pe.size {
		return ErrOutsideBoundary
	}
	return binary.Read(bytes.NewReader(pe.data[offset:end]), binary.LittleEndian, iface)
}

func (pe *File) ReadBytesAtOffset(offset, size uint32) ([]byte, error) {
	end := offset + size
	if (end > offset) != (size > 0) {
		return nil, ErrOutsideBoundary
	}
	if offset >= pe.size || end > pe.size {
		return nil, ErrOutsideBoundary
	}
	return pe.data[offset:end], nil
}

// DecodeUTF16String decodes a NUL-terminated UTF-16LE byte slice.
func DecodeUTF16String(b []byte) (string, error) {
	n := bytes.Index(b, []byte{0, 0})
	if n == 0 {
		return "", nil
	}
	s, err := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder().Bytes(b[0 : n+1])
	if err != nil {
		return "", err
	}
	return string(s), nil
}

// IsBitSet reports whether bit pos of n is set.
func IsBitSet(n uint64, pos int) bool {
	return n&(1<<pos) > 0
}
