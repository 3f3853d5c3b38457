// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"encoding/binary"
	"time"
)

// Anomaly strings reported by GetAnomalies. None of these prevent the
// Windows loader from running the file; they're signal for malware
// analysis and fuzzing, where a technically-valid-but-weird header is
// itself evidence.
const (
	AnoPEHeaderOverlapDOSHeader       = "PE Header overlaps with DOS header"
	AnoPETimeStampNull                = "File Header timestamp set to 0"
	AnoPETimeStampFuture              = "File Header timestamp set in the future"
	AnoNumberOfSections10Plus         = "Number of sections is 10+"
	AnoNumberOfSectionsNull           = "Number of sections is 0"
	AnoSizeOfOptionalHeaderNull       = "Size of optional header is 0"
	AnoUncommonSizeOfOptionalHeader32 = "Size of optional header is larger than 0xE0 (PE32)"
	AnoUncommonSizeOfOptionalHeader64 = "Size of optional header is larger than 0xF0 (PE32+)"
	AnoAddressOfEntryPointNull        = "Address of entry point is 0"
	AnoAddressOfEPLessSizeOfHeaders   = "Address of entry point is smaller than size of headers, " +
		"the file cannot run under Windows 8"
	AnoImageBaseNull             = "Image base is 0"
	AnoDanSMagicOffset           = "`DanS` magic offset is different than 0x80"
	ErrInvalidFileAlignment      = "FileAlignment larger than 0x200 and not a power of 2"
	ErrInvalidSectionAlignment   = "FileAlignment lesser than 0x200 and different from section alignment"
	AnoMajorSubsystemVersion     = "MajorSubsystemVersion is outside 3<-->6 boundary"
	AnonWin32VersionValue        = "Win32VersionValue is a reserved field, must be set to zero"
	AnoInvalidPEChecksum         = "Optional header checksum is invalid"
	AnoNumberOfRvaAndSizes       = "Optional header NumberOfRvaAndSizes != 16"
	AnoReservedDataDirectoryEntry = "Last data directory entry is a reserved field, must be set to zero"
	AnoCOFFSymbolsCount          = "COFF symbols count is absurdly high"
)

// anomalyCheck is one independent rule GetAnomalies evaluates: if fn
// reports true, tag is appended to pe.Anomalies.
type anomalyCheck struct {
	tag string
	fn  func(pe *File, oh optionalHeaderView) bool
}

// optionalHeaderView flattens the fields GetAnomalies needs out of
// whichever of ImageOptionalHeader32/64 is actually present, so its
// checks don't have to branch on bitness themselves.
type optionalHeaderView struct {
	addressOfEntryPoint uint32
	sizeOfHeaders       uint32
	imageBase           uint64
	fileAlignment       uint32
	sectionAlignment    uint32
	sizeOfImage         uint32
	majorSubsystemVer   uint16
	win32VersionValue   uint32
	checkSum            uint32
	numberOfRvaAndSizes uint32
	subsystem           ImageOptionalHeaderSubsystemType
}

// optionalHeaderView flattens whichever of ImageOptionalHeader32/64 is
// present behind pe.NtHeader.OptionalHeader into one bitness-agnostic
// struct, so callers that only need a handful of common fields don't
// have to repeat the Is64 type switch themselves.
func (pe *File) optionalHeaderView() optionalHeaderView {
	if pe.Is64 {
		oh := pe.NtHeader.OptionalHeader.(ImageOptionalHeader64)
		return optionalHeaderView{
			addressOfEntryPoint: oh.AddressOfEntryPoint,
			sizeOfHeaders:       oh.SizeOfHeaders,
			imageBase:           oh.ImageBase,
			fileAlignment:       oh.FileAlignment,
			sectionAlignment:    oh.SectionAlignment,
			sizeOfImage:         oh.SizeOfImage,
			majorSubsystemVer:   oh.MajorSubsystemVersion,
			win32VersionValue:   oh.Win32VersionValue,
			checkSum:            oh.CheckSum,
			numberOfRvaAndSizes: oh.NumberOfRvaAndSizes,
			subsystem:           oh.Subsystem,
		}
	}
	oh := pe.NtHeader.OptionalHeader.(ImageOptionalHeader32)
	return optionalHeaderView{
		addressOfEntryPoint: oh.AddressOfEntryPoint,
		sizeOfHeaders:       oh.SizeOfHeaders,
		imageBase:           uint64(oh.ImageBase),
		fileAlignment:       oh.FileAlignment,
		sectionAlignment:    oh.SectionAlignment,
		sizeOfImage:         oh.SizeOfImage,
		majorSubsystemVer:   oh.MajorSubsystemVersion,
		win32VersionValue:   oh.Win32VersionValue,
		checkSum:            oh.CheckSum,
		numberOfRvaAndSizes: oh.NumberOfRvaAndSizes,
		subsystem:           oh.Subsystem,
	}
}

var optionalHeaderAnomalies = []anomalyCheck{
	{AnoAddressOfEPLessSizeOfHeaders, func(pe *File, oh optionalHeaderView) bool {
		// Under Windows 8, AddressOfEntryPoint can't sit before SizeOfHeaders
		// unless it's null (DLLs with no DllMain leave it at 0).
		return oh.addressOfEntryPoint != 0 && oh.addressOfEntryPoint < oh.sizeOfHeaders
	}},
	{AnoAddressOfEntryPointNull, func(pe *File, oh optionalHeaderView) bool {
		return oh.addressOfEntryPoint == 0
	}},
	{AnoImageBaseNull, func(pe *File, oh optionalHeaderView) bool {
		// ImageBase null was tolerated under XP: the binary just relocates to 0x10000.
		return oh.imageBase == 0
	}},
	{AnoInvalidSizeOfImage, func(pe *File, oh optionalHeaderView) bool {
		return oh.sectionAlignment != 0 && oh.sizeOfImage%oh.sectionAlignment != 0
	}},
	{AnoMajorSubsystemVersion, func(pe *File, oh optionalHeaderView) bool {
		return oh.majorSubsystemVer < 3 || oh.majorSubsystemVer > 6
	}},
	{AnonWin32VersionValue, func(pe *File, oh optionalHeaderView) bool {
		// Officially reserved; a non-zero value overrides the OS version
		// fields read from the PEB after loading.
		return oh.win32VersionValue != 0
	}},
	{AnoInvalidPEChecksum, func(pe *File, oh optionalHeaderView) bool {
		// Required for kernel drivers and some system DLLs; 0 otherwise.
		return pe.Checksum() != oh.checkSum && oh.checkSum != 0
	}},
	{AnoNumberOfRvaAndSizes, func(pe *File, oh optionalHeaderView) bool {
		return oh.numberOfRvaAndSizes != 0x10
	}},
}

// GetAnomalies inspects header fields for values that are legal but
// unusual enough to be worth flagging to a reader doing malware
// analysis or fuzzing triage.
func (pe *File) GetAnomalies() error {
	fh := pe.NtHeader.FileHeader

	// Windows NT applications typically carry nine named sections
	// (.text, .bss, .rdata, .data, .rsrc, .edata, .idata, .pdata, .debug).
	// The cap is 96 under XP and 65535 from Vista on.
	if fh.NumberOfSections >= 10 {
		pe.addAnomaly(AnoNumberOfSections10Plus)
	}
	if fh.NumberOfSections == 0 {
		pe.addAnomaly(AnoNumberOfSectionsNull)
	}
	if fh.TimeDateStamp == 0 {
		pe.addAnomaly(AnoPETimeStampNull)
	}
	if future := uint32(time.Now().Add(24 * time.Hour).Unix()); fh.TimeDateStamp > future {
		pe.addAnomaly(AnoPETimeStampFuture)
	}
	// SizeOfOptionalHeader is the gap between the top of the optional
	// header and the start of the section table, not literally "the size
	// of the optional header" — it can legally be 0 when no sections follow.
	if fh.SizeOfOptionalHeader == 0 {
		pe.addAnomaly(AnoSizeOfOptionalHeaderNull)
	}
	if pe.Is32 && fh.SizeOfOptionalHeader > uint16(binary.Size(ImageOptionalHeader32{})) {
		pe.addAnomaly(AnoUncommonSizeOfOptionalHeader32)
	}
	if pe.Is64 && fh.SizeOfOptionalHeader > uint16(binary.Size(ImageOptionalHeader64{})) {
		pe.addAnomaly(AnoUncommonSizeOfOptionalHeader64)
	}

	oh := pe.optionalHeaderView()
	for _, check := range optionalHeaderAnomalies {
		if check.fn(pe, oh) {
			pe.addAnomaly(check.tag)
		}
	}

	return nil
}

// addAnomaly appends anomaly unless it's already present.
func (pe *File) addAnomaly(anomaly string) {
	if !stringInSlice(anomaly, pe.Anomalies) {
		pe.Anomalies = append(pe.Anomalies, anomaly)
	}
}
