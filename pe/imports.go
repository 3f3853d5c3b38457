// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	imageOrdinalFlag32   = uint64(0x80000000)
	imageOrdinalFlag64   = uint64(0x8000000000000000)
	maxRepeatedAddresses = 0xF
	maxAddressSpread     = uint64(0x8000000)
	addressMask32        = uint64(0x7fffffff)
	addressMask64        = uint64(0x7fffffffffffffff)
	maxDllLength         = 0x200
	maxImportNameLength  = 0x200
	maxInvalidImportRun  = 1000
)

var (
	AnoInvalidThunkAddressOfData = "Thunk Address Of Data too spread out"
	AnoManyRepeatedEntries       = "Import directory contains many repeated entries"
	AnoAddressOfDataBeyondLimits = "Thunk AddressOfData beyond limits"
	AnoImportNoNameNoOrdinal     = "Must have either an ordinal or a name in an import"

	ErrDamagedImportTable = errors.New(
		"damaged import table: ILT and IAT are both empty")
)

// ImageImportDescriptor is one entry of IMAGE_DIRECTORY_ENTRY_IMPORT: one
// DLL this image depends on, naming its Import Lookup Table and Import
// Address Table. The array is terminated by an all-zero descriptor.
type ImageImportDescriptor struct {
	OriginalFirstThunk uint32 `json:"original_first_thunk"` // RVA of the ILT (names/ordinals)
	TimeDateStamp      uint32 `json:"time_date_stamp"`      // 0 until the image is bound
	ForwarderChain     uint32 `json:"forwarder_chain"`      // index of first forwarder, -1 if none
	Name               uint32 `json:"name"`                 // RVA of the DLL name
	FirstThunk         uint32 `json:"first_thunk"`          // RVA of the IAT
}

// ImportFunction is one resolved entry of an imported DLL's function
// table, merged from its ILT and IAT slots.
type ImportFunction struct {
	Name               string `json:"name"`
	Hint               uint16 `json:"hint"`
	ByOrdinal          bool   `json:"by_ordinal"`
	Ordinal            uint32 `json:"ordinal"`
	OriginalThunkValue uint64 `json:"original_thunk_value"`
	ThunkValue         uint64 `json:"thunk_value"`
	ThunkRVA           uint32 `json:"thunk_rva"`
	OriginalThunkRVA   uint32 `json:"original_thunk_rva"`
}

// Import is one DLL dependency: its descriptor plus the functions
// resolved from its thunk tables.
type Import struct {
	Offset     uint32                `json:"offset"`
	Name       string                `json:"name"`
	Functions  []ImportFunction      `json:"functions"`
	Descriptor ImageImportDescriptor `json:"descriptor"`
}

// thunkWidth bundles the handful of things that differ between PE32 and
// PE32+ thunk tables, so the rest of this file can be written once
// against a normalized uint64 AddressOfData instead of twice.
type thunkWidth struct {
	entrySize   uint32
	ordinalFlag uint64
	addressMask uint64
	read        func(pe *File, offset uint32) (uint64, error)
	imageBase   func(pe *File) uint64
}

var thunkWidth32 = thunkWidth{
	entrySize:   4,
	ordinalFlag: imageOrdinalFlag32,
	addressMask: addressMask32,
	read: func(pe *File, offset uint32) (uint64, error) {
		v, err := pe.ReadUint32(offset)
		return uint64(v), err
	},
	imageBase: func(pe *File) uint64 {
		return uint64(pe.NtHeader.OptionalHeader.(ImageOptionalHeader32).ImageBase)
	},
}

var thunkWidth64 = thunkWidth{
	entrySize:   8,
	ordinalFlag: imageOrdinalFlag64,
	addressMask: addressMask64,
	read:        func(pe *File, offset uint32) (uint64, error) { return pe.ReadUint64(offset) },
	imageBase: func(pe *File) uint64 {
		return pe.NtHeader.OptionalHeader.(ImageOptionalHeader64).ImageBase
	},
}

// normalizedThunk is one IMAGE_THUNK_DATA slot with its AddressOfData
// widened to uint64 regardless of source bitness.
type normalizedThunk struct {
	addressOfData uint64
	offset        uint32
}

func (pe *File) parseImportDirectory(rva, size uint32) error {
	for {
		var desc ImageImportDescriptor
		fileOffset := pe.GetOffsetFromRva(rva)
		descSize := uint32(20)
		if err := pe.structUnpack(&desc, fileOffset, descSize); err != nil {
			return err
		}
		if desc == (ImageImportDescriptor{}) {
			break
		}
		rva += descSize

		maxLen := pe.importTableMaxLen(rva, fileOffset, desc.OriginalFirstThunk, desc.FirstThunk)

		w := thunkWidth32
		if pe.Is64 {
			w = thunkWidth64
		}
		functions, err := pe.resolveImportedFunctions(w, desc.OriginalFirstThunk, desc.FirstThunk, maxLen, false)
		if err != nil {
			return err
		}

		dllName := pe.getStringAtRVA(desc.Name, maxDllLength)
		if !IsValidDosFilename(dllName) {
			continue
		}

		pe.Imports = append(pe.Imports, Import{
			Offset:     fileOffset,
			Name:       string(dllName),
			Functions:  functions,
			Descriptor: desc,
		})
	}

	pe.HasImport = len(pe.Imports) > 0
	return nil
}

// importTableMaxLen bounds how far the ILT/IAT walk is allowed to run:
// by default the rest of the file, but tightened to the gap before the
// next known structure when the thunk arrays sit earlier in the file
// than the descriptor that names them.
func (pe *File) importTableMaxLen(afterDescRVA, fileOffset, oft, ft uint32) uint32 {
	maxLen := uint32(len(pe.data)) - fileOffset
	if afterDescRVA <= oft && afterDescRVA <= ft {
		return maxLen
	}
	switch {
	case afterDescRVA < oft:
		return afterDescRVA - ft
	case afterDescRVA < ft:
		return afterDescRVA - oft
	default:
		return Max(afterDescRVA-oft, afterDescRVA-ft)
	}
}

// thunkTableWalk reads consecutive IMAGE_THUNK_DATA slots starting at
// rva until a zero entry, maxLen, or a read error stops it, tracking
// the three corruption signatures the original parser guards against:
// entries that loop back on their own table, addresses repeated many
// times, and address spread far wider than a single module's size.
func (pe *File) thunkTableWalk(w thunkWidth, rva, maxLen uint32, isOldDelayImport bool) ([]normalizedThunk, error) {
	if rva == 0 {
		return nil, nil
	}

	startRVA := rva
	var entries []normalizedThunk
	seen := make(map[uint64]bool)
	var minAddr, maxAddr uint64 = ^uint64(0), 0
	var repeated int

	for rva < startRVA+maxLen {
		offset, ok := pe.thunkSlotOffset(w, rva, isOldDelayImport)
		if !ok {
			return nil, nil
		}

		value, err := w.read(pe, offset)
		if err != nil {
			return nil, nil
		}
		if value == 0 {
			break
		}

		// A thunk pointing back inside the table being scanned is not
		// legitimate data; stop rather than loop on garbage.
		if value >= uint64(startRVA) && value <= uint64(rva) {
			pe.logger.Warnf("import thunk at RVA 0x%x overlaps its own table", rva)
			break
		}

		if value&w.ordinalFlag != 0 {
			if value&addressMask64 > 0xffff {
				pe.addAnomaly(AnoAddressOfDataBeyondLimits)
			}
		} else {
			if seen[value] {
				repeated++
			} else {
				seen[value] = true
			}
			if value > maxAddr {
				maxAddr = value
			}
			if value < minAddr {
				minAddr = value
			}
		}

		entries = append(entries, normalizedThunk{addressOfData: value, offset: rva})
		rva += w.entrySize
	}

	if repeated >= maxRepeatedAddresses {
		pe.addAnomaly(AnoManyRepeatedEntries)
	}
	if maxAddr-minAddr > maxAddressSpread {
		pe.addAnomaly(AnoInvalidThunkAddressOfData)
	}

	return entries, nil
}

// thunkSlotOffset resolves a thunk table entry's RVA to a file offset.
// Pre-XP delay-import descriptors (isOldDelayImport) stored VAs instead
// of RVAs in every address field, so those need de-relocating first.
func (pe *File) thunkSlotOffset(w thunkWidth, rva uint32, isOldDelayImport bool) (uint32, bool) {
	if isOldDelayImport {
		rva -= uint32(w.imageBase(pe))
	}
	offset := pe.GetOffsetFromRva(rva)
	return offset, offset != ^uint32(0)
}

// resolveImportedFunctions merges a DLL's Import Lookup Table and
// Import Address Table into the caller-facing ImportFunction list,
// preferring the ILT's ordinal/name data and falling back to the IAT
// when the ILT is absent (unbound images with no name table, or some
// delay-import variants).
func (pe *File) resolveImportedFunctions(w thunkWidth, oft, ft, maxLen uint32, isOldDelayImport bool) ([]ImportFunction, error) {
	ilt, err := pe.thunkTableWalk(w, oft, maxLen, isOldDelayImport)
	if err != nil {
		return nil, err
	}
	iat, err := pe.thunkTableWalk(w, ft, maxLen, isOldDelayImport)
	if err != nil {
		return nil, err
	}
	if len(ilt) == 0 && len(iat) == 0 {
		return nil, ErrDamagedImportTable
	}

	table := ilt
	if len(table) == 0 {
		table = iat
	}

	functions := make([]ImportFunction, 0, len(table))
	numInvalid := 0
	for idx, slot := range table {
		imp, err := pe.resolveOneImport(w, slot, ilt, iat, idx, maxImportNameLength, isOldDelayImport)
		if err != nil {
			return nil, err
		}

		if imp.Ordinal == 0 && imp.Name == "" {
			pe.addAnomaly(AnoImportNoNameNoOrdinal)
		}

		// Samples interleave valid and invalid entries; skip invalid ones
		// individually, but a long unbroken run of them means the table
		// itself is corrupt and further parsing is pointless.
		if imp.Name == "*invalid*" {
			numInvalid++
			if numInvalid > maxInvalidImportRun && numInvalid == idx+1 {
				return nil, errors.New("too many invalid import names, aborting parsing")
			}
			continue
		}

		functions = append(functions, imp)
	}

	return functions, nil
}

// resolveOneImport builds a single ImportFunction from the idx'th slot
// of whichever of ilt/iat is authoritative, cross-referencing the other
// table for its matching thunk value when present.
func (pe *File) resolveOneImport(w thunkWidth, slot normalizedThunk, ilt, iat []normalizedThunk, idx int, maxNameLen uint32, isOldDelayImport bool) (ImportFunction, error) {
	var imp ImportFunction
	if slot.addressOfData == 0 {
		return imp, nil
	}

	if slot.addressOfData&w.ordinalFlag != 0 {
		imp.ByOrdinal = true
		imp.Ordinal = uint32(slot.addressOfData & 0xffff)
		imp.Name = "#" + strconv.Itoa(int(imp.Ordinal))
		if idx < len(ilt) {
			imp.OriginalThunkValue = ilt[idx].addressOfData
			imp.OriginalThunkRVA = ilt[idx].offset
		}
		if idx < len(iat) {
			imp.ThunkValue = iat[idx].addressOfData
			imp.ThunkRVA = iat[idx].offset
		}
		return imp, nil
	}

	addressOfData := slot.addressOfData
	if isOldDelayImport {
		addressOfData -= w.imageBase(pe)
	}
	if idx < len(ilt) {
		imp.OriginalThunkValue = ilt[idx].addressOfData & w.addressMask
		imp.OriginalThunkRVA = ilt[idx].offset
	}
	if idx < len(iat) {
		imp.ThunkValue = iat[idx].addressOfData & w.addressMask
		imp.ThunkRVA = iat[idx].offset
	}

	hintNameTableRva := uint32(addressOfData & w.addressMask)
	off := pe.GetOffsetFromRva(hintNameTableRva)
	hint, err := pe.ReadUint16(off)
	if err != nil {
		hint = ^uint16(0)
	}
	imp.Hint = hint
	imp.Name = pe.getStringAtRVA(hintNameTableRva+2, maxNameLen)
	if !IsValidFunctionName(imp.Name) {
		imp.Name = "*invalid*"
	}
	return imp, nil
}

// parseImports32 and parseImports64 adapt ImageImportDescriptor or
// ImageDelayImportDescriptor into the width-generic resolver above;
// kept as separate entry points since delayimports.go dispatches on
// bitness the same way the main import parser does.
func (pe *File) parseImports32(importDesc interface{}, maxLen uint32) ([]ImportFunction, error) {
	oft, ft, isOld := importThunkRVAs(importDesc)
	return pe.resolveImportedFunctions(thunkWidth32, oft, ft, maxLen, isOld)
}

func (pe *File) parseImports64(importDesc interface{}, maxLen uint32) ([]ImportFunction, error) {
	oft, ft, isOld := importThunkRVAs(importDesc)
	return pe.resolveImportedFunctions(thunkWidth64, oft, ft, maxLen, isOld)
}

// importThunkRVAs extracts the ILT/IAT RVAs from either descriptor
// shape an import directory can hand it, plus whether it's a
// pre-Attributes-field delay import (which stored VAs, not RVAs).
func importThunkRVAs(importDesc interface{}) (oft, ft uint32, isOldDelayImport bool) {
	switch desc := importDesc.(type) {
	case *ImageImportDescriptor:
		return desc.OriginalFirstThunk, desc.FirstThunk, false
	case *ImageDelayImportDescriptor:
		return desc.ImportNameTableRVA, desc.ImportAddressTableRVA, desc.Attributes == 0
	}
	return 0, 0, false
}

// GetImportEntryInfoByRVA finds the import and function index whose
// ThunkRVA (IAT slot address) matches rva.
func (pe *File) GetImportEntryInfoByRVA(rva uint32) (Import, int) {
	for _, imp := range pe.Imports {
		for i, fn := range imp.Functions {
			if fn.ThunkRVA == rva {
				return imp, i
			}
		}
	}
	return Import{}, 0
}

func md5hash(text string) string {
	h := md5.New()
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// ImpHash computes the "import hash": lowercase DLL and function names,
// strip the DLL extension, join as "dll.function" pairs, and MD5 the
// comma-joined list. Functions imported by ordinal appear as "ordN"; no
// ordinal-to-name table is consulted. Widely used to cluster malware
// samples that share a loader/packer stub.
func (pe *File) ImpHash() (string, error) {
	if len(pe.Imports) == 0 {
		return "", errors.New("no imports found")
	}

	libExtensions := []string{"ocx", "sys", "dll"}
	var pairs []string

	for _, imp := range pe.Imports {
		libName := imp.Name
		if parts := strings.Split(imp.Name, "."); len(parts) == 2 && stringInSlice(strings.ToLower(parts[1]), libExtensions) {
			libName = parts[0]
		}
		libName = strings.ToLower(libName)

		for _, fn := range imp.Functions {
			funcName := fn.Name
			if fn.ByOrdinal {
				funcName = fmt.Sprintf("ord%d", fn.Ordinal)
			}
			if funcName == "" {
				continue
			}
			pairs = append(pairs, fmt.Sprintf("%s.%s", libName, strings.ToLower(funcName)))
		}
	}

	return md5hash(strings.Join(pairs, ",")), nil
}
