// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"bytes"
	"encoding/binary"
)

// ImageLoadConfigDirectory32 contains the load configuration data of an
// image for 32-bit binaries. Only the fields that matter to a user-mode
// loader are decoded; the GuardCF/enclave/dynamic-reloc extensions added
// over the years by the Windows linker are left unparsed.
type ImageLoadConfigDirectory32 struct {
	// The actual size of the structure inclusive. May differ from the size
	// given in the data directory for Windows XP and earlier compatibility.
	Size uint32 `json:"size"`

	// Date and time stamp value.
	TimeDateStamp uint32 `json:"time_date_stamp"`

	MajorVersion uint16 `json:"major_version"`
	MinorVersion uint16 `json:"minor_version"`

	// The global loader flags to clear/set for this process as the loader
	// starts the process.
	GlobalFlagsClear uint32 `json:"global_flags_clear"`
	GlobalFlagsSet   uint32 `json:"global_flags_set"`

	// The default timeout value to use for this process's critical sections
	// that are abandoned.
	CriticalSectionDefaultTimeout uint32 `json:"critical_section_default_timeout"`

	DeCommitFreeBlockThreshold uint32 `json:"de_commit_free_block_threshold"`
	DeCommitTotalFreeThreshold uint32 `json:"de_commit_total_free_threshold"`
	LockPrefixTable            uint32 `json:"lock_prefix_table"`
	MaximumAllocationSize      uint32 `json:"maximum_allocation_size"`
	VirtualMemoryThreshold     uint32 `json:"virtual_memory_threshold"`
	ProcessHeapFlags           uint32 `json:"process_heap_flags"`
	ProcessAffinityMask        uint32 `json:"process_affinity_mask"`
	CSDVersion                 uint16 `json:"csd_version"`
	DependentLoadFlags         uint16 `json:"dependent_load_flags"`
	EditList                   uint32 `json:"edit_list"`

	// A pointer to a cookie that is used by the compiler's /GS buffer
	// security check implementation.
	SecurityCookie uint32 `json:"security_cookie"`

	// The VA of the sorted table of RVAs of each valid, unique SE handler
	// in the image, and the count of entries in that table. Present only
	// on x86 images that opted into SafeSEH.
	SEHandlerTable uint32 `json:"se_handler_table"`
	SEHandlerCount uint32 `json:"se_handler_count"`
}

// ImageLoadConfigDirectory64 is the PE32+ counterpart of
// ImageLoadConfigDirectory32. x64 has no SafeSEH equivalent - exception
// unwinding is driven entirely by the exception directory instead.
type ImageLoadConfigDirectory64 struct {
	Size                          uint32 `json:"size"`
	TimeDateStamp                 uint32 `json:"time_date_stamp"`
	MajorVersion                  uint16 `json:"major_version"`
	MinorVersion                  uint16 `json:"minor_version"`
	GlobalFlagsClear              uint32 `json:"global_flags_clear"`
	GlobalFlagsSet                uint32 `json:"global_flags_set"`
	CriticalSectionDefaultTimeout uint32 `json:"critical_section_default_timeout"`
	DeCommitFreeBlockThreshold    uint64 `json:"de_commit_free_block_threshold"`
	DeCommitTotalFreeThreshold    uint64 `json:"de_commit_total_free_threshold"`
	LockPrefixTable               uint64 `json:"lock_prefix_table"`
	MaximumAllocationSize         uint64 `json:"maximum_allocation_size"`
	VirtualMemoryThreshold        uint64 `json:"virtual_memory_threshold"`
	ProcessAffinityMask           uint64 `json:"process_affinity_mask"`
	ProcessHeapFlags              uint32 `json:"process_heap_flags"`
	CSDVersion                    uint16 `json:"csd_version"`
	DependentLoadFlags            uint16 `json:"dependent_load_flags"`
	EditList                      uint64 `json:"edit_list"`
	SecurityCookie                uint64 `json:"security_cookie"`
	SEHandlerTable                uint64 `json:"se_handler_table"`
	SEHandlerCount                uint64 `json:"se_handler_count"`
}

// LoadConfig wraps the decoded load config struct (either a
// ImageLoadConfigDirectory32 or ImageLoadConfigDirectory64) together with
// the resolved SafeSEH handler table, when present.
type LoadConfig struct {
	Struct interface{} `json:"struct"`
	SEH    []uint32    `json:"seh"`
}

// The load configuration structure (IMAGE_LOAD_CONFIG_DIRECTORY) describes
// process-startup options (critical section timeout, heap flags) and, on
// x86, the SafeSEH table of valid exception handler entry points. The
// struct's own leading Size field gives its size, which may be smaller than
// sizeof(struct) on older linkers - only that many bytes (at most
// sizeof(struct)) are copied in. The data directory's size is used only for
// the bounds check.
func (pe *File) parseLoadConfigDirectory(rva, size uint32) error {

	fileOffset := pe.GetOffsetFromRva(rva)
	structSize, err := pe.ReadUint32(fileOffset)
	if err != nil {
		return err
	}

	totalSize := fileOffset + size
	if (totalSize > fileOffset) != (size > 0) {
		return ErrOutsideBoundary
	}
	if fileOffset >= pe.size || totalSize > pe.size {
		return ErrOutsideBoundary
	}

	var loadCfg interface{}

	if pe.Is32 {
		loadCfg32 := ImageLoadConfigDirectory32{}
		raw := make([]byte, binary.Size(loadCfg32))
		copy(raw, pe.data[fileOffset:fileOffset+structSize])
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &loadCfg32); err != nil {
			return err
		}
		loadCfg = loadCfg32
	} else {
		loadCfg64 := ImageLoadConfigDirectory64{}
		raw := make([]byte, binary.Size(loadCfg64))
		copy(raw, pe.data[fileOffset:fileOffset+structSize])
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &loadCfg64); err != nil {
			return err
		}
		loadCfg = loadCfg64
	}

	pe.HasLoadCFG = true
	pe.LoadConfig.Struct = loadCfg

	if pe.Is32 {
		pe.LoadConfig.SEH = pe.getSEHHandlers()
	}

	return nil
}

// getSEHHandlers resolves the SafeSEH handler table into a flat list of
// RVAs, one per registered exception handler entry point.
func (pe *File) getSEHHandlers() []uint32 {

	loadCfg32, ok := pe.LoadConfig.Struct.(ImageLoadConfigDirectory32)
	if !ok || loadCfg32.SEHandlerCount == 0 || loadCfg32.SEHandlerTable == 0 {
		return nil
	}

	imageBase := pe.NtHeader.OptionalHeader.(ImageOptionalHeader32).ImageBase
	rva := loadCfg32.SEHandlerTable - imageBase

	var handlers []uint32
	for i := uint32(0); i < loadCfg32.SEHandlerCount; i++ {
		offset := pe.GetOffsetFromRva(rva + i*4)
		handler, err := pe.ReadUint32(offset)
		if err != nil {
			return handlers
		}
		handlers = append(handlers, handler)
	}

	return handlers
}
