// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import "encoding/binary"

// maxBoundImportNameLength bounds how long a bound-import DLL name is
// allowed to be before the entry is treated as corrupt and parsing of
// the descriptor list stops. Genuine module names never approach this.
const maxBoundImportNameLength = 256

// ImageBoundImportDescriptor is IMAGE_BOUND_IMPORT_DESCRIPTOR: one entry
// in the table of DLLs this image was bound against at link time. A
// zero-valued descriptor terminates the array.
type ImageBoundImportDescriptor struct {
	TimeDateStamp               uint32 `json:"time_date_stamp"`
	OffsetModuleName            uint16 `json:"offset_module_name"`
	NumberOfModuleForwarderRefs uint16 `json:"number_of_module_forwarder_refs"`
}

// ImageBoundForwardedRef is IMAGE_BOUND_FORWARDER_REF, one of the
// NumberOfModuleForwarderRefs entries trailing a bound descriptor.
type ImageBoundForwardedRef struct {
	TimeDateStamp    uint32 `json:"time_date_stamp"`
	OffsetModuleName uint16 `json:"offset_module_name"`
	Reserved         uint16 `json:"reserved"`
}

// BoundImportDescriptorData pairs a descriptor with its resolved DLL
// name and forwarder refs.
type BoundImportDescriptorData struct {
	Struct        ImageBoundImportDescriptor `json:"struct"`
	Name          string                     `json:"name"`
	ForwardedRefs []BoundForwardedRefData    `json:"forwarded_refs"`
}

// BoundForwardedRefData pairs a forwarder ref with its resolved name.
type BoundForwardedRefData struct {
	Struct ImageBoundForwardedRef `json:"struct"`
	Name   string                 `json:"name"`
}

// boundImportNameBoundary finds how many bytes past rva (converted to a
// file offset) are safe to scan for a NUL-terminated name: the distance
// to the end of the owning section, or to the start of the next section
// on disk when rva doesn't land inside any parsed section. ok is false
// when rva can't be pinned to any section at all, meaning the directory
// entry is pointing outside the image.
func (pe *File) boundImportNameBoundary(rva uint32) (boundary uint32, ok bool) {
	fileOffset := pe.GetOffsetFromRva(rva)

	if section := pe.getSectionByRva(rva); section != nil {
		sectionLen := uint32(len(section.Data(0, 0, pe)))
		return (section.Header.PointerToRawData + sectionLen) - fileOffset, true
	}

	boundary = pe.size - fileOffset
	var next uint32
	haveNext := false
	for _, s := range pe.Sections {
		if s.Header.PointerToRawData > fileOffset && (!haveNext || s.Header.PointerToRawData < next) {
			next = s.Header.PointerToRawData
			haveNext = true
		}
	}
	if !haveNext {
		return boundary, false
	}
	following := pe.getSectionByOffset(next)
	if following == nil {
		return boundary, false
	}
	return next - fileOffset, true
}

// boundImportName reads the NUL-terminated module name at
// tableStart+nameOffset, rejecting names so long or unprintable that
// they indicate a corrupt table rather than a real DLL name.
func (pe *File) boundImportName(tableStart uint32, nameOffset uint16) (name string, ok bool) {
	offset := tableStart + uint32(nameOffset)
	raw := pe.GetStringFromData(0, pe.data[offset:offset+maxBoundImportNameLength+1])
	name = string(raw)
	if name != "" && (len(name) > maxBoundImportNameLength || !IsPrintable(name)) {
		return "", false
	}
	return name, true
}

// parseBoundImportDirectory walks IMAGE_DIRECTORY_ENTRY_BOUND_IMPORT: an
// array of bound-import descriptors (terminated by a zero entry), each
// followed by its own array of forwarder refs. A loader that trusts
// these bindings can skip re-resolving the named DLL's exports as long
// as the recorded TimeDateStamp still matches; this emulator only
// surfaces the table for inspection and does not honor the shortcut.
func (pe *File) parseBoundImportDirectory(rva, size uint32) error {
	tableStart := rva
	descSize := uint32(binary.Size(ImageBoundImportDescriptor{}))
	refSize := uint32(binary.Size(ImageBoundForwardedRef{}))

	for {
		var desc ImageBoundImportDescriptor
		if err := pe.structUnpack(&desc, rva, descSize); err != nil {
			return err
		}
		if desc == (ImageBoundImportDescriptor{}) {
			break
		}
		rva += descSize

		boundary, ok := pe.boundImportNameBoundary(rva)
		if !ok {
			pe.logger.Warnf("RVA of IMAGE_BOUND_IMPORT_DESCRIPTOR points to an invalid address: 0x%x", rva)
			return nil
		}
		refCount := min(uint32(desc.NumberOfModuleForwarderRefs), boundary/refSize)
		refs := make([]BoundForwardedRefData, 0, refCount)
		for i := uint32(0); i < refCount; i++ {
			var ref ImageBoundForwardedRef
			if err := pe.structUnpack(&ref, rva, refSize); err != nil {
				return err
			}
			rva += refSize

			name, ok := pe.boundImportName(tableStart, ref.OffsetModuleName)
			if !ok {
				break
			}
			refs = append(refs, BoundForwardedRefData{Struct: ref, Name: name})
		}

		name, ok := pe.boundImportName(tableStart, desc.OffsetModuleName)
		if !ok {
			break
		}

		pe.BoundImports = append(pe.BoundImports, BoundImportDescriptorData{
			Struct:        desc,
			Name:          name,
			ForwardedRefs: refs,
		})
	}

	if len(pe.BoundImports) > 0 {
		pe.HasBoundImp = true
	}
	return nil
}
