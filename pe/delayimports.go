// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"encoding/binary"
)

// ImageDelayImportDescriptor represents the IMAGE_DELAYLOAD_DESCRIPTOR
// structure used by images that defer binding a DLL until one of its
// functions is first called.
type ImageDelayImportDescriptor struct {
	// Must be zero for the old version, or 1 for the new one carrying RVAs
	// instead of VAs in every field below.
	Attributes uint32 `json:"attributes"`

	// RVA of the DLL name being imported.
	Name uint32 `json:"name"`

	// RVA of the module handle, used to store a handle for the DLL once
	// it has been loaded.
	ModuleHandleRVA uint32 `json:"module_handle_rva"`

	// RVA of the delay load import address table.
	ImportAddressTableRVA uint32 `json:"import_address_table_rva"`

	// RVA of the delay load import name table, which contains the names
	// of the imports that might need to be loaded. This matches the
	// layout of the import name table.
	ImportNameTableRVA uint32 `json:"import_name_table_rva"`

	// RVA of the bound delay load address table, if it exists.
	BoundImportAddressTableRVA uint32 `json:"bound_import_address_table_rva"`

	// RVA of the unload delay load address table, if it exists. This is
	// an exact copy of the delay load import address table, used to
	// restore the original IAT on unload.
	UnloadInformationTableRVA uint32 `json:"unload_information_table_rva"`

	// The timestamp of the DLL, set to zero until the image is bound.
	TimeDateStamp uint32 `json:"time_date_stamp"`
}

// DelayImport wraps a delay import descriptor together with the module name
// and function entries it resolves to.
type DelayImport struct {
	Offset     uint32                      `json:"offset"`
	Name       string                      `json:"name"`
	Functions  []ImportFunction            `json:"functions"`
	Descriptor ImageDelayImportDescriptor  `json:"descriptor"`
}

// Delay-load imports add a level of indirection to ordinary imports: the
// loader only resolves and binds the DLL the first time one of its
// functions is actually called, rather than at process start. The directory
// is an array of IMAGE_DELAYLOAD_DESCRIPTOR entries terminated by a
// zero-filled entry, with the same thunk layout used by regular imports.
func (pe *File) parseDelayImportDirectory(rva, size uint32) (err error) {

	for {
		delayImportDesc := ImageDelayImportDescriptor{}
		fileOffset := pe.GetOffsetFromRva(rva)
		delayImportDescSize := uint32(binary.Size(delayImportDesc))
		err := pe.structUnpack(&delayImportDesc, fileOffset, delayImportDescSize)
		if err != nil {
			return err
		}

		if delayImportDesc == (ImageDelayImportDescriptor{}) {
			break
		}

		rva += delayImportDescSize

		maxLen := uint32(len(pe.data)) - fileOffset
		if rva > delayImportDesc.ImportNameTableRVA || rva > delayImportDesc.ImportAddressTableRVA {
			if rva < delayImportDesc.ImportNameTableRVA {
				maxLen = rva - delayImportDesc.ImportAddressTableRVA
			} else if rva < delayImportDesc.ImportAddressTableRVA {
				maxLen = rva - delayImportDesc.ImportNameTableRVA
			} else {
				maxLen = Max(rva-delayImportDesc.ImportNameTableRVA,
					rva-delayImportDesc.ImportAddressTableRVA)
			}
		}

		var importedFunctions []ImportFunction
		if pe.Is64 {
			importedFunctions, err = pe.parseImports64(&delayImportDesc, maxLen)
		} else {
			importedFunctions, err = pe.parseImports32(&delayImportDesc, maxLen)
		}
		if err != nil {
			return err
		}

		dllName := pe.getStringAtRVA(delayImportDesc.Name, maxDllLength)
		if !IsValidDosFilename(dllName) {
			dllName = "*invalid*"
			continue
		}

		pe.DelayImports = append(pe.DelayImports, DelayImport{
			Offset:     fileOffset,
			Name:       string(dllName),
			Functions:  importedFunctions,
			Descriptor: delayImportDesc,
		})
	}

	if len(pe.DelayImports) > 0 {
		pe.HasDelayImp = true
	}

	return nil
}
