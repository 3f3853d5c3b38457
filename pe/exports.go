// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"encoding/binary"
)

const maxExportNameLength = 0x200

// ImageExportDirectory represents the IMAGE_EXPORT_DIRECTORY structure.
// It contains the address table that is used to resolve import references
// to the entry points within this image.
type ImageExportDirectory struct {
	// Reserved, must be 0.
	Characteristics uint32 `json:"characteristics"`

	// The time and date that the export data was created.
	TimeDateStamp uint32 `json:"time_date_stamp"`

	// The major version number.
	MajorVersion uint16 `json:"major_version"`

	// The minor version number.
	MinorVersion uint16 `json:"minor_version"`

	// The address of the ASCII string that contains the name of the DLL.
	// This address is relative to the image base.
	Name uint32 `json:"name"`

	// The starting ordinal number for exports in this image. This field
	// specifies the starting ordinal number for the export address table.
	Base uint32 `json:"base"`

	// The number of entries in the export address table.
	NumberOfFunctions uint32 `json:"number_of_functions"`

	// The number of entries in the name pointer table. This is also the
	// number of entries in the ordinal table.
	NumberOfNames uint32 `json:"number_of_names"`

	// The address of the export address table, relative to the image base.
	AddressOfFunctions uint32 `json:"address_of_functions"`

	// The address of the export name pointer table, relative to the image
	// base. The table size is given by NumberOfNames.
	AddressOfNames uint32 `json:"address_of_names"`

	// The address of the ordinal table, relative to the image base.
	AddressOfNameOrdinals uint32 `json:"address_of_name_ordinals"`
}

// ExportFunction represents an exported function in the export table.
type ExportFunction struct {
	// The ordinal of this function.
	Ordinal uint32 `json:"ordinal"`

	// The RVA of the exported symbol, relative to the image base.
	FunctionRVA uint32 `json:"function_rva"`

	// The RVA of the symbol name, relative to the image base. Zero when the
	// function is exported by ordinal only.
	NameRVA uint32 `json:"name_rva"`

	// The name of the exported symbol.
	Name string `json:"name"`

	// Set when the export address points inside the export directory itself,
	// meaning the entry forwards to another DLL's export.
	Forwarder string `json:"forwarder"`

	// The RVA of the forwarder string.
	ForwarderRVA uint32 `json:"forwarder_rva"`
}

// Export represents the parsed export table: its directory header, the
// module name it advertises and every resolved exported function.
type Export struct {
	Struct    ImageExportDirectory `json:"struct"`
	Name      string               `json:"name"`
	Functions []ExportFunction     `json:"functions"`
}

// The export data section, named .edata, contains information about symbols
// that other images can access through dynamic linking. Exported symbols are
// generally found in DLLs, but DLLs and EXEs can both export symbols.
func (pe *File) parseExportDirectory(rva, size uint32) error {

	exportDir := ImageExportDirectory{}
	exportDirSize := uint32(binary.Size(exportDir))
	offset := pe.GetOffsetFromRva(rva)
	err := pe.structUnpack(&exportDir, offset, exportDirSize)
	if err != nil {
		return err
	}

	// The NumberOfFunctions and NumberOfNames are generally equal unless
	// there exist holes in the array of exported entry points caused by
	// forwarders or by functions exported by ordinal only.
	functions := make([]ExportFunction, 0, exportDir.NumberOfFunctions)
	addressOfFunctions := pe.GetOffsetFromRva(exportDir.AddressOfFunctions)
	addressOfNames := pe.GetOffsetFromRva(exportDir.AddressOfNames)
	addressOfNameOrdinals := pe.GetOffsetFromRva(exportDir.AddressOfNameOrdinals)

	for i := uint32(0); i < exportDir.NumberOfFunctions; i++ {
		functionRVA, err := pe.ReadUint32(addressOfFunctions + 4*i)
		if err != nil {
			break
		}
		if functionRVA == 0 {
			continue
		}

		function := ExportFunction{
			Ordinal:     exportDir.Base + i,
			FunctionRVA: functionRVA,
		}

		// An export address can point either to actual code/data inside
		// this image, or - when it falls within the export directory's own
		// RVA range - to an ASCII forwarder string of the form
		// "OTHERDLL.OtherFunctionName".
		if functionRVA >= rva && functionRVA < rva+size {
			function.ForwarderRVA = functionRVA
			function.Forwarder = string(pe.getStringAtRVA(functionRVA, maxExportNameLength))
		}

		functions = append(functions, function)
	}

	// The name pointer table and ordinal table are parallel arrays; the i-th
	// entry of the ordinal table gives the index, into the address table
	// above, of the function named by the i-th entry of the name table.
	for i := uint32(0); i < exportDir.NumberOfNames; i++ {
		nameRVA, err := pe.ReadUint32(addressOfNames + 4*i)
		if err != nil {
			break
		}
		ordIndex, err := pe.ReadUint16(addressOfNameOrdinals + 2*i)
		if err != nil {
			break
		}
		if uint32(ordIndex) >= uint32(len(functions)) {
			continue
		}

		name := string(pe.getStringAtRVA(nameRVA, maxExportNameLength))
		functions[ordIndex].Name = name
		functions[ordIndex].NameRVA = nameRVA
	}

	name := string(pe.getStringAtRVA(exportDir.Name, maxExportNameLength))

	pe.Export = Export{
		Struct:    exportDir,
		Name:      name,
		Functions: functions,
	}
	pe.HasExport = true

	return nil
}
