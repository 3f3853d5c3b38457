// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// The following values are defined for the Type field of the debug directory
// entry. Only CodeView (PDB) entries carry a payload this emulator consumes;
// the rest are recognized and reported but not decoded further.
const (
	ImageDebugTypeUnknown   = 0
	ImageDebugTypeCOFF      = 1
	ImageDebugTypeCodeView  = 2
	ImageDebugTypeFPO       = 3
	ImageDebugTypeMisc      = 4
	ImageDebugTypeException = 5
	ImageDebugTypeFixup     = 6
)

const (
	// CVSignatureRSDS represents the CodeView signature 'SDSR'.
	CVSignatureRSDS = 0x53445352

	// CVSignatureNB10 represents the CodeView signature 'NB10'.
	CVSignatureNB10 = 0x3031424e
)

// ImageDebugDirectoryType represents the type of a debug directory.
type ImageDebugDirectoryType uint32

// ImageDebugDirectory represents the IMAGE_DEBUG_DIRECTORY structure.
// This directory indicates what form of debug information is present
// and where it is. This directory consists of an array of debug directory
// entries whose location and size are indicated in the image optional header.
type ImageDebugDirectory struct {
	// Reserved, must be 0.
	Characteristics uint32 `json:"characteristics"`

	// The time and date that the debug data was created.
	TimeDateStamp uint32 `json:"time_date_stamp"`

	// The major version number of the debug data format.
	MajorVersion uint16 `json:"major_version"`

	// The minor version number of the debug data format.
	MinorVersion uint16 `json:"minor_version"`

	// The format of debugging information. This field enables support of
	// multiple debuggers.
	Type ImageDebugDirectoryType `json:"type"`

	// The size of the debug data (not including the debug directory itself).
	SizeOfData uint32 `json:"size_of_data"`

	//The address of the debug data when loaded, relative to the image base.
	AddressOfRawData uint32 `json:"address_of_raw_data"`

	// The file pointer to the debug data.
	PointerToRawData uint32 `json:"pointer_to_raw_data"`
}

// DebugEntry wraps ImageDebugDirectory to include debug directory type.
type DebugEntry struct {
	// Points to the image debug entry structure.
	Struct ImageDebugDirectory `json:"struct"`

	// Holds specific information about the debug type entry.
	Info interface{} `json:"info"`

	// Type of the debug entry.
	Type string `json:"type"`
}

// GUID is a 128-bit value consisting of one group of 8 hexadecimal digits,
// followed by three groups of 4 hexadecimal digits each, followed by one
// group of 12 hexadecimal digits.
type GUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

// CVSignature represents a CodeView signature.
type CVSignature uint32

// CVInfoPDB70 represents the the CodeView data block of a PDB 7.0 file.
type CVInfoPDB70 struct {
	// CodeView signature, equal to `RSDS`.
	CVSignature CVSignature `json:"cv_signature"`

	// A unique identifier, which changes with every rebuild of the executable and PDB file.
	Signature GUID `json:"signature"`

	// Ever-incrementing value, which is initially set to 1 and incremented every
	// time when a part of the PDB file is updated without rewriting the whole file.
	Age uint32 `json:"age"`

	// Null-terminated name of the PDB file. It can also contain full or partial
	// path to the file.
	PDBFileName string `json:"pdb_file_name"`
}

// CVHeader represents the the CodeView header struct to the PDB 2.0 file.
type CVHeader struct {
	// CodeView signature, equal to `NB10`.
	Signature CVSignature `json:"signature"`

	// CodeView offset. Set to 0, because debug information is stored in a
	// separate file.
	Offset uint32 `json:"offset"`
}

// CVInfoPDB20 represents the the CodeView data block of a PDB 2.0 file.
type CVInfoPDB20 struct {
	// Points to the CodeView header structure.
	CVHeader CVHeader `json:"cv_header"`

	// The time when debug information was created (in seconds since 01.01.1970).
	Signature uint32 `json:"signature"`

	// Ever-incrementing value, which is initially set to 1 and incremented every
	// time when a part of the PDB file is updated without rewriting the whole file.
	Age uint32 `json:"age"`

	// Null-terminated name of the PDB file. It can also contain full or partial
	// path to the file.
	PDBFileName string `json:"pdb_file_name"`
}

// Image files contain an optional debug directory that indicates what form of
// debug information is present and where it is. This directory consists of an
// array of debug directory entries whose location and size are indicated in the
// image optional header. Only the CodeView (RSDS/NB10) entry is decoded; other
// entry types are recorded with their raw directory struct and no Info payload.
func (pe *File) parseDebugDirectory(rva, size uint32) error {

	debugDir := ImageDebugDirectory{}
	errorMsg := fmt.Sprintf("Invalid debug information. Can't read data at RVA: 0x%x", rva)
	debugDirSize := uint32(binary.Size(debugDir))
	debugDirsCount := size / debugDirSize

	for i := uint32(0); i < debugDirsCount; i++ {
		debugEntry := DebugEntry{}
		offset := pe.GetOffsetFromRva(rva + debugDirSize*i)
		err := pe.structUnpack(&debugDir, offset, debugDirSize)
		if err != nil {
			return errors.New(errorMsg)
		}

		if debugDir.Type == ImageDebugTypeCodeView {
			debugSignature, err := pe.ReadUint32(debugDir.PointerToRawData)
			if err == nil {
				switch debugSignature {
				case CVSignatureRSDS:
					pdb := CVInfoPDB70{CVSignature: CVSignatureRSDS}
					offset := debugDir.PointerToRawData + 4
					guidSize := uint32(binary.Size(pdb.Signature))
					if err := pe.structUnpack(&pdb.Signature, offset, guidSize); err == nil {
						offset += guidSize
						if pdb.Age, err = pe.ReadUint32(offset); err == nil {
							offset += 4
							if debugDir.SizeOfData > 24 {
								pdbFilenameSize := debugDir.SizeOfData - 24 - 1
								if pdbFilenameSize > 0 {
									if name, err := pe.ReadBytesAtOffset(offset, pdbFilenameSize); err == nil {
										pdb.PDBFileName = string(name)
									}
								}
							}
						}
					}
					debugEntry.Info = pdb
				case CVSignatureNB10:
					cvHeader := CVHeader{}
					offset := debugDir.PointerToRawData
					if err := pe.structUnpack(&cvHeader, offset, uint32(binary.Size(cvHeader))); err == nil {
						pdb := CVInfoPDB20{CVHeader: cvHeader}
						pdb.Signature, _ = pe.ReadUint32(offset + 8)
						pdb.Age, _ = pe.ReadUint32(offset + 12)
						if debugDir.SizeOfData > 16 {
							pdbFilenameSize := debugDir.SizeOfData - 16 - 1
							if pdbFilenameSize > 0 {
								if name, err := pe.ReadBytesAtOffset(offset+16, pdbFilenameSize); err == nil {
									pdb.PDBFileName = string(name)
								}
							}
						}
						debugEntry.Info = pdb
					}
				}
			}
		}

		debugEntry.Struct = debugDir
		debugEntry.Type = debugDir.Type.String()
		pe.Debugs = append(pe.Debugs, debugEntry)
	}

	if len(pe.Debugs) > 0 {
		pe.HasDebug = true
	}

	return nil
}

// String returns the string representation of a GUID.
func (g GUID) String() string {
	return fmt.Sprintf("{%06X-%04X-%04X-%04X-%X}", g.Data1, g.Data2, g.Data3, g.Data4[0:2], g.Data4[2:])
}

// String returns the string representation of a debug entry type.
func (t ImageDebugDirectoryType) String() string {

	debugTypeMap := map[ImageDebugDirectoryType]string{
		ImageDebugTypeUnknown:   "Unknown",
		ImageDebugTypeCOFF:      "COFF",
		ImageDebugTypeCodeView:  "CodeView",
		ImageDebugTypeFPO:       "FPO",
		ImageDebugTypeMisc:      "Misc",
		ImageDebugTypeException: "Exception",
		ImageDebugTypeFixup:     "Fixup",
	}

	v, ok := debugTypeMap[t]
	if ok {
		return v
	}

	return "?"
}

// String returns a string interpretation of a CodeView signature.
func (s CVSignature) String() string {
	cvSignatureMap := map[CVSignature]string{
		CVSignatureRSDS: "RSDS",
		CVSignatureNB10: "NB10",
	}

	v, ok := cvSignatureMap[s]
	if ok {
		return v
	}

	return "?"
}
