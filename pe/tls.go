// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import "encoding/binary"

// TLSDirectoryCharacteristicsType is the `Characteristics` field of a
// TLS directory (its low 4 bits name a section alignment, mirroring
// IMAGE_SCN_ALIGN_*).
type TLSDirectoryCharacteristicsType uint32

// TLSDirectory holds the parsed Thread Local Storage directory: the
// raw IMAGE_TLS_DIRECTORY32/64 struct plus its resolved callback array.
// This emulator parses the directory for completeness but does not
// invoke the callbacks (see DESIGN.md).
type TLSDirectory struct {
	Struct    interface{} `json:"struct"`    // ImageTLSDirectory32 or ImageTLSDirectory64
	Callbacks interface{} `json:"callbacks"` // []uint32 or []uint64
}

// ImageTLSDirectory32 is IMAGE_TLS_DIRECTORY32.
type ImageTLSDirectory32 struct {
	StartAddressOfRawData uint32                          `json:"start_address_of_raw_data"`
	EndAddressOfRawData   uint32                          `json:"end_address_of_raw_data"`
	AddressOfIndex        uint32                          `json:"address_of_index"`
	AddressOfCallBacks    uint32                          `json:"address_of_callbacks"`
	SizeOfZeroFill        uint32                          `json:"size_of_zero_fill"`
	Characteristics       TLSDirectoryCharacteristicsType `json:"characteristics"`
}

// ImageTLSDirectory64 is IMAGE_TLS_DIRECTORY64.
type ImageTLSDirectory64 struct {
	StartAddressOfRawData uint64                          `json:"start_address_of_raw_data"`
	EndAddressOfRawData   uint64                          `json:"end_address_of_raw_data"`
	AddressOfIndex        uint64                          `json:"address_of_index"`
	AddressOfCallBacks    uint64                          `json:"address_of_callbacks"`
	SizeOfZeroFill        uint32                          `json:"size_of_zero_fill"`
	Characteristics       TLSDirectoryCharacteristicsType `json:"characteristics"`
}

// readTLSCallbacks64 walks the null-terminated array of VAs at
// AddressOfCallBacks for a PE32+ image.
func (pe *File) readTLSCallbacks64(addressOfCallBacks, imageBase uint64) []uint64 {
	rva := uint32(addressOfCallBacks - imageBase)
	offset := pe.GetOffsetFromRva(rva)

	var callbacks []uint64
	for {
		v, err := pe.ReadUint64(offset)
		if err != nil || v == 0 {
			return callbacks
		}
		callbacks = append(callbacks, v)
		offset += 8
	}
}

// readTLSCallbacks32 is the PE32 counterpart of readTLSCallbacks64.
func (pe *File) readTLSCallbacks32(addressOfCallBacks, imageBase uint32) []uint32 {
	rva := addressOfCallBacks - imageBase
	offset := pe.GetOffsetFromRva(rva)

	var callbacks []uint32
	for {
		v, err := pe.ReadUint32(offset)
		if err != nil || v == 0 {
			return callbacks
		}
		callbacks = append(callbacks, v)
		offset += 4
	}
}

// parseTLSDirectory reads IMAGE_DIRECTORY_ENTRY_TLS and, when present,
// resolves its callback array. Samples with a TLS directory but no
// callbacks are common (see sample 94a9dc17...635f1df9) — an empty
// AddressOfCallBacks is not an error.
func (pe *File) parseTLSDirectory(rva, size uint32) error {
	tls := TLSDirectory{}
	fileOffset := pe.GetOffsetFromRva(rva)

	if pe.Is64 {
		var dir ImageTLSDirectory64
		if err := pe.structUnpack(&dir, fileOffset, uint32(binary.Size(dir))); err != nil {
			return err
		}
		tls.Struct = dir
		if dir.AddressOfCallBacks != 0 {
			imageBase := pe.NtHeader.OptionalHeader.(ImageOptionalHeader64).ImageBase
			tls.Callbacks = pe.readTLSCallbacks64(dir.AddressOfCallBacks, imageBase)
		}
	} else {
		var dir ImageTLSDirectory32
		if err := pe.structUnpack(&dir, fileOffset, uint32(binary.Size(dir))); err != nil {
			return err
		}
		tls.Struct = dir
		if dir.AddressOfCallBacks != 0 {
			imageBase := pe.NtHeader.OptionalHeader.(ImageOptionalHeader32).ImageBase
			tls.Callbacks = pe.readTLSCallbacks32(dir.AddressOfCallBacks, imageBase)
		}
	}

	pe.TLS = tls
	pe.HasTLS = true
	return nil
}

// String renders a TLS directory's `Characteristics` field.
func (c TLSDirectoryCharacteristicsType) String() string {
	names := map[TLSDirectoryCharacteristicsType]string{
		ImageScnAlign1Bytes:    "Align 1-Byte",
		ImageScnAlign2Bytes:    "Align 2-Bytes",
		ImageScnAlign4Bytes:    "Align 4-Bytes",
		ImageScnAlign8Bytes:    "Align 8-Bytes",
		ImageScnAlign16Bytes:   "Align 16-Bytes",
		ImageScnAlign32Bytes:   "Align 32-Bytes",
		ImageScnAlign64Bytes:   "Align 64-Bytes",
		ImageScnAlign128Bytes:  "Align 128-Bytes",
		ImageScnAlign256Bytes:  "Align 256-Bytes",
		ImageScnAlign512Bytes:  "Align 512-Bytes",
		ImageScnAlign1024Bytes: "Align 1024-Bytes",
		ImageScnAlign2048Bytes: "Align 2048-Bytes",
		ImageScnAlign4096Bytes: "Align 4096-Bytes",
		ImageScnAlign8192Bytes: "Align 8192-Bytes",
	}
	if v, ok := names[c]; ok {
		return v
	}
	return "?"
}
