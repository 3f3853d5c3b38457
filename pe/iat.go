// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

// IATEntry is one slot of the Import Address Table: a pointer-sized cell
// that starts out holding the same lookup value as its Import Lookup
// Table counterpart, and gets overwritten in place with the callee's
// resolved address once a loader binds the image. Keeping the IAT
// separate from the lookup table means binding only dirties the IAT's
// pages rather than the whole import section.
type IATEntry struct {
	Index   uint32      `json:"index"`
	Rva     uint32      `json:"rva"`
	Value   interface{} `json:"value,omitempty"`
	Meaning string      `json:"meaning"`
}

// readIATSlot reads one IAT cell (8 bytes on PE32+, 4 on PE32) at rva and
// returns its raw value plus the rva of the following slot.
func (pe *File) readIATSlot(rva uint32) (value interface{}, next uint32, err error) {
	offset := pe.GetOffsetFromRva(rva)
	if pe.Is64 {
		v, err := pe.ReadUint64(offset)
		return v, rva + 8, err
	}
	v, err := pe.ReadUint32(offset)
	return v, rva + 4, err
}

// parseIATDirectory walks the IMAGE_DIRECTORY_ENTRY_IAT range slot by
// slot, annotating each with the import it resolves to (when the entry
// also appears in the parsed import table) so tooling can render the
// table without cross-referencing it by hand.
func (pe *File) parseIATDirectory(rva, size uint32) error {
	end := rva + size
	entries := make([]IATEntry, 0)

	for index := uint32(0); rva < end; index++ {
		slotRva := rva
		value, nextRva, err := pe.readIATSlot(rva)
		if err != nil {
			break
		}
		rva = nextRva

		entry := IATEntry{Index: index, Rva: slotRva, Value: value}
		if imp, fnIdx := pe.GetImportEntryInfoByRVA(slotRva); len(imp.Functions) != 0 {
			entry.Meaning = imp.Name + "!" + imp.Functions[fnIdx].Name
		}
		entries = append(entries, entry)
	}

	pe.IAT = entries
	pe.HasIAT = true
	return nil
}
