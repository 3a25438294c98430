// Package reloc decodes the raw Mach-O relocation_info wire format used
// by AArch64 objects. AArch64 Mach-O never emits scattered
// relocations, so this package only implements the non-scattered
// bitfield layout; the bit-unpacking mirrors the generic
// relocInfo/Reloc split in blacktop/go-macho's file.go, specialized to
// the fields the arm64 backend needs (r_type, r_pcrel, r_extern,
// r_length, r_symbolnum).
package reloc

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Type is a raw ARM64_RELOC_* relocation type, per Mach-O/arm64.
type Type uint8

const (
	Unsigned          Type = 0
	Subtractor        Type = 1
	Branch26          Type = 2
	Page21            Type = 3
	PageOff12         Type = 4
	GOTLoadPage21     Type = 5
	GOTLoadPageOff12  Type = 6
	PointerToGOT      Type = 7
	TLVPLoadPage21    Type = 8
	TLVPLoadPageOff12 Type = 9
	Addend            Type = 10
)

func (t Type) String() string {
	switch t {
	case Unsigned:
		return "UNSIGNED"
	case Subtractor:
		return "SUBTRACTOR"
	case Branch26:
		return "BRANCH26"
	case Page21:
		return "PAGE21"
	case PageOff12:
		return "PAGEOFF12"
	case GOTLoadPage21:
		return "GOT_LOAD_PAGE21"
	case GOTLoadPageOff12:
		return "GOT_LOAD_PAGEOFF12"
	case PointerToGOT:
		return "POINTER_TO_GOT"
	case TLVPLoadPage21:
		return "TLVP_LOAD_PAGE21"
	case TLVPLoadPageOff12:
		return "TLVP_LOAD_PAGEOFF12"
	case Addend:
		return "ADDEND"
	default:
		return "UNKNOWN"
	}
}

// Info is a single decoded Mach-O relocation_info record.
type Info struct {
	Address   uint32 // r_address: offset from the section's address
	SymbolNum uint32 // r_symbolnum: symbol index, section index, or (for ADDEND) the raw addend
	PCRel     bool   // r_pcrel
	Length    uint8  // r_length: 0=byte 1=word 2=long 3=quad
	Extern    bool   // r_extern
	RelocType Type   // r_type
}

// rawRecord is the packed 8-byte relocation_info wire layout.
type rawRecord struct {
	Address uint32
	Flags   uint32
}

// Decode reads count consecutive relocation_info records from r in the
// given byte order.
func Decode(r io.Reader, bo binary.ByteOrder, count int) ([]Info, error) {
	out := make([]Info, count)
	for i := range out {
		var raw rawRecord
		if err := binary.Read(r, bo, &raw); err != nil {
			return nil, errors.Wrapf(err, "reading relocation_info %d/%d", i, count)
		}
		if raw.Address&(1<<31) != 0 {
			return nil, errors.Errorf("scattered relocation at index %d is not supported for arm64", i)
		}
		var info Info
		switch bo {
		case binary.LittleEndian:
			info = Info{
				Address:   raw.Address,
				SymbolNum: raw.Flags & (1<<24 - 1),
				PCRel:     raw.Flags&(1<<24) != 0,
				Length:    uint8((raw.Flags >> 25) & (1<<2 - 1)),
				Extern:    raw.Flags&(1<<27) != 0,
				RelocType: Type((raw.Flags >> 28) & (1<<4 - 1)),
			}
		case binary.BigEndian:
			info = Info{
				Address:   raw.Address,
				SymbolNum: raw.Flags >> 8,
				PCRel:     raw.Flags&(1<<7) != 0,
				Length:    uint8((raw.Flags >> 5) & (1<<2 - 1)),
				Extern:    raw.Flags&(1<<4) != 0,
				RelocType: Type(raw.Flags & (1<<4 - 1)),
			}
		default:
			return nil, errors.New("unsupported byte order")
		}
		out[i] = info
	}
	return out, nil
}
