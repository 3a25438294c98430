// Package fixup implements the fixup applier: given a block whose
// symbols all have their final runtime addresses, it computes each
// edge's resolved value and patches the block's content bytes,
// per the encodings in spec §4.3. This generalizes
// MachOJITLinker_arm64::applyFixup from the original source.
package fixup

import (
	"encoding/binary"

	"github.com/apex/log"

	"github.com/blacktop/macho-jitlink/graph"
	"github.com/blacktop/macho-jitlink/linkerr"
)

const pageMask = uint64(4096 - 1)

// Apply patches every edge in block's content in insertion order (§5).
func Apply(g *graph.LinkGraph, blockID graph.BlockID, logger log.Interface) error {
	if logger == nil {
		logger = log.Log
	}
	block := g.Block(blockID)
	for i := range block.Edges {
		e := &block.Edges[i]
		if err := applyEdge(g, block, *e); err != nil {
			return err
		}
		logger.WithField("kind", e.Kind.String()).WithField("offset", e.Offset).Debug("applied fixup")
	}
	return nil
}

func applyEdge(g *graph.LinkGraph, b *graph.Block, e graph.Edge) error {
	target := g.Address(e.Target)
	fixupAddress := b.Address + e.Offset
	p := b.Content[e.Offset:]

	switch e.Kind {
	case graph.Branch26:
		return applyBranch26(b, e, p, target, fixupAddress)
	case graph.Pointer32:
		return applyPointer32(b, e, p, target)
	case graph.Pointer64, graph.Pointer64Anon:
		binary.LittleEndian.PutUint64(p, uint64(int64(target)+e.Addend))
		return nil
	case graph.Page21, graph.GOTPage21:
		return applyPage21(b, e, p, target)
	case graph.PageOffset12:
		return applyPageOffset12(b, e, p, target, false)
	case graph.GOTPageOffset12:
		return applyPageOffset12(b, e, p, target, true)
	case graph.LDRLiteral19:
		return applyLDRLiteral19(b, e, p, target, fixupAddress)
	case graph.Delta32, graph.Delta64, graph.NegDelta32, graph.NegDelta64:
		return applyDelta(b, e, p, target, fixupAddress)
	default:
		return linkerr.NewError(linkerr.BadRelocation, "unrecognized edge kind %v in block at %#x", e.Kind, b.Address)
	}
}

func applyBranch26(b *graph.Block, e graph.Edge, p []byte, target, fixupAddress uint64) error {
	value := int64(target) - int64(fixupAddress) + e.Addend
	if value&3 != 0 {
		return linkerr.NewError(linkerr.Misalignment, "Branch26 target %#x is not 4-byte aligned (fixup at %#x)", target, fixupAddress)
	}
	if value < -(1<<27) || value >= (1<<27) {
		return linkerr.NewError(linkerr.OutOfRange, "Branch26 target %#x out of range of fixup at %#x (value=%#x)", target, fixupAddress, value)
	}
	instr := binary.LittleEndian.Uint32(p)
	if instr&0x7fffffff != 0x14000000 {
		return linkerr.NewError(linkerr.BadInstr, "Branch26 fixup at %#x is not a B or BL instruction (instr=%#08x)", fixupAddress, instr)
	}
	imm26 := uint32(value>>2) & 0x3ffffff
	binary.LittleEndian.PutUint32(p, (instr&0xfc000000)|imm26)
	return nil
}

func applyPointer32(b *graph.Block, e graph.Edge, p []byte, target uint64) error {
	value := int64(target) + e.Addend
	if value < 0 || uint64(value) > 0xffffffff {
		return linkerr.NewError(linkerr.OutOfRange, "Pointer32 value %#x out of range in block at %#x offset %#x", value, b.Address, e.Offset)
	}
	binary.LittleEndian.PutUint32(p, uint32(value))
	return nil
}

func applyPage21(b *graph.Block, e graph.Edge, p []byte, target uint64) error {
	if e.Addend != 0 {
		return linkerr.NewError(linkerr.BadRelocation, "%v at offset %#x of block %#x has non-zero addend %#x", e.Kind, e.Offset, b.Address, e.Addend)
	}
	targetPage := target &^ pageMask
	pcPage := b.Address &^ pageMask
	pageDelta := int64(targetPage) - int64(pcPage)
	if pageDelta < -(1<<30) || pageDelta >= (1<<30) {
		return linkerr.NewError(linkerr.OutOfRange, "%v page delta %#x out of range in block at %#x offset %#x", e.Kind, pageDelta, b.Address, e.Offset)
	}
	instr := binary.LittleEndian.Uint32(p)
	if instr&0xffffffe0 != 0x90000000 {
		return linkerr.NewError(linkerr.BadInstr, "%v fixup in block at %#x offset %#x is not an ADRP instruction (instr=%#08x)", e.Kind, b.Address, e.Offset, instr)
	}
	immLo := uint32(pageDelta>>12) & 0x3
	immHi := uint32(pageDelta>>14) & 0x7ffff
	binary.LittleEndian.PutUint32(p, instr|(immLo<<29)|(immHi<<5))
	return nil
}

func applyPageOffset12(b *graph.Block, e graph.Edge, p []byte, target uint64, got bool) error {
	if e.Addend != 0 {
		return linkerr.NewError(linkerr.BadRelocation, "%v at offset %#x of block %#x has non-zero addend %#x", e.Kind, e.Offset, b.Address, e.Addend)
	}
	offset := target & 0xfff
	instr := binary.LittleEndian.Uint32(p)

	if got {
		if instr&0xfffffc00 != 0xf9400000 {
			return linkerr.NewError(linkerr.BadInstr, "GOTPageOffset12 fixup in block at %#x offset %#x is not a 64-bit LDR immediate (instr=%#08x)", b.Address, e.Offset, instr)
		}
		binary.LittleEndian.PutUint32(p, instr|(uint32(offset)<<10))
		return nil
	}

	shift := pageOffset12Shift(instr)
	if offset&((1<<shift)-1) != 0 {
		return linkerr.NewError(linkerr.Misalignment, "PageOffset12 target %#x is not %d-byte aligned (fixup in block at %#x offset %#x)", target, 1<<shift, b.Address, e.Offset)
	}
	binary.LittleEndian.PutUint32(p, instr|((uint32(offset)>>shift)<<10))
	return nil
}

func applyLDRLiteral19(b *graph.Block, e graph.Edge, p []byte, target, fixupAddress uint64) error {
	if e.Addend != 0 {
		return linkerr.NewError(linkerr.BadRelocation, "LDRLiteral19 at offset %#x of block %#x has non-zero addend %#x", e.Offset, b.Address, e.Addend)
	}
	instr := binary.LittleEndian.Uint32(p)
	if instr != 0x58000010 {
		return linkerr.NewError(linkerr.BadInstr, "LDRLiteral19 fixup at %#x is not a 64-bit LDR literal (instr=%#08x)", fixupAddress, instr)
	}
	delta := int64(target) - int64(fixupAddress)
	if delta&3 != 0 {
		return linkerr.NewError(linkerr.Misalignment, "LDRLiteral19 target %#x is not 4-byte aligned (fixup at %#x)", target, fixupAddress)
	}
	if delta < -(1<<20) || delta >= (1<<20) {
		return linkerr.NewError(linkerr.OutOfRange, "LDRLiteral19 target %#x out of range of fixup at %#x (delta=%#x)", target, fixupAddress, delta)
	}
	imm := uint32(delta>>2) & 0x7ffff
	binary.LittleEndian.PutUint32(p, instr|(imm<<5))
	return nil
}

func applyDelta(b *graph.Block, e graph.Edge, p []byte, target, fixupAddress uint64) error {
	var value int64
	is32 := false
	switch e.Kind {
	case graph.Delta32:
		value = int64(target) - int64(fixupAddress) + e.Addend
		is32 = true
	case graph.Delta64:
		value = int64(target) - int64(fixupAddress) + e.Addend
	case graph.NegDelta32:
		value = int64(fixupAddress) - int64(target) + e.Addend
		is32 = true
	case graph.NegDelta64:
		value = int64(fixupAddress) - int64(target) + e.Addend
	}
	if is32 {
		if value < -(1<<31) || value > (1<<31)-1 {
			return linkerr.NewError(linkerr.OutOfRange, "%v value %#x out of range in block at %#x offset %#x", e.Kind, value, b.Address, e.Offset)
		}
		binary.LittleEndian.PutUint32(p, uint32(value))
		return nil
	}
	binary.LittleEndian.PutUint64(p, uint64(value))
	return nil
}
