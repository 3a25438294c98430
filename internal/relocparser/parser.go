// Package relocparser implements the relocation parser: it walks the
// Mach-O relocation stream for every section of an already-loaded
// object and turns each record into a graph.Edge, per the AArch64
// table in spec §6.1. This is a direct generalization of
// MachOLinkGraphBuilder_arm64::addRelocations from the original LLVM
// JITLink MachO_arm64 backend.
package relocparser

import (
	"encoding/binary"

	"github.com/apex/log"

	"github.com/blacktop/macho-jitlink/graph"
	"github.com/blacktop/macho-jitlink/linkerr"
	"github.com/blacktop/macho-jitlink/reloc"
)

// RawSection is the per-section view of an already-parsed Mach-O
// object that the parser needs: its base address and its relocation
// records in file order. Everything else (section content, symbols)
// is assumed already present in the graph, per the out-of-scope
// contract in spec §1.
type RawSection struct {
	Name        string
	Address     uint64
	Relocations []reloc.Info
}

// SectionParser is a custom, non-relocation-table section parser, the
// hook point supplementing this backend from the original source's
// __eh_frame handling (spec §12.1). It is given the whole section and
// is responsible for adding whatever edges it needs directly.
type SectionParser func(g *graph.LinkGraph, section RawSection) error

// Hooks bundles the parser's optional collaborators.
type Hooks struct {
	// CustomSectionParser, if non-nil, is consulted for every section
	// name before the standard relocation-table walk. If it returns
	// ok, the section is handed to the returned SectionParser instead
	// of being walked as ordinary relocation records.
	CustomSectionParser func(name string) (SectionParser, bool)
	// Log receives Debug-level edge-creation tracing, mirroring the
	// original source's LLVM_DEBUG call sites. Defaults to log.Log
	// (apex/log's package-level logger) when nil.
	Log log.Interface
}

func (h Hooks) logger() log.Interface {
	if h.Log != nil {
		return h.Log
	}
	return log.Log
}

// rawRelocKind is the parser-local tagged value a raw relocation
// record decodes to: either a real graph edge kind, or the transient
// PairedAddend marker, which must never escape into graph.EdgeKind
// (spec §3, §9).
type rawRelocKind struct {
	pairedAddend bool
	kind         graph.EdgeKind
}

// decodeKind maps (r_type, r_pcrel, r_extern, r_length) to an edge
// kind per the table in spec §6.1. Any combination outside the table
// fails BadRelocation with the raw quadruple in the message.
func decodeKind(ri reloc.Info) (rawRelocKind, error) {
	switch ri.RelocType {
	case reloc.Unsigned:
		if !ri.PCRel {
			switch ri.Length {
			case 3:
				if ri.Extern {
					return rawRelocKind{kind: graph.Pointer64}, nil
				}
				return rawRelocKind{kind: graph.Pointer64Anon}, nil
			case 2:
				return rawRelocKind{kind: graph.Pointer32}, nil
			}
		}
	case reloc.Subtractor:
		if !ri.PCRel && ri.Extern {
			switch ri.Length {
			case 2:
				return rawRelocKind{kind: graph.Delta32}, nil
			case 3:
				return rawRelocKind{kind: graph.Delta64}, nil
			}
		}
	case reloc.Branch26:
		if ri.PCRel && ri.Extern && ri.Length == 2 {
			return rawRelocKind{kind: graph.Branch26}, nil
		}
	case reloc.Page21:
		if ri.PCRel && ri.Extern && ri.Length == 2 {
			return rawRelocKind{kind: graph.Page21}, nil
		}
	case reloc.PageOff12:
		if !ri.PCRel && ri.Extern && ri.Length == 2 {
			return rawRelocKind{kind: graph.PageOffset12}, nil
		}
	case reloc.GOTLoadPage21:
		if ri.PCRel && ri.Extern && ri.Length == 2 {
			return rawRelocKind{kind: graph.GOTPage21}, nil
		}
	case reloc.GOTLoadPageOff12:
		if !ri.PCRel && ri.Extern && ri.Length == 2 {
			return rawRelocKind{kind: graph.GOTPageOffset12}, nil
		}
	case reloc.PointerToGOT:
		if ri.PCRel && ri.Extern && ri.Length == 2 {
			return rawRelocKind{kind: graph.PointerToGOT}, nil
		}
	case reloc.Addend:
		if !ri.PCRel && !ri.Extern && ri.Length == 2 {
			return rawRelocKind{pairedAddend: true}, nil
		}
	}
	return rawRelocKind{}, linkerr.NewError(linkerr.BadRelocation,
		"unsupported arm64 relocation: address=%#x symbolnum=%#x type=%d pcrel=%v extern=%v length=%d",
		ri.Address, ri.SymbolNum, ri.RelocType, ri.PCRel, ri.Extern, ri.Length)
}

// Run parses every section's relocation records and adds the
// resulting edges to g.
func Run(g *graph.LinkGraph, sections []RawSection, hooks Hooks) error {
	log := hooks.logger()
	for _, section := range sections {
		if hooks.CustomSectionParser != nil {
			if parse, ok := hooks.CustomSectionParser(section.Name); ok {
				log.WithField("section", section.Name).Debug("delegating to custom section parser")
				if err := parse(g, section); err != nil {
					return err
				}
				continue
			}
		}
		if err := parseSection(g, section, log); err != nil {
			return err
		}
	}
	return nil
}

func parseSection(g *graph.LinkGraph, section RawSection, logger log.Interface) error {
	relocs := section.Relocations
	for i := 0; i < len(relocs); i++ {
		ri := relocs[i]

		decoded, err := decodeKind(ri)
		if err != nil {
			return err
		}

		fixupAddress := section.Address + uint64(ri.Address)

		fixSymID, err := g.FindSymbolByAddress(fixupAddress)
		if err != nil {
			return linkerr.Wrap(linkerr.MissingSymbol, err, "resolving fixup location %#x", fixupAddress)
		}
		blockToFix := g.AddressableBlock(fixSymID)
		block := g.Block(blockToFix)

		fixupOffset := fixupAddress - block.Address
		if err := g.CheckEdgeExtent(blockToFix, fixupOffset, decoded.kind); err != nil {
			return linkerr.Wrap(linkerr.ExtentOverflow, err, "relocation at %#x", fixupAddress)
		}
		content := block.Content

		// PairedAddend: consume the addend value, then advance to the
		// paired Branch26/Page21/PageOffset12 record and continue
		// resolving with that record's kind and r_symbolnum.
		var addend int64
		if decoded.pairedAddend {
			addend = int64(ri.SymbolNum)
			i++
			if i >= len(relocs) {
				return linkerr.NewError(linkerr.BadRelocation, "unpaired ADDEND relocation at %#x", fixupAddress)
			}
			ri = relocs[i]
			decoded, err = decodeKind(ri)
			if err != nil {
				return err
			}
			if decoded.pairedAddend || (decoded.kind != graph.Branch26 && decoded.kind != graph.Page21 && decoded.kind != graph.PageOffset12) {
				return linkerr.NewError(linkerr.BadRelocation, "invalid relocation pair: ADDEND + %v at %#x", decoded.kind, fixupAddress)
			}
			pairedFixupAddress := section.Address + uint64(ri.Address)
			if pairedFixupAddress != fixupAddress {
				return linkerr.NewError(linkerr.BadRelocation, "paired ADDEND relocation points at different target: %#x vs %#x", pairedFixupAddress, fixupAddress)
			}
		}

		var targetSymbol graph.SymbolID
		finalKind := decoded.kind

		switch decoded.kind {
		case graph.Branch26:
			targetSymbol, err = g.FindSymbolByIndex(int(ri.SymbolNum))
			if err != nil {
				return linkerr.Wrap(linkerr.MissingSymbol, err, "BRANCH26 at %#x", fixupAddress)
			}
			instr := binary.LittleEndian.Uint32(content[fixupOffset:])
			if instr&0x7fffffff != 0x14000000 {
				return linkerr.NewError(linkerr.BadInstr, "BRANCH26 at %#x is not a B or BL instruction with a zero addend (instr=%#08x)", fixupAddress, instr)
			}

		case graph.Pointer32:
			targetSymbol, err = g.FindSymbolByIndex(int(ri.SymbolNum))
			if err != nil {
				return linkerr.Wrap(linkerr.MissingSymbol, err, "Pointer32 at %#x", fixupAddress)
			}
			addend = int64(binary.LittleEndian.Uint32(content[fixupOffset:]))

		case graph.Pointer64:
			targetSymbol, err = g.FindSymbolByIndex(int(ri.SymbolNum))
			if err != nil {
				return linkerr.Wrap(linkerr.MissingSymbol, err, "Pointer64 at %#x", fixupAddress)
			}
			addend = int64(binary.LittleEndian.Uint64(content[fixupOffset:]))

		case graph.Pointer64Anon:
			targetAddr := binary.LittleEndian.Uint64(content[fixupOffset:])
			targetSymbol, err = g.FindSymbolByAddress(targetAddr)
			if err != nil {
				return linkerr.Wrap(linkerr.MissingSymbol, err, "Pointer64Anon target %#x at %#x", targetAddr, fixupAddress)
			}
			addend = int64(targetAddr) - int64(g.Address(targetSymbol))

		case graph.Page21, graph.GOTPage21:
			targetSymbol, err = g.FindSymbolByIndex(int(ri.SymbolNum))
			if err != nil {
				return linkerr.Wrap(linkerr.MissingSymbol, err, "%v at %#x", decoded.kind, fixupAddress)
			}
			instr := binary.LittleEndian.Uint32(content[fixupOffset:])
			if instr&0xffffffe0 != 0x90000000 {
				return linkerr.NewError(linkerr.BadInstr, "%v at %#x is not an ADRP instruction with a zero addend (instr=%#08x)", decoded.kind, fixupAddress, instr)
			}

		case graph.PageOffset12:
			targetSymbol, err = g.FindSymbolByIndex(int(ri.SymbolNum))
			if err != nil {
				return linkerr.Wrap(linkerr.MissingSymbol, err, "PageOffset12 at %#x", fixupAddress)
			}

		case graph.GOTPageOffset12:
			targetSymbol, err = g.FindSymbolByIndex(int(ri.SymbolNum))
			if err != nil {
				return linkerr.Wrap(linkerr.MissingSymbol, err, "GOTPageOffset12 at %#x", fixupAddress)
			}
			instr := binary.LittleEndian.Uint32(content[fixupOffset:])
			if instr&0xfffffc00 != 0xf9400000 {
				return linkerr.NewError(linkerr.BadInstr, "GOTPageOffset12 at %#x is not an LDR immediate instruction with a zero addend (instr=%#08x)", fixupAddress, instr)
			}

		case graph.PointerToGOT:
			targetSymbol, err = g.FindSymbolByIndex(int(ri.SymbolNum))
			if err != nil {
				return linkerr.Wrap(linkerr.MissingSymbol, err, "PointerToGOT at %#x", fixupAddress)
			}

		case graph.Delta32, graph.Delta64:
			pairKind, pairTarget, pairAddend, err := parseSubtractorPair(g, blockToFix, decoded.kind, ri, fixupAddress, content[fixupOffset:], relocs, &i)
			if err != nil {
				return err
			}
			finalKind, targetSymbol, addend = pairKind, pairTarget, pairAddend

		default:
			return linkerr.NewError(linkerr.BadRelocation, "unexpected relocation kind %v at %#x", decoded.kind, fixupAddress)
		}

		logger.WithField("kind", finalKind.String()).WithField("address", fixupAddress).Debug("parsed relocation")
		block.AddEdge(finalKind, fixupOffset, targetSymbol, addend)
	}
	return nil
}

// parseSubtractorPair implements spec §4.1 point 4: SUBTRACTOR must be
// immediately followed by an UNSIGNED relocation at the same address
// and length; the direction of the produced Delta/NegDelta edge
// depends on whether BlockToFix is the addressable of the 'From' or
// 'To' symbol.
//
// Open Question (a) (spec §9): this only handles the case where
// 'From' is a defined symbol. If BlockToFix equals FromSymbol's block
// but FromSymbol is undefined, that is surfaced as BadRelocation
// rather than silently proceeding, matching the original source's
// unresolved "FIXME: handle extern 'from'".
func parseSubtractorPair(g *graph.LinkGraph, blockToFix graph.BlockID, subKind graph.EdgeKind, subRI reloc.Info, fixupAddress uint64, fixupContent []byte, relocs []reloc.Info, i *int) (graph.EdgeKind, graph.SymbolID, int64, error) {
	*i++
	if *i >= len(relocs) {
		return 0, 0, 0, linkerr.NewError(linkerr.BadRelocation, "arm64 SUBTRACTOR without paired UNSIGNED relocation at %#x", fixupAddress)
	}
	unsignedRI := relocs[*i]

	if subRI.Address != unsignedRI.Address {
		return 0, 0, 0, linkerr.NewError(linkerr.BadRelocation, "arm64 SUBTRACTOR and paired UNSIGNED point to different addresses (%#x vs %#x)", subRI.Address, unsignedRI.Address)
	}
	if subRI.Length != unsignedRI.Length {
		return 0, 0, 0, linkerr.NewError(linkerr.BadRelocation, "length of arm64 SUBTRACTOR and paired UNSIGNED reloc must match at %#x", fixupAddress)
	}

	fromSymbol, err := g.FindSymbolByIndex(int(subRI.SymbolNum))
	if err != nil {
		return 0, 0, 0, linkerr.Wrap(linkerr.MissingSymbol, err, "SUBTRACTOR 'From' symbol at %#x", fixupAddress)
	}

	var fixupValue int64
	if subRI.Length == 3 {
		fixupValue = int64(binary.LittleEndian.Uint64(fixupContent))
	} else {
		fixupValue = int64(binary.LittleEndian.Uint32(fixupContent))
	}

	var toSymbol graph.SymbolID
	if unsignedRI.Extern {
		toSymbol, err = g.FindSymbolByIndex(int(unsignedRI.SymbolNum))
		if err != nil {
			return 0, 0, 0, linkerr.Wrap(linkerr.MissingSymbol, err, "SUBTRACTOR 'To' symbol at %#x", fixupAddress)
		}
	} else {
		toSymbol, err = g.FindSymbolByAddress(uint64(fixupValue))
		if err != nil {
			return 0, 0, 0, linkerr.Wrap(linkerr.MissingSymbol, err, "SUBTRACTOR 'To' address %#x at %#x", fixupValue, fixupAddress)
		}
		fixupValue -= int64(g.Address(toSymbol))
	}

	fromBlock := g.AddressableBlock(fromSymbol)
	toBlock := g.AddressableBlock(toSymbol)

	switch blockToFix {
	case fromBlock:
		if !g.Symbol(fromSymbol).Defined {
			return 0, 0, 0, linkerr.NewError(linkerr.BadRelocation,
				"SUBTRACTOR at %#x fixes up its own 'From' symbol %q, but 'From' is undefined; extern 'From' is not supported", fixupAddress, g.Symbol(fromSymbol).Name)
		}
		deltaKind := graph.Delta32
		if subRI.Length == 3 {
			deltaKind = graph.Delta64
		}
		addend := fixupValue + int64(fixupAddress) - int64(g.Address(fromSymbol))
		return deltaKind, toSymbol, addend, nil
	case toBlock:
		deltaKind := graph.NegDelta32
		if subRI.Length == 3 {
			deltaKind = graph.NegDelta64
		}
		addend := fixupValue - (int64(fixupAddress) - int64(g.Address(toSymbol)))
		return deltaKind, fromSymbol, addend, nil
	default:
		return 0, 0, 0, linkerr.NewError(linkerr.BadRelocation,
			"SUBTRACTOR relocation at %#x must fix up either 'A' or 'B' (or a symbol in one of their alt-entry groups)", fixupAddress)
	}
}
