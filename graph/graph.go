// Package graph implements the link graph that the AArch64 Mach-O JIT
// linker core operates on: sections, blocks, symbols and the typed
// edges between them.
//
// The graph is arena-allocated: sections, blocks and symbols live in
// slices owned by the LinkGraph and are referenced by index-typed
// handles (SectionID, BlockID, SymbolID) rather than pointers. This
// keeps block/edge/symbol cross-references acyclic at the Go level and
// makes retargeting an edge during the GOT/stubs pass a plain slice
// write instead of a pointer-chasing mutation.
package graph

import (
	"fmt"

	"github.com/pkg/errors"
)

// Protection describes the runtime memory protection a section will be
// mapped with once the host allocates the final image.
type Protection uint8

const (
	ProtRead Protection = 1 << iota
	ProtWrite
	ProtExec
)

func (p Protection) String() string {
	s := ""
	if p&ProtRead != 0 {
		s += "r"
	} else {
		s += "-"
	}
	if p&ProtWrite != 0 {
		s += "w"
	} else {
		s += "-"
	}
	if p&ProtExec != 0 {
		s += "x"
	} else {
		s += "-"
	}
	return s
}

// EdgeKind is the closed set of edge kinds that may exist in the graph
// after relocation parsing has finished. PairedAddend, the transient
// kind used only while parsing SUBTRACTOR/ADDEND pairs, is deliberately
// not a member of this type: it is represented by an unexported type in
// the relocparser package and can never be stored on a graph.Edge.
type EdgeKind uint8

const (
	InvalidEdgeKind EdgeKind = iota
	Branch26
	Pointer32
	Pointer64
	Pointer64Anon
	Page21
	PageOffset12
	GOTPage21
	GOTPageOffset12
	PointerToGOT
	LDRLiteral19
	Delta32
	Delta64
	NegDelta32
	NegDelta64
)

func (k EdgeKind) String() string {
	switch k {
	case Branch26:
		return "Branch26"
	case Pointer32:
		return "Pointer32"
	case Pointer64:
		return "Pointer64"
	case Pointer64Anon:
		return "Pointer64Anon"
	case Page21:
		return "Page21"
	case PageOffset12:
		return "PageOffset12"
	case GOTPage21:
		return "GOTPage21"
	case GOTPageOffset12:
		return "GOTPageOffset12"
	case PointerToGOT:
		return "PointerToGOT"
	case LDRLiteral19:
		return "LDRLiteral19"
	case Delta32:
		return "Delta32"
	case Delta64:
		return "Delta64"
	case NegDelta32:
		return "NegDelta32"
	case NegDelta64:
		return "NegDelta64"
	default:
		return fmt.Sprintf("EdgeKind(%d)", uint8(k))
	}
}

// Width returns the log2 of the byte width the fixup for this kind
// touches (the fixup spans 1<<Width bytes), used to bounds-check an edge offset against a block's
// content length (see Block.checkEdgeExtent).
func (k EdgeKind) Width() uint {
	switch k {
	case Pointer64, Pointer64Anon, Delta64, NegDelta64:
		return 3
	default:
		return 2
	}
}

// Linkage records whether a symbol was defined strongly or weakly by
// the object that produced it.
type Linkage uint8

const (
	Strong Linkage = iota
	Weak
)

// Scope records a symbol's visibility outside its defining object.
type Scope uint8

const (
	Local Scope = iota
	Hidden
	Default
)

// SectionID, BlockID and SymbolID are opaque handles into a LinkGraph's
// arenas. The zero value is never a valid handle.
type (
	SectionID uint32
	BlockID   uint32
	SymbolID  uint32
)

const invalidID = 0

// Edge is a typed fixup from a byte offset in a source block to a
// target symbol, carrying an addend.
type Edge struct {
	Kind   EdgeKind
	Offset uint64
	Target SymbolID
	Addend int64
}

// Section is a named container of blocks sharing a memory protection.
type Section struct {
	Name   string
	Prot   Protection
	Blocks []BlockID
}

// Block is an addressable, mutable byte region belonging to exactly
// one section.
type Block struct {
	Section         SectionID
	Address         uint64
	Content         []byte
	Alignment       uint32
	AlignmentOffset uint32
	Edges           []Edge

	finalized bool
}

// AddEdge appends an edge to the block in insertion order. The fixup
// applier processes a block's edges in this order (§5: "edges within a
// block are processed in insertion order").
func (b *Block) AddEdge(kind EdgeKind, offset uint64, target SymbolID, addend int64) {
	b.Edges = append(b.Edges, Edge{Kind: kind, Offset: offset, Target: target, Addend: addend})
}

// checkEdgeExtent enforces the block invariant from the data model:
// the 2^width bytes an edge touches must lie inside the content, i.e.
// offset + 2^width <= len(content).
func (b *Block) checkEdgeExtent(offset uint64, width uint) error {
	span := uint64(1) << width
	if offset+span > uint64(len(b.Content)) {
		return errors.Errorf("fixup at offset %#x extends %d bytes past end of block content (len=%#x, block address=%#x)",
			offset, span, len(b.Content), b.Address)
	}
	return nil
}

// Symbol is a named or anonymous handle into a block.
type Symbol struct {
	Name     string
	Block    BlockID
	Offset   uint64
	Size     uint64
	Defined  bool
	Linkage  Linkage
	Scope    Scope
	Callable bool
}

// LinkGraph is the set of sections, blocks and symbols that make up a
// single in-flight link, along with the factories used to grow it and
// the two lookup functions the relocation parser depends on.
type LinkGraph struct {
	sections []Section
	blocks   []Block
	symbols  []Symbol

	sectionByName map[string]SectionID
	byIndex       map[int]SymbolID
	byAddress     map[uint64]SymbolID
}

// New returns an empty LinkGraph ready to be populated by the
// out-of-scope generic Mach-O graph builder.
func New() *LinkGraph {
	return &LinkGraph{
		// index 0 is reserved so the zero value of every ID type means
		// "no handle" rather than aliasing a real entity.
		sections:      make([]Section, 1),
		blocks:        make([]Block, 1),
		symbols:       make([]Symbol, 1),
		sectionByName: make(map[string]SectionID),
		byIndex:       make(map[int]SymbolID),
		byAddress:     make(map[uint64]SymbolID),
	}
}

// CreateSection creates a new, empty section. Callers that need
// idempotent lazy creation (the $__GOT and $__STUBS synthetic
// sections) should use GetOrCreateSection instead.
func (g *LinkGraph) CreateSection(name string, prot Protection) SectionID {
	id := SectionID(len(g.sections))
	g.sections = append(g.sections, Section{Name: name, Prot: prot})
	g.sectionByName[name] = id
	return id
}

// GetOrCreateSection returns the existing section with the given name,
// or creates it. Used for the $__GOT and $__STUBS synthetic sections,
// which must be allocated lazily on first use and idempotently
// thereafter (§5).
func (g *LinkGraph) GetOrCreateSection(name string, prot Protection) SectionID {
	if id, ok := g.sectionByName[name]; ok {
		return id
	}
	return g.CreateSection(name, prot)
}

// Section returns the section for id.
func (g *LinkGraph) Section(id SectionID) *Section {
	return &g.sections[id]
}

// CreateContentBlock creates a new block owning a copy of content,
// appends it to section, and returns its handle.
func (g *LinkGraph) CreateContentBlock(section SectionID, content []byte, address uint64, alignment, alignmentOffset uint32) BlockID {
	owned := make([]byte, len(content))
	copy(owned, content)
	id := BlockID(len(g.blocks))
	g.blocks = append(g.blocks, Block{
		Section:         section,
		Address:         address,
		Content:         owned,
		Alignment:       alignment,
		AlignmentOffset: alignmentOffset,
	})
	g.sections[section].Blocks = append(g.sections[section].Blocks, id)
	return id
}

// Block returns the block for id.
func (g *LinkGraph) Block(id BlockID) *Block {
	return &g.blocks[id]
}

// SetBlockAddress assigns a block's final runtime address. Called by
// the out-of-scope host allocator before fixup begins.
func (g *LinkGraph) SetBlockAddress(id BlockID, address uint64) {
	old := g.blocks[id].Address
	g.blocks[id].Address = address
	// Any symbol whose address was indexed under the block's old base
	// needs to be re-indexed; addresses are looked up lazily via
	// LinkGraph.Address everywhere except byAddress, so only that index
	// needs a fixup here.
	if old == address {
		return
	}
	for symID, sym := range g.symbols {
		if symID == invalidID || sym.Block != id {
			continue
		}
		delete(g.byAddress, old+sym.Offset)
		g.byAddress[address+sym.Offset] = SymbolID(symID)
	}
}

// AddSymbol adds a named, indexable symbol pointing into block at
// offset. symtabIndex is the Mach-O symbol table index this symbol
// corresponds to, used by FindSymbolByIndex; pass -1 for symbols with
// no symtab entry (e.g. section-relative locals synthesized by the
// generic builder).
func (g *LinkGraph) AddSymbol(name string, block BlockID, offset, size uint64, defined bool, linkage Linkage, scope Scope, callable bool, symtabIndex int) SymbolID {
	id := SymbolID(len(g.symbols))
	g.symbols = append(g.symbols, Symbol{
		Name: name, Block: block, Offset: offset, Size: size,
		Defined: defined, Linkage: linkage, Scope: scope, Callable: callable,
	})
	if symtabIndex >= 0 {
		g.byIndex[symtabIndex] = id
	}
	g.byAddress[g.blocks[block].Address+offset] = id
	return id
}

// AddAnonymousSymbol adds a symbol with no name and no symtab index,
// used for GOT entries and stubs.
func (g *LinkGraph) AddAnonymousSymbol(block BlockID, offset, size uint64, callable, defined bool) SymbolID {
	return g.AddSymbol("", block, offset, size, defined, Strong, Local, callable, -1)
}

// Symbol returns the symbol for id.
func (g *LinkGraph) Symbol(id SymbolID) *Symbol {
	return &g.symbols[id]
}

// Address returns the symbol's absolute runtime address:
// block.Address + offset.
func (g *LinkGraph) Address(id SymbolID) uint64 {
	sym := &g.symbols[id]
	return g.blocks[sym.Block].Address + sym.Offset
}

// FindSymbolByName looks up a defined symbol by its linker-visible name.
// Used by hosts that resolve an entry point or import by name rather
// than by symtab index (e.g. cmd/jitlink's exec subcommand).
func (g *LinkGraph) FindSymbolByName(name string) (SymbolID, error) {
	for id := SymbolID(1); int(id) < len(g.symbols); id++ {
		if g.symbols[id].Name == name {
			return id, nil
		}
	}
	return 0, errors.Errorf("no symbol named %q", name)
}

// FindSymbolByIndex looks up a symbol by its Mach-O symbol table index.
func (g *LinkGraph) FindSymbolByIndex(n int) (SymbolID, error) {
	id, ok := g.byIndex[n]
	if !ok {
		return 0, errors.Errorf("no symbol registered for symbol table index %d", n)
	}
	return id, nil
}

// FindSymbolByAddress returns the symbol whose block covers addr. If
// several symbols alias the same address (an alt-entry group), the
// most recently added one is returned, matching the generic builder's
// behavior of favoring the last symbol registered at a given address.
func (g *LinkGraph) FindSymbolByAddress(addr uint64) (SymbolID, error) {
	if id, ok := g.byAddress[addr]; ok {
		return id, nil
	}
	// Fall back to a scan for an address that falls within a block's
	// content but isn't the exact offset of a registered symbol (the
	// case findSymbolByAddress must also serve per §3).
	for id := BlockID(1); int(id) < len(g.blocks); id++ {
		b := &g.blocks[id]
		if addr < b.Address || addr >= b.Address+uint64(len(b.Content)) {
			continue
		}
		for symID, sym := range g.symbols {
			if symID == invalidID || sym.Block != id {
				continue
			}
			if b.Address+sym.Offset <= addr {
				return SymbolID(symID), nil
			}
		}
	}
	return 0, errors.Errorf("no symbol covers address %#x", addr)
}

// AddressableBlock returns the block that "addresses" a symbol: the
// block the symbol points into. Two symbols addressing the same block
// (an alt-entry group) compare equal here even if their names and
// offsets differ.
func (g *LinkGraph) AddressableBlock(id SymbolID) BlockID {
	return g.symbols[id].Block
}

// CheckEdgeExtent validates an edge about to be added to block against
// the block-invariant in §3.
func (g *LinkGraph) CheckEdgeExtent(block BlockID, offset uint64, kind EdgeKind) error {
	return g.blocks[block].checkEdgeExtent(offset, kind.Width())
}

// Finalize marks every block's content as final. Called once, after
// fixup has patched every block. It only sets the flag that Finalized
// reports; writes through Block.Content are not checked against it.
func (g *LinkGraph) Finalize() {
	for i := range g.blocks {
		g.blocks[i].finalized = true
	}
}

// Finalized reports whether Finalize has been called for id's block.
func (g *LinkGraph) Finalized(id BlockID) bool {
	return g.blocks[id].finalized
}

// Sections returns every section id in creation order, skipping the
// reserved zero entry.
func (g *LinkGraph) Sections() []SectionID {
	ids := make([]SectionID, 0, len(g.sections)-1)
	for i := 1; i < len(g.sections); i++ {
		ids = append(ids, SectionID(i))
	}
	return ids
}

// Blocks returns every block id in creation order, skipping the
// reserved zero entry.
func (g *LinkGraph) Blocks() []BlockID {
	ids := make([]BlockID, 0, len(g.blocks)-1)
	for i := 1; i < len(g.blocks); i++ {
		ids = append(ids, BlockID(i))
	}
	return ids
}
