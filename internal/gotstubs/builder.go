// Package gotstubs implements the GOT-and-stubs pass: it scans every
// edge in the graph, materializes at most one 8-byte GOT entry per
// distinct GOT-referenced target (defined or not) and at most one
// branch stub per distinct
// externally-branched-to target, and retargets the original edges to
// point at the synthesized blocks. This generalizes
// MachO_arm64_GOTAndStubsBuilder (built on LLVM JITLink's
// BasicGOTAndStubsBuilder) from the original source.
package gotstubs

import (
	"github.com/apex/log"

	"github.com/blacktop/macho-jitlink/graph"
	"github.com/blacktop/macho-jitlink/linkerr"
)

const (
	gotSectionName   = "$__GOT"
	stubsSectionName = "$__STUBS"
)

// nullGOTEntryContent is the initial, all-zero content of a GOT entry;
// the fixup applier fills in the real address via the entry's
// Pointer64 edge.
var nullGOTEntryContent = [8]byte{}

// stubContent is LDR x16, <literal> ; BR x16 — the trampoline body
// every stub shares. The stub block holds only these 8 bytes; the
// LDRLiteral19 edge at offset 0 targets the target's GOT entry, a
// separate block in $__GOT, so the literal the LDR loads is that GOT
// slot, reached PC-relative from the LDR itself.
var stubContent = [8]byte{
	0x10, 0x00, 0x00, 0x58, // LDR x16, <literal>
	0x00, 0x02, 0x1f, 0xd6, // BR x16
}

// Run performs the GOT-and-stubs pass over every block in g.
func Run(g *graph.LinkGraph, logger log.Interface) error {
	if logger == nil {
		logger = log.Log
	}
	b := &builder{g: g, log: logger, gotEntries: map[graph.SymbolID]graph.SymbolID{}, stubs: map[graph.SymbolID]graph.SymbolID{}}
	// Snapshot the block list up front: creating GOT/stub blocks
	// during the walk must not cause those new blocks' own edges to be
	// rescanned by this pass (they are internal edges the pass itself
	// installs correctly).
	for _, blockID := range g.Blocks() {
		block := g.Block(blockID)
		for i := range block.Edges {
			if err := b.visitEdge(block, i); err != nil {
				return err
			}
		}
	}
	return nil
}

type builder struct {
	g          *graph.LinkGraph
	log        log.Interface
	gotEntries map[graph.SymbolID]graph.SymbolID
	stubs      map[graph.SymbolID]graph.SymbolID
}

func (b *builder) visitEdge(block *graph.Block, idx int) error {
	edge := &block.Edges[idx]
	switch {
	case isGOTEdge(edge.Kind):
		entry, err := b.getOrCreateGOTEntry(edge.Target)
		if err != nil {
			return err
		}
		b.fixGOTEdge(edge, entry)
	case isExternalBranchEdge(b.g, *edge):
		if edge.Addend != 0 {
			return linkerr.NewError(linkerr.BadRelocation,
				"external Branch26 edge at offset %#x has non-zero addend %#x", edge.Offset, edge.Addend)
		}
		stub, err := b.getOrCreateStub(edge.Target)
		if err != nil {
			return err
		}
		edge.Target = stub
	}
	return nil
}

func isGOTEdge(kind graph.EdgeKind) bool {
	return kind == graph.GOTPage21 || kind == graph.GOTPageOffset12 || kind == graph.PointerToGOT
}

func isExternalBranchEdge(g *graph.LinkGraph, e graph.Edge) bool {
	return e.Kind == graph.Branch26 && !g.Symbol(e.Target).Defined
}

func (b *builder) fixGOTEdge(e *graph.Edge, entry graph.SymbolID) {
	switch e.Kind {
	case graph.GOTPage21, graph.GOTPageOffset12:
		e.Target = entry
	case graph.PointerToGOT:
		e.Target = entry
		e.Kind = graph.Delta32
	}
}

func (b *builder) getOrCreateGOTEntry(target graph.SymbolID) (graph.SymbolID, error) {
	if entry, ok := b.gotEntries[target]; ok {
		return entry, nil
	}
	section := b.g.GetOrCreateSection(gotSectionName, graph.ProtRead)
	blockID := b.g.CreateContentBlock(section, nullGOTEntryContent[:], 0, 8, 0)
	b.g.Block(blockID).AddEdge(graph.Pointer64, 0, target, 0)
	entry := b.g.AddAnonymousSymbol(blockID, 0, 8, false, true)
	b.gotEntries[target] = entry
	b.log.WithField("target", target).Debug("created GOT entry")
	return entry, nil
}

func (b *builder) getOrCreateStub(target graph.SymbolID) (graph.SymbolID, error) {
	if stub, ok := b.stubs[target]; ok {
		return stub, nil
	}
	entry, err := b.getOrCreateGOTEntry(target)
	if err != nil {
		return 0, err
	}
	section := b.g.GetOrCreateSection(stubsSectionName, graph.ProtRead|graph.ProtExec)
	blockID := b.g.CreateContentBlock(section, stubContent[:], 0, 1, 0)
	b.g.Block(blockID).AddEdge(graph.LDRLiteral19, 0, entry, 0)
	stub := b.g.AddAnonymousSymbol(blockID, 0, 8, true, true)
	b.stubs[target] = stub
	b.log.WithField("target", target).Debug("created branch stub")
	return stub, nil
}
