package gotstubs

import (
	"testing"

	"github.com/blacktop/macho-jitlink/graph"
)

func newExternalSymbol(g *graph.LinkGraph, name string) graph.SymbolID {
	// An undefined symbol has no addressable block of its own in a real
	// object; a zero-length anonymous block stands in for it here since
	// nothing this pass touches reads its content.
	block := g.CreateContentBlock(g.CreateSection("__UNDEF", 0), nil, 0, 1, 0)
	return g.AddSymbol(name, block, 0, 0, false, graph.Strong, graph.Default, true, -1)
}

func TestGOTPage21CreatesOneEntry(t *testing.T) {
	g := graph.New()
	sec := g.CreateSection("__TEXT,__text", graph.ProtRead|graph.ProtExec)
	blockID := g.CreateContentBlock(sec, make([]byte, 4), 0x1000, 4, 0)
	target := newExternalSymbol(g, "_extern_data")
	g.Block(blockID).AddEdge(graph.GOTPage21, 0, target, 0)

	if err := Run(g, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	edge := g.Block(blockID).Edges[0]
	if edge.Kind != graph.GOTPage21 {
		t.Fatalf("edge kind changed to %v, want GOTPage21 unchanged", edge.Kind)
	}
	if edge.Target == target {
		t.Fatal("GOTPage21 edge must retarget to the synthesized GOT entry, not the original symbol")
	}
	gotSym := g.Symbol(edge.Target)
	if !gotSym.Defined {
		t.Fatal("GOT entry symbol must be Defined")
	}
	gotBlock := g.Block(g.AddressableBlock(edge.Target))
	if len(gotBlock.Content) != 8 {
		t.Fatalf("GOT entry content length = %d, want 8", len(gotBlock.Content))
	}
	if len(gotBlock.Edges) != 1 || gotBlock.Edges[0].Kind != graph.Pointer64 || gotBlock.Edges[0].Target != target {
		t.Fatalf("GOT entry block should hold a single Pointer64 edge back to the real target, got %+v", gotBlock.Edges)
	}
}

func TestAtMostOneGOTEntryPerTarget(t *testing.T) {
	g := graph.New()
	sec := g.CreateSection("__TEXT,__text", graph.ProtRead|graph.ProtExec)
	b1 := g.CreateContentBlock(sec, make([]byte, 4), 0x1000, 4, 0)
	b2 := g.CreateContentBlock(sec, make([]byte, 4), 0x1004, 4, 0)
	target := newExternalSymbol(g, "_extern_data")
	g.Block(b1).AddEdge(graph.GOTPage21, 0, target, 0)
	g.Block(b2).AddEdge(graph.GOTPageOffset12, 0, target, 0)

	if err := Run(g, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	e1 := g.Block(b1).Edges[0]
	e2 := g.Block(b2).Edges[0]
	if e1.Target != e2.Target {
		t.Fatalf("two edges to the same target got different GOT entries: %d vs %d", e1.Target, e2.Target)
	}
	if got := len(g.Section(g.Sections()[len(g.Sections())-1]).Blocks); got != 1 {
		t.Fatalf("expected exactly one $__GOT block, found section with %d blocks", got)
	}
}

func TestExternalBranchGetsStub(t *testing.T) {
	g := graph.New()
	sec := g.CreateSection("__TEXT,__text", graph.ProtRead|graph.ProtExec)
	blockID := g.CreateContentBlock(sec, make([]byte, 4), 0x1000, 4, 0)
	target := newExternalSymbol(g, "_extern_func")
	g.Block(blockID).AddEdge(graph.Branch26, 0, target, 0)

	if err := Run(g, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	edge := g.Block(blockID).Edges[0]
	if edge.Target == target {
		t.Fatal("external Branch26 edge must retarget to the synthesized stub")
	}
	stubSym := g.Symbol(edge.Target)
	if !stubSym.Callable {
		t.Fatal("stub symbol must be Callable")
	}
	stubBlock := g.Block(g.AddressableBlock(edge.Target))
	if len(stubBlock.Content) != 8 {
		t.Fatalf("stub content length = %d, want 8", len(stubBlock.Content))
	}
	if len(stubBlock.Edges) != 1 || stubBlock.Edges[0].Kind != graph.LDRLiteral19 {
		t.Fatalf("stub block should hold a single LDRLiteral19 edge, got %+v", stubBlock.Edges)
	}
	// Building the stub must also have created (or reused) the GOT
	// entry the stub's literal load reads from.
	gotEntry := stubBlock.Edges[0].Target
	if g.Block(g.AddressableBlock(gotEntry)).Edges[0].Target != target {
		t.Fatal("stub's GOT entry must ultimately point at the real external target")
	}
}

func TestLocalBranchIsUntouched(t *testing.T) {
	g := graph.New()
	sec := g.CreateSection("__TEXT,__text", graph.ProtRead|graph.ProtExec)
	callerBlock := g.CreateContentBlock(sec, make([]byte, 4), 0x1000, 4, 0)
	calleeBlock := g.CreateContentBlock(sec, make([]byte, 4), 0x1004, 4, 0)
	callee := g.AddSymbol("_local_callee", calleeBlock, 0, 4, true, graph.Strong, graph.Local, true, 0)
	g.Block(callerBlock).AddEdge(graph.Branch26, 0, callee, 0)

	if err := Run(g, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if edge := g.Block(callerBlock).Edges[0]; edge.Target != callee {
		t.Fatalf("local Branch26 edge must not be retargeted to a stub, got target %d want %d", edge.Target, callee)
	}
	for _, secID := range g.Sections() {
		if g.Section(secID).Name == stubsSectionName {
			t.Fatal("no $__STUBS section should be created for a purely local branch")
		}
	}
}

func TestPointerToGOTRewritesToDelta32(t *testing.T) {
	g := graph.New()
	sec := g.CreateSection("__TEXT,__text", graph.ProtRead|graph.ProtExec)
	blockID := g.CreateContentBlock(sec, make([]byte, 4), 0x1000, 4, 0)
	target := newExternalSymbol(g, "_extern_data")
	g.Block(blockID).AddEdge(graph.PointerToGOT, 0, target, 0)

	if err := Run(g, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	edge := g.Block(blockID).Edges[0]
	if edge.Kind != graph.Delta32 {
		t.Fatalf("PointerToGOT edge kind = %v, want it rewritten to Delta32", edge.Kind)
	}
	if edge.Target == target {
		t.Fatal("PointerToGOT edge must retarget to the synthesized GOT entry, not the original symbol")
	}
	gotBlock := g.Block(g.AddressableBlock(edge.Target))
	if len(gotBlock.Edges) != 1 || gotBlock.Edges[0].Kind != graph.Pointer64 || gotBlock.Edges[0].Target != target {
		t.Fatalf("GOT entry block should hold a single Pointer64 edge back to the real target, got %+v", gotBlock.Edges)
	}
}

func TestAtMostOneStubPerTarget(t *testing.T) {
	g := graph.New()
	sec := g.CreateSection("__TEXT,__text", graph.ProtRead|graph.ProtExec)
	b1 := g.CreateContentBlock(sec, make([]byte, 4), 0x1000, 4, 0)
	b2 := g.CreateContentBlock(sec, make([]byte, 4), 0x1004, 4, 0)
	target := newExternalSymbol(g, "_extern_func")
	g.Block(b1).AddEdge(graph.Branch26, 0, target, 0)
	g.Block(b2).AddEdge(graph.Branch26, 0, target, 0)

	if err := Run(g, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	e1 := g.Block(b1).Edges[0]
	e2 := g.Block(b2).Edges[0]
	if e1.Target != e2.Target {
		t.Fatalf("two Branch26 edges to the same target got different stubs: %d vs %d", e1.Target, e2.Target)
	}
	for _, secID := range g.Sections() {
		if g.Section(secID).Name == stubsSectionName {
			if got := len(g.Section(secID).Blocks); got != 1 {
				t.Fatalf("expected exactly one stub block, found %d", got)
			}
		}
	}
}

func TestExternalBranchWithAddendRejected(t *testing.T) {
	g := graph.New()
	sec := g.CreateSection("__TEXT,__text", graph.ProtRead|graph.ProtExec)
	blockID := g.CreateContentBlock(sec, make([]byte, 4), 0x1000, 4, 0)
	target := newExternalSymbol(g, "_extern_func")
	g.Block(blockID).AddEdge(graph.Branch26, 0, target, 4)

	if err := Run(g, nil); err == nil {
		t.Fatal("expected an error for an external Branch26 edge with a non-zero addend")
	}
}
