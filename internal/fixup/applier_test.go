package fixup

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/blacktop/macho-jitlink/graph"
	"github.com/blacktop/macho-jitlink/linkerr"
)

func newBlockGraph(t *testing.T, content []byte, address uint64) (*graph.LinkGraph, graph.BlockID) {
	t.Helper()
	g := graph.New()
	sec := g.CreateSection("__TEXT,__text", graph.ProtRead|graph.ProtExec)
	blockID := g.CreateContentBlock(sec, content, address, 4, 0)
	return g, blockID
}

func addTarget(g *graph.LinkGraph, address uint64) graph.SymbolID {
	sec := g.CreateSection("__TEXT,__other", graph.ProtRead|graph.ProtExec)
	blockID := g.CreateContentBlock(sec, make([]byte, 4), address, 4, 0)
	return g.AddSymbol("_target", blockID, 0, 4, true, graph.Strong, graph.Default, true, -1)
}

func kindErr(t *testing.T, err error) linkerr.Kind {
	t.Helper()
	le, ok := err.(*linkerr.LinkError)
	if !ok {
		t.Fatalf("got %T (%v), want *linkerr.LinkError", err, err)
	}
	return le.Kind()
}

func TestApplyBranch26Forward(t *testing.T) {
	content := make([]byte, 4)
	binary.LittleEndian.PutUint32(content, 0x94000000) // BL #0
	g, blockID := newBlockGraph(t, content, 0x1000)
	target := addTarget(g, 0x1010)
	g.Block(blockID).AddEdge(graph.Branch26, 0, target, 0)

	if err := Apply(g, blockID, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	instr := binary.LittleEndian.Uint32(g.Block(blockID).Content)
	wantImm := uint32((0x10 >> 2) & 0x3ffffff)
	if instr != 0x94000000|wantImm {
		t.Fatalf("patched instr = %#08x, want %#08x", instr, 0x94000000|wantImm)
	}
}

func TestApplyBranch26Misaligned(t *testing.T) {
	content := make([]byte, 4)
	binary.LittleEndian.PutUint32(content, 0x94000000)
	g, blockID := newBlockGraph(t, content, 0x1000)
	target := addTarget(g, 0x1001)
	g.Block(blockID).AddEdge(graph.Branch26, 0, target, 0)

	err := Apply(g, blockID, nil)
	if err == nil || kindErr(t, err) != linkerr.Misalignment {
		t.Fatalf("got %v, want Misalignment", err)
	}
}

func TestApplyBranch26OutOfRange(t *testing.T) {
	content := make([]byte, 4)
	binary.LittleEndian.PutUint32(content, 0x94000000)
	g, blockID := newBlockGraph(t, content, 0x1000)
	target := addTarget(g, 0x1000+(1<<27))
	g.Block(blockID).AddEdge(graph.Branch26, 0, target, 0)

	err := Apply(g, blockID, nil)
	if err == nil || kindErr(t, err) != linkerr.OutOfRange {
		t.Fatalf("got %v, want OutOfRange", err)
	}
}

func TestApplyBranch26BadInstr(t *testing.T) {
	content := make([]byte, 4) // all zero, not a B/BL
	g, blockID := newBlockGraph(t, content, 0x1000)
	target := addTarget(g, 0x1010)
	g.Block(blockID).AddEdge(graph.Branch26, 0, target, 0)

	err := Apply(g, blockID, nil)
	if err == nil || kindErr(t, err) != linkerr.BadInstr {
		t.Fatalf("got %v, want BadInstr", err)
	}
}

func TestApplyPointer64WithAddend(t *testing.T) {
	content := make([]byte, 8)
	g, blockID := newBlockGraph(t, content, 0x1000)
	target := addTarget(g, 0x2000)
	g.Block(blockID).AddEdge(graph.Pointer64, 0, target, 5)

	if err := Apply(g, blockID, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	got := binary.LittleEndian.Uint64(g.Block(blockID).Content)
	if got != 0x2005 {
		t.Fatalf("Pointer64 = %#x, want %#x", got, 0x2005)
	}
}

func TestApplyPage21Encoding(t *testing.T) {
	content := make([]byte, 4)
	binary.LittleEndian.PutUint32(content, 0x90000000) // ADRP x0, #0
	g, blockID := newBlockGraph(t, content, 0x1000)
	target := addTarget(g, 0x3000) // two pages ahead
	g.Block(blockID).AddEdge(graph.Page21, 0, target, 0)

	if err := Apply(g, blockID, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	instr := binary.LittleEndian.Uint32(g.Block(blockID).Content)
	pageDelta := int64(0x3000 - 0x1000)
	wantImmLo := uint32(pageDelta>>12) & 0x3
	wantImmHi := uint32(pageDelta>>14) & 0x7ffff
	want := uint32(0x90000000) | (wantImmLo << 29) | (wantImmHi << 5)
	if instr != want {
		t.Fatalf("patched ADRP = %#08x, want %#08x", instr, want)
	}
}

func TestApplyPage21RejectsNonZeroAddend(t *testing.T) {
	content := make([]byte, 4)
	binary.LittleEndian.PutUint32(content, 0x90000000)
	g, blockID := newBlockGraph(t, content, 0x1000)
	target := addTarget(g, 0x3000)
	g.Block(blockID).AddEdge(graph.Page21, 0, target, 1)

	err := Apply(g, blockID, nil)
	if err == nil || kindErr(t, err) != linkerr.BadRelocation {
		t.Fatalf("got %v, want BadRelocation", err)
	}
}

func TestApplyPageOffset12ShiftedForLDR64(t *testing.T) {
	content := make([]byte, 4)
	binary.LittleEndian.PutUint32(content, 0xf9400000) // LDR x0, [x0, #0]
	g, blockID := newBlockGraph(t, content, 0x1000)
	target := addTarget(g, 0x1018) // offset 0x18, 8-byte aligned
	g.Block(blockID).AddEdge(graph.PageOffset12, 0, target, 0)

	if err := Apply(g, blockID, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	instr := binary.LittleEndian.Uint32(g.Block(blockID).Content)
	wantImm := uint32(0x18>>3) << 10
	if instr != 0xf9400000|wantImm {
		t.Fatalf("patched LDR = %#08x, want %#08x", instr, 0xf9400000|wantImm)
	}
}

func TestApplyPageOffset12Misaligned(t *testing.T) {
	content := make([]byte, 4)
	binary.LittleEndian.PutUint32(content, 0xf9400000) // 64-bit LDR wants 8-byte alignment
	g, blockID := newBlockGraph(t, content, 0x1000)
	target := addTarget(g, 0x1004) // only 4-byte aligned offset
	g.Block(blockID).AddEdge(graph.PageOffset12, 0, target, 0)

	err := Apply(g, blockID, nil)
	if err == nil || kindErr(t, err) != linkerr.Misalignment {
		t.Fatalf("got %v, want Misalignment", err)
	}
}

func TestApplyGOTPageOffset12NotShifted(t *testing.T) {
	content := make([]byte, 4)
	binary.LittleEndian.PutUint32(content, 0xf9400000)
	g, blockID := newBlockGraph(t, content, 0x1000)
	target := addTarget(g, 0x1005) // arbitrary, unaligned offset is fine for GOT loads
	g.Block(blockID).AddEdge(graph.GOTPageOffset12, 0, target, 0)

	if err := Apply(g, blockID, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	instr := binary.LittleEndian.Uint32(g.Block(blockID).Content)
	want := uint32(0xf9400000) | (uint32(5) << 10)
	if instr != want {
		t.Fatalf("patched GOT LDR = %#08x, want %#08x", instr, want)
	}
}

func TestApplyLDRLiteral19(t *testing.T) {
	content := make([]byte, 4)
	binary.LittleEndian.PutUint32(content, 0x58000010)
	g, blockID := newBlockGraph(t, content, 0x1000)
	target := addTarget(g, 0x1100)
	g.Block(blockID).AddEdge(graph.LDRLiteral19, 0, target, 0)

	if err := Apply(g, blockID, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	instr := binary.LittleEndian.Uint32(g.Block(blockID).Content)
	wantImm := uint32((0x100 >> 2) & 0x7ffff)
	want := uint32(0x58000010) | (wantImm << 5)
	if instr != want {
		t.Fatalf("patched LDR literal = %#08x, want %#08x", instr, want)
	}
}

func TestApplyDelta32AndNegDelta32(t *testing.T) {
	content := make([]byte, 4)
	g, blockID := newBlockGraph(t, content, 0x1000)
	target := addTarget(g, 0x1100)
	g.Block(blockID).AddEdge(graph.Delta32, 0, target, 0)
	if err := Apply(g, blockID, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	got := binary.LittleEndian.Uint32(g.Block(blockID).Content)
	if int32(got) != 0x100 {
		t.Fatalf("Delta32 = %#x, want %#x", got, 0x100)
	}

	content2 := make([]byte, 4)
	g2, block2 := newBlockGraph(t, content2, 0x1000)
	target2 := addTarget(g2, 0x1100)
	g2.Block(block2).AddEdge(graph.NegDelta32, 0, target2, 0)
	if err := Apply(g2, block2, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	got2 := binary.LittleEndian.Uint32(g2.Block(block2).Content)
	if int32(got2) != -0x100 {
		t.Fatalf("NegDelta32 = %#x, want %#x", got2, -0x100)
	}
}

// TestApplyIdempotentOnZeroMovement patches a block whose content
// already encodes the correct target address, i.e. the block hasn't
// moved since whatever previously computed these bytes. Apply must be
// a no-op: it recomputes and writes back bit-for-bit identical content.
func TestApplyIdempotentOnZeroMovement(t *testing.T) {
	content := make([]byte, 8)
	binary.LittleEndian.PutUint64(content, 0x2005) // already target+addend
	g, blockID := newBlockGraph(t, content, 0x1000)
	target := addTarget(g, 0x2000)
	g.Block(blockID).AddEdge(graph.Pointer64, 0, target, 5)

	before := append([]byte(nil), g.Block(blockID).Content...)
	if err := Apply(g, blockID, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if diff := cmp.Diff(before, g.Block(blockID).Content); diff != "" {
		t.Fatalf("fixup on an already-correct block must be a no-op (-before +after):\n%s", diff)
	}
}

func TestApplyMultipleEdgesInOneBlock(t *testing.T) {
	// ADRP x0, #0 ; LDR x0, [x0, #0] ; BL #0, three independent fixups
	// landing in the same block's content.
	content := make([]byte, 12)
	binary.LittleEndian.PutUint32(content[0:], 0x90000000)
	binary.LittleEndian.PutUint32(content[4:], 0xf9400000)
	binary.LittleEndian.PutUint32(content[8:], 0x94000000)
	g, blockID := newBlockGraph(t, content, 0x1000)
	target := addTarget(g, 0x3018)
	b := g.Block(blockID)
	b.AddEdge(graph.Page21, 0, target, 0)
	b.AddEdge(graph.PageOffset12, 4, target, 0)
	b.AddEdge(graph.Branch26, 8, target, 0)

	if err := Apply(g, blockID, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	want := make([]byte, 12)
	pageDelta := int64(0x3000 - 0x1000)
	adrpImmLo := uint32(pageDelta>>12) & 0x3
	adrpImmHi := uint32(pageDelta>>14) & 0x7ffff
	binary.LittleEndian.PutUint32(want[0:], 0x90000000|(adrpImmLo<<29)|(adrpImmHi<<5))
	binary.LittleEndian.PutUint32(want[4:], 0xf9400000|(uint32(0x18>>3)<<10))
	binary.LittleEndian.PutUint32(want[8:], 0x94000000|uint32((0x3018-0x1008)>>2)&0x3ffffff)

	if diff := cmp.Diff(want, g.Block(blockID).Content); diff != "" {
		t.Fatalf("patched content mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyUnrecognizedEdgeKind(t *testing.T) {
	content := make([]byte, 4)
	g, blockID := newBlockGraph(t, content, 0x1000)
	target := addTarget(g, 0x1100)
	g.Block(blockID).AddEdge(graph.InvalidEdgeKind, 0, target, 0)

	err := Apply(g, blockID, nil)
	if err == nil || kindErr(t, err) != linkerr.BadRelocation {
		t.Fatalf("got %v, want BadRelocation", err)
	}
}
