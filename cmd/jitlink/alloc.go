package main

import "github.com/blacktop/macho-jitlink/graph"

// bumpAllocBase is where the synthetic image starts. Chosen well clear
// of the exec subcommand's stack mapping (execStackBase) so the two
// regions never overlap in a unicorn guest.
const bumpAllocBase = 0x100000000

// bumpAllocate is the simple allocator standing in for the host memory
// manager spec §11 calls out: it walks every section in creation order
// — including $__GOT and $__STUBS, synthesized earlier in the same
// pass list by gotstubs.Run — and assigns each block a monotonically
// increasing runtime address, rounded up to the block's own Alignment,
// via graph.SetBlockAddress.
// Registered as a PostPrunePass so it runs after GOT/stub synthesis
// and before fixup.Apply, per spec.md §4.3's requirement that every
// symbol have its final address before a block is fixed up.
func bumpAllocate(g *graph.LinkGraph) error {
	addr := uint64(bumpAllocBase)
	for _, secID := range g.Sections() {
		sec := g.Section(secID)
		for _, blockID := range sec.Blocks {
			b := g.Block(blockID)
			align := uint64(b.Alignment)
			if align == 0 {
				align = 1
			}
			if rem := addr % align; rem != 0 {
				addr += align - rem
			}
			g.SetBlockAddress(blockID, addr)
			addr += uint64(len(b.Content))
		}
	}
	return nil
}
