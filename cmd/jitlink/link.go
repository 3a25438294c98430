package main

import (
	"fmt"
	"os"

	"github.com/apex/log"
	macho "github.com/blacktop/go-macho"
	"github.com/spf13/cobra"

	"github.com/blacktop/macho-jitlink/graph"
	jitlink "github.com/blacktop/macho-jitlink"
	"github.com/blacktop/macho-jitlink/internal/relocparser"
	"github.com/blacktop/macho-jitlink/reloc"
)

var outPath string

var linkCmd = &cobra.Command{
	Use:   "link <object.o>",
	Short: "Parse relocations, build GOT/stubs, apply fixups, and report the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, ctx, err := buildGraph(args[0])
		if err != nil {
			return err
		}
		if err := jitlink.Link(ctx, g); err != nil {
			return err
		}
		if outPath != "" {
			return writePatched(g, outPath)
		}
		printSummary(g)
		return nil
	},
}

func init() {
	linkCmd.Flags().StringVar(&outPath, "out", "", "write patched section bytes to this file instead of printing a summary")
}

// buildGraph reads a Mach-O object with go-macho and builds a
// graph.LinkGraph from it: one section per Mach-O section, one content
// block per section (this backend does not split sections into
// multiple blocks, since nothing here needs sub-section splitting), and
// one graph symbol per symtab entry defined in a section; undefined
// symbols get no graph symbol. This is the out-of-scope
// "generic Mach-O graph builder" spec §1 assumes already ran.
func buildGraph(path string) (*graph.LinkGraph, *hostContext, error) {
	f, err := macho.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	if f.CPU.String() != "ARM64" {
		return nil, nil, fmt.Errorf("%s is %s, not ARM64", path, f.CPU.String())
	}

	g := graph.New()
	blockBySection := make(map[int]graph.BlockID, len(f.Sections))
	var rawSections []relocparser.RawSection

	for i, sec := range f.Sections {
		prot := graph.ProtRead
		if uint32(sec.Flags)&0x80000400 != 0 { // S_ATTR_SOME_INSTRUCTIONS | S_ATTR_PURE_INSTRUCTIONS-ish; content is executable
			prot |= graph.ProtExec
		} else {
			prot |= graph.ProtWrite
		}
		secID := g.CreateSection(fmt.Sprintf("%s,%s", sec.Seg, sec.Name), prot)

		data, err := sec.Data()
		if err != nil {
			return nil, nil, fmt.Errorf("reading %s.%s: %w", sec.Seg, sec.Name, err)
		}
		blockID := g.CreateContentBlock(secID, data, sec.Addr, sec.Align, 0)
		blockBySection[i] = blockID

		infos := make([]reloc.Info, len(sec.Relocs))
		for j, r := range sec.Relocs {
			infos[j] = reloc.Info{
				Address:   r.Addr,
				SymbolNum: r.Value,
				PCRel:     r.Pcrel,
				Length:    r.Len,
				Extern:    r.Extern,
				RelocType: reloc.Type(r.Type),
			}
		}
		rawSections = append(rawSections, relocparser.RawSection{
			Name:        sec.Name,
			Address:     sec.Addr,
			Relocations: infos,
		})
	}

	if f.Symtab != nil {
		for idx, sym := range f.Symtab.Syms {
			if !sym.Type.IsDefinedInSection() {
				continue
			}
			secIdx := int(sym.Sect) - 1
			blockID, ok := blockBySection[secIdx]
			if !ok {
				continue
			}
			offset := sym.Value - f.Sections[secIdx].Addr
			scope := graph.Default
			if !sym.Type.IsExternalSym() {
				scope = graph.Local
			}
			g.AddSymbol(sym.Name, blockID, offset, 0, true, graph.Strong, scope, false, idx)
		}
	}

	ctx := &hostContext{obj: f, triple: "arm64-apple-ios", sections: rawSections}
	return g, ctx, nil
}

func printSummary(g *graph.LinkGraph) {
	for _, secID := range g.Sections() {
		sec := g.Section(secID)
		fmt.Printf("section %s (%s)\n", sec.Name, sec.Prot)
		for _, blockID := range sec.Blocks {
			b := g.Block(blockID)
			fmt.Printf("  block @ %#x (%d bytes, %d edges)\n", b.Address, len(b.Content), len(b.Edges))
			for _, e := range b.Edges {
				fmt.Printf("    +%#x %-16s -> sym#%d addend=%#x\n", e.Offset, e.Kind, e.Target, e.Addend)
			}
		}
	}
}

func writePatched(g *graph.LinkGraph, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, blockID := range g.Blocks() {
		b := g.Block(blockID)
		if _, err := f.Write(b.Content); err != nil {
			return err
		}
	}
	log.WithField("path", path).Info("wrote patched section bytes")
	return nil
}

// hostContext is cmd/jitlink's implementation of jitlink.Context: the
// out-of-scope collaborator that supplies the object's relocation
// records and a trivial always-live mark-live pass, since this CLI has
// no dead-stripping story of its own (§11).
type hostContext struct {
	obj      *macho.File
	triple   string
	sections []relocparser.RawSection
}

func (h *hostContext) ObjectBuffer() []byte { return nil }
func (h *hostContext) Triple() string       { return h.triple }
func (h *hostContext) ShouldAddDefaultTargetPasses(triple string) bool {
	return true
}
func (h *hostContext) MarkLivePass(triple string) (jitlink.Pass, bool) {
	if cfg != nil && cfg.MarkAllLive {
		return jitlink.MarkAllSymbolsLive, true
	}
	return nil, false
}
func (h *hostContext) ModifyPassConfig(triple string, cfg *jitlink.PassConfig) error {
	cfg.PostPrunePasses = append(cfg.PostPrunePasses, bumpAllocate)
	return nil
}
func (h *hostContext) NotifyFailed(err error) {
	log.WithField("triple", h.triple).Error(err.Error())
}
func (h *hostContext) CustomSectionParser(name string) (relocparser.SectionParser, bool) {
	return nil, false
}
func (h *hostContext) RelocationSections() []relocparser.RawSection {
	return h.sections
}
func (h *hostContext) Log() log.Interface {
	return log.Log
}
