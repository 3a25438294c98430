// Package jitlink is the top-level entry point for the AArch64 Mach-O
// JIT linker: it wires the relocation parser, GOT/stubs builder and
// fixup applier together into the single sequential pipeline described
// by jitLink_MachO_arm64 in the original LLVM JITLink MachO_arm64
// backend, generalized past that function's JITLinker base-class
// harness (out of scope here; assumed to exist in the host toolchain).
package jitlink

import (
	"github.com/apex/log"

	"github.com/blacktop/macho-jitlink/graph"
	"github.com/blacktop/macho-jitlink/internal/fixup"
	"github.com/blacktop/macho-jitlink/internal/gotstubs"
	"github.com/blacktop/macho-jitlink/internal/relocparser"
	"github.com/blacktop/macho-jitlink/linkerr"
)

// Pass is a single mutation over the graph, run at one of the two
// extension points a link recognizes: before dead-stripping (mark-live)
// or after it (GOT/stubs). Passes run in registration order.
type Pass func(g *graph.LinkGraph) error

// PassConfig holds the ordered pass lists a Context may extend via
// ModifyPassConfig, mirroring PassConfiguration's PrePrunePasses and
// PostPrunePasses in the original source.
type PassConfig struct {
	PrePrunePasses  []Pass
	PostPrunePasses []Pass
}

// Context is the out-of-scope collaborator a host toolchain supplies to
// drive a single link: the object bytes, target triple, and the
// extension points spec §6.2 names. It corresponds to JITLinkContext in
// the original source.
type Context interface {
	// ObjectBuffer returns the raw bytes of the object file being
	// linked.
	ObjectBuffer() []byte
	// Triple identifies the target this backend serves; always
	// "arm64-apple-ios" for this backend, but threaded through so a
	// host embedding several backends can log which one ran.
	Triple() string
	// ShouldAddDefaultTargetPasses reports whether this backend should
	// install its own default passes (currently: none beyond the two
	// named below) for triple.
	ShouldAddDefaultTargetPasses(triple string) bool
	// MarkLivePass returns the host's dead-stripping pass, if it wants
	// one installed. If ok is false, Link falls back to
	// MarkAllSymbolsLive.
	MarkLivePass(triple string) (Pass, bool)
	// ModifyPassConfig lets the host append additional passes before
	// Link runs the pipeline.
	ModifyPassConfig(triple string, cfg *PassConfig) error
	// NotifyFailed is called with the terminal error before Link
	// returns it, so a host can log it with its own error taxonomy
	// mapping.
	NotifyFailed(err error)
	// CustomSectionParser, if it returns ok, hands section name to a
	// relocparser.SectionParser instead of the standard relocation-table
	// walk — the __eh_frame hook point from spec §12.1. Hosts with no
	// custom section parsers should always return false.
	CustomSectionParser(name string) (relocparser.SectionParser, bool)
	// RelocationSections returns every section's relocation records in
	// file order, already resolved to addresses within g. Populating
	// the graph itself (sections, blocks, symbols) is the host's job,
	// per §1's Non-goals.
	RelocationSections() []relocparser.RawSection
	// Log receives Debug-level tracing for every phase. A nil return
	// defaults to apex/log's package logger.
	Log() log.Interface
}

// MarkAllSymbolsLive is the fallback mark-live pass installed when a
// Context declines to supply its own: it is a no-op, since this graph
// model has no "live" bit to clear — every block reachable from the
// graph is already kept, matching how the original source's identically
// named fallback simply marks every symbol live rather than pruning.
func MarkAllSymbolsLive(g *graph.LinkGraph) error {
	return nil
}

// Link runs a single, sequential pass over g: install passes, parse
// relocations, run configured passes, apply fixups to every block. This
// mirrors jitLink_MachO_arm64 exactly, minus the removed JITLinker
// harness, which is out of scope per §1.
func Link(ctx Context, g *graph.LinkGraph) error {
	if err := link(ctx, g); err != nil {
		ctx.NotifyFailed(err)
		return err
	}
	return nil
}

func link(ctx Context, g *graph.LinkGraph) error {
	logger := ctx.Log()
	if logger == nil {
		logger = log.Log
	}
	triple := ctx.Triple()

	cfg := PassConfig{}
	if ctx.ShouldAddDefaultTargetPasses(triple) {
		markLive, ok := ctx.MarkLivePass(triple)
		if !ok {
			markLive = MarkAllSymbolsLive
		}
		cfg.PrePrunePasses = append(cfg.PrePrunePasses, markLive)
		cfg.PostPrunePasses = append(cfg.PostPrunePasses, func(g *graph.LinkGraph) error {
			return gotstubs.Run(g, logger)
		})
	}
	if err := ctx.ModifyPassConfig(triple, &cfg); err != nil {
		return linkerr.Wrap(linkerr.BadRelocation, err, "ModifyPassConfig for %s", triple)
	}

	for _, pass := range cfg.PrePrunePasses {
		if err := pass(g); err != nil {
			return err
		}
	}

	hooks := relocparser.Hooks{CustomSectionParser: ctx.CustomSectionParser, Log: logger}
	if err := relocparser.Run(g, ctx.RelocationSections(), hooks); err != nil {
		return err
	}

	for _, pass := range cfg.PostPrunePasses {
		if err := pass(g); err != nil {
			return err
		}
	}

	for _, blockID := range g.Blocks() {
		if err := fixup.Apply(g, blockID, logger); err != nil {
			return err
		}
	}

	g.Finalize()
	return nil
}
