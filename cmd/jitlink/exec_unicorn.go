//go:build unicorn

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	jitlink "github.com/blacktop/macho-jitlink"
	"github.com/blacktop/macho-jitlink/graph"
	"github.com/blacktop/macho-jitlink/internal/regs"
)

const execStackBase = 0x60000000

var trace bool

var execCmd = &cobra.Command{
	Use:   "exec <object.o> <symbol>",
	Short: "Link an object and run it under a unicorn-engine ARM64 emulator",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.Exec {
			return fmt.Errorf("exec subcommand disabled (set JITLINK_EXEC=true to enable)")
		}
		g, ctx, err := buildGraph(args[0])
		if err != nil {
			return err
		}
		if err := jitlink.Link(ctx, g); err != nil {
			return err
		}
		if trace {
			for _, secID := range g.Sections() {
				sec := g.Section(secID)
				if sec.Prot&graph.ProtExec == 0 {
					continue
				}
				for _, blockID := range sec.Blocks {
					b := g.Block(blockID)
					traceInstructions(b.Address, b.Content)
				}
			}
		}
		return execSymbol(g, args[1], cfg.StackSize)
	},
}

func init() {
	execCmd.Flags().BoolVar(&trace, "trace", false, "disassemble every executable block's patched bytes before running (requires cgo)")
	rootCmd.AddCommand(execCmd)
}

// execSymbol maps every block's patched bytes into a fresh unicorn
// instance at its already-assigned address, sets up a stack, and runs
// from the requested symbol to completion, printing the guest's general
// registers with the register-dump helper adapted from go-macho's
// header structures.
func execSymbol(g *graph.LinkGraph, symbolName string, stackSize uint64) error {
	mu, err := uc.NewUnicorn(uc.ARCH_ARM64, uc.MODE_ARM)
	if err != nil {
		return fmt.Errorf("failed to create unicorn instance: %w", err)
	}
	defer mu.Close()

	if err := mu.MemMap(execStackBase, stackSize); err != nil {
		return fmt.Errorf("failed to map stack at %#x: %w", execStackBase, err)
	}
	if err := mu.RegWrite(uc.ARM64_REG_SP, execStackBase+stackSize); err != nil {
		return fmt.Errorf("failed to set SP: %w", err)
	}

	for _, blockID := range g.Blocks() {
		b := g.Block(blockID)
		base, size := alignRegion(b.Address, uint64(len(b.Content)))
		if err := mu.MemMap(base, size); err != nil {
			return fmt.Errorf("failed to map block at %#x: %w", b.Address, err)
		}
		if err := mu.MemWrite(b.Address, b.Content); err != nil {
			return fmt.Errorf("failed to write block content at %#x: %w", b.Address, err)
		}
	}

	symID, err := g.FindSymbolByName(symbolName)
	if err != nil {
		return err
	}
	startAddr := g.Address(symID)

	if err := mu.RegWrite(uc.ARM64_REG_PC, startAddr); err != nil {
		return fmt.Errorf("failed to set PC: %w", err)
	}
	if err := mu.RegWrite(uc.ARM64_REG_LR, 0); err != nil {
		return fmt.Errorf("failed to set LR: %w", err)
	}

	if err := mu.Start(startAddr, 0); err != nil {
		return fmt.Errorf("emulation failed: %w", err)
	}

	regs, err := readRegs(mu)
	if err != nil {
		return err
	}
	fmt.Print(regs.String(2))
	return nil
}

// alignRegion rounds a block's [address, address+size) span out to the
// unicorn page granularity MemMap requires.
func alignRegion(addr, size uint64) (base, mapSize uint64) {
	const pageMask = 0xfff
	base = addr &^ pageMask
	end := (addr + size + pageMask) &^ pageMask
	return base, end - base
}

func readRegs(mu uc.Unicorn) (regs.ARM64, error) {
	var r regs.ARM64
	fields := []struct {
		reg int
		dst *uint64
	}{
		{uc.ARM64_REG_X0, &r.X0}, {uc.ARM64_REG_X1, &r.X1}, {uc.ARM64_REG_X2, &r.X2}, {uc.ARM64_REG_X3, &r.X3},
		{uc.ARM64_REG_X4, &r.X4}, {uc.ARM64_REG_X5, &r.X5}, {uc.ARM64_REG_X6, &r.X6}, {uc.ARM64_REG_X7, &r.X7},
		{uc.ARM64_REG_X8, &r.X8}, {uc.ARM64_REG_X9, &r.X9}, {uc.ARM64_REG_X10, &r.X10}, {uc.ARM64_REG_X11, &r.X11},
		{uc.ARM64_REG_X12, &r.X12}, {uc.ARM64_REG_X13, &r.X13}, {uc.ARM64_REG_X14, &r.X14}, {uc.ARM64_REG_X15, &r.X15},
		{uc.ARM64_REG_X16, &r.X16}, {uc.ARM64_REG_X17, &r.X17}, {uc.ARM64_REG_X18, &r.X18}, {uc.ARM64_REG_X19, &r.X19},
		{uc.ARM64_REG_X20, &r.X20}, {uc.ARM64_REG_X21, &r.X21}, {uc.ARM64_REG_X22, &r.X22}, {uc.ARM64_REG_X23, &r.X23},
		{uc.ARM64_REG_X24, &r.X24}, {uc.ARM64_REG_X25, &r.X25}, {uc.ARM64_REG_X26, &r.X26}, {uc.ARM64_REG_X27, &r.X27},
		{uc.ARM64_REG_X28, &r.X28}, {uc.ARM64_REG_X29, &r.FP}, {uc.ARM64_REG_X30, &r.LR}, {uc.ARM64_REG_SP, &r.SP},
		{uc.ARM64_REG_PC, &r.PC},
	}
	for _, f := range fields {
		v, err := mu.RegRead(f.reg)
		if err != nil {
			return r, fmt.Errorf("reading register %d: %w", f.reg, err)
		}
		*f.dst = uint64(v)
	}
	return r, nil
}
