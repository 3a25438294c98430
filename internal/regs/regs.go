// Package regs formats the general-purpose register file the unicorn
// exec subcommand reads back after running linked code, adapted from
// the ARM64 register-dump structure blacktop/go-macho keeps for
// LC_THREAD command parsing.
package regs

import (
	"fmt"
	"strings"
)

// ARM64 holds the AArch64 general-purpose registers cmd/jitlink's exec
// subcommand reads out of the emulator once a run completes.
type ARM64 struct {
	X0, X1, X2, X3, X4, X5, X6, X7       uint64
	X8, X9, X10, X11, X12, X13, X14, X15 uint64
	X16, X17, X18, X19, X20, X21, X22, X23 uint64
	X24, X25, X26, X27, X28              uint64
	FP, LR, SP, PC                       uint64
}

// String renders the register file the way blacktop/go-macho's own
// register dumps do, indented by padding spaces.
func (r ARM64) String(padding int) string {
	pad := strings.Repeat(" ", padding)
	return fmt.Sprintf(
		"%s x0: %#016x   x1: %#016x   x2: %#016x   x3: %#016x\n"+
			"%s x4: %#016x   x5: %#016x   x6: %#016x   x7: %#016x\n"+
			"%s x8: %#016x   x9: %#016x  x10: %#016x  x11: %#016x\n"+
			"%sx12: %#016x  x13: %#016x  x14: %#016x  x15: %#016x\n"+
			"%sx16: %#016x  x17: %#016x  x18: %#016x  x19: %#016x\n"+
			"%sx20: %#016x  x21: %#016x  x22: %#016x  x23: %#016x\n"+
			"%sx24: %#016x  x25: %#016x  x26: %#016x  x27: %#016x\n"+
			"%sx28: %#016x   fp: %#016x   lr: %#016x\n"+
			"%s sp: %#016x   pc: %#016x",
		pad, r.X0, r.X1, r.X2, r.X3,
		pad, r.X4, r.X5, r.X6, r.X7,
		pad, r.X8, r.X9, r.X10, r.X11,
		pad, r.X12, r.X13, r.X14, r.X15,
		pad, r.X16, r.X17, r.X18, r.X19,
		pad, r.X20, r.X21, r.X22, r.X23,
		pad, r.X24, r.X25, r.X26, r.X27,
		pad, r.X28, r.FP, r.LR,
		pad, r.SP, r.PC)
}
