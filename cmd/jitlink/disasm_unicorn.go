//go:build unicorn

package main

import (
	"encoding/binary"
	"fmt"

	"github.com/blacktop/arm64-cgo/disassemble"
)

// traceInstructions disassembles the patched bytes of every 4-byte
// instruction in content (already fixed up), starting at addr, and
// prints one line per instruction. Used by `jitlink exec --trace` to
// show what the emulator is actually about to run, after this backend's
// own fixups have been applied.
func traceInstructions(addr uint64, content []byte) {
	var results [1024]byte
	for off := 0; off+4 <= len(content); off += 4 {
		instrValue := binary.LittleEndian.Uint32(content[off : off+4])
		instr, err := disassemble.Decompose(addr+uint64(off), instrValue, &results)
		if err != nil {
			fmt.Printf("%#08x:  .long   %#08x  ; %s\n", addr+uint64(off), instrValue, err.Error())
			continue
		}
		fmt.Printf("%#08x:  %s\n", addr+uint64(off), instr)
	}
}
