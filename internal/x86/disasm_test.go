package x86

import (
	"testing"

	"golang.org/x/arch/x86/x86asm"

	"github.com/lyricalc/lyrical/internal/lyrical"
)

// TestLinkedCodeDisassembles is the P7 round-trip property: every byte the
// backend emits for a function must be a sequence of instructions a real
// x86-32 decoder accepts, with no trailing garbage and no gaps (spec.md
// §4.G/§4.H — the selector must only ever emit complete, valid
// instructions). golang.org/x/arch is the ecosystem home for this; no
// pack repo bundles its own x86 decoder.
func TestLinkedCodeDisassembles(t *testing.T) {
	fn := lyrical.NewFunction("main", nil)
	fn.LocalSize = 8

	build := lyrical.NewBuilder(fn, nil, false)
	r1 := build.Regs.AllocReg(lyrical.RegNormal)
	r2 := build.Regs.AllocReg(lyrical.RegNormal)

	build.LI(r1, 5)
	build.LI(r2, 10)
	build.Add(r1, r1, r2)
	build.St(r1, lyrical.FuncLevelBaseReg, 0, 4)
	build.Ld(r2, lyrical.FuncLevelBaseReg, 0, 4)

	done := "done"
	build.JZ(r2, done)
	build.J(done)
	build.PlaceLabel(done)

	addr := build.Regs.AllocReg(lyrical.RegNormal)
	build.AFIP(addr, []lyrical.ImmVal{{Kind: lyrical.ImmValOffsetToGlobalRegion, Literal: 0}})

	build.Cpy(lyrical.RetValReg, r1)
	build.JPop()

	result, err := Link([]*lyrical.Function{fn}, LinkOptions{Align: Align32Bit})
	if err != nil {
		t.Fatalf("Link: %v", err)
	}

	code := result.Code[:result.InstrSize]
	off := 0
	var seen []string
	for off < len(code) {
		inst, err := x86asm.Decode(code[off:], 32)
		if err != nil {
			t.Fatalf("x86asm.Decode at offset %d (bytes %x): %v", off, code[off:], err)
		}
		if inst.Len <= 0 {
			t.Fatalf("x86asm.Decode at offset %d returned non-advancing length %d", off, inst.Len)
		}
		seen = append(seen, inst.Op.String())
		off += inst.Len
	}
	if off != len(code) {
		t.Fatalf("decoded %d bytes, want %d (trailing garbage or overshoot)", off, len(code))
	}
	if len(seen) == 0 {
		t.Fatal("decoded zero instructions from a non-empty function")
	}
}
