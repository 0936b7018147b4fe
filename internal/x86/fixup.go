package x86

import "github.com/lyricalc/lyrical/internal/lyrical"

// FixupWidth is the immediate-field size a Fixup occupies, spec.md
// §4.G/§4.H's IMM8/IMM32 kinds.
type FixupWidth int

const (
	Imm8  FixupWidth = 1
	Imm32 FixupWidth = 4
)

// Fixup describes one not-yet-resolvable immediate field inside an
// instruction's encoded bytes: Offset is the byte offset (within that
// instruction's own buffer) where the field begins, Width is how many
// bytes it occupies, Chain is the immval chain to sum (spec.md §3), and
// Relative marks a PC-relative field whose anchor is this instruction's
// own binary offset plus AnchorDelta (the "immfieldoffset+immsize" spec
// §4.H computes fixups against).
type Fixup struct {
	Offset int
	Width  FixupWidth
	Chain  []lyrical.ImmVal

	// Relative, when true, makes the resolved value target-anchor
	// instead of target directly; AnchorOffset is the byte offset
	// (within this same instruction's own bytes, from its start) that
	// anchor is computed against. For an ordinary rel32/rel8
	// control-transfer this is Offset+int(Width) (the convention x86
	// itself uses: relative to the byte right after the immediate
	// field); JL/AFIP's synthesized call+pop idiom anchors earlier, at
	// the byte offset where the pushed return address points.
	Relative     bool
	AnchorOffset int
}

// Resolver answers the four address-space questions phase B's immval
// chain needs (spec.md §4.H): where an instruction, function, the
// global region, or the string region lands once offsets are assigned.
type Resolver struct {
	InstrOffset  map[*lyrical.Instruction]int
	FuncOffset   map[*lyrical.Function]int
	GlobalBase   int64
	StringBase   int64
}

// Sum evaluates chain against r, matching immSum's contract in
// internal/lyrical/ir.go but resolving the three backend-only kinds.
func (r *Resolver) Sum(chain []lyrical.ImmVal) int64 {
	var sum int64
	for _, c := range chain {
		switch c.Kind {
		case lyrical.ImmValLiteral:
			sum += c.Literal
		case lyrical.ImmValOffsetToInstruction:
			sum += int64(r.InstrOffset[c.TargetInstruction])
		case lyrical.ImmValOffsetToFunction:
			sum += int64(r.FuncOffset[c.TargetFunction])
		case lyrical.ImmValOffsetToGlobalRegion:
			sum += r.GlobalBase + c.Literal
		case lyrical.ImmValOffsetToStringRegion:
			sum += r.StringBase + c.Literal
		}
	}
	return sum
}
