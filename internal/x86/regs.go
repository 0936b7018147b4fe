// Package x86 is LYRICAL's backend core (components G and H): an x86-32
// instruction selector and a two-phase linker that resolves relative
// fixups to a fixed point. Grounded on
// tinyrange-rtg/std/compiler/i386.go's mnemonic-level encoders and
// backend_i386.go's selection dispatch.
package x86

import "github.com/lyricalc/lyrical/internal/lyrical"

// PhysReg is an x86-32 general-purpose register, encoded the same way
// tinyrange-rtg/std/compiler/i386.go's REG32_* constants are (mod/rm and
// reg-field encodings both use this 3-bit value directly).
type PhysReg int

const (
	EAX PhysReg = 0
	ECX PhysReg = 1
	EDX PhysReg = 2
	EBX PhysReg = 3
	ESP PhysReg = 4
	EBP PhysReg = 5
	ESI PhysReg = 6
	EDI PhysReg = 7
)

func (r PhysReg) String() string {
	return [...]string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi"}[r&7]
}

// scratch is the fixed register assignment used to materialize Lyrical
// virtual registers into physical ones for the duration of a single IR
// instruction: the result is computed in EAX (scratchR1), which also
// receives the first source operand; the second source goes through ECX
// (scratchR2), and EDX (scratchR3) holds an extra address where an
// instruction needs one. This replaces a full liveness-based
// allocator with a fixed memory-resident virtual-register file (every
// vreg except the two backend conventions gets its own spill slot in the
// frame, reloaded/stored around each use) — the three-address-IR analog
// of the teacher's own choice not to run a global allocator: its
// CodeGen compiles a stack IR straight through an explicit operand
// stack (opPush/opPop in backend.go) rather than assigning registers
// globally. EBP is reserved for FuncLevelBaseReg-relative local access
// (never spilled itself), and RetValReg is pinned to EAX directly
// rather than going through a spill slot, matching the calling
// convention the frontend already assumes in expr.go/stmt.go.
const (
	scratchR1 = EAX
	scratchR2 = ECX
	scratchR3 = EDX
)

// FrameLayout computes each virtual register's spill slot offset (from
// EBP, growing to higher addresses past the declared locals) for one
// function, plus the total spill-area size the prologue must reserve.
type FrameLayout struct {
	LocalsSize int
	SpillSize  int
	slot       map[int]int
}

// BuildFrameLayout scans a function's instructions for every distinct
// virtual register id referenced (excluding the two backend
// conventions) and assigns each a 4-byte spill slot past the frontend's
// already-computed locals region.
func BuildFrameLayout(f *lyrical.Function) *FrameLayout {
	fl := &FrameLayout{LocalsSize: f.LocalSize, slot: map[int]int{}}
	next := f.LocalSize
	assign := func(id int) {
		if id < 0 || id == lyrical.FuncLevelBaseReg || id == lyrical.RetValReg {
			return
		}
		if _, ok := fl.slot[id]; ok {
			return
		}
		fl.slot[id] = next
		next += 4
	}
	for _, ins := range f.Instructions {
		assign(ins.R1)
		assign(ins.R2)
		assign(ins.R3)
	}
	fl.SpillSize = next - f.LocalSize
	return fl
}

// SlotOffset returns the EBP-relative displacement (negative, growing
// toward lower addresses per the frame layout in spec.md's stack-frame
// diagram) of vreg id's spill slot. ok is false for FuncLevelBaseReg and
// RetValReg, which never spill.
func (fl *FrameLayout) SlotOffset(id int) (off int, ok bool) {
	o, present := fl.slot[id]
	if !present {
		return 0, false
	}
	return -(o + 4), true
}

// FrameDisp translates a frontend-assigned Variable.Offset into the
// actual EBP-relative displacement that addresses it, disambiguating
// the two coordinate spaces parseFuncBody (stmt.go) hands out from one
// shared non-negative counter each:
//
//   - Locals (0..LocalsSize, growing away from EBP) share one
//     contiguous region with the spilled-register slots immediately
//     below EBP (spec.md's stack-frame diagram: "locals" sits directly
//     above the saved-gpr slot BuildPrologue reserves), so a local at
//     frontend offset o lives at EBP-(LocalsSize-o), adjoining the
//     spill region SlotOffset starts at EBP-(LocalsSize+4).
//   - Parameters live in the cdecl argument area above the pushed
//     return address/saved EBP, pushed by the caller's ArgPush
//     sequence (expr.go's parseCall) before `call`. parseFuncBody
//     encodes a parameter's frontend offset as -(sharedRegionOffset+4)
//     -- the same -(o+4) shape SlotOffset uses -- so its sign alone
//     distinguishes it from a local/spill's non-negative encoding; the
//     inverse recovers EBP+8+sharedRegionOffset.
func (fl *FrameLayout) FrameDisp(frontendOffset int64) int64 {
	if frontendOffset < 0 {
		return 4 - frontendOffset
	}
	return frontendOffset - int64(fl.LocalsSize)
}

// FrameSize is the total stack space this function's x86 prologue must
// reserve below the pushed EBP: the frontend's locals plus every
// spilled virtual register's slot (spec.md §4.B stack-frame diagram).
func (fl *FrameLayout) FrameSize() int {
	return fl.LocalsSize + fl.SpillSize
}

// BuildPrologue emits the standard EBP-frame entry sequence (`push ebp;
// mov ebp, esp; sub esp, frameSize`), grounded on
// tinyrange-rtg/std/compiler/backend_i386.go's own function-entry
// emission. Every LYRICAL function owns its frame this way; the
// stackframe-holder/page-sharing variants spec.md §4.B describes for
// the root function are layered on top by the frontend's own
// StackPageAlloc IR instruction, already present in the instruction
// stream this prologue precedes.
func BuildPrologue(layout *FrameLayout) []byte {
	buf := &Buf{}
	buf.PushR(EBP)
	buf.MovRR(EBP, ESP)
	if fs := layout.FrameSize(); fs > 0 {
		buf.SubRI(ESP, int32(fs))
	}
	return buf.B
}
