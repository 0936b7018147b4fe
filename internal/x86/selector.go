package x86

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/lyricalc/lyrical/internal/lyrical"
)

// LabelResolver maps a branch/call Instruction.Label to either a placed
// label instruction (if/while/switch/goto labels placed by PlaceLabel —
// collected across every function, since a throw in a nested function
// branches to a catch label placed in an ancestor's stream) or a call
// target (JPush's label names the callee function directly, per
// expr.go's parseCall). Grounded on backend_i386.go's two-tier "local
// label, else GOT/import slot" lookup generalized to LYRICAL's own
// label/function namespaces.
type LabelResolver struct {
	Labels    map[string]*lyrical.Instruction
	Functions map[string]*lyrical.Function
}

func NewLabelResolver(all []*lyrical.Function) *LabelResolver {
	lr := &LabelResolver{Labels: map[string]*lyrical.Instruction{}, Functions: map[string]*lyrical.Function{}}
	for _, fn := range all {
		for _, ins := range fn.Instructions {
			if ins.Label != "" && ins.Op == lyrical.OpNop {
				lr.Labels[ins.Label] = ins
			}
		}
		lr.Functions[fn.Name] = fn
	}
	return lr
}

// chain builds the immval chain a branch/call's label resolves to: a
// placed label (from any function's stream) becomes OffsetToInstruction,
// otherwise the label
// is taken as a callee function name and becomes OffsetToFunction.
func (lr *LabelResolver) chain(label string) ([]lyrical.ImmVal, error) {
	if target, ok := lr.Labels[label]; ok {
		return []lyrical.ImmVal{{Kind: lyrical.ImmValOffsetToInstruction, TargetInstruction: target}}, nil
	}
	if fn, ok := lr.Functions[label]; ok {
		return []lyrical.ImmVal{{Kind: lyrical.ImmValOffsetToFunction, TargetFunction: fn}}, nil
	}
	return nil, errors.Errorf("x86: unresolved branch/call target %q", label)
}

// Selector lowers one function's IR instructions into x86-32 byte
// sequences plus any outstanding Fixup, per instruction. It holds no
// state across instructions other than the frame layout and label
// table: every virtual register is memory-resident between
// instructions (see regs.go), so there is no cross-instruction register
// state to track here.
type Selector struct {
	Layout   *FrameLayout
	Labels   *LabelResolver
	Promoted map[*lyrical.Instruction]bool
}

func NewSelector(layout *FrameLayout, labels *LabelResolver) *Selector {
	return &Selector{Layout: layout, Labels: labels, Promoted: map[*lyrical.Instruction]bool{}}
}

// load appends the bytes that materialize vreg id into the physical
// register into; nothing is emitted for -1 (an unused operand), for
// FuncLevelBaseReg, or for RetValReg when into is already EAX.
func (s *Selector) load(buf *Buf, id int, into PhysReg) {
	if id < 0 {
		return
	}
	if id == lyrical.RetValReg {
		if into != EAX {
			buf.MovRR(into, EAX)
		}
		return
	}
	if id == lyrical.FuncLevelBaseReg {
		// Never materialized as a value register; callers needing the
		// frame base address use EBP directly instead of calling load.
		return
	}
	off, ok := s.Layout.SlotOffset(id)
	if !ok {
		return
	}
	buf.LoadMem32(into, EBP, int64(off))
}

// store writes the physical register holding instr's result back to
// vreg id's home (EAX directly for RetValReg, its spill slot otherwise).
func (s *Selector) store(buf *Buf, id int, from PhysReg) {
	if id < 0 || id == lyrical.FuncLevelBaseReg {
		return
	}
	if id == lyrical.RetValReg {
		if from != EAX {
			buf.MovRR(EAX, from)
		}
		return
	}
	off, ok := s.Layout.SlotOffset(id)
	if !ok {
		return
	}
	buf.StoreMem32(EBP, int64(off), from)
}

// baseOperand resolves an OpLd/OpSt/OpLdSt base-register operand: the
// FuncLevelBaseReg sentinel means "address EBP directly" (spec.md's
// component B "funclevel" role), anything else is an ordinary vreg
// materialized into a scratch register first.
func (s *Selector) baseOperand(buf *Buf, id int, scratch PhysReg) PhysReg {
	if id == lyrical.FuncLevelBaseReg {
		return EBP
	}
	s.load(buf, id, scratch)
	return scratch
}

var condCC = map[lyrical.Cond]CC{
	lyrical.CondEQ:   CCE,
	lyrical.CondNE:   CCNE,
	lyrical.CondLT:   CCL,
	lyrical.CondLTE:  CCLE,
	lyrical.CondLTU:  CCB,
	lyrical.CondLTEU: CCBE,
}

// Select lowers one instruction. The returned Fixup, if non-nil,
// identifies an immediate field within bytes that the linker must
// resolve once every function's offsets are known (spec.md §4.H).
func (s *Selector) Select(instr *lyrical.Instruction) ([]byte, *Fixup, error) {
	buf := &Buf{}
	switch instr.Op {
	case lyrical.OpNop, lyrical.OpComment:
		return nil, nil, nil

	case lyrical.OpMachineCode:
		return append([]byte(nil), instr.MachineCodeBytes...), nil, nil

	case lyrical.OpLI:
		imm := immLiteral(instr.Imm)
		if instr.Cond == lyrical.CondZero {
			buf.XorSelf(scratchR1)
		} else {
			buf.MovRegImm32(scratchR1, uint32(imm))
		}
		s.store(buf, instr.R1, scratchR1)
		return buf.B, nil, nil

	case lyrical.OpCpy:
		s.load(buf, instr.R2, scratchR1)
		s.store(buf, instr.R1, scratchR1)
		return buf.B, nil, nil

	case lyrical.OpAdd, lyrical.OpSub, lyrical.OpAnd, lyrical.OpOr, lyrical.OpXor:
		return s.selectBinReg(buf, instr)
	case lyrical.OpAddI, lyrical.OpSubI, lyrical.OpAndI, lyrical.OpOrI, lyrical.OpXorI:
		return s.selectBinImm(buf, instr)
	case lyrical.OpSubI2:
		// r1 = imm - r2: negate then add imm.
		s.load(buf, instr.R2, scratchR1)
		buf.NegR(scratchR1)
		buf.AddRI(scratchR1, int32(immLiteral(instr.Imm)))
		s.store(buf, instr.R1, scratchR1)
		return buf.B, nil, nil

	case lyrical.OpNeg:
		s.load(buf, instr.R2, scratchR1)
		buf.NegR(scratchR1)
		s.store(buf, instr.R1, scratchR1)
		return buf.B, nil, nil

	case lyrical.OpNot:
		s.load(buf, instr.R2, scratchR1)
		buf.NotR(scratchR1)
		s.store(buf, instr.R1, scratchR1)
		return buf.B, nil, nil

	case lyrical.OpMul, lyrical.OpMulU:
		s.load(buf, instr.R2, scratchR1)
		s.load(buf, instr.R3, scratchR2)
		buf.ImulRR(scratchR1, scratchR2)
		s.store(buf, instr.R1, scratchR1)
		return buf.B, nil, nil
	case lyrical.OpMulI, lyrical.OpMulUI:
		s.load(buf, instr.R2, scratchR1)
		buf.ImulRRI(scratchR1, scratchR1, int32(immLiteral(instr.Imm)))
		s.store(buf, instr.R1, scratchR1)
		return buf.B, nil, nil

	case lyrical.OpMulH, lyrical.OpMulHI, lyrical.OpMulHU, lyrical.OpMulHUI:
		return s.selectMulHigh(buf, instr)

	case lyrical.OpDiv, lyrical.OpDivU, lyrical.OpMod, lyrical.OpModU:
		return s.selectDivMod(buf, instr, false)
	case lyrical.OpDivI, lyrical.OpDivUI, lyrical.OpModI, lyrical.OpModUI:
		return s.selectDivModImm(buf, instr)
	case lyrical.OpDivI2, lyrical.OpDivUI2, lyrical.OpModI2, lyrical.OpModUI2:
		return s.selectDivMod2(buf, instr)

	case lyrical.OpSll, lyrical.OpSrl, lyrical.OpSra:
		return s.selectShiftReg(buf, instr)
	case lyrical.OpSllI, lyrical.OpSrlI, lyrical.OpSraI:
		return s.selectShiftImm(buf, instr)
	case lyrical.OpSllI2, lyrical.OpSrlI2, lyrical.OpSraI2:
		return s.selectShiftImm2(buf, instr)

	case lyrical.OpZxt:
		return s.selectExt(buf, instr, false)
	case lyrical.OpSxt:
		return s.selectExt(buf, instr, true)

	case lyrical.OpSet:
		return s.selectSet(buf, instr)

	case lyrical.OpBranch:
		return s.selectBranch(buf, instr)

	case lyrical.OpJR:
		s.load(buf, instr.R1, scratchR1)
		buf.bytes(0xff, 0xe0|byte(scratchR1&7))
		return buf.B, nil, nil

	case lyrical.OpArgPush:
		s.load(buf, instr.R1, scratchR1)
		buf.PushR(scratchR1)
		return buf.B, nil, nil

	case lyrical.OpArgCleanup:
		if n := immLiteral(instr.Imm); n > 0 {
			buf.AddRI(ESP, int32(n))
		}
		return buf.B, nil, nil

	case lyrical.OpFrameUnwind:
		// One `leave` per frame restores the next-outer EBP/ESP pair; the
		// add drops the return address of the call being abandoned so ESP
		// lands where that frame's owner last left it.
		for n := immLiteral(instr.Imm); n > 0; n-- {
			buf.Leave()
			buf.AddRI(ESP, 4)
		}
		return buf.B, nil, nil

	case lyrical.OpJPush:
		return s.selectCall(buf, instr)

	case lyrical.OpJPop:
		// Mirror image of BuildPrologue's `push ebp; mov ebp, esp; sub
		// esp, frameSize`: `leave` (mov esp,ebp; pop ebp) restores both
		// in one instruction regardless of frameSize, then `ret` pops
		// the return address `call` pushed at the call site.
		buf.Leave()
		buf.Ret()
		return buf.B, nil, nil

	case lyrical.OpJL:
		return s.selectJL(buf, instr)

	case lyrical.OpJI:
		return s.selectJI(buf, instr)

	case lyrical.OpAFIP:
		return s.selectAFIP(buf, instr)

	case lyrical.OpFrameAddr:
		disp := s.Layout.FrameDisp(immLiteral(instr.Imm))
		buf.LeaMem32(scratchR1, EBP, disp)
		s.store(buf, instr.R1, scratchR1)
		return buf.B, nil, nil

	case lyrical.OpLd:
		return s.selectLd(buf, instr)
	case lyrical.OpSt:
		return s.selectSt(buf, instr)
	case lyrical.OpLdSt:
		return s.selectLdSt(buf, instr)

	case lyrical.OpMemCpy, lyrical.OpMemCpy2:
		return s.selectMemCpy(buf, instr)

	case lyrical.OpPageAlloc, lyrical.OpPageFree, lyrical.OpStackPageAlloc, lyrical.OpStackPageFree:
		return s.selectPaging(buf, instr)

	default:
		return nil, nil, errors.Errorf("x86: unknown IR opcode %v (backend internal error)", instr.Op)
	}
}

func immLiteral(chain []lyrical.ImmVal) int64 {
	var sum int64
	for _, c := range chain {
		if c.Kind == lyrical.ImmValLiteral {
			sum += c.Literal
		}
	}
	return sum
}

func (s *Selector) selectBinReg(buf *Buf, instr *lyrical.Instruction) ([]byte, *Fixup, error) {
	s.load(buf, instr.R2, scratchR1)
	s.load(buf, instr.R3, scratchR2)
	switch instr.Op {
	case lyrical.OpAdd:
		buf.AddRR(scratchR1, scratchR2)
	case lyrical.OpSub:
		buf.SubRR(scratchR1, scratchR2)
	case lyrical.OpAnd:
		buf.AndRR(scratchR1, scratchR2)
	case lyrical.OpOr:
		buf.OrRR(scratchR1, scratchR2)
	case lyrical.OpXor:
		buf.XorRR(scratchR1, scratchR2)
	}
	s.store(buf, instr.R1, scratchR1)
	return buf.B, nil, nil
}

func (s *Selector) selectBinImm(buf *Buf, instr *lyrical.Instruction) ([]byte, *Fixup, error) {
	s.load(buf, instr.R2, scratchR1)
	imm := int32(immLiteral(instr.Imm))
	switch instr.Op {
	case lyrical.OpAddI:
		buf.AddRI(scratchR1, imm)
	case lyrical.OpSubI:
		buf.SubRI(scratchR1, imm)
	case lyrical.OpAndI:
		buf.AndRI(scratchR1, imm)
	case lyrical.OpOrI:
		buf.OrRI(scratchR1, imm)
	case lyrical.OpXorI:
		buf.XorRI(scratchR1, imm)
	}
	s.store(buf, instr.R1, scratchR1)
	return buf.B, nil, nil
}

// selectMulHigh computes the high 32 bits of a 32x32 multiply using the
// implicit EDX:EAX form, saving and restoring EDX, which the multiply
// overwrites (spec.md §4.G policy:
// "ops with implicit register operands ... save any conflicting
// physical register on-demand").
func (s *Selector) selectMulHigh(buf *Buf, instr *lyrical.Instruction) ([]byte, *Fixup, error) {
	buf.PushR(EDX)
	s.load(buf, instr.R2, EAX)
	s.load(buf, instr.R3, ECX)
	if instr.Op == lyrical.OpMulHU || instr.Op == lyrical.OpMulHUI {
		buf.MulR(ECX)
	} else {
		buf.ImulR(ECX)
	}
	buf.MovRR(scratchR1, EDX)
	buf.PopR(EDX)
	s.store(buf, instr.R1, scratchR1)
	return buf.B, nil, nil
}

func (s *Selector) selectDivMod(buf *Buf, instr *lyrical.Instruction, _ bool) ([]byte, *Fixup, error) {
	signed := instr.Op == lyrical.OpDiv || instr.Op == lyrical.OpMod
	wantMod := instr.Op == lyrical.OpMod || instr.Op == lyrical.OpModU
	buf.PushR(EDX)
	s.load(buf, instr.R2, EAX)
	s.load(buf, instr.R3, ECX)
	if signed {
		buf.Cdq()
		buf.IdivR(ECX)
	} else {
		buf.XorRR(EDX, EDX)
		buf.DivR(ECX)
	}
	if wantMod {
		buf.MovRR(scratchR1, EDX)
	} else {
		buf.MovRR(scratchR1, EAX)
	}
	buf.PopR(EDX)
	s.store(buf, instr.R1, scratchR1)
	return buf.B, nil, nil
}

func (s *Selector) selectDivModImm(buf *Buf, instr *lyrical.Instruction) ([]byte, *Fixup, error) {
	signed := instr.Op == lyrical.OpDivI || instr.Op == lyrical.OpModI
	wantMod := instr.Op == lyrical.OpModI || instr.Op == lyrical.OpModUI
	buf.PushR(EDX)
	s.load(buf, instr.R2, EAX)
	buf.MovRegImm32(ECX, uint32(immLiteral(instr.Imm)))
	if signed {
		buf.Cdq()
		buf.IdivR(ECX)
	} else {
		buf.XorRR(EDX, EDX)
		buf.DivR(ECX)
	}
	if wantMod {
		buf.MovRR(scratchR1, EDX)
	} else {
		buf.MovRR(scratchR1, EAX)
	}
	buf.PopR(EDX)
	s.store(buf, instr.R1, scratchR1)
	return buf.B, nil, nil
}

// selectDivMod2 handles the swapped-immediate forms (r1 = imm / r2).
func (s *Selector) selectDivMod2(buf *Buf, instr *lyrical.Instruction) ([]byte, *Fixup, error) {
	signed := instr.Op == lyrical.OpDivI2 || instr.Op == lyrical.OpModI2
	wantMod := instr.Op == lyrical.OpModI2 || instr.Op == lyrical.OpModUI2
	buf.PushR(EDX)
	buf.MovRegImm32(EAX, uint32(immLiteral(instr.Imm)))
	s.load(buf, instr.R2, ECX)
	if signed {
		buf.Cdq()
		buf.IdivR(ECX)
	} else {
		buf.XorRR(EDX, EDX)
		buf.DivR(ECX)
	}
	if wantMod {
		buf.MovRR(scratchR1, EDX)
	} else {
		buf.MovRR(scratchR1, EAX)
	}
	buf.PopR(EDX)
	s.store(buf, instr.R1, scratchR1)
	return buf.B, nil, nil
}

// selectShiftReg lowers a register-count shift through CL (spec.md
// §4.G: "shifts use CL"), preserving ECX around the scratch load.
func (s *Selector) selectShiftReg(buf *Buf, instr *lyrical.Instruction) ([]byte, *Fixup, error) {
	buf.PushR(ECX)
	s.load(buf, instr.R2, scratchR1)
	s.load(buf, instr.R3, ECX)
	switch instr.Op {
	case lyrical.OpSll:
		buf.ShlCl(scratchR1)
	case lyrical.OpSrl:
		buf.ShrCl(scratchR1)
	case lyrical.OpSra:
		buf.SarCl(scratchR1)
	}
	buf.PopR(ECX)
	s.store(buf, instr.R1, scratchR1)
	return buf.B, nil, nil
}

func (s *Selector) selectShiftImm(buf *Buf, instr *lyrical.Instruction) ([]byte, *Fixup, error) {
	s.load(buf, instr.R2, scratchR1)
	n := byte(immLiteral(instr.Imm))
	switch instr.Op {
	case lyrical.OpSllI:
		buf.ShlImm(scratchR1, n)
	case lyrical.OpSrlI:
		buf.ShrImm(scratchR1, n)
	case lyrical.OpSraI:
		buf.SarImm(scratchR1, n)
	}
	s.store(buf, instr.R1, scratchR1)
	return buf.B, nil, nil
}

// selectShiftImm2 handles r1 = imm << r2 (and its srl/sra kin): the
// immediate is loaded into the destination, the shift count into CL.
func (s *Selector) selectShiftImm2(buf *Buf, instr *lyrical.Instruction) ([]byte, *Fixup, error) {
	buf.PushR(ECX)
	buf.MovRegImm32(scratchR1, uint32(immLiteral(instr.Imm)))
	s.load(buf, instr.R2, ECX)
	switch instr.Op {
	case lyrical.OpSllI2:
		buf.ShlCl(scratchR1)
	case lyrical.OpSrlI2:
		buf.ShrCl(scratchR1)
	case lyrical.OpSraI2:
		buf.SarCl(scratchR1)
	}
	buf.PopR(ECX)
	s.store(buf, instr.R1, scratchR1)
	return buf.B, nil, nil
}

func (s *Selector) selectExt(buf *Buf, instr *lyrical.Instruction, signed bool) ([]byte, *Fixup, error) {
	s.load(buf, instr.R2, scratchR1)
	switch instr.Width {
	case 1:
		if signed {
			buf.bytes(0x0f, 0xbe, modrmRR(scratchR1, scratchR1))
		} else {
			buf.bytes(0x0f, 0xb6, modrmRR(scratchR1, scratchR1))
		}
	case 2:
		if signed {
			buf.bytes(0x0f, 0xbf, modrmRR(scratchR1, scratchR1))
		} else {
			buf.bytes(0x0f, 0xb7, modrmRR(scratchR1, scratchR1))
		}
	}
	s.store(buf, instr.R1, scratchR1)
	return buf.B, nil, nil
}

// selectSet lowers the set-if-compare family to cmp + setcc + movzx,
// materializing its HasR2Imm form through an immediate compare.
func (s *Selector) selectSet(buf *Buf, instr *lyrical.Instruction) ([]byte, *Fixup, error) {
	s.load(buf, instr.R2, scratchR1)
	if instr.HasR2Imm {
		buf.CmpRI(scratchR1, int32(immLiteral(instr.Imm)))
	} else {
		s.load(buf, instr.R3, scratchR2)
		buf.CmpRR(scratchR1, scratchR2)
	}
	cc, ok := condCC[instr.Cond]
	if !ok {
		return nil, nil, errors.Errorf("x86: unsupported set condition %v", instr.Cond)
	}
	buf.XorRR(scratchR1, scratchR1)
	buf.SetccR(cc, scratchR1)
	s.store(buf, instr.R1, scratchR1)
	return buf.B, nil, nil
}

// selectBranch lowers the unified branch family: CondAlways is an
// unconditional jump; CondZero/CondNonZero test a single register;
// everything else is a two-operand compare-and-branch. Every form is
// first emitted with a rel8 (Imm8) displacement; once linker.go finds
// that the displacement does not fit and marks the instruction Promoted,
// the redo selects the rel32 (Imm32) form.
func (s *Selector) selectBranch(buf *Buf, instr *lyrical.Instruction) ([]byte, *Fixup, error) {
	chain, err := s.Labels.chain(instr.Label)
	if err != nil {
		return nil, nil, err
	}
	preferShort := !s.Promoted[instr]

	rel8Fixup := func() *Fixup {
		off := len(buf.B) + 1
		return &Fixup{Offset: off, Width: Imm8, Chain: chain, Relative: true, AnchorOffset: off + 1}
	}
	rel32Fixup := func(off int) *Fixup {
		return &Fixup{Offset: off, Width: Imm32, Chain: chain, Relative: true, AnchorOffset: off + 4}
	}

	switch instr.Cond {
	case lyrical.CondAlways:
		if preferShort {
			fx := rel8Fixup()
			buf.JmpRel8(0)
			return buf.B, fx, nil
		}
		off := buf.JmpRel32()
		return buf.B, rel32Fixup(off), nil

	case lyrical.CondZero, lyrical.CondNonZero:
		s.load(buf, instr.R1, scratchR1)
		buf.TestRR(scratchR1, scratchR1)
		cc := CCNE
		if instr.Cond == lyrical.CondZero {
			cc = CCE
		}
		if preferShort {
			fx := rel8Fixup()
			buf.JccRel8(cc, 0)
			return buf.B, fx, nil
		}
		off := buf.JccRel32(cc)
		return buf.B, rel32Fixup(off), nil

	default:
		s.load(buf, instr.R1, scratchR1)
		if instr.HasR2Imm {
			buf.CmpRI(scratchR1, int32(immLiteral(instr.Imm)))
		} else {
			s.load(buf, instr.R2, scratchR2)
			buf.CmpRR(scratchR1, scratchR2)
		}
		cc, ok := condCC[instr.Cond]
		if !ok {
			return nil, nil, errors.Errorf("x86: unsupported branch condition %v", instr.Cond)
		}
		if preferShort {
			fx := rel8Fixup()
			buf.JccRel8(cc, 0)
			return buf.B, fx, nil
		}
		off := buf.JccRel32(cc)
		return buf.B, rel32Fixup(off), nil
	}
}

func (s *Selector) selectCall(buf *Buf, instr *lyrical.Instruction) ([]byte, *Fixup, error) {
	fx, err := s.emitCallTo(buf, instr.Label)
	if err != nil {
		return nil, nil, err
	}
	return buf.B, fx, nil
}

// emitCallTo emits a call to the named target: a defined function gets a
// plain rel32 call, while an imported one is reached through its
// string-region slot — the call/pop idiom recovers the runtime PC, the
// add lands on the slot where the loader wrote the callee's address, and
// the register call dispatches through it (spec.md §4.H: the import
// record's u32 is "the offset within the string region from which the
// loader must fetch the callee's address"). The idiom runs through EDX so
// it never disturbs EAX, which paging calls use for their argument.
func (s *Selector) emitCallTo(buf *Buf, label string) (*Fixup, error) {
	if fn, ok := s.Labels.Functions[label]; ok && fn.Import {
		chain := []lyrical.ImmVal{{Kind: lyrical.ImmValOffsetToStringRegion, Literal: int64(fn.ImportOffset)}}
		start := len(buf.B)
		buf.bytes(0xe8, 0, 0, 0, 0) // call $+5
		buf.PopR(scratchR3)
		off := len(buf.B) + 2
		buf.bytes(0x81, 0xc0|byte(scratchR3&7)) // add edx, imm32
		buf.u32(0)
		buf.LoadMem32(scratchR3, scratchR3, 0)
		buf.bytes(0xff, 0xd0|byte(scratchR3&7)) // call edx
		return &Fixup{Offset: off, Width: Imm32, Chain: chain, Relative: true, AnchorOffset: start + 5}, nil
	}
	chain, err := s.Labels.chain(label)
	if err != nil {
		return nil, err
	}
	off := buf.CallRel32()
	return &Fixup{Offset: off, Width: Imm32, Chain: chain, Relative: true, AnchorOffset: off + 4}, nil
}

// selectJL synthesizes a PC-relative register load from `call $+5; pop
// r; add r, imm`, exactly as spec.md §4.G describes for x86-32's
// missing one-instruction PC-read, grounded on the teacher's own
// `emitCallPlaceholder`+pop idiom for position-independent addressing.
// The `call $+5` always pushes instrStart+5 (a 1-byte opcode plus a
// 4-byte zero displacement that lands exactly past itself), so the
// anchor the add's imm32 resolves against is the constant offset 5,
// regardless of how many bytes follow in this same instruction.
func (s *Selector) selectJL(buf *Buf, instr *lyrical.Instruction) ([]byte, *Fixup, error) {
	chain, err := s.Labels.chain(instr.Label)
	if err != nil {
		return nil, nil, err
	}
	buf.bytes(0xe8, 0, 0, 0, 0) // call $+5 (rel32 of 0 always lands just past itself)
	buf.PopR(scratchR1)
	off := len(buf.B) + 2
	buf.bytes(0x81, 0xc0|byte(scratchR1&7))
	buf.u32(0)
	s.store(buf, instr.R1, scratchR1)
	return buf.B, &Fixup{Offset: off, Width: Imm32, Chain: chain, Relative: true, AnchorOffset: 5}, nil
}

// selectJI lowers the indirect jump-table dispatch: jmp [base(r1) +
// r2<<shift].
func (s *Selector) selectJI(buf *Buf, instr *lyrical.Instruction) ([]byte, *Fixup, error) {
	s.load(buf, instr.R1, scratchR1)
	s.load(buf, instr.R2, scratchR2)
	shift := byte(immLiteral(instr.Imm))
	if shift > 0 {
		buf.ShlImm(scratchR2, shift)
	}
	buf.AddRR(scratchR1, scratchR2)
	buf.bytes(0xff, 0x20|byte(scratchR1&7))
	return buf.B, nil, nil
}

// selectAFIP lowers r1 := PC + imm via the same call/pop/add idiom as
// JL, with the chain resolved straight from the instruction's own Imm.
func (s *Selector) selectAFIP(buf *Buf, instr *lyrical.Instruction) ([]byte, *Fixup, error) {
	buf.bytes(0xe8, 0, 0, 0, 0)
	buf.PopR(scratchR1)
	off := len(buf.B) + 2
	buf.bytes(0x81, 0xc0|byte(scratchR1&7))
	buf.u32(0)
	s.store(buf, instr.R1, scratchR1)
	return buf.B, &Fixup{Offset: off, Width: Imm32, Chain: instr.Imm, Relative: true, AnchorOffset: 5}, nil
}

func (s *Selector) selectLd(buf *Buf, instr *lyrical.Instruction) ([]byte, *Fixup, error) {
	base := s.baseOperand(buf, instr.R2, scratchR2)
	disp := immLiteral(instr.Imm)
	if instr.R2 == lyrical.FuncLevelBaseReg {
		disp = s.Layout.FrameDisp(disp)
	}
	switch instr.Width {
	case 1:
		buf.LoadMemByteZx(scratchR1, base, disp)
	case 2:
		buf.LoadMemWordZx(scratchR1, base, disp)
	default:
		buf.LoadMem32(scratchR1, base, disp)
	}
	s.store(buf, instr.R1, scratchR1)
	return buf.B, nil, nil
}

func (s *Selector) selectSt(buf *Buf, instr *lyrical.Instruction) ([]byte, *Fixup, error) {
	base := s.baseOperand(buf, instr.R2, scratchR2)
	s.load(buf, instr.R1, scratchR1)
	disp := immLiteral(instr.Imm)
	if instr.R2 == lyrical.FuncLevelBaseReg {
		disp = s.Layout.FrameDisp(disp)
	}
	if instr.Width == 1 {
		buf.StoreMemByte(base, disp, scratchR1)
	} else {
		buf.StoreMem32(base, disp, scratchR1)
	}
	return buf.B, nil, nil
}

func (s *Selector) selectLdSt(buf *Buf, instr *lyrical.Instruction) ([]byte, *Fixup, error) {
	if len(instr.Imm) < 2 {
		return nil, nil, errors.New("x86: ldst missing both immediate operands")
	}
	srcImm := instr.Imm[0].Literal
	dstImm := instr.Imm[1].Literal
	base := s.baseOperand(buf, instr.R2, scratchR2)
	if instr.R2 == lyrical.FuncLevelBaseReg {
		srcImm = s.Layout.FrameDisp(srcImm)
	}
	buf.LoadMem32(scratchR1, base, srcImm)
	dstBase := s.baseOperand(buf, instr.R1, scratchR3)
	if instr.R1 == lyrical.FuncLevelBaseReg {
		dstImm = s.Layout.FrameDisp(dstImm)
	}
	buf.StoreMem32(dstBase, dstImm, scratchR1)
	return buf.B, nil, nil
}

// selectMemCpy lowers a bulk byte copy to `rep movsb`, matching the
// teacher's own reliance on ESI/EDI/ECX for string ops (spec.md §4.G).
// The backward form (MEMCPY2) walks from the high end so overlapping
// forward-copy regions do not corrupt unread source bytes.
func (s *Selector) selectMemCpy(buf *Buf, instr *lyrical.Instruction) ([]byte, *Fixup, error) {
	buf.PushR(ESI)
	buf.PushR(EDI)
	buf.PushR(ECX)
	s.load(buf, instr.R1, EDI)
	s.load(buf, instr.R2, ESI)
	s.load(buf, instr.R3, ECX)
	if instr.Op == lyrical.OpMemCpy2 {
		// A downward rep movsb starts at the regions' last bytes, so both
		// pointers move from base to base+n-1 before the direction flag is
		// set.
		buf.AddRR(EDI, ECX)
		buf.AddRR(ESI, ECX)
		buf.SubRI(EDI, 1)
		buf.SubRI(ESI, 1)
		buf.bytes(0xfd) // std: direction flag set, walk downward
		buf.bytes(0xf3, 0xa4)
		buf.bytes(0xfc) // cld: restore direction flag
	} else {
		buf.bytes(0xf3, 0xa4)
	}
	buf.PopR(ECX)
	buf.PopR(EDI)
	buf.PopR(ESI)
	return buf.B, nil, nil
}

// selectPaging lowers the four paging ops through an import call to a
// host-provided runtime helper (spec.md treats the memory-session
// allocator as an external collaborator, §1); the label names match the
// imports compile.go's declareRuntimeHelpers declares for each paging
// helper the IR uses.
func (s *Selector) selectPaging(buf *Buf, instr *lyrical.Instruction) ([]byte, *Fixup, error) {
	var name string
	switch instr.Op {
	case lyrical.OpPageAlloc:
		name = "lyrical_pagealloc"
	case lyrical.OpPageFree:
		name = "lyrical_pagefree"
	case lyrical.OpStackPageAlloc:
		name = "lyrical_stackpagealloc"
	case lyrical.OpStackPageFree:
		name = "lyrical_stackpagefree"
	}
	if instr.R1 >= 0 {
		s.load(buf, instr.R1, EAX)
	} else {
		buf.MovRegImm32(EAX, uint32(immLiteral(instr.Imm)))
	}
	fx, err := s.emitCallTo(buf, name)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "x86: paging op %s", fmt.Sprint(instr.Op))
	}
	if instr.R1 >= 0 && (instr.Op == lyrical.OpPageAlloc) {
		s.store(buf, instr.R1, EAX)
	}
	return buf.B, fx, nil
}
