package lyrical

import "fmt"

// Op is a LYRICAL IR opcode. The set is closed (spec §4.A); variant
// dimensions that would otherwise explode the enum combinatorially
// (operand width for loads/stores, comparison predicate for set/branch)
// are carried as Instruction fields instead of separate constants — an
// adaptation noted in DESIGN.md, not a reduction in semantic coverage.
type Op int

const (
	OpNop Op = iota
	OpComment

	OpLI  // r1 = imm
	OpCpy // r1 = r2

	OpAdd
	OpAddI
	OpSub
	OpSubI
	OpSubI2 // r1 = imm - r2
	OpNeg

	OpMul
	OpMulI
	OpMulH
	OpMulHI
	OpMulU
	OpMulUI
	OpMulHU
	OpMulHUI

	OpDiv
	OpDivI
	OpDivI2 // r1 = imm / r2
	OpDivU
	OpDivUI
	OpDivUI2

	OpMod
	OpModI
	OpModI2
	OpModU
	OpModUI
	OpModUI2

	OpAnd
	OpAndI
	OpOr
	OpOrI
	OpXor
	OpXorI
	OpNot

	OpSll
	OpSllI
	OpSllI2 // r1 = imm << r2
	OpSrl
	OpSrlI
	OpSrlI2
	OpSra
	OpSraI
	OpSraI2

	OpZxt // r1 = zero-extend r2 to width Imm
	OpSxt // r1 = sign-extend r2 to width Imm

	// Set-if-compare family; Cond selects the predicate, Imm2 selects
	// whether the second operand is an immediate.
	OpSet

	// Branch family; Cond selects the predicate (CondAlways for J,
	// CondZero/CondNonZero for JZ/JNZ).
	OpBranch
	OpJR     // jump to address in r1
	OpJL     // r1 = PC+imm (of call-return-continuation); call-like
	OpJPush  // push a return address, branch
	OpJPop   // pop a return address, branch to it (return)
	OpJI     // indirect jump through table base in r1 plus r2<<shift

	OpAFIP // r1 = PC-relative address of instruction/section

	OpFrameAddr // r1 = address of the local/parameter at frame offset Imm

	OpLd   // r1 = *(width)(r2 + imm)
	OpSt   // *(width)(r2 + imm) = r1
	OpLdSt // *(width)(r3 + imm2) = *(width)(r2 + imm)

	OpMemCpy  // forward bulk copy, r1=dst r2=src r3/imm=count
	OpMemCpy2 // backward bulk copy

	OpPageAlloc
	OpPageFree
	OpStackPageAlloc
	OpStackPageFree

	OpMachineCode

	OpArgPush    // push r1's value as the next outgoing call argument
	OpArgCleanup // pop Imm bytes of outgoing arguments the callee did not clean

	OpFrameUnwind // tear down Imm enclosing stack frames (throw's ancestor walk)

	opCount
)

// FuncLevelBaseReg and RetValReg are the two virtual-register ids the
// frontend and backend agree on by convention rather than through the
// ordinary allocator: FuncLevelBaseReg is never materialized by a
// selector (it addresses a Ld/St directly against the frame pointer),
// and RetValReg is pinned to the platform's return-value register
// (spec §4.B "funclevel"/calling-convention roles).
const (
	FuncLevelBaseReg = 0
	RetValReg        = 1
)

// Cond is the comparison predicate carried by OpSet/OpBranch.
type Cond int

const (
	CondAlways Cond = iota
	CondZero
	CondNonZero
	CondEQ
	CondNE
	CondLT
	CondLTE
	CondLTU
	CondLTEU
)

// ImmValKind tags a cell in an instruction's immediate-chain (spec §3/§6).
type ImmValKind int

const (
	ImmValLiteral ImmValKind = iota
	ImmValOffsetToInstruction
	ImmValOffsetToFunction
	ImmValOffsetToGlobalRegion
	ImmValOffsetToStringRegion
)

// ImmVal is one additive cell of an instruction's immediate chain.
type ImmVal struct {
	Kind ImmValKind
	// Literal is used when Kind == ImmValLiteral.
	Literal int64
	// TargetInstruction/TargetFunction/TargetLabel resolve the other
	// kinds; exactly one is meaningful per Kind.
	TargetInstruction *Instruction
	TargetFunction    *Function
	TargetLabel       string
}

// DebugPos is the (file, line, byte-offset) tuple attached to every IR
// instruction when debug info is requested.
type DebugPos struct {
	File   string
	Line   int
	Offset int
}

// Instruction is one IR op: up to three virtual-register operands, an
// optional immediate chain, and backend-attached bytes once selected.
type Instruction struct {
	Op   Op
	Cond Cond

	R1, R2, R3 int // virtual register ids; -1 means "unused"
	HasR2Imm   bool
	HasR3Imm   bool // for OpLdSt's second address

	Width int // 1,2,4,8 for Ld/St/LdSt/Zxt/Sxt; 0 otherwise

	Imm []ImmVal

	// BinSz, when nonzero, pads this instruction's backend encoding to a
	// fixed stride (jump tables).
	BinSz int

	// Label, when nonzero length, makes this a label pseudo-instruction
	// (emits no bytes, but fixups may target it).
	Label string

	// UnusedRegs is the informational list of registers free at this
	// point, handed to the backend for its own pressure decisions.
	UnusedRegs []int

	Debug DebugPos

	// backend-attached payload; opaque to the frontend.
	Backend interface{}

	// MachineCodeBytes carries the opaque asm{} payload for OpMachineCode.
	MachineCodeBytes []byte

	// extension state of R1 after this instruction executes.
	zxt, sxt bool
}

func (i *Instruction) IsNoOpOrComment() bool {
	return i.Op == OpNop || i.Op == OpComment
}

// immSum evaluates an instruction's immediate chain against already-known
// addresses; used by both constant folding and (with different resolvers)
// the backend linker.
func immSum(chain []ImmVal, resolve func(ImmVal) int64) int64 {
	var sum int64
	for _, c := range chain {
		if c.Kind == ImmValLiteral {
			sum += c.Literal
			continue
		}
		sum += resolve(c)
	}
	return sum
}

// Builder appends instructions to a function body while enforcing the
// register-pressure precondition (spec §4.A item 3) and the peephole
// reductions (item 1) and extension-tracking (item 2).
type Builder struct {
	Func *Function
	Regs *RegisterManager
	// MinUnusedRegCountForOp mirrors CompileOptions.MinUnusedRegCountForOp.
	MinUnusedRegCountForOp map[Op]int
	Comment                bool

	// Out is where append lands new instructions; it defaults to
	// &Func.Instructions but switch-statement lowering temporarily
	// redirects it (SetOut) to buffer a case body or a jump-case table
	// until the dispatch sequence ahead of it is fully known.
	Out *[]*Instruction

	// DebugPos is stamped onto every appended instruction; the statement
	// parser refreshes it at each statement boundary so the backend's
	// debug section can map binary offsets back to source lines.
	DebugPos DebugPos
}

func NewBuilder(f *Function, minRegs map[Op]int, comment bool) *Builder {
	b := &Builder{Func: f, Regs: f.regs, MinUnusedRegCountForOp: minRegs, Comment: comment, Out: &f.Instructions}
	// Spill stores bypass append's register-pressure precondition: a spill
	// is what the precondition itself runs to free registers, so routing it
	// back through EnsureUnused would recurse. Statics never bind a
	// register (they are read/written through their global-region address),
	// so every spilled variable is frame-resident.
	f.regs.spillFn = func(v *Variable, reg int) {
		w := v.Size
		if w == 0 || w > 4 {
			w = 4
		}
		*b.Out = append(*b.Out, &Instruction{
			Op: OpSt, R1: reg, R2: FuncLevelBaseReg, R3: -1, Width: w,
			Imm: []ImmVal{{Kind: ImmValLiteral, Literal: int64(v.Offset)}},
		})
	}
	return b
}

func (b *Builder) append(i *Instruction) *Instruction {
	if !i.IsNoOpOrComment() {
		k := b.MinUnusedRegCountForOp[i.Op]
		if k > 0 {
			if err := b.Regs.EnsureUnused(k, b); err != nil {
				panic(err) // resource exhaustion is an internal-bug class error (spec §7.4); caller recovers via Compile's guarded pass
			}
		}
		i.UnusedRegs = b.Regs.UnusedIDs()
	}
	i.Debug = b.DebugPos
	*b.Out = append(*b.Out, i)
	return i
}

// SetOut redirects subsequent append()s to out, returning a restore
// closure. Used by switch-statement lowering (parseSwitch) to buffer a
// case body's instructions separately from the function's real list while
// the dispatch table ahead of them is still being computed.
func (b *Builder) SetOut(out *[]*Instruction) func() {
	prev := b.Out
	b.Out = out
	return func() { b.Out = prev }
}

// AppendAll transplants already-built instructions (typically captured via
// SetOut) onto the builder's current Out, preserving order; it does not
// recheck register pressure, since that was already enforced when each
// instruction was originally built.
func (b *Builder) AppendAll(instrs []*Instruction) {
	*b.Out = append(*b.Out, instrs...)
}

// CommentOp appends a COMMENT pseudo-op, skipped unless CompileComment is set.
func (b *Builder) CommentOp(text string) {
	if !b.Comment {
		return
	}
	b.append(&Instruction{Op: OpComment, Label: text, R1: -1, R2: -1, R3: -1})
}

func (b *Builder) Nop() *Instruction {
	return b.append(&Instruction{Op: OpNop, R1: -1, R2: -1, R3: -1})
}

// --- extension tracking (spec §4.A item 2) ---

// widthBytes returns the zero/sign-extension byte-width contributed by an
// operand of the given declared size.
func widthBytes(size int) int { return size }

func (b *Builder) trackLoadExtension(i *Instruction, destSize, loadWidth int) {
	i.zxt = destSize >= loadWidth
	i.sxt = destSize > loadWidth
}

func (b *Builder) trackLogicExtension(i *Instruction, r1, r2 *Instruction, destSize, opSize int) {
	// and/or/xor preserve extension of the wider operand when the
	// destination is wide enough to hold it.
	wider := opSize
	if r1 != nil && r2 != nil {
		i.zxt = destSize >= wider && (r1.zxt || r2.zxt)
		i.sxt = destSize >= wider && (r1.sxt || r2.sxt)
	}
}

func (b *Builder) trackMulExtension(i *Instruction, r1, r2 *Instruction) {
	// each extension flag survives only when both operands carry it.
	if r1 != nil && r2 != nil {
		i.zxt = r1.zxt && r2.zxt
		i.sxt = r1.sxt && r2.sxt
	}
}

// trackShiftExtension accounts for the masked shift amount (spec §4.A
// item 2): the hardware masks the count to the register width, a logical
// right shift preserves zero extension, an arithmetic right shift
// preserves sign extension, and a left shift preserves either only when
// the masked amount is zero. amountKnown is false for register-count
// shifts, where only the right-shift guarantees survive. The result is
// mirrored into the register manager's per-register extension state so a
// later consumer of the destination sees it.
func (b *Builder) trackShiftExtension(i *Instruction, srcReg int, amount int64, amountKnown bool) {
	zxt, sxt := b.Regs.Extension(srcReg)
	masked := amount & int64(8*sizeOfGPR-1)
	zeroAmount := amountKnown && masked == 0
	switch i.Op {
	case OpSrl, OpSrlI, OpSrlI2:
		i.zxt = zxt
		i.sxt = sxt && zeroAmount
	case OpSra, OpSraI, OpSraI2:
		i.sxt = sxt
		i.zxt = zxt && zeroAmount
	default: // left shifts
		i.zxt = zxt && zeroAmount
		i.sxt = sxt && zeroAmount
	}
	b.Regs.SetExtension(i.R1, i.zxt, i.sxt)
}

// sizeOfGPR is the target's general-purpose register width in bytes.
const sizeOfGPR = 4

func (i *Instruction) WasZeroExtended() bool { return i.zxt }
func (i *Instruction) WasSignExtended() bool { return i.sxt }

// --- arithmetic / logic constructors with peephole folding ---

// Add builds r1 = r2 + r3. The immediate form, which folds addi(r,s,0)
// into a cpy, is AddI.
func (b *Builder) Add(r1, r2, r3 int) *Instruction {
	return b.append(&Instruction{Op: OpAdd, R1: r1, R2: r2, R3: r3})
}

func (b *Builder) AddI(r1, r2 int, imm int64) *Instruction {
	if imm == 0 {
		return b.Cpy(r1, r2)
	}
	return b.append(&Instruction{Op: OpAddI, R1: r1, R2: r2, R3: -1, Imm: []ImmVal{{Kind: ImmValLiteral, Literal: imm}}})
}

// Cpy builds r1 = r2; cpy(r,r) is a no-op per the peephole rule.
func (b *Builder) Cpy(r1, r2 int) *Instruction {
	if r1 == r2 {
		return b.Nop()
	}
	return b.append(&Instruction{Op: OpCpy, R1: r1, R2: r2, R3: -1})
}

func (b *Builder) Sub(r1, r2, r3 int) *Instruction {
	return b.append(&Instruction{Op: OpSub, R1: r1, R2: r2, R3: r3})
}

func (b *Builder) SubI(r1, r2 int, imm int64) *Instruction {
	if imm == 0 {
		return b.Cpy(r1, r2)
	}
	return b.append(&Instruction{Op: OpSubI, R1: r1, R2: r2, R3: -1, Imm: []ImmVal{{Kind: ImmValLiteral, Literal: imm}}})
}

func (b *Builder) SubI2(r1 int, imm int64, r2 int) *Instruction {
	return b.append(&Instruction{Op: OpSubI2, R1: r1, R2: r2, R3: -1, Imm: []ImmVal{{Kind: ImmValLiteral, Literal: imm}}})
}

func (b *Builder) Neg(r1, r2 int) *Instruction {
	return b.append(&Instruction{Op: OpNeg, R1: r1, R2: r2, R3: -1})
}

// isPowerOfTwo and log2 support the multiply/divide/modulo-by-power-of-two
// strength reductions named in spec §4.A item 1.
func isPowerOfTwo(n int64) bool { return n > 0 && n&(n-1) == 0 }

func log2(n int64) int64 {
	var l int64
	for n > 1 {
		n >>= 1
		l++
	}
	return l
}

// Mul builds r1 = r2 * r3.
func (b *Builder) Mul(r1, r2, r3 int) *Instruction {
	return b.append(&Instruction{Op: OpMul, R1: r1, R2: r2, R3: r3})
}

// MulI builds r1 = r2 * imm, folding *0 to li(0), *1 to cpy, and *2^n to
// a left shift.
func (b *Builder) MulI(r1, r2 int, imm int64) *Instruction {
	if imm == 0 {
		return b.LI(r1, 0)
	}
	if imm == 1 {
		return b.Cpy(r1, r2)
	}
	if isPowerOfTwo(imm) {
		return b.SllI(r1, r2, log2(imm))
	}
	return b.append(&Instruction{Op: OpMulI, R1: r1, R2: r2, R3: -1, Imm: []ImmVal{{Kind: ImmValLiteral, Literal: imm}}})
}

func (b *Builder) Div(r1, r2, r3 int) *Instruction {
	return b.append(&Instruction{Op: OpDiv, R1: r1, R2: r2, R3: r3})
}

// DivI builds r1 = r2 / imm, folding /1 to cpy.
func (b *Builder) DivI(r1, r2 int, imm int64) *Instruction {
	if imm == 1 {
		return b.Cpy(r1, r2)
	}
	return b.append(&Instruction{Op: OpDivI, R1: r1, R2: r2, R3: -1, Imm: []ImmVal{{Kind: ImmValLiteral, Literal: imm}}})
}

func (b *Builder) Mod(r1, r2, r3 int) *Instruction {
	return b.append(&Instruction{Op: OpMod, R1: r1, R2: r2, R3: r3})
}

// ModI builds r1 = r2 % imm, folding %0 to li(0) (by spec's own text:
// "modi(r,s,0) likewise fold" — a mod by the literal constant zero is
// defined as the identity-zero fold here, matching the spec's grouping of
// div/mod folds together).
func (b *Builder) ModI(r1, r2 int, imm int64) *Instruction {
	if imm == 0 {
		return b.LI(r1, 0)
	}
	if isPowerOfTwo(imm) {
		return b.AndI(r1, r2, imm-1)
	}
	return b.append(&Instruction{Op: OpModI, R1: r1, R2: r2, R3: -1, Imm: []ImmVal{{Kind: ImmValLiteral, Literal: imm}}})
}

// ModUI is the unsigned form; modui by a power of two becomes andi with
// mask (spec §4.A item 1).
func (b *Builder) ModUI(r1, r2 int, imm int64) *Instruction {
	if isPowerOfTwo(imm) {
		return b.AndI(r1, r2, imm-1)
	}
	return b.append(&Instruction{Op: OpModUI, R1: r1, R2: r2, R3: -1, Imm: []ImmVal{{Kind: ImmValLiteral, Literal: imm}}})
}

func (b *Builder) And(r1, r2, r3 int) *Instruction {
	return b.append(&Instruction{Op: OpAnd, R1: r1, R2: r2, R3: r3})
}

func (b *Builder) AndI(r1, r2 int, imm int64) *Instruction {
	return b.append(&Instruction{Op: OpAndI, R1: r1, R2: r2, R3: -1, Imm: []ImmVal{{Kind: ImmValLiteral, Literal: imm}}})
}

func (b *Builder) Or(r1, r2, r3 int) *Instruction {
	return b.append(&Instruction{Op: OpOr, R1: r1, R2: r2, R3: r3})
}

func (b *Builder) OrI(r1, r2 int, imm int64) *Instruction {
	return b.append(&Instruction{Op: OpOrI, R1: r1, R2: r2, R3: -1, Imm: []ImmVal{{Kind: ImmValLiteral, Literal: imm}}})
}

func (b *Builder) Xor(r1, r2, r3 int) *Instruction {
	return b.append(&Instruction{Op: OpXor, R1: r1, R2: r2, R3: r3})
}

func (b *Builder) XorI(r1, r2 int, imm int64) *Instruction {
	return b.append(&Instruction{Op: OpXorI, R1: r1, R2: r2, R3: -1, Imm: []ImmVal{{Kind: ImmValLiteral, Literal: imm}}})
}

func (b *Builder) Not(r1, r2 int) *Instruction {
	return b.append(&Instruction{Op: OpNot, R1: r1, R2: r2, R3: -1})
}

func (b *Builder) Sll(r1, r2, r3 int) *Instruction {
	i := b.append(&Instruction{Op: OpSll, R1: r1, R2: r2, R3: r3})
	b.trackShiftExtension(i, r2, 0, false)
	return i
}

func (b *Builder) SllI(r1, r2 int, imm int64) *Instruction {
	if imm == 0 {
		return b.Cpy(r1, r2)
	}
	i := b.append(&Instruction{Op: OpSllI, R1: r1, R2: r2, R3: -1, Imm: []ImmVal{{Kind: ImmValLiteral, Literal: imm}}})
	b.trackShiftExtension(i, r2, imm, true)
	return i
}

func (b *Builder) Srl(r1, r2, r3 int) *Instruction {
	i := b.append(&Instruction{Op: OpSrl, R1: r1, R2: r2, R3: r3})
	b.trackShiftExtension(i, r2, 0, false)
	return i
}

func (b *Builder) SrlI(r1, r2 int, imm int64) *Instruction {
	if imm == 0 {
		return b.Cpy(r1, r2)
	}
	i := b.append(&Instruction{Op: OpSrlI, R1: r1, R2: r2, R3: -1, Imm: []ImmVal{{Kind: ImmValLiteral, Literal: imm}}})
	b.trackShiftExtension(i, r2, imm, true)
	return i
}

func (b *Builder) Sra(r1, r2, r3 int) *Instruction {
	i := b.append(&Instruction{Op: OpSra, R1: r1, R2: r2, R3: r3})
	b.trackShiftExtension(i, r2, 0, false)
	return i
}

func (b *Builder) SraI(r1, r2 int, imm int64) *Instruction {
	if imm == 0 {
		return b.Cpy(r1, r2)
	}
	i := b.append(&Instruction{Op: OpSraI, R1: r1, R2: r2, R3: -1, Imm: []ImmVal{{Kind: ImmValLiteral, Literal: imm}}})
	b.trackShiftExtension(i, r2, imm, true)
	return i
}

func (b *Builder) Zxt(r1, r2 int, width int) *Instruction {
	i := b.append(&Instruction{Op: OpZxt, R1: r1, R2: r2, R3: -1, Width: width})
	i.zxt = true
	b.Regs.SetExtension(r1, i.zxt, i.sxt)
	return i
}

func (b *Builder) Sxt(r1, r2 int, width int) *Instruction {
	i := b.append(&Instruction{Op: OpSxt, R1: r1, R2: r2, R3: -1, Width: width})
	i.sxt = true
	b.Regs.SetExtension(r1, i.zxt, i.sxt)
	return i
}

// LI loads an immediate; LI(r,0) is emitted as xor per spec §4.D
// ("loadimm(0) uses xor instead of li") — represented here by tagging the
// instruction so the backend selects XOR r,r,r instead of a mov-immediate.
func (b *Builder) LI(r1 int, imm int64) *Instruction {
	i := &Instruction{Op: OpLI, R1: r1, R2: -1, R3: -1, Imm: []ImmVal{{Kind: ImmValLiteral, Literal: imm}}}
	if imm == 0 {
		i.Cond = CondZero // backend: CondZero on OpLI means "emit via xor"
	}
	return b.append(i)
}

// --- set-if-compare family ---

func (b *Builder) Set(cond Cond, r1, r2, r3 int) *Instruction {
	return b.append(&Instruction{Op: OpSet, Cond: cond, R1: r1, R2: r2, R3: r3})
}

func (b *Builder) SetI(cond Cond, r1, r2 int, imm int64) *Instruction {
	return b.append(&Instruction{Op: OpSet, Cond: cond, R1: r1, R2: r2, R3: -1, HasR2Imm: true, Imm: []ImmVal{{Kind: ImmValLiteral, Literal: imm}}})
}

// SetGT and friends are synthesized by swapping operands of the
// complementary LT/LTE family, per spec's "greater-than ... forms".
func (b *Builder) SetGT(r1, r2, r3 int) *Instruction  { return b.Set(CondLT, r1, r3, r2) }
func (b *Builder) SetGTE(r1, r2, r3 int) *Instruction { return b.Set(CondLTE, r1, r3, r2) }

// SetZero/SetNonzero synthesize the zero/non-zero forms as a compare
// against the literal 0.
func (b *Builder) SetZero(r1, r2 int) *Instruction    { return b.SetI(CondEQ, r1, r2, 0) }
func (b *Builder) SetNonzero(r1, r2 int) *Instruction { return b.SetI(CondNE, r1, r2, 0) }

// --- branch family ---

// branchGuard enforces "do not jump when the destination register equals
// a branch operand" (spec §4.A).
func branchGuard(destReg int, operands ...int) {
	for _, o := range operands {
		if o == destReg {
			panic(fmt.Errorf("lyrical: branch destination register %%%d collides with a branch operand", destReg))
		}
	}
}

// J is an unconditional branch to a label.
func (b *Builder) J(label string) *Instruction {
	return b.append(&Instruction{Op: OpBranch, Cond: CondAlways, R1: -1, R2: -1, R3: -1, Label: label})
}

// JTableEntry builds one dense jump-case table slot: an unconditional
// branch to label, padded to binSz bytes by the backend (Instruction.BinSz)
// so every slot sits at a fixed stride reachable by OpJI's base+(value<<shift)
// addressing (spec §4.E's switch jump table).
func (b *Builder) JTableEntry(label string, binSz int) *Instruction {
	return b.append(&Instruction{Op: OpBranch, Cond: CondAlways, R1: -1, R2: -1, R3: -1, Label: label, BinSz: binSz})
}

// JZ/JNZ branch on a register being zero/non-zero.
func (b *Builder) JZ(r int, label string) *Instruction {
	return b.append(&Instruction{Op: OpBranch, Cond: CondZero, R1: r, R2: -1, R3: -1, Label: label})
}

func (b *Builder) JNZ(r int, label string) *Instruction {
	return b.append(&Instruction{Op: OpBranch, Cond: CondNonZero, R1: r, R2: -1, R3: -1, Label: label})
}

// JCond is the general two-register compare-and-branch, covering
// JEQ/JNE/JLT/JLTE/JLTU/JLTEU.
func (b *Builder) JCond(cond Cond, r1, r2 int, label string) *Instruction {
	return b.append(&Instruction{Op: OpBranch, Cond: cond, R1: r1, R2: r2, R3: -1, Label: label})
}

// JCondI is the immediate-operand2 form (the "I" variants).
func (b *Builder) JCondI(cond Cond, r1 int, imm int64, label string) *Instruction {
	return b.append(&Instruction{Op: OpBranch, Cond: cond, R1: r1, R2: -1, R3: -1, HasR2Imm: true, Label: label, Imm: []ImmVal{{Kind: ImmValLiteral, Literal: imm}}})
}

// JR jumps to the address held in r (register-indirect jump).
func (b *Builder) JR(r int) *Instruction {
	return b.append(&Instruction{Op: OpJR, R1: r, R2: -1, R3: -1})
}

// JCondR is "branch-if-condition to register address" (JEQR etc.).
func (b *Builder) JCondR(cond Cond, r1, r2, targetReg int) *Instruction {
	branchGuard(targetReg, r1, r2)
	return b.append(&Instruction{Op: OpJR, Cond: cond, R1: r1, R2: r2, R3: targetReg})
}

// JPush pushes the return address and branches (call).
func (b *Builder) JPush(label string) *Instruction {
	return b.append(&Instruction{Op: OpJPush, R1: -1, R2: -1, R3: -1, Label: label})
}

// ArgPush marshals one outgoing call argument by pushing r's value onto
// the native stack immediately below the return address JPush will
// push next (spec.md §3's shared region, realized here as the
// conventional cdecl argument area so JPush/JPop can stay on top of
// native call/ret rather than a hand-rolled SP vreg). Callers push
// arguments in reverse (rightmost first) so the leftmost parameter ends
// up nearest the return address, matching parseFuncBody's left-to-right
// Offset assignment.
func (b *Builder) ArgPush(r int) *Instruction {
	return b.append(&Instruction{Op: OpArgPush, R1: r, R2: -1, R3: -1})
}

// ArgCleanup restores the stack pointer after a call whose arguments
// were pushed by ArgPush: the caller (not the callee) owns cleanup,
// exactly as cdecl requires so a variadic callee never needs to know
// how many arguments it was actually given.
func (b *Builder) ArgCleanup(nbytesImm int64) *Instruction {
	return b.append(&Instruction{Op: OpArgCleanup, R1: -1, R2: -1, R3: -1, Imm: []ImmVal{{Kind: ImmValLiteral, Literal: nbytesImm}}})
}

// JPop pops the return address and branches to it (return).
func (b *Builder) JPop() *Instruction {
	return b.append(&Instruction{Op: OpJPop, R1: -1, R2: -1, R3: -1})
}

// FrameUnwind tears down delta enclosing stack frames, restoring the
// stack and frame pointers of the delta-th ancestor function. Emitted by
// `throw` ahead of its branch into the catching ancestor (spec §4.E: the
// setregstackptrtofuncstackframe walk over saved stackframe pointers).
func (b *Builder) FrameUnwind(delta int64) *Instruction {
	return b.append(&Instruction{Op: OpFrameUnwind, R1: -1, R2: -1, R3: -1, Imm: []ImmVal{{Kind: ImmValLiteral, Literal: delta}}})
}

// JL synthesizes a PC-relative load of a label's address into r, for
// targets (like x86-32) lacking a one-instruction PC-read; the backend
// expands this (CALL 0; POP r; ADD r, imm on x86).
func (b *Builder) JL(r int, label string) *Instruction {
	return b.append(&Instruction{Op: OpJL, R1: r, R2: -1, R3: -1, Label: label})
}

// JI is the indirect jump-table dispatch: jump to base(r1) + r2<<shift.
func (b *Builder) JI(r1, r2 int, shift int64) *Instruction {
	return b.append(&Instruction{Op: OpJI, R1: r1, R2: r2, R3: -1, Imm: []ImmVal{{Kind: ImmValLiteral, Literal: shift}}})
}

// AFIP loads r1 := PC + imm, where imm resolves (via the chain) to an
// instruction, function, global-region, or string-region offset.
func (b *Builder) AFIP(r1 int, chain []ImmVal) *Instruction {
	return b.append(&Instruction{Op: OpAFIP, R1: r1, R2: -1, R3: -1, Imm: chain})
}

// FrameAddr loads r1 := the runtime address of the local variable or
// parameter whose frontend-assigned Variable.Offset is frameOffset
// (the same value Ld/St pass as their FuncLevelBaseReg-relative imm):
// component D's "&x" address-of and the initializer lowering's
// store-through-address both need a real address value, which AFIP
// cannot produce since it is PC-relative, not frame-relative.
func (b *Builder) FrameAddr(r1 int, frameOffset int64) *Instruction {
	return b.append(&Instruction{Op: OpFrameAddr, R1: r1, R2: -1, R3: -1, Imm: []ImmVal{{Kind: ImmValLiteral, Literal: frameOffset}}})
}

// --- memory ---

// Ld builds r1 := *(width)(r2+imm). The address is always relative to
// baseReg: a negative baseReg does not select an absolute-address form
// (global-region accesses take their address from AFIP instead).
func (b *Builder) Ld(r1, baseReg int, imm int64, width int) *Instruction {
	i := &Instruction{Op: OpLd, R1: r1, R2: baseReg, R3: -1, Width: width, Imm: []ImmVal{{Kind: ImmValLiteral, Literal: imm}}}
	b.trackLoadExtension(i, widthBytes(width), width)
	b.Regs.SetExtension(r1, i.zxt, i.sxt)
	return b.append(i)
}

func (b *Builder) St(r1, baseReg int, imm int64, width int) *Instruction {
	return b.append(&Instruction{Op: OpSt, R1: r1, R2: baseReg, R3: -1, Width: width, Imm: []ImmVal{{Kind: ImmValLiteral, Literal: imm}}})
}

// LdSt performs a direct memory-to-memory move of width bytes; source and
// destination registers must differ (spec §4.A: "memory-copy opcodes
// reject equal source/destination registers").
func (b *Builder) LdSt(dstReg int, dstImm int64, srcReg int, srcImm int64, width int) *Instruction {
	if dstReg == srcReg {
		panic(fmt.Errorf("lyrical: ldst requires distinct source/destination registers, got %%%d twice", dstReg))
	}
	return b.append(&Instruction{
		Op: OpLdSt, R1: dstReg, R2: srcReg, R3: -1, Width: width,
		HasR2Imm: true, HasR3Imm: true,
		Imm: []ImmVal{{Kind: ImmValLiteral, Literal: srcImm}, {Kind: ImmValLiteral, Literal: dstImm}},
	})
}

// MemCpy/MemCpy2 are bulk forward/backward copies of n bytes.
func (b *Builder) MemCpy(dst, src, n int) *Instruction {
	if dst == src {
		panic(fmt.Errorf("lyrical: memcpy requires distinct registers, got %%%d twice", dst))
	}
	return b.append(&Instruction{Op: OpMemCpy, R1: dst, R2: src, R3: n})
}

func (b *Builder) MemCpy2(dst, src, n int) *Instruction {
	if dst == src {
		panic(fmt.Errorf("lyrical: memcpy2 requires distinct registers, got %%%d twice", dst))
	}
	return b.append(&Instruction{Op: OpMemCpy2, R1: dst, R2: src, R3: n})
}

// --- paging ---

func (b *Builder) PageAlloc(r1 int, nbytesImm int64) *Instruction {
	return b.append(&Instruction{Op: OpPageAlloc, R1: r1, R2: -1, R3: -1, Imm: []ImmVal{{Kind: ImmValLiteral, Literal: nbytesImm}}})
}

func (b *Builder) PageFree(r1 int, nbytesImm int64) *Instruction {
	return b.append(&Instruction{Op: OpPageFree, R1: r1, R2: -1, R3: -1, Imm: []ImmVal{{Kind: ImmValLiteral, Literal: nbytesImm}}})
}

func (b *Builder) StackPageAlloc(nbytesImm int64) *Instruction {
	return b.append(&Instruction{Op: OpStackPageAlloc, R1: -1, R2: -1, R3: -1, Imm: []ImmVal{{Kind: ImmValLiteral, Literal: nbytesImm}}})
}

func (b *Builder) StackPageFree(nbytesImm int64) *Instruction {
	return b.append(&Instruction{Op: OpStackPageFree, R1: -1, R2: -1, R3: -1, Imm: []ImmVal{{Kind: ImmValLiteral, Literal: nbytesImm}}})
}

// MachineCode embeds raw asm{} bytes verbatim (open question #1: no
// endianness reinterpretation happens here — see DESIGN.md).
func (b *Builder) MachineCode(payload []byte) *Instruction {
	return b.append(&Instruction{Op: OpMachineCode, R1: -1, R2: -1, R3: -1, MachineCodeBytes: payload})
}

// PlaceLabel places a named label at the next instruction position.
func (b *Builder) PlaceLabel(name string) *Instruction {
	return b.append(&Instruction{Op: OpNop, R1: -1, R2: -1, R3: -1, Label: name})
}
