package lyrical

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testBuilder(t *testing.T) *Builder {
	t.Helper()
	return NewBuilder(NewFunction("t", nil), nil, false)
}

func lastOp(b *Builder) *Instruction {
	return (*b.Out)[len(*b.Out)-1]
}

// TestPeepholeFolds covers the constructor reductions spec §4.A item 1
// names: addi-zero to cpy, cpy-self to nop, multiply folds, and the
// power-of-two strength reductions.
func TestPeepholeFolds(t *testing.T) {
	b := testBuilder(t)
	r := b.Regs.AllocReg(RegNormal)
	s := b.Regs.AllocReg(RegNormal)

	b.AddI(r, s, 0)
	require.Equal(t, OpCpy, lastOp(b).Op, "addi(r,s,0) is a cpy")

	b.Cpy(r, r)
	require.Equal(t, OpNop, lastOp(b).Op, "cpy(r,r) is a no-op")

	b.MulI(r, s, 0)
	i := lastOp(b)
	require.Equal(t, OpLI, i.Op, "muli by 0 loads 0")
	require.Equal(t, CondZero, i.Cond, "and a 0 load selects the xor form")

	b.MulI(r, s, 1)
	require.Equal(t, OpCpy, lastOp(b).Op, "muli by 1 is a cpy")

	b.MulI(r, s, 8)
	i = lastOp(b)
	require.Equal(t, OpSllI, i.Op, "muli by 2^n is a left shift")
	v, ok := litImm(i)
	require.True(t, ok)
	require.Equal(t, int64(3), v)

	b.DivI(r, s, 1)
	require.Equal(t, OpCpy, lastOp(b).Op, "divi by 1 is a cpy")

	b.ModUI(r, s, 16)
	i = lastOp(b)
	require.Equal(t, OpAndI, i.Op, "modui by 2^n masks")
	v, ok = litImm(i)
	require.True(t, ok)
	require.Equal(t, int64(15), v)

	b.SllI(r, s, 0)
	require.Equal(t, OpCpy, lastOp(b).Op, "shift by 0 is a cpy")
}

// TestLoadExtensionTracking covers spec §4.A item 2 for loads: a load of
// width w zero-extends when the destination is at least w wide and
// sign-extends only when strictly wider.
func TestLoadExtensionTracking(t *testing.T) {
	b := testBuilder(t)
	r := b.Regs.AllocReg(RegNormal)

	i := b.Ld(r, FuncLevelBaseReg, 0, 4)
	require.True(t, i.WasZeroExtended())
	require.False(t, i.WasSignExtended(), "a full-width load leaves no bytes to sign-extend into")

	z := b.Zxt(r, r, 1)
	require.True(t, z.WasZeroExtended())
	s := b.Sxt(r, r, 2)
	require.True(t, s.WasSignExtended())
}

// TestShiftExtensionTracking covers §4.A item 2's masked-shift-amount
// accounting: logical right shifts keep zero extension, arithmetic right
// shifts keep sign extension, and left shifts keep neither once any bits
// move.
func TestShiftExtensionTracking(t *testing.T) {
	b := testBuilder(t)
	s := b.Regs.AllocReg(RegNormal)
	d1 := b.Regs.AllocReg(RegNormal)
	d2 := b.Regs.AllocReg(RegNormal)

	b.Ld(s, FuncLevelBaseReg, 0, 2) // zero-extends into the full register

	srl := b.SrlI(d1, s, 3)
	require.True(t, srl.WasZeroExtended(), "a logical right shift keeps zero extension")
	require.False(t, srl.WasSignExtended())

	sll := b.SllI(d2, s, 3)
	require.False(t, sll.WasZeroExtended(), "a left shift pushes bits into the extended bytes")
	require.False(t, sll.WasSignExtended())

	sx := b.Regs.AllocReg(RegNormal)
	d3 := b.Regs.AllocReg(RegNormal)
	b.Sxt(sx, s, 1)
	sra := b.SraI(d3, sx, 2)
	require.True(t, sra.WasSignExtended(), "an arithmetic right shift keeps sign extension")
	require.False(t, sra.WasZeroExtended())
}

// TestBranchGuardPanicsOnOperandCollision covers spec §4.A: "do not jump
// when the destination register equals a branch operand".
func TestBranchGuardPanicsOnOperandCollision(t *testing.T) {
	b := testBuilder(t)
	r := b.Regs.AllocReg(RegNormal)
	s := b.Regs.AllocReg(RegNormal)

	require.Panics(t, func() { b.JCondR(CondEQ, r, s, r) })
	require.NotPanics(t, func() {
		tgt := b.Regs.AllocReg(RegNormal)
		b.JCondR(CondEQ, r, s, tgt)
	})
}

// TestMemCopyRejectsEqualRegisters covers the bulk-copy operand check
// (spec §7.5's backend-internal error class, caught at construction).
func TestMemCopyRejectsEqualRegisters(t *testing.T) {
	b := testBuilder(t)
	r := b.Regs.AllocReg(RegNormal)
	s := b.Regs.AllocReg(RegNormal)
	n := b.Regs.AllocReg(RegNormal)

	require.Panics(t, func() { b.MemCpy(r, r, n) })
	require.Panics(t, func() { b.LdSt(r, 0, r, 4, 4) })
	require.NotPanics(t, func() { b.MemCpy(r, s, n) })
}

// TestEnsureUnusedFlushesDirtyBindings: the register-pressure
// precondition flushes LRU dirty variable-bound registers (emitting their
// spill stores) before giving up (spec §4.A item 3 / §4.B).
func TestEnsureUnusedFlushesDirtyBindings(t *testing.T) {
	f := NewFunction("t", nil)
	b := NewBuilder(f, nil, false)

	v := NewVariable("x", "uint")
	v.Size = 4
	v.Offset = 0
	r := f.regs.AllocReg(RegNormal)
	f.regs.Bind(r, v, 4)

	before := len(f.Instructions)
	require.NoError(t, f.regs.EnsureUnused(1, b))
	require.GreaterOrEqual(t, len(f.Instructions), before+1, "freeing the dirty binding spills it")
	require.Equal(t, OpSt, f.Instructions[len(f.Instructions)-1].Op)
	require.Equal(t, -1, v.boundReg, "the binding is discarded after the flush")
}

// TestFlushModesKeepRoleBits: flush modes preserve the role bits their
// names promise (spec §4.B).
func TestFlushModesKeepRoleBits(t *testing.T) {
	f := NewFunction("t", nil)
	NewBuilder(f, nil, false)

	ra := f.regs.AllocReg(RegNormal)
	f.regs.find(ra).returnAddr = true

	f.regs.FlushAndDiscardAll(DoNotFlushRegForLocalsKeepRegForReturnAddr)
	require.True(t, f.regs.find(ra).returnAddr, "the return-address role survives its keep mode")

	f.regs.FlushAndDiscardAll(FlushAndDiscardAll)
	require.False(t, f.regs.find(ra).returnAddr, "a full flush clears every role bit")
}

// TestAllocRegPrefersLRU: the allocator hands back the least-recently-
// used unused register, while RegCritical always mints a fresh one.
func TestAllocRegPrefersLRU(t *testing.T) {
	m := NewRegisterManager()

	a := m.AllocReg(RegNormal)
	bReg := m.AllocReg(RegNormal)
	require.NotEqual(t, a, bReg)

	// a was allocated (touched) before b, so it is the LRU candidate.
	got := m.AllocReg(RegNormal)
	require.Equal(t, a, got, "the LRU unused register is reused")

	fresh := m.AllocReg(RegCritical)
	require.NotEqual(t, a, fresh)
	require.NotEqual(t, bReg, fresh, "critical allocation bypasses the pool")
}

// TestImmChainSums: an instruction's immediate chain is additive across
// cells (spec §3 "immediate-chain").
func TestImmChainSums(t *testing.T) {
	chain := []ImmVal{
		{Kind: ImmValLiteral, Literal: 10},
		{Kind: ImmValOffsetToGlobalRegion, Literal: 2},
		{Kind: ImmValLiteral, Literal: -3},
	}
	got := immSum(chain, func(c ImmVal) int64 { return 100 + c.Literal })
	require.Equal(t, int64(10+102-3), got)
}
