package lyrical

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// findFunc locates a compiled function by name among AllFunctions, the
// same lookup lyricaldump and the x86 backend's linker perform.
func findFunc(t *testing.T, res *CompileResult, name string) *Function {
	t.Helper()
	for _, f := range res.AllFunctions {
		if f.Name == name {
			return f
		}
	}
	t.Fatalf("function %q not found among %d compiled functions", name, len(res.AllFunctions))
	return nil
}

func countOp(instrs []*Instruction, op Op) int {
	n := 0
	for _, i := range instrs {
		if i.Op == op {
			n++
		}
	}
	return n
}

func litImm(i *Instruction) (int64, bool) {
	if len(i.Imm) != 1 || i.Imm[0].Kind != ImmValLiteral {
		return 0, false
	}
	return i.Imm[0].Literal, true
}

// TestCompileReturnConstant covers spec.md §8's simplest golden scenario:
// a function that returns a literal. The epilogue must flush to JPop, and
// the return value must reach RetValReg via some LI/Cpy chain.
func TestCompileReturnConstant(t *testing.T) {
	res, err := Compile(CompileOptions{
		Source:   []byte(`uint f(){return 42;}`),
		FileName: "t.lyr",
	})
	require.NoError(t, err)

	f := findFunc(t, res, "f")
	require.NotEmpty(t, f.Instructions)
	require.Equal(t, OpJPop, f.Instructions[len(f.Instructions)-1].Op, "function body must end with the return epilogue")

	foundLit := false
	for _, instr := range f.Instructions {
		if instr.Op != OpLI {
			continue
		}
		if v, ok := litImm(instr); ok && v == 42 {
			foundLit = true
		}
	}
	require.True(t, foundLit, "expected an LI of the literal 42 somewhere in f's body")
}

// TestCompileIfElseReturn covers spec.md §8's if/else-return scenario: two
// divergent LI constants reached through one conditional branch and one
// unconditional join jump.
func TestCompileIfElseReturn(t *testing.T) {
	res, err := Compile(CompileOptions{
		Source:   []byte(`uint f(uint x){if(x){return 1;}else{return 2;}}`),
		FileName: "t.lyr",
	})
	require.NoError(t, err)

	f := findFunc(t, res, "f")
	require.GreaterOrEqual(t, countOp(f.Instructions, OpBranch), 1, "if must lower to at least one conditional branch")

	var lits []int64
	for _, instr := range f.Instructions {
		if instr.Op == OpLI {
			if v, ok := litImm(instr); ok {
				lits = append(lits, v)
			}
		}
	}
	require.Contains(t, lits, int64(1))
	require.Contains(t, lits, int64(2))

	// Both branches return independently; the join label after the else
	// arm is a jump target, so it gets the fall-through safety epilogue
	// on top.
	require.GreaterOrEqual(t, countOp(f.Instructions, OpJPop), 2)
}

// TestCompileWhileLoop covers spec.md §8's while-loop scenario: a label at
// loop entry, a conditional branch testing the exit condition, a backward
// jump closing the loop.
func TestCompileWhileLoop(t *testing.T) {
	res, err := Compile(CompileOptions{
		Source:   []byte(`uint f(uint n){uint i;i=0;while(i<n){i=i+1;}return i;}`),
		FileName: "t.lyr",
	})
	require.NoError(t, err)

	f := findFunc(t, res, "f")
	require.GreaterOrEqual(t, countOp(f.Instructions, OpBranch), 1, "while's condition must lower to a conditional branch")

	labels := 0
	for _, instr := range f.Instructions {
		// PlaceLabel marks a jump target with OpNop; OpBranch/OpJPush/OpJL
		// also carry a non-empty Label, but that names their target, not a
		// placement, so only OpNop counts here.
		if instr.Op == OpNop && instr.Label != "" {
			labels++
		}
	}
	require.GreaterOrEqual(t, labels, 1, "a while loop needs at least one label pseudo-instruction to jump back to")
}

// TestCompileCallPassesArguments exercises the cdecl-style argument
// marshalling wired into parseCall: each argument is pushed right to left
// via ArgPush, the callee is reached through JPush, and the caller cleans
// up its own outgoing argument area via ArgCleanup.
func TestCompileCallPassesArguments(t *testing.T) {
	res, err := Compile(CompileOptions{
		Source: []byte(`
uint add(uint a, uint b){return a+b;}
uint f(){return add(10,20);}
`),
		FileName: "t.lyr",
	})
	require.NoError(t, err)

	add := findFunc(t, res, "add")
	require.Len(t, add.Params, 2)
	// Sign-encoded per parseFuncBody: first param nearest the return
	// address at EBP+8 (-(0+4)), second at EBP+12 (-(4+4)).
	require.Equal(t, int64(-4), int64(add.Params[0].Offset))
	require.Equal(t, int64(-8), int64(add.Params[1].Offset))

	f := findFunc(t, res, "f")
	require.Equal(t, 2, countOp(f.Instructions, OpArgPush), "add() takes two arguments")

	cleanupFound := false
	for _, instr := range f.Instructions {
		if instr.Op != OpArgCleanup {
			continue
		}
		v, ok := litImm(instr)
		require.True(t, ok)
		require.Equal(t, int64(8), v, "two 4-byte arguments")
		cleanupFound = true
	}
	require.True(t, cleanupFound, "caller must clean up its own outgoing argument area after the call")

	require.GreaterOrEqual(t, countOp(f.Instructions, OpJPush), 1, "the call site must reach add via JPush")
}

// TestCompileCallByRefArgumentPassesAddress exercises parseByRefArgument:
// a byref parameter's call-site argument must lower to the argument
// variable's address (OpFrameAddr), not its value, so ArgPush carries a
// pointer the callee auto-derefs on read.
func TestCompileCallByRefArgumentPassesAddress(t *testing.T) {
	res, err := Compile(CompileOptions{
		Source: []byte(`
void increment(uint &x){x=x+1;}
uint f(){uint n;n=41;increment(n);return n;}
`),
		FileName: "t.lyr",
	})
	require.NoError(t, err)

	inc := findFunc(t, res, "increment")
	require.Len(t, inc.Params, 1)
	require.True(t, inc.Params[0].ByRef)

	f := findFunc(t, res, "f")
	require.Equal(t, 1, countOp(f.Instructions, OpArgPush), "increment() takes one argument")
	require.GreaterOrEqual(t, countOp(f.Instructions, OpFrameAddr), 1, "the argument to a byref parameter must be passed as an address")
}

// TestCompileCallByRefArgumentRejectsNonLvalue covers the caller error path:
// a byref parameter cannot be satisfied by an expression with no address.
func TestCompileCallByRefArgumentRejectsNonLvalue(t *testing.T) {
	_, err := Compile(CompileOptions{
		Source: []byte(`
void increment(uint &x){x=x+1;}
uint f(){increment(41);return 0;}
`),
		FileName: "t.lyr",
	})
	require.Error(t, err)
}

// TestCompileAddressOfLocalUsesFrameAddr exercises the fix routing a stack
// local's address-of through OpFrameAddr (frame-relative) instead of
// OpAFIP (PC-relative, correct only for statics/globals).
func TestCompileAddressOfLocalUsesFrameAddr(t *testing.T) {
	res, err := Compile(CompileOptions{
		Source:   []byte(`uint f(){uint x;uint* p;x=5;p=&x;return *p;}`),
		FileName: "t.lyr",
	})
	require.NoError(t, err)

	f := findFunc(t, res, "f")
	require.GreaterOrEqual(t, countOp(f.Instructions, OpFrameAddr), 1, "&x on a stack local must lower to OpFrameAddr")
}

// TestCompileAddressOfStaticUsesAFIP confirms static variables keep going
// through OpAFIP against the global region rather than OpFrameAddr, since
// they have no stack frame slot.
func TestCompileAddressOfStaticUsesAFIP(t *testing.T) {
	res, err := Compile(CompileOptions{
		Source:   []byte(`static uint g; uint f(){uint* p;p=&g;return *p;}`),
		FileName: "t.lyr",
	})
	require.NoError(t, err)

	f := findFunc(t, res, "f")
	foundGlobalAFIP := false
	for _, instr := range f.Instructions {
		if instr.Op != OpAFIP {
			continue
		}
		for _, c := range instr.Imm {
			if c.Kind == ImmValOffsetToGlobalRegion {
				foundGlobalAFIP = true
			}
		}
	}
	require.True(t, foundGlobalAFIP, "&g on a static variable must resolve through ImmValOffsetToGlobalRegion")
	require.Equal(t, 0, countOp(f.Instructions, OpFrameAddr), "a static has no frame slot to address")
}

// TestCompileUndefinedExportIsError covers the scope/linkage error path:
// a function declared export but never defined must fail to compile
// rather than silently becoming an import.
func TestCompileUndefinedExportIsError(t *testing.T) {
	_, err := Compile(CompileOptions{
		Source:   []byte(`export uint f();`),
		FileName: "t.lyr",
	})
	require.Error(t, err)
}

// TestCompileDeclaredButUndefinedIsImport covers the opposite path: a
// function declared (prototype) but never given a body becomes a
// resolvable import rather than an error, by default.
func TestCompileDeclaredButUndefinedIsImport(t *testing.T) {
	res, err := Compile(CompileOptions{
		Source: []byte(`
uint external();
uint f(){return external();}
`),
		FileName: "t.lyr",
	})
	require.NoError(t, err)

	ext := findFunc(t, res, "external")
	require.True(t, ext.Import)
	require.False(t, ext.Defined)
}

// TestCompileTwoFunctionsWithCall covers the two-pass pipeline fix
// directly: g is declared and defined before f, which calls it, and both
// functions end up separately `Defined` without either tripping
// FuncDeclaration's "already defined" guard, the failure mode the broken
// pass1/pass2 reset previously hit on every multi-function source.
func TestCompileTwoFunctionsWithCall(t *testing.T) {
	res, err := Compile(CompileOptions{
		Source: []byte(`
uint g(){return 7;}
uint f(){return g();}
`),
		FileName: "t.lyr",
	})
	require.NoError(t, err)

	g := findFunc(t, res, "g")
	require.True(t, g.Defined)
	require.NotEmpty(t, g.Instructions)

	f := findFunc(t, res, "f")
	require.True(t, f.Defined)
	require.NotEmpty(t, f.Instructions)
}

// TestCompileSwitchEmitsJumpTable covers spec §4.E's dense jump-case table:
// a dense run of case values must lower to an AFIP-addressed OpJI dispatch
// rather than a linear compare chain.
func TestCompileSwitchEmitsJumpTable(t *testing.T) {
	res, err := Compile(CompileOptions{
		Source: []byte(`
uint f(uint x){
	switch(x){
	case 0: return 10;
	case 1,2: return 20;
	default: return 30;
	}
	return 0;
}
`),
		FileName: "t.lyr",
	})
	require.NoError(t, err)

	f := findFunc(t, res, "f")
	require.Equal(t, 1, countOp(f.Instructions, OpJI), "switch must dispatch through exactly one indirect jump")

	foundTableBase := false
	for _, instr := range f.Instructions {
		if instr.Op != OpAFIP {
			continue
		}
		for _, c := range instr.Imm {
			if c.Kind == ImmValOffsetToInstruction {
				foundTableBase = true
			}
		}
	}
	require.True(t, foundTableBase, "the jump table base must be computed via AFIP against an instruction offset")

	// case 0, case 1, case 2 (shared body), default fallback for any other
	// value outside [0,2]: a dense table over [0,2] holds 3 branch slots.
	tableSlots := 0
	for _, instr := range f.Instructions {
		if instr.Op == OpBranch && instr.Cond == CondAlways && instr.BinSz > 0 {
			tableSlots++
		}
	}
	require.Equal(t, 3, tableSlots, "a dense jump table over case values [0,2] needs exactly 3 slots")
}

// TestCompileSwitchDuplicateCaseIsError covers spec §4.E's duplicate-value
// check.
func TestCompileSwitchDuplicateCaseIsError(t *testing.T) {
	_, err := Compile(CompileOptions{
		Source: []byte(`
uint f(uint x){
	switch(x){
	case 1: return 1;
	case 1: return 2;
	}
	return 0;
}
`),
		FileName: "t.lyr",
	})
	require.Error(t, err)
}

// TestCompileSwitchRejectsNonIntegerSelector covers the selector type check:
// a struct-typed switch expression is a type error.
func TestCompileSwitchRejectsNonIntegerSelector(t *testing.T) {
	_, err := Compile(CompileOptions{
		Source: []byte(`
struct point{uint x;uint y;}
uint f(){point p;switch(p){case 1: return 1;}return 0;}
`),
		FileName: "t.lyr",
	})
	require.Error(t, err)
}

// TestCompileStructInheritanceFlattensBaseMembers covers single inheritance
// via `:basetype`: a derived type's own member sits after every inherited
// member, both reachable through ordinary `.field` access.
func TestCompileStructInheritanceFlattensBaseMembers(t *testing.T) {
	res, err := Compile(CompileOptions{
		Source: []byte(`
struct base{uint id;}
struct derived:base{uint extra;}
uint f(){derived d;d.id=1;d.extra=2;return d.id+d.extra;}
`),
		FileName: "t.lyr",
	})
	require.NoError(t, err)

	f := findFunc(t, res, "f")
	require.NotEmpty(t, f.Instructions)
	require.Equal(t, OpJPop, f.Instructions[len(f.Instructions)-1].Op)
}

// TestCompileStructBitfieldInsideAggregateSucceeds covers the bitfield fix:
// a `:N` width declared on a struct member must be legal (the bug made this
// path always reject with "declared outside a struct/pstruct").
func TestCompileStructBitfieldInsideAggregateSucceeds(t *testing.T) {
	res, err := Compile(CompileOptions{
		Source: []byte(`
struct flags{u8 a:1;u8 b:1;}
uint f(){flags fl;fl.a=1;return fl.a;}
`),
		FileName: "t.lyr",
	})
	require.NoError(t, err)
	require.NotNil(t, findFunc(t, res, "f"))
}

// TestCompileStructBitfieldOutsideAggregateIsError confirms parseVarDecl's
// local-variable path still rejects a bitfield width (ValidateBitfield's
// containerIsAggregate=false case), unaffected by enabling the struct-body
// path.
func TestCompileStructBitfieldOutsideAggregateIsError(t *testing.T) {
	_, err := Compile(CompileOptions{
		Source:   []byte(`uint f(){u8 a:1;return a;}`),
		FileName: "t.lyr",
	})
	require.Error(t, err)
}

// TestCompileAnonymousStructMemberFieldsAreReachable covers anonymous
// nested members: fields of an anonymous member are reachable as if
// declared directly on the outer type, through AdjustOffsetOfTypeMembers'
// offset fixup and findMember's recursive descent.
func TestCompileAnonymousStructMemberFieldsAreReachable(t *testing.T) {
	res, err := Compile(CompileOptions{
		Source: []byte(`
struct point{uint x;uint y;}
struct shape{point;uint color;}
uint f(){shape s;s.x=1;s.y=2;s.color=3;return s.x+s.y+s.color;}
`),
		FileName: "t.lyr",
	})
	require.NoError(t, err)
	require.NotNil(t, findFunc(t, res, "f"))
}

// TestCompileOperatorOverloadDeclarationIsReachable covers the `operator`
// keyword: a binary operator overload over a struct type must parse,
// declare, and be callable both explicitly and through the matching infix
// operator at a call site with operand types the native table rejects.
func TestCompileOperatorOverloadDeclarationIsReachable(t *testing.T) {
	res, err := Compile(CompileOptions{
		Source: []byte(`
struct vec{uint x;}
uint operator+(vec a, vec b){return a.x+b.x;}
uint f(){vec a;vec b;a.x=3;b.x=4;return a+b;}
`),
		FileName: "t.lyr",
	})
	require.NoError(t, err)

	op := findFunc(t, res, "operator+")
	require.True(t, op.Defined)
	require.Len(t, op.Params, 2)

	f := findFunc(t, res, "f")
	require.GreaterOrEqual(t, countOp(f.Instructions, OpJPush), 1, "a+b over a non-native type must dispatch through a call")
}

// TestCompileOperatorOverloadOfNativeTypesIsError covers the guard: an
// operator overload whose every parameter is native/pointer would overload
// a native operation and must be rejected.
func TestCompileOperatorOverloadOfNativeTypesIsError(t *testing.T) {
	_, err := Compile(CompileOptions{
		Source:   []byte(`uint operator+(uint a, uint b){return a+b;}`),
		FileName: "t.lyr",
	})
	require.Error(t, err)
}

// TestCompileOperatorAssignOverload covers `operator=`: assigning a
// non-native-typed rhs to a non-native-typed lhs that the native assign
// signature rejects must dispatch through the declared operator= overload
// instead of failing outright.
func TestCompileOperatorAssignOverload(t *testing.T) {
	res, err := Compile(CompileOptions{
		Source: []byte(`
struct vec{uint x;}
void operator=(vec&a, uint b){a.x=b;}
uint f(){vec a;a=5;return a.x;}
`),
		FileName: "t.lyr",
	})
	require.NoError(t, err)
	require.NotNil(t, findFunc(t, res, "operator="))
}
