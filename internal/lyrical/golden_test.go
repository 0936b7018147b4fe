package lyrical

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestCompileStaticInitGuard covers the one-time-init wrapping of a
// block-scope static (spec §4.E / §8 scenario 5): a zero-initialized
// global guard byte is tested, the initializer runs under its JNZ, and
// the guard is set to 1 past it.
func TestCompileStaticInitGuard(t *testing.T) {
	res, err := Compile(CompileOptions{
		Source: []byte(`
uint compute(){return 7;}
uint f(){static uint x = compute();return x;}
`),
		FileName: "t.lyr",
	})
	require.NoError(t, err)

	f := findFunc(t, res, "f")

	jnz := 0
	for _, instr := range f.Instructions {
		if instr.Op == OpBranch && instr.Cond == CondNonZero {
			jnz++
		}
	}
	require.Equal(t, 1, jnz, "the guard byte is tested exactly once")

	globalAFIPs := 0
	for _, instr := range f.Instructions {
		if instr.Op != OpAFIP {
			continue
		}
		for _, c := range instr.Imm {
			if c.Kind == ImmValOffsetToGlobalRegion {
				globalAFIPs++
			}
		}
	}
	require.GreaterOrEqual(t, globalAFIPs, 3, "guard test, value store, and guard set all address the global region")

	byteStores := 0
	for _, instr := range f.Instructions {
		if instr.Op == OpSt && instr.Width == 1 {
			byteStores++
		}
	}
	require.Equal(t, 1, byteStores, "the guard byte is set exactly once")

	// 4 bytes for x plus the 1-byte guard.
	require.Equal(t, 5, res.GlobalSize)
}

// TestCompileThrowUnwindsToAncestorCatch covers spec §8 scenario 6: a
// throw inside a nested function tears down one frame (the lexical
// distance to the declaring ancestor) and branches to the catch label
// placed in the ancestor's own instruction stream.
func TestCompileThrowUnwindsToAncestorCatch(t *testing.T) {
	res, err := Compile(CompileOptions{
		Source: []byte(`
void outer(){
	catch oops;
	void inner(){throw oops;}
	inner();
}
`),
		FileName: "t.lyr",
	})
	require.NoError(t, err)

	inner := findFunc(t, res, "inner")
	unwinds := 0
	for _, instr := range inner.Instructions {
		if instr.Op != OpFrameUnwind {
			continue
		}
		v, ok := litImm(instr)
		require.True(t, ok)
		require.Equal(t, int64(1), v, "inner is one lexical level below outer")
		unwinds++
	}
	require.Equal(t, 1, unwinds)

	throwTarget := ""
	for _, instr := range inner.Instructions {
		if instr.Op == OpBranch && instr.Cond == CondAlways && strings.HasPrefix(instr.Label, "$catch$") {
			throwTarget = instr.Label
		}
	}
	require.NotEmpty(t, throwTarget, "throw must branch to a catch label")

	outer := findFunc(t, res, "outer")
	placed := false
	for _, instr := range outer.Instructions {
		if instr.Op == OpNop && instr.Label == throwTarget {
			placed = true
		}
	}
	require.True(t, placed, "the catch label the throw targets is placed in outer's stream")
	require.Contains(t, outer.CatchableLabels, "oops")
}

// TestCompileThrowWithoutCatchIsError covers the scope/linkage error: a
// catchable label is searched strictly in ancestors, so a throw with no
// declaring ancestor fails, even if the throwing function itself declared
// the label.
func TestCompileThrowWithoutCatchIsError(t *testing.T) {
	_, err := Compile(CompileOptions{
		Source:   []byte(`void f(){catch oops;throw oops;}`),
		FileName: "t.lyr",
	})
	require.Error(t, err)
}

// TestCompileSwitchJumpTableHolesFallToDefault covers spec §8 scenario 4:
// a switch over cases 1,2 and 5 emits a dense five-slot table whose slots
// for the uncovered values 3 and 4 branch to the default label.
func TestCompileSwitchJumpTableHolesFallToDefault(t *testing.T) {
	res, err := Compile(CompileOptions{
		Source: []byte(`
uint f(uint x){
	switch(x){
	case 1,2: return 20;
	case 5: return 50;
	default: return 30;
	}
	return 0;
}
`),
		FileName: "t.lyr",
	})
	require.NoError(t, err)

	f := findFunc(t, res, "f")
	var slots []*Instruction
	for _, instr := range f.Instructions {
		if instr.Op == OpBranch && instr.Cond == CondAlways && instr.BinSz > 0 {
			slots = append(slots, instr)
		}
	}
	require.Len(t, slots, 5, "a dense table over [1,5] has five slots")

	require.Equal(t, slots[0].Label, slots[1].Label, "values 1 and 2 share one case body")
	require.Equal(t, slots[2].Label, slots[3].Label, "the uncovered values 3 and 4 share a target")
	require.NotEqual(t, slots[0].Label, slots[2].Label)
	require.NotEqual(t, slots[4].Label, slots[2].Label, "value 5 has its own case body")

	// The holes' shared target is the default body's label, which is also
	// where the out-of-range pre-check branches.
	defaultLabel := slots[2].Label
	placed := false
	for _, instr := range f.Instructions {
		if instr.Op == OpNop && instr.Label == defaultLabel {
			placed = true
		}
	}
	require.True(t, placed)
}

// TestCompileFieldAssignmentStores covers the lvalue path through a field
// select: s.y = 9 must write memory, and reading it back must load it.
func TestCompileFieldAssignmentStores(t *testing.T) {
	res, err := Compile(CompileOptions{
		Source: []byte(`
struct point{uint x;uint y;}
uint f(){point p;p.y=9;return p.y;}
`),
		FileName: "t.lyr",
	})
	require.NoError(t, err)

	f := findFunc(t, res, "f")
	require.GreaterOrEqual(t, countOp(f.Instructions, OpSt), 1, "a field assignment must store to memory")
	require.GreaterOrEqual(t, countOp(f.Instructions, OpLd), 1, "reading the field back must load from memory")
}

// TestCompilePointerAssignmentStores covers the lvalue path through a
// pointer dereference: *p = 7 writes through the pointer so that the
// pointee's own slot observes the value.
func TestCompilePointerAssignmentStores(t *testing.T) {
	res, err := Compile(CompileOptions{
		Source:   []byte(`uint f(){uint v;uint* p;p=&v;*p=7;return v;}`),
		FileName: "t.lyr",
	})
	require.NoError(t, err)

	f := findFunc(t, res, "f")
	require.GreaterOrEqual(t, countOp(f.Instructions, OpSt), 1, "*p = 7 must store through the pointer")
	require.GreaterOrEqual(t, countOp(f.Instructions, OpFrameAddr), 1, "&v takes the local's frame address")
}

// TestCompileBitfieldStoreIsReadModifyWrite covers the packed-bitfield
// write path: storing into a 1-bit field of a shared container must load
// the container, mask, merge, and store it back.
func TestCompileBitfieldStoreIsReadModifyWrite(t *testing.T) {
	res, err := Compile(CompileOptions{
		Source: []byte(`
struct flags{u8 a:1;u8 b:1;}
uint f(){flags fl;fl.b=1;return fl.b;}
`),
		FileName: "t.lyr",
	})
	require.NoError(t, err)

	f := findFunc(t, res, "f")
	require.GreaterOrEqual(t, countOp(f.Instructions, OpAndI), 2, "mask out the field, mask the new value")
	require.GreaterOrEqual(t, countOp(f.Instructions, OpOr), 1, "merge the shifted value into the container")
	require.GreaterOrEqual(t, countOp(f.Instructions, OpSt), 1)
	// Reading b back extracts it from bit position 1.
	require.GreaterOrEqual(t, countOp(f.Instructions, OpSrlI), 1, "field b sits above field a in the container")
}

// TestBitfieldPackingSharesContainer checks the layout directly: two
// 1-bit fields of the same u8 container share one offset with successive
// bit positions, and a following plain member starts past the container.
func TestBitfieldPackingSharesContainer(t *testing.T) {
	res, err := Compile(CompileOptions{
		Source: []byte(`
struct flags{u8 a:1;u8 b:3;u8 rest;}
uint f(){flags fl;return fl.a;}
`),
		FileName: "t.lyr",
	})
	require.NoError(t, err)

	root := res.Root
	var flags *Type
	for _, ty := range root.Types {
		if ty.Name == "flags" {
			flags = ty
		}
	}
	require.NotNil(t, flags)
	require.Len(t, flags.Members, 3)

	a, b, rest := flags.Members[0], flags.Members[1], flags.Members[2]
	require.Equal(t, a.Offset, b.Offset, "a and b pack into one container byte")
	require.Equal(t, 0, a.BitShift)
	require.Equal(t, 1, b.BitShift, "b starts where a ended")
	require.Greater(t, rest.Offset, a.Offset, "a plain member starts past the container")
}

// TestCompileBraceInitializerDesignatedFields covers the §4.E initializer
// grammar's flat struct form: each `.field = expr` runs the assign
// operator, storing through the field's address.
func TestCompileBraceInitializerDesignatedFields(t *testing.T) {
	res, err := Compile(CompileOptions{
		Source: []byte(`
struct point{uint x;uint y;}
uint f(){
	point p = { .x = 1, .y = 2 };
	return p.x + p.y;
}
`),
		FileName: "t.lyr",
	})
	require.NoError(t, err)

	f := findFunc(t, res, "f")
	require.GreaterOrEqual(t, countOp(f.Instructions, OpSt), 2, "each designated field stores to memory")
	require.GreaterOrEqual(t, countOp(f.Instructions, OpFrameAddr), 1, "the initializer addresses the declared variable's frame slot")
}

// TestCompileBraceInitializerNestedAndMultiStep covers the nested
// `.field { ... }` form and the multi-step `.a.b` designator, plus the
// bare (no '=') brace form after the declarator.
func TestCompileBraceInitializerNestedAndMultiStep(t *testing.T) {
	res, err := Compile(CompileOptions{
		Source: []byte(`
struct point{uint x;uint y;}
struct shape{point origin;uint color;}
uint f(){
	shape s = { .origin { .x = 1, .y = 2 }, .color = 3 };
	shape u { .origin.y = 5 };
	return s.color + u.origin.y;
}
`),
		FileName: "t.lyr",
	})
	require.NoError(t, err)

	f := findFunc(t, res, "f")
	require.GreaterOrEqual(t, countOp(f.Instructions, OpSt), 4, "three nested fields plus one multi-step field all store")

	// .origin.y selects through origin's offset (0) to y's (4).
	lits := map[int64]bool{}
	for _, instr := range f.Instructions {
		if instr.Op == OpSt {
			continue
		}
		if v, ok := litImm(instr); ok {
			lits[v] = true
		}
	}
	require.True(t, lits[4], "the y designator resolves to offset 4 within the shape")
}

// TestCompileBraceInitializerRejectsUnknownField covers the designator
// error path.
func TestCompileBraceInitializerRejectsUnknownField(t *testing.T) {
	_, err := Compile(CompileOptions{
		Source: []byte(`
struct point{uint x;uint y;}
uint f(){point p = { .z = 1 };return 0;}
`),
		FileName: "t.lyr",
	})
	require.Error(t, err)
}

// TestCompileBraceInitializerRejectsNonAggregate: the designated form
// only applies to struct/pstruct/union declarations.
func TestCompileBraceInitializerRejectsNonAggregate(t *testing.T) {
	_, err := Compile(CompileOptions{
		Source:   []byte(`uint f(){uint x = { .a = 1 };return x;}`),
		FileName: "t.lyr",
	})
	require.Error(t, err)
}

// TestCompileAggregateAssignmentCopies covers the native aggregate assign
// operator: `b = a` over two values of one struct type lowers to a
// forward bulk copy of the type's full size, both at statement level and
// in a declaration initializer.
func TestCompileAggregateAssignmentCopies(t *testing.T) {
	res, err := Compile(CompileOptions{
		Source: []byte(`
struct point{uint x;uint y;}
uint f(){point a;point b;a.x=1;b=a;point c = b;return c.x;}
`),
		FileName: "t.lyr",
	})
	require.NoError(t, err)

	f := findFunc(t, res, "f")
	require.Equal(t, 2, countOp(f.Instructions, OpMemCpy), "b=a and c=b each bulk-copy")

	sized := false
	for _, instr := range f.Instructions {
		if instr.Op == OpLI {
			if v, ok := litImm(instr); ok && v == 8 {
				sized = true
			}
		}
	}
	require.True(t, sized, "the copy length is the struct's full rounded size")
}

// TestCompileGotoUserLabel covers `name:` label placement and goto
// resolution: the backward jump's target label is placed exactly once in
// the same function.
func TestCompileGotoUserLabel(t *testing.T) {
	res, err := Compile(CompileOptions{
		Source: []byte(`
uint f(){
	uint i;
	i=0;
	again:
	i=i+1;
	if(i<3){goto again;}
	return i;
}
`),
		FileName: "t.lyr",
	})
	require.NoError(t, err)

	f := findFunc(t, res, "f")
	target := ""
	for _, instr := range f.Instructions {
		if instr.Op == OpBranch && strings.Contains(instr.Label, "$user$") {
			target = instr.Label
		}
	}
	require.NotEmpty(t, target, "goto must branch to a namespaced user label")

	placed := 0
	for _, instr := range f.Instructions {
		if instr.Op == OpNop && instr.Label == target {
			placed++
		}
	}
	require.Equal(t, 1, placed)
}

// TestCompilePostfixDefersToStatementEnd covers postfix deferral: i++ in
// a statement materializes the increment once, at the statement boundary,
// as an add-immediate of 1 written back to the variable.
func TestCompilePostfixDefersToStatementEnd(t *testing.T) {
	res, err := Compile(CompileOptions{
		Source:   []byte(`uint f(){uint i;i=0;i++;return i;}`),
		FileName: "t.lyr",
	})
	require.NoError(t, err)

	f := findFunc(t, res, "f")
	incs := 0
	for _, instr := range f.Instructions {
		if instr.Op == OpAddI {
			if v, ok := litImm(instr); ok && v == 1 {
				incs++
			}
		}
	}
	require.Equal(t, 1, incs)
}

// TestCompileEnumFoldsEnumerators covers enum declarations: enumerators
// are compile-time constants, so returning one loads its value directly
// with no memory traffic.
func TestCompileEnumFoldsEnumerators(t *testing.T) {
	res, err := Compile(CompileOptions{
		Source: []byte(`
enum color{RED,GREEN=5,BLUE}
uint f(){return BLUE;}
`),
		FileName: "t.lyr",
	})
	require.NoError(t, err)

	f := findFunc(t, res, "f")
	found := false
	for _, instr := range f.Instructions {
		if instr.Op == OpLI {
			if v, ok := litImm(instr); ok && v == 6 {
				found = true
			}
		}
	}
	require.True(t, found, "BLUE follows GREEN=5, so it folds to the literal 6")
	require.Equal(t, 0, countOp(f.Instructions, OpLd), "an enumerator never loads from memory")
}

// TestCompileTypeofDeclaration covers `typeof(e) name`: the declared
// variable takes the expression's evaluated type, and the typeof operand
// emits no IR into the function body.
func TestCompileTypeofDeclaration(t *testing.T) {
	res, err := Compile(CompileOptions{
		Source:   []byte(`uint f(){uint a;a=1;typeof(a) b;b=2;return a+b;}`),
		FileName: "t.lyr",
	})
	require.NoError(t, err)
	require.NotNil(t, findFunc(t, res, "f"))
}

// TestCompileAllVarVolatileForcesStores covers CompileFlagAllVarVolatile:
// a volatile local's assignment must hit memory immediately instead of
// only updating a cached register binding.
func TestCompileAllVarVolatileForcesStores(t *testing.T) {
	src := []byte(`uint f(){uint x;x=1;return x;}`)

	plain, err := Compile(CompileOptions{Source: src, FileName: "t.lyr"})
	require.NoError(t, err)
	volatileRes, err := Compile(CompileOptions{Source: src, FileName: "t.lyr", Flags: CompileFlagAllVarVolatile})
	require.NoError(t, err)

	pf := findFunc(t, plain, "f")
	vf := findFunc(t, volatileRes, "f")
	require.Equal(t, 0, countOp(pf.Instructions, OpSt), "a register-cached local needs no store in straight-line code")
	require.GreaterOrEqual(t, countOp(vf.Instructions, OpSt), 1, "a volatile local's write must store immediately")
}

// TestCompileOperatorByRefOverloadReceivesAddress covers operator
// overload dispatch over a byref parameter: `v = 5` on a struct must
// reach operator=(vec&,uint) with v's address, making the write in the
// overload body visible through the caller's own storage.
func TestCompileOperatorByRefOverloadReceivesAddress(t *testing.T) {
	res, err := Compile(CompileOptions{
		Source: []byte(`
struct vec{uint x;}
void operator=(vec&a, uint b){a.x=b;}
uint f(){vec v;v=5;return v.x;}
`),
		FileName: "t.lyr",
	})
	require.NoError(t, err)

	f := findFunc(t, res, "f")
	require.GreaterOrEqual(t, countOp(f.Instructions, OpJPush), 1, "v=5 dispatches through the overload")
	require.GreaterOrEqual(t, countOp(f.Instructions, OpFrameAddr), 1, "the overload receives v's address")

	op := findFunc(t, res, "operator=")
	require.GreaterOrEqual(t, countOp(op.Instructions, OpSt), 1, "the overload body writes through the received address")
}

// TestCompileVoidFunctionGetsImplicitEpilogue checks that a body falling
// off its closing brace still ends in the return epilogue.
func TestCompileVoidFunctionGetsImplicitEpilogue(t *testing.T) {
	res, err := Compile(CompileOptions{
		Source:   []byte(`void f(){uint x;x=1;}`),
		FileName: "t.lyr",
	})
	require.NoError(t, err)

	f := findFunc(t, res, "f")
	require.NotEmpty(t, f.Instructions)
	require.Equal(t, OpJPop, f.Instructions[len(f.Instructions)-1].Op)
}

// TestCompileByRefParameterWriteback covers the callee half of byref:
// x=x+1 through a byref parameter loads via the held address and stores
// back through it, so the caller's variable changes.
func TestCompileByRefParameterWriteback(t *testing.T) {
	res, err := Compile(CompileOptions{
		Source: []byte(`
void increment(uint &x){x=x+1;}
uint f(){uint n;n=41;increment(n);return n;}
`),
		FileName: "t.lyr",
	})
	require.NoError(t, err)

	inc := findFunc(t, res, "increment")
	require.GreaterOrEqual(t, countOp(inc.Instructions, OpLd), 1, "reading x auto-derefs through the held address")
	require.GreaterOrEqual(t, countOp(inc.Instructions, OpSt), 1, "writing x stores back through the held address")
}
