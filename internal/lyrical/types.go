package lyrical

// Type describes a struct/pstruct/union/enum/native type. Enum type names
// are prefixed with sentinelEnumName so they cannot collide with a
// user-declared struct of the same spelling.
type Type struct {
	Name string
	// Size is the type's size in bytes; zero means declared-but-undefined
	// (a forward reference that was never completed).
	Size int
	// Packed is true for pstruct: members are not rounded to native
	// alignment.
	Packed bool
	Union  bool
	// Base is the single base type for inheritance (struct/pstruct only).
	Base *Type
	// Members is the circular-in-spirit list of member variables; offsets
	// are relative to the containing type. Kept as a slice per the
	// redesign note in spec §9 (arena+index over circular list).
	Members []*Variable
	// OwnerOfAnonymousType links an anonymous member's synthetic type back
	// to the type that nests it, for adjustOffsetOfTypeMembers.
	OwnerOfAnonymousType *Type
}

const sentinelEnumName = "\x01"

// cloneForAnonymousMember deep-copies a type's member list so the
// per-owner offset fixup (AdjustOffsetOfTypeMembers) applied to an
// anonymous nesting never mutates the declared type another aggregate may
// nest as well.
func cloneForAnonymousMember(t *Type) *Type {
	c := *t
	c.Members = make([]*Variable, len(t.Members))
	for i, m := range t.Members {
		mc := *m
		if mc.Name == "" && mc.resolvedType != nil {
			mc.resolvedType = cloneForAnonymousMember(mc.resolvedType)
		}
		c.Members[i] = &mc
	}
	return &c
}

func isEnumTypeName(name string) bool {
	return len(name) > 0 && name[0] == sentinelEnumName[0]
}

// nativeIntSizes lists the sizes (bytes) of native integer types; the
// largest is used to round aggregate sizes for array-alignment safety
// (spec §4.C: "rounded up so that ... alignment to the largest native
// integer size is preserved").
var nativeIntSizes = map[string]int{
	"u8": 1, "i8": 1,
	"u16": 1 << 1, "i16": 1 << 1,
	"u32": 1 << 2, "i32": 1 << 2,
	"u64": 1 << 3, "i64": 1 << 3,
	"uint": 4, "int": 4,
	"void*": 4,
}

const largestNativeIntSize = 8

// alignTo rounds off up to the next multiple of a.
func alignTo(off, a int) int {
	if a <= 1 {
		return off
	}
	if r := off % a; r != 0 {
		off += a - r
	}
	return off
}

// RoundForArrayAlignment rounds sz up to a multiple of largestNativeIntSize
// so a [N]T array never misaligns subsequent native-sized accesses.
func RoundForArrayAlignment(sz int) int {
	if sz%largestNativeIntSize == 0 {
		return sz
	}
	return sz + (largestNativeIntSize - sz%largestNativeIntSize)
}

// Variable is a name bound to a type, with the flags spec §3 requires.
type Variable struct {
	Name string
	// TypeName is the declared type string; Cast, when non-empty,
	// overrides TypeName for expression evaluation only (the variable's
	// storage is still TypeName-shaped).
	TypeName string
	Cast     string

	Size   int
	Offset int

	// BitSelect is nonzero only when TypeName is a native integer type and
	// the variable lives inside a struct/pstruct (spec invariant).
	BitSelect int
	// BitShift is the bit position of this bitfield within its containing
	// native integer; successive bitfields of the same container pack
	// right-to-left, each starting where the previous one ended.
	BitShift int

	ByRef  bool
	Static bool

	IsNumber    bool
	NumberValue int64

	// AlwaysVolatile is shared between a main variable and its aliased
	// sub-variables (e.g. a union view, or a byref shadow); any of them
	// setting it makes all of them volatile.
	AlwaysVolatile *bool

	// ScopeDepth/ScopeVector snapshot scopeCurrent/scope[] at declaration
	// time; two variables are the same symbol from a site iff name
	// matches and these snapshots agree on the shared prefix (P3).
	ScopeDepth  int
	ScopeVector []int

	// resolvedType is filled in by the scope manager once TypeName can be
	// looked up; nil for native types.
	resolvedType *Type

	// boundReg, when non-negative, is the virtual register currently
	// bound to this variable (component B bookkeeping).
	boundReg int
}

// NewVariable constructs a Variable with boundReg initialized to "no
// register bound" (0 is a valid register id, so the zero value cannot be
// used as that sentinel).
func NewVariable(name, typeName string) *Variable {
	return &Variable{Name: name, TypeName: typeName, boundReg: -1}
}

func (v *Variable) EffectiveTypeName() string {
	if v.Cast != "" {
		return v.Cast
	}
	return v.TypeName
}

func (v *Variable) IsTempVar() bool {
	return len(v.Name) > 0 && v.Name[0] == '$'
}

// Function is a named code entity. Params/Children are ordered slices;
// spec's circular "last-inserted-is-head" list convention is normalized
// away per the redesign note in spec §9 (arena+index beats a circular
// list in Go), but Params iterate in declaration order either way.
type Function struct {
	Name       string
	ReturnType string

	Params   []*Variable
	Variadic bool

	// DeclID correlates a pass1 placeholder with its pass2 definition; it
	// is derived from the byte offset of the declaration in the source
	// buffer, which is stable across passes (spec §9).
	DeclID int

	Parent   *Function
	Children []*Function

	LocalSize        int
	SharedRegionSize int

	// GlobalSize is only meaningful on the root function: the running
	// total size of the process-wide global region that `static`
	// variables are relocated into (spec §3), distinct from
	// SharedRegionSize which sizes a function's own caller-args/ret area.
	GlobalSize int

	Instructions []*Instruction

	CallSignature    string
	FCall            *FCallMatcher
	LinkingSignature string

	Import       bool
	Export       bool
	ImportOffset int

	// StackFrameHolder, when non-nil, is the caller frame this function is
	// inlined into; entry/exit then do not move the stack pointer.
	StackFrameHolder *Function

	// ParticipatesInFrameSharing is set when a child function needs this
	// function's cached stackframe pointer (spec §4.B).
	ParticipatesInFrameSharing bool

	Defined bool

	// Types declared directly inside this function; freed at definition
	// end (spec §3 lifecycle).
	Types []*Type

	// CatchableLabels declared in this function, searchable only from
	// descendants, never from Function itself (spec invariant).
	CatchableLabels []string

	regs    *RegisterManager
	symbols *SymbolTable
}

// NewFunction allocates a function, linking it as a child of parent (nil
// for the root function).
func NewFunction(name string, parent *Function) *Function {
	f := &Function{
		Name:    name,
		Parent:  parent,
		regs:    NewRegisterManager(),
		symbols: &SymbolTable{},
	}
	if parent != nil {
		parent.Children = append(parent.Children, f)
	}
	return f
}

func (f *Function) IsRoot() bool { return f.Parent == nil }

// Root walks the parent chain to the program's root function, the owner
// of GlobalSize and the sole allocator of the static-variable global
// region (spec §3).
func (f *Function) Root() *Function {
	for f.Parent != nil {
		f = f.Parent
	}
	return f
}

// ScopeState is the monotonically growing per-function scope vector
// described in spec §3.
type ScopeState struct {
	// Vector[i] counts how many disjoint scopes have existed at depth i+1.
	Vector []int
	// Current is the index of the current depth (0-based; -1 means
	// outside any scope, i.e. at function top level before the first
	// scopeEntering).
	Current int
}

func NewScopeState() *ScopeState {
	return &ScopeState{Current: -1}
}

// Enter pushes a new scope at the next depth, bumping that depth's
// disjoint-scope counter.
func (s *ScopeState) Enter() {
	s.Current++
	for len(s.Vector) <= s.Current {
		s.Vector = append(s.Vector, 0)
	}
	s.Vector[s.Current]++
}

// Leave pops the current scope.
func (s *ScopeState) Leave() {
	s.Current--
}

// Snapshot copies the vector up to and including Current, for attaching
// to a newly declared Variable.
func (s *ScopeState) Snapshot() []int {
	out := make([]int, s.Current+1)
	copy(out, s.Vector[:s.Current+1])
	return out
}

// SameSymbol implements P3: two variables resolve as the same symbol from
// site s iff they share a name and their scope vectors agree on the
// shared prefix length.
func SameSymbol(a, b *Variable) bool {
	if a.Name != b.Name {
		return false
	}
	n := len(a.ScopeVector)
	if len(b.ScopeVector) < n {
		n = len(b.ScopeVector)
	}
	for i := 0; i < n; i++ {
		if a.ScopeVector[i] != b.ScopeVector[i] {
			return false
		}
	}
	return true
}

// VisibleFrom reports whether a declaration with scope depth/vector
// (declDepth, declVector) is visible from a use site currently at
// (useDepth, useVector): the declaration's depth must not exceed the use
// site's current depth, and the scope vectors must agree as a prefix up
// to the declaration's depth.
func VisibleFrom(declDepth int, declVector []int, useDepth int, useVector []int) bool {
	if declDepth > useDepth {
		return false
	}
	for i := 0; i <= declDepth && i < len(declVector) && i < len(useVector); i++ {
		if declVector[i] != useVector[i] {
			return false
		}
	}
	return true
}
