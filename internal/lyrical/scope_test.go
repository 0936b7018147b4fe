package lyrical

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestScopeVectorCountsDisjointScopes: scope[i] counts how many disjoint
// scopes have existed at depth i+1, so two sibling blocks at the same
// depth get distinct counter values (spec §3 "scope state").
func TestScopeVectorCountsDisjointScopes(t *testing.T) {
	s := NewScopeState()
	s.Enter() // function body, depth 0
	require.Equal(t, []int{1}, s.Snapshot())

	s.Enter() // first inner block
	first := s.Snapshot()
	s.Leave()
	s.Enter() // second, disjoint inner block at the same depth
	second := s.Snapshot()

	require.Equal(t, first[0], second[0])
	require.NotEqual(t, first[1], second[1], "disjoint scopes at one depth are distinguishable")
}

// TestSameSymbolPrefixRule is P3: two variables are the same symbol iff
// the name matches and their scope vectors agree on the shared prefix.
func TestSameSymbolPrefixRule(t *testing.T) {
	outer := NewVariable("x", "uint")
	outer.ScopeDepth = 0
	outer.ScopeVector = []int{1}

	inner := NewVariable("x", "uint")
	inner.ScopeDepth = 1
	inner.ScopeVector = []int{1, 1}

	require.True(t, SameSymbol(outer, inner), "nested declarations share the outer prefix")

	sibling := NewVariable("x", "uint")
	sibling.ScopeDepth = 1
	sibling.ScopeVector = []int{1, 2}
	require.True(t, SameSymbol(outer, sibling))
	require.False(t, SameSymbol(inner, sibling), "disjoint blocks at one depth differ at that depth")

	other := NewVariable("y", "uint")
	other.ScopeVector = []int{1}
	require.False(t, SameSymbol(outer, other))
}

// TestVisibleFromRejectsLeftScopes: once a block is left, a new disjoint
// block at the same depth must not see its variables.
func TestVisibleFromRejectsLeftScopes(t *testing.T) {
	s := NewScopeState()
	s.Enter()
	s.Enter()
	declDepth := s.Current
	declVector := s.Snapshot()
	s.Leave()

	// Still inside the enclosing scope, past the declaring block: depth is
	// shallower than the declaration's.
	require.False(t, VisibleFrom(declDepth, declVector, s.Current, s.Snapshot()))

	// A new disjoint block at the same depth disagrees at that depth.
	s.Enter()
	require.False(t, VisibleFrom(declDepth, declVector, s.Current, s.Snapshot()))

	// The declaring block itself, re-checked at declaration time, agrees.
	require.True(t, VisibleFrom(declDepth, declVector, declDepth, declVector))
}

// TestSearchSymbolShadowing: the innermost declaration wins when an inner
// block redeclares a name, and leaving the block unshadows it.
func TestSearchSymbolShadowing(t *testing.T) {
	f := NewFunction("f", nil)
	s := NewScopeState()
	s.Enter()

	outer := NewVariable("x", "uint")
	outer.ScopeDepth = s.Current
	outer.ScopeVector = s.Snapshot()
	DeclareVariable(f, outer)

	s.Enter()
	inner := NewVariable("x", "u8")
	inner.ScopeDepth = s.Current
	inner.ScopeVector = s.Snapshot()
	DeclareVariable(f, inner)

	sym, kind, ok := SearchSymbol(f, s, "x", SearchAscendToParents)
	require.True(t, ok)
	require.Equal(t, SymbolIsVariable, kind)
	require.Same(t, inner, sym.(*Variable))

	ScopeLeaving(s, f)
	sym, _, ok = SearchSymbol(f, s, "x", SearchAscendToParents)
	require.True(t, ok)
	require.Same(t, outer, sym.(*Variable))
}

// TestSearchSymbolAscendsParents: a nested function resolves names from
// its lexical ancestors unless restricted to the current scope.
func TestSearchSymbolAscendsParents(t *testing.T) {
	parent := NewFunction("outer", nil)
	v := NewVariable("shared", "uint")
	v.ScopeDepth = 0
	v.ScopeVector = []int{1}
	DeclareVariable(parent, v)

	child := NewFunction("inner", parent)
	s := NewScopeState()
	s.Enter()

	_, _, ok := SearchSymbol(child, s, "shared", SearchAscendToParents)
	require.True(t, ok)

	_, _, ok = SearchSymbol(child, s, "shared", SearchInCurrentScopeOnly)
	require.False(t, ok)
}

// TestSearchCatchableLabelSkipsDeclaringFunction: a catchable label is
// found strictly in ancestors, never in the function that declared it
// (spec §3 invariant).
func TestSearchCatchableLabelSkipsDeclaringFunction(t *testing.T) {
	parent := NewFunction("outer", nil)
	parent.CatchableLabels = []string{"oops"}
	child := NewFunction("inner", parent)

	owner, ok := SearchCatchableLabel(child, "oops")
	require.True(t, ok)
	require.Same(t, parent, owner)

	_, ok = SearchCatchableLabel(parent, "oops")
	require.False(t, ok, "the declaring function never sees its own catchable label")
}

// TestAdjustOffsetDoesNotMutateSharedType: nesting the same aggregate
// anonymously in two outer types must not compound offsets (the fixup
// runs against a per-owner copy).
func TestAdjustOffsetDoesNotMutateSharedType(t *testing.T) {
	point := &Type{Name: "point", Size: 8}
	point.Members = []*Variable{
		{Name: "x", TypeName: "uint", Size: 4, Offset: 0},
		{Name: "y", TypeName: "uint", Size: 4, Offset: 4},
	}

	makeOwner := func(anonOffset int) *Type {
		anon := NewVariable("", "point")
		anon.resolvedType = cloneForAnonymousMember(point)
		anon.Size = point.Size
		anon.Offset = anonOffset
		return &Type{Name: "owner", Members: []*Variable{anon}}
	}

	first := makeOwner(4)
	require.NoError(t, AdjustOffsetOfTypeMembers(first))
	second := makeOwner(8)
	require.NoError(t, AdjustOffsetOfTypeMembers(second))

	require.Equal(t, 4, first.Members[0].resolvedType.Members[0].Offset)
	require.Equal(t, 8, second.Members[0].resolvedType.Members[0].Offset)
	require.Equal(t, 0, point.Members[0].Offset, "the declared type is untouched")
}

// TestValidateBitfield covers the invariant: nonzero bitselect needs a
// native type inside an aggregate, narrower than the container.
func TestValidateBitfield(t *testing.T) {
	v := NewVariable("b", "u8")
	v.BitSelect = 3
	require.NoError(t, ValidateBitfield(v, true, 1))
	require.Error(t, ValidateBitfield(v, false, 1), "bitfields only live inside struct/pstruct")

	v.BitSelect = 8
	require.Error(t, ValidateBitfield(v, true, 1), "width must be under the container's bit count")

	w := NewVariable("b", "point")
	w.BitSelect = 2
	require.Error(t, ValidateBitfield(w, true, 8), "bitfields need a native integer type")
}
