package lyrical

import "github.com/pkg/errors"

// SymbolKind tags which of variable/type/function a name resolves to,
// for disambiguation when a name is shared across categories (spec §4.C).
type SymbolKind int

const (
	SymbolIsVariable SymbolKind = iota
	SymbolIsType
	SymbolIsFunction
)

// SearchMode controls how far searchSymbol ascends.
type SearchMode int

const (
	SearchInCurrentScopeOnly SearchMode = iota
	SearchAscendToParents
)

// SymbolTable holds the per-function linked lists of variables, types, and
// functions visible for lookup (spec §4.C).
type SymbolTable struct {
	Vars  []*Variable
	Types []*Type
	Funcs []*Function
}

func symbolTableFor(f *Function) *SymbolTable {
	if f.symbols == nil {
		f.symbols = &SymbolTable{}
	}
	return f.symbols
}

// DeclareVariable registers v in f's current scope.
func DeclareVariable(f *Function, v *Variable) {
	symbolTableFor(f).Vars = append(symbolTableFor(f).Vars, v)
}

func DeclareType(f *Function, t *Type) {
	symbolTableFor(f).Types = append(symbolTableFor(f).Types, t)
	f.Types = append(f.Types, t)
}

func DeclareFunction(f *Function, child *Function) {
	symbolTableFor(f).Funcs = append(symbolTableFor(f).Funcs, child)
}

// ScopeEntering pushes a new scope depth (spec §4.C).
func ScopeEntering(s *ScopeState) { s.Enter() }

// ScopeLeaving pops the current scope, freeing local (non-static)
// variables declared at the scope depth being left. The freed variables
// are returned so callers can additionally release bound registers.
func ScopeLeaving(s *ScopeState, f *Function) []*Variable {
	table := symbolTableFor(f)
	var freed []*Variable
	var kept []*Variable
	for _, v := range table.Vars {
		if v.ScopeDepth == s.Current && !v.Static {
			freed = append(freed, v)
			continue
		}
		kept = append(kept, v)
	}
	table.Vars = kept
	s.Leave()
	return freed
}

// SearchSymbol walks f's variable/type/function lists (filtering variables
// by visibility per VisibleFrom), then ascends through Parent unless mode
// is SearchInCurrentScopeOnly.
func SearchSymbol(f *Function, s *ScopeState, name string, mode SearchMode) (interface{}, SymbolKind, bool) {
	cur := f
	for cur != nil {
		table := symbolTableFor(cur)
		for i := len(table.Vars) - 1; i >= 0; i-- {
			v := table.Vars[i]
			if v.Name != name {
				continue
			}
			if cur == f {
				if !VisibleFrom(v.ScopeDepth, v.ScopeVector, s.Current, s.Snapshot()) {
					continue
				}
			}
			return v, SymbolIsVariable, true
		}
		for i := len(table.Types) - 1; i >= 0; i-- {
			if table.Types[i].Name == name {
				return table.Types[i], SymbolIsType, true
			}
		}
		for i := len(table.Funcs) - 1; i >= 0; i-- {
			if table.Funcs[i].Name == name {
				return table.Funcs[i], SymbolIsFunction, true
			}
		}
		if mode == SearchInCurrentScopeOnly {
			break
		}
		cur = cur.Parent
	}
	return nil, 0, false
}

// SearchCatchableLabel searches strictly in parent functions, never in f
// itself (spec invariant: a catchable-label is never visible to its own
// declaring function).
func SearchCatchableLabel(f *Function, name string) (*Function, bool) {
	cur := f.Parent
	for cur != nil {
		for _, l := range cur.CatchableLabels {
			if l == name {
				return cur, true
			}
		}
		cur = cur.Parent
	}
	return nil, false
}

// AdjustOffsetOfTypeMembers implements the second-pass anonymous-member
// offset fixup named in spec §4.C: every anonymous struct/union member's
// own members get the anonymous member's offset added, recursing into
// further nested anonymous members.
func AdjustOffsetOfTypeMembers(t *Type) error {
	for _, m := range t.Members {
		if m.Name != "" || m.resolvedType == nil {
			continue
		}
		sub := m.resolvedType
		if err := AdjustOffsetOfTypeMembers(sub); err != nil {
			return err
		}
		for _, leaf := range sub.Members {
			leaf.Offset += m.Offset
		}
		sub.OwnerOfAnonymousType = t
	}
	return nil
}

// ValidateBitfield enforces "bitselect may only be nonzero when type is a
// native integer type and the variable lives inside a struct or pstruct"
// (spec invariant), and "N < 8*typesize" (spec §4.E declarations).
func ValidateBitfield(v *Variable, containerIsAggregate bool, nativeSize int) error {
	if v.BitSelect == 0 {
		return nil
	}
	if !containerIsAggregate {
		return errors.Errorf("lyrical: bitfield %q declared outside a struct/pstruct", v.Name)
	}
	if _, native := nativeIntSizes[v.TypeName]; !native {
		return errors.Errorf("lyrical: bitfield %q has non-native type %q", v.Name, v.TypeName)
	}
	if v.BitSelect >= 8*nativeSize {
		return errors.Errorf("lyrical: bitfield %q width %d exceeds container width %d", v.Name, v.BitSelect, 8*nativeSize)
	}
	return nil
}
