package lyrical

import (
	"strings"

	"github.com/pkg/errors"
)

// FCallMatcher is this module's implementation of the "opaque string
// matcher" contract spec §1 assigns to the PAM-syntax regex engine (an
// external collaborator, out of scope for this module). It accepts a
// call-signature string built the same way a call-site signature is
// built, matching positional parameter types with the declared-parameter
// wildcard rules spec §4.F needs: `void*` accepts any pointer type, and a
// variadic tail accepts any additional arguments.
type FCallMatcher struct {
	name       string
	params     []string // declared (possibly byref-stripped) parameter types
	variadic   bool
	sourceDecl string // the declaration's own call-signature, for mutual-match
}

// BuildFCallMatcher constructs the matcher for a function's declared
// parameter list (spec §4.F item 3, "fcall regex").
func BuildFCallMatcher(name string, paramTypes []string, variadic bool) *FCallMatcher {
	return &FCallMatcher{name: name, params: paramTypes, variadic: variadic, sourceDecl: CallSignature(name, paramTypes)}
}

// Matches reports whether a call to callName with the positional argument
// types argTypes satisfies this matcher.
func (m *FCallMatcher) Matches(callName string, argTypes []string) bool {
	if callName != m.name {
		return false
	}
	if m.variadic {
		if len(argTypes) < len(m.params) {
			return false
		}
	} else if len(argTypes) != len(m.params) {
		return false
	}
	for i, declared := range m.params {
		if !typeAccepts(declared, argTypes[i]) {
			return false
		}
	}
	return true
}

// typeAccepts implements the "void* accepts any pointer type" wildcard
// rule, plus integer promotion: a native-integer parameter accepts any
// native-integer argument (an integer literal is typed "int" at the call
// site regardless of the declared parameter's width or signedness). All
// other types must match exactly.
func typeAccepts(declared, actual string) bool {
	if declared == actual {
		return true
	}
	if declared == "void*" && strings.HasSuffix(actual, "*") {
		return true
	}
	if _, dn := nativeIntSizes[declared]; dn && !strings.HasSuffix(declared, "*") {
		if _, an := nativeIntSizes[actual]; an && !strings.HasSuffix(actual, "*") {
			return true
		}
	}
	return false
}

// CallSignature builds `"name|type1|type2|…|"`, stripping byref types of
// their trailing '*' (spec §4.F item 3).
func CallSignature(name string, paramTypes []string) string {
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('|')
	for _, t := range paramTypes {
		b.WriteString(strings.TrimSuffix(t, "*"))
		b.WriteByte('|')
	}
	return b.String()
}

// LinkingSignature builds `"name(type1,type2&,…,…)"` for the
// importer/exporter, where byref parameters get a trailing '&' and a
// variadic tail is rendered as a trailing "...".
func LinkingSignature(name string, params []*Variable, variadic bool) string {
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('(')
	for i, p := range params {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(p.TypeName)
		if p.ByRef {
			b.WriteByte('&')
		}
	}
	if variadic {
		if len(params) > 0 {
			b.WriteByte(',')
		}
		b.WriteString("...")
	}
	b.WriteByte(')')
	return b.String()
}

// isOperatorOverloadOfNative reports whether declaring an operator
// function over the given parameter types would overload a native
// operation (spec §4.F item 4: "no native operation is being overloaded
// when all parameters are native/pointer types").
func isOperatorOverloadOfNative(opName string, paramTypes []string) bool {
	if !strings.HasPrefix(opName, "operator") {
		return false
	}
	for _, t := range paramTypes {
		if _, native := nativeIntSizes[t]; !native && !strings.HasSuffix(t, "*") {
			return false
		}
	}
	return true
}

// FuncDeclaration implements component F: given a parsed return type,
// name, and parameter list, it builds the three signature strings,
// reconciles forward declarations against definitions, and links the new
// function into parent's sibling/child list.
//
// Grounded on tinyrange-rtg/std/compiler/frontend.go's function-symbol
// registration (Package.Symbols[name] = &Symbol{Kind: SymFunc, ...}) plus
// CompileModule's per-function bookkeeping maps, generalized into
// LYRICAL's call-signature/fcall-matcher/linking-signature construction.
func FuncDeclaration(parent *Function, name, returnType string, params []*Variable, variadic bool, declID int) (*Function, bool, error) {
	var paramTypes []string
	for _, p := range params {
		paramTypes = append(paramTypes, p.TypeName)
	}

	if strings.HasPrefix(name, "operator") {
		if variadic {
			return nil, false, errors.Errorf("lyrical: operator %q cannot be declared variadic", name)
		}
		if len(params) == 0 || len(params) > 2 {
			return nil, false, errors.Errorf("lyrical: operator %q must take 1 or 2 arguments, got %d", name, len(params))
		}
	}

	if isOperatorOverloadOfNative(name, paramTypes) {
		return nil, false, errors.Errorf("lyrical: %q would overload a native operation over only native/pointer operands", name)
	}

	newCallSig := CallSignature(name, paramTypes)

	// Search existing siblings for a mutual-match declaration to fill in
	// as a definition (spec §4.F item 5).
	for _, sib := range parent.Children {
		if sib.FCall == nil {
			continue
		}
		if sib.FCall.sourceDecl == newCallSig || sib.FCall.Matches(name, paramTypes) {
			if sib.Defined {
				return nil, false, errors.Errorf("lyrical: %q already defined", name)
			}
			if sib.ReturnType != returnType {
				return nil, false, errors.Errorf("lyrical: %q redeclared with a different return type (%q vs %q)", name, sib.ReturnType, returnType)
			}
			if sib.Variadic != variadic {
				return nil, false, errors.Errorf("lyrical: %q redeclared with mismatched variadicity", name)
			}
			sib.Params = params
			sib.DeclID = declID
			return sib, true, nil
		}
	}

	f := NewFunction(name, parent)
	f.ReturnType = returnType
	f.Params = params
	f.Variadic = variadic
	f.DeclID = declID
	f.FCall = BuildFCallMatcher(name, paramTypes, variadic)
	f.LinkingSignature = LinkingSignature(name, params, variadic)
	DeclareFunction(parent, f)
	return f, false, nil
}

// CheckOverloadUniqueness enforces the spec invariant: for any two sibling
// functions in the same scope, their matching regexes must not both
// accept the other's call-signature string.
func CheckOverloadUniqueness(siblings []*Function) error {
	for i := 0; i < len(siblings); i++ {
		for j := i + 1; j < len(siblings); j++ {
			a, b := siblings[i], siblings[j]
			if a.FCall == nil || b.FCall == nil {
				continue
			}
			aArgs := paramTypesOf(a)
			bArgs := paramTypesOf(b)
			if a.FCall.Matches(b.Name, bArgs) && b.FCall.Matches(a.Name, aArgs) {
				return errors.Errorf("lyrical: %q and %q are ambiguous overloads of each other", a.Name, b.Name)
			}
		}
	}
	return nil
}

func paramTypesOf(f *Function) []string {
	var out []string
	for _, p := range f.Params {
		out = append(out, p.TypeName)
	}
	return out
}
