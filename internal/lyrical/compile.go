package lyrical

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// CompileFlag is a bitmask of the compile-time options spec §6 lists
// (debug info, comments, and friends); each bit gates an ambient feature
// rather than a functional one.
type CompileFlag uint32

const (
	CompileFlagDebug CompileFlag = 1 << iota
	CompileFlagComment
	CompileFlagAllVarVolatile
	CompileFlagNoStackFrameSharing
	CompileFlagNoFunctionImport
	CompileFlagNoFunctionExport
)

func (f CompileFlag) has(bit CompileFlag) bool { return f&bit != 0 }

// CompileOptions is the top-level compile-time option set (spec §6).
type CompileOptions struct {
	Source   []byte
	FileName string

	JumpCaseCLog2Sz         int
	StackPageAllocProvision int64
	MinUnusedRegCountForOp  map[Op]int

	// PredeclaredVars injects the caller-supplied root-level variables
	// (e.g. "arg", "env") ahead of compiling the root function's body
	// (spec §6).
	PredeclaredVars []*Variable

	Flags CompileFlag

	// CompileAllVarVolatile, when non-nil, is invoked once per
	// predeclared variable while CompileFlagAllVarVolatile is set (variables
	// declared in the source are marked volatile without it), mirroring
	// the original's predeclared-variable callback hook (Open Question
	// resolved in DESIGN.md: an idempotent no-op is a valid
	// implementation, since the callback's only contractual effect is
	// forcing AlwaysVolatile true).
	CompileAllVarVolatile func(v *Variable)
}

// CompileResult is everything downstream (the x86 backend, lyricaldump)
// needs out of a successful compile.
type CompileResult struct {
	Root *Function
	// AllFunctions is every function in the tree, in declaration order,
	// flattened for the backend's two-phase offset/fixup resolution.
	AllFunctions []*Function
	// GlobalSize is the total size of the static-variable global region
	// the backend's loader must place after the string region (spec §3,
	// §4.H).
	GlobalSize int
	// StringRegionSize is the size in bytes the backend must reserve for
	// the string region's import-pointer slots (4 bytes per unresolved
	// function, spec §4.H); this language has no string-literal grammar,
	// so the region holds only those slots.
	StringRegionSize int
}

// Compile runs LYRICAL's two-pass pipeline (spec §1/§4): pass 1 sizes and
// forward-declares every function and aggregate type; pass 2 emits IR
// bodies now that every call target and type size is known. Grounded on
// tinyrange-rtg/std/compiler/main.go's ResolveModule -> ValidateModule ->
// CompileModule pipeline shape, adapted into an explicit two-pass
// structure instead of a single linear walk, and on
// std/compiler/ir.go's CompileModule entry point for the per-function
// bookkeeping this orchestrates.
func Compile(opts CompileOptions) (*CompileResult, error) {
	if opts.MinUnusedRegCountForOp == nil {
		opts.MinUnusedRegCountForOp = defaultMinUnusedRegCounts()
	}
	if opts.JumpCaseCLog2Sz <= 0 {
		// 8 bytes/slot: enough for the worst-case x86 encoding of a single
		// unconditional branch (5-byte rel32 E9), padded to a clean stride.
		opts.JumpCaseCLog2Sz = 3
	}

	root := NewFunction("", nil)
	scope := NewScopeState()
	ScopeEntering(scope)

	declarePredeclaredVars := func() {
		for _, v := range opts.PredeclaredVars {
			v.Offset = root.LocalSize
			root.LocalSize += v.Size
			DeclareVariable(root, v)
			if opts.Flags.has(CompileFlagAllVarVolatile) {
				applyAlwaysVolatile(v)
				if opts.CompileAllVarVolatile != nil {
					opts.CompileAllVarVolatile(v)
				}
			}
		}
	}
	declarePredeclaredVars()
	predeclaredLocalSize := root.LocalSize
	predeclaredVarCount := len(symbolTableFor(root).Vars)

	// Pass 1: sizing/forward-declaration. A first statement-parser walk
	// registers every function/type name and its signature, and sizes
	// every local declaration, without the result being kept: pass 2
	// redoes the identical walk for real, so pass 1's only lasting
	// contribution is that every function/type name is already known
	// (spec §1 "two-pass semantic analyzer") by the time pass 2 reaches a
	// forward reference to it.
	var pass1Errs *multierror.Error
	lex1 := NewLexer(opts.FileName, opts.Source)
	if err := runPass(lex1, root, scope, opts, passSizing); err != nil {
		pass1Errs = multierror.Append(pass1Errs, err)
	}
	if err := pass1Errs.ErrorOrNil(); err != nil {
		return nil, errors.WithStack(err)
	}

	// Discard pass 1's per-function emission/declaration state (it was
	// only ever useful for forward-declaring names) while keeping the
	// Children/FCall/Types registrations those names live in, so pass 2
	// can reconcile its own declarations against them instead of hitting
	// FuncDeclaration's "already defined" guard a second legitimate pass
	// over the same declaration would otherwise trip.
	resetForSecondPass(root, predeclaredLocalSize, predeclaredVarCount)

	var pass2Errs *multierror.Error
	lex2 := NewLexer(opts.FileName, opts.Source)
	if err := runPass(lex2, root, NewScopeState(), opts, passEmission); err != nil {
		pass2Errs = multierror.Append(pass2Errs, err)
	}
	if err := pass2Errs.ErrorOrNil(); err != nil {
		return nil, errors.WithStack(err)
	}

	declareRuntimeHelpers(root)
	all := flattenFunctions(root)

	// Reconcile declared-but-undefined functions: spec §1 "functions
	// declared without definition in pass2 become imports", §7.3 "export
	// keyword used without definition" is a scope/linkage error, and
	// disabling import support turns a would-be import into the same
	// error (spec §6 LYRICALCOMPILENOFUNCTIONIMPORT). The paging runtime
	// helpers are exempt from that flag: they are the loader contract the
	// emitted page-alloc/free instructions call into, not user imports.
	stringSize := 0
	for _, f := range all {
		if f.IsRoot() || f.Defined {
			continue
		}
		if f.Export {
			return nil, errors.WithStack(NewError(ErrScopeLinkage, DebugPos{File: opts.FileName},
				"%q is declared export but never defined", f.Name))
		}
		if opts.Flags.has(CompileFlagNoFunctionImport) && !runtimeHelperNames[f.Name] {
			return nil, errors.WithStack(NewError(ErrScopeLinkage, DebugPos{File: opts.FileName},
				"%q is declared but never defined, and function import is disabled", f.Name))
		}
		f.Import = true
		f.ImportOffset = stringSize
		stringSize += 4
	}
	if opts.Flags.has(CompileFlagNoFunctionExport) {
		for _, f := range all {
			f.Export = false
		}
	}

	return &CompileResult{Root: root, AllFunctions: all, GlobalSize: root.GlobalSize, StringRegionSize: stringSize}, nil
}

type passKind int

const (
	passSizing passKind = iota
	passEmission
)

// runPass drives one full parse of the source through StmtParser,
// recovering from the register-pressure panic class (spec §7.4,
// EnsureUnused) as an ordinary error so a single function's resource
// exhaustion does not crash the whole compile.
func runPass(lex *Lexer, root *Function, scope *ScopeState, opts CompileOptions, kind passKind) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = errors.WithStack(NewError(ErrResourceExhaustion, DebugPos{File: opts.FileName}, "%s", e.Error()))
				return
			}
			panic(r)
		}
	}()

	ScopeEntering(scope)
	build := NewBuilder(root, opts.MinUnusedRegCountForOp, opts.Flags.has(CompileFlagComment))
	allocatedStackPage := false
	if kind == passEmission {
		if root.LocalSize > 0 || opts.StackPageAllocProvision > 0 {
			build.StackPageAlloc(opts.StackPageAllocProvision)
			allocatedStackPage = true
		}
	}
	sp, perr := NewStmtParser(lex, root, scope, build)
	if perr != nil {
		return perr
	}
	sp.JumpCaseCLog2Sz = opts.JumpCaseCLog2Sz
	sp.AllVarVolatile = opts.Flags.has(CompileFlagAllVarVolatile)
	if err := sp.ParseStatement(ModeFunctionBody); err != nil {
		return err
	}
	if kind == passEmission {
		// Root epilogue: release the stack page chained in at entry, then
		// return control like any other function.
		if allocatedStackPage {
			build.StackPageFree(opts.StackPageAllocProvision)
		}
		root.regs.FlushAndDiscardAll(DoNotFlushRegForLocalsKeepRegForReturnAddr)
		build.JPop()
	}
	return nil
}

// resetForSecondPass clears every per-function piece of state pass 1 built
// up purely to size and emit a body, recursing through the whole tree pass
// 1 constructed. It deliberately leaves Children, FCall/ReturnType/Variadic,
// and declared Types/Funcs symbol entries alone: those are exactly the
// forward-declaration records pass 2 needs to find already in place.
// root's LocalSize and declared-variable count are restored to the point
// just after PredeclaredVars were seeded, rather than to zero, since those
// were declared once, outside of either pass, and must survive both.
func resetForSecondPass(root *Function, predeclaredLocalSize, predeclaredVarCount int) {
	root.GlobalSize = 0
	var walk func(f *Function, isRoot bool)
	walk = func(f *Function, isRoot bool) {
		f.Instructions = nil
		f.Defined = false
		f.SharedRegionSize = 0
		f.CatchableLabels = nil
		f.regs = NewRegisterManager()
		f.Types = nil

		table := symbolTableFor(f)
		table.Types = nil
		if isRoot {
			f.LocalSize = predeclaredLocalSize
			if len(table.Vars) > predeclaredVarCount {
				table.Vars = table.Vars[:predeclaredVarCount]
			}
		} else {
			f.LocalSize = 0
			table.Vars = nil
		}

		for _, c := range f.Children {
			walk(c, false)
		}
	}
	walk(root, true)
}

// runtimeHelperNames are the loader-provided paging entry points the
// backend's page-alloc/free lowering calls through the import mechanism.
var runtimeHelperNames = map[string]bool{
	"lyrical_pagealloc":      true,
	"lyrical_pagefree":       true,
	"lyrical_stackpagealloc": true,
	"lyrical_stackpagefree":  true,
}

var pagingHelperByOp = map[Op]string{
	OpPageAlloc:      "lyrical_pagealloc",
	OpPageFree:       "lyrical_pagefree",
	OpStackPageAlloc: "lyrical_stackpagealloc",
	OpStackPageFree:  "lyrical_stackpagefree",
}

// declareRuntimeHelpers registers an undefined function for each paging
// helper the emitted IR actually calls, so the ordinary import
// reconciliation assigns it a string-region slot.
func declareRuntimeHelpers(root *Function) {
	needed := map[string]bool{}
	var scan func(f *Function)
	scan = func(f *Function) {
		for _, ins := range f.Instructions {
			if name, ok := pagingHelperByOp[ins.Op]; ok {
				needed[name] = true
			}
		}
		for _, c := range f.Children {
			scan(c)
		}
	}
	scan(root)
	for _, name := range []string{"lyrical_pagealloc", "lyrical_pagefree", "lyrical_stackpagealloc", "lyrical_stackpagefree"} {
		if !needed[name] {
			continue
		}
		h := NewFunction(name, root)
		h.ReturnType = "void*"
		h.LinkingSignature = name + "(uint)"
	}
}

func flattenFunctions(root *Function) []*Function {
	var out []*Function
	var walk func(f *Function)
	walk = func(f *Function) {
		out = append(out, f)
		for _, c := range f.Children {
			walk(c)
		}
	}
	walk(root)
	return out
}

// applyAlwaysVolatile implements CompileFlagAllVarVolatile: forces every
// variable's AlwaysVolatile flag, which in turn defeats register-caching
// across reads (the register manager must reload from memory on every
// access instead of trusting a bound register).
func applyAlwaysVolatile(v *Variable) {
	t := true
	v.AlwaysVolatile = &t
}

// defaultMinUnusedRegCounts is a conservative default for the
// register-pressure precondition (spec §4.A item 3); ops that touch
// three operands need more headroom than a plain copy.
func defaultMinUnusedRegCounts() map[Op]int {
	return map[Op]int{
		OpAdd: 1, OpSub: 1, OpMul: 1, OpDiv: 1, OpMod: 1,
		OpAnd: 1, OpOr: 1, OpXor: 1, OpSll: 1, OpSrl: 1, OpSra: 1,
		OpSet: 1, OpLd: 1, OpSt: 1, OpLdSt: 2,
		OpJPush: 1, OpJL: 1, OpAFIP: 1,
	}
}
