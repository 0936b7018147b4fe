package lyrical

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ParseMode selects which grammar entry point parseStatement uses (spec
// §4.E item 1: "single entry point with a mode flag"). Grounded on
// tinyrange-rtg/std/compiler/parser.go's recursive-descent statement
// parser, generalized from a single always-function-body entry point
// into the several contexts LYRICAL's grammar reuses the same machinery
// for.
type ParseMode int

const (
	ModeFunctionBody ParseMode = iota
	ModeFunctionArgList
	ModeAggregateBody // struct/pstruct/union body
	ModeSingleExpr
	ModeBlock
	ModePointerToFunctionType
	ModeFunctionSignature
)

// StmtParser is component E: the statement-level recursive-descent
// parser. It owns an Evaluator for expression contexts and a Builder for
// emitting control-flow IR.
type StmtParser struct {
	Eval  *Evaluator
	Scope *ScopeState
	Func  *Function
	Build *Builder

	labelCounter int
	// breakLabels/continueLabels support nested break/continue
	// targeting the innermost while/do/switch.
	breakLabels    []string
	continueLabels []string

	// JumpCaseCLog2Sz is CompileOptions.JumpCaseCLog2Sz, threaded down so
	// parseSwitch can size its dense jump-case table's per-entry stride
	// (spec §4.E).
	JumpCaseCLog2Sz int

	// pendingExport is set by an `export` prefix token and consumed by the
	// function declaration it precedes (spec §4.F / §6: exported functions
	// get a record in the export section).
	pendingExport bool

	// AllVarVolatile mirrors CompileFlagAllVarVolatile: every declared
	// variable gets its AlwaysVolatile flag forced, defeating
	// register-caching across reads.
	AllVarVolatile bool
}

// MaxArgUsage caps a single function declaration's parameter count (spec
// §4.F's MAXARGUSAGE guard against unbounded argument lists).
const MaxArgUsage = 32

func NewStmtParser(lex *Lexer, f *Function, scope *ScopeState, build *Builder) (*StmtParser, error) {
	ev, err := NewEvaluator(lex, f, scope, build)
	if err != nil {
		return nil, err
	}
	return &StmtParser{Eval: ev, Scope: scope, Func: f, Build: build}, nil
}

func (p *StmtParser) cur() Token      { return p.Eval.Cur }
func (p *StmtParser) pos() DebugPos   { return p.Eval.pos() }
func (p *StmtParser) advance() error  { return p.Eval.next() }
func (p *StmtParser) newLabel(prefix string) string {
	p.labelCounter++
	return fmt.Sprintf("$%s%d", prefix, p.labelCounter)
}

func (p *StmtParser) expect(k TokenKind, what string) error {
	if p.cur().Kind != k {
		return errors.WithStack(NewError(ErrLexSyntax, p.pos(), "expected %s", what))
	}
	return p.advance()
}

// ParseStatement is the single entry point named in spec §4.E item 1.
func (p *StmtParser) ParseStatement(mode ParseMode) error {
	switch mode {
	case ModeFunctionBody, ModeBlock:
		return p.parseBlockBody()
	case ModeSingleExpr:
		_, err := p.Eval.ParseExpression()
		p.Eval.DrainPostfix()
		p.Eval.FreeTempVars()
		return err
	default:
		return errors.WithStack(NewError(ErrBackendInternal, p.pos(), "unsupported parse mode %d at this entry point", mode))
	}
}

// parseBlockBody parses `{ stmt* }` or, for the function-body top level,
// a bare statement list ending at EOF.
func (p *StmtParser) parseBlockBody() error {
	ScopeEntering(p.Scope)
	defer func() {
		freed := ScopeLeaving(p.Scope, p.Func)
		for _, v := range freed {
			if v.boundReg >= 0 {
				p.Func.regs.Unlock(v.boundReg)
			}
		}
	}()

	braced := p.cur().Kind == TokLBrace
	if braced {
		if err := p.advance(); err != nil {
			return err
		}
	}
	for {
		if braced {
			if p.cur().Kind == TokRBrace {
				return p.advance()
			}
		} else if p.cur().Kind == TokEOF {
			return nil
		}
		if err := p.parseOneStatement(); err != nil {
			return err
		}
	}
}

// parseOneStatement dispatches on the leading token, covering the full
// control-flow set named in spec §4.E item 2.
func (p *StmtParser) parseOneStatement() error {
	p.Build.DebugPos = p.pos()
	switch p.cur().Kind {
	case TokLBrace:
		return p.parseBlockBody()
	case TokIf:
		return p.parseIf()
	case TokWhile:
		return p.parseWhile()
	case TokDo:
		return p.parseDoWhile()
	case TokSwitch:
		return p.parseSwitch()
	case TokBreak:
		return p.parseBreak()
	case TokContinue:
		return p.parseContinue()
	case TokReturn:
		return p.parseReturn()
	case TokThrow:
		return p.parseThrow()
	case TokCatch:
		return p.parseCatch()
	case TokGoto:
		return p.parseGoto()
	case TokAsm:
		return p.parseAsm()
	case TokStatic:
		return p.parseStaticDecl()
	case TokExport:
		return p.parseExportPrefix()
	case TokPragmaExportOn:
		if err := p.advance(); err != nil {
			return err
		}
		p.pendingExport = true
		return p.parseOneStatement()
	case TokPragmaExportOff:
		if err := p.advance(); err != nil {
			return err
		}
		p.pendingExport = false
		return p.parseOneStatement()
	case TokVoid:
		return p.parseVarDecl("void")
	case TokStruct, TokPStruct, TokUnion, TokEnum:
		return p.parseAggregateDecl()
	case TokSemicolon:
		return p.advance()
	case TokIdent:
		if next, perr := p.Eval.Lex.Peek(); perr == nil && next.Kind == TokColon {
			return p.parseLabelStatement()
		}
		return p.parseLabelOrDecl(p.cur().Text)
	case TokTypeof:
		return p.parseTypeofDecl()
	default:
		return p.parseExprStatement()
	}
}

// parseLabelStatement places a user label (`name:`), flushing and
// discarding every register first so all inbound paths (fallthrough and
// goto alike) observe variables in memory (spec §4.E "label:").
func (p *StmtParser) parseLabelStatement() error {
	name := p.cur().Text
	if err := p.advance(); err != nil {
		return err
	}
	if err := p.advance(); err != nil { // consume ':'
		return err
	}
	p.Eval.DrainPostfix()
	p.Func.regs.FlushAndDiscardAll(FlushAndDiscardAll)
	p.Build.PlaceLabel(userLabel(p.Func, name))
	return nil
}

// parseExportPrefix consumes the `export` keyword and recurses into the
// function declaration it prefixes (spec §6: "export" marks a function
// definition for the export section).
func (p *StmtParser) parseExportPrefix() error {
	if err := p.advance(); err != nil {
		return err
	}
	p.pendingExport = true
	err := p.parseOneStatement()
	p.pendingExport = false
	return err
}

// parseLabelOrDecl decides, from the current identifier, whether this
// begins a variable/type declaration (identifier names a declared type or
// a native type) or is a bare expression statement. Label statements were
// already peeled off by the `name:` lookahead in parseOneStatement.
func (p *StmtParser) parseLabelOrDecl(name string) error {
	if _, native := nativeIntSizes[name]; native {
		return p.parseVarDecl(name)
	}
	if sym, kind, ok := SearchSymbol(p.Func, p.Scope, name, SearchAscendToParents); ok && kind == SymbolIsType {
		t := sym.(*Type)
		return p.parseVarDecl(t.Name)
	}
	return p.parseExprStatement()
}

func (p *StmtParser) parseExprStatement() error {
	if _, err := p.Eval.ParseExpression(); err != nil {
		return err
	}
	p.Eval.DrainPostfix()
	p.Eval.FreeTempVars()
	if p.cur().Kind == TokSemicolon {
		return p.advance()
	}
	return nil
}

// parseTypeofDecl parses `typeof ( expr ) name ...`: the declared type is
// the parenthesized expression's evaluated type (spec §4.E item 2). The
// evaluation's IR lands in a discarded side buffer (the same SetOut
// redirection parseSwitch uses to stage case bodies) since only the type
// is wanted.
func (p *StmtParser) parseTypeofDecl() error {
	if err := p.advance(); err != nil { // consume 'typeof'
		return err
	}
	if err := p.expect(TokLParen, "'('"); err != nil {
		return err
	}
	var discard []*Instruction
	restore := p.Build.SetOut(&discard)
	v, err := p.Eval.ParseExpression()
	if err == nil {
		p.Eval.DrainPostfix()
		p.Eval.FreeTempVars()
	}
	restore()
	if err != nil {
		return err
	}
	if err := p.expect(TokRParen, "')'"); err != nil {
		return err
	}
	return p.parseVarDeclTail(v.TypeName)
}

// parseVarDecl parses `type name [: N] [= initializer] (',' name ...)? ';'`
// (spec §4.E item 2: "declarations including bitfields and initializers").
func (p *StmtParser) parseVarDecl(typeName string) error {
	if err := p.advance(); err != nil { // consume type-name ident
		return err
	}
	return p.parseVarDeclTail(typeName)
}

// parseVarDeclTail continues a declaration once its base type name is
// known and consumed (shared by the ordinary and typeof-typed forms).
func (p *StmtParser) parseVarDeclTail(typeName string) error {
	for p.cur().Kind == TokStar {
		typeName += "*"
		if err := p.advance(); err != nil {
			return err
		}
	}

	// `operator` replaces a name in a function declarator (spec §4.F): an
	// operator overload is always a function, never a variable, so it
	// short-circuits straight into parseFuncDecl.
	if p.cur().Kind == TokOperator {
		opName, err := p.parseOperatorSymbol()
		if err != nil {
			return err
		}
		if p.cur().Kind != TokLParen {
			return errors.WithStack(NewError(ErrLexSyntax, p.pos(), "expected '(' to declare the arguments of operator %q", opName))
		}
		return p.parseFuncDecl(typeName, opName)
	}

	for {
		if p.cur().Kind != TokIdent {
			return errors.WithStack(NewError(ErrLexSyntax, p.pos(), "expected variable name in declaration"))
		}
		name := p.cur().Text
		if err := p.advance(); err != nil {
			return err
		}

		if p.cur().Kind == TokLParen {
			return p.parseFuncDecl(typeName, name)
		}

		v := NewVariable(name, typeName)
		v.ScopeDepth = p.Scope.Current
		v.ScopeVector = p.Scope.Snapshot()
		v.Size = p.sizeOfType(typeName)
		size := v.Size

		if p.cur().Kind == TokColon {
			if err := p.advance(); err != nil {
				return err
			}
			if p.cur().Kind != TokInt {
				return errors.WithStack(NewError(ErrLexSyntax, p.pos(), "expected bitfield width"))
			}
			v.BitSelect = int(p.cur().IntVal)
			if err := ValidateBitfield(v, false, size); err != nil {
				return errors.WithStack(err)
			}
			if err := p.advance(); err != nil {
				return err
			}
		}

		if p.AllVarVolatile {
			applyAlwaysVolatile(v)
		}
		v.Offset = p.Func.LocalSize
		p.Func.LocalSize += v.Size
		DeclareVariable(p.Func, v)

		switch p.cur().Kind {
		case TokLBrace:
			if err := p.initializeAggregate(v); err != nil {
				return err
			}
		case TokAssign:
			if err := p.advance(); err != nil {
				return err
			}
			if p.cur().Kind == TokLBrace {
				if err := p.initializeAggregate(v); err != nil {
					return err
				}
				break
			}
			pos := p.pos()
			rhs, err := p.Eval.ParseExpression()
			if err != nil {
				return err
			}
			addr := p.Build.Regs.AllocReg(RegNormal)
			p.Build.FrameAddr(addr, int64(v.Offset))
			width := v.Size
			if width > 4 {
				width = 4
			}
			lv := Value{TypeName: v.EffectiveTypeName(), Reg: addr, Addr: true, Width: width}
			if !isNativeOrPointer(v.EffectiveTypeName()) {
				lv = Value{TypeName: v.EffectiveTypeName(), Reg: addr}
			}
			if err := p.Eval.storeThroughAssignOperator(lv, rhs, pos); err != nil {
				return err
			}
		}

		if p.cur().Kind == TokComma {
			if err := p.advance(); err != nil {
				return err
			}
			continue
		}
		break
	}
	if p.cur().Kind == TokSemicolon {
		return p.advance()
	}
	return nil
}

// initializeAggregate begins the braced designated-initializer form of a
// declaration (spec §4.E initializer grammar): the declared variable must
// be of an aggregate type, whose members the brace body assigns by
// designator.
func (p *StmtParser) initializeAggregate(v *Variable) error {
	sym, kind, ok := SearchSymbol(p.Func, p.Scope, v.EffectiveTypeName(), SearchAscendToParents)
	if !ok || kind != SymbolIsType {
		return errors.WithStack(NewError(ErrTypeSemantic, p.pos(), "brace initializer requires a struct/pstruct/union type, got %q", v.EffectiveTypeName()))
	}
	base := p.Build.Regs.AllocReg(RegNormal)
	p.Build.FrameAddr(base, int64(v.Offset))
	return p.parseBraceInitializer(sym.(*Type), base)
}

// parseBraceInitializer parses `{ .field = expr | .field { ... } }` with
// optional multi-step `.a.b` designators selecting through member
// offsets, running each selected field's assign operator to emit the
// store (spec §4.E initializer grammar for structs/pstructs/unions; the
// `[i] = expr` array form has no host here, since the retained surface
// grammar declares no array types — see DESIGN.md).
func (p *StmtParser) parseBraceInitializer(t *Type, baseAddr int) error {
	if err := p.advance(); err != nil { // consume '{'
		return err
	}
	for p.cur().Kind != TokRBrace {
		if p.cur().Kind != TokDot {
			return errors.WithStack(NewError(ErrLexSyntax, p.pos(), "expected '.field' designator in initializer"))
		}

		// Walk the `.a.b` chain, accumulating member offsets; every step
		// but the last must select an aggregate-typed member to descend
		// into.
		cur := t
		off := int64(0)
		var m *Variable
		for p.cur().Kind == TokDot {
			if err := p.advance(); err != nil {
				return err
			}
			if p.cur().Kind != TokIdent {
				return errors.WithStack(NewError(ErrLexSyntax, p.pos(), "expected member name after '.'"))
			}
			name := p.cur().Text
			if err := p.advance(); err != nil {
				return err
			}
			var ok bool
			m, ok = findMember(cur, name)
			if !ok {
				return errors.WithStack(NewError(ErrTypeSemantic, p.pos(), "type %q has no member %q", cur.Name, name))
			}
			off += int64(m.Offset)
			if p.cur().Kind != TokDot {
				break
			}
			if m.resolvedType == nil {
				return errors.WithStack(NewError(ErrTypeSemantic, p.pos(), "member %q is not an aggregate and has no members to select", name))
			}
			cur = m.resolvedType
		}
		fieldAddr := p.Build.Regs.AllocReg(RegNormal)
		p.Build.AddI(fieldAddr, baseAddr, off)

		switch p.cur().Kind {
		case TokLBrace:
			if m.resolvedType == nil {
				return errors.WithStack(NewError(ErrTypeSemantic, p.pos(), "member %q is not an aggregate and cannot take a nested initializer", m.Name))
			}
			if err := p.parseBraceInitializer(m.resolvedType, fieldAddr); err != nil {
				return err
			}
		case TokAssign:
			if err := p.advance(); err != nil {
				return err
			}
			pos := p.pos()
			rhs, err := p.Eval.ParseExpression()
			if err != nil {
				return err
			}
			if err := p.Eval.storeThroughAssignOperator(fieldLValue(m, fieldAddr), rhs, pos); err != nil {
				return err
			}
		default:
			return errors.WithStack(NewError(ErrLexSyntax, p.pos(), "expected '=' or '{' after initializer designator"))
		}

		if p.cur().Kind == TokComma || p.cur().Kind == TokSemicolon {
			if err := p.advance(); err != nil {
				return err
			}
		}
	}
	return p.advance() // consume '}'
}

// sizeOfType resolves a declared type name to its storage size: native
// integer sizes, pointer size for any '*' suffix, and the declared Size
// of an in-scope aggregate type.
func (p *StmtParser) sizeOfType(typeName string) int {
	if sz, ok := nativeIntSizes[typeName]; ok {
		return sz
	}
	if strings.HasSuffix(typeName, "*") {
		return 4
	}
	if sym, kind, ok := SearchSymbol(p.Func, p.Scope, typeName, SearchAscendToParents); ok && kind == SymbolIsType {
		if sz := sym.(*Type).Size; sz > 0 {
			return sz
		}
	}
	return 4
}

// parseTypeName parses a native/aggregate type name followed by zero or
// more '*' pointer suffixes (used for parameter/return types, which admit
// pointer types the same way plain variable declarations do).
func (p *StmtParser) parseTypeName() (string, error) {
	var base string
	switch p.cur().Kind {
	case TokVoid:
		base = "void"
		if err := p.advance(); err != nil {
			return "", err
		}
	case TokIdent:
		base = p.cur().Text
		if err := p.advance(); err != nil {
			return "", err
		}
	default:
		return "", errors.WithStack(NewError(ErrLexSyntax, p.pos(), "expected type name"))
	}
	for p.cur().Kind == TokStar {
		base += "*"
		if err := p.advance(); err != nil {
			return "", err
		}
	}
	return base, nil
}

// overloadableOperators maps each token the lexer can produce immediately
// after the `operator` keyword to its symbolic spelling (spec §1/§4.D's
// full native op table: assign plus every arithmetic/bitwise/comparison
// binary operator). `[]` has no single token of its own, so it is handled
// separately in parseOperatorSymbol.
var overloadableOperators = map[TokenKind]string{
	TokAssign:  "=",
	TokPlus:    "+",
	TokMinus:   "-",
	TokStar:    "*",
	TokSlash:   "/",
	TokPercent: "%",
	TokAmp:     "&",
	TokPipe:    "|",
	TokCaret:   "^",
	TokShl:     "<<",
	TokShr:     ">>",
	TokEq:      "==",
	TokNe:      "!=",
	TokLt:      "<",
	TokLe:      "<=",
	TokGt:      ">",
	TokGe:      ">=",
}

// parseOperatorSymbol parses the operator token(s) following the `operator`
// keyword (spec §1: "operator-overload declarations using the `operator`
// keyword followed by the operator token itself, e.g. operator+,
// operator[], operator="), returning the declarator name FuncDeclaration
// registers the overload under.
func (p *StmtParser) parseOperatorSymbol() (string, error) {
	if err := p.advance(); err != nil { // consume 'operator'
		return "", err
	}
	if p.cur().Kind == TokLBracket {
		if err := p.advance(); err != nil {
			return "", err
		}
		if err := p.expect(TokRBracket, "']'"); err != nil {
			return "", err
		}
		return "operator[]", nil
	}
	sym, ok := overloadableOperators[p.cur().Kind]
	if !ok {
		return "", errors.WithStack(NewError(ErrLexSyntax, p.pos(), "expected an overloadable operator after 'operator'"))
	}
	if err := p.advance(); err != nil {
		return "", err
	}
	return "operator" + sym, nil
}

// parseFuncDecl parses a function's parameter list after `name(` has been
// seen, reconciles it against any prior forward declaration via component
// F (funcdecl.go), and either ends the declaration at `;` or parses `{
// ... }` as its definition (spec §1/§4.F: nested, statically-scoped
// function declarations).
func (p *StmtParser) parseFuncDecl(returnType, name string) error {
	if err := p.advance(); err != nil { // consume '('
		return err
	}

	var params []*Variable
	variadic := false
	for p.cur().Kind != TokRParen {
		if variadic {
			return errors.WithStack(NewError(ErrLexSyntax, p.pos(), "'...' must be the last parameter"))
		}
		if p.cur().Kind == TokDot {
			// LYRICAL has no dedicated ellipsis token (spec §6's token
			// list), so a variadic tail is three consecutive '.' tokens.
			for i := 0; i < 3; i++ {
				if p.cur().Kind != TokDot {
					return errors.WithStack(NewError(ErrLexSyntax, p.pos(), "expected '...'"))
				}
				if err := p.advance(); err != nil {
					return err
				}
			}
			variadic = true
			continue
		}

		ptypeName, err := p.parseTypeName()
		if err != nil {
			return err
		}
		byRef := false
		if p.cur().Kind == TokAmp {
			byRef = true
			if err := p.advance(); err != nil {
				return err
			}
		}
		if p.cur().Kind != TokIdent {
			return errors.WithStack(NewError(ErrLexSyntax, p.pos(), "expected parameter name"))
		}
		pname := p.cur().Text
		if err := p.advance(); err != nil {
			return err
		}

		pv := NewVariable(pname, ptypeName)
		pv.ByRef = byRef
		size := nativeIntSizes[ptypeName]
		if size == 0 || byRef {
			size = 4 // byref params are pointer-sized regardless of pointee type
		}
		pv.Size = size
		params = append(params, pv)
		if len(params) > MaxArgUsage {
			return errors.WithStack(NewError(ErrResourceExhaustion, p.pos(), "function %q declares more than %d parameters", name, MaxArgUsage))
		}

		if p.cur().Kind == TokComma {
			if err := p.advance(); err != nil {
				return err
			}
			continue
		}
		break
	}
	if err := p.expect(TokRParen, "')'"); err != nil {
		return err
	}

	declID := p.pos().Offset
	fn, _, err := FuncDeclaration(p.Func, name, returnType, params, variadic, declID)
	if err != nil {
		return errors.WithStack(NewError(ErrScopeLinkage, p.pos(), "%s", err.Error()))
	}
	if p.pendingExport {
		fn.Export = true
	}
	if err := CheckOverloadUniqueness(symbolTableFor(p.Func).Funcs); err != nil {
		return errors.WithStack(err)
	}

	switch p.cur().Kind {
	case TokSemicolon:
		return p.advance()
	case TokLBrace:
		return p.parseFuncBody(fn)
	default:
		return errors.WithStack(NewError(ErrLexSyntax, p.pos(), "expected ';' or '{' after function declaration"))
	}
}

// parseFuncBody parses a function definition's `{ ... }` body, swapping
// the statement/expression parser's per-function state (Func/Scope/Build,
// and the break/continue label stacks) to fn's own for the duration, then
// restoring it — the RAII-style guard spec §9's redesign note calls for,
// since constructing a fresh Evaluator/StmtParser here would re-invoke
// NewEvaluator's internal next() and desynchronize the shared lexer
// cursor.
func (p *StmtParser) parseFuncBody(fn *Function) error {
	fn.Defined = true

	childScope := NewScopeState()
	ScopeEntering(childScope)
	for _, pv := range fn.Params {
		pv.ScopeDepth = childScope.Current
		pv.ScopeVector = childScope.Snapshot()
		// Encoded as -(offset+4), the same -(o+4) shape regalloc.go's
		// spill slots use, so the backend's FrameDisp can tell a
		// parameter (negative) from a local (non-negative) by sign
		// alone and recover EBP+8+offset -- the cdecl argument area the
		// caller's ArgPush sequence (expr.go's parseCall) fills in
		// before `call`. Every argument occupies one 4-byte slot
		// regardless of declared width, matching every other spill/
		// local slot in this backend.
		pv.Offset = -(fn.SharedRegionSize + 4)
		fn.SharedRegionSize += 4
		DeclareVariable(fn, pv)
	}

	build := NewBuilder(fn, p.Build.MinUnusedRegCountForOp, p.Build.Comment)

	savedEvalFunc, savedEvalScope, savedEvalBuild := p.Eval.Func, p.Eval.Scope, p.Eval.Build
	savedFunc, savedScope, savedBuild := p.Func, p.Scope, p.Build
	savedBreak, savedContinue := p.breakLabels, p.continueLabels
	defer func() {
		p.Eval.Func, p.Eval.Scope, p.Eval.Build = savedEvalFunc, savedEvalScope, savedEvalBuild
		p.Func, p.Scope, p.Build = savedFunc, savedScope, savedBuild
		p.breakLabels, p.continueLabels = savedBreak, savedContinue
	}()

	p.Eval.Func, p.Eval.Scope, p.Eval.Build = fn, childScope, build
	p.Func, p.Scope, p.Build = fn, childScope, build
	p.breakLabels, p.continueLabels = nil, nil

	if err := p.parseBlockBody(); err != nil {
		return err
	}
	// A body that falls off its closing brace still returns control (the
	// spec invariant that every defined function's terminal instruction
	// returns); an explicit trailing `return` already emitted this pair.
	// Only unlabeled nops and comments are skipped when deciding: a
	// trailing *label* is a live jump target whose fall-through still
	// needs the epilogue.
	needsEpilogue := true
	for i := len(fn.Instructions) - 1; i >= 0; i-- {
		ins := fn.Instructions[i]
		if (ins.Op == OpNop && ins.Label == "") || ins.Op == OpComment {
			continue
		}
		needsEpilogue = ins.Op != OpJPop
		break
	}
	if needsEpilogue {
		fn.regs.FlushAndDiscardAll(DoNotFlushRegForLocalsKeepRegForReturnAddr)
		build.JPop()
	}
	return nil
}

// parseAggregateDecl parses a struct/pstruct/union/enum type declaration
// and registers it via DeclareType (spec §4.C / §4.E item 2).
func (p *StmtParser) parseAggregateDecl() error {
	packed := p.cur().Kind == TokPStruct
	union := p.cur().Kind == TokUnion
	enum := p.cur().Kind == TokEnum
	if err := p.advance(); err != nil {
		return err
	}
	if p.cur().Kind != TokIdent {
		return errors.WithStack(NewError(ErrLexSyntax, p.pos(), "expected type name"))
	}
	name := p.cur().Text
	if enum {
		name = sentinelEnumName + name
	}
	if err := p.advance(); err != nil {
		return err
	}
	t := &Type{Name: name, Packed: packed, Union: union}

	// Single-inheritance base type: `struct Derived : Base { ... }` (spec
	// §4.C). Not meaningful for enum/union declarations.
	if !enum && p.cur().Kind == TokColon {
		if err := p.advance(); err != nil {
			return err
		}
		if p.cur().Kind != TokIdent {
			return errors.WithStack(NewError(ErrLexSyntax, p.pos(), "expected base type name after ':'"))
		}
		baseName := p.cur().Text
		if err := p.advance(); err != nil {
			return err
		}
		if union {
			return errors.WithStack(NewError(ErrTypeSemantic, p.pos(), "union type %q cannot declare a base type", name))
		}
		sym, kind, ok := SearchSymbol(p.Func, p.Scope, baseName, SearchAscendToParents)
		if !ok || kind != SymbolIsType {
			return errors.WithStack(NewError(ErrScopeLinkage, p.pos(), "base type %q is not declared", baseName))
		}
		t.Base = sym.(*Type)
	}

	if err := p.expect(TokLBrace, "'{'"); err != nil {
		return err
	}
	offset := 0
	if t.Base != nil {
		t.Members = append(t.Members, t.Base.Members...)
		offset = t.Base.Size
	}
	enumVal := int64(0)
	// Active bitfield container: successive bitfield members of the same
	// native width pack right-to-left into one integer until it is full
	// (spec §4.E: "packed right-to-left into the containing native
	// integer"); any non-bitfield member closes the container.
	bitContainerOff := -1
	bitContainerUsed := 0
	bitContainerSize := 0
	for p.cur().Kind != TokRBrace {
		if enum {
			memberName := p.cur().Text
			if err := p.advance(); err != nil {
				return err
			}
			if p.cur().Kind == TokAssign {
				if err := p.advance(); err != nil {
					return err
				}
				if p.cur().Kind != TokInt {
					return errors.WithStack(NewError(ErrLexSyntax, p.pos(), "expected enumerator value"))
				}
				enumVal = p.cur().IntVal
				if err := p.advance(); err != nil {
					return err
				}
			}
			mv := NewVariable(memberName, "int")
			mv.IsNumber = true
			mv.NumberValue = enumVal
			DeclareVariable(p.Func, mv)
			enumVal++
		} else {
			if p.cur().Kind != TokIdent {
				return errors.WithStack(NewError(ErrLexSyntax, p.pos(), "expected member type"))
			}
			memberType := p.cur().Text
			if err := p.advance(); err != nil {
				return err
			}

			var resolvedType *Type
			if sym, kind, ok := SearchSymbol(p.Func, p.Scope, memberType, SearchAscendToParents); ok && kind == SymbolIsType {
				resolvedType = sym.(*Type)
			}

			memberName := ""
			anonymous := false
			if p.cur().Kind == TokIdent {
				memberName = p.cur().Text
				if err := p.advance(); err != nil {
					return err
				}
			} else if resolvedType != nil {
				// Anonymous nested member: a bare aggregate type name with
				// no following identifier splices its members into this
				// type at the current offset (spec §4.C "anonymous nested
				// members"), resolved later by AdjustOffsetOfTypeMembers.
				anonymous = true
			} else {
				return errors.WithStack(NewError(ErrLexSyntax, p.pos(), "expected member name"))
			}

			m := NewVariable(memberName, memberType)
			if anonymous && resolvedType != nil {
				// A private copy: AdjustOffsetOfTypeMembers shifts the
				// anonymous member's own member offsets by its offset here,
				// which must not leak into the declared type when another
				// aggregate nests it too.
				m.resolvedType = cloneForAnonymousMember(resolvedType)
			} else {
				m.resolvedType = resolvedType
			}
			msize := nativeIntSizes[memberType]
			if msize == 0 {
				if resolvedType != nil {
					msize = resolvedType.Size
				} else {
					msize = 4
				}
			}
			m.Size = msize

			if !anonymous && p.cur().Kind == TokColon {
				if err := p.advance(); err != nil {
					return err
				}
				if p.cur().Kind != TokInt {
					return errors.WithStack(NewError(ErrLexSyntax, p.pos(), "expected bitfield width"))
				}
				m.BitSelect = int(p.cur().IntVal)
				if err := ValidateBitfield(m, true, msize); err != nil {
					return errors.WithStack(err)
				}
				if err := p.advance(); err != nil {
					return err
				}
			}

			packedIntoContainer := false
			if m.BitSelect != 0 && !union {
				if bitContainerOff >= 0 && bitContainerSize == msize && bitContainerUsed+m.BitSelect <= 8*msize {
					m.Offset = bitContainerOff
					m.BitShift = bitContainerUsed
					bitContainerUsed += m.BitSelect
					packedIntoContainer = true
				}
			}
			if !packedIntoContainer {
				if !packed {
					offset = alignTo(offset, msize)
				}
				m.Offset = offset
				if !union {
					offset += msize
				}
				if m.BitSelect != 0 && !union {
					bitContainerOff = m.Offset
					bitContainerUsed = m.BitSelect
					bitContainerSize = msize
				} else {
					bitContainerOff = -1
				}
			}
			t.Members = append(t.Members, m)
		}
		if p.cur().Kind == TokSemicolon || p.cur().Kind == TokComma {
			if err := p.advance(); err != nil {
				return err
			}
		}
	}
	if err := p.advance(); err != nil { // consume '}'
		return err
	}
	if !packed {
		t.Size = RoundForArrayAlignment(offset)
	} else {
		t.Size = offset
	}
	if err := AdjustOffsetOfTypeMembers(t); err != nil {
		return errors.WithStack(err)
	}
	DeclareType(p.Func, t)
	if p.cur().Kind == TokSemicolon {
		return p.advance()
	}
	return nil
}

// parseStaticDecl wraps a static variable's initializer in an
// init-guard, matching spec §4.E item 2's "static variable init-guard
// wrapping": a hidden companion flag variable gates the one-time
// initializer.
func (p *StmtParser) parseStaticDecl() error {
	if err := p.advance(); err != nil { // consume 'static'
		return err
	}
	if p.cur().Kind != TokIdent {
		return errors.WithStack(NewError(ErrLexSyntax, p.pos(), "expected type name after 'static'"))
	}
	typeName := p.cur().Text
	if err := p.advance(); err != nil {
		return err
	}
	if p.cur().Kind != TokIdent {
		return errors.WithStack(NewError(ErrLexSyntax, p.pos(), "expected variable name"))
	}
	name := p.cur().Text
	if err := p.advance(); err != nil {
		return err
	}

	root := p.Func.Root()

	v := NewVariable(name, typeName)
	v.Static = true
	v.ScopeDepth = p.Scope.Current
	v.ScopeVector = p.Scope.Snapshot()
	size := nativeIntSizes[typeName]
	if size == 0 {
		size = 4
	}
	v.Size = size
	v.Offset = root.GlobalSize
	root.GlobalSize += size
	DeclareVariable(p.Func, v)

	guard := NewVariable("$staticguard$"+name, "u8")
	guard.Static = true
	guard.Offset = root.GlobalSize
	root.GlobalSize += 1
	DeclareVariable(p.Func, guard)

	if p.cur().Kind == TokAssign {
		if err := p.advance(); err != nil {
			return err
		}
		skip := p.newLabel("staticdone")
		flagAddr := p.Build.Regs.AllocReg(RegNormal)
		p.Build.AFIP(flagAddr, []ImmVal{{Kind: ImmValOffsetToGlobalRegion, Literal: int64(guard.Offset)}})
		flagReg := p.Build.Regs.AllocReg(RegNormal)
		p.Build.Ld(flagReg, flagAddr, 0, 1)
		p.Build.JNZ(flagReg, skip)
		rhs, err := p.Eval.ParseExpression()
		if err != nil {
			return err
		}
		addr := p.Build.Regs.AllocReg(RegNormal)
		p.Build.AFIP(addr, []ImmVal{{Kind: ImmValOffsetToGlobalRegion, Literal: int64(v.Offset)}})
		rr := p.Eval.materialize(rhs)
		p.Build.St(rr, addr, 0, v.Size)
		one := p.Build.Regs.AllocReg(RegNormal)
		p.Build.LI(one, 1)
		gaddr := p.Build.Regs.AllocReg(RegNormal)
		p.Build.AFIP(gaddr, []ImmVal{{Kind: ImmValOffsetToGlobalRegion, Literal: int64(guard.Offset)}})
		p.Build.St(one, gaddr, 0, 1)
		p.Build.PlaceLabel(skip)
	}
	if p.cur().Kind == TokSemicolon {
		return p.advance()
	}
	return nil
}

// parseIf parses `if (cond) stmt [else stmt]`, draining postfix
// operations before the branch (the DOPOSTFIXOPERATIONS sentinel applies
// at every branch point, spec §4.D).
func (p *StmtParser) parseIf() error {
	if err := p.advance(); err != nil {
		return err
	}
	if err := p.expect(TokLParen, "'('"); err != nil {
		return err
	}
	cond, err := p.Eval.ParseExpression()
	if err != nil {
		return err
	}
	if err := p.expect(TokRParen, "')'"); err != nil {
		return err
	}
	elseLabel := p.newLabel("else")
	endLabel := p.newLabel("endif")
	cond = p.settleCondition(cond)
	p.branchIfFalse(cond, elseLabel)
	if err := p.parseOneStatement(); err != nil {
		return err
	}
	hasElse := p.cur().Kind == TokElse
	if hasElse {
		p.Build.J(endLabel)
	}
	p.Build.PlaceLabel(elseLabel)
	if hasElse {
		if err := p.advance(); err != nil {
			return err
		}
		if err := p.parseOneStatement(); err != nil {
			return err
		}
		p.Build.PlaceLabel(endLabel)
	}
	return nil
}

// settleCondition materializes a just-evaluated condition ahead of the
// postfix drain, so the branch tests the value the condition computed,
// not one a deferred ++/-- already moved (the DOPOSTFIXOPERATIONS
// sentinel runs between condition evaluation and the branch, spec §4.D).
func (p *StmtParser) settleCondition(cond Value) Value {
	if !cond.IsNumber {
		cond = Value{TypeName: cond.TypeName, Reg: p.Eval.materialize(cond)}
	}
	p.Eval.DrainPostfix()
	return cond
}

// branchIfFalse emits a branch to label when cond evaluates to zero,
// folding a compile-time-constant condition directly.
func (p *StmtParser) branchIfFalse(cond Value, label string) {
	if cond.IsNumber {
		if cond.Number == 0 {
			p.Build.J(label)
		}
		return
	}
	r := p.Eval.materialize(cond)
	p.Build.JZ(r, label)
}

func (p *StmtParser) parseWhile() error {
	if err := p.advance(); err != nil {
		return err
	}
	top := p.newLabel("whiletop")
	end := p.newLabel("whileend")
	p.breakLabels = append(p.breakLabels, end)
	p.continueLabels = append(p.continueLabels, top)
	defer p.popLoopLabels()

	p.Build.PlaceLabel(top)
	if err := p.expect(TokLParen, "'('"); err != nil {
		return err
	}
	cond, err := p.Eval.ParseExpression()
	if err != nil {
		return err
	}
	if err := p.expect(TokRParen, "')'"); err != nil {
		return err
	}
	cond = p.settleCondition(cond)
	p.branchIfFalse(cond, end)
	if err := p.parseOneStatement(); err != nil {
		return err
	}
	p.Build.J(top)
	p.Build.PlaceLabel(end)
	return nil
}

func (p *StmtParser) parseDoWhile() error {
	if err := p.advance(); err != nil {
		return err
	}
	top := p.newLabel("dotop")
	contLabel := p.newLabel("docont")
	end := p.newLabel("doend")
	p.breakLabels = append(p.breakLabels, end)
	p.continueLabels = append(p.continueLabels, contLabel)
	defer p.popLoopLabels()

	p.Build.PlaceLabel(top)
	if err := p.parseOneStatement(); err != nil {
		return err
	}
	p.Build.PlaceLabel(contLabel)
	if err := p.expect(TokWhile, "'while'"); err != nil {
		return err
	}
	if err := p.expect(TokLParen, "'('"); err != nil {
		return err
	}
	cond, err := p.Eval.ParseExpression()
	if err != nil {
		return err
	}
	if err := p.expect(TokRParen, "')'"); err != nil {
		return err
	}
	cond = p.settleCondition(cond)
	if cond.IsNumber {
		if cond.Number != 0 {
			p.Build.J(top)
		}
	} else {
		p.Build.JNZ(cond.Reg, top)
	}
	p.Build.PlaceLabel(end)
	if p.cur().Kind == TokSemicolon {
		return p.advance()
	}
	return nil
}

func (p *StmtParser) popLoopLabels() {
	p.breakLabels = p.breakLabels[:len(p.breakLabels)-1]
	p.continueLabels = p.continueLabels[:len(p.continueLabels)-1]
}

// maxJumpTableSpan caps how far apart a switch's lowest and highest case
// values may be before the dense jump-case table they'd require is judged
// a resource-exhaustion error rather than silently allocating an enormous
// table (spec §4.E's jump table is dense, not sparse-friendly).
const maxJumpTableSpan = 1 << 20

// isSwitchableType reports whether a switch's selector expression's type is
// the enum or integer type spec §4.E requires.
func isSwitchableType(typeName string) bool {
	if _, native := nativeIntSizes[typeName]; native {
		return true
	}
	return isEnumTypeName(typeName)
}

// bufferCaseBody parses one case/default clause's statement list, routing
// the instructions it builds to a fresh slice instead of the function's
// real instruction stream, so parseSwitch can emit the dispatch table
// ahead of every case body once all case values are known.
func (p *StmtParser) bufferCaseBody() ([]*Instruction, error) {
	var buf []*Instruction
	restore := p.Build.SetOut(&buf)
	defer restore()
	for p.cur().Kind != TokCase && p.cur().Kind != TokDefault && p.cur().Kind != TokRBrace {
		if err := p.parseOneStatement(); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// switchCase is one case clause's value set, label, and buffered body.
type switchCase struct {
	values []int64
	label  string
	instrs []*Instruction
}

// parseSwitch parses `switch (expr) { case c[,c]*: ... default: ... }`,
// emitting a dense jump-case table: the selector is range-checked against
// [lowest,highest] case value, an out-of-range or default-only selector
// falls to the default/end label, and an in-range selector is dispatched
// through Builder.JI against a PC-relative table base loaded by AFIP (spec
// §4.E "switch with jump-table emission").
func (p *StmtParser) parseSwitch() error {
	if err := p.advance(); err != nil {
		return err
	}
	if err := p.expect(TokLParen, "'('"); err != nil {
		return err
	}
	selector, err := p.Eval.ParseExpression()
	if err != nil {
		return err
	}
	if err := p.expect(TokRParen, "')'"); err != nil {
		return err
	}
	if !isSwitchableType(selector.TypeName) {
		return errors.WithStack(NewError(ErrTypeSemantic, p.pos(), "switch expression must be an enum or integer type, got %q", selector.TypeName))
	}
	sr := p.Eval.materialize(selector)
	p.Eval.DrainPostfix()

	end := p.newLabel("switchend")
	p.breakLabels = append(p.breakLabels, end)
	defer func() { p.breakLabels = p.breakLabels[:len(p.breakLabels)-1] }()

	if err := p.expect(TokLBrace, "'{'"); err != nil {
		return err
	}

	var cases []*switchCase
	var defaultCase *switchCase
	seen := map[int64]bool{}

	for p.cur().Kind != TokRBrace {
		switch p.cur().Kind {
		case TokCase:
			if err := p.advance(); err != nil {
				return err
			}
			var values []int64
			for {
				if p.cur().Kind != TokInt {
					return errors.WithStack(NewError(ErrLexSyntax, p.pos(), "expected constant case value"))
				}
				v := p.cur().IntVal
				if seen[v] {
					return errors.WithStack(NewError(ErrTypeSemantic, p.pos(), "duplicate case value %d", v))
				}
				seen[v] = true
				values = append(values, v)
				if err := p.advance(); err != nil {
					return err
				}
				if p.cur().Kind != TokComma {
					break
				}
				if err := p.advance(); err != nil {
					return err
				}
			}
			if err := p.expect(TokColon, "':'"); err != nil {
				return err
			}
			sc := &switchCase{values: values, label: p.newLabel("case")}
			body, err := p.bufferCaseBody()
			if err != nil {
				return err
			}
			sc.instrs = body
			cases = append(cases, sc)
		case TokDefault:
			if err := p.advance(); err != nil {
				return err
			}
			if err := p.expect(TokColon, "':'"); err != nil {
				return err
			}
			if defaultCase != nil {
				return errors.WithStack(NewError(ErrTypeSemantic, p.pos(), "switch has more than one 'default' label"))
			}
			defaultCase = &switchCase{label: p.newLabel("default")}
			body, err := p.bufferCaseBody()
			if err != nil {
				return err
			}
			defaultCase.instrs = body
		default:
			return errors.WithStack(NewError(ErrLexSyntax, p.pos(), "expected 'case' or 'default'"))
		}
	}
	if err := p.advance(); err != nil { // consume '}'
		return err
	}

	defaultLabel := end
	if defaultCase != nil {
		defaultLabel = defaultCase.label
	}

	if len(cases) == 0 {
		p.Build.J(defaultLabel)
	} else {
		lo, hi := cases[0].values[0], cases[0].values[0]
		byValue := map[int64]string{}
		for _, c := range cases {
			for _, v := range c.values {
				byValue[v] = c.label
				if v < lo {
					lo = v
				}
				if v > hi {
					hi = v
				}
			}
		}
		span := hi - lo + 1
		if span > maxJumpTableSpan {
			return errors.WithStack(NewError(ErrResourceExhaustion, p.pos(), "switch case range %d is too wide for a jump table", span))
		}

		diff := p.Build.Regs.AllocReg(RegNormal)
		p.Build.SubI(diff, sr, lo)
		inRange := p.newLabel("switchinrange")
		p.Build.JCondI(CondLTEU, diff, span-1, inRange)
		p.Build.J(defaultLabel)
		p.Build.PlaceLabel(inRange)

		stride := 1 << uint(p.JumpCaseCLog2Sz)
		var table []*Instruction
		restore := p.Build.SetOut(&table)
		for v := lo; v <= hi; v++ {
			target, ok := byValue[v]
			if !ok {
				target = defaultLabel
			}
			p.Build.JTableEntry(target, stride)
		}
		restore()

		base := p.Build.Regs.AllocReg(RegNormal)
		p.Build.AFIP(base, []ImmVal{{Kind: ImmValOffsetToInstruction, TargetInstruction: table[0]}})
		p.Build.JI(base, diff, int64(p.JumpCaseCLog2Sz))
		p.Build.AppendAll(table)
	}

	for _, c := range cases {
		p.Build.PlaceLabel(c.label)
		p.Build.AppendAll(c.instrs)
	}
	if defaultCase != nil {
		p.Build.PlaceLabel(defaultCase.label)
		p.Build.AppendAll(defaultCase.instrs)
	}
	p.Build.PlaceLabel(end)
	return nil
}

func (p *StmtParser) parseBreak() error {
	if err := p.advance(); err != nil {
		return err
	}
	if len(p.breakLabels) == 0 {
		return errors.WithStack(NewError(ErrScopeLinkage, p.pos(), "'break' outside a loop or switch"))
	}
	p.Eval.DrainPostfix()
	p.Func.regs.FlushAndDiscardAll(FlushAndDiscardAll)
	p.Build.J(p.breakLabels[len(p.breakLabels)-1])
	if p.cur().Kind == TokSemicolon {
		return p.advance()
	}
	return nil
}

func (p *StmtParser) parseContinue() error {
	if err := p.advance(); err != nil {
		return err
	}
	if len(p.continueLabels) == 0 {
		return errors.WithStack(NewError(ErrScopeLinkage, p.pos(), "'continue' outside a loop"))
	}
	p.Eval.DrainPostfix()
	p.Func.regs.FlushAndDiscardAll(FlushAndDiscardAll)
	p.Build.J(p.continueLabels[len(p.continueLabels)-1])
	if p.cur().Kind == TokSemicolon {
		return p.advance()
	}
	return nil
}

// parseReturn parses `return [expr] ;`, flushing registers and emitting
// the function epilogue jump (spec §4.E item 2).
func (p *StmtParser) parseReturn() error {
	if err := p.advance(); err != nil {
		return err
	}
	if p.cur().Kind != TokSemicolon {
		v, err := p.Eval.ParseExpression()
		if err != nil {
			return err
		}
		rr := p.Eval.materialize(v)
		p.Build.Cpy(retValConventionReg, rr)
	}
	p.Eval.DrainPostfix()
	p.Func.regs.FlushAndDiscardAll(DoNotFlushRegForLocalsKeepRegForReturnAddr)
	p.Build.JPop()
	if p.cur().Kind == TokSemicolon {
		return p.advance()
	}
	return nil
}

// parseThrow parses `throw label [, expr] ;`, branching to the nearest
// ancestor function that declared `label` as catchable (spec §4.E item 2
// and the lexical-parent-pointer throw/catch model carried from spec §9).
func (p *StmtParser) parseThrow() error {
	if err := p.advance(); err != nil {
		return err
	}
	if p.cur().Kind != TokIdent {
		return errors.WithStack(NewError(ErrLexSyntax, p.pos(), "expected catchable-label name after 'throw'"))
	}
	label := p.cur().Text
	if err := p.advance(); err != nil {
		return err
	}
	owner, ok := SearchCatchableLabel(p.Func, label)
	if !ok {
		return errors.WithStack(NewError(ErrScopeLinkage, p.pos(), "%q is not a catchable label in any enclosing function", label))
	}
	delta := int64(0)
	for cur := p.Func; cur != nil && cur != owner; cur = cur.Parent {
		delta++
	}
	if p.cur().Kind == TokComma {
		if err := p.advance(); err != nil {
			return err
		}
		v, err := p.Eval.ParseExpression()
		if err != nil {
			return err
		}
		rr := p.Eval.materialize(v)
		p.Build.Cpy(retValConventionReg, rr)
	}
	p.Eval.DrainPostfix()
	p.Func.regs.FlushAndDiscardAll(FlushAndDiscardAll)
	// Tear down every frame between here and the declaring ancestor, then
	// branch into it; the branch target lives in the ancestor's own
	// instruction stream and is resolved by the backend linker across
	// function boundaries.
	p.Build.FrameUnwind(delta)
	p.Build.J(throwTargetLabel(owner, label))
	if p.cur().Kind == TokSemicolon {
		return p.advance()
	}
	return nil
}

// parseCatch parses `catch name1, name2, ...;`, declaring each name as a
// catchable label at the current point in the enclosing function for
// descendants' `throw` statements to target (spec §4.E item 2; never
// visible to the declaring function itself, enforced by
// SearchCatchableLabel always starting at f.Parent). Registers are
// flushed first since control arrives here from an arbitrary descendant.
func (p *StmtParser) parseCatch() error {
	if err := p.advance(); err != nil {
		return err
	}
	p.Eval.DrainPostfix()
	p.Func.regs.FlushAndDiscardAll(FlushAndDiscardAll)
	for {
		if p.cur().Kind != TokIdent {
			return errors.WithStack(NewError(ErrLexSyntax, p.pos(), "expected label name after 'catch'"))
		}
		label := p.cur().Text
		if err := p.advance(); err != nil {
			return err
		}
		p.Func.CatchableLabels = append(p.Func.CatchableLabels, label)
		p.Build.PlaceLabel(throwTargetLabel(p.Func, label))
		if p.cur().Kind != TokComma {
			break
		}
		if err := p.advance(); err != nil {
			return err
		}
	}
	if p.cur().Kind == TokSemicolon {
		return p.advance()
	}
	return nil
}

func throwTargetLabel(owner *Function, label string) string {
	return "$catch$" + owner.Name + "$" + label
}

// userLabel namespaces a user-written label/goto name to its declaring
// function, since the backend's label table spans every function (catch
// labels need that reach) and two functions may reuse a label name.
// DeclID is a source byte offset, so the name is stable across passes.
func userLabel(f *Function, name string) string {
	return fmt.Sprintf("$user$%d$%s", f.DeclID, name)
}

func (p *StmtParser) parseGoto() error {
	if err := p.advance(); err != nil {
		return err
	}
	if p.cur().Kind != TokIdent {
		return errors.WithStack(NewError(ErrLexSyntax, p.pos(), "expected label name after 'goto'"))
	}
	label := p.cur().Text
	if err := p.advance(); err != nil {
		return err
	}
	p.Eval.DrainPostfix()
	p.Func.regs.FlushAndDiscardAll(FlushAndDiscardAll)
	p.Build.J(userLabel(p.Func, label))
	if p.cur().Kind == TokSemicolon {
		return p.advance()
	}
	return nil
}

// parseAsm parses `asm { <raw bytes as a string literal> }` as a single
// opaque MachineCode payload (spec §3: "asm{} payload", open question #1:
// bytes are copied verbatim, no endianness reinterpretation).
func (p *StmtParser) parseAsm() error {
	if err := p.advance(); err != nil {
		return err
	}
	if err := p.expect(TokLBrace, "'{'"); err != nil {
		return err
	}
	if p.cur().Kind != TokString {
		return errors.WithStack(NewError(ErrLexSyntax, p.pos(), "expected raw machine-code string literal inside asm{}"))
	}
	payload := []byte(p.cur().Text)
	if err := p.advance(); err != nil {
		return err
	}
	if err := p.expect(TokRBrace, "'}'"); err != nil {
		return err
	}
	p.Build.MachineCode(payload)
	if p.cur().Kind == TokSemicolon {
		return p.advance()
	}
	return nil
}
