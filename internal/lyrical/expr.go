package lyrical

import (
	"strings"

	"github.com/pkg/errors"
)

// PostfixOp records a deferred `x++`/`x--` (spec §4.D: "postfix
// deferral"). It is drained by DrainPostfix at statement boundaries and
// before control-flow branches, per the DOPOSTFIXOPERATIONS sentinel spec
// describes.
type PostfixOp struct {
	Target Value
	Incr   bool // true for ++, false for --
}

// Value is the result of evaluating an expression: either a compile-time
// constant (IsNumber), a value materialized in a virtual register, or an
// lvalue whose address is materialized in a virtual register (Addr).
type Value struct {
	TypeName string
	Reg      int
	IsNumber bool
	Number   int64
	// Addr is true when Reg holds the *address* of a Width-byte value
	// rather than the value itself: field selects, pointer/byref derefs,
	// and static-variable accesses stay addressable this way until a
	// consumer decides between load (materialize) and store. An
	// aggregate-typed Value is never Addr: its Reg always holds the
	// aggregate's address, which *is* its value for every operation the
	// language defines on aggregates.
	Addr bool
	// Width is the loaded/stored byte width of an Addr value.
	Width int
	// BitSelect/BitShift carry a bitfield member's width and position for
	// the extract-on-load and read-modify-write-on-store paths.
	BitSelect int
	BitShift  int
}

// Evaluator is component D: a precedence-climbing evaluator that emits IR
// while resolving overloads, auto-dereferencing byref variables, and
// deferring postfix operators. Grounded on
// tinyrange-rtg/std/compiler/parser.go's precedence-climbing expression
// parser, adapted to emit Instructions instead of stack-machine ops and
// to resolve overloads against FCallMatcher tables instead of a fixed
// binary-op switch.
type Evaluator struct {
	Lex     *Lexer
	Cur     Token
	Func    *Function
	Scope   *ScopeState
	Build   *Builder
	Postfix []PostfixOp

	// NativeOps holds the set of operator symbols LYRICAL defines a native
	// operation for (e.g. "+", "-", "="), mirroring
	// nativefcall[NATIVEFCALLASSIGN...] from spec §4.D.
	NativeOps map[string]bool
}

func NewEvaluator(lex *Lexer, f *Function, scope *ScopeState, build *Builder) (*Evaluator, error) {
	e := &Evaluator{Lex: lex, Func: f, Scope: scope, Build: build, NativeOps: defaultNativeOps()}
	if err := e.next(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Evaluator) next() error {
	t, err := e.Lex.Next()
	if err != nil {
		return err
	}
	e.Cur = t
	return nil
}

func (e *Evaluator) pos() DebugPos { return e.Cur.Pos }

// defaultNativeOps builds the native op table for the binary/assign
// operators named in SPEC_FULL.md §1: each is matched the same way the
// worked assignment example is, `"<op>|<t1>|<t2>|"`, and accepts any pair
// of native integer (or, for assign, pointer) types.
func defaultNativeOps() map[string]bool {
	ops := []string{"=", "+", "-", "*", "/", "%", "&", "|", "^", "<<", ">>",
		"==", "!=", "<", "<=", ">", ">=", "&&", "||"}
	table := make(map[string]bool, len(ops))
	for _, op := range ops {
		table[op] = true
	}
	return table
}

// isNativeOrPointer reports whether t is one of the native integer types
// or a pointer type, the two operand classes native operators accept.
func isNativeOrPointer(t string) bool {
	if _, ok := nativeIntSizes[t]; ok {
		return true
	}
	return strings.HasSuffix(t, "*")
}

// nativeOpAccepts is the native binary/assign operator signature check
// (spec §4.D "native assign signature", generalized to every native op):
// both operands must be native integer or pointer types.
func nativeOpAccepts(sym, lhsType, rhsType string) bool {
	return isNativeOrPointer(lhsType) && isNativeOrPointer(rhsType)
}

// nativeAssignSignature builds "=|<dst-type>|<src-type>|" (spec §4.D
// "Native assign signature").
func nativeAssignSignature(dstType, srcType string) string {
	return "=|" + dstType + "|" + srcType + "|"
}

// DrainPostfix materializes every deferred postfix ++/-- as a
// load-modify-store against its recorded target, then clears the queue.
// Called at statement boundaries and before control-flow branches (the
// DOPOSTFIXOPERATIONS sentinel in spec §4.D). Routing the writeback
// through store keeps bitfield and byref targets correct without a
// second code path.
func (e *Evaluator) DrainPostfix() {
	ops := e.Postfix
	e.Postfix = nil
	for _, p := range ops {
		cur := e.materialize(p.Target)
		if p.Incr {
			e.Build.AddI(cur, cur, 1)
		} else {
			e.Build.SubI(cur, cur, 1)
		}
		_ = e.store(p.Target, Value{TypeName: p.Target.TypeName, Reg: cur})
		if p.Target.Addr {
			e.Func.regs.Unlock(p.Target.Reg)
		}
	}
}

// FreeTempVars implements "tempvar freeing": any variable whose name
// begins with '$' is released at expression end (spec §4.D).
func (e *Evaluator) FreeTempVars() {
	e.Func.regs.FreeTempVarRelated()
}

// ParseExpression is the entry point: assignment has the lowest
// precedence and is right-associative.
func (e *Evaluator) ParseExpression() (Value, error) {
	return e.parseAssign()
}

func (e *Evaluator) parseAssign() (Value, error) {
	lhs, err := e.parseLogicalOr()
	if err != nil {
		return Value{}, err
	}
	if e.Cur.Kind != TokAssign {
		return lhs, nil
	}
	pos := e.pos()
	if err := e.next(); err != nil {
		return Value{}, err
	}
	rhs, err := e.parseAssign()
	if err != nil {
		return Value{}, err
	}
	if err := e.storeThroughAssignOperator(lhs, rhs, pos); err != nil {
		return Value{}, err
	}
	return lhs, nil
}

// storeThroughAssignOperator resolves and runs the assign operator
// matching lhs/rhs — the native table first, then user operator=
// overloads, then the native aggregate copy for two values of one
// aggregate type. Shared by ordinary `=` statements and each field of a
// brace initializer, which spec §4.E requires to "run that operator to
// emit the store".
func (e *Evaluator) storeThroughAssignOperator(lhs, rhs Value, pos DebugPos) error {
	if nativeOpAccepts("=", lhs.TypeName, rhs.TypeName) {
		return e.store(lhs, rhs)
	}
	if callee, ok := e.lookupOperatorOverload("=", []string{lhs.TypeName, rhs.TypeName}); ok {
		_, err := e.emitCall(callee, "operator=", []Value{lhs, rhs}, []string{lhs.TypeName, rhs.TypeName}, pos)
		return err
	}
	if lhs.TypeName == rhs.TypeName && !isNativeOrPointer(lhs.TypeName) && !rhs.IsNumber {
		return e.copyAggregate(lhs, rhs, pos)
	}
	return errors.WithStack(NewError(ErrTypeSemantic, pos, "no assignment operator matches signature %q", nativeAssignSignature(lhs.TypeName, rhs.TypeName)))
}

// copyAggregate is the native assignment of one aggregate into another of
// the same type: a forward bulk MemCpy between the two addresses (an
// aggregate Value's register holds its address whether or not Addr is
// set, per the aggregate value convention above).
func (e *Evaluator) copyAggregate(lhs, rhs Value, pos DebugPos) error {
	t := findTypeByName(e.Func, lhs.TypeName)
	if t == nil || t.Size == 0 {
		return errors.WithStack(NewError(ErrTypeSemantic, pos, "cannot copy a value of undeclared type %q", lhs.TypeName))
	}
	n := e.Build.Regs.AllocReg(RegNormal)
	e.Build.LI(n, int64(t.Size))
	e.Build.MemCpy(lhs.Reg, rhs.Reg, n)
	return nil
}

// fieldLValue builds the storable Value for a resolved member at a
// computed address: native members become width/bitfield-aware Addr
// targets, aggregate members keep the address-is-value convention.
func fieldLValue(m *Variable, addr int) Value {
	if !isNativeOrPointer(m.TypeName) {
		return Value{TypeName: m.TypeName, Reg: addr}
	}
	w := nativeIntSizes[m.TypeName]
	if w == 0 {
		w = 4
	}
	return Value{TypeName: m.TypeName, Reg: addr, Addr: true, Width: w, BitSelect: m.BitSelect, BitShift: m.BitShift}
}

// The chain below implements the precedence-climbing tiers from lowest
// (logical-or) to highest (multiplicative) named in spec §4.D, each
// deferring to the next-tighter tier before trying its own operators.
func (e *Evaluator) parseLogicalOr() (Value, error) {
	return e.parseBinaryChain(e.parseLogicalAnd, TokOrOr)
}
func (e *Evaluator) parseLogicalAnd() (Value, error) {
	return e.parseBinaryChain(e.parseBitOr, TokAndAnd)
}
func (e *Evaluator) parseBitOr() (Value, error)  { return e.parseBinaryChain(e.parseBitXor, TokPipe) }
func (e *Evaluator) parseBitXor() (Value, error) { return e.parseBinaryChain(e.parseBitAnd, TokCaret) }
func (e *Evaluator) parseBitAnd() (Value, error) { return e.parseBinaryChain(e.parseEquality, TokAmp) }
func (e *Evaluator) parseEquality() (Value, error) {
	return e.parseBinaryChain(e.parseRelational, TokEq, TokNe)
}
func (e *Evaluator) parseRelational() (Value, error) {
	return e.parseBinaryChain(e.parseShift, TokLt, TokLe, TokGt, TokGe)
}
func (e *Evaluator) parseShift() (Value, error) {
	return e.parseBinaryChain(e.parseAdditive, TokShl, TokShr)
}
func (e *Evaluator) parseAdditive() (Value, error) {
	return e.parseBinaryChain(e.parseMultiplicative, TokPlus, TokMinus)
}
func (e *Evaluator) parseMultiplicative() (Value, error) {
	return e.parseBinaryChain(e.parseUnary, TokStar, TokSlash, TokPercent)
}

func opSymbol(k TokenKind) string {
	switch k {
	case TokOrOr:
		return "||"
	case TokAndAnd:
		return "&&"
	case TokPipe:
		return "|"
	case TokCaret:
		return "^"
	case TokAmp:
		return "&"
	case TokEq:
		return "=="
	case TokNe:
		return "!="
	case TokLt:
		return "<"
	case TokLe:
		return "<="
	case TokGt:
		return ">"
	case TokGe:
		return ">="
	case TokShl:
		return "<<"
	case TokShr:
		return ">>"
	case TokPlus:
		return "+"
	case TokMinus:
		return "-"
	case TokStar:
		return "*"
	case TokSlash:
		return "/"
	case TokPercent:
		return "%"
	}
	return "?"
}

func (e *Evaluator) parseBinaryChain(next func() (Value, error), toks ...TokenKind) (Value, error) {
	lhs, err := next()
	if err != nil {
		return Value{}, err
	}
	for containsKind(toks, e.Cur.Kind) {
		op := e.Cur.Kind
		pos := e.pos()
		if err := e.next(); err != nil {
			return Value{}, err
		}
		rhs, err := next()
		if err != nil {
			return Value{}, err
		}
		lhs, err = e.applyBinOp(op, lhs, rhs, pos)
		if err != nil {
			return Value{}, err
		}
	}
	return lhs, nil
}

func containsKind(set []TokenKind, k TokenKind) bool {
	for _, s := range set {
		if s == k {
			return true
		}
	}
	return false
}

// applyBinOp resolves overloads (native table first match wins per
// scope-declaration order, matching spec §4.D), constant-folds when both
// operands are isnumber, and otherwise emits IR.
func (e *Evaluator) applyBinOp(op TokenKind, lhs, rhs Value, pos DebugPos) (Value, error) {
	sym := opSymbol(op)

	if lhs.IsNumber && rhs.IsNumber {
		if v, ok := foldConstant(sym, lhs.Number, rhs.Number); ok {
			return Value{TypeName: resultType(lhs.TypeName, rhs.TypeName), IsNumber: true, Number: v}, nil
		}
	}

	if !e.NativeOps[sym] || !nativeOpAccepts(sym, lhs.TypeName, rhs.TypeName) {
		if callee, ok := e.lookupOperatorOverload(sym, []string{lhs.TypeName, rhs.TypeName}); ok {
			return e.emitCall(callee, "operator"+sym, []Value{lhs, rhs}, []string{lhs.TypeName, rhs.TypeName}, pos)
		}
		return Value{}, errors.WithStack(NewError(ErrTypeSemantic, pos, "no operator %q matches signature %q", sym, CallSignature(sym, []string{lhs.TypeName, rhs.TypeName})))
	}

	lr := e.materialize(lhs)
	rr := e.materialize(rhs)
	dst := e.Build.Regs.AllocReg(RegNormal)
	switch sym {
	case "+":
		e.Build.Add(dst, lr, rr)
	case "-":
		e.Build.Sub(dst, lr, rr)
	case "*":
		e.Build.Mul(dst, lr, rr)
	case "/":
		e.Build.Div(dst, lr, rr)
	case "%":
		e.Build.Mod(dst, lr, rr)
	case "&":
		e.Build.And(dst, lr, rr)
	case "|":
		e.Build.Or(dst, lr, rr)
	case "^":
		e.Build.Xor(dst, lr, rr)
	case "<<":
		e.Build.Sll(dst, lr, rr)
	case ">>":
		e.Build.Sra(dst, lr, rr)
	case "==":
		e.Build.Set(CondEQ, dst, lr, rr)
	case "!=":
		e.Build.Set(CondNE, dst, lr, rr)
	case "<":
		e.Build.Set(CondLT, dst, lr, rr)
	case "<=":
		e.Build.Set(CondLTE, dst, lr, rr)
	case ">":
		e.Build.SetGT(dst, lr, rr)
	case ">=":
		e.Build.SetGTE(dst, lr, rr)
	case "&&":
		nl := e.Build.Regs.AllocReg(RegNormal)
		e.Build.SetNonzero(nl, lr)
		nr := e.Build.Regs.AllocReg(RegNormal)
		e.Build.SetNonzero(nr, rr)
		e.Build.And(dst, nl, nr)
	case "||":
		e.Build.Or(dst, lr, rr)
		e.Build.SetNonzero(dst, dst)
	default:
		return Value{}, errors.WithStack(NewError(ErrBackendInternal, pos, "unknown operator %q reached code generation", sym))
	}
	return Value{TypeName: resultType(lhs.TypeName, rhs.TypeName), Reg: dst}, nil
}

func foldConstant(sym string, a, b int64) (int64, bool) {
	switch sym {
	case "+":
		return a + b, true
	case "-":
		return a - b, true
	case "*":
		return a * b, true
	case "/":
		if b == 0 {
			return 0, false
		}
		return a / b, true
	case "%":
		if b == 0 {
			return 0, false
		}
		return a % b, true
	case "&":
		return a & b, true
	case "|":
		return a | b, true
	case "^":
		return a ^ b, true
	case "<<":
		return a << uint(b), true
	case ">>":
		return a >> uint(b), true
	case "==":
		return boolInt(a == b), true
	case "!=":
		return boolInt(a != b), true
	case "<":
		return boolInt(a < b), true
	case "<=":
		return boolInt(a <= b), true
	case ">":
		return boolInt(a > b), true
	case ">=":
		return boolInt(a >= b), true
	}
	return 0, false
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func resultType(a, b string) string {
	if sz, ok := nativeIntSizes[a]; ok {
		if sz2, ok2 := nativeIntSizes[b]; ok2 && sz2 > sz {
			return b
		}
		return a
	}
	return b
}

// materialize loads a Value into a register, emitting an LI for compile
// time constants (loadimm(0) via xor, per spec §4.D), and a load through
// the held address for an Addr lvalue, extracting the selected bits for
// a bitfield target.
func (e *Evaluator) materialize(v Value) int {
	if v.IsNumber {
		r := e.Build.Regs.AllocReg(RegNormal)
		e.Build.LI(r, v.Number)
		return r
	}
	if v.Addr {
		dst := e.Build.Regs.AllocReg(RegNormal)
		w := v.Width
		if w == 0 {
			w = 4
		}
		e.Build.Ld(dst, v.Reg, 0, w)
		if v.BitSelect != 0 {
			if v.BitShift != 0 {
				e.Build.SrlI(dst, dst, int64(v.BitShift))
			}
			e.Build.AndI(dst, dst, int64(1)<<uint(v.BitSelect)-1)
		}
		return dst
	}
	return v.Reg
}

func (e *Evaluator) parseUnary() (Value, error) {
	switch e.Cur.Kind {
	case TokMinus:
		pos := e.pos()
		if err := e.next(); err != nil {
			return Value{}, err
		}
		v, err := e.parseUnary()
		if err != nil {
			return Value{}, err
		}
		if v.IsNumber {
			return Value{TypeName: v.TypeName, IsNumber: true, Number: -v.Number}, nil
		}
		dst := e.Build.Regs.AllocReg(RegNormal)
		e.Build.Neg(dst, v.Reg)
		_ = pos
		return Value{TypeName: v.TypeName, Reg: dst}, nil
	case TokTilde:
		if err := e.next(); err != nil {
			return Value{}, err
		}
		v, err := e.parseUnary()
		if err != nil {
			return Value{}, err
		}
		if v.IsNumber {
			return Value{TypeName: v.TypeName, IsNumber: true, Number: ^v.Number}, nil
		}
		dst := e.Build.Regs.AllocReg(RegNormal)
		e.Build.Not(dst, v.Reg)
		return Value{TypeName: v.TypeName, Reg: dst}, nil
	case TokBang:
		if err := e.next(); err != nil {
			return Value{}, err
		}
		v, err := e.parseUnary()
		if err != nil {
			return Value{}, err
		}
		if v.IsNumber {
			return Value{TypeName: v.TypeName, IsNumber: true, Number: boolInt(v.Number == 0)}, nil
		}
		dst := e.Build.Regs.AllocReg(RegNormal)
		e.Build.SetZero(dst, v.Reg)
		return Value{TypeName: v.TypeName, Reg: dst}, nil
	case TokAmp:
		if err := e.next(); err != nil {
			return Value{}, err
		}
		return e.parseUnaryAddressOf()
	case TokStar:
		if err := e.next(); err != nil {
			return Value{}, err
		}
		v, err := e.parseUnary()
		if err != nil {
			return Value{}, err
		}
		return e.derefPointer(v)
	}
	return e.parsePostfix()
}

// parseUnaryAddressOf takes the address of an lvalue instead of loading
// its value.
func (e *Evaluator) parseUnaryAddressOf() (Value, error) {
	name := e.Cur.Text
	pos := e.pos()
	if e.Cur.Kind != TokIdent {
		return Value{}, errors.WithStack(NewError(ErrLexSyntax, pos, "expected identifier after '&'"))
	}
	if err := e.next(); err != nil {
		return Value{}, err
	}
	sym, kind, ok := SearchSymbol(e.Func, e.Scope, name, SearchAscendToParents)
	if !ok || kind != SymbolIsVariable {
		return Value{}, errors.WithStack(NewError(ErrScopeLinkage, pos, "%q is not in scope", name))
	}
	v := sym.(*Variable)
	if v.ByRef {
		// A byref variable already holds its pointee's address; &x yields
		// that address as the pointer value (the pre-deref address, spec
		// §4.D).
		return Value{TypeName: v.EffectiveTypeName() + "*", Reg: e.loadVariable(v)}, nil
	}
	dst := e.addressOfVariable(v)
	return Value{TypeName: v.EffectiveTypeName() + "*", Reg: dst}, nil
}

// addressOfVariable emits the address-computing instruction for v: frame-
// relative for an ordinary local/parameter, PC-relative against the global
// region for a static (spec §4.B/§4.E; see DESIGN.md's OpFrameAddr note).
// Once its address escapes, memory is the variable's authoritative home:
// any cached binding is flushed and the variable becomes always-volatile
// (the aliasing contract spec §3 gives AlwaysVolatile), so later accesses
// go through its slot instead of a register the alias cannot see.
func (e *Evaluator) addressOfVariable(v *Variable) int {
	if v.boundReg >= 0 {
		e.Func.regs.FlushBinding(v.boundReg)
	}
	if !v.Static && isNativeOrPointer(v.EffectiveTypeName()) {
		applyAlwaysVolatile(v)
	}
	dst := e.Build.Regs.AllocReg(RegNormal)
	if v.Static {
		e.Build.AFIP(dst, []ImmVal{{Kind: ImmValOffsetToGlobalRegion, Literal: int64(v.Offset)}})
	} else {
		e.Build.FrameAddr(dst, int64(v.Offset))
	}
	return dst
}

// parseByRefArgument parses a single call-site argument destined for a
// byref parameter: it must be a bare identifier naming an in-scope
// variable, whose address is passed instead of its value (spec §4.D).
func (e *Evaluator) parseByRefArgument(callPos DebugPos) (Value, error) {
	if e.Cur.Kind != TokIdent {
		return Value{}, errors.WithStack(NewError(ErrTypeSemantic, e.pos(), "argument to a byref parameter must be a variable"))
	}
	name := e.Cur.Text
	pos := e.pos()
	if err := e.next(); err != nil {
		return Value{}, err
	}
	sym, kind, ok := SearchSymbol(e.Func, e.Scope, name, SearchAscendToParents)
	if !ok || kind != SymbolIsVariable {
		return Value{}, errors.WithStack(NewError(ErrScopeLinkage, pos, "%q is not in scope", name))
	}
	v := sym.(*Variable)
	if v.IsNumber {
		return Value{}, errors.WithStack(NewError(ErrTypeSemantic, pos, "%q is a compile-time constant and has no address", name))
	}
	if v.ByRef {
		// Re-passing a byref variable forwards the address it already holds.
		return Value{TypeName: v.EffectiveTypeName() + "*", Reg: e.loadVariable(v)}, nil
	}
	dst := e.addressOfVariable(v)
	return Value{TypeName: v.EffectiveTypeName() + "*", Reg: dst}, nil
}

// derefPointer turns `*p` into an addressable Value over p's pointee, so
// both `x = *p` and `*p = x` flow through the same materialize/store
// decision.
func (e *Evaluator) derefPointer(v Value) (Value, error) {
	base := e.materialize(v)
	elemType := strings.TrimSuffix(v.TypeName, "*")
	if elemType != "" && !isNativeOrPointer(elemType) {
		// Aggregate pointee: the pointer's value is the aggregate's value.
		return Value{TypeName: elemType, Reg: base}, nil
	}
	width := nativeIntSizes[elemType]
	if width == 0 {
		width = 4
	}
	return Value{TypeName: elemType, Reg: base, Addr: true, Width: width}, nil
}

func (e *Evaluator) parsePostfix() (Value, error) {
	v, err := e.parsePrimary()
	if err != nil {
		return Value{}, err
	}
	for {
		switch e.Cur.Kind {
		case TokPlusPlus, TokMinusMinus:
			incr := e.Cur.Kind == TokPlusPlus
			if err := e.next(); err != nil {
				return Value{}, err
			}
			if v.IsNumber {
				return Value{}, errors.WithStack(NewError(ErrTypeSemantic, e.pos(), "cannot increment/decrement a constant"))
			}
			e.Postfix = append(e.Postfix, PostfixOp{Target: v, Incr: incr})
			if v.Addr {
				// Keep the address register alive until DrainPostfix
				// performs the writeback.
				e.Func.regs.Lock(v.Reg)
			}
			continue
		case TokDot:
			if err := e.next(); err != nil {
				return Value{}, err
			}
			field := e.Cur.Text
			if err := e.next(); err != nil {
				return Value{}, err
			}
			v, err = e.selectField(v, field)
			if err != nil {
				return Value{}, err
			}
			continue
		}
		break
	}
	return v, nil
}

// selectField resolves `.field` into an addressable Value so the result
// can serve as both a load source and a store target; the bitfield
// select/shift travel with it for materialize/store to apply (spec
// §3/§4.E), the anonymous-type offset adjustment having been performed
// ahead of time by AdjustOffsetOfTypeMembers.
func (e *Evaluator) selectField(base Value, field string) (Value, error) {
	// Field resolution is deferred to the Type declared for base.TypeName;
	// findTypeByName ascends the lexical parent chain the same way
	// SearchSymbol does for variables/functions, since an aggregate type
	// is very often declared at an outer scope than the code using it.
	t := findTypeByName(e.Func, base.TypeName)
	if t == nil {
		return Value{}, errors.WithStack(NewError(ErrTypeSemantic, e.pos(), "type %q has no member %q", base.TypeName, field))
	}
	m, ok := findMember(t, field)
	if !ok {
		return Value{}, errors.WithStack(NewError(ErrTypeSemantic, e.pos(), "type %q has no member %q", base.TypeName, field))
	}
	// An aggregate base carries its own address as its value (resolveIdent,
	// and selectField itself for nested aggregate members); an Addr base is
	// already the aggregate's address.
	baseAddr := base.Reg
	if !base.Addr {
		baseAddr = e.materialize(base)
	}
	addr := e.Build.Regs.AllocReg(RegNormal)
	e.Build.AddI(addr, baseAddr, int64(m.Offset))
	if !isNativeOrPointer(m.TypeName) {
		// Aggregate-typed member: its address is its value.
		return Value{TypeName: m.TypeName, Reg: addr}, nil
	}
	width := nativeIntSizes[m.TypeName]
	if width == 0 {
		width = 4
	}
	return Value{TypeName: m.TypeName, Reg: addr, Addr: true, Width: width, BitSelect: m.BitSelect, BitShift: m.BitShift}, nil
}

// findTypeByName ascends f's lexical parent chain looking for a type
// declared with this name, the same reachability SearchSymbol gives
// variables and functions (spec §4.C).
func findTypeByName(f *Function, name string) *Type {
	for cur := f; cur != nil; cur = cur.Parent {
		for _, t := range cur.Types {
			if t.Name == name {
				return t
			}
		}
	}
	return nil
}

// findMember looks up field directly among t's own members (this already
// covers inherited members, since parseAggregateDecl splices a base type's
// Members into the derived type at declaration time), and, failing that,
// descends into any anonymous member's own type (spec §4.C: an anonymous
// member's fields are reachable as if they were declared directly on the
// outer type).
func findMember(t *Type, field string) (*Variable, bool) {
	for _, m := range t.Members {
		if m.Name == field {
			return m, true
		}
	}
	for _, m := range t.Members {
		if m.Name != "" || m.resolvedType == nil {
			continue
		}
		if leaf, ok := findMember(m.resolvedType, field); ok {
			return leaf, true
		}
	}
	return nil, false
}

func (e *Evaluator) parsePrimary() (Value, error) {
	pos := e.pos()
	switch e.Cur.Kind {
	case TokInt:
		v := e.Cur.IntVal
		if err := e.next(); err != nil {
			return Value{}, err
		}
		return Value{TypeName: "int", IsNumber: true, Number: v}, nil
	case TokChar:
		v := e.Cur.IntVal
		if err := e.next(); err != nil {
			return Value{}, err
		}
		return Value{TypeName: "u8", IsNumber: true, Number: v}, nil
	case TokLParen:
		if err := e.next(); err != nil {
			return Value{}, err
		}
		v, err := e.ParseExpression()
		if err != nil {
			return Value{}, err
		}
		if e.Cur.Kind != TokRParen {
			return Value{}, errors.WithStack(NewError(ErrLexSyntax, e.pos(), "expected ')'"))
		}
		if err := e.next(); err != nil {
			return Value{}, err
		}
		return v, nil
	case TokIdent:
		name := e.Cur.Text
		if err := e.next(); err != nil {
			return Value{}, err
		}
		if e.Cur.Kind == TokLParen {
			return e.parseCall(name, pos)
		}
		return e.resolveIdent(name, pos)
	}
	return Value{}, errors.WithStack(NewError(ErrLexSyntax, pos, "unexpected token in expression"))
}

// resolveIdent looks a bare identifier up, folding isnumber constants
// (enumerators, compile-time constants) without emitting IR. A byref
// variable resolves to an addressable Value over its pointee (the
// auto-deref load happens in materialize; a write goes back through the
// held address, spec §4.D). A static resolves to its global-region
// address the same way, since it never binds a frame register. An
// aggregate-typed variable resolves to its address, which is its value.
func (e *Evaluator) resolveIdent(name string, pos DebugPos) (Value, error) {
	sym, kind, ok := SearchSymbol(e.Func, e.Scope, name, SearchAscendToParents)
	if !ok {
		return Value{}, errors.WithStack(NewError(ErrScopeLinkage, pos, "%q is not in scope", name))
	}
	if kind != SymbolIsVariable {
		return Value{}, errors.WithStack(NewError(ErrTypeSemantic, pos, "%q is not a variable", name))
	}
	v := sym.(*Variable)
	if v.IsNumber {
		return Value{TypeName: v.EffectiveTypeName(), IsNumber: true, Number: v.NumberValue}, nil
	}
	typeName := v.EffectiveTypeName()
	width := nativeIntSizes[typeName]
	if width == 0 {
		width = 4
	}
	if !isNativeOrPointer(typeName) && !v.ByRef {
		if v.Offset < 0 {
			// An aggregate parameter's 4-byte slot holds the aggregate's
			// address (that address is how aggregates travel by value);
			// only a local or static owns its aggregate storage directly.
			return Value{TypeName: typeName, Reg: e.loadVariable(v)}, nil
		}
		return Value{TypeName: typeName, Reg: e.addressOfVariable(v)}, nil
	}
	if v.Static || (v.AlwaysVolatile != nil && *v.AlwaysVolatile && !v.ByRef) {
		// Statics live at a global-region address, never in a bound
		// register; a volatile variable is kept addressable the same way so
		// every read reloads and every write stores immediately.
		return Value{TypeName: typeName, Reg: e.addressOfVariable(v), Addr: true, Width: width}, nil
	}
	reg := e.loadVariable(v)
	if v.ByRef {
		return Value{TypeName: typeName, Reg: reg, Addr: true, Width: width}, nil
	}
	return Value{TypeName: typeName, Reg: reg}, nil
}

// loadVariable binds v to a register if not already bound, loading from
// its stack-frame offset (spec §4.B cache semantics).
func (e *Evaluator) loadVariable(v *Variable) int {
	if v.boundReg >= 0 {
		e.Func.regs.Lock(v.boundReg)
		return v.boundReg
	}
	r := e.Func.regs.AllocReg(RegNormal)
	width := v.Size
	if width == 0 {
		width = 4
	}
	e.Build.Ld(r, funcLevelBaseReg, int64(v.Offset), width)
	e.Func.regs.Bind(r, v, width)
	e.Func.regs.MarkClean(r) // just loaded from memory; not dirty until written
	e.Func.regs.Lock(r)
	return r
}

// funcLevelBaseReg is the conventional virtual register holding the
// current function's stack-frame base (component B's "funclevel" role).
const funcLevelBaseReg = FuncLevelBaseReg

// store implements assignment: writes rhs into lhs's bound register (and
// marks it dirty so the register manager flushes it later) or, for an
// address-valued lhs (byref target, pointer deref, field select, static),
// emits an explicit St. A bitfield lhs becomes a read-modify-write of its
// containing native integer, masking rhs into position.
func (e *Evaluator) store(lhs, rhs Value) error {
	rr := e.materialize(rhs)
	if lhs.Addr {
		w := lhs.Width
		if w == 0 {
			w = 4
		}
		if lhs.BitSelect != 0 {
			mask := (int64(1)<<uint(lhs.BitSelect) - 1) << uint(lhs.BitShift)
			old := e.Build.Regs.AllocReg(RegNormal)
			e.Build.Ld(old, lhs.Reg, 0, w)
			e.Build.AndI(old, old, ^mask)
			field := e.Build.Regs.AllocReg(RegNormal)
			e.Build.AndI(field, rr, int64(1)<<uint(lhs.BitSelect)-1)
			if lhs.BitShift != 0 {
				e.Build.SllI(field, field, int64(lhs.BitShift))
			}
			e.Build.Or(old, old, field)
			e.Build.St(old, lhs.Reg, 0, w)
			return nil
		}
		e.Build.St(rr, lhs.Reg, 0, w)
		return nil
	}
	e.Build.Cpy(lhs.Reg, rr)
	e.Func.regs.MarkDirty(lhs.Reg)
	return nil
}

// parseCall parses `name(arg, arg, ...)`, resolves the callee by
// overload (user function first, falling back to an error — native
// "calls" are represented as operators, handled in applyBinOp), and emits
// the call sequence (component D + component F collaboration).
func (e *Evaluator) parseCall(name string, pos DebugPos) (Value, error) {
	sym, kind, ok := SearchSymbol(e.Func, e.Scope, name, SearchAscendToParents)
	if !ok || kind != SymbolIsFunction {
		return Value{}, errors.WithStack(NewError(ErrScopeLinkage, pos, "%q is not a declared function", name))
	}
	callee := sym.(*Function)

	if err := e.next(); err != nil { // consume '('
		return Value{}, err
	}
	var args []Value
	argIdx := 0
	for e.Cur.Kind != TokRParen {
		// Byref parameters (spec §4.D "byref auto-deref"): the callee
		// expects an address, not a value, so the call site must pass
		// &arg rather than arg's loaded value. Only a bare identifier
		// naming an in-scope variable can supply that address; anything
		// else passed to a byref parameter is a caller error.
		if argIdx < len(callee.Params) && callee.Params[argIdx].ByRef {
			v, err := e.parseByRefArgument(pos)
			if err != nil {
				return Value{}, err
			}
			args = append(args, v)
		} else {
			v, err := e.ParseExpression()
			if err != nil {
				return Value{}, err
			}
			args = append(args, v)
		}
		argIdx++
		if e.Cur.Kind == TokComma {
			if err := e.next(); err != nil {
				return Value{}, err
			}
		}
	}
	if err := e.next(); err != nil { // consume ')'
		return Value{}, err
	}

	var argTypes []string
	for i, a := range args {
		if i < len(callee.Params) && callee.Params[i].ByRef {
			argTypes = append(argTypes, strings.TrimSuffix(a.TypeName, "*"))
			continue
		}
		argTypes = append(argTypes, a.TypeName)
	}
	return e.emitCall(callee, name, args, argTypes, pos)
}

// emitCall is the call-sequence tail shared by an ordinary named call
// (parseCall) and an operator-overload dispatch (applyBinOp/parseAssign):
// it re-checks the overload's fcall matcher, pushes arguments rightmost
// first, and collects the return value out of the calling convention's
// register.
func (e *Evaluator) emitCall(callee *Function, name string, args []Value, argTypes []string, pos DebugPos) (Value, error) {
	if callee.FCall != nil && !callee.FCall.Matches(name, argTypes) {
		return Value{}, errors.WithStack(NewError(ErrTypeSemantic, pos, "no overload of %q matches call-signature %q", name, CallSignature(name, argTypes)))
	}

	argRegs := make([]int, len(args))
	for i, a := range args {
		// A byref parameter receives an address. An Addr operand or an
		// aggregate-typed operand (whose value is its address) supplies one
		// directly; this is how an operator overload declared over `T&`
		// sees its operand without parseByRefArgument's bare-identifier
		// restriction, which only applies at ordinary call sites.
		if i < len(callee.Params) && callee.Params[i].ByRef && !a.IsNumber {
			if a.Addr || !isNativeOrPointer(a.TypeName) {
				argRegs[i] = a.Reg
				continue
			}
		}
		argRegs[i] = e.materialize(a)
	}
	e.Func.regs.FlushAndDiscardAll(FlushAndDiscardAll)
	// Push rightmost-first so the leftmost (first-declared) parameter
	// ends up nearest the return address: parseFuncBody (stmt.go)
	// assigns EBP+8 to the first parameter, EBP+12 to the second, and
	// so on, the standard cdecl shape this shared region realizes.
	for i := len(argRegs) - 1; i >= 0; i-- {
		e.Build.ArgPush(argRegs[i])
	}
	e.Build.JPush(callee.Name)
	if len(argRegs) > 0 {
		e.Build.ArgCleanup(int64(4 * len(argRegs)))
	}

	dst := e.Build.Regs.AllocReg(RegNormal)
	if callee.ReturnType != "void" {
		e.Build.Cpy(dst, retValConventionReg)
	}
	return Value{TypeName: callee.ReturnType, Reg: dst}, nil
}

// lookupOperatorOverload searches the lexical parent chain (the same
// ascend-to-parents order SearchSymbol uses) for a user-declared
// `operator<sym>` function whose fcall matcher accepts argTypes, trying
// the innermost scope's most-recently-declared candidates first (spec
// §4.D: user overloads resolve by the same first-match-in-scope rule as
// native ops).
func (e *Evaluator) lookupOperatorOverload(sym string, argTypes []string) (*Function, bool) {
	name := "operator" + sym
	for f := e.Func; f != nil; f = f.Parent {
		table := symbolTableFor(f)
		for i := len(table.Funcs) - 1; i >= 0; i-- {
			cand := table.Funcs[i]
			if cand.FCall != nil && cand.FCall.Matches(name, argTypes) {
				return cand, true
			}
		}
	}
	return nil, false
}

// retValConventionReg is the conventional virtual register the callee's
// epilogue leaves the return value in.
const retValConventionReg = RetValReg
