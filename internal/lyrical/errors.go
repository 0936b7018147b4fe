package lyrical

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind distinguishes the error classes spec §7 names; the kind
// travels with the error so a driver can decide whether it is fatal
// immediately (lex/syntax) or batchable (type/semantic, scope/linkage).
type ErrorKind int

const (
	ErrLexSyntax ErrorKind = iota
	ErrTypeSemantic
	ErrScopeLinkage
	ErrResourceExhaustion
	ErrBackendInternal
)

func (k ErrorKind) String() string {
	switch k {
	case ErrLexSyntax:
		return "syntax"
	case ErrTypeSemantic:
		return "semantic"
	case ErrScopeLinkage:
		return "scope"
	case ErrResourceExhaustion:
		return "resource"
	case ErrBackendInternal:
		return "backend"
	default:
		return "unknown"
	}
}

// CompileError is the typed error sum spec §9's redesign note asks for,
// replacing the original's throwerror/session-unwind with ordinary
// propagation; every throw site wraps with github.com/pkg/errors so a
// stack trace survives to the final report.
type CompileError struct {
	Kind ErrorKind
	Pos  DebugPos
	Msg  string
	Err  error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("%s:%d: %s error: %s", e.Pos.File, e.Pos.Line, e.Kind, e.Msg)
}

func (e *CompileError) Unwrap() error { return e.Err }

func NewError(kind ErrorKind, pos DebugPos, format string, args ...interface{}) *CompileError {
	msg := fmt.Sprintf(format, args...)
	return &CompileError{Kind: kind, Pos: pos, Msg: msg, Err: errors.New(msg)}
}

func WrapError(kind ErrorKind, pos DebugPos, err error, context string) *CompileError {
	return &CompileError{Kind: kind, Pos: pos, Msg: context, Err: errors.Wrap(err, context)}
}
