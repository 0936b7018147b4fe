// Package stringfmt implements LYRICAL's runtime string-formatting
// grammar (spec §6): `%[|][pad][width]specifier`, where `|` right-aligns
// (left-aligns by default), an optional custom pad byte precedes the
// width digits, and `%%` is a literal percent sign.
package stringfmt

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Spec is one parsed format directive.
type Spec struct {
	RightAlign bool
	Pad        byte
	Width      int
	Verb       byte // one of i d x o b c s
}

// Parse scans a single `%...` directive starting at s[0]=='%' and returns
// the parsed Spec plus the byte length consumed.
func Parse(s string) (Spec, int, error) {
	if len(s) == 0 || s[0] != '%' {
		return Spec{}, 0, errors.Errorf("stringfmt: directive must start with '%%'")
	}
	if len(s) >= 2 && s[1] == '%' {
		return Spec{Verb: '%'}, 2, nil
	}
	i := 1
	sp := Spec{Pad: ' '}
	if i < len(s) && s[i] == '|' {
		sp.RightAlign = true
		i++
	}
	// A byte that is neither a digit nor a specifier letter, appearing
	// before the width digits, is a custom pad character (spec §6:
	// "optional custom pad char"). A leading '0' followed by further
	// width digits is the conventional zero-pad idiom ("%08x") rather
	// than the first digit of the width itself.
	switch {
	case i < len(s) && !isDigit(s[i]) && !isSpecifier(s[i]):
		sp.Pad = s[i]
		i++
	case i+1 < len(s) && s[i] == '0' && isDigit(s[i+1]):
		sp.Pad = '0'
		i++
	}
	start := i
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	if i > start {
		w, err := strconv.Atoi(s[start:i])
		if err != nil {
			return Spec{}, 0, errors.Wrap(err, "stringfmt: invalid width")
		}
		sp.Width = w
	}
	if i >= len(s) {
		return Spec{}, 0, errors.Errorf("stringfmt: truncated directive %q", s)
	}
	if !isSpecifier(s[i]) {
		return Spec{}, 0, errors.Errorf("stringfmt: unknown specifier %q", s[i])
	}
	sp.Verb = s[i]
	i++
	return sp, i, nil
}

func isDigit(c byte) bool     { return c >= '0' && c <= '9' }
func isSpecifier(c byte) bool { return strings.IndexByte("idxobcs", c) >= 0 }

// Render formats a single value against sp, applying the alignment and
// padding rules; body is the already-converted value text (e.g. "1a" for
// a hex-rendered 26) before padding is applied.
func Render(sp Spec, body string) string {
	if sp.Width <= len(body) {
		return body
	}
	pad := strings.Repeat(string(sp.Pad), sp.Width-len(body))
	if sp.RightAlign {
		return pad + body
	}
	return body + pad
}

// FormatInt renders an integer per the i/d/x/o/b specifiers: %i is the
// signed decimal form; %d, %x, %o, and %b reinterpret the value's bits as
// unsigned.
func FormatInt(sp Spec, v int64) (string, error) {
	var body string
	switch sp.Verb {
	case 'i':
		body = strconv.FormatInt(v, 10)
	case 'd':
		body = strconv.FormatUint(uint64(v), 10)
	case 'x':
		body = strconv.FormatUint(uint64(v), 16)
	case 'o':
		body = strconv.FormatUint(uint64(v), 8)
	case 'b':
		body = strconv.FormatUint(uint64(v), 2)
	default:
		return "", errors.Errorf("stringfmt: specifier %q does not accept an integer argument", sp.Verb)
	}
	return Render(sp, body), nil
}

// FormatChar renders a single byte per %c.
func FormatChar(sp Spec, v byte) (string, error) {
	if sp.Verb != 'c' {
		return "", errors.Errorf("stringfmt: specifier %q does not accept a char argument", sp.Verb)
	}
	return Render(sp, string(v)), nil
}

// FormatString renders a string per %s.
func FormatString(sp Spec, v string) (string, error) {
	if sp.Verb != 's' {
		return "", errors.Errorf("stringfmt: specifier %q does not accept a string argument", sp.Verb)
	}
	return Render(sp, v), nil
}

// Arg is one formatting argument; exactly one field is meaningful,
// selected by Kind.
type Arg struct {
	Kind byte // 'i','c','s' — which field below is populated
	Int  int64
	Char byte
	Str  string
}

// Format walks template, substituting each `%...` directive against the
// next element of args in order, and unescaping backslash sequences in
// literal text exactly as the lexer does for string literals (spec §6:
// "unescaping uses backslash").
func Format(template string, args []Arg) (string, error) {
	var b strings.Builder
	argi := 0
	i := 0
	for i < len(template) {
		c := template[i]
		if c == '\\' && i+1 < len(template) {
			b.WriteByte(unescapeByte(template[i+1]))
			i += 2
			continue
		}
		if c != '%' {
			b.WriteByte(c)
			i++
			continue
		}
		sp, n, err := Parse(template[i:])
		if err != nil {
			return "", err
		}
		i += n
		if sp.Verb == '%' {
			b.WriteByte('%')
			continue
		}
		if argi >= len(args) {
			return "", errors.Errorf("stringfmt: not enough arguments for directive %d", argi+1)
		}
		a := args[argi]
		argi++
		var out string
		switch sp.Verb {
		case 'i', 'd', 'x', 'o', 'b':
			out, err = FormatInt(sp, a.Int)
		case 'c':
			out, err = FormatChar(sp, a.Char)
		case 's':
			out, err = FormatString(sp, a.Str)
		}
		if err != nil {
			return "", err
		}
		b.WriteString(out)
	}
	return b.String(), nil
}

func unescapeByte(c byte) byte {
	switch c {
	case 'n':
		return '\n'
	case 't':
		return '\t'
	case 'r':
		return '\r'
	case '0':
		return 0
	case '\\':
		return '\\'
	default:
		return c
	}
}
