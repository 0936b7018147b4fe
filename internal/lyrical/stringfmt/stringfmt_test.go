package stringfmt

import "testing"

func TestParseBasic(t *testing.T) {
	sp, n, err := Parse("%d")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if sp.Verb != 'd' || n != 2 {
		t.Fatalf("got %+v, n=%d", sp, n)
	}
}

func TestParsePercentLiteral(t *testing.T) {
	sp, n, err := Parse("%%rest")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if sp.Verb != '%' || n != 2 {
		t.Fatalf("got %+v, n=%d", sp, n)
	}
}

func TestParseWidthAndAlign(t *testing.T) {
	sp, n, err := Parse("%|08x")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !sp.RightAlign || sp.Pad != '0' || sp.Width != 8 || sp.Verb != 'x' {
		t.Fatalf("got %+v", sp)
	}
	if n != len("%|08x") {
		t.Fatalf("consumed %d, want %d", n, len("%|08x"))
	}
}

func TestFormatIntLeftAlign(t *testing.T) {
	out, err := Format("%5d|", []Arg{{Kind: 'i', Int: 42}})
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if out != "42   |" {
		t.Fatalf("got %q", out)
	}
}

func TestFormatIntRightAlignCustomPad(t *testing.T) {
	out, err := Format("%|05d", []Arg{{Kind: 'i', Int: 42}})
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if out != "00042" {
		t.Fatalf("got %q", out)
	}
}

func TestFormatHex(t *testing.T) {
	out, err := Format("%x", []Arg{{Kind: 'i', Int: 255}})
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if out != "ff" {
		t.Fatalf("got %q", out)
	}
}

func TestFormatSignedVsUnsignedDecimal(t *testing.T) {
	out, err := Format("%i %d", []Arg{{Kind: 'i', Int: -1}, {Kind: 'i', Int: -1}})
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if out != "-1 18446744073709551615" {
		t.Fatalf("got %q", out)
	}
}

func TestFormatStringAndChar(t *testing.T) {
	out, err := Format("%s-%c", []Arg{{Kind: 's', Str: "hi"}, {Kind: 'c', Char: 'x'}})
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if out != "hi-x" {
		t.Fatalf("got %q", out)
	}
}

func TestFormatEscapes(t *testing.T) {
	out, err := Format(`a\nb\tc`, nil)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if out != "a\nb\tc" {
		t.Fatalf("got %q", out)
	}
}

func TestFormatNotEnoughArgs(t *testing.T) {
	_, err := Format("%d", nil)
	if err == nil {
		t.Fatalf("expected error for missing argument")
	}
}

func TestFormatWrongSpecifierForKind(t *testing.T) {
	_, err := FormatInt(Spec{Verb: 's'}, 1)
	if err == nil {
		t.Fatalf("expected error for mismatched specifier")
	}
}
