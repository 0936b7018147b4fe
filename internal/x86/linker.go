package x86

import (
	"github.com/pkg/errors"

	"github.com/lyricalc/lyrical/internal/lyrical"
)

// LinkedFunction pairs one function with the selector state and the
// per-instruction byte segments produced by selecting it, before
// fixups are resolved (spec.md §4.H phase A starts from this).
type LinkedFunction struct {
	Func     *lyrical.Function
	Layout   *FrameLayout
	Selector *Selector
	Prologue []byte
	Segments []*segment
	Offset   int
	Size     int
}

// segment is one instruction's selected bytes, parallel to
// Func.Instructions[i].
type segment struct {
	instr *lyrical.Instruction
	bytes []byte
	fixup *Fixup
}

func newLinkedFunction(f *lyrical.Function, labels *LabelResolver) (*LinkedFunction, error) {
	layout := BuildFrameLayout(f)
	lf := &LinkedFunction{Func: f, Layout: layout, Selector: NewSelector(layout, labels), Prologue: BuildPrologue(layout)}
	lf.Segments = make([]*segment, len(f.Instructions))
	for i, instr := range f.Instructions {
		b, fx, err := lf.Selector.Select(instr)
		if err != nil {
			return nil, errors.Wrapf(err, "x86: function %q", f.Name)
		}
		lf.Segments[i] = &segment{instr: instr, bytes: b, fixup: fx}
	}
	return lf, nil
}

// reselect re-runs the selector for one instruction after
// Selector.Promoted has been set, replacing its segment's bytes/fixup
// in place (spec.md §4.H phase C, the monotone IMM8->IMM32 redo).
func (lf *LinkedFunction) reselect(idx int) error {
	instr := lf.Segments[idx].instr
	b, fx, err := lf.Selector.Select(instr)
	if err != nil {
		return errors.Wrapf(err, "x86: function %q (redo)", lf.Func.Name)
	}
	lf.Segments[idx].bytes = b
	lf.Segments[idx].fixup = fx
	return nil
}

// AlignMode selects §4.H's three alignment policies for the boundary
// between the instruction stream and the string region, and (for
// AlignPageForEverything) for the tail of the whole binary as well, so
// a loader can mmap the file and place the global region at a
// page-aligned address immediately past it with no extra copy.
type AlignMode int

const (
	Align32Bit AlignMode = iota
	AlignPageForData
	AlignPageForEverything
)

const pageSize = 4096

func alignUp(v, a int) int {
	if a <= 1 {
		return v
	}
	return (v + a - 1) / a * a
}

func (m AlignMode) dataAlign() int {
	if m == Align32Bit {
		return 4
	}
	return pageSize
}

// LinkOptions is everything Link needs beyond the function list: the
// already-built string table, the caller-reported size of the global
// region (placed by the loader, not by Link, per spec.md §4.H), the
// alignment policy, and whether to emit the debug section.
type LinkOptions struct {
	Align      AlignMode
	Strings    []byte
	GlobalSize int
	Debug      bool
}

// LinkResult is the assembled backend output spec.md §6's "x86 backend
// output" struct describes: executable bytes, section sizes, and
// (when requested) the debug-info byte stream. Export/import sections
// are built separately by BuildExportSection/BuildImportSection in
// sections.go, since they only need Funcs+resolved offsets, not the
// full Code buffer.
type LinkResult struct {
	Code        []byte
	InstrSize   int
	StringsSize int
	GlobalSize  int
	DebugInfo   []byte

	// FuncOffset/InstrOffset are exposed so sections.go's export/import
	// builders (called after Link) can look up binary offsets without
	// redoing phase A.
	FuncOffset  map[*lyrical.Function]int
	InstrOffset map[*lyrical.Instruction]int
}

// Link runs phase A (offset assignment), phase B (fixup resolution),
// and phase C (monotone re-emission when an IMM8 branch overflows) to a
// fixed point, then concatenates the executable and string regions
// (spec.md §4.H).
func Link(funcs []*lyrical.Function, opts LinkOptions) (*LinkResult, error) {
	labels := NewLabelResolver(funcs)
	lfs := make([]*LinkedFunction, 0, len(funcs))
	totalInstrs := 0
	for _, f := range funcs {
		if len(f.Instructions) == 0 {
			// Imported (and declared-but-unused) functions contribute no
			// code; their string-region slots are all they occupy.
			continue
		}
		lf, err := newLinkedFunction(f, labels)
		if err != nil {
			return nil, err
		}
		lfs = append(lfs, lf)
		totalInstrs += len(f.Instructions)
	}

	instrOffset := map[*lyrical.Instruction]int{}
	funcOffset := map[*lyrical.Function]int{}

	// assignOffsets is phase A: a running total across every function in
	// definition order, padding to BinSz (jump-table entries) with NOPs
	// where the instruction declared a fixed stride.
	assignOffsets := func() int {
		offset := 0
		for _, lf := range lfs {
			// A call/JL/AFIP2 target resolves to the prologue's first
			// byte, not the first IR instruction's: the x86 `call` at a
			// call site must land on `push ebp`, not skip past it.
			funcOffset[lf.Func] = offset
			lf.Offset = offset
			cur := offset + len(lf.Prologue)
			for _, seg := range lf.Segments {
				instrOffset[seg.instr] = cur
				cur += len(seg.bytes)
				if bs := seg.instr.BinSz; bs > len(seg.bytes) {
					cur += bs - len(seg.bytes)
				}
			}
			lf.Size = cur - offset
			offset = cur
		}
		return offset
	}

	instrSize := assignOffsets()
	stringBase := alignUp(instrSize, opts.Align.dataAlign())
	globalBase := alignUp(stringBase+len(opts.Strings), pageSize)

	resolver := &Resolver{
		InstrOffset: instrOffset,
		FuncOffset:  funcOffset,
		GlobalBase:  int64(globalBase),
		StringBase:  int64(stringBase),
	}

	// Phase B/C: P5's bound is "at most N rounds, N = number of 8-bit
	// immediate branches in the program" — totalInstrs is a safe
	// superset of that count, so it is the fixpoint-failure backstop.
	for round := 0; ; round++ {
		type redoEntry struct {
			lf  *LinkedFunction
			idx int
		}
		var redo []redoEntry

		for _, lf := range lfs {
			for idx, seg := range lf.Segments {
				fx := seg.fixup
				if fx == nil {
					continue
				}
				val := resolver.Sum(fx.Chain)
				if fx.Relative {
					val -= int64(instrOffset[seg.instr] + fx.AnchorOffset)
				}
				switch fx.Width {
				case Imm8:
					if val < -128 || val > 127 {
						redo = append(redo, redoEntry{lf, idx})
						continue
					}
					seg.bytes[fx.Offset] = byte(int8(val))
				default:
					patchImm32(seg.bytes, fx.Offset, int32(val))
				}
			}
		}

		if len(redo) == 0 {
			break
		}
		if round > totalInstrs {
			return nil, errors.New("x86: fixup resolution did not converge (backend internal error)")
		}
		for _, r := range redo {
			r.lf.Selector.Promoted[r.lf.Segments[r.idx].instr] = true
			if err := r.lf.reselect(r.idx); err != nil {
				return nil, err
			}
		}
		instrSize = assignOffsets()
		stringBase = alignUp(instrSize, opts.Align.dataAlign())
		globalBase = alignUp(stringBase+len(opts.Strings), pageSize)
		resolver.GlobalBase = int64(globalBase)
		resolver.StringBase = int64(stringBase)
	}

	codeLen := stringBase + len(opts.Strings)
	if opts.Align == AlignPageForEverything {
		codeLen = alignUp(codeLen, pageSize)
	}
	code := make([]byte, codeLen)
	for _, lf := range lfs {
		copy(code[lf.Offset:], lf.Prologue)
		for _, seg := range lf.Segments {
			off := instrOffset[seg.instr]
			copy(code[off:], seg.bytes)
			for i := len(seg.bytes); i < seg.instr.BinSz; i++ {
				code[off+i] = 0x90 // NOP, padding a jump-table entry to its fixed stride
			}
		}
	}
	copy(code[stringBase:], opts.Strings)

	result := &LinkResult{
		Code:        code,
		InstrSize:   instrSize,
		StringsSize: len(opts.Strings),
		GlobalSize:  opts.GlobalSize,
		FuncOffset:  funcOffset,
		InstrOffset: instrOffset,
	}
	if opts.Debug {
		result.DebugInfo = BuildDebugSection(funcs, instrOffset)
	}
	return result, nil
}

// patchImm32 overwrites a 4-byte little-endian field in place, used for
// both ordinary absolute/relative immediates and (after promotion) a
// redone IMM8 branch's widened displacement.
func patchImm32(buf []byte, offset int, v int32) {
	u := uint32(v)
	buf[offset] = byte(u)
	buf[offset+1] = byte(u >> 8)
	buf[offset+2] = byte(u >> 16)
	buf[offset+3] = byte(u >> 24)
}
