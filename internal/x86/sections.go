package x86

import (
	"sort"

	"github.com/lyricalc/lyrical/internal/lyrical"
)

// debugEntry mirrors spec.md §4.H's debug-section-1 quadruple.
type debugEntry struct {
	binOffset   int
	filePathOff uint32
	lineNum     int
	lineOff     int
}

func appendU32(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// BuildDebugSection builds the two-part debug stream spec.md §4.H
// describes: a u32-length-prefixed array of
// {binoffset,filepathoff,linenum,lineoff} quadruples sorted by
// binoffset with a sentinel entry of linenum zero (P8: section-1 is
// strictly increasing in binoffset up to that sentinel), followed by a
// u32-length-prefixed null-terminated string table indexed by
// filepathoff.
func BuildDebugSection(funcs []*lyrical.Function, instrOffset map[*lyrical.Instruction]int) []byte {
	fileOff := map[string]uint32{}
	var strtab []byte
	internFile := func(name string) uint32 {
		if off, ok := fileOff[name]; ok {
			return off
		}
		off := uint32(len(strtab))
		fileOff[name] = off
		strtab = append(strtab, []byte(name)...)
		strtab = append(strtab, 0)
		return off
	}

	var entries []debugEntry
	for _, f := range funcs {
		for _, instr := range f.Instructions {
			if instr.Debug.File == "" {
				continue
			}
			entries = append(entries, debugEntry{
				binOffset:   instrOffset[instr],
				filePathOff: internFile(instr.Debug.File),
				lineNum:     instr.Debug.Line,
				lineOff:     instr.Debug.Offset,
			})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].binOffset < entries[j].binOffset })
	// Zero-length encodings (labels, folded copies) share a binary offset
	// with the instruction that follows; keep only the first entry per
	// offset so the section stays strictly increasing (P8).
	dedup := entries[:0]
	last := -1
	for _, e := range entries {
		if e.binOffset == last {
			continue
		}
		last = e.binOffset
		dedup = append(dedup, e)
	}
	entries = append(dedup, debugEntry{}) // sentinel: linenum 0

	var sec1 []byte
	for _, e := range entries {
		sec1 = appendU32(sec1, uint32(e.binOffset))
		sec1 = appendU32(sec1, e.filePathOff)
		sec1 = appendU32(sec1, uint32(e.lineNum))
		sec1 = appendU32(sec1, uint32(e.lineOff))
	}

	out := appendU32(nil, uint32(len(sec1)))
	out = append(out, sec1...)
	out = appendU32(out, uint32(len(strtab)))
	out = append(out, strtab...)
	return out
}

// BuildExportSection concatenates one {linking-signature NUL, u32
// offset-in-executable} record per exported function, in declaration
// order (spec.md §4.H / §6).
func BuildExportSection(funcs []*lyrical.Function, funcOffset map[*lyrical.Function]int) []byte {
	var out []byte
	for _, f := range funcs {
		if !f.Export {
			continue
		}
		out = append(out, []byte(f.LinkingSignature)...)
		out = append(out, 0)
		out = appendU32(out, uint32(funcOffset[f]))
	}
	return out
}

// BuildImportSection concatenates one {linking-signature NUL, u32
// string-region offset} record per imported function; the loader must
// write the resolved callee address at that string-region offset
// before the module runs (spec.md §4.H / §6).
func BuildImportSection(funcs []*lyrical.Function) []byte {
	var out []byte
	for _, f := range funcs {
		if !f.Import {
			continue
		}
		out = append(out, []byte(f.LinkingSignature)...)
		out = append(out, 0)
		out = appendU32(out, uint32(f.ImportOffset))
	}
	return out
}
