package x86

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lyricalc/lyrical/internal/lyrical"
)

func nopPayload(n int) []byte {
	return bytes.Repeat([]byte{0x90}, n)
}

// TestLinkShortBranchStaysRel8: a branch whose displacement fits a signed
// byte keeps its initially-preferred two-byte encoding (spec.md §4.G/§4.H:
// the backend prefers IMM8 and only promotes on overflow).
func TestLinkShortBranchStaysRel8(t *testing.T) {
	fn := lyrical.NewFunction("main", nil)
	build := lyrical.NewBuilder(fn, nil, false)

	j := build.J("near")
	build.MachineCode(nopPayload(10))
	build.PlaceLabel("near")
	build.JPop()

	res, err := Link([]*lyrical.Function{fn}, LinkOptions{})
	require.NoError(t, err)

	off := res.InstrOffset[j]
	require.Equal(t, byte(0xeb), res.Code[off], "jmp rel8")
	require.Equal(t, byte(10), res.Code[off+1], "displacement spans the 10 padding bytes")
}

// TestLinkPromotesOverflowingShortBranch is P5: a branch over more than
// 127 bytes cannot keep its rel8 form; the fixup pass must promote it to
// rel32 and re-run offset assignment until the displacements converge.
func TestLinkPromotesOverflowingShortBranch(t *testing.T) {
	fn := lyrical.NewFunction("main", nil)
	build := lyrical.NewBuilder(fn, nil, false)

	j := build.J("far")
	build.MachineCode(nopPayload(300))
	build.PlaceLabel("far")
	build.JPop()

	res, err := Link([]*lyrical.Function{fn}, LinkOptions{})
	require.NoError(t, err)

	off := res.InstrOffset[j]
	require.Equal(t, byte(0xe9), res.Code[off], "jmp rel32 after promotion")
	disp := int32(binary.LittleEndian.Uint32(res.Code[off+1 : off+5]))
	require.Equal(t, int32(300), disp, "the rel32 displacement spans exactly the padding")
}

// TestLinkManyShortBranchesConverge exercises the fixpoint with several
// branches to one label: the first two overflow rel8 in the first round
// and are promoted together, while the last keeps its rel8 form even
// after the code ahead of it grows.
func TestLinkManyShortBranchesConverge(t *testing.T) {
	fn := lyrical.NewFunction("main", nil)
	build := lyrical.NewBuilder(fn, nil, false)

	var js []*lyrical.Instruction
	for i := 0; i < 3; i++ {
		js = append(js, build.J("end"))
		build.MachineCode(nopPayload(120))
	}
	build.PlaceLabel("end")
	build.JPop()

	res, err := Link([]*lyrical.Function{fn}, LinkOptions{})
	require.NoError(t, err)

	// The first two branches span well over 127 bytes; the last spans
	// only its own 120-byte payload and stays short.
	require.Equal(t, byte(0xe9), res.Code[res.InstrOffset[js[0]]])
	require.Equal(t, byte(0xe9), res.Code[res.InstrOffset[js[1]]])
	require.Equal(t, byte(0xeb), res.Code[res.InstrOffset[js[2]]])
}

// TestLinkJumpTablePadsToStride: a BinSz-declared instruction is padded
// with NOPs to its fixed stride so OpJI's base + value<<shift addressing
// lands on slot boundaries (spec.md §4.H phase A).
func TestLinkJumpTablePadsToStride(t *testing.T) {
	fn := lyrical.NewFunction("main", nil)
	build := lyrical.NewBuilder(fn, nil, false)

	e1 := build.JTableEntry("end", 8)
	e2 := build.JTableEntry("end", 8)
	build.PlaceLabel("end")
	build.JPop()

	res, err := Link([]*lyrical.Function{fn}, LinkOptions{})
	require.NoError(t, err)
	require.Equal(t, 8, res.InstrOffset[e2]-res.InstrOffset[e1], "table slots sit exactly one stride apart")
}

// TestLinkCrossFunctionCatchLabel: a branch in one function resolves
// against a label placed in another function's stream, the shape throw
// relies on to reach an ancestor's catch label.
func TestLinkCrossFunctionCatchLabel(t *testing.T) {
	parent := lyrical.NewFunction("outer", nil)
	pb := lyrical.NewBuilder(parent, nil, false)
	pb.PlaceLabel("$catch$outer$oops")
	pb.JPop()

	child := lyrical.NewFunction("inner", parent)
	cb := lyrical.NewBuilder(child, nil, false)
	cb.FrameUnwind(1)
	j := cb.J("$catch$outer$oops")
	cb.JPop()

	res, err := Link([]*lyrical.Function{parent, child}, LinkOptions{})
	require.NoError(t, err)

	// The branch is backward, from inner into outer's already-linked
	// stream: a negative displacement.
	off := res.InstrOffset[j]
	require.Equal(t, byte(0xeb), res.Code[off])
	require.Negative(t, int8(res.Code[off+1]))
}

// TestLinkImportCallRoutesThroughStringRegion: calling a declared-but-
// undefined (imported) function must not emit a direct rel32 call into
// nowhere; the callee address is fetched at runtime from the import's
// string-region slot (spec.md §4.H import contract).
func TestLinkImportCallRoutesThroughStringRegion(t *testing.T) {
	ext := lyrical.NewFunction("ext", nil)
	ext.Import = true
	ext.ImportOffset = 0
	ext.LinkingSignature = "ext()"

	fn := lyrical.NewFunction("main", nil)
	build := lyrical.NewBuilder(fn, nil, false)
	build.JPush("ext")
	build.JPop()

	res, err := Link([]*lyrical.Function{fn, ext}, LinkOptions{Strings: make([]byte, 4)})
	require.NoError(t, err)

	// The imported function contributes no code of its own: the image is
	// exactly the caller's instructions, 32-bit alignment padding, and the
	// 4-byte string-region slot.
	require.Equal(t, alignUp(res.InstrSize, 4)+res.StringsSize, len(res.Code))

	// The call site uses the call/pop/add/load/indirect-call idiom: an
	// indirect `call edx` (FF D2) appears instead of any rel32 call into
	// the empty import.
	code := res.Code[:res.InstrSize]
	require.Contains(t, string(code), string([]byte{0xff, 0xd2}), "indirect call through the loaded import address")
}

// TestBuildDebugSectionMonotone is P8: section-1 entries are strictly
// increasing in binoffset, terminated by a linenum-zero sentinel, and
// section 2 resolves every filepathoff to a null-terminated path.
func TestBuildDebugSectionMonotone(t *testing.T) {
	fn := lyrical.NewFunction("main", nil)
	build := lyrical.NewBuilder(fn, nil, false)

	for i := 1; i <= 4; i++ {
		build.DebugPos = lyrical.DebugPos{File: "t.lyr", Line: i, Offset: i * 10}
		r := build.Regs.AllocReg(lyrical.RegNormal)
		build.LI(r, int64(i))
	}
	build.DebugPos = lyrical.DebugPos{File: "t.lyr", Line: 5, Offset: 50}
	build.JPop()

	res, err := Link([]*lyrical.Function{fn}, LinkOptions{Debug: true})
	require.NoError(t, err)
	require.NotEmpty(t, res.DebugInfo)

	sec1Len := binary.LittleEndian.Uint32(res.DebugInfo[0:4])
	require.Zero(t, sec1Len%16, "entries are 4 u32s each")
	entries := res.DebugInfo[4 : 4+sec1Len]

	last := int64(-1)
	n := int(sec1Len / 16)
	for i := 0; i < n; i++ {
		rec := entries[i*16:]
		binOff := int64(binary.LittleEndian.Uint32(rec[0:4]))
		lineNum := binary.LittleEndian.Uint32(rec[8:12])
		if i == n-1 {
			require.Zero(t, lineNum, "the final entry is the sentinel")
			break
		}
		require.Greater(t, binOff, last, "binoffsets strictly increase")
		last = binOff
	}

	strTabLen := binary.LittleEndian.Uint32(res.DebugInfo[4+sec1Len : 8+sec1Len])
	strtab := res.DebugInfo[8+sec1Len : 8+sec1Len+strTabLen]
	require.Equal(t, "t.lyr", string(bytes.TrimRight(strtab, "\x00")))
}

// TestBuildExportImportSections checks the record layout spec.md §4.H
// gives both sections: a null-terminated linking signature followed by a
// little-endian u32.
func TestBuildExportImportSections(t *testing.T) {
	fn := lyrical.NewFunction("f", nil)
	fn.Export = true
	fn.LinkingSignature = "f(uint)"
	build := lyrical.NewBuilder(fn, nil, false)
	build.JPop()

	res, err := Link([]*lyrical.Function{fn}, LinkOptions{})
	require.NoError(t, err)

	exports := BuildExportSection([]*lyrical.Function{fn}, res.FuncOffset)
	sig := []byte("f(uint)\x00")
	require.Equal(t, sig, exports[:len(sig)])
	require.Equal(t, uint32(res.FuncOffset[fn]), binary.LittleEndian.Uint32(exports[len(sig):]))

	imp := lyrical.NewFunction("g", nil)
	imp.Import = true
	imp.ImportOffset = 8
	imp.LinkingSignature = "g(u8&)"
	imports := BuildImportSection([]*lyrical.Function{imp})
	isig := []byte("g(u8&)\x00")
	require.Equal(t, isig, imports[:len(isig)])
	require.Equal(t, uint32(8), binary.LittleEndian.Uint32(imports[len(isig):]))
}
