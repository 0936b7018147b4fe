package x86

// Buf is a growable byte sequence with the little-endian emitters every
// encoder in this package shares. Grounded on
// tinyrange-rtg/std/compiler/backend.go's emitByte/emitBytes/emitU32.
type Buf struct {
	B []byte
}

func (g *Buf) byte(b byte)        { g.B = append(g.B, b) }
func (g *Buf) bytes(bs ...byte)   { g.B = append(g.B, bs...) }
func (g *Buf) u32(v uint32) {
	g.B = append(g.B, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}
func (g *Buf) i32(v int32) { g.u32(uint32(v)) }

// modrmRR builds a register-direct (mod=11) ModR/M byte.
func modrmRR(regField, rm PhysReg) byte {
	return 0xc0 | byte(regField&7)<<3 | byte(rm&7)
}

// fitsImm8 reports whether v is representable as a signed one-byte
// immediate/displacement (spec.md §4.G/§4.H's IMM8 kind).
func fitsImm8(v int64) bool { return v >= -128 && v <= 127 }

// MovRegImm32 emits `mov reg, imm32` (B8+rd imm32).
func (g *Buf) MovRegImm32(reg PhysReg, val uint32) {
	g.byte(0xb8 + byte(reg))
	g.u32(val)
}

// XorSelf emits `xor reg, reg` (the LI(r,0) peephole form spec §4.A
// names explicitly).
func (g *Buf) XorSelf(reg PhysReg) {
	g.bytes(0x31, modrmRR(reg, reg))
}

// loadStoreDisp emits the addressing bytes for `op reg, [base+disp]` or
// the reverse, auto-selecting the 8-bit or 32-bit displacement encoding
// exactly as i386.go's emitLoadLocal32/emitStoreLocal32 do (disp==0 with
// base!=EBP collapses to the no-displacement ModR/M form).
func loadStoreDisp(g *Buf, opcode byte, regField, base PhysReg, disp int64) {
	switch {
	case disp == 0 && base != EBP:
		g.bytes(opcode, byte(regField&7)<<3|byte(base&7))
		if base == ESP {
			g.byte(0x24)
		}
	case fitsImm8(disp):
		g.bytes(opcode, 0x40|byte(regField&7)<<3|byte(base&7), byte(int8(disp)))
		if base == ESP {
			g.B = g.B[:len(g.B)-2]
			g.bytes(0x44|byte(regField&7)<<3, 0x24, byte(int8(disp)))
		}
	default:
		g.bytes(opcode, 0x80|byte(regField&7)<<3|byte(base&7))
		if base == ESP {
			g.B = g.B[:len(g.B)-1]
			g.bytes(0x84|byte(regField&7)<<3, 0x24)
		}
		g.i32(int32(disp))
	}
}

// LoadMem32 emits `mov dst, [base+disp]`.
func (g *Buf) LoadMem32(dst, base PhysReg, disp int64) { loadStoreDisp(g, 0x8b, dst, base, disp) }

// StoreMem32 emits `mov [base+disp], src`.
func (g *Buf) StoreMem32(base PhysReg, disp int64, src PhysReg) {
	loadStoreDisp(g, 0x89, src, base, disp)
}

// LeaMem32 emits `lea dst, [base+disp]`.
func (g *Buf) LeaMem32(dst, base PhysReg, disp int64) { loadStoreDisp(g, 0x8d, dst, base, disp) }

// LoadMemByteZx emits `movzx dst, byte [base+disp]`.
func (g *Buf) LoadMemByteZx(dst, base PhysReg, disp int64) {
	switch {
	case disp == 0 && base != EBP:
		g.bytes(0x0f, 0xb6, byte(dst&7)<<3|byte(base&7))
	case fitsImm8(disp):
		g.bytes(0x0f, 0xb6, 0x40|byte(dst&7)<<3|byte(base&7), byte(int8(disp)))
	default:
		g.bytes(0x0f, 0xb6, 0x80|byte(dst&7)<<3|byte(base&7))
		g.i32(int32(disp))
	}
}

// LoadMemWordZx emits `movzx dst, word [base+disp]`.
func (g *Buf) LoadMemWordZx(dst, base PhysReg, disp int64) {
	switch {
	case disp == 0 && base != EBP:
		g.bytes(0x0f, 0xb7, byte(dst&7)<<3|byte(base&7))
	case fitsImm8(disp):
		g.bytes(0x0f, 0xb7, 0x40|byte(dst&7)<<3|byte(base&7), byte(int8(disp)))
	default:
		g.bytes(0x0f, 0xb7, 0x80|byte(dst&7)<<3|byte(base&7))
		g.i32(int32(disp))
	}
}

// StoreMemByte emits `mov byte [base+disp], src_lo8`.
func (g *Buf) StoreMemByte(base PhysReg, disp int64, src PhysReg) {
	switch {
	case disp == 0 && base != EBP:
		g.bytes(0x88, byte(src&7)<<3|byte(base&7))
	case fitsImm8(disp):
		g.bytes(0x88, 0x40|byte(src&7)<<3|byte(base&7), byte(int8(disp)))
	default:
		g.bytes(0x88, 0x80|byte(src&7)<<3|byte(base&7))
		g.i32(int32(disp))
	}
}

// MovRR emits `mov dst, src`.
func (g *Buf) MovRR(dst, src PhysReg) { g.bytes(0x89, modrmRR(src, dst)) }

// AddRR/SubRR/AndRR/OrRR/XorRR/CmpRR/TestRR are the two-operand
// register-register ALU forms.
func (g *Buf) AddRR(dst, src PhysReg) { g.bytes(0x01, modrmRR(src, dst)) }
func (g *Buf) SubRR(dst, src PhysReg) { g.bytes(0x29, modrmRR(src, dst)) }
func (g *Buf) AndRR(dst, src PhysReg) { g.bytes(0x21, modrmRR(src, dst)) }
func (g *Buf) OrRR(dst, src PhysReg)  { g.bytes(0x09, modrmRR(src, dst)) }
func (g *Buf) XorRR(dst, src PhysReg) { g.bytes(0x31, modrmRR(src, dst)) }
func (g *Buf) CmpRR(a, b PhysReg)     { g.bytes(0x39, modrmRR(b, a)) }
func (g *Buf) TestRR(a, b PhysReg)    { g.bytes(0x85, modrmRR(b, a)) }

// ImulRR emits `imul dst, src` (two-byte opcode 0F AF).
func (g *Buf) ImulRR(dst, src PhysReg) { g.bytes(0x0f, 0xaf, modrmRR(dst, src)) }

// NegR/NotR/Cdq/IdivR/MulR/ShlCl/SarCl/ShrCl are the single/implicit
// operand forms.
func (g *Buf) NegR(r PhysReg) { g.bytes(0xf7, 0xd8|byte(r&7)) }
func (g *Buf) NotR(r PhysReg) { g.bytes(0xf7, 0xd0|byte(r&7)) }
func (g *Buf) Cdq()           { g.byte(0x99) }
func (g *Buf) IdivR(r PhysReg) { g.bytes(0xf7, 0xf8|byte(r&7)) }
func (g *Buf) DivR(r PhysReg)   { g.bytes(0xf7, 0xf0|byte(r&7)) }
func (g *Buf) MulR(r PhysReg)   { g.bytes(0xf7, 0xe0|byte(r&7)) }
func (g *Buf) ImulR(r PhysReg)  { g.bytes(0xf7, 0xe8|byte(r&7)) }
func (g *Buf) ShlCl(r PhysReg)  { g.bytes(0xd3, 0xe0|byte(r&7)) }
func (g *Buf) ShrCl(r PhysReg)  { g.bytes(0xd3, 0xe8|byte(r&7)) }
func (g *Buf) SarCl(r PhysReg)  { g.bytes(0xd3, 0xf8|byte(r&7)) }

// PushR/PopR emit `push reg`/`pop reg`.
func (g *Buf) PushR(r PhysReg) { g.byte(0x50 + byte(r)) }
func (g *Buf) PopR(r PhysReg)  { g.byte(0x58 + byte(r)) }

// ri32 emits a register-immediate ALU op, auto-selecting the imm8 or
// imm32 form exactly as i386.go's addRI32/subRI32/cmpRI32 do; digit is
// the /digit extension for the 0x83/0x81 forms, axShort is the 1-byte
// EAX-only long-form opcode (0 to fall back to 0x81).
func ri32(g *Buf, digit byte, reg PhysReg, val int32, axShort byte) {
	if fitsImm8(int64(val)) {
		g.bytes(0x83, 0xc0|digit<<3|byte(reg&7), byte(int8(val)))
		return
	}
	if axShort != 0 && reg == EAX {
		g.byte(axShort)
	} else {
		g.bytes(0x81, 0xc0|digit<<3|byte(reg&7))
	}
	g.i32(val)
}

func (g *Buf) AddRI(reg PhysReg, val int32) { ri32(g, 0, reg, val, 0x05) }
func (g *Buf) SubRI(reg PhysReg, val int32) { ri32(g, 5, reg, val, 0x2d) }
func (g *Buf) CmpRI(reg PhysReg, val int32) { ri32(g, 7, reg, val, 0x3d) }
func (g *Buf) AndRI(reg PhysReg, val int32) { ri32(g, 4, reg, val, 0x25) }
func (g *Buf) OrRI(reg PhysReg, val int32)  { ri32(g, 1, reg, val, 0x0d) }
func (g *Buf) XorRI(reg PhysReg, val int32) { ri32(g, 6, reg, val, 0x35) }

// ShlImm/ShrImm/SarImm emit `op reg, imm8` (0xc1 /digit ib).
func (g *Buf) ShlImm(reg PhysReg, n byte) { g.bytes(0xc1, 0xe0|byte(reg&7), n) }
func (g *Buf) ShrImm(reg PhysReg, n byte) { g.bytes(0xc1, 0xe8|byte(reg&7), n) }
func (g *Buf) SarImm(reg PhysReg, n byte) { g.bytes(0xc1, 0xf8|byte(reg&7), n) }

// ImulRRI emits `imul dst, src, imm32`.
func (g *Buf) ImulRRI(dst, src PhysReg, val int32) {
	g.bytes(0x69, modrmRR(dst, src))
	g.i32(val)
}

// CC is an x86 condition-code nibble for Jcc/Setcc, matching
// i386.go's CC32_* table.
type CC byte

const (
	CCE  CC = 0x4
	CCNE CC = 0x5
	CCL  CC = 0xC
	CCGE CC = 0xD
	CCLE CC = 0xE
	CCG  CC = 0xF
	CCB  CC = 0x2
	CCAE CC = 0x3
	CCBE CC = 0x6
	CCA  CC = 0x7
	CCS  CC = 0x8
	CCNS CC = 0x9
)

// SetccR emits `setCC reg_lo8`.
func (g *Buf) SetccR(cc CC, reg PhysReg) {
	g.bytes(0x0f, 0x90|byte(cc&0xf), 0xc0|byte(reg&7))
}

// Ret/Int3/Nop/Leave are the zero-operand instructions this backend needs.
func (g *Buf) Ret()   { g.byte(0xc3) }
func (g *Buf) Int3()  { g.byte(0xcc) }
func (g *Buf) Nop1()  { g.byte(0x90) }
func (g *Buf) Leave() { g.byte(0xc9) }

// CallRel32/JmpRel32/JccRel32 emit a relative control-transfer with a
// 4-byte placeholder and return the placeholder's byte offset for later
// patching (spec.md §4.H phase A/B).
func (g *Buf) CallRel32() int {
	g.byte(0xe8)
	off := len(g.B)
	g.u32(0)
	return off
}

func (g *Buf) JmpRel32() int {
	g.byte(0xe9)
	off := len(g.B)
	g.u32(0)
	return off
}

func (g *Buf) JccRel32(cc CC) int {
	g.bytes(0x0f, 0x80|byte(cc&0xf))
	off := len(g.B)
	g.u32(0)
	return off
}

// JmpRel8/JccRel8 emit the short forms, used when phase B's signed
// 7-bit fit check (spec.md §4.H "does not fit in 7 bits") succeeds.
func (g *Buf) JmpRel8(disp int8) { g.bytes(0xeb, byte(disp)) }

func (g *Buf) JccRel8(cc CC, disp int8) { g.bytes(0x70|byte(cc&0xf), byte(disp)) }

// PatchRel32At overwrites the placeholder at fixupOff (the offset just
// past the opcode, as returned by CallRel32/JmpRel32/JccRel32) so the
// relative displacement lands on targetOff.
func PatchRel32At(buf []byte, fixupOff, targetOff int) {
	rel := int32(targetOff - (fixupOff + 4))
	buf[fixupOff] = byte(rel)
	buf[fixupOff+1] = byte(rel >> 8)
	buf[fixupOff+2] = byte(rel >> 16)
	buf[fixupOff+3] = byte(rel >> 24)
}
