package lyrical

import "github.com/pkg/errors"

// FlushMode selects which role bits survive a flushAndDiscardAllReg call
// (spec §4.B).
type FlushMode int

const (
	FlushAndDiscardAll FlushMode = iota
	DoNotDiscard
	DoNotFlushRegForLocals
	DoNotFlushRegForLocalsKeepRegForReturnAddr
	DoNotFlushRegForLocalsKeepRegForFuncLevel
)

// RegKind selects the allocation bias for allocReg.
type RegKind int

const (
	RegNormal RegKind = iota
	RegCritical
)

// vreg is one entry of the per-function virtual-register pool.
type vreg struct {
	id    int
	v     *Variable
	dirty bool
	lock  bool
	reserved bool

	returnAddr       bool
	funcLevel        bool
	globalRegionAddr bool
	stringRegionAddr bool
	thisAddr         bool
	retVarAddr       bool

	size int
	zxt  bool
	sxt  bool

	// lastTouched orders the LRU list; higher is more recent.
	lastTouched int
}

// RegisterManager is the per-function virtual-register pool (component B).
// It is modeled as a slice rather than the teacher's circular list, per
// the redesign note in spec §9 (arena+index beats an intrusive list).
type RegisterManager struct {
	regs   []*vreg
	nextID int
	clock  int

	// spillFn, when set, is invoked to flush a dirty variable-bound
	// register back to memory before it is reused; wired by the
	// statement/expression layer once a function's builder exists.
	spillFn func(v *Variable, reg int)
}

func NewRegisterManager() *RegisterManager {
	return &RegisterManager{}
}

// fresh allocates a brand-new virtual register id; the pool grows without
// bound (it is infinite per spec §1 — "infinite set of virtual
// registers").
func (m *RegisterManager) fresh() *vreg {
	r := &vreg{id: m.nextID}
	m.nextID++
	m.regs = append(m.regs, r)
	return r
}

// AllocReg returns the id of the least-recently-used unused register,
// unless kind == RegCritical, which bypasses the LRU bias and always
// allocates fresh (spec §4.B: "kind=CRITICAL bypasses the LRU bias").
func (m *RegisterManager) AllocReg(kind RegKind) int {
	if kind == RegCritical {
		r := m.fresh()
		m.touch(r)
		return r.id
	}
	var best *vreg
	for _, r := range m.regs {
		if r.v != nil || r.lock || r.reserved {
			continue
		}
		if best == nil || r.lastTouched < best.lastTouched {
			best = r
		}
	}
	if best == nil {
		best = m.fresh()
	}
	m.touch(best)
	return best.id
}

func (m *RegisterManager) touch(r *vreg) {
	m.clock++
	r.lastTouched = m.clock
}

func (m *RegisterManager) find(id int) *vreg {
	for _, r := range m.regs {
		if r.id == id {
			return r
		}
	}
	return nil
}

// Lock pins a register for the current expression; it must be unlocked
// only after the instruction consuming it is fully constructed, because
// EnsureUnused may otherwise steal it (spec §4.B locking discipline).
func (m *RegisterManager) Lock(id int) {
	if r := m.find(id); r != nil {
		r.lock = true
	}
}

func (m *RegisterManager) Unlock(id int) {
	if r := m.find(id); r != nil {
		r.lock = false
	}
}

// Reserve pins a register across an asm{} block.
func (m *RegisterManager) Reserve(id int) {
	if r := m.find(id); r != nil {
		r.reserved = true
	}
}

func (m *RegisterManager) Unreserve(id int) {
	if r := m.find(id); r != nil {
		r.reserved = false
	}
}

// Bind associates register id with variable v, marking it dirty (the
// variable's value now lives only in the register until flushed).
func (m *RegisterManager) Bind(id int, v *Variable, size int) {
	if r := m.find(id); r != nil {
		r.v = v
		r.dirty = true
		r.size = size
		v.boundReg = id
	}
}

// MarkClean clears the dirty bit without discarding the binding (used
// right after a flush writes the value back to memory).
func (m *RegisterManager) MarkClean(id int) {
	if r := m.find(id); r != nil {
		r.dirty = false
	}
}

// MarkDirty sets the dirty bit: the bound variable's value now lives only
// in the register until the next flush writes it back.
func (m *RegisterManager) MarkDirty(id int) {
	if r := m.find(id); r != nil {
		r.dirty = true
	}
}

func (m *RegisterManager) SetExtension(id int, zxt, sxt bool) {
	if r := m.find(id); r != nil {
		r.zxt, r.sxt = zxt, sxt
	}
}

func (m *RegisterManager) Extension(id int) (zxt, sxt bool) {
	if r := m.find(id); r != nil {
		return r.zxt, r.sxt
	}
	return false, false
}

// unusedCount reports how many registers are neither bound, locked, nor
// reserved.
func (m *RegisterManager) unusedCount() int {
	n := 0
	for _, r := range m.regs {
		if r.v == nil && !r.lock && !r.reserved {
			n++
		}
	}
	return n
}

// UnusedIDs returns the ids of currently-unused registers, for attaching
// to an instruction's informational UnusedRegs list.
func (m *RegisterManager) UnusedIDs() []int {
	var out []int
	for _, r := range m.regs {
		if r.v == nil && !r.lock && !r.reserved {
			out = append(out, r.id)
		}
	}
	return out
}

// EnsureUnused implements the register-pressure precondition (spec §4.A
// item 3): if fewer than k registers are unused, flush dirty
// variable-bound registers first, then discard registers holding cached
// addresses, re-emitting spill stores as needed via b.spillFn. Failure to
// reach k is a fatal internal error (spec §7.4).
func (m *RegisterManager) EnsureUnused(k int, b *Builder) error {
	if m.unusedCount() >= k {
		return nil
	}
	// Phase 1: flush dirty variable-bound registers (least-recently-used
	// first), which frees them for reuse.
	for m.unusedCount() < k {
		victim := m.lruDirtyVarBound()
		if victim == nil {
			break
		}
		if m.spillFn != nil {
			m.spillFn(victim.v, victim.id)
		}
		victim.v.boundReg = -1
		victim.v = nil
		victim.dirty = false
	}
	// Phase 2: discard registers holding cached addresses (return
	// address, function-level pointer, global/string region pointers,
	// this, retvar), least-recently-used first whichever role it holds.
	for m.unusedCount() < k {
		victim := m.lruCachedAddr()
		if victim == nil {
			break
		}
		victim.returnAddr = false
		victim.funcLevel = false
		victim.globalRegionAddr = false
		victim.stringRegionAddr = false
		victim.thisAddr = false
		victim.retVarAddr = false
		victim.v = nil
	}
	if m.unusedCount() < k {
		return errors.Errorf("lyrical: could not find %d unused registers (internal bug or insufficient MinUnusedRegCountForOp)", k)
	}
	return nil
}

func (m *RegisterManager) lruDirtyVarBound() *vreg {
	var best *vreg
	for _, r := range m.regs {
		if r.v == nil || !r.dirty || r.lock || r.reserved {
			continue
		}
		if r.v.IsTempVar() {
			// tempvars are freed, not flushed; handled elsewhere.
			continue
		}
		if best == nil || r.lastTouched < best.lastTouched {
			best = r
		}
	}
	return best
}

func (m *RegisterManager) lruCachedAddr() *vreg {
	var best *vreg
	for _, r := range m.regs {
		if r.lock || r.reserved {
			continue
		}
		if !(r.returnAddr || r.funcLevel || r.globalRegionAddr || r.stringRegionAddr || r.thisAddr || r.retVarAddr) {
			continue
		}
		if best == nil || r.lastTouched < best.lastTouched {
			best = r
		}
	}
	return best
}

// FlushAndDiscardAll writes every dirty register back (via spillFn) and
// clears bindings, selecting which role bits survive per mode.
func (m *RegisterManager) FlushAndDiscardAll(mode FlushMode) {
	keepReturnAddr := mode == DoNotFlushRegForLocalsKeepRegForReturnAddr
	keepFuncLevel := mode == DoNotFlushRegForLocalsKeepRegForFuncLevel
	discard := mode != DoNotDiscard

	for _, r := range m.regs {
		isLocal := r.v != nil
		if mode == DoNotFlushRegForLocals || mode == DoNotFlushRegForLocalsKeepRegForReturnAddr || mode == DoNotFlushRegForLocalsKeepRegForFuncLevel {
			// The do-not-flush modes run on frame-teardown paths (return,
			// throw epilogues): the locals' slots are about to die, so no
			// writeback is emitted for them either.
			if isLocal {
				continue
			}
		}
		if r.v != nil && r.dirty && !r.v.IsTempVar() {
			if m.spillFn != nil {
				m.spillFn(r.v, r.id)
			}
		}
		if keepReturnAddr && r.returnAddr {
			continue
		}
		if keepFuncLevel && r.funcLevel {
			continue
		}
		if !discard {
			r.dirty = false
			continue
		}
		if r.v != nil {
			r.v.boundReg = -1
		}
		r.v = nil
		r.dirty = false
		r.returnAddr = false
		r.funcLevel = false
		r.globalRegionAddr = false
		r.stringRegionAddr = false
		r.thisAddr = false
		r.retVarAddr = false
	}
}

// FlushBinding writes a bound register's value back to its variable's
// slot and discards the binding (used when the variable's address
// escapes and memory becomes its authoritative home).
func (m *RegisterManager) FlushBinding(id int) {
	r := m.find(id)
	if r == nil || r.v == nil {
		return
	}
	if r.dirty && m.spillFn != nil {
		m.spillFn(r.v, r.id)
	}
	r.v.boundReg = -1
	r.v = nil
	r.dirty = false
}

// FreeTempVarRelated discards any register bound to a variable whose name
// begins with '$' (a tempvar) or whose name is suffixed off such a
// variable, per spec §3's tempvar lifecycle.
func (m *RegisterManager) FreeTempVarRelated() {
	for _, r := range m.regs {
		if r.v != nil && r.v.IsTempVar() && !r.lock {
			r.v.boundReg = -1
			r.v = nil
			r.dirty = false
		}
	}
}
