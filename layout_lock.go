package fll

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/go-logr/logr"
)

// Stamp identifies the exclusive hold taken by StartLayoutChange.
// The zero Stamp is never returned.
type Stamp uint64

// LayoutLock lets many goroutines traverse a container without locking while
// one goroutine at a time changes the container's physical layout.
//
// Readers call FinishRead after every unit of read work. The common case is a
// single atomic load. A layout change first flags every registered
// ThreadState with LayoutChange while holding the base lock exclusively, so
// any reader whose step overlaps the change sees the flag at its next
// FinishRead, clears it on the slow path and resynchronizes its view.
//
// Content writers bracket single-slot writes with StartWrite/FinishWrite.
// A layout change waits for WriterActive states to return to Inactive before
// it flags them, and a content writer that finds itself flagged waits for
// the layout change to finish on the shared hold of the base lock.
//
// A goroutine must not start a layout change while its own ThreadState for
// the same lock is WriterActive: the mark phase would wait for itself.
//
// The base lock is a sync.RWMutex. Exclusive holds are taken by layout
// changes and (un)registration; shared holds only by slow paths.
type LayoutLock struct {
	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		baseLock      sync.RWMutex
		gather        []*ThreadState
		nextTs        int
		generation    uint64
		held          atomic.Uint64
		needToRecover atomic.Bool
		registered    atomic.Int32
		logger        logr.Logger
		stats         lockCounters
	}{})%CacheLineSize) % CacheLineSize]byte

	baseLock sync.RWMutex
	// gather, nextTs and generation are protected by the exclusive baseLock.
	gather     []*ThreadState
	nextTs     int
	generation uint64
	held       atomic.Uint64
	// needToRecover is set under a shared hold by every slow path and by
	// registration, and read/cleared under the exclusive hold.
	needToRecover atomic.Bool
	registered    atomic.Int32

	logger logr.Logger
	stats  lockCounters
}

type lockCounters struct {
	layoutChanges   atomic.Uint64
	tryLockHits     atomic.Uint64
	remarks         atomic.Uint64
	slowReads       atomic.Uint64
	slowWrites      atomic.Uint64
	registrations   atomic.Uint64
	unregistrations atomic.Uint64
}

// NewLayoutLock creates a LayoutLock with an empty gather list.
//
// Parameters:
//   - WithLogger option for slow path and layout change logging
func NewLayoutLock(options ...func(*Config)) *LayoutLock {
	return newLayoutLock(newConfig(options))
}

func newLayoutLock(c *Config) *LayoutLock {
	return &LayoutLock{
		gather: make([]*ThreadState, 1),
		logger: c.logger,
	}
}

// NewThreadState returns an unregistered ThreadState bound to this lock.
// RegisterThread makes it Inactive; FinishRead and StartWrite panic until
// then.
func (l *LayoutLock) NewThreadState() *ThreadState {
	ts := &ThreadState{lock: l}
	ts.state.Store(unregistered)
	return ts
}

// StartLayoutChange acquires exclusivity and flags every registered
// ThreadState with LayoutChange. Between StartLayoutChange and
// FinishLayoutChange the caller may replace the container's representation.
func (l *LayoutLock) StartLayoutChange() Stamp {
	if l.baseLock.TryLock() {
		l.stats.tryLockHits.Add(1)
		l.markLayoutChange()
	} else {
		l.baseLock.Lock()
		// Without a slow path or registration since the previous layout
		// change every state is still flagged.
		if l.needToRecover.Load() {
			l.stats.remarks.Add(1)
			l.markLayoutChange()
		}
	}
	// Every registered state is LayoutChange now.
	l.needToRecover.Store(false)
	l.generation++
	stamp := Stamp(l.generation)
	l.held.Store(uint64(stamp))
	l.stats.layoutChanges.Add(1)
	l.logger.V(logDebug).Info("layout change started", "stamp", stamp, "registered", l.nextTs)
	return stamp
}

// markLayoutChange flags every gathered state. A state that is not Inactive
// belongs to a content writer; its owner presents Inactive at FinishWrite,
// so the spin lasts until that goroutine's current write step ends.
func (l *LayoutLock) markLayoutChange() {
	gather := l.gather
	for i := 0; i < l.nextTs; i++ {
		ts := gather[i]
		if ts.Get() == LayoutChange {
			continue
		}
		spins := 0
		for !ts.CompareAndSet(Inactive, LayoutChange) {
			delay(&spins)
		}
	}
}

// FinishLayoutChange releases the exclusivity taken by StartLayoutChange.
func (l *LayoutLock) FinishLayoutChange(stamp Stamp) {
	if stamp == 0 || !l.held.CompareAndSwap(uint64(stamp), 0) {
		l.violation("FinishLayoutChange with a stamp that is not held", "stamp", stamp)
	}
	l.logger.V(logDebug).Info("layout change finished", "stamp", stamp)
	l.baseLock.Unlock()
}

// StartWrite marks the start of a content write by ts's goroutine.
func (l *LayoutLock) StartWrite(ts *ThreadState) {
	l.checkOwner(ts, "StartWrite")
	if ts.CompareAndSet(Inactive, WriterActive) {
		return
	}
	l.stats.slowWrites.Add(1)
	l.changeThreadState(ts, WriterActive)
}

// FinishWrite ends the content write started by StartWrite.
//
//go:nosplit
func (l *LayoutLock) FinishWrite(ts *ThreadState) {
	ts.Set(Inactive)
}

// FinishRead reports whether the read step just performed by ts's goroutine
// was undisturbed. On false the flag has been cleared; the caller must
// rebuild whatever it cached about the layout and redo the step.
func (l *LayoutLock) FinishRead(ts *ThreadState) bool {
	l.checkOwner(ts, "FinishRead")
	if ts.Get() == Inactive {
		return true
	}
	l.stats.slowReads.Add(1)
	l.changeThreadState(ts, Inactive)
	return false
}

// changeThreadState is the slow path shared by readers and writers. The
// shared hold cannot be taken while a layout change is in flight, so the
// flag is cleared only after that change has finished. Registration holds
// the lock exclusively, so an unregistered state read here stays so.
func (l *LayoutLock) changeThreadState(ts *ThreadState, state int32) {
	l.baseLock.RLock()
	prev := ts.Get()
	if prev == unregistered {
		l.baseLock.RUnlock()
		l.violation("ThreadState used while not registered", "token", ts.token)
	}
	ts.Set(state)
	l.needToRecover.Store(true)
	l.baseLock.RUnlock()
	l.logger.V(logTrace).Info("slow path", "token", ts.token, "from", stateName(prev), "to", stateName(state))
}

// RegisterThread adds ts to the gather list. Until it is unregistered every
// layout change flags it.
func (l *LayoutLock) RegisterThread(ts *ThreadState) {
	l.checkOwner(ts, "RegisterThread")
	l.baseLock.Lock()
	defer l.baseLock.Unlock()
	if ts.Get() != unregistered {
		l.violation("ThreadState registered twice", "token", ts.token)
	}
	ts.Set(Inactive)
	l.addToGather(ts)
	l.needToRecover.Store(true)
	l.registered.Store(int32(l.nextTs))
	l.stats.registrations.Add(1)
	l.logger.V(logDebug).Info("thread registered", "token", ts.token, "registered", l.nextTs)
}

// UnregisterThread removes ts from the gather list. Unregistering a state
// that is not registered is a fatal contract violation.
func (l *LayoutLock) UnregisterThread(ts *ThreadState) {
	l.checkOwner(ts, "UnregisterThread")
	l.baseLock.Lock()
	defer l.baseLock.Unlock()
	l.removeFromGather(ts)
	l.registered.Store(int32(l.nextTs))
	l.stats.unregistrations.Add(1)
	l.logger.V(logDebug).Info("thread unregistered", "token", ts.token, "registered", l.nextTs)
}

// Registered returns the number of registered thread states.
func (l *LayoutLock) Registered() int {
	return int(l.registered.Load())
}

func (l *LayoutLock) addToGather(ts *ThreadState) {
	if l.nextTs == len(l.gather) {
		newGather := make([]*ThreadState, len(l.gather)*2)
		copy(newGather, l.gather[:l.nextTs])
		l.gather = newGather
	}
	l.gather[l.nextTs] = ts
	l.nextTs++
}

func (l *LayoutLock) removeFromGather(ts *ThreadState) {
	for i := 0; i < l.nextTs; i++ {
		if l.gather[i] == ts {
			copy(l.gather[i:], l.gather[i+1:l.nextTs])
			l.nextTs--
			l.gather[l.nextTs] = nil
			ts.Set(unregistered)
			return
		}
	}
	l.violation("unregistering a ThreadState that is not registered: not found", "token", ts.token)
}

func (l *LayoutLock) checkOwner(ts *ThreadState, op string) {
	if ts == nil || ts.lock != l {
		l.violation(op + " with a ThreadState that does not belong to this lock")
	}
}

func (l *LayoutLock) violation(msg string, keysAndValues ...any) {
	l.logger.Error(nil, msg, keysAndValues...)
	panic("fll: " + msg)
}

// Stats returns a snapshot of the lock's counters. The counters are read one
// by one, so under concurrent use they need not be mutually consistent.
func (l *LayoutLock) Stats() *LockStats {
	return &LockStats{
		Registered:      l.Registered(),
		LayoutChanges:   l.stats.layoutChanges.Load(),
		TryLockHits:     l.stats.tryLockHits.Load(),
		Remarks:         l.stats.remarks.Load(),
		SlowReads:       l.stats.slowReads.Load(),
		SlowWrites:      l.stats.slowWrites.Load(),
		Registrations:   l.stats.registrations.Load(),
		Unregistrations: l.stats.unregistrations.Load(),
	}
}

// LockStats is LayoutLock statistics.
//
// Warning: statistics are intended for diagnostics and tests, not for
// correctness decisions.
type LockStats struct {
	// Registered is the number of thread states in the gather list.
	Registered int
	// LayoutChanges is the number of completed StartLayoutChange calls.
	LayoutChanges uint64
	// TryLockHits counts layout changes that got the base lock without
	// blocking and therefore always ran the mark phase.
	TryLockHits uint64
	// Remarks counts blocking acquisitions that found needToRecover set
	// and ran the mark phase again.
	Remarks uint64
	// SlowReads counts FinishRead calls that returned false.
	SlowReads uint64
	// SlowWrites counts StartWrite calls that found their state flagged.
	SlowWrites      uint64
	Registrations   uint64
	Unregistrations uint64
}

// ToString returns string representation of lock stats.
func (s *LockStats) ToString() string {
	var sb strings.Builder
	sb.WriteString("LockStats{\n")
	sb.WriteString(fmt.Sprintf("Registered:      %d\n", s.Registered))
	sb.WriteString(fmt.Sprintf("LayoutChanges:   %d\n", s.LayoutChanges))
	sb.WriteString(fmt.Sprintf("TryLockHits:     %d\n", s.TryLockHits))
	sb.WriteString(fmt.Sprintf("Remarks:         %d\n", s.Remarks))
	sb.WriteString(fmt.Sprintf("SlowReads:       %d\n", s.SlowReads))
	sb.WriteString(fmt.Sprintf("SlowWrites:      %d\n", s.SlowWrites))
	sb.WriteString(fmt.Sprintf("Registrations:   %d\n", s.Registrations))
	sb.WriteString(fmt.Sprintf("Unregistrations: %d\n", s.Unregistrations))
	sb.WriteString("}\n")
	return sb.String()
}
