package fll

import (
	"strconv"
	"sync/atomic"
	"unsafe"
)

// Thread state values. A ThreadState moves through two cycles:
//
//	Inactive -> WriterActive -> Inactive   [StartWrite / FinishWrite]
//	Inactive -> LayoutChange -> Inactive   [mark phase / FinishRead slow path]
//
// Outside those cycles a state is unregistered: before RegisterThread and
// after UnregisterThread. FinishRead and StartWrite reject it.
//
// LayoutChange is set only by a layout-change initiator and cleared only by
// the flagged goroutine itself. WriterActive is only ever compared against
// inside the CAS guard of StartWrite; nothing else branches on it.
const (
	Inactive     int32 = 0
	WriterActive int32 = 2
	LayoutChange int32 = 4

	unregistered int32 = -1
)

// ThreadState is the per (goroutine, container) flag of a LayoutLock.
//
// All transitions that can race go through CompareAndSet. A ThreadState is
// created by LayoutLock.NewThreadState and stays bound to that lock.
type ThreadState struct {
	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		state atomic.Int32
		lock  *LayoutLock
		token Token
	}{})%CacheLineSize) % CacheLineSize]byte

	state atomic.Int32
	lock  *LayoutLock
	token Token
}

// Get returns the current state.
//
//go:nosplit
func (ts *ThreadState) Get() int32 {
	return ts.state.Load()
}

// Set stores v unconditionally.
//
//go:nosplit
func (ts *ThreadState) Set(v int32) {
	ts.state.Store(v)
}

// CompareAndSet stores next if the state is still expected.
//
//go:nosplit
func (ts *ThreadState) CompareAndSet(expected, next int32) bool {
	return ts.state.CompareAndSwap(expected, next)
}

// Token returns the identity the state was registered under, the zero Token
// for states registered directly on a LayoutLock.
func (ts *ThreadState) Token() Token {
	return ts.token
}

func (ts *ThreadState) String() string {
	return stateName(ts.Get())
}

func stateName(v int32) string {
	switch v {
	case Inactive:
		return "Inactive"
	case WriterActive:
		return "WriterActive"
	case LayoutChange:
		return "LayoutChange"
	case unregistered:
		return "Unregistered"
	default:
		return "ThreadState(" + strconv.Itoa(int(v)) + ")"
	}
}
