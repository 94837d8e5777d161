package fll

import (
	"fmt"
	"math/bits"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
)

// Encoding is the physical representation of an Array's elements.
type Encoding uint8

const (
	// FlatEncoding stores all slots in one contiguous slice.
	FlatEncoding Encoding = iota
	// SegmentedEncoding stores slots in fixed-size segments.
	SegmentedEncoding
)

func (e Encoding) String() string {
	switch e {
	case FlatEncoding:
		return "flat"
	case SegmentedEncoding:
		return "segmented"
	default:
		return fmt.Sprintf("Encoding(%d)", uint8(e))
	}
}

// Array is a growable array whose elements can be iterated and read by many
// goroutines while other goroutines write slots, append, resize or re-encode
// it.
//
// Slot writes (Set, Append within capacity) are content writes. Anything
// that replaces the backing store (growth, Resize, Truncate, Convert, Clear)
// is a layout change: the old store is never modified afterwards, and every
// registered reader is flagged before the new store is published.
//
// Each goroutine that reads or writes slots obtains a ThreadState with
// Register and passes it to the calls it makes.
//
// An Array must not be copied after first use.
type Array[T any] struct {
	lock     *LayoutLock
	registry *Registry
	store    atomic.Pointer[storeRef[T]]
	// writeMu serializes appends and layout changes with each other.
	writeMu     sync.Mutex
	minCap      int
	segmentSize int
	logger      logr.Logger

	totalGrowths     atomic.Uint32
	totalConversions atomic.Uint32
}

// storeRef lets the store interface live behind an atomic.Pointer.
type storeRef[T any] struct {
	arrayStore[T]
}

type arrayStore[T any] interface {
	Mirror[T]
	Len() int
	Cap() int
	Encoding() Encoding
	slot(i int) *atomic.Pointer[T]
	setLen(n int)
}

// NewArray creates an empty Array.
//
// Parameters:
//   - WithPresize option for initial capacity
//   - WithEncoding option for the initial encoding (default FlatEncoding)
//   - WithSegmentSize option for SegmentedEncoding
//   - WithLogger option
func NewArray[T any](options ...func(*Config)) *Array[T] {
	c := newConfig(options)
	a := &Array[T]{
		lock:        newLayoutLock(c),
		minCap:      calcArrayCap(defaultMinArrayCap),
		segmentSize: c.segmentSize,
		logger:      c.logger.WithName("array"),
	}
	if c.sizeHint > 0 {
		a.minCap = calcArrayCap(c.sizeHint)
	}
	a.registry = NewRegistry(a.lock)
	a.store.Store(&storeRef[T]{a.newStore(c.encoding, a.minCap)})
	return a
}

// NewArrayFrom creates an Array holding a copy of values.
func NewArrayFrom[T any](values []T, options ...func(*Config)) *Array[T] {
	options = append(options[:len(options):len(options)], WithPresize(len(values)))
	a := NewArray[T](options...)
	s := a.loadStore()
	for i := range values {
		v := values[i]
		s.slot(i).Store(&v)
	}
	s.setLen(len(values))
	return a
}

func calcArrayCap(n int) int {
	return nextPowOf2(max(n, 1))
}

func (a *Array[T]) newStore(enc Encoding, capacity int) arrayStore[T] {
	switch enc {
	case SegmentedEncoding:
		return newSegmentedStore[T](capacity, a.segmentSize)
	case FlatEncoding:
		return newFlatStore[T](capacity)
	default:
		panic(fmt.Sprintf("fll: unknown array encoding %d", enc))
	}
}

func (a *Array[T]) loadStore() arrayStore[T] {
	return a.store.Load().arrayStore
}

// Lock returns the Array's LayoutLock.
func (a *Array[T]) Lock() *LayoutLock {
	return a.lock
}

// Registry returns the Array's thread registry.
func (a *Array[T]) Registry() *Registry {
	return a.registry
}

// Register returns tok's ThreadState for this Array, registering it on
// first use.
func (a *Array[T]) Register(tok Token) *ThreadState {
	return a.registry.Acquire(tok)
}

// Unregister releases tok's registration.
func (a *Array[T]) Unregister(tok Token) {
	a.registry.Release(tok)
}

// Close releases every registration.
func (a *Array[T]) Close() {
	a.registry.ReleaseAll()
}

// Len returns the number of elements.
func (a *Array[T]) Len() int {
	return a.loadStore().Len()
}

// Cap returns the capacity of the current backing store.
func (a *Array[T]) Cap() int {
	return a.loadStore().Cap()
}

// Encoding returns the current encoding.
func (a *Array[T]) Encoding() Encoding {
	return a.loadStore().Encoding()
}

// Get returns the element at index i.
func (a *Array[T]) Get(ts *ThreadState, i int) (v T, ok bool) {
	for {
		s := a.loadStore()
		n := s.Len()
		if !a.lock.FinishRead(ts) {
			continue
		}
		if i < 0 || i >= n {
			return v, false
		}
		v = s.Get(i)
		if a.lock.FinishRead(ts) {
			return v, true
		}
	}
}

// Set stores v at index i. It reports false if i is out of range.
func (a *Array[T]) Set(ts *ThreadState, i int, v T) bool {
	a.lock.StartWrite(ts)
	defer a.lock.FinishWrite(ts)
	s := a.loadStore()
	if i < 0 || i >= s.Len() {
		return false
	}
	s.slot(i).Store(&v)
	return true
}

// Append adds values to the end of the Array, growing the backing store
// with a layout change when it is full.
func (a *Array[T]) Append(ts *ThreadState, values ...T) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	for len(values) > 0 {
		a.lock.StartWrite(ts)
		s := a.loadStore()
		n := s.Len()
		k := min(len(values), s.Cap()-n)
		for j := 0; j < k; j++ {
			v := values[j]
			s.slot(n + j).Store(&v)
		}
		// publish the slots before the length
		s.setLen(n + k)
		a.lock.FinishWrite(ts)

		values = values[k:]
		if len(values) > 0 {
			a.growLocked(n + k + len(values))
		}
	}
}

// Grow makes sure the backing store can hold n elements without another
// layout change.
func (a *Array[T]) Grow(n int) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	a.growLocked(n)
}

func (a *Array[T]) growLocked(n int) {
	a.changeLayout("grow", func(old arrayStore[T]) arrayStore[T] {
		if old.Cap() >= n {
			return old
		}
		a.totalGrowths.Add(1)
		s := a.newStore(old.Encoding(), calcArrayCap(max(n, old.Cap()*2)))
		copyStore(s, old, old.Len())
		return s
	})
}

// Resize sets the length to n. Elements beyond the old length are produced
// by fill; a nil fill leaves them as zero values.
func (a *Array[T]) Resize(n int, fill func(i int) T) {
	if n < 0 {
		panic("fll: negative array length")
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	a.resizeLocked("resize", n, fill)
}

// Truncate shortens the Array to n elements. It does nothing if the Array
// is not longer than n.
func (a *Array[T]) Truncate(n int) {
	if n < 0 {
		panic("fll: negative array length")
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	// every length change holds writeMu
	if a.Len() <= n {
		return
	}
	a.resizeLocked("truncate", n, nil)
}

func (a *Array[T]) resizeLocked(op string, n int, fill func(i int) T) {
	a.changeLayout(op, func(old arrayStore[T]) arrayStore[T] {
		s := a.newStore(old.Encoding(), calcArrayCap(max(n, a.minCap)))
		keep := min(n, old.Len())
		copyStore(s, old, keep)
		for i := keep; i < n; i++ {
			var v T
			if fill != nil {
				v = fill(i)
			}
			s.slot(i).Store(&v)
		}
		s.setLen(n)
		return s
	})
}

// Convert re-encodes the Array. Readers iterating with Each switch to the
// new encoding at their next step.
func (a *Array[T]) Convert(enc Encoding) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	a.changeLayout("convert", func(old arrayStore[T]) arrayStore[T] {
		if old.Encoding() == enc {
			return old
		}
		a.totalConversions.Add(1)
		s := a.newStore(enc, old.Cap())
		copyStore(s, old, old.Len())
		return s
	})
}

// Clear removes all elements and shrinks the backing store to its initial
// capacity.
func (a *Array[T]) Clear() {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	a.changeLayout("clear", func(old arrayStore[T]) arrayStore[T] {
		return a.newStore(old.Encoding(), a.minCap)
	})
}

func (a *Array[T]) changeLayout(op string, fn func(old arrayStore[T]) arrayStore[T]) {
	stamp := a.lock.StartLayoutChange()
	defer a.lock.FinishLayoutChange(stamp)
	old := a.loadStore()
	s := fn(old)
	if s == old {
		return
	}
	a.store.Store(&storeRef[T]{s})
	a.logger.V(logDebug).Info("layout changed", "op", op,
		"encoding", s.Encoding(), "len", s.Len(), "cap", s.Cap())
}

func copyStore[T any](dst, src arrayStore[T], n int) {
	for i := 0; i < n; i++ {
		dst.slot(i).Store(src.slot(i).Load())
	}
	dst.setLen(n)
}

// Each calls fn for every element from index from in ascending order,
// tolerating concurrent layout changes. fn returning false stops the
// iteration.
//
// fn must not write to this Array through ts: a content write clears a
// pending LayoutChange flag the iteration has not observed yet. Use another
// token's ThreadState for writes from inside fn.
func (a *Array[T]) Each(ts *ThreadState, from int, fn func(i int, v T) bool) IterStats {
	return Each[*Array[T], T](a.lock, ts, a, arrayStrategyOf[T](a), arrayStrategyOf[T], from, fn)
}

// Snapshot returns a copy of all elements.
func (a *Array[T]) Snapshot(ts *ThreadState) []T {
	out := make([]T, 0, a.Len())
	a.Each(ts, 0, func(_ int, v T) bool {
		out = append(out, v)
		return true
	})
	return out
}

// Stats returns statistics for the Array.
func (a *Array[T]) Stats() *ArrayStats {
	s := a.loadStore()
	return &ArrayStats{
		Len:              s.Len(),
		Cap:              s.Cap(),
		Encoding:         s.Encoding(),
		Registered:       a.registry.Len(),
		TotalGrowths:     a.totalGrowths.Load(),
		TotalConversions: a.totalConversions.Load(),
	}
}

// ArrayStats is Array statistics.
type ArrayStats struct {
	Len              int
	Cap              int
	Encoding         Encoding
	Registered       int
	TotalGrowths     uint32
	TotalConversions uint32
}

// ToString returns string representation of array stats.
func (s *ArrayStats) ToString() string {
	var sb strings.Builder
	sb.WriteString("ArrayStats{\n")
	sb.WriteString(fmt.Sprintf("Len:              %d\n", s.Len))
	sb.WriteString(fmt.Sprintf("Cap:              %d\n", s.Cap))
	sb.WriteString(fmt.Sprintf("Encoding:         %s\n", s.Encoding))
	sb.WriteString(fmt.Sprintf("Registered:       %d\n", s.Registered))
	sb.WriteString(fmt.Sprintf("TotalGrowths:     %d\n", s.TotalGrowths))
	sb.WriteString(fmt.Sprintf("TotalConversions: %d\n", s.TotalConversions))
	sb.WriteString("}\n")
	return sb.String()
}

// arrayStrategy is the Strategy of one Array encoding.
type arrayStrategy[T any] struct {
	enc Encoding
}

func arrayStrategyOf[T any](a *Array[T]) Strategy[*Array[T], T] {
	return arrayStrategy[T]{enc: a.loadStore().Encoding()}
}

func (s arrayStrategy[T]) Size(a *Array[T]) int {
	return a.loadStore().Len()
}

func (s arrayStrategy[T]) Matches(a *Array[T]) bool {
	return a.loadStore().Encoding() == s.enc
}

func (s arrayStrategy[T]) NewMirror(a *Array[T]) Mirror[T] {
	return a.loadStore()
}

func loadSlot[T any](p *atomic.Pointer[T]) (v T) {
	if e := p.Load(); e != nil {
		v = *e
	}
	return v
}

type flatStore[T any] struct {
	size  atomic.Int64
	slots []atomic.Pointer[T]
}

func newFlatStore[T any](capacity int) *flatStore[T] {
	return &flatStore[T]{slots: make([]atomic.Pointer[T], capacity)}
}

func (s *flatStore[T]) Get(i int) T                   { return loadSlot(&s.slots[i]) }
func (s *flatStore[T]) Len() int                      { return int(s.size.Load()) }
func (s *flatStore[T]) Cap() int                      { return len(s.slots) }
func (s *flatStore[T]) Encoding() Encoding            { return FlatEncoding }
func (s *flatStore[T]) slot(i int) *atomic.Pointer[T] { return &s.slots[i] }
func (s *flatStore[T]) setLen(n int)                  { s.size.Store(int64(n)) }

type segmentedStore[T any] struct {
	size     atomic.Int64
	shift    int
	mask     int
	segments [][]atomic.Pointer[T]
}

func newSegmentedStore[T any](capacity, segmentSize int) *segmentedStore[T] {
	nseg := (capacity + segmentSize - 1) / segmentSize
	segments := make([][]atomic.Pointer[T], max(nseg, 1))
	for i := range segments {
		segments[i] = make([]atomic.Pointer[T], segmentSize)
	}
	return &segmentedStore[T]{
		shift:    bits.TrailingZeros(uint(segmentSize)),
		mask:     segmentSize - 1,
		segments: segments,
	}
}

func (s *segmentedStore[T]) Get(i int) T        { return loadSlot(s.slot(i)) }
func (s *segmentedStore[T]) Len() int           { return int(s.size.Load()) }
func (s *segmentedStore[T]) Cap() int           { return len(s.segments) << s.shift }
func (s *segmentedStore[T]) Encoding() Encoding { return SegmentedEncoding }
func (s *segmentedStore[T]) setLen(n int)       { s.size.Store(int64(n)) }

func (s *segmentedStore[T]) slot(i int) *atomic.Pointer[T] {
	return &s.segments[i>>s.shift][i&s.mask]
}
