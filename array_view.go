package fll

// Mirror is a reader's cached handle over a backing store. It stays valid
// until the reader's next FinishRead returns false.
type Mirror[T any] interface {
	Get(i int) T
}

// Strategy describes one storage encoding of an array-like container C.
type Strategy[C, T any] interface {
	// Size returns the current element count of c.
	Size(c C) int
	// Matches reports whether this strategy is still c's encoding.
	Matches(c C) bool
	// NewMirror returns a Mirror over c's current backing store.
	NewMirror(c C) Mirror[T]
}

// StrategyOf returns the strategy matching c's current encoding.
type StrategyOf[C, T any] func(c C) Strategy[C, T]

// IterStats reports what one Each call did. It is instrumentation only.
type IterStats struct {
	// Delivered is the number of callback invocations.
	Delivered int
	// Loops is the number of loop iterations, including retries.
	Loops int
	// Rebuilds is the number of times the mirror was rebuilt.
	Rebuilds int
	// StrategySwitches counts rebuilds that also changed strategy.
	StrategySwitches int
}

// Each iterates c from index from while layout changes may happen
// concurrently, calling fn once per element in ascending index order.
// It stops when the index reaches the container's size, or when fn returns
// false.
//
// Every element is read from a mirror and checked twice: once after reading
// the size and once after reading the element. If either check fails the
// mirror is rebuilt from the live container (switching strategy first when
// the encoding changed) and the same index is tried again, so no element
// read from a discarded store is ever delivered.
//
// ts must be registered on lock and owned by the calling goroutine.
func Each[C, T any](
	lock *LayoutLock,
	ts *ThreadState,
	c C,
	strategy Strategy[C, T],
	of StrategyOf[C, T],
	from int,
	fn func(i int, v T) bool,
) (stats IterStats) {
	mirror := strategy.NewMirror(c)
	resync := func() {
		stats.Rebuilds++
		if !strategy.Matches(c) {
			stats.StrategySwitches++
			strategy = of(c)
		}
		mirror = strategy.NewMirror(c)
	}

	i := from
	for {
		stats.Loops++
		size := strategy.Size(c)
		if !lock.FinishRead(ts) {
			resync()
			continue
		}
		if i >= size {
			return
		}
		v := mirror.Get(i)
		if !lock.FinishRead(ts) {
			resync()
			continue
		}
		stats.Delivered++
		if !fn(i, v) {
			return
		}
		i++
	}
}
