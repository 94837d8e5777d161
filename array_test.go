package fll

import (
	"context"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

func TestArray_Basic(t *testing.T) {
	a := NewArray[int]()
	ts := a.Register(NewToken())
	defer a.Close()

	if a.Len() != 0 || a.Cap() != defaultMinArrayCap {
		t.Fatalf("empty array len=%d cap=%d", a.Len(), a.Cap())
	}
	if _, ok := a.Get(ts, 0); ok {
		t.Fatalf("Get on empty array succeeded")
	}
	if a.Set(ts, 0, 1) {
		t.Fatalf("Set out of range succeeded")
	}

	for i := 0; i < 100; i++ {
		a.Append(ts, i)
	}
	if a.Len() != 100 {
		t.Fatalf("Len() = %d", a.Len())
	}
	for i := 0; i < 100; i++ {
		if v, ok := a.Get(ts, i); !ok || v != i {
			t.Fatalf("Get(%d) = %d, %v", i, v, ok)
		}
	}
	if !a.Set(ts, 50, -50) {
		t.Fatalf("Set(50) failed")
	}
	if v, _ := a.Get(ts, 50); v != -50 {
		t.Fatalf("Get(50) = %d after Set", v)
	}
	if _, ok := a.Get(ts, -1); ok {
		t.Fatalf("Get(-1) succeeded")
	}
	if s := a.Stats(); s.TotalGrowths == 0 || s.Cap < 100 || s.Registered != 1 {
		t.Fatalf("unexpected stats:\n%s", s.ToString())
	}
}

func TestArray_AppendMany(t *testing.T) {
	a := NewArray[int](WithPresize(2))
	ts := a.Register(NewToken())
	vals := make([]int, 1000)
	for i := range vals {
		vals[i] = i * 3
	}
	a.Append(ts, vals...)
	got := a.Snapshot(ts)
	if len(got) != len(vals) {
		t.Fatalf("Snapshot len = %d", len(got))
	}
	for i := range vals {
		if got[i] != vals[i] {
			t.Fatalf("got[%d] = %d, want %d", i, got[i], vals[i])
		}
	}
}

func TestArray_ResizeTruncateClear(t *testing.T) {
	a := NewArrayFrom([]string{"a", "b", "c"})
	ts := a.Register(NewToken())

	a.Resize(6, func(i int) string { return string(rune('A' + i)) })
	if diff := cmp.Diff([]string{"a", "b", "c", "D", "E", "F"}, a.Snapshot(ts)); diff != "" {
		t.Fatalf("after Resize (-want +got):\n%s", diff)
	}
	a.Resize(8, nil)
	if v, ok := a.Get(ts, 7); !ok || v != "" {
		t.Fatalf("nil fill: %q, %v", v, ok)
	}
	a.Truncate(2)
	if got := a.Snapshot(ts); len(got) != 2 || got[1] != "b" {
		t.Fatalf("after Truncate: %v", got)
	}
	a.Truncate(10)
	if a.Len() != 2 {
		t.Fatalf("Truncate grew the array to %d", a.Len())
	}
	a.Clear()
	// back to the presized capacity of three elements
	if a.Len() != 0 || a.Cap() != 4 {
		t.Fatalf("after Clear len=%d cap=%d", a.Len(), a.Cap())
	}
	mustPanic(t, "negative resize", func() { a.Resize(-1, nil) })
	mustPanic(t, "negative truncate", func() { a.Truncate(-1) })
}

// A Truncate queued behind a shrink that lands first must not grow the
// Array back.
func TestArray_TruncateAfterConcurrentShrink(t *testing.T) {
	values := make([]int, 20)
	for i := range values {
		values[i] = i + 1
	}
	a := NewArrayFrom(values)
	ts := a.Register(NewToken())

	a.writeMu.Lock()
	done := make(chan struct{})
	go func() {
		a.Truncate(10)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	a.resizeLocked("shrink", 5, nil)
	a.writeMu.Unlock()
	<-done

	if diff := cmp.Diff([]int{1, 2, 3, 4, 5}, a.Snapshot(ts)); diff != "" {
		t.Fatalf("after Truncate (-want +got):\n%s", diff)
	}
}

func TestArray_ReleasedStateRejected(t *testing.T) {
	a := NewArrayFrom([]int{1, 2, 3})
	tok := NewToken()
	ts := a.Register(tok)
	if v, ok := a.Get(ts, 1); !ok || v != 2 {
		t.Fatalf("Get(1) = %d, %v", v, ok)
	}
	a.Unregister(tok)
	a.Resize(8, nil)

	mustPanic(t, "Get after Unregister", func() { a.Get(ts, 1) })
	mustPanic(t, "Set after Unregister", func() { a.Set(ts, 1, 0) })
	mustPanic(t, "Each after Unregister", func() {
		a.Each(ts, 0, func(int, int) bool { return true })
	})
}

func TestArray_Convert(t *testing.T) {
	a := NewArrayFrom([]int{1, 2, 3, 4, 5}, WithSegmentSize(3))
	ts := a.Register(NewToken())
	if a.Encoding() != FlatEncoding {
		t.Fatalf("initial encoding %s", a.Encoding())
	}
	a.Convert(SegmentedEncoding)
	if a.Encoding() != SegmentedEncoding {
		t.Fatalf("encoding %s after Convert", a.Encoding())
	}
	// WithSegmentSize rounds up to 4
	if a.Cap()%4 != 0 {
		t.Fatalf("segmented cap %d", a.Cap())
	}
	a.Append(ts, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17)
	for i := 0; i < a.Len(); i++ {
		if v, _ := a.Get(ts, i); v != i+1 {
			t.Fatalf("Get(%d) = %d", i, v)
		}
	}
	a.Convert(SegmentedEncoding)
	if s := a.Stats(); s.TotalConversions != 1 {
		t.Fatalf("no-op Convert counted:\n%s", s.ToString())
	}
	a.Convert(FlatEncoding)
	if got := a.Snapshot(ts); len(got) != 17 || got[16] != 17 {
		t.Fatalf("after round trip: %v", got)
	}
}

// The reader has delivered index 1 when another goroutine resizes the array
// from 4 to 8 elements. It must deliver 0..7 in order with a rebuilt view.
func TestArray_EachConcurrentResize(t *testing.T) {
	a := NewArrayFrom([]int{0, 1, 2, 3})
	ts := a.Register(NewToken())

	paused := make(chan struct{})
	resumed := make(chan struct{})
	go func() {
		<-paused
		a.Resize(8, func(i int) int { return i })
		close(resumed)
	}()

	var got []int
	stats := a.Each(ts, 0, func(i int, v int) bool {
		if i != len(got) {
			t.Errorf("index %d delivered at position %d", i, len(got))
		}
		got = append(got, v)
		if i == 1 {
			close(paused)
			<-resumed
		}
		return true
	})

	if diff := cmp.Diff([]int{0, 1, 2, 3, 4, 5, 6, 7}, got); diff != "" {
		t.Fatalf("delivered elements mismatch (-want +got):\n%s", diff)
	}
	if stats.Rebuilds < 1 || stats.Delivered != 8 {
		t.Fatalf("unexpected iteration stats %+v", stats)
	}
}

func TestArray_EachStrategySwitch(t *testing.T) {
	a := NewArrayFrom([]int{10, 11, 12, 13, 14, 15})
	ts := a.Register(NewToken())

	var got []int
	stats := a.Each(ts, 0, func(i int, v int) bool {
		got = append(got, v)
		if i == 2 {
			a.Convert(SegmentedEncoding)
		}
		return true
	})
	if diff := cmp.Diff([]int{10, 11, 12, 13, 14, 15}, got); diff != "" {
		t.Fatalf("delivered elements mismatch (-want +got):\n%s", diff)
	}
	if stats.StrategySwitches != 1 || stats.Rebuilds != 1 {
		t.Fatalf("unexpected iteration stats %+v", stats)
	}
}

func TestArray_EachShrinkStops(t *testing.T) {
	a := NewArrayFrom([]int{0, 1, 2, 3, 4, 5, 6, 7})
	ts := a.Register(NewToken())

	var got []int
	a.Each(ts, 0, func(i int, v int) bool {
		got = append(got, v)
		if i == 2 {
			a.Truncate(4)
		}
		return true
	})
	if len(got) != 4 {
		t.Fatalf("delivered a resized-out index: %v", got)
	}
}

func TestArray_EachFromAndStop(t *testing.T) {
	a := NewArrayFrom([]int{0, 1, 2, 3, 4, 5})
	ts := a.Register(NewToken())

	var got []int
	stats := a.Each(ts, 2, func(i int, v int) bool {
		got = append(got, v)
		return i < 3
	})
	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("delivered %v", got)
	}
	if stats.Delivered != 2 {
		t.Fatalf("Delivered = %d", stats.Delivered)
	}
	if n := a.Each(ts, 10, func(int, int) bool { return true }).Delivered; n != 0 {
		t.Fatalf("delivered %d elements past the end", n)
	}
}

// readers must never deliver a value outside the array's value domain or
// indexes out of order, while a writer grows, shrinks and re-encodes.
func TestArray_ConcurrentLayoutChanges(t *testing.T) {
	const size = 256
	a := NewArray[int](WithSegmentSize(16))
	writer := a.Register(NewToken())
	for i := 0; i < size; i++ {
		a.Append(writer, i)
	}
	a.Unregister(writer.Token())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	var rebuilds atomic.Int64
	for r := 0; r < runtime.GOMAXPROCS(0); r++ {
		g.Go(func() error {
			tok := NewToken()
			var failure error
			a.Registry().With(tok, func(ts *ThreadState) {
				for ctx.Err() == nil {
					next := 0
					stats := a.Each(ts, 0, func(i int, v int) bool {
						if i != next || v != i {
							failure = errors.Errorf("index %d value %d, expected index %d", i, v, next)
							return false
						}
						next++
						return true
					})
					if failure != nil {
						return
					}
					rebuilds.Add(int64(stats.Rebuilds))
				}
			})
			return failure
		})
	}
	g.Go(func() error {
		encodings := []Encoding{SegmentedEncoding, FlatEncoding}
		for i := 0; ctx.Err() == nil; i++ {
			switch i % 3 {
			case 0:
				a.Resize(size*2, func(i int) int { return i })
			case 1:
				a.Truncate(size / 2)
			case 2:
				a.Convert(encodings[i%2])
			}
			runtime.Gosched()
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if a.Registry().Len() != 0 || a.Lock().Registered() != 0 {
		t.Fatalf("registrations leaked: %d", a.Lock().Registered())
	}
	t.Logf("rebuilds: %d", rebuilds.Load())
}

func TestArray_ConcurrentSetDuringGrowth(t *testing.T) {
	a := NewArray[int]()
	g := new(errgroup.Group)
	for w := 0; w < 4; w++ {
		g.Go(func() error {
			tok := NewToken()
			ts := a.Register(tok)
			defer a.Unregister(tok)
			for i := 0; i < 500; i++ {
				a.Append(ts, i)
				if n := a.Len(); n > 0 {
					a.Set(ts, n-1, i)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if a.Len() != 2000 {
		t.Fatalf("Len() = %d", a.Len())
	}
}
