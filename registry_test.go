package fll

import (
	"sync"
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/require"
)

func TestToken(t *testing.T) {
	var zero Token
	require.True(t, zero.IsZero())

	a, b := NewToken(), NewToken()
	require.False(t, a.IsZero())
	require.NotEqual(t, a, b)
	require.Len(t, a.String(), 36)
}

func TestRegistry_AcquireIsIdempotent(t *testing.T) {
	l := NewLayoutLock(WithLogger(testr.NewWithOptions(t, testr.Options{Verbosity: logTrace})))
	r := NewRegistry(l)
	tok := NewToken()

	ts := r.Acquire(tok)
	require.Same(t, ts, r.Acquire(tok))
	require.Equal(t, tok, ts.Token())
	require.Equal(t, 1, r.Len())
	require.Equal(t, 1, l.Registered())

	other := NewToken()
	ts2 := r.Acquire(other)
	require.NotSame(t, ts, ts2)
	// leaves the cache pointing at other
	require.Same(t, ts, r.Acquire(tok))
	require.Equal(t, 2, l.Registered())

	found, ok := r.Lookup(other)
	require.True(t, ok)
	require.Same(t, ts2, found)
}

func TestRegistry_Release(t *testing.T) {
	l := NewLayoutLock()
	r := NewRegistry(l)
	tok := NewToken()

	ts := r.Acquire(tok)
	r.Release(tok)
	require.Equal(t, 0, r.Len())
	require.Equal(t, 0, l.Registered())
	_, ok := r.Lookup(tok)
	require.False(t, ok)

	// a fresh registration, not the cached state
	require.NotSame(t, ts, r.Acquire(tok))

	require.PanicsWithValue(t,
		"fll: releasing a token that is not registered",
		func() { r.Release(NewToken()) })
}

func TestRegistry_WithReleasesOnPanic(t *testing.T) {
	l := NewLayoutLock()
	r := NewRegistry(l)
	tok := NewToken()

	require.Panics(t, func() {
		r.With(tok, func(ts *ThreadState) {
			require.Equal(t, 1, l.Registered())
			panic("boom")
		})
	})
	require.Equal(t, 0, l.Registered())
	require.Equal(t, 0, r.Len())
}

func TestRegistry_NestedScopes(t *testing.T) {
	l := NewLayoutLock()
	r := NewRegistry(l)
	tok := NewToken()

	r.With(tok, func(outer *ThreadState) {
		r.With(tok, func(inner *ThreadState) {
			require.Same(t, outer, inner)
		})
		// the inner scope did not release the outer registration
		require.Equal(t, 1, l.Registered())
		require.True(t, l.FinishRead(outer))
	})
	require.Equal(t, 0, l.Registered())
}

func TestRegistry_ReleaseAll(t *testing.T) {
	l := NewLayoutLock()
	r := NewRegistry(l)
	states := make([]*ThreadState, 10)
	for i := range states {
		states[i] = r.Acquire(NewToken())
	}
	r.ReleaseAll()
	require.Equal(t, 0, r.Len())
	require.Equal(t, 0, l.Registered())

	l.FinishLayoutChange(l.StartLayoutChange())
	for _, ts := range states {
		require.Equal(t, unregistered, ts.Get(), "released state was flagged")
	}
	require.EqualValues(t, 10, l.Stats().Unregistrations)
}

func TestRegistry_Concurrent(t *testing.T) {
	l := NewLayoutLock()
	r := NewRegistry(l)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok := NewToken()
			for j := 0; j < 50; j++ {
				r.With(tok, func(ts *ThreadState) {
					if ts.Token() != tok {
						t.Errorf("token mismatch")
					}
					l.FinishRead(ts)
				})
			}
		}()
	}
	for i := 0; i < 20; i++ {
		l.FinishLayoutChange(l.StartLayoutChange())
	}
	wg.Wait()
	require.Equal(t, 0, r.Len())
	require.Equal(t, 0, l.Registered())
}
