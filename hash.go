package fll

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
)

// Hash is an insertion-ordered hash table whose lookups and iterations run
// without locks while a writer may rehash it.
//
// Every entry has two independent link roles:
//   - nextInLookup chains the entries of one bucket;
//   - prevInSequence/nextInSequence form one doubly linked list, bounded by
//     two sentinel entries, in insertion order.
//
// Delete only tombstones an entry; it stays linked in both roles until the
// next rehash, which runs as a layout change, rewires the bucket links of
// live entries and unlinks tombstones. A rehash never reorders the sequence.
//
// Content writers (Put, Delete, ...) are serialized by a table mutex and run
// as WriterActive spans; lookups and iterations only use FinishRead.
//
// A Hash must not be copied after first use.
type Hash[K comparable, V any] struct {
	lock     *LayoutLock
	registry *Registry
	buckets  atomic.Pointer[bucketArray[K, V]]
	head     atomic.Pointer[Entry[K, V]]
	tail     atomic.Pointer[Entry[K, V]]

	size       atomic.Int64
	tombstones atomic.Int64
	hasher     Hasher[K]
	byIdentity atomic.Bool

	// writeMu serializes content writers and layout changes. Lock order is
	// writeMu, then the LayoutLock's base lock.
	writeMu     sync.Mutex
	minTableLen int
	logger      logr.Logger

	totalRehashes atomic.Uint32
}

type bucketArray[K comparable, V any] struct {
	slots []atomic.Pointer[Entry[K, V]]
}

func newBucketArray[K comparable, V any](tableLen int) *bucketArray[K, V] {
	return &bucketArray[K, V]{slots: make([]atomic.Pointer[Entry[K, V]], tableLen)}
}

// Entry is a key-value pair of a Hash. The key is immutable; the value is
// replaced atomically by Put.
type Entry[K comparable, V any] struct {
	hash    atomic.Uintptr
	key     K
	value   atomic.Pointer[V]
	removed atomic.Bool
	// sentinel marks the head and tail entries of the sequence.
	sentinel bool

	nextInLookup   atomic.Pointer[Entry[K, V]]
	prevInSequence atomic.Pointer[Entry[K, V]]
	nextInSequence atomic.Pointer[Entry[K, V]]
}

func newEntry[K comparable, V any](hash uintptr, key K, value V) *Entry[K, V] {
	e := &Entry[K, V]{key: key}
	e.hash.Store(hash)
	e.value.Store(&value)
	return e
}

// Key returns the entry's key.
func (e *Entry[K, V]) Key() K {
	return e.key
}

// Value returns the entry's current value.
func (e *Entry[K, V]) Value() (v V) {
	if p := e.value.Load(); p != nil {
		v = *p
	}
	return v
}

// Hash returns the hash the entry is currently filed under.
func (e *Entry[K, V]) Hash() uintptr {
	return e.hash.Load()
}

// IsRemoved reports whether the entry has been tombstoned.
func (e *Entry[K, V]) IsRemoved() bool {
	return e.removed.Load()
}

// LookupResult is the outcome of one bucket walk. On a hit Entry is the
// matching entry and Previous its predecessor in the bucket chain (nil for
// the chain head). On a miss Entry is nil and Previous is the first entry of
// the bucket, the point a new entry is linked in front of.
type LookupResult[K comparable, V any] struct {
	buckets  *bucketArray[K, V]
	Hash     uintptr
	Index    int
	Previous *Entry[K, V]
	Entry    *Entry[K, V]
}

// Hit reports whether the lookup found a live entry.
func (r LookupResult[K, V]) Hit() bool {
	return r.Entry != nil
}

// KeyValue is a pair passed to NewHashFrom.
type KeyValue[K comparable, V any] struct {
	Key   K
	Value V
}

// NewHash creates an empty Hash.
//
// Parameters:
//   - WithPresize option for initial capacity
//   - WithHasher option for custom hashing and equality
//   - WithCompareByIdentity option to start in identity mode
//   - WithLogger option
func NewHash[K comparable, V any](options ...func(*Config)) *Hash[K, V] {
	c := newConfig(options)
	h := &Hash[K, V]{
		lock:        newLayoutLock(c),
		minTableLen: calcTableLen(c.sizeHint),
		logger:      c.logger.WithName("hash"),
	}
	h.registry = NewRegistry(h.lock)
	if c.hasher != nil {
		hs, ok := c.hasher.(Hasher[K])
		if !ok {
			panic(fmt.Sprintf("fll: WithHasher got %T, want a Hasher for the table's key type", c.hasher))
		}
		h.hasher = hs
	} else {
		h.hasher = BuiltinHasher[K]()
	}
	h.byIdentity.Store(c.compareByIdent)
	h.buckets.Store(newBucketArray[K, V](h.minTableLen))
	h.setupSentinels(nil, nil)
	return h
}

// NewHashFrom creates a Hash holding pairs in order. A repeated key keeps
// the position of its first occurrence and the value of its last.
func NewHashFrom[K comparable, V any](pairs []KeyValue[K, V], options ...func(*Config)) *Hash[K, V] {
	options = append(options[:len(options):len(options)], WithPresize(len(pairs)))
	h := NewHash[K, V](options...)
	// Not yet shared: build the chains directly and attach the sentinels
	// at the end.
	var first, last *Entry[K, V]
	for _, p := range pairs {
		r := h.lookup(p.Key)
		if r.Hit() {
			v := p.Value
			r.Entry.value.Store(&v)
			continue
		}
		e := newEntry(r.Hash, p.Key, p.Value)
		e.nextInLookup.Store(r.Previous)
		r.buckets.slots[r.Index].Store(e)
		if last == nil {
			first = e
		} else {
			last.nextInSequence.Store(e)
			e.prevInSequence.Store(last)
		}
		last = e
		h.size.Add(1)
	}
	h.setupSentinels(first, last)
	return h
}

// calcTableLen computes the bucket count for the table
// return value must be a power of 2
func calcTableLen(sizeHint int) int {
	tableLen := defaultMinHashTableLen
	if sizeHint > int(defaultMinHashTableLen*hashLoadFactor) {
		tableLen = nextPowOf2(int(float64(sizeHint)/hashLoadFactor) + 1)
	}
	return tableLen
}

// setupSentinels installs fresh head and tail sentinels around the chain
// first..last, or around an empty sequence when both are nil.
func (h *Hash[K, V]) setupSentinels(first, last *Entry[K, V]) {
	sentinelFirst := &Entry[K, V]{sentinel: true}
	sentinelLast := &Entry[K, V]{sentinel: true}

	if first != nil {
		sentinelFirst.nextInSequence.Store(first)
		first.prevInSequence.Store(sentinelFirst)
	} else {
		sentinelFirst.nextInSequence.Store(sentinelLast)
	}

	if last != nil {
		sentinelLast.prevInSequence.Store(last)
		last.nextInSequence.Store(sentinelLast)
	} else {
		sentinelLast.prevInSequence.Store(sentinelFirst)
	}

	h.head.Store(sentinelFirst)
	h.tail.Store(sentinelLast)
}

// Lock returns the Hash's LayoutLock.
func (h *Hash[K, V]) Lock() *LayoutLock {
	return h.lock
}

// Registry returns the Hash's thread registry.
func (h *Hash[K, V]) Registry() *Registry {
	return h.registry
}

// Register returns tok's ThreadState for this Hash, registering it on
// first use.
func (h *Hash[K, V]) Register(tok Token) *ThreadState {
	return h.registry.Acquire(tok)
}

// Unregister releases tok's registration.
func (h *Hash[K, V]) Unregister(tok Token) {
	h.registry.Release(tok)
}

// Close releases every registration.
func (h *Hash[K, V]) Close() {
	h.registry.ReleaseAll()
}

// Len returns the number of live entries.
func (h *Hash[K, V]) Len() int {
	return int(h.size.Load())
}

// IsCompareByIdentity reports whether keys are compared by identity.
func (h *Hash[K, V]) IsCompareByIdentity() bool {
	return h.byIdentity.Load()
}

// Lookup finds key. The walk is repeated until it completes without an
// overlapping layout change, so the result always describes one bucket
// array that was current at some point during the call.
func (h *Hash[K, V]) Lookup(ts *ThreadState, key K) LookupResult[K, V] {
	for {
		r := h.lookup(key)
		if h.lock.FinishRead(ts) {
			return r
		}
	}
}

// lookup walks key's bucket once. Tombstones are skipped, not treated as the
// end of the chain.
func (h *Hash[K, V]) lookup(key K) LookupResult[K, V] {
	byIdentity := h.byIdentity.Load()
	hash := h.hasher.Hash(key, byIdentity)

	buckets := h.buckets.Load()
	index := bucketIndex(hash, len(buckets.slots))
	firstEntry := buckets.slots[index].Load()

	var previousEntry *Entry[K, V]
	for e := firstEntry; e != nil; e = e.nextInLookup.Load() {
		if !e.removed.Load() && h.hasher.Equal(key, hash, e.key, e.hash.Load(), byIdentity) {
			return LookupResult[K, V]{buckets: buckets, Hash: hash, Index: index, Previous: previousEntry, Entry: e}
		}
		previousEntry = e
	}
	return LookupResult[K, V]{buckets: buckets, Hash: hash, Index: index, Previous: firstEntry}
}

// Get returns the value stored for key.
func (h *Hash[K, V]) Get(ts *ThreadState, key K) (value V, ok bool) {
	if r := h.Lookup(ts, key); r.Hit() {
		return r.Entry.Value(), true
	}
	return value, false
}

// HasKey reports whether key is present.
func (h *Hash[K, V]) HasKey(ts *ThreadState, key K) bool {
	return h.Lookup(ts, key).Hit()
}

// write runs fn as one content write of ts's goroutine, then starts any
// rehash the write made necessary.
func (h *Hash[K, V]) write(ts *ThreadState, fn func()) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	func() {
		h.lock.StartWrite(ts)
		defer h.lock.FinishWrite(ts)
		fn()
	}()
	h.maybeRehashLocked()
}

// Put stores value for key. An existing entry keeps its position in the
// sequence.
func (h *Hash[K, V]) Put(ts *ThreadState, key K, value V) (previous V, loaded bool) {
	h.write(ts, func() {
		r := h.lookup(key)
		if r.Hit() {
			previous, loaded = r.Entry.Value(), true
			r.Entry.value.Store(&value)
			return
		}
		h.insert(r, key, value)
	})
	return previous, loaded
}

// PutIfAbsent stores value only if key is not present. It returns the
// value in the table and whether it was already there.
func (h *Hash[K, V]) PutIfAbsent(ts *ThreadState, key K, value V) (actual V, loaded bool) {
	h.write(ts, func() {
		r := h.lookup(key)
		if r.Hit() {
			actual, loaded = r.Entry.Value(), true
			return
		}
		h.insert(r, key, value)
		actual = value
	})
	return actual, loaded
}

// insert links a new entry in front of its bucket chain and before the tail
// sentinel. The entry is fully linked before it is published.
func (h *Hash[K, V]) insert(r LookupResult[K, V], key K, value V) {
	e := newEntry(r.Hash, key, value)
	e.nextInLookup.Store(r.Previous)

	tail := h.tail.Load()
	last := tail.prevInSequence.Load()
	e.prevInSequence.Store(last)
	e.nextInSequence.Store(tail)
	last.nextInSequence.Store(e)
	tail.prevInSequence.Store(e)

	r.buckets.slots[r.Index].Store(e)
	h.size.Add(1)
}

// Delete tombstones key's entry and returns its value.
func (h *Hash[K, V]) Delete(ts *ThreadState, key K) (value V, loaded bool) {
	h.write(ts, func() {
		r := h.lookup(key)
		if !r.Hit() {
			return
		}
		value, loaded = r.Entry.Value(), true
		r.Entry.removed.Store(true)
		h.size.Add(-1)
		h.tombstones.Add(1)
	})
	return value, loaded
}

// Range calls fn for each live entry in insertion order until fn returns
// false. Entries inserted during the walk may or may not be seen; a Clear
// during the walk ends it.
//
// fn must not write to this Hash through ts: a content write clears a
// pending LayoutChange flag the walk has not observed yet, so a Clear could
// go unnoticed. Use another token's ThreadState for writes from inside fn.
func (h *Hash[K, V]) Range(ts *ThreadState, fn func(key K, value V) bool) {
	head := h.head.Load()
	for e := head.nextInSequence.Load(); e != nil && !e.sentinel; e = e.nextInSequence.Load() {
		if !h.visit(ts, head, e, fn) {
			return
		}
	}
}

// RangeReverse is Range from the newest entry to the oldest, with the same
// restriction on writes through ts from inside fn.
func (h *Hash[K, V]) RangeReverse(ts *ThreadState, fn func(key K, value V) bool) {
	head, tail := h.head.Load(), h.tail.Load()
	for e := tail.prevInSequence.Load(); e != nil && !e.sentinel; e = e.prevInSequence.Load() {
		if !h.visit(ts, head, e, fn) {
			return
		}
	}
}

// visit delivers e unless it is a tombstone. The sequence links survive
// rehashing, so a failed FinishRead only matters if the sentinels were
// replaced or e was removed meanwhile.
func (h *Hash[K, V]) visit(ts *ThreadState, head, e *Entry[K, V], fn func(K, V) bool) bool {
	if e.removed.Load() {
		return true
	}
	key, value := e.key, e.Value()
	if !h.lock.FinishRead(ts) {
		if h.head.Load() != head {
			return false
		}
		if e.removed.Load() {
			return true
		}
	}
	return fn(key, value)
}

// Keys returns the live keys in insertion order.
func (h *Hash[K, V]) Keys(ts *ThreadState) []K {
	keys := make([]K, 0, h.Len())
	h.Range(ts, func(key K, _ V) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

// ToMap collects all live entries into a map[K]V.
func (h *Hash[K, V]) ToMap(ts *ThreadState) map[K]V {
	m := make(map[K]V, h.Len())
	h.Range(ts, func(key K, value V) bool {
		m[key] = value
		return true
	})
	return m
}

// Rehash rebuilds the bucket array with at least tableLen buckets, and never
// fewer than the live entries need at the load factor, and physically drops
// all tombstones.
func (h *Hash[K, V]) Rehash(tableLen int) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	h.rehashLocked(tableLen, false)
}

// CompareByIdentity switches the table to identity comparison and rehashes
// it. Switching back is not supported: keys that are distinct by identity
// may be equal by value.
func (h *Hash[K, V]) CompareByIdentity() {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if h.byIdentity.Load() {
		return
	}
	h.rehashLocked(len(h.buckets.Load().slots), true)
}

// Clear removes every entry, resets the bucket array to its initial size and
// installs new sentinels.
func (h *Hash[K, V]) Clear() {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	stamp := h.lock.StartLayoutChange()
	defer h.lock.FinishLayoutChange(stamp)
	h.buckets.Store(newBucketArray[K, V](h.minTableLen))
	h.setupSentinels(nil, nil)
	h.size.Store(0)
	h.tombstones.Store(0)
	h.logger.V(logDebug).Info("cleared", "buckets", h.minTableLen)
}

func (h *Hash[K, V]) maybeRehashLocked() {
	tableLen := len(h.buckets.Load().slots)
	switch {
	case float64(h.size.Load()) > float64(tableLen)*hashLoadFactor:
		h.rehashLocked(tableLen<<1, false)
	case h.tombstones.Load() > int64(tableLen/hashTombstoneFraction):
		h.rehashLocked(tableLen, false)
	}
}

// rehashLocked must be called with writeMu held. Live entries are relinked
// in sequence order, each in front of its new bucket, so a reader still
// following old bucket links only ever reaches entries that were relinked
// earlier and its walk stays finite.
func (h *Hash[K, V]) rehashLocked(tableLen int, toIdentity bool) {
	tableLen = nextPowOf2(max(tableLen, h.minTableLen, calcTableLen(int(h.size.Load()))))

	stamp := h.lock.StartLayoutChange()
	defer h.lock.FinishLayoutChange(stamp)

	if toIdentity {
		h.byIdentity.Store(true)
	}
	buckets := newBucketArray[K, V](tableLen)
	head, tail := h.head.Load(), h.tail.Load()
	dropped := 0
	for e := head.nextInSequence.Load(); e != tail; {
		next := e.nextInSequence.Load()
		if e.removed.Load() {
			prev := e.prevInSequence.Load()
			prev.nextInSequence.Store(next)
			next.prevInSequence.Store(prev)
			dropped++
		} else {
			if toIdentity {
				e.hash.Store(h.hasher.Hash(e.key, true))
			}
			index := bucketIndex(e.hash.Load(), tableLen)
			e.nextInLookup.Store(buckets.slots[index].Load())
			buckets.slots[index].Store(e)
		}
		e = next
	}
	h.buckets.Store(buckets)
	h.tombstones.Store(0)
	h.totalRehashes.Add(1)
	h.logger.V(logDebug).Info("rehashed", "buckets", tableLen, "size", h.size.Load(),
		"dropped", dropped, "byIdentity", h.byIdentity.Load())
}

// Stats returns statistics for the Hash. Just like other table methods,
// this one is thread-safe, but it's an O(N) operation meant for
// diagnostics.
func (h *Hash[K, V]) Stats() *HashStats {
	buckets := h.buckets.Load()
	stats := &HashStats{
		Buckets:           len(buckets.slots),
		Size:              h.Len(),
		Registered:        h.registry.Len(),
		TotalRehashes:     h.totalRehashes.Load(),
		CompareByIdentity: h.byIdentity.Load(),
	}
	for i := range buckets.slots {
		chain := 0
		for e := buckets.slots[i].Load(); e != nil; e = e.nextInLookup.Load() {
			chain++
			if e.removed.Load() {
				stats.Tombstones++
			}
		}
		if chain == 0 {
			stats.EmptyBuckets++
		}
		stats.LongestChain = max(stats.LongestChain, chain)
	}
	return stats
}

// HashStats is Hash statistics.
//
// Warning: statistics are intended to be used for diagnostic purposes, not
// for production code.
type HashStats struct {
	// Buckets is the length of the bucket array.
	Buckets int
	// EmptyBuckets is the number of buckets with no entry at all.
	EmptyBuckets int
	// Size is the number of live entries.
	Size int
	// Tombstones is the number of removed entries still linked in buckets.
	Tombstones int
	// LongestChain is the longest bucket chain, tombstones included.
	LongestChain      int
	Registered        int
	TotalRehashes     uint32
	CompareByIdentity bool
}

// ToString returns string representation of hash stats.
func (s *HashStats) ToString() string {
	var sb strings.Builder
	sb.WriteString("HashStats{\n")
	sb.WriteString(fmt.Sprintf("Buckets:           %d\n", s.Buckets))
	sb.WriteString(fmt.Sprintf("EmptyBuckets:      %d\n", s.EmptyBuckets))
	sb.WriteString(fmt.Sprintf("Size:              %d\n", s.Size))
	sb.WriteString(fmt.Sprintf("Tombstones:        %d\n", s.Tombstones))
	sb.WriteString(fmt.Sprintf("LongestChain:      %d\n", s.LongestChain))
	sb.WriteString(fmt.Sprintf("Registered:        %d\n", s.Registered))
	sb.WriteString(fmt.Sprintf("TotalRehashes:     %d\n", s.TotalRehashes))
	sb.WriteString(fmt.Sprintf("CompareByIdentity: %t\n", s.CompareByIdentity))
	sb.WriteString("}\n")
	return sb.String()
}
