package fll

import (
	"math/bits"
	"math/rand"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// Hasher supplies key hashing and equality to a Hash. byIdentity selects
// between the table's two comparison modes: value equality and identity.
// Equal receives both hashes so implementations can reject on them first.
type Hasher[K any] interface {
	Hash(key K, byIdentity bool) uintptr
	Equal(key K, hash uintptr, other K, otherHash uintptr, byIdentity bool) bool
}

// HasherFunc adapts two functions to a Hasher.
type HasherFunc[K any] struct {
	HashFn  func(key K, byIdentity bool) uintptr
	EqualFn func(key, other K, byIdentity bool) bool
}

func (h HasherFunc[K]) Hash(key K, byIdentity bool) uintptr {
	return h.HashFn(key, byIdentity)
}

func (h HasherFunc[K]) Equal(key K, hash uintptr, other K, otherHash uintptr, byIdentity bool) bool {
	return hash == otherHash && h.EqualFn(key, other, byIdentity)
}

// BuiltinHasher returns a Hasher using the hash function the Go runtime
// uses for map[K], with a random seed, and == for equality. Both modes
// behave the same: for pointer, channel and interface-of-pointer keys ==
// already is identity.
func BuiltinHasher[K comparable]() Hasher[K] {
	return builtinHasher[K]{
		seed: uintptr(rand.Uint64()),
		hash: defaultHasherUsingBuiltIn[K](),
	}
}

type builtinHasher[K comparable] struct {
	seed uintptr
	hash hashFunc
}

func (h builtinHasher[K]) Hash(key K, _ bool) uintptr {
	return h.hash(noescape(unsafe.Pointer(&key)), h.seed)
}

func (h builtinHasher[K]) Equal(key K, hash uintptr, other K, otherHash uintptr, _ bool) bool {
	return hash == otherHash && key == other
}

// StringHasher returns an unseeded xxHash Hasher for string keys. Bucket
// placement is the same in every process, which keeps Stats reproducible.
// Strings have no identity beyond their contents, so both modes compare by
// value.
func StringHasher() Hasher[string] {
	return stringHasher{}
}

type stringHasher struct{}

func (stringHasher) Hash(key string, _ bool) uintptr {
	return uintptr(xxhash.Sum64String(key))
}

func (stringHasher) Equal(key string, hash uintptr, other string, otherHash uintptr, _ bool) bool {
	return hash == otherHash && key == other
}

// bucketIndex spreads hash with the golden ratio constant and keeps the top
// bits, so sequential integer hashes do not pile up in neighbouring buckets.
// tableLen must be a power of 2.
func bucketIndex(hash uintptr, tableLen int) int {
	if tableLen <= 1 {
		return 0
	}
	shift := bits.UintSize - bits.TrailingZeros(uint(tableLen))
	return int((hash * hashPrime) >> shift)
}

// nextPowOf2 calculates the smallest power of 2 that is greater than or equal to n.
// Compatible with both 32-bit and 64-bit systems.
func nextPowOf2(n int) int {
	if n <= 0 {
		return 1
	}

	if bits.UintSize == 32 {
		v := uint32(n)
		v--
		v |= v >> 1
		v |= v >> 2
		v |= v >> 4
		v |= v >> 8
		v |= v >> 16
		v++
		return int(v)
	}

	v := uint64(n)
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	v++
	return int(v)
}

// noescape hides a pointer from escape analysis.  noescape is
// the identity function but escape analysis doesn't think the
// output depends on the input.  noescape is inlined and currently
// compiles down to zero instructions.
// USE CAREFULLY!
//
// nolint:all
//
//go:nosplit
//goland:noinspection ALL
func noescape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}

type hashFunc func(unsafe.Pointer, uintptr) uintptr

// defaultHasherUsingBuiltIn obtains Go's built-in hash function for K
// through the runtime's map type descriptor.
//
// Notes:
//   - This implementation relies on Go's internal type representation
//   - It should be verified for compatibility with each Go version upgrade
func defaultHasherUsingBuiltIn[K comparable]() hashFunc {
	var m map[K]struct{}
	return iTypeOf(m).MapType().Hasher
}

type iTFlag uint8
type iKind uint8
type iNameOff int32

// TypeOff is the offset to a type from moduledata.types.  See resolveTypeOff in runtime.
type iTypeOff int32

type iType struct {
	Size_       uintptr
	PtrBytes    uintptr // number of (prefix) bytes in the type that can contain pointers
	Hash        uint32  // hash of type; avoids computation in hash tables
	TFlag       iTFlag  // extra type information flags
	Align_      uint8   // alignment of variable with this type
	FieldAlign_ uint8   // alignment of struct field with this type
	Kind_       iKind   // enumeration for C
	// function for comparing objects of this type
	// (ptr to object A, ptr to object B) -> ==?
	Equal     func(unsafe.Pointer, unsafe.Pointer) bool
	GCData    *byte
	Str       iNameOff // string form
	PtrToThis iTypeOff // type for pointer to this type, may be zero
}

func (t *iType) MapType() *iMapType {
	return (*iMapType)(unsafe.Pointer(t))
}

type iMapType struct {
	iType
	Key   *iType
	Elem  *iType
	Group *iType // internal type representing a slot group
	// function for hashing keys (ptr to key, seed) -> hash
	Hasher func(unsafe.Pointer, uintptr) uintptr
}

func iTypeOf(a any) *iType {
	eface := *(*iEmptyInterface)(unsafe.Pointer(&a))
	// Types are either static (for compiler-created types) or
	// heap-allocated but always reachable (for reflection-created
	// types, held in the central map). So there is no need to
	// escape types. noescape here help avoid unnecessary escape
	// of v.
	return (*iType)(noescape(unsafe.Pointer(eface.Type)))
}

type iEmptyInterface struct {
	Type *iType
	Data unsafe.Pointer
}
