//go:build fll_opt_cachelinesize_128

package fll

// CacheLineSize is forced to 128 bytes by the fll_opt_cachelinesize_128 tag.
// Apple silicon and some POWER parts prefetch in 128-byte pairs.
const CacheLineSize = 128
