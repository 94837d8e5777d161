//go:build fll_opt_cachelinesize_64

package fll

// CacheLineSize is forced to 64 bytes by the fll_opt_cachelinesize_64 tag.
const CacheLineSize = 64
