package fll

import (
	"github.com/go-logr/logr"
)

// Verbosity levels passed to logr's V().
const (
	logDebug = 4
	logTrace = 5
)

const (
	// defaultMinArrayCap is the slot capacity of a new Array.
	defaultMinArrayCap = 16
	// defaultSegmentSize is the number of slots per segment of a
	// SegmentedEncoding array. Must be a power of 2.
	defaultSegmentSize = 64
	// defaultMinHashTableLen is the bucket count of a new Hash.
	defaultMinHashTableLen = 8
	// hashLoadFactor is the live-entries-per-bucket ratio that triggers
	// a rehash to twice the bucket count.
	hashLoadFactor = 0.75
	// hashTombstoneFraction: a rehash at the same bucket count is started
	// once tombstones exceed tableLen/hashTombstoneFraction.
	hashTombstoneFraction = 2
)

// Config defines configurable options shared by LayoutLock, Array and Hash.
type Config struct {
	sizeHint       int
	logger         logr.Logger
	encoding       Encoding
	segmentSize    int
	hasher         any
	compareByIdent bool
}

func newConfig(options []func(*Config)) *Config {
	c := &Config{
		logger:      logr.Discard(),
		encoding:    FlatEncoding,
		segmentSize: defaultSegmentSize,
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// WithPresize configures a new container with room for sizeHint elements
// before its first layout change. Zero or negative values are ignored.
func WithPresize(sizeHint int) func(*Config) {
	return func(c *Config) {
		c.sizeHint = sizeHint
	}
}

// WithLogger sets the logger used for slow paths, layout changes and
// registration. The default discards everything.
func WithLogger(logger logr.Logger) func(*Config) {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithEncoding selects the initial storage encoding of an Array.
func WithEncoding(enc Encoding) func(*Config) {
	return func(c *Config) {
		c.encoding = enc
	}
}

// WithSegmentSize sets the segment length of SegmentedEncoding arrays.
// It is rounded up to a power of 2.
func WithSegmentSize(n int) func(*Config) {
	return func(c *Config) {
		if n > 0 {
			c.segmentSize = nextPowOf2(n)
		}
	}
}

// WithHasher sets the key hashing and equality functions of a Hash.
// The key type must match the Hash's key type.
func WithHasher[K any](h Hasher[K]) func(*Config) {
	return func(c *Config) {
		c.hasher = h
	}
}

// WithCompareByIdentity makes a new Hash compare keys by identity.
func WithCompareByIdentity() func(*Config) {
	return func(c *Config) {
		c.compareByIdent = true
	}
}
