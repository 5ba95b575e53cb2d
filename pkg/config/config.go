// Package config defines eddy's recognised configuration options
// (spec.md §6) and loads them from JSON, HuJSON, or YAML files.
package config

import (
	"errors"
	"fmt"
)

// Flags are the open/save flags recognised by spec.md §6's
// configuration table. Some (Create, Replace, NoBlock, Verbose) only
// affect how Open behaves; others (Allocate, Checksum) describe the
// on-disk format and are persisted into the index header so a later
// open can detect a mismatch.
type Flags uint32

const (
	FlagCreate Flags = 1 << iota
	FlagReplace
	FlagAllocate
	FlagChecksum
	FlagNoBlock
	FlagNoSync
	FlagVerbose
	// FlagCompressMeta zstd-compresses an object's metadata region
	// before it is written to the slab (spec.md §4.I's object header
	// carries a plain metalen/metacrc either way; this flag only
	// changes how pkg/cache interprets those bytes).
	FlagCompressMeta
)

// Persisted is the subset of Flags recorded in the index header,
// checked for consistency on every subsequent open.
const Persisted = FlagAllocate | FlagChecksum | FlagCompressMeta

const (
	DefaultMaxConns = 32
	MaxMaxConns     = 512
)

var (
	// ErrMissingIndexPath is returned by Validate when IndexPath is empty.
	ErrMissingIndexPath = errors.New("config: index_path is required")
	// ErrAllocateNeedsSize is returned when flags.ALLOCATE is set without
	// a slab_size, mirroring original_source/lib/config.c's check.
	ErrAllocateNeedsSize = errors.New("config: flags.ALLOCATE requires slab_size")
	// ErrMaxConnsRange is returned when MaxConns is outside [1, MaxMaxConns].
	ErrMaxConnsRange = errors.New("config: max_conns out of range")
)

// Config is the full set of options accepted by pkg/index.Open,
// spec.md §6's "Configuration (recognised options)" table.
type Config struct {
	IndexPath string `json:"index_path" yaml:"index_path"`
	SlabPath  string `json:"slab_path,omitempty" yaml:"slab_path,omitempty"`
	SlabSize  int64  `json:"slab_size,omitempty" yaml:"slab_size,omitempty"`
	MaxConns  int    `json:"max_conns,omitempty" yaml:"max_conns,omitempty"`

	Flags Flags `json:"-" yaml:"-"`

	Create   bool `json:"create,omitempty" yaml:"create,omitempty"`
	Replace  bool `json:"replace,omitempty" yaml:"replace,omitempty"`
	Allocate bool `json:"allocate,omitempty" yaml:"allocate,omitempty"`
	Checksum bool `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	NoBlock  bool `json:"noblock,omitempty" yaml:"noblock,omitempty"`
	NoSync   bool `json:"nosync,omitempty" yaml:"nosync,omitempty"`
	Verbose  bool `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	CompressMeta bool `json:"compress_meta,omitempty" yaml:"compress_meta,omitempty"`

	// HashAlgorithm selects the pkg/eddyhash algorithm used for both the
	// key hash stored in object headers and the B+tree key derivation.
	// Zero means the package default (xxh3).
	HashAlgorithm int `json:"hash_algorithm,omitempty" yaml:"hash_algorithm,omitempty"`
}

// ResolvedFlags ORs the individual bool fields into a single Flags
// value, the form pkg/index.Open actually consumes.
func (c *Config) ResolvedFlags() Flags {
	f := c.Flags
	if c.Create {
		f |= FlagCreate
	}
	if c.Replace {
		f |= FlagReplace
	}
	if c.Allocate {
		f |= FlagAllocate
	}
	if c.Checksum {
		f |= FlagChecksum
	}
	if c.NoBlock {
		f |= FlagNoBlock
	}
	if c.NoSync {
		f |= FlagNoSync
	}
	if c.Verbose {
		f |= FlagVerbose
	}
	if c.CompressMeta {
		f |= FlagCompressMeta
	}
	return f
}

// SlabPathOrDefault returns SlabPath, defaulting to "{index_path}-slab"
// (spec.md §6).
func (c *Config) SlabPathOrDefault() string {
	if c.SlabPath != "" {
		return c.SlabPath
	}
	return c.IndexPath + "-slab"
}

// MaxConnsOrDefault returns MaxConns, defaulting to 32 (spec.md §6).
func (c *Config) MaxConnsOrDefault() int {
	if c.MaxConns == 0 {
		return DefaultMaxConns
	}
	return c.MaxConns
}

// Validate checks option combinations the way
// original_source/lib/config.c does before an index is created.
func (c *Config) Validate() error {
	if c.IndexPath == "" {
		return ErrMissingIndexPath
	}
	flags := c.ResolvedFlags()
	if flags&FlagAllocate != 0 && c.SlabSize <= 0 {
		return ErrAllocateNeedsSize
	}
	mc := c.MaxConnsOrDefault()
	if mc < 1 || mc > MaxMaxConns {
		return fmt.Errorf("%w: %d", ErrMaxConnsRange, mc)
	}
	return nil
}
