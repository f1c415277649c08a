package arch

import (
	"bytes"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the number of decoded instructions a Cached keeps.
const DefaultCacheSize = 4096

// Cached memoizes decoded instructions by address. An entry is reused only
// if the bytes at the address are unchanged.
//
// Each lifting worker owns its own Cached.
type Cached struct {
	Arch
	cache *lru.Cache[uint64, Instruction]

	hits, misses int
}

// NewCached wraps a with an LRU cache of the given size.
func NewCached(a Arch, size int) (*Cached, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[uint64, Instruction](size)
	if err != nil {
		return nil, err
	}
	return &Cached{Arch: a, cache: c}, nil
}

// Decode returns the cached instruction at pc or decodes it.
func (c *Cached) Decode(pc uint64, code []byte) (Instruction, error) {
	if inst, ok := c.cache.Get(pc); ok && len(code) >= inst.Size && bytes.Equal(inst.Bytes, code[:inst.Size]) {
		c.hits++
		return inst, nil
	}
	c.misses++
	inst, err := c.Arch.Decode(pc, code)
	if err != nil {
		return inst, err
	}
	c.cache.Add(pc, inst)
	return inst, nil
}

// Stats returns the cache hit and miss counts.
func (c *Cached) Stats() (hits, misses int) {
	return c.hits, c.misses
}
