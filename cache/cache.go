// Package cache implements the shared fixed-size pools of buffer and
// inode slots.  Every slot carries a reference count; a slot with no
// references may be recycled for another identity, least recently
// used first.  Entries dirtied under a journal remember the LSN of
// their latest logged patch and refuse writeback (and therefore
// eviction) until the volume's log has committed that LSN.
package cache

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/mit-pdos/go-v6fs/layout"
	"github.com/mit-pdos/go-v6fs/util"
)

var ErrNoMem = errors.New("cache full")

// Volume is the owner of cached entries, one per mounted image.
type Volume interface {
	// LogCommitted returns the highest durable LSN, and false if the
	// volume has no log.
	LogCommitted() (layout.Lsn, bool)
	// FlushLog forces the volume's log buffer so committed advances.
	FlushLog()
}

// EntryBase is embedded at the head of every cacheable object.  The
// LRU links are intrusive so steady-state lookups allocate nothing.
type EntryBase struct {
	vol         Volume
	id          uint16
	refcnt      int
	indexed     bool
	Initialized bool
	Dirty       bool
	Logged      bool
	Lsn         layout.Lsn

	lruPrev, lruNext *EntryBase
	obj              Entry
}

type Entry interface {
	// Hdr returns the embedded EntryBase.
	Hdr() *EntryBase
	// Writeback pushes the entry's bytes to their home location.
	Writeback() error
}

func (e *EntryBase) Vol() Volume { return e.vol }
func (e *EntryBase) ID() uint16  { return e.id }
func (e *EntryBase) Refs() int   { return e.refcnt }

func (e *EntryBase) MarkDirty() { e.Dirty = true }

// SetLogged records that the entry's latest change is journaled at
// lsn and must not reach its home location before lsn commits.
func (e *EntryBase) SetLogged(lsn layout.Lsn) {
	e.Lsn = lsn
	e.Logged = true
}

func (e *EntryBase) canEvict() bool {
	if e.refcnt > 0 {
		return false
	}
	if !e.Logged {
		return true
	}
	committed, ok := e.vol.LogCommitted()
	if !ok {
		return true
	}
	return layout.LsnLE(e.Lsn, committed)
}

type key struct {
	vol Volume
	id  uint16
}

type Cache struct {
	name    string
	entries []Entry
	index   map[key]*EntryBase
	// LRU list: front entries are recycled first, the back holds the
	// most recently touched.
	lruFront, lruBack *EntryBase
}

// New creates a pool of size slots, each built by mk.
func New(name string, size int, mk func() Entry) *Cache {
	c := &Cache{
		name:  name,
		index: make(map[key]*EntryBase, size),
	}
	c.entries = make([]Entry, size)
	for i := 0; i < size; i++ {
		e := mk()
		e.Hdr().obj = e
		c.entries[i] = e
		c.pushBack(e.Hdr())
	}
	return c
}

func (c *Cache) unlink(e *EntryBase) {
	if e.lruPrev != nil {
		e.lruPrev.lruNext = e.lruNext
	} else {
		c.lruFront = e.lruNext
	}
	if e.lruNext != nil {
		e.lruNext.lruPrev = e.lruPrev
	} else {
		c.lruBack = e.lruPrev
	}
	e.lruPrev = nil
	e.lruNext = nil
}

func (c *Cache) pushBack(e *EntryBase) {
	e.lruPrev = c.lruBack
	e.lruNext = nil
	if c.lruBack != nil {
		c.lruBack.lruNext = e
	} else {
		c.lruFront = e
	}
	c.lruBack = e
}

func (c *Cache) pushFront(e *EntryBase) {
	e.lruNext = c.lruFront
	e.lruPrev = nil
	if c.lruFront != nil {
		c.lruFront.lruPrev = e
	} else {
		c.lruBack = e
	}
	c.lruFront = e
}

// touch moves an entry to the back of the LRU list.
func (c *Cache) touch(e *EntryBase) {
	c.unlink(e)
	c.pushBack(e)
}

// Lookup returns the entry for (vol, id), recycling a slot if the
// identity is not cached.  The entry comes back with its reference
// count raised; the caller must Release it.
func (c *Cache) Lookup(vol Volume, id uint16) (Entry, error) {
	if e, ok := c.index[key{vol, id}]; ok {
		e.refcnt++
		c.touch(e)
		return e.obj, nil
	}
	e, err := c.alloc()
	if err != nil {
		return nil, err
	}
	if e == nil {
		c.flushAllLogs()
		e, err = c.alloc()
		if err != nil {
			return nil, err
		}
	}
	if e == nil {
		util.DPrintf(0, "%s cache full", c.name)
		return nil, fmt.Errorf("%s: %w", c.name, ErrNoMem)
	}
	e.vol = vol
	e.id = id
	e.indexed = true
	c.index[key{vol, id}] = e
	e.refcnt++
	c.touch(e)
	return e.obj, nil
}

// TryLookup returns the entry only if the identity is already cached.
func (c *Cache) TryLookup(vol Volume, id uint16) Entry {
	e, ok := c.index[key{vol, id}]
	if !ok {
		return nil
	}
	e.refcnt++
	return e.obj
}

// Release drops a reference obtained from Lookup or TryLookup.
func (c *Cache) Release(en Entry) {
	e := en.Hdr()
	if e.refcnt <= 0 {
		panic(c.name + ": release of unreferenced entry")
	}
	e.refcnt--
}

// alloc finds a not recently used slot that is free or evictable.
// Returns nil (no error) if every slot is pinned or log-bound.
func (c *Cache) alloc() (*EntryBase, error) {
	for e := c.lruFront; e != nil; e = e.lruNext {
		if !e.indexed {
			return e, nil
		}
		if !e.canEvict() {
			continue
		}
		if e.Dirty {
			if err := e.obj.Writeback(); err != nil {
				return nil, err
			}
			e.Dirty = false
			e.Logged = false
		}
		delete(c.index, key{e.vol, e.id})
		e.indexed = false
		e.Initialized = false
		return e, nil
	}
	return nil, nil
}

// FreeEntry removes an entry from the index, discards its contents,
// and puts it at the front of the LRU list for the next allocation.
func (c *Cache) FreeEntry(en Entry) {
	e := en.Hdr()
	if !e.indexed {
		panic(c.name + ": double free of cache entry")
	}
	delete(c.index, key{e.vol, e.id})
	e.indexed = false
	e.Logged = false
	e.Dirty = false
	e.Initialized = false
	e.vol = nil
	e.id = 0
	c.unlink(e)
	c.pushFront(e)
}

// Free drops the entry for id (if cached) without writing it back.
func (c *Cache) Free(vol Volume, id uint16) {
	if e, ok := c.index[key{vol, id}]; ok {
		c.FreeEntry(e.obj)
	}
}

// CanAlloc reports whether the next n allocations will succeed.
func (c *Cache) CanAlloc(n int) bool {
	if c.countFree() >= n {
		return true
	}
	c.flushAllLogs()
	return c.countFree() >= n
}

func (c *Cache) countFree() int {
	n := 0
	for e := c.lruFront; e != nil; e = e.lruNext {
		if !e.indexed || e.canEvict() {
			n++
		}
	}
	return n
}

// FlushVol writes back all dirty entries of vol whose logged patches
// are durable.  Errors are accumulated, not fatal.
func (c *Cache) FlushVol(vol Volume) error {
	var errs error
	for _, en := range c.entries {
		e := en.Hdr()
		if !e.indexed || e.vol != vol {
			continue
		}
		if err := c.flushEntry(e); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

// FlushAll writes back dirty-and-durable entries of every volume.
func (c *Cache) FlushAll() error {
	var errs error
	for _, en := range c.entries {
		e := en.Hdr()
		if !e.indexed {
			continue
		}
		if err := c.flushEntry(e); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

func (c *Cache) flushEntry(e *EntryBase) error {
	if !e.Dirty {
		return nil
	}
	if e.Logged {
		committed, ok := e.vol.LogCommitted()
		if ok && !layout.LsnLE(e.Lsn, committed) {
			return nil
		}
	}
	if err := e.obj.Writeback(); err != nil {
		return err
	}
	e.Dirty = false
	e.Logged = false
	return nil
}

// InvalidateVol drops all entries for vol without writeback.
func (c *Cache) InvalidateVol(vol Volume) {
	for _, en := range c.entries {
		e := en.Hdr()
		if e.indexed && e.vol == vol {
			c.FreeEntry(en)
		}
	}
}

// flushAllLogs forces every volume's log.  If no slot can be
// recycled, it is usually because dirty entries have run ahead of log
// durability; advancing committed lets writeback proceed.
func (c *Cache) flushAllLogs() {
	seen := make(map[Volume]bool)
	for e := c.lruFront; e != nil; e = e.lruNext {
		if e.indexed && e.vol != nil && !seen[e.vol] {
			seen[e.vol] = true
			if _, ok := e.vol.LogCommitted(); ok {
				e.vol.FlushLog()
			}
		}
	}
}
