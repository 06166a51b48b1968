// Package cache provides the swap cache: the race-checked association
// between resident pages and the backing-store slots holding their content.
package cache

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	swaperr "swapvm/pkg/error"
	"swapvm/pkg/logging"
	"swapvm/pkg/primitives"
	"swapvm/pkg/vm/page"
)

// DefaultShards is the number of lock stripes when none is configured.
const DefaultShards = 16

// Key identifies a cached page by its owning object and offset.
type Key struct {
	Object primitives.ObjectID
	Index  primitives.PageIndex
}

// KeyOf returns the cache key of a page.
func KeyOf(p *page.Page) Key {
	return Key{Object: p.Owner(), Index: p.Index()}
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%d", k.Object.Short(), uint64(k.Index))
}

func (k Key) hash() uint64 {
	h := fnv.New64a()
	h.Write(k.Object[:])
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(k.Index))
	h.Write(buf[:])
	return h.Sum64()
}

// SlotRefs is the part of the slot registry the cache needs: a conditional
// duplicate for taking its own reference, and free for undoing it.
type SlotRefs interface {
	ID() primitives.ObjectID
	TryDuplicate(slot primitives.SlotID) bool
	Free(slot primitives.SlotID) (primitives.RefCount, error)
}

// Stats counts cache outcomes since creation.
type Stats struct {
	Entries         int
	Inserts         uint64
	Removes         uint64
	Hits            uint64
	Misses          uint64
	LostKeyRaces    uint64
	LostSlotRaces   uint64
	SlotGoneRetries uint64
}

type shard struct {
	mu    sync.RWMutex
	pages map[Key]*page.Page
}

// Cache maps (object, offset) to the resident page cached under a slot, and
// each slot back to its page. One cache serves one swap area.
//
// The cache holds its own reference on every mapped slot. Insert takes it,
// Remove hands it back to the caller, who decides whether to free it.
type Cache struct {
	space  SlotRefs
	shards []shard
	slots  sync.Map // primitives.SlotID -> *page.Page

	entries  atomic.Int64
	inserts  atomic.Uint64
	removes  atomic.Uint64
	hits     atomic.Uint64
	misses   atomic.Uint64
	keyLost  atomic.Uint64
	slotLost atomic.Uint64
	gone     atomic.Uint64
}

// New creates a cache over the given slot registry with nshards lock
// stripes. A non-positive nshards uses DefaultShards.
func New(space SlotRefs, nshards int) *Cache {
	if nshards <= 0 {
		nshards = DefaultShards
	}
	c := &Cache{
		space:  space,
		shards: make([]shard, nshards),
	}
	for i := range c.shards {
		c.shards[i].pages = make(map[Key]*page.Page)
	}
	return c
}

// Space returns the id of the swap area the cache partitions.
func (c *Cache) Space() primitives.ObjectID { return c.space.ID() }

func (c *Cache) shardFor(k Key) *shard {
	return &c.shards[k.hash()%uint64(len(c.shards))]
}

// Insert registers p under slot. The caller must hold p's busy lock and a
// reference on slot.
//
// Two outcomes are ordinary races, not failures:
//   - SLOT_GONE: the slot's count reached zero before the cache could take
//     its reference. Retry with a fresh slot or abandon.
//   - ALREADY_PRESENT: another page already holds the key, or another page is
//     already cached under the slot. Release your slot reference and adopt
//     the existing mapping.
func (c *Cache) Insert(p *page.Page, slot primitives.SlotID) error {
	p.AssertBusy("swap cache insert")
	if p.InSwapCache() {
		swaperr.Fatal(swaperr.CodeInvariant, "insert of %s already cached under %v", p, p.Slot())
	}

	key := KeyOf(p)
	sh := c.shardFor(key)
	log := logging.WithPage(key.Object, key.Index)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.pages[key]; exists {
		c.keyLost.Add(1)
		log.Debug("swap cache insert lost key race", "slot", uint64(slot))
		return swaperr.AlreadyPresent("key " + key.String()).WithOp("Insert", "SwapCache")
	}

	if !c.space.TryDuplicate(slot) {
		c.gone.Add(1)
		log.Debug("swap cache insert found slot gone", "slot", uint64(slot))
		return swaperr.SlotGone(uint64(slot)).WithOp("Insert", "SwapCache")
	}

	if _, loaded := c.slots.LoadOrStore(slot, p); loaded {
		if _, err := c.space.Free(slot); err != nil {
			swaperr.Fatal(swaperr.CodeInvariant, "undo of cache reference on %v failed: %v", slot, err)
		}
		c.slotLost.Add(1)
		log.Debug("swap cache insert lost slot race", "slot", uint64(slot))
		return swaperr.AlreadyPresent(slot.String()).WithOp("Insert", "SwapCache")
	}

	sh.pages[key] = p
	p.AttachSlot(slot)
	c.entries.Add(1)
	c.inserts.Add(1)
	return nil
}

// Remove unregisters p and returns the slot it was cached under together
// with the cache's reference on that slot. The slot is not freed here. It
// returns false when p is not in the cache. The caller must hold p's busy
// lock.
func (c *Cache) Remove(p *page.Page) (primitives.SlotID, bool) {
	p.AssertBusy("swap cache remove")
	if !p.InSwapCache() {
		return primitives.InvalidSlot, false
	}

	key := KeyOf(p)
	sh := c.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if cur := sh.pages[key]; cur != p {
		swaperr.Fatal(swaperr.CodeInvariant, "swap cache entry for %s is %v, not %s", key, cur, p)
	}
	slot := p.Slot()
	if !c.slots.CompareAndDelete(slot, p) {
		swaperr.Fatal(swaperr.CodeInvariant, "slot index for %v does not point at %s", slot, p)
	}
	delete(sh.pages, key)
	p.DetachSlot()

	c.entries.Add(-1)
	c.removes.Add(1)
	return slot, true
}

// Lookup finds the page cached for key. On a hit the page is returned with
// a hold taken under the stripe lock; the caller must Release it.
func (c *Cache) Lookup(key Key) (*page.Page, bool) {
	sh := c.shardFor(key)

	sh.mu.RLock()
	p, ok := sh.pages[key]
	if ok {
		p.Hold()
	}
	sh.mu.RUnlock()

	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return p, ok
}

// LookupSlot finds the page cached under slot, with a hold taken.
func (c *Cache) LookupSlot(slot primitives.SlotID) (*page.Page, bool) {
	v, ok := c.slots.Load(slot)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	p := v.(*page.Page)
	key := KeyOf(p)
	sh := c.shardFor(key)

	sh.mu.RLock()
	// recheck: the entry may have been removed after the index load
	cur, ok := sh.pages[key]
	ok = ok && cur == p && p.Slot() == slot
	if ok {
		p.Hold()
	}
	sh.mu.RUnlock()

	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return p, ok
}

// Contains reports whether key is cached, without taking a hold.
func (c *Cache) Contains(key Key) bool {
	sh := c.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	_, ok := sh.pages[key]
	return ok
}

// Len returns the number of cached pages.
func (c *Cache) Len() int {
	return int(c.entries.Load())
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Entries:         c.Len(),
		Inserts:         c.inserts.Load(),
		Removes:         c.removes.Load(),
		Hits:            c.hits.Load(),
		Misses:          c.misses.Load(),
		LostKeyRaces:    c.keyLost.Load(),
		LostSlotRaces:   c.slotLost.Load(),
		SlotGoneRetries: c.gone.Load(),
	}
}
