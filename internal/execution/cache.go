package execution

import (
	"sync"

	"github.com/evalgraph/evalgraph/dag"
)

// Key addresses one cached output.
type Key struct {
	Node dag.NodeHandle
	Port dag.PortName
}

// Record is one cached output result.
type Record struct {
	Fingerprint dag.Fingerprint
	Value       dag.Value
	Revision    uint64
}

// Update is one pending cache write, staged in a per-execution results
// buffer and merged atomically when the execution finishes.
type Update struct {
	Key         Key
	Fingerprint dag.Fingerprint
	Value       dag.Value
}

type entry struct {
	rec  Record
	tick uint64
}

// Cache is the per-engine associative store of prior output results.
// A bounded capacity applies to cacheable outputs; evictions never affect
// correctness, only reuse.
type Cache struct {
	mu       sync.RWMutex
	capacity int
	records  map[Key]*entry
	revision uint64
	tick     uint64
}

// NewCache creates a cache holding at most capacity records. A capacity
// of zero or less means unbounded.
func NewCache(capacity int) *Cache {
	return &Cache{
		capacity: capacity,
		records:  make(map[Key]*entry),
	}
}

// Get returns the record for a key and refreshes its recency.
func (c *Cache) Get(k Key) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.records[k]
	if !ok {
		return Record{}, false
	}
	c.tick++
	e.tick = c.tick
	return e.rec, true
}

// Peek returns the record for a key without touching recency.
func (c *Cache) Peek(k Key) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.records[k]
	if !ok {
		return Record{}, false
	}
	return e.rec, true
}

// Merge applies a batch of updates atomically. Each update replaces any
// previous record for its key.
func (c *Cache) Merge(updates []Update) {
	if len(updates) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range updates {
		c.put(u.Key, u.Fingerprint, u.Value)
	}
}

// Put stores a single record.
func (c *Cache) Put(k Key, fp dag.Fingerprint, v dag.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(k, fp, v)
}

func (c *Cache) put(k Key, fp dag.Fingerprint, v dag.Value) {
	c.revision++
	c.tick++
	c.records[k] = &entry{
		rec:  Record{Fingerprint: fp, Value: v, Revision: c.revision},
		tick: c.tick,
	}
	if c.capacity > 0 && len(c.records) > c.capacity {
		c.evictOldest(k)
	}
}

// evictOldest drops the least recently used record, never the one just
// written.
func (c *Cache) evictOldest(just Key) {
	var victim Key
	var oldest uint64
	found := false
	for k, e := range c.records {
		if k == just {
			continue
		}
		if !found || e.tick < oldest {
			victim, oldest, found = k, e.tick, true
		}
	}
	if found {
		delete(c.records, victim)
	}
}

// Drop removes the record for a key.
func (c *Cache) Drop(k Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.records[k]
	delete(c.records, k)
	return ok
}

// DropNode removes every record belonging to a node.
func (c *Cache) DropNode(h dag.NodeHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.records {
		if k.Node == h {
			delete(c.records, k)
		}
	}
}

// Flush removes all records.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = make(map[Key]*entry)
}

// Len returns the number of stored records.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Revision returns the monotonic counter of the latest write.
func (c *Cache) Revision() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.revision
}
