package reply

import (
	"container/list"
	"sync"
)

// Cache maps notification ids to the most recently resolved Action.
//
// It is written from the platform callback goroutine and read by whoever
// dispatches replies, so implementations must be safe for concurrent use.
type Cache interface {
	Put(id int, a Action)
	Get(id int) (Action, bool)
	Remove(id int)
	Len() int
}

// NewCache returns a mutex-guarded cache. maxEntries <= 0 means unbounded
// (entries live until removed); a positive bound evicts the least recently
// used id.
func NewCache(maxEntries int) Cache {
	if maxEntries < 0 {
		maxEntries = 0
	}
	return &memCache{
		max:   maxEntries,
		items: map[int]*list.Element{},
		order: list.New(),
	}
}

type cacheEntry struct {
	id int
	a  Action
}

type memCache struct {
	mu    sync.Mutex
	max   int
	items map[int]*list.Element
	// order is front = most recently used; only maintained when max > 0.
	order *list.List
}

func (c *memCache) Put(id int, a Action) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[id]; ok {
		el.Value.(*cacheEntry).a = a
		if c.max > 0 {
			c.order.MoveToFront(el)
		}
		return
	}
	c.items[id] = c.order.PushFront(&cacheEntry{id: id, a: a})
	if c.max > 0 {
		for c.order.Len() > c.max {
			oldest := c.order.Back()
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).id)
		}
	}
}

func (c *memCache) Get(id int) (Action, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[id]
	if !ok {
		return Action{}, false
	}
	if c.max > 0 {
		c.order.MoveToFront(el)
	}
	return el.Value.(*cacheEntry).a, true
}

func (c *memCache) Remove(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[id]; ok {
		c.order.Remove(el)
		delete(c.items, id)
	}
}

func (c *memCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
