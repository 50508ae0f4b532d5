package cache

import (
	"sync"

	"github.com/23skdu/longbow-abs/internal/sched"
)

// Key identifies a tile plan.
type Key struct {
	Num      int
	Units    int
	Capacity int
}

// PlanCache defines a generic interface for caching tile plans.
type PlanCache interface {
	// Get retrieves a plan from the cache.
	Get(key Key) (*sched.Plan, bool)
	// Put stores a plan in the cache.
	Put(key Key, plan *sched.Plan)
	// Size returns the number of items in the cache.
	Size() int
}

// DefaultMaxEntries bounds a MapCache created with NewMapCache(0).
const DefaultMaxEntries = 1024

// MapCache is a simple in-memory implementation of PlanCache. Plans are
// immutable, so they are shared rather than copied. When full, the cache is
// cleared; launch shapes in a process tend to repeat, so it refills quickly.
type MapCache struct {
	data       map[Key]*sched.Plan
	maxEntries int
	mu         sync.RWMutex
}

func NewMapCache(maxEntries int) *MapCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &MapCache{
		data:       make(map[Key]*sched.Plan),
		maxEntries: maxEntries,
	}
}

func (c *MapCache) Get(key Key) (*sched.Plan, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.data[key]
	return p, ok
}

func (c *MapCache) Put(key Key, plan *sched.Plan) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.data[key]; !ok && len(c.data) >= c.maxEntries {
		clear(c.data)
	}
	c.data[key] = plan
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Plan returns the cached plan for key, building and caching it on a miss.
func Plan(c PlanCache, key Key) (*sched.Plan, error) {
	if p, ok := c.Get(key); ok {
		planHits.Inc()
		return p, nil
	}
	planMisses.Inc()
	p, err := sched.NewPlan(key.Num, key.Units, key.Capacity)
	if err != nil {
		return nil, err
	}
	c.Put(key, p)
	return p, nil
}
