package cache

import (
	"container/list"
	"context"
	"sync"
)

type entry struct {
	key   string
	value any
}

// lruBackend is an item-count bounded in-process LRU.
type lruBackend struct {
	mu       sync.Mutex
	maxItems int
	items    map[string]*list.Element
	lruList  *list.List
}

func newLRUBackend(maxItems int) *lruBackend {
	if maxItems < minItems {
		maxItems = minItems
	}
	return &lruBackend{
		maxItems: maxItems,
		items:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

func (c *lruBackend) Kind() string { return KindMemory }

func (c *lruBackend) Serializes() bool { return false }

func (c *lruBackend) Get(_ context.Context, key string) (any, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false, nil
	}

	c.lruList.MoveToFront(elem)
	return elem.Value.(*entry).value, true, nil
}

func (c *lruBackend) Set(_ context.Context, key string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		elem.Value.(*entry).value = value
		c.lruList.MoveToFront(elem)
		return nil
	}

	for c.lruList.Len() >= c.maxItems {
		oldest := c.lruList.Back()
		if oldest == nil {
			break
		}
		delete(c.items, oldest.Value.(*entry).key)
		c.lruList.Remove(oldest)
	}

	ent := &entry{key: key, value: value}
	elem := c.lruList.PushFront(ent)
	c.items[key] = elem
	return nil
}

func (c *lruBackend) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		delete(c.items, key)
		c.lruList.Remove(elem)
	}
	return nil
}

func (c *lruBackend) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.lruList = list.New()
	return nil
}

func (c *lruBackend) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{MaxSize: c.maxItems, Used: c.lruList.Len(), Items: c.lruList.Len()}
}
