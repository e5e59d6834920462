package datastruct

import (
	"container/list"
	"fmt"
	"sync"
)

// LeastRecentlyUsedBuffer remembers a bounded number of keys and evicts the
// least recently used key to make room for a new one.
type LeastRecentlyUsedBuffer[K comparable] struct {
	maxCapacity int
	order       *list.List
	elems       map[K]*list.Element
	mutex       *sync.Mutex
}

// NewLeastRecentlyUsedBuffer returns an initialised LRU buffer.
func NewLeastRecentlyUsedBuffer[K comparable](maxCapacity int) *LeastRecentlyUsedBuffer[K] {
	if maxCapacity < 1 {
		panic("NewLeastRecentlyUsedBuffer: size must be greater than 0")
	}
	return &LeastRecentlyUsedBuffer[K]{
		maxCapacity: maxCapacity,
		order:       list.New(),
		elems:       make(map[K]*list.Element),
		mutex:       new(sync.Mutex),
	}
}

// Add the key into LRU buffer, or refresh its recency if it is already present.
// If the oldest key had to be evicted to make room, it is returned along with
// hasEvicted set to true.
func (lru *LeastRecentlyUsedBuffer[K]) Add(key K) (alreadyPresent bool, evicted K, hasEvicted bool) {
	lru.mutex.Lock()
	defer lru.mutex.Unlock()
	if elem, present := lru.elems[key]; present {
		lru.order.MoveToFront(elem)
		return true, evicted, false
	}
	if lru.order.Len() == lru.maxCapacity {
		oldest := lru.order.Back()
		evicted = lru.order.Remove(oldest).(K)
		delete(lru.elems, evicted)
		hasEvicted = true
	}
	lru.elems[key] = lru.order.PushFront(key)
	return
}

// Contains returns true only if the key is currently in the LRU buffer.
func (lru *LeastRecentlyUsedBuffer[K]) Contains(key K) bool {
	lru.mutex.Lock()
	defer lru.mutex.Unlock()
	_, exists := lru.elems[key]
	return exists
}

// Remove the key from LRU buffer, freeing up a unit of capacity.
func (lru *LeastRecentlyUsedBuffer[K]) Remove(key K) {
	lru.mutex.Lock()
	defer lru.mutex.Unlock()
	if elem, exists := lru.elems[key]; exists {
		lru.order.Remove(elem)
		delete(lru.elems, key)
	}
}

// Len returns the number of keys currently kept in the buffer.
func (lru *LeastRecentlyUsedBuffer[K]) Len() int {
	lru.mutex.Lock()
	defer lru.mutex.Unlock()
	return lru.order.Len()
}

func (lru *LeastRecentlyUsedBuffer[K]) String() string {
	lru.mutex.Lock()
	defer lru.mutex.Unlock()
	keys := make([]K, 0, lru.order.Len())
	for elem := lru.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(K))
	}
	return fmt.Sprintf("%+v", keys)
}
