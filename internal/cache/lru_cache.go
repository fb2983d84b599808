// Package cache provides a size bounded least recently used cache.
package cache

import (
	"container/list"
	"sync"
)

type entry[K comparable, V any] struct {
	key   K
	value V
}

// LRUCache is safe for concurrent use. A maxSize below 1 disables caching.
type LRUCache[K comparable, V any] struct {
	mu         sync.Mutex
	maxSize    int
	cache      map[K]*list.Element
	doubleList *list.List
}

func NewLRUCache[K comparable, V any](maxSize int) *LRUCache[K, V] {
	return &LRUCache[K, V]{
		maxSize:    maxSize,
		cache:      make(map[K]*list.Element),
		doubleList: list.New(),
	}
}

// Set adds or updates key and marks it most recently used, evicting the
// least recently used key when full.
func (l *LRUCache[K, V]) Set(key K, value V) {
	if l.maxSize < 1 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if element, exists := l.cache[key]; exists {
		l.doubleList.MoveToFront(element)
		element.Value.(*entry[K, V]).value = value
		return
	}

	l.cache[key] = l.doubleList.PushFront(&entry[K, V]{key: key, value: value})
	if l.doubleList.Len() > l.maxSize {
		l.removeElement(l.doubleList.Back())
	}
}

func (l *LRUCache[K, V]) Get(key K) (V, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	element, exists := l.cache[key]
	if !exists {
		var zero V
		return zero, false
	}
	l.doubleList.MoveToFront(element)
	return element.Value.(*entry[K, V]).value, true
}

func (l *LRUCache[K, V]) Delete(key K) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if element, exists := l.cache[key]; exists {
		l.removeElement(element)
	}
}

// Purge empties the cache.
func (l *LRUCache[K, V]) Purge() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.cache)
	l.doubleList.Init()
}

func (l *LRUCache[K, V]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.doubleList.Len()
}

func (l *LRUCache[K, V]) removeElement(element *list.Element) {
	l.doubleList.Remove(element)
	delete(l.cache, element.Value.(*entry[K, V]).key)
}
