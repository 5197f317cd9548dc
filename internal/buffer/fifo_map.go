package buffer

import "container/list"

// FIFOMap is an insertion-ordered map with an optional size bound. When an
// insert exceeds the bound the oldest inserted key is evicted. Updating the
// value of an existing key keeps its position: this is FIFO, not LRU.
//
// FIFOMap is not safe for concurrent use; the server only touches it from
// the event loop.
type FIFOMap[K comparable, V any] struct {
	bound int
	order *list.List
	index map[K]*list.Element
}

type fifoEntry[K comparable, V any] struct {
	key   K
	value V
}

// NewFIFOMap creates a FIFOMap holding at most bound entries. A bound of 0
// means unbounded.
func NewFIFOMap[K comparable, V any](bound int) *FIFOMap[K, V] {
	return &FIFOMap[K, V]{
		bound: bound,
		order: list.New(),
		index: make(map[K]*list.Element),
	}
}

// Set inserts or updates key and returns the keys evicted to respect the bound.
func (m *FIFOMap[K, V]) Set(key K, value V) []K {
	if el, ok := m.index[key]; ok {
		el.Value.(*fifoEntry[K, V]).value = value
		return nil
	}
	m.index[key] = m.order.PushBack(&fifoEntry[K, V]{key: key, value: value})

	var evicted []K
	for m.bound > 0 && m.order.Len() > m.bound {
		oldest := m.order.Front()
		e := oldest.Value.(*fifoEntry[K, V])
		m.order.Remove(oldest)
		delete(m.index, e.key)
		evicted = append(evicted, e.key)
	}
	return evicted
}

// Get returns the value for key.
func (m *FIFOMap[K, V]) Get(key K) (V, bool) {
	if el, ok := m.index[key]; ok {
		return el.Value.(*fifoEntry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Has reports whether key is present.
func (m *FIFOMap[K, V]) Has(key K) bool {
	_, ok := m.index[key]
	return ok
}

// Delete removes key and reports whether it was present.
func (m *FIFOMap[K, V]) Delete(key K) bool {
	el, ok := m.index[key]
	if !ok {
		return false
	}
	m.order.Remove(el)
	delete(m.index, key)
	return true
}

// Pop removes key and returns its value.
func (m *FIFOMap[K, V]) Pop(key K) (V, bool) {
	v, ok := m.Get(key)
	if ok {
		m.Delete(key)
	}
	return v, ok
}

// Len returns the number of entries.
func (m *FIFOMap[K, V]) Len() int {
	return m.order.Len()
}

// Keys returns the keys in insertion order.
func (m *FIFOMap[K, V]) Keys() []K {
	keys := make([]K, 0, m.order.Len())
	for el := m.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*fifoEntry[K, V]).key)
	}
	return keys
}

// Values returns the values in insertion order.
func (m *FIFOMap[K, V]) Values() []V {
	values := make([]V, 0, m.order.Len())
	for el := m.order.Front(); el != nil; el = el.Next() {
		values = append(values, el.Value.(*fifoEntry[K, V]).value)
	}
	return values
}

// Range calls fn for every entry in insertion order until fn returns false.
// fn must not modify the map.
func (m *FIFOMap[K, V]) Range(fn func(K, V) bool) {
	for el := m.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*fifoEntry[K, V])
		if !fn(e.key, e.value) {
			return
		}
	}
}
