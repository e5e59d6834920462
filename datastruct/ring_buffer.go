package datastruct

import (
	"sync"
)

// RingBuffer is a fixed-size circular buffer safe for concurrent use.
// Once full, each new element overwrites the oldest one.
type RingBuffer[T any] struct {
	size    int
	counter uint64
	buf     []T
	mutex   *sync.RWMutex
}

// NewRingBuffer returns an initialised ring buffer.
func NewRingBuffer[T any](size int) *RingBuffer[T] {
	if size < 1 {
		panic("NewRingBuffer: size must be greater than 0")
	}
	return &RingBuffer[T]{
		size:  size,
		buf:   make([]T, size),
		mutex: new(sync.RWMutex),
	}
}

// Push places a new element into ring buffer.
func (r *RingBuffer[T]) Push(elem T) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.buf[r.counter%uint64(r.size)] = elem
	r.counter++
}

// Len returns the number of elements currently held, which never exceeds the size.
func (r *RingBuffer[T]) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.len()
}

func (r *RingBuffer[T]) len() int {
	if r.counter < uint64(r.size) {
		return int(r.counter)
	}
	return r.size
}

// Clear discards all elements.
func (r *RingBuffer[T]) Clear() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.buf = make([]T, r.size)
	r.counter = 0
}

/*
IterateReverse traverses the ring buffer from the latest element to the oldest element.
If the function returns false, iteration is stopped immediately.
*/
func (r *RingBuffer[T]) IterateReverse(fun func(T) bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	for i := 0; i < r.len(); i++ {
		index := (r.counter - 1 - uint64(i)) % uint64(r.size)
		if !fun(r.buf[index]) {
			return
		}
	}
}

// GetAll returns all elements from the oldest to the latest.
func (r *RingBuffer[T]) GetAll() []T {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	n := r.len()
	ret := make([]T, n)
	for i := 0; i < n; i++ {
		ret[i] = r.buf[(r.counter-uint64(n)+uint64(i))%uint64(r.size)]
	}
	return ret
}
