package arena

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// SlabCache is a fixed-capacity object cache. Objects live in one backing
// array for the lifetime of the cache, so a pointer handed out by Alloc stays
// valid (and may be handed out again) after Free. Whoever frees an object is
// responsible for making sure no one still uses it.
type SlabCache[T any] struct {
	name    string
	objects []T
	free    *bitset.BitSet // set bit == slot free

	// Statistics
	allocated uint32
	allocs    uint64
	frees     uint64

	mu sync.Mutex
}

// NewSlabCache creates a cache holding up to capacity objects.
func NewSlabCache[T any](name string, capacity int) *SlabCache[T] {
	if capacity <= 0 {
		panic(fmt.Sprintf("slab cache %s: capacity must be positive", name))
	}
	free := bitset.New(uint(capacity))
	free.FlipRange(0, uint(capacity))
	return &SlabCache[T]{
		name:    name,
		objects: make([]T, capacity),
		free:    free,
	}
}

// Alloc returns the lowest free slot and a pointer to its object. The object
// keeps whatever contents it had when it was last freed.
func (sc *SlabCache[T]) Alloc() (int, *T, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	idx, ok := sc.free.NextSet(0)
	if !ok {
		return -1, nil, false
	}
	sc.free.Clear(idx)
	sc.allocated++
	sc.allocs++
	return int(idx), &sc.objects[idx], true
}

// Free returns a slot to the cache.
func (sc *SlabCache[T]) Free(idx int) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if idx < 0 || idx >= len(sc.objects) {
		return fmt.Errorf("slab cache %s: object index %d out of range", sc.name, idx)
	}
	if sc.free.Test(uint(idx)) {
		return fmt.Errorf("slab cache %s: double free of object %d", sc.name, idx)
	}
	sc.free.Set(uint(idx))
	sc.allocated--
	sc.frees++
	return nil
}

// Get returns the object in slot idx, allocated or not.
func (sc *SlabCache[T]) Get(idx int) *T {
	return &sc.objects[idx]
}

// Statistics

type SlabStats struct {
	Name        string
	Allocated   uint32
	Capacity    uint32
	Allocs      uint64
	Frees       uint64
	Utilization float32
}

func (sc *SlabCache[T]) GetStats() SlabStats {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	capacity := uint32(len(sc.objects))
	return SlabStats{
		Name:        sc.name,
		Allocated:   sc.allocated,
		Capacity:    capacity,
		Allocs:      sc.allocs,
		Frees:       sc.frees,
		Utilization: float32(sc.allocated) / float32(capacity) * 100,
	}
}
