package arena

import (
	"fmt"
	"sort"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/ebahmer/akaros/kernel/utils"
)

// Buddy allocator for physically contiguous page runs (4KB-1MB).
// Power-of-2 block sizes with coalescing on free.

const (
	PGSIZE           = 4096        // 4KB
	MAX_BUDDY_SIZE   = 1024 * 1024 // 1MB
	NUM_BUDDY_LEVELS = 9           // 4KB to 1MB
)

type BuddyAllocator struct {
	base      uint64
	totalSize uint64

	// Free blocks per level (0=4KB, 1=8KB, ..., 8=1MB), keyed by address
	freeLists [NUM_BUDDY_LEVELS]map[uint64]struct{}

	// One bit per page, set while allocated
	allocated *bitset.BitSet

	// Level of the block that starts at each page
	blockLevels []uint8

	mu sync.Mutex
}

// NewBuddyAllocator manages [base, base+totalSize). base must be page aligned.
func NewBuddyAllocator(base, totalSize uint64) *BuddyAllocator {
	if base%PGSIZE != 0 {
		panic(fmt.Sprintf("buddy base %#x not page aligned", base))
	}
	numPages := totalSize / PGSIZE

	ba := &BuddyAllocator{
		base:        base,
		totalSize:   numPages * PGSIZE,
		allocated:   bitset.New(uint(numPages)),
		blockLevels: make([]uint8, numPages),
	}
	for i := range ba.freeLists {
		ba.freeLists[i] = make(map[uint64]struct{})
	}

	// Seed free lists with the largest aligned blocks that fit
	remaining := ba.totalSize
	addr := base
	for remaining >= PGSIZE {
		for level := NUM_BUDDY_LEVELS - 1; level >= 0; level-- {
			size := levelToSize(level)
			if size <= remaining && (addr-base)%size == 0 {
				ba.freeLists[level][addr] = struct{}{}
				addr += size
				remaining -= size
				break
			}
		}
	}

	return ba
}

// Allocate returns the address of a free block of at least size bytes
func (ba *BuddyAllocator) Allocate(size uint64) (uint64, error) {
	if size > MAX_BUDDY_SIZE {
		return 0, fmt.Errorf("size %d too large for buddy allocator", size)
	}
	if size < PGSIZE {
		size = PGSIZE
	}

	ba.mu.Lock()
	defer ba.mu.Unlock()

	level := sizeToLevel(size)
	addr, ok := ba.findFreeBlock(level)
	if !ok {
		return 0, utils.WrapError(utils.ErrNoMemory, fmt.Sprintf("buddy: no block of %d bytes", levelToSize(level)))
	}

	ba.markAllocated(addr, level)
	return addr, nil
}

// Free releases the block starting at addr
func (ba *BuddyAllocator) Free(addr uint64) error {
	ba.mu.Lock()
	defer ba.mu.Unlock()

	page, ok := ba.pageIndex(addr)
	if !ok {
		return fmt.Errorf("invalid address %#x", addr)
	}
	if !ba.allocated.Test(page) {
		return fmt.Errorf("double free at %#x", addr)
	}

	level := int(ba.blockLevels[page])
	ba.markFree(addr, level)
	ba.coalesce(addr, level)
	return nil
}

func (ba *BuddyAllocator) pageIndex(addr uint64) (uint, bool) {
	if addr < ba.base || addr >= ba.base+ba.totalSize || (addr-ba.base)%PGSIZE != 0 {
		return 0, false
	}
	return uint((addr - ba.base) / PGSIZE), true
}

func sizeToLevel(size uint64) int {
	level := 0
	blockSize := uint64(PGSIZE)
	for blockSize < size && level < NUM_BUDDY_LEVELS-1 {
		blockSize *= 2
		level++
	}
	return level
}

func levelToSize(level int) uint64 {
	return PGSIZE << uint(level)
}

// lowest returns the lowest address on a free list so allocation order is
// deterministic.
func lowest(list map[uint64]struct{}) uint64 {
	first := true
	var min uint64
	for addr := range list {
		if first || addr < min {
			min = addr
			first = false
		}
	}
	return min
}

func (ba *BuddyAllocator) findFreeBlock(level int) (uint64, bool) {
	for l := level; l < NUM_BUDDY_LEVELS; l++ {
		if len(ba.freeLists[l]) == 0 {
			continue
		}
		addr := lowest(ba.freeLists[l])
		delete(ba.freeLists[l], addr)
		// Split down, returning the upper halves to the free lists
		for split := l - 1; split >= level; split-- {
			ba.freeLists[split][addr+levelToSize(split)] = struct{}{}
		}
		return addr, true
	}
	return 0, false
}

func (ba *BuddyAllocator) coalesce(addr uint64, level int) {
	for level < NUM_BUDDY_LEVELS-1 {
		size := levelToSize(level)
		buddy := ba.base + ((addr - ba.base) ^ size)
		if _, free := ba.freeLists[level][buddy]; !free {
			break
		}
		delete(ba.freeLists[level], buddy)
		if buddy < addr {
			addr = buddy
		}
		level++
	}
	ba.freeLists[level][addr] = struct{}{}
}

func (ba *BuddyAllocator) markAllocated(addr uint64, level int) {
	first, _ := ba.pageIndex(addr)
	pages := uint(levelToSize(level) / PGSIZE)
	for i := first; i < first+pages; i++ {
		ba.allocated.Set(i)
	}
	ba.blockLevels[first] = uint8(level)
}

func (ba *BuddyAllocator) markFree(addr uint64, level int) {
	first, _ := ba.pageIndex(addr)
	pages := uint(levelToSize(level) / PGSIZE)
	for i := first; i < first+pages; i++ {
		ba.allocated.Clear(i)
	}
}

// Statistics

type BuddyStats struct {
	TotalSize  uint64
	Allocated  uint64
	Free       uint64
	LevelStats [NUM_BUDDY_LEVELS]LevelStats
}

type LevelStats struct {
	Level      int
	BlockSize  uint64
	FreeBlocks int
	Addresses  []uint64
}

func (ba *BuddyAllocator) GetStats() BuddyStats {
	ba.mu.Lock()
	defer ba.mu.Unlock()

	allocated := uint64(ba.allocated.Count()) * PGSIZE
	stats := BuddyStats{
		TotalSize: ba.totalSize,
		Allocated: allocated,
		Free:      ba.totalSize - allocated,
	}
	for level := 0; level < NUM_BUDDY_LEVELS; level++ {
		addrs := make([]uint64, 0, len(ba.freeLists[level]))
		for addr := range ba.freeLists[level] {
			addrs = append(addrs, addr)
		}
		sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
		stats.LevelStats[level] = LevelStats{
			Level:      level,
			BlockSize:  levelToSize(level),
			FreeBlocks: len(addrs),
			Addresses:  addrs,
		}
	}
	return stats
}
