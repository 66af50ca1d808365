package proc

import (
	"fmt"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/ebahmer/akaros/kernel/utils"
)

// IdleCores tracks the physical cores no process owns. Cores come and go
// from the end of the map; the bitset catches double inserts.
type IdleCores struct {
	mu       sync.Mutex
	total    int
	reserved int
	coremap  []int
	member   *bitset.BitSet
}

// NewIdleCores reserves the first reserved cores for the kernel and marks
// the rest idle.
func NewIdleCores(total, reserved int) *IdleCores {
	if reserved < 1 || reserved > total {
		panic(fmt.Sprintf("cannot reserve %d of %d cores", reserved, total))
	}
	ic := &IdleCores{
		total:    total,
		reserved: reserved,
		coremap:  make([]int, 0, total),
		member:   bitset.New(uint(total)),
	}
	for i := reserved; i < total; i++ {
		ic.coremap = append(ic.coremap, i)
		ic.member.Set(uint(i))
	}
	return ic
}

func (ic *IdleCores) Total() int    { return ic.total }
func (ic *IdleCores) Reserved() int { return ic.reserved }

func (ic *IdleCores) Count() int {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return len(ic.coremap)
}

// IsIdle reports whether core is in the idle set
func (ic *IdleCores) IsIdle(core int) bool {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.member.Test(uint(core))
}

// TakeOne removes an idle core. Callers size-check first; an empty set is
// fatal.
func (ic *IdleCores) TakeOne() int {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if len(ic.coremap) == 0 {
		invariant("take from empty idle core map")
	}
	return ic.popLocked()
}

// Take removes n idle cores, or none if fewer than n are idle.
func (ic *IdleCores) Take(n int) ([]int, error) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if n > len(ic.coremap) {
		return nil, utils.WrapError(utils.ErrNoIdleCores,
			fmt.Sprintf("want %d, have %d", n, len(ic.coremap)))
	}
	cores := make([]int, n)
	for i := range cores {
		cores[i] = ic.popLocked()
	}
	return cores, nil
}

// Claim removes the given cores from the idle set, or none if any is busy.
func (ic *IdleCores) Claim(cores ...int) error {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	for _, core := range cores {
		if core < 0 || core >= ic.total || !ic.member.Test(uint(core)) {
			return utils.WrapError(utils.ErrNoIdleCores, fmt.Sprintf("core %d not idle", core))
		}
	}
	for _, core := range cores {
		ic.member.Clear(uint(core))
		for i, c := range ic.coremap {
			if c == core {
				ic.coremap = append(ic.coremap[:i], ic.coremap[i+1:]...)
				break
			}
		}
	}
	return nil
}

// GiveBack returns a core no process owns anymore.
func (ic *IdleCores) GiveBack(core int) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if core < ic.reserved || core >= ic.total {
		invariant("core %d cannot be idle", core)
	}
	if ic.member.Test(uint(core)) {
		invariant("core %d already idle", core)
	}
	ic.member.Set(uint(core))
	ic.coremap = append(ic.coremap, core)
}

func (ic *IdleCores) popLocked() int {
	last := len(ic.coremap) - 1
	core := ic.coremap[last]
	ic.coremap = ic.coremap[:last]
	ic.member.Clear(uint(core))
	return core
}

// Snapshot returns the idle map in order
func (ic *IdleCores) Snapshot() []int {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return append([]int(nil), ic.coremap...)
}

func (ic *IdleCores) String() string {
	cores := ic.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "There are %d idle cores.\n", len(cores))
	for i, c := range cores {
		fmt.Fprintf(&b, "idlecoremap[%d] = %d\n", i, c)
	}
	return b.String()
}
