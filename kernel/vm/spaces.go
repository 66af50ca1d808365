package vm

import (
	"fmt"
	"sync"

	"github.com/ebahmer/akaros/kernel/proc"
	"github.com/ebahmer/akaros/kernel/threads/arena"
	"github.com/ebahmer/akaros/kernel/utils"
)

// Simulated physical memory handed to process address spaces.
const (
	DefaultBase uint64 = 0x100000
	DefaultSize uint64 = 16 * 1024 * 1024
)

// Spaces builds process address spaces out of buddy-allocated pages.
// Each space owns three pages: the page directory (its root), procinfo
// and procdata.
type Spaces struct {
	mu     sync.Mutex
	pages  *arena.BuddyAllocator
	live   map[uintptr]proc.Layout
	logger *utils.Logger

	created   uint64
	destroyed uint64
}

// Stats reports address space and page usage
type Stats struct {
	Live      int
	Created   uint64
	Destroyed uint64
	PagesUsed uint64
	PagesFree uint64
}

func NewSpaces(base, size uint64, logger *utils.Logger) *Spaces {
	if logger == nil {
		logger = utils.NopLogger()
	}
	return &Spaces{
		pages:  arena.NewBuddyAllocator(base, size),
		live:   make(map[uintptr]proc.Layout),
		logger: logger.Named("vm"),
	}
}

// Create allocates the pages for a new address space. On failure any
// page already taken is returned.
func (s *Spaces) Create() (proc.Layout, error) {
	var got [3]uint64
	for i := range got {
		addr, err := s.pages.Allocate(arena.PGSIZE)
		if err != nil {
			for _, a := range got[:i] {
				if ferr := s.pages.Free(a); ferr != nil {
					s.logger.Error("page rollback failed", utils.Uint64("addr", a), utils.Err(ferr))
				}
			}
			return proc.Layout{}, utils.WrapError(err, "vm: address space")
		}
		got[i] = addr
	}

	layout := proc.Layout{
		Root:     uintptr(got[0]),
		ProcInfo: uintptr(got[1]),
		ProcData: uintptr(got[2]),
	}

	s.mu.Lock()
	s.live[layout.Root] = layout
	s.created++
	s.mu.Unlock()

	s.logger.Debug("address space created", utils.Uint64("root", uint64(layout.Root)))
	return layout, nil
}

// Destroy frees every page of the space rooted at l.Root
func (s *Spaces) Destroy(l proc.Layout) error {
	s.mu.Lock()
	owned, ok := s.live[l.Root]
	if ok {
		delete(s.live, l.Root)
		s.destroyed++
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("vm: no address space rooted at %#x", l.Root)
	}

	var firstErr error
	for _, addr := range []uintptr{owned.ProcData, owned.ProcInfo, owned.Root} {
		if err := s.pages.Free(uint64(addr)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.logger.Debug("address space destroyed", utils.Uint64("root", uint64(l.Root)))
	return firstErr
}

// Lookup returns the layout of the live space rooted at root
func (s *Spaces) Lookup(root uintptr) (proc.Layout, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.live[root]
	return l, ok
}

func (s *Spaces) Stats() Stats {
	s.mu.Lock()
	st := Stats{Live: len(s.live), Created: s.created, Destroyed: s.destroyed}
	s.mu.Unlock()

	pages := s.pages.GetStats()
	st.PagesUsed = pages.Allocated / arena.PGSIZE
	st.PagesFree = pages.Free / arena.PGSIZE
	return st
}
