package proc

import (
	"sort"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/ebahmer/akaros/kernel/utils"
)

// PidMax is the highest pid handed out; pid 0 is reserved.
const PidMax = 32767

// PidRegistry allocates pids and maps them to processes. The allocation
// bitmask and the lookup table have separate locks.
type PidRegistry struct {
	max int

	bmaskMu  sync.Mutex
	bmask    *bitset.BitSet
	nextFree int

	hashMu sync.Mutex
	hash   map[int]*Proc
}

func NewPidRegistry(max int) *PidRegistry {
	if max <= 0 {
		max = PidMax
	}
	r := &PidRegistry{
		max:      max,
		bmask:    bitset.New(uint(max + 1)),
		nextFree: 1,
		hash:     make(map[int]*Proc),
	}
	r.bmask.Set(0)
	return r
}

// Allocate scans circularly from the slot after the last pid issued.
func (r *PidRegistry) Allocate() (int, error) {
	r.bmaskMu.Lock()
	defer r.bmaskMu.Unlock()

	size := r.max + 1
	start := r.nextFree
	for k := 0; k < size; k++ {
		i := (start + k) % size
		r.nextFree = (i + 1) % size
		if !r.bmask.Test(uint(i)) {
			r.bmask.Set(uint(i))
			return i, nil
		}
	}
	return 0, utils.ErrNoFreePid
}

// Release returns pid to the pool. Nothing may still use it.
func (r *PidRegistry) Release(pid int) {
	if pid <= 0 || pid > r.max {
		invariant("release of out-of-range pid %d", pid)
	}
	r.bmaskMu.Lock()
	r.bmask.Clear(uint(pid))
	r.bmaskMu.Unlock()
}

// InUse reports whether pid is currently allocated.
func (r *PidRegistry) InUse(pid int) bool {
	if pid < 0 || pid > r.max {
		return false
	}
	r.bmaskMu.Lock()
	defer r.bmaskMu.Unlock()
	return r.bmask.Test(uint(pid))
}

func (r *PidRegistry) Register(pid int, p *Proc) {
	r.hashMu.Lock()
	defer r.hashMu.Unlock()
	if _, dup := r.hash[pid]; dup {
		invariant("pid %d registered twice", pid)
	}
	r.hash[pid] = p
}

// Unregister removes pid from the table and reports whether it was there.
func (r *PidRegistry) Unregister(pid int) bool {
	r.hashMu.Lock()
	defer r.hashMu.Unlock()
	if _, ok := r.hash[pid]; !ok {
		return false
	}
	delete(r.hash, pid)
	return true
}

// lookup runs fn on the process registered under pid with the table lock
// held, so the process cannot be unregistered underneath it.
func (r *PidRegistry) lookup(pid int, fn func(p *Proc) *Proc) *Proc {
	r.hashMu.Lock()
	defer r.hashMu.Unlock()
	p, ok := r.hash[pid]
	if !ok {
		return nil
	}
	return fn(p)
}

// Pids returns the registered pids in ascending order.
func (r *PidRegistry) Pids() []int {
	r.hashMu.Lock()
	pids := make([]int, 0, len(r.hash))
	for pid := range r.hash {
		pids = append(pids, pid)
	}
	r.hashMu.Unlock()
	sort.Ints(pids)
	return pids
}

// snapshot returns pid -> state for every registered process.
func (r *PidRegistry) snapshot() []PidState {
	r.hashMu.Lock()
	defer r.hashMu.Unlock()
	out := make([]PidState, 0, len(r.hash))
	for pid, p := range r.hash {
		p.mu.Lock()
		out = append(out, PidState{Pid: pid, State: p.state})
		p.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pid < out[j].Pid })
	return out
}

// PidState pairs a pid with its state for listings
type PidState struct {
	Pid   int
	State State
}
