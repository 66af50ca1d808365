package proc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/ebahmer/akaros/kernel/smp"
	"github.com/ebahmer/akaros/kernel/threads/arena"
	"github.com/ebahmer/akaros/kernel/utils"
)

// Flags are per-process mode bits
type Flags uint32

const (
	// TransitionToM marks a process that left single-core mode; vcore 0
	// resumes its saved context on the next run.
	TransitionToM Flags = 0x01
)

// Resource types
const (
	ResCores = iota
	ResMemory
	NumResources
)

var resourceNames = [NumResources]string{"cores", "memory"}

type Resource struct {
	Wanted  int
	Granted int
}

// User stack layout for vcore entry contexts
const (
	UserStackTop   uintptr = 0x7f000000
	VcoreStackSize uintptr = 0x10000
)

// Proc is a process. The object lives in the manager's slab for its whole
// life; a pointer is only valid while the holder owns a reference.
type Proc struct {
	mu sync.Mutex

	slot   int
	pid    int
	ppid   int
	state  State
	refcnt int
	flags  Flags

	entry     uintptr
	layout    Layout
	tf        smp.Trapframe
	ancillary smp.Ancillary
	stacks    []uintptr

	info      procInfo
	resources [NumResources]Resource
	exitCode  int
}

func (p *Proc) Pid() int       { return p.pid }
func (p *Proc) Ppid() int      { return p.ppid }
func (p *Proc) Entry() uintptr { return p.entry }
func (p *Proc) Root() uintptr  { return p.layout.Root }
func (p *Proc) Layout() Layout { return p.layout }
func (p *Proc) MaxVcores() int { return p.info.maxVcores }

func (p *Proc) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Proc) Refcnt() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refcnt
}

func (p *Proc) Flags() Flags {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flags
}

func (p *Proc) NumVcores() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info.numVcores
}

func (p *Proc) Resource(res int) Resource {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resources[res]
}

// Vcoremap returns vcore -> pcore for every mapped vcore
func (p *Proc) Vcoremap() map[int]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int]int)
	for _, v := range p.info.busyVcores() {
		out[v] = p.info.vcoremap[v].pcore
	}
	return out
}

// PcoreOf returns the pcore hosting vcoreid
func (p *Proc) PcoreOf(vcoreid int) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if vcoreid < 0 || vcoreid >= len(p.info.vcoremap) || !p.info.vcoremap[vcoreid].valid {
		return 0, false
	}
	return p.info.vcoremap[vcoreid].pcore, true
}

// MappingConsistent reports whether vcore->pcore and pcore->vcore agree
func (p *Proc) MappingConsistent() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info.consistent()
}

// SavedTF returns the context saved when the process last left a core
func (p *Proc) SavedTF() smp.Trapframe {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tf
}

// SetExitCode records the status the process reports when it exits
func (p *Proc) SetExitCode(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exitCode = code
}

func (p *Proc) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *Proc) stackPointer(vcoreid int) uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stacks[vcoreid]
}

// lock takes the process lock with c's interrupts disabled. c may be nil
// for callers not running on a core.
func (p *Proc) lock(c *smp.Core) int32 {
	var depth int32
	if c != nil {
		depth = c.IRQSave()
	}
	p.mu.Lock()
	return depth
}

func (p *Proc) unlock(c *smp.Core, depth int32) {
	p.mu.Unlock()
	if c != nil {
		c.IRQRestore(depth)
	}
}

// Outcome tells a caller of a non-returning operation whether it got its
// context back. Parked means the calling core left the caller's context.
type Outcome int

const (
	Returned Outcome = iota
	Parked
)

func (o Outcome) String() string {
	if o == Parked {
		return "parked"
	}
	return "returned"
}

// Config sizes the process layer
type Config struct {
	Networking bool
	MaxProcs   int
	PidMax     int
	WarnRate   int64
	WarnBurst  int64
}

func DefaultConfig() Config {
	return Config{
		MaxProcs:  256,
		PidMax:    PidMax,
		WarnRate:  1,
		WarnBurst: 5,
	}
}

// Manager owns the kernel-lifetime process tables: the proc cache, the pid
// registry, the idle core map and each core's current process.
type Manager struct {
	machine *smp.Machine
	config  Config
	logger  *utils.Logger

	cache   *arena.SlabCache[Proc]
	pids    *PidRegistry
	idle    *IdleCores
	current []atomic.Pointer[Proc]

	spaces AddressSpace
	sched  Scheduler
	extras Teardowner

	numProcs atomic.Int64
	warnings *limiter.TokenBucket
}

// NewManager builds the process tables for machine. sched and extras may be
// nil.
func NewManager(machine *smp.Machine, config Config, spaces AddressSpace, sched Scheduler, extras Teardowner, logger *utils.Logger) (*Manager, error) {
	if machine == nil || spaces == nil {
		return nil, errors.New("proc manager needs a machine and an address space provider")
	}
	if config.MaxProcs <= 0 {
		config.MaxProcs = DefaultConfig().MaxProcs
	}
	if config.PidMax <= 0 {
		config.PidMax = PidMax
	}
	ncores := machine.NumCores()
	reserved := 1
	if config.Networking {
		if ncores < 2 {
			return nil, fmt.Errorf("networking needs at least 2 cores, have %d", ncores)
		}
		reserved = 2
	}
	if logger == nil {
		logger = utils.NopLogger()
	}
	if sched == nil {
		sched = nopScheduler{}
	}

	m := &Manager{
		machine: machine,
		config:  config,
		logger:  logger.Named("proc"),
		cache:   arena.NewSlabCache[Proc]("proc", config.MaxProcs),
		pids:    NewPidRegistry(config.PidMax),
		idle:    NewIdleCores(ncores, reserved),
		current: make([]atomic.Pointer[Proc], ncores),
		spaces:  spaces,
		sched:   sched,
		extras:  extras,
	}

	if config.WarnRate > 0 {
		bucket, err := limiter.NewTokenBucket(
			limiter.Config{
				Rate:     config.WarnRate,
				Duration: time.Second,
				Burst:    max(config.WarnBurst, 1),
			},
			store.NewMemoryStore(time.Minute),
		)
		if err != nil {
			return nil, utils.WrapError(err, "warning limiter")
		}
		m.warnings = bucket
	}

	m.logger.Info("process tables ready",
		utils.Int("cores", ncores),
		utils.Int("reserved", reserved),
		utils.Int("max_procs", config.MaxProcs))
	return m, nil
}

func (m *Manager) Machine() *smp.Machine { return m.machine }
func (m *Manager) Idle() *IdleCores      { return m.idle }
func (m *Manager) Pids() *PidRegistry    { return m.pids }

// NumProcs is the number of allocated processes
func (m *Manager) NumProcs() int { return int(m.numProcs.Load()) }

// ManagementCore reports whether c is the kernel's management core
func (m *Manager) ManagementCore(c *smp.Core) bool { return c.ID() == 0 }

// Current returns the process loaded on c, if any. The pointer is only
// valid while c keeps it loaded.
func (m *Manager) Current(c *smp.Core) *Proc {
	return m.current[c.ID()].Load()
}

// warn logs at most WarnRate warnings per second for each key.
func (m *Manager) warn(key, msg string, fields ...utils.Field) {
	if m.warnings != nil && !m.warnings.Allow(key) {
		return
	}
	m.logger.Warn(msg, fields...)
}

// Create allocates a process whose vcores enter at entry. parent may be nil.
// The returned process has two references: one for being alive and one for
// the caller.
func (m *Manager) Create(parent *Proc, entry uintptr) (*Proc, error) {
	slot, p, ok := m.cache.Alloc()
	if !ok {
		return nil, utils.WrapError(utils.ErrNoMemory, "proc cache exhausted")
	}

	layout, err := m.spaces.Create()
	if err != nil {
		m.freeSlot(slot)
		return nil, utils.WrapError(err, "address space setup")
	}

	pid, err := m.pids.Allocate()
	if err != nil {
		if derr := m.spaces.Destroy(layout); derr != nil {
			m.logger.Error("address space teardown failed", utils.Err(derr))
		}
		m.freeSlot(slot)
		m.logger.Warn("unable to find a pid")
		return nil, err
	}

	ppid := 0
	if parent != nil {
		ppid = parent.pid
	}
	p.init(slot, pid, ppid, entry, layout, m.machine.NumCores())
	m.pids.Register(pid, p)
	m.numProcs.Add(1)

	m.logger.Debug("new process", utils.Pid(pid), utils.Int("ppid", ppid))
	return p, nil
}

// init readies a slab slot for a new process. A recycled slot still carries
// the DYING state of its previous owner.
func (p *Proc) init(slot, pid, ppid int, entry uintptr, layout Layout, ncores int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == Dying {
		p.setState(Created)
	} else {
		p.state = Created
	}
	p.slot = slot
	p.pid = pid
	p.ppid = ppid
	p.refcnt = 2
	p.flags = 0
	p.entry = entry
	p.layout = layout
	p.ancillary = smp.DefaultAncillary
	p.resources = [NumResources]Resource{}
	p.exitCode = 0

	if len(p.info.vcoremap) != ncores {
		p.info = newProcInfo(ncores)
		p.stacks = make([]uintptr, ncores)
	}
	p.info.reset()
	for v := range p.stacks {
		p.stacks[v] = UserStackTop - uintptr(v)*VcoreStackSize
	}
	p.tf = smp.InitTrapframe(0, entry, p.stacks[0])
}

func (m *Manager) freeSlot(slot int) {
	if err := m.cache.Free(slot); err != nil {
		invariant("proc cache: %v", err)
	}
}

// Ready moves a created process onto the runnable list.
func (m *Manager) Ready(p *Proc) {
	depth := p.lock(nil)
	p.setState(RunnableS)
	m.sched.Schedule(p)
	p.unlock(nil, depth)
}

// Controls reports whether actor may act on target
func Controls(actor, target *Proc) bool {
	return actor == target || target.ppid == actor.pid
}

// Incref adds n references. Incrementing a dead process is fatal.
func (m *Manager) Incref(p *Proc, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refcnt == 0 {
		invariant("incref on process %d with no references", p.pid)
	}
	p.refcnt += n
}

// Decref drops n references and frees the process when none remain.
func (m *Manager) Decref(p *Proc, n int) {
	p.mu.Lock()
	p.refcnt -= n
	refcnt := p.refcnt
	p.mu.Unlock()

	if refcnt < 0 {
		invariant("too many decrefs on process %d", p.pid)
	}
	if refcnt == 0 {
		m.free(p)
	}
}

// free runs once the last reference is gone. Extras and the address space
// go first; the pid is unregistered before it is released; the slab slot
// is returned last.
func (m *Manager) free(p *Proc) {
	m.logger.Debug("freeing process", utils.Pid(p.pid))

	if m.extras != nil {
		m.extras.Teardown(p)
	}
	if err := m.spaces.Destroy(p.layout); err != nil {
		m.logger.Error("address space teardown failed", utils.Pid(p.pid), utils.Err(err))
	}
	p.layout = Layout{}

	if !m.pids.Unregister(p.pid) {
		invariant("process %d not in the pid table", p.pid)
	}
	m.pids.Release(p.pid)
	m.numProcs.Add(-1)
	m.freeSlot(p.slot)
}

// Lookup resolves pid and returns the process with an extra reference the
// caller must drop, or nil. A process found with no references must be in
// its final free.
func (m *Manager) Lookup(pid int) *Proc {
	return m.pids.lookup(pid, func(p *Proc) *Proc {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.refcnt == 0 {
			if p.state == Dying {
				return nil
			}
			invariant("process %d registered with no references in state %s", pid, p.state)
		}
		p.refcnt++
		return p
	})
}
