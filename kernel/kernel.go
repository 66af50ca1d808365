package kernel

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ebahmer/akaros/kernel/proc"
	"github.com/ebahmer/akaros/kernel/sched"
	"github.com/ebahmer/akaros/kernel/smp"
	"github.com/ebahmer/akaros/kernel/utils"
	"github.com/ebahmer/akaros/kernel/vm"
)

// KernelState represents the lifecycle state of the kernel
type KernelState int32

const (
	StateUninitialized KernelState = iota
	StateBooting
	StateRunning
	StateStopping
	StateStopped
	StatePanic
)

var stateNames = map[KernelState]string{
	StateUninitialized: "UNINITIALIZED",
	StateBooting:       "BOOTING",
	StateRunning:       "RUNNING",
	StateStopping:      "STOPPING",
	StateStopped:       "STOPPED",
	StatePanic:         "PANIC",
}

func (s KernelState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("STATE(%d)", int32(s))
}

// ErrNotRunning is returned by operations that need a booted kernel
var ErrNotRunning = errors.New("kernel not running")

var _ proc.Teardowner = (*Kernel)(nil)

// Kernel is the kernel-lifetime context: the machine, the process tables,
// the runnable list and the address space provider.
type Kernel struct {
	state  atomic.Int32
	config Config
	logger *utils.Logger

	// Core Components
	machine *smp.Machine
	procs   *proc.Manager
	runq    *sched.RunQueue
	spaces  *vm.Spaces

	programsMu sync.RWMutex
	programs   map[uintptr]Program
	nextEntry  uintptr

	killsMu sync.Mutex
	kills   []int
	wake    chan struct{}

	// Lifecycle
	startTime time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	shutdown  *utils.GracefulShutdown
	failure   atomic.Pointer[error]
}

// New builds a kernel. Nothing runs until Boot.
func New(config Config, logger *utils.Logger) (*Kernel, error) {
	if err := config.Validate(); err != nil {
		return nil, utils.WrapError(err, "kernel config")
	}
	if logger == nil {
		logger = utils.NewLogger(utils.LoggerConfig{
			Level:      config.LogLevel,
			Component:  "kernel",
			Colorize:   true,
			ShowCaller: false,
		})
	}

	machine, err := smp.NewMachine(config.machine(), logger)
	if err != nil {
		return nil, err
	}
	runq := sched.NewRunQueue(logger)
	spaces := vm.NewSpaces(vm.DefaultBase, config.MemorySize, logger)

	k := &Kernel{
		config:    config,
		logger:    logger.Named("kernel"),
		machine:   machine,
		runq:      runq,
		spaces:    spaces,
		programs:  make(map[uintptr]Program),
		nextEntry: firstEntry,
		wake:      make(chan struct{}, 1),
	}
	k.procs, err = proc.NewManager(machine, config.procs(), spaces, runq, k, logger)
	if err != nil {
		return nil, err
	}
	k.shutdown = utils.NewGracefulShutdown(config.ShutdownTimeout, k.logger)
	k.setState(StateUninitialized)
	return k, nil
}

// Boot starts the cores and the scheduling loop. Cancelling ctx stops
// scheduling; Shutdown stops everything.
func (k *Kernel) Boot(ctx context.Context) error {
	defer k.recoverPanic()

	if !k.transitionState(StateUninitialized, StateBooting) {
		return fmt.Errorf("invalid boot transition from %s", k.State())
	}
	k.startTime = time.Now()
	k.logger.Info("Kernel Boot Sequence",
		utils.Int("cores", k.machine.NumCores()),
		utils.Int("reserved", k.procs.Idle().Reserved()),
		utils.Int("max_procs", k.config.MaxProcs))

	k.ctx, k.cancel = context.WithCancel(ctx)
	k.machine.SetUserHook(k.enterUser)
	// Cores outlive ctx: shutdown still needs them to destroy processes.
	if err := k.machine.Start(context.Background()); err != nil {
		k.cancel()
		k.setState(StateStopped)
		return err
	}

	// Reverse order on shutdown: scheduler, processes, cores.
	k.shutdown.Register("machine", k.stopMachine)
	k.shutdown.Register("processes", k.killAll)
	k.shutdown.Register("scheduler", k.stopScheduler)

	k.wg.Add(2)
	go k.scheduleLoop()
	go k.watchMachine()

	k.setState(StateRunning)
	k.logger.Info("Kernel fully operational", utils.String("idle", fmt.Sprint(k.procs.Idle().Snapshot())))
	return nil
}

// Shutdown destroys every process and stops the cores.
func (k *Kernel) Shutdown(ctx context.Context) error {
	switch k.State() {
	case StateRunning, StatePanic:
	default:
		return ErrNotRunning
	}
	panicked := k.State() == StatePanic
	k.setState(StateStopping)
	k.logger.Info("Kernel Shutting Down...")

	err := k.shutdown.Shutdown(ctx)
	if panicked {
		k.setState(StatePanic)
	} else {
		k.setState(StateStopped)
	}
	k.logger.Info("Kernel Stopped", utils.Duration("uptime", time.Since(k.startTime)))
	return err
}

func (k *Kernel) stopScheduler() error {
	k.cancel()
	k.wg.Wait()
	return nil
}

func (k *Kernel) stopMachine() error {
	if !k.machine.Quiesce(k.config.IPITimeout) {
		k.logger.Warn("cores still have pending messages")
	}
	return k.machine.Stop()
}

// killAll destroys every remaining process from the management core
func (k *Kernel) killAll() error {
	if k.State() == StatePanic || k.failure.Load() != nil {
		return nil
	}
	var killed int
	err := k.machine.Exec(context.Background(), 0, func(c *smp.Core) {
		for _, pid := range k.procs.Pids().Pids() {
			alive, err := k.destroy(c, pid)
			if err != nil {
				k.logger.Warn("process left running", utils.Pid(pid), utils.Err(err))
				continue
			}
			if alive {
				killed++
			}
		}
	})
	if errors.Is(err, smp.ErrNotRunning) {
		return nil
	}
	k.logger.Info("processes destroyed", utils.Int("count", killed))
	return err
}

// watchMachine moves the kernel into StatePanic when a core loop dies.
func (k *Kernel) watchMachine() {
	defer k.wg.Done()
	select {
	case <-k.ctx.Done():
		return
	case <-k.machine.Done():
	}
	if k.ctx.Err() != nil {
		return
	}
	err := k.machine.Stop()
	if err == nil {
		err = errors.New("cores stopped unexpectedly")
	}
	k.failure.Store(&err)
	k.setState(StatePanic)
	k.logger.Error("KERNEL PANIC", utils.Err(err))
	k.cancel()
}

// Err returns the core failure that put the kernel into StatePanic
func (k *Kernel) Err() error {
	if err := k.failure.Load(); err != nil {
		return *err
	}
	return nil
}

// Accessors

func (k *Kernel) Machine() *smp.Machine     { return k.machine }
func (k *Kernel) Procs() *proc.Manager      { return k.procs }
func (k *Kernel) RunQueue() *sched.RunQueue { return k.runq }
func (k *Kernel) Spaces() *vm.Spaces        { return k.spaces }
func (k *Kernel) Config() Config            { return k.config }

// Uptime since Boot
func (k *Kernel) Uptime() time.Duration {
	if k.startTime.IsZero() {
		return 0
	}
	return time.Since(k.startTime)
}

// WaitIdle blocks until no process is left.
func (k *Kernel) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(k.config.SchedInterval)
	defer ticker.Stop()
	for k.procs.NumProcs() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := k.Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

// State Management
func (k *Kernel) setState(s KernelState) {
	k.state.Store(int32(s))
}

func (k *Kernel) transitionState(from, to KernelState) bool {
	return k.state.CompareAndSwap(int32(from), int32(to))
}

func (k *Kernel) State() KernelState {
	return KernelState(k.state.Load())
}

// Helper: Global Panic Recovery
func (k *Kernel) recoverPanic() {
	if r := recover(); r != nil {
		k.setState(StatePanic)
		stack := string(debug.Stack())
		k.logger.Error("KERNEL PANIC",
			utils.Any("reason", r),
			utils.String("stack", stack))
		err := fmt.Errorf("kernel panic: %v", r)
		k.failure.Store(&err)
	}
}
