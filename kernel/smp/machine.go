package smp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ebahmer/akaros/kernel/utils"
)

// ErrNotRunning is returned by Exec when the core loops are not started
var ErrNotRunning = errors.New("machine not running")

// UserHook is entered on a core's loop each time a user context is installed
// there. It stands in for the user program: it usually traps back into the
// kernel (yield, exit, core requests) before returning.
type UserHook func(c *Core, tf Trapframe)

type Config struct {
	NumCores      int
	InboxCapacity uint32
	IPITimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		NumCores:      4,
		InboxCapacity: 64,
		IPITimeout:    time.Second,
	}
}

// Machine is a set of cores. Without Start no loop goroutines run and callers
// drive each core by hand with HandleInterrupts.
type Machine struct {
	config Config
	cores  []*Core
	logger *utils.Logger

	hook atomic.Pointer[UserHook]

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	gctx    context.Context
}

func NewMachine(config Config, logger *utils.Logger) (*Machine, error) {
	if config.NumCores < 1 {
		return nil, fmt.Errorf("machine needs at least one core, got %d", config.NumCores)
	}
	if config.InboxCapacity < 2 || config.InboxCapacity&(config.InboxCapacity-1) != 0 {
		return nil, fmt.Errorf("inbox capacity %d must be a power of two", config.InboxCapacity)
	}
	if config.IPITimeout <= 0 {
		config.IPITimeout = time.Second
	}
	if logger == nil {
		logger = utils.NopLogger()
	}

	m := &Machine{
		config: config,
		logger: logger.Named("smp"),
	}
	m.cores = make([]*Core, config.NumCores)
	for i := range m.cores {
		m.cores[i] = newCore(i, m, config.InboxCapacity, m.logger)
	}
	return m, nil
}

func (m *Machine) NumCores() int { return len(m.cores) }

// Core returns core id; out of range ids panic.
func (m *Machine) Core(id int) *Core {
	if id < 0 || id >= len(m.cores) {
		panic(fmt.Sprintf("no such core %d", id))
	}
	return m.cores[id]
}

func (m *Machine) Config() Config { return m.config }

func (m *Machine) SetUserHook(h UserHook) {
	if h == nil {
		m.hook.Store(nil)
		return
	}
	m.hook.Store(&h)
}

func (m *Machine) userHook() UserHook {
	if h := m.hook.Load(); h != nil {
		return *h
	}
	return nil
}

// Start launches one loop goroutine per core.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("machine already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range m.cores {
		c := c
		g.Go(func() error {
			return c.Run(gctx)
		})
	}
	m.cancel = cancel
	m.group = g
	m.gctx = gctx
	m.running = true
	m.logger.Info("cores started", utils.Int("cores", len(m.cores)))
	return nil
}

// Done is closed when the core loops stop, including after a core panics.
func (m *Machine) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gctx == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return m.gctx.Done()
}

// Stop halts every core loop and returns the first core error.
func (m *Machine) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cancel, g := m.cancel, m.group
	m.mu.Unlock()

	cancel()
	err := g.Wait()
	m.logger.Info("cores stopped")
	return err
}

// Exec runs fn on core id's loop and waits for it to finish.
func (m *Machine) Exec(ctx context.Context, id int, fn func(c *Core)) error {
	m.mu.Lock()
	running, gctx := m.running, m.gctx
	m.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	req := execRequest{fn: fn, done: make(chan struct{})}
	c := m.Core(id)
	select {
	case c.exec <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-gctx.Done():
		return ErrNotRunning
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-gctx.Done():
		return ErrNotRunning
	}
}

// Quiesce waits until every inbox is empty.
func (m *Machine) Quiesce(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for _, c := range m.cores {
		if !c.WaitHandled(time.Until(deadline)) {
			return false
		}
	}
	return true
}
