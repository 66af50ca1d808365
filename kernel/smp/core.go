package smp

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ebahmer/akaros/kernel/threads/foundation"
	"github.com/ebahmer/akaros/kernel/utils"
)

// Handler is an active-message handler. It runs on the destination core with
// interrupts disabled, in the order messages were sent.
type Handler func(c *Core, src int, a0, a1, a2 any)

// ActiveMessage is a deferred function call delivered to one core.
type ActiveMessage struct {
	Src     int
	Name    string
	Handler Handler
	A0      any
	A1      any
	A2      any
}

type execRequest struct {
	fn   func(c *Core)
	done chan struct{}
}

// Core is one physical core: an inbox of active messages, an interrupt
// flag, and the context (trapframe and page-table root) currently loaded.
type Core struct {
	id      int
	machine *Machine
	logger  *utils.Logger

	inbox    *foundation.MessageQueue[ActiveMessage]
	doorbell chan struct{}
	handled  *foundation.EnhancedEpoch
	exec     chan execRequest

	// depth of interrupt disabling; zero means enabled
	irqOff atomic.Int32

	mu          sync.Mutex
	tf          *Trapframe
	ancillary   Ancillary
	root        uintptr
	userPending bool
	entries     uint64
}

func newCore(id int, m *Machine, capacity uint32, logger *utils.Logger) *Core {
	return &Core{
		id:        id,
		machine:   m,
		logger:    logger.With(utils.Core(id)),
		inbox:     foundation.NewMessageQueue[ActiveMessage](capacity),
		doorbell:  make(chan struct{}, 1),
		handled:   foundation.NewEnhancedEpoch(),
		exec:      make(chan execRequest),
		ancillary: DefaultAncillary,
		root:      BootRoot,
	}
}

// ID returns the physical core number
func (c *Core) ID() int { return c.id }

// Machine returns the machine the core belongs to
func (c *Core) Machine() *Machine { return c.machine }

// Interrupts

func (c *Core) DisableIRQ() { c.irqOff.Add(1) }

// EnableIRQ enables interrupts regardless of nesting depth.
func (c *Core) EnableIRQ() { c.irqOff.Store(0) }

func (c *Core) IRQEnabled() bool { return c.irqOff.Load() == 0 }

// IRQSave disables interrupts and returns the prior nesting depth for
// IRQRestore.
func (c *Core) IRQSave() int32 {
	return c.irqOff.Add(1) - 1
}

func (c *Core) IRQRestore(depth int32) {
	c.irqOff.Store(depth)
}

// Send queues an active message for core dst. Messages from one sender to one
// destination are handled in order. A full inbox is fatal: the message would
// otherwise be lost.
func (c *Core) Send(dst int, name string, h Handler, a0, a1, a2 any) {
	target := c.machine.Core(dst)
	msg := ActiveMessage{Src: c.id, Name: name, Handler: h, A0: a0, A1: a1, A2: a2}
	if _, err := target.inbox.Enqueue(msg); err != nil {
		panic(fmt.Sprintf("core %d: active message %s to core %d dropped: %v", c.id, name, dst, err))
	}
	c.logger.Debug("sent active message", utils.String("msg", name), utils.Int("dst", dst))
	target.ring()
}

func (c *Core) ring() {
	select {
	case c.doorbell <- struct{}{}:
	default:
	}
}

// Pending returns the number of undelivered messages in the inbox
func (c *Core) Pending() int { return c.inbox.Len() }

// HandleInterrupts drains the inbox if interrupts are enabled and returns the
// number of handlers run.
func (c *Core) HandleInterrupts() int {
	if !c.IRQEnabled() {
		return 0
	}
	n := 0
	for {
		msg, _, err := c.inbox.Dequeue()
		if err != nil {
			return n
		}
		depth := c.IRQSave()
		msg.Handler(c, msg.Src, msg.A0, msg.A1, msg.A2)
		c.IRQRestore(depth)
		c.handled.Increment()
		n++
	}
}

// WaitForIPI enables interrupts and handles the inbox until at least one
// message was handled. A message this core sent to itself before calling is
// therefore handled on return. Waiting past the machine's IPI timeout panics.
func (c *Core) WaitForIPI(fn string) {
	c.EnableIRQ()
	deadline := time.NewTimer(c.machine.config.IPITimeout)
	defer deadline.Stop()
	for {
		if c.HandleInterrupts() > 0 {
			return
		}
		select {
		case <-c.doorbell:
		case <-deadline.C:
			panic(fmt.Sprintf("waiting too long on core %d for an IPI in %s()", c.id, fn))
		}
	}
}

// WaitHandled blocks until the inbox is empty or timeout elapses.
func (c *Core) WaitHandled(timeout time.Duration) bool {
	reader := c.handled.Reader()
	deadline := time.Now().Add(timeout)
	for c.inbox.Len() > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		reader.WaitForChange(remaining)
	}
	return true
}

// Context

// PopTF installs tf as the user context of this core. The run loop enters it
// through the machine's user hook.
func (c *Core) PopTF(tf Trapframe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tf = &tf
	c.userPending = true
	c.entries++
}

// SetTF updates the installed context in place, as the user code running
// on the core would. It does not count as a new entry.
func (c *Core) SetTF(tf Trapframe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tf = &tf
}

// TF returns the installed user context
func (c *Core) TF() (Trapframe, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tf == nil {
		return Trapframe{}, false
	}
	return *c.tf, true
}

// ClearTF leaves user context; the core goes back to its idle loop.
func (c *Core) ClearTF() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tf = nil
	c.userPending = false
}

// Entries counts user context installs on this core
func (c *Core) Entries() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries
}

func (c *Core) PopAncillary(a Ancillary) {
	c.mu.Lock()
	c.ancillary = a
	c.mu.Unlock()
}

func (c *Core) SaveAncillary() Ancillary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ancillary
}

// LoadRoot switches the core's page-table root
func (c *Core) LoadRoot(root uintptr) {
	c.mu.Lock()
	c.root = root
	c.mu.Unlock()
}

func (c *Core) Root() uintptr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.root
}

func (c *Core) takeUserEntry() (Trapframe, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.userPending || c.tf == nil {
		return Trapframe{}, false
	}
	c.userPending = false
	return *c.tf, true
}

// Run is the core's loop: handle interrupts, enter user context, wait. A
// panic on the core is returned as a *PanicError.
func (c *Core) Run(ctx context.Context) (err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("kernel panic", utils.Any("reason", r))
			err = &PanicError{Core: c.id, Reason: r}
		}
	}()

	c.logger.Debug("core online")
	for {
		c.HandleInterrupts()
		if tf, ok := c.takeUserEntry(); ok {
			if hook := c.machine.userHook(); hook != nil {
				hook(c, tf)
			}
			continue
		}

		select {
		case <-ctx.Done():
			c.logger.Debug("core offline")
			return nil
		case <-c.doorbell:
		case req := <-c.exec:
			req.fn(c)
			close(req.done)
		}
	}
}

// PanicError reports a kernel panic raised on a core's loop
type PanicError struct {
	Core   int
	Reason any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic on core %d: %v", e.Core, e.Reason)
}
