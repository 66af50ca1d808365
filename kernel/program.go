package kernel

import (
	"errors"
	"fmt"

	"github.com/ebahmer/akaros/kernel/proc"
	"github.com/ebahmer/akaros/kernel/smp"
	"github.com/ebahmer/akaros/kernel/utils"
)

// firstEntry is the entry address of the first registered program; each
// further program gets the next page.
const (
	firstEntry  uintptr = 0x400000
	entryStride uintptr = 0x1000
)

// Program is user code. It is entered on a core every time the kernel
// installs a context of a process whose entry point it is registered at:
// on first run, on every vcore start and when a yielded context resumes.
//
// Returning from a Program exits a single-core process and yields the
// vcore of a multi-core one.
type Program func(env *Env)

// errParked unwinds a program whose core was taken over by the kernel.
var errParked = errors.New("context parked")

// Register makes prog available at a fresh entry address
func (k *Kernel) Register(prog Program) uintptr {
	k.programsMu.Lock()
	defer k.programsMu.Unlock()
	entry := k.nextEntry
	k.nextEntry += entryStride
	k.programs[entry] = prog
	return entry
}

func (k *Kernel) program(entry uintptr) (Program, bool) {
	k.programsMu.RLock()
	defer k.programsMu.RUnlock()
	prog, ok := k.programs[entry]
	return prog, ok
}

// enterUser is the machine's user hook: it runs the program of the process
// current on c.
func (k *Kernel) enterUser(c *smp.Core, tf smp.Trapframe) {
	p := k.procs.Current(c)
	if p == nil {
		c.ClearTF()
		return
	}
	env := &Env{k: k, core: c, proc: p, vcore: int(tf.Regs[0]), tf: tf}

	defer func() {
		if r := recover(); r != nil && r != errParked {
			panic(r)
		}
	}()

	prog, ok := k.program(p.Entry())
	if !ok {
		k.logger.Warn("no program at entry point", utils.Pid(p.Pid()), utils.Uint64("entry", uint64(p.Entry())))
		env.Exit(1)
	}
	prog(env)

	if p.State() == proc.RunningM {
		env.Yield()
	}
	env.Exit(0)
}

// Env is a program's view of the kernel while it runs on one core.
type Env struct {
	k     *Kernel
	core  *smp.Core
	proc  *proc.Proc
	vcore int
	tf    smp.Trapframe
}

func (e *Env) Pid() int    { return e.proc.Pid() }
func (e *Env) Ppid() int   { return e.proc.Ppid() }
func (e *Env) Vcore() int  { return e.vcore }
func (e *Env) Core() int   { return e.core.ID() }
func (e *Env) Multi() bool { return e.proc.State() == proc.RunningM }

// Resumed reports whether the context was saved by an earlier yield or
// mode switch rather than freshly entered.
func (e *Env) Resumed() bool { return e.tf.PC != e.proc.Entry() }

// Trapframe is the context the core entered the program with
func (e *Env) Trapframe() smp.Trapframe { return e.tf }

// SetPC records progress: a later yield saves the context with pc, and the
// program sees it through Trapframe when it resumes.
func (e *Env) SetPC(pc uintptr) {
	e.tf.PC = pc
	e.core.SetTF(e.tf)
}

// trap enters the kernel: pending messages are handled first, and if one
// of them took the core away the program stops here.
func (e *Env) trap() {
	e.core.HandleInterrupts()
	if e.k.procs.Current(e.core) != e.proc {
		panic(errParked)
	}
}

// Yield gives the core back. It does not return.
func (e *Env) Yield() {
	e.trap()
	e.k.procs.Yield(e.core)
	panic(errParked)
}

// Exit destroys the calling process with status code. It does not return.
func (e *Env) Exit(code int) {
	e.trap()
	p := e.proc
	p.SetExitCode(code)
	e.k.procs.Incref(p, 1)
	if e.k.procs.Destroy(e.core, p) == proc.Returned {
		e.k.procs.Decref(p, 1)
		if e.k.procs.Current(e.core) == p {
			// Already dying: our death message is queued.
			e.core.WaitForIPI("proc_destroy")
		}
	}
	panic(errParked)
}

// RequestCores asks for n cores in total. A single-core process switches
// to multi-core mode and does not return on success; its vcore 0 resumes
// this context. A multi-core process gets the extra vcores started.
func (e *Env) RequestCores(n int) error {
	e.trap()
	out, err := e.k.procs.CoreRequest(e.core, e.proc, n)
	if err != nil {
		return err
	}
	if out == proc.Parked {
		panic(errParked)
	}
	return nil
}

// Spawn starts a child process running the program at entry
func (e *Env) Spawn(entry uintptr) (int, error) {
	e.trap()
	return e.k.Spawn(e.proc, entry)
}

// Kill destroys a process the caller controls. The death is delivered
// from the management core.
func (e *Env) Kill(pid int) error {
	e.trap()
	if pid == e.proc.Pid() {
		e.Exit(0)
	}
	target := e.k.procs.Lookup(pid)
	if target == nil {
		return utils.WrapError(utils.ErrNoSuchProcess, fmt.Sprintf("pid %d", pid))
	}
	controls := proc.Controls(e.proc, target)
	e.k.procs.Decref(target, 1)
	if !controls {
		return fmt.Errorf("process %d does not control %d", e.proc.Pid(), pid)
	}
	e.k.killAsync(pid)
	return nil
}
