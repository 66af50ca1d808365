package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ebahmer/akaros/kernel/proc"
	"github.com/ebahmer/akaros/kernel/smp"
	"github.com/ebahmer/akaros/kernel/utils"
)

// scheduleLoop runs a scheduling pass on the management core whenever a
// process becomes runnable, and periodically to retry processes that were
// waiting for cores.
func (k *Kernel) scheduleLoop() {
	defer k.wg.Done()
	ticker := time.NewTicker(k.config.SchedInterval)
	defer ticker.Stop()

	for {
		select {
		case <-k.ctx.Done():
			return
		case <-k.runq.Notify():
		case <-k.wake:
		case <-ticker.C:
		}
		if k.runq.Len() == 0 && !k.killsPending() {
			continue
		}
		if err := k.machine.Exec(k.ctx, 0, k.schedule); err != nil {
			if !errors.Is(err, context.Canceled) {
				k.logger.Warn("scheduling pass failed", utils.Err(err))
			}
			return
		}
	}
}

// schedule is one pass on core c (the management core): queued kills
// first, then the runnable list. It stops early once c runs a single-core
// process.
func (k *Kernel) schedule(c *smp.Core) {
	for _, pid := range k.takeKills() {
		alive, err := k.destroy(c, pid)
		switch {
		case errors.Is(err, utils.ErrBadState):
			k.retryKill(pid)
		case alive:
			k.logger.Info("process killed", utils.Pid(pid))
		}
	}
	for n := k.runq.Len(); n > 0; n-- {
		pid, ok := k.runq.Next()
		if !ok {
			return
		}
		p := k.procs.Lookup(pid)
		if p == nil {
			continue
		}
		if k.dispatch(c, p) == proc.Parked {
			return
		}
	}
}

// dispatch runs p, consuming the caller's reference.
func (k *Kernel) dispatch(c *smp.Core, p *proc.Proc) proc.Outcome {
	switch p.State() {
	case proc.RunnableS:
		if k.procs.Current(c) != nil {
			k.runq.Requeue(p.Pid())
			k.procs.Decref(p, 1)
			return proc.Returned
		}
		k.logger.Debug("running single-core process", utils.Pid(p.Pid()))
		out := k.procs.Run(c, p)
		if out == proc.Returned {
			k.procs.Decref(p, 1)
		}
		return out

	case proc.RunnableM:
		res := p.Resource(proc.ResCores)
		if need := res.Wanted - res.Granted; need > 0 {
			cores, err := k.procs.Idle().Take(need)
			if err != nil {
				k.logger.Debug("not enough idle cores", utils.Pid(p.Pid()), utils.Int("wanted", need))
				k.runq.Requeue(p.Pid())
				k.procs.Decref(p, 1)
				return proc.Returned
			}
			k.procs.GrantCores(c, p, cores)
		}
		k.logger.Debug("running multi-core process", utils.Pid(p.Pid()), utils.Int("vcores", p.NumVcores()))
		out := k.procs.Run(c, p)
		if out == proc.Returned {
			k.procs.Decref(p, 1)
		}
		return out

	default:
		// Stale entry: the process ran or died since it was queued.
		k.procs.Decref(p, 1)
		return proc.Returned
	}
}

// destroy kills pid from core c and reports whether it was alive. A
// process still being created is left alone with ErrBadState.
func (k *Kernel) destroy(c *smp.Core, pid int) (bool, error) {
	p := k.procs.Lookup(pid)
	if p == nil {
		return false, nil
	}
	switch p.State() {
	case proc.Created:
		k.procs.Decref(p, 1)
		return false, utils.WrapError(utils.ErrBadState, fmt.Sprintf("process %d is still being created", pid))
	case proc.Dying:
		k.procs.Decref(p, 1)
		return false, nil
	}
	if k.procs.Destroy(c, p) == proc.Returned {
		k.procs.Decref(p, 1)
	}
	return true, nil
}

// Kill destroys pid. It runs on the management core, serialized with
// scheduling passes.
func (k *Kernel) Kill(ctx context.Context, pid int) error {
	if k.State() != StateRunning {
		return ErrNotRunning
	}
	var found bool
	var killErr error
	err := k.machine.Exec(ctx, 0, func(c *smp.Core) {
		found, killErr = k.destroy(c, pid)
	})
	if err != nil {
		return err
	}
	if killErr != nil {
		return killErr
	}
	if !found {
		return utils.WrapError(utils.ErrNoSuchProcess, fmt.Sprintf("pid %d", pid))
	}
	k.logger.Info("process killed", utils.Pid(pid))
	return nil
}

// killAsync queues pid for destruction on the next scheduling pass
func (k *Kernel) killAsync(pid int) {
	k.killsMu.Lock()
	k.kills = append(k.kills, pid)
	k.killsMu.Unlock()
	select {
	case k.wake <- struct{}{}:
	default:
	}
}

// retryKill keeps pid queued for a later pass without waking the loop
func (k *Kernel) retryKill(pid int) {
	k.killsMu.Lock()
	k.kills = append(k.kills, pid)
	k.killsMu.Unlock()
}

// Teardown forgets pid once its process is freed, so a recycled pid never
// inherits a queued kill or a stale runnable entry.
func (k *Kernel) Teardown(p *proc.Proc) {
	pid := p.Pid()
	k.logger.Info("process exited", utils.Pid(pid), utils.Int("exit_code", p.ExitCode()))
	k.killsMu.Lock()
	kills := k.kills[:0]
	for _, queued := range k.kills {
		if queued != pid {
			kills = append(kills, queued)
		}
	}
	k.kills = kills
	k.killsMu.Unlock()
	k.runq.Remove(pid)
}

func (k *Kernel) killsPending() bool {
	k.killsMu.Lock()
	defer k.killsMu.Unlock()
	return len(k.kills) > 0
}

func (k *Kernel) takeKills() []int {
	k.killsMu.Lock()
	defer k.killsMu.Unlock()
	kills := k.kills
	k.kills = nil
	return kills
}

// Spawn creates a process running the program at entry and makes it
// runnable. parent may be nil.
func (k *Kernel) Spawn(parent *proc.Proc, entry uintptr) (int, error) {
	if _, ok := k.program(entry); !ok {
		return 0, fmt.Errorf("no program at entry %#x", entry)
	}
	p, err := k.procs.Create(parent, entry)
	if err != nil {
		return 0, err
	}
	pid := p.Pid()
	k.procs.Ready(p)
	k.procs.Decref(p, 1)
	k.logger.Debug("process spawned", utils.Pid(pid), utils.Uint64("entry", uint64(entry)))
	return pid, nil
}
