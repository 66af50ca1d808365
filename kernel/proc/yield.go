package proc

import (
	"fmt"

	"github.com/ebahmer/akaros/kernel/smp"
	"github.com/ebahmer/akaros/kernel/utils"
)

// Yield gives up core c on behalf of the process current there.
//
// A RUNNING_S process saves its context and goes back on the runnable list.
// A RUNNING_M process gives up the vcore on c; wanted and granted drop to
// the vcores left, and if none are left it wants one core and becomes
// RUNNABLE_M. Either way c abandons the process context, so Yield never
// returns to the caller's context. A DYING process already has a death
// message on its way to c, as does a vcore whose pcore was just taken; Yield
// waits for it.
func (m *Manager) Yield(c *smp.Core) Outcome {
	p := m.Current(c)
	if p == nil {
		invariant("yield on core %d with no current process", c.ID())
	}

	depth := p.lock(c)
	switch p.state {
	case RunningS:
		if tf, ok := c.TF(); ok {
			p.tf = tf
		}
		p.ancillary = c.SaveAncillary()
		if p.info.isMappedPcore(c.ID()) {
			p.info.unmapVcore(p.info.vcoreid(c.ID()))
		}
		p.setState(RunnableS)
		m.sched.Schedule(p)

	case RunningM:
		if !p.info.isMappedPcore(c.ID()) {
			// Already taken; the preempt message is on its way.
			p.unlock(c, depth)
			c.WaitForIPI("proc_yield")
			return Parked
		}
		p.info.unmapVcore(p.info.vcoreid(c.ID()))
		p.info.numVcores--
		p.resources[ResCores].Granted = p.info.numVcores
		p.resources[ResCores].Wanted = p.info.numVcores
		m.idle.GiveBack(c.ID())
		if p.info.numVcores == 0 {
			p.resources[ResCores].Wanted = 1
			p.setState(RunnableM)
			m.sched.Schedule(p)
		}

	case Dying:
		p.unlock(c, depth)
		c.WaitForIPI("proc_yield")
		return Parked

	default:
		state := p.state
		p.unlock(c, depth)
		invariant("weird state %s in proc_yield()", state)
	}
	p.unlock(c, depth)

	m.logger.Debug("yield", utils.Pid(p.pid), utils.Core(c.ID()))
	m.AbandonCore(c)
	return Parked
}

// CoreRequest asks for n cores in total for p.
//
// From RUNNING_S (on c) the process saves its context, switches to
// multi-core mode with vcore 0 resuming that context, and is run on n idle
// cores; c then abandons the single-core context and the call returns
// Parked. From RUNNABLE_M or RUNNING_M the missing cores are granted, and a
// running process starts them immediately.
//
// Too few idle cores fails with ErrNoIdleCores before anything changes.
func (m *Manager) CoreRequest(c *smp.Core, p *Proc, n int) (Outcome, error) {
	depth := p.lock(c)
	if n < 1 || n > p.info.maxVcores {
		p.unlock(c, depth)
		return Returned, utils.WrapError(utils.ErrBadState,
			fmt.Sprintf("process %d cannot have %d cores", p.pid, n))
	}

	switch p.state {
	case RunningS:
		if m.Current(c) != p {
			p.unlock(c, depth)
			return Returned, utils.WrapError(utils.ErrBadState,
				fmt.Sprintf("process %d is not running on core %d", p.pid, c.ID()))
		}
		cores, err := m.idle.Take(n)
		if err != nil {
			p.unlock(c, depth)
			return Returned, err
		}
		if tf, ok := c.TF(); ok {
			p.tf = tf
		}
		p.ancillary = c.SaveAncillary()
		if p.info.isMappedPcore(c.ID()) {
			p.info.unmapVcore(p.info.vcoreid(c.ID()))
		}
		p.info.numVcores = 0
		p.setState(RunnableM)
		p.flags |= TransitionToM
		p.resources[ResCores].Wanted = n
		m.giveCores(c, p, cores)
		// Hold a reference across Run; current's goes with AbandonCore.
		p.refcnt++
		p.unlock(c, depth)

		m.logger.Info("process switching to multi-core mode", utils.Pid(p.pid), utils.Int("cores", n))
		if m.Run(c, p) == Returned {
			m.Decref(p, 1)
		}
		m.AbandonCore(c)
		return Parked, nil

	case RunnableM, RunningM:
		p.resources[ResCores].Wanted = n
		extra := n - p.resources[ResCores].Granted
		if extra <= 0 {
			p.unlock(c, depth)
			return Returned, nil
		}
		cores, err := m.idle.Take(extra)
		if err != nil {
			p.unlock(c, depth)
			return Returned, err
		}
		selfPending := m.giveCores(c, p, cores)
		return m.unlockIPIPending(c, p, depth, selfPending, "core_request"), nil

	default:
		state := p.state
		p.unlock(c, depth)
		return Returned, utils.WrapError(utils.ErrBadState,
			fmt.Sprintf("core request from process %d in state %s", p.pid, state))
	}
}
