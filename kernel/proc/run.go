package proc

import (
	"github.com/ebahmer/akaros/kernel/smp"
	"github.com/ebahmer/akaros/kernel/utils"
)

// Run dispatches p from core c: a RUNNABLE_S process starts on c, a
// RUNNABLE_M process starts on every mapped vcore. The vcoremap must be set
// up beforehand (GrantCores).
//
// Run consumes the caller's reference when it returns Parked; c then runs
// p's context (or idles) instead of the caller's. On Returned the caller
// still owns its reference.
func (m *Manager) Run(c *smp.Core, p *Proc) Outcome {
	depth := p.lock(c)
	switch p.state {
	case Dying:
		p.unlock(c, depth)
		m.logger.Info("process not starting due to async death", utils.Pid(p.pid))
		if m.ManagementCore(c) {
			return Returned
		}
		m.Decref(p, 1)
		c.ClearTF()
		return Parked

	case RunnableS:
		p.setState(RunningS)
		p.info.numVcores = 0
		p.info.mapVcore(0, c.ID())
		tf := p.tf
		p.unlock(c, depth)
		// The caller's reference becomes the one held by current.
		if m.Current(c) == p {
			m.Decref(p, 1)
		}
		m.startcore(c, p, tf)
		return Parked

	case RunnableM:
		if p.info.numVcores == 0 {
			p.unlock(c, depth)
			m.warn("run-empty", "tried to run a multi-core process with no vcores", utils.Pid(p.pid))
			return Returned
		}
		p.setState(RunningM)
		// One reference per vcore that will hold p as current.
		p.refcnt += p.info.numVcores
		selfPending := p.info.isMappedPcore(c.ID())

		transition := p.flags&TransitionToM != 0
		p.flags &^= TransitionToM
		for _, v := range p.info.busyVcores() {
			pcore := p.info.vcoremap[v].pcore
			if v == 0 && transition {
				tf := p.tf
				c.Send(pcore, "startcore", m.handleStartcore, p, &tf, v)
				continue
			}
			c.Send(pcore, "startcore", m.handleStartcore, p, nil, v)
		}
		return m.unlockIPIPending(c, p, depth, selfPending, "proc_run")

	default:
		state := p.state
		p.unlock(c, depth)
		invariant("invalid process state %s in proc_run()", state)
		return Returned
	}
}

// unlockIPIPending releases p's lock. If a message to c itself is in
// flight, the caller's reference is dropped and c waits for that message.
func (m *Manager) unlockIPIPending(c *smp.Core, p *Proc, depth int32, pending bool, fn string) Outcome {
	if !pending {
		p.unlock(c, depth)
		return Returned
	}
	p.refcnt--
	if p.refcnt <= 0 {
		refcnt := p.refcnt
		p.unlock(c, depth)
		invariant("refcount %d on process %d with a message in flight", refcnt, p.pid)
	}
	p.unlock(c, depth)
	c.WaitForIPI(fn)
	return Parked
}

// startcore loads p on c and installs tf. The reference that made p current
// must already be accounted for: a new current inherits the caller's, and
// the previous current's is dropped.
func (m *Manager) startcore(c *smp.Core, p *Proc, tf smp.Trapframe) {
	c.DisableIRQ()
	if old := m.current[c.ID()].Load(); old != p {
		c.LoadRoot(p.layout.Root)
		m.current[c.ID()].Store(p)
		if old != nil {
			m.Decref(old, 1)
		}
	}

	p.mu.Lock()
	anc := p.ancillary
	p.mu.Unlock()

	c.PopAncillary(anc)
	c.PopTF(tf)
	c.EnableIRQ()
}

// handleStartcore starts vcore a2 of process a0 on this core, resuming
// context a1 or entering fresh at the process entry point.
func (m *Manager) handleStartcore(c *smp.Core, src int, a0, a1, a2 any) {
	p := a0.(*Proc)
	vcoreid := a2.(int)

	m.logger.Debug("startcore", utils.Core(c.ID()), utils.Pid(p.pid), utils.Int("vcore", vcoreid))

	var tf smp.Trapframe
	if saved, ok := a1.(*smp.Trapframe); ok && saved != nil {
		tf = *saved
	} else {
		tf = smp.InitTrapframe(vcoreid, p.entry, p.stackPointer(vcoreid))
	}
	// The sender counted a reference for current; p already is current.
	if m.Current(c) == p {
		m.Decref(p, 1)
	}
	m.startcore(c, p, tf)
}
