package proc

import (
	"strconv"

	"github.com/ebahmer/akaros/kernel/smp"
	"github.com/ebahmer/akaros/kernel/utils"
)

// GrantCores gives p the physical cores in pcores, which the caller has
// already removed from the idle map. A RUNNABLE_M process only gets the
// mapping and starts on them at the next Run; a RUNNING_M process starts
// them right away. Parked means c was one of the cores and now runs p.
func (m *Manager) GrantCores(c *smp.Core, p *Proc, pcores []int) Outcome {
	depth := p.lock(c)
	selfPending := m.giveCores(c, p, pcores)
	return m.unlockIPIPending(c, p, depth, selfPending, "proc_give_cores")
}

// giveCores maps pcores at the next free vcoreids. Caller holds p's lock.
// It reports whether a startcore is on its way to c.
func (m *Manager) giveCores(c *smp.Core, p *Proc, pcores []int) bool {
	selfPending := false
	switch p.state {
	case RunnableS, RunningS:
		invariant("don't give cores to a process in a *_S state (pid %d)", p.pid)
	case Dying:
		invariant("attempted to give cores to a DYING process (pid %d)", p.pid)
	case RunnableM:
		if p.info.numVcores > 0 {
			m.logger.Info("giving extra cores to a runnable process", utils.Pid(p.pid))
			if !p.info.packed() {
				invariant("vcoremap of process %d has holes", p.pid)
			}
		}
		m.mapCores(p, pcores, nil)
	case RunningM:
		// One reference per new vcore that will hold p as current.
		p.refcnt += len(pcores)
		m.mapCores(p, pcores, func(vcoreid, pcore int) {
			c.Send(pcore, "startcore", m.handleStartcore, p, nil, vcoreid)
			if pcore == c.ID() {
				selfPending = true
			}
		})
	default:
		invariant("weird proc state %s in proc_give_cores()", p.state)
	}
	p.resources[ResCores].Granted += len(pcores)
	return selfPending
}

func (m *Manager) mapCores(p *Proc, pcores []int, started func(vcoreid, pcore int)) {
	vcoreid := 0
	for _, pcore := range pcores {
		var ok bool
		vcoreid, ok = p.info.freeVcoreid(vcoreid)
		if !ok {
			m.warn(vcoreKey(p), "at the end of the vcore list", utils.Pid(p.pid), utils.Int("vcore", vcoreid))
		}
		if vcoreid >= len(p.info.vcoremap) {
			invariant("process %d has no free vcore for pcore %d", p.pid, pcore)
		}
		m.logger.Debug("mapping vcore", utils.Pid(p.pid), utils.Int("vcore", vcoreid), utils.Int("pcore", pcore))
		p.info.mapVcore(vcoreid, pcore)
		p.info.numVcores++
		if started != nil {
			started(vcoreid, pcore)
		}
	}
}

// TakeCores takes the listed cores from p and returns them to the idle map.
// A RUNNABLE_M process needs no message; a RUNNING_M process needs one
// (DeathMessage) for each core it loses.
func (m *Manager) TakeCores(c *smp.Core, p *Proc, pcores []int, msg *Message) Outcome {
	depth := p.lock(c)
	selfPending := m.takeCores(c, p, pcores, msg)
	return m.unlockIPIPending(c, p, depth, selfPending, "proc_take_cores")
}

// TakeAllCores is TakeCores for every core p holds.
func (m *Manager) TakeAllCores(c *smp.Core, p *Proc, msg *Message) Outcome {
	depth := p.lock(c)
	selfPending := m.takeAllCores(c, p, msg)
	return m.unlockIPIPending(c, p, depth, selfPending, "proc_take_allcores")
}

func (m *Manager) checkTakeState(p *Proc, msg *Message, fn string) {
	switch p.state {
	case RunnableM:
		if msg != nil {
			invariant("%s: message for a process that is not running (pid %d)", fn, p.pid)
		}
	case RunningM:
		if msg == nil {
			invariant("%s: running process %d needs a message", fn, p.pid)
		}
	default:
		invariant("weird state %s in %s()", p.state, fn)
	}
}

func (m *Manager) takeCores(c *smp.Core, p *Proc, pcores []int, msg *Message) bool {
	m.checkTakeState(p, msg, "proc_take_cores")
	if len(pcores) > p.info.numVcores || m.idle.Count()+len(pcores) > m.idle.Total() {
		invariant("taking %d cores from process %d with %d vcores", len(pcores), p.pid, p.info.numVcores)
	}

	selfPending := false
	for _, pcore := range pcores {
		vcoreid := p.info.vcoreid(pcore)
		selfPending = m.releaseVcore(c, p, vcoreid, msg) || selfPending
	}
	p.info.numVcores -= len(pcores)
	p.resources[ResCores].Granted -= len(pcores)
	return selfPending
}

func (m *Manager) takeAllCores(c *smp.Core, p *Proc, msg *Message) bool {
	m.checkTakeState(p, msg, "proc_take_allcores")
	if m.idle.Count()+p.info.numVcores > m.idle.Total() {
		invariant("idle map overflow taking cores from process %d", p.pid)
	}

	selfPending := false
	for _, vcoreid := range p.info.busyVcores() {
		selfPending = m.releaseVcore(c, p, vcoreid, msg) || selfPending
	}
	p.info.numVcores = 0
	p.resources[ResCores].Granted = 0
	return selfPending
}

// releaseVcore sends msg to the vcore's pcore, unmaps it and idles the
// pcore. It reports whether the message went to c.
func (m *Manager) releaseVcore(c *smp.Core, p *Proc, vcoreid int, msg *Message) bool {
	pcore := p.info.vcoremap[vcoreid].pcore
	self := false
	if msg != nil {
		self = pcore == c.ID()
		c.Send(pcore, msg.Name, msg.Handler, msg.A0, msg.A1, msg.A2)
	}
	p.info.unmapVcore(vcoreid)
	m.idle.GiveBack(pcore)
	return self
}

func vcoreKey(p *Proc) string {
	return "vcores/" + strconv.Itoa(p.pid)
}
