package proc

import (
	"github.com/ebahmer/akaros/kernel/smp"
	"github.com/ebahmer/akaros/kernel/utils"
)

// Message is an active message sent to cores being taken from a process
type Message struct {
	Name    string
	Handler smp.Handler
	A0      any
	A1      any
	A2      any
}

// DeathMessage makes a core drop whatever process it runs and idle
func (m *Manager) DeathMessage() *Message {
	return &Message{Name: "death", Handler: m.handleDeath}
}

// Destroy kills p from core c. Cores running p get a death message and go
// back to the idle map; p turns DYING and loses the reference it held for
// being alive. The last reference holder frees it.
//
// Like Run, Destroy consumes the caller's reference only when it returns
// Parked, which happens when c itself was running p.
func (m *Manager) Destroy(c *smp.Core, p *Proc) Outcome {
	selfPending := false
	depth := p.lock(c)

	switch p.state {
	case Dying:
		p.unlock(c, depth)
		return Returned

	case RunnableM, RunnableS:
		if p.state == RunnableM {
			m.takeAllCores(c, p, nil)
		}
		m.sched.Deschedule(p)

	case RunningS:
		pcore := p.info.vcoremap[0].pcore
		selfPending = pcore == c.ID()
		c.Send(pcore, "death", m.handleDeath, nil, nil, nil)
		p.info.unmapVcore(0)

	case RunningM:
		selfPending = m.takeAllCores(c, p, m.DeathMessage())

	default:
		state := p.state
		p.unlock(c, depth)
		invariant("weird state %s in proc_destroy()", state)
	}

	p.setState(Dying)
	p.refcnt--
	if p.refcnt <= 0 {
		p.unlock(c, depth)
		invariant("process %d lost its last reference in proc_destroy()", p.pid)
	}
	m.logger.Debug("process dying", utils.Pid(p.pid), utils.Bool("self", selfPending))
	return m.unlockIPIPending(c, p, depth, selfPending, "proc_destroy")
}

// handleDeath abandons whatever runs on this core. A core with no current
// process just idles.
func (m *Manager) handleDeath(c *smp.Core, src int, a0, a1, a2 any) {
	m.AbandonCore(c)
}

// AbandonCore leaves process context on c: boot page tables, no current,
// no user context. The reference current held is dropped.
func (m *Manager) AbandonCore(c *smp.Core) {
	if p := m.current[c.ID()].Swap(nil); p != nil {
		c.LoadRoot(smp.BootRoot)
		m.Decref(p, 1)
	}
	c.ClearTF()
}
