package sched

import (
	"sync"

	"github.com/ebahmer/akaros/kernel/proc"
	"github.com/ebahmer/akaros/kernel/utils"
)

// RunQueue is a FIFO of runnable pids. It holds no process references;
// whoever dispatches a pid resolves it with Lookup first.
type RunQueue struct {
	mu     sync.Mutex
	pids   []int
	queued map[int]bool
	notify chan struct{}
	stats  Stats
	logger *utils.Logger
}

// Stats tracks queue activity
type Stats struct {
	Scheduled   uint64
	Descheduled uint64
	Dispatched  uint64
}

func NewRunQueue(logger *utils.Logger) *RunQueue {
	if logger == nil {
		logger = utils.NopLogger()
	}
	return &RunQueue{
		pids:   make([]int, 0),
		queued: make(map[int]bool),
		notify: make(chan struct{}, 1),
		logger: logger.Named("sched"),
	}
}

// Schedule appends p. A process already queued keeps its place. Called
// with p's lock held, so only p's immutable fields are read.
func (rq *RunQueue) Schedule(p *proc.Proc) {
	rq.logger.Debug("schedule", utils.Pid(p.Pid()))
	rq.Push(p.Pid())
}

// Deschedule drops p if it is queued
func (rq *RunQueue) Deschedule(p *proc.Proc) {
	if rq.Remove(p.Pid()) {
		rq.logger.Debug("deschedule", utils.Pid(p.Pid()))
	}
}

func (rq *RunQueue) Push(pid int) {
	rq.mu.Lock()
	if !rq.queued[pid] {
		rq.pids = append(rq.pids, pid)
		rq.queued[pid] = true
		rq.stats.Scheduled++
	}
	rq.mu.Unlock()

	select {
	case rq.notify <- struct{}{}:
	default:
	}
}

// Requeue appends pid without waking the dispatcher. Used for processes
// that could not be dispatched yet.
func (rq *RunQueue) Requeue(pid int) {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	if !rq.queued[pid] {
		rq.pids = append(rq.pids, pid)
		rq.queued[pid] = true
	}
}

// Remove drops pid and reports whether it was queued
func (rq *RunQueue) Remove(pid int) bool {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	if !rq.queued[pid] {
		return false
	}
	delete(rq.queued, pid)
	for i, queued := range rq.pids {
		if queued == pid {
			rq.pids = append(rq.pids[:i], rq.pids[i+1:]...)
			break
		}
	}
	rq.stats.Descheduled++
	return true
}

// Next pops the oldest pid
func (rq *RunQueue) Next() (int, bool) {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	if len(rq.pids) == 0 {
		return 0, false
	}
	pid := rq.pids[0]
	rq.pids = rq.pids[1:]
	delete(rq.queued, pid)
	rq.stats.Dispatched++
	return pid, true
}

// Peek returns the oldest pid without removing it
func (rq *RunQueue) Peek() (int, bool) {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	if len(rq.pids) == 0 {
		return 0, false
	}
	return rq.pids[0], true
}

func (rq *RunQueue) Len() int {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return len(rq.pids)
}

// Notify fires after a Push
func (rq *RunQueue) Notify() <-chan struct{} {
	return rq.notify
}

func (rq *RunQueue) Stats() Stats {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.stats
}
