package proc

import (
	"fmt"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ebahmer/akaros/kernel/smp"
	"github.com/ebahmer/akaros/kernel/utils"
)

// IdleCoreMap renders the idle core map
func (m *Manager) IdleCoreMap() string {
	return m.idle.String()
}

// AllPids lists every registered process with its state
func (m *Manager) AllPids() []PidState {
	return m.pids.snapshot()
}

// FormatAllPids renders AllPids as a table
func (m *Manager) FormatAllPids() string {
	pids := m.AllPids()
	if len(pids) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("PID      STATE    \n")
	b.WriteString("------------------\n")
	for _, ps := range pids {
		fmt.Fprintf(&b, "%8d %s\n", ps.Pid, ps.State)
	}
	return b.String()
}

type VcoreEntry struct {
	Vcore int
	Pcore int
}

// ProcSnapshot is a point-in-time copy of one process
type ProcSnapshot struct {
	Pid       int
	Ppid      int
	State     State
	Refcnt    int
	Flags     Flags
	Root      uintptr
	NumVcores int
	Vcoremap  []VcoreEntry
	Resources [NumResources]Resource
	Trapframe smp.Trapframe
	ExitCode  int
}

// ProcInfo snapshots process pid. The reported refcount leaves out the
// reference the lookup itself took.
func (m *Manager) ProcInfo(pid int) (*ProcSnapshot, error) {
	p := m.Lookup(pid)
	if p == nil {
		return nil, utils.WrapError(utils.ErrNoSuchProcess, fmt.Sprintf("pid %d", pid))
	}
	defer m.Decref(p, 1)

	p.mu.Lock()
	defer p.mu.Unlock()
	snap := &ProcSnapshot{
		Pid:       p.pid,
		Ppid:      p.ppid,
		State:     p.state,
		Refcnt:    p.refcnt - 1,
		Flags:     p.flags,
		Root:      p.layout.Root,
		NumVcores: p.info.numVcores,
		Resources: p.resources,
		Trapframe: p.tf,
		ExitCode:  p.exitCode,
	}
	for _, v := range p.info.busyVcores() {
		snap.Vcoremap = append(snap.Vcoremap, VcoreEntry{Vcore: v, Pcore: p.info.vcoremap[v].pcore})
	}
	return snap, nil
}

func (s *ProcSnapshot) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "PID: %d\n", s.Pid)
	fmt.Fprintf(&b, "PPID: %d\n", s.Ppid)
	fmt.Fprintf(&b, "State: 0x%08x (%s)\n", uint32(s.State), s.State)
	fmt.Fprintf(&b, "Refcnt: %d\n", s.Refcnt)
	fmt.Fprintf(&b, "Flags: 0x%08x\n", uint32(s.Flags))
	fmt.Fprintf(&b, "CR3(phys): 0x%08x\n", s.Root)
	fmt.Fprintf(&b, "Num Vcores: %d\n", s.NumVcores)
	b.WriteString("Vcoremap:\n")
	for _, e := range s.Vcoremap {
		fmt.Fprintf(&b, "\tVcore %d: Pcore %d\n", e.Vcore, e.Pcore)
	}
	b.WriteString("Resources:\n")
	for i, r := range s.Resources {
		fmt.Fprintf(&b, "\tRes type: %02d (%s), amt wanted: %08d, amt granted: %08d\n",
			i, resourceNames[i], r.Wanted, r.Granted)
	}
	b.WriteString("Vcore 0's Last Trapframe:\n")
	b.WriteString(s.Trapframe.String())
	return b.String()
}

// Proto converts the snapshot to a protobuf Struct for JSON export.
func (s *ProcSnapshot) Proto() (*structpb.Struct, error) {
	vcoremap := make([]any, 0, len(s.Vcoremap))
	for _, e := range s.Vcoremap {
		vcoremap = append(vcoremap, map[string]any{"vcore": e.Vcore, "pcore": e.Pcore})
	}
	resources := make(map[string]any, NumResources)
	for i, r := range s.Resources {
		resources[resourceNames[i]] = map[string]any{"wanted": r.Wanted, "granted": r.Granted}
	}
	return structpb.NewStruct(map[string]any{
		"pid":        s.Pid,
		"ppid":       s.Ppid,
		"state":      s.State.String(),
		"refcnt":     s.Refcnt,
		"flags":      uint32(s.Flags),
		"root":       fmt.Sprintf("0x%x", s.Root),
		"num_vcores": s.NumVcores,
		"vcoremap":   vcoremap,
		"resources":  resources,
		"exit_code":  s.ExitCode,
		"tf": map[string]any{
			"pc": fmt.Sprintf("0x%x", s.Trapframe.PC),
			"sp": fmt.Sprintf("0x%x", s.Trapframe.SP),
		},
	})
}
