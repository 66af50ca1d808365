package proc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ebahmer/akaros/kernel/smp"
	"github.com/ebahmer/akaros/kernel/utils"
)

const testEntry uintptr = 0x400000

type mockScheduler struct {
	mock.Mock
}

func (s *mockScheduler) Schedule(p *Proc)   { s.Called(p) }
func (s *mockScheduler) Deschedule(p *Proc) { s.Called(p) }

type mockTeardowner struct {
	mock.Mock
}

func (t *mockTeardowner) Teardown(p *Proc) { t.Called(p) }

// fakeSpaces hands out page-aligned roots and tracks which are live
type fakeSpaces struct {
	mu   sync.Mutex
	next uintptr
	live map[uintptr]bool
	fail error
}

func newFakeSpaces() *fakeSpaces {
	return &fakeSpaces{next: 0x1000, live: make(map[uintptr]bool)}
}

func (f *fakeSpaces) Create() (Layout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return Layout{}, f.fail
	}
	l := Layout{Root: f.next, ProcInfo: f.next + 0x1000, ProcData: f.next + 0x2000}
	f.next += 0x4000
	f.live[l.Root] = true
	return l, nil
}

func (f *fakeSpaces) Destroy(l Layout) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live[l.Root] {
		return utils.NewError("unknown address space")
	}
	delete(f.live, l.Root)
	return nil
}

func (f *fakeSpaces) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

type testEnv struct {
	m      *Manager
	mach   *smp.Machine
	sched  *mockScheduler
	extras *mockTeardowner
	spaces *fakeSpaces
}

func newTestEnv(t *testing.T, ncores int, mutate ...func(*Config)) *testEnv {
	t.Helper()
	mach, err := smp.NewMachine(smp.Config{
		NumCores:      ncores,
		InboxCapacity: 64,
		IPITimeout:    200 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	sched := &mockScheduler{}
	sched.On("Schedule", mock.Anything).Return()
	sched.On("Deschedule", mock.Anything).Return()
	extras := &mockTeardowner{}
	extras.On("Teardown", mock.Anything).Return()
	spaces := newFakeSpaces()

	cfg := DefaultConfig()
	cfg.MaxProcs = 16
	for _, fn := range mutate {
		fn(&cfg)
	}
	m, err := NewManager(mach, cfg, spaces, sched, extras, nil)
	require.NoError(t, err)
	return &testEnv{m: m, mach: mach, sched: sched, extras: extras, spaces: spaces}
}

func (e *testEnv) core(id int) *smp.Core { return e.mach.Core(id) }

// drain runs pending messages on the given cores
func (e *testEnv) drain(cores ...int) {
	for _, id := range cores {
		e.core(id).HandleInterrupts()
	}
}

// runningS creates a process and runs it on the management core. The
// returned process has refcount 2: alive plus current on core 0.
func (e *testEnv) runningS(t *testing.T) *Proc {
	t.Helper()
	p, err := e.m.Create(nil, testEntry)
	require.NoError(t, err)
	e.m.Ready(p)
	require.Equal(t, Parked, e.m.Run(e.core(0), p))
	require.Equal(t, RunningS, p.State())
	return p
}

// runnableM builds a RUNNABLE_M process with pcores granted. The caller
// owns one reference on top of the alive one.
func (e *testEnv) runnableM(t *testing.T, pcores ...int) *Proc {
	t.Helper()
	p := e.runningS(t)
	e.m.Incref(p, 1)

	p.mu.Lock()
	p.info.unmapVcore(0)
	p.setState(RunnableM)
	p.mu.Unlock()
	e.m.AbandonCore(e.core(0))
	require.Equal(t, 2, p.Refcnt())

	if len(pcores) > 0 {
		require.NoError(t, e.m.Idle().Claim(pcores...))
		require.Equal(t, Returned, e.m.GrantCores(e.core(0), p, pcores))
	}
	return p
}

// conserved checks idle + granted + reserved == total over live processes
func (e *testEnv) conserved(t *testing.T, procs ...*Proc) {
	t.Helper()
	granted := 0
	for _, p := range procs {
		switch p.State() {
		case RunnableM, RunningM:
			granted += p.Resource(ResCores).Granted
		}
	}
	idle := e.m.Idle()
	require.Equal(t, idle.Total(), idle.Count()+granted+idle.Reserved())
}
