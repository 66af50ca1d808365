package proc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ebahmer/akaros/kernel/smp"
	"github.com/ebahmer/akaros/kernel/utils"
)

func TestCreate(t *testing.T) {
	env := newTestEnv(t, 4)

	parent, err := env.m.Create(nil, testEntry)
	require.NoError(t, err)
	assert.Equal(t, 1, parent.Pid())
	assert.Equal(t, 0, parent.Ppid())
	assert.Equal(t, Created, parent.State())
	assert.Equal(t, 2, parent.Refcnt())
	assert.Equal(t, 3, parent.MaxVcores())
	assert.NotZero(t, parent.Root())

	child, err := env.m.Create(parent, testEntry)
	require.NoError(t, err)
	assert.Equal(t, 2, child.Pid())
	assert.Equal(t, 1, child.Ppid())
	assert.Equal(t, 2, env.m.NumProcs())
	assert.Equal(t, 2, env.spaces.Live())

	tf := child.SavedTF()
	assert.Equal(t, testEntry, tf.PC)
	assert.Equal(t, UserStackTop, tf.SP)

	assert.True(t, Controls(parent, child))
	assert.True(t, Controls(child, child))
	assert.False(t, Controls(child, parent))
}

func TestCreate_ResourceExhaustion(t *testing.T) {
	t.Run("no free pid", func(t *testing.T) {
		env := newTestEnv(t, 4, func(c *Config) { c.PidMax = 1 })
		_, err := env.m.Create(nil, testEntry)
		require.NoError(t, err)

		_, err = env.m.Create(nil, testEntry)
		assert.ErrorIs(t, err, utils.ErrNoFreePid)
		assert.Equal(t, 1, env.spaces.Live(), "address space undone")
		assert.Equal(t, 1, env.m.NumProcs())
	})

	t.Run("proc cache full", func(t *testing.T) {
		env := newTestEnv(t, 4, func(c *Config) { c.MaxProcs = 1 })
		_, err := env.m.Create(nil, testEntry)
		require.NoError(t, err)

		_, err = env.m.Create(nil, testEntry)
		assert.ErrorIs(t, err, utils.ErrNoMemory)
	})

	t.Run("address space", func(t *testing.T) {
		env := newTestEnv(t, 4)
		env.spaces.fail = utils.WrapError(utils.ErrNoMemory, "buddy")

		_, err := env.m.Create(nil, testEntry)
		assert.ErrorIs(t, err, utils.ErrNoMemory)
		assert.False(t, env.m.Pids().InUse(1))
		assert.Zero(t, env.m.NumProcs())
	})
}

func TestRefcount_FreeOnLastDecref(t *testing.T) {
	env := newTestEnv(t, 4)
	p, err := env.m.Create(nil, testEntry)
	require.NoError(t, err)
	pid := p.Pid()

	found := env.m.Lookup(pid)
	require.Same(t, p, found)
	assert.Equal(t, 3, p.Refcnt())
	env.m.Decref(found, 1)

	env.m.Decref(p, 1)
	assert.NotNil(t, env.m.Lookup(pid), "alive reference keeps it registered")
	env.m.Decref(p, 1)

	env.m.Decref(p, 1)
	assert.Nil(t, env.m.Lookup(pid))
	assert.False(t, env.m.Pids().InUse(pid))
	assert.Zero(t, env.m.NumProcs())
	assert.Zero(t, env.spaces.Live())
	env.extras.AssertCalled(t, "Teardown", p)
}

func TestRefcount_Violations(t *testing.T) {
	env := newTestEnv(t, 4)
	p, err := env.m.Create(nil, testEntry)
	require.NoError(t, err)
	env.m.Decref(p, 2)

	assert.PanicsWithError(t, "incref on process 1 with no references", func() {
		env.m.Incref(p, 1)
	})
	assert.Panics(t, func() { env.m.Decref(p, 1) }, "underflow")
}

func TestLookup_ZeroRefOutsideTeardownPanics(t *testing.T) {
	env := newTestEnv(t, 4)
	p, err := env.m.Create(nil, testEntry)
	require.NoError(t, err)

	// Simulate a broken refcount on a registered, live process.
	p.mu.Lock()
	p.refcnt = 0
	p.mu.Unlock()
	assert.Panics(t, func() { env.m.Lookup(p.Pid()) })
}

func TestLookup_DyingWithNoReferences(t *testing.T) {
	env := newTestEnv(t, 4)
	p, err := env.m.Create(nil, testEntry)
	require.NoError(t, err)

	// Window between the last decref and unregistering during free.
	p.mu.Lock()
	p.state = Dying
	p.refcnt = 0
	p.mu.Unlock()
	assert.Nil(t, env.m.Lookup(p.Pid()))
}

func TestCreate_RecyclesDyingSlot(t *testing.T) {
	env := newTestEnv(t, 4, func(c *Config) { c.MaxProcs = 1 })

	p, err := env.m.Create(nil, testEntry)
	require.NoError(t, err)
	env.m.Ready(p)
	assert.Equal(t, Returned, env.m.Destroy(env.core(1), p))
	env.sched.AssertCalled(t, "Deschedule", p)
	assert.Equal(t, Dying, p.State())
	env.m.Decref(p, 1)
	assert.Zero(t, env.m.NumProcs())

	p.SetExitCode(9)
	q, err := env.m.Create(nil, testEntry+0x1000)
	require.NoError(t, err)
	assert.Same(t, p, q, "the only slab slot is reused")
	assert.Zero(t, q.ExitCode())
	assert.Equal(t, Created, q.State())
	assert.Equal(t, 2, q.Pid())
	assert.Equal(t, 2, q.Refcnt())
	assert.Equal(t, testEntry+0x1000, q.Entry())
}

func TestNewManager_Networking(t *testing.T) {
	mach, err := smp.NewMachine(smp.Config{NumCores: 4, InboxCapacity: 8}, nil)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Networking = true
	m, err := NewManager(mach, cfg, newFakeSpaces(), nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Idle().Reserved())
	assert.Equal(t, []int{2, 3}, m.Idle().Snapshot())

	_, err = NewManager(mach, cfg, nil, nil, nil, nil)
	assert.Error(t, err)

	one, err := smp.NewMachine(smp.Config{NumCores: 1, InboxCapacity: 8}, nil)
	require.NoError(t, err)
	_, err = NewManager(one, cfg, newFakeSpaces(), nil, nil, nil)
	assert.Error(t, err)
}

func TestReady(t *testing.T) {
	env := newTestEnv(t, 4)
	p, err := env.m.Create(nil, testEntry)
	require.NoError(t, err)

	env.m.Ready(p)
	assert.Equal(t, RunnableS, p.State())
	env.sched.AssertCalled(t, "Schedule", p)
	env.sched.AssertNotCalled(t, "Deschedule", mock.Anything)
	assert.Panics(t, func() { env.m.Ready(p) }, "RUNNABLE_S -> RUNNABLE_S")
}
