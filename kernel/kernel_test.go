package kernel

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ebahmer/akaros/kernel/smp"
	"github.com/ebahmer/akaros/kernel/utils"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.NumCores = 4
	cfg.MaxProcs = 16
	cfg.IPITimeout = time.Second
	cfg.SchedInterval = time.Millisecond
	cfg.ShutdownTimeout = 5 * time.Second
	return cfg
}

func bootKernel(t *testing.T) *Kernel {
	t.Helper()
	k, err := New(testConfig(), utils.NopLogger())
	require.NoError(t, err)
	require.NoError(t, k.Boot(context.Background()))
	t.Cleanup(func() {
		if k.State() == StateRunning {
			_ = k.Shutdown(context.Background())
		}
	})
	return k
}

func waitIdle(t *testing.T, k *Kernel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, k.WaitIdle(ctx))
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.GreaterOrEqual(t, DefaultConfig().NumCores, 4)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"one core", func(c *Config) { c.NumCores = 1 }},
		{"networking without a spare core", func(c *Config) { c.Networking = true; c.NumCores = 2 }},
		{"no procs", func(c *Config) { c.MaxProcs = 0 }},
		{"pid max too large", func(c *Config) { c.PidMax = 40000 }},
		{"inbox not a power of two", func(c *Config) { c.InboxCapacity = 48 }},
		{"no ipi timeout", func(c *Config) { c.IPITimeout = 0 }},
		{"no scheduling interval", func(c *Config) { c.SchedInterval = 0 }},
		{"no memory", func(c *Config) { c.MemorySize = 4096 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
			_, err := New(cfg, utils.NopLogger())
			assert.Error(t, err)
		})
	}
}

func TestKernel_Lifecycle(t *testing.T) {
	k, err := New(testConfig(), utils.NopLogger())
	require.NoError(t, err)
	assert.Equal(t, StateUninitialized, k.State())
	assert.ErrorIs(t, k.Shutdown(context.Background()), ErrNotRunning)

	require.NoError(t, k.Boot(context.Background()))
	assert.Equal(t, StateRunning, k.State())
	assert.Error(t, k.Boot(context.Background()), "already booted")
	assert.Equal(t, 3, k.Procs().Idle().Count())

	require.NoError(t, k.Shutdown(context.Background()))
	assert.Equal(t, StateStopped, k.State())
	assert.Equal(t, "STOPPED", k.State().String())
	assert.NoError(t, k.Err())
}

func TestKernel_SingleCoreProgram(t *testing.T) {
	k := bootKernel(t)

	type run struct{ pid, core, vcore int }
	runs := make(chan run, 1)
	entry := k.Register(func(env *Env) {
		runs <- run{env.Pid(), env.Core(), env.Vcore()}
	})

	pid, err := k.Spawn(nil, entry)
	require.NoError(t, err)

	select {
	case r := <-runs:
		assert.Equal(t, run{pid, 0, 0}, r, "single-core processes run on the management core")
	case <-time.After(5 * time.Second):
		t.Fatal("program never ran")
	}
	waitIdle(t, k)
	assert.Zero(t, k.Spaces().Stats().Live)
	assert.Zero(t, k.RunQueue().Len())
}

func TestKernel_SpawnUnknownEntry(t *testing.T) {
	k := bootKernel(t)
	_, err := k.Spawn(nil, 0xdead000)
	assert.Error(t, err)
}

func TestKernel_YieldResumesSavedContext(t *testing.T) {
	k := bootKernel(t)

	var mu sync.Mutex
	var entries []bool
	var entry uintptr
	entry = k.Register(func(env *Env) {
		mu.Lock()
		entries = append(entries, env.Resumed())
		mu.Unlock()
		if !env.Resumed() {
			env.SetPC(entry + 0x10)
			env.Yield()
		}
		assert.Equal(t, entry+0x10, env.Trapframe().PC)
	})

	_, err := k.Spawn(nil, entry)
	require.NoError(t, err)
	waitIdle(t, k)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{false, true}, entries)
}

func TestKernel_MultiCoreProgram(t *testing.T) {
	k := bootKernel(t)

	var mu sync.Mutex
	vcores := make(map[int]int)
	entry := k.Register(func(env *Env) {
		if !env.Multi() {
			assert.NoError(t, env.RequestCores(3))
			return
		}
		mu.Lock()
		vcores[env.Vcore()] = env.Core()
		done := len(vcores) == 3
		mu.Unlock()
		if done {
			env.Exit(0)
		}
	})

	_, err := k.Spawn(nil, entry)
	require.NoError(t, err)
	waitIdle(t, k)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, vcores, 3)
	seen := make(map[int]bool)
	for _, pcore := range vcores {
		assert.NotZero(t, pcore, "management core is never a vcore")
		seen[pcore] = true
	}
	assert.Len(t, seen, 3)

	assert.Eventually(t, func() bool { return k.Procs().Idle().Count() == 3 },
		time.Second, time.Millisecond, "cores returned to the idle map")
}

func TestKernel_Kill(t *testing.T) {
	k := bootKernel(t)
	entry := k.Register(func(env *Env) {
		env.Yield()
	})

	pid, err := k.Spawn(nil, entry)
	require.NoError(t, err)

	require.NoError(t, k.Kill(context.Background(), pid))
	waitIdle(t, k)
	assert.ErrorIs(t, k.Kill(context.Background(), pid), utils.ErrNoSuchProcess)
}

func TestKernel_KillWhileCreated(t *testing.T) {
	k := bootKernel(t)
	entry := k.Register(func(env *Env) {
		env.Yield()
	})
	p, err := k.Procs().Create(nil, entry)
	require.NoError(t, err)
	pid := p.Pid()

	assert.ErrorIs(t, k.Kill(context.Background(), pid), utils.ErrBadState)
	assert.Equal(t, StateRunning, k.State())
	assert.NoError(t, k.Err())

	// A queued kill waits until the process is runnable
	k.killAsync(pid)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateRunning, k.State())
	assert.Equal(t, 1, k.Procs().NumProcs())

	k.Procs().Ready(p)
	k.Procs().Decref(p, 1)
	waitIdle(t, k)
	assert.Equal(t, StateRunning, k.State())
	assert.False(t, k.killsPending())
}

func TestKernel_ShutdownLeavesCreatedProcess(t *testing.T) {
	k := bootKernel(t)
	p, err := k.Procs().Create(nil, firstEntry)
	require.NoError(t, err)

	require.NoError(t, k.Shutdown(context.Background()))
	assert.Equal(t, StateStopped, k.State())
	assert.Equal(t, 1, k.Procs().NumProcs())

	k.Procs().Decref(p, 2)
	assert.Zero(t, k.Procs().NumProcs())
}

func TestKernel_TeardownForgetsPid(t *testing.T) {
	k, err := New(testConfig(), utils.NopLogger())
	require.NoError(t, err)
	p, err := k.Procs().Create(nil, firstEntry)
	require.NoError(t, err)

	k.killAsync(p.Pid())
	k.killAsync(p.Pid() + 1)
	k.RunQueue().Push(p.Pid())

	k.Procs().Decref(p, 2)
	assert.Equal(t, []int{p.Pid() + 1}, k.takeKills())
	assert.Zero(t, k.RunQueue().Len())
}

func TestKernel_ExitCode(t *testing.T) {
	var logs bytes.Buffer
	k, err := New(testConfig(), utils.NewLogger(utils.LoggerConfig{Level: utils.INFO, Output: &logs}))
	require.NoError(t, err)
	require.NoError(t, k.Boot(context.Background()))

	entry := k.Register(func(env *Env) {
		env.Exit(7)
	})
	pid, err := k.Spawn(nil, entry)
	require.NoError(t, err)
	waitIdle(t, k)

	require.NoError(t, k.Shutdown(context.Background()))
	assert.Contains(t, logs.String(), fmt.Sprintf("process exited pid=%d exit_code=7", pid))
}

func TestKernel_ParentKillsChild(t *testing.T) {
	k := bootKernel(t)

	spinner := k.Register(func(env *Env) {
		env.Yield()
	})
	killed := make(chan error, 1)
	parent := k.Register(func(env *Env) {
		child, err := env.Spawn(spinner)
		if err != nil {
			killed <- err
			return
		}
		killed <- env.Kill(child)
	})

	_, err := k.Spawn(nil, parent)
	require.NoError(t, err)

	select {
	case err := <-killed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("parent never ran")
	}
	waitIdle(t, k)
}

func TestKernel_ShutdownDestroysProcesses(t *testing.T) {
	k := bootKernel(t)
	entry := k.Register(func(env *Env) {
		env.Yield()
	})
	for i := 0; i < 3; i++ {
		_, err := k.Spawn(nil, entry)
		require.NoError(t, err)
	}

	require.NoError(t, k.Shutdown(context.Background()))
	assert.Equal(t, StateStopped, k.State())
	assert.Zero(t, k.Procs().NumProcs())
	assert.Zero(t, k.Spaces().Stats().Live)
}

func TestKernel_CorePanic(t *testing.T) {
	k := bootKernel(t)
	entry := k.Register(func(env *Env) {
		panic("boom")
	})

	_, err := k.Spawn(nil, entry)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return k.State() == StatePanic },
		5*time.Second, time.Millisecond)
	var pe *smp.PanicError
	require.ErrorAs(t, k.Err(), &pe)
	assert.Equal(t, 0, pe.Core)
	assert.Equal(t, "boom", pe.Reason)

	assert.NoError(t, k.Shutdown(context.Background()))
	assert.Equal(t, StatePanic, k.State())
}
