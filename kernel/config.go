package kernel

import (
	"fmt"
	"runtime"
	"time"

	"github.com/ebahmer/akaros/kernel/proc"
	"github.com/ebahmer/akaros/kernel/smp"
	"github.com/ebahmer/akaros/kernel/utils"
	"github.com/ebahmer/akaros/kernel/vm"
)

// Config holds kernel configuration
type Config struct {
	NumCores        int
	Networking      bool
	MaxProcs        int
	PidMax          int
	InboxCapacity   uint32
	IPITimeout      time.Duration
	SchedInterval   time.Duration
	ShutdownTimeout time.Duration
	MemorySize      uint64
	LogLevel        utils.LogLevel
	WarnRate        int64
	WarnBurst       int64
}

// DefaultConfig sizes the machine from the host: one simulated core per
// CPU, at least 4.
func DefaultConfig() Config {
	cores := runtime.NumCPU()
	if cores < 4 {
		cores = 4
	}
	pc := proc.DefaultConfig()
	sc := smp.DefaultConfig()
	return Config{
		NumCores:        cores,
		MaxProcs:        pc.MaxProcs,
		PidMax:          pc.PidMax,
		InboxCapacity:   sc.InboxCapacity,
		IPITimeout:      sc.IPITimeout,
		SchedInterval:   10 * time.Millisecond,
		ShutdownTimeout: 5 * time.Second,
		MemorySize:      vm.DefaultSize,
		LogLevel:        utils.INFO,
		WarnRate:        pc.WarnRate,
		WarnBurst:       pc.WarnBurst,
	}
}

// Validate rejects settings the machine cannot boot with
func (c Config) Validate() error {
	switch {
	case c.NumCores < 2:
		return fmt.Errorf("need at least 2 cores, got %d", c.NumCores)
	case c.Networking && c.NumCores < 3:
		return fmt.Errorf("networking reserves 2 cores, need at least 3, got %d", c.NumCores)
	case c.MaxProcs < 1:
		return fmt.Errorf("max procs must be positive, got %d", c.MaxProcs)
	case c.PidMax < 1 || c.PidMax > proc.PidMax:
		return fmt.Errorf("pid max %d out of range [1, %d]", c.PidMax, proc.PidMax)
	case c.InboxCapacity < 2 || c.InboxCapacity&(c.InboxCapacity-1) != 0:
		return fmt.Errorf("inbox capacity %d must be a power of two", c.InboxCapacity)
	case c.IPITimeout <= 0:
		return fmt.Errorf("ipi timeout must be positive")
	case c.SchedInterval <= 0:
		return fmt.Errorf("scheduling interval must be positive")
	case c.MemorySize < 3*4096:
		return fmt.Errorf("memory size %d too small for one address space", c.MemorySize)
	}
	return nil
}

func (c Config) machine() smp.Config {
	return smp.Config{
		NumCores:      c.NumCores,
		InboxCapacity: c.InboxCapacity,
		IPITimeout:    c.IPITimeout,
	}
}

func (c Config) procs() proc.Config {
	return proc.Config{
		Networking: c.Networking,
		MaxProcs:   c.MaxProcs,
		PidMax:     c.PidMax,
		WarnRate:   c.WarnRate,
		WarnBurst:  c.WarnBurst,
	}
}
