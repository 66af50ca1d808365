package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/protobuf/encoding/protojson"

	"github.com/ebahmer/akaros/kernel"
	"github.com/ebahmer/akaros/kernel/utils"
)

func main() {
	cfg := kernel.DefaultConfig()

	cores := flag.Int("cores", cfg.NumCores, "number of simulated cores")
	networking := flag.Bool("networking", false, "reserve a second core for networking")
	single := flag.Int("single", 4, "single-core processes to run")
	multi := flag.Int("multi", 1, "multi-core processes to run")
	vcores := flag.Int("vcores", 2, "cores each multi-core process requests")
	rounds := flag.Int("rounds", 3, "times each single-core process yields before exiting")
	ipiTimeout := flag.Duration("ipi-timeout", cfg.IPITimeout, "longest wait for an IPI before panicking")
	timeout := flag.Duration("timeout", 30*time.Second, "give up on the workload after this long")
	level := flag.String("log-level", "info", "debug, info, warn or error")
	dump := flag.Bool("dump", true, "print process snapshots as JSON while the workload runs")
	flag.Parse()

	logLevel, err := utils.ParseLevel(*level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg.NumCores = *cores
	cfg.Networking = *networking
	cfg.IPITimeout = *ipiTimeout
	cfg.LogLevel = logLevel

	logger := utils.NewLogger(utils.LoggerConfig{
		Level:     logLevel,
		Component: "akaros-sim",
		Colorize:  true,
	})
	utils.SetGlobalLogger(logger)

	k, err := kernel.New(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create kernel", utils.Err(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := k.Boot(ctx); err != nil {
		logger.Fatal("Boot failed", utils.Err(err))
	}

	w := newWorkload(k, *rounds, *vcores)
	for i := 0; i < *single; i++ {
		if _, err := k.Spawn(nil, w.single); err != nil {
			logger.Error("Spawn failed", utils.Err(err))
		}
	}
	for i := 0; i < *multi; i++ {
		if _, err := k.Spawn(nil, w.multi); err != nil {
			logger.Error("Spawn failed", utils.Err(err))
		}
	}

	if *dump {
		dumpProcs(k)
	}

	waitCtx, cancel := context.WithTimeout(ctx, *timeout)
	err = k.WaitIdle(waitCtx)
	cancel()
	if err != nil {
		logger.Warn("Workload did not finish", utils.Err(err))
	}

	fmt.Print(k.Procs().IdleCoreMap())
	st := k.Spaces().Stats()
	logger.Info("Workload done",
		utils.Uint64("address_spaces", st.Created),
		utils.Uint64("pages_in_use", st.PagesUsed),
		utils.Duration("uptime", k.Uptime()))

	if err := k.Shutdown(context.Background()); err != nil {
		logger.Error("Shutdown failed", utils.Err(err))
		os.Exit(1)
	}
	if err := k.Err(); err != nil {
		logger.Error("Kernel panicked", utils.Err(err))
		os.Exit(1)
	}
}

func dumpProcs(k *kernel.Kernel) {
	fmt.Print(k.Procs().FormatAllPids())
	opts := protojson.MarshalOptions{Multiline: true, Indent: "  "}
	for _, ps := range k.Procs().AllPids() {
		snap, err := k.Procs().ProcInfo(ps.Pid)
		if err != nil {
			continue
		}
		pb, err := snap.Proto()
		if err != nil {
			continue
		}
		js, err := opts.Marshal(pb)
		if err != nil {
			continue
		}
		fmt.Println(string(js))
	}
}

// workload holds the entry points of the demo programs
type workload struct {
	single uintptr
	multi  uintptr

	mu   sync.Mutex
	seen map[int]map[int]bool
}

func newWorkload(k *kernel.Kernel, rounds, vcores int) *workload {
	w := &workload{seen: make(map[int]map[int]bool)}

	// Progress lives in the saved program counter, one step per round.
	const step = 0x10
	w.single = k.Register(func(env *kernel.Env) {
		round := int((env.Trapframe().PC - w.single) / step)
		if round < rounds {
			env.SetPC(w.single + uintptr(round+1)*step)
			env.Yield()
		}
		utils.Info("process finished", utils.Pid(env.Pid()), utils.Int("rounds", round))
	})

	w.multi = k.Register(func(env *kernel.Env) {
		if !env.Multi() {
			if err := env.RequestCores(vcores); err != nil {
				utils.Warn("core request failed", utils.Pid(env.Pid()), utils.Err(err))
			}
			return
		}
		utils.Info("vcore running", utils.Pid(env.Pid()), utils.Int("vcore", env.Vcore()), utils.Core(env.Core()))
		if w.enter(env.Pid(), env.Vcore()) == vcores {
			env.Exit(0)
		}
	})
	return w
}

// enter records a vcore of pid and returns how many distinct vcores ran
func (w *workload) enter(pid, vcore int) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seen[pid] == nil {
		w.seen[pid] = make(map[int]bool)
	}
	w.seen[pid][vcore] = true
	return len(w.seen[pid])
}
