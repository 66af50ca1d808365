package smp

import (
	"fmt"
	"strings"
)

// NumRegs is the number of general purpose registers saved in a trapframe
const NumRegs = 16

// BootRoot is the page-table root the kernel runs on when no process
// context is loaded.
const BootRoot uintptr = 0

// Trapframe is the user register state of one execution context.
type Trapframe struct {
	PC    uintptr
	SP    uintptr
	Flags uint64
	Regs  [NumRegs]uintptr
}

// InitTrapframe builds a fresh context that starts at entry on the given
// stack, with the vcore id passed in the first argument register.
func InitTrapframe(vcoreid int, entry, stack uintptr) Trapframe {
	tf := Trapframe{
		PC:    entry,
		SP:    stack,
		Flags: FlagInterruptsEnabled,
	}
	tf.Regs[0] = uintptr(vcoreid)
	return tf
}

// FlagInterruptsEnabled mirrors the IF bit of a user context
const FlagInterruptsEnabled = 1 << 9

func (tf Trapframe) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "  pc    0x%016x\n", tf.PC)
	fmt.Fprintf(&b, "  sp    0x%016x\n", tf.SP)
	fmt.Fprintf(&b, "  flags 0x%08x\n", tf.Flags)
	for i, r := range tf.Regs {
		fmt.Fprintf(&b, "  r%-2d   0x%016x\n", i, r)
	}
	return b.String()
}

// Ancillary is per-context state that is not part of the trapframe
// (floating point and vector control words).
type Ancillary struct {
	FPUControl uint16
	MXCSR      uint32
}

// DefaultAncillary is the power-on floating point state
var DefaultAncillary = Ancillary{FPUControl: 0x037f, MXCSR: 0x1f80}
