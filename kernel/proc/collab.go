package proc

// Layout is a process's address space as built by an AddressSpace: the
// page-table root plus the shared procinfo and procdata regions.
type Layout struct {
	Root     uintptr
	ProcInfo uintptr
	ProcData uintptr
}

// AddressSpace builds and tears down process address spaces.
type AddressSpace interface {
	Create() (Layout, error)
	Destroy(Layout) error
}

// Scheduler is the runnable-list policy layer. Both calls happen with the
// process lock held and must not call back into the Manager.
type Scheduler interface {
	Schedule(p *Proc)
	Deschedule(p *Proc)
}

// Teardowner releases per-process extras (rings, cache colors) during the
// final free, before the address space goes.
type Teardowner interface {
	Teardown(p *Proc)
}

type nopScheduler struct{}

func (nopScheduler) Schedule(*Proc)   {}
func (nopScheduler) Deschedule(*Proc) {}
