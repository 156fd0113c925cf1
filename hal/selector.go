package hal

import "github.com/SED4906/ockernel/paging"

// ProcessOrKernelDirectory is the concrete kernel/process-selecting
// directory wrapper (component D's wrapper variant). Each call resolves,
// via the scheduler hooks, the directory of whatever task is currently
// scheduled on the calling thread; if no task is running it falls back
// to the kernel directory. This is how a syscall or fault handler reaches
// into the caller's address space without knowing whether it was invoked
// on behalf of a process or the kernel itself.
type ProcessOrKernelDirectory struct{}

// RunningProcess reports whether tid is currently running a task
// belonging to processID. Used by the urgent-message drain to decide
// whether a TaskPageUpdate applies to this thread.
func RunningProcess(tid ThreadID, processID uint32) bool {
	sched := Scheduler()
	if sched == nil {
		return false
	}
	current, ok := sched.CurrentProcess(tid)
	return ok && current == processID
}

func (w ProcessOrKernelDirectory) resolve() paging.Directory {
	hooks := Arch()
	sched := Scheduler()
	if hooks == nil || sched == nil {
		return KernelPageDir()
	}
	pid, ok := sched.CurrentProcess(hooks.CurrentThreadID())
	if !ok {
		return KernelPageDir()
	}
	if d, ok := sched.Process(pid); ok {
		return d
	}
	return KernelPageDir()
}

// GetPage implements Directory by delegating to the resolved directory.
func (w ProcessOrKernelDirectory) GetPage(virt uintptr) (paging.PageFrame, bool) {
	return w.resolve().GetPage(virt)
}

// SetPage implements Directory by delegating to the resolved directory.
func (w ProcessOrKernelDirectory) SetPage(virt uintptr, frame *paging.PageFrame) error {
	return w.resolve().SetPage(virt, frame)
}

// SwitchTo implements Directory by delegating to the resolved directory.
func (w ProcessOrKernelDirectory) SwitchTo() {
	w.resolve().SwitchTo()
}

// IsUnused implements Directory by delegating to the resolved directory.
func (w ProcessOrKernelDirectory) IsUnused(virt uintptr) bool {
	return w.resolve().IsUnused(virt)
}

// VirtToPhys implements Directory by delegating to the resolved
// directory.
func (w ProcessOrKernelDirectory) VirtToPhys(virt uintptr) (uint64, bool) {
	return w.resolve().VirtToPhys(virt)
}

// PageSize implements Directory by delegating to the resolved directory.
func (w ProcessOrKernelDirectory) PageSize() uintptr {
	return w.resolve().PageSize()
}
