package process

import (
	"errors"
	"time"

	"github.com/cyelmini/TP2-SO-2C2025/pkg/memory"
	"github.com/cyelmini/TP2-SO-2C2025/pkg/waitlist"
)

// Process argument errors.
var (
	ErrInvalidPriority = errors.New("invalid priority")
	ErrNilEntry        = errors.New("nil entry point")
	ErrOutOfMemory     = errors.New("out of memory")
)

// Well known process ids.
const (
	// NoProcess is returned by CurrentPID before the first dispatch.
	NoProcess = -1
	// IdlePID is the permanent idle process.
	IdlePID = 0
)

// Standard file descriptors. Any other value is a pipe id.
const (
	Stdin  = 0
	Stdout = 1
	Stderr = 2
)

// NumFDs is the number of file descriptors carried by a process.
const NumFDs = 3

// Priority is the scheduling priority, 1 (highest) to 5 (lowest).
type Priority int

const (
	PriorityHighest Priority = 1
	PriorityDefault Priority = 3
	PriorityLowest  Priority = 5
)

// NumPriorities is the number of ready levels.
const NumPriorities = int(PriorityLowest-PriorityHighest) + 1

// Valid reports whether p is inside [PriorityHighest, PriorityLowest].
func (p Priority) Valid() bool {
	return p >= PriorityHighest && p <= PriorityLowest
}

// Entry is the code a process runs. Returning from it exits the process.
type Entry func(argc int, argv []string)

// PCB is the process control block. PCBs are owned by the Manager.
type PCB struct {
	PID       int
	ParentPID int
	// Priority is the current level; aging lowers it towards PriorityHighest.
	Priority Priority
	// BasePriority is restored on every priority reset.
	BasePriority Priority
	State        ProcessState
	// Foreground processes are the target of Ctrl-C.
	Foreground bool

	StackPointer uintptr
	StackBase    memory.Addr
	Entry        Entry
	FDs          [NumFDs]int
	CreatedAt    time.Time

	argc     int
	argv     memory.Addr
	name     memory.Addr
	stack    memory.Addr
	record   memory.Addr
	waitList waitlist.List
}

// Argc returns the number of arguments the process was started with.
func (p *PCB) Argc() int { return p.argc }

// ProcessInfo is a snapshot of one process as reported by PS.
type ProcessInfo struct {
	PID          int          `json:"pid" yaml:"pid"`
	ParentPID    int          `json:"parentPid" yaml:"parentPid"`
	Name         string       `json:"name" yaml:"name"`
	Priority     Priority     `json:"priority" yaml:"priority"`
	Foreground   bool         `json:"foreground" yaml:"foreground"`
	State        ProcessState `json:"state" yaml:"state"`
	StackBase    uint64       `json:"stackBase" yaml:"stackBase"`
	StackPointer uint64       `json:"stackPointer" yaml:"stackPointer"`
}

// CreateConfig contains configuration for creating a new process.
type CreateConfig struct {
	// Entry is the code to run.
	Entry Entry
	// Args is the argument vector; Args[0] names the process.
	Args []string
	// Priority is the initial and base priority. Zero selects PriorityDefault.
	Priority Priority
	// FDs overrides stdin, stdout and stderr in that order.
	FDs []int
	// Foreground marks the process as a Ctrl-C target.
	Foreground bool
	// Suspended creates the process blocked; SetReady releases it.
	Suspended bool
	// ParentPID defaults to the creating process.
	ParentPID *int
}

// Frames builds and releases execution contexts.
type Frames interface {
	// SetupStackFrame prepares a context that starts running entry(argc, argv)
	// and returns its initial stack pointer.
	SetupStackFrame(stackBase uintptr, entry Entry, argc int, argv []string) uintptr
	// Discard releases the context identified by sp.
	Discard(sp uintptr)
}

// Timer triggers a reschedule.
type Timer interface {
	TimerTick()
}

// TerminationListener is notified before a killed process is released.
type TerminationListener interface {
	ProcessTerminated(pid int)
}
