package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/cyelmini/TP2-SO-2C2025/pkg/console"
	"github.com/cyelmini/TP2-SO-2C2025/pkg/cpu"
	"github.com/cyelmini/TP2-SO-2C2025/pkg/memory"
	"github.com/cyelmini/TP2-SO-2C2025/pkg/process"
	"github.com/cyelmini/TP2-SO-2C2025/pkg/process/ipc"
	"github.com/cyelmini/TP2-SO-2C2025/pkg/tracing"
)

// System call errors.
var (
	ErrUnknownSyscall = errors.New("unknown system call")
	ErrBadDescriptor  = errors.New("bad file descriptor")
	ErrNoForeground   = errors.New("no foreground process")
)

// SyscallID is the stable number of a system call.
type SyscallID int

const (
	SysRead SyscallID = iota
	SysWrite
	SysTicks
	SysMmAlloc
	SysMmFree
	SysMmInfo
	SysCreateProcess
	SysGetPID
	SysPS
	SysKill
	SysChangePriority
	SysBlock
	SysReady
	SysYield
	SysWait
	SysExit
	SysSemCreate
	SysSemOpen
	SysSemDestroy
	SysSemWait
	SysSemPost
	SysPipeCreate
	SysPipeClose
	SysPipeClear
	SysChangeFDs
	SysKillForeground

	// NumSyscalls is the size of the system call table.
	NumSyscalls
)

var syscallNames = [NumSyscalls]string{
	"read", "write", "ticks", "mm_alloc", "mm_free", "mm_info",
	"create_process", "getpid", "ps", "kill", "change_priority", "block",
	"ready", "yield", "wait", "exit", "sem_create", "sem_open",
	"sem_destroy", "sem_wait", "sem_post", "pipe_create", "pipe_close",
	"pipe_clear", "change_fds", "kill_foreground",
}

func (id SyscallID) String() string {
	if !id.Valid() {
		return fmt.Sprintf("syscall(%d)", int(id))
	}
	return syscallNames[id]
}

// Valid reports whether id names a system call.
func (id SyscallID) Valid() bool {
	return id >= 0 && id < NumSyscalls
}

// Call is one system call request. ID selects the operation and which of
// the remaining fields it reads.
type Call struct {
	ID SyscallID

	// FD and Buf: read, write.
	FD  int
	Buf []byte
	// Size: mm_alloc. Addr: mm_free.
	Size uint64
	Addr memory.Addr
	// PID: kill, change_priority, block, ready, wait, change_fds.
	PID      int
	Priority process.Priority
	FDs      [process.NumFDs]int
	// Process: create_process.
	Process process.CreateConfig
	// Sem and Value: sem_*.
	Sem   int
	Value uint32
	// Pipe and End: pipe_close, pipe_clear.
	Pipe int
	End  ipc.End
}

// Result is the outcome of a Call. Value is -1 whenever Err is set, except
// for end of file which reads as 0.
type Result struct {
	Value     int64
	Addr      memory.Addr
	Info      memory.Info
	Processes []process.ProcessInfo
	Err       error
}

// Syscalls is the system call boundary between processes and the kernel.
type Syscalls struct {
	heap    *memory.Heap
	cpu     *cpu.CPU
	sched   *process.Scheduler
	sems    *ipc.Semaphores
	pipes   *ipc.Pipes
	console *console.Console
	logger  *slog.Logger
}

// Dispatch runs call on behalf of the current process. Every call is a
// preemption point and is recorded as a span.
func (s *Syscalls) Dispatch(ctx context.Context, call Call) Result {
	if !call.ID.Valid() {
		return Result{Value: -1, Err: fmt.Errorf("%w: %d", ErrUnknownSyscall, call.ID)}
	}

	pid := s.sched.CurrentPID()
	_, span := tracing.StartSpan(ctx, "syscall."+call.ID.String(), "INTERNAL")
	span.WithInt("pid", pid).WithInt("syscall", int(call.ID))

	if call.ID == SysExit {
		tracing.EndSpan(span, nil)
		s.exit()
		return Result{}
	}

	if s.cpu.Active() && s.sched.Current() != nil {
		s.cpu.Step()
	}
	res := s.dispatch(call)
	if res.Err != nil && !errors.Is(res.Err, io.EOF) {
		res.Value = -1
		s.logger.Debug("system call failed", "syscall", call.ID.String(), "pid", pid, "error", res.Err)
	}
	tracing.EndSpan(span, res.Err)

	// A process that killed itself gives up the CPU for good.
	if cur := s.sched.Current(); cur != nil && cur.State == process.StateTerminated && s.cpu.Active() {
		s.sched.Yield()
	}
	return res
}

func (s *Syscalls) dispatch(call Call) Result {
	var res Result
	switch call.ID {
	case SysRead:
		n, err := s.read(call.FD, call.Buf)
		res.Value, res.Err = int64(n), err
	case SysWrite:
		n, err := s.write(call.FD, call.Buf)
		res.Value, res.Err = int64(n), err
	case SysTicks:
		res.Value = int64(s.sched.Ticks())
	case SysMmAlloc:
		res.Addr = s.heap.Alloc(call.Size)
		res.Value = int64(res.Addr)
		if res.Addr == memory.Nil {
			res.Err = fmt.Errorf("%w: %d bytes", memory.ErrOutOfMemory, call.Size)
		}
	case SysMmFree:
		s.heap.Free(call.Addr)
	case SysMmInfo:
		res.Info = s.heap.Info()
	case SysCreateProcess:
		pid, err := s.sched.CreateProcess(call.Process)
		res.Value, res.Err = int64(pid), err
	case SysGetPID:
		res.Value = int64(s.sched.CurrentPID())
	case SysPS:
		res.Processes = s.sched.PS()
		res.Value = int64(len(res.Processes))
	case SysKill:
		res.Err = s.sched.Kill(call.PID)
	case SysChangePriority:
		res.Err = s.sched.ChangePriority(call.PID, call.Priority)
	case SysBlock:
		res.Err = s.sched.Block(call.PID)
	case SysReady:
		res.Err = s.sched.SetReady(call.PID)
	case SysYield:
		s.sched.Yield()
	case SysWait:
		res.Err = s.sched.Wait(call.PID)
	case SysSemCreate:
		res.Err = s.sems.Create(call.Sem, call.Value)
	case SysSemOpen:
		res.Err = s.sems.Open(call.Sem)
	case SysSemDestroy:
		res.Err = s.sems.Destroy(call.Sem)
	case SysSemWait:
		res.Err = s.sems.Wait(call.Sem)
	case SysSemPost:
		res.Err = s.sems.Post(call.Sem)
	case SysPipeCreate:
		id, err := s.pipes.Create()
		res.Value, res.Err = int64(id), err
	case SysPipeClose:
		if call.End == ipc.ReadEnd {
			res.Err = s.pipes.CloseReader(call.Pipe)
		} else {
			res.Err = s.pipes.Close(call.Pipe)
		}
	case SysPipeClear:
		res.Err = s.pipes.Clear(call.Pipe)
	case SysChangeFDs:
		res.Err = s.sched.ChangeFileDescriptors(call.PID, call.FDs)
	case SysKillForeground:
		pid, ok := s.sched.KillForeground()
		res.Value = int64(pid)
		if !ok {
			res.Err = ErrNoForeground
		}
	}
	return res
}

// read routes fd through the descriptors of the current process: stdin is
// the keyboard and anything above stderr is a pipe.
func (s *Syscalls) read(fd int, buf []byte) (int, error) {
	target, err := s.sched.FD(fd)
	if err != nil {
		return 0, err
	}
	switch {
	case target == process.Stdin:
		return s.console.Read(buf)
	case target > process.Stderr:
		return s.pipes.Read(target, buf)
	default:
		return 0, fmt.Errorf("%w: %d reads from %d", ErrBadDescriptor, fd, target)
	}
}

func (s *Syscalls) write(fd int, buf []byte) (int, error) {
	target, err := s.sched.FD(fd)
	if err != nil {
		return 0, err
	}
	switch {
	case target == process.Stdout || target == process.Stderr:
		return s.console.Write(target, buf)
	case target > process.Stderr:
		return s.pipes.Write(target, buf)
	default:
		return 0, fmt.Errorf("%w: %d writes to %d", ErrBadDescriptor, fd, target)
	}
}

func (s *Syscalls) exit() {
	if err := s.sched.KillCurrent(); err != nil {
		s.logger.Warn("exit outside a process", "error", err)
		return
	}
	s.sched.Yield()
}

func (s *Syscalls) call(c Call) Result {
	return s.Dispatch(context.Background(), c)
}

// Read reads from descriptor fd of the current process. End of input is
// reported as io.EOF.
func (s *Syscalls) Read(fd int, buf []byte) (int, error) {
	res := s.call(Call{ID: SysRead, FD: fd, Buf: buf})
	return int(max(res.Value, 0)), res.Err
}

// Write writes to descriptor fd of the current process.
func (s *Syscalls) Write(fd int, buf []byte) (int, error) {
	res := s.call(Call{ID: SysWrite, FD: fd, Buf: buf})
	return int(max(res.Value, 0)), res.Err
}

// Print writes str to stdout.
func (s *Syscalls) Print(str string) error {
	_, err := s.Write(process.Stdout, []byte(str))
	return err
}

func (s *Syscalls) Ticks() uint64 {
	return uint64(s.call(Call{ID: SysTicks}).Value)
}

// MmAlloc returns memory.Nil when the heap cannot serve size bytes.
func (s *Syscalls) MmAlloc(size uint64) memory.Addr {
	return s.call(Call{ID: SysMmAlloc, Size: size}).Addr
}

func (s *Syscalls) MmFree(addr memory.Addr) {
	s.call(Call{ID: SysMmFree, Addr: addr})
}

func (s *Syscalls) MmInfo() memory.Info {
	return s.call(Call{ID: SysMmInfo}).Info
}

// CreateProcess starts a process and returns its pid.
func (s *Syscalls) CreateProcess(cfg process.CreateConfig) (int, error) {
	res := s.call(Call{ID: SysCreateProcess, Process: cfg})
	return int(res.Value), res.Err
}

func (s *Syscalls) GetPID() int {
	return int(s.call(Call{ID: SysGetPID}).Value)
}

func (s *Syscalls) PS() []process.ProcessInfo {
	return s.call(Call{ID: SysPS}).Processes
}

// Kill terminates pid. Killing the caller does not return.
func (s *Syscalls) Kill(pid int) error {
	return s.call(Call{ID: SysKill, PID: pid}).Err
}

func (s *Syscalls) ChangePriority(pid int, priority process.Priority) error {
	return s.call(Call{ID: SysChangePriority, PID: pid, Priority: priority}).Err
}

func (s *Syscalls) Block(pid int) error {
	return s.call(Call{ID: SysBlock, PID: pid}).Err
}

func (s *Syscalls) Ready(pid int) error {
	return s.call(Call{ID: SysReady, PID: pid}).Err
}

func (s *Syscalls) Yield() {
	s.call(Call{ID: SysYield})
}

// Wait blocks until pid terminates.
func (s *Syscalls) Wait(pid int) error {
	return s.call(Call{ID: SysWait, PID: pid}).Err
}

// Exit terminates the caller. It does not return.
func (s *Syscalls) Exit() {
	s.call(Call{ID: SysExit})
}

func (s *Syscalls) SemCreate(id int, value uint32) error {
	return s.call(Call{ID: SysSemCreate, Sem: id, Value: value}).Err
}

func (s *Syscalls) SemOpen(id int) error {
	return s.call(Call{ID: SysSemOpen, Sem: id}).Err
}

func (s *Syscalls) SemDestroy(id int) error {
	return s.call(Call{ID: SysSemDestroy, Sem: id}).Err
}

func (s *Syscalls) SemWait(id int) error {
	return s.call(Call{ID: SysSemWait, Sem: id}).Err
}

func (s *Syscalls) SemPost(id int) error {
	return s.call(Call{ID: SysSemPost, Sem: id}).Err
}

func (s *Syscalls) PipeCreate() (int, error) {
	res := s.call(Call{ID: SysPipeCreate})
	return int(res.Value), res.Err
}

// PipeClose detaches a writer from id.
func (s *Syscalls) PipeClose(id int) error {
	return s.call(Call{ID: SysPipeClose, Pipe: id, End: ipc.WriteEnd}).Err
}

// PipeCloseReader detaches a reader from id.
func (s *Syscalls) PipeCloseReader(id int) error {
	return s.call(Call{ID: SysPipeClose, Pipe: id, End: ipc.ReadEnd}).Err
}

func (s *Syscalls) PipeClear(id int) error {
	return s.call(Call{ID: SysPipeClear, Pipe: id}).Err
}

func (s *Syscalls) ChangeFDs(pid int, fds [process.NumFDs]int) error {
	return s.call(Call{ID: SysChangeFDs, PID: pid, FDs: fds}).Err
}

// KillForeground kills the foreground process and returns its pid.
func (s *Syscalls) KillForeground() (int, error) {
	res := s.call(Call{ID: SysKillForeground})
	return int(res.Value), res.Err
}
