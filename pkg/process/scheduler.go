package process

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/cyelmini/TP2-SO-2C2025/pkg/waitlist"
)

// Scheduler errors.
var (
	ErrProcessTableFull = errors.New("process table full")
	ErrIdleProcess      = errors.New("operation not permitted on the idle process")
	ErrSelfWait         = errors.New("process cannot wait for itself")
	ErrNoCurrentProcess = errors.New("no current process")
	ErrIdleExists       = errors.New("idle process already created")
)

// Scheduler is a preemptive priority scheduler with one FIFO ready queue per
// priority level, a fixed round-robin quantum, aging and periodic priority
// reset. It owns the process table; the running process is also referenced
// by current until the next Schedule call.
//
// All methods must be called from the thread of control that owns the
// simulated CPU.
type Scheduler struct {
	cfg     Config
	manager *Manager
	timer   Timer
	logger  *slog.Logger

	procs   []*PCB
	queues  *waitlist.Table
	ready   [NumPriorities]waitlist.List
	blocked waitlist.List

	current   *PCB
	idle      *PCB
	nextPID   int
	quantum   int
	ticks     uint64
	qty       int
	listeners []TerminationListener
}

// Option configures a Scheduler.
type Option func(s *Scheduler)

// WithTimer sets the reschedule trigger used by Yield.
func WithTimer(timer Timer) Option {
	return func(s *Scheduler) {
		s.timer = timer
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewScheduler creates a scheduler over manager.
func NewScheduler(cfg Config, manager *Manager, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{
		cfg:     cfg,
		manager: manager,
		logger:  slog.Default(),
		procs:   make([]*PCB, cfg.MaxProcesses),
		queues:  waitlist.NewTable(cfg.MaxProcesses, NumPriorities+1),
	}
	for i := range s.ready {
		l, err := s.queues.NewList()
		if err != nil {
			return nil, err
		}
		s.ready[i] = l
	}
	l, err := s.queues.NewList()
	if err != nil {
		return nil, err
	}
	s.blocked = l
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SetTimer sets the reschedule trigger after construction.
func (s *Scheduler) SetTimer(timer Timer) {
	s.timer = timer
}

// AddTerminationListener registers l to be told about every killed process.
func (s *Scheduler) AddTerminationListener(l TerminationListener) {
	s.listeners = append(s.listeners, l)
}

// CreateIdle creates the idle process. It runs only when no other process
// is ready and can be neither blocked nor killed.
func (s *Scheduler) CreateIdle(entry Entry) error {
	if s.idle != nil {
		return ErrIdleExists
	}
	pcb, err := s.manager.Create(IdlePID, IdlePID, CreateConfig{
		Entry:    entry,
		Args:     []string{"idle"},
		Priority: PriorityLowest,
		FDs:      []int{-1, -1, Stderr},
	})
	if err != nil {
		return err
	}
	s.idle = pcb
	s.procs[IdlePID] = pcb
	s.qty++
	if s.nextPID == IdlePID {
		s.nextPID = IdlePID + 1
	}
	return nil
}

// CreateProcess registers a new process and returns its pid.
func (s *Scheduler) CreateProcess(cfg CreateConfig) (int, error) {
	if s.qty >= s.cfg.MaxProcesses {
		s.logger.Warn("process table full", "max", s.cfg.MaxProcesses)
		return NoProcess, ErrProcessTableFull
	}
	pid, ok := s.allocPID()
	if !ok {
		return NoProcess, ErrProcessTableFull
	}
	parent := s.CurrentPID()
	if cfg.ParentPID != nil {
		parent = *cfg.ParentPID
	}

	pcb, err := s.manager.Create(pid, parent, cfg)
	if err != nil {
		s.logger.Warn("process creation failed", "pid", pid, "error", err)
		return NoProcess, err
	}

	s.procs[pid] = pcb
	switch pcb.State {
	case StateReady:
		s.enqueue(pcb)
	case StateBlocked:
		_ = s.queues.PushBack(s.blocked, pid)
	}
	s.qty++
	s.logger.Debug("process created",
		"pid", pid,
		"parent", parent,
		"name", s.manager.Name(pcb),
		"priority", pcb.Priority,
		"state", pcb.State)
	return pid, nil
}

// allocPID returns the next free slot, scanning round robin from nextPID.
// The slot of a terminated running process stays reserved until it is
// released.
func (s *Scheduler) allocPID() (int, bool) {
	n := len(s.procs)
	for i := 0; i < n; i++ {
		pid := (s.nextPID + i) % n
		if pid == IdlePID || s.procs[pid] != nil {
			continue
		}
		if s.current != nil && s.current.PID == pid {
			continue
		}
		s.nextPID = (pid + 1) % n
		return pid, true
	}
	return NoProcess, false
}

// Schedule is called on every timer tick with the interrupted stack pointer
// and returns the stack pointer to resume.
func (s *Scheduler) Schedule(prevSP uintptr) uintptr {
	s.ticks++
	s.age()

	s.quantum--
	if s.quantum > 0 && s.current != nil && s.current.State == StateRunning {
		return prevSP
	}

	if prev := s.current; prev != nil {
		prev.StackPointer = prevSP
		switch prev.State {
		case StateRunning:
			prev.State = StateReady
			if prev != s.idle {
				s.enqueue(prev)
			}
		case StateTerminated:
			s.manager.Free(prev)
			s.current = nil
		}
	}

	next := s.pick()
	if next == nil {
		s.current = nil
		return prevSP
	}
	next.State = StateRunning
	s.current = next
	s.quantum = s.cfg.QuantumTicks
	return next.StackPointer
}

// pick pops the head of the highest non-empty priority level, falling back
// to idle.
func (s *Scheduler) pick() *PCB {
	for _, l := range s.ready {
		if pid, ok := s.queues.PopFront(l); ok {
			return s.procs[pid]
		}
	}
	return s.idle
}

// age promotes ready processes every AgingTicks and restores base
// priorities every ResetTicks.
func (s *Scheduler) age() {
	if s.ticks%s.cfg.AgingTicks == 0 {
		for level := 1; level < NumPriorities; level++ {
			for _, pid := range s.queues.Members(s.ready[level]) {
				pcb := s.procs[pid]
				s.queues.Remove(pid)
				pcb.Priority--
				s.enqueue(pcb)
			}
		}
	}
	if s.ticks%s.cfg.ResetTicks == 0 {
		var ready []*PCB
		for _, l := range s.ready {
			for _, pid := range s.queues.Members(l) {
				ready = append(ready, s.procs[pid])
				s.queues.Remove(pid)
			}
		}
		for _, pcb := range s.procs {
			if pcb != nil {
				pcb.Priority = pcb.BasePriority
			}
		}
		if s.current != nil {
			s.current.Priority = s.current.BasePriority
		}
		for _, pcb := range ready {
			s.enqueue(pcb)
		}
		s.logger.Debug("priorities reset", "ticks", s.ticks)
	}
}

func (s *Scheduler) enqueue(pcb *PCB) {
	_ = s.queues.PushBack(s.ready[pcb.Priority-PriorityHighest], pcb.PID)
}

func (s *Scheduler) dequeue(pcb *PCB) {
	s.queues.Remove(pcb.PID)
}

// SetReady moves a blocked process to the tail of its ready queue. It is a
// no-op for processes that are not blocked.
func (s *Scheduler) SetReady(pid int) error {
	pcb, err := s.lookup(pid)
	if err != nil {
		return err
	}
	if pcb.State != StateBlocked {
		return nil
	}
	s.dequeue(pcb)
	if err := pcb.TransitionTo(StateReady); err != nil {
		return err
	}
	s.enqueue(pcb)
	return nil
}

// Block moves a running or ready process to the blocked list. Blocking the
// current process yields the CPU and returns once it runs again.
func (s *Scheduler) Block(pid int) error {
	pcb, err := s.lookup(pid)
	if err != nil {
		return err
	}
	if pcb == s.idle {
		return ErrIdleProcess
	}
	if pcb.State == StateReady || pcb.State == StateRunning {
		s.dequeue(pcb)
		if err := pcb.TransitionTo(StateBlocked); err != nil {
			return err
		}
		_ = s.queues.PushBack(s.blocked, pid)
	}
	if pcb == s.current {
		s.Yield()
	}
	return nil
}

// Yield gives up the rest of the quantum.
func (s *Scheduler) Yield() {
	s.quantum = 0
	if s.timer != nil {
		s.timer.TimerTick()
	}
}

// Kill terminates pid. When pid reads or writes a pipe, the first other
// process attached to the same pipe is killed too. Killing the current
// process only marks it terminated; its memory is released by the next
// Schedule.
func (s *Scheduler) Kill(pid int) error {
	pcb, err := s.lookup(pid)
	if err != nil {
		return err
	}
	if pcb == s.idle {
		return ErrIdleProcess
	}
	s.killPiped(pcb)
	return nil
}

// killPiped kills pcb and the first other process attached to the pipe it
// reads or writes.
func (s *Scheduler) killPiped(pcb *PCB) {
	fd := pipedFD(pcb.FDs)
	s.kill(pcb)
	if fd != NoProcess {
		if peer := s.pipedTo(fd); peer != nil {
			s.kill(peer)
		}
	}
}

// KillCurrent terminates the running process without touching its pipe
// peers. The caller is expected to Yield.
func (s *Scheduler) KillCurrent() error {
	if s.current == nil || s.current.State == StateTerminated {
		return ErrNoCurrentProcess
	}
	if s.current == s.idle {
		return ErrIdleProcess
	}
	s.kill(s.current)
	return nil
}

// KillForeground implements Ctrl-C: the running process if it is a
// foreground process other than the shell, else the first such process in
// pid order. Pipe peers die with it, as with Kill. It returns the killed pid.
func (s *Scheduler) KillForeground() (int, bool) {
	if cur := s.current; cur != nil && cur != s.idle && cur.IsAlive() &&
		cur.Foreground && cur.PID != s.cfg.ShellPID {
		s.killPiped(cur)
		return cur.PID, true
	}
	for _, pcb := range s.procs {
		if pcb == nil || pcb == s.idle || !pcb.Foreground || pcb.PID == s.cfg.ShellPID {
			continue
		}
		s.killPiped(pcb)
		return pcb.PID, true
	}
	return NoProcess, false
}

func (s *Scheduler) kill(pcb *PCB) {
	s.dequeue(pcb)
	s.manager.removeWaiter(pcb.PID)
	for _, l := range s.listeners {
		l.ProcessTerminated(pcb.PID)
	}
	for _, waiter := range s.manager.drainWaiters(pcb) {
		_ = s.SetReady(waiter)
	}
	s.procs[pcb.PID] = nil
	s.qty--
	pcb.State = StateTerminated
	s.logger.Debug("process killed", "pid", pcb.PID, "running", pcb == s.current)

	if pcb != s.current {
		s.manager.Free(pcb)
	}
}

// pipedFD returns the pipe a process reads from, else the pipe it writes
// to, else NoProcess.
func pipedFD(fds [NumFDs]int) int {
	if fds[Stdin] > Stderr {
		return fds[Stdin]
	}
	if fds[Stdout] > Stderr {
		return fds[Stdout]
	}
	return NoProcess
}

func (s *Scheduler) pipedTo(fd int) *PCB {
	for _, pcb := range s.procs {
		if pcb != nil && pcb != s.idle && (pcb.FDs[Stdin] == fd || pcb.FDs[Stdout] == fd) {
			return pcb
		}
	}
	return nil
}

// Wait blocks the current process until pid terminates.
func (s *Scheduler) Wait(pid int) error {
	cur := s.current
	if cur == nil || cur == s.idle || cur.State == StateTerminated {
		return ErrNoCurrentProcess
	}
	if pid == cur.PID {
		return ErrSelfWait
	}
	target, err := s.lookup(pid)
	if err != nil {
		return err
	}
	if target == s.idle {
		return ErrIdleProcess
	}
	if err := s.manager.addWaiter(target, cur.PID); err != nil {
		return fmt.Errorf("wait for %d: %w", pid, err)
	}
	return s.Block(cur.PID)
}

// ChangePriority sets the current and base priority of pid. A ready
// process moves to the tail of its new level.
func (s *Scheduler) ChangePriority(pid int, priority Priority) error {
	if !priority.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, priority)
	}
	pcb, err := s.lookup(pid)
	if err != nil {
		return err
	}
	pcb.Priority = priority
	pcb.BasePriority = priority
	if pcb.State == StateReady && pcb != s.idle {
		s.dequeue(pcb)
		s.enqueue(pcb)
	}
	return nil
}

// ChangeFileDescriptors replaces the stdin, stdout and stderr of pid.
func (s *Scheduler) ChangeFileDescriptors(pid int, fds [NumFDs]int) error {
	pcb, err := s.lookup(pid)
	if err != nil {
		return err
	}
	pcb.FDs = fds
	return nil
}

// PS returns a snapshot of every live process in pid order.
func (s *Scheduler) PS() []ProcessInfo {
	out := make([]ProcessInfo, 0, s.qty)
	for _, pcb := range s.procs {
		if pcb == nil {
			continue
		}
		out = append(out, ProcessInfo{
			PID:          pcb.PID,
			ParentPID:    pcb.ParentPID,
			Name:         s.manager.Name(pcb),
			Priority:     pcb.Priority,
			Foreground:   pcb.Foreground,
			State:        pcb.State,
			StackBase:    uint64(pcb.StackBase),
			StackPointer: uint64(pcb.StackPointer),
		})
	}
	return out
}

func (s *Scheduler) lookup(pid int) (*PCB, error) {
	if pid < 0 || pid >= len(s.procs) || s.procs[pid] == nil {
		return nil, fmt.Errorf("%w: %d", ErrProcessNotFound, pid)
	}
	return s.procs[pid], nil
}

// Lookup returns the live process with the given pid.
func (s *Scheduler) Lookup(pid int) (*PCB, bool) {
	pcb, err := s.lookup(pid)
	return pcb, err == nil
}

// Alive reports whether pid names a live, non-terminated process.
func (s *Scheduler) Alive(pid int) bool {
	pcb, ok := s.Lookup(pid)
	return ok && pcb.IsAlive()
}

// Current returns the process owning the CPU, if any.
func (s *Scheduler) Current() *PCB { return s.current }

// CurrentPID returns the pid owning the CPU or NoProcess.
func (s *Scheduler) CurrentPID() int {
	if s.current == nil {
		return NoProcess
	}
	return s.current.PID
}

// FD returns file descriptor i of the current process.
func (s *Scheduler) FD(i int) (int, error) {
	if s.current == nil {
		return NoProcess, ErrNoCurrentProcess
	}
	if i < 0 || i >= NumFDs {
		return NoProcess, fmt.Errorf("invalid file descriptor index %d", i)
	}
	return s.current.FDs[i], nil
}

// Args returns the argument vector of pid.
func (s *Scheduler) Args(pid int) ([]string, error) {
	pcb, err := s.lookup(pid)
	if err != nil {
		return nil, err
	}
	return s.manager.Args(pcb), nil
}

// Ticks returns the number of Schedule calls so far.
func (s *Scheduler) Ticks() uint64 { return s.ticks }

// ProcessQty returns the number of live processes, idle included.
func (s *Scheduler) ProcessQty() int { return s.qty }

// Config returns the scheduler settings.
func (s *Scheduler) Config() Config { return s.cfg }
