package ipc

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/cyelmini/TP2-SO-2C2025/pkg/process"
	"github.com/cyelmini/TP2-SO-2C2025/pkg/waitlist"
)

// Semaphore errors.
var (
	ErrInvalidSemaphore   = errors.New("invalid semaphore")
	ErrSemaphoreExists    = errors.New("semaphore already active")
	ErrSemaphoreTableFull = errors.New("semaphore table full")
	ErrSemaphoreDestroyed = errors.New("semaphore destroyed while waiting")
	ErrWouldBlock         = errors.New("operation would block")
)

// Scheduler is the part of the process scheduler semaphores rely on.
type Scheduler interface {
	CurrentPID() int
	Block(pid int) error
	SetReady(pid int) error
	Alive(pid int) bool
}

type semaphore struct {
	active  bool
	counter uint32
	lock    Spinlock
	queue   waitlist.List
	// generation changes on every destroy so that stranded waiters can
	// tell a hand-off from a teardown.
	generation uint64
}

// Semaphores is the fixed table of counting semaphores. Waiters are woken in
// FIFO order and a post either wakes exactly one waiter or increments the
// counter, never both.
type Semaphores struct {
	sched   Scheduler
	sems    []semaphore
	waiters *waitlist.Table
	logger  *slog.Logger
}

// NewSemaphores creates a table of cfg.NumSemaphores inactive semaphores.
// maxProcesses bounds the pids that can wait.
func NewSemaphores(cfg Config, sched Scheduler, maxProcesses int, logger *slog.Logger) *Semaphores {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Semaphores{
		sched:   sched,
		sems:    make([]semaphore, cfg.NumSemaphores),
		waiters: waitlist.NewTable(maxProcesses, cfg.NumSemaphores),
		logger:  logger,
	}
	for i := range s.sems {
		s.sems[i].queue = waitlist.None
	}
	return s
}

func (s *Semaphores) slot(id int) (*semaphore, error) {
	if id < 0 || id >= len(s.sems) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSemaphore, id)
	}
	return &s.sems[id], nil
}

func (s *Semaphores) active(id int) (*semaphore, error) {
	sem, err := s.slot(id)
	if err != nil {
		return nil, err
	}
	if !sem.active {
		return nil, fmt.Errorf("%w: %d not active", ErrInvalidSemaphore, id)
	}
	return sem, nil
}

// Create activates semaphore id with the given initial value.
func (s *Semaphores) Create(id int, initial uint32) error {
	sem, err := s.slot(id)
	if err != nil {
		return err
	}
	if sem.active {
		return fmt.Errorf("%w: %d", ErrSemaphoreExists, id)
	}
	queue, err := s.waiters.NewList()
	if err != nil {
		return err
	}
	sem.queue = queue
	sem.counter = initial
	sem.lock.Release()
	sem.active = true
	s.logger.Debug("semaphore created", "id", id, "initial", initial)
	return nil
}

// CreateAny activates the highest free slot and returns its id. It is used
// by the kernel so that low ids stay available to user processes.
func (s *Semaphores) CreateAny(initial uint32) (int, error) {
	for id := len(s.sems) - 1; id >= 0; id-- {
		if !s.sems[id].active {
			return id, s.Create(id, initial)
		}
	}
	return -1, ErrSemaphoreTableFull
}

// Open reports whether id is active.
func (s *Semaphores) Open(id int) error {
	_, err := s.active(id)
	return err
}

// Destroy deactivates id. Processes still queued are made ready and their
// Wait returns ErrSemaphoreDestroyed.
func (s *Semaphores) Destroy(id int) error {
	sem, err := s.active(id)
	if err != nil {
		return err
	}
	sem.lock.Acquire()
	stranded := s.waiters.Members(sem.queue)
	s.waiters.FreeList(sem.queue)
	sem.queue = waitlist.None
	sem.active = false
	sem.counter = 0
	sem.generation++
	sem.lock.Release()

	for _, pid := range stranded {
		_ = s.sched.SetReady(pid)
	}
	s.logger.Debug("semaphore destroyed", "id", id, "stranded", len(stranded))
	return nil
}

// Wait decrements the counter, blocking the current process while it is
// zero. It returns only after a post handed the semaphore over or after the
// semaphore was destroyed; a process readied by other means blocks again
// without losing its place in the queue.
func (s *Semaphores) Wait(id int) error {
	sem, err := s.active(id)
	if err != nil {
		return err
	}

	sem.lock.Acquire()
	if sem.counter > 0 {
		sem.counter--
		sem.lock.Release()
		return nil
	}

	pid := s.sched.CurrentPID()
	if pid == process.NoProcess || pid == process.IdlePID {
		sem.lock.Release()
		return ErrWouldBlock
	}
	if err := s.waiters.PushBack(sem.queue, pid); err != nil {
		sem.lock.Release()
		return fmt.Errorf("semaphore %d: %w", id, err)
	}
	generation := sem.generation
	sem.lock.Release()

	for {
		if err := s.sched.Block(pid); err != nil {
			s.waiters.Remove(pid)
			return err
		}
		if sem.generation != generation {
			return fmt.Errorf("%w: %d", ErrSemaphoreDestroyed, id)
		}
		sem.lock.Acquire()
		list, queued := s.waiters.ListOf(pid)
		sem.lock.Release()
		if !queued || list != sem.queue {
			return nil
		}
		s.logger.Debug("woken without a post", "id", id, "pid", pid)
	}
}

// Post hands the semaphore to the oldest live waiter, or increments the
// counter when nobody waits.
func (s *Semaphores) Post(id int) error {
	sem, err := s.active(id)
	if err != nil {
		return err
	}

	sem.lock.Acquire()
	for _, pid := range s.waiters.Members(sem.queue) {
		if !s.sched.Alive(pid) {
			s.waiters.Remove(pid)
		}
	}
	if pid, ok := s.waiters.PopFront(sem.queue); ok {
		err := s.sched.SetReady(pid)
		sem.lock.Release()
		return err
	}
	sem.counter++
	sem.lock.Release()
	return nil
}

// Value returns the counter of id.
func (s *Semaphores) Value(id int) (uint32, error) {
	sem, err := s.active(id)
	if err != nil {
		return 0, err
	}
	return sem.counter, nil
}

// Waiting returns the pids queued on id in FIFO order.
func (s *Semaphores) Waiting(id int) []int {
	sem, err := s.active(id)
	if err != nil {
		return nil
	}
	return s.waiters.Members(sem.queue)
}

// ProcessTerminated drops pid from whichever queue holds it.
func (s *Semaphores) ProcessTerminated(pid int) {
	if list, ok := s.waiters.ListOf(pid); ok {
		s.waiters.Remove(pid)
		s.logger.Debug("waiter removed", "pid", pid, "queue", int(list))
	}
}
