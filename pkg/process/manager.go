package process

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/cyelmini/TP2-SO-2C2025/internal/clock"
	"github.com/cyelmini/TP2-SO-2C2025/pkg/memory"
	"github.com/cyelmini/TP2-SO-2C2025/pkg/waitlist"
)

const (
	// recordSize is the heap footprint of one PCB record.
	recordSize = 128
	// slotSize is the width of one argv vector slot.
	slotSize     = 8
	fallbackName = "unnamed"
)

// Manager owns the PCB lifecycle: every heap region a process holds is
// allocated here and released exactly once by Free.
type Manager struct {
	heap      memory.Allocator
	frames    Frames
	waiters   *waitlist.Table
	stackSize uint64
	logger    *slog.Logger
}

// NewManager creates a process manager allocating from heap.
func NewManager(heap memory.Allocator, frames Frames, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		heap:   heap,
		frames: frames,
		// One termination list per live process plus the running process
		// whose release is pending.
		waiters:   waitlist.NewTable(cfg.MaxProcesses, cfg.MaxProcesses+1),
		stackSize: cfg.StackSize,
		logger:    logger,
	}
}

// Create allocates a PCB record and initializes it.
func (m *Manager) Create(pid, parentPID int, cfg CreateConfig) (*PCB, error) {
	record := m.heap.Alloc(recordSize)
	if record == memory.Nil {
		return nil, fmt.Errorf("pcb record: %w", ErrOutOfMemory)
	}
	pcb := &PCB{record: record}
	if err := m.Initialize(pcb, pid, parentPID, cfg); err != nil {
		m.heap.Free(record)
		pcb.record = memory.Nil
		return nil, err
	}
	return pcb, nil
}

// Initialize fills pcb: stack, argv copy, name, file descriptors and
// termination waiting list. On failure everything allocated so far is
// released and pcb owns nothing.
func (m *Manager) Initialize(pcb *PCB, pid, parentPID int, cfg CreateConfig) error {
	if cfg.Entry == nil {
		return ErrNilEntry
	}
	priority := cfg.Priority
	if priority == 0 {
		priority = PriorityDefault
	}
	if !priority.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, priority)
	}

	pcb.argv, pcb.name, pcb.stack = memory.Nil, memory.Nil, memory.Nil
	pcb.waitList = waitlist.None
	pcb.StackPointer = 0

	stack := m.heap.Alloc(m.stackSize)
	if stack == memory.Nil {
		return fmt.Errorf("stack: %w", ErrOutOfMemory)
	}
	pcb.stack = stack
	pcb.StackBase = stack + memory.Addr(m.stackSize)

	argv, err := m.copyArgs(cfg.Args)
	if err != nil {
		m.release(pcb)
		return err
	}
	pcb.argv, pcb.argc = argv, len(cfg.Args)

	name := fallbackName
	if len(cfg.Args) > 0 && cfg.Args[0] != "" {
		name = cfg.Args[0]
	}
	if pcb.name, err = m.copyString(name); err != nil {
		m.release(pcb)
		return fmt.Errorf("name: %w", err)
	}

	list, err := m.waiters.NewList()
	if err != nil {
		m.release(pcb)
		return fmt.Errorf("waiting list: %w", err)
	}
	pcb.waitList = list

	pcb.PID = pid
	pcb.ParentPID = parentPID
	pcb.Priority = priority
	pcb.BasePriority = priority
	pcb.Foreground = cfg.Foreground
	pcb.Entry = cfg.Entry
	pcb.FDs = [NumFDs]int{Stdin, Stdout, Stderr}
	for i := 0; i < NumFDs && i < len(cfg.FDs); i++ {
		pcb.FDs[i] = cfg.FDs[i]
	}
	pcb.State = StateReady
	if cfg.Suspended {
		pcb.State = StateBlocked
	}
	pcb.CreatedAt = clock.Now()
	pcb.StackPointer = m.frames.SetupStackFrame(uintptr(pcb.StackBase), cfg.Entry, pcb.argc, m.Args(pcb))

	m.logger.Debug("process initialized",
		"pid", pid,
		"name", name,
		"priority", priority,
		"stackBase", fmt.Sprintf("0x%x", uintptr(pcb.StackBase)))
	return nil
}

// Free releases the execution context, argv, name, stack, waiting list and
// PCB record. Already released parts are skipped.
func (m *Manager) Free(pcb *PCB) {
	if pcb == nil {
		return
	}
	if pcb.StackPointer != 0 {
		m.frames.Discard(pcb.StackPointer)
		pcb.StackPointer = 0
	}
	m.release(pcb)
	if pcb.record != memory.Nil {
		m.heap.Free(pcb.record)
		pcb.record = memory.Nil
	}
}

func (m *Manager) release(pcb *PCB) {
	m.freeArgs(pcb.argv)
	pcb.argv = memory.Nil
	if pcb.name != memory.Nil {
		m.heap.Free(pcb.name)
		pcb.name = memory.Nil
	}
	if pcb.stack != memory.Nil {
		m.heap.Free(pcb.stack)
		pcb.stack = memory.Nil
	}
	if pcb.waitList != waitlist.None {
		m.waiters.FreeList(pcb.waitList)
		pcb.waitList = waitlist.None
	}
}

// Args returns the owned argv copy of pcb.
func (m *Manager) Args(pcb *PCB) []string {
	if pcb.argv == memory.Nil {
		return nil
	}
	slots, err := m.heap.Bytes(pcb.argv, uint64(pcb.argc+1)*slotSize)
	if err != nil {
		return nil
	}
	args := make([]string, pcb.argc)
	for i := range args {
		args[i] = m.readString(memory.Addr(binary.LittleEndian.Uint64(slots[i*slotSize:])))
	}
	return args
}

// Name returns the owned name copy of pcb.
func (m *Manager) Name(pcb *PCB) string {
	return m.readString(pcb.name)
}

// addWaiter queues pid on the termination list of target.
func (m *Manager) addWaiter(target *PCB, pid int) error {
	return m.waiters.PushBack(target.waitList, pid)
}

// removeWaiter unlinks pid from whichever termination list holds it.
func (m *Manager) removeWaiter(pid int) {
	m.waiters.Remove(pid)
}

// drainWaiters empties the termination list of pcb in FIFO order.
func (m *Manager) drainWaiters(pcb *PCB) []int {
	var pids []int
	for {
		pid, ok := m.waiters.PopFront(pcb.waitList)
		if !ok {
			return pids
		}
		pids = append(pids, pid)
	}
}

// waiting returns the pids queued on the termination of pcb.
func (m *Manager) waiting(pcb *PCB) []int {
	return m.waiters.Members(pcb.waitList)
}

// copyArgs builds a vector of len(args)+1 slots, each holding the address
// of a NUL terminated copy, followed by a zero slot.
func (m *Manager) copyArgs(args []string) (memory.Addr, error) {
	size := uint64(len(args)+1) * slotSize
	vector := m.heap.Alloc(size)
	if vector == memory.Nil {
		return memory.Nil, fmt.Errorf("argv: %w", ErrOutOfMemory)
	}
	slots, err := m.heap.Bytes(vector, size)
	if err != nil {
		m.heap.Free(vector)
		return memory.Nil, err
	}
	clear(slots)

	for i, arg := range args {
		addr, err := m.copyString(arg)
		if err != nil {
			m.freeArgs(vector)
			return memory.Nil, fmt.Errorf("argv[%d]: %w", i, err)
		}
		binary.LittleEndian.PutUint64(slots[i*slotSize:], uint64(addr))
	}
	return vector, nil
}

// freeArgs releases every string up to the first zero slot, then the vector.
func (m *Manager) freeArgs(vector memory.Addr) {
	if vector == memory.Nil {
		return
	}
	for i := uint64(0); ; i++ {
		slot, err := m.heap.Bytes(vector+memory.Addr(i*slotSize), slotSize)
		if err != nil {
			break
		}
		addr := memory.Addr(binary.LittleEndian.Uint64(slot))
		if addr == memory.Nil {
			break
		}
		m.heap.Free(addr)
	}
	m.heap.Free(vector)
}

func (m *Manager) copyString(s string) (memory.Addr, error) {
	addr := m.heap.Alloc(uint64(len(s)) + 1)
	if addr == memory.Nil {
		return memory.Nil, ErrOutOfMemory
	}
	buf, err := m.heap.Bytes(addr, uint64(len(s))+1)
	if err != nil {
		m.heap.Free(addr)
		return memory.Nil, err
	}
	copy(buf, s)
	buf[len(s)] = 0
	return addr, nil
}

func (m *Manager) readString(addr memory.Addr) string {
	if addr == memory.Nil {
		return ""
	}
	var out []byte
	for i := memory.Addr(0); ; i++ {
		b, err := m.heap.Bytes(addr+i, 1)
		if err != nil || b[0] == 0 {
			break
		}
		out = append(out, b[0])
	}
	return string(out)
}
