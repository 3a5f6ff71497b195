// Package kernel boots the memory, process, synchronization and console
// subsystems in dependency order and exposes them to processes through the
// system call table.
//
// Boot order:
//
//	heap -> cpu -> process manager + scheduler -> semaphores -> pipes -> console -> idle
//
// Each layer receives references to the layers below it; there is no global
// kernel state.
package kernel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/cyelmini/TP2-SO-2C2025/internal/idgen"
	"github.com/cyelmini/TP2-SO-2C2025/pkg/console"
	"github.com/cyelmini/TP2-SO-2C2025/pkg/cpu"
	"github.com/cyelmini/TP2-SO-2C2025/pkg/memory"
	"github.com/cyelmini/TP2-SO-2C2025/pkg/process"
	"github.com/cyelmini/TP2-SO-2C2025/pkg/process/ipc"
	"github.com/cyelmini/TP2-SO-2C2025/pkg/tracing"
)

// Version is reported as the tracing service version.
const Version = "0.3.0"

// Kernel owns every subsystem of one booted kernel.
type Kernel struct {
	id     string
	cfg    Config
	logger *slog.Logger
	closer io.Closer

	heap    *memory.Heap
	cpu     *cpu.CPU
	manager *process.Manager
	sched   *process.Scheduler
	sems    *ipc.Semaphores
	pipes   *ipc.Pipes
	console *console.Console
	sys     *Syscalls
}

type options struct {
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer
	echo   bool
}

// Option configures Boot.
type Option func(o *options)

// WithLogger replaces the logger built from Config.Log.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithOutput sets the console writers.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(o *options) {
		o.stdout = stdout
		o.stderr = stderr
	}
}

// WithEcho prints control keys on the console.
func WithEcho(echo bool) Option {
	return func(o *options) {
		o.echo = echo
	}
}

// Boot builds a kernel from cfg. Nothing runs until Run is called.
func Boot(cfg Config, opts ...Option) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{stdout: os.Stdout, stderr: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}

	k := &Kernel{id: idgen.New(), cfg: cfg, closer: nopCloser{}}

	logger := o.logger
	if logger == nil {
		l, closer, err := NewLogger(cfg.Log, o.stderr)
		if err != nil {
			return nil, err
		}
		logger, k.closer = l, closer
	}
	k.logger = logger.With("boot", k.id)
	module := func(name string) *slog.Logger { return k.logger.With("module", name) }
	fail := func(err error) (*Kernel, error) {
		_ = k.closer.Close()
		return nil, err
	}

	if cfg.Tracing.Enabled {
		if err := tracing.Init(cfg.Tracing.ServiceName, Version, cfg.Tracing.Output); err != nil {
			return fail(fmt.Errorf("init tracing: %w", err))
		}
	}

	heap, err := memory.New(cfg.Memory, memory.Addr(cfg.Memory.Base), cfg.Memory.Size,
		memory.WithLogger(module("memory")))
	if err != nil {
		return fail(fmt.Errorf("init heap: %w", err))
	}
	k.heap = heap

	k.cpu, err = cpu.New(cfg.CPU, cpu.WithLogger(module("cpu")))
	if err != nil {
		return fail(err)
	}

	k.manager = process.NewManager(heap, k.cpu, cfg.Process, module("process"))
	k.sched, err = process.NewScheduler(cfg.Process, k.manager,
		process.WithTimer(k.cpu),
		process.WithLogger(module("scheduler")))
	if err != nil {
		return fail(err)
	}
	k.cpu.Attach(k.sched)

	k.sems = ipc.NewSemaphores(cfg.IPC, k.sched, cfg.Process.MaxProcesses, module("semaphore"))
	k.sched.AddTerminationListener(k.sems)
	k.pipes = ipc.NewPipes(cfg.IPC, k.sems, module("pipe"))

	k.console, err = console.New(k.cpu, k.sched, k.sems,
		console.WithOutput(o.stdout, o.stderr),
		console.WithEcho(o.echo),
		console.WithLogger(module("console")))
	if err != nil {
		return fail(err)
	}

	k.sys = &Syscalls{
		heap:    heap,
		cpu:     k.cpu,
		sched:   k.sched,
		sems:    k.sems,
		pipes:   k.pipes,
		console: k.console,
		logger:  module("syscall"),
	}
	k.cpu.OnExit(k.sys.exit)

	if err := k.sched.CreateIdle(k.cpu.Idle); err != nil {
		return fail(fmt.Errorf("create idle: %w", err))
	}

	k.logger.Info("kernel booted",
		"heap", cfg.Memory.Strategy,
		"heapSize", heap.Info().Total,
		"maxProcesses", cfg.Process.MaxProcesses,
		"semaphores", cfg.IPC.NumSemaphores,
		"pipes", cfg.IPC.MaxPipes)
	return k, nil
}

// Spawn creates a process before the CPU starts or from outside any
// process. Its parent is the idle process unless cfg names one.
func (k *Kernel) Spawn(cfg process.CreateConfig) (int, error) {
	if cfg.ParentPID == nil && k.sched.Current() == nil {
		parent := process.IdlePID
		cfg.ParentPID = &parent
	}
	return k.sched.CreateProcess(cfg)
}

// Run dispatches processes until ctx is done or Stop is called.
func (k *Kernel) Run(ctx context.Context) error {
	return k.cpu.Run(ctx)
}

// RunUntilIdle runs until only the idle process is left or ctx is done.
func (k *Kernel) RunUntilIdle(ctx context.Context) error {
	return k.cpu.RunUntil(ctx, func() bool { return k.sched.ProcessQty() == 1 })
}

// Stop halts the CPU.
func (k *Kernel) Stop() {
	k.cpu.Stop()
}

// Close releases the log file, if any.
func (k *Kernel) Close() error {
	return k.closer.Close()
}

// ID returns the boot id.
func (k *Kernel) ID() string { return k.id }

func (k *Kernel) Config() Config { return k.cfg }
func (k *Kernel) Logger() *slog.Logger { return k.logger }
func (k *Kernel) Heap() *memory.Heap { return k.heap }
func (k *Kernel) CPU() *cpu.CPU { return k.cpu }
func (k *Kernel) Scheduler() *process.Scheduler { return k.sched }
func (k *Kernel) Semaphores() *ipc.Semaphores { return k.sems }
func (k *Kernel) Pipes() *ipc.Pipes { return k.pipes }
func (k *Kernel) Console() *console.Console { return k.console }
func (k *Kernel) Syscalls() *Syscalls { return k.sys }
