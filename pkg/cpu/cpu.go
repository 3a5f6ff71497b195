// Package cpu simulates the single processor the kernel runs on.
//
// Every process runs on its own goroutine, but only the goroutine holding
// the CPU executes: a context switch resumes the next goroutine and parks
// the previous one, so kernel state is never touched concurrently. Timer
// interrupts fire at preemption points (system call entry, idle halt) and
// external events are queued as interrupt handlers that run on the CPU at
// the next tick.
package cpu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/cyelmini/TP2-SO-2C2025/pkg/process"
)

// CPU errors.
var (
	ErrNoScheduler = errors.New("cpu: no scheduler attached")
	ErrRunning     = errors.New("cpu: already running")
)

// frameSize is the size of the initial register frame pushed below the
// stack base.
const frameSize = 20 * 8

// Scheduler picks the context to resume on every tick.
type Scheduler interface {
	Schedule(prevSP uintptr) uintptr
}

// Config holds the CPU settings.
type Config struct {
	// TickEvery is the number of preemption points between timer interrupts.
	TickEvery int `json:"tickEvery" yaml:"tickEvery"`
	// HaltDelay is how long the idle process halts waiting for an interrupt.
	HaltDelay time.Duration `json:"haltDelay" yaml:"haltDelay"`
}

// DefaultConfig returns the settings used by the kernel at boot.
func DefaultConfig() Config {
	return Config{
		TickEvery: 4,
		HaltDelay: time.Millisecond,
	}
}

// Validate reports invalid settings.
func (c Config) Validate() error {
	if c.TickEvery < 1 {
		return fmt.Errorf("cpu: tickEvery must be >= 1, got %d", c.TickEvery)
	}
	if c.HaltDelay < 0 {
		return fmt.Errorf("cpu: haltDelay must be >= 0")
	}
	return nil
}

type thread struct {
	sp      uintptr
	entry   process.Entry
	argc    int
	argv    []string
	started bool
	resume  chan struct{}
	dead    chan struct{}
}

// CPU implements process.Frames and process.Timer.
type CPU struct {
	cfg    Config
	sched  Scheduler
	exit   func()
	drain  func() bool
	logger *slog.Logger

	threads map[uintptr]*thread
	boot    *thread
	current *thread
	steps   int

	irqMu    sync.Mutex
	irqs     []func()
	irqReady chan struct{}

	wg       sync.WaitGroup
	running  bool
	shutdown chan struct{}
	stopOnce sync.Once
}

// Option configures a CPU.
type Option func(c *CPU)

// WithLogger sets the CPU logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *CPU) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a CPU with no scheduler attached.
func New(cfg Config, opts ...Option) (*CPU, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	boot := &thread{resume: make(chan struct{}, 1), dead: make(chan struct{})}
	c := &CPU{
		cfg:      cfg,
		logger:   slog.Default(),
		threads:  make(map[uintptr]*thread),
		boot:     boot,
		current:  boot,
		irqReady: make(chan struct{}, 1),
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Attach sets the scheduler driven by the timer.
func (c *CPU) Attach(sched Scheduler) {
	c.sched = sched
}

// OnExit sets the function run when a process entry returns. It must
// terminate the current process and give up the CPU.
func (c *CPU) OnExit(exit func()) {
	c.exit = exit
}

// SetupStackFrame registers a context that starts entry(argc, argv) the
// first time its stack pointer is scheduled.
func (c *CPU) SetupStackFrame(stackBase uintptr, entry process.Entry, argc int, argv []string) uintptr {
	sp := stackBase - frameSize
	c.threads[sp] = &thread{
		sp:     sp,
		entry:  entry,
		argc:   argc,
		argv:   argv,
		resume: make(chan struct{}, 1),
		dead:   make(chan struct{}),
	}
	return sp
}

// Discard releases the context at sp. A parked context exits at once; the
// running one exits when it gives up the CPU.
func (c *CPU) Discard(sp uintptr) {
	t, ok := c.threads[sp]
	if !ok {
		return
	}
	delete(c.threads, sp)
	close(t.dead)
}

// Contexts returns the number of live contexts.
func (c *CPU) Contexts() int {
	return len(c.threads)
}

// TimerTick delivers pending interrupts, runs the scheduler and switches
// to the context it selects.
func (c *CPU) TimerTick() {
	c.deliver()
	if c.sched == nil {
		return
	}
	prev := c.current
	next := c.sched.Schedule(prev.sp)
	c.switchTo(prev, next)
}

// Step marks a preemption point. Every TickEvery steps the timer fires.
func (c *CPU) Step() {
	select {
	case <-c.shutdown:
		runtime.Goexit()
	default:
	}
	c.steps++
	if c.steps >= c.cfg.TickEvery {
		c.steps = 0
		c.TimerTick()
	}
}

func (c *CPU) switchTo(prev *thread, sp uintptr) {
	next, ok := c.threads[sp]
	if !ok {
		if sp != prev.sp {
			c.logger.Error("schedule returned an unknown context", "sp", fmt.Sprintf("0x%x", sp))
		}
		return
	}
	if next == prev {
		return
	}

	c.current = next
	if !next.started {
		next.started = true
		c.wg.Add(1)
		go c.run(next)
	} else {
		next.resume <- struct{}{}
	}
	c.park(prev)
}

// park suspends prev until it is resumed, discarded or the CPU stops. The
// boot context never parks: its goroutine only waits for shutdown.
func (c *CPU) park(prev *thread) {
	if prev == c.boot {
		return
	}
	select {
	case <-prev.dead:
		runtime.Goexit()
	default:
	}
	select {
	case <-prev.resume:
	case <-prev.dead:
		runtime.Goexit()
	case <-c.shutdown:
		runtime.Goexit()
	}
}

func (c *CPU) run(t *thread) {
	defer c.wg.Done()
	t.entry(t.argc, t.argv)
	if c.exit == nil {
		c.logger.Error("process returned with no exit handler", "sp", fmt.Sprintf("0x%x", t.sp))
		<-c.shutdown
		return
	}
	c.exit()
}

// Raise queues an interrupt handler. It is safe to call from any goroutine;
// the handler runs on the CPU at the next tick.
func (c *CPU) Raise(handler func()) {
	c.irqMu.Lock()
	c.irqs = append(c.irqs, handler)
	c.irqMu.Unlock()
	select {
	case c.irqReady <- struct{}{}:
	default:
	}
}

func (c *CPU) deliver() {
	c.irqMu.Lock()
	pending := c.irqs
	c.irqs = nil
	c.irqMu.Unlock()
	for _, h := range pending {
		h()
	}
}

// Idle is the entry of the idle process: halt until an interrupt or the
// halt delay, then tick.
func (c *CPU) Idle(int, []string) {
	for {
		c.halt()
		c.TimerTick()
	}
}

func (c *CPU) halt() {
	if c.drain != nil && c.drain() {
		c.Stop()
	}
	if c.cfg.HaltDelay == 0 {
		select {
		case <-c.shutdown:
			runtime.Goexit()
		default:
		}
		runtime.Gosched()
		return
	}
	timer := time.NewTimer(c.cfg.HaltDelay)
	defer timer.Stop()
	select {
	case <-c.shutdown:
		runtime.Goexit()
	case <-c.irqReady:
	case <-timer.C:
	}
}

// Run dispatches the first process and blocks until Stop is called or ctx
// is done. Kernel state may be inspected once Run returns.
func (c *CPU) Run(ctx context.Context) error {
	return c.run0(ctx, nil)
}

// RunUntil is Run that also stops the CPU when done reports true while the
// idle process holds the CPU.
func (c *CPU) RunUntil(ctx context.Context, done func() bool) error {
	return c.run0(ctx, done)
}

func (c *CPU) run0(ctx context.Context, done func() bool) error {
	if c.sched == nil {
		return ErrNoScheduler
	}
	if c.running {
		return ErrRunning
	}
	c.running = true
	c.drain = done

	go func() {
		select {
		case <-ctx.Done():
			c.Stop()
		case <-c.shutdown:
		}
	}()

	c.logger.Debug("cpu started", "tickEvery", c.cfg.TickEvery)
	c.current = c.boot
	c.TimerTick()

	<-c.shutdown
	c.wg.Wait()
	c.logger.Debug("cpu stopped", "contexts", len(c.threads))
	return ctx.Err()
}

// Active reports whether the CPU is dispatching processes.
func (c *CPU) Active() bool {
	if !c.running {
		return false
	}
	select {
	case <-c.shutdown:
		return false
	default:
		return true
	}
}

// Stop halts the CPU. Every context goroutine exits at its next
// preemption point.
func (c *CPU) Stop() {
	c.stopOnce.Do(func() {
		close(c.shutdown)
	})
}
