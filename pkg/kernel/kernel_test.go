package kernel

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/cyelmini/TP2-SO-2C2025/pkg/console"
	"github.com/cyelmini/TP2-SO-2C2025/pkg/memory"
	"github.com/cyelmini/TP2-SO-2C2025/pkg/process"
	"github.com/cyelmini/TP2-SO-2C2025/pkg/tracing"
)

type testKernel struct {
	*Kernel
	sys *Syscalls
	out *bytes.Buffer
}

func bootTest(t *testing.T, mutate ...func(*Config)) *testKernel {
	t.Helper()
	cfg := DefaultConfig()
	cfg.CPU.TickEvery = 1
	for _, m := range mutate {
		m(&cfg)
	}

	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	k, err := Boot(cfg, WithLogger(logger), WithOutput(&out, &out))
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })
	return &testKernel{Kernel: k, sys: k.Syscalls(), out: &out}
}

func (k *testKernel) spawn(t *testing.T, name string, entry process.Entry, mutate ...func(*process.CreateConfig)) int {
	t.Helper()
	cfg := process.CreateConfig{Entry: entry, Args: []string{name}}
	for _, m := range mutate {
		m(&cfg)
	}
	pid, err := k.Spawn(cfg)
	require.NoError(t, err)
	return pid
}

func (k *testKernel) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, k.RunUntilIdle(ctx))
}

func TestBoot(t *testing.T) {
	k := bootTest(t)

	assert.NotEmpty(t, k.ID())
	assert.Equal(t, 1, k.Scheduler().ProcessQty(), "idle only")
	assert.Equal(t, 1, k.CPU().Contexts())
	assert.NotZero(t, k.Heap().Info().Used, "idle lives in the heap")
	assert.Equal(t, memory.StrategyBuddy, k.Heap().Strategy())

	_, err := Boot(Config{})
	assert.Error(t, err)
}

func TestBoot_Bitmap(t *testing.T) {
	k := bootTest(t, func(c *Config) { c.Memory.Strategy = memory.StrategyBitmap })
	assert.Equal(t, memory.StrategyBitmap, k.Heap().Strategy())

	var addr memory.Addr
	k.spawn(t, "alloc", func(int, []string) {
		addr = k.sys.MmAlloc(100)
		k.sys.MmFree(addr)
	})
	k.run(t)
	assert.NotEqual(t, memory.Nil, addr)
}

// Scenario A: a process created with priority 3 and no arguments is listed
// once by ps.
func TestScenario_PS(t *testing.T) {
	k := bootTest(t)

	var (
		child int
		ps    []process.ProcessInfo
		err   error
	)
	k.spawn(t, "parent", func(int, []string) {
		child, err = k.sys.CreateProcess(process.CreateConfig{
			Entry:    func(int, []string) {},
			Priority: 3,
		})
		ps = k.sys.PS()
	}, func(c *process.CreateConfig) { c.Priority = process.PriorityHighest })

	k.run(t)
	require.NoError(t, err)

	var found []process.ProcessInfo
	for _, p := range ps {
		if p.PID == child {
			found = append(found, p)
		}
	}
	require.Len(t, found, 1)
	assert.Equal(t, process.Priority(3), found[0].Priority)
	assert.Contains(t, []process.ProcessState{process.StateReady, process.StateRunning}, found[0].State)
	assert.Equal(t, "unnamed", found[0].Name)
}

// Scenario B: two processes increment a shared counter 1000 times each
// under a mutex semaphore.
func TestScenario_MutexCounter(t *testing.T) {
	k := bootTest(t)
	const sem = 5

	counter := 0
	var errs []error
	inc := func(int, []string) {
		for i := 0; i < 1000; i++ {
			if err := k.sys.SemWait(sem); err != nil {
				errs = append(errs, err)
				return
			}
			v := counter
			// Preemption point inside the critical section.
			k.sys.Ticks()
			counter = v + 1
			if err := k.sys.SemPost(sem); err != nil {
				errs = append(errs, err)
				return
			}
		}
	}

	k.spawn(t, "main", func(int, []string) {
		if err := k.sys.SemCreate(sem, 1); err != nil {
			errs = append(errs, err)
			return
		}
		a, _ := k.sys.CreateProcess(process.CreateConfig{Entry: inc, Args: []string{"inc"}})
		b, _ := k.sys.CreateProcess(process.CreateConfig{Entry: inc, Args: []string{"inc"}})
		_ = k.sys.Wait(a)
		_ = k.sys.Wait(b)
		_ = k.sys.SemDestroy(sem)
	})

	k.run(t)

	assert.Empty(t, errs)
	assert.Equal(t, 2000, counter)
	assert.Greater(t, k.Scheduler().Ticks(), uint64(2000))
}

// Scenario C: "hello" through a pipe, a 10 byte read returns 5, then EOF.
func TestScenario_Pipe(t *testing.T) {
	k := bootTest(t)

	var (
		first, second int
		firstErr      error
		secondErr     error
		got           []byte
	)
	writer := func(int, []string) {
		_, _ = k.sys.Write(process.Stdout, []byte("hello"))
		fd, _ := k.Scheduler().FD(process.Stdout)
		_ = k.sys.PipeClose(fd)
	}
	reader := func(int, []string) {
		buf := make([]byte, 10)
		first, firstErr = k.sys.Read(process.Stdin, buf)
		got = append(got, buf[:first]...)
		second, secondErr = k.sys.Read(process.Stdin, buf)
		fd, _ := k.Scheduler().FD(process.Stdin)
		_ = k.sys.PipeCloseReader(fd)
	}

	var pipe int
	k.spawn(t, "shell", func(int, []string) {
		var err error
		pipe, err = k.sys.PipeCreate()
		if err != nil {
			return
		}
		r, _ := k.sys.CreateProcess(process.CreateConfig{
			Entry: reader, Args: []string{"cat"}, FDs: []int{pipe, process.Stdout, process.Stderr},
		})
		w, _ := k.sys.CreateProcess(process.CreateConfig{
			Entry: writer, Args: []string{"echo"}, FDs: []int{process.Stdin, pipe, process.Stderr},
		})
		_ = k.sys.Wait(w)
		_ = k.sys.Wait(r)
	})

	k.run(t)

	require.NoError(t, firstErr)
	assert.Equal(t, 5, first)
	assert.Equal(t, "hello", string(got))
	assert.ErrorIs(t, secondErr, io.EOF)
	assert.Zero(t, second)
	assert.False(t, k.Pipes().IsPipe(pipe), "both ends closed")
}

func TestSyscalls_Console(t *testing.T) {
	k := bootTest(t)

	var line []byte
	var eofErr error
	k.spawn(t, "sh", func(int, []string) {
		_ = k.sys.Print("$ ")
		k.Console().Type("ls\n")
		k.Console().Press(console.CtrlD)

		buf := make([]byte, 16)
		n, _ := k.sys.Read(process.Stdin, buf)
		line = buf[:n]
		_, eofErr = k.sys.Read(process.Stdin, buf)
		_, _ = k.sys.Write(process.Stderr, []byte("done\n"))
	})

	k.run(t)

	assert.Equal(t, "ls\n", string(line))
	assert.ErrorIs(t, eofErr, io.EOF)
	assert.Equal(t, "$ done\n", k.out.String())
}

func TestSyscalls_CtrlCKillsForeground(t *testing.T) {
	k := bootTest(t)

	spins := 0
	child := process.NoProcess
	var createErr error
	k.spawn(t, "shell", func(int, []string) {
		child, createErr = k.sys.CreateProcess(process.CreateConfig{
			Entry: func(int, []string) {
				for {
					spins++
					k.sys.Yield()
				}
			},
			Args:       []string{"loop"},
			Foreground: true,
		})
		if createErr != nil {
			return
		}
		for spins == 0 {
			k.sys.Yield()
		}
		k.Console().Press(console.CtrlC)
		// The child may already be gone when the wait starts.
		_ = k.sys.Wait(child)
	}, func(c *process.CreateConfig) { c.Foreground = true })

	k.run(t)

	require.NoError(t, createErr)
	assert.Positive(t, spins)
	assert.False(t, k.Scheduler().Alive(child))
	assert.Equal(t, 1, k.Scheduler().ProcessQty())
}

func TestSyscalls_ExitAndKillSelfDoNotReturn(t *testing.T) {
	k := bootTest(t)

	var after []string
	k.spawn(t, "exit", func(int, []string) {
		k.sys.Exit()
		after = append(after, "exit")
	})
	k.spawn(t, "suicide", func(int, []string) {
		_ = k.sys.Kill(k.sys.GetPID())
		after = append(after, "kill")
	})

	k.run(t)

	assert.Empty(t, after)
	assert.Equal(t, 1, k.CPU().Contexts())
}

func TestSyscalls_Memory(t *testing.T) {
	k := bootTest(t)
	before := k.Heap().Info()

	var (
		addr, zero memory.Addr
		during     memory.Info
	)
	k.spawn(t, "mm", func(int, []string) {
		addr = k.sys.MmAlloc(1000)
		during = k.sys.MmInfo()
		zero = k.sys.MmAlloc(0)
		k.sys.MmFree(addr)
	})

	k.run(t)

	assert.NotEqual(t, memory.Nil, addr)
	assert.Equal(t, memory.Nil, zero)
	assert.Greater(t, during.Used, before.Used)
	assert.Equal(t, before, k.Heap().Info(), "process and block released")
}

func TestSyscalls_Errors(t *testing.T) {
	k := bootTest(t)

	res := k.sys.Dispatch(context.Background(), Call{ID: NumSyscalls})
	assert.ErrorIs(t, res.Err, ErrUnknownSyscall)
	assert.EqualValues(t, -1, res.Value)
	assert.Equal(t, "syscall(26)", NumSyscalls.String())
	assert.Equal(t, "kill_foreground", SysKillForeground.String())

	errs := map[string]error{}
	k.spawn(t, "bad", func(int, []string) {
		_, errs["read"] = k.sys.Read(process.Stdin, make([]byte, 1))
		_, errs["write"] = k.sys.Write(process.Stdout, []byte("x"))
		errs["kill"] = k.sys.Kill(process.IdlePID)
		errs["wait"] = k.sys.Wait(k.sys.GetPID())
		errs["priority"] = k.sys.ChangePriority(k.sys.GetPID(), 9)
		errs["sem"] = k.sys.SemPost(3)
		errs["pipe"] = k.sys.PipeClose(42)
		_, errs["foreground"] = k.sys.KillForeground()
	}, func(c *process.CreateConfig) { c.FDs = []int{-1, process.Stdin, process.Stderr} })

	k.run(t)

	assert.ErrorIs(t, errs["read"], ErrBadDescriptor)
	assert.ErrorIs(t, errs["write"], ErrBadDescriptor)
	assert.ErrorIs(t, errs["kill"], process.ErrIdleProcess)
	assert.ErrorIs(t, errs["wait"], process.ErrSelfWait)
	assert.ErrorIs(t, errs["priority"], process.ErrInvalidPriority)
	assert.Error(t, errs["sem"])
	assert.Error(t, errs["pipe"])
	assert.ErrorIs(t, errs["foreground"], ErrNoForeground)
}

func TestSyscalls_BlockReadyAndPriority(t *testing.T) {
	k := bootTest(t)

	var (
		order   []string
		prioErr error
	)
	k.spawn(t, "main", func(int, []string) {
		sleeper, _ := k.sys.CreateProcess(process.CreateConfig{
			Entry: func(int, []string) {
				order = append(order, "sleeper")
			},
			Args:      []string{"sleeper"},
			Suspended: true,
		})
		prioErr = k.sys.ChangePriority(sleeper, process.PriorityHighest)
		order = append(order, "main")
		_ = k.sys.Ready(sleeper)
		_ = k.sys.Wait(sleeper)
		_ = k.sys.ChangeFDs(k.sys.GetPID(), [process.NumFDs]int{0, 2, 2})
		_, _ = k.sys.Write(process.Stdout, []byte("to stderr"))
	})

	k.run(t)

	require.NoError(t, prioErr)
	assert.Equal(t, []string{"main", "sleeper"}, order)
	assert.Equal(t, "to stderr", k.out.String())
}

func TestSyscalls_ReadyDoesNotCompleteSemWait(t *testing.T) {
	k := bootTest(t)

	var (
		acquired bool
		early    bool
		waitErr  error
	)
	k.spawn(t, "main", func(int, []string) {
		if waitErr = k.sys.SemCreate(5, 0); waitErr != nil {
			return
		}
		waiter, _ := k.sys.CreateProcess(process.CreateConfig{
			Entry: func(int, []string) {
				waitErr = k.sys.SemWait(5)
				acquired = true
			},
			Args:     []string{"waiter"},
			Priority: process.PriorityHighest,
		})
		k.sys.Yield()
		_ = k.sys.Ready(waiter)
		for i := 0; i < 5; i++ {
			k.sys.Yield()
		}
		early = acquired
		_ = k.sys.SemPost(5)
		_ = k.sys.Wait(waiter)
		_ = k.sys.SemDestroy(5)
	})

	k.run(t)

	require.NoError(t, waitErr)
	assert.False(t, early, "sem_wait returned before any post")
	assert.True(t, acquired)
}

func TestSyscalls_Tracing(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	require.NoError(t, tracing.InitWithExporter("kernel-test", Version, exporter))

	k := bootTest(t)
	k.spawn(t, "traced", func(int, []string) {
		k.sys.GetPID()
		k.sys.Exit()
	})
	k.run(t)

	var names []string
	for _, s := range exporter.GetSpans() {
		names = append(names, s.Name)
	}
	assert.Contains(t, names, "syscall.getpid")
	assert.Contains(t, names, "syscall.exit")
}
