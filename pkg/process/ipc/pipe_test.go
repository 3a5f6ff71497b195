package ipc

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyelmini/TP2-SO-2C2025/pkg/cpu"
	"github.com/cyelmini/TP2-SO-2C2025/pkg/memory"
	"github.com/cyelmini/TP2-SO-2C2025/pkg/process"
)

func newTestPipes(t *testing.T, cfg Config) (*Pipes, *Semaphores) {
	t.Helper()
	sems := NewSemaphores(cfg, newFakeScheduler(), 8, nil)
	return NewPipes(cfg, sems, nil), sems
}

func TestPipes_ReadWriteWithoutBlocking(t *testing.T) {
	pipes, _ := newTestPipes(t, DefaultConfig())

	id, err := pipes.Create()
	require.NoError(t, err)
	assert.Equal(t, FirstPipeID, id)
	assert.True(t, pipes.IsPipe(id))

	n, err := pipes.Write(id, []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	buffered, _ := pipes.Buffered(id)
	assert.Equal(t, 3, buffered)

	buf := make([]byte, 2)
	n, err = pipes.Read(id, buf)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(buf[:n]))

	require.NoError(t, pipes.Close(id))
	n, err = pipes.Read(id, buf)
	require.NoError(t, err)
	assert.Equal(t, "c", string(buf[:n]))

	n, err = pipes.Read(id, buf)
	assert.ErrorIs(t, err, io.EOF)
	assert.Zero(t, n)
}

func TestPipes_WrapsAround(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PipeCapacity = 4
	pipes, _ := newTestPipes(t, cfg)

	id, err := pipes.Create()
	require.NoError(t, err)

	buf := make([]byte, 3)
	for _, chunk := range []string{"abc", "def", "ghi"} {
		_, err := pipes.Write(id, []byte(chunk))
		require.NoError(t, err)
		n, err := pipes.Read(id, buf)
		require.NoError(t, err)
		assert.Equal(t, chunk, string(buf[:n]))
	}
}

func TestPipes_BrokenPipe(t *testing.T) {
	pipes, _ := newTestPipes(t, DefaultConfig())
	id, err := pipes.Create()
	require.NoError(t, err)

	require.NoError(t, pipes.CloseReader(id))
	n, err := pipes.Write(id, []byte("x"))
	assert.ErrorIs(t, err, ErrBrokenPipe)
	assert.Zero(t, n)

	assert.ErrorIs(t, pipes.CloseReader(id), ErrPipeClosed)
}

func TestPipes_ReleasedWhenBothEndsClose(t *testing.T) {
	pipes, sems := newTestPipes(t, DefaultConfig())
	id, err := pipes.Create()
	require.NoError(t, err)
	slot := pipes.pipes[id-FirstPipeID]
	semIDs := []int{slot.space, slot.data, slot.mutex}
	for _, s := range semIDs {
		require.NoError(t, sems.Open(s))
	}

	require.NoError(t, pipes.Close(id))
	assert.True(t, pipes.IsPipe(id), "reader still attached")
	assert.ErrorIs(t, pipes.Close(id), ErrPipeClosed)

	require.NoError(t, pipes.CloseReader(id))
	assert.False(t, pipes.IsPipe(id))
	for _, s := range semIDs {
		assert.ErrorIs(t, sems.Open(s), ErrInvalidSemaphore)
	}

	// The slot is reused.
	again, err := pipes.Create()
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestPipes_InvalidAndFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPipes = 2
	pipes, _ := newTestPipes(t, cfg)

	for _, id := range []int{0, 1, 2, 3, 5, 99} {
		_, err := pipes.Read(id, make([]byte, 1))
		assert.ErrorIs(t, err, ErrInvalidPipe, "read %d", id)
		_, err = pipes.Write(id, []byte("x"))
		assert.ErrorIs(t, err, ErrInvalidPipe, "write %d", id)
		assert.False(t, pipes.IsPipe(id))
	}

	_, err := pipes.Create()
	require.NoError(t, err)
	_, err = pipes.Create()
	require.NoError(t, err)
	_, err = pipes.Create()
	assert.ErrorIs(t, err, ErrPipeTableFull)
}

func TestPipes_CreateUnwindsSemaphores(t *testing.T) {
	// Room for one pipe only: the second Create runs out of semaphores.
	cfg := Config{NumSemaphores: 4, MaxPipes: 2, PipeCapacity: 8}
	pipes, sems := newTestPipes(t, cfg)

	_, err := pipes.Create()
	require.NoError(t, err)
	_, err = pipes.Create()
	assert.ErrorIs(t, err, ErrSemaphoreTableFull)

	// The semaphore taken by the failed attempt was given back.
	id, err := sems.CreateAny(0)
	require.NoError(t, err)
	assert.Equal(t, 0, id)
}

func TestPipes_Clear(t *testing.T) {
	pipes, _ := newTestPipes(t, DefaultConfig())
	id, err := pipes.Create()
	require.NoError(t, err)

	_, err = pipes.Write(id, []byte("stale"))
	require.NoError(t, err)
	require.NoError(t, pipes.Clear(id))
	buffered, _ := pipes.Buffered(id)
	assert.Zero(t, buffered)
}

// machine runs real processes on a simulated CPU.
type machine struct {
	cpu   *cpu.CPU
	sched *process.Scheduler
	sems  *Semaphores
	pipes *Pipes
}

func newMachine(t *testing.T, cfg Config) *machine {
	t.Helper()

	heap, err := memory.New(memory.DefaultConfig(), 0x600000, 1<<20)
	require.NoError(t, err)
	ccfg := cpu.DefaultConfig()
	ccfg.TickEvery = 1
	c, err := cpu.New(ccfg)
	require.NoError(t, err)

	pcfg := process.DefaultConfig()
	sched, err := process.NewScheduler(pcfg, process.NewManager(heap, c, pcfg, nil), process.WithTimer(c))
	require.NoError(t, err)
	c.Attach(sched)
	c.OnExit(func() {
		_ = sched.KillCurrent()
		sched.Yield()
	})
	require.NoError(t, sched.CreateIdle(c.Idle))

	sems := NewSemaphores(cfg, sched, pcfg.MaxProcesses, nil)
	sched.AddTerminationListener(sems)
	return &machine{cpu: c, sched: sched, sems: sems, pipes: NewPipes(cfg, sems, nil)}
}

func (m *machine) spawn(t *testing.T, prio process.Priority, entry process.Entry) int {
	t.Helper()
	pid, err := m.sched.CreateProcess(process.CreateConfig{Entry: entry, Args: []string{"p"}, Priority: prio})
	require.NoError(t, err)
	return pid
}

func (m *machine) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.cpu.RunUntil(ctx, func() bool { return m.sched.ProcessQty() == 1 }))
}

func TestPipes_ReaderBlocksUntilWriterCloses(t *testing.T) {
	m := newMachine(t, DefaultConfig())
	id, err := m.pipes.Create()
	require.NoError(t, err)

	var got strings.Builder
	var readErr error
	// The reader starts first and blocks on the empty ring.
	m.spawn(t, process.PriorityHighest, func(int, []string) {
		buf := make([]byte, 4)
		for {
			n, err := m.pipes.Read(id, buf)
			got.Write(buf[:n])
			if err != nil {
				readErr = err
				break
			}
		}
		_ = m.pipes.CloseReader(id)
	})
	m.spawn(t, process.PriorityDefault, func(int, []string) {
		_, _ = m.pipes.Write(id, []byte("hello, "))
		_, _ = m.pipes.Write(id, []byte("world"))
		_ = m.pipes.Close(id)
	})

	m.run(t)

	assert.Equal(t, "hello, world", got.String())
	assert.ErrorIs(t, readErr, io.EOF)
	assert.False(t, m.pipes.IsPipe(id))
}

func TestPipes_WriterBlocksOnFullRing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PipeCapacity = 4
	m := newMachine(t, cfg)
	id, err := m.pipes.Create()
	require.NoError(t, err)

	payload := []byte("the quick brown fox")
	var written int
	var got []byte

	m.spawn(t, process.PriorityHighest, func(int, []string) {
		written, _ = m.pipes.Write(id, payload)
		_ = m.pipes.Close(id)
	})
	m.spawn(t, process.PriorityDefault, func(int, []string) {
		buf := make([]byte, 3)
		for {
			n, err := m.pipes.Read(id, buf)
			got = append(got, buf[:n]...)
			if err != nil {
				break
			}
		}
		_ = m.pipes.CloseReader(id)
	})

	m.run(t)

	assert.Equal(t, len(payload), written)
	assert.Equal(t, payload, got)
}

func TestPipes_CloseReaderBreaksBlockedWriter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PipeCapacity = 4
	m := newMachine(t, cfg)
	id, err := m.pipes.Create()
	require.NoError(t, err)

	var written int
	var writeErr error
	m.spawn(t, process.PriorityHighest, func(int, []string) {
		written, writeErr = m.pipes.Write(id, []byte("overflowing"))
		_ = m.pipes.Close(id)
	})
	m.spawn(t, process.PriorityDefault, func(int, []string) {
		_ = m.pipes.CloseReader(id)
	})

	m.run(t)

	assert.True(t, errors.Is(writeErr, ErrBrokenPipe))
	assert.Equal(t, 4, written)
	assert.False(t, m.pipes.IsPipe(id))
}
