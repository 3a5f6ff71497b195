package process

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyelmini/TP2-SO-2C2025/internal/clock"
	"github.com/cyelmini/TP2-SO-2C2025/pkg/memory"
)

func TestManager_Create(t *testing.T) {
	fixed := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)
	prev := clock.NowFunc
	clock.NowFunc = func() time.Time { return fixed }
	t.Cleanup(func() { clock.NowFunc = prev })

	tests := []struct {
		name     string
		cfg      CreateConfig
		wantName string
		wantArgs []string
		wantFDs  [NumFDs]int
		wantPrio Priority
		state    ProcessState
	}{
		{
			name:     "args copied",
			cfg:      CreateConfig{Entry: noop, Args: []string{"echo", "hello", ""}, Priority: 2},
			wantName: "echo",
			wantArgs: []string{"echo", "hello", ""},
			wantFDs:  [NumFDs]int{0, 1, 2},
			wantPrio: 2,
			state:    StateReady,
		},
		{
			name:     "no args",
			cfg:      CreateConfig{Entry: noop},
			wantName: "unnamed",
			wantArgs: []string{},
			wantFDs:  [NumFDs]int{0, 1, 2},
			wantPrio: PriorityDefault,
			state:    StateReady,
		},
		{
			name:     "empty name and partial fds",
			cfg:      CreateConfig{Entry: noop, Args: []string{""}, FDs: []int{4}},
			wantName: "unnamed",
			wantArgs: []string{""},
			wantFDs:  [NumFDs]int{4, 1, 2},
			wantPrio: PriorityDefault,
			state:    StateReady,
		},
		{
			name:     "suspended",
			cfg:      CreateConfig{Entry: noop, Args: []string{"bg"}, Suspended: true, FDs: []int{0, 5, 2}},
			wantName: "bg",
			wantArgs: []string{"bg"},
			wantFDs:  [NumFDs]int{0, 5, 2},
			wantPrio: PriorityDefault,
			state:    StateBlocked,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			heap := newTestHeap(t, 1<<16)
			frames := newFakeFrames()
			mgr := NewManager(heap, frames, DefaultConfig(), nil)

			pcb, err := mgr.Create(7, 1, tt.cfg)
			require.NoError(t, err)

			assert.Equal(t, 7, pcb.PID)
			assert.Equal(t, 1, pcb.ParentPID)
			assert.Equal(t, tt.wantName, mgr.Name(pcb))
			assert.Equal(t, tt.wantArgs, mgr.Args(pcb))
			assert.Equal(t, len(tt.wantArgs), pcb.Argc())
			assert.Equal(t, tt.wantFDs, pcb.FDs)
			assert.Equal(t, tt.wantPrio, pcb.Priority)
			assert.Equal(t, tt.wantPrio, pcb.BasePriority)
			assert.Equal(t, tt.state, pcb.State)
			assert.Equal(t, fixed, pcb.CreatedAt)
			assert.True(t, heap.Contains(pcb.StackBase-1))
			assert.Equal(t, tt.wantArgs, frames.live[pcb.StackPointer])

			// The copy is independent from the caller's slice.
			if len(tt.cfg.Args) > 0 {
				tt.cfg.Args[0] = "mutated"
				assert.Equal(t, tt.wantName, mgr.Name(pcb))
			}
		})
	}
}

func TestManager_CreateRejects(t *testing.T) {
	heap := newTestHeap(t, 1<<16)
	mgr := NewManager(heap, newFakeFrames(), DefaultConfig(), nil)

	_, err := mgr.Create(2, 0, CreateConfig{})
	assert.ErrorIs(t, err, ErrNilEntry)

	_, err = mgr.Create(2, 0, CreateConfig{Entry: noop, Priority: 9})
	assert.ErrorIs(t, err, ErrInvalidPriority)

	assert.Zero(t, heap.Info().Used)
}

func TestManager_FreeReleasesEverything(t *testing.T) {
	heap := newTestHeap(t, 1<<16)
	frames := newFakeFrames()
	mgr := NewManager(heap, frames, DefaultConfig(), nil)

	pcb, err := mgr.Create(3, 0, CreateConfig{Entry: noop, Args: []string{"cat", "-n", "file"}})
	require.NoError(t, err)
	require.NotZero(t, heap.Info().Used)
	sp := pcb.StackPointer

	mgr.Free(pcb)
	assert.Zero(t, heap.Info().Used)
	assert.Equal(t, []uintptr{sp}, frames.discarded)

	// Second release is a no-op.
	mgr.Free(pcb)
	assert.Zero(t, heap.Info().Used)
	assert.Len(t, frames.discarded, 1)
}

func TestManager_CreateUnwindsOnFailure(t *testing.T) {
	tests := []struct {
		name string
		size uint64
		args []string
	}{
		// Record fits, stack does not.
		{"stack", 4096, []string{"p"}},
		// Record and stack fit, the argument copy does not.
		{"argv", 8192, []string{"p", strings.Repeat("x", 4000)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			heap, err := memory.New(memory.DefaultConfig(), 0x600000, tt.size)
			require.NoError(t, err)
			frames := newFakeFrames()
			mgr := NewManager(heap, frames, DefaultConfig(), nil)

			_, err = mgr.Create(2, 0, CreateConfig{Entry: noop, Args: tt.args})
			assert.ErrorIs(t, err, ErrOutOfMemory)
			assert.Zero(t, heap.Info().Used, "no leaked allocation")
			assert.Empty(t, frames.live)
		})
	}
}
