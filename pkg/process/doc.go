/*
Package process provides process management for the kernel: process control
blocks, their heap-owned resources and the preemptive priority scheduler.

# Process States

Processes are in one of the following states:

  - Ready: waiting in the ready queue of its priority level
  - Running: owns the CPU
  - Blocked: waiting for an event (semaphore, pipe, another process)
  - Terminated: killed while running; released by the next Schedule

# Scheduling

There are five priority levels, 1 being the highest. The scheduler always
dispatches the head of the highest non-empty level and gives it a fixed
quantum of QuantumTicks timer ticks. Every AgingTicks ticks each ready
process below level 1 is promoted one level, and every ResetTicks ticks all
priorities return to the value they were created with. When nothing is
ready the idle process (pid 0) runs.

# Usage

	mgr := process.NewManager(heap, cpu, cfg, logger)
	sched, err := process.NewScheduler(cfg, mgr, process.WithTimer(cpu))
	if err != nil {
		// Handle error
	}
	if err := sched.CreateIdle(cpu.Idle); err != nil {
		// Handle error
	}

	pid, err := sched.CreateProcess(process.CreateConfig{
		Entry:      worker,
		Args:       []string{"worker", "10"},
		Priority:   process.PriorityDefault,
		Foreground: true,
	})

The Frames and Timer collaborators are implemented by the simulated CPU.
*/
package process
