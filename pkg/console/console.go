// Package console is the keyboard and screen driver. Key presses arrive as
// interrupts, are buffered in a small ring and counted by a semaphore that
// readers wait on.
package console

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/cyelmini/TP2-SO-2C2025/pkg/process"
	"github.com/cyelmini/TP2-SO-2C2025/pkg/process/ipc"
)

// Control keys.
const (
	CtrlC byte = 0x03
	CtrlD byte = 0x04
)

// BufferCapacity is the size of the key ring. One slot is always left
// free, so at most BufferCapacity-1 keys are pending.
const BufferCapacity = 10

// eof marks a Ctrl-D in the key ring.
const eof = -1

var ErrNoOutput = errors.New("console: descriptor has no output")

// Interrupts queues handlers to run on the CPU.
type Interrupts interface {
	Raise(handler func())
}

// Foreground kills the foreground process on Ctrl-C.
type Foreground interface {
	KillForeground() (int, bool)
}

// Console owns the key ring and the screen writers.
type Console struct {
	irq    Interrupts
	fg     Foreground
	sems   *ipc.Semaphores
	sem    int
	logger *slog.Logger

	ring  [BufferCapacity]int
	start int
	size  int

	// mu guards the writers, which may be shared with code off the CPU.
	mu     sync.Mutex
	stdout io.Writer
	stderr io.Writer
	echo   bool
}

// Option configures a Console.
type Option func(c *Console)

// WithOutput sets the writers behind STDOUT and STDERR.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(c *Console) {
		c.stdout = stdout
		c.stderr = stderr
	}
}

// WithEcho prints control keys ("^C", "^D") as they are handled.
func WithEcho(echo bool) Option {
	return func(c *Console) {
		c.echo = echo
	}
}

// WithLogger sets the console logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Console) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates the console and its keyboard semaphore.
func New(irq Interrupts, fg Foreground, sems *ipc.Semaphores, opts ...Option) (*Console, error) {
	sem, err := sems.CreateAny(0)
	if err != nil {
		return nil, fmt.Errorf("keyboard semaphore: %w", err)
	}
	c := &Console{
		irq:    irq,
		fg:     fg,
		sems:   sems,
		sem:    sem,
		logger: slog.Default(),
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Semaphore returns the id of the keyboard semaphore.
func (c *Console) Semaphore() int { return c.sem }

// Press queues key as a keyboard interrupt. It is safe to call from any
// goroutine.
func (c *Console) Press(key byte) {
	c.irq.Raise(func() { c.handle(key) })
}

// Type presses every byte of s in order.
func (c *Console) Type(s string) {
	for i := 0; i < len(s); i++ {
		c.Press(s[i])
	}
}

// handle runs on the CPU.
func (c *Console) handle(key byte) {
	switch key {
	case CtrlC:
		c.start, c.size = 0, 0
		if c.echo {
			c.print(c.stdout, "^C\n")
		}
		if pid, ok := c.fg.KillForeground(); ok {
			c.logger.Debug("foreground process killed", "pid", pid)
		}
	case CtrlD:
		if c.echo {
			c.print(c.stdout, "^D\n")
		}
		c.push(eof)
	default:
		c.push(int(key))
	}
}

func (c *Console) push(key int) {
	if c.size >= BufferCapacity-1 {
		c.logger.Debug("key dropped", "key", key)
		return
	}
	c.ring[(c.start+c.size)%BufferCapacity] = key
	c.size++
	_ = c.sems.Post(c.sem)
}

func (c *Console) pop() (int, bool) {
	if c.size == 0 {
		return 0, false
	}
	key := c.ring[c.start]
	c.start = (c.start + 1) % BufferCapacity
	c.size--
	return key, true
}

// Pending returns the number of buffered keys.
func (c *Console) Pending() int { return c.size }

// ReadByte blocks the current process until a key is available. Ctrl-D
// reads as io.EOF.
func (c *Console) ReadByte() (byte, error) {
	for {
		if err := c.sems.Wait(c.sem); err != nil {
			return 0, err
		}
		// Keys discarded by Ctrl-C leave stale posts behind.
		key, ok := c.pop()
		if !ok {
			continue
		}
		if key == eof {
			return 0, io.EOF
		}
		return byte(key), nil
	}
}

// Read fills buf from the keyboard. It returns after a newline, a full
// buffer or Ctrl-D, and returns io.EOF when Ctrl-D comes first.
func (c *Console) Read(buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		b, err := c.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return n, err
		}
		buf[n] = b
		n++
		if b == '\n' {
			break
		}
	}
	if n == 0 && len(buf) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write prints buf on the screen behind fd.
func (c *Console) Write(fd int, buf []byte) (int, error) {
	var w io.Writer
	switch fd {
	case process.Stdout:
		w = c.stdout
	case process.Stderr:
		w = c.stderr
	default:
		return 0, fmt.Errorf("%w: %d", ErrNoOutput, fd)
	}
	c.mu.Lock()
	n, err := w.Write(buf)
	c.mu.Unlock()
	return n, err
}

func (c *Console) print(w io.Writer, s string) {
	c.mu.Lock()
	_, _ = io.WriteString(w, s)
	c.mu.Unlock()
}
