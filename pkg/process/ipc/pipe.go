package ipc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Pipe errors.
var (
	ErrPipeClosed    = errors.New("pipe end is closed")
	ErrBrokenPipe    = errors.New("pipe is broken")
	ErrInvalidPipe   = errors.New("invalid pipe")
	ErrPipeTableFull = errors.New("pipe table full")
)

// FirstPipeID is the id of pipe slot 0. Lower ids are stdin, stdout and
// stderr.
const FirstPipeID = 3

// End selects the side of a pipe.
type End int

const (
	ReadEnd End = iota
	WriteEnd
)

func (e End) String() string {
	if e == ReadEnd {
		return "read"
	}
	return "write"
}

// pipe is a bounded ring buffer. space counts free bytes, data counts
// buffered bytes and mutex guards the cursors.
type pipe struct {
	open     bool
	buf      []byte
	readIdx  int
	writeIdx int
	count    int
	readers  int
	writers  int
	space    int
	data     int
	mutex    int
}

// Pipes is the fixed table of pipes built on Semaphores.
type Pipes struct {
	sems     *Semaphores
	pipes    []pipe
	capacity int
	logger   *slog.Logger
}

// NewPipes creates a table of cfg.MaxPipes closed pipes.
func NewPipes(cfg Config, sems *Semaphores, logger *slog.Logger) *Pipes {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipes{
		sems:     sems,
		pipes:    make([]pipe, cfg.MaxPipes),
		capacity: cfg.PipeCapacity,
		logger:   logger,
	}
}

func (p *Pipes) get(id int) (*pipe, error) {
	slot := id - FirstPipeID
	if slot < 0 || slot >= len(p.pipes) || !p.pipes[slot].open {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPipe, id)
	}
	return &p.pipes[slot], nil
}

// Create opens a pipe with one reader and one writer attached.
func (p *Pipes) Create() (int, error) {
	for i := range p.pipes {
		pp := &p.pipes[i]
		if pp.open {
			continue
		}

		var (
			ids [3]int
			err error
		)
		initial := [3]uint32{uint32(p.capacity), 0, 1}
		for j := range ids {
			if ids[j], err = p.sems.CreateAny(initial[j]); err != nil {
				for k := 0; k < j; k++ {
					_ = p.sems.Destroy(ids[k])
				}
				return -1, fmt.Errorf("pipe semaphores: %w", err)
			}
		}

		*pp = pipe{
			open:    true,
			buf:     make([]byte, p.capacity),
			readers: 1,
			writers: 1,
			space:   ids[0],
			data:    ids[1],
			mutex:   ids[2],
		}
		id := i + FirstPipeID
		p.logger.Debug("pipe created", "id", id, "capacity", p.capacity)
		return id, nil
	}
	return -1, ErrPipeTableFull
}

// Read fills buf one byte at a time, blocking while the ring is empty. It
// returns early once no writer is left and the ring is drained, and returns
// io.EOF when nothing could be read for that reason.
func (p *Pipes) Read(id int, buf []byte) (int, error) {
	pp, err := p.get(id)
	if err != nil {
		return 0, err
	}

	n := 0
	for n < len(buf) {
		if pp.count == 0 && pp.writers == 0 {
			break
		}
		if err := p.sems.Wait(pp.data); err != nil {
			if errors.Is(err, ErrSemaphoreDestroyed) {
				break
			}
			return n, err
		}
		if err := p.sems.Wait(pp.mutex); err != nil {
			return n, err
		}
		popped := pp.count > 0
		if popped {
			buf[n] = pp.buf[pp.readIdx]
			pp.readIdx = (pp.readIdx + 1) % len(pp.buf)
			pp.count--
			n++
		}
		_ = p.sems.Post(pp.mutex)
		if popped {
			_ = p.sems.Post(pp.space)
		}
	}
	if n == 0 && len(buf) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write appends buf one byte at a time, blocking while the ring is full. It
// fails with ErrBrokenPipe once no reader is left.
func (p *Pipes) Write(id int, buf []byte) (int, error) {
	pp, err := p.get(id)
	if err != nil {
		return 0, err
	}

	for i, b := range buf {
		if pp.readers == 0 {
			return i, ErrBrokenPipe
		}
		if err := p.sems.Wait(pp.space); err != nil {
			if errors.Is(err, ErrSemaphoreDestroyed) {
				return i, ErrBrokenPipe
			}
			return i, err
		}
		if err := p.sems.Wait(pp.mutex); err != nil {
			return i, err
		}
		if pp.readers == 0 {
			_ = p.sems.Post(pp.mutex)
			return i, ErrBrokenPipe
		}
		pp.buf[pp.writeIdx] = b
		pp.writeIdx = (pp.writeIdx + 1) % len(pp.buf)
		pp.count++
		_ = p.sems.Post(pp.mutex)
		_ = p.sems.Post(pp.data)
	}
	return len(buf), nil
}

// Close detaches a writer. When the last writer leaves every blocked reader
// is woken so it can drain the ring and see end of file.
func (p *Pipes) Close(id int) error {
	pp, err := p.get(id)
	if err != nil {
		return err
	}
	if pp.writers == 0 {
		return fmt.Errorf("%w: %d %s", ErrPipeClosed, id, WriteEnd)
	}
	pp.writers--
	if pp.writers == 0 {
		p.wakeAll(pp.data)
	}
	p.releaseIfUnused(id, pp)
	return nil
}

// CloseReader detaches a reader. When the last reader leaves every blocked
// writer is woken and fails with ErrBrokenPipe.
func (p *Pipes) CloseReader(id int) error {
	pp, err := p.get(id)
	if err != nil {
		return err
	}
	if pp.readers == 0 {
		return fmt.Errorf("%w: %d %s", ErrPipeClosed, id, ReadEnd)
	}
	pp.readers--
	if pp.readers == 0 {
		p.wakeAll(pp.space)
	}
	p.releaseIfUnused(id, pp)
	return nil
}

// wakeAll posts sem once per queued process.
func (p *Pipes) wakeAll(sem int) {
	for range p.sems.Waiting(sem) {
		_ = p.sems.Post(sem)
	}
}

func (p *Pipes) releaseIfUnused(id int, pp *pipe) {
	if pp.readers > 0 || pp.writers > 0 {
		return
	}
	_ = p.sems.Destroy(pp.space)
	_ = p.sems.Destroy(pp.data)
	_ = p.sems.Destroy(pp.mutex)
	*pp = pipe{}
	p.logger.Debug("pipe released", "id", id)
}

// Clear discards buffered bytes under the pipe mutex. Semaphore counters
// are left untouched, so it is only safe while no reader or writer is
// active.
func (p *Pipes) Clear(id int) error {
	pp, err := p.get(id)
	if err != nil {
		return err
	}
	if err := p.sems.Wait(pp.mutex); err != nil {
		return err
	}
	pp.readIdx, pp.writeIdx, pp.count = 0, 0, 0
	return p.sems.Post(pp.mutex)
}

// Buffered returns the number of unread bytes in id.
func (p *Pipes) Buffered(id int) (int, error) {
	pp, err := p.get(id)
	if err != nil {
		return 0, err
	}
	return pp.count, nil
}

// IsPipe reports whether id names an open pipe.
func (p *Pipes) IsPipe(id int) bool {
	_, err := p.get(id)
	return err == nil
}
