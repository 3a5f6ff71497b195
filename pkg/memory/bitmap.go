package memory

import "github.com/Workiva/go-datastructures/bitarray"

// bitmap is a fixed-size block index. A live allocation is a run of
// allocated blocks whose first block also carries the border bit.
type bitmap struct {
	blockSize uint64
	blocks    uint64
	allocated bitarray.BitArray
	border    bitarray.BitArray
}

func newBitmap(size, blockSize uint64) (*bitmap, error) {
	blocks := size / blockSize
	if blocks == 0 {
		return nil, ErrHeapTooSmall
	}
	return &bitmap{
		blockSize: blockSize,
		blocks:    blocks,
		allocated: bitarray.NewBitArray(blocks),
		border:    bitarray.NewBitArray(blocks),
	}, nil
}

func (m *bitmap) managed() uint64 {
	return m.blocks * m.blockSize
}

func (m *bitmap) alloc(size uint64) (uint64, uint64, bool) {
	needed := (size + m.blockSize - 1) / m.blockSize
	if needed > m.blocks {
		return 0, 0, false
	}

	run := uint64(0)
	for i := uint64(0); i < m.blocks; i++ {
		if isSet(m.allocated, i) {
			run = 0
			continue
		}
		run++
		if run < needed {
			continue
		}
		start := i - needed + 1
		_ = m.border.SetBit(start)
		for j := start; j <= i; j++ {
			_ = m.allocated.SetBit(j)
		}
		return start * m.blockSize, needed * m.blockSize, true
	}
	return 0, 0, false
}

func (m *bitmap) free(offset uint64) (uint64, bool) {
	if offset%m.blockSize != 0 {
		return 0, false
	}
	first := offset / m.blockSize
	if first >= m.blocks || !isSet(m.border, first) {
		return 0, false
	}

	_ = m.border.ClearBit(first)
	_ = m.allocated.ClearBit(first)
	released := uint64(1)
	for i := first + 1; i < m.blocks && isSet(m.allocated, i) && !isSet(m.border, i); i++ {
		_ = m.allocated.ClearBit(i)
		released++
	}
	return released * m.blockSize, true
}

func isSet(a bitarray.BitArray, k uint64) bool {
	ok, err := a.GetBit(k)
	return err == nil && ok
}
