package memory

// nodeState is the state of one block in the buddy tree.
type nodeState uint8

const (
	nodeFree nodeState = iota
	nodeSplit
	nodeUsed
)

// buddy is a binary buddy index. Node 0 covers the whole managed range,
// node n has children 2n+1 and 2n+2, and a node at depth d covers
// 2^(maxExp-d) bytes.
type buddy struct {
	minExp uint
	maxExp uint
	tree   []nodeState
}

func newBuddy(size uint64, minExp, maxExp uint) (*buddy, error) {
	if size < uint64(1)<<minExp {
		return nil, ErrHeapTooSmall
	}
	exp := minExp
	for exp < maxExp && uint64(1)<<(exp+1) <= size {
		exp++
	}
	nodes := (uint64(1) << (exp - minExp + 1)) - 1
	return &buddy{
		minExp: minExp,
		maxExp: exp,
		tree:   make([]nodeState, nodes),
	}, nil
}

func (b *buddy) managed() uint64 {
	return uint64(1) << b.maxExp
}

// exponent returns the block exponent serving size bytes.
func (b *buddy) exponent(size uint64) uint {
	exp := b.minExp
	for uint64(1)<<exp < size {
		exp++
	}
	return exp
}

func (b *buddy) alloc(size uint64) (uint64, uint64, bool) {
	exp := b.exponent(size)
	if exp > b.maxExp {
		return 0, 0, false
	}
	depth := int(b.maxExp - exp)
	node := b.find(0, 0, depth)
	if node < 0 {
		return 0, 0, false
	}

	b.tree[node] = nodeUsed
	for n := node; n > 0; {
		n = (n - 1) / 2
		b.tree[n] = nodeSplit
	}

	first := (1 << depth) - 1
	offset := uint64(node-first) << exp
	return offset, uint64(1) << exp, true
}

// find returns the leftmost free node at the target depth below node.
func (b *buddy) find(node, depth, target int) int {
	state := b.tree[node]
	if depth == target {
		if state == nodeFree {
			return node
		}
		return -1
	}
	if state == nodeUsed {
		return -1
	}
	if left := b.find(2*node+1, depth+1, target); left >= 0 {
		return left
	}
	return b.find(2*node+2, depth+1, target)
}

func (b *buddy) free(offset uint64) (uint64, bool) {
	if offset%(uint64(1)<<b.minExp) != 0 || offset >= b.managed() {
		return 0, false
	}

	node, start, exp := 0, uint64(0), b.maxExp
	for {
		switch b.tree[node] {
		case nodeUsed:
			if start != offset {
				return 0, false
			}
			b.tree[node] = nodeFree
			b.merge(node)
			return uint64(1) << exp, true
		case nodeSplit:
			if exp == b.minExp {
				return 0, false
			}
			half := uint64(1) << (exp - 1)
			node = 2*node + 1
			if offset >= start+half {
				node++
				start += half
			}
			exp--
		default:
			return 0, false
		}
	}
}

// merge folds free siblings back into their parent, walking up the tree.
func (b *buddy) merge(node int) {
	for node > 0 {
		sibling := node + 1
		if node%2 == 0 {
			sibling = node - 1
		}
		if b.tree[sibling] != nodeFree {
			return
		}
		node = (node - 1) / 2
		b.tree[node] = nodeFree
	}
}
