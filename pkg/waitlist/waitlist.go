// Package waitlist provides FIFO lists of small integer members (process ids)
// stored in one preallocated table.
//
// The table holds one entry per member followed by a head and a tail
// sentinel per list. Links are table indices, so a member can be unlinked in
// O(1) from whichever list holds it and a member belongs to at most one list
// of a table at a time.
package waitlist

import "errors"

// Wait list errors.
var (
	ErrTableFull     = errors.New("wait list table full")
	ErrInvalidList   = errors.New("invalid wait list")
	ErrInvalidMember = errors.New("invalid wait list member")
	ErrLinked        = errors.New("member already linked")
)

// List identifies a list inside a Table.
type List int

// None is the List value of an unlinked member.
const None List = -1

const empty = -1

type entry struct {
	next int
	prev int
	list List
}

// Table is the shared storage for a fixed number of lists over a fixed
// member range.
type Table struct {
	members int
	entries []entry
	active  []bool
	lengths []int
}

// NewTable creates a table for members in [0, members) and up to lists lists.
func NewTable(members, lists int) *Table {
	t := &Table{
		members: members,
		entries: make([]entry, members+2*lists),
		active:  make([]bool, lists),
		lengths: make([]int, lists),
	}
	for i := range t.entries {
		t.entries[i] = entry{next: empty, prev: empty, list: None}
	}
	return t
}

func (t *Table) head(l List) int { return t.members + 2*int(l) }
func (t *Table) tail(l List) int { return t.members + 2*int(l) + 1 }

func (t *Table) valid(l List) bool {
	return l >= 0 && int(l) < len(t.active) && t.active[l]
}

func (t *Table) isMember(m int) bool {
	return m >= 0 && m < t.members
}

// NewList allocates an empty list.
func (t *Table) NewList() (List, error) {
	for i, used := range t.active {
		if used {
			continue
		}
		l := List(i)
		t.active[i] = true
		t.lengths[i] = 0
		h, tl := t.head(l), t.tail(l)
		t.entries[h] = entry{next: tl, prev: empty, list: l}
		t.entries[tl] = entry{next: empty, prev: h, list: l}
		return l, nil
	}
	return None, ErrTableFull
}

// FreeList unlinks every member of l and releases the list.
func (t *Table) FreeList(l List) {
	if !t.valid(l) {
		return
	}
	for {
		if _, ok := t.PopFront(l); !ok {
			break
		}
	}
	t.active[l] = false
}

// PushBack appends m to the tail of l.
func (t *Table) PushBack(l List, m int) error {
	if !t.valid(l) {
		return ErrInvalidList
	}
	if !t.isMember(m) {
		return ErrInvalidMember
	}
	if t.entries[m].list != None {
		return ErrLinked
	}

	tl := t.tail(l)
	prev := t.entries[tl].prev
	t.entries[m] = entry{next: tl, prev: prev, list: l}
	t.entries[prev].next = m
	t.entries[tl].prev = m
	t.lengths[l]++
	return nil
}

// Front returns the first member of l without removing it.
func (t *Table) Front(l List) (int, bool) {
	if !t.valid(l) || t.lengths[l] == 0 {
		return empty, false
	}
	return t.entries[t.head(l)].next, true
}

// PopFront removes and returns the first member of l.
func (t *Table) PopFront(l List) (int, bool) {
	m, ok := t.Front(l)
	if !ok {
		return empty, false
	}
	t.unlink(m)
	return m, true
}

// Remove unlinks m from the list that holds it. It reports whether m was
// linked.
func (t *Table) Remove(m int) bool {
	if !t.isMember(m) || t.entries[m].list == None {
		return false
	}
	t.unlink(m)
	return true
}

func (t *Table) unlink(m int) {
	e := t.entries[m]
	t.entries[e.prev].next = e.next
	t.entries[e.next].prev = e.prev
	t.lengths[e.list]--
	t.entries[m] = entry{next: empty, prev: empty, list: None}
}

// ListOf returns the list holding m.
func (t *Table) ListOf(m int) (List, bool) {
	if !t.isMember(m) || t.entries[m].list == None {
		return None, false
	}
	return t.entries[m].list, true
}

// Contains reports whether m is linked in l.
func (t *Table) Contains(l List, m int) bool {
	got, ok := t.ListOf(m)
	return ok && got == l
}

// Len returns the number of members in l.
func (t *Table) Len(l List) int {
	if !t.valid(l) {
		return 0
	}
	return t.lengths[l]
}

// Members returns the members of l in FIFO order.
func (t *Table) Members(l List) []int {
	if !t.valid(l) {
		return nil
	}
	out := make([]int, 0, t.lengths[l])
	for i := t.entries[t.head(l)].next; i != t.tail(l); i = t.entries[i].next {
		out = append(out, i)
	}
	return out
}
