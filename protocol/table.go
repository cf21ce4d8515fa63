package protocol

// Message is an outstanding request: its id and the caller's correlation data.
type Message struct {
	ID   uint32
	Data any
}

type slot struct {
	msg  Message
	used bool
}

// Table is a fixed-capacity open-addressed map from request id to Message.
//
// Collisions are resolved by linear probing from id % capacity. Removal uses
// backward-shift deletion, so the table never holds tombstones and every
// remaining id stays reachable from its natural slot.
type Table struct {
	slots []slot
	count int
}

// NewTable returns a table with room for capacity messages. Capacity must be
// even and non-zero.
func NewTable(capacity uint32) (*Table, error) {
	if capacity == 0 || capacity%2 != 0 {
		return nil, ErrOddCapacity
	}
	return &Table{slots: make([]slot, capacity)}, nil
}

// Cap returns the fixed number of slots.
func (t *Table) Cap() int {
	return len(t.slots)
}

// Len returns the number of stored messages.
func (t *Table) Len() int {
	return t.count
}

// Put stores m. It reports false without overwriting when m.ID is already
// present, and ErrTableFull when no slot is free.
func (t *Table) Put(m Message) (bool, error) {
	i := t.search(m.ID)
	if i < 0 {
		return false, ErrTableFull
	}
	if t.slots[i].used {
		return false, nil
	}
	t.slots[i] = slot{msg: m, used: true}
	t.count++
	return true, nil
}

// Get returns the message stored under id.
func (t *Table) Get(id uint32) (Message, bool) {
	i := t.search(id)
	if i < 0 || !t.slots[i].used {
		return Message{}, false
	}
	return t.slots[i].msg, true
}

// Pop removes and returns the message stored under id.
func (t *Table) Pop(id uint32) (Message, bool) {
	i := t.search(id)
	if i < 0 || !t.slots[i].used {
		return Message{}, false
	}
	m := t.slots[i].msg
	t.slots[i] = slot{}
	t.count--
	t.shift(i)
	return m, true
}

// search probes from the natural slot of id and returns the first slot that
// is empty or holds id, or -1 after a full cycle.
func (t *Table) search(id uint32) int {
	n := uint32(len(t.slots))
	idx := id % n
	for range n {
		s := &t.slots[idx]
		if !s.used || s.msg.ID == id {
			return int(idx)
		}
		idx = (idx + 1) % n
	}
	return -1
}

// shift closes the hole at slot hole by moving back every following entry
// whose probe sequence passes over the hole, up to the next empty slot.
func (t *Table) shift(hole int) {
	n := len(t.slots)
	for next := (hole + 1) % n; t.slots[next].used; next = (next + 1) % n {
		home := int(t.slots[next].msg.ID % uint32(n))
		// The entry stays when its home lies cyclically in (hole, next].
		if t.dist(home, next) < t.dist(hole, next) {
			continue
		}
		t.slots[hole] = t.slots[next]
		t.slots[next] = slot{}
		hole = next
	}
}

// dist is the forward probe distance from a to b.
func (t *Table) dist(a, b int) int {
	n := len(t.slots)
	return (b - a + n) % n
}
