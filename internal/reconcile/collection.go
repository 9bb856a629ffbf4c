package reconcile

// Entity is an identified row held in an ordered collection.
type Entity interface {
	Key() int64
	Revision() (int64, bool)
}

type entry[T Entity] struct {
	item T
	seq  uint64
}

// collection is an ordered, identifier-unique sequence, newest first. Every
// row remembers the sequence number of the mutation that last wrote it, and
// deletions leave tombstones so a stale snapshot cannot resurrect them.
type collection[T Entity] struct {
	rows  []entry[T]
	tombs map[int64]uint64
}

func newCollection[T Entity]() *collection[T] {
	return &collection[T]{tombs: make(map[int64]uint64)}
}

func (c *collection[T]) index(id int64) int {
	for i, e := range c.rows {
		if e.item.Key() == id {
			return i
		}
	}
	return -1
}

// stale reports whether incoming is older than held. Only decidable when both
// sides carry a version.
func stale[T Entity](held, incoming T) bool {
	hv, ok := held.Revision()
	if !ok {
		return false
	}
	iv, ok := incoming.Revision()
	if !ok {
		return false
	}
	return iv < hv
}

// create prepends item, or replaces the held row with the same id in place.
func (c *collection[T]) create(item T, seq uint64) bool {
	delete(c.tombs, item.Key())
	if i := c.index(item.Key()); i >= 0 {
		if stale(c.rows[i].item, item) {
			return false
		}
		c.rows[i] = entry[T]{item: item, seq: seq}
		return true
	}
	c.rows = append([]entry[T]{{item: item, seq: seq}}, c.rows...)
	return true
}

// update replaces the held row in place. On a miss the item is prepended when
// insertOnMiss is set and dropped otherwise.
func (c *collection[T]) update(item T, seq uint64, insertOnMiss bool) bool {
	i := c.index(item.Key())
	if i < 0 {
		if !insertOnMiss {
			return false
		}
		delete(c.tombs, item.Key())
		c.rows = append([]entry[T]{{item: item, seq: seq}}, c.rows...)
		return true
	}
	if stale(c.rows[i].item, item) {
		return false
	}
	c.rows[i] = entry[T]{item: item, seq: seq}
	return true
}

// remove drops id and records a tombstone whether or not the row was held.
func (c *collection[T]) remove(id int64, seq uint64) bool {
	c.tombs[id] = seq
	i := c.index(id)
	if i < 0 {
		return false
	}
	c.rows = append(c.rows[:i], c.rows[i+1:]...)
	return true
}

// replace discards local state and takes items wholesale.
func (c *collection[T]) replace(items []T, seq uint64) {
	rows := make([]entry[T], 0, len(items))
	seen := make(map[int64]bool, len(items))
	for _, it := range items {
		if seen[it.Key()] {
			continue
		}
		seen[it.Key()] = true
		rows = append(rows, entry[T]{item: it, seq: seq})
	}
	c.rows = rows
	c.tombs = make(map[int64]uint64)
}

// merge applies a snapshot issued at token under last-sequence-wins and
// returns the number of snapshot rows that lost to newer local mutations and
// the number of held rows removed.
func (c *collection[T]) merge(items []T, token uint64) (overridden, removed int) {
	held := make(map[int64]entry[T], len(c.rows))
	for _, e := range c.rows {
		held[e.item.Key()] = e
	}

	// Rows written after the token and missing from the snapshot are newer
	// creations; they stay at the front in their current order.
	inSnapshot := make(map[int64]bool, len(items))
	for _, it := range items {
		inSnapshot[it.Key()] = true
	}
	var rows []entry[T]
	for _, e := range c.rows {
		if e.seq > token && !inSnapshot[e.item.Key()] {
			rows = append(rows, e)
		}
	}

	seen := make(map[int64]bool, len(items))
	for _, it := range items {
		id := it.Key()
		if seen[id] {
			continue
		}
		seen[id] = true

		if seq, ok := c.tombs[id]; ok && seq > token {
			overridden++
			continue
		}
		if e, ok := held[id]; ok && e.seq > token {
			overridden++
			rows = append(rows, e)
			continue
		}
		rows = append(rows, entry[T]{item: it, seq: token})
	}

	for _, e := range c.rows {
		id := e.item.Key()
		if e.seq <= token && !inSnapshot[id] {
			removed++
		}
	}

	for id, seq := range c.tombs {
		if seq <= token {
			delete(c.tombs, id)
		}
	}
	c.rows = rows
	return overridden, removed
}

func (c *collection[T]) items() []T {
	out := make([]T, len(c.rows))
	for i, e := range c.rows {
		out[i] = e.item
	}
	return out
}

func (c *collection[T]) get(id int64) (T, bool) {
	if i := c.index(id); i >= 0 {
		return c.rows[i].item, true
	}
	var zero T
	return zero, false
}
