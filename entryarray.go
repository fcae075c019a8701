package journal

import (
	"sort"
)

// chain is one logical, sorted sequence of entry offsets: an optional
// inline first entry followed by the items of a linked list of entry
// arrays. The global entry index is a chain rooted in the header; every
// data object roots a chain of the entries referencing it.
type chain struct {
	r      *Reader
	first  uint64 // inline first entry, 0 if none
	n      uint64 // number of valid items, including first
	blocks []chainBlock
}

type chainBlock struct {
	arr   entryArrayObject
	start uint64 // logical index of the block's first item
}

// loadChain loads the array blocks needed to address n items.
func (r *Reader) loadChain(first, arrayOffset, n uint64) (*chain, error) {
	c := &chain{r: r, first: first, n: n}

	want := n
	if first != 0 && want > 0 {
		want--
	}
	var start uint64
	for p := arrayOffset; p != 0 && start < want; {
		arr, err := r.entryArrayObject(p)
		if err != nil {
			return nil, err
		}
		c.blocks = append(c.blocks, chainBlock{arr: arr, start: start})
		start += arr.capacity()

		next := arr.next()
		if next != 0 && next <= p {
			return nil, corruptf(p, "entry array chain loops back to %d", next)
		}
		p = next
	}
	if start < want {
		return nil, corruptf(arrayOffset, "entry array chain holds %d of %d items", start, want)
	}
	return c, nil
}

func (r *Reader) globalChain() (*chain, error) {
	if r.s == nil {
		return nil, errClosed
	}
	h := r.s.header()
	n := h.nEntries()
	return r.loadChain(0, h.u64(hdrEntryArrayOffset), n)
}

func (r *Reader) dataChain(dataOffset uint64) (*chain, error) {
	d, err := r.dataObject(dataOffset)
	if err != nil {
		return nil, err
	}
	n := d.nEntries()
	if n == 0 {
		return &chain{r: r}, nil
	}
	if d.entry() == 0 {
		return nil, corruptf(dataOffset, "data object has %d entries but no first entry", n)
	}
	return r.loadChain(d.entry(), d.entryArray(), n)
}

// at returns the i-th entry offset of the chain.
func (c *chain) at(i uint64) (uint64, error) {
	if c.first != 0 {
		if i == 0 {
			return c.first, nil
		}
		i--
	}

	b := sort.Search(len(c.blocks), func(b int) bool {
		blk := c.blocks[b]
		return blk.start+blk.arr.capacity() > i
	})
	if b == len(c.blocks) {
		return 0, corruptf(0, "entry index %d out of range", i)
	}
	blk := c.blocks[b]
	p := blk.arr.item(i - blk.start)
	if p == 0 {
		return 0, corruptf(blk.arr.off, "unset entry array item %d", i-blk.start)
	}
	return p, nil
}

// search returns the smallest index in [0, n) for which fn is true, or
// n if there is none. Entries must be ordered so that fn is monotonic.
func (c *chain) search(fn func(p uint64) (bool, error)) (uint64, error) {
	var err error
	i := sort.Search(int(c.n), func(i int) bool {
		if err != nil {
			return true
		}
		p, e := c.at(uint64(i))
		if e != nil {
			err = e
			return true
		}
		ok, e := fn(p)
		if e != nil {
			err = e
			return true
		}
		return ok
	})
	return uint64(i), err
}

// step moves strictly away from the entry at offset from. Offsets grow
// with every append, so the position of from is found by bisecting the
// offsets themselves.
func (c *chain) step(from uint64, d Direction) (uint64, error) {
	if c.n == 0 {
		return 0, ErrNotFound
	}
	if from == 0 {
		if d == Down {
			return c.at(c.n - 1)
		}
		return c.at(0)
	}

	i, err := c.search(func(p uint64) (bool, error) { return p >= from, nil })
	if err != nil {
		return 0, err
	}
	if d == Down {
		if i == 0 {
			return 0, ErrNotFound
		}
		return c.at(i - 1)
	}

	if i < c.n {
		p, err := c.at(i)
		if err != nil {
			return 0, err
		}
		if p != from {
			return p, nil
		}
		i++
	}
	if i >= c.n {
		return 0, ErrNotFound
	}
	return c.at(i)
}

// seek bisects the chain by a monotonic key. An exact match wins, else
// the closest entry in direction d is returned. Needles beyond the key of
// the last entry are never found.
func (c *chain) seek(needle uint64, d Direction, key func(p uint64) (uint64, error)) (uint64, error) {
	if c.n == 0 {
		return 0, ErrNotFound
	}

	last, err := c.at(c.n - 1)
	if err != nil {
		return 0, err
	}
	if k, err := key(last); err != nil {
		return 0, err
	} else if needle > k {
		return 0, ErrNotFound
	}

	// first index with key >= needle, which exists given the check above
	i, err := c.search(func(p uint64) (bool, error) {
		k, err := key(p)
		return k >= needle, err
	})
	if err != nil {
		return 0, err
	}

	p, err := c.at(i)
	if err != nil {
		return 0, err
	}
	if d == Up {
		return p, nil
	}

	if k, err := key(p); err != nil {
		return 0, err
	} else if k == needle {
		return p, nil
	}
	if i == 0 {
		return 0, ErrNotFound
	}
	return c.at(i - 1)
}

// --------------------------------------------------------------------

// u64Slot addresses a mutable link field, either in the header or in an
// object.
type u64Slot struct {
	b  []byte
	at int
}

func (s u64Slot) get() uint64  { return header(s.b).u64(s.at) }
func (s u64Slot) set(v uint64) { header(s.b).setU64(s.at, v) }

// appendToArrays stores entry p at logical index idx of the array list
// rooted at head, allocating and linking a new array if all existing
// ones are full. Item counts are maintained by the caller.
func (w *Writer) appendToArrays(head u64Slot, idx, p uint64) error {
	var (
		start    uint64
		last     entryArrayObject
		lastSize uint64
	)
	for a := head.get(); a != 0; {
		arr, err := w.entryArrayObject(a)
		if err != nil {
			return err
		}
		capacity := arr.capacity()
		if idx < start+capacity {
			arr.setItem(idx-start, p)
			return nil
		}
		start += capacity
		last, lastSize = arr, capacity

		next := arr.next()
		if next != 0 && next <= a {
			return corruptf(a, "entry array chain loops back to %d", next)
		}
		a = next
	}
	if idx != start {
		return corruptf(head.get(), "entry index %d not adjacent to array end %d", idx, start)
	}

	capacity := lastSize * 2
	if capacity < 4 {
		capacity = 4
	}
	arr, err := w.allocEntryArray(capacity)
	if err != nil {
		return err
	}
	arr.setItem(0, p)

	if last.b == nil {
		head.set(arr.off)
	} else {
		last.setNext(arr.off)
	}
	return nil
}

// linkEntry adds entry p to the global entry index. The entry becomes
// visible to readers once the header's entry count is published.
func (w *Writer) linkEntry(p uint64) error {
	h := w.s.header()
	return w.appendToArrays(u64Slot{b: h, at: hdrEntryArrayOffset}, h.nEntries(), p)
}

// linkEntryIntoData appends entry p to the per-value chain of the data
// object at off and publishes the chain's new length.
func (w *Writer) linkEntryIntoData(off, p uint64) error {
	d, err := w.dataObject(off)
	if err != nil {
		return err
	}

	n := d.nEntries()
	if n == 0 {
		d.setEntry(p)
	} else if err := w.appendToArrays(u64Slot{b: d.b, at: 48}, n-1, p); err != nil {
		return err
	}
	d.publishNEntries(n + 1)
	return nil
}

// clearArrayItem resets logical index idx of the array list rooted at
// head. It is used to unlink entries that were never published.
func (w *Writer) clearArrayItem(head, idx uint64) error {
	var start uint64
	for a := head; a != 0; {
		arr, err := w.entryArrayObject(a)
		if err != nil {
			return err
		}
		if idx < start+arr.capacity() {
			arr.setItem(idx-start, 0)
			return nil
		}
		start += arr.capacity()

		next := arr.next()
		if next != 0 && next <= a {
			return corruptf(a, "entry array chain loops back to %d", next)
		}
		a = next
	}
	return nil
}
