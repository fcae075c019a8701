package journal

import (
	"bytes"

	"github.com/sirupsen/logrus"
)

// recover repairs a file that was not closed cleanly. Objects are only
// ever discarded, never invented: a partial object past the tail is
// wiped and an entry that was committed but never published is unlinked
// and turned into an unused object.
func (w *Writer) recover() error {
	h := w.s.header()
	tail := h.tailObject()

	var (
		nObjects, nTags     uint64
		nData, nFields      uint64
		nArrays             uint64
		lastTag, lastEntry  uint64
		lastData, lastField uint64
		tailObj             object
	)
	for p := uint64(headerSize); ; {
		o, err := w.moveTo(ObjectUnused, p)
		if err != nil {
			return err
		}
		nObjects++
		switch o.typ() {
		case ObjectTag:
			nTags, lastTag = nTags+1, p
		case ObjectEntry:
			lastEntry = p
		case ObjectData:
			nData, lastData = nData+1, p
		case ObjectField:
			nFields, lastField = nFields+1, p
		case ObjectEntryArray:
			nArrays++
		}
		if p == tail {
			tailObj = o
			break
		}

		next := align8(p + o.size())
		if next > tail {
			return corruptf(p, "object overlaps tail object at %d", tail)
		}
		p = next
	}

	log := w.log.WithField("tail", tail)
	discarded, err := w.wipePartial(align8(tail + tailObj.size()))
	if err != nil {
		return err
	}
	if discarded != 0 {
		log = log.WithField("discarded_bytes", discarded)
	}

	if lastField != 0 {
		if err := w.relinkField(lastField); err != nil {
			return err
		}
	}
	if lastData != 0 {
		if err := w.relinkData(lastData); err != nil {
			return err
		}
	}

	if lastEntry != 0 {
		orphan, err := w.unlinkOrphan(lastEntry)
		if err != nil {
			return err
		}
		if orphan != 0 {
			log = log.WithField("orphan_entry", orphan)
		}
	}

	h.setU64(hdrNObjects, nObjects)
	h.setU64(hdrArenaSize, align8(tail+tailObj.size())-headerSize)
	h.setU64(hdrNTags, nTags)
	h.setU64(hdrNData, nData)
	h.setU64(hdrNFields, nFields)
	h.setU64(hdrNEntryArrays, nArrays)
	h.setU64(hdrTailTagOffset, lastTag)
	if err := w.s.sync(); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"objects": nObjects,
		"entries": h.nEntries(),
	}).Warn("recovered journal file that was not closed cleanly")
	w.o.Metrics.recovered()
	return nil
}

// wipePartial zeroes an object that was being written past the tail
// when the writer stopped.
func (w *Writer) wipePartial(end uint64) (uint64, error) {
	size, err := w.s.fileSize()
	if err != nil {
		return 0, err
	}
	if end+objectHeaderSize > uint64(size) {
		return 0, nil
	}
	env, err := w.s.bytes(end, objectHeaderSize)
	if err != nil {
		return 0, err
	}
	n := header(env).u64(8)
	if env[0] == 0 && n == 0 {
		return 0, nil
	}
	if n < objectHeaderSize || end+n > uint64(size) {
		n = uint64(size) - end
	}

	b, err := w.s.bytes(end, n)
	if err != nil {
		return 0, err
	}
	for i := range b {
		b[i] = 0
	}
	return n, nil
}

// relinkField completes the hash table link of the field object at p.
func (w *Writer) relinkField(p uint64) error {
	f, err := w.fieldObject(p)
	if err != nil {
		return err
	}
	if found, err := w.findField(f.payload(), f.hash()); err == nil && found == p {
		return nil
	} else if err != nil && err != ErrNotFound {
		return err
	}

	return w.linkIntoHashTable(ObjectFieldHashTable, f.hash(), p)
}

// relinkData completes the hash table and field links of the data
// object at p.
func (w *Writer) relinkData(p uint64) error {
	d, err := w.dataObject(p)
	if err != nil {
		return err
	}
	content, err := w.dataPayload(d)
	if err != nil {
		return err
	}

	if found, err := w.findData(content, d.hash()); err == ErrNotFound {
		if err := w.linkIntoHashTable(ObjectDataHashTable, d.hash(), p); err != nil {
			return err
		}
	} else if err != nil {
		return err
	} else if found != p {
		return corruptf(p, "duplicate data object, first copy at %d", found)
	}

	eq := bytes.IndexByte(content, '=')
	if eq < 1 {
		return nil
	}
	fp, err := w.findField(content[:eq], w.hash(content[:eq]))
	if err == ErrNotFound {
		return corruptf(p, "data object has no field object")
	} else if err != nil {
		return err
	}
	f, err := w.fieldObject(fp)
	if err != nil {
		return err
	}
	if f.headData() != p && d.nextField() == f.headData() {
		f.setHeadData(p)
	}
	return nil
}

// rollback unlinks the entry at p after indexing it failed with cause.
func (w *Writer) rollback(p uint64, cause error) error {
	if _, err := w.unlinkOrphan(p); err != nil {
		return err
	}
	if w.seal != nil {
		if err := w.resumeSeal(); err != nil {
			return err
		}
	}
	return cause
}

// unlinkOrphan rolls back the entry at p if it was never published. It
// returns p if the entry was an orphan, 0 otherwise.
func (w *Writer) unlinkOrphan(p uint64) (uint64, error) {
	h := w.s.header()
	n := h.nEntries()
	if n != 0 {
		c, err := w.globalChain()
		if err != nil {
			return 0, err
		}
		last, err := c.at(n - 1)
		if err != nil {
			return 0, err
		}
		if p <= last {
			return 0, nil
		}
	}

	e, err := w.entryObject(p)
	if err != nil {
		return 0, err
	}
	for i := 0; i < e.nItems(); i++ {
		off, _ := e.item(i)
		if err := w.unlinkFromData(off, p); err != nil {
			return 0, err
		}
	}
	if err := w.clearArrayItem(h.u64(hdrEntryArrayOffset), n); err != nil {
		return 0, err
	}

	h.setU64(hdrTailEntrySeqnum, e.seqnum()-1)
	if n == 0 {
		h.setU64(hdrHeadEntrySeqnum, 0)
		h.setU64(hdrHeadEntryRealtime, 0)
		h.setU64(hdrTailEntryRealtime, 0)
		h.setU64(hdrTailEntryMonotonic, 0)
	} else {
		c, err := w.globalChain()
		if err != nil {
			return 0, err
		}
		lp, err := c.at(n - 1)
		if err != nil {
			return 0, err
		}
		last, err := w.entryObject(lp)
		if err != nil {
			return 0, err
		}
		h.setU64(hdrTailEntryRealtime, last.realtime())
		h.setU64(hdrTailEntryMonotonic, last.monotonic())
	}

	e.b[0] = byte(ObjectUnused)
	return p, nil
}

// unlinkFromData removes entry p from the end of the per-value chain of
// the data object at off, if it was linked there.
func (w *Writer) unlinkFromData(off, p uint64) error {
	d, err := w.dataObject(off)
	if err != nil {
		return err
	}
	c, err := w.dataChain(off)
	if err != nil {
		return err
	}
	if c.n == 0 {
		return nil
	}
	last, err := c.at(c.n - 1)
	if err != nil {
		return err
	}
	if last != p {
		return nil
	}

	n := c.n - 1
	if n == 0 {
		d.setEntry(0)
	} else if err := w.clearArrayItem(d.entryArray(), n-1); err != nil {
		return err
	}
	d.publishNEntries(n)
	return nil
}
