package journal

import (
	"bytes"
)

// Data and field payloads are deduplicated through two hash tables. Each
// bucket holds the head and tail of a chain of objects with equal bucket
// index, linked in insertion order. Links only ever point forward, which
// keeps chains acyclic; walks verify this.

const maxChainDepth = 1 << 20

// FindData returns the offset of the data object holding content, a
// NAME=value pair. ErrNotFound is returned if no entry ever carried it.
func (r *Reader) FindData(content []byte) (uint64, error) {
	return r.findData(content, r.hash(content))
}

// FindField returns the offset of the field object for name.
func (r *Reader) FindField(name string) (uint64, error) {
	b := []byte(name)
	return r.findField(b, r.hash(b))
}

func (r *Reader) findData(content []byte, hash uint64) (uint64, error) {
	ht, err := r.hashTable(ObjectDataHashTable)
	if err != nil {
		return 0, err
	}

	p, _ := ht.bucket(hash % ht.buckets())
	for depth := 0; p != 0; depth++ {
		d, err := r.dataObject(p)
		if err != nil {
			return 0, err
		}
		if d.hash() == hash {
			payload, err := r.dataPayload(d)
			if err != nil {
				return 0, err
			}
			if bytes.Equal(payload, content) {
				return p, nil
			}
		}

		next := d.nextHash()
		if next != 0 && (next <= p || depth > maxChainDepth) {
			return 0, corruptf(p, "data hash chain loops back to %d", next)
		}
		p = next
	}
	return 0, ErrNotFound
}

func (r *Reader) findField(name []byte, hash uint64) (uint64, error) {
	ht, err := r.hashTable(ObjectFieldHashTable)
	if err != nil {
		return 0, err
	}

	p, _ := ht.bucket(hash % ht.buckets())
	for depth := 0; p != 0; depth++ {
		f, err := r.fieldObject(p)
		if err != nil {
			return 0, err
		}
		if f.hash() == hash && bytes.Equal(f.payload(), name) {
			return p, nil
		}

		next := f.nextHash()
		if next != 0 && (next <= p || depth > maxChainDepth) {
			return 0, corruptf(p, "field hash chain loops back to %d", next)
		}
		p = next
	}
	return 0, ErrNotFound
}

// UniqueValues returns all distinct values ever stored for the named
// field, most recently added first.
func (r *Reader) UniqueValues(name string) ([][]byte, error) {
	fp, err := r.FindField(name)
	if err == ErrNotFound {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	f, err := r.fieldObject(fp)
	if err != nil {
		return nil, err
	}

	var values [][]byte
	for p := f.headData(); p != 0; {
		d, err := r.dataObject(p)
		if err != nil {
			return nil, err
		}
		content, err := r.dataPayload(d)
		if err != nil {
			return nil, err
		}
		values = append(values, parseField(content).Value)

		next := d.nextField()
		if next >= p {
			return nil, corruptf(p, "field data chain loops forward to %d", next)
		}
		p = next
	}
	return values, nil
}

// --------------------------------------------------------------------

// appendField returns the offset of the field object for name, creating
// it if necessary.
func (w *Writer) appendField(name []byte) (fieldObject, error) {
	hash := w.hash(name)
	if p, err := w.findField(name, hash); err == nil {
		return w.fieldObject(p)
	} else if err != ErrNotFound {
		return fieldObject{}, err
	}

	o, err := w.alloc(ObjectField, fieldHeaderSize+uint64(len(name)), 0)
	if err != nil {
		return fieldObject{}, err
	}
	f := fieldObject{o}
	f.setHash(hash)
	copy(f.payload(), name)
	w.commit(o)

	if err := w.linkIntoHashTable(ObjectFieldHashTable, hash, o.off); err != nil {
		return fieldObject{}, err
	}
	h := w.s.header()
	h.setU64(hdrNFields, h.u64(hdrNFields)+1)
	return f, nil
}

// appendData returns the offset and hash of the data object holding
// content, creating and indexing it if necessary.
func (w *Writer) appendData(content []byte) (uint64, uint64, error) {
	hash := w.hash(content)
	if p, err := w.findData(content, hash); err == nil {
		w.o.Metrics.dedupHit()
		return p, hash, nil
	} else if err != ErrNotFound {
		return 0, 0, err
	}

	var fld fieldObject
	if eq := bytes.IndexByte(content, '='); eq > 0 {
		var err error
		if fld, err = w.appendField(content[:eq]); err != nil {
			return 0, 0, err
		}
	}

	payload, codec := w.maybeCompress(content)
	o, err := w.alloc(ObjectData, dataHeaderSize+uint64(len(payload)), codec.objectFlag())
	if err != nil {
		return 0, 0, err
	}
	d := dataObject{o}
	d.setHash(hash)
	copy(d.payload(), payload)
	if codec != NoCompression {
		releaseBuffer(payload)
	}
	if fld.b != nil {
		d.setNextField(fld.headData())
	}
	w.commit(o)

	if err := w.linkIntoHashTable(ObjectDataHashTable, hash, o.off); err != nil {
		return 0, 0, err
	}
	if fld.b != nil {
		fld.setHeadData(o.off)
	}

	h := w.s.header()
	h.setU64(hdrNData, h.u64(hdrNData)+1)
	if codec != NoCompression {
		w.o.Metrics.compressed(codec)
	}
	return o.off, hash, nil
}

// linkIntoHashTable appends the committed object at p to its bucket.
func (w *Writer) linkIntoHashTable(typ ObjectType, hash, p uint64) error {
	ht, err := w.hashTable(typ)
	if err != nil {
		return err
	}

	bucket := hash % ht.buckets()
	head, tail := ht.bucket(bucket)
	if tail == 0 {
		ht.setBucket(bucket, p, p)
		return nil
	}

	prev, err := w.moveTo(ObjectUnused, tail)
	if err != nil {
		return err
	}
	switch prev.typ() {
	case ObjectData:
		dataObject{prev}.setNextHash(p)
	case ObjectField:
		fieldObject{prev}.setNextHash(p)
	default:
		return corruptf(tail, "hash bucket tail is a %s object", prev.typ())
	}
	ht.setBucket(bucket, head, p)
	return nil
}
