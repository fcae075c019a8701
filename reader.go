package journal

import (
	"bytes"
	"encoding/binary"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
)

// Reader instances can seek and iterate across entries of a journal file.
// A Reader is not safe for concurrent use; open one Reader per goroutine.
type Reader struct {
	s      *store
	name   string
	hasher *blake3.Hasher
}

// OpenReader opens a journal file for reading. The file may be written
// concurrently by a single Writer.
func OpenReader(name string) (*Reader, error) {
	s, err := openStore(name, os.O_RDONLY, 0)
	if err != nil {
		return nil, errors.Wrap(err, "journal: open")
	}
	r := &Reader{s: s, name: name}
	if err := r.init(); err != nil {
		_ = s.close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) init() error {
	size, err := r.s.fileSize()
	if err != nil {
		return err
	}
	if size < headerSize {
		return corruptf(0, "file too small for header (%d bytes)", size)
	}
	if err := r.s.remap(size); err != nil {
		return err
	}

	h := r.s.header()
	switch {
	case !h.validSignature():
		return corruptf(0, "bad signature")
	case h.u64(hdrHeaderSize) != headerSize:
		return errors.Wrapf(ErrIncompatible, "unsupported header size %d", h.u64(hdrHeaderSize))
	case h.incompatible()&^knownIncompatibleFlags != 0:
		return errors.Wrapf(ErrIncompatible, "unknown incompatible flags %#x", h.incompatible())
	case h.compatible()&^knownCompatibleFlags != 0:
		return errors.Wrapf(ErrIncompatible, "unknown compatible flags %#x", h.compatible())
	}

	r.hasher, err = blake3.NewKeyed(h.hashSeed())
	return err
}

// Name returns the file name.
func (r *Reader) Name() string { return r.name }

// Header returns a snapshot of the current file header. A closed reader
// returns a zero Header.
func (r *Reader) Header() Header {
	if r.s == nil {
		return Header{}
	}
	return r.s.header().snapshot()
}

// Close closes the reader and unmaps the file.
func (r *Reader) Close() error {
	if r.s == nil {
		return errClosed
	}
	err := r.s.close()
	r.s = nil
	return err
}

func (r *Reader) hash(content []byte) uint64 {
	r.hasher.Reset()
	_, _ = r.hasher.Write(content)
	var sum [8]byte
	_, _ = r.hasher.Digest().Read(sum[:])
	return binary.LittleEndian.Uint64(sum[:])
}

// --------------------------------------------------------------------

// moveTo returns a validated view of the object at off. Use ObjectUnused
// to accept any type.
func (r *Reader) moveTo(typ ObjectType, off uint64) (object, error) {
	if r.s == nil {
		return object{}, errClosed
	}
	if off%8 != 0 {
		return object{}, corruptf(off, "misaligned object offset")
	}
	if off < headerSize || off > r.s.header().tailObject() {
		return object{}, corruptf(off, "object offset out of range")
	}

	env, err := r.s.bytes(off, objectHeaderSize)
	if err != nil {
		return object{}, err
	}
	otyp := ObjectType(env[0])
	size := binary.LittleEndian.Uint64(env[8:])
	if size < objectHeaderSize {
		return object{}, corruptf(off, "object size %d too small", size)
	}
	if typ != ObjectUnused && otyp != typ {
		return object{}, corruptf(off, "expected %s object, found %s", typ, otyp)
	}
	if err := checkLayout(otyp, size); err != nil {
		return object{}, corruptf(off, "%v", err)
	}

	b, err := r.s.bytes(off, size)
	if err != nil {
		return object{}, err
	}
	return object{off: off, b: b}, nil
}

func (r *Reader) dataObject(off uint64) (dataObject, error) {
	o, err := r.moveTo(ObjectData, off)
	return dataObject{o}, err
}

func (r *Reader) fieldObject(off uint64) (fieldObject, error) {
	o, err := r.moveTo(ObjectField, off)
	return fieldObject{o}, err
}

func (r *Reader) entryObject(off uint64) (entryObject, error) {
	o, err := r.moveTo(ObjectEntry, off)
	return entryObject{o}, err
}

func (r *Reader) entryArrayObject(off uint64) (entryArrayObject, error) {
	o, err := r.moveTo(ObjectEntryArray, off)
	return entryArrayObject{o}, err
}

func (r *Reader) hashTable(typ ObjectType) (hashTableObject, error) {
	if r.s == nil {
		return hashTableObject{}, errClosed
	}
	h := r.s.header()
	var off uint64
	if typ == ObjectDataHashTable {
		off = h.u64(hdrDataHashTableOffset) - objectHeaderSize
	} else {
		off = h.u64(hdrFieldHashTableOffset) - objectHeaderSize
	}
	o, err := r.moveTo(typ, off)
	return hashTableObject{o}, err
}

// --------------------------------------------------------------------

// Field is a single field of an entry.
type Field struct {
	Name  string
	Value []byte
}

// String returns the NAME=value form.
func (f Field) String() string { return string(f.content()) }

func (f Field) content() []byte {
	b := make([]byte, 0, len(f.Name)+1+len(f.Value))
	b = append(b, f.Name...)
	b = append(b, '=')
	return append(b, f.Value...)
}

func parseField(content []byte) Field {
	if i := bytes.IndexByte(content, '='); i > -1 {
		return Field{Name: string(content[:i]), Value: content[i+1:]}
	}
	return Field{Value: content}
}

// EntryItem references the data object of one entry field.
type EntryItem struct {
	Offset uint64
	Hash   uint64
}

// Entry is a decoded entry object.
type Entry struct {
	Offset    uint64
	Seqnum    uint64
	Realtime  time.Time
	Monotonic time.Duration
	BootID    uuid.UUID
	XorHash   uint64
	Items     []EntryItem
}

func (r *Reader) entry(off uint64) (*Entry, error) {
	e, err := r.entryObject(off)
	if err != nil {
		return nil, err
	}

	ent := &Entry{
		Offset:    off,
		Seqnum:    e.seqnum(),
		Realtime:  usecTime(e.realtime()),
		Monotonic: time.Duration(e.monotonic()) * time.Microsecond,
		BootID:    e.bootID(),
		XorHash:   e.xorHash(),
		Items:     make([]EntryItem, e.nItems()),
	}
	for i := range ent.Items {
		ent.Items[i].Offset, ent.Items[i].Hash = e.item(i)
		if ent.Items[i].Offset >= off {
			return nil, corruptf(off, "entry item %d references a later object", i)
		}
	}
	return ent, nil
}

// Fields resolves and decompresses all fields of an entry, in the order
// they were appended.
func (r *Reader) Fields(e *Entry) ([]Field, error) {
	fields := make([]Field, 0, len(e.Items))
	for _, it := range e.Items {
		content, err := r.Data(it.Offset)
		if err != nil {
			return nil, err
		}
		fields = append(fields, parseField(content))
	}
	return fields, nil
}

// Data returns a copy of the decompressed payload of the data object at
// off.
func (r *Reader) Data(off uint64) ([]byte, error) {
	d, err := r.dataObject(off)
	if err != nil {
		return nil, err
	}
	return r.dataPayload(d)
}

// RawData returns a copy of the payload of the data object at off as it
// is stored, together with the codec it is compressed with.
func (r *Reader) RawData(off uint64) ([]byte, Compression, error) {
	d, err := r.dataObject(off)
	if err != nil {
		return nil, NoCompression, err
	}
	c := d.compression()
	if c == unknownCompression {
		return nil, c, corruptf(off, "unknown compression flags %#x", d.flags())
	}
	return append([]byte(nil), d.payload()...), c, nil
}

func (r *Reader) dataPayload(d dataObject) ([]byte, error) {
	c := d.compression()
	if c == NoCompression {
		return append([]byte(nil), d.payload()...), nil
	}
	plain, err := decompress(c, d.payload())
	if err != nil {
		return nil, corruptf(d.off, "%v", err)
	}
	return plain, nil
}

// --------------------------------------------------------------------

// NextEntry returns the entry following the one at offset from in the
// given direction. A zero from starts at the first (Up) or last (Down)
// entry. ErrNotFound is returned when there is no such entry.
func (r *Reader) NextEntry(from uint64, d Direction) (*Entry, error) {
	c, err := r.globalChain()
	if err != nil {
		return nil, err
	}
	p, err := c.step(from, d)
	if err != nil {
		return nil, err
	}
	return r.entry(p)
}

// NextEntryForData is like NextEntry but only visits entries that
// reference the data object at dataOffset.
func (r *Reader) NextEntryForData(dataOffset, from uint64, d Direction) (*Entry, error) {
	c, err := r.dataChain(dataOffset)
	if err != nil {
		return nil, err
	}
	p, err := c.step(from, d)
	if err != nil {
		return nil, err
	}
	return r.entry(p)
}

// MoveToEntryBySeqnum bisects the entry index for seqnum. If there is no
// exact match, the closest entry in direction d is returned. ErrNotFound
// is returned if seqnum is beyond the last entry or no entry lies in
// direction d.
func (r *Reader) MoveToEntryBySeqnum(seqnum uint64, d Direction) (*Entry, error) {
	return r.moveToEntryBy(seqnum, d, func(e entryObject) uint64 { return e.seqnum() })
}

// MoveToEntryByRealtime is like MoveToEntryBySeqnum, bisecting by the
// wall-clock timestamp of entries.
func (r *Reader) MoveToEntryByRealtime(t time.Time, d Direction) (*Entry, error) {
	return r.moveToEntryBy(timeUsec(t), d, func(e entryObject) uint64 { return e.realtime() })
}

func (r *Reader) moveToEntryBy(needle uint64, d Direction, key func(entryObject) uint64) (*Entry, error) {
	c, err := r.globalChain()
	if err != nil {
		return nil, err
	}
	p, err := c.seek(needle, d, func(p uint64) (uint64, error) {
		e, err := r.entryObject(p)
		if err != nil {
			return 0, err
		}
		return key(e), nil
	})
	if err != nil {
		return nil, err
	}
	return r.entry(p)
}
