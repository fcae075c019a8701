package journal

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

// Options define writer specific options.
type Options struct {
	// The compression codec for new files. Existing files keep the codec
	// they were created with.
	// Default: SnappyCompression.
	Compression Compression

	// CompressThreshold is the minimum size in bytes of a NAME=value
	// payload before compression is attempted. Payloads shorter than
	// MinCompressSize are never compressed, so zero compresses everything
	// else. Negative values select DefaultCompressThreshold.
	CompressThreshold int

	// CodecMinSize optionally raises the compression floor per codec.
	CodecMinSize map[Compression]int

	// Seal enables forward-secure sealing for new files. The state is
	// evolved in place; callers should persist it after use.
	Seal *SealState

	// Identity provides the machine and boot IDs.
	// Default: SystemIdentity().
	Identity Identity

	// Clock provides the file creation time.
	// Default: SystemClock().
	Clock Clock

	// Number of buckets of the data and field hash tables of new files.
	// Default: 2047 and 333.
	DataHashTableBuckets  int
	FieldHashTableBuckets int

	// MaxFileSize limits the size of the file. Appends that would
	// exceed it fail with ErrFileFull.
	// Default: 0 (unlimited).
	MaxFileSize int64

	// Mode is the permission of new files.
	// Default: 0640.
	Mode os.FileMode

	// NoCreate makes OpenWriter fail on missing files.
	NoCreate bool

	// Logger receives diagnostics.
	// Default: discarded.
	Logger logrus.FieldLogger

	// Metrics, if set, is updated by all writers using these options.
	Metrics *Metrics
}

func (o *Options) norm() *Options {
	var oo Options
	if o != nil {
		oo = *o
	}

	if !oo.Compression.isValid() {
		oo.Compression = SnappyCompression
	}
	if oo.CompressThreshold < 0 {
		oo.CompressThreshold = DefaultCompressThreshold
	}
	if oo.Identity == nil {
		oo.Identity = SystemIdentity()
	}
	if oo.Clock == nil {
		oo.Clock = SystemClock()
	}
	if oo.DataHashTableBuckets < 1 {
		oo.DataHashTableBuckets = 2047
	}
	if oo.FieldHashTableBuckets < 1 {
		oo.FieldHashTableBuckets = 333
	}
	if oo.MaxFileSize < 0 {
		oo.MaxFileSize = 0
	}
	if oo.Mode == 0 {
		oo.Mode = 0640
	}
	if oo.Logger == nil {
		l := logrus.New()
		l.Out = io.Discard
		oo.Logger = l
	}

	return &oo
}

// template carries the identity a rotated file passes to its successor.
type template struct {
	seqnumID   uuid.UUID
	tailSeqnum uint64
	machineID  uuid.UUID
	bootID     uuid.UUID
}

// Writer appends entries to a journal file. Only one Writer may hold a
// file at a time; this is not enforced.
type Writer struct {
	*Reader
	o   *Options
	log logrus.FieldLogger

	next   uint64 // offset of the next object
	bootID uuid.UUID
	codec  Compression
	seal   *sealer
	broken error
}

// OpenWriter opens name for appending, creating it unless o.NoCreate is
// set. Files that were not closed cleanly are repaired first.
func OpenWriter(name string, o *Options) (*Writer, error) {
	return openWriter(name, o.norm(), nil)
}

func openWriter(name string, o *Options, tmpl *template) (*Writer, error) {
	w := &Writer{
		Reader: &Reader{name: name},
		o:      o,
		log:    o.Logger.WithField("file", name),
	}

	for {
		s, err := openStore(name, os.O_RDWR, 0)
		if err == nil {
			w.s = s
			if err := w.openExisting(); err != nil {
				_ = s.close()
				return nil, err
			}
			return w, nil
		}
		if !os.IsNotExist(err) || o.NoCreate {
			return nil, errors.Wrap(err, "journal: open")
		}

		if err := w.createFile(tmpl); err == nil {
			return w, nil
		} else if !os.IsExist(errors.Cause(err)) {
			return nil, err
		}
		// lost a race against another creator, open theirs
	}
}

// createFile initialises a new file under a temporary name and links it
// into place, so that no partially initialised file is ever visible.
func (w *Writer) createFile(tmpl *template) error {
	dir, base := filepath.Split(w.name)
	f, err := os.CreateTemp(dir, "."+base+".*")
	if err != nil {
		return errors.Wrap(err, "journal: create")
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if err := f.Chmod(w.o.Mode); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "journal: create")
	}
	w.s = &store{f: f, writable: true}

	if err := w.initFile(tmpl); err != nil {
		_ = w.s.close()
		return err
	}
	if err := w.s.sync(); err != nil {
		_ = w.s.close()
		return err
	}
	if err := os.Link(tmp, w.name); err != nil {
		_ = w.s.close()
		return errors.Wrap(err, "journal: create")
	}

	w.log.WithFields(logrus.Fields{
		"file_id":    w.s.header().id(hdrFileID),
		"seqnum_id":  w.s.header().id(hdrSeqnumID),
		"compressed": w.codec != NoCompression,
		"sealed":     w.seal != nil,
	}).Debug("created journal file")
	return nil
}

func (w *Writer) initFile(tmpl *template) error {
	dataTable := uint64(hashTableHeaderSize + w.o.DataHashTableBuckets*hashItemSize)
	fieldTable := uint64(hashTableHeaderSize + w.o.FieldHashTableBuckets*hashItemSize)
	if err := w.s.grow(headerSize+align8(dataTable)+fieldTable, w.o.MaxFileSize); err != nil {
		return err
	}

	var (
		seqnumID, machineID uuid.UUID
		tailSeqnum          uint64
		err                 error
	)
	if tmpl != nil {
		seqnumID, tailSeqnum = tmpl.seqnumID, tmpl.tailSeqnum
		machineID, w.bootID = tmpl.machineID, tmpl.bootID
	} else {
		seqnumID = uuid.New()
		if machineID, err = w.o.Identity.MachineID(); err != nil {
			return err
		}
		if w.bootID, err = w.o.Identity.BootID(); err != nil {
			return err
		}
	}
	now := w.o.Clock.Now()

	h := w.s.header()
	copy(h[hdrSignature:], signature[:])
	h.setState(StateOnline)
	h.setID(hdrFileID, uuid.New())
	h.setID(hdrMachineID, machineID)
	h.setID(hdrBootID, w.bootID)
	h.setID(hdrSeqnumID, seqnumID)
	h.setU64(hdrHeaderSize, headerSize)
	h.setU64(hdrCreatedRealtime, timeUsec(now.Realtime))
	h.setU64(hdrTailEntrySeqnum, tailSeqnum)
	h.setU64(hdrDataHashTableOffset, headerSize+objectHeaderSize)
	h.setU64(hdrDataHashTableSize, dataTable-objectHeaderSize)
	h.setU64(hdrFieldHashTableOffset, headerSize+align8(dataTable)+objectHeaderSize)
	h.setU64(hdrFieldHashTableSize, fieldTable-objectHeaderSize)
	if _, err := io.ReadFull(rand.Reader, h.hashSeed()); err != nil {
		return errors.Wrap(err, "journal: generate hash seed")
	}

	w.codec = w.o.Compression
	if w.codec != NoCompression {
		h.setU32(hdrIncompatibleFlags, w.codec.headerFlag())
	}
	if w.o.Seal != nil {
		h.setU32(hdrCompatibleFlags, flagSealed)
	}
	if w.hasher, err = blake3.NewKeyed(h.hashSeed()); err != nil {
		return err
	}
	if w.o.Seal != nil {
		if w.seal, err = newSealer(w.o.Seal, now.Realtime); err != nil {
			return err
		}
		w.seal.putHeader(h)
	}

	w.next = headerSize
	for _, t := range []struct {
		typ  ObjectType
		size uint64
	}{
		{ObjectDataHashTable, dataTable},
		{ObjectFieldHashTable, fieldTable},
	} {
		o, err := w.alloc(t.typ, t.size, 0)
		if err != nil {
			return err
		}
		w.commit(o)
	}
	return nil
}

func (w *Writer) openExisting() error {
	w.seal = nil
	if err := w.init(); err != nil {
		return err
	}

	h := w.s.header()
	switch h.state() {
	case StateArchived:
		return errors.Errorf("journal: %s is archived", w.name)
	case StateOnline:
		if err := w.recover(); err != nil {
			return err
		}
	}

	w.codec = compressionFromFlags(h.incompatible())
	w.bootID = h.id(hdrBootID)
	if id, err := w.o.Identity.BootID(); err == nil {
		w.bootID = id
	}

	tail, err := w.moveTo(ObjectUnused, h.tailObject())
	if err != nil {
		return err
	}
	w.next = align8(tail.off + tail.size())

	if h.sealed() {
		if w.o.Seal == nil {
			return errors.Errorf("journal: %s is sealed but no seal state is configured", w.name)
		}
		if err := w.resumeSeal(); err != nil {
			return err
		}
	}

	h.setState(StateOnline)
	if err := w.s.sync(); err != nil {
		return err
	}
	w.log.WithField("entries", h.nEntries()).Debug("opened journal file")
	return nil
}

// --------------------------------------------------------------------

// alloc reserves a zeroed object at the tail. The object stays invisible
// until it is committed.
func (w *Writer) alloc(typ ObjectType, size uint64, flags uint8) (object, error) {
	off := w.next
	if err := w.s.grow(off+size, w.o.MaxFileSize); err != nil {
		return object{}, err
	}
	b := w.s.data[off : off+size : off+size]
	initObject(b, typ, flags)
	return object{off: off, b: b}, nil
}

// commit publishes a fully written object as the new tail. Nothing may
// link to an object before it is committed.
func (w *Writer) commit(o object) {
	if w.seal != nil {
		w.seal.putObject(o)
	}

	h := w.s.header()
	h.setU64(hdrNObjects, h.u64(hdrNObjects)+1)
	h.setU64(hdrArenaSize, align8(o.off+o.size())-headerSize)
	publishU64(h, hdrTailObjectOffset, o.off)
	w.next = align8(o.off + o.size())
	w.o.Metrics.objectAdded(o.typ())
}

func (w *Writer) allocEntryArray(capacity uint64) (entryArrayObject, error) {
	o, err := w.alloc(ObjectEntryArray, entryArrayHeaderSize+capacity*entryArrayItemSize, 0)
	if err != nil {
		return entryArrayObject{}, err
	}
	w.commit(o)

	h := w.s.header()
	h.setU64(hdrNEntryArrays, h.u64(hdrNEntryArrays)+1)
	return entryArrayObject{o}, nil
}

// --------------------------------------------------------------------

// AppendEntry appends an entry and returns its sequence number. Fields
// are stored in the given order.
func (w *Writer) AppendEntry(ts DualTimestamp, fields ...Field) (uint64, error) {
	if w.s == nil {
		return 0, errClosed
	}
	if w.broken != nil {
		return 0, w.broken
	}
	if len(fields) == 0 {
		return 0, errNoFields
	}
	for _, f := range fields {
		if err := validateFieldName(f.Name); err != nil {
			return 0, err
		}
	}

	seqnum, err := w.appendEntry(ts, fields)
	if err != nil {
		w.fail(err)
		return 0, err
	}
	w.o.Metrics.entryAdded()
	return seqnum, nil
}

func (w *Writer) appendEntry(ts DualTimestamp, fields []Field) (uint64, error) {
	if w.seal != nil {
		if err := w.sealUntil(ts.Realtime); err != nil {
			return 0, err
		}
	}

	items := make([]EntryItem, len(fields))
	var xor uint64
	for i, f := range fields {
		content := f.content()
		p, hash, err := w.appendData(content)
		if err != nil {
			return 0, err
		}
		items[i] = EntryItem{Offset: p, Hash: hash}
		xor ^= xorHash(content)
	}

	h := w.s.header()
	seqnum := h.u64(hdrTailEntrySeqnum) + 1

	o, err := w.alloc(ObjectEntry, entryHeaderSize+uint64(len(items))*entryItemSize, 0)
	if err != nil {
		return 0, err
	}
	e := entryObject{o}
	e.setSeqnum(seqnum)
	e.setRealtime(timeUsec(ts.Realtime))
	e.setMonotonic(uint64(ts.Monotonic.Microseconds()))
	e.setBootID(w.bootID)
	e.setXorHash(xor)
	for i, it := range items {
		e.setItem(i, it.Offset, it.Hash)
	}
	w.commit(o)

	if err := w.linkEntryItems(o.off, items); err != nil {
		return 0, w.rollback(o.off, err)
	}

	h = w.s.header()
	n := h.nEntries()
	if n == 0 {
		h.setU64(hdrHeadEntrySeqnum, seqnum)
		h.setU64(hdrHeadEntryRealtime, timeUsec(ts.Realtime))
	}
	h.setU64(hdrTailEntrySeqnum, seqnum)
	h.setU64(hdrTailEntryRealtime, timeUsec(ts.Realtime))
	h.setU64(hdrTailEntryMonotonic, uint64(ts.Monotonic.Microseconds()))
	publishU64(h, hdrNEntries, n+1)
	return seqnum, nil
}

func (w *Writer) linkEntryItems(p uint64, items []EntryItem) error {
	if err := w.linkEntry(p); err != nil {
		return err
	}
	for i, it := range items {
		if linkedBefore(items[:i], it.Offset) {
			continue
		}
		if err := w.linkEntryIntoData(it.Offset, p); err != nil {
			return err
		}
	}
	return nil
}

func linkedBefore(items []EntryItem, p uint64) bool {
	for _, it := range items {
		if it.Offset == p {
			return true
		}
	}
	return false
}

// xorHash is an unkeyed content hash, comparable across files.
func xorHash(content []byte) uint64 {
	sum := blake3.Sum256(content)
	return binary.LittleEndian.Uint64(sum[:8])
}

// fail marks the writer unusable after integrity errors.
func (w *Writer) fail(err error) {
	if IsCorrupt(err) && w.broken == nil {
		w.broken = err
		w.log.WithError(err).Error("journal file corrupted, rotation required")
	}
}

// validateFieldName accepts upper-case letters, digits and underscores,
// not starting with a digit.
func validateFieldName(name string) error {
	if name == "" || len(name) > 64 {
		return errors.Wrapf(ErrInvalidField, "bad field name length %d", len(name))
	}
	if name[0] >= '0' && name[0] <= '9' {
		return errors.Wrapf(ErrInvalidField, "field name %q starts with a digit", name)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') && c != '_' {
			return errors.Wrapf(ErrInvalidField, "field name %q contains %q", name, c)
		}
	}
	return nil
}

// RotateSuggested reports whether the file should be rotated because its
// hash tables are getting crowded or it is close to its size limit.
func (w *Writer) RotateSuggested() bool {
	if w.s == nil {
		return false
	}
	hs := w.Header()
	if hs.DataTableFill > 0.75 || hs.FieldTableFill > 0.75 {
		return true
	}
	return w.o.MaxFileSize > 0 && w.next > uint64(w.o.MaxFileSize)/4*3
}

// Sync flushes the file to stable storage.
func (w *Writer) Sync() error {
	if w.s == nil {
		return errClosed
	}
	return w.s.sync()
}

// Close seals pending objects, marks the file as cleanly closed and
// releases it.
func (w *Writer) Close() error {
	return w.close(StateOffline)
}

func (w *Writer) close(state State) error {
	if w.s == nil {
		return errClosed
	}

	var firstErr error
	if w.broken == nil && w.seal != nil && w.seal.pending {
		firstErr = w.AppendTag()
	}
	// broken files stay ONLINE on close so that they are checked on
	// next open, but rotation archives them
	if w.broken == nil || state == StateArchived {
		w.s.header().setState(state)
		if err := w.s.sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := w.Reader.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
