package journal

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// ObjectType tags every object stored in a file.
type ObjectType uint8

// Object types.
const (
	ObjectUnused ObjectType = iota
	ObjectData
	ObjectField
	ObjectEntry
	ObjectDataHashTable
	ObjectFieldHashTable
	ObjectEntryArray
	ObjectTag
	objectTypeMax
)

func (t ObjectType) String() string {
	switch t {
	case ObjectUnused:
		return "UNUSED"
	case ObjectData:
		return "DATA"
	case ObjectField:
		return "FIELD"
	case ObjectEntry:
		return "ENTRY"
	case ObjectDataHashTable:
		return "DATA_HASH_TABLE"
	case ObjectFieldHashTable:
		return "FIELD_HASH_TABLE"
	case ObjectEntryArray:
		return "ENTRY_ARRAY"
	case ObjectTag:
		return "TAG"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// object flags, data objects only
const (
	objectCompressedSnappy uint8 = 1 << 0
	objectCompressedLZ4    uint8 = 1 << 1
	objectCompressedZstd   uint8 = 1 << 2

	objectCompressionMask = objectCompressedSnappy | objectCompressedLZ4 | objectCompressedZstd
)

// Object layouts. Every object starts with the common envelope:
//
//	type (1) | flags (1) | reserved (6) | size (8)
//
// followed by the type-specific payload.
const (
	objectHeaderSize = 16

	// data: hash | next hash | next field | entry | entry array | n entries | payload
	dataHeaderSize = objectHeaderSize + 48
	// field: hash | next hash | head data | payload
	fieldHeaderSize = objectHeaderSize + 24
	// entry: seqnum | realtime | monotonic | boot id (16) | xor hash | items
	entryHeaderSize = objectHeaderSize + 48
	entryItemSize   = 16
	// hash table: items (head, tail)
	hashTableHeaderSize = objectHeaderSize
	hashItemSize        = 16
	// entry array: next | items
	entryArrayHeaderSize = objectHeaderSize + 8
	entryArrayItemSize   = 8
	// tag: seqnum | epoch | tag (32)
	tagObjectSize = objectHeaderSize + 48
	tagSize       = 32
)

func align8(n uint64) uint64 { return (n + 7) &^ 7 }

// object is a bounds-checked view of a single object. The backing slice
// aliases the file mapping and is only valid while the store is open.
type object struct {
	off uint64
	b   []byte
}

func (o object) typ() ObjectType { return ObjectType(o.b[0]) }
func (o object) flags() uint8 { return o.b[1] }
func (o object) size() uint64 { return uint64(len(o.b)) }

func (o object) u64(at int) uint64 { return binary.LittleEndian.Uint64(o.b[at:]) }

func (o object) setU64(at int, v uint64) { binary.LittleEndian.PutUint64(o.b[at:], v) }

// initObject writes a fresh envelope over zeroed space.
func initObject(b []byte, typ ObjectType, flags uint8) {
	for i := range b {
		b[i] = 0
	}
	b[0] = byte(typ)
	b[1] = flags
	binary.LittleEndian.PutUint64(b[8:], uint64(len(b)))
}

// checkLayout validates the size of an object against the fixed layout
// of its type.
func checkLayout(typ ObjectType, size uint64) error {
	switch typ {
	case ObjectUnused:
		return nil
	case ObjectData:
		if size < dataHeaderSize {
			return fmt.Errorf("data object too small (%d bytes)", size)
		}
	case ObjectField:
		if size < fieldHeaderSize {
			return fmt.Errorf("field object too small (%d bytes)", size)
		}
	case ObjectEntry:
		if size < entryHeaderSize+entryItemSize || (size-entryHeaderSize)%entryItemSize != 0 {
			return fmt.Errorf("bad entry object size %d", size)
		}
	case ObjectDataHashTable, ObjectFieldHashTable:
		if size <= hashTableHeaderSize || (size-hashTableHeaderSize)%hashItemSize != 0 {
			return fmt.Errorf("bad hash table size %d", size)
		}
	case ObjectEntryArray:
		if size <= entryArrayHeaderSize || (size-entryArrayHeaderSize)%entryArrayItemSize != 0 {
			return fmt.Errorf("bad entry array size %d", size)
		}
	case ObjectTag:
		if size != tagObjectSize {
			return fmt.Errorf("bad tag object size %d", size)
		}
	default:
		return fmt.Errorf("unknown object type %d", uint8(typ))
	}
	return nil
}

// --------------------------------------------------------------------

type dataObject struct{ object }

func (d dataObject) hash() uint64 { return d.u64(16) }
func (d dataObject) nextHash() uint64 { return d.u64(24) }
func (d dataObject) nextField() uint64 { return d.u64(32) }
func (d dataObject) entry() uint64 { return d.u64(40) }
func (d dataObject) entryArray() uint64 { return d.u64(48) }
func (d dataObject) nEntries() uint64 { return loadU64(d.b, 56) }
func (d dataObject) payload() []byte { return d.b[dataHeaderSize:] }
func (d dataObject) compression() Compression { return compressionFromObjectFlags(d.flags()) }

func (d dataObject) setHash(v uint64) { d.setU64(16, v) }
func (d dataObject) setNextHash(v uint64) { d.setU64(24, v) }
func (d dataObject) setNextField(v uint64) { d.setU64(32, v) }
func (d dataObject) setEntry(v uint64) { d.setU64(40, v) }
func (d dataObject) setEntryArray(v uint64) { d.setU64(48, v) }
func (d dataObject) publishNEntries(v uint64) { publishU64(d.b, 56, v) }

type fieldObject struct{ object }

func (f fieldObject) hash() uint64 { return f.u64(16) }
func (f fieldObject) nextHash() uint64 { return f.u64(24) }
func (f fieldObject) headData() uint64 { return f.u64(32) }
func (f fieldObject) payload() []byte { return f.b[fieldHeaderSize:] }
func (f fieldObject) setHash(v uint64) { f.setU64(16, v) }
func (f fieldObject) setNextHash(v uint64) { f.setU64(24, v) }
func (f fieldObject) setHeadData(v uint64) { f.setU64(32, v) }

type entryObject struct{ object }

func (e entryObject) seqnum() uint64 { return e.u64(16) }
func (e entryObject) realtime() uint64 { return e.u64(24) }
func (e entryObject) monotonic() uint64 { return e.u64(32) }
func (e entryObject) xorHash() uint64 { return e.u64(56) }
func (e entryObject) nItems() int { return (len(e.b) - entryHeaderSize) / entryItemSize }

func (e entryObject) setSeqnum(v uint64) { e.setU64(16, v) }
func (e entryObject) setRealtime(v uint64) { e.setU64(24, v) }
func (e entryObject) setMonotonic(v uint64) { e.setU64(32, v) }
func (e entryObject) setBootID(u uuid.UUID) { copy(e.b[40:56], u[:]) }
func (e entryObject) setXorHash(v uint64) { e.setU64(56, v) }

func (e entryObject) bootID() (u uuid.UUID) {
	copy(u[:], e.b[40:56])
	return
}

func (e entryObject) item(i int) (offset, hash uint64) {
	at := entryHeaderSize + i*entryItemSize
	return e.u64(at), e.u64(at + 8)
}

func (e entryObject) setItem(i int, offset, hash uint64) {
	at := entryHeaderSize + i*entryItemSize
	e.setU64(at, offset)
	e.setU64(at+8, hash)
}

type hashTableObject struct{ object }

func (t hashTableObject) buckets() uint64 {
	return (t.size() - hashTableHeaderSize) / hashItemSize
}

func (t hashTableObject) bucket(i uint64) (head, tail uint64) {
	at := hashTableHeaderSize + int(i)*hashItemSize
	return t.u64(at), t.u64(at + 8)
}

func (t hashTableObject) setBucket(i uint64, head, tail uint64) {
	at := hashTableHeaderSize + int(i)*hashItemSize
	t.setU64(at, head)
	t.setU64(at+8, tail)
}

type entryArrayObject struct{ object }

func (a entryArrayObject) next() uint64 { return a.u64(16) }
func (a entryArrayObject) capacity() uint64 {
	return (a.size() - entryArrayHeaderSize) / entryArrayItemSize
}
func (a entryArrayObject) item(i uint64) uint64 {
	return a.u64(entryArrayHeaderSize + int(i)*entryArrayItemSize)
}
func (a entryArrayObject) setNext(v uint64) { a.setU64(16, v) }
func (a entryArrayObject) setItem(i uint64, v uint64) {
	a.setU64(entryArrayHeaderSize+int(i)*entryArrayItemSize, v)
}

type tagObject struct{ object }

func (t tagObject) seqnum() uint64 { return t.u64(16) }
func (t tagObject) epoch() uint64 { return t.u64(24) }
func (t tagObject) tag() []byte { return t.b[32 : 32+tagSize] }
func (t tagObject) setSeqnum(v uint64) { t.setU64(16, v) }
func (t tagObject) setEpoch(v uint64) { t.setU64(24, v) }

// --------------------------------------------------------------------

func compressionFromObjectFlags(flags uint8) Compression {
	switch flags & objectCompressionMask {
	case 0:
		return NoCompression
	case objectCompressedSnappy:
		return SnappyCompression
	case objectCompressedLZ4:
		return LZ4Compression
	case objectCompressedZstd:
		return ZstdCompression
	default:
		return unknownCompression
	}
}

func (c Compression) objectFlag() uint8 {
	switch c {
	case SnappyCompression:
		return objectCompressedSnappy
	case LZ4Compression:
		return objectCompressedLZ4
	case ZstdCompression:
		return objectCompressedZstd
	}
	return 0
}

func compressionFromFlags(incompatible uint32) Compression {
	return compressionFromObjectFlags(uint8(incompatible & knownIncompatibleFlags))
}

func (c Compression) headerFlag() uint32 { return uint32(c.objectFlag()) }
