package journal

import (
	"encoding/binary"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/google/uuid"
)

const headerSize = 288

// header field offsets
const (
	hdrSignature            = 0   // [8]byte
	hdrCompatibleFlags      = 8   // uint32
	hdrIncompatibleFlags    = 12  // uint32
	hdrState                = 16  // uint8, 7 bytes reserved
	hdrFileID               = 24  // [16]byte
	hdrMachineID            = 40  // [16]byte
	hdrBootID               = 56  // [16]byte
	hdrSeqnumID             = 72  // [16]byte
	hdrHeaderSize           = 88  // uint64
	hdrCreatedRealtime      = 96  // uint64, usec
	hdrDataHashTableOffset  = 104 // uint64
	hdrDataHashTableSize    = 112 // uint64
	hdrFieldHashTableOffset = 120 // uint64
	hdrFieldHashTableSize   = 128 // uint64
	hdrTailObjectOffset     = 136 // uint64, published
	hdrNObjects             = 144 // uint64
	hdrNEntries             = 152 // uint64, published
	hdrTailEntrySeqnum      = 160 // uint64
	hdrHeadEntrySeqnum      = 168 // uint64
	hdrEntryArrayOffset     = 176 // uint64
	hdrHeadEntryRealtime    = 184 // uint64
	hdrTailEntryRealtime    = 192 // uint64
	hdrTailEntryMonotonic   = 200 // uint64
	hdrNData                = 208 // uint64
	hdrNFields              = 216 // uint64
	hdrNTags                = 224 // uint64
	hdrNEntryArrays         = 232 // uint64
	hdrArenaSize            = 240 // uint64
	hdrTailTagOffset        = 248 // uint64
	hdrHashSeed             = 256 // [32]byte
)

// compatible flags
const (
	flagSealed uint32 = 1 << 0

	knownCompatibleFlags = flagSealed
)

// incompatible flags, mirroring the data object compression flags
const (
	flagCompressedSnappy uint32 = 1 << 0
	flagCompressedLZ4    uint32 = 1 << 1
	flagCompressedZstd   uint32 = 1 << 2

	knownIncompatibleFlags = flagCompressedSnappy | flagCompressedLZ4 | flagCompressedZstd
)

// header is a view of the mmap-resident file header. Fields marked as
// published above are written with an atomic store once everything they
// describe is in place; readers load them atomically.
type header []byte

func (h header) u64(off int) uint64 { return binary.LittleEndian.Uint64(h[off:]) }

func (h header) setU64(off int, v uint64) { binary.LittleEndian.PutUint64(h[off:], v) }

func (h header) u32(off int) uint32 { return binary.LittleEndian.Uint32(h[off:]) }

func (h header) setU32(off int, v uint32) { binary.LittleEndian.PutUint32(h[off:], v) }

func (h header) id(off int) (u uuid.UUID) {
	copy(u[:], h[off:off+16])
	return
}

func (h header) setID(off int, u uuid.UUID) { copy(h[off:off+16], u[:]) }

func (h header) validSignature() bool {
	return string(h[hdrSignature:hdrSignature+8]) == string(signature[:])
}

func (h header) state() State { return State(h[hdrState]) }
func (h header) setState(s State) { h[hdrState] = byte(s) }
func (h header) compatible() uint32 { return h.u32(hdrCompatibleFlags) }
func (h header) incompatible() uint32 { return h.u32(hdrIncompatibleFlags) }
func (h header) sealed() bool { return h.compatible()&flagSealed != 0 }

func (h header) tailObject() uint64 { return loadU64(h, hdrTailObjectOffset) }
func (h header) nEntries() uint64 { return loadU64(h, hdrNEntries) }

func (h header) hashSeed() []byte { return h[hdrHashSeed : hdrHashSeed+32] }

// loadU64 atomically loads the little-endian word at b[off:].
func loadU64(b []byte, off int) uint64 {
	n := atomic.LoadUint64((*uint64)(unsafe.Pointer(&b[off])))
	var tmp [8]byte
	binary.NativeEndian.PutUint64(tmp[:], n)
	return binary.LittleEndian.Uint64(tmp[:])
}

// publishU64 atomically stores v as a little-endian word at b[off:]. All
// preceding writes to the mapping happen before it.
func publishU64(b []byte, off int, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&b[off])), binary.NativeEndian.Uint64(tmp[:]))
}

// --------------------------------------------------------------------

// Header is a decoded snapshot of a file header.
type Header struct {
	FileID    uuid.UUID
	MachineID uuid.UUID
	BootID    uuid.UUID
	SeqnumID  uuid.UUID

	State       State
	Compression Compression
	Sealed      bool

	Created         time.Time
	HeadRealtime    time.Time
	TailRealtime    time.Time
	TailMonotonic   time.Duration
	HeadEntrySeqnum uint64
	TailEntrySeqnum uint64

	HeaderSize     uint64
	ArenaSize      uint64
	TailObject     uint64
	DataBuckets    uint64
	FieldBuckets   uint64
	NObjects       uint64
	NEntries       uint64
	NData          uint64
	NFields        uint64
	NTags          uint64
	NEntryArrays   uint64
	DataTableFill  float64
	FieldTableFill float64
}

func (h header) snapshot() Header {
	hs := Header{
		FileID:          h.id(hdrFileID),
		MachineID:       h.id(hdrMachineID),
		BootID:          h.id(hdrBootID),
		SeqnumID:        h.id(hdrSeqnumID),
		State:           h.state(),
		Compression:     compressionFromFlags(h.incompatible()),
		Sealed:          h.sealed(),
		Created:         usecTime(h.u64(hdrCreatedRealtime)),
		HeadRealtime:    usecTime(h.u64(hdrHeadEntryRealtime)),
		TailRealtime:    usecTime(h.u64(hdrTailEntryRealtime)),
		TailMonotonic:   time.Duration(h.u64(hdrTailEntryMonotonic)) * time.Microsecond,
		HeadEntrySeqnum: h.u64(hdrHeadEntrySeqnum),
		TailEntrySeqnum: h.u64(hdrTailEntrySeqnum),
		HeaderSize:      h.u64(hdrHeaderSize),
		ArenaSize:       h.u64(hdrArenaSize),
		TailObject:      h.tailObject(),
		DataBuckets:     h.u64(hdrDataHashTableSize) / hashItemSize,
		FieldBuckets:    h.u64(hdrFieldHashTableSize) / hashItemSize,
		NObjects:        h.u64(hdrNObjects),
		NEntries:        h.nEntries(),
		NData:           h.u64(hdrNData),
		NFields:         h.u64(hdrNFields),
		NTags:           h.u64(hdrNTags),
		NEntryArrays:    h.u64(hdrNEntryArrays),
	}
	if hs.DataBuckets != 0 {
		hs.DataTableFill = float64(hs.NData) / float64(hs.DataBuckets)
	}
	if hs.FieldBuckets != 0 {
		hs.FieldTableFill = float64(hs.NFields) / float64(hs.FieldBuckets)
	}
	return hs
}

func usecTime(usec uint64) time.Time {
	if usec == 0 {
		return time.Time{}
	}
	return time.UnixMicro(int64(usec))
}

func timeUsec(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixMicro())
}
