package journal

import (
	"fmt"
	"syscall"

	"github.com/pkg/errors"
)

var signature = [8]byte{'B', 'S', 'M', 'J', 'R', 'N', 'L', 0}

// ErrNotFound is returned by lookups that have no (further) match. It
// is a normal negative result, not a failure.
var ErrNotFound = errors.New("journal: not found")

// ErrCorrupt is wrapped by all integrity errors. A file that produced it
// must not be trusted any further; writers should rotate away from it.
var ErrCorrupt = errors.New("journal: file is corrupt")

// ErrSealMismatch is returned by Verify when a stored tag does not match
// the recomputed digest. IsCorrupt reports true for it.
var ErrSealMismatch = errors.New("journal: seal verification failed")

// ErrFileFull is returned by AppendEntry when the configured maximum
// file size would be exceeded. Callers are expected to rotate.
var ErrFileFull = errors.New("journal: file size limit reached")

// ErrInvalidField is returned when an entry carries a malformed field.
var ErrInvalidField = errors.New("journal: invalid field")

// ErrIncompatible is returned when opening a file that uses features
// this package does not know about.
var ErrIncompatible = errors.New("journal: incompatible file")

// ErrNotSealed is returned by sealing operations on files without
// sealing enabled.
var ErrNotSealed = errors.New("journal: file is not sealed")

// ErrUnsupported is returned on platforms without shared memory
// mappings.
var ErrUnsupported = errors.New("journal: platform not supported")

var (
	errClosed   = errors.New("journal: is closed")
	errNoFields = errors.New("journal: entry has no fields")
)

// IsCorrupt reports whether err signals a damaged or tampered file, as
// opposed to a transient failure of the operation.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorrupt) || errors.Is(err, ErrSealMismatch)
}

// IsRetryable reports whether the failed operation may succeed when
// retried on the same file, e.g. after freeing disk space.
func IsRetryable(err error) bool {
	if err == nil || IsCorrupt(err) {
		return false
	}
	for _, errno := range []syscall.Errno{syscall.ENOSPC, syscall.EDQUOT, syscall.EAGAIN, syscall.EINTR} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

func corruptf(offset uint64, format string, args ...interface{}) error {
	return errors.WithMessagef(ErrCorrupt, "offset %d: %s", offset, fmt.Sprintf(format, args...))
}

// --------------------------------------------------------------------

// Compression is the compression codec
type Compression byte

func (c Compression) isValid() bool {
	return c >= SnappyCompression && c < unknownCompression
}

// Supported compression codecs
const (
	SnappyCompression Compression = iota
	LZ4Compression
	ZstdCompression
	NoCompression
	unknownCompression
)

// String returns the codec name.
func (c Compression) String() string {
	switch c {
	case SnappyCompression:
		return "snappy"
	case LZ4Compression:
		return "lz4"
	case ZstdCompression:
		return "zstd"
	case NoCompression:
		return "none"
	default:
		return fmt.Sprintf("unknown(%d)", byte(c))
	}
}

// ParseCompression parses a codec name as returned by String.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "snappy":
		return SnappyCompression, nil
	case "lz4":
		return LZ4Compression, nil
	case "zstd":
		return ZstdCompression, nil
	case "none", "no", "":
		return NoCompression, nil
	default:
		return unknownCompression, errors.Errorf("journal: unknown compression %q", name)
	}
}

// --------------------------------------------------------------------

// Direction selects the traversal order.
type Direction int

const (
	// Up moves towards increasing sequence numbers.
	Up Direction = iota
	// Down moves towards decreasing sequence numbers.
	Down
)

func (d Direction) String() string {
	if d == Down {
		return "down"
	}
	return "up"
}

// State is the lifecycle state recorded in the file header.
type State uint8

// File states.
const (
	StateOffline State = iota
	StateOnline
	StateArchived
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "OFFLINE"
	case StateOnline:
		return "ONLINE"
	case StateArchived:
		return "ARCHIVED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}
