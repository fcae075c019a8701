//go:build !darwin && !linux

package journal

import (
	"os"
	"time"
)

// monotonicNow is zero where no boot clock is available.
func monotonicNow() time.Duration { return 0 }

func freeSpace(dir string) (int64, error) { return 0, ErrUnsupported }

// store is a placeholder; files cannot be opened without shared memory
// mappings.
type store struct {
	f    *os.File
	data []byte
}

func openStore(name string, flag int, perm os.FileMode) (*store, error) {
	return nil, ErrUnsupported
}

func (s *store) fileSize() (int64, error) { return 0, ErrUnsupported }
func (s *store) remap(size int64) error { return ErrUnsupported }
func (s *store) ensure(off, n uint64) error { return ErrUnsupported }
func (s *store) grow(end uint64, limit int64) error { return ErrUnsupported }
func (s *store) bytes(off, n uint64) ([]byte, error) { return nil, ErrUnsupported }
func (s *store) header() header { return header(s.data[:headerSize]) }
func (s *store) sync() error { return ErrUnsupported }
func (s *store) close() error { return ErrUnsupported }
