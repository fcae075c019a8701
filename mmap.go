//go:build darwin || linux

package journal

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// growChunk is the granularity in which writers extend files.
const growChunk = 1 << 20

// store owns the file descriptor and the shared mapping of a journal
// file. Mappings are only ever replaced by larger ones; superseded
// mappings stay valid until close so that views handed out earlier never
// dangle.
type store struct {
	f        *os.File
	data     []byte
	retired  [][]byte
	writable bool
}

func openStore(name string, flag int, perm os.FileMode) (*store, error) {
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &store{f: f, writable: flag&(os.O_RDWR|os.O_WRONLY) != 0}, nil
}

func (s *store) fileSize() (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(s.f.Fd()), &st); err != nil {
		return 0, errors.Wrapf(err, "journal: stat %s", s.f.Name())
	}
	return st.Size, nil
}

func (s *store) remap(size int64) error {
	prot := unix.PROT_READ
	if s.writable {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(s.f.Fd()), 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		return errors.Wrapf(err, "journal: mmap %s", s.f.Name())
	}
	if s.data != nil {
		s.retired = append(s.retired, s.data)
	}
	s.data = data
	return nil
}

// ensure makes [off, off+n) addressable, following the file if another
// process has grown it since it was mapped.
func (s *store) ensure(off, n uint64) error {
	end := off + n
	if end < off {
		return corruptf(off, "object range overflows")
	}
	if end <= uint64(len(s.data)) {
		return nil
	}

	size, err := s.fileSize()
	if err != nil {
		return err
	}
	if end > uint64(size) {
		return corruptf(off, "object extends beyond end of file (%d > %d)", end, size)
	}
	return s.remap(size)
}

// grow extends the file so that [0, end) is backed by disk space. The
// file is extended in chunks and never beyond limit, if set.
func (s *store) grow(end uint64, limit int64) error {
	if end <= uint64(len(s.data)) {
		return nil
	}
	if limit > 0 && end > uint64(limit) {
		return ErrFileFull
	}

	size, err := s.fileSize()
	if err != nil {
		return err
	}
	if end <= uint64(size) {
		return s.remap(size)
	}

	target := int64((end + growChunk - 1) / growChunk * growChunk)
	if limit > 0 && target > limit {
		target = limit
	}
	if err := allocate(s.f, size, target-size); err != nil {
		return errors.Wrapf(err, "journal: extend %s to %d bytes", s.f.Name(), target)
	}
	return s.remap(target)
}

// bytes returns a view of [off, off+n).
func (s *store) bytes(off, n uint64) ([]byte, error) {
	if err := s.ensure(off, n); err != nil {
		return nil, err
	}
	return s.data[off : off+n : off+n], nil
}

func (s *store) header() header { return header(s.data[:headerSize]) }

// sync flushes the mapping and the file to stable storage.
func (s *store) sync() error {
	if len(s.data) != 0 {
		if err := unix.Msync(s.data, unix.MS_SYNC); err != nil {
			return errors.Wrapf(err, "journal: msync %s", s.f.Name())
		}
	}
	return errors.Wrapf(s.f.Sync(), "journal: fsync %s", s.f.Name())
}

func (s *store) close() error {
	var firstErr error
	for _, m := range append(s.retired, s.data) {
		if m == nil {
			continue
		}
		if err := unix.Munmap(m); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "journal: munmap")
		}
	}
	s.data, s.retired = nil, nil

	if err := s.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
