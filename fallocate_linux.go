package journal

import (
	"os"

	"golang.org/x/sys/unix"
)

// allocate reserves n bytes at off and extends the file accordingly,
// falling back to a sparse extension on filesystems without fallocate.
func allocate(f *os.File, off, n int64) error {
	err := unix.Fallocate(int(f.Fd()), 0, off, n)
	if err == unix.EOPNOTSUPP || err == unix.ENOSYS {
		return f.Truncate(off + n)
	}
	return err
}
