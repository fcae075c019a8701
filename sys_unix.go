//go:build darwin || linux

package journal

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func monotonicNow() time.Duration {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return time.Duration(ts.Nano())
}

func freeSpace(dir string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, errors.Wrapf(err, "journal: statfs %s", dir)
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}
