package journal

import (
	"bytes"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Identity provides the identifiers recorded in new files and entries.
type Identity interface {
	MachineID() (uuid.UUID, error)
	BootID() (uuid.UUID, error)
}

// SystemIdentity reads the machine ID from /etc/machine-id and the boot ID
// from /proc/sys/kernel/random/boot_id. Both are read once.
func SystemIdentity() Identity { return systemIdentity }

var systemIdentity = &fileIdentity{
	machineFile: "/etc/machine-id",
	bootFile:    "/proc/sys/kernel/random/boot_id",
}

type fileIdentity struct {
	machineFile, bootFile string

	once      sync.Once
	machineID uuid.UUID
	bootID    uuid.UUID
	err       error
}

func (i *fileIdentity) load() {
	if i.machineID, i.err = readID(i.machineFile); i.err != nil {
		return
	}
	i.bootID, i.err = readID(i.bootFile)
}

func (i *fileIdentity) MachineID() (uuid.UUID, error) {
	i.once.Do(i.load)
	return i.machineID, i.err
}

func (i *fileIdentity) BootID() (uuid.UUID, error) {
	i.once.Do(i.load)
	return i.bootID, i.err
}

func readID(name string) (uuid.UUID, error) {
	b, err := os.ReadFile(name)
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "journal: read identity")
	}
	id, err := uuid.ParseBytes(bytes.TrimSpace(b))
	if err != nil {
		return uuid.Nil, errors.Wrapf(err, "journal: parse identity from %s", name)
	}
	return id, nil
}

// StaticIdentity is an Identity with fixed IDs.
type StaticIdentity struct {
	Machine uuid.UUID
	Boot    uuid.UUID
}

// MachineID implements Identity.
func (i StaticIdentity) MachineID() (uuid.UUID, error) { return i.Machine, nil }

// BootID implements Identity.
func (i StaticIdentity) BootID() (uuid.UUID, error) { return i.Boot, nil }

// --------------------------------------------------------------------

// DualTimestamp pairs a wall-clock time with the time elapsed since boot.
type DualTimestamp struct {
	Realtime  time.Time
	Monotonic time.Duration
}

// Clock provides timestamps.
type Clock interface {
	Now() DualTimestamp
}

// SystemClock reads the system realtime and monotonic clocks.
func SystemClock() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() DualTimestamp {
	return DualTimestamp{Realtime: time.Now(), Monotonic: monotonicNow()}
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() DualTimestamp

// Now implements Clock.
func (f ClockFunc) Now() DualTimestamp { return f() }
