package journal

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// VacuumOptions define retention limits for a directory of journal
// files.
type VacuumOptions struct {
	// MaxUse is the maximum number of bytes all journal files in the
	// directory may use together.
	// Default: 0 (unlimited).
	MaxUse int64

	// KeepFree is the minimum number of bytes to leave available on the
	// file system.
	// Default: 0 (unlimited).
	KeepFree int64

	// MaxAge removes archived files whose last entry is older.
	// Default: 0 (unlimited).
	MaxAge time.Duration

	// Clock is used to determine the age of files.
	// Default: SystemClock().
	Clock Clock

	// Logger receives diagnostics.
	// Default: discarded.
	Logger logrus.FieldLogger

	// Metrics, if set, counts removed files.
	Metrics *Metrics
}

func (o *VacuumOptions) norm() *VacuumOptions {
	var oo VacuumOptions
	if o != nil {
		oo = *o
	}

	if oo.MaxUse < 0 {
		oo.MaxUse = 0
	}
	if oo.KeepFree < 0 {
		oo.KeepFree = 0
	}
	if oo.MaxAge < 0 {
		oo.MaxAge = 0
	}
	if oo.Clock == nil {
		oo.Clock = SystemClock()
	}
	if oo.Logger == nil {
		l := logrus.New()
		l.Out = io.Discard
		oo.Logger = l
	}
	return &oo
}

type vacuumFile struct {
	name string
	size int64
	hdr  Header
}

func (f *vacuumFile) less(g *vacuumFile) bool {
	if a, b := f.orderTime(), g.orderTime(); !a.Equal(b) {
		return a.Before(b)
	}
	if a, b := f.hdr.SeqnumID.String(), g.hdr.SeqnumID.String(); a != b {
		return a < b
	}
	return f.hdr.HeadEntrySeqnum < g.hdr.HeadEntrySeqnum
}

func (f *vacuumFile) orderTime() time.Time {
	if !f.hdr.HeadRealtime.IsZero() {
		return f.hdr.HeadRealtime
	}
	return f.hdr.Created
}

func (f *vacuumFile) lastTime() time.Time {
	if !f.hdr.TailRealtime.IsZero() {
		return f.hdr.TailRealtime
	}
	return f.hdr.Created
}

// Vacuum removes archived journal files from dir, oldest first, until
// the limits of o are satisfied. Files that are online or were closed
// without being archived are never removed, but count towards MaxUse.
// It returns the names of the removed files.
func Vacuum(dir string, o *VacuumOptions) ([]string, error) {
	o = o.norm()
	log := o.Logger.WithField("dir", dir)

	names, err := filepath.Glob(filepath.Join(dir, "*"+Extension))
	if err != nil {
		return nil, errors.Wrap(err, "journal: vacuum")
	}

	var (
		usage      int64
		candidates []*vacuumFile
	)
	for _, name := range names {
		fi, err := os.Stat(name)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.Wrap(err, "journal: vacuum")
		}
		if !fi.Mode().IsRegular() {
			continue
		}
		usage += fi.Size()

		r, err := OpenReader(name)
		if err != nil {
			log.WithError(err).WithField("file", name).Warn("skipping unreadable journal file")
			continue
		}
		hdr := r.Header()
		_ = r.Close()

		if hdr.State == StateArchived {
			candidates = append(candidates, &vacuumFile{name: name, size: fi.Size(), hdr: hdr})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].less(candidates[j]) })

	free := int64(-1)
	if o.KeepFree > 0 {
		if free, err = freeSpace(dir); err != nil {
			return nil, err
		}
	}
	now := o.Clock.Now().Realtime

	var removed []string
	for _, f := range candidates {
		var reason string
		switch {
		case o.MaxUse > 0 && usage > o.MaxUse:
			reason = "max use"
		case o.KeepFree > 0 && free < o.KeepFree:
			reason = "keep free"
		case o.MaxAge > 0 && now.Sub(f.lastTime()) > o.MaxAge:
			reason = "max age"
		default:
			continue
		}

		if err := os.Remove(f.name); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, errors.Wrap(err, "journal: vacuum")
		}
		usage -= f.size
		if free > -1 {
			free += f.size
		}
		removed = append(removed, f.name)

		log.WithFields(logrus.Fields{
			"file":   filepath.Base(f.name),
			"size":   humanize.IBytes(uint64(f.size)),
			"reason": reason,
		}).Info("removed archived journal file")
		o.Metrics.vacuumed(f.size)
	}
	return removed, nil
}
