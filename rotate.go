package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Extension is the file name extension of journal files.
const Extension = ".journal"

// Rotate archives the file under a name derived from its identity and
// opens a fresh file at the original path. The new file continues the
// sequence number namespace of the old one. The old file stays readable
// under its new name. Once the old file was renamed, w is closed even if
// opening the successor fails.
func (w *Writer) Rotate() (*Writer, error) {
	if w.s == nil {
		return nil, errClosed
	}

	h := w.s.header()
	if w.broken == nil && w.seal != nil && w.seal.pending {
		if err := w.AppendTag(); err != nil {
			return nil, err
		}
	}

	tmpl := &template{
		seqnumID:   h.id(hdrSeqnumID),
		tailSeqnum: h.u64(hdrTailEntrySeqnum),
		machineID:  h.id(hdrMachineID),
		bootID:     w.bootID,
	}
	archived := archivedName(w.name, h)
	if err := os.Rename(w.name, archived); err != nil {
		return nil, errors.Wrap(err, "journal: rotate")
	}
	if err := w.close(StateArchived); err != nil {
		return nil, err
	}

	nw, err := openWriter(w.name, w.o, tmpl)
	if err != nil {
		return nil, err
	}

	w.log.WithFields(logrus.Fields{
		"archived":    archived,
		"tail_seqnum": tmpl.tailSeqnum,
	}).Info("rotated journal file")
	w.o.Metrics.rotated()
	return nw, nil
}

// archivedName returns the name a file is archived under:
//
//	<base>@<seqnum id>-<head seqnum>-<head realtime>-<file id>.journal
//
// The file id keeps names of files without entries apart.
func archivedName(name string, h header) string {
	dir, base := filepath.Split(name)
	base = strings.TrimSuffix(base, Extension)
	seqnumID, fileID := h.id(hdrSeqnumID), h.id(hdrFileID)

	return filepath.Join(dir, fmt.Sprintf("%s@%x-%016x-%016x-%x%s",
		base,
		seqnumID[:],
		h.u64(hdrHeadEntrySeqnum),
		h.u64(hdrHeadEntryRealtime),
		fileID[:],
		Extension,
	))
}
