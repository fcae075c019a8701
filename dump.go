package journal

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
)

// PrintHeader writes a human readable summary of the file header to w.
func (r *Reader) PrintHeader(w io.Writer) error {
	if r.s == nil {
		return errClosed
	}
	h := r.Header()

	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	for _, row := range []struct {
		name  string
		value interface{}
	}{
		{"File path", r.name},
		{"File ID", h.FileID},
		{"Machine ID", h.MachineID},
		{"Boot ID", h.BootID},
		{"Sequential number ID", h.SeqnumID},
		{"State", h.State},
		{"Compression", h.Compression},
		{"Sealed", h.Sealed},
		{"Created", h.Created},
		{"Head sequential number", h.HeadEntrySeqnum},
		{"Tail sequential number", h.TailEntrySeqnum},
		{"Head realtime timestamp", h.HeadRealtime},
		{"Tail realtime timestamp", h.TailRealtime},
		{"Tail monotonic timestamp", h.TailMonotonic},
		{"Arena size", humanize.IBytes(h.ArenaSize)},
		{"Data hash table fill", fmt.Sprintf("%.1f%% (%d buckets)", h.DataTableFill*100, h.DataBuckets)},
		{"Field hash table fill", fmt.Sprintf("%.1f%% (%d buckets)", h.FieldTableFill*100, h.FieldBuckets)},
		{"Objects", h.NObjects},
		{"Entry objects", h.NEntries},
		{"Data objects", h.NData},
		{"Field objects", h.NFields},
		{"Tag objects", h.NTags},
		{"Entry array objects", h.NEntryArrays},
	} {
		if _, err := fmt.Fprintf(tw, "%s:\t%v\n", row.name, row.value); err != nil {
			return err
		}
	}

	if size, err := r.s.fileSize(); err == nil {
		if _, err := fmt.Fprintf(tw, "Disk usage:\t%s\n", humanize.IBytes(uint64(size))); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// Dump writes one line per object to w, walking the file from the first
// object to the tail.
func (r *Reader) Dump(w io.Writer) error {
	if r.s == nil {
		return errClosed
	}

	tail := r.s.header().tailObject()
	for p := uint64(headerSize); p <= tail; {
		o, err := r.moveTo(ObjectUnused, p)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%-16s @%-10d %s", o.typ(), p, humanize.IBytes(o.size())); err != nil {
			return err
		}

		var detail string
		switch o.typ() {
		case ObjectData:
			d := dataObject{o}
			detail = fmt.Sprintf("hash=%016x entries=%d", d.hash(), d.nEntries())
			if c := d.compression(); c != NoCompression {
				detail += " compressed=" + c.String()
			}
		case ObjectField:
			f := fieldObject{o}
			detail = fmt.Sprintf("name=%q", f.payload())
		case ObjectEntry:
			e := entryObject{o}
			detail = fmt.Sprintf("seqnum=%d items=%d", e.seqnum(), e.nItems())
		case ObjectEntryArray:
			detail = fmt.Sprintf("capacity=%d", entryArrayObject{o}.capacity())
		case ObjectDataHashTable, ObjectFieldHashTable:
			detail = fmt.Sprintf("buckets=%d", hashTableObject{o}.buckets())
		case ObjectTag:
			t := tagObject{o}
			detail = fmt.Sprintf("seqnum=%d epoch=%d", t.seqnum(), t.epoch())
		}
		if _, err := fmt.Fprintf(w, " %s\n", detail); err != nil {
			return err
		}
		p = align8(p + o.size())
	}
	return nil
}
