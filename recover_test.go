package journal_test

import (
	"os"
	"path/filepath"

	"github.com/bsm/journal"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Recovery", func() {
	var subject *journal.Writer
	var dir, path string
	var clock *testClock
	var opts *journal.Options

	BeforeEach(func() {
		dir = tempDir()
		path = filepath.Join(dir, "crash.journal")
		clock = newTestClock()

		var err error
		opts = testOptions(clock)
		opts.Metrics, err = journal.NewMetrics(nil)
		Expect(err).NotTo(HaveOccurred())

		subject, err = journal.OpenWriter(path, opts)
		Expect(err).NotTo(HaveOccurred())
		seedWriter(subject, clock, 10)
	})

	AfterEach(func() {
		Expect(os.RemoveAll(dir)).To(Succeed())
	})

	reopen := func() *journal.Writer {
		w, err := journal.OpenWriter(path, opts)
		Expect(err).NotTo(HaveOccurred())
		return w
	}

	It("should not touch cleanly closed files", func() {
		Expect(subject.Close()).To(Succeed())

		w := reopen()
		defer w.Close()
		Expect(opts.Metrics.Recoveries()).To(BeZero())
	})

	It("should reopen abandoned files", func() {
		hdr := subject.Header()
		Expect(subject.Abandon()).To(Succeed())

		w := reopen()
		defer w.Close()
		Expect(opts.Metrics.Recoveries()).To(Equal(1.0))

		rec := w.Header()
		Expect(rec.NEntries).To(Equal(hdr.NEntries))
		Expect(rec.NObjects).To(Equal(hdr.NObjects))
		Expect(rec.NData).To(Equal(hdr.NData))
		Expect(rec.NFields).To(Equal(hdr.NFields))
		Expect(rec.TailObject).To(Equal(hdr.TailObject))
		Expect(w.AppendEntry(clock.Tick(), field("MESSAGE", "after"))).To(Equal(uint64(11)))
	})

	It("should discard partial objects", func() {
		tail := subject.Header().TailObject
		Expect(subject.AppendPartial(256)).To(Succeed())
		Expect(subject.Abandon()).To(Succeed())

		w := reopen()
		defer w.Close()
		Expect(w.Header().TailObject).To(Equal(tail))

		Expect(w.AppendEntry(clock.Tick(), field("MESSAGE", "after"))).To(Equal(uint64(11)))
		entries, err := walk(func(from uint64) (*journal.Entry, error) {
			return w.NextEntry(from, journal.Up)
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(11))
	})

	It("should unlink unpublished entries", func() {
		orphan, err := subject.AppendUnlinked(clock.Tick(), field("PRIORITY", "3"), field("MESSAGE", "orphan"))
		Expect(err).NotTo(HaveOccurred())

		p, err := subject.FindData([]byte("PRIORITY=3"))
		Expect(err).NotTo(HaveOccurred())
		Expect(subject.Abandon()).To(Succeed())

		w := reopen()
		defer w.Close()

		Expect(w.ObjectTypeAt(orphan)).To(Equal(journal.ObjectUnused))
		hdr := w.Header()
		Expect(hdr.NEntries).To(Equal(uint64(10)))
		Expect(hdr.TailEntrySeqnum).To(Equal(uint64(10)))
		Expect(hdr.TailRealtime).To(BeTemporally("==", testEpoch.Add(10e9)))

		entries, err := walk(func(from uint64) (*journal.Entry, error) {
			return w.NextEntryForData(p, from, journal.Up)
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(seqnumsOf(entries)).To(Equal([]uint64{3}))

		o, err := w.FindData([]byte("MESSAGE=orphan"))
		Expect(err).NotTo(HaveOccurred())
		_, err = w.NextEntryForData(o, 0, journal.Up)
		Expect(err).To(MatchError(journal.ErrNotFound))

		// the orphan's seqnum is reused
		Expect(w.AppendEntry(clock.Tick(), field("PRIORITY", "3"))).To(Equal(uint64(11)))
		entries, err = walk(func(from uint64) (*journal.Entry, error) {
			return w.NextEntryForData(p, from, journal.Down)
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(seqnumsOf(entries)).To(Equal([]uint64{11, 3}))
	})

	It("should unlink unpublished first entries", func() {
		Expect(subject.Close()).To(Succeed())
		Expect(os.Remove(path)).To(Succeed())

		w, err := journal.OpenWriter(path, opts)
		Expect(err).NotTo(HaveOccurred())
		_, err = w.AppendUnlinked(clock.Tick(), field("MESSAGE", "orphan"))
		Expect(err).NotTo(HaveOccurred())
		Expect(w.Abandon()).To(Succeed())

		w = reopen()
		defer w.Close()
		Expect(w.Header().NEntries).To(BeZero())
		Expect(w.Header().TailEntrySeqnum).To(BeZero())

		_, err = w.NextEntry(0, journal.Up)
		Expect(err).To(MatchError(journal.ErrNotFound))
		Expect(w.AppendEntry(clock.Tick(), field("MESSAGE", "orphan"))).To(Equal(uint64(1)))

		p, err := w.FindData([]byte("MESSAGE=orphan"))
		Expect(err).NotTo(HaveOccurred())
		entries, err := walk(func(from uint64) (*journal.Entry, error) {
			return w.NextEntryForData(p, from, journal.Up)
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(seqnumsOf(entries)).To(Equal([]uint64{1}))
	})

	It("should keep orphans as unused objects", func() {
		_, err := subject.AppendUnlinked(clock.Tick(), field("MESSAGE", "orphan"))
		Expect(err).NotTo(HaveOccurred())
		Expect(subject.Abandon()).To(Succeed())

		w := reopen()
		defer w.Close()

		var p, unused uint64
		for p = journal.HeaderSize; p <= w.Header().TailObject; {
			typ, err := w.ObjectTypeAt(p)
			Expect(err).NotTo(HaveOccurred())
			if typ == journal.ObjectUnused {
				unused++
			}
			p, err = w.NextObject(p)
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(unused).To(Equal(uint64(1)))
	})
})
