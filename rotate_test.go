package journal_test

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bsm/journal"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Rotate", func() {
	var subject *journal.Writer
	var dir, path string
	var clock *testClock
	var opts *journal.Options

	BeforeEach(func() {
		dir = tempDir()
		path = filepath.Join(dir, "system.journal")
		clock = newTestClock()

		var err error
		opts = testOptions(clock)
		opts.Metrics, err = journal.NewMetrics(nil)
		Expect(err).NotTo(HaveOccurred())

		subject, err = journal.OpenWriter(path, opts)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(os.RemoveAll(dir)).To(Succeed())
	})

	archived := func() []string {
		names, err := filepath.Glob(filepath.Join(dir, "system@*.journal"))
		Expect(err).NotTo(HaveOccurred())
		return names
	}

	It("should archive and continue", func() {
		seedWriter(subject, clock, 5)
		old := subject.Header()

		next, err := subject.Rotate()
		Expect(err).NotTo(HaveOccurred())
		defer next.Close()
		Expect(opts.Metrics.Rotations()).To(Equal(1.0))

		// old writer is closed
		_, err = subject.AppendEntry(clock.Tick(), field("MESSAGE", "late"))
		Expect(err).To(HaveOccurred())

		hdr := next.Header()
		Expect(next.Name()).To(Equal(path))
		Expect(hdr.SeqnumID).To(Equal(old.SeqnumID))
		Expect(hdr.FileID).NotTo(Equal(old.FileID))
		Expect(hdr.MachineID).To(Equal(testMachineID))
		Expect(hdr.NEntries).To(BeZero())
		Expect(hdr.State).To(Equal(journal.StateOnline))

		Expect(next.AppendEntry(clock.Tick(), field("MESSAGE", "next"))).To(Equal(uint64(6)))
		Expect(next.Header().HeadEntrySeqnum).To(Equal(uint64(6)))
	})

	It("should keep archived files readable", func() {
		seedWriter(subject, clock, 5)
		next, err := subject.Rotate()
		Expect(err).NotTo(HaveOccurred())
		defer next.Close()

		names := archived()
		Expect(names).To(HaveLen(1))

		base := filepath.Base(names[0])
		Expect(base).To(HavePrefix("system@"))
		Expect(strings.Split(strings.TrimSuffix(base, journal.Extension), "-")).To(HaveLen(4))

		r, err := journal.OpenReader(names[0])
		Expect(err).NotTo(HaveOccurred())
		defer r.Close()

		hdr := r.Header()
		Expect(hdr.State).To(Equal(journal.StateArchived))
		Expect(hdr.NEntries).To(Equal(uint64(5)))
		Expect(hdr.HeadRealtime).To(BeTemporally("==", testEpoch.Add(time.Second)))

		entries, err := walk(func(from uint64) (*journal.Entry, error) {
			return r.NextEntry(from, journal.Up)
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(seqnumsOf(entries)).To(Equal([]uint64{1, 2, 3, 4, 5}))
	})

	It("should not reopen archived files for writing", func() {
		seedWriter(subject, clock, 1)
		next, err := subject.Rotate()
		Expect(err).NotTo(HaveOccurred())
		Expect(next.Close()).To(Succeed())

		names := archived()
		Expect(names).To(HaveLen(1))
		_, err = journal.OpenWriter(names[0], opts)
		Expect(err).To(MatchError(ContainSubstring("is archived")))
	})

	It("should rotate empty files", func() {
		next, err := subject.Rotate()
		Expect(err).NotTo(HaveOccurred())

		next2, err := next.Rotate()
		Expect(err).NotTo(HaveOccurred())
		defer next2.Close()

		Expect(archived()).To(HaveLen(2))
		Expect(next2.AppendEntry(clock.Tick(), field("MESSAGE", "first"))).To(Equal(uint64(1)))
	})

	It("should seal rotated files", func() {
		Expect(subject.Close()).To(Succeed())
		Expect(os.Remove(path)).To(Succeed())

		state, vk, err := journal.GenerateSealKey(testEpoch, time.Minute)
		Expect(err).NotTo(HaveOccurred())
		opts.Seal = state

		w, err := journal.OpenWriter(path, opts)
		Expect(err).NotTo(HaveOccurred())
		for i := 0; i < 4; i++ {
			clock.Advance(time.Minute)
			_, err := w.AppendEntry(clock.Now(), field("MESSAGE", "before"))
			Expect(err).NotTo(HaveOccurred())
		}

		next, err := w.Rotate()
		Expect(err).NotTo(HaveOccurred())
		for i := 0; i < 4; i++ {
			clock.Advance(time.Minute)
			_, err := next.AppendEntry(clock.Now(), field("MESSAGE", "after"))
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(next.Close()).To(Succeed())

		names := archived()
		Expect(names).To(HaveLen(1))
		for _, name := range append(names, path) {
			rep, err := journal.Verify(name, vk)
			Expect(err).NotTo(HaveOccurred(), name)
			Expect(rep.Entries).To(Equal(uint64(4)))
			Expect(rep.Unsealed).To(BeZero())
		}
	})
})
