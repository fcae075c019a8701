package journal_test

import (
	"os"
	"path/filepath"
	"time"

	"github.com/bsm/journal"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
)

var _ = Describe("SealState", func() {
	var subject *journal.SealState
	var vk *journal.VerificationKey

	BeforeEach(func() {
		var err error
		subject, vk, err = journal.GenerateSealKey(testEpoch, time.Minute)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should generate", func() {
		Expect(subject.Epoch).To(BeZero())
		Expect(subject.Key).NotTo(Equal([32]byte{}))
		Expect(vk.Seed).NotTo(Equal([32]byte{}))
		Expect(vk.Seed).NotTo(Equal(subject.Key))

		_, _, err := journal.GenerateSealKey(testEpoch, -time.Second)
		Expect(err).To(HaveOccurred())
	})

	It("should evolve forward only", func() {
		k0 := subject.Key
		subject.Evolve()
		Expect(subject.Epoch).To(Equal(uint64(1)))
		Expect(subject.Key).NotTo(Equal(k0))

		subject.SeekEpoch(5)
		Expect(subject.Epoch).To(Equal(uint64(5)))
		k5 := subject.Key

		subject.SeekEpoch(2)
		Expect(subject.Epoch).To(Equal(uint64(5)))
		Expect(subject.Key).To(Equal(k5))

		derived, err := vk.StateAt(5)
		Expect(err).NotTo(HaveOccurred())
		Expect(derived.Key).To(Equal(k5))

		derived, err = vk.StateAt(0)
		Expect(err).NotTo(HaveOccurred())
		Expect(derived.Key).To(Equal(k0))
	})

	It("should map time to epochs", func() {
		Expect(subject.EpochAt(testEpoch.Add(-time.Hour))).To(BeZero())
		Expect(subject.EpochAt(testEpoch)).To(BeZero())
		Expect(subject.EpochAt(testEpoch.Add(59 * time.Second))).To(BeZero())
		Expect(subject.EpochAt(testEpoch.Add(time.Minute))).To(Equal(uint64(1)))
		Expect(subject.EpochAt(testEpoch.Add(90 * time.Minute))).To(Equal(uint64(90)))

		subject.Interval = 0
		Expect(subject.EpochAt(testEpoch.Add(90 * time.Minute))).To(BeZero())
	})

	It("should save and load", func() {
		dir := tempDir()
		defer os.RemoveAll(dir)

		subject.SeekEpoch(3)
		name := filepath.Join(dir, "seal.state")
		Expect(journal.SaveSealState(name, subject)).To(Succeed())

		loaded, err := journal.LoadSealState(name)
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded.Epoch).To(Equal(uint64(3)))
		Expect(loaded.Key).To(Equal(subject.Key))
		Expect(loaded.Start).To(BeTemporally("==", testEpoch))
		Expect(loaded.Interval).To(Equal(time.Minute))

		data, err := vk.MarshalBinary()
		Expect(err).NotTo(HaveOccurred())
		var vk2 journal.VerificationKey
		Expect(vk2.UnmarshalBinary(data)).To(Succeed())
		Expect(vk2.Seed).To(Equal(vk.Seed))

		Expect(vk2.UnmarshalBinary([]byte{0xff})).NotTo(Succeed())
	})
})

var _ = Describe("Sealing", func() {
	var dir, path string
	var clock *testClock
	var state *journal.SealState
	var vk *journal.VerificationKey
	var opts *journal.Options

	BeforeEach(func() {
		dir = tempDir()
		path = filepath.Join(dir, "sealed.journal")
		clock = newTestClock()

		var err error
		state, vk, err = journal.GenerateSealKey(testEpoch, time.Minute)
		Expect(err).NotTo(HaveOccurred())

		opts = testOptions(clock)
		opts.Seal = state
		opts.Metrics, err = journal.NewMetrics(nil)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(os.RemoveAll(dir)).To(Succeed())
	})

	// seed appends n entries, 30s apart.
	seed := func(w *journal.Writer, n int) {
		for i := 0; i < n; i++ {
			clock.Advance(30 * time.Second)
			_, err := w.AppendEntry(clock.Now(), field("MESSAGE", "sealed message"), field("N", string(rune('a'+i))))
			Expect(err).NotTo(HaveOccurred())
		}
	}

	It("should seal and verify", func() {
		w, err := journal.OpenWriter(path, opts)
		Expect(err).NotTo(HaveOccurred())
		Expect(w.Header().Sealed).To(BeTrue())

		seed(w, 10)
		Expect(w.Header().NTags).To(Equal(uint64(5)))
		Expect(w.Close()).To(Succeed())
		Expect(opts.Metrics.Tags()).To(Equal(6.0))
		Expect(state.Epoch).To(Equal(uint64(6)))

		rep, err := journal.Verify(path, vk)
		Expect(err).NotTo(HaveOccurred())
		Expect(rep.Tags).To(Equal(uint64(6)))
		Expect(rep.Epoch).To(Equal(uint64(5)))
		Expect(rep.Entries).To(Equal(uint64(10)))
		Expect(rep.Unsealed).To(BeZero())
		Expect(rep.LastSealed).To(BeTemporally("==", testEpoch.Add(5*time.Minute)))
	})

	It("should append tags on demand", func() {
		w, err := journal.OpenWriter(path, opts)
		Expect(err).NotTo(HaveOccurred())

		seed(w, 1)
		Expect(w.AppendTag()).To(Succeed())
		Expect(w.Header().NTags).To(Equal(uint64(1)))
		Expect(state.Epoch).To(Equal(uint64(1)))
		Expect(w.Close()).To(Succeed())

		// nothing pending on close
		r, err := journal.OpenReader(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Header().NTags).To(Equal(uint64(1)))
		Expect(r.Close()).To(Succeed())

		rep, err := journal.Verify(path, vk)
		Expect(err).NotTo(HaveOccurred())
		Expect(rep.Tags).To(Equal(uint64(1)))
	})

	It("should report unsealed objects", func() {
		w, err := journal.OpenWriter(path, opts)
		Expect(err).NotTo(HaveOccurred())
		seed(w, 3)

		rep, err := journal.Verify(path, vk)
		Expect(err).NotTo(HaveOccurred())
		Expect(rep.Tags).To(Equal(uint64(1)))
		Expect(rep.Entries).To(Equal(uint64(3)))
		Expect(rep.Unsealed).To(BeNumerically(">", 0))
		Expect(w.Close()).To(Succeed())
	})

	It("should detect tampered data", func() {
		w, err := journal.OpenWriter(path, opts)
		Expect(err).NotTo(HaveOccurred())
		seed(w, 10)
		p, err := w.FindData([]byte("N=c"))
		Expect(err).NotTo(HaveOccurred())
		Expect(w.Close()).To(Succeed())

		f, err := os.OpenFile(path, os.O_RDWR, 0)
		Expect(err).NotTo(HaveOccurred())
		_, err = f.WriteAt([]byte("d"), int64(p)+journal.DataHeaderSize+2)
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Close()).To(Succeed())

		_, err = journal.Verify(path, vk)
		Expect(errors.Cause(err)).To(Equal(journal.ErrSealMismatch))
		Expect(journal.IsCorrupt(err)).To(BeTrue())
	})

	It("should detect tampered entries", func() {
		w, err := journal.OpenWriter(path, opts)
		Expect(err).NotTo(HaveOccurred())
		seed(w, 10)
		e, err := w.MoveToEntryBySeqnum(9, journal.Up)
		Expect(err).NotTo(HaveOccurred())
		Expect(w.Close()).To(Succeed())

		f, err := os.OpenFile(path, os.O_RDWR, 0)
		Expect(err).NotTo(HaveOccurred())
		_, err = f.WriteAt([]byte{0x01}, int64(e.Offset)+24)
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Close()).To(Succeed())

		_, err = journal.Verify(path, vk)
		Expect(errors.Cause(err)).To(Equal(journal.ErrSealMismatch))
	})

	It("should not verify with a different key", func() {
		w, err := journal.OpenWriter(path, opts)
		Expect(err).NotTo(HaveOccurred())
		seed(w, 2)
		Expect(w.Close()).To(Succeed())

		_, other, err := journal.GenerateSealKey(testEpoch, time.Minute)
		Expect(err).NotTo(HaveOccurred())
		_, err = journal.Verify(path, other)
		Expect(errors.Cause(err)).To(Equal(journal.ErrSealMismatch))
	})

	It("should resume after reopen", func() {
		w, err := journal.OpenWriter(path, opts)
		Expect(err).NotTo(HaveOccurred())
		seed(w, 3)
		Expect(w.Close()).To(Succeed())

		w, err = journal.OpenWriter(path, opts)
		Expect(err).NotTo(HaveOccurred())
		seed(w, 3)
		Expect(w.Close()).To(Succeed())

		rep, err := journal.Verify(path, vk)
		Expect(err).NotTo(HaveOccurred())
		Expect(rep.Entries).To(Equal(uint64(6)))
		Expect(rep.Unsealed).To(BeZero())
	})

	It("should resume after a crash", func() {
		w, err := journal.OpenWriter(path, opts)
		Expect(err).NotTo(HaveOccurred())
		seed(w, 5)
		Expect(w.Abandon()).To(Succeed())

		w, err = journal.OpenWriter(path, opts)
		Expect(err).NotTo(HaveOccurred())
		seed(w, 1)
		Expect(w.Close()).To(Succeed())

		rep, err := journal.Verify(path, vk)
		Expect(err).NotTo(HaveOccurred())
		Expect(rep.Entries).To(Equal(uint64(6)))
		Expect(rep.Unsealed).To(BeZero())
	})

	It("should require the seal state to reopen", func() {
		w, err := journal.OpenWriter(path, opts)
		Expect(err).NotTo(HaveOccurred())
		seed(w, 1)
		Expect(w.Close()).To(Succeed())

		_, err = journal.OpenWriter(path, testOptions(clock))
		Expect(err).To(MatchError(ContainSubstring("no seal state is configured")))

		stale, err := vk.StateAt(0)
		Expect(err).NotTo(HaveOccurred())
		o := testOptions(clock)
		o.Seal = stale
		_, err = journal.OpenWriter(path, o)
		Expect(err).To(MatchError(ContainSubstring("behind last tag")))
	})

	It("should not seal plain files", func() {
		w, err := journal.OpenWriter(path, testOptions(clock))
		Expect(err).NotTo(HaveOccurred())
		Expect(w.AppendTag()).To(MatchError(journal.ErrNotSealed))
		Expect(w.Close()).To(Succeed())

		_, err = journal.Verify(path, vk)
		Expect(err).To(MatchError(journal.ErrNotSealed))
	})
})
