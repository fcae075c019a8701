package journal_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/bsm/journal"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Reader", func() {
	var subject *journal.Reader
	var dir string

	BeforeEach(func() {
		dir = tempDir()
		path := filepath.Join(dir, "dump.journal")
		clock := newTestClock()

		w, err := journal.OpenWriter(path, testOptions(clock))
		Expect(err).NotTo(HaveOccurred())
		seedWriter(w, clock, 3)
		Expect(w.Close()).To(Succeed())

		subject, err = journal.OpenReader(path)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(subject.Close()).To(Succeed())
		Expect(os.RemoveAll(dir)).To(Succeed())
	})

	It("should print headers", func() {
		var buf bytes.Buffer
		Expect(subject.PrintHeader(&buf)).To(Succeed())

		s := buf.String()
		Expect(s).To(ContainSubstring("Machine ID:"))
		Expect(s).To(ContainSubstring(testMachineID.String()))
		Expect(s).To(ContainSubstring("OFFLINE"))
		Expect(s).To(MatchRegexp(`Entry objects:\s+3\n`))
		Expect(s).To(MatchRegexp(`Data hash table fill:\s+[\d.]+% \(127 buckets\)`))
		Expect(s).To(ContainSubstring("Disk usage:"))
	})

	It("should dump objects", func() {
		var buf bytes.Buffer
		Expect(subject.Dump(&buf)).To(Succeed())

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		Expect(lines).To(HaveLen(int(subject.Header().NObjects)))
		Expect(lines[0]).To(HavePrefix("DATA_HASH_TABLE"))
		Expect(lines[0]).To(HaveSuffix("buckets=127"))
		Expect(lines[1]).To(HavePrefix("FIELD_HASH_TABLE"))
		Expect(buf.String()).To(ContainSubstring(`name="MESSAGE"`))
		Expect(buf.String()).To(ContainSubstring("seqnum=3 items=2"))
	})

	It("should fail when closed", func() {
		Expect(subject.Close()).To(Succeed())
		Expect(subject.Dump(&bytes.Buffer{})).NotTo(Succeed())
		Expect(subject.PrintHeader(&bytes.Buffer{})).NotTo(Succeed())

		// reopen for AfterEach
		var err error
		subject, err = journal.OpenReader(filepath.Join(dir, "dump.journal"))
		Expect(err).NotTo(HaveOccurred())
	})
})
