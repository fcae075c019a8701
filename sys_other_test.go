//go:build !darwin && !linux

package journal_test

import (
	"os"
	"path/filepath"

	"github.com/bsm/journal"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
)

var _ = Describe("Unsupported platforms", func() {
	It("should refuse to open files", func() {
		dir := tempDir()
		defer os.RemoveAll(dir)

		name := filepath.Join(dir, "system.journal")
		_, err := journal.OpenWriter(name, testOptions(newTestClock()))
		Expect(errors.Cause(err)).To(Equal(journal.ErrUnsupported))
		_, err = journal.OpenReader(name)
		Expect(errors.Cause(err)).To(Equal(journal.ErrUnsupported))

		_, err = journal.Vacuum(dir, &journal.VacuumOptions{KeepFree: 1})
		Expect(err).To(MatchError(journal.ErrUnsupported))
	})
})
