package acceptance_test

import (
	"os/exec"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("conduitctl viz", func() {
	It("exits with code 0", func() {
		cmd := exec.Command(ctlBinaryPath, "viz", "--path", testdataPath("valid.yaml"))
		err := cmd.Run()
		Expect(err).NotTo(HaveOccurred())
	})

	It("shows each tier with its file/line ceiling", func() {
		cmd := exec.Command(ctlBinaryPath, "viz", "--path", testdataPath("valid.yaml"))
		output, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred())
		out := string(output)
		Expect(out).To(ContainSubstring("small"))
		Expect(out).To(ContainSubstring("large"))
		Expect(out).To(ContainSubstring("files"))
	})

	It("shows each tier's agent gauntlet", func() {
		cmd := exec.Command(ctlBinaryPath, "viz", "--path", testdataPath("valid.yaml"))
		output, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred())
		out := string(output)
		Expect(out).To(ContainSubstring("tests"))
		Expect(out).To(ContainSubstring("style"))
		Expect(out).To(ContainSubstring("security"))
	})
})
