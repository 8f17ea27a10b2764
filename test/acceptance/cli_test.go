package acceptance_test

import (
	"os/exec"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("CLI", func() {
	Describe("conduitctl --help", func() {
		It("exits with code 0", func() {
			cmd := exec.Command(ctlBinaryPath, "--help")
			err := cmd.Run()
			Expect(err).NotTo(HaveOccurred())
		})

		It("shows the tool description", func() {
			cmd := exec.Command(ctlBinaryPath, "--help")
			output, err := cmd.CombinedOutput()
			Expect(err).NotTo(HaveOccurred())
			Expect(string(output)).To(ContainSubstring("conduitd"))
		})

		It("lists available commands", func() {
			cmd := exec.Command(ctlBinaryPath, "--help")
			output, err := cmd.CombinedOutput()
			Expect(err).NotTo(HaveOccurred())
			Expect(string(output)).To(ContainSubstring("Available Commands"))
			Expect(string(output)).To(ContainSubstring("version"))
		})
	})

	Describe("conduitctl version", func() {
		It("exits with code 0", func() {
			cmd := exec.Command(ctlBinaryPath, "version")
			err := cmd.Run()
			Expect(err).NotTo(HaveOccurred())
		})

		It("prints a version string", func() {
			cmd := exec.Command(ctlBinaryPath, "version")
			output, err := cmd.CombinedOutput()
			Expect(err).NotTo(HaveOccurred())
			Expect(string(output)).To(MatchRegexp(`conduitctl \S+`))
		})
	})
})
