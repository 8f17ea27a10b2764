package acceptance_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("conduitctl init", func() {
	var tmpDir, repoDir string

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "conduit-init-test-*")
		Expect(err).NotTo(HaveOccurred())
		repoDir = initTestRepo(tmpDir)
	})

	AfterEach(func() {
		cleanupTestRepo(repoDir, tmpDir)
	})

	It("scaffolds .pipeline/config.yaml", func() {
		cmd := exec.Command(ctlBinaryPath, "init", repoDir)
		output, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "init failed: %s", string(output))

		_, statErr := os.Stat(filepath.Join(repoDir, ".pipeline", "config.yaml"))
		Expect(statErr).NotTo(HaveOccurred())
		Expect(string(output)).To(ContainSubstring(".pipeline/config.yaml"))
	})

	It("skips the config when one already exists", func() {
		Expect(os.MkdirAll(filepath.Join(repoDir, ".pipeline"), 0o755)).To(Succeed())
		writeFile(filepath.Join(repoDir, ".pipeline", "config.yaml"), "tiers: {}\n")

		cmd := exec.Command(ctlBinaryPath, "init", repoDir)
		output, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "init failed: %s", string(output))
		Expect(string(output)).To(ContainSubstring("already exists"))

		content, err := os.ReadFile(filepath.Join(repoDir, ".pipeline", "config.yaml"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(content)).To(Equal("tiers: {}\n"))
	})

	It("installs an executable pre-commit hook calling conduitctl gate", func() {
		cmd := exec.Command(ctlBinaryPath, "init", repoDir)
		output, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "init failed: %s", string(output))

		hookPath := filepath.Join(repoDir, ".git", "hooks", "pre-commit")
		info, err := os.Stat(hookPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(info.Mode().Perm() & 0o111).NotTo(BeZero())

		content, err := os.ReadFile(hookPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(content)).To(ContainSubstring("conduitctl gate"))
	})

	It("installs an executable post-commit hook calling conduitctl trigger", func() {
		cmd := exec.Command(ctlBinaryPath, "init", repoDir)
		output, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "init failed: %s", string(output))

		hookPath := filepath.Join(repoDir, ".git", "hooks", "post-commit")
		info, err := os.Stat(hookPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(info.Mode().Perm() & 0o111).NotTo(BeZero())

		content, err := os.ReadFile(hookPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(content)).To(ContainSubstring("conduitctl trigger"))
	})

	It("injects into an existing pre-commit hook while preserving its content", func() {
		hookDir := filepath.Join(repoDir, ".git", "hooks")
		Expect(os.MkdirAll(hookDir, 0o755)).To(Succeed())
		writeFile(filepath.Join(hookDir, "pre-commit"), "#!/bin/sh\necho existing\n")
		Expect(os.Chmod(filepath.Join(hookDir, "pre-commit"), 0o755)).To(Succeed())

		cmd := exec.Command(ctlBinaryPath, "init", repoDir)
		output, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "init failed: %s", string(output))

		content, err := os.ReadFile(filepath.Join(hookDir, "pre-commit"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(content)).To(ContainSubstring("echo existing"))
		Expect(string(content)).To(ContainSubstring("BEGIN conduit gate"))
	})

	It("is idempotent across repeated runs", func() {
		runInit := func() {
			cmd := exec.Command(ctlBinaryPath, "init", repoDir)
			output, err := cmd.CombinedOutput()
			Expect(err).NotTo(HaveOccurred(), "init failed: %s", string(output))
		}
		runInit()
		runInit()

		preCommit, err := os.ReadFile(filepath.Join(repoDir, ".git", "hooks", "pre-commit"))
		Expect(err).NotTo(HaveOccurred())
		Expect(strings.Count(string(preCommit), "BEGIN conduit gate")).To(Equal(1))

		postCommit, err := os.ReadFile(filepath.Join(repoDir, ".git", "hooks", "post-commit"))
		Expect(err).NotTo(HaveOccurred())
		Expect(strings.Count(string(postCommit), "BEGIN conduit trigger")).To(Equal(1))
	})

	It("rejects a target directory that is not a git repository", func() {
		nonRepo := filepath.Join(tmpDir, "not-a-repo")
		Expect(os.MkdirAll(nonRepo, 0o755)).To(Succeed())

		cmd := exec.Command(ctlBinaryPath, "init", nonRepo)
		err := cmd.Run()
		Expect(err).To(HaveOccurred())
	})
})
