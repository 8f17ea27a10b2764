package acceptance_test

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("conduitctl statusline", func() {
	var tmpDir string
	var repoDir string

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "conduit-statusline-test-*")
		Expect(err).NotTo(HaveOccurred())
		repoDir = initTestRepo(tmpDir)
	})

	AfterEach(func() {
		cleanupTestRepo(repoDir, tmpDir)
	})

	It("exits silently when no daemon is reachable and prints nothing", func() {
		cmd := exec.Command(ctlBinaryPath, "statusline", "--addr", "http://127.0.0.1:1")
		cmd.Stdin = strings.NewReader(`{"cwd":"` + repoDir + `"}`)
		output, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred())
		Expect(string(output)).To(BeEmpty())
	})

	It("exits silently on malformed stdin", func() {
		cmd := exec.Command(ctlBinaryPath, "statusline")
		cmd.Stdin = strings.NewReader(`not json`)
		output, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred())
		Expect(string(output)).To(BeEmpty())
	})

	Context("with a running daemon and a pipeline request on the current branch", func() {
		var port int
		var addr string
		var daemon *exec.Cmd
		var branch string

		BeforeEach(func() {
			port = freePort()
			addr = fmt.Sprintf("127.0.0.1:%d", port)

			daemon = exec.Command(daemonBinaryPath)
			daemon.Dir = repoDir
			daemon.Env = append(os.Environ(),
				"PROJECT_PATH="+repoDir,
				fmt.Sprintf("PORT=%d", port),
			)
			Expect(daemon.Start()).To(Succeed())
			Expect(waitForHealth(addr, 5*time.Second)).To(Succeed())

			branch = "feature/statusline"
			runGit(repoDir, "checkout", "-b", branch)
			writeFile(repoDir+"/change.txt", "change\n")
			runGit(repoDir, "add", "change.txt")
			runGit(repoDir, "commit", "-m", "statusline change")
		})

		AfterEach(func() {
			if daemon.Process != nil {
				daemon.Process.Signal(syscall.SIGTERM)
				_, _ = daemon.Process.Wait()
			}
		})

		It("renders the current branch name once a request exists for it", func() {
			cmd := exec.Command(ctlBinaryPath, "gate", "--addr", "http://"+addr)
			cmd.Dir = repoDir
			cmd.CombinedOutput() // best-effort: exits non-zero without podman, that's fine

			cmd2 := exec.Command(ctlBinaryPath, "statusline", "--addr", "http://"+addr)
			cmd2.Stdin = strings.NewReader(`{"cwd":"` + repoDir + `"}`)
			output, err := cmd2.CombinedOutput()
			Expect(err).NotTo(HaveOccurred())
			Expect(string(output)).To(ContainSubstring(branch))
		})
	})
})
