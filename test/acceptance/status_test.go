package acceptance_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"syscall"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("conduitctl status", func() {
	var tmpDir string
	var repoDir string
	var port int
	var addr string
	var daemon *exec.Cmd

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "conduit-status-test-*")
		Expect(err).NotTo(HaveOccurred())
		repoDir = initTestRepo(tmpDir)

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
	})

	AfterEach(func() {
		if daemon.Process != nil {
			daemon.Process.Signal(syscall.SIGTERM)
			_, _ = daemon.Process.Wait()
		}
		cleanupTestRepo(repoDir, tmpDir)
	})

	runStatus := func() string {
		cmd := exec.Command(ctlBinaryPath, "status", "--addr", "http://"+addr)
		output, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "output: %s", string(output))
		return string(output)
	}

	Context("with no pipeline requests yet", func() {
		It("reports none", func() {
			Expect(runStatus()).To(ContainSubstring("(none)"))
		})
	})

	Context("after submitting a pipeline request", func() {
		var requestID, branch string

		BeforeEach(func() {
			branch = "feature/status-check"
			runGit(repoDir, "checkout", "-b", branch)
			writeFile(repoDir+"/change.txt", "change\n")
			runGit(repoDir, "add", "change.txt")
			runGit(repoDir, "commit", "-m", "status check change")
			runGit(repoDir, "checkout", "main")

			body, _ := json.Marshal(map[string]any{
				"branch":        branch,
				"worktree_path": repoDir,
				"base_branch":   "main",
			})
			resp, err := http.Post("http://"+addr+"/pipeline/run", "application/json", bytes.NewReader(body))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			var decoded map[string]any
			Expect(json.NewDecoder(resp.Body).Decode(&decoded)).To(Succeed())
			requestID, _ = decoded["request_id"].(string)
			Expect(requestID).NotTo(BeEmpty())
			pollPipeline(addr, requestID, 10*time.Second)
		})

		It("shows the request's branch and id", func() {
			out := runStatus()
			Expect(out).To(ContainSubstring(branch))
			Expect(out).To(ContainSubstring(requestID[:8]))
		})

		It("shows the request's terminal status", func() {
			out := runStatus()
			Expect(out).To(Or(ContainSubstring("failed"), ContainSubstring("error"), ContainSubstring("approved")))
		})
	})
})
