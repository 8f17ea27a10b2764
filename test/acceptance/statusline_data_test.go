package acceptance_test

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type statuslineOutput struct {
	Branch      string `json:"branch"`
	DaemonAlive bool   `json:"daemon_alive"`
	Requests    []struct {
		RequestID string `json:"request_id"`
		Branch    string `json:"branch"`
		Tier      string `json:"tier"`
		Status    string `json:"status"`
	} `json:"requests"`
}

var _ = Describe("conduitctl statusline-data", func() {
	var tmpDir string
	var repoDir string

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "conduit-statusline-data-test-*")
		Expect(err).NotTo(HaveOccurred())
		repoDir = initTestRepo(tmpDir)
	})

	AfterEach(func() {
		cleanupTestRepo(repoDir, tmpDir)
	})

	runData := func(addr string) statuslineOutput {
		cmd := exec.Command(ctlBinaryPath, "statusline-data", "--addr", addr)
		cmd.Dir = repoDir
		output, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "output: %s", string(output))
		var decoded statuslineOutput
		Expect(json.Unmarshal(output, &decoded)).To(Succeed())
		return decoded
	}

	It("reports daemon_alive false when conduitd isn't reachable", func() {
		data := runData("http://127.0.0.1:1")
		Expect(data.DaemonAlive).To(BeFalse())
		Expect(data.Branch).To(Equal("main"))
		Expect(data.Requests).To(BeEmpty())
	})

	Context("with a running daemon", func() {
		var port int
		var addr string
		var daemon *exec.Cmd

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
		})

		AfterEach(func() {
			if daemon.Process != nil {
				daemon.Process.Signal(syscall.SIGTERM)
				_, _ = daemon.Process.Wait()
			}
		})

		It("reports daemon_alive true with no requests for the current branch", func() {
			data := runData("http://" + addr)
			Expect(data.DaemonAlive).To(BeTrue())
			Expect(data.Branch).To(Equal("main"))
			Expect(data.Requests).To(BeEmpty())
		})
	})
})
