package acceptance_test

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// freePort asks the OS for an unused TCP port by binding to :0 and
// immediately releasing it — a small race (another process could grab
// it first) but the standard trick for test harnesses that need a port
// before the server they're testing exists.
func freePort() int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func waitForHealth(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not become healthy within %s", timeout)
}

var _ = Describe("conduitd", func() {
	var tmpDir string
	var repoDir string
	var port int
	var addr string
	var cmd *exec.Cmd

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "conduitd-test-*")
		Expect(err).NotTo(HaveOccurred())
		repoDir = initTestRepo(tmpDir)

		port = freePort()
		addr = fmt.Sprintf("127.0.0.1:%d", port)

		cmd = exec.Command(daemonBinaryPath)
		cmd.Dir = repoDir
		cmd.Env = append(os.Environ(),
			"PROJECT_PATH="+repoDir,
			fmt.Sprintf("PORT=%d", port),
		)
		Expect(cmd.Start()).To(Succeed())
		Expect(waitForHealth(addr, 5*time.Second)).To(Succeed())
	})

	AfterEach(func() {
		if cmd.Process != nil {
			cmd.Process.Signal(syscall.SIGTERM)
			_, _ = cmd.Process.Wait()
		}
		cleanupTestRepo(repoDir, tmpDir)
	})

	It("answers /health once started", func() {
		resp, err := http.Get("http://" + addr + "/health")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		body, _ := io.ReadAll(resp.Body)
		Expect(string(body)).To(ContainSubstring("healthy"))
	})

	It("returns 404 for an unknown pipeline request", func() {
		resp, err := http.Get("http://" + addr + "/pipeline/does-not-exist")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})

	It("lists zero pipelines on a freshly started daemon", func() {
		resp, err := http.Get("http://" + addr + "/pipeline/list")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		body, _ := io.ReadAll(resp.Body)
		Expect(strings.TrimSpace(string(body))).To(Equal("[]"))
	})

	It("shuts down cleanly on SIGTERM", func() {
		Expect(cmd.Process.Signal(syscall.SIGTERM)).To(Succeed())
		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()
		select {
		case err := <-done:
			Expect(err).NotTo(HaveOccurred())
		case <-time.After(5 * time.Second):
			Fail("conduitd did not exit within 5s of SIGTERM")
		}
	})

	It("rejects a second daemon bound to the same port", func() {
		other := exec.Command(daemonBinaryPath)
		other.Dir = repoDir
		other.Env = append(os.Environ(),
			"PROJECT_PATH="+repoDir,
			fmt.Sprintf("PORT=%d", port),
		)
		output, err := other.CombinedOutput()
		Expect(err).To(HaveOccurred(), "second daemon unexpectedly started: %s", string(output))
	})

	It("rejects PROJECT_PATH that is not a git repository", func() {
		nonRepo := filepath.Join(tmpDir, "not-a-repo")
		Expect(os.MkdirAll(nonRepo, 0o755)).To(Succeed())

		badPort := freePort()
		bad := exec.Command(daemonBinaryPath)
		bad.Dir = nonRepo
		bad.Env = append(os.Environ(),
			"PROJECT_PATH="+nonRepo,
			fmt.Sprintf("PORT=%d", badPort),
		)
		output, err := bad.CombinedOutput()
		Expect(err).To(HaveOccurred(), "daemon unexpectedly started against a non-repo: %s", string(output))
	})
})
