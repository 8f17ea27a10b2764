package acceptance_test

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("conduitctl trigger", func() {
	var tmpDir string
	var repoDir string
	var port int
	var addr string

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "conduit-trigger-test-*")
		Expect(err).NotTo(HaveOccurred())
		repoDir = initTestRepo(tmpDir)

		port = freePort()
		addr = fmt.Sprintf("http://127.0.0.1:%d", port)
	})

	AfterEach(func() {
		resp, err := http.Get(addr + "/health")
		if err == nil {
			resp.Body.Close()
			http.Post(addr+"/pipeline/does-not-matter/stop", "application/json", nil)
		}
		exec.Command("pkill", "-f", daemonBinaryPath).Run()
		cleanupTestRepo(repoDir, tmpDir)
	})

	It("spawns conduitd when it is not already running and submits the current branch", func() {
		runGit(repoDir, "checkout", "-b", "feature/triggered")
		writeFile(repoDir+"/change.txt", "change\n")
		runGit(repoDir, "add", "change.txt")
		runGit(repoDir, "commit", "-m", "triggered change")

		cmd := exec.Command(ctlBinaryPath, "trigger", "--addr", addr)
		cmd.Dir = repoDir
		cmd.Env = append(os.Environ(), "PORT="+fmt.Sprint(port), "PROJECT_PATH="+repoDir)
		output, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "trigger failed: %s", string(output))

		Expect(waitForHealth(fmt.Sprintf("127.0.0.1:%d", port), 10*time.Second)).To(Succeed())

		resp, err := http.Get(addr + "/pipeline/list")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})
})
