package acceptance_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("pipeline request isolation", func() {
	var tmpDir string
	var repoDir string
	var port int
	var addr string
	var daemon *exec.Cmd

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "conduit-failure-test-*")
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

	It("a failing request does not block an independent request's progress", func() {
		for _, b := range []string{"feature/broken", "feature/working"} {
			runGit(repoDir, "checkout", "-b", b)
			writeFile(repoDir+"/"+b+".txt", "change\n")
			runGit(repoDir, "add", b+".txt")
			runGit(repoDir, "commit", "-m", "change on "+b)
			runGit(repoDir, "checkout", "main")
		}

		var wg sync.WaitGroup
		ids := make([]string, 2)
		branches := []string{"feature/broken", "feature/working"}
		wg.Add(2)
		for i, b := range branches {
			go func(i int, branch string) {
				defer wg.Done()
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
				id, _ := decoded["request_id"].(string)
				Expect(id).NotTo(BeEmpty())
				ids[i] = id
			}(i, b)
		}
		wg.Wait()

		// Both requests reach a terminal status independently; one
		// never reaching "approved" (no podman in this environment)
		// must not prevent the other's status from being observable.
		for _, id := range ids {
			view := pollPipeline(addr, id, 10*time.Second)
			Expect(view["status"]).NotTo(BeEmpty())
		}
	})
})
