package acceptance_test

import (
	"os"
	"os/exec"
	"path/filepath"

	. "github.com/onsi/gomega"
)

// runGit runs a git command with a fixed test identity, failing the
// current spec on error.
func runGit(dir string, args ...string) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Test",
		"GIT_AUTHOR_EMAIL=test@test.com",
		"GIT_COMMITTER_NAME=Test",
		"GIT_COMMITTER_EMAIL=test@test.com",
	)
	out, err := cmd.CombinedOutput()
	ExpectWithOffset(1, err).NotTo(HaveOccurred(), "git %v: %s", args, string(out))
}

func runGitOutput(dir string, args ...string) string {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	ExpectWithOffset(1, err).NotTo(HaveOccurred(), "git %v: %s", args, string(out))
	return string(out)
}

func writeFile(path, content string) {
	dir := filepath.Dir(path)
	err := os.MkdirAll(dir, 0755)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	err = os.WriteFile(path, []byte(content), 0644)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
}

// initTestRepo creates a fresh git repo with one commit on main under
// tmpDir/repo and returns its path.
func initTestRepo(tmpDir string) string {
	repoDir := filepath.Join(tmpDir, "repo")
	runGit(tmpDir, "init", repoDir)
	runGit(repoDir, "checkout", "-b", "main")
	writeFile(filepath.Join(repoDir, "hello.txt"), "hello world\n")
	runGit(repoDir, "add", "hello.txt")
	runGit(repoDir, "commit", "-m", "initial commit")
	return repoDir
}
