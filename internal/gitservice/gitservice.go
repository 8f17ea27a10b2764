// Package gitservice provides typed wrappers over git/gh operations:
// branch listing, worktree create/remove, diff, status summary,
// stage/commit/push, PR, and merge with rebase-first conflict handling.
// Grounded on the teacher's internal/git package (retry-on-transient-error
// wrapper, rebase-then-reset idiom) generalized to the spec's full
// operation set.
package gitservice

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/re-cinq/conduit/internal/errs"
)

const (
	retryInitialDelay = 200 * time.Millisecond
	retryMaxAttempts  = 6
	retryMultiplier   = 2
)

var transientPatterns = []string{
	"index file open failed",
	"index.lock",
	"cannot lock ref",
}

func isTransient(errMsg string) bool {
	for _, p := range transientPatterns {
		if strings.Contains(errMsg, p) {
			return true
		}
	}
	return false
}

// Identity carries optional author/token overrides for identity-aware
// commands. The token, if set, is passed as GH_TOKEN and never logged.
type Identity struct {
	AuthorName  string
	AuthorEmail string
	GithubToken string
}

// Repo wraps git operations rooted at an absolute, canonicalized directory.
type Repo struct {
	Dir string
}

var sleepFunc = time.Sleep

// Open canonicalizes dir and verifies it exists before returning a Repo —
// the path-traversal guard named in the spec.
func Open(dir string) (*Repo, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errs.BadRequest("resolving repo path %q: %v", dir, err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, errs.BadRequest("repo path does not exist: %v", err)
	}
	return &Repo{Dir: real}, nil
}

func (r *Repo) run(args ...string) (string, error) {
	return r.runWithEnv(nil, args...)
}

func (r *Repo) runWithEnv(env []string, args ...string) (string, error) {
	delay := retryInitialDelay
	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		cmd := exec.Command("git", args...)
		cmd.Dir = r.Dir
		if len(env) > 0 {
			cmd.Env = append(cmd.Environ(), env...)
		}
		out, err := cmd.CombinedOutput()
		if err == nil {
			return strings.TrimSpace(string(out)), nil
		}
		errMsg := strings.TrimSpace(string(out))
		if !isTransient(errMsg) || attempt == retryMaxAttempts-1 {
			return "", errs.ProcessError(err, "git %s: %s", strings.Join(args, " "), errMsg)
		}
		sleepFunc(delay)
		delay *= retryMultiplier
	}
	return "", nil
}

// ListBranches returns local branches; if there are none, falls back to
// remote-tracking branches with the origin/ prefix stripped and deduped.
func (r *Repo) ListBranches() ([]string, error) {
	out, err := r.run("for-each-ref", "--format=%(refname:short)", "refs/heads/")
	if err != nil {
		return nil, err
	}
	local := splitNonEmpty(out)
	if len(local) > 0 {
		return local, nil
	}
	out, err = r.run("for-each-ref", "--format=%(refname:short)", "refs/remotes/")
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var result []string
	for _, ref := range splitNonEmpty(out) {
		name := strings.TrimPrefix(ref, "origin/")
		if name == "HEAD" || seen[name] {
			continue
		}
		seen[name] = true
		result = append(result, name)
	}
	return result, nil
}

// CurrentBranch returns the checked-out branch name, used by conduitctl
// to resolve which branch a gate/trigger invocation runs against.
func (r *Repo) CurrentBranch() (string, error) {
	out, err := r.run("rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// GetDefaultBranch resolves the project's default branch: prefer
// refs/remotes/origin/HEAD, else the first of {main, master, develop}
// that exists, else the first branch, else "".
func (r *Repo) GetDefaultBranch() (string, error) {
	if out, err := r.run("symbolic-ref", "refs/remotes/origin/HEAD"); err == nil && out != "" {
		return strings.TrimPrefix(out, "refs/remotes/origin/"), nil
	}
	branches, err := r.ListBranches()
	if err != nil {
		return "", err
	}
	for _, candidate := range []string{"main", "master", "develop"} {
		for _, b := range branches {
			if b == candidate {
				return b, nil
			}
		}
	}
	if len(branches) > 0 {
		return branches[0], nil
	}
	return "", nil
}

// StageFiles filters out gitignored paths via the project's .gitignore
// before staging, so one ignored entry cannot fail the whole batch.
func (r *Repo) StageFiles(paths []string) error {
	ign, _ := ignore.CompileIgnoreFile(filepath.Join(r.Dir, ".gitignore"))
	var toStage []string
	for _, p := range paths {
		if ign != nil && ign.MatchesPath(p) {
			continue
		}
		toStage = append(toStage, p)
	}
	if len(toStage) == 0 {
		return nil
	}
	args := append([]string{"add", "--"}, toStage...)
	_, err := r.run(args...)
	return err
}

func (r *Repo) StageAll() error {
	_, err := r.run("add", "-A")
	return err
}

func (r *Repo) HasChanges() (bool, error) {
	out, err := r.run("status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

func (r *Repo) Commit(message string, id Identity) error {
	args := []string{"commit", "--no-verify", "-m", message}
	if id.AuthorName != "" && id.AuthorEmail != "" {
		args = append(args, "--author", fmt.Sprintf("%s <%s>", id.AuthorName, id.AuthorEmail))
	}
	_, err := r.run(args...)
	return err
}

func (r *Repo) HeadCommit(branch string) (string, error) {
	return r.run("rev-parse", branch)
}

func (r *Repo) BranchExists(branch string) bool {
	_, err := r.run("rev-parse", "--verify", branch)
	return err == nil
}

func (r *Repo) CreateBranch(name, from string) error {
	_, err := r.run("branch", name, from)
	return err
}

func (r *Repo) CreateWorktree(path, branch string) error {
	_, err := r.run("worktree", "add", path, branch)
	return err
}

func (r *Repo) RemoveWorktree(path string) error {
	_, err := r.run("worktree", "remove", "--force", path)
	return err
}

// DeleteBranch force-deletes a local branch, used by the Director after
// a successful merge when cleanup.delete_branch is enabled.
func (r *Repo) DeleteBranch(name string) (string, error) {
	return r.run("branch", "-D", name)
}

func (r *Repo) abortRebase() {
	_, _ = r.run("rebase", "--abort")
}

// Rebase rebases the current branch onto targetBranch. On conflict it
// aborts and hard-resets to targetBranch — branches this is used for
// (pipeline/concern branches) are regenerated by an agent, so discarding
// conflicting commits is safe and matches the teacher's behavior.
func (r *Repo) Rebase(targetBranch string) error {
	r.abortRebase()
	_, err := r.run("rebase", targetBranch)
	if err != nil {
		r.abortRebase()
		if _, resetErr := r.run("reset", "--hard", targetBranch); resetErr != nil {
			return errs.ProcessError(resetErr, "rebase %s failed and reset also failed", targetBranch)
		}
	}
	return nil
}

// RebaseInPlace rebases targetBranch into the branch checked out at
// worktreePath, without resetting on conflict — used by the Director,
// which must leave the feature branch untouched on conflict so a
// conflict-resolution agent can inspect it.
func (r *Repo) RebaseInPlace(worktreePath, targetBranch string) error {
	wt := &Repo{Dir: worktreePath}
	wt.abortRebase()
	if _, err := wt.run("rebase", targetBranch); err != nil {
		wt.abortRebase()
		return errs.Conflict("rebase onto %s conflicted: %v", targetBranch, err)
	}
	return nil
}

// MergeBranch implements the spec's rebase-first merge: rebase in the
// worktree (if provided), verify the main tree is clean, checkout target,
// merge --no-ff, and on ANY failure abort the merge and return to the
// original branch — the main repo's HEAD and working tree at return time
// equal their pre-call state on any failure path (invariant 8).
func (r *Repo) MergeBranch(featureBranch, targetBranch string, id Identity, worktreePath string) error {
	if worktreePath != "" {
		if err := r.RebaseInPlace(worktreePath, targetBranch); err != nil {
			return err
		}
	}

	dirty, err := r.HasChanges()
	if err != nil {
		return err
	}
	if dirty {
		return errs.Conflict("main repo working tree is not clean, refusing to merge")
	}

	origBranch, err := r.run("rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return err
	}

	if _, err := r.run("checkout", targetBranch); err != nil {
		return errs.ProcessError(err, "checking out %s", targetBranch)
	}

	args := []string{"merge", "--no-ff", "-m", fmt.Sprintf("Merge branch '%s' into %s", featureBranch, targetBranch)}
	if id.AuthorName != "" && id.AuthorEmail != "" {
		args = append(args, "--author", fmt.Sprintf("%s <%s>", id.AuthorName, id.AuthorEmail))
	}
	args = append(args, featureBranch)

	if _, err := r.run(args...); err != nil {
		_, _ = r.run("merge", "--abort")
		_, _ = r.run("checkout", origBranch)
		return errs.Conflict("merge of %s into %s failed: %v", featureBranch, targetBranch, err)
	}
	return nil
}

// StatusSummary is the result of GetStatusSummary.
type StatusSummary struct {
	DirtyFileCount      int
	UnpushedCommitCount int
	HasRemoteBranch     bool
	IsMergedIntoBase    bool
	LinesAdded          int
	LinesDeleted        int
}

// GetStatusSummary computes the status fields named in the spec, careful
// to distinguish "actually merged" from "never diverged" (invariant 9):
// if merge-base(base, branch) == tip(branch), the branch has no unique
// commits and must NOT report merged.
func (r *Repo) GetStatusSummary(worktreeCwd, baseBranch string) (*StatusSummary, error) {
	wt := &Repo{Dir: worktreeCwd}

	out, err := wt.run("status", "--porcelain")
	if err != nil {
		return nil, err
	}
	dirty := splitNonEmpty(out)

	branch, err := wt.run("rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, err
	}

	hasRemote := false
	if _, err := wt.run("rev-parse", "--verify", "origin/"+branch); err == nil {
		hasRemote = true
	}

	unpushed := 0
	if hasRemote {
		if out, err := wt.run("rev-list", "--count", "origin/"+branch+".."+branch); err == nil {
			unpushed, _ = strconv.Atoi(strings.TrimSpace(out))
		}
	} else {
		if out, err := wt.run("rev-list", "--count", branch); err == nil {
			unpushed, _ = strconv.Atoi(strings.TrimSpace(out))
		}
	}

	merged := false
	if baseBranch != "" {
		mergeBase, errMB := wt.run("merge-base", baseBranch, branch)
		tip, errTip := wt.run("rev-parse", branch)
		if errMB == nil && errTip == nil {
			merged = mergeBase != tip && isAncestor(wt, tip, baseBranch)
		}
	}

	added, deleted := 0, 0
	if statOut, err := wt.run("diff", "--shortstat", baseBranch+"..."+branch); err == nil {
		added, deleted = parseShortstat(statOut)
	}

	return &StatusSummary{
		DirtyFileCount:      len(dirty),
		UnpushedCommitCount: unpushed,
		HasRemoteBranch:     hasRemote,
		IsMergedIntoBase:    merged,
		LinesAdded:          added,
		LinesDeleted:        deleted,
	}, nil
}

// DiffFileCount returns the number of files changed in branch relative
// to baseBranch, used by the Pipeline Runner's tier classification.
func (r *Repo) DiffFileCount(worktreeCwd, baseBranch, branch string) (int, error) {
	wt := &Repo{Dir: worktreeCwd}
	out, err := wt.run("diff", "--name-only", baseBranch+"..."+branch)
	if err != nil {
		return 0, err
	}
	return len(splitNonEmpty(out)), nil
}

func isAncestor(r *Repo, commit, branch string) bool {
	_, err := r.run("merge-base", "--is-ancestor", commit, branch)
	return err == nil
}

// SyncState classifies a StatusSummary into one coarse state, with
// precedence dirty → unpushed → merged → pushed → clean.
type SyncState string

const (
	SyncDirty    SyncState = "dirty"
	SyncUnpushed SyncState = "unpushed"
	SyncPushed   SyncState = "pushed"
	SyncMerged   SyncState = "merged"
	SyncClean    SyncState = "clean"
)

func DeriveGitSyncState(s *StatusSummary) SyncState {
	switch {
	case s.DirtyFileCount > 0:
		return SyncDirty
	case s.UnpushedCommitCount > 0:
		return SyncUnpushed
	case s.IsMergedIntoBase:
		return SyncMerged
	case s.HasRemoteBranch:
		return SyncPushed
	default:
		return SyncClean
	}
}

func splitNonEmpty(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	var out []string
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

func parseShortstat(s string) (added, deleted int) {
	// e.g. " 3 files changed, 12 insertions(+), 4 deletions(-)"
	fields := strings.Split(s, ",")
	for _, f := range fields {
		f = strings.TrimSpace(f)
		switch {
		case strings.Contains(f, "insertion"):
			fmt.Sscanf(f, "%d", &added)
		case strings.Contains(f, "deletion"):
			fmt.Sscanf(f, "%d", &deleted)
		}
	}
	return
}
