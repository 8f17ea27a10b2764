// Package sandbox manages per-request Podman containers with a
// snapshotted (not bind-mounted) .git directory and a process-spawn
// redirection hook that makes an upstream agent SDK execute inside the
// container transparently. Grounded on maruel/caic's internal/container
// package (an Ops interface wrapping an external container CLI via
// os/exec, label-based naming, name-derived branch reconstruction),
// adapted from the `md`/docker CLI to `podman`.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/re-cinq/conduit/internal/errs"
	"github.com/re-cinq/conduit/internal/fsm"
)

const containerPrefix = "pipeline-sandbox-"

// Ops abstracts podman container lifecycle operations so tests can
// substitute a fake without shelling out.
type Ops interface {
	Start(ctx context.Context, name string, worktreePath, hostSDKPath string) error
	Exec(ctx context.Context, name, user, cwd, command string, args []string) ([]byte, []byte, error)
	Stop(ctx context.Context, name string) error
	ListNames(ctx context.Context, prefix string) ([]string, error)
}

// Podman implements Ops using the real podman CLI.
type Podman struct{}

func (Podman) Start(ctx context.Context, name, worktreePath, hostSDKPath string) error {
	args := []string{
		"run", "-d", "--name", name,
		"-v", worktreePath + ":/mnt/source:ro",
		"-w", "/workspace",
	}
	if hostSDKPath != "" {
		args = append(args, "-v", hostSDKPath+":/opt/claude-sdk:ro")
	}
	if home, err := os.UserHomeDir(); err == nil {
		claudeAuth := filepath.Join(home, ".claude")
		if _, statErr := os.Stat(claudeAuth); statErr == nil {
			args = append(args, "-v", claudeAuth+":/home/sandbox/.claude:ro")
		}
	}
	args = append(args, "pipeline-sandbox:latest", "sleep", "infinity")

	cmd := exec.CommandContext(ctx, "podman", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("podman run: %w: %s", err, stderr.String())
	}
	return nil
}

func (Podman) Exec(ctx context.Context, name, user, cwd, command string, args []string) ([]byte, []byte, error) {
	full := append([]string{"exec", "-i", "--user", user, "-w", cwd, name, command}, args...)
	cmd := exec.CommandContext(ctx, "podman", full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

func (Podman) Stop(ctx context.Context, name string) error {
	cmd := exec.CommandContext(ctx, "podman", "rm", "-f", name)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("podman rm: %w: %s", err, stderr.String())
	}
	return nil
}

func (Podman) ListNames(ctx context.Context, prefix string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "podman", "ps", "-a", "--filter", "name="+prefix, "--format", "{{.Names}}")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("podman ps: %w", err)
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// State tracks one sandbox's lifecycle, mirroring the spec's SandboxState entity.
type State struct {
	RequestID     string
	ContainerName string
	WorktreePath  string
	machine       *fsm.Machine[fsm.SandboxStatus]
}

func (s *State) Status() fsm.SandboxStatus { return s.machine.State() }

// Manager owns sandbox lifecycle for all in-flight pipeline requests.
type Manager struct {
	ops         Ops
	hostSDKPath string
}

func New(ops Ops, hostSDKPath string) *Manager {
	return &Manager{ops: ops, hostSDKPath: hostSDKPath}
}

func containerName(requestID string) string {
	return containerPrefix + requestID
}

// StartSandbox runs a container for requestID, snapshots worktreePath
// into it (excluding .git), and reconstructs .git inside the container —
// bind-mounting the host .git is unreliable across host OSes, so the
// working copy is copied in and a fresh repo is built from it.
func (m *Manager) StartSandbox(ctx context.Context, requestID, worktreePath, branch, remoteURL string) (*State, error) {
	name := containerName(requestID)
	state := &State{RequestID: requestID, ContainerName: name, WorktreePath: worktreePath, machine: fsm.NewSandboxMachine()}

	if err := m.ops.Start(ctx, name, worktreePath, m.hostSDKPath); err != nil {
		_ = state.machine.Transition(fsm.SandboxFailed)
		return state, errs.Wrap(errs.KindProcessError, "starting sandbox", err)
	}

	if _, _, err := m.ops.Exec(ctx, name, "root", "/", "git", []string{"config", "--global", "--add", "safe.directory", "*"}); err != nil {
		_ = state.machine.Transition(fsm.SandboxFailed)
		return state, errs.Wrap(errs.KindProcessError, "configuring safe.directory in sandbox", err)
	}

	if _, _, err := m.ops.Exec(ctx, name, "sandbox", "/", "sh", []string{
		"-c", "cp -a /mnt/source/. /workspace/ && rm -rf /workspace/.git && chown -R sandbox:sandbox /workspace",
	}); err != nil {
		_ = state.machine.Transition(fsm.SandboxFailed)
		return state, errs.Wrap(errs.KindProcessError, "snapshotting source into sandbox", err)
	}

	if err := m.reconstructGit(ctx, name, branch, remoteURL); err != nil {
		_ = state.machine.Transition(fsm.SandboxFailed)
		return state, err
	}

	_ = state.machine.Transition(fsm.SandboxRunning)
	return state, nil
}

func (m *Manager) reconstructGit(ctx context.Context, containerName, branch, remoteURL string) error {
	var script string
	if remoteURL != "" {
		script = fmt.Sprintf(
			"cd /workspace && git init && git remote add origin %q && git fetch --depth=50 origin %q && git checkout -b %q FETCH_HEAD && git add -A && git reset HEAD",
			remoteURL, branch, branch)
	} else {
		script = fmt.Sprintf(
			`cd /workspace && git init && git checkout -b %q && git add -A && git commit -m "sandbox snapshot"`,
			branch)
	}
	if _, stderr, err := m.ops.Exec(ctx, containerName, "sandbox", "/workspace", "sh", []string{"-c", script}); err != nil {
		return errs.Wrap(errs.KindProcessError, "reconstructing sandbox .git: "+string(stderr), err)
	}
	return nil
}

// SpawnFunc is the shape the upstream agent SDK invokes to launch a
// subprocess. CreateSpawnFn returns one that transparently redirects
// into the sandbox container instead of the host.
type SpawnFunc func(ctx context.Context, cwd, command string, args, env []string) ([]byte, []byte, error)

// hostOnlyEnvPrefixes are stripped from the spawn closure's env — they
// describe the HOST shell, not the container.
var hostOnlyEnvPrefixes = []string{"PATH=", "SHELL=", "APPDATA=", "NVM_", "HOME="}

// CreateSpawnFn returns a closure conforming to the SDK's spawn hook:
// it rewrites any argument referencing the host SDK path to the
// container mount point and execs via `podman exec` as the sandbox user.
// The closure computes a filtered environment (host-only vars removed,
// HOME and TMPDIR overridden) but does not pass it to the container:
// Ops.Exec takes no environment, so the exec gets the container's own.
func (m *Manager) CreateSpawnFn(requestID, cwd, hostSDKPath string) SpawnFunc {
	name := containerName(requestID)
	return func(ctx context.Context, execCwd, command string, args, env []string) ([]byte, []byte, error) {
		rewrittenArgs := make([]string, len(args))
		for i, a := range args {
			if hostSDKPath != "" {
				rewrittenArgs[i] = strings.ReplaceAll(a, hostSDKPath, "/opt/claude-sdk")
			} else {
				rewrittenArgs[i] = a
			}
		}
		filtered := make([]string, 0, len(env))
		for _, e := range env {
			skip := false
			for _, prefix := range hostOnlyEnvPrefixes {
				if strings.HasPrefix(e, prefix) {
					skip = true
					break
				}
			}
			if !skip {
				filtered = append(filtered, e)
			}
		}
		filtered = append(filtered, "HOME=/home/sandbox", "TMPDIR=/tmp")

		if execCwd == "" {
			execCwd = cwd
		}
		return m.ops.Exec(ctx, name, "sandbox", execCwd, command, rewrittenArgs)
	}
}

// StopSandbox removes the container for requestID.
func (m *Manager) StopSandbox(ctx context.Context, state *State) error {
	_ = state.machine.Transition(fsm.SandboxStopping)
	if err := m.ops.Stop(ctx, state.ContainerName); err != nil {
		_ = state.machine.Transition(fsm.SandboxFailed)
		return err
	}
	_ = state.machine.Transition(fsm.SandboxStopped)
	return nil
}

// KillOrphans removes any sandbox container left running from a process
// that did not shut down cleanly. Intended to run once at startup.
func (m *Manager) KillOrphans(ctx context.Context) error {
	names, err := m.ops.ListNames(ctx, containerPrefix)
	if err != nil {
		return err
	}
	var firstErr error
	for _, name := range names {
		if err := m.ops.Stop(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RequestIDFromContainer derives the requestId a container belongs to,
// the inverse of containerName — used by orphan sweeps and status queries.
func RequestIDFromContainer(name string) (string, bool) {
	if !strings.HasPrefix(name, containerPrefix) {
		return "", false
	}
	return name[len(containerPrefix):], true
}
