// Package procrunner spawns external processes for conduit's other
// subsystems (git, gh, podman, agent CLIs), capturing stdout/stderr
// concurrently with waiting for exit so a process that closes its pipes
// late never truncates output, and enforcing a global concurrency cap so
// a burst of pipeline requests cannot fork-bomb the host.
package procrunner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sync/semaphore"
)

// defaultTimeout is applied when Options.Timeout is zero.
const defaultTimeout = 30 * time.Second

// defaultPoolWeight is the global child-process concurrency cap.
const defaultPoolWeight = 6

// Result is the outcome of a completed process.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Options configures a single Execute call.
type Options struct {
	Dir             string
	Env             []string // overlay appended to os.Environ()
	Stdin           []byte
	Timeout         time.Duration
	RejectOnNonZero bool // zero value accepts any exit code; ExecuteDefault sets it to true
	SkipPool        bool // bypass the global pool for single-shot critical ops
	UsePTY          bool // allocate a PTY for stdout/stderr (line-buffered output)
}

// ProcessExecutionError is returned for a non-zero exit when
// RejectOnNonZero is set. Failures to start or run the process are
// returned as plain wrapped errors, not as this type.
type ProcessExecutionError struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *ProcessExecutionError) Error() string {
	return fmt.Sprintf("command failed (exit %d): %s\n%s", e.ExitCode, e.Command, e.Stderr)
}

// TimeoutError carries whatever partial output was captured before the
// process was killed for exceeding its deadline.
type TimeoutError struct {
	Command string
	Stdout  string
	Stderr  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command timed out: %s", e.Command)
}

// Runner owns the global process pool. The zero value is not usable;
// construct with New.
type Runner struct {
	pool *semaphore.Weighted
}

// New creates a Runner with the default pool weight.
func New() *Runner {
	return &Runner{pool: semaphore.NewWeighted(defaultPoolWeight)}
}

// NewWithWeight creates a Runner with a custom pool weight, primarily for tests.
func NewWithWeight(weight int64) *Runner {
	return &Runner{pool: semaphore.NewWeighted(weight)}
}

// Execute runs command with args, honoring Options. It rejects a non-zero
// exit only when opts.RejectOnNonZero is set; with the zero-value Options
// any exit code is accepted and returned in the Result. ExecuteDefault
// below sets RejectOnNonZero to true.
func (r *Runner) Execute(ctx context.Context, command string, args []string, opts Options) (*Result, error) {
	if !opts.SkipPool {
		if err := r.pool.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("acquiring process pool slot: %w", err)
		}
		defer r.pool.Release(1)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, command, args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmdString := command + " " + strings.Join(args, " ")

	if opts.UsePTY {
		if err := runWithPTY(cmd, opts.Stdin, &stdoutBuf); err != nil && !isExitError(err) {
			if runCtx.Err() == context.DeadlineExceeded {
				return nil, &TimeoutError{Command: cmdString, Stdout: stdoutBuf.String()}
			}
			return nil, fmt.Errorf("running %s: %w", cmdString, err)
		}
	} else {
		if len(opts.Stdin) > 0 {
			cmd.Stdin = bytes.NewReader(opts.Stdin)
		}
		cmd.Stdout = &stdoutBuf
		cmd.Stderr = &stderrBuf
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("starting %s: %w", cmdString, err)
		}
		err := cmd.Wait()
		if err != nil && runCtx.Err() == context.DeadlineExceeded {
			return nil, &TimeoutError{Command: cmdString, Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}
		}
		if err != nil && !isExitError(err) {
			return nil, fmt.Errorf("running %s: %w", cmdString, err)
		}
	}

	exitCode := cmd.ProcessState.ExitCode()
	result := &Result{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String(), ExitCode: exitCode}

	reject := opts.RejectOnNonZero
	if exitCode != 0 && reject {
		return result, &ProcessExecutionError{
			Command:  cmdString,
			ExitCode: exitCode,
			Stdout:   result.Stdout,
			Stderr:   result.Stderr,
		}
	}
	return result, nil
}

// ExecuteDefault runs Execute with RejectOnNonZero defaulted to true, the
// documented default behavior, since Go's zero value for bool is false.
func (r *Runner) ExecuteDefault(ctx context.Context, command string, args []string, opts Options) (*Result, error) {
	opts.RejectOnNonZero = true
	return r.Execute(ctx, command, args, opts)
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

// runWithPTY allocates a PTY for stdout/stderr so line-buffered tools
// (agent CLIs) stream output incrementally, matching the teacher's
// invokeAgent. Stdin stays a regular pipe so the child sees a proper EOF.
func runWithPTY(cmd *exec.Cmd, stdin []byte, output io.Writer) error {
	ptmx, pts, err := pty.Open()
	if err != nil {
		return fmt.Errorf("opening pty: %w", err)
	}
	defer ptmx.Close()

	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = pts
	cmd.Stderr = pts

	if err := cmd.Start(); err != nil {
		pts.Close()
		return fmt.Errorf("starting process: %w", err)
	}
	pts.Close()

	if _, err := io.Copy(output, ptmx); err != nil {
		// A PTY read returns EIO when the child exits; this is expected,
		// not a real I/O failure.
		var pathErr *os.PathError
		if !(errors.As(err, &pathErr) && strings.Contains(pathErr.Error(), "input/output error")) {
			return fmt.Errorf("reading pty output: %w", err)
		}
	}
	return cmd.Wait()
}
