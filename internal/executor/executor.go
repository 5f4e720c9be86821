// Package executor runs approved commands under fail-closed controls:
// sanitized environment, restricted PATH, resource ceilings, capped output
// and a verified backup of every file the command is expected to touch.
// Any precondition failure means the command does not spawn at all.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/warden/internal/classify"
	"github.com/codefionn/warden/internal/logger"
	"github.com/codefionn/warden/internal/rollback"
)

// Status is the outcome of one execution attempt.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
	StatusBlocked Status = "blocked"
	StatusDryRun  Status = "dry_run"
)

// ErrBlockedByPolicy means a precondition refused the command before it
// could spawn.
var ErrBlockedByPolicy = errors.New("execution blocked by policy")

// termGrace is how long a timed-out process group gets between SIGTERM
// and SIGKILL.
const termGrace = 5 * time.Second

// Limits are the resource ceilings applied to a spawned command.
type Limits struct {
	Timeout        time.Duration
	MaxCPUSeconds  int
	MaxMemoryBytes int64
	MaxOutputBytes int64
}

// Context carries the per-execution policy.
type Context struct {
	WorkingDir       string
	AllowedPathRoots []string
	SensitiveEnvVars []string
	EnvWhitelist     []string
	SafePathDirs     []string
	Limits           Limits
	DryRun           bool
}

// Result is what one execution produced.
type Result struct {
	Status        Status        `json:"status"`
	ExitCode      int           `json:"exit_code"`
	Stdout        string        `json:"stdout,omitempty"`
	Stderr        string        `json:"stderr,omitempty"`
	Truncated     bool          `json:"truncated,omitempty"`
	Duration      time.Duration `json:"duration"`
	CheckpointID  string        `json:"checkpoint_id,omitempty"`
	BlockedReason string        `json:"blocked_reason,omitempty"`
}

// Executor spawns commands. Mutating commands are serialized per path root
// so two of them never interleave writes under the same tree; read-only
// commands run freely in parallel.
type Executor struct {
	rollback *rollback.Manager
	log      *logger.Logger

	mu        sync.Mutex
	rootLocks map[string]*sync.Mutex
}

// New builds an Executor using the given rollback manager for backups.
func New(rb *rollback.Manager, log *logger.Logger) *Executor {
	return &Executor{
		rollback:  rb,
		log:       log.WithPrefix("executor"),
		rootLocks: make(map[string]*sync.Mutex),
	}
}

// Execute runs a classified command under the given policy. itemID ties
// the checkpoint to the approval item that authorized the run.
//
// The order of checks is deliberate: policy refusals and backup failures
// happen before the process exists, so a failure at any precondition
// leaves the host untouched.
func (e *Executor) Execute(ctx context.Context, res classify.Result, ec Context, itemID string) (*Result, error) {
	raw := res.Command.Raw

	if res.Risk == classify.RiskBlocked {
		e.log.Warn("refusing blocked command: %s", res.Reasoning)
		return &Result{Status: StatusBlocked, BlockedReason: res.Reasoning},
			fmt.Errorf("%w: %s", ErrBlockedByPolicy, res.Reasoning)
	}

	if ec.WorkingDir == "" {
		return &Result{Status: StatusBlocked, BlockedReason: "no working directory"},
			fmt.Errorf("%w: no working directory", ErrBlockedByPolicy)
	}
	if info, err := os.Stat(ec.WorkingDir); err != nil || !info.IsDir() {
		reason := fmt.Sprintf("working directory %s does not exist", ec.WorkingDir)
		return &Result{Status: StatusBlocked, BlockedReason: reason},
			fmt.Errorf("%w: %s", ErrBlockedByPolicy, reason)
	}
	if len(ec.AllowedPathRoots) > 0 && !underAnyRoot(ec.WorkingDir, ec.AllowedPathRoots) {
		reason := fmt.Sprintf("working directory %s is outside allowed roots", ec.WorkingDir)
		return &Result{Status: StatusBlocked, BlockedReason: reason},
			fmt.Errorf("%w: %s", ErrBlockedByPolicy, reason)
	}

	mutating := isMutating(res)
	targets, err := e.resolveTargets(res, ec)
	if err != nil {
		reason := err.Error()
		return &Result{Status: StatusBlocked, BlockedReason: reason},
			fmt.Errorf("%w: %s", ErrBlockedByPolicy, reason)
	}

	if mutating && len(ec.AllowedPathRoots) > 0 {
		for _, p := range targets {
			if !underAnyRoot(p, ec.AllowedPathRoots) {
				reason := fmt.Sprintf("mutation target %s is outside allowed roots", p)
				return &Result{Status: StatusBlocked, BlockedReason: reason},
					fmt.Errorf("%w: %s", ErrBlockedByPolicy, reason)
			}
		}
	}

	if ec.DryRun {
		return &Result{
			Status: StatusDryRun,
			Stdout: fmt.Sprintf("would run %q in %s (%s, %s)",
				raw, ec.WorkingDir, res.Risk, res.CommandType),
		}, nil
	}

	if mutating {
		for _, root := range mutationRoots(targets, ec.WorkingDir, ec.AllowedPathRoots) {
			lock := e.rootLock(root)
			lock.Lock()
			defer lock.Unlock()
		}
	}

	checkpointID := ""
	if mutating && len(targets) > 0 {
		cp, err := e.rollback.Begin(itemID)
		if err != nil {
			return &Result{Status: StatusFailed, BlockedReason: err.Error()},
				fmt.Errorf("checkpoint failed, command not run: %w", err)
		}
		checkpointID = cp.ID
		for _, p := range targets {
			op := opForTarget(res.CommandType, p)
			if _, err := e.rollback.RecordFileOperation(cp.ID, p, op); err != nil {
				// Fail closed: no backup, no spawn.
				e.log.Error("backup of %s failed, refusing to run: %v", p, err)
				return &Result{
					Status:        StatusFailed,
					CheckpointID:  checkpointID,
					BlockedReason: err.Error(),
				}, fmt.Errorf("command not run: %w", err)
			}
		}
	}

	result, err := e.spawn(ctx, raw, ec)
	result.CheckpointID = checkpointID
	return result, err
}

// spawn actually runs the command. The child gets its own process group so
// a timeout kills the whole tree, not just the shell.
func (e *Executor) spawn(ctx context.Context, raw string, ec Context) (*Result, error) {
	cmd := exec.Command("/bin/sh", "-c", raw)
	cmd.Dir = ec.WorkingDir
	cmd.Env = SanitizedEnv(ec.WorkingDir, ec.SafePathDirs, ec.EnvWhitelist, ec.SensitiveEnvVars)
	setProcessGroup(cmd)

	stdout := newCappedBuffer(ec.Limits.MaxOutputBytes)
	stderr := newCappedBuffer(ec.Limits.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return &Result{Status: StatusFailed, ExitCode: -1, BlockedReason: err.Error()},
			fmt.Errorf("failed to start command: %w", err)
	}
	pid := cmd.Process.Pid

	if err := applyResourceLimits(pid, ec.Limits); err != nil {
		// The process is already running; kill it rather than run it
		// without ceilings.
		killGroup(pid, false)
		cmd.Wait()
		return &Result{Status: StatusFailed, ExitCode: -1, BlockedReason: err.Error()},
			fmt.Errorf("failed to apply resource limits: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timeout := ec.Limits.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-timer.C:
		timedOut = true
		e.log.Warn("command exceeded %s, terminating process group %d", timeout, pid)
		waitErr = e.terminate(pid, done)
	case <-ctx.Done():
		e.log.Warn("execution canceled, terminating process group %d", pid)
		e.terminate(pid, done)
		return &Result{
			Status:   StatusFailed,
			ExitCode: -1,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(start),
		}, ctx.Err()
	}

	result := &Result{
		ExitCode:  cmd.ProcessState.ExitCode(),
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
		Duration:  time.Since(start),
	}

	switch {
	case timedOut:
		result.Status = StatusTimeout
		return result, fmt.Errorf("execution timed out after %s", timeout)
	case waitErr == nil:
		result.Status = StatusSuccess
		return result, nil
	default:
		result.Status = StatusFailed
		return result, nil
	}
}

// terminate asks the process group to exit, then forces it after a grace
// period. Returns the child's wait error.
func (e *Executor) terminate(pid int, done <-chan error) error {
	killGroup(pid, true)
	select {
	case err := <-done:
		return err
	case <-time.After(termGrace):
		killGroup(pid, false)
		return <-done
	}
}

// resolveTargets turns classified paths into absolute mutation targets.
// Relative paths resolve against the working directory and ~ against the
// same HOME the child will see. A target that cannot be resolved refuses
// the command; a dropped target would slip past both the root check and
// the backup.
func (e *Executor) resolveTargets(res classify.Result, ec Context) ([]string, error) {
	if !isMutating(res) {
		return nil, nil
	}
	var targets []string
	for _, p := range res.PathsAffected {
		switch {
		case p == "~" || strings.HasPrefix(p, "~/"):
			home := os.Getenv("HOME")
			if home == "" {
				return nil, fmt.Errorf("cannot resolve %s: HOME is not set", p)
			}
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		case strings.HasPrefix(p, "~"):
			// ~user expansion needs a passwd lookup the shell may
			// resolve differently than we would.
			return nil, fmt.Errorf("cannot resolve home-relative path %s", p)
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(ec.WorkingDir, p)
		}
		targets = append(targets, filepath.Clean(p))
	}
	return targets, nil
}

// mutationRoots lists the distinct roots owning the mutation targets,
// sorted so concurrent executions always lock in the same order. A
// mutating command with no extractable targets locks its working
// directory's root.
func mutationRoots(targets []string, workingDir string, roots []string) []string {
	seen := make(map[string]bool)
	for _, t := range targets {
		seen[owningRoot(t, roots)] = true
	}
	if len(seen) == 0 {
		seen[owningRoot(workingDir, roots)] = true
	}
	out := make([]string, 0, len(seen))
	for root := range seen {
		out = append(out, root)
	}
	sort.Strings(out)
	return out
}

func (e *Executor) rootLock(root string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.rootLocks[root]
	if !ok {
		lock = &sync.Mutex{}
		e.rootLocks[root] = lock
	}
	return lock
}

func isMutating(res classify.Result) bool {
	switch res.CommandType {
	case classify.TypeFileWrite, classify.TypeFileDelete, classify.TypeGitDestructive:
		return true
	}
	return false
}

func opForTarget(t classify.CommandType, path string) rollback.Op {
	if t == classify.TypeFileDelete {
		return rollback.OpDelete
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return rollback.OpCreate
	}
	return rollback.OpModify
}

func underAnyRoot(path string, roots []string) bool {
	clean := filepath.Clean(path)
	for _, root := range roots {
		root = filepath.Clean(root)
		if clean == root || strings.HasPrefix(clean, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// owningRoot picks the configured root containing path, falling back to
// the path itself so serialization still works with no roots configured.
func owningRoot(path string, roots []string) string {
	clean := filepath.Clean(path)
	for _, root := range roots {
		root = filepath.Clean(root)
		if clean == root || strings.HasPrefix(clean, root+string(filepath.Separator)) {
			return root
		}
	}
	return clean
}

// cappedBuffer keeps at most max bytes and remembers that it dropped the
// rest. Writes never fail; a chatty child must not error out mid-run.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int64
	truncated bool
}

const truncationMarker = "\n[output truncated]\n"

func newCappedBuffer(max int64) *cappedBuffer {
	if max <= 0 {
		max = 1 << 20
	}
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return len(p), nil
	}
	remaining := b.max - int64(b.buf.Len())
	if int64(len(p)) <= remaining {
		b.buf.Write(p)
		return len(p), nil
	}
	b.buf.Write(p[:remaining])
	b.buf.WriteString(truncationMarker)
	b.truncated = true
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
