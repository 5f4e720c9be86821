// Package supervisor wires the classifier, approval queue, executor and
// rollback manager into the single entry point callers use: propose a
// command, approve or reject it, execute what was approved, undo what
// executed.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codefionn/warden/internal/approval"
	"github.com/codefionn/warden/internal/classify"
	"github.com/codefionn/warden/internal/config"
	"github.com/codefionn/warden/internal/executor"
	"github.com/codefionn/warden/internal/logger"
	"github.com/codefionn/warden/internal/rollback"
	"github.com/codefionn/warden/internal/store"
)

// Proposal is the outcome of proposing one command. A SAFE command (or one
// covered by an autonomy token) executes before Propose returns; anything
// else waits in the queue, and a BLOCKED command is refused with Item nil.
type Proposal struct {
	Classification classify.Result  `json:"classification"`
	Item           *approval.Item   `json:"item,omitempty"`
	Executed       bool             `json:"executed"`
	Result         *executor.Result `json:"result,omitempty"`
	Refused        bool             `json:"refused"`
	RefusedReason  string           `json:"refused_reason,omitempty"`
}

// Supervisor owns the full pipeline. Safe for concurrent use.
type Supervisor struct {
	cfg        *config.Config
	classifier *classify.Classifier
	queue      *approval.Queue
	exec       *executor.Executor
	rollback   *rollback.Manager
	execLog    *rollback.ExecutionLog
	log        *logger.Logger

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New assembles a Supervisor on an opened store.
func New(cfg *config.Config, st *store.Store, log *logger.Logger) (*Supervisor, error) {
	rb, err := rollback.NewManager(st, cfg.BackupDir, log)
	if err != nil {
		return nil, err
	}

	classifier := classify.New(classify.Options{
		ProjectRoots:     cfg.AllowedPathRoots,
		TrustedHosts:     cfg.TrustedHosts,
		SensitiveEnvVars: cfg.SensitiveEnvVarNames,
	})
	queue := approval.New(st, approval.Config{
		TTL:         time.Duration(cfg.ApprovalTTLSeconds) * time.Second,
		ClaimWindow: time.Duration(cfg.ApprovedClaimWindowSeconds) * time.Second,
	}, log)

	return &Supervisor{
		cfg:        cfg,
		classifier: classifier,
		queue:      queue,
		exec:       executor.New(rb, log),
		rollback:   rb,
		execLog:    rollback.NewExecutionLog(st),
		log:        log.WithPrefix("supervisor"),
	}, nil
}

// Classify exposes the classifier's verdict without queueing anything.
func (s *Supervisor) Classify(raw string) classify.Result {
	return s.classifier.Classify(raw)
}

// Propose classifies a command and routes it. BLOCKED verdicts are refused
// and logged, SAFE verdicts execute immediately, token-covered verdicts
// execute under the token, and everything else waits for approval.
func (s *Supervisor) Propose(ctx context.Context, raw, workingDir string, dryRun bool) (*Proposal, error) {
	res := s.classifier.Classify(raw)
	p := &Proposal{Classification: res}

	if res.Risk == classify.RiskBlocked {
		p.Refused = true
		p.RefusedReason = res.Reasoning
		s.log.Warn("refused: %s (%s)", raw, res.Reasoning)
		if _, err := s.execLog.Append(&rollback.LogEntry{
			Command:     raw,
			Risk:        res.Risk,
			CommandType: res.CommandType,
			Status:      rollback.LogBlocked,
			Stderr:      res.Reasoning,
		}); err != nil {
			return nil, err
		}
		return p, nil
	}

	if dryRun {
		result, err := s.exec.Execute(ctx, res, s.executionContext(workingDir, true), "")
		p.Result = result
		return p, err
	}

	item, err := s.queue.Submit(res)
	if err != nil {
		return nil, err
	}
	p.Item = item

	switch {
	case item.Status == approval.StatusApproved:
		// Covered by an autonomy token.
	case res.Risk == classify.RiskSafe:
		item, err = s.queue.Approve(item.ID, "auto")
		if err != nil {
			return nil, err
		}
		p.Item = item
	default:
		s.log.Info("queued %s item %s: %s", item.Risk, item.ID, raw)
		return p, nil
	}

	result, err := s.executeItem(ctx, item, workingDir)
	p.Result = result
	p.Executed = result != nil
	return p, err
}

// Approve marks a pending item approved without executing it.
func (s *Supervisor) Approve(id, approver string) (*approval.Item, error) {
	return s.queue.Approve(id, approver)
}

// Reject refuses a pending item and records the decision in the log.
func (s *Supervisor) Reject(id, reason string) error {
	item, err := s.queue.Get(id)
	if err != nil {
		return err
	}
	if err := s.queue.Reject(id, reason); err != nil {
		return err
	}
	_, err = s.execLog.Append(&rollback.LogEntry{
		ItemID:      item.ID,
		Command:     item.Command,
		Risk:        item.Risk,
		CommandType: item.CommandType,
		Status:      rollback.LogRejected,
		Stderr:      reason,
	})
	return err
}

// ExecuteApproved claims an approved item and runs it in workingDir (or
// the default root when empty).
func (s *Supervisor) ExecuteApproved(ctx context.Context, id, workingDir string) (*executor.Result, error) {
	item, err := s.queue.Get(id)
	if err != nil {
		return nil, err
	}
	return s.executeItem(ctx, item, workingDir)
}

// ApproveAndExecute is the common interactive path: one decision, one run.
func (s *Supervisor) ApproveAndExecute(ctx context.Context, id, approver, workingDir string) (*executor.Result, error) {
	item, err := s.queue.Approve(id, approver)
	if err != nil {
		return nil, err
	}
	return s.executeItem(ctx, item, workingDir)
}

// executeItem claims the item, runs it under the configured policy and
// appends exactly one execution log entry before settling the item's
// terminal status.
func (s *Supervisor) executeItem(ctx context.Context, item *approval.Item, workingDir string) (*executor.Result, error) {
	ec := s.executionContext(workingDir, false)

	claimed, err := s.queue.Claim(item.ID)
	if err != nil {
		return nil, err
	}

	result, execErr := s.exec.Execute(ctx, claimed.Classification, ec, claimed.ID)

	entry := &rollback.LogEntry{
		ItemID:       claimed.ID,
		Command:      claimed.Command,
		Risk:         claimed.Risk,
		CommandType:  claimed.CommandType,
		Status:       logStatus(result.Status),
		ExitCode:     result.ExitCode,
		Stdout:       result.Stdout,
		Stderr:       result.Stderr,
		Duration:     result.Duration,
		CheckpointID: result.CheckpointID,
		ApprovedBy:   claimed.ApprovedBy,
	}
	if result.BlockedReason != "" {
		entry.Stderr = strings.TrimSpace(entry.Stderr + "\n" + result.BlockedReason)
	}
	if _, err := s.execLog.Append(entry); err != nil {
		s.log.Error("failed to append log entry for item %s: %v", claimed.ID, err)
	}

	final := approval.StatusCompleted
	if result.Status != executor.StatusSuccess {
		final = approval.StatusFailed
	}
	if err := s.queue.Finish(claimed.ID, final, result.CheckpointID); err != nil {
		s.log.Error("failed to finish item %s: %v", claimed.ID, err)
	}

	return result, execErr
}

func (s *Supervisor) executionContext(workingDir string, dryRun bool) executor.Context {
	if workingDir == "" && len(s.cfg.AllowedPathRoots) > 0 {
		workingDir = s.cfg.AllowedPathRoots[0]
	}
	return executor.Context{
		WorkingDir:       workingDir,
		AllowedPathRoots: s.cfg.AllowedPathRoots,
		SensitiveEnvVars: s.cfg.SensitiveEnvVarNames,
		EnvWhitelist:     s.cfg.EnvWhitelist,
		SafePathDirs:     s.cfg.SafePathDirs,
		Limits: executor.Limits{
			Timeout:        time.Duration(s.cfg.ExecutionTimeoutSeconds) * time.Second,
			MaxCPUSeconds:  s.cfg.MaxCPUSeconds,
			MaxMemoryBytes: s.cfg.MaxMemoryBytes,
			MaxOutputBytes: s.cfg.MaxOutputBytes,
		},
		DryRun: dryRun,
	}
}

func logStatus(st executor.Status) rollback.LogStatus {
	switch st {
	case executor.StatusSuccess:
		return rollback.LogSuccess
	case executor.StatusTimeout:
		return rollback.LogTimeout
	case executor.StatusBlocked:
		return rollback.LogBlocked
	case executor.StatusDryRun:
		return rollback.LogDryRun
	default:
		return rollback.LogFailed
	}
}

// Status returns the current state of one approval item.
func (s *Supervisor) Status(id string) (*approval.Item, error) {
	return s.queue.Get(id)
}

// Pending lists items waiting for a decision, narrowed by the filter.
func (s *Supervisor) Pending(f approval.PendingFilter) ([]*approval.Item, error) {
	return s.queue.ListPending(f)
}

// History lists recent items regardless of status.
func (s *Supervisor) History(limit int) ([]*approval.Item, error) {
	return s.queue.History(limit)
}

// AuditLog queries the append-only execution log.
func (s *Supervisor) AuditLog(f rollback.LogFilter) ([]*rollback.LogEntry, error) {
	return s.execLog.List(f)
}

// Stats summarizes execution outcomes.
func (s *Supervisor) Stats() (map[rollback.LogStatus]int, error) {
	return s.execLog.Stats()
}

// Checkpoints lists recent checkpoints newest first.
func (s *Supervisor) Checkpoints(limit int) ([]*rollback.Checkpoint, error) {
	return s.rollback.List(limit)
}

// Rollback restores a checkpoint and, when it belongs to a completed item,
// marks that item rolled back. A partial restore is returned as-is so the
// caller sees exactly which files still need attention.
func (s *Supervisor) Rollback(checkpointID string) error {
	cp, err := s.rollback.Get(checkpointID)
	if err != nil {
		return err
	}
	if err := s.rollback.Rollback(checkpointID); err != nil {
		return err
	}
	if cp.ItemID != "" {
		if err := s.queue.MarkRolledBack(cp.ItemID); err != nil &&
			!errors.Is(err, approval.ErrConflict) {
			return err
		}
	}
	return nil
}

// GrantAutonomy issues a pre-approval token, never above MODERATE.
func (s *Supervisor) GrantAutonomy(grantedBy string, maxRisk classify.RiskLevel, pathRoot string, ttl time.Duration) (*approval.Token, error) {
	return s.queue.GrantToken(grantedBy, maxRisk, pathRoot, ttl)
}

// RevokeAutonomy disables a token immediately.
func (s *Supervisor) RevokeAutonomy(id string) error {
	return s.queue.RevokeToken(id)
}

// Sweep expires stale queue items and applies checkpoint retention.
func (s *Supervisor) Sweep() error {
	if _, err := s.queue.SweepExpired(); err != nil {
		return err
	}
	_, err := s.rollback.Cleanup(rollback.RetentionPolicy{
		MaxCount: s.cfg.CheckpointRetentionCount,
		MaxAge:   time.Duration(s.cfg.CheckpointRetentionAgeSeconds) * time.Second,
	})
	return err
}

// StartSweeper runs Sweep on the given interval until Close.
func (s *Supervisor) StartSweeper(interval time.Duration) {
	if s.sweepStop != nil {
		return
	}
	s.sweepStop = make(chan struct{})
	s.sweepDone = make(chan struct{})
	go func() {
		defer close(s.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.Sweep(); err != nil {
					s.log.Error("sweep failed: %v", err)
				}
			case <-s.sweepStop:
				return
			}
		}
	}()
}

// Close stops the background sweeper.
func (s *Supervisor) Close() error {
	if s.sweepStop != nil {
		close(s.sweepStop)
		<-s.sweepDone
		s.sweepStop = nil
	}
	return nil
}

// Describe renders a short human-readable summary of an item for CLI and
// log output.
func Describe(item *approval.Item) string {
	return fmt.Sprintf("%s  [%s/%s]  %s  %q",
		item.ID, item.Risk, item.CommandType, item.Status, item.Command)
}
