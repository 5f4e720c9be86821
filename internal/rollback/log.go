package rollback

import (
	"fmt"
	"time"

	"github.com/codefionn/warden/internal/classify"
	"github.com/codefionn/warden/internal/store"
)

// LogStatus is the terminal outcome recorded for one command.
type LogStatus string

const (
	LogSuccess  LogStatus = "success"
	LogFailed   LogStatus = "failed"
	LogTimeout  LogStatus = "timeout"
	LogBlocked  LogStatus = "blocked"
	LogRejected LogStatus = "rejected"
	LogDryRun   LogStatus = "dry_run"
)

// LogEntry is one row of the append-only execution log. Entries are never
// updated or deleted; corrections happen by appending new facts.
type LogEntry struct {
	Seq          int64                `json:"seq"`
	ItemID       string               `json:"item_id,omitempty"`
	Command      string               `json:"command"`
	Risk         classify.RiskLevel   `json:"risk"`
	CommandType  classify.CommandType `json:"command_type"`
	Status       LogStatus            `json:"status"`
	ExitCode     int                  `json:"exit_code"`
	Stdout       string               `json:"stdout,omitempty"`
	Stderr       string               `json:"stderr,omitempty"`
	Duration     time.Duration        `json:"duration"`
	CheckpointID string               `json:"checkpoint_id,omitempty"`
	ApprovedBy   string               `json:"approved_by,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
}

// LogFilter narrows what Log queries return. Zero values mean no filter.
type LogFilter struct {
	ItemID string
	Status LogStatus
	Limit  int
}

// ExecutionLog appends to and reads the execution_log table. There are
// deliberately no update or delete methods.
type ExecutionLog struct {
	store *store.Store
	now   func() time.Time
}

// NewExecutionLog builds the log on an opened store.
func NewExecutionLog(st *store.Store) *ExecutionLog {
	return &ExecutionLog{store: st, now: time.Now}
}

// Append records one execution outcome and returns its sequence number.
func (l *ExecutionLog) Append(e *LogEntry) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now()
	}
	res, err := l.store.DB().Exec(`
		INSERT INTO execution_log (item_id, command, risk, command_type, status,
			exit_code, stdout, stderr, duration_ms, checkpoint_id, approved_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ItemID, e.Command, e.Risk.String(), string(e.CommandType), string(e.Status),
		e.ExitCode, e.Stdout, e.Stderr, e.Duration.Milliseconds(),
		e.CheckpointID, e.ApprovedBy, e.CreatedAt.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to append log entry: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	e.Seq = seq
	return seq, nil
}

// List returns matching entries newest first.
func (l *ExecutionLog) List(f LogFilter) ([]*LogEntry, error) {
	query := `SELECT seq, item_id, command, risk, command_type, status,
		exit_code, stdout, stderr, duration_ms, checkpoint_id, approved_by, created_at
		FROM execution_log WHERE 1=1`
	var args []any
	if f.ItemID != "" {
		query += ` AND item_id = ?`
		args = append(args, f.ItemID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY seq DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := l.store.DB().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query log: %w", err)
	}
	defer rows.Close()

	var entries []*LogEntry
	for rows.Next() {
		e := &LogEntry{}
		var risk, cmdType, status string
		var durationMS, created int64
		if err := rows.Scan(&e.Seq, &e.ItemID, &e.Command, &risk, &cmdType, &status,
			&e.ExitCode, &e.Stdout, &e.Stderr, &durationMS,
			&e.CheckpointID, &e.ApprovedBy, &created); err != nil {
			return nil, err
		}
		e.Risk, _ = classify.ParseRiskLevel(risk)
		e.CommandType = classify.CommandType(cmdType)
		e.Status = LogStatus(status)
		e.Duration = time.Duration(durationMS) * time.Millisecond
		e.CreatedAt = time.Unix(created, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats returns entry counts per terminal status.
func (l *ExecutionLog) Stats() (map[LogStatus]int, error) {
	rows, err := l.store.DB().Query(
		`SELECT status, COUNT(*) FROM execution_log GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query log stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[LogStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[LogStatus(status)] = count
	}
	return stats, rows.Err()
}
