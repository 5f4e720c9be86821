package approval

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/warden/internal/classify"
	"github.com/codefionn/warden/internal/logger"
	"github.com/codefionn/warden/internal/store"
)

// Queue is the durable approval queue. Safe for concurrent use; conflicts
// between concurrent transitions surface as ErrConflict, never as lost
// updates.
type Queue struct {
	store       *store.Store
	ttl         time.Duration
	claimWindow time.Duration
	log         *logger.Logger
	now         func() time.Time
}

// Config sets the queue's timing policy.
type Config struct {
	// TTL is how long a pending item stays approvable.
	TTL time.Duration
	// ClaimWindow is how long an approved item stays executable.
	ClaimWindow time.Duration
}

// New builds a Queue on top of an opened store.
func New(st *store.Store, cfg Config, log *logger.Logger) *Queue {
	return &Queue{
		store:       st,
		ttl:         cfg.TTL,
		claimWindow: cfg.ClaimWindow,
		log:         log.WithPrefix("approval"),
		now:         time.Now,
	}
}

const itemColumns = `id, command, classification, risk, command_type, status,
	reason, approved_by, autonomy_token, rollback_info,
	created_at, updated_at, expires_at, approved_at`

// Submit queues a classified command. BLOCKED verdicts are refused. If an
// active autonomy token covers the command, the item is created already
// approved and needs no human decision.
func (q *Queue) Submit(res classify.Result) (*Item, error) {
	if res.Risk == classify.RiskBlocked {
		return nil, ErrBlockedCommand
	}

	now := q.now()
	item := &Item{
		ID:             uuid.NewString(),
		Command:        res.Command.Raw,
		Classification: res,
		Risk:           res.Risk,
		CommandType:    res.CommandType,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(q.ttl),
	}

	if res.Risk > classify.RiskSafe {
		if tok, err := q.coveringToken(res); err != nil {
			return nil, err
		} else if tok != nil {
			item.Status = StatusApproved
			item.ApprovedBy = "autonomy:" + tok.ID
			item.AutonomyToken = tok.ID
			item.ApprovedAt = now
			q.log.Info("item %s auto-approved by token %s", item.ID, tok.ID)
		}
	}

	classJSON, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to encode classification: %w", err)
	}

	_, err = q.store.DB().Exec(`
		INSERT INTO approval_items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?, ?, ?)`,
		item.ID, item.Command, string(classJSON),
		item.Risk.String(), string(item.CommandType), string(item.Status),
		item.Reason, item.ApprovedBy, item.AutonomyToken,
		item.CreatedAt.Unix(), item.UpdatedAt.Unix(), item.ExpiresAt.Unix(),
		unixOrZero(item.ApprovedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to insert approval item: %w", err)
	}

	q.log.Debug("submitted item %s (%s, %s)", item.ID, item.Risk, item.CommandType)
	return item, nil
}

// Get returns the item with the given id.
func (q *Queue) Get(id string) (*Item, error) {
	row := q.store.DB().QueryRow(
		`SELECT `+itemColumns+` FROM approval_items WHERE id = ?`, id)
	item, err := scanItem(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return item, err
}

// Approve transitions a pending item to approved. It fails with ErrExpired
// if the item's TTL has passed (and marks it expired), and with ErrConflict
// if the item is in any other non-pending state.
func (q *Queue) Approve(id, approver string) (*Item, error) {
	item, err := q.Get(id)
	if err != nil {
		return nil, err
	}

	now := q.now()
	if item.Status == StatusPending && now.After(item.ExpiresAt) {
		q.expire(id, StatusPending)
		return nil, ErrExpired
	}

	res, err := q.store.DB().Exec(`
		UPDATE approval_items
		SET status = ?, approved_by = ?, approved_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusApproved), approver, now.Unix(), now.Unix(),
		id, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to approve item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost a race or the item was never pending.
		return nil, ErrConflict
	}

	q.log.Info("item %s approved by %s", id, approver)
	return q.Get(id)
}

// Reject transitions a pending item to rejected. Rejecting an already
// rejected item is a no-op, so double-clicks and retries stay harmless.
func (q *Queue) Reject(id, reason string) error {
	now := q.now()
	res, err := q.store.DB().Exec(`
		UPDATE approval_items
		SET status = ?, reason = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusRejected), reason, now.Unix(), id, string(StatusPending))
	if err != nil {
		return fmt.Errorf("failed to reject item: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		q.log.Info("item %s rejected: %s", id, reason)
		return nil
	}

	item, err := q.Get(id)
	if err != nil {
		return err
	}
	if item.Status == StatusRejected {
		return nil
	}
	return ErrConflict
}

// Claim transitions an approved item to executing, reserving it for a
// single executor. An approved item whose claim window has passed is
// marked expired instead.
func (q *Queue) Claim(id string) (*Item, error) {
	item, err := q.Get(id)
	if err != nil {
		return nil, err
	}

	now := q.now()
	if item.Status == StatusApproved && !item.ApprovedAt.IsZero() &&
		now.After(item.ApprovedAt.Add(q.claimWindow)) {
		q.expire(id, StatusApproved)
		return nil, ErrExpired
	}

	res, err := q.store.DB().Exec(`
		UPDATE approval_items SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusExecuting), now.Unix(), id, string(StatusApproved))
	if err != nil {
		return nil, fmt.Errorf("failed to claim item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrConflict
	}
	return q.Get(id)
}

// Finish moves an executing item to its terminal status (completed or
// failed) and records the checkpoint that can undo it.
func (q *Queue) Finish(id string, status Status, checkpointID string) error {
	if status != StatusCompleted && status != StatusFailed {
		return fmt.Errorf("finish requires a terminal status, got %s", status)
	}
	res, err := q.store.DB().Exec(`
		UPDATE approval_items
		SET status = ?, rollback_info = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(status), checkpointID, q.now().Unix(), id, string(StatusExecuting))
	if err != nil {
		return fmt.Errorf("failed to finish item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// MarkRolledBack records that a completed item's effects were undone.
func (q *Queue) MarkRolledBack(id string) error {
	res, err := q.store.DB().Exec(`
		UPDATE approval_items SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusRolledBack), q.now().Unix(), id, string(StatusCompleted))
	if err != nil {
		return fmt.Errorf("failed to mark rolled back: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// PendingFilter narrows what ListPending returns. Zero values mean no
// filter; Risk takes the wire form of a risk level ("moderate").
type PendingFilter struct {
	Risk        string
	CommandType classify.CommandType
	Limit       int
}

// ListPending returns pending items oldest first.
func (q *Queue) ListPending(f PendingFilter) ([]*Item, error) {
	query := `SELECT ` + itemColumns + ` FROM approval_items WHERE status = ?`
	args := []any{string(StatusPending)}
	if f.Risk != "" {
		query += ` AND risk = ?`
		args = append(args, f.Risk)
	}
	if f.CommandType != "" {
		query += ` AND command_type = ?`
		args = append(args, string(f.CommandType))
	}
	query += ` ORDER BY created_at ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return q.list(query, args...)
}

// History returns the most recent items regardless of status.
func (q *Queue) History(limit int) ([]*Item, error) {
	if limit <= 0 {
		limit = 50
	}
	return q.list(`SELECT `+itemColumns+` FROM approval_items
		ORDER BY created_at DESC LIMIT ?`, limit)
}

// SweepExpired marks pending items past their TTL and approved items past
// their claim window as expired. Returns how many items changed.
func (q *Queue) SweepExpired() (int, error) {
	now := q.now()
	total := 0

	res, err := q.store.DB().Exec(`
		UPDATE approval_items SET status = ?, updated_at = ?
		WHERE status = ? AND expires_at < ?`,
		string(StatusExpired), now.Unix(), string(StatusPending), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to expire pending items: %w", err)
	}
	n, _ := res.RowsAffected()
	total += int(n)

	res, err = q.store.DB().Exec(`
		UPDATE approval_items SET status = ?, updated_at = ?
		WHERE status = ? AND approved_at > 0 AND approved_at + ? < ?`,
		string(StatusExpired), now.Unix(), string(StatusApproved),
		int64(q.claimWindow/time.Second), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to expire approved items: %w", err)
	}
	n, _ = res.RowsAffected()
	total += int(n)

	if total > 0 {
		q.log.Info("swept %d expired items", total)
	}
	return total, nil
}

// GrantToken creates an autonomy token. MaxRisk above MODERATE is refused;
// DANGEROUS and BLOCKED always require a human per item.
func (q *Queue) GrantToken(grantedBy string, maxRisk classify.RiskLevel, pathRoot string, ttl time.Duration) (*Token, error) {
	if maxRisk > classify.RiskModerate {
		return nil, ErrTokenRiskTooHigh
	}
	if pathRoot != "" && !filepath.IsAbs(pathRoot) {
		return nil, fmt.Errorf("token path root must be absolute, got %q", pathRoot)
	}

	now := q.now()
	tok := &Token{
		ID:        uuid.NewString(),
		GrantedBy: grantedBy,
		MaxRisk:   maxRisk,
		PathRoot:  pathRoot,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	_, err := q.store.DB().Exec(`
		INSERT INTO autonomy_tokens (id, granted_by, max_risk, path_root, created_at, expires_at, revoked)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		tok.ID, tok.GrantedBy, tok.MaxRisk.String(), tok.PathRoot,
		tok.CreatedAt.Unix(), tok.ExpiresAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to insert token: %w", err)
	}

	q.log.Info("token %s granted by %s (max %s, root %q, ttl %s)",
		tok.ID, grantedBy, maxRisk, pathRoot, ttl)
	return tok, nil
}

// RevokeToken disables a token immediately.
func (q *Queue) RevokeToken(id string) error {
	res, err := q.store.DB().Exec(
		`UPDATE autonomy_tokens SET revoked = 1 WHERE id = ? AND revoked = 0`, id)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	q.log.Info("token %s revoked", id)
	return nil
}

// coveringToken returns an active token that covers the classified command,
// or nil when none does.
func (q *Queue) coveringToken(res classify.Result) (*Token, error) {
	rows, err := q.store.DB().Query(`
		SELECT id, granted_by, max_risk, path_root, created_at, expires_at
		FROM autonomy_tokens
		WHERE revoked = 0 AND expires_at > ?
		ORDER BY created_at ASC`, q.now().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query tokens: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tok Token
		var maxRisk string
		var created, expires int64
		if err := rows.Scan(&tok.ID, &tok.GrantedBy, &maxRisk, &tok.PathRoot,
			&created, &expires); err != nil {
			return nil, err
		}
		tok.MaxRisk, _ = classify.ParseRiskLevel(maxRisk)
		tok.CreatedAt = time.Unix(created, 0)
		tok.ExpiresAt = time.Unix(expires, 0)

		if tokenCovers(&tok, res) {
			return &tok, nil
		}
	}
	return nil, rows.Err()
}

// tokenCovers reports whether the token pre-approves the command: risk
// within the token's ceiling and, for scoped tokens, every affected path
// inside the token's root.
func tokenCovers(tok *Token, res classify.Result) bool {
	if res.Risk > tok.MaxRisk {
		return false
	}
	if tok.PathRoot == "" {
		return true
	}
	for _, p := range res.PathsAffected {
		if !filepath.IsAbs(p) {
			continue
		}
		clean := filepath.Clean(p)
		if clean != tok.PathRoot &&
			!strings.HasPrefix(clean, tok.PathRoot+string(filepath.Separator)) {
			return false
		}
	}
	return true
}

func (q *Queue) expire(id string, from Status) {
	_, err := q.store.DB().Exec(`
		UPDATE approval_items SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusExpired), q.now().Unix(), id, string(from))
	if err != nil {
		q.log.Error("failed to expire item %s: %v", id, err)
	}
}

func (q *Queue) list(query string, args ...any) ([]*Item, error) {
	rows, err := q.store.DB().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanItem(scan func(dest ...any) error) (*Item, error) {
	var item Item
	var classJSON, risk, cmdType, status string
	var created, updated, expires, approved int64
	err := scan(&item.ID, &item.Command, &classJSON, &risk, &cmdType, &status,
		&item.Reason, &item.ApprovedBy, &item.AutonomyToken, &item.CheckpointID,
		&created, &updated, &expires, &approved)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(classJSON), &item.Classification); err != nil {
		return nil, fmt.Errorf("corrupt classification for item %s: %w", item.ID, err)
	}
	item.Risk, _ = classify.ParseRiskLevel(risk)
	item.CommandType = classify.CommandType(cmdType)
	item.Status = Status(status)
	item.CreatedAt = time.Unix(created, 0)
	item.UpdatedAt = time.Unix(updated, 0)
	item.ExpiresAt = time.Unix(expires, 0)
	if approved > 0 {
		item.ApprovedAt = time.Unix(approved, 0)
	}
	return &item, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
