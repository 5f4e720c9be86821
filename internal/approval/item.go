// Package approval implements the durable gate between classification and
// execution. Items live in sqlite so pending work survives restarts, and
// every status transition is a compare-and-swap on the stored status.
package approval

import (
	"errors"
	"time"

	"github.com/codefionn/warden/internal/classify"
)

// Status is the lifecycle state of an approval item.
//
// pending -> approved -> executing -> completed | failed
// pending -> rejected
// pending | approved -> expired
// completed -> rolled_back
type Status string

const (
	StatusPending    Status = "pending"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusExpired    Status = "expired"
	StatusExecuting  Status = "executing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

var (
	// ErrNotFound means no item with that id exists.
	ErrNotFound = errors.New("approval item not found")
	// ErrConflict means the item was not in the state the transition
	// requires, usually because a concurrent caller got there first.
	ErrConflict = errors.New("approval state conflict")
	// ErrExpired means the item's approval window has passed.
	ErrExpired = errors.New("approval expired")
	// ErrBlockedCommand means a BLOCKED verdict reached the queue; such
	// commands are refused outright and never become approvable.
	ErrBlockedCommand = errors.New("blocked commands cannot be queued")
	// ErrTokenRiskTooHigh means an autonomy token was requested above the
	// MODERATE ceiling.
	ErrTokenRiskTooHigh = errors.New("autonomy tokens cannot cover risk above moderate")
)

// Item is one queued command awaiting (or past) its approval decision.
type Item struct {
	ID             string               `json:"id"`
	Command        string               `json:"command"`
	Classification classify.Result      `json:"classification"`
	Risk           classify.RiskLevel   `json:"risk"`
	CommandType    classify.CommandType `json:"command_type"`
	Status         Status               `json:"status"`
	Reason         string               `json:"reason,omitempty"`
	ApprovedBy     string               `json:"approved_by,omitempty"`
	AutonomyToken  string               `json:"autonomy_token,omitempty"`
	CheckpointID   string               `json:"checkpoint_id,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
	ExpiresAt      time.Time            `json:"expires_at"`
	ApprovedAt     time.Time            `json:"approved_at,omitempty"`
}

// Token is a pre-approval for a bounded class of commands. It never covers
// risk above MODERATE and may be scoped to a single path root.
type Token struct {
	ID        string             `json:"id"`
	GrantedBy string             `json:"granted_by"`
	MaxRisk   classify.RiskLevel `json:"max_risk"`
	PathRoot  string             `json:"path_root,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	ExpiresAt time.Time          `json:"expires_at"`
	Revoked   bool               `json:"revoked"`
}
