// Package store defines the durable records and contracts for the
// three append logs the compliance pipeline writes: the audit log, the
// bypass log, and the pending-action queue. Each log is capped and
// evicts oldest-first; pending actions are additionally updated
// in place when confirmed, never deleted.
package store

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/memoryos/outputguard/internal/domain"
)

// Default caps, overridable through configuration.
const (
	DefaultAuditCap   = 1000
	DefaultBypassCap  = 100
	DefaultPendingCap = 50
)

// Snippet truncates s to at most max bytes without splitting a rune:
// a multi-byte rune straddling the limit is dropped entirely so
// snippets stay valid UTF-8.
func Snippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// ErrNotFound is returned when a pending action id does not exist.
var ErrNotFound = errors.New("pending action not found")

// ErrAlreadyConfirmed is returned when clearing an already-confirmed
// pending action. The queue is left untouched.
var ErrAlreadyConfirmed = errors.New("pending action already confirmed")

// SourceRef locates the call site that produced an output.
type SourceRef struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

// AuditEntry is the immutable record of one compliance decision.
type AuditEntry struct {
	ID             string                     `json:"id"`
	Timestamp      time.Time                  `json:"timestamp"`
	Channel        domain.Channel             `json:"channel"`
	Source         SourceRef                  `json:"source"`
	ContentHash    string                     `json:"content_hash"`
	ContentSnippet string                     `json:"content_snippet"` // first 200 chars
	Violations     []domain.Violation         `json:"violations"`
	RuleVersion    string                     `json:"rule_table_version,omitempty"`
	Warnings       []string                   `json:"warnings"`
	Blocked        bool                       `json:"blocked"`
	UserID         string                     `json:"user_id,omitempty"`
	SessionID      string                     `json:"session_id,omitempty"`
	RequestID      string                     `json:"request_id,omitempty"`
	Confirmation   *domain.ConfirmationStatus `json:"confirmation_status,omitempty"`
}

// BypassAttempt records output that may have escaped the enforcement
// pipeline. Logged independently of the compliance verdict.
type BypassAttempt struct {
	Timestamp      time.Time      `json:"timestamp"`
	Channel        domain.Channel `json:"channel"`
	Source         SourceRef      `json:"source"`
	ContentSnippet string         `json:"content_snippet"` // first 100 chars
	StackTrace     []string       `json:"stack_trace"`     // last 5 frames
}

// PendingActionStatus is the lifecycle state of a pending action.
type PendingActionStatus string

const (
	PendingConfirmation PendingActionStatus = "pending_confirmation"
	Confirmed           PendingActionStatus = "confirmed"
)

// PendingAction is a blocked output awaiting explicit confirmation.
// Created only on a blocked decision; reaches its terminal state only
// through ClearPendingAction.
type PendingAction struct {
	ID               string                    `json:"id"`
	Timestamp        time.Time                 `json:"timestamp"`
	DetectedPatterns []domain.Violation        `json:"detected_patterns"`
	OriginalOutput   string                    `json:"original_output"`
	Context          domain.OutputContext      `json:"context"`
	Status           PendingActionStatus       `json:"status"`
	Method           domain.ConfirmationMethod `json:"confirmation_method,omitempty"`
	ConfirmedBy      string                    `json:"confirmed_by,omitempty"`
	ConfirmedAt      *time.Time                `json:"confirmed_at,omitempty"`
}

// AuditLog is the append-only record of compliance decisions.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	ListAudit(ctx context.Context) ([]AuditEntry, error)
}

// BypassLog records detected bypass attempts.
type BypassLog interface {
	AppendBypass(ctx context.Context, attempt BypassAttempt) error
	ListBypasses(ctx context.Context) ([]BypassAttempt, error)
}

// PendingActions is the queue of blocked outputs awaiting confirmation.
type PendingActions interface {
	AppendPending(ctx context.Context, action PendingAction) error
	ListPending(ctx context.Context) ([]PendingAction, error)
	// ClearPendingAction marks the action confirmed and records who
	// confirmed it and how. Returns ErrNotFound for unknown ids and
	// ErrAlreadyConfirmed when called twice for the same id.
	ClearPendingAction(ctx context.Context, id string, method domain.ConfirmationMethod, operator string) error
}

// Store bundles the three logs. Implementations serialize writes per
// log; no lock spans more than one log.
type Store interface {
	AuditLog
	BypassLog
	PendingActions
}
