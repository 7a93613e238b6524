// Package engine is the compliance decision engine. It combines the
// pattern detector, the channel policy registry, and the confirmation
// rules into a single verdict for every output attempt, and records
// each decision in the audit store.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/memoryos/outputguard/internal/detector"
	"github.com/memoryos/outputguard/internal/domain"
	"github.com/memoryos/outputguard/internal/policy"
	"github.com/memoryos/outputguard/internal/store"
)

const (
	auditSnippetLen  = 200
	bypassSnippetLen = 100

	// AuditErrorID is returned as the audit log id when the store
	// write fails; the decision itself still stands.
	AuditErrorID = "audit_error"
)

// BypassDetector reports whether the current output path shows signs
// of circumventing the interception layer. It is best-effort
// diagnostics: any error or panic is swallowed and never affects the
// compliance verdict.
type BypassDetector interface {
	DetectBypass(octx domain.OutputContext, content string) (store.BypassAttempt, bool)
}

// Observer receives every decision for metrics export. Implementations
// must be safe for concurrent use.
type Observer interface {
	ObserveDecision(result domain.ComplianceResult, channel domain.Channel)
	ObserveBypass()
}

// Engine validates output content against channel policy.
type Engine struct {
	detector *detector.Detector
	registry *policy.Registry
	store    store.Store
	bypass   BypassDetector
	observer Observer
	logger   *slog.Logger
}

// New wires a decision engine. bypass and observer may be nil to
// disable bypass diagnostics and metrics export.
func New(d *detector.Detector, r *policy.Registry, s store.Store, bypass BypassDetector, observer Observer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{detector: d, registry: r, store: s, bypass: bypass, observer: observer, logger: logger}
}

// ValidateOutput is the single decision point for all output content.
//
// IsCompliant on the result reflects detection alone; Blocked reflects
// enforcement. Under moderate or permissive policy the two disagree on
// purpose: the content is non-compliant but not blocked.
func (e *Engine) ValidateOutput(ctx context.Context, content string, octx domain.OutputContext) domain.ComplianceResult {
	pol := e.registry.Resolve(octx.Channel)
	violations := e.detector.Detect(content)

	result := domain.ComplianceResult{
		IsCompliant:      len(violations) == 0,
		ProcessedContent: content,
		Violations:       violations,
		Level:            pol.Level,
	}

	if len(violations) > 0 {
		confirmed := octx.Confirmation.Valid()
		switch {
		case confirmed:
			// Verified claims pass on every level, annotated with the
			// proof that backs them.
			result.ProcessedContent = addConfirmationNote(content, octx.Confirmation)
		case pol.Level == domain.LevelStrict && pol.RequireConfirmation:
			result.Blocked = true
			result.ProcessedContent = blockedNotice(octx, violations)
			e.recordPendingAction(ctx, content, violations, octx)
		case pol.Level == domain.LevelPermissive:
			// Logged via the audit entry below, content untouched.
		default:
			// Moderate enforcement, and strict channels that do not
			// require confirmation, warn without blocking.
			result.Warnings = append(result.Warnings,
				"Action language detected without confirmation")
			result.ProcessedContent = addWarning(content, violations)
		}
	}

	result.AuditLogID = e.writeAudit(ctx, content, octx, result)

	if e.bypass != nil {
		e.runBypassDetection(ctx, octx, content)
	}
	if e.observer != nil {
		e.observer.ObserveDecision(result, octx.Channel)
	}

	return result
}

// PendingActions exposes the pending-action queue owned by the store.
func (e *Engine) PendingActions(ctx context.Context) ([]store.PendingAction, error) {
	return e.store.ListPending(ctx)
}

// ClearPendingAction confirms a blocked output after the fact.
func (e *Engine) ClearPendingAction(ctx context.Context, id string, method domain.ConfirmationMethod, operator string) error {
	return e.store.ClearPendingAction(ctx, id, method, operator)
}

// ReportBypass records a bypass attempt observed outside the automatic
// stack scan, e.g. from a code-review tool or a wrapper that caught a
// direct write.
func (e *Engine) ReportBypass(ctx context.Context, attempt store.BypassAttempt) error {
	if attempt.Timestamp.IsZero() {
		attempt.Timestamp = time.Now().UTC()
	}
	attempt.ContentSnippet = store.Snippet(attempt.ContentSnippet, bypassSnippetLen)
	if err := e.store.AppendBypass(ctx, attempt); err != nil {
		return err
	}
	if e.observer != nil {
		e.observer.ObserveBypass()
	}
	return nil
}

func (e *Engine) recordPendingAction(ctx context.Context, content string, violations []domain.Violation, octx domain.OutputContext) {
	action := store.PendingAction{
		ID:               uuid.NewString(),
		Timestamp:        time.Now().UTC(),
		DetectedPatterns: violations,
		OriginalOutput:   content,
		Context:          octx,
		Status:           store.PendingConfirmation,
	}
	if err := e.store.AppendPending(ctx, action); err != nil {
		e.logger.Error("could not record pending action",
			slog.String("channel", string(octx.Channel)),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) writeAudit(ctx context.Context, content string, octx domain.OutputContext, result domain.ComplianceResult) string {
	entry := store.AuditEntry{
		ID:        "audit_" + uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Channel:   octx.Channel,
		Source: store.SourceRef{
			Function: octx.SourceFunction,
			File:     octx.SourceFile,
			Line:     octx.SourceLine,
		},
		ContentHash:    hashContent(content),
		ContentSnippet: store.Snippet(content, auditSnippetLen),
		Violations:     result.Violations,
		RuleVersion:    detector.RuleTableVersion,
		Warnings:       result.Warnings,
		Blocked:        result.Blocked,
		UserID:         octx.UserID,
		SessionID:      octx.SessionID,
		RequestID:      octx.RequestID,
		Confirmation:   octx.Confirmation,
	}
	if err := e.store.AppendAudit(ctx, entry); err != nil {
		e.logger.Error("audit write failed",
			slog.String("channel", string(octx.Channel)),
			slog.String("error", err.Error()))
		return AuditErrorID
	}
	return entry.ID
}

// runBypassDetection records a bypass attempt when the detector flags
// one. Panics are recovered: diagnostics must never take down the
// output path.
func (e *Engine) runBypassDetection(ctx context.Context, octx domain.OutputContext, content string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("bypass detection panicked", slog.Any("panic", r))
		}
	}()

	attempt, found := e.bypass.DetectBypass(octx, content)
	if !found {
		return
	}
	if err := e.store.AppendBypass(ctx, attempt); err != nil {
		e.logger.Error("could not record bypass attempt",
			slog.String("error", err.Error()))
	}
	if e.observer != nil {
		e.observer.ObserveBypass()
	}
}

func blockedNotice(octx domain.OutputContext, violations []domain.Violation) string {
	described := make([]string, len(violations))
	for i, v := range violations {
		described[i] = v.Describe()
	}

	var b strings.Builder
	b.WriteString("⚠️ **Output blocked by compliance enforcement**\n\n")
	b.WriteString("Action language detected without backend confirmation.\n\n")
	fmt.Fprintf(&b, "**Channel:** %s\n", octx.Channel)
	fmt.Fprintf(&b, "**Source:** %s (%s:%d)\n", octx.SourceFunction, octx.SourceFile, octx.SourceLine)
	fmt.Fprintf(&b, "**Detected patterns:** %s\n\n", strings.Join(described, ", "))
	b.WriteString("**Required next steps:**\n")
	b.WriteString("1. Verify via API endpoint check (GET /health, /system-health)\n")
	b.WriteString("2. Provide explicit confirmation via confirmation_status\n")
	b.WriteString("3. Get human operator confirmation if automated validation fails\n\n")
	b.WriteString("No feature, file, or status should be presented as complete until verified.\n\n")
	b.WriteString("**Original message blocked for compliance.**")
	return b.String()
}

func addWarning(content string, violations []domain.Violation) string {
	matches := make([]string, len(violations))
	for i, v := range violations {
		matches[i] = v.Match
	}
	return fmt.Sprintf("%s\n\n⚠️ **Compliance Warning:** Action language detected: %s\nConfirmation recommended before claiming completion.",
		content, strings.Join(matches, ", "))
}

func addConfirmationNote(content string, status *domain.ConfirmationStatus) string {
	ts := status.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return fmt.Sprintf("%s\n\n✅ **Backend Confirmed** (Method: %s, Time: %s)",
		content, status.Method, ts.UTC().Format("2006-01-02T15:04:05"))
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
