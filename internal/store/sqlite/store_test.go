package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/memoryos/outputguard/internal/domain"
	"github.com/memoryos/outputguard/internal/store"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"), opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAuditRoundTrip(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	confirmed := &domain.ConfirmationStatus{
		Confirmed: true,
		Method:    domain.ConfirmAPIEndpointCheck,
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	entry := store.AuditEntry{
		ID:             "audit_1",
		Timestamp:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Channel:        domain.ChannelChatResponse,
		Source:         store.SourceRef{Function: "handler.Respond", File: "handler.go", Line: 42},
		ContentHash:    "abc123",
		ContentSnippet: "I have completed the deployment",
		Violations: []domain.Violation{
			{Category: domain.CategoryActionLanguage, Match: "i have completed"},
		},
		RuleVersion:  "v1",
		Warnings:     []string{"Action language detected without confirmation"},
		Blocked:      true,
		RequestID:    "req-1",
		Confirmation: confirmed,
	}
	if err := s.AppendAudit(ctx, entry); err != nil {
		t.Fatalf("AppendAudit() error = %v", err)
	}

	entries, err := s.ListAudit(ctx)
	if err != nil {
		t.Fatalf("ListAudit() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	got := entries[0]
	if got.ID != entry.ID || got.Channel != entry.Channel || !got.Blocked {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Source.Line != 42 || got.Source.Function != "handler.Respond" {
		t.Errorf("source mismatch: %+v", got.Source)
	}
	if len(got.Violations) != 1 || got.Violations[0].Match != "i have completed" {
		t.Errorf("violations mismatch: %+v", got.Violations)
	}
	if got.RuleVersion != "v1" {
		t.Errorf("RuleVersion = %q, want v1", got.RuleVersion)
	}
	if got.Confirmation == nil || got.Confirmation.Method != domain.ConfirmAPIEndpointCheck {
		t.Errorf("confirmation mismatch: %+v", got.Confirmation)
	}
}

func TestAuditCapEnforced(t *testing.T) {
	s := newTestStore(t, Options{AuditCap: 10})
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		err := s.AppendAudit(ctx, store.AuditEntry{
			ID:        fmt.Sprintf("audit_%02d", i),
			Timestamp: time.Now().UTC(),
			Channel:   domain.ChannelLogMessage,
		})
		if err != nil {
			t.Fatalf("AppendAudit(%d) error = %v", i, err)
		}
	}

	entries, err := s.ListAudit(ctx)
	if err != nil {
		t.Fatalf("ListAudit() error = %v", err)
	}
	if len(entries) != 10 {
		t.Fatalf("got %d entries, want 10", len(entries))
	}
	if entries[0].ID != "audit_05" {
		t.Errorf("oldest surviving entry = %q, want audit_05", entries[0].ID)
	}
}

func TestBypassRoundTripAndCap(t *testing.T) {
	s := newTestStore(t, Options{BypassCap: 2})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		err := s.AppendBypass(ctx, store.BypassAttempt{
			Timestamp:      time.Now().UTC(),
			Channel:        domain.ChannelAPIResponse,
			Source:         store.SourceRef{Function: "direct.Print"},
			ContentSnippet: fmt.Sprintf("snippet %d", i),
			StackTrace:     []string{"frame1", "frame2"},
		})
		if err != nil {
			t.Fatalf("AppendBypass error = %v", err)
		}
	}

	attempts, err := s.ListBypasses(ctx)
	if err != nil {
		t.Fatalf("ListBypasses() error = %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("got %d attempts, want 2", len(attempts))
	}
	if attempts[0].ContentSnippet != "snippet 2" {
		t.Errorf("oldest surviving = %q, want snippet 2", attempts[0].ContentSnippet)
	}
	if len(attempts[0].StackTrace) != 2 {
		t.Errorf("stack trace lost: %+v", attempts[0])
	}
}

func TestPendingLifecycle(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	action := store.PendingAction{
		ID:        "pa-1",
		Timestamp: time.Now().UTC(),
		DetectedPatterns: []domain.Violation{
			{Category: domain.CategoryCompletionClaim, Match: "deployed"},
		},
		OriginalOutput: "The service is deployed",
		Context: domain.OutputContext{
			Channel:   domain.ChannelUIMessage,
			Timestamp: time.Now().UTC(),
		},
		Status: store.PendingConfirmation,
	}
	if err := s.AppendPending(ctx, action); err != nil {
		t.Fatalf("AppendPending() error = %v", err)
	}

	if err := s.ClearPendingAction(ctx, "pa-1", domain.ConfirmBackendValidation, "ops"); err != nil {
		t.Fatalf("ClearPendingAction() error = %v", err)
	}

	err := s.ClearPendingAction(ctx, "pa-1", domain.ConfirmHuman, "ops2")
	if !errors.Is(err, store.ErrAlreadyConfirmed) {
		t.Fatalf("second clear = %v, want ErrAlreadyConfirmed", err)
	}

	if err := s.ClearPendingAction(ctx, "missing", domain.ConfirmHuman, "ops"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown id clear = %v, want ErrNotFound", err)
	}

	pending, err := s.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending actions, want 1", len(pending))
	}
	got := pending[0]
	if got.Status != store.Confirmed || got.ConfirmedBy != "ops" || got.ConfirmedAt == nil {
		t.Errorf("confirmation not persisted: %+v", got)
	}
	if got.Context.Channel != domain.ChannelUIMessage {
		t.Errorf("context lost: %+v", got.Context)
	}
	if len(got.DetectedPatterns) != 1 || got.DetectedPatterns[0].Match != "deployed" {
		t.Errorf("patterns lost: %+v", got.DetectedPatterns)
	}
}

func TestPendingConcurrentConfirms(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	if err := s.AppendPending(ctx, store.PendingAction{
		ID:        "pa-race",
		Timestamp: time.Now().UTC(),
		Status:    store.PendingConfirmation,
	}); err != nil {
		t.Fatalf("AppendPending() error = %v", err)
	}

	const confirms = 8
	errs := make([]error, confirms)
	var wg sync.WaitGroup
	for i := 0; i < confirms; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.ClearPendingAction(ctx, "pa-race",
				domain.ConfirmHuman, fmt.Sprintf("op-%d", i))
		}(i)
	}
	wg.Wait()

	won, lost := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, store.ErrAlreadyConfirmed):
			lost++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if won != 1 {
		t.Errorf("%d confirms succeeded, want exactly 1", won)
	}
	if lost != confirms-1 {
		t.Errorf("%d confirms reported already confirmed, want %d", lost, confirms-1)
	}

	pending, err := s.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	if len(pending) != 1 || pending[0].Status != store.Confirmed {
		t.Fatalf("queue corrupted: %+v", pending)
	}
	if pending[0].ConfirmedBy == "" || pending[0].ConfirmedAt == nil {
		t.Errorf("winner's details lost: %+v", pending[0])
	}
}

func TestPendingCapEnforced(t *testing.T) {
	s := newTestStore(t, Options{PendingCap: 3})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		err := s.AppendPending(ctx, store.PendingAction{
			ID:        fmt.Sprintf("pa-%d", i),
			Timestamp: time.Now().UTC(),
			Status:    store.PendingConfirmation,
		})
		if err != nil {
			t.Fatalf("AppendPending(%d) error = %v", i, err)
		}
	}

	pending, err := s.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("got %d pending actions, want 3", len(pending))
	}
	if pending[0].ID != "pa-3" {
		t.Errorf("oldest surviving = %q, want pa-3", pending[0].ID)
	}
}
