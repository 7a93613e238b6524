// Package memory provides an in-memory implementation of the
// compliance stores. Each log is a capped slice behind its own mutex,
// so audit writes never serialize against pending-action writes.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/memoryos/outputguard/internal/domain"
	"github.com/memoryos/outputguard/internal/store"
)

// Store holds the three capped logs in memory.
type Store struct {
	auditMu  sync.Mutex
	audit    []store.AuditEntry
	auditCap int

	bypassMu  sync.Mutex
	bypasses  []store.BypassAttempt
	bypassCap int

	pendingMu  sync.Mutex
	pending    []store.PendingAction
	pendingCap int
}

// Options overrides the default caps. Zero values keep the defaults.
type Options struct {
	AuditCap   int
	BypassCap  int
	PendingCap int
}

// New creates an empty in-memory store with the given caps.
func New(opts Options) *Store {
	s := &Store{
		auditCap:   opts.AuditCap,
		bypassCap:  opts.BypassCap,
		pendingCap: opts.PendingCap,
	}
	if s.auditCap <= 0 {
		s.auditCap = store.DefaultAuditCap
	}
	if s.bypassCap <= 0 {
		s.bypassCap = store.DefaultBypassCap
	}
	if s.pendingCap <= 0 {
		s.pendingCap = store.DefaultPendingCap
	}
	return s
}

func (s *Store) AppendAudit(ctx context.Context, entry store.AuditEntry) error {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	s.audit = append(s.audit, entry)
	if len(s.audit) > s.auditCap {
		s.audit = s.audit[len(s.audit)-s.auditCap:]
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context) ([]store.AuditEntry, error) {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	out := make([]store.AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out, nil
}

func (s *Store) AppendBypass(ctx context.Context, attempt store.BypassAttempt) error {
	s.bypassMu.Lock()
	defer s.bypassMu.Unlock()

	s.bypasses = append(s.bypasses, attempt)
	if len(s.bypasses) > s.bypassCap {
		s.bypasses = s.bypasses[len(s.bypasses)-s.bypassCap:]
	}
	return nil
}

func (s *Store) ListBypasses(ctx context.Context) ([]store.BypassAttempt, error) {
	s.bypassMu.Lock()
	defer s.bypassMu.Unlock()

	out := make([]store.BypassAttempt, len(s.bypasses))
	copy(out, s.bypasses)
	return out, nil
}

func (s *Store) AppendPending(ctx context.Context, action store.PendingAction) error {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	s.pending = append(s.pending, action)
	if len(s.pending) > s.pendingCap {
		// Oldest entries drop regardless of status; confirmed entries
		// get no preferential retention.
		s.pending = s.pending[len(s.pending)-s.pendingCap:]
	}
	return nil
}

func (s *Store) ListPending(ctx context.Context) ([]store.PendingAction, error) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	out := make([]store.PendingAction, len(s.pending))
	copy(out, s.pending)
	return out, nil
}

func (s *Store) ClearPendingAction(ctx context.Context, id string, method domain.ConfirmationMethod, operator string) error {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	for i := range s.pending {
		if s.pending[i].ID != id {
			continue
		}
		if s.pending[i].Status == store.Confirmed {
			return store.ErrAlreadyConfirmed
		}
		now := time.Now().UTC()
		s.pending[i].Status = store.Confirmed
		s.pending[i].Method = method
		s.pending[i].ConfirmedBy = operator
		s.pending[i].ConfirmedAt = &now
		return nil
	}
	return store.ErrNotFound
}

// Ensure Store implements the bundled contract.
var _ store.Store = (*Store)(nil)
