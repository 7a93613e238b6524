// Package sqlite provides a durable implementation of the compliance
// stores backed by a single SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/memoryos/outputguard/internal/domain"
	"github.com/memoryos/outputguard/internal/store"
)

// Store persists the three capped logs in SQLite. Caps are enforced on
// every append by deleting the oldest rows past the limit.
type Store struct {
	db         *sql.DB
	auditCap   int
	bypassCap  int
	pendingCap int
}

var _ store.Store = (*Store)(nil)

// Options overrides the default caps. Zero values keep the defaults.
type Options struct {
	AuditCap   int
	BypassCap  int
	PendingCap int
}

// New opens (or creates) the database at dbPath and initializes the
// schema.
func New(dbPath string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// One connection: every read-modify-write serializes through a
	// single writer instead of surfacing SQLITE_BUSY under contention.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:         db,
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

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS audit_entries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			channel TEXT NOT NULL,
			source_function TEXT,
			source_file TEXT,
			source_line INTEGER,
			content_hash TEXT NOT NULL,
			content_snippet TEXT NOT NULL,
			violations TEXT,
			rule_version TEXT,
			warnings TEXT,
			blocked INTEGER NOT NULL DEFAULT 0,
			user_id TEXT,
			session_id TEXT,
			request_id TEXT,
			confirmation TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS bypass_attempts (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TIMESTAMP NOT NULL,
			channel TEXT NOT NULL,
			source_function TEXT,
			source_file TEXT,
			source_line INTEGER,
			content_snippet TEXT NOT NULL,
			stack_trace TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS pending_actions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			timestamp TIMESTAMP NOT NULL,
			detected_patterns TEXT,
			original_output TEXT NOT NULL,
			context TEXT,
			status TEXT NOT NULL,
			confirmation_method TEXT,
			confirmed_by TEXT,
			confirmed_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_channel ON audit_entries(channel)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_blocked ON audit_entries(blocked)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_status ON pending_actions(status)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) AppendAudit(ctx context.Context, entry store.AuditEntry) error {
	violations, err := json.Marshal(entry.Violations)
	if err != nil {
		return fmt.Errorf("marshal violations: %w", err)
	}
	warnings, err := json.Marshal(entry.Warnings)
	if err != nil {
		return fmt.Errorf("marshal warnings: %w", err)
	}
	var confirmation []byte
	if entry.Confirmation != nil {
		confirmation, err = json.Marshal(entry.Confirmation)
		if err != nil {
			return fmt.Errorf("marshal confirmation: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (
			id, timestamp, channel, source_function, source_file, source_line,
			content_hash, content_snippet, violations, rule_version, warnings, blocked,
			user_id, session_id, request_id, confirmation
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Timestamp, string(entry.Channel),
		entry.Source.Function, entry.Source.File, entry.Source.Line,
		entry.ContentHash, entry.ContentSnippet,
		string(violations), entry.RuleVersion, string(warnings), boolToInt(entry.Blocked),
		entry.UserID, entry.SessionID, entry.RequestID, nullableString(confirmation),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}

	return s.trim(ctx, "audit_entries", s.auditCap)
}

func (s *Store) ListAudit(ctx context.Context) ([]store.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, channel, source_function, source_file, source_line,
			content_hash, content_snippet, violations, rule_version, warnings, blocked,
			user_id, session_id, request_id, confirmation
		FROM audit_entries ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []store.AuditEntry
	for rows.Next() {
		var (
			e             store.AuditEntry
			channel       string
			violations    string
			ruleVersion   sql.NullString
			warnings      string
			blocked       int
			confirmation  sql.NullString
			userID        sql.NullString
			sessionID     sql.NullString
			requestID     sql.NullString
			sourceFn      sql.NullString
			sourceFile    sql.NullString
			sourceLineCol sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &channel, &sourceFn, &sourceFile, &sourceLineCol,
			&e.ContentHash, &e.ContentSnippet, &violations, &ruleVersion, &warnings, &blocked,
			&userID, &sessionID, &requestID, &confirmation); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Channel = domain.Channel(channel)
		e.RuleVersion = ruleVersion.String
		e.Source = store.SourceRef{Function: sourceFn.String, File: sourceFile.String, Line: int(sourceLineCol.Int64)}
		e.Blocked = blocked != 0
		e.UserID = userID.String
		e.SessionID = sessionID.String
		e.RequestID = requestID.String
		if violations != "" {
			if err := json.Unmarshal([]byte(violations), &e.Violations); err != nil {
				return nil, fmt.Errorf("unmarshal violations: %w", err)
			}
		}
		if warnings != "" {
			if err := json.Unmarshal([]byte(warnings), &e.Warnings); err != nil {
				return nil, fmt.Errorf("unmarshal warnings: %w", err)
			}
		}
		if confirmation.Valid && confirmation.String != "" {
			e.Confirmation = &domain.ConfirmationStatus{}
			if err := json.Unmarshal([]byte(confirmation.String), e.Confirmation); err != nil {
				return nil, fmt.Errorf("unmarshal confirmation: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) AppendBypass(ctx context.Context, attempt store.BypassAttempt) error {
	stack, err := json.Marshal(attempt.StackTrace)
	if err != nil {
		return fmt.Errorf("marshal stack trace: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bypass_attempts (
			timestamp, channel, source_function, source_file, source_line,
			content_snippet, stack_trace
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		attempt.Timestamp, string(attempt.Channel),
		attempt.Source.Function, attempt.Source.File, attempt.Source.Line,
		attempt.ContentSnippet, string(stack),
	)
	if err != nil {
		return fmt.Errorf("insert bypass attempt: %w", err)
	}

	return s.trim(ctx, "bypass_attempts", s.bypassCap)
}

func (s *Store) ListBypasses(ctx context.Context) ([]store.BypassAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, channel, source_function, source_file, source_line,
			content_snippet, stack_trace
		FROM bypass_attempts ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query bypass attempts: %w", err)
	}
	defer rows.Close()

	var attempts []store.BypassAttempt
	for rows.Next() {
		var (
			a          store.BypassAttempt
			channel    string
			sourceFn   sql.NullString
			sourceFile sql.NullString
			sourceLine sql.NullInt64
			stack      sql.NullString
		)
		if err := rows.Scan(&a.Timestamp, &channel, &sourceFn, &sourceFile, &sourceLine,
			&a.ContentSnippet, &stack); err != nil {
			return nil, fmt.Errorf("scan bypass attempt: %w", err)
		}
		a.Channel = domain.Channel(channel)
		a.Source = store.SourceRef{Function: sourceFn.String, File: sourceFile.String, Line: int(sourceLine.Int64)}
		if stack.Valid && stack.String != "" {
			if err := json.Unmarshal([]byte(stack.String), &a.StackTrace); err != nil {
				return nil, fmt.Errorf("unmarshal stack trace: %w", err)
			}
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (s *Store) AppendPending(ctx context.Context, action store.PendingAction) error {
	patterns, err := json.Marshal(action.DetectedPatterns)
	if err != nil {
		return fmt.Errorf("marshal detected patterns: %w", err)
	}
	contextJSON, err := json.Marshal(action.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_actions (
			id, timestamp, detected_patterns, original_output, context, status
		) VALUES (?, ?, ?, ?, ?, ?)`,
		action.ID, action.Timestamp, string(patterns), action.OriginalOutput,
		string(contextJSON), string(action.Status),
	)
	if err != nil {
		return fmt.Errorf("insert pending action: %w", err)
	}

	return s.trim(ctx, "pending_actions", s.pendingCap)
}

func (s *Store) ListPending(ctx context.Context) ([]store.PendingAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, detected_patterns, original_output, context, status,
			confirmation_method, confirmed_by, confirmed_at
		FROM pending_actions ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query pending actions: %w", err)
	}
	defer rows.Close()

	var actions []store.PendingAction
	for rows.Next() {
		var (
			a           store.PendingAction
			patterns    string
			contextJSON string
			status      string
			method      sql.NullString
			confirmedBy sql.NullString
			confirmedAt sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.Timestamp, &patterns, &a.OriginalOutput,
			&contextJSON, &status, &method, &confirmedBy, &confirmedAt); err != nil {
			return nil, fmt.Errorf("scan pending action: %w", err)
		}
		a.Status = store.PendingActionStatus(status)
		a.Method = domain.ConfirmationMethod(method.String)
		a.ConfirmedBy = confirmedBy.String
		if confirmedAt.Valid {
			t := confirmedAt.Time
			a.ConfirmedAt = &t
		}
		if patterns != "" {
			if err := json.Unmarshal([]byte(patterns), &a.DetectedPatterns); err != nil {
				return nil, fmt.Errorf("unmarshal detected patterns: %w", err)
			}
		}
		if contextJSON != "" {
			if err := json.Unmarshal([]byte(contextJSON), &a.Context); err != nil {
				return nil, fmt.Errorf("unmarshal context: %w", err)
			}
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

func (s *Store) ClearPendingAction(ctx context.Context, id string, method domain.ConfirmationMethod, operator string) error {
	// The status predicate makes the read-modify-write a single atomic
	// statement: of two concurrent confirms for the same id, exactly
	// one matches the pending row.
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_actions
		SET status = ?, confirmation_method = ?, confirmed_by = ?, confirmed_at = ?
		WHERE id = ? AND status = ?`,
		string(store.Confirmed), string(method), operator, time.Now().UTC(),
		id, string(store.PendingConfirmation))
	if err != nil {
		return fmt.Errorf("confirm pending action: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("confirm pending action: %w", err)
	}
	if n > 0 {
		return nil
	}

	// No pending row matched: either the id is unknown or it was
	// already confirmed.
	var status string
	err = s.db.QueryRowContext(ctx,
		`SELECT status FROM pending_actions WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup pending action: %w", err)
	}
	return store.ErrAlreadyConfirmed
}

// trim drops the oldest rows past cap. Eviction is FIFO by insert
// order regardless of row contents.
func (s *Store) trim(ctx context.Context, table string, cap int) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE seq NOT IN (
			SELECT seq FROM %s ORDER BY seq DESC LIMIT %d
		)`, table, table, cap))
	if err != nil {
		return fmt.Errorf("trim %s: %w", table, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
