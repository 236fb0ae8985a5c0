package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/caseflow/internal/domain"
	apperrors "github.com/spec-kit/caseflow/pkg/errorutil"
)

// SQLiteCaseStore keeps cases in a local SQLite file. Timestamps are stored
// as unix nanoseconds.
type SQLiteCaseStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteCaseStore wraps an already migrated handle.
func NewSQLiteCaseStore(db *sql.DB, opts ...Option) *SQLiteCaseStore {
	return &SQLiteCaseStore{db: db, now: resolveClock(opts)}
}

var (
	_ CaseStore   = (*SQLiteCaseStore)(nil)
	_ CursorStore = (*SQLiteCaseStore)(nil)
	_ MarkerStore = (*SQLiteCaseStore)(nil)
)

func (s *SQLiteCaseStore) Create(ctx context.Context, c *domain.Case) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	c.Version = 1

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	day := domain.CaseNumberDay(c.CreatedAt)
	var seq int64
	if err := tx.QueryRowContext(ctx, `
        INSERT INTO case_numbers (day, last) VALUES (?, 1)
        ON CONFLICT (day) DO UPDATE SET last = case_numbers.last + 1
        RETURNING last`, day).Scan(&seq); err != nil {
		return fmt.Errorf("allocate case number: %w", err)
	}
	c.Number = domain.FormatCaseNumber(c.CreatedAt, seq)

	doc, err := encodeCase(c)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO cases (case_id, case_number, status, priority, sender_address, normalized_subject, document, version, created_at, updated_at)
        VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Number, c.Status, c.Priority, senderKey(c), c.NormalizedSubject,
		string(doc), c.Version, c.CreatedAt.UnixNano(), c.UpdatedAt.UnixNano(),
	); err != nil {
		return err
	}
	if err := s.indexMessages(ctx, tx, c.ID, c.MessageIDs(), true); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteCaseStore) Get(ctx context.Context, caseID string) (*domain.Case, error) {
	c, err := s.fetch(ctx, s.db, `SELECT document FROM cases WHERE case_id=?`, caseID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, caseNotFound("case_id", caseID)
	}
	return c, err
}

func (s *SQLiteCaseStore) GetByNumber(ctx context.Context, number string) (*domain.Case, error) {
	c, err := s.fetch(ctx, s.db, `SELECT document FROM cases WHERE case_number=?`, number)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, caseNotFound("case_number", number)
	}
	return c, err
}

func (s *SQLiteCaseStore) AppendThread(ctx context.Context, caseID string, entry domain.ThreadEntry, expectedVersion int64) (*domain.Case, error) {
	return s.Update(ctx, caseID, expectedVersion, appendMutator(entry))
}

func (s *SQLiteCaseStore) Update(ctx context.Context, caseID string, expectedVersion int64, mutate Mutator) (*domain.Case, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	current, err := s.fetch(ctx, tx, `SELECT document FROM cases WHERE case_id=?`, caseID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, caseNotFound("case_id", caseID)
	}
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, apperrors.NewVersionConflict(caseID, expectedVersion, current.Version)
	}

	next, added, err := applyMutation(current, mutate, s.now())
	if err != nil {
		return nil, err
	}
	doc, err := encodeCase(next)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, `
        UPDATE cases SET status=?, priority=?, sender_address=?, normalized_subject=?, document=?, version=?, updated_at=?
        WHERE case_id=? AND version=?`,
		next.Status, next.Priority, senderKey(next), next.NormalizedSubject, string(doc), next.Version, next.UpdatedAt.UnixNano(),
		caseID, expectedVersion,
	)
	if err != nil {
		return nil, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, apperrors.NewVersionConflict(caseID, expectedVersion, current.Version)
	}
	if err := s.indexMessages(ctx, tx, caseID, added, false); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *SQLiteCaseStore) LookupMessage(ctx context.Context, externalID string) (MessageRef, error) {
	var (
		ref    MessageRef
		opened int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT case_id, opened_case FROM case_messages WHERE external_message_id=?`, externalID,
	).Scan(&ref.CaseID, &opened)
	if errors.Is(err, sql.ErrNoRows) {
		return MessageRef{}, apperrors.NewNotFound("message", map[string]any{"external_message_id": externalID})
	}
	if err != nil {
		return MessageRef{}, err
	}
	ref.OpenedCase = opened == 1
	return ref, nil
}

func (s *SQLiteCaseStore) FindOpenBySender(ctx context.Context, address string, activeSince time.Time) ([]*domain.Case, error) {
	return s.list(ctx, `
        SELECT document FROM cases
        WHERE sender_address=? AND status<>? AND updated_at>=?
        ORDER BY updated_at DESC`,
		normalizeAddress(address), domain.CaseStatusClosed, activeSince.UnixNano())
}

func (s *SQLiteCaseStore) ListByStatus(ctx context.Context, statuses []domain.CaseStatus, limit int) ([]*domain.Case, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	for i, status := range statuses {
		placeholders[i] = "?"
		args = append(args, status)
	}
	query := fmt.Sprintf(`SELECT document FROM cases WHERE status IN (%s) ORDER BY updated_at ASC`, strings.Join(placeholders, ","))
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.list(ctx, query, args...)
}

func (s *SQLiteCaseStore) RecordSkip(ctx context.Context, record SkipRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.RecordedAt.IsZero() {
		record.RecordedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO skip_records (id, external_message_id, sender_address, subject, reason, recorded_at)
        VALUES (?,?,?,?,?,?)`,
		record.ID, record.ExternalMessageID, record.SenderAddress, record.Subject, record.Reason, record.RecordedAt.UnixNano())
	return err
}

func (s *SQLiteCaseStore) ListSkips(ctx context.Context, limit int) ([]SkipRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, external_message_id, sender_address, subject, reason, recorded_at
        FROM skip_records ORDER BY recorded_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SkipRecord
	for rows.Next() {
		var (
			record     SkipRecord
			recordedAt int64
		)
		if err := rows.Scan(&record.ID, &record.ExternalMessageID, &record.SenderAddress, &record.Subject, &record.Reason, &recordedAt); err != nil {
			return nil, err
		}
		record.RecordedAt = time.Unix(0, recordedAt).UTC()
		out = append(out, record)
	}
	return out, rows.Err()
}

func (s *SQLiteCaseStore) LoadCursor(ctx context.Context, source string) (string, error) {
	var cursor string
	err := s.db.QueryRowContext(ctx, `SELECT cursor_value FROM poll_cursors WHERE source=?`, source).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return cursor, err
}

func (s *SQLiteCaseStore) SaveCursor(ctx context.Context, source, cursor string) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO poll_cursors (source, cursor_value, updated_at) VALUES (?,?,?)
        ON CONFLICT (source) DO UPDATE SET cursor_value=excluded.cursor_value, updated_at=excluded.updated_at`,
		source, cursor, s.now().UnixNano())
	return err
}

func (s *SQLiteCaseStore) Mark(ctx context.Context, marker Marker) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO workflow_markers (rule_id, case_id, event_id, created_at) VALUES (?,?,?,?)
        ON CONFLICT DO NOTHING`,
		marker.RuleID, marker.CaseID, marker.EventID, s.now().UnixNano())
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteCaseStore) fetch(ctx context.Context, q sqliteQuerier, query string, arg any) (*domain.Case, error) {
	var doc string
	if err := q.QueryRowContext(ctx, query, arg).Scan(&doc); err != nil {
		return nil, err
	}
	return decodeCase([]byte(doc))
}

func (s *SQLiteCaseStore) list(ctx context.Context, query string, args ...any) ([]*domain.Case, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Case
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		c, err := decodeCase([]byte(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteCaseStore) indexMessages(ctx context.Context, tx *sql.Tx, caseID string, ids []string, opened bool) error {
	openedFlag := 0
	if opened {
		openedFlag = 1
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO case_messages (external_message_id, case_id, opened_case, recorded_at) VALUES (?,?,?,?)`,
			id, caseID, openedFlag, s.now().UnixNano()); err != nil {
			if isSQLiteUniqueViolation(err) {
				return ErrDuplicateMessage
			}
			return err
		}
	}
	return nil
}

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
