package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/caseflow/internal/domain"
	apperrors "github.com/spec-kit/caseflow/pkg/errorutil"
)

// PostgresCaseStore keeps each case as a JSONB document next to the columns
// the matcher and sweeper filter on.
type PostgresCaseStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresCaseStore instantiates the store.
func NewPostgresCaseStore(pool *pgxpool.Pool, opts ...Option) *PostgresCaseStore {
	return &PostgresCaseStore{pool: pool, now: resolveClock(opts)}
}

var (
	_ CaseStore   = (*PostgresCaseStore)(nil)
	_ CursorStore = (*PostgresCaseStore)(nil)
	_ MarkerStore = (*PostgresCaseStore)(nil)
)

func (r *PostgresCaseStore) Create(ctx context.Context, c *domain.Case) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.now()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	c.Version = 1

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var seq int64
		if err := tx.QueryRow(ctx, `
            INSERT INTO case_numbers (day, last) VALUES ($1, 1)
            ON CONFLICT (day) DO UPDATE SET last = case_numbers.last + 1
            RETURNING last`, domain.CaseNumberDay(c.CreatedAt)).Scan(&seq); err != nil {
			return fmt.Errorf("allocate case number: %w", err)
		}
		c.Number = domain.FormatCaseNumber(c.CreatedAt, seq)

		doc, err := encodeCase(c)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
            INSERT INTO cases (case_id, case_number, status, priority, sender_address, normalized_subject, document, version, created_at, updated_at)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			c.ID, c.Number, string(c.Status), string(c.Priority), senderKey(c), c.NormalizedSubject,
			doc, c.Version, c.CreatedAt, c.UpdatedAt,
		); err != nil {
			return err
		}
		return r.indexMessages(ctx, tx, c.ID, c.MessageIDs(), true)
	})
}

func (r *PostgresCaseStore) Get(ctx context.Context, caseID string) (*domain.Case, error) {
	c, err := r.fetch(ctx, r.pool, `SELECT document FROM cases WHERE case_id=$1`, caseID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, caseNotFound("case_id", caseID)
	}
	return c, err
}

func (r *PostgresCaseStore) GetByNumber(ctx context.Context, number string) (*domain.Case, error) {
	c, err := r.fetch(ctx, r.pool, `SELECT document FROM cases WHERE case_number=$1`, number)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, caseNotFound("case_number", number)
	}
	return c, err
}

func (r *PostgresCaseStore) AppendThread(ctx context.Context, caseID string, entry domain.ThreadEntry, expectedVersion int64) (*domain.Case, error) {
	return r.Update(ctx, caseID, expectedVersion, appendMutator(entry))
}

func (r *PostgresCaseStore) Update(ctx context.Context, caseID string, expectedVersion int64, mutate Mutator) (*domain.Case, error) {
	var next *domain.Case
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		current, err := r.fetch(ctx, tx, `SELECT document FROM cases WHERE case_id=$1 FOR UPDATE`, caseID)
		if errors.Is(err, pgx.ErrNoRows) {
			return caseNotFound("case_id", caseID)
		}
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return apperrors.NewVersionConflict(caseID, expectedVersion, current.Version)
		}

		updated, added, err := applyMutation(current, mutate, r.now())
		if err != nil {
			return err
		}
		doc, err := encodeCase(updated)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
            UPDATE cases SET status=$1, priority=$2, sender_address=$3, normalized_subject=$4, document=$5, version=$6, updated_at=$7
            WHERE case_id=$8 AND version=$9`,
			string(updated.Status), string(updated.Priority), senderKey(updated), updated.NormalizedSubject,
			doc, updated.Version, updated.UpdatedAt, caseID, expectedVersion,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apperrors.NewVersionConflict(caseID, expectedVersion, current.Version)
		}
		if err := r.indexMessages(ctx, tx, caseID, added, false); err != nil {
			return err
		}
		next = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

func (r *PostgresCaseStore) LookupMessage(ctx context.Context, externalID string) (MessageRef, error) {
	var ref MessageRef
	err := r.pool.QueryRow(ctx,
		`SELECT case_id, opened_case FROM case_messages WHERE external_message_id=$1`, externalID,
	).Scan(&ref.CaseID, &ref.OpenedCase)
	if errors.Is(err, pgx.ErrNoRows) {
		return MessageRef{}, apperrors.NewNotFound("message", map[string]any{"external_message_id": externalID})
	}
	return ref, err
}

func (r *PostgresCaseStore) FindOpenBySender(ctx context.Context, address string, activeSince time.Time) ([]*domain.Case, error) {
	return r.list(ctx, `
        SELECT document FROM cases
        WHERE sender_address=$1 AND status<>$2 AND updated_at>=$3
        ORDER BY updated_at DESC`,
		normalizeAddress(address), string(domain.CaseStatusClosed), activeSince)
}

func (r *PostgresCaseStore) ListByStatus(ctx context.Context, statuses []domain.CaseStatus, limit int) ([]*domain.Case, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	values := make([]string, len(statuses))
	for i, status := range statuses {
		values[i] = string(status)
	}
	query := `SELECT document FROM cases WHERE status = ANY($1) ORDER BY updated_at ASC`
	args := []any{values}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	return r.list(ctx, query, args...)
}

func (r *PostgresCaseStore) RecordSkip(ctx context.Context, record SkipRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.RecordedAt.IsZero() {
		record.RecordedAt = r.now()
	}
	_, err := r.pool.Exec(ctx, `
        INSERT INTO skip_records (id, external_message_id, sender_address, subject, reason, recorded_at)
        VALUES ($1,$2,$3,$4,$5,$6)`,
		record.ID, record.ExternalMessageID, record.SenderAddress, record.Subject, record.Reason, record.RecordedAt)
	return err
}

func (r *PostgresCaseStore) ListSkips(ctx context.Context, limit int) ([]SkipRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
        SELECT id, external_message_id, sender_address, subject, reason, recorded_at
        FROM skip_records ORDER BY recorded_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SkipRecord
	for rows.Next() {
		var record SkipRecord
		if err := rows.Scan(&record.ID, &record.ExternalMessageID, &record.SenderAddress, &record.Subject, &record.Reason, &record.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (r *PostgresCaseStore) LoadCursor(ctx context.Context, source string) (string, error) {
	var cursor string
	err := r.pool.QueryRow(ctx, `SELECT cursor_value FROM poll_cursors WHERE source=$1`, source).Scan(&cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return cursor, err
}

func (r *PostgresCaseStore) SaveCursor(ctx context.Context, source, cursor string) error {
	_, err := r.pool.Exec(ctx, `
        INSERT INTO poll_cursors (source, cursor_value, updated_at) VALUES ($1,$2,$3)
        ON CONFLICT (source) DO UPDATE SET cursor_value=EXCLUDED.cursor_value, updated_at=EXCLUDED.updated_at`,
		source, cursor, r.now())
	return err
}

func (r *PostgresCaseStore) Mark(ctx context.Context, marker Marker) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
        INSERT INTO workflow_markers (rule_id, case_id, event_id, created_at) VALUES ($1,$2,$3,$4)
        ON CONFLICT DO NOTHING`,
		marker.RuleID, marker.CaseID, marker.EventID, r.now())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *PostgresCaseStore) fetch(ctx context.Context, q pgQuerier, query string, arg any) (*domain.Case, error) {
	var doc []byte
	if err := q.QueryRow(ctx, query, arg).Scan(&doc); err != nil {
		return nil, err
	}
	return decodeCase(doc)
}

func (r *PostgresCaseStore) list(ctx context.Context, query string, args ...any) ([]*domain.Case, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Case
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		c, err := decodeCase(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresCaseStore) indexMessages(ctx context.Context, tx pgx.Tx, caseID string, ids []string, opened bool) error {
	for _, id := range ids {
		if _, err := tx.Exec(ctx, `
            INSERT INTO case_messages (external_message_id, case_id, opened_case, recorded_at) VALUES ($1,$2,$3,$4)`,
			id, caseID, opened, r.now()); err != nil {
			if isPgUniqueViolation(err, "case_messages") {
				return ErrDuplicateMessage
			}
			return err
		}
	}
	return nil
}

func isPgUniqueViolation(err error, table string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return table == "" || strings.EqualFold(pgErr.TableName, table)
}
