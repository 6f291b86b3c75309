package orders

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists orders in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, subject_id, server_id, plan_id, protocol, amount,
		       status, screenshot_fp, key_ref, resolved_by, created_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, subject_id, server_id, plan_id, protocol, amount,
			status, screenshot_fp, key_ref, resolved_by, created_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		o.ID, o.SubjectID, o.ServerID, o.PlanID, o.Protocol, o.Amount,
		string(o.Status), nullString(o.ScreenshotFP), nullString(o.KeyRef),
		nullString(o.ResolvedBy), o.CreatedAt, nullTime(o.ResolvedAt),
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) SetScreenshot(ctx context.Context, id, fingerprint string) error {
	return p.setColumn(ctx, id, "screenshot_fp", fingerprint)
}

func (p *PostgresStore) SetKeyRef(ctx context.Context, id, keyRef string) error {
	return p.setColumn(ctx, id, "key_ref", keyRef)
}

func (p *PostgresStore) setColumn(ctx context.Context, id, column, value string) error {
	// column is one of two compile-time constants, never user input.
	result, err := p.db.ExecContext(ctx,
		`UPDATE orders SET `+column+` = $1 WHERE id = $2`, value, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// TransitionFromPending is the atomic compare-and-swap: the row moves to
// the target status only if it is still pending. RowsAffected tells us
// whether this caller won.
func (p *PostgresStore) TransitionFromPending(ctx context.Context, id string, to Status, resolvedBy string, at time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, resolved_by = $2, resolved_at = $3
		WHERE id = $4 AND status = 'pending'`,
		string(to), resolvedBy, at, id,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (p *PostgresStore) ListBySubject(ctx context.Context, subjectID string, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE subject_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, subjectID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOrders(rows)
}

func (p *PostgresStore) ListStalePending(ctx context.Context, before time.Time, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'pending' AND created_at < $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOrders(rows)
}

func (p *PostgresStore) CreationTimesSince(ctx context.Context, subjectID string, since time.Time) ([]time.Time, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT created_at FROM orders
		WHERE subject_id = $1 AND created_at > $2`, subjectID, since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var times []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		times = append(times, t)
	}
	return times, rows.Err()
}

func (p *PostgresStore) CountRejectedSince(ctx context.Context, subjectID string, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM orders
		WHERE subject_id = $1 AND status = 'rejected' AND resolved_at > $2`,
		subjectID, since).Scan(&n)
	return n, err
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (*Order, error) {
	var o Order
	var status string
	var screenshotFP, keyRef, resolvedBy sql.NullString
	var resolvedAt sql.NullTime

	err := s.Scan(
		&o.ID, &o.SubjectID, &o.ServerID, &o.PlanID, &o.Protocol, &o.Amount,
		&status, &screenshotFP, &keyRef, &resolvedBy, &o.CreatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)
	o.ScreenshotFP = screenshotFP.String
	o.KeyRef = keyRef.String
	o.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		o.ResolvedAt = &t
	}
	return &o, nil
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
