package abuse

import (
	"context"
	"database/sql"
	"time"

	"github.com/mbd888/keygate/internal/idgen"
	"github.com/mbd888/keygate/internal/threat"
)

// StoredEvent is one security event in the durable audit trail.
type StoredEvent struct {
	ID        string          `json:"id"`
	SubjectID string          `json:"subject_id"`
	Category  threat.Category `json:"category"`
	Severity  int             `json:"severity"`
	Excerpt   string          `json:"excerpt"`
	CreatedAt time.Time       `json:"created_at"`
}

// EventStore is the durable audit trail behind the in-memory scorer.
// Admins review it; nothing in the hot path reads from it.
type EventStore interface {
	RecordEvent(ctx context.Context, subjectID string, category threat.Category, severity int, excerpt string) error
	RecentEvents(ctx context.Context, limit int) ([]*StoredEvent, error)
	EventsBySubject(ctx context.Context, subjectID string, limit int) ([]*StoredEvent, error)
}

// PostgresEventStore persists security events in PostgreSQL.
type PostgresEventStore struct {
	db *sql.DB
}

// NewPostgresEventStore creates a PostgreSQL-backed event store.
func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

func (p *PostgresEventStore) RecordEvent(ctx context.Context, subjectID string, category threat.Category, severity int, excerpt string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO security_events (id, subject_id, category, severity, excerpt, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		idgen.WithPrefix("evt_"), subjectID, string(category), severity, excerpt, time.Now().UTC(),
	)
	return err
}

func (p *PostgresEventStore) RecentEvents(ctx context.Context, limit int) ([]*StoredEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, subject_id, category, severity, excerpt, created_at
		FROM security_events
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func (p *PostgresEventStore) EventsBySubject(ctx context.Context, subjectID string, limit int) ([]*StoredEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, subject_id, category, severity, excerpt, created_at
		FROM security_events
		WHERE subject_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, subjectID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*StoredEvent, error) {
	var events []*StoredEvent
	for rows.Next() {
		var ev StoredEvent
		var category string
		if err := rows.Scan(&ev.ID, &ev.SubjectID, &category, &ev.Severity, &ev.Excerpt, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Category = threat.Category(category)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

var _ EventStore = (*PostgresEventStore)(nil)
