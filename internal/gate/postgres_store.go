package gate

import (
	"context"
	"database/sql"
	"time"

	"github.com/mbd888/keygate/internal/idgen"
)

// PostgresBanStore writes severe bans through to PostgreSQL and loads
// them back on startup.
type PostgresBanStore struct {
	db *sql.DB
}

// NewPostgresBanStore creates a PostgreSQL-backed ban store.
func NewPostgresBanStore(db *sql.DB) *PostgresBanStore {
	return &PostgresBanStore{db: db}
}

func (p *PostgresBanStore) PersistBan(ctx context.Context, subjectID, reason string, duration time.Duration) error {
	now := time.Now().UTC()
	var expiresAt sql.NullTime
	if duration > 0 {
		expiresAt = sql.NullTime{Time: now.Add(duration), Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bans (id, subject_id, reason, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		idgen.WithPrefix("ban_"), subjectID, reason, now, expiresAt,
	)
	return err
}

// ActiveBans returns persisted bans that have not expired. Used to
// rebuild the in-memory ledger after a restart.
func (p *PostgresBanStore) ActiveBans(ctx context.Context) ([]*Ban, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT subject_id, reason, issued_at, expires_at
		FROM bans
		WHERE expires_at IS NULL OR expires_at > now()
		ORDER BY issued_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var bans []*Ban
	for rows.Next() {
		var b Ban
		var expiresAt sql.NullTime
		if err := rows.Scan(&b.SubjectID, &b.Reason, &b.IssuedAt, &expiresAt); err != nil {
			return nil, err
		}
		if expiresAt.Valid {
			b.ExpiresAt = expiresAt.Time
		}
		bans = append(bans, &b)
	}
	return bans, rows.Err()
}

var _ BanStore = (*PostgresBanStore)(nil)
