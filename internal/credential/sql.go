package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/relay/internal/domain"
)

// pgUndefinedTable is the Postgres SQLSTATE for a missing relation.
const pgUndefinedTable = "42P01"

// issueQuery claims the least-recently-issued active credential in a pool
// and stamps it in one statement, so concurrent relays spread load evenly.
const issueQuery = `
	UPDATE relay_credentials
	SET last_issued_at = NOW(), issue_count = issue_count + 1
	WHERE id = (
		SELECT id FROM relay_credentials
		WHERE pool = $1 AND status = 'active'
		ORDER BY last_issued_at ASC NULLS FIRST
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	RETURNING identity, secret, host, port
`

// SQLSource reads operator-managed credentials from the relay_credentials
// table:
//
//	CREATE TABLE relay_credentials (
//	    id             UUID PRIMARY KEY DEFAULT gen_random_uuid(),
//	    pool           TEXT NOT NULL,
//	    identity       TEXT NOT NULL,
//	    secret         TEXT NOT NULL,
//	    host           TEXT NOT NULL,
//	    port           INT  NOT NULL DEFAULT 587,
//	    status         TEXT NOT NULL DEFAULT 'active',
//	    issue_count    BIGINT NOT NULL DEFAULT 0,
//	    last_issued_at TIMESTAMPTZ
//	);
type SQLSource struct {
	name string
	pool string
	db   *sql.DB
}

// NewSQLSource creates a source over the given pool. An empty pool defaults
// to the source name.
func NewSQLSource(name, pool string, db *sql.DB) *SQLSource {
	if pool == "" {
		pool = name
	}
	return &SQLSource{name: name, pool: pool, db: db}
}

func (s *SQLSource) Name() string { return s.name }

func (s *SQLSource) Fetch(ctx context.Context) (domain.Credentials, error) {
	var creds domain.Credentials
	err := s.db.QueryRowContext(ctx, issueQuery, s.pool).
		Scan(&creds.Identity, &creds.Secret, &creds.Endpoint, &creds.Port)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Credentials{}, fmt.Errorf("no active credentials in pool %q", s.pool)
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUndefinedTable {
			return domain.Credentials{}, fmt.Errorf("relay_credentials table missing: %w", err)
		}
		return domain.Credentials{}, fmt.Errorf("query pool %q: %w", s.pool, err)
	}
	return creds, nil
}
