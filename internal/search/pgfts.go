package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher over the confessions.fts column.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; the bot cannot run without Postgres.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	q = normalize(q)
	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, `
		SELECT count(*) FROM confessions
		WHERE status='approved' AND fts @@ plainto_tsquery('english', $1)
	`, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id,
			ts_headline('english', text, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30,StartSel=' || chr(2) || ',StopSel=' || chr(3)),
			COALESCE(reviewed_at, created_at)
		FROM confessions
		WHERE status='approved' AND fts @@ plainto_tsquery('english', $1)
		ORDER BY ts_rank(fts, plainto_tsquery('english', $1)) DESC, id DESC
		LIMIT $2 OFFSET $3
	`, q.Text, q.Limit, q.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Snippet, &r.PublishedAt); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadApproved returns every approved confession for a full reindex.
func (p *PgFTS) LoadApproved(ctx context.Context) ([]ConfessionRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, text, EXTRACT(EPOCH FROM COALESCE(reviewed_at, created_at))::bigint
		FROM confessions
		WHERE status='approved'
	`)
	if err != nil {
		return nil, fmt.Errorf("load confessions: %w", err)
	}
	defer rows.Close()

	records := make([]ConfessionRecord, 0)
	for rows.Next() {
		var r ConfessionRecord
		if err := rows.Scan(&r.ID, &r.Text, &r.PublishedAt); err != nil {
			return nil, fmt.Errorf("scan confession: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate confessions: %w", err)
	}
	return records, nil
}
