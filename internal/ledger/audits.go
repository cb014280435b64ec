package ledger

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/fillsync/internal/domain"
)

// InsertDriftAudit persists one drift-audit record. Audits live in the
// ledger database but in their own table: the fills table stays
// append-only execution fact, audits are operational history.
func (s *Store) InsertDriftAudit(ctx context.Context, a *domain.DriftAudit) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO drift_audits (
  id, agent_id, symbol, cache_size, venue_size, cache_avg_price,
  venue_avg_price, magnitude, severity, snapshot_time, created_at
) VALUES (?,?,?,?,?,?,?,?,?,?,?)
`,
		a.ID, a.AgentID, a.Symbol,
		a.CacheSize.String(), a.VenueSize.String(),
		a.CacheAvg.String(), a.VenueAvg.String(),
		a.Magnitude.String(), string(a.Severity),
		a.SnapshotTime.UTC().Format(timeLayout),
		a.CreatedAt.UTC().Format(timeLayout),
	)
	return errors.Wrap(err, "ledger insert drift audit")
}

// ListDriftAudits returns the most recent drift audits, newest first.
func (s *Store) ListDriftAudits(ctx context.Context, limit int) ([]domain.DriftAudit, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, agent_id, symbol, cache_size, venue_size, cache_avg_price,
       venue_avg_price, magnitude, severity, snapshot_time, created_at
FROM drift_audits ORDER BY created_at DESC LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DriftAudit
	for rows.Next() {
		var (
			a                                            domain.DriftAudit
			cacheSize, venueSize, cacheAvg, venueAvg, mag string
			severity, snapTime, created                  string
		)
		if err := rows.Scan(&a.ID, &a.AgentID, &a.Symbol, &cacheSize, &venueSize,
			&cacheAvg, &venueAvg, &mag, &severity, &snapTime, &created); err != nil {
			return nil, err
		}
		a.CacheSize, _ = decimal.NewFromString(cacheSize)
		a.VenueSize, _ = decimal.NewFromString(venueSize)
		a.CacheAvg, _ = decimal.NewFromString(cacheAvg)
		a.VenueAvg, _ = decimal.NewFromString(venueAvg)
		a.Magnitude, _ = decimal.NewFromString(mag)
		a.Severity = domain.DriftSeverity(severity)
		a.SnapshotTime, _ = time.Parse(time.RFC3339Nano, snapTime)
		a.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, a)
	}
	return out, rows.Err()
}
