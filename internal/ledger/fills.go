package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/fillsync/internal/domain"
)

// AppendResult is the outcome of a ledger append.
type AppendResult int

const (
	// ResultInserted means the fill is new and now durably recorded.
	ResultInserted AppendResult = iota
	// ResultAlreadyExists means the exec_id was seen before. Expected
	// under at-least-once delivery (reconnect replays); not an error,
	// and it tells the cache updater to skip the delta.
	ResultAlreadyExists
)

// Append inserts one fill into the ledger. Idempotency is enforced by
// the PRIMARY KEY on exec_id: a duplicate delivery reports
// ResultAlreadyExists and leaves the ledger untouched.
func (s *Store) Append(ctx context.Context, f *domain.Fill) (AppendResult, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO fills (
  exec_id, order_id, client_order_id, agent_id, symbol, side,
  price, qty, signed_qty, commission, reason, exec_time, received_at, inserted_at
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(exec_id) DO NOTHING
`,
		f.ExecID, f.OrderID, f.ClientOrderID, f.Attribution.AgentID, f.Symbol, string(f.Side),
		f.Price.String(), f.Qty.String(), f.SignedQty().String(), f.Commission.String(),
		f.Attribution.Reason,
		f.ExecTime.UTC().Format(timeLayout),
		f.ReceivedAt.UTC().Format(timeLayout),
		time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return ResultInserted, errors.Wrap(err, "ledger append")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ResultInserted, errors.Wrap(err, "ledger append rows affected")
	}
	if n == 0 {
		return ResultAlreadyExists, nil
	}
	return ResultInserted, nil
}

// SumSignedQty returns Σ signed_qty over all ledgered fills for one
// (agent, symbol) key. Summed in Go with decimals; SQLite SUM over
// TEXT would go through floats.
func (s *Store) SumSignedQty(ctx context.Context, agentID, symbol string) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT signed_qty FROM fills WHERE agent_id=? AND symbol=?
`, agentID, symbol)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "ledger sum signed qty")
	}
	defer rows.Close()

	sum := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, err
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, errors.Wrapf(err, "ledger corrupt signed_qty %q", raw)
		}
		sum = sum.Add(d)
	}
	return sum, rows.Err()
}

// CountFills returns the number of distinct ledgered fills for a key,
// or all fills when agentID and symbol are empty.
func (s *Store) CountFills(ctx context.Context, agentID, symbol string) (int, error) {
	var row *sql.Row
	if agentID == "" && symbol == "" {
		row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fills`)
	} else {
		row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fills WHERE agent_id=? AND symbol=?`, agentID, symbol)
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// LastExecTime returns the venue timestamp of the most recently
// ledgered fill for a key, or zero time when the key has no fills.
func (s *Store) LastExecTime(ctx context.Context, agentID, symbol string) (time.Time, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT exec_time FROM fills WHERE agent_id=? AND symbol=? ORDER BY exec_time DESC LIMIT 1
`, agentID, symbol)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "ledger corrupt exec_time %q", raw)
	}
	return t, nil
}
