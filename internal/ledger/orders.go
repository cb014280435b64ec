package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/betbot/fillsync/internal/domain"
)

// UpsertOrderStatus records the latest lifecycle status of an order.
// Status events may arrive out of order after reconnects; last write
// wins, which matches venue semantics for the order stream.
func (s *Store) UpsertOrderStatus(ctx context.Context, o *domain.OrderUpdate) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO orders (
  order_id, client_order_id, agent_id, symbol, side, order_type,
  qty, price, status, created_at, updated_at
) VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(order_id) DO UPDATE
SET status=excluded.status, updated_at=excluded.updated_at
`,
		o.OrderID, o.ClientOrderID, o.Attribution.AgentID, o.Symbol, string(o.Side), o.OrderType,
		o.Qty.String(), o.Price.String(), string(o.Status), now, now,
	)
	return errors.Wrap(err, "ledger upsert order")
}

// OrderStatus returns the recorded status for an order id, or "" when
// the order is unknown.
func (s *Store) OrderStatus(ctx context.Context, orderID string) (domain.OrderStatus, error) {
	row := s.db.QueryRowContext(ctx, `SELECT status FROM orders WHERE order_id=?`, orderID)
	var status string
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return domain.OrderStatus(status), nil
}
