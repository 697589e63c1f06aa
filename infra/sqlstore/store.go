package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"matching/domain/orderbook"
	"matching/infra/wal"
)

// Outcome is what applying one WAL entry did to the store. A non-nil error
// from ApplyEntry always comes with OutcomeFatal.
type Outcome int

const (
	OutcomeApplied Outcome = iota + 1
	OutcomeDuplicateIgnored
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeDuplicateIgnored:
		return "duplicate_ignored"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

const rowsPerInsert = 500

// -------------------- Drain --------------------

// ApplyEntry writes the trades of e and stages their outbox events plus the
// book event in one transaction. Rows that already exist are skipped and
// reported as OutcomeDuplicateIgnored.
func (s *Store) ApplyEntry(ctx context.Context, e *wal.Entry) (Outcome, error) {
	now := s.now().UnixNano()
	records, err := OutboxRecords(e, now)
	if err != nil {
		return OutcomeFatal, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return OutcomeFatal, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	trades, err := s.insertTrades(ctx, tx, e, now)
	if err != nil {
		return s.classify(err, e)
	}
	staged, err := s.insertOutbox(ctx, tx, records)
	if err != nil {
		return s.classify(err, e)
	}

	if err := tx.Commit(); err != nil {
		return s.classify(errors.Wrap(err, "commit"), e)
	}

	if trades < int64(len(e.Result.Trades)) || staged < int64(len(records)) {
		s.log.Warn("wal entry already persisted",
			zap.String("event", "TRADE_DUPLICATE"),
			zap.Uint64("seq", e.Seq),
			zap.String("instrument", e.Instrument),
			zap.Int64("trades_inserted", trades),
			zap.Int("trades", len(e.Result.Trades)),
			zap.Int64("outbox_inserted", staged),
			zap.Int("outbox", len(records)),
		)
		return OutcomeDuplicateIgnored, nil
	}
	return OutcomeApplied, nil
}

// classify turns a unique violation that got past ON CONFLICT into a
// duplicate; everything else is fatal for this attempt.
func (s *Store) classify(err error, e *wal.Entry) (Outcome, error) {
	if isUniqueViolation(err) {
		s.log.Warn("duplicate key while applying wal entry",
			zap.String("event", "OUTBOX_DUPLICATE_TRADE"),
			zap.Uint64("seq", e.Seq),
			zap.Error(err),
		)
		return OutcomeDuplicateIgnored, nil
	}
	return OutcomeFatal, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) insertTrades(ctx context.Context, tx *sql.Tx, e *wal.Entry, now int64) (int64, error) {
	const cols = 11
	var inserted int64

	trades := e.Result.Trades
	for start := 0; start < len(trades); start += rowsPerInsert {
		end := min(start+rowsPerInsert, len(trades))
		chunk := trades[start:end]

		args := make([]any, 0, len(chunk)*cols)
		for _, t := range chunk {
			args = append(args,
				t.ID, t.Instrument, t.MakerOrderID, t.TakerOrderID, t.TakerSide.String(),
				t.Price.String(), t.Quantity.String(), strings.ToUpper(t.Type.String()),
				int64(e.Seq), t.ExecutedAt, now,
			)
		}
		q := `INSERT INTO trades (trade_id, instrument_id, maker_order_id, taker_order_id, taker_side,
			price, quantity, trade_type, wal_seq, executed_at, created_at)
			VALUES ` + placeholders(len(chunk), cols) + ` ON CONFLICT DO NOTHING`

		res, err := tx.ExecContext(ctx, s.rebind(q), args...)
		if err != nil {
			return inserted, errors.Wrap(err, "insert trades")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, errors.Wrap(err, "trades rows affected")
		}
		inserted += n
	}
	return inserted, nil
}

func (s *Store) insertOutbox(ctx context.Context, tx *sql.Tx, records []OutboxRecord) (int64, error) {
	const cols = 8
	if len(records) == 0 {
		return 0, nil
	}
	var inserted int64

	for start := 0; start < len(records); start += rowsPerInsert {
		end := min(start+rowsPerInsert, len(records))
		chunk := records[start:end]

		args := make([]any, 0, len(chunk)*cols)
		for _, r := range chunk {
			hdr, err := json.Marshal(r.Headers)
			if err != nil {
				return inserted, errors.Wrap(err, "encode headers")
			}
			args = append(args,
				r.EventID, r.AggregateType, r.AggregateID, r.EventType,
				string(r.Payload), string(hdr), r.Seq, r.CreatedAt,
			)
		}
		q := `INSERT INTO outbox (event_id, aggregate_type, aggregate_id, event_type,
			payload, headers, seq, created_at)
			VALUES ` + placeholders(len(chunk), cols) + ` ON CONFLICT DO NOTHING`

		res, err := tx.ExecContext(ctx, s.rebind(q), args...)
		if err != nil {
			return inserted, errors.Wrap(err, "insert outbox")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, errors.Wrap(err, "outbox rows affected")
		}
		inserted += n
	}
	return inserted, nil
}

func placeholders(rows, cols int) string {
	row := "(" + strings.TrimSuffix(strings.Repeat("?,", cols), ",") + ")"
	return strings.TrimSuffix(strings.Repeat(row+",", rows), ",")
}

// -------------------- Relay --------------------

// PendingOutbox returns unpublished events, oldest first.
func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]OutboxRecord, error) {
	q := `SELECT event_id, aggregate_type, aggregate_id, event_type, payload, headers, seq, created_at
		FROM outbox WHERE published_at IS NULL
		ORDER BY created_at, seq, aggregate_type LIMIT ?`
	return s.queryOutbox(ctx, s.rebind(q), limit)
}

// MarkPublished records that the relay handed the event to the bus.
func (s *Store) MarkPublished(ctx context.Context, eventID string, at int64) error {
	q := `UPDATE outbox SET published_at = ? WHERE event_id = ?`
	if _, err := s.db.ExecContext(ctx, s.rebind(q), at, eventID); err != nil {
		return errors.Wrapf(err, "mark %s published", eventID)
	}
	return nil
}

// Outbox returns every staged event in staging order.
func (s *Store) Outbox(ctx context.Context) ([]OutboxRecord, error) {
	q := `SELECT event_id, aggregate_type, aggregate_id, event_type, payload, headers, seq, created_at
		FROM outbox ORDER BY created_at, seq, aggregate_type`
	return s.queryOutbox(ctx, q)
}

func (s *Store) queryOutbox(ctx context.Context, q string, args ...any) ([]OutboxRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query outbox")
	}
	defer rows.Close()

	var out []OutboxRecord
	for rows.Next() {
		var (
			r       OutboxRecord
			payload string
			hdr     sql.NullString
		)
		if err := rows.Scan(&r.EventID, &r.AggregateType, &r.AggregateID, &r.EventType,
			&payload, &hdr, &r.Seq, &r.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan outbox")
		}
		r.Payload = []byte(payload)
		if hdr.Valid && hdr.String != "" {
			if err := json.Unmarshal([]byte(hdr.String), &r.Headers); err != nil {
				return nil, errors.Wrapf(err, "decode headers of %s", r.EventID)
			}
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate outbox")
}

// -------------------- Maintenance --------------------

// Reset deletes every trade and outbox event. WAL seqs and trade ids start
// over after an engine reset, so rows from before would shadow the new ones.
func (s *Store) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"outbox", "trades"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return errors.Wrapf(err, "clear %s", table)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit reset")
	}
	s.log.Warn("trades and outbox cleared", zap.String("event", "STORE_RESET"))
	return nil
}

// -------------------- Queries --------------------

// Trades returns the persisted trades of an instrument in execution order.
func (s *Store) Trades(ctx context.Context, instrument string) ([]orderbook.Trade, error) {
	q := `SELECT trade_id, instrument_id, maker_order_id, taker_order_id, taker_side,
		price, quantity, trade_type, executed_at
		FROM trades WHERE instrument_id = ? ORDER BY wal_seq, LENGTH(trade_id), trade_id`
	rows, err := s.db.QueryContext(ctx, s.rebind(q), instrument)
	if err != nil {
		return nil, errors.Wrap(err, "query trades")
	}
	defer rows.Close()

	var out []orderbook.Trade
	for rows.Next() {
		var (
			t                       orderbook.Trade
			side, price, qty, ttype string
		)
		if err := rows.Scan(&t.ID, &t.Instrument, &t.MakerOrderID, &t.TakerOrderID, &side,
			&price, &qty, &ttype, &t.ExecutedAt); err != nil {
			return nil, errors.Wrap(err, "scan trade")
		}
		if err := t.TakerSide.UnmarshalText([]byte(side)); err != nil {
			return nil, err
		}
		if err := t.Type.UnmarshalText([]byte(ttype)); err != nil {
			return nil, err
		}
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, errors.Wrap(err, "trade price")
		}
		if t.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, errors.Wrap(err, "trade quantity")
		}
		out = append(out, t)
	}
	return out, errors.Wrap(rows.Err(), "iterate trades")
}
