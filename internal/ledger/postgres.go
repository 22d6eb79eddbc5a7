package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"fusion-trader/internal/model"
	"fusion-trader/internal/service"
)

// Schema creates the closed_trades table.
const Schema = `
CREATE TABLE IF NOT EXISTS closed_trades (
	id               TEXT PRIMARY KEY,
	symbol           TEXT NOT NULL,
	side             TEXT NOT NULL,
	quantity         DOUBLE PRECISION NOT NULL,
	entry_price      DOUBLE PRECISION NOT NULL,
	exit_price       DOUBLE PRECISION NOT NULL,
	entry_time       TIMESTAMPTZ NOT NULL,
	exit_time        TIMESTAMPTZ NOT NULL,
	realized_pnl     DOUBLE PRECISION NOT NULL,
	realized_pnl_pct DOUBLE PRECISION NOT NULL,
	exit_reason      TEXT NOT NULL,
	holding_seconds  BIGINT NOT NULL,
	entry_order_ref  TEXT NOT NULL,
	exit_order_ref   TEXT NOT NULL,
	score            JSONB NOT NULL,
	risk             JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS closed_trades_symbol_exit ON closed_trades (symbol, exit_time DESC);`

const closedTradeColumns = `id, symbol, side, quantity, entry_price, exit_price, entry_time, exit_time,
	realized_pnl, realized_pnl_pct, exit_reason, holding_seconds, entry_order_ref, exit_order_ref, score, risk`

// closedTradeRow is the table shape of a ClosedTradeRecord.
type closedTradeRow struct {
	ID             string    `db:"id"`
	Symbol         string    `db:"symbol"`
	Side           string    `db:"side"`
	Quantity       float64   `db:"quantity"`
	EntryPrice     float64   `db:"entry_price"`
	ExitPrice      float64   `db:"exit_price"`
	EntryTime      time.Time `db:"entry_time"`
	ExitTime       time.Time `db:"exit_time"`
	RealizedPnL    float64   `db:"realized_pnl"`
	RealizedPnLPct float64   `db:"realized_pnl_pct"`
	ExitReason     string    `db:"exit_reason"`
	HoldingSeconds int64     `db:"holding_seconds"`
	EntryOrderRef  string    `db:"entry_order_ref"`
	ExitOrderRef   string    `db:"exit_order_ref"`
	Score          []byte    `db:"score"`
	Risk           []byte    `db:"risk"`
}

func (r closedTradeRow) record() (model.ClosedTradeRecord, error) {
	rec := model.ClosedTradeRecord{
		ID:              r.ID,
		Symbol:          r.Symbol,
		Side:            model.Direction(r.Side),
		Quantity:        r.Quantity,
		EntryPrice:      r.EntryPrice,
		ExitPrice:       r.ExitPrice,
		EntryTime:       r.EntryTime,
		ExitTime:        r.ExitTime,
		RealizedPnL:     r.RealizedPnL,
		RealizedPnLPct:  r.RealizedPnLPct,
		ExitReason:      model.ExitReason(r.ExitReason),
		HoldingDuration: time.Duration(r.HoldingSeconds) * time.Second,
		EntryOrderRef:   r.EntryOrderRef,
		ExitOrderRef:    r.ExitOrderRef,
	}
	if len(r.Score) > 0 {
		if err := json.Unmarshal(r.Score, &rec.Score); err != nil {
			return rec, fmt.Errorf("decode score of %s: %w", r.ID, err)
		}
	}
	if len(r.Risk) > 0 {
		if err := json.Unmarshal(r.Risk, &rec.Risk); err != nil {
			return rec, fmt.Errorf("decode risk of %s: %w", r.ID, err)
		}
	}
	return rec, nil
}

// PostgresLedger stores closed trades in PostgreSQL.
type PostgresLedger struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewPostgresLedger(db *sqlx.DB, timeout time.Duration) *PostgresLedger {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PostgresLedger{db: db, timeout: timeout}
}

// OpenPostgres connects with cfg.DSN and verifies the connection.
func OpenPostgres(ctx context.Context, cfg service.LedgerConfig) (*PostgresLedger, error) {
	if cfg.DSN == "" {
		return nil, errors.New("ledger DSN is required for the postgres driver")
	}
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewPostgresLedger(db, cfg.QueryTimeout), nil
}

// Migrate creates the table if needed.
func (l *PostgresLedger) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if _, err := l.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate ledger: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Close() error {
	return l.db.Close()
}

func (l *PostgresLedger) Append(ctx context.Context, rec model.ClosedTradeRecord) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	score, err := json.Marshal(rec.Score)
	if err != nil {
		return fmt.Errorf("failed to marshal score: %w", err)
	}
	risk, err := json.Marshal(rec.Risk)
	if err != nil {
		return fmt.Errorf("failed to marshal risk: %w", err)
	}

	query := `INSERT INTO closed_trades (` + closedTradeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err = l.db.ExecContext(ctx, query,
		rec.ID, rec.Symbol, string(rec.Side), rec.Quantity, rec.EntryPrice, rec.ExitPrice,
		rec.EntryTime, rec.ExitTime, rec.RealizedPnL, rec.RealizedPnLPct, string(rec.ExitReason),
		int64(rec.HoldingDuration/time.Second), rec.EntryOrderRef, rec.ExitOrderRef, score, risk)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicate, rec.ID)
		}
		return fmt.Errorf("failed to insert closed trade: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Query(ctx context.Context, f Filter) ([]model.ClosedTradeRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var (
		where []string
		args  []interface{}
	)
	if f.Symbol != "" {
		args = append(args, f.Symbol)
		where = append(where, fmt.Sprintf("symbol = $%d", len(args)))
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		where = append(where, fmt.Sprintf("exit_time >= $%d", len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		where = append(where, fmt.Sprintf("exit_time < $%d", len(args)))
	}

	query := `SELECT ` + closedTradeColumns + ` FROM closed_trades`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY exit_time DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []closedTradeRow
	if err := l.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query closed trades: %w", err)
	}
	out := make([]model.ClosedTradeRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
