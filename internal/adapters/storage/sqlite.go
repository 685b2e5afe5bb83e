package storage

// sqlite.go — store durable de posiciones.
//
// Tablas:
//   - `positions`: una fila por posición, con las dos patas (a_/b_) aplanadas.
//     Índice único parcial sobre market_id para los estados no terminales:
//     como mucho una posición activa por mercado, también tras un reinicio.
//   - `orders`: historial de órdenes (cada ajuste de precio crea una nueva).
//   - `position_events`: auditoría de transiciones de estado.
//   - `price_observations`: último best bid por (mercado, lado) para la liquidación.
//   - Prune al arrancar: eventos y órdenes de posiciones cerradas hace > 30d.

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var schema = `
CREATE TABLE IF NOT EXISTS positions (
    id                  TEXT PRIMARY KEY,
    market_id           TEXT NOT NULL,
    condition_id        TEXT NOT NULL,
    question            TEXT,
    neg_risk            INTEGER NOT NULL DEFAULT 0,
    end_date            TEXT,
    split_amount        REAL NOT NULL,
    collateral_split    REAL NOT NULL DEFAULT 0,
    collateral_merged   REAL NOT NULL DEFAULT 0,
    splits              INTEGER NOT NULL DEFAULT 0,
    state               TEXT NOT NULL,
    neither_iterations  INTEGER NOT NULL DEFAULT 0,
    orders_placed_at    TEXT,
    last_adjustment_at  TEXT,
    merged_at           TEXT,
    split_tx            TEXT NOT NULL DEFAULT '',
    merge_tx            TEXT NOT NULL DEFAULT '',
    created_at          TEXT NOT NULL,
    updated_at          TEXT NOT NULL,
    closed_at           TEXT,
    close_reason        TEXT NOT NULL DEFAULT '',
` + legSchema("a_") + legSchema("b_") + `
    settled             INTEGER NOT NULL DEFAULT 0,
    winner              TEXT NOT NULL DEFAULT '',
    winner_from_data    INTEGER NOT NULL DEFAULT 0,
    last_bid_a          REAL NOT NULL DEFAULT 0,
    last_bid_b          REAL NOT NULL DEFAULT 0,
    unsold_a            REAL NOT NULL DEFAULT 0,
    unsold_b            REAL NOT NULL DEFAULT 0,
    valuation           REAL NOT NULL DEFAULT 0,
    cash_received       REAL NOT NULL DEFAULT 0,
    net_payout          REAL NOT NULL DEFAULT 0,
    roi                 REAL NOT NULL DEFAULT 0,
    settled_at          TEXT,
    redeem_tx           TEXT NOT NULL DEFAULT '',
    redeemed_at         TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS positions_active_market
    ON positions(market_id) WHERE state NOT IN ('RESOLVED','CLOSED');
CREATE INDEX IF NOT EXISTS positions_state   ON positions(state);
CREATE INDEX IF NOT EXISTS positions_updated ON positions(updated_at DESC);

CREATE TABLE IF NOT EXISTS orders (
    id            TEXT PRIMARY KEY,
    position_id   TEXT NOT NULL,
    side          TEXT NOT NULL,
    token_id      TEXT NOT NULL,
    price         REAL NOT NULL,
    size          REAL NOT NULL,
    status        TEXT NOT NULL,
    filled_size   REAL NOT NULL DEFAULT 0,
    filled_price  REAL NOT NULL DEFAULT 0,
    placed_at     TEXT NOT NULL,
    updated_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS orders_position ON orders(position_id);

CREATE TABLE IF NOT EXISTS position_events (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    position_id  TEXT NOT NULL,
    market_id    TEXT NOT NULL,
    from_state   TEXT NOT NULL DEFAULT '',
    to_state     TEXT NOT NULL,
    event        TEXT NOT NULL,
    at           TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS position_events_position ON position_events(position_id, id);

CREATE TABLE IF NOT EXISTS price_observations (
    market_id    TEXT NOT NULL,
    side         TEXT NOT NULL,
    token_id     TEXT NOT NULL,
    best_bid     REAL NOT NULL,
    observed_at  TEXT NOT NULL,
    PRIMARY KEY (market_id, side)
);
`

func legSchema(prefix string) string {
	return fmt.Sprintf(`
    %[1]stoken_id            TEXT NOT NULL,
    %[1]soutcome             TEXT NOT NULL DEFAULT '',
    %[1]sshares              REAL NOT NULL DEFAULT 0,
    %[1]ssold_shares         REAL NOT NULL DEFAULT 0,
    %[1]sproceeds            REAL NOT NULL DEFAULT 0,
    %[1]sfilled              INTEGER NOT NULL DEFAULT 0,
    %[1]sfilled_at           TEXT,
    %[1]sadjustments         INTEGER NOT NULL DEFAULT 0,
    %[1]starget_price        REAL NOT NULL DEFAULT 0,
    %[1]sorder_id            TEXT NOT NULL DEFAULT '',
    %[1]sorder_price         REAL NOT NULL DEFAULT 0,
    %[1]sorder_size          REAL NOT NULL DEFAULT 0,
    %[1]sorder_status        TEXT NOT NULL DEFAULT '',
    %[1]sorder_filled_size   REAL NOT NULL DEFAULT 0,
    %[1]sorder_filled_price  REAL NOT NULL DEFAULT 0,
    %[1]sorder_placed_at     TEXT,
    %[1]sorder_updated_at    TEXT,`, prefix)
}

const retentionClosed = 30 * 24 * time.Hour

// SQLiteStorage implementa ports.PositionStore usando SQLite (pure Go, sin CGo).
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage abre (o crea) la base de datos en la ruta dada y aplica el schema.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}

	s := &SQLiteStorage{db: db}
	s.pruneOld(context.Background())
	return s, nil
}

// Close cierra la conexión a la base de datos.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// pruneOld elimina el historial de posiciones cerradas hace tiempo.
// Las filas de positions se conservan para el reporte.
func (s *SQLiteStorage) pruneOld(ctx context.Context) {
	cutoff := timeVal(time.Now().Add(-retentionClosed))
	old := `SELECT id FROM positions WHERE state IN ('RESOLVED','CLOSED') AND closed_at < ?`
	s.db.ExecContext(ctx, `DELETE FROM position_events WHERE position_id IN (`+old+`)`, cutoff)
	s.db.ExecContext(ctx, `DELETE FROM orders WHERE position_id IN (`+old+`)`, cutoff)
	s.db.ExecContext(ctx, `DELETE FROM price_observations WHERE observed_at < ?`, cutoff)
}

// --- helpers internos ---

// timeLayout tiene ancho fijo (nanosegundos sin recortar) para que el texto
// ordene igual que el tiempo.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func timeVal(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return timeVal(*t)
}

func nullTimeVal(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return timeVal(t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
