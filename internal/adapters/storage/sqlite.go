// Package storage persiste el estado del motor en SQLite (pure Go, sin
// CGo).
//
// Estrategia:
//   - `control_state`: UNA fila (id=1) con run activo y kill-switch.
//     La escribe el operador; el motor solo lee.
//   - `markets` / `market_states`: catálogo y snapshot por (market, run).
//   - `trades`: el ledger. OPEN→CLOSED ocurre en UN solo UPDATE
//     condicional con RETURNING; esa es toda la protección contra
//     liquidaciones dobles.
//   - `events` / `heartbeats`: log de decisiones para auditoría. Las
//     escrituras fallidas se registran y se ignoran: el log nunca
//     bloquea al motor.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/alejandrodnm/updown/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS control_state (
    id                   INTEGER PRIMARY KEY CHECK (id = 1),
    run_id               TEXT     NOT NULL DEFAULT '',
    running              INTEGER  NOT NULL DEFAULT 0,
    trade_size           REAL     NOT NULL DEFAULT 0,
    confidence_threshold REAL     NOT NULL DEFAULT 0,
    updated_at           DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS markets (
    id              TEXT PRIMARY KEY,
    asset           TEXT     NOT NULL,
    question        TEXT     NOT NULL DEFAULT '',
    open_time       DATETIME,
    expiry_time     DATETIME,
    baseline_price  REAL     NOT NULL DEFAULT 0,
    exposure_cap    REAL     NOT NULL DEFAULT 0,
    max_entry_price REAL     NOT NULL DEFAULT 0,
    run_id          TEXT     NOT NULL DEFAULT '',
    enabled         INTEGER  NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS market_states (
    market_id        TEXT     NOT NULL,
    run_id           TEXT     NOT NULL,
    phase            TEXT     NOT NULL DEFAULT 'WATCHING',
    exposure         REAL     NOT NULL DEFAULT 0,
    clips            INTEGER  NOT NULL DEFAULT 0,
    tier             INTEGER  NOT NULL DEFAULT 0,
    locked_direction TEXT     NOT NULL DEFAULT '',
    defensive_exited INTEGER  NOT NULL DEFAULT 0,
    updated_at       DATETIME NOT NULL,
    PRIMARY KEY (market_id, run_id)
);

CREATE TABLE IF NOT EXISTS trades (
    id             TEXT PRIMARY KEY,
    run_id         TEXT     NOT NULL,
    market_id      TEXT     NOT NULL,
    asset          TEXT     NOT NULL,
    direction      TEXT     NOT NULL,
    stake          REAL     NOT NULL,
    entry_price    REAL     NOT NULL,
    shares         REAL     NOT NULL,
    status         TEXT     NOT NULL DEFAULT 'OPEN',
    opened_at      DATETIME NOT NULL,
    closed_at      DATETIME,
    exit_price     REAL     NOT NULL DEFAULT 0,
    exit_reason    TEXT     NOT NULL DEFAULT '',
    realized_pnl   REAL     NOT NULL DEFAULT 0,
    unrealized_pnl REAL     NOT NULL DEFAULT 0,
    marked_at      DATETIME,
    confidence     REAL     NOT NULL DEFAULT 0,
    regime         TEXT     NOT NULL DEFAULT '',
    tier           INTEGER  NOT NULL DEFAULT 0,
    maker          INTEGER  NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS events (
    id        TEXT PRIMARY KEY,
    at        DATETIME NOT NULL,
    run_id    TEXT     NOT NULL DEFAULT '',
    market_id TEXT     NOT NULL DEFAULT '',
    kind      TEXT     NOT NULL,
    reason    TEXT     NOT NULL DEFAULT '',
    detail    TEXT     NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS heartbeats (
    loop TEXT PRIMARY KEY,
    at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_run_market ON trades(run_id, market_id);
CREATE INDEX IF NOT EXISTS idx_trades_status     ON trades(status);
CREATE INDEX IF NOT EXISTS idx_events_at         ON events(at DESC);
CREATE INDEX IF NOT EXISTS idx_events_market     ON events(market_id, at DESC);
`

// eventRetention mantiene el log de decisiones ligero.
const eventRetention = 14 * 24 * time.Hour

// Store implements ControlStore, MarketStore, LedgerStore and EventSink
// over a single SQLite file.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at the given path, applies the
// schema and prunes old decision events.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.New: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.New: apply schema: %w", err)
	}

	s := &Store{db: db}
	s.pruneOld(context.Background())
	return s, nil
}

// Close cierra la conexión a la base de datos.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- ControlStore ---

// GetRunState reads the single control row. A missing row means a fresh
// database: not running, empty run id.
func (s *Store) GetRunState(ctx context.Context) (domain.RunState, error) {
	var rs domain.RunState
	var running int
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, running, trade_size, confidence_threshold, updated_at
		FROM control_state WHERE id = 1
	`).Scan(&rs.RunID, &running, &rs.TradeSize, &rs.ConfidenceThreshold, &rs.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.RunState{}, nil
	}
	if err != nil {
		return domain.RunState{}, fmt.Errorf("storage.GetRunState: %w", err)
	}
	rs.Running = running == 1
	return rs, nil
}

// SaveRunState upserts the control row. Used by the CLI's control
// surface and by tests; the engine itself never writes it.
func (s *Store) SaveRunState(ctx context.Context, rs domain.RunState) error {
	running := 0
	if rs.Running {
		running = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO control_state (id, run_id, running, trade_size, confidence_threshold, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			run_id               = excluded.run_id,
			running              = excluded.running,
			trade_size           = excluded.trade_size,
			confidence_threshold = excluded.confidence_threshold,
			updated_at           = excluded.updated_at
	`, rs.RunID, running, rs.TradeSize, rs.ConfidenceThreshold, rs.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("storage.SaveRunState: %w", err)
	}
	return nil
}

// EnabledMarkets returns every market flagged enabled.
func (s *Store) EnabledMarkets(ctx context.Context) ([]domain.Market, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, asset, question, open_time, expiry_time, baseline_price,
		       exposure_cap, max_entry_price, run_id, enabled
		FROM markets WHERE enabled = 1
	`)
	if err != nil {
		return nil, fmt.Errorf("storage.EnabledMarkets: query: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.EnabledMarkets: %w", err)
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

// --- MarketStore ---

// GetMarket returns one market row by id.
func (s *Store) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, asset, question, open_time, expiry_time, baseline_price,
		       exposure_cap, max_entry_price, run_id, enabled
		FROM markets WHERE id = ?
	`, id)
	m, err := scanMarket(row)
	if err != nil {
		return domain.Market{}, fmt.Errorf("storage.GetMarket: %s: %w", id, err)
	}
	return m, nil
}

// SaveMarket upserts a market row.
func (s *Store) SaveMarket(ctx context.Context, m domain.Market) error {
	enabled := 0
	if m.Enabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO markets
			(id, asset, question, open_time, expiry_time, baseline_price,
			 exposure_cap, max_entry_price, run_id, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			asset           = excluded.asset,
			question        = excluded.question,
			open_time       = excluded.open_time,
			expiry_time     = excluded.expiry_time,
			baseline_price  = excluded.baseline_price,
			exposure_cap    = excluded.exposure_cap,
			max_entry_price = excluded.max_entry_price,
			run_id          = excluded.run_id,
			enabled         = excluded.enabled
	`, m.ID, m.Asset, m.Question, nullTime(m.OpenTime), nullTime(m.ExpiryTime),
		m.BaselinePrice, m.ExposureCap, m.MaxEntryPrice, m.RunID, enabled)
	if err != nil {
		return fmt.Errorf("storage.SaveMarket: %s: %w", m.ID, err)
	}
	return nil
}

// GetMarketState returns the status row for (market, run). A missing
// row comes back zero-valued with no error: new runs start clean.
func (s *Store) GetMarketState(ctx context.Context, marketID, runID string) (domain.MarketState, error) {
	var st domain.MarketState
	var exited int
	err := s.db.QueryRowContext(ctx, `
		SELECT market_id, run_id, phase, exposure, clips, tier,
		       locked_direction, defensive_exited, updated_at
		FROM market_states WHERE market_id = ? AND run_id = ?
	`, marketID, runID).Scan(
		&st.MarketID, &st.RunID, &st.Phase, &st.Exposure, &st.Clips,
		&st.Tier, &st.LockedDirection, &exited, &st.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return domain.MarketState{MarketID: marketID, RunID: runID}, nil
	}
	if err != nil {
		return domain.MarketState{}, fmt.Errorf("storage.GetMarketState: %s/%s: %w", marketID, runID, err)
	}
	st.DefensiveExited = exited == 1
	return st, nil
}

// SaveMarketState upserts the status row.
func (s *Store) SaveMarketState(ctx context.Context, st domain.MarketState) error {
	exited := 0
	if st.DefensiveExited {
		exited = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO market_states
			(market_id, run_id, phase, exposure, clips, tier,
			 locked_direction, defensive_exited, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(market_id, run_id) DO UPDATE SET
			phase            = excluded.phase,
			exposure         = excluded.exposure,
			clips            = excluded.clips,
			tier             = excluded.tier,
			locked_direction = excluded.locked_direction,
			defensive_exited = excluded.defensive_exited,
			updated_at       = excluded.updated_at
	`, st.MarketID, st.RunID, st.Phase, st.Exposure, st.Clips, st.Tier,
		st.LockedDirection, exited, st.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("storage.SaveMarketState: %s/%s: %w", st.MarketID, st.RunID, err)
	}
	return nil
}

// --- LedgerStore ---

// InsertTrade appends a fill to the ledger.
func (s *Store) InsertTrade(ctx context.Context, t domain.LedgerTrade) error {
	maker := 0
	if t.Maker {
		maker = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades
			(id, run_id, market_id, asset, direction, stake, entry_price,
			 shares, status, opened_at, confidence, regime, tier, maker)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.RunID, t.MarketID, t.Asset, t.Direction, t.Stake, t.EntryPrice,
		t.Shares, t.Status, t.OpenedAt.UTC(), t.Confidence, t.Regime, t.Tier, maker)
	if err != nil {
		return fmt.Errorf("storage.InsertTrade: %s: %w", t.ID, err)
	}
	return nil
}

// TradesForRun returns every ledger row for (run, market) in open order.
func (s *Store) TradesForRun(ctx context.Context, runID, marketID string) ([]domain.LedgerTrade, error) {
	return s.queryTrades(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE run_id = ? AND market_id = ?
		ORDER BY opened_at ASC
	`, runID, marketID)
}

// OpenTrades returns only rows still OPEN.
func (s *Store) OpenTrades(ctx context.Context, runID, marketID string) ([]domain.LedgerTrade, error) {
	return s.queryTrades(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE run_id = ? AND market_id = ? AND status = 'OPEN'
		ORDER BY opened_at ASC
	`, runID, marketID)
}

// ExecutedTradeCount counts all rows for (run, market) regardless of
// status.
func (s *Store) ExecutedTradeCount(ctx context.Context, runID, marketID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trades WHERE run_id = ? AND market_id = ?`,
		runID, marketID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage.ExecutedTradeCount: %w", err)
	}
	return n, nil
}

// UpdateMark persists a fresh unrealized-PnL mark for an open row.
func (s *Store) UpdateMark(ctx context.Context, tradeID string, unrealized float64, markedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE trades SET unrealized_pnl = ?, marked_at = ?
		WHERE id = ? AND status = 'OPEN'
	`, unrealized, markedAt.UTC(), tradeID)
	if err != nil {
		return fmt.Errorf("storage.UpdateMark: %s: %w", tradeID, err)
	}
	return nil
}

// CloseOpenTrades transitions every OPEN row for (run, market) to
// CLOSED in a single conditional UPDATE. El predicado sobre `status` es
// toda la protección de concurrencia: dos liquidadores compitiendo por
// el mismo mercado ven filas transicionadas exactamente una vez, y el
// perdedor recibe un resultado vacío. El PnL realizado se calcula en la
// misma sentencia, con el precio UP invertido para posiciones DOWN.
func (s *Store) CloseOpenTrades(ctx context.Context, runID, marketID string, exitUpPrice float64, reason string, at time.Time) ([]domain.LedgerTrade, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE trades SET
			status         = 'CLOSED',
			closed_at      = ?,
			exit_price     = CASE direction WHEN 'DOWN' THEN 1.0 - ? ELSE ? END,
			exit_reason    = ?,
			realized_pnl   = ((CASE direction WHEN 'DOWN' THEN 1.0 - ? ELSE ? END) - entry_price) * shares,
			unrealized_pnl = 0,
			marked_at      = ?
		WHERE run_id = ? AND market_id = ? AND status = 'OPEN'
		RETURNING `+tradeColumns+`
	`, at.UTC(), exitUpPrice, exitUpPrice, reason, exitUpPrice, exitUpPrice,
		at.UTC(), runID, marketID)
	if err != nil {
		return nil, fmt.Errorf("storage.CloseOpenTrades: %s/%s: %w", runID, marketID, err)
	}
	defer rows.Close()

	var closed []domain.LedgerTrade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.CloseOpenTrades: %w", err)
		}
		closed = append(closed, t)
	}
	return closed, rows.Err()
}

// --- EventSink ---

// Record appends a decision event. Fire and forget: un fallo aquí se
// loggea y nunca frena la decisión que lo originó.
func (s *Store) Record(ctx context.Context, e domain.DecisionEvent) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, at, run_id, market_id, kind, reason, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.At.UTC(), e.RunID, e.MarketID, e.Kind, e.Reason, e.Detail)
	if err != nil {
		slog.Warn("storage: event write failed", "kind", e.Kind, "reason", e.Reason, "err", err)
	}
}

// Heartbeat upserts the loop's last-alive timestamp.
func (s *Store) Heartbeat(ctx context.Context, loop string, at time.Time) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO heartbeats (loop, at) VALUES (?, ?)
		ON CONFLICT(loop) DO UPDATE SET at = excluded.at
	`, loop, at.UTC())
	if err != nil {
		slog.Warn("storage: heartbeat write failed", "loop", loop, "err", err)
	}
}

// RecentEvents returns the newest decision events, newest first. Used
// by the CLI status view.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]domain.DecisionEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, at, run_id, market_id, kind, reason, detail
		FROM events ORDER BY at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage.RecentEvents: query: %w", err)
	}
	defer rows.Close()

	var events []domain.DecisionEvent
	for rows.Next() {
		var e domain.DecisionEvent
		if err := rows.Scan(&e.ID, &e.At, &e.RunID, &e.MarketID, &e.Kind, &e.Reason, &e.Detail); err != nil {
			return nil, fmt.Errorf("storage.RecentEvents: scan: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- helpers internos ---

const tradeColumns = `id, run_id, market_id, asset, direction, stake,
	entry_price, shares, status, opened_at, closed_at, exit_price,
	exit_reason, realized_pnl, unrealized_pnl, marked_at, confidence,
	regime, tier, maker`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(r rowScanner) (domain.LedgerTrade, error) {
	var t domain.LedgerTrade
	var closedAt, markedAt sql.NullTime
	var maker int

	if err := r.Scan(
		&t.ID, &t.RunID, &t.MarketID, &t.Asset, &t.Direction, &t.Stake,
		&t.EntryPrice, &t.Shares, &t.Status, &t.OpenedAt, &closedAt,
		&t.ExitPrice, &t.ExitReason, &t.RealizedPnL, &t.UnrealizedPnL,
		&markedAt, &t.Confidence, &t.Regime, &t.Tier, &maker,
	); err != nil {
		return domain.LedgerTrade{}, err
	}

	if closedAt.Valid {
		ts := closedAt.Time
		t.ClosedAt = &ts
	}
	if markedAt.Valid {
		ts := markedAt.Time
		t.MarkedAt = &ts
	}
	t.Maker = maker == 1
	return t, nil
}

func scanMarket(r rowScanner) (domain.Market, error) {
	var m domain.Market
	var openTime, expiryTime sql.NullTime
	var enabled int

	if err := r.Scan(
		&m.ID, &m.Asset, &m.Question, &openTime, &expiryTime,
		&m.BaselinePrice, &m.ExposureCap, &m.MaxEntryPrice, &m.RunID, &enabled,
	); err != nil {
		return domain.Market{}, err
	}

	if openTime.Valid {
		m.OpenTime = openTime.Time
	}
	if expiryTime.Valid {
		m.ExpiryTime = expiryTime.Time
	}
	m.Enabled = enabled == 1
	return m, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func (s *Store) queryTrades(ctx context.Context, query string, args ...any) ([]domain.LedgerTrade, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.queryTrades: query: %w", err)
	}
	defer rows.Close()

	var trades []domain.LedgerTrade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.queryTrades: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// pruneOld elimina eventos antiguos para mantener la DB ligera.
func (s *Store) pruneOld(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-eventRetention)
	s.db.ExecContext(ctx, `DELETE FROM events WHERE at < ?`, cutoff)
}
