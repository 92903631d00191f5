// Package storage implements the durable store (SQLite or Postgres), the
// migration runner, and the fire-and-forget persistence worker.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"auto_trader/internal/core"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// Store wraps the SQL database behind the domain's persistence operations.
// All monetary columns are TEXT at instrument precision.
type Store struct {
	db      *sql.DB
	dialect dialect
	logger  core.ILogger
}

// Open connects to the durable store. A postgres:// (or postgresql://) DSN
// selects the pgx driver; anything else is treated as a SQLite file path.
func Open(dsn string, logger core.ILogger) (*Store, error) {
	s := &Store{logger: logger.WithField("component", "storage")}

	var err error
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		s.dialect = dialectPostgres
		s.db, err = sql.Open("pgx", dsn)
	} else {
		s.dialect = dialectSQLite
		s.db, err = sql.Open("sqlite3", dsn)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := s.db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if s.dialect == dialectSQLite {
		// WAL mode for crash recovery; single writer matches the worker.
		if _, err := s.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
		s.db.SetMaxOpenConns(1)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// rebind converts ?-placeholders to $N for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// OrderRecord is one strategy_orders row.
type OrderRecord struct {
	Order core.TrackedOrder
	Meta  core.OrderMeta
}

// InsertOrder persists a newly placed order. Replays are no-ops.
func (s *Store) InsertOrder(ctx context.Context, rec *OrderRecord) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO strategy_orders
			(order_id, client_oid, side, price, size, status, linked_order_id, direction,
			 symbol, product_type, margin_coin, strategy_type, trading_type,
			 created_at, filled_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (order_id) DO NOTHING`),
		rec.Order.OrderID, rec.Order.ClientOid, string(rec.Order.Side),
		rec.Order.Price.String(), rec.Order.Size.String(), string(rec.Order.Status),
		nullStr(rec.Order.LinkedOrderID), string(rec.Order.Direction),
		rec.Meta.Symbol, rec.Meta.VenueCode, rec.Meta.MarginCoin,
		string(rec.Meta.StrategyType), string(rec.Meta.TradingType),
		rec.Order.CreatedAt, nullInt(rec.Order.FilledAt), core.NowMs())
	return err
}

// UpdateOrderStatus applies a status transition. filledAt and linkedOrderID
// are written only when non-zero, so replays and partial updates are safe.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID string, status core.OrderStatus, filledAt int64, linkedOrderID string) error {
	query := "UPDATE strategy_orders SET status = ?, updated_at = ?"
	args := []interface{}{string(status), core.NowMs()}

	if filledAt != 0 {
		query += ", filled_at = ?"
		args = append(args, filledAt)
	}
	if linkedOrderID != "" {
		query += ", linked_order_id = ?"
		args = append(args, linkedOrderID)
	}
	query += " WHERE order_id = ?"
	args = append(args, orderID)

	_, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	return err
}

// LoadPendingOrders returns the orders still pending for a (symbol, venue)
// pair, oldest first. Used to recover tracker state on start.
func (s *Store) LoadPendingOrders(ctx context.Context, symbol, venueCode string) ([]core.TrackedOrder, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT order_id, client_oid, side, price, size, status, linked_order_id, direction, created_at, filled_at
		FROM strategy_orders
		WHERE symbol = ? AND product_type = ? AND status = 'pending'
		ORDER BY created_at ASC`),
		symbol, venueCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []core.TrackedOrder
	for rows.Next() {
		var o core.TrackedOrder
		var side, status, direction string
		var price, size string
		var linked sql.NullString
		var filledAt sql.NullInt64
		if err := rows.Scan(&o.OrderID, &o.ClientOid, &side, &price, &size, &status,
			&linked, &direction, &o.CreatedAt, &filledAt); err != nil {
			return nil, err
		}
		o.Side = core.Side(side)
		o.Status = core.OrderStatus(status)
		o.Direction = core.Direction(direction)
		o.Price, _ = decimal.NewFromString(price)
		o.Size, _ = decimal.NewFromString(size)
		if linked.Valid {
			o.LinkedOrderID = linked.String
		}
		if filledAt.Valid {
			o.FilledAt = filledAt.Int64
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// UpsertDailyPnl accumulates one round trip into the (utcDate, strategyType)
// aggregate.
func (s *Store) UpsertDailyPnl(ctx context.Context, date string, kind core.StrategyKind, net, fee decimal.Decimal, isWin bool) error {
	win, loss := 0, 0
	if isWin {
		win = 1
	} else {
		loss = 1
	}

	// Monetary columns are TEXT, so accumulation happens by reading the
	// current row inside a transaction rather than with SQL arithmetic.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var curPnl, curFees string
	var curTotal, curWin, curLoss int64
	err = tx.QueryRowContext(ctx, s.rebind(`
		SELECT realized_pnl, fees, total_trades, win_trades, loss_trades
		FROM strategy_daily_pnl WHERE date = ? AND strategy_type = ?`),
		date, string(kind)).Scan(&curPnl, &curFees, &curTotal, &curWin, &curLoss)

	switch err {
	case sql.ErrNoRows:
		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO strategy_daily_pnl
				(date, strategy_type, realized_pnl, fees, total_trades, win_trades, loss_trades, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			date, string(kind), net.String(), fee.String(), 1, win, loss, core.NowMs())
	case nil:
		pnl, _ := decimal.NewFromString(curPnl)
		fees, _ := decimal.NewFromString(curFees)
		_, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE strategy_daily_pnl
			SET realized_pnl = ?, fees = ?, total_trades = ?, win_trades = ?, loss_trades = ?, updated_at = ?
			WHERE date = ? AND strategy_type = ?`),
			pnl.Add(net).String(), fees.Add(fee).String(),
			curTotal+1, curWin+int64(win), curLoss+int64(loss), core.NowMs(),
			date, string(kind))
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// SaveActiveConfig upserts the single "default" config row.
func (s *Store) SaveActiveConfig(ctx context.Context, configJSON []byte) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO strategy_configs (name, config, is_active, updated_at)
		VALUES ('default', ?, TRUE, ?)
		ON CONFLICT (name) DO UPDATE SET config = excluded.config, is_active = TRUE, updated_at = excluded.updated_at`),
		string(configJSON), core.NowMs())
	return err
}

// LoadActiveConfig returns the saved config JSON, or nil when none exists.
func (s *Store) LoadActiveConfig(ctx context.Context) ([]byte, error) {
	var configJSON string
	err := s.db.QueryRowContext(ctx,
		"SELECT config FROM strategy_configs WHERE name = 'default' AND is_active = TRUE").
		Scan(&configJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(configJSON), nil
}

// UpsertSpec writes an instrument spec into its family table.
func (s *Store) UpsertSpec(ctx context.Context, spec *core.InstrumentSpec, productType string, raw []byte) error {
	var err error
	if spec.TradingType == core.TradingDerivatives {
		_, err = s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO contract_specs
				(symbol, product_type, base_coin, quote_coin, price_place, volume_place,
				 min_trade_num, size_multiplier, maker_fee_rate, taker_fee_rate, status, raw_data, fetched_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (symbol, product_type) DO UPDATE SET
				base_coin = excluded.base_coin, quote_coin = excluded.quote_coin,
				price_place = excluded.price_place, volume_place = excluded.volume_place,
				min_trade_num = excluded.min_trade_num, size_multiplier = excluded.size_multiplier,
				maker_fee_rate = excluded.maker_fee_rate, taker_fee_rate = excluded.taker_fee_rate,
				status = excluded.status, raw_data = excluded.raw_data, fetched_at = excluded.fetched_at`),
			spec.Symbol, productType, spec.BaseCoin, spec.QuoteCoin, spec.PricePlace, spec.VolumePlace,
			spec.MinTradeNum.String(), spec.SizeMultiplier.String(),
			spec.MakerFeeRate.String(), spec.TakerFeeRate.String(), spec.Status, nullStr(string(raw)), spec.FetchedAt)
	} else {
		_, err = s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO spot_specs
				(symbol, base_coin, quote_coin, price_place, volume_place,
				 min_trade_num, size_multiplier, maker_fee_rate, taker_fee_rate, status, raw_data, fetched_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (symbol) DO UPDATE SET
				base_coin = excluded.base_coin, quote_coin = excluded.quote_coin,
				price_place = excluded.price_place, volume_place = excluded.volume_place,
				min_trade_num = excluded.min_trade_num, size_multiplier = excluded.size_multiplier,
				maker_fee_rate = excluded.maker_fee_rate, taker_fee_rate = excluded.taker_fee_rate,
				status = excluded.status, raw_data = excluded.raw_data, fetched_at = excluded.fetched_at`),
			spec.Symbol, spec.BaseCoin, spec.QuoteCoin, spec.PricePlace, spec.VolumePlace,
			spec.MinTradeNum.String(), spec.SizeMultiplier.String(),
			spec.MakerFeeRate.String(), spec.TakerFeeRate.String(), spec.Status, nullStr(string(raw)), spec.FetchedAt)
	}
	return err
}

// GetSpec reads one instrument spec from the durable tier. Returns nil when
// absent.
func (s *Store) GetSpec(ctx context.Context, symbol string, tradingType core.TradingType, productType string) (*core.InstrumentSpec, error) {
	var row *sql.Row
	if tradingType == core.TradingDerivatives {
		row = s.db.QueryRowContext(ctx, s.rebind(`
			SELECT symbol, base_coin, quote_coin, price_place, volume_place,
			       min_trade_num, size_multiplier, maker_fee_rate, taker_fee_rate, status, fetched_at
			FROM contract_specs WHERE symbol = ? AND product_type = ?`),
			symbol, productType)
	} else {
		row = s.db.QueryRowContext(ctx, s.rebind(`
			SELECT symbol, base_coin, quote_coin, price_place, volume_place,
			       min_trade_num, size_multiplier, maker_fee_rate, taker_fee_rate, status, fetched_at
			FROM spot_specs WHERE symbol = ?`),
			symbol)
	}

	spec := core.InstrumentSpec{TradingType: tradingType}
	var minTradeNum, sizeMultiplier, makerFee, takerFee string
	err := row.Scan(&spec.Symbol, &spec.BaseCoin, &spec.QuoteCoin, &spec.PricePlace, &spec.VolumePlace,
		&minTradeNum, &sizeMultiplier, &makerFee, &takerFee, &spec.Status, &spec.FetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	spec.MinTradeNum, _ = decimal.NewFromString(minTradeNum)
	spec.SizeMultiplier, _ = decimal.NewFromString(sizeMultiplier)
	spec.MakerFeeRate, _ = decimal.NewFromString(makerFee)
	spec.TakerFeeRate, _ = decimal.NewFromString(takerFee)
	return &spec, nil
}

// SaveGridLevel upserts one grid level row.
func (s *Store) SaveGridLevel(ctx context.Context, instanceID string, level core.GridLevelView) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO grid_levels
			(strategy_instance_id, level_index, price, state, buy_order_id, sell_order_id, size, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (strategy_instance_id, level_index) DO UPDATE SET
			price = excluded.price, state = excluded.state,
			buy_order_id = excluded.buy_order_id, sell_order_id = excluded.sell_order_id,
			size = excluded.size, updated_at = excluded.updated_at`),
		instanceID, level.Index, level.Price.String(), level.State,
		nullStr(level.BuyOrderID), nullStr(level.SellOrderID), level.Size.String(), core.NowMs())
	return err
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}
