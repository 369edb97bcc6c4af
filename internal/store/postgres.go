package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/rebalancer/portfolio-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) GetWallet(ctx context.Context) (*model.Wallet, error) {
	var w model.Wallet
	var cash, total string

	err := s.pool.QueryRow(ctx,
		`SELECT cash_balance::TEXT, total_value::TEXT, updated_at
		 FROM wallet LIMIT 1`).
		Scan(&cash, &total, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}

	w.CashBalance, _ = decimal.NewFromString(cash)
	w.TotalValue, _ = decimal.NewFromString(total)
	return &w, nil
}

func (s *PostgresStore) SaveWallet(ctx context.Context, w *model.Wallet) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE wallet
		 SET cash_balance = $1::NUMERIC, total_value = $2::NUMERIC, updated_at = now()`,
		w.CashBalance.String(), w.TotalValue.String(),
	)
	if err != nil {
		return fmt.Errorf("save wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrWalletNotFound
	}
	return nil
}

func (s *PostgresStore) CreateAsset(ctx context.Context, a *model.Asset) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO assets (code, name, type, current_price, previous_price, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)`,
		a.Code, a.Name, string(a.Type),
		a.CurrentPrice.String(), a.PreviousPrice.String(), a.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetAsset(ctx context.Context, code string) (*model.Asset, error) {
	var a model.Asset
	var typ, current, previous string

	err := s.pool.QueryRow(ctx,
		`SELECT code, name, type, current_price::TEXT, previous_price::TEXT, updated_at
		 FROM assets WHERE code = $1`, code).
		Scan(&a.Code, &a.Name, &typ, &current, &previous, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAssetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get asset %s: %w", code, err)
	}

	a.Type = model.AssetType(typ)
	a.CurrentPrice, _ = decimal.NewFromString(current)
	a.PreviousPrice, _ = decimal.NewFromString(previous)
	return &a, nil
}

func (s *PostgresStore) ListAssets(ctx context.Context) ([]model.Asset, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT code, name, type, current_price::TEXT, previous_price::TEXT, updated_at
		 FROM assets ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []model.Asset
	for rows.Next() {
		var a model.Asset
		var typ, current, previous string
		if err := rows.Scan(&a.Code, &a.Name, &typ, &current, &previous, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.Type = model.AssetType(typ)
		a.CurrentPrice, _ = decimal.NewFromString(current)
		a.PreviousPrice, _ = decimal.NewFromString(previous)
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

func (s *PostgresStore) UpdateAssetPrice(ctx context.Context, code string, price decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE assets
		 SET previous_price = current_price, current_price = $2::NUMERIC, updated_at = now()
		 WHERE code = $1`,
		code, price.String(),
	)
	if err != nil {
		return fmt.Errorf("update price %s: %w", code, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAssetNotFound
	}
	return nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, assetCode string) (*model.Position, error) {
	var p model.Position
	var qty, avgCost, costBasis, typ, price string

	err := s.pool.QueryRow(ctx,
		`SELECT p.asset_code, p.quantity::TEXT, p.avg_cost::TEXT, p.cost_basis::TEXT,
		        a.type, a.current_price::TEXT, p.updated_at
		 FROM positions p
		 JOIN assets a ON a.code = p.asset_code
		 WHERE p.asset_code = $1`, assetCode).
		Scan(&p.AssetCode, &qty, &avgCost, &costBasis, &typ, &price, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPositionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", assetCode, err)
	}

	p.Quantity, _ = decimal.NewFromString(qty)
	p.AvgCost, _ = decimal.NewFromString(avgCost)
	p.CostBasis, _ = decimal.NewFromString(costBasis)
	p.AssetType = model.AssetType(typ)
	p.CurrentPrice, _ = decimal.NewFromString(price)
	return &p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT p.asset_code, p.quantity::TEXT, p.avg_cost::TEXT, p.cost_basis::TEXT,
		        a.type, a.current_price::TEXT, p.updated_at
		 FROM positions p
		 JOIN assets a ON a.code = p.asset_code
		 ORDER BY p.asset_code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var qty, avgCost, costBasis, typ, price string
		if err := rows.Scan(&p.AssetCode, &qty, &avgCost, &costBasis, &typ, &price, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Quantity, _ = decimal.NewFromString(qty)
		p.AvgCost, _ = decimal.NewFromString(avgCost)
		p.CostBasis, _ = decimal.NewFromString(costBasis)
		p.AssetType = model.AssetType(typ)
		p.CurrentPrice, _ = decimal.NewFromString(price)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) UpsertTarget(ctx context.Context, t model.AllocationTarget) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO allocation_targets (asset_type, percentage, tolerance)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC)
		 ON CONFLICT (asset_type)
		 DO UPDATE SET percentage = EXCLUDED.percentage, tolerance = EXCLUDED.tolerance`,
		string(t.AssetType), t.Percentage.String(), t.Tolerance.String(),
	)
	return err
}

func (s *PostgresStore) ListTargets(ctx context.Context) ([]model.AllocationTarget, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT asset_type, percentage::TEXT, tolerance::TEXT
		 FROM allocation_targets ORDER BY asset_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []model.AllocationTarget
	for rows.Next() {
		var t model.AllocationTarget
		var typ, pct, tol string
		if err := rows.Scan(&typ, &pct, &tol); err != nil {
			return nil, err
		}
		t.AssetType = model.AssetType(typ)
		t.Percentage, _ = decimal.NewFromString(pct)
		t.Tolerance, _ = decimal.NewFromString(tol)
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

func (s *PostgresStore) ListTransactions(ctx context.Context, limit int) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, asset_code, side, quantity::TEXT, unit_price::TEXT, total_value::TEXT, timestamp
		 FROM transactions ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var side, qty, price, total string
		if err := rows.Scan(&t.ID, &t.AssetCode, &side, &qty, &price, &total, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Side = model.Side(side)
		t.Quantity, _ = decimal.NewFromString(qty)
		t.UnitPrice, _ = decimal.NewFromString(price)
		t.TotalValue, _ = decimal.NewFromString(total)
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// ApplyTrade runs the transaction insert, position upsert/delete, and wallet
// update in one database transaction. Rolls back entirely on any failure.
func (s *PostgresStore) ApplyTrade(ctx context.Context, txn *model.Transaction, pos *model.Position, w *model.Wallet) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin trade tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO transactions (id, asset_code, side, quantity, unit_price, total_value, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)`,
		txn.ID, txn.AssetCode, string(txn.Side),
		txn.Quantity.String(), txn.UnitPrice.String(), txn.TotalValue.String(),
		txn.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	if pos.Quantity.IsZero() {
		if _, err := tx.Exec(ctx,
			`DELETE FROM positions WHERE asset_code = $1`, pos.AssetCode); err != nil {
			return fmt.Errorf("delete position: %w", err)
		}
	} else {
		_, err = tx.Exec(ctx,
			`INSERT INTO positions (asset_code, quantity, avg_cost, cost_basis, updated_at)
			 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, now())
			 ON CONFLICT (asset_code)
			 DO UPDATE SET quantity = EXCLUDED.quantity,
			               avg_cost = EXCLUDED.avg_cost,
			               cost_basis = EXCLUDED.cost_basis,
			               updated_at = now()`,
			pos.AssetCode, pos.Quantity.String(), pos.AvgCost.String(), pos.CostBasis.String(),
		)
		if err != nil {
			return fmt.Errorf("upsert position: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE wallet
		 SET cash_balance = $1::NUMERIC, total_value = $2::NUMERIC, updated_at = now()`,
		w.CashBalance.String(), w.TotalValue.String(),
	)
	if err != nil {
		return fmt.Errorf("update wallet: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) InsertAlert(ctx context.Context, a *model.Alert) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO alerts (id, source_agent, kind, message, severity, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.SourceAgent, a.Kind, a.Message, a.Severity, a.Timestamp,
	)
	return err
}

func (s *PostgresStore) LatestAlertMatching(ctx context.Context, sourceAgent, kind, contains string) (*model.Alert, error) {
	var a model.Alert
	err := s.pool.QueryRow(ctx,
		`SELECT id, source_agent, kind, message, severity, timestamp
		 FROM alerts
		 WHERE source_agent = $1 AND kind = $2 AND message LIKE '%' || $3 || '%'
		 ORDER BY timestamp DESC LIMIT 1`,
		sourceAgent, kind, contains).
		Scan(&a.ID, &a.SourceAgent, &a.Kind, &a.Message, &a.Severity, &a.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest alert: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) ListAlerts(ctx context.Context, limit int) ([]model.Alert, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, source_agent, kind, message, severity, timestamp
		 FROM alerts ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []model.Alert
	for rows.Next() {
		var a model.Alert
		if err := rows.Scan(&a.ID, &a.SourceAgent, &a.Kind, &a.Message, &a.Severity, &a.Timestamp); err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}
