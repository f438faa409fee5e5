package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// --- Balances ---

func (s *PostgresStore) Balance(ctx context.Context, asset, holder common.Address) (decimal.Decimal, error) {
	var amount string
	err := s.pool.QueryRow(ctx,
		`SELECT amount::TEXT FROM balances WHERE asset = $1 AND holder = $2`,
		asset.Hex(), holder.Hex(),
	).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance %s/%s: %w", asset.Hex(), holder.Hex(), err)
	}
	return decimal.NewFromString(amount)
}

func (s *PostgresStore) CreditBalance(ctx context.Context, asset, holder common.Address, amount decimal.Decimal) error {
	return credit(ctx, s.pool, asset, holder, amount)
}

// MoveBalance debits with a guarded UPDATE so concurrent moves can never
// drive a balance negative.
func (s *PostgresStore) MoveBalance(ctx context.Context, asset, from, to common.Address, amount decimal.Decimal) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE balances SET amount = amount - $3::NUMERIC
			 WHERE asset = $1 AND holder = $2 AND amount >= $3::NUMERIC`,
			asset.Hex(), from.Hex(), amount.String(),
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s needs %s of %s", ErrInsufficientBalance, from.Hex(), amount, asset.Hex())
		}
		return credit(ctx, tx, asset, to, amount)
	})
}

func credit(ctx context.Context, db execer, asset, holder common.Address, amount decimal.Decimal) error {
	_, err := db.Exec(ctx,
		`INSERT INTO balances (asset, holder, amount) VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (asset, holder) DO UPDATE SET amount = balances.amount + EXCLUDED.amount`,
		asset.Hex(), holder.Hex(), amount.String(),
	)
	return err
}

// --- Receipts ---

func (s *PostgresStore) MintReceipt(ctx context.Context, id uint64, owner common.Address) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO receipts (receipt_id, owner) VALUES ($1, $2)`, id, owner.Hex())
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: receipt %d", ErrAlreadyExists, id)
	}
	return err
}

func (s *PostgresStore) BurnReceipt(ctx context.Context, id uint64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM receipts WHERE receipt_id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: receipt %d", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) ReceiptOwner(ctx context.Context, id uint64) (common.Address, error) {
	var owner string
	err := s.pool.QueryRow(ctx, `SELECT owner FROM receipts WHERE receipt_id = $1`, id).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return common.Address{}, fmt.Errorf("%w: receipt %d", ErrNotFound, id)
	}
	if err != nil {
		return common.Address{}, fmt.Errorf("receipt %d: %w", id, err)
	}
	return common.HexToAddress(owner), nil
}

// TransferReceipt only moves the receipt while from still holds it.
func (s *PostgresStore) TransferReceipt(ctx context.Context, id uint64, from, to common.Address) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE receipts SET owner = $3 WHERE receipt_id = $1 AND owner = $2`,
		id, from.Hex(), to.Hex(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.ReceiptOwner(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %d", ErrNotReceiptHolder, id)
}

func (s *PostgresStore) ReceiptsOf(ctx context.Context, owner common.Address) ([]uint64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT receipt_id FROM receipts WHERE owner = $1 ORDER BY receipt_id`, owner.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
