package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/raffle-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const pgUniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// addresses and hashes are stored as 0x-prefixed hex.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema files in lexicographic order, tracking
// applied files in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var applied bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)`, entry.Name()).
			Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if applied {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, entry.Name())
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// --- Initialization ---

func (s *PostgresStore) SaveSetup(ctx context.Context, setup *model.Setup) error {
	assets, err := json.Marshal(setup.StakeAssets)
	if err != nil {
		return err
	}
	sponsors, err := json.Marshal(setup.Sponsors)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO raffle_setup (id, stake_assets, sponsors, initialized_by, initialized_at)
		 VALUES (1, $1::JSONB, $2::JSONB, $3, $4)`,
		string(assets), string(sponsors), setup.InitializedBy.Hex(), setup.InitializedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: setup", ErrAlreadyExists)
	}
	return err
}

func (s *PostgresStore) GetSetup(ctx context.Context) (*model.Setup, error) {
	var setup model.Setup
	var assets, sponsors, by string

	err := s.pool.QueryRow(ctx,
		`SELECT stake_assets::TEXT, sponsors::TEXT, initialized_by, initialized_at
		 FROM raffle_setup WHERE id = 1`).
		Scan(&assets, &sponsors, &by, &setup.InitializedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: setup", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get setup: %w", err)
	}
	if err := json.Unmarshal([]byte(assets), &setup.StakeAssets); err != nil {
		return nil, fmt.Errorf("decode stake assets: %w", err)
	}
	if err := json.Unmarshal([]byte(sponsors), &setup.Sponsors); err != nil {
		return nil, fmt.Errorf("decode sponsors: %w", err)
	}
	setup.InitializedBy = common.HexToAddress(by)
	return &setup, nil
}

// --- Position ledger ---

const positionCols = `receipt_id, depositor, asset, amount::TEXT, round, created_at, closed, closed_by, closed_at`

func scanPosition(row pgx.Row) (model.Position, error) {
	var p model.Position
	var depositor, asset, amount, closedBy string

	if err := row.Scan(&p.ReceiptID, &depositor, &asset, &amount, &p.Round,
		&p.CreatedAt, &p.Closed, &closedBy, &p.ClosedAt); err != nil {
		return model.Position{}, err
	}
	p.Depositor = common.HexToAddress(depositor)
	p.Asset = common.HexToAddress(asset)
	p.Amount, _ = decimal.NewFromString(amount)
	if closedBy != "" {
		p.ClosedBy = common.HexToAddress(closedBy)
	}
	return p, nil
}

func (s *PostgresStore) NextReceiptID(ctx context.Context) (uint64, error) {
	var next uint64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(receipt_id) + 1, 0) FROM positions`).Scan(&next)
	return next, err
}

func (s *PostgresStore) InsertPosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (receipt_id, depositor, asset, amount, round, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)`,
		p.ReceiptID, p.Depositor.Hex(), p.Asset.Hex(), p.Amount.String(), p.Round, p.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: position %d", ErrAlreadyExists, p.ReceiptID)
	}
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, receiptID uint64) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions WHERE receipt_id = $1`, receiptID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: position %d", ErrNotFound, receiptID)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %d: %w", receiptID, err)
	}
	return &p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+positionCols+` FROM positions ORDER BY receipt_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ClosePosition(ctx context.Context, receiptID uint64, closedBy common.Address, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET closed = TRUE, closed_by = $2, closed_at = $3
		 WHERE receipt_id = $1 AND NOT closed`,
		receiptID, closedBy.Hex(), at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetPosition(ctx, receiptID); err != nil {
		return err
	}
	return fmt.Errorf("%w: %d", ErrAlreadyClosed, receiptID)
}

func (s *PostgresStore) ReopenPosition(ctx context.Context, receiptID uint64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET closed = FALSE, closed_by = '', closed_at = NULL WHERE receipt_id = $1`,
		receiptID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: position %d", ErrNotFound, receiptID)
	}
	return nil
}

func (s *PostgresStore) CountPositionsByDepositor(ctx context.Context, depositor common.Address) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM positions WHERE depositor = $1`, depositor.Hex()).Scan(&n)
	return n, err
}

func (s *PostgresStore) CountPositionsByRound(ctx context.Context, round int) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM positions WHERE round = $1`, round).Scan(&n)
	return n, err
}

// --- Randomness requests and winners ---

const requestCols = `request_id, scope, round, seed::TEXT, fee::TEXT, status, value::TEXT, requested_at, fulfilled_at`

func scanRequest(row pgx.Row) (model.RandomnessRequest, error) {
	var r model.RandomnessRequest
	var id, seed, fee, status string
	var value *string

	if err := row.Scan(&id, &r.Scope, &r.Round, &seed, &fee, &status, &value,
		&r.RequestedAt, &r.FulfilledAt); err != nil {
		return model.RandomnessRequest{}, err
	}
	r.RequestID = common.HexToHash(id)
	r.Seed, _ = new(big.Int).SetString(seed, 10)
	r.Fee, _ = decimal.NewFromString(fee)
	r.Status = model.RequestStatus(status)
	if value != nil {
		r.Value, _ = new(big.Int).SetString(*value, 10)
	}
	return r, nil
}

func (s *PostgresStore) SaveRequest(ctx context.Context, req *model.RandomnessRequest) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO randomness_requests (request_id, scope, round, seed, fee, status, requested_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7)`,
		req.RequestID.Hex(), req.Scope, req.Round, req.Seed.String(), req.Fee.String(),
		string(req.Status), req.RequestedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: request %s", ErrAlreadyExists, req.RequestID.Hex())
	}
	return err
}

func (s *PostgresStore) GetRequest(ctx context.Context, id common.Hash) (*model.RandomnessRequest, error) {
	r, err := scanRequest(s.pool.QueryRow(ctx,
		`SELECT `+requestCols+` FROM randomness_requests WHERE request_id = $1`, id.Hex()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, id.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("get request %s: %w", id.Hex(), err)
	}
	return &r, nil
}

func (s *PostgresStore) ListRequests(ctx context.Context) ([]model.RandomnessRequest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+requestCols+` FROM randomness_requests ORDER BY requested_at, round`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RandomnessRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ResolveRequest marks the request fulfilled and appends its winners in one
// transaction. The status predicate makes a replayed fulfillment a no-op
// that is reported as ErrNotOutstanding.
func (s *PostgresStore) ResolveRequest(ctx context.Context, req *model.RandomnessRequest, winners []model.Winner) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var value *string
		if req.Value != nil {
			v := req.Value.String()
			value = &v
		}
		tag, err := tx.Exec(ctx,
			`UPDATE randomness_requests
			 SET status = $2, value = $3::NUMERIC, fulfilled_at = $4
			 WHERE request_id = $1 AND status = 'requested'`,
			req.RequestID.Hex(), string(req.Status), value, req.FulfilledAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrNotOutstanding, req.RequestID.Hex())
		}

		for _, w := range winners {
			if _, err := tx.Exec(ctx,
				`INSERT INTO winners (ordinal, receipt_id, round, round_index, request_id, sponsored, selected_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				w.Ordinal, w.ReceiptID, w.Round, w.RoundIndex, w.RequestID.Hex(), w.Sponsored, w.SelectedAt,
			); err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("%w: %d", ErrDuplicateWinner, w.ReceiptID)
				}
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("resolve request %s: %w", req.RequestID.Hex(), err)
	}
	return nil
}

func (s *PostgresStore) ListWinners(ctx context.Context) ([]model.Winner, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ordinal, receipt_id, round, round_index, request_id, sponsored, selected_at
		 FROM winners ORDER BY ordinal`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Winner
	for rows.Next() {
		var w model.Winner
		var requestID string
		if err := rows.Scan(&w.Ordinal, &w.ReceiptID, &w.Round, &w.RoundIndex,
			&requestID, &w.Sponsored, &w.SelectedAt); err != nil {
			return nil, err
		}
		w.RequestID = common.HexToHash(requestID)
		out = append(out, w)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
