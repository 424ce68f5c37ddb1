package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/credit-pool/internal/model"
	"github.com/atmx/credit-pool/internal/wad"
)

// Schema creates the tables used by PostgresStore. Amount columns are
// NUMERIC so operators can query totals exactly; the full state is JSONB.
const Schema = `
CREATE TABLE IF NOT EXISTS pool_snapshots (
	version            BIGINT PRIMARY KEY,
	utilize_index      NUMERIC NOT NULL,
	total_utilized     NUMERIC NOT NULL,
	claim_token_supply NUMERIC NOT NULL,
	state              JSONB NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS pool_events (
	seq        BIGSERIAL PRIMARY KEY,
	id         UUID NOT NULL UNIQUE,
	kind       TEXT NOT NULL,
	account    TEXT NOT NULL DEFAULT '',
	request_id BIGINT NOT NULL DEFAULT 0,
	amount     NUMERIC,
	field      TEXT NOT NULL DEFAULT '',
	value      TEXT NOT NULL DEFAULT '',
	tick       BIGINT NOT NULL,
	timestamp  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS pool_events_account_idx ON pool_events (account, seq);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates any missing tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	state, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("encode snapshot %d: %w", snap.Version, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO pool_snapshots (version, utilize_index, total_utilized, claim_token_supply, state, created_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5, $6)`,
		int64(snap.Version),
		wad.ToDecimal(snap.State.UtilizeIndex).String(),
		snap.State.TotalUtilized.Dec(),
		snap.State.ClaimTokenSupply.Dec(),
		state,
		snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save snapshot %d: %w", snap.Version, err)
	}
	return nil
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context) (*model.Snapshot, error) {
	var (
		snap    model.Snapshot
		version int64
		state   []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT version, state, created_at
		 FROM pool_snapshots ORDER BY version DESC LIMIT 1`).
		Scan(&version, &state, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}

	snap.Version = uint64(version)
	snap.State = &model.PoolState{}
	if err := json.Unmarshal(state, snap.State); err != nil {
		return nil, fmt.Errorf("decode snapshot %d: %w", version, err)
	}
	return &snap, nil
}

// InsertEvents writes the batch in one transaction so a commit's events
// land together or not at all.
func (s *PostgresStore) InsertEvents(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	for _, e := range events {
		var amount *string
		if e.Amount != "" {
			a := e.Amount
			amount = &a
		}
		batch.Queue(
			`INSERT INTO pool_events (id, kind, account, request_id, amount, field, value, tick, timestamp)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9)`,
			e.ID, string(e.Kind), string(e.Account), int64(e.RequestID),
			amount, e.Field, e.Value, int64(e.Tick), e.Timestamp,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert events: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) EventsByAccount(ctx context.Context, account model.Address, limit int) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT * FROM (
		    SELECT seq, id::TEXT, kind, account, request_id, COALESCE(amount::TEXT, ''),
		           field, value, tick, timestamp
		    FROM pool_events WHERE account = $1
		    ORDER BY seq DESC LIMIT $2
		 ) recent ORDER BY seq`, string(account), sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) RecentEvents(ctx context.Context, limit int) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT * FROM (
		    SELECT seq, id::TEXT, kind, account, request_id, COALESCE(amount::TEXT, ''),
		           field, value, tick, timestamp
		    FROM pool_events ORDER BY seq DESC LIMIT $1
		 ) recent ORDER BY seq`, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

// sqlLimit maps "no limit" to NULL, which LIMIT treats as ALL.
func sqlLimit(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

// scanEvents reads pgx rows into Event slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanEvents(rows pgxRows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var (
			e         model.Event
			seq       int64
			kind      string
			account   string
			requestID int64
			tick      int64
		)
		if err := rows.Scan(&seq, &e.ID, &kind, &account, &requestID, &e.Amount,
			&e.Field, &e.Value, &tick, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Kind = model.EventKind(kind)
		e.Account = model.Address(account)
		e.RequestID = uint64(requestID)
		e.Tick = uint64(tick)
		events = append(events, e)
	}
	return events, rows.Err()
}
