package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/punchamoorthee/payrecon/internal/domain"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrSerializationFailed = "40001"
	pgErrDeadlockDetected    = "40P01"
)

const schema = `
CREATE TABLE IF NOT EXISTS pending_records (
	code           TEXT PRIMARY KEY,
	transaction_id TEXT NOT NULL,
	amount         BIGINT NOT NULL,
	created_at     BIGINT NOT NULL,
	expires_at     BIGINT NOT NULL,
	kind           TEXT NOT NULL,
	status         TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	version        BIGINT NOT NULL DEFAULT 0,
	purge_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	key              TEXT PRIMARY KEY,
	id               TEXT NOT NULL UNIQUE,
	seq              BIGSERIAL,
	type             TEXT NOT NULL,
	status           TEXT NOT NULL,
	direction        TEXT NOT NULL DEFAULT '',
	amount           BIGINT NOT NULL,
	phone_number     TEXT NOT NULL DEFAULT '',
	transaction_id   TEXT NOT NULL DEFAULT '',
	description      TEXT NOT NULL DEFAULT '',
	transaction_time TEXT NOT NULL DEFAULT '',
	code             TEXT UNIQUE,
	confirmation     TEXT NOT NULL DEFAULT '',
	response         JSONB,
	error            TEXT NOT NULL DEFAULT '',
	created_at       BIGINT NOT NULL,
	updated_at       BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS ledger_entries_pending_idx ON ledger_entries (status, type);
`

const ledgerColumns = `id, seq, type, status, direction, amount, phone_number, transaction_id,
	description, transaction_time, COALESCE(code, ''), confirmation, response, error, created_at, updated_at`

// Postgres is the Store backend for deployments that already run Postgres.
// Store-level expiry is emulated with purge_at: rows past it are invisible and
// reclaimed on the next insert of the same code.
type Postgres struct {
	Db     *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgres(ctx context.Context, connString string, logger *zap.Logger) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to apply schema: %w", err)
	}

	return &Postgres{Db: pool, logger: logger.Named("store")}, nil
}

func (s *Postgres) Close() error {
	s.Db.Close()
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.Db.Ping(ctx)
}

func (s *Postgres) CreatePending(ctx context.Context, rec domain.PendingRecord, entry domain.LedgerEntry, ttl time.Duration) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Reclaim a store-expired row with the same code
	if _, err := tx.Exec(ctx, "DELETE FROM pending_records WHERE code = $1 AND purge_at <= now()", rec.Code); err != nil {
		return mapPgErr(err)
	}

	// 2. Record, unique on code
	_, err = tx.Exec(ctx,
		`INSERT INTO pending_records (code, transaction_id, amount, created_at, expires_at, kind, status, description, version, purge_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, CASE WHEN $10::float8 > 0 THEN now() + $10::float8 * interval '1 second' ELSE 'infinity' END)`,
		rec.Code, rec.TransactionID, rec.Amount, rec.CreatedAt, rec.ExpiresAt, rec.Kind, rec.Status, rec.Description, rec.Version, ttl.Seconds(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrCodeTaken
		}
		return mapPgErr(err)
	}

	// 3. Ledger entry, unique on code as well
	entry.Code = rec.Code
	if err := insertEntry(ctx, tx, entry); err != nil {
		if isUniqueViolation(err) {
			return ErrCodeTaken
		}
		return mapPgErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return mapPgErr(err)
	}
	return nil
}

func (s *Postgres) GetPending(ctx context.Context, code string) (*domain.PendingRecord, error) {
	row := s.Db.QueryRow(ctx,
		`SELECT code, transaction_id, amount, created_at, expires_at, kind, status, description, version
		 FROM pending_records WHERE code = $1 AND purge_at > now()`, code)
	rec, err := scanPending(row)
	if err != nil {
		return nil, mapPgErr(err)
	}
	return rec, nil
}

func (s *Postgres) ListPending(ctx context.Context) ([]domain.PendingRecord, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT code, transaction_id, amount, created_at, expires_at, kind, status, description, version
		 FROM pending_records WHERE purge_at > now() ORDER BY created_at`)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()

	var records []domain.PendingRecord
	for rows.Next() {
		rec, err := scanPending(rows)
		if err != nil {
			s.logger.Error("Error scanning pending record", zap.Error(err))
			continue
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// Transition runs the check-then-write under RepeatableRead. The conditional
// UPDATE/DELETE is the optimistic check; a concurrent committer shows up as
// zero affected rows or a serialization failure, both reported as ErrConflict.
func (s *Postgres) Transition(ctx context.Context, t Transition) (*domain.PendingRecord, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Read the version the caller staged against
	rec, err := scanPending(tx.QueryRow(ctx,
		`SELECT code, transaction_id, amount, created_at, expires_at, kind, status, description, version
		 FROM pending_records WHERE code = $1 AND purge_at > now()`, t.Code))
	if err != nil {
		return nil, mapPgErr(err)
	}
	if err := checkTransition(rec, t); err != nil {
		return nil, err
	}

	// 2. Conditional write on the record
	var tag pgconn.CommandTag
	if t.Retain > 0 {
		tag, err = tx.Exec(ctx,
			`UPDATE pending_records SET status = $1, version = version + 1, purge_at = now() + $2::float8 * interval '1 second',
				description = CASE WHEN $6 <> '' THEN $6 ELSE description END
			 WHERE code = $3 AND status = $4 AND version = $5`,
			t.To, t.Retain.Seconds(), t.Code, t.From, t.Version, t.Description)
	} else {
		tag, err = tx.Exec(ctx,
			"DELETE FROM pending_records WHERE code = $1 AND status = $2 AND version = $3",
			t.Code, t.From, t.Version)
	}
	if err != nil {
		return nil, mapPgErr(err)
	}
	if tag.RowsAffected() != 1 {
		return nil, ErrConflict
	}

	// 3. Ledger entry for the same code
	_, err = tx.Exec(ctx,
		`UPDATE ledger_entries SET status = $1,
			amount = CASE WHEN $2::bigint <> 0 THEN $2 ELSE amount END,
			description = CASE WHEN $3 <> '' THEN $3 ELSE description END,
			transaction_time = CASE WHEN $4 <> '' THEN $4 ELSE transaction_time END,
			updated_at = $5
		 WHERE code = $6`,
		t.To, t.Amount, t.Description, t.TransactionTime, t.Now.Unix(), t.Code)
	if err != nil {
		return nil, mapPgErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapPgErr(err)
	}

	updated := applyTransition(*rec, nil, t)
	return &updated, nil
}

func (s *Postgres) ExpireOrphan(ctx context.Context, code string, now time.Time) error {
	tag, err := s.Db.Exec(ctx,
		`UPDATE ledger_entries SET status = $1, updated_at = $2
		 WHERE code = $3 AND status = $4
		   AND NOT EXISTS (SELECT 1 FROM pending_records p WHERE p.code = $3 AND p.purge_at > now())`,
		domain.StatusExpired, now.Unix(), code, domain.StatusPending)
	if err != nil {
		return mapPgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *Postgres) AppendLedger(ctx context.Context, entry domain.LedgerEntry) (*domain.LedgerEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().Unix()
	}
	entry.UpdatedAt = entry.CreatedAt
	if err := insertEntry(ctx, s.Db, entry); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, mapPgErr(err)
	}
	return s.entryByKey(ctx, entry.Key())
}

func (s *Postgres) RecordConfirmation(ctx context.Context, key string, c Confirmation) error {
	var response any
	if len(c.Response) > 0 {
		response = c.Response
	}
	tag, err := s.Db.Exec(ctx,
		"UPDATE ledger_entries SET confirmation = $1, response = $2, error = $3, updated_at = $4 WHERE key = $5",
		c.Outcome, response, c.Error, c.Now.Unix(), key)
	if err != nil {
		return mapPgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) LedgerEntry(ctx context.Context, code string) (*domain.LedgerEntry, error) {
	entry, err := scanEntry(s.Db.QueryRow(ctx, "SELECT "+ledgerColumns+" FROM ledger_entries WHERE code = $1", code))
	if err != nil {
		return nil, mapPgErr(err)
	}
	return entry, nil
}

func (s *Postgres) History(ctx context.Context) ([]domain.LedgerEntry, error) {
	rows, err := s.Db.Query(ctx, "SELECT "+ledgerColumns+" FROM ledger_entries ORDER BY seq")
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()

	entries := []domain.LedgerEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			s.logger.Error("Error scanning ledger entry", zap.Error(err))
			continue
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func (s *Postgres) entryByKey(ctx context.Context, key string) (*domain.LedgerEntry, error) {
	entry, err := scanEntry(s.Db.QueryRow(ctx, "SELECT "+ledgerColumns+" FROM ledger_entries WHERE key = $1", key))
	if err != nil {
		return nil, mapPgErr(err)
	}
	return entry, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func insertEntry(ctx context.Context, db execer, e domain.LedgerEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().Unix()
	}
	var code, response any
	if e.Code != "" {
		code = e.Code
	}
	if len(e.Response) > 0 {
		response = e.Response
	}
	_, err := db.Exec(ctx,
		`INSERT INTO ledger_entries (key, id, type, status, direction, amount, phone_number, transaction_id,
			description, transaction_time, code, confirmation, response, error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)`,
		e.Key(), e.ID, e.Type, e.Status, e.Direction, e.Amount, e.PhoneNumber, e.TransactionID,
		e.Description, e.TransactionTime, code, e.Confirmation, response, e.Error, e.CreatedAt)
	return err
}

func scanPending(row pgx.Row) (*domain.PendingRecord, error) {
	var rec domain.PendingRecord
	err := row.Scan(&rec.Code, &rec.TransactionID, &rec.Amount, &rec.CreatedAt, &rec.ExpiresAt,
		&rec.Kind, &rec.Status, &rec.Description, &rec.Version)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanEntry(row pgx.Row) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var seq int64
	var response []byte
	err := row.Scan(&e.ID, &seq, &e.Type, &e.Status, &e.Direction, &e.Amount, &e.PhoneNumber, &e.TransactionID,
		&e.Description, &e.TransactionTime, &e.Code, &e.Confirmation, &response, &e.Error, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Seq = uint64(seq)
	if len(response) > 0 {
		e.Response = json.RawMessage(response)
	}
	return &e, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation
}

func mapPgErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgErrSerializationFailed, pgErrDeadlockDetected:
			return ErrConflict
		}
	}
	return err
}
