package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS transactions (
    seq                   BIGSERIAL,
    id                    UUID PRIMARY KEY,
    transfer_id           TEXT NOT NULL UNIQUE,
    user_address          TEXT NOT NULL,
    settlement_attempt_id TEXT NOT NULL,
    payout_attempt_id     TEXT NOT NULL DEFAULT '',
    status                TEXT NOT NULL,
    currency              TEXT NOT NULL,
    amount                NUMERIC(38, 18) NOT NULL,
    receiver              TEXT NOT NULL,
    operator              TEXT NOT NULL,
    country               TEXT NOT NULL,
    token                 TEXT NOT NULL,
    debited_amount        NUMERIC(38, 18) NOT NULL,
    tx_hash               TEXT NOT NULL DEFAULT '',
    created_at            TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS transactions_user_idx ON transactions (user_address, created_at DESC, seq DESC);
CREATE INDEX IF NOT EXISTS transactions_pending_idx ON transactions (seq) WHERE status = 'PENDING';

CREATE TABLE IF NOT EXISTS settlement_attempts (
    id             UUID PRIMARY KEY,
    transfer_id    TEXT NOT NULL,
    user_address   TEXT NOT NULL,
    token          TEXT NOT NULL,
    tx_hash        TEXT NOT NULL DEFAULT '',
    chain_status   TEXT NOT NULL,
    debited_amount NUMERIC(38, 18) NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS settlement_attempts_transfer_idx ON settlement_attempts (transfer_id);
CREATE UNIQUE INDEX IF NOT EXISTS settlement_attempts_one_confirmed ON settlement_attempts (transfer_id) WHERE chain_status = 'CONFIRMED';

CREATE TABLE IF NOT EXISTS payout_attempts (
    id                    UUID PRIMARY KEY,
    settlement_attempt_id UUID NOT NULL UNIQUE REFERENCES settlement_attempts (id),
    processor_reference   TEXT NOT NULL,
    processor_transfer_id TEXT NOT NULL DEFAULT '',
    status                TEXT NOT NULL,
    raw_payload           BYTEA,
    created_at            TIMESTAMPTZ NOT NULL,
    updated_at            TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS payout_attempts_reference_idx ON payout_attempts (processor_reference);
`

const uniqueViolation = "23505"

// PostgresStore persists records and attempts in PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the tables when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("%w: ensure schema: %v", ErrStorage, err)
	}
	return nil
}

const recordColumns = `id::text, transfer_id, user_address, settlement_attempt_id, payout_attempt_id, status, currency,
    amount::text, receiver, operator, country, token, debited_amount::text, tx_hash, created_at`

// Append inserts a record. Each call is a single atomic insert.
func (s *PostgresStore) Append(ctx context.Context, record Record) (string, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	_, err := s.db.Exec(ctx, `INSERT INTO transactions
        (id, transfer_id, user_address, settlement_attempt_id, payout_attempt_id, status, currency, amount,
         receiver, operator, country, token, debited_amount, tx_hash, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $11, $12, $13::numeric, $14, $15)`,
		record.ID, record.TransferID, normalizeAddress(record.UserAddress), record.SettlementAttemptID,
		record.PayoutAttemptID, string(record.Status), record.Currency, record.Amount.String(),
		record.Receiver, record.Operator, record.Country, record.Token, record.DebitedAmount.String(),
		record.ChainTxHash, record.Timestamp)
	if err != nil {
		if isUniqueViolation(err) {
			existing, getErr := s.GetByTransfer(ctx, record.TransferID)
			if getErr != nil {
				return "", getErr
			}
			return existing.ID, ErrDuplicateRecord
		}
		return "", fmt.Errorf("%w: append: %v", ErrStorage, err)
	}
	return record.ID, nil
}

// UpdateStatus moves a PENDING record to a terminal status under a row lock.
func (s *PostgresStore) UpdateStatus(ctx context.Context, recordID string, status DisplayStatus) error {
	return s.withRecordLock(ctx, recordID, func(tx pgx.Tx, current Record) error {
		if !current.Status.CanTransition(status) {
			return ErrInvalidTransition
		}
		_, err := tx.Exec(ctx, `UPDATE transactions SET status = $2 WHERE id = $1`, recordID, string(status))
		return err
	})
}

// LinkPayout attaches a payout attempt to a PENDING record that has none yet.
func (s *PostgresStore) LinkPayout(ctx context.Context, recordID, payoutAttemptID string) error {
	return s.withRecordLock(ctx, recordID, func(tx pgx.Tx, current Record) error {
		if current.PayoutAttemptID == payoutAttemptID {
			return nil
		}
		if current.PayoutAttemptID != "" || current.Status != DisplayPending {
			return ErrInvalidTransition
		}
		_, err := tx.Exec(ctx, `UPDATE transactions SET payout_attempt_id = $2 WHERE id = $1`, recordID, payoutAttemptID)
		return err
	})
}

func (s *PostgresStore) withRecordLock(ctx context.Context, recordID string, fn func(pgx.Tx, Record) error) error {
	if _, err := uuid.Parse(recordID); err != nil {
		return ErrNotFound
	}
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStorage, err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	current, err := scanRecord(tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, recordID))
	if err != nil {
		return err
	}
	if err := fn(tx, current); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return err
		}
		return fmt.Errorf("%w: update: %v", ErrStorage, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStorage, err)
	}
	return nil
}

// Get loads a record by id.
func (s *PostgresStore) Get(ctx context.Context, recordID string) (Record, error) {
	if _, err := uuid.Parse(recordID); err != nil {
		return Record{}, ErrNotFound
	}
	return scanRecord(s.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM transactions WHERE id = $1`, recordID))
}

// GetByTransfer loads the record for a transfer.
func (s *PostgresStore) GetByTransfer(ctx context.Context, transferID string) (Record, error) {
	return scanRecord(s.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM transactions WHERE transfer_id = $1`, transferID))
}

// ListByUser returns records for an address, most recent first.
func (s *PostgresStore) ListByUser(ctx context.Context, userAddress string) ([]Record, error) {
	rows, err := s.db.Query(ctx, `SELECT `+recordColumns+` FROM transactions
        WHERE user_address = $1 ORDER BY created_at DESC, seq DESC`, normalizeAddress(userAddress))
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrStorage, err)
	}
	return collectRecords(rows)
}

// ListPending returns PENDING records, oldest first.
func (s *PostgresStore) ListPending(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `SELECT `+recordColumns+` FROM transactions
        WHERE status = 'PENDING' ORDER BY seq ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list pending: %v", ErrStorage, err)
	}
	return collectRecords(rows)
}

const settlementColumns = `id::text, transfer_id, user_address, token, tx_hash, chain_status, debited_amount::text, created_at, updated_at`

// CreateSettlement inserts a new PENDING attempt unless the transfer is
// already confirmed or has a payout.
func (s *PostgresStore) CreateSettlement(ctx context.Context, attempt SettlementAttempt) (SettlementAttempt, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return SettlementAttempt{}, fmt.Errorf("%w: begin: %v", ErrStorage, err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	var confirmed, payouts int
	if err := tx.QueryRow(ctx, `SELECT
            COUNT(*) FILTER (WHERE sa.chain_status = 'CONFIRMED'),
            COUNT(pa.id)
        FROM settlement_attempts sa
        LEFT JOIN payout_attempts pa ON pa.settlement_attempt_id = sa.id
        WHERE sa.transfer_id = $1`, attempt.TransferID).Scan(&confirmed, &payouts); err != nil {
		return SettlementAttempt{}, fmt.Errorf("%w: check attempts: %v", ErrStorage, err)
	}
	if confirmed > 0 {
		return SettlementAttempt{}, ErrAlreadyConfirmed
	}
	if payouts > 0 {
		return SettlementAttempt{}, ErrPayoutExists
	}

	now := time.Now().UTC()
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	if attempt.ChainStatus == "" {
		attempt.ChainStatus = ChainPending
	}
	attempt.UserAddress = normalizeAddress(attempt.UserAddress)
	attempt.CreatedAt, attempt.UpdatedAt = now, now

	if _, err := tx.Exec(ctx, `INSERT INTO settlement_attempts
        (id, transfer_id, user_address, token, tx_hash, chain_status, debited_amount, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9)`,
		attempt.ID, attempt.TransferID, attempt.UserAddress, attempt.Token, attempt.ChainTxHash,
		string(attempt.ChainStatus), attempt.DebitedAmount.String(), attempt.CreatedAt, attempt.UpdatedAt); err != nil {
		return SettlementAttempt{}, fmt.Errorf("%w: insert settlement: %v", ErrStorage, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return SettlementAttempt{}, fmt.Errorf("%w: commit: %v", ErrStorage, err)
	}
	return attempt, nil
}

// UpdateSettlement records the hash and chain status of an attempt.
func (s *PostgresStore) UpdateSettlement(ctx context.Context, attemptID, txHash string, status ChainStatus) (SettlementAttempt, error) {
	if _, err := uuid.Parse(attemptID); err != nil {
		return SettlementAttempt{}, ErrNotFound
	}
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return SettlementAttempt{}, fmt.Errorf("%w: begin: %v", ErrStorage, err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	attempt, err := scanSettlement(tx.QueryRow(ctx, `SELECT `+settlementColumns+` FROM settlement_attempts WHERE id = $1 FOR UPDATE`, attemptID))
	if err != nil {
		return SettlementAttempt{}, err
	}
	if !canUpdateSettlement(attempt.ChainStatus, status) {
		return SettlementAttempt{}, ErrInvalidTransition
	}
	if txHash != "" {
		attempt.ChainTxHash = txHash
	}
	attempt.ChainStatus = status
	attempt.UpdatedAt = time.Now().UTC()

	if _, err := tx.Exec(ctx, `UPDATE settlement_attempts SET tx_hash = $2, chain_status = $3, updated_at = $4 WHERE id = $1`,
		attemptID, attempt.ChainTxHash, string(attempt.ChainStatus), attempt.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return SettlementAttempt{}, ErrAlreadyConfirmed
		}
		return SettlementAttempt{}, fmt.Errorf("%w: update settlement: %v", ErrStorage, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return SettlementAttempt{}, fmt.Errorf("%w: commit: %v", ErrStorage, err)
	}
	return attempt, nil
}

// GetSettlement loads one attempt.
func (s *PostgresStore) GetSettlement(ctx context.Context, attemptID string) (SettlementAttempt, error) {
	if _, err := uuid.Parse(attemptID); err != nil {
		return SettlementAttempt{}, ErrNotFound
	}
	return scanSettlement(s.db.QueryRow(ctx, `SELECT `+settlementColumns+` FROM settlement_attempts WHERE id = $1`, attemptID))
}

// ListSettlements returns a transfer's attempts in creation order.
func (s *PostgresStore) ListSettlements(ctx context.Context, transferID string) ([]SettlementAttempt, error) {
	rows, err := s.db.Query(ctx, `SELECT `+settlementColumns+` FROM settlement_attempts
        WHERE transfer_id = $1 ORDER BY created_at ASC`, transferID)
	if err != nil {
		return nil, fmt.Errorf("%w: list settlements: %v", ErrStorage, err)
	}
	defer rows.Close()

	out := make([]SettlementAttempt, 0)
	for rows.Next() {
		attempt, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list settlements: %v", ErrStorage, err)
	}
	return out, nil
}

const payoutColumns = `id::text, settlement_attempt_id::text, processor_reference, processor_transfer_id, status, raw_payload, created_at, updated_at`

// CreatePayout inserts a payout attempt for a CONFIRMED settlement. The
// settlement row is locked so the check and insert are atomic.
func (s *PostgresStore) CreatePayout(ctx context.Context, attempt PayoutAttempt) (PayoutAttempt, error) {
	if _, err := uuid.Parse(attempt.SettlementAttemptID); err != nil {
		return PayoutAttempt{}, ErrSettlementNotConfirmed
	}
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return PayoutAttempt{}, fmt.Errorf("%w: begin: %v", ErrStorage, err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	var chainStatus string
	err = tx.QueryRow(ctx, `SELECT chain_status FROM settlement_attempts WHERE id = $1 FOR UPDATE`, attempt.SettlementAttemptID).Scan(&chainStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PayoutAttempt{}, ErrSettlementNotConfirmed
		}
		return PayoutAttempt{}, fmt.Errorf("%w: lock settlement: %v", ErrStorage, err)
	}
	if ChainStatus(chainStatus) != ChainConfirmed {
		return PayoutAttempt{}, ErrSettlementNotConfirmed
	}

	existing, err := scanPayout(tx.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payout_attempts WHERE settlement_attempt_id = $1`, attempt.SettlementAttemptID))
	if err == nil {
		return existing, ErrDuplicatePayout
	}
	if !errors.Is(err, ErrNotFound) {
		return PayoutAttempt{}, err
	}

	now := time.Now().UTC()
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	if attempt.Status == "" {
		attempt.Status = PayoutNotStarted
	}
	attempt.CreatedAt, attempt.UpdatedAt = now, now
	if _, err := tx.Exec(ctx, `INSERT INTO payout_attempts
        (id, settlement_attempt_id, processor_reference, processor_transfer_id, status, raw_payload, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		attempt.ID, attempt.SettlementAttemptID, attempt.ProcessorReference, attempt.ProcessorTransferID,
		string(attempt.Status), attempt.RawPayload, attempt.CreatedAt, attempt.UpdatedAt); err != nil {
		return PayoutAttempt{}, fmt.Errorf("%w: insert payout: %v", ErrStorage, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return PayoutAttempt{}, fmt.Errorf("%w: commit: %v", ErrStorage, err)
	}
	return attempt, nil
}

// UpdatePayout applies a processor outcome to an attempt.
func (s *PostgresStore) UpdatePayout(ctx context.Context, attemptID string, update PayoutUpdate) (PayoutAttempt, error) {
	if _, err := uuid.Parse(attemptID); err != nil {
		return PayoutAttempt{}, ErrNotFound
	}
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return PayoutAttempt{}, fmt.Errorf("%w: begin: %v", ErrStorage, err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	attempt, err := scanPayout(tx.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payout_attempts WHERE id = $1 FOR UPDATE`, attemptID))
	if err != nil {
		return PayoutAttempt{}, err
	}
	if !canUpdatePayout(attempt.Status, update.Status) {
		return PayoutAttempt{}, ErrInvalidTransition
	}
	attempt.Status = update.Status
	if update.ProcessorTransferID != "" {
		attempt.ProcessorTransferID = update.ProcessorTransferID
	}
	if update.RawPayload != nil {
		attempt.RawPayload = update.RawPayload
	}
	attempt.UpdatedAt = time.Now().UTC()

	if _, err := tx.Exec(ctx, `UPDATE payout_attempts
        SET status = $2, processor_transfer_id = $3, raw_payload = $4, updated_at = $5 WHERE id = $1`,
		attemptID, string(attempt.Status), attempt.ProcessorTransferID, attempt.RawPayload, attempt.UpdatedAt); err != nil {
		return PayoutAttempt{}, fmt.Errorf("%w: update payout: %v", ErrStorage, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return PayoutAttempt{}, fmt.Errorf("%w: commit: %v", ErrStorage, err)
	}
	return attempt, nil
}

// GetPayout loads a payout attempt.
func (s *PostgresStore) GetPayout(ctx context.Context, attemptID string) (PayoutAttempt, error) {
	if _, err := uuid.Parse(attemptID); err != nil {
		return PayoutAttempt{}, ErrNotFound
	}
	return scanPayout(s.db.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payout_attempts WHERE id = $1`, attemptID))
}

// GetPayoutBySettlement loads the payout attempt for a settlement attempt.
func (s *PostgresStore) GetPayoutBySettlement(ctx context.Context, settlementAttemptID string) (PayoutAttempt, error) {
	if _, err := uuid.Parse(settlementAttemptID); err != nil {
		return PayoutAttempt{}, ErrNotFound
	}
	return scanPayout(s.db.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payout_attempts WHERE settlement_attempt_id = $1`, settlementAttemptID))
}

// GetPayoutByReference loads the payout attempt carrying a processor reference.
func (s *PostgresStore) GetPayoutByReference(ctx context.Context, reference string) (PayoutAttempt, error) {
	return scanPayout(s.db.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payout_attempts WHERE processor_reference = $1`, reference))
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec             Record
		status          string
		amount, debited string
	)
	err := row.Scan(&rec.ID, &rec.TransferID, &rec.UserAddress, &rec.SettlementAttemptID, &rec.PayoutAttemptID,
		&status, &rec.Currency, &amount, &rec.Receiver, &rec.Operator, &rec.Country, &rec.Token, &debited,
		&rec.ChainTxHash, &rec.Timestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("%w: scan record: %v", ErrStorage, err)
	}
	rec.Status = DisplayStatus(status)
	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return Record{}, fmt.Errorf("%w: decode amount: %v", ErrStorage, err)
	}
	if rec.DebitedAmount, err = decimal.NewFromString(debited); err != nil {
		return Record{}, fmt.Errorf("%w: decode debited amount: %v", ErrStorage, err)
	}
	return rec, nil
}

func collectRecords(rows pgx.Rows) ([]Record, error) {
	defer rows.Close()
	out := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate records: %v", ErrStorage, err)
	}
	return out, nil
}

func scanSettlement(row pgx.Row) (SettlementAttempt, error) {
	var (
		attempt SettlementAttempt
		status  string
		debited string
	)
	err := row.Scan(&attempt.ID, &attempt.TransferID, &attempt.UserAddress, &attempt.Token, &attempt.ChainTxHash,
		&status, &debited, &attempt.CreatedAt, &attempt.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SettlementAttempt{}, ErrNotFound
		}
		return SettlementAttempt{}, fmt.Errorf("%w: scan settlement: %v", ErrStorage, err)
	}
	attempt.ChainStatus = ChainStatus(status)
	if attempt.DebitedAmount, err = decimal.NewFromString(debited); err != nil {
		return SettlementAttempt{}, fmt.Errorf("%w: decode debited amount: %v", ErrStorage, err)
	}
	return attempt, nil
}

func scanPayout(row pgx.Row) (PayoutAttempt, error) {
	var (
		attempt PayoutAttempt
		status  string
	)
	err := row.Scan(&attempt.ID, &attempt.SettlementAttemptID, &attempt.ProcessorReference, &attempt.ProcessorTransferID,
		&status, &attempt.RawPayload, &attempt.CreatedAt, &attempt.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PayoutAttempt{}, ErrNotFound
		}
		return PayoutAttempt{}, fmt.Errorf("%w: scan payout: %v", ErrStorage, err)
	}
	attempt.Status = PayoutStatus(status)
	return attempt, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
