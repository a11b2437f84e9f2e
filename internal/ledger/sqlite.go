package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	_ "modernc.org/sqlite"
)

// SQLiteStore is an embedded Store for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and ensures the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer at a time avoids SQLITE_BUSY under concurrent appends.
	db.SetMaxOpenConns(1)
	if err := createSQLiteSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func createSQLiteSchema(db *sql.DB) error {
	schema := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA foreign_keys = ON`,
		`CREATE TABLE IF NOT EXISTS transactions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			transfer_id TEXT NOT NULL UNIQUE,
			user_address TEXT NOT NULL,
			settlement_attempt_id TEXT NOT NULL,
			payout_attempt_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			currency TEXT NOT NULL,
			amount TEXT NOT NULL,
			receiver TEXT NOT NULL,
			operator TEXT NOT NULL,
			country TEXT NOT NULL,
			token TEXT NOT NULL,
			debited_amount TEXT NOT NULL,
			tx_hash TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS transactions_user_idx ON transactions (user_address, created_at)`,
		`CREATE TABLE IF NOT EXISTS settlement_attempts (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			transfer_id TEXT NOT NULL,
			user_address TEXT NOT NULL,
			token TEXT NOT NULL,
			tx_hash TEXT NOT NULL DEFAULT '',
			chain_status TEXT NOT NULL,
			debited_amount TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS settlement_attempts_one_confirmed ON settlement_attempts (transfer_id) WHERE chain_status = 'CONFIRMED'`,
		`CREATE TABLE IF NOT EXISTS payout_attempts (
			id TEXT PRIMARY KEY,
			settlement_attempt_id TEXT NOT NULL UNIQUE REFERENCES settlement_attempts (id),
			processor_reference TEXT NOT NULL,
			processor_transfer_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			raw_payload BLOB,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS payout_attempts_reference_idx ON payout_attempts (processor_reference)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const sqliteRecordColumns = `id, transfer_id, user_address, settlement_attempt_id, payout_attempt_id, status, currency,
	amount, receiver, operator, country, token, debited_amount, tx_hash, created_at`

func (s *SQLiteStore) Append(ctx context.Context, record Record) (string, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO transactions
		(id, transfer_id, user_address, settlement_attempt_id, payout_attempt_id, status, currency, amount,
		 receiver, operator, country, token, debited_amount, tx_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.TransferID, normalizeAddress(record.UserAddress), record.SettlementAttemptID,
		record.PayoutAttemptID, string(record.Status), record.Currency, record.Amount.String(),
		record.Receiver, record.Operator, record.Country, record.Token, record.DebitedAmount.String(),
		record.ChainTxHash, record.Timestamp.UnixNano())
	if err != nil {
		if isSQLiteConstraint(err) {
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

func (s *SQLiteStore) UpdateStatus(ctx context.Context, recordID string, status DisplayStatus) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanSQLiteRecord(tx.QueryRowContext(ctx, `SELECT `+sqliteRecordColumns+` FROM transactions WHERE id = ?`, recordID))
		if err != nil {
			return err
		}
		if !current.Status.CanTransition(status) {
			return ErrInvalidTransition
		}
		_, err = tx.ExecContext(ctx, `UPDATE transactions SET status = ? WHERE id = ?`, string(status), recordID)
		return err
	})
}

func (s *SQLiteStore) LinkPayout(ctx context.Context, recordID, payoutAttemptID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanSQLiteRecord(tx.QueryRowContext(ctx, `SELECT `+sqliteRecordColumns+` FROM transactions WHERE id = ?`, recordID))
		if err != nil {
			return err
		}
		if current.PayoutAttemptID == payoutAttemptID {
			return nil
		}
		if current.PayoutAttemptID != "" || current.Status != DisplayPending {
			return ErrInvalidTransition
		}
		_, err = tx.ExecContext(ctx, `UPDATE transactions SET payout_attempt_id = ? WHERE id = ?`, payoutAttemptID, recordID)
		return err
	})
}

func (s *SQLiteStore) Get(ctx context.Context, recordID string) (Record, error) {
	return scanSQLiteRecord(s.db.QueryRowContext(ctx, `SELECT `+sqliteRecordColumns+` FROM transactions WHERE id = ?`, recordID))
}

func (s *SQLiteStore) GetByTransfer(ctx context.Context, transferID string) (Record, error) {
	return scanSQLiteRecord(s.db.QueryRowContext(ctx, `SELECT `+sqliteRecordColumns+` FROM transactions WHERE transfer_id = ?`, transferID))
}

func (s *SQLiteStore) ListByUser(ctx context.Context, userAddress string) ([]Record, error) {
	return s.queryRecords(ctx, `SELECT `+sqliteRecordColumns+` FROM transactions
		WHERE user_address = ? ORDER BY created_at DESC, seq DESC`, normalizeAddress(userAddress))
}

func (s *SQLiteStore) ListPending(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryRecords(ctx, `SELECT `+sqliteRecordColumns+` FROM transactions
		WHERE status = 'PENDING' ORDER BY seq ASC LIMIT ?`, limit)
}

func (s *SQLiteStore) queryRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query records: %v", ErrStorage, err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
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

const sqliteSettlementColumns = `id, transfer_id, user_address, token, tx_hash, chain_status, debited_amount, created_at, updated_at`

func (s *SQLiteStore) CreateSettlement(ctx context.Context, attempt SettlementAttempt) (SettlementAttempt, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var confirmed, payouts int
		if err := tx.QueryRowContext(ctx, `SELECT
				COALESCE(SUM(CASE WHEN sa.chain_status = 'CONFIRMED' THEN 1 ELSE 0 END), 0),
				COUNT(pa.id)
			FROM settlement_attempts sa
			LEFT JOIN payout_attempts pa ON pa.settlement_attempt_id = sa.id
			WHERE sa.transfer_id = ?`, attempt.TransferID).Scan(&confirmed, &payouts); err != nil {
			return err
		}
		if confirmed > 0 {
			return ErrAlreadyConfirmed
		}
		if payouts > 0 {
			return ErrPayoutExists
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
		_, err := tx.ExecContext(ctx, `INSERT INTO settlement_attempts
			(id, transfer_id, user_address, token, tx_hash, chain_status, debited_amount, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			attempt.ID, attempt.TransferID, attempt.UserAddress, attempt.Token, attempt.ChainTxHash,
			string(attempt.ChainStatus), attempt.DebitedAmount.String(), now.UnixNano(), now.UnixNano())
		return err
	})
	if err != nil {
		return SettlementAttempt{}, err
	}
	return attempt, nil
}

func (s *SQLiteStore) UpdateSettlement(ctx context.Context, attemptID, txHash string, status ChainStatus) (SettlementAttempt, error) {
	var updated SettlementAttempt
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		attempt, err := scanSQLiteSettlement(tx.QueryRowContext(ctx, `SELECT `+sqliteSettlementColumns+` FROM settlement_attempts WHERE id = ?`, attemptID))
		if err != nil {
			return err
		}
		if !canUpdateSettlement(attempt.ChainStatus, status) {
			return ErrInvalidTransition
		}
		if txHash != "" {
			attempt.ChainTxHash = txHash
		}
		attempt.ChainStatus = status
		attempt.UpdatedAt = time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `UPDATE settlement_attempts SET tx_hash = ?, chain_status = ?, updated_at = ? WHERE id = ?`,
			attempt.ChainTxHash, string(status), attempt.UpdatedAt.UnixNano(), attemptID); err != nil {
			if isSQLiteConstraint(err) {
				return ErrAlreadyConfirmed
			}
			return err
		}
		updated = attempt
		return nil
	})
	return updated, err
}

func (s *SQLiteStore) GetSettlement(ctx context.Context, attemptID string) (SettlementAttempt, error) {
	return scanSQLiteSettlement(s.db.QueryRowContext(ctx, `SELECT `+sqliteSettlementColumns+` FROM settlement_attempts WHERE id = ?`, attemptID))
}

func (s *SQLiteStore) ListSettlements(ctx context.Context, transferID string) ([]SettlementAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteSettlementColumns+` FROM settlement_attempts
		WHERE transfer_id = ? ORDER BY seq ASC`, transferID)
	if err != nil {
		return nil, fmt.Errorf("%w: list settlements: %v", ErrStorage, err)
	}
	defer rows.Close()

	out := make([]SettlementAttempt, 0)
	for rows.Next() {
		attempt, err := scanSQLiteSettlement(rows)
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

const sqlitePayoutColumns = `id, settlement_attempt_id, processor_reference, processor_transfer_id, status, raw_payload, created_at, updated_at`

func (s *SQLiteStore) CreatePayout(ctx context.Context, attempt PayoutAttempt) (PayoutAttempt, error) {
	var existing PayoutAttempt
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var chainStatus string
		if err := tx.QueryRowContext(ctx, `SELECT chain_status FROM settlement_attempts WHERE id = ?`, attempt.SettlementAttemptID).Scan(&chainStatus); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrSettlementNotConfirmed
			}
			return err
		}
		if ChainStatus(chainStatus) != ChainConfirmed {
			return ErrSettlementNotConfirmed
		}

		found, err := scanSQLitePayout(tx.QueryRowContext(ctx, `SELECT `+sqlitePayoutColumns+` FROM payout_attempts WHERE settlement_attempt_id = ?`, attempt.SettlementAttemptID))
		if err == nil {
			existing = found
			return ErrDuplicatePayout
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		now := time.Now().UTC()
		if attempt.ID == "" {
			attempt.ID = uuid.NewString()
		}
		if attempt.Status == "" {
			attempt.Status = PayoutNotStarted
		}
		attempt.CreatedAt, attempt.UpdatedAt = now, now
		_, err = tx.ExecContext(ctx, `INSERT INTO payout_attempts
			(id, settlement_attempt_id, processor_reference, processor_transfer_id, status, raw_payload, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			attempt.ID, attempt.SettlementAttemptID, attempt.ProcessorReference, attempt.ProcessorTransferID,
			string(attempt.Status), attempt.RawPayload, now.UnixNano(), now.UnixNano())
		return err
	})
	if errors.Is(err, ErrDuplicatePayout) {
		return existing, err
	}
	if err != nil {
		return PayoutAttempt{}, err
	}
	return attempt, nil
}

func (s *SQLiteStore) UpdatePayout(ctx context.Context, attemptID string, update PayoutUpdate) (PayoutAttempt, error) {
	var updated PayoutAttempt
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		attempt, err := scanSQLitePayout(tx.QueryRowContext(ctx, `SELECT `+sqlitePayoutColumns+` FROM payout_attempts WHERE id = ?`, attemptID))
		if err != nil {
			return err
		}
		if !canUpdatePayout(attempt.Status, update.Status) {
			return ErrInvalidTransition
		}
		attempt.Status = update.Status
		if update.ProcessorTransferID != "" {
			attempt.ProcessorTransferID = update.ProcessorTransferID
		}
		if update.RawPayload != nil {
			attempt.RawPayload = update.RawPayload
		}
		attempt.UpdatedAt = time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `UPDATE payout_attempts
			SET status = ?, processor_transfer_id = ?, raw_payload = ?, updated_at = ? WHERE id = ?`,
			string(attempt.Status), attempt.ProcessorTransferID, attempt.RawPayload, attempt.UpdatedAt.UnixNano(), attemptID); err != nil {
			return err
		}
		updated = attempt
		return nil
	})
	return updated, err
}

func (s *SQLiteStore) GetPayout(ctx context.Context, attemptID string) (PayoutAttempt, error) {
	return scanSQLitePayout(s.db.QueryRowContext(ctx, `SELECT `+sqlitePayoutColumns+` FROM payout_attempts WHERE id = ?`, attemptID))
}

func (s *SQLiteStore) GetPayoutBySettlement(ctx context.Context, settlementAttemptID string) (PayoutAttempt, error) {
	return scanSQLitePayout(s.db.QueryRowContext(ctx, `SELECT `+sqlitePayoutColumns+` FROM payout_attempts WHERE settlement_attempt_id = ?`, settlementAttemptID))
}

func (s *SQLiteStore) GetPayoutByReference(ctx context.Context, reference string) (PayoutAttempt, error) {
	return scanSQLitePayout(s.db.QueryRowContext(ctx, `SELECT `+sqlitePayoutColumns+` FROM payout_attempts WHERE processor_reference = ?`, reference))
}

// withTx runs fn in a transaction. Domain errors pass through unchanged;
// everything else is reported as ErrStorage.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStorage, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if isDomainError(err) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStorage, err)
	}
	return nil
}

func isDomainError(err error) bool {
	for _, target := range []error{ErrStorage, ErrNotFound, ErrInvalidTransition, ErrDuplicatePayout,
		ErrSettlementNotConfirmed, ErrAlreadyConfirmed, ErrPayoutExists} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (Record, error) {
	var (
		rec             Record
		status          string
		amount, debited string
		created         int64
	)
	err := row.Scan(&rec.ID, &rec.TransferID, &rec.UserAddress, &rec.SettlementAttemptID, &rec.PayoutAttemptID,
		&status, &rec.Currency, &amount, &rec.Receiver, &rec.Operator, &rec.Country, &rec.Token, &debited,
		&rec.ChainTxHash, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("%w: scan record: %v", ErrStorage, err)
	}
	rec.Status = DisplayStatus(status)
	rec.Timestamp = time.Unix(0, created).UTC()
	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return Record{}, fmt.Errorf("%w: decode amount: %v", ErrStorage, err)
	}
	if rec.DebitedAmount, err = decimal.NewFromString(debited); err != nil {
		return Record{}, fmt.Errorf("%w: decode debited amount: %v", ErrStorage, err)
	}
	return rec, nil
}

func scanSQLiteSettlement(row rowScanner) (SettlementAttempt, error) {
	var (
		attempt          SettlementAttempt
		status, debited  string
		created, updated int64
	)
	err := row.Scan(&attempt.ID, &attempt.TransferID, &attempt.UserAddress, &attempt.Token, &attempt.ChainTxHash,
		&status, &debited, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SettlementAttempt{}, ErrNotFound
		}
		return SettlementAttempt{}, fmt.Errorf("%w: scan settlement: %v", ErrStorage, err)
	}
	attempt.ChainStatus = ChainStatus(status)
	attempt.CreatedAt = time.Unix(0, created).UTC()
	attempt.UpdatedAt = time.Unix(0, updated).UTC()
	if attempt.DebitedAmount, err = decimal.NewFromString(debited); err != nil {
		return SettlementAttempt{}, fmt.Errorf("%w: decode debited amount: %v", ErrStorage, err)
	}
	return attempt, nil
}

func scanSQLitePayout(row rowScanner) (PayoutAttempt, error) {
	var (
		attempt          PayoutAttempt
		status           string
		created, updated int64
	)
	err := row.Scan(&attempt.ID, &attempt.SettlementAttemptID, &attempt.ProcessorReference, &attempt.ProcessorTransferID,
		&status, &attempt.RawPayload, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PayoutAttempt{}, ErrNotFound
		}
		return PayoutAttempt{}, fmt.Errorf("%w: scan payout: %v", ErrStorage, err)
	}
	attempt.Status = PayoutStatus(status)
	attempt.CreatedAt = time.Unix(0, created).UTC()
	attempt.UpdatedAt = time.Unix(0, updated).UTC()
	return attempt, nil
}

func isSQLiteConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
