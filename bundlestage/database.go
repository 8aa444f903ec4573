package bundlestage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var (
	ErrBundleNotFound     = errors.New("bundle not found")
	ErrBundleNotCancelled = errors.New("bundle not cancelled")
)

const (
	StatusPending   = "pending"
	StatusCancelled = "cancelled"
)

type DBBundle struct {
	ID          string         `db:"id"`
	Signatures  pq.StringArray `db:"signatures"`
	TipAccount  sql.NullString `db:"tip_account"`
	TipLamports sql.NullInt64  `db:"tip_lamports"`
	OriginID    sql.NullString `db:"origin_id"`
	Body        []byte         `db:"body"`
	Status      string         `db:"status"`
	Reason      sql.NullString `db:"reason"`
	Attempts    int            `db:"attempts"`
	ElapsedUs   sql.NullInt64  `db:"elapsed_us"`
	Cancelled   bool           `db:"cancelled"`
	ReceivedAt  time.Time      `db:"received_at"`
	FinishedAt  sql.NullTime   `db:"finished_at"`
	InsertedAt  time.Time      `db:"inserted_at"`
}

var insertBundleQuery = `
INSERT INTO bundle (id, signatures, tip_account, tip_lamports, origin_id, body, status, cancelled, received_at)
VALUES (:id, :signatures, :tip_account, :tip_lamports, :origin_id, :body, :status, :cancelled, :received_at)
ON CONFLICT (id) DO
UPDATE SET status = :status, reason = NULL, attempts = 0, elapsed_us = NULL, cancelled = false, received_at = :received_at, finished_at = NULL
WHERE bundle.status IN ('dropped', 'aborted')
RETURNING id`

// the bundle row is created here when the bundle did not come through the API
var updateOutcomeQuery = `
INSERT INTO bundle (id, signatures, tip_account, tip_lamports, body, status, reason, attempts, elapsed_us, received_at, finished_at)
VALUES (:id, :signatures, :tip_account, :tip_lamports, :body, :status, :reason, :attempts, :elapsed_us, :received_at, :finished_at)
ON CONFLICT (id) DO
UPDATE SET status = :status, reason = :reason, attempts = :attempts, elapsed_us = :elapsed_us, finished_at = :finished_at`

var getBundleStatusQuery = `
SELECT id, signatures, status, reason, attempts, cancelled, received_at, finished_at
FROM bundle
WHERE id = $1`

var cancelBundleQuery = `UPDATE bundle SET cancelled = true WHERE id = $1 AND cancelled = false AND status = 'pending' RETURNING id`

type DBBundleAttempt struct {
	ID         int64          `db:"id"`
	BundleID   string         `db:"bundle_id"`
	Attempt    int            `db:"attempt"`
	Outcome    string         `db:"outcome"`
	ErrorKind  sql.NullString `db:"error_kind"`
	Error      sql.NullString `db:"error"`
	Height     int64          `db:"height"`
	StartedAt  time.Time      `db:"started_at"`
	DurationUs int64          `db:"duration_us"`
	TxResults  string         `db:"tx_results"`
	InsertedAt time.Time      `db:"inserted_at"`
}

type dbTxResult struct {
	Signature string `json:"signature"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	// RolledBack marks committed transactions of an attempt whose effects were discarded.
	RolledBack bool `json:"rolledBack,omitempty"`
}

func newDBTxResults(record AttemptRecord) []dbTxResult {
	results := make([]dbTxResult, len(record.TxResults))
	for i, res := range record.TxResults {
		results[i] = dbTxResult{
			Signature:  res.Signature.String(),
			Status:     res.Status.String(),
			RolledBack: record.RolledBack && res.Status == TxCommitted,
		}
		if res.Err != nil {
			results[i].Error = res.Err.Error()
		}
	}
	return results
}

var insertAttemptQuery = `
INSERT INTO bundle_attempt (bundle_id, attempt, outcome, error_kind, error, height, started_at, duration_us, tx_results)
VALUES (:bundle_id, :attempt, :outcome, :error_kind, :error, :height, :started_at, :duration_us, :tx_results)`

// DBBackend stores bundles and their execution history in postgres, see sql/schema.sql.
type DBBackend struct {
	db *sqlx.DB

	insertBundle    *sqlx.NamedStmt
	updateOutcome   *sqlx.NamedStmt
	insertAttempt   *sqlx.NamedStmt
	getBundleStatus *sqlx.Stmt
	cancelBundle    *sqlx.Stmt
}

func NewDBBackend(postgresDSN string) (*DBBackend, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(20)

	insertBundle, err := db.PrepareNamed(insertBundleQuery)
	if err != nil {
		return nil, err
	}
	updateOutcome, err := db.PrepareNamed(updateOutcomeQuery)
	if err != nil {
		return nil, err
	}
	insertAttempt, err := db.PrepareNamed(insertAttemptQuery)
	if err != nil {
		return nil, err
	}
	getBundleStatus, err := db.Preparex(getBundleStatusQuery)
	if err != nil {
		return nil, err
	}
	cancelBundle, err := db.Preparex(cancelBundleQuery)
	if err != nil {
		return nil, err
	}

	return &DBBackend{
		db:              db,
		insertBundle:    insertBundle,
		updateOutcome:   updateOutcome,
		insertAttempt:   insertAttempt,
		getBundleStatus: getBundleStatus,
		cancelBundle:    cancelBundle,
	}, nil
}

func newDBBundle(bundle *Bundle) (DBBundle, error) {
	var dbBundle DBBundle
	body, err := json.Marshal(NewQueuedBundle(bundle))
	if err != nil {
		return dbBundle, err
	}
	dbBundle.ID = bundle.ID.String()
	dbBundle.Signatures = make(pq.StringArray, len(bundle.Transactions))
	for i, tx := range bundle.Transactions {
		dbBundle.Signatures[i] = tx.Signature.String()
	}
	if bundle.Tip != nil {
		dbBundle.TipAccount = sql.NullString{String: bundle.Tip.Account.String(), Valid: true}
		dbBundle.TipLamports = sql.NullInt64{Int64: int64(bundle.Tip.Lamports), Valid: true}
	}
	dbBundle.Body = body
	dbBundle.Status = StatusPending
	dbBundle.ReceivedAt = bundle.ReceivedAt
	return dbBundle, nil
}

// InsertBundle stores a newly received bundle. known is true when the bundle was stored before and did not
// reach a dropped or aborted state, those are reset to pending so the bundle can be scheduled again.
func (b *DBBackend) InsertBundle(ctx context.Context, bundle *Bundle, origin string) (known bool, err error) {
	dbBundle, err := newDBBundle(bundle)
	if err != nil {
		return false, err
	}
	dbBundle.OriginID = sql.NullString{String: origin, Valid: origin != ""}

	var id string
	err = b.insertBundle.GetContext(ctx, &id, dbBundle)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	return false, err
}

func (b *DBBackend) InsertAttempt(ctx context.Context, bundle *Bundle, record AttemptRecord) error {
	txResults, err := json.Marshal(newDBTxResults(record))
	if err != nil {
		return err
	}

	attempt := DBBundleAttempt{
		BundleID:   bundle.ID.String(),
		Attempt:    record.Attempt,
		Outcome:    record.Kind.String(),
		Height:     int64(record.Height),
		StartedAt:  record.StartedAt,
		DurationUs: record.Duration.Microseconds(),
		TxResults:  string(txResults),
	}
	if record.Reason != nil {
		attempt.ErrorKind = sql.NullString{String: ExecutionKind(record.Reason).String(), Valid: true}
		attempt.Error = sql.NullString{String: record.Reason.Error(), Valid: true}
	}
	_, err = b.insertAttempt.ExecContext(ctx, attempt)
	return err
}

func (b *DBBackend) UpdateOutcome(ctx context.Context, bundle *Bundle, outcome *Outcome) error {
	dbBundle, err := newDBBundle(bundle)
	if err != nil {
		return err
	}
	dbBundle.Status = outcome.Kind.String()
	if outcome.Reason != nil {
		dbBundle.Reason = sql.NullString{String: outcome.Reason.Error(), Valid: true}
	}
	dbBundle.Attempts = outcome.Attempts
	dbBundle.ElapsedUs = sql.NullInt64{Int64: outcome.Elapsed.Microseconds(), Valid: true}
	dbBundle.FinishedAt = sql.NullTime{Time: time.Now(), Valid: true}

	_, err = b.updateOutcome.ExecContext(ctx, dbBundle)
	return err
}

func (b *DBBackend) GetBundleStatus(ctx context.Context, id BundleID) (*BundleStatus, error) {
	var dbBundle DBBundle
	err := b.getBundleStatus.GetContext(ctx, &dbBundle, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBundleNotFound
	} else if err != nil {
		return nil, err
	}

	status := &BundleStatus{
		BundleID:     BundleID(dbBundle.ID),
		Status:       dbBundle.Status,
		Reason:       dbBundle.Reason.String,
		Attempts:     dbBundle.Attempts,
		Transactions: dbBundle.Signatures,
		ReceivedAt:   dbBundle.ReceivedAt,
	}
	if dbBundle.Cancelled && dbBundle.Status == StatusPending {
		status.Status = StatusCancelled
	}
	if dbBundle.FinishedAt.Valid {
		finishedAt := dbBundle.FinishedAt.Time
		status.FinishedAt = &finishedAt
	}
	return status, nil
}

// CancelBundle marks a pending bundle as cancelled.
func (b *DBBackend) CancelBundle(ctx context.Context, id BundleID) error {
	var result string
	err := b.cancelBundle.GetContext(ctx, &result, id.String())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrBundleNotCancelled
		}
		return err
	}
	if result != id.String() {
		return ErrBundleNotCancelled
	}
	return nil
}

func (b *DBBackend) Close() error {
	return b.db.Close()
}
