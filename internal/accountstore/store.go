// Package accountstore persists Account records: credentials (encrypted),
// status, health score, daily counters, and the window-name binding.
package accountstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ImViper/youtube-uploader-sub002/internal/orcherr"
)

// Status is one of the account's monotonic lifecycle states (active <->
// limited is the one documented exception, reset at rollover).
type Status string

const (
	StatusActive         Status = "active"
	StatusLimited        Status = "limited"
	StatusSuspended      Status = "suspended"
	StatusNeedsAttention Status = "needs_attention"
	StatusError          Status = "error"
)

// Account is the persisted record; Credentials holds decrypted plaintext
// only transiently in RAM. Get/GetByWindowName populate it only when called
// with decrypt set to true; List and GetEligible never populate it.
type Account struct {
	ID               string
	Login            string
	WindowName       string
	Credentials      []byte
	Status           Status
	HealthScore      int
	DailyUploadCount int
	DailyUploadLimit int
	LastUploadAt     *time.Time
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ErrAtLimit is returned by IncrementDaily when the account is already at
// its daily cap.
var ErrAtLimit = errors.New("accountstore: daily upload limit reached")

// ErrNotFound is returned when an account id or window name has no row.
var ErrNotFound = errors.New("accountstore: not found")

// Store is the relational Account Store.
type Store struct {
	db            *sql.DB
	encryptionKey string
}

// New wraps db (already migrated by internal/store.Open) with the
// credential-encryption key supplied at process start.
func New(db *sql.DB, encryptionKey string) *Store {
	return &Store{db: db, encryptionKey: encryptionKey}
}

// Create inserts a new account, encrypting its plaintext credentials.
func (s *Store) Create(ctx context.Context, a *Account, plaintextCredentials []byte) error {
	blob, err := encryptCredentials(s.encryptionKey, plaintextCredentials)
	if err != nil {
		return fmt.Errorf("encrypt credentials: %w", err)
	}
	now := time.Now()
	if a.DailyUploadLimit == 0 {
		a.DailyUploadLimit = 2
	}
	if a.HealthScore == 0 {
		a.HealthScore = 100
	}
	if a.Status == "" {
		a.Status = StatusActive
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO accounts
		(id, login, window_name, credentials_blob, status, health_score, daily_upload_count, daily_upload_limit, last_upload_at, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, NULL, 0, ?, ?)`,
		a.ID, a.Login, a.WindowName, blob, a.Status, a.HealthScore, a.DailyUploadLimit, now.Unix(), now.Unix())
	return err
}

// Get fetches an account by id. Credentials are decrypted only if decrypt is true.
func (s *Store) Get(ctx context.Context, id string, decrypt bool) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, login, window_name, credentials_blob, status, health_score,
		daily_upload_count, daily_upload_limit, last_upload_at, version, created_at, updated_at
		FROM accounts WHERE id = ?`, id)
	return s.scan(row, decrypt)
}

// GetByWindowName fetches an account by its bound window name.
func (s *Store) GetByWindowName(ctx context.Context, windowName string, decrypt bool) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, login, window_name, credentials_blob, status, health_score,
		daily_upload_count, daily_upload_limit, last_upload_at, version, created_at, updated_at
		FROM accounts WHERE window_name = ?`, windowName)
	return s.scan(row, decrypt)
}

func (s *Store) scan(row *sql.Row, decrypt bool) (*Account, error) {
	var a Account
	var blob []byte
	var lastUpload sql.NullInt64
	var createdAt, updatedAt int64
	err := row.Scan(&a.ID, &a.Login, &a.WindowName, &blob, &a.Status, &a.HealthScore,
		&a.DailyUploadCount, &a.DailyUploadLimit, &lastUpload, &a.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.CreatedAt = time.Unix(createdAt, 0)
	a.UpdatedAt = time.Unix(updatedAt, 0)
	if lastUpload.Valid {
		t := time.Unix(lastUpload.Int64, 0)
		a.LastUploadAt = &t
	}
	if decrypt {
		plain, err := decryptCredentials(s.encryptionKey, blob)
		if err != nil {
			return nil, fmt.Errorf("decrypt credentials: %w", err)
		}
		a.Credentials = plain
	}
	return &a, nil
}

// ListFilter narrows List results; zero-valued fields are unconstrained.
type ListFilter struct {
	Status Status
}

// List returns accounts matching filter.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Account, error) {
	query := `SELECT id, login, window_name, credentials_blob, status, health_score,
		daily_upload_count, daily_upload_limit, last_upload_at, version, created_at, updated_at FROM accounts`
	args := []interface{}{}
	if filter.Status != "" {
		query += " WHERE status = ?"
		args = append(args, filter.Status)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		var a Account
		var blob []byte
		var lastUpload sql.NullInt64
		var createdAt, updatedAt int64
		if err := rows.Scan(&a.ID, &a.Login, &a.WindowName, &blob, &a.Status, &a.HealthScore,
			&a.DailyUploadCount, &a.DailyUploadLimit, &lastUpload, &a.Version, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		a.CreatedAt = time.Unix(createdAt, 0)
		a.UpdatedAt = time.Unix(updatedAt, 0)
		if lastUpload.Valid {
			t := time.Unix(lastUpload.Int64, 0)
			a.LastUploadAt = &t
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// Counts tallies accounts by status for operator-facing status reports.
type Counts struct {
	Total     int
	Active    int
	Limited   int
	Suspended int
	Errored   int
}

// CountByStatus returns a status breakdown across every account row.
func (s *Store) CountByStatus(ctx context.Context) (Counts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM accounts GROUP BY status`)
	if err != nil {
		return Counts{}, err
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, err
		}
		c.Total += n
		switch status {
		case StatusActive:
			c.Active = n
		case StatusLimited:
			c.Limited = n
		case StatusSuspended:
			c.Suspended = n
		case StatusError:
			c.Errored = n
		}
	}
	return c, rows.Err()
}

// GetEligible returns up to count accounts eligible for selection: active,
// under their daily limit, health at or above threshold, ordered by
// highest health then earliest last upload.
func (s *Store) GetEligible(ctx context.Context, count int, healthThreshold int) ([]*Account, error) {
	if count <= 0 {
		count = 1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, login, window_name, credentials_blob, status, health_score,
		daily_upload_count, daily_upload_limit, last_upload_at, version, created_at, updated_at
		FROM accounts
		WHERE status = ? AND daily_upload_count < daily_upload_limit AND health_score >= ?
		ORDER BY health_score DESC, COALESCE(last_upload_at, 0) ASC
		LIMIT ?`, StatusActive, healthThreshold, count)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		var a Account
		var blob []byte
		var lastUpload sql.NullInt64
		var createdAt, updatedAt int64
		if err := rows.Scan(&a.ID, &a.Login, &a.WindowName, &blob, &a.Status, &a.HealthScore,
			&a.DailyUploadCount, &a.DailyUploadLimit, &lastUpload, &a.Version, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		a.CreatedAt = time.Unix(createdAt, 0)
		a.UpdatedAt = time.Unix(updatedAt, 0)
		if lastUpload.Valid {
			t := time.Unix(lastUpload.Int64, 0)
			a.LastUploadAt = &t
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// UpdateStatus sets the account's status (for auth/suspend/rate-limit
// transitions driven by the recovery engine).
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET status = ?, version = version + 1, updated_at = ? WHERE id = ?`,
		status, time.Now().Unix(), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

// UpdateHealth adjusts health_score atomically: +2 capped at 100 on
// success, -10 floored at 0 on failure.
func (s *Store) UpdateHealth(ctx context.Context, id string, success bool) error {
	var expr string
	if success {
		expr = `MIN(100, health_score + 2)`
	} else {
		expr = `MAX(0, health_score - 10)`
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE accounts SET health_score = %s, version = version + 1, updated_at = ? WHERE id = ?`, expr),
		time.Now().Unix(), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

// IncrementDaily performs a conditional update: it fails (ErrAtLimit)
// rather than checking-then-incrementing, avoiding a check-then-act race
// against the daily upload cap.
func (s *Store) IncrementDaily(ctx context.Context, id string) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET daily_upload_count = daily_upload_count + 1,
		last_upload_at = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND daily_upload_count < daily_upload_limit`, now.Unix(), now.Unix(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, id, false); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrAtLimit
	}
	return nil
}

// RolloverDaily zeroes every account's daily_upload_count and restores
// limited accounts whose only defect was quota back to active. Intended to
// run once at the configured local midnight.
func (s *Store) RolloverDaily(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE accounts SET daily_upload_count = 0, updated_at = ? `, time.Now().Unix())
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET status = ? WHERE status = ?`, StatusActive, StatusLimited); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Delete removes an account row.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// KindForMissing classifies ErrNotFound as a validation error and
// ErrAtLimit as a rate_limit error, for callers that need a classified
// error instead of a sentinel.
func KindForMissing(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return orcherr.New(orcherr.KindValidation, "", "account not found")
	case errors.Is(err, ErrAtLimit):
		return orcherr.New(orcherr.KindRateLimit, "", "daily upload limit reached")
	default:
		return err
	}
}
