package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aleister1102/vulnerax/internal/models"
)

const scanColumns = `id, account_id, target_name, target_url, status, started_at, completed_at, idempotency_key,
	vuln_critical, vuln_high, vuln_medium, vuln_low, vuln_info,
	privacy_high, privacy_medium, privacy_low, dependencies_total,
	failure_kind, failure_message`

// SQLiteScanStore is a ScanStore on top of DB.
type SQLiteScanStore struct {
	db *DB
}

// NewSQLiteScanStore returns a store using db.
func NewSQLiteScanStore(db *DB) *SQLiteScanStore {
	return &SQLiteScanStore{db: db}
}

func (s *SQLiteScanStore) Create(ctx context.Context, scan *models.Scan) error {
	if scan.Status != models.ScanStatusQueued {
		return fmt.Errorf("%w: new scans start queued, got %s", models.ErrIllegalTransition, scan.Status)
	}
	if err := scan.Validate(); err != nil {
		return err
	}

	query := `INSERT INTO scans (id, account_id, target_name, target_url, status, started_at, idempotency_key) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.db.ExecContext(ctx, query,
		scan.ID, scan.AccountID, scan.Target.Name, scan.Target.URL, string(scan.Status), scan.StartedAt.UTC(), nullString(scan.IdempotencyKey))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %v", ErrDuplicateKey, err)
		}
		s.db.logger.Error().Err(err).Str("scan_id", scan.ID).Msg("Failed to insert scan")
		return fmt.Errorf("failed to insert scan %s: %w", scan.ID, err)
	}
	s.db.logger.Debug().Str("scan_id", scan.ID).Msg("Recorded scan in DB")
	return nil
}

func (s *SQLiteScanStore) Get(ctx context.Context, id string) (*models.Scan, error) {
	row := s.db.db.QueryRowContext(ctx, `SELECT `+scanColumns+` FROM scans WHERE id = ?`, id)
	scan, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrScanNotFound, id)
	}
	return scan, err
}

// Update writes the mutable columns of scan only if the stored status is still from.
func (s *SQLiteScanStore) Update(ctx context.Context, scan *models.Scan, from models.ScanStatus) error {
	if err := checkUpdate(scan, from); err != nil {
		return err
	}

	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin update of scan %s: %w", scan.ID, err)
	}
	defer tx.Rollback()

	args := []interface{}{string(scan.Status), nullTime(scan.CompletedAt)}
	args = append(args, findingsArgs(scan.Findings)...)
	args = append(args, failureArgs(scan.FailureReason)...)
	args = append(args, scan.ID, string(from))

	res, err := tx.ExecContext(ctx, `UPDATE scans SET status = ?, completed_at = ?,
		vuln_critical = ?, vuln_high = ?, vuln_medium = ?, vuln_low = ?, vuln_info = ?,
		privacy_high = ?, privacy_medium = ?, privacy_low = ?, dependencies_total = ?,
		failure_kind = ?, failure_message = ?
		WHERE id = ? AND status = ?`, args...)
	if err != nil {
		s.db.logger.Error().Err(err).Str("scan_id", scan.ID).Msg("Failed to update scan")
		return fmt.Errorf("failed to update scan %s: %w", scan.ID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result for scan %s: %w", scan.ID, err)
	}
	if affected == 0 {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM scans WHERE id = ?`, scan.ID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrScanNotFound, scan.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to read status of scan %s: %w", scan.ID, err)
		}
		return fmt.Errorf("%w: %s is %s, not %s", ErrStatusConflict, scan.ID, current, from)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit update of scan %s: %w", scan.ID, err)
	}
	s.db.logger.Debug().Str("scan_id", scan.ID).Str("status", string(scan.Status)).Msg("Updated scan in DB")
	return nil
}

func (s *SQLiteScanStore) FindByIdempotencyKey(ctx context.Context, key string) (*models.Scan, error) {
	row := s.db.db.QueryRowContext(ctx, `SELECT `+scanColumns+` FROM scans WHERE idempotency_key = ?`, key)
	scan, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: idempotency key", ErrScanNotFound)
	}
	return scan, err
}

func (s *SQLiteScanStore) ListByAccount(ctx context.Context, accountID string) ([]*models.Scan, error) {
	return s.query(ctx, `SELECT `+scanColumns+` FROM scans WHERE account_id = ? ORDER BY started_at DESC, id DESC`, accountID)
}

func (s *SQLiteScanStore) List(ctx context.Context) ([]*models.Scan, error) {
	return s.query(ctx, `SELECT `+scanColumns+` FROM scans ORDER BY started_at DESC, id DESC`)
}

func (s *SQLiteScanStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteScanStore) query(ctx context.Context, query string, args ...interface{}) ([]*models.Scan, error) {
	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query scans: %w", err)
	}
	defer rows.Close()

	var scans []*models.Scan
	for rows.Next() {
		scan, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		scans = append(scans, scan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate scans: %w", err)
	}
	return scans, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRow(row rowScanner) (*models.Scan, error) {
	var (
		scan                             models.Scan
		status                           string
		completedAt                      sql.NullTime
		idempotencyKey                   sql.NullString
		critical, high, medium, low, inf sql.NullInt64
		pHigh, pMedium, pLow, deps       sql.NullInt64
		failureKind, failureMessage      sql.NullString
	)

	err := row.Scan(&scan.ID, &scan.AccountID, &scan.Target.Name, &scan.Target.URL, &status, &scan.StartedAt,
		&completedAt, &idempotencyKey,
		&critical, &high, &medium, &low, &inf,
		&pHigh, &pMedium, &pLow, &deps,
		&failureKind, &failureMessage)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}

	scan.Status = models.ScanStatus(status)
	scan.StartedAt = scan.StartedAt.UTC()
	scan.IdempotencyKey = idempotencyKey.String
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		scan.CompletedAt = &t
	}
	if scan.Status == models.ScanStatusCompleted {
		scan.Findings = &models.Findings{
			Vulnerabilities: models.VulnerabilityCounts{
				Critical: int(critical.Int64),
				High:     int(high.Int64),
				Medium:   int(medium.Int64),
				Low:      int(low.Int64),
				Info:     int(inf.Int64),
			},
			PrivacyIssues: models.PrivacyCounts{
				High:   int(pHigh.Int64),
				Medium: int(pMedium.Int64),
				Low:    int(pLow.Int64),
			},
			Dependencies: models.DependencyCounts{Total: int(deps.Int64)},
		}
	}
	if failureKind.Valid {
		scan.FailureReason = &models.FailureReason{
			Kind:    models.FailureKind(failureKind.String),
			Message: failureMessage.String,
		}
	}
	return &scan, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func findingsArgs(f *models.Findings) []interface{} {
	if f == nil {
		return make([]interface{}, 9)
	}
	return []interface{}{
		f.Vulnerabilities.Critical, f.Vulnerabilities.High, f.Vulnerabilities.Medium, f.Vulnerabilities.Low, f.Vulnerabilities.Info,
		f.PrivacyIssues.High, f.PrivacyIssues.Medium, f.PrivacyIssues.Low,
		f.Dependencies.Total,
	}
}

func failureArgs(r *models.FailureReason) []interface{} {
	if r == nil {
		return []interface{}{nil, nil}
	}
	return []interface{}{string(r.Kind), r.Message}
}

// SQLiteProfileStore is a ProfileStore on top of DB.
type SQLiteProfileStore struct {
	db *DB
}

// NewSQLiteProfileStore returns a profile store using db.
func NewSQLiteProfileStore(db *DB) *SQLiteProfileStore {
	return &SQLiteProfileStore{db: db}
}

func (s *SQLiteProfileStore) ProfileExists(ctx context.Context, uid string) (bool, error) {
	var one int
	err := s.db.db.QueryRowContext(ctx, `SELECT 1 FROM profiles WHERE uid = ?`, uid).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up profile: %w", err)
	}
	return true, nil
}

func (s *SQLiteProfileStore) GetProfile(ctx context.Context, uid string) (*models.Profile, error) {
	var profile models.Profile
	err := s.db.db.QueryRowContext(ctx, `SELECT uid, name, email, created_at FROM profiles WHERE uid = ?`, uid).
		Scan(&profile.UID, &profile.Name, &profile.Email, &profile.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, uid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile %s: %w", uid, err)
	}
	return &profile, nil
}

// CreateProfile inserts profile; an existing row for the uid is left as is.
func (s *SQLiteProfileStore) CreateProfile(ctx context.Context, profile models.Profile) (bool, error) {
	if profile.UID == "" {
		return false, errors.New("profile uid is required")
	}
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO profiles (uid, name, email, created_at) VALUES (?, ?, ?, ?)`,
		profile.UID, profile.Name, profile.Email, profile.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to create profile %s: %w", profile.UID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to create profile %s: %w", profile.UID, err)
	}
	return affected == 1, nil
}
