package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"dastor/internal/domain"
	"dastor/internal/ports"
)

var _ ports.ScanRepository = (*DB)(nil)

var findingColumns = []string{"scan_id", "position", "id", "scanner", "name", "severity", "url", "description", "cwe", "cvss"}

// Save upserts the scan row and replaces its findings in one transaction.
// Snapshots older than the stored one are ignored.
func (db *DB) Save(ctx context.Context, rec domain.ScanRecord) (err error) {
	logs := rec.Logs
	if logs == nil {
		logs = []string{}
	}
	logsJSON, err := json.Marshal(logs)
	if err != nil {
		return err
	}

	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `
		INSERT INTO scans (id, target, domain, status, logs, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, logs = EXCLUDED.logs, updated_at = EXCLUDED.updated_at
		WHERE scans.updated_at <= EXCLUDED.updated_at
	`, rec.ID, rec.Target, rec.Domain, string(rec.Status), logsJSON, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert scan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	if _, err = tx.Exec(ctx, `DELETE FROM findings WHERE scan_id = $1`, rec.ID); err != nil {
		return fmt.Errorf("clear findings: %w", err)
	}
	if len(rec.Vulnerabilities) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(rec.Vulnerabilities))
	for i, f := range rec.Vulnerabilities {
		rows = append(rows, []any{rec.ID, i, f.ID, f.Scanner, f.Name, string(f.Severity), f.URL, f.Description, f.CWE, f.CVSS})
	}
	if _, err = tx.CopyFrom(ctx, pgx.Identifier{"findings"}, findingColumns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("copy findings: %w", err)
	}
	return nil
}

func (db *DB) Get(ctx context.Context, id uuid.UUID) (domain.ScanRecord, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT id, target, domain, status, logs, created_at, updated_at
		FROM scans WHERE id = $1
	`, id)
	rec, err := scanRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ScanRecord{}, ports.ErrNotFound
	}
	if err != nil {
		return domain.ScanRecord{}, err
	}
	if err := db.loadFindings(ctx, &rec); err != nil {
		return domain.ScanRecord{}, err
	}
	return rec, nil
}

// List returns up to limit scans, newest first.
func (db *DB) List(ctx context.Context, limit int) ([]domain.ScanRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Pool.Query(ctx, `
		SELECT id, target, domain, status, logs, created_at, updated_at
		FROM scans ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	var out []domain.ScanRecord
	for rows.Next() {
		rec, err := scanRow(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := db.loadFindings(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func scanRow(row pgx.Row) (domain.ScanRecord, error) {
	var (
		rec    domain.ScanRecord
		status string
		logs   []byte
	)
	if err := row.Scan(&rec.ID, &rec.Target, &rec.Domain, &status, &logs, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return rec, err
	}
	rec.Status = domain.ScanStatus(status)
	if err := json.Unmarshal(logs, &rec.Logs); err != nil {
		return rec, fmt.Errorf("decode logs: %w", err)
	}
	return rec, nil
}

func (db *DB) loadFindings(ctx context.Context, rec *domain.ScanRecord) error {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, scanner, name, severity, url, description, cwe, cvss
		FROM findings WHERE scan_id = $1 ORDER BY position
	`, rec.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	rec.Vulnerabilities = []domain.Finding{}
	for rows.Next() {
		var (
			f        domain.Finding
			severity string
		)
		if err := rows.Scan(&f.ID, &f.Scanner, &f.Name, &severity, &f.URL, &f.Description, &f.CWE, &f.CVSS); err != nil {
			return err
		}
		f.Severity = domain.Severity(severity)
		rec.Vulnerabilities = append(rec.Vulnerabilities, f)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rec.Summary = domain.Summarize(rec.Vulnerabilities)
	return nil
}
