package store

import (
	"context"
	"fmt"
	"time"
)

// Stats summarizes the durable tier.
type Stats struct {
	Count       int64 `json:"count"`
	FolderCount int64 `json:"folderCount"`
	Bytes       int64 `json:"bytes"`
	FailedCount int64 `json:"failedCount"`
}

// Stats returns record and byte counts for the store.
func (s *Store) Stats(ctx context.Context) (stats Stats, err error) {
	start := time.Now()
	defer func() { observe("stats", start, err) }()

	qCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	row := s.db.QueryRowContext(qCtx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN category = ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(LENGTH(blob)), 0)
		FROM thumbnails`, CategoryFolder)
	if err = row.Scan(&stats.Count, &stats.FolderCount, &stats.Bytes); err != nil {
		return Stats{}, fmt.Errorf("failed to read store stats: %w", err)
	}

	row = s.db.QueryRowContext(qCtx, `SELECT COUNT(*) FROM failed_thumbnails`)
	if err = row.Scan(&stats.FailedCount); err != nil {
		return Stats{}, fmt.Errorf("failed to read failure stats: %w", err)
	}
	return stats, nil
}

// CleanupExpired deletes records whose last access is older than maxAge.
// Folder records can be excluded because they are cheap to keep and
// expensive to rebuild.
func (s *Store) CleanupExpired(ctx context.Context, maxAge time.Duration, excludeFolders bool) (removed int64, err error) {
	start := time.Now()
	defer func() { observe("cleanup_expired", start, err) }()

	qCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-maxAge).Unix()
	query := `DELETE FROM thumbnails WHERE accessed_at < ?`
	args := []interface{}{cutoff}
	if excludeFolders {
		query += ` AND category != ?`
		args = append(args, CategoryFolder)
	}

	res, err := s.db.ExecContext(qCtx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up expired thumbnails: %w", err)
	}
	removed, err = res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count expired cleanup: %w", err)
	}
	return removed, nil
}

// ClearFailed drops every failure record and returns how many were removed.
func (s *Store) ClearFailed(ctx context.Context) (removed int64, err error) {
	start := time.Now()
	defer func() { observe("clear_failed", start, err) }()

	qCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	res, err := s.db.ExecContext(qCtx, `DELETE FROM failed_thumbnails`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear failure records: %w", err)
	}
	removed, err = res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleared failures: %w", err)
	}
	return removed, nil
}

// Vacuum compacts the database file.
func (s *Store) Vacuum(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { observe("vacuum", start, err) }()

	qCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	if _, err = s.db.ExecContext(qCtx, `VACUUM`); err != nil {
		return fmt.Errorf("failed to vacuum thumbnail database: %w", err)
	}
	return nil
}
