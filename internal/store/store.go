package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite3 driver

	"media-thumbnailer/internal/logging"
	"media-thumbnailer/internal/metrics"
)

// Categories a thumbnail record can be stored under. Folder thumbnails are
// kept separate from file thumbnails because the same path key can appear
// as both (a directory and a file of the same name in different scopes) and
// because folder records are rebuilt on different cadences.
const (
	CategoryFile   = "file"
	CategoryFolder = "folder"
)

// ErrNotFound is returned when no record exists for a key/category pair.
var ErrNotFound = errors.New("store: thumbnail not found")

// Default timeout for store operations
const defaultTimeout = 5 * time.Second

// Item is one thumbnail record bound for the store.
type Item struct {
	Key      string
	Category string
	Size     int64
	GHash    int64
	Blob     []byte
}

// Store manages the thumbnail database.
type Store struct {
	db     *sql.DB
	dbPath string
}

// New opens (creating if necessary) the thumbnail database at dbPath. The
// parent directory must exist and be writable.
func New(ctx context.Context, dbPath string) (*Store, error) {
	// WAL keeps the flush thread's batch writes from blocking reads on the
	// lookup path; busy_timeout avoids "database is locked" under load.
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000&_temp_store=MEMORY&_busy_timeout=5000", dbPath)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open thumbnail database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close database after ping failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to connect to thumbnail database: %w", err)
	}

	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initialize(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close database after schema failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize thumbnail schema: %w", err)
	}

	logging.Info("Thumbnail store initialized at %s", dbPath)
	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS thumbnails (
		path_key TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT 'file',
		size INTEGER NOT NULL DEFAULT 0,
		ghash INTEGER NOT NULL DEFAULT 0,
		blob BLOB NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		accessed_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		PRIMARY KEY (path_key, category)
	);

	CREATE INDEX IF NOT EXISTS idx_thumbnails_category ON thumbnails(category);
	CREATE INDEX IF NOT EXISTS idx_thumbnails_accessed ON thumbnails(accessed_at);

	CREATE TABLE IF NOT EXISTS failed_thumbnails (
		path_key TEXT PRIMARY KEY,
		reason TEXT,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
	);
	`

	initCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(initCtx, schema); err != nil {
		return err
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// observe must run in a deferred closure so it reads the named err return
// after the body assigns it.
func observe(op string, start time.Time, err error) {
	status := "ok"
	if err != nil && !errors.Is(err, ErrNotFound) {
		status = "error"
	}
	metrics.StoreQueries.WithLabelValues(op, status).Inc()
	metrics.StoreQueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Load returns the thumbnail bytes for key under category, or ErrNotFound.
func (s *Store) Load(ctx context.Context, key, category string) (blob []byte, err error) {
	start := time.Now()
	defer func() { observe("load", start, err) }()

	qCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	row := s.db.QueryRowContext(qCtx,
		`SELECT blob FROM thumbnails WHERE path_key = ? AND category = ?`, key, category)
	if err = row.Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load thumbnail %q: %w", key, err)
	}
	return blob, nil
}

// LoadChecked returns the thumbnail bytes for key in any category, but only
// when the stored fingerprint matches ghash. A mismatch means the source
// changed since the thumbnail was made and reads as a miss.
func (s *Store) LoadChecked(ctx context.Context, key string, ghash int64) (blob []byte, err error) {
	start := time.Now()
	defer func() { observe("load_checked", start, err) }()

	qCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	row := s.db.QueryRowContext(qCtx,
		`SELECT blob FROM thumbnails WHERE path_key = ? AND ghash = ? LIMIT 1`, key, ghash)
	if err = row.Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load thumbnail %q: %w", key, err)
	}
	return blob, nil
}

// Save writes a single thumbnail record, replacing any previous one.
func (s *Store) Save(ctx context.Context, item Item) (err error) {
	start := time.Now()
	defer func() { observe("save", start, err) }()

	qCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = s.db.ExecContext(qCtx, `
		INSERT INTO thumbnails (path_key, category, size, ghash, blob, created_at, accessed_at)
		VALUES (?, ?, ?, ?, ?, strftime('%s', 'now'), strftime('%s', 'now'))
		ON CONFLICT(path_key, category) DO UPDATE SET
			size = excluded.size,
			ghash = excluded.ghash,
			blob = excluded.blob,
			created_at = excluded.created_at,
			accessed_at = excluded.accessed_at`,
		item.Key, item.Category, item.Size, item.GHash, item.Blob)
	if err != nil {
		return fmt.Errorf("failed to save thumbnail %q: %w", item.Key, err)
	}
	return nil
}

// SaveBatch writes all items in one transaction.
func (s *Store) SaveBatch(ctx context.Context, items []Item) (err error) {
	start := time.Now()
	defer func() { observe("save_batch", start, err) }()

	if len(items) == 0 {
		return nil
	}

	qCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(qCtx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch save: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				logging.Error("batch save rollback failed: %v", rbErr)
			}
		}
	}()

	stmt, err := tx.PrepareContext(qCtx, `
		INSERT INTO thumbnails (path_key, category, size, ghash, blob, created_at, accessed_at)
		VALUES (?, ?, ?, ?, ?, strftime('%s', 'now'), strftime('%s', 'now'))
		ON CONFLICT(path_key, category) DO UPDATE SET
			size = excluded.size,
			ghash = excluded.ghash,
			blob = excluded.blob,
			created_at = excluded.created_at,
			accessed_at = excluded.accessed_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch save: %w", err)
	}
	defer stmt.Close()

	for _, item := range items {
		if _, err = stmt.ExecContext(qCtx, item.Key, item.Category, item.Size, item.GHash, item.Blob); err != nil {
			return fmt.Errorf("failed to save thumbnail %q in batch: %w", item.Key, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch save: %w", err)
	}
	return nil
}

// ListKeys returns every path key stored under category.
func (s *Store) ListKeys(ctx context.Context, category string) (keys []string, err error) {
	start := time.Now()
	defer func() { observe("list_keys", start, err) }()

	qCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(qCtx,
		`SELECT path_key FROM thumbnails WHERE category = ?`, category)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s keys: %w", category, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err = rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate keys: %w", err)
	}
	return keys, nil
}

// ListFailedKeys returns every path key recorded as permanently failed.
func (s *Store) ListFailedKeys(ctx context.Context) (keys []string, err error) {
	start := time.Now()
	defer func() { observe("list_failed", start, err) }()

	qCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(qCtx, `SELECT path_key FROM failed_thumbnails`)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err = rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan failed key: %w", err)
		}
		keys = append(keys, key)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate failed keys: %w", err)
	}
	return keys, nil
}

// MarkFailed records key as permanently failed with a short reason.
func (s *Store) MarkFailed(ctx context.Context, key, reason string) (err error) {
	start := time.Now()
	defer func() { observe("mark_failed", start, err) }()

	qCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = s.db.ExecContext(qCtx, `
		INSERT INTO failed_thumbnails (path_key, reason) VALUES (?, ?)
		ON CONFLICT(path_key) DO UPDATE SET reason = excluded.reason`,
		key, reason)
	if err != nil {
		return fmt.Errorf("failed to mark %q failed: %w", key, err)
	}
	return nil
}

// UpdateAccessTime bumps accessed_at for all records of key.
func (s *Store) UpdateAccessTime(ctx context.Context, key string) (err error) {
	start := time.Now()
	defer func() { observe("touch", start, err) }()

	qCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = s.db.ExecContext(qCtx,
		`UPDATE thumbnails SET accessed_at = strftime('%s', 'now') WHERE path_key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to touch %q: %w", key, err)
	}
	return nil
}

// Delete removes all records of key, including any failure record.
func (s *Store) Delete(ctx context.Context, key string) (err error) {
	start := time.Now()
	defer func() { observe("delete", start, err) }()

	qCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if _, err = s.db.ExecContext(qCtx, `DELETE FROM thumbnails WHERE path_key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete thumbnail %q: %w", key, err)
	}
	if _, err = s.db.ExecContext(qCtx, `DELETE FROM failed_thumbnails WHERE path_key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete failure record %q: %w", key, err)
	}
	return nil
}

// FindEarliestChildThumbnail returns the oldest stored file thumbnail whose
// key lies under folderPrefix, used to derive a folder cover without
// touching the filesystem.
func (s *Store) FindEarliestChildThumbnail(ctx context.Context, folderPrefix string) (key string, blob []byte, err error) {
	start := time.Now()
	defer func() { observe("find_child", start, err) }()

	qCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	row := s.db.QueryRowContext(qCtx, `
		SELECT path_key, blob FROM thumbnails
		WHERE category = ? AND path_key LIKE ? || '%' AND path_key != ?
		ORDER BY created_at ASC LIMIT 1`,
		CategoryFile, folderPrefix, folderPrefix)
	if err = row.Scan(&key, &blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil, ErrNotFound
		}
		return "", nil, fmt.Errorf("failed to find child thumbnail under %q: %w", folderPrefix, err)
	}
	return key, blob, nil
}
