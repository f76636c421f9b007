// Package storage keeps the local library: favorites, history and
// downloads, in a sqlite file.
package storage

import (
	"context"
	"database/sql"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"galleryindex/pkg/common"
)

type Kind string

const (
	KindFavorite Kind = "favorite"
	KindHistory  Kind = "history"
	KindDownload Kind = "download"
)

var Kinds = []Kind{KindFavorite, KindHistory, KindDownload}

func (k Kind) Valid() bool {
	switch k {
	case KindFavorite, KindHistory, KindDownload:
		return true
	}
	return false
}

// Item is one library entry. Source names the site the item came from.
type Item struct {
	Kind      Kind      `json:"kind"`
	Source    string    `json:"source"`
	ItemID    int64     `json:"item_id"`
	CreatedAt time.Time `json:"created_at"`
}

type Library struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenLibrary opens (or creates) the sqlite file at path.
func OpenLibrary(path string) (*Library, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "library: create dir")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "library: open")
	}

	query := `
	CREATE TABLE IF NOT EXISTS library (
		kind       TEXT    NOT NULL,
		source     TEXT    NOT NULL,
		item_id    INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (kind, source, item_id)
	);
	CREATE INDEX IF NOT EXISTS library_recent ON library (kind, created_at);`
	if _, err := db.Exec(query); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "library: init table")
	}

	_, err = db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
	`)
	if err != nil {
		log.Printf("[Library] Warning: failed to set PRAGMA: %v", err)
	}

	return &Library{db: db}, nil
}

// Insert adds it, or moves an existing entry to the front by refreshing
// its timestamp. A zero CreatedAt means now.
func (l *Library) Insert(ctx context.Context, it Item) error {
	return l.BatchInsert(ctx, []Item{it})
}

func (l *Library) BatchInsert(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	for _, it := range items {
		if !it.Kind.Valid() {
			return errors.Errorf("library: unknown kind %q", it.Kind)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT OR REPLACE INTO library (kind, source, item_id, created_at) VALUES (?, ?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for _, it := range items {
		ts := it.CreatedAt
		if ts.IsZero() {
			ts = now
		}
		if _, err := stmt.ExecContext(ctx, string(it.Kind), it.Source, it.ItemID, ts.UnixMilli()); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// Delete removes one entry. A missing entry is common.ErrNotFound.
func (l *Library) Delete(ctx context.Context, kind Kind, source string, itemID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, err := l.db.ExecContext(ctx, "DELETE FROM library WHERE kind = ? AND source = ? AND item_id = ?", string(kind), source, itemID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(common.ErrNotFound, "%s %s/%d", kind, source, itemID)
	}
	return nil
}

// QueryBySource lists entries of kind, newest first. An empty source
// matches every source; limit <= 0 means no limit.
func (l *Library) QueryBySource(ctx context.Context, kind Kind, source string, limit int) ([]Item, error) {
	query := "SELECT kind, source, item_id, created_at FROM library WHERE kind = ?"
	args := []interface{}{string(kind)}
	if source != "" {
		query += " AND source = ?"
		args = append(args, source)
	}
	query += " ORDER BY created_at DESC, item_id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		var k string
		var ts int64
		if err := rows.Scan(&k, &it.Source, &it.ItemID, &ts); err != nil {
			return nil, err
		}
		it.Kind = Kind(k)
		it.CreatedAt = time.UnixMilli(ts)
		items = append(items, it)
	}
	return items, rows.Err()
}

func (l *Library) Count(ctx context.Context, kind Kind) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM library WHERE kind = ?", string(kind)).Scan(&n)
	return n, err
}

// Counts reports the size of each kind, as sent in LIST_RESPONSE.
func (l *Library) Counts(ctx context.Context) (favorites, history, downloads int64, err error) {
	rows, err := l.db.QueryContext(ctx, "SELECT kind, COUNT(*) FROM library GROUP BY kind")
	if err != nil {
		return 0, 0, 0, err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int64
		if err := rows.Scan(&k, &n); err != nil {
			return 0, 0, 0, err
		}
		switch Kind(k) {
		case KindFavorite:
			favorites = n
		case KindHistory:
			history = n
		case KindDownload:
			downloads = n
		}
	}
	return favorites, history, downloads, rows.Err()
}

// Truncate empties one kind.
func (l *Library) Truncate(ctx context.Context, kind Kind) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.ExecContext(ctx, "DELETE FROM library WHERE kind = ?", string(kind))
	return err
}

func (l *Library) Close() error {
	return l.db.Close()
}
