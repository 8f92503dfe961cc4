// Package archive keeps a permanent record of every product the monitor
// reported, independent of the novelty store's TTL. The snapshot answers
// "have I seen this recently"; the archive answers "what did I report,
// when, and for which query".
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"marketwatch/internal/model"
)

type Archive struct {
	db *sql.DB
}

func Open(path string) (*Archive, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Archive{db: db}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS reported_products (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			listing_id TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL DEFAULT '',
			price INTEGER NOT NULL DEFAULT 0,
			url TEXT NOT NULL DEFAULT '',
			image_url TEXT NOT NULL DEFAULT '',
			query TEXT NOT NULL DEFAULT '',
			reported_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_reported_products_reported ON reported_products(reported_at);`,
		`CREATE INDEX IF NOT EXISTS idx_reported_products_query ON reported_products(query);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (a *Archive) Close() error { return a.db.Close() }

// Record appends p to the archive. Re-recording a listing id is a no-op,
// mirroring the novelty store's idempotent Add.
func (a *Archive) Record(ctx context.Context, p model.Product, query string, reportedAt time.Time) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO reported_products(listing_id, title, price, url, image_url, query, reported_at)
		VALUES(?,?,?,?,?,?,?)
		ON CONFLICT(listing_id) DO NOTHING
	`, p.ID, p.Title, p.Price, p.URL, p.ImageURL, query, reportedAt.UTC())
	return err
}

func (a *Archive) Count(ctx context.Context) (int, error) {
	var n int
	err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reported_products`).Scan(&n)
	return n, err
}

type Entry struct {
	Product    model.Product `json:"product"`
	Query      string        `json:"query"`
	ReportedAt time.Time     `json:"reported_at"`
}

// Recent returns the newest entries, most recent first.
func (a *Archive) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT listing_id, title, price, url, image_url, query, reported_at
		FROM reported_products
		ORDER BY reported_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Product.ID, &e.Product.Title, &e.Product.Price,
			&e.Product.URL, &e.Product.ImageURL, &e.Query, &e.ReportedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
