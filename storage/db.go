package storage

import (
	"context"
	"database/sql"
	"fmt"

	"citydata-scraper/pkg/forum"

	_ "github.com/mattn/go-sqlite3"
)

// DB is a queryable SQLite export of the extracted records.
type DB struct {
	db *sql.DB
}

// Open opens or creates a SQLite database
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	d := &DB{db: db}
	if err := d.initSchema(); err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return d, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS posts (
		id INTEGER PRIMARY KEY,
		page INTEGER NOT NULL,
		position INTEGER NOT NULL,
		username TEXT NOT NULL,
		location TEXT,
		posts INTEGER NOT NULL,
		read_count INTEGER NOT NULL,
		reputation INTEGER NOT NULL,
		body TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS quotes (
		post_id INTEGER NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		quotee TEXT NOT NULL,
		PRIMARY KEY (post_id, position)
	);

	CREATE INDEX IF NOT EXISTS idx_posts_username ON posts(username);
	CREATE INDEX IF NOT EXISTS idx_quotes_quotee ON quotes(quotee);
	`

	_, err := d.db.Exec(schema)
	return err
}

// ReplaceAll replaces the stored records with records, in one transaction.
// Records keep their order through the position column.
func (d *DB) ReplaceAll(ctx context.Context, records []*forum.PostRecord) (err error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback() //nolint:errcheck // original error is more useful
		}
	}()

	if _, err = tx.ExecContext(ctx, "DELETE FROM quotes"); err != nil {
		return fmt.Errorf("clear quotes: %w", err)
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM posts"); err != nil {
		return fmt.Errorf("clear posts: %w", err)
	}

	postStmt, err := tx.PrepareContext(ctx, `
	INSERT INTO posts (page, position, username, location, posts, read_count, reputation, body)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare post insert: %w", err)
	}
	defer postStmt.Close()

	quoteStmt, err := tx.PrepareContext(ctx, "INSERT INTO quotes (post_id, position, quotee) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare quote insert: %w", err)
	}
	defer quoteStmt.Close()

	for i, r := range records {
		res, execErr := postStmt.ExecContext(ctx, r.Page, i, r.Username, r.Location, r.Posts, r.Read, r.Reputation, r.Text)
		if execErr != nil {
			return fmt.Errorf("insert post %d: %w", i, execErr)
		}
		id, idErr := res.LastInsertId()
		if idErr != nil {
			return fmt.Errorf("post %d id: %w", i, idErr)
		}
		for j, q := range r.Quotes {
			if _, err = quoteStmt.ExecContext(ctx, id, j, q); err != nil {
				return fmt.Errorf("insert quote %d of post %d: %w", j, i, err)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Count returns the total number of stored posts
func (d *DB) Count(ctx context.Context) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM posts").Scan(&count)
	return count, err
}

// Records returns the stored records in their original order.
func (d *DB) Records(ctx context.Context) ([]*forum.PostRecord, error) {
	rows, err := d.db.QueryContext(ctx, `
	SELECT id, page, username, location, posts, read_count, reputation, body
	FROM posts
	ORDER BY position
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := map[int64]*forum.PostRecord{}
	var records []*forum.PostRecord
	for rows.Next() {
		var id int64
		var location sql.NullString
		r := &forum.PostRecord{Quotes: []string{}}
		if err := rows.Scan(&id, &r.Page, &r.Username, &location, &r.Posts, &r.Read, &r.Reputation, &r.Text); err != nil {
			return nil, err
		}
		if location.Valid {
			r.Location = &location.String
		}
		byID[id] = r
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	qrows, err := d.db.QueryContext(ctx, "SELECT post_id, quotee FROM quotes ORDER BY post_id, position")
	if err != nil {
		return nil, err
	}
	defer qrows.Close()

	for qrows.Next() {
		var id int64
		var quotee string
		if err := qrows.Scan(&id, &quotee); err != nil {
			return nil, err
		}
		if r, ok := byID[id]; ok {
			r.Quotes = append(r.Quotes, quotee)
		}
	}

	return records, qrows.Err()
}

// QuotedBy returns the distinct usernames that quoted username, sorted.
func (d *DB) QuotedBy(ctx context.Context, username string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `
	SELECT DISTINCT p.username
	FROM quotes q
	JOIN posts p ON p.id = q.post_id
	WHERE q.quotee = ?
	ORDER BY p.username
	`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}

	return names, rows.Err()
}
