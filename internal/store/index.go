package store

import (
	"database/sql"
	"fmt"
)

// indexDB is the secondary-index database backing taskstore.db. It stores
// one row per live record, keyed by (collection, id), holding the record's
// full JSON so List/Get can be served without re-reading the append-only
// log. Using modernc.org/sqlite (pure Go) keeps the daemon cgo-free.
type indexDB struct {
	db *sql.DB
}

func openIndexDB(path string) (*indexDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening index db %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single-writer actor owns the store; avoid sqlite lock contention

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS records (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		body BLOB NOT NULL,
		PRIMARY KEY (collection, id)
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: creating index schema: %w", err)
	}

	return &indexDB{db: db}, nil
}

func (d *indexDB) Close() error {
	return d.db.Close()
}

func (d *indexDB) get(coll Collection, id string) ([]byte, bool) {
	var body []byte
	err := d.db.QueryRow(`SELECT body FROM records WHERE collection = ? AND id = ?`, string(coll), id).Scan(&body)
	if err != nil {
		return nil, false
	}
	return body, true
}

func (d *indexDB) put(coll Collection, id string, body []byte) error {
	_, err := d.db.Exec(`INSERT INTO records (collection, id, body) VALUES (?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET body = excluded.body`, string(coll), id, body)
	if err != nil {
		return fmt.Errorf("store: indexing %s/%s: %w", coll, id, err)
	}
	return nil
}

func (d *indexDB) delete(coll Collection, id string) error {
	_, err := d.db.Exec(`DELETE FROM records WHERE collection = ? AND id = ?`, string(coll), id)
	if err != nil {
		return fmt.Errorf("store: deleting index %s/%s: %w", coll, id, err)
	}
	return nil
}

func (d *indexDB) reset(coll Collection) error {
	_, err := d.db.Exec(`DELETE FROM records WHERE collection = ?`, string(coll))
	if err != nil {
		return fmt.Errorf("store: resetting index %s: %w", coll, err)
	}
	return nil
}

func (d *indexDB) all(coll Collection) [][]byte {
	rows, err := d.db.Query(`SELECT body FROM records WHERE collection = ?`, string(coll))
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			continue
		}
		out = append(out, body)
	}
	return out
}

// matching returns the ids of records in coll whose JSON field equals
// value. It is implemented in Go rather than a SQL JSON predicate so it
// works uniformly across every record kind without per-collection schemas.
func (d *indexDB) matching(coll Collection, field, value string) []string {
	rows, err := d.db.Query(`SELECT id, body FROM records WHERE collection = ?`, string(coll))
	if err != nil {
		return nil
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		var body []byte
		if err := rows.Scan(&id, &body); err != nil {
			continue
		}
		if jsonFieldEquals(body, field, value) {
			ids = append(ids, id)
		}
	}
	return ids
}
