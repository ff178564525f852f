package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/syncerr"
)

const docColumns = `path, id, data, version, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanDoc(row scanner) (*remote.Doc, error) {
	var (
		d                remote.Doc
		data             string
		created, updated int64
	)
	if err := row.Scan(&d.Path, &d.ID, &data, &d.Version, &created, &updated); err != nil {
		return nil, err
	}
	d.Data = json.RawMessage(data)
	d.CreateTime = time.UnixMilli(created)
	d.UpdateTime = time.UnixMilli(updated)
	return &d, nil
}

// Get returns the document at path.
func (db *DB) Get(ctx context.Context, path string) (*remote.Doc, error) {
	if !remote.IsDocument(path) {
		return nil, syncerr.Errorf(syncerr.InvalidArgument, "store.get", "invalid document path %q", path)
	}
	d, err := scanDoc(db.conn.QueryRowContext(ctx, `SELECT `+docColumns+` FROM documents WHERE path = ?`, path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, syncerr.Errorf(syncerr.NotFound, "store.get", "%s", path)
	}
	if err != nil {
		return nil, classify("store.get", err)
	}
	return d, nil
}

// Create writes a new document, failing with AlreadyExists when path is taken.
func (db *DB) Create(ctx context.Context, path string, data any) (*remote.Doc, error) {
	var out *remote.Doc
	err := db.write(ctx, "store.create", func(tx *sql.Tx, version int64) ([]string, error) {
		d, coll, err := db.putTx(ctx, tx, path, data, version, true)
		out = d
		return []string{coll}, err
	})
	return out, err
}

// Set writes a document, replacing any existing body.
func (db *DB) Set(ctx context.Context, path string, data any) (*remote.Doc, error) {
	var out *remote.Doc
	err := db.write(ctx, "store.set", func(tx *sql.Tx, version int64) ([]string, error) {
		d, coll, err := db.putTx(ctx, tx, path, data, version, false)
		out = d
		return []string{coll}, err
	})
	return out, err
}

// Add creates a document with a generated id in collection.
func (db *DB) Add(ctx context.Context, collection string, data any) (*remote.Doc, error) {
	if !remote.IsCollection(collection) {
		return nil, syncerr.Errorf(syncerr.InvalidArgument, "store.add", "invalid collection path %q", collection)
	}
	return db.Create(ctx, remote.Join(collection, uuid.NewString()), data)
}

// Update applies field operations to an existing document.
func (db *DB) Update(ctx context.Context, path string, ops ...remote.FieldOp) (*remote.Doc, error) {
	var out *remote.Doc
	err := db.write(ctx, "store.update", func(tx *sql.Tx, version int64) ([]string, error) {
		d, coll, err := db.updateTx(ctx, tx, path, ops, version)
		out = d
		return []string{coll}, err
	})
	return out, err
}

// Delete removes the document at path. Deleting a missing document is not
// an error.
func (db *DB) Delete(ctx context.Context, path string) error {
	return db.write(ctx, "store.delete", func(tx *sql.Tx, _ int64) ([]string, error) {
		coll, err := db.deleteTx(ctx, tx, path)
		return []string{coll}, err
	})
}

func (db *DB) putTx(ctx context.Context, tx *sql.Tx, path string, data any, version int64, create bool) (*remote.Doc, string, error) {
	coll, id, err := remote.Split(path)
	if err != nil {
		return nil, "", syncerr.E(syncerr.InvalidArgument, "store.put", err)
	}
	body, err := encodeBody(data)
	if err != nil {
		return nil, coll, syncerr.E(syncerr.InvalidArgument, "store.put", err)
	}
	now := db.now().UnixMilli()

	q := `INSERT INTO documents (path, collection, id, data, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	if !create {
		q += `
		ON CONFLICT(path) DO UPDATE SET
			data = excluded.data,
			version = excluded.version,
			updated_at = excluded.updated_at`
	}
	q += ` RETURNING ` + docColumns
	d, err := scanDoc(tx.QueryRowContext(ctx, q, path, coll, id, string(body), version, now, now))
	if err != nil {
		return nil, coll, classify("store.put", err)
	}
	return d, coll, nil
}

func (db *DB) updateTx(ctx context.Context, tx *sql.Tx, path string, ops []remote.FieldOp, version int64) (*remote.Doc, string, error) {
	coll, _, err := remote.Split(path)
	if err != nil {
		return nil, "", syncerr.E(syncerr.InvalidArgument, "store.update", err)
	}
	var data string
	err = tx.QueryRowContext(ctx, `SELECT data FROM documents WHERE path = ?`, path).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, coll, syncerr.Errorf(syncerr.NotFound, "store.update", "%s", path)
	}
	if err != nil {
		return nil, coll, err
	}
	body, err := decodeBody([]byte(data))
	if err != nil {
		return nil, coll, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := applyOps(body, ops); err != nil {
		return nil, coll, syncerr.E(syncerr.InvalidArgument, "store.update", err)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, coll, err
	}
	d, err := scanDoc(tx.QueryRowContext(ctx, `
		UPDATE documents SET data = ?, version = ?, updated_at = ?
		WHERE path = ?
		RETURNING `+docColumns, string(raw), version, db.now().UnixMilli(), path))
	if err != nil {
		return nil, coll, err
	}
	return d, coll, nil
}

func (db *DB) deleteTx(ctx context.Context, tx *sql.Tx, path string) (string, error) {
	coll, _, err := remote.Split(path)
	if err != nil {
		return "", syncerr.E(syncerr.InvalidArgument, "store.delete", err)
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM documents WHERE path = ?`, path)
	return coll, err
}
