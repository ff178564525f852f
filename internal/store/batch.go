package store

import (
	"context"
	"database/sql"

	"github.com/matheus3301/chatsync/internal/remote"
)

type batchOp func(ctx context.Context, tx *sql.Tx, version int64) (string, error)

type batch struct {
	db  *DB
	ops []batchOp
}

// Batch starts an atomic group of writes. Nothing is written until Commit.
func (db *DB) Batch() remote.Batch { return &batch{db: db} }

func (b *batch) Create(path string, data any) remote.Batch {
	b.ops = append(b.ops, func(ctx context.Context, tx *sql.Tx, v int64) (string, error) {
		_, coll, err := b.db.putTx(ctx, tx, path, data, v, true)
		return coll, err
	})
	return b
}

func (b *batch) Set(path string, data any) remote.Batch {
	b.ops = append(b.ops, func(ctx context.Context, tx *sql.Tx, v int64) (string, error) {
		_, coll, err := b.db.putTx(ctx, tx, path, data, v, false)
		return coll, err
	})
	return b
}

func (b *batch) Update(path string, ops ...remote.FieldOp) remote.Batch {
	b.ops = append(b.ops, func(ctx context.Context, tx *sql.Tx, v int64) (string, error) {
		_, coll, err := b.db.updateTx(ctx, tx, path, ops, v)
		return coll, err
	})
	return b
}

func (b *batch) Delete(path string) remote.Batch {
	b.ops = append(b.ops, func(ctx context.Context, tx *sql.Tx, _ int64) (string, error) {
		return b.db.deleteTx(ctx, tx, path)
	})
	return b
}

// Commit applies every queued write in one transaction. Either all of them
// land or none do. A batch may be committed again, which replays its writes.
func (b *batch) Commit(ctx context.Context) error {
	return b.db.write(ctx, "store.batch", func(tx *sql.Tx, version int64) ([]string, error) {
		collections := make([]string, 0, len(b.ops))
		for _, op := range b.ops {
			coll, err := op(ctx, tx, version)
			if err != nil {
				return nil, err
			}
			collections = append(collections, coll)
		}
		return collections, nil
	})
}
