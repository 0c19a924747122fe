// Package sqlite implements store.Store on SQLite through database/sql and the
// pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/unkn0wn-root/wbcache/codec"
	"github.com/unkn0wn-root/wbcache/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	key     TEXT PRIMARY KEY,
	value   BLOB NOT NULL,
	version INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS seq (
	scope TEXT PRIMARY KEY,
	last  INTEGER NOT NULL
);`

type Config struct {
	// DSN is passed to the modernc driver, e.g. "file:wb.db?_pragma=busy_timeout(5000)".
	DSN string
}

type Store[V any] struct {
	db    *sql.DB
	codec codec.Codec[V]
}

var _ store.Store[struct{}] = (*Store[struct{}])(nil)

func Open[V any](ctx context.Context, cfg Config, c codec.Codec[V]) (*Store[V], error) {
	if cfg.DSN == "" {
		return nil, errors.New("sqlite store: dsn is required")
	}
	if c == nil {
		return nil, errors.New("sqlite store: codec is required")
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	// single writer; SQLite serializes writes anyway
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: schema: %w", err)
	}
	return &Store[V]{db: db, codec: c}, nil
}

// classify maps driver failures that are safe to retry onto store.ErrTimeout.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", store.ErrTimeout, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return fmt.Errorf("%w: %v", store.ErrTimeout, err)
	}
	return err
}

func (s *Store[V]) Get(ctx context.Context, k store.Key) (V, error) {
	var zero V
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM entities WHERE key = ?`, k.Encode()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, store.ErrNotFound
	}
	if err != nil {
		return zero, classify(err)
	}
	return s.codec.Decode(raw)
}

func (s *Store[V]) GetMulti(ctx context.Context, ks []store.Key) (map[store.Key]V, error) {
	out := make(map[store.Key]V, len(ks))
	if len(ks) == 0 {
		return out, nil
	}
	byEnc := make(map[string]store.Key, len(ks))
	args := make([]any, 0, len(ks))
	for _, k := range ks {
		enc := k.Encode()
		if _, dup := byEnc[enc]; dup {
			continue
		}
		byEnc[enc] = k
		args = append(args, enc)
	}
	q := `SELECT key, value FROM entities WHERE key IN (?` + strings.Repeat(",?", len(args)-1) + `)`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		var enc string
		var raw []byte
		if err := rows.Scan(&enc, &raw); err != nil {
			return nil, classify(err)
		}
		v, err := s.codec.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: decode %s: %w", enc, err)
		}
		out[byEnc[enc]] = v
	}
	return out, classify(rows.Err())
}

func (s *Store[V]) Put(ctx context.Context, e store.Entity[V]) (store.Key, error) {
	ks, err := s.PutMulti(ctx, []store.Entity[V]{e})
	if err != nil {
		return store.Key{}, err
	}
	return ks[0], nil
}

func (s *Store[V]) PutMulti(ctx context.Context, es []store.Entity[V]) (keys []store.Key, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	keys = make([]store.Key, len(es))
	for i, e := range es {
		k := e.Key
		if k.Incomplete() {
			r, err := allocate(ctx, tx, k.Parent, k.Kind, 1)
			if err != nil {
				return nil, err
			}
			k.ID = r.Start
		}
		b, err := s.codec.Encode(e.Value)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: encode %s: %w", k, err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO entities (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, version = entities.version + 1`, k.Encode(), b)
		if err != nil {
			return nil, classify(err)
		}
		keys[i] = k
	}
	if err = tx.Commit(); err != nil {
		return nil, classify(err)
	}
	return keys, nil
}

func (s *Store[V]) Delete(ctx context.Context, k store.Key) error {
	return s.DeleteMulti(ctx, []store.Key{k})
}

func (s *Store[V]) DeleteMulti(ctx context.Context, ks []store.Key) error {
	if len(ks) == 0 {
		return nil
	}
	args := make([]any, len(ks))
	for i, k := range ks {
		args[i] = k.Encode()
	}
	q := `DELETE FROM entities WHERE key IN (?` + strings.Repeat(",?", len(ks)-1) + `)`
	_, err := s.db.ExecContext(ctx, q, args...)
	return classify(err)
}

func (s *Store[V]) AllocateIDs(ctx context.Context, parent, kind string, n int) (store.IDRange, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.IDRange{}, classify(err)
	}
	r, err := allocate(ctx, tx, parent, kind, n)
	if err != nil {
		_ = tx.Rollback()
		return store.IDRange{}, err
	}
	return r, classify(tx.Commit())
}

func allocate(ctx context.Context, tx *sql.Tx, parent, kind string, n int) (store.IDRange, error) {
	if n <= 0 {
		return store.IDRange{}, errors.New("sqlite store: id count must be positive")
	}
	var last int64
	err := tx.QueryRowContext(ctx, `INSERT INTO seq (scope, last) VALUES (?, ?)
ON CONFLICT(scope) DO UPDATE SET last = seq.last + excluded.last
RETURNING last`, parent+"\x00"+kind, n).Scan(&last)
	if err != nil {
		return store.IDRange{}, classify(err)
	}
	return store.IDRange{Start: last - int64(n) + 1, End: last}, nil
}

func (s *Store[V]) Close(context.Context) error {
	return s.db.Close()
}
