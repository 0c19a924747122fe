// Package bolt implements store.Store on an embedded bbolt database.
//
// Entities live in one bucket keyed by their encoded store.Key; values are
// encoded with the configured codec. ID allocation keeps one sequence per
// (parent, kind) scope in a second bucket.
package bolt

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/unkn0wn-root/wbcache/codec"
	"github.com/unkn0wn-root/wbcache/store"
)

var (
	entitiesBucket = []byte("entities")
	seqBucket      = []byte("seq")
)

type Config struct {
	Path string
	// OpenTimeout bounds waiting for the file lock; 0 => 1s.
	OpenTimeout time.Duration
}

type Store[V any] struct {
	db    *bolt.DB
	codec codec.Codec[V]
}

var _ store.Store[struct{}] = (*Store[struct{}])(nil)

func Open[V any](cfg Config, c codec.Codec[V]) (*Store[V], error) {
	if cfg.Path == "" {
		return nil, errors.New("bolt store: path is required")
	}
	if c == nil {
		return nil, errors.New("bolt store: codec is required")
	}
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, fmt.Errorf("bolt store: open %s: %w", cfg.Path, store.ErrTimeout)
		}
		return nil, fmt.Errorf("bolt store: open %s: %w", cfg.Path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(entitiesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(seqBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt store: ensure buckets: %w", err)
	}
	return &Store[V]{db: db, codec: c}, nil
}

// ctxErr maps an expired deadline to the retryable store.ErrTimeout.
func ctxErr(ctx context.Context) error {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return store.ErrTimeout
	default:
		return err
	}
}

func (s *Store[V]) Get(ctx context.Context, k store.Key) (V, error) {
	var zero V
	if err := ctxErr(ctx); err != nil {
		return zero, err
	}
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(entitiesBucket).Get([]byte(k.Encode()))
		if b == nil {
			return store.ErrNotFound
		}
		raw = append([]byte(nil), b...)
		return nil
	})
	if err != nil {
		return zero, err
	}
	return s.codec.Decode(raw)
}

func (s *Store[V]) GetMulti(ctx context.Context, ks []store.Key) (map[store.Key]V, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	raws := make(map[store.Key][]byte, len(ks))
	err := s.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(entitiesBucket)
		for _, k := range ks {
			if b := bk.Get([]byte(k.Encode())); b != nil {
				raws[k] = append([]byte(nil), b...)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make(map[store.Key]V, len(raws))
	for k, raw := range raws {
		v, err := s.codec.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("bolt store: decode %s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func (s *Store[V]) Put(ctx context.Context, e store.Entity[V]) (store.Key, error) {
	ks, err := s.PutMulti(ctx, []store.Entity[V]{e})
	if err != nil {
		return store.Key{}, err
	}
	return ks[0], nil
}

func (s *Store[V]) PutMulti(ctx context.Context, es []store.Entity[V]) ([]store.Key, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	payloads := make([][]byte, len(es))
	for i, e := range es {
		b, err := s.codec.Encode(e.Value)
		if err != nil {
			return nil, fmt.Errorf("bolt store: encode %s: %w", e.Key, err)
		}
		payloads[i] = b
	}
	keys := make([]store.Key, len(es))
	err := s.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(entitiesBucket)
		for i, e := range es {
			k := e.Key
			if k.Incomplete() {
				r, err := allocate(tx, k.Parent, k.Kind, 1)
				if err != nil {
					return err
				}
				k.ID = r.Start
			}
			if err := bk.Put([]byte(k.Encode()), payloads[i]); err != nil {
				return err
			}
			keys[i] = k
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *Store[V]) Delete(ctx context.Context, k store.Key) error {
	return s.DeleteMulti(ctx, []store.Key{k})
}

func (s *Store[V]) DeleteMulti(ctx context.Context, ks []store.Key) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(entitiesBucket)
		for _, k := range ks {
			if err := bk.Delete([]byte(k.Encode())); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store[V]) AllocateIDs(ctx context.Context, parent, kind string, n int) (store.IDRange, error) {
	if err := ctxErr(ctx); err != nil {
		return store.IDRange{}, err
	}
	var r store.IDRange
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		r, err = allocate(tx, parent, kind, n)
		return err
	})
	return r, err
}

func allocate(tx *bolt.Tx, parent, kind string, n int) (store.IDRange, error) {
	if n <= 0 {
		return store.IDRange{}, errors.New("bolt store: id count must be positive")
	}
	bk := tx.Bucket(seqBucket)
	scope := []byte(parent + "\x00" + kind)
	var last uint64
	if b := bk.Get(scope); len(b) == 8 {
		last = binary.BigEndian.Uint64(b)
	}
	var next [8]byte
	binary.BigEndian.PutUint64(next[:], last+uint64(n))
	if err := bk.Put(scope, next[:]); err != nil {
		return store.IDRange{}, err
	}
	return store.IDRange{Start: int64(last) + 1, End: int64(last) + int64(n)}, nil
}

func (s *Store[V]) Close(context.Context) error {
	return s.db.Close()
}
