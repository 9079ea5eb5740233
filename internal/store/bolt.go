package store

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var documentsBucket = []byte("documents")

// Bolt stores snapshots in an embedded bbolt file. Values are an 8 byte
// big-endian unix-nano timestamp followed by the snapshot.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens or creates the database file at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open bolt file %s failed", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(documentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create documents bucket failed")
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Load(_ context.Context, documentID string) (*Record, error) {
	var rec *Record
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(documentsBucket).Get([]byte(documentID))
		if v == nil {
			return nil
		}
		if len(v) < 8 {
			return errors.Errorf("record for %s is %d bytes", documentID, len(v))
		}
		rec = &Record{
			UpdatedAt: time.Unix(0, int64(binary.BigEndian.Uint64(v[:8]))),
			State:     append([]byte(nil), v[8:]...),
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "bolt load failed")
	}
	return rec, nil
}

func (b *Bolt) Save(_ context.Context, documentID string, state []byte, updatedAt time.Time) error {
	v := make([]byte, 8+len(state))
	binary.BigEndian.PutUint64(v[:8], uint64(updatedAt.UnixNano()))
	copy(v[8:], state)
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(documentsBucket).Put([]byte(documentID), v)
	})
	return errors.Wrap(err, "bolt save failed")
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
