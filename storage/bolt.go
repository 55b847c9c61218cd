// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"github.com/grailbio/bigml"
	"github.com/grailbio/bigml/wire"
)

var (
	valueBucket = []byte("values")
	timeBucket  = []byte("mtimes")
)

// Bolt is a Backend backed by a single bolt database file. Every
// operation, including Rename, is a single transaction.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (creating if necessary) the bolt database at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, bigml.E(bigml.Storage, fmt.Sprintf("storage: open bolt database %s", path), err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(valueBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(timeBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, bigml.E(bigml.Storage, fmt.Sprintf("storage: initialize bolt database %s", path), err)
	}
	return &Bolt{db}, nil
}

func (b *Bolt) wrap(op, key string, err error) error {
	if err == nil || bigml.Classify(err) != bigml.Unknown {
		return err
	}
	return bigml.E(bigml.Storage, fmt.Sprintf("storage: bolt %s %s", op, key), err)
}

func (b *Bolt) Get(ctx context.Context, key string) ([]byte, error) {
	var p []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(valueBucket).Get([]byte(key))
		if v == nil {
			return notFound("get", key)
		}
		p = append([]byte{}, v...)
		return nil
	})
	return p, b.wrap("get", key, err)
}

func (b *Bolt) Put(ctx context.Context, key string, p []byte) error {
	if err := checkKey("put", key); err != nil {
		return err
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(valueBucket).Put([]byte(key), p); err != nil {
			return err
		}
		return tx.Bucket(timeBucket).Put([]byte(key), timestamp(time.Now()))
	})
	return b.wrap("put", key, err)
}

func (b *Bolt) Delete(ctx context.Context, key string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		values := tx.Bucket(valueBucket)
		if values.Get([]byte(key)) == nil {
			return notFound("delete", key)
		}
		if err := values.Delete([]byte(key)); err != nil {
			return err
		}
		return tx.Bucket(timeBucket).Delete([]byte(key))
	})
	return b.wrap("delete", key, err)
}

func (b *Bolt) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(valueBucket).Cursor()
		pre := []byte(prefix)
		for k, _ := c.Seek(pre); k != nil && bytes.HasPrefix(k, pre); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, b.wrap("list", prefix, err)
}

func (b *Bolt) Rename(ctx context.Context, from, to string) error {
	if err := checkKey("rename", to); err != nil {
		return err
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		values, times := tx.Bucket(valueBucket), tx.Bucket(timeBucket)
		v := values.Get([]byte(from))
		if v == nil {
			return notFound("rename", from)
		}
		v = append([]byte{}, v...)
		t := append([]byte{}, times.Get([]byte(from))...)
		if err := values.Put([]byte(to), v); err != nil {
			return err
		}
		if err := times.Put([]byte(to), t); err != nil {
			return err
		}
		if err := values.Delete([]byte(from)); err != nil {
			return err
		}
		return times.Delete([]byte(from))
	})
	return b.wrap("rename", from, err)
}

func (b *Bolt) Stat(ctx context.Context, key string) (Info, error) {
	var info Info
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(valueBucket).Get([]byte(key))
		if v == nil {
			return notFound("stat", key)
		}
		info.Size = int64(len(v))
		if t := tx.Bucket(timeBucket).Get([]byte(key)); len(t) == 8 {
			info.ModTime = time.Unix(0, int64(wire.Order.Uint64(t)))
		}
		return nil
	})
	return info, b.wrap("stat", key, err)
}

// Close closes the database.
func (b *Bolt) Close() error {
	return b.db.Close()
}

func timestamp(t time.Time) []byte {
	var p [8]byte
	wire.Order.PutUint64(p[:], uint64(t.UnixNano()))
	return p[:]
}
