// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package storage

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/bigml"
	"github.com/spaolacci/murmur3"
)

var s3once sync.Once

func registerS3() {
	s3once.Do(func() {
		file.RegisterImplementation("s3", func() file.Implementation {
			return s3file.NewImplementation(
				s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
		})
	})
}

// File is a Backend that stores values as files through
// github.com/grailbio/base/file, so that a store may reside in a
// local directory or under an S3 prefix. Values are spread over 256
// subdirectories by the murmur3 hash of their key; a value with key
// k is stored at "{Prefix}/{hash(k)}/{k}".
type File struct {
	Prefix string
}

func (f *File) local() bool {
	return !strings.Contains(f.Prefix, "://")
}

func (f *File) path(key string) string {
	h := murmur3.Sum32([]byte(key))
	return file.Join(f.Prefix, fmt.Sprintf("%02x", h&0xff), key)
}

// key recovers the key from a path returned by file.List.
func (f *File) key(path string) (string, bool) {
	rel := strings.TrimPrefix(path, f.Prefix)
	rel = strings.TrimPrefix(rel, "/")
	i := strings.Index(rel, "/")
	if i != 2 {
		return "", false
	}
	key := rel[i+1:]
	return key, f.path(key) == file.Join(f.Prefix, rel)
}

func (f *File) wrap(op, key string, err error) error {
	if errors.Is(errors.NotExist, err) || os.IsNotExist(err) {
		return notFound(op, key)
	}
	return bigml.E(bigml.Storage, fmt.Sprintf("storage: %s %s", op, key), err)
}

func (f *File) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := file.Open(ctx, f.path(key))
	if err != nil {
		return nil, f.wrap("get", key, err)
	}
	p, err := ioutil.ReadAll(r.Reader(ctx))
	if cerr := r.Close(ctx); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, f.wrap("get", key, err)
	}
	return p, nil
}

// Put writes the value through file.Create, whose files become
// visible only once closed.
func (f *File) Put(ctx context.Context, key string, p []byte) error {
	if err := checkKey("put", key); err != nil {
		return err
	}
	path := f.path(key)
	if f.local() {
		if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
			return f.wrap("put", key, err)
		}
	}
	w, err := file.Create(ctx, path)
	if err != nil {
		return f.wrap("put", key, err)
	}
	if _, err := w.Writer(ctx).Write(p); err != nil {
		w.Discard(ctx)
		return f.wrap("put", key, err)
	}
	if err := w.Close(ctx); err != nil {
		return f.wrap("put", key, err)
	}
	return nil
}

func (f *File) Delete(ctx context.Context, key string) error {
	if err := file.Remove(ctx, f.path(key)); err != nil {
		return f.wrap("delete", key, err)
	}
	return nil
}

func (f *File) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	if f.local() {
		err := filepath.Walk(f.Prefix, func(path string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() {
				return err
			}
			if key, ok := f.key(path); ok && strings.HasPrefix(key, prefix) {
				keys = append(keys, key)
			}
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			return nil, f.wrap("list", prefix, err)
		}
		sort.Strings(keys)
		return keys, nil
	}
	lst := file.List(ctx, f.Prefix, true)
	for lst.Scan() {
		key, ok := f.key(lst.Path())
		if ok && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	if err := lst.Err(); err != nil {
		return nil, f.wrap("list", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Rename renames local files in place; other files are copied and
// the source removed.
func (f *File) Rename(ctx context.Context, from, to string) error {
	if err := checkKey("rename", to); err != nil {
		return err
	}
	if f.local() {
		dst := f.path(to)
		if err := os.MkdirAll(filepath.Dir(dst), 0777); err != nil {
			return f.wrap("rename", to, err)
		}
		if err := os.Rename(f.path(from), dst); err != nil {
			return f.wrap("rename", from, err)
		}
		return nil
	}
	p, err := f.Get(ctx, from)
	if err != nil {
		return err
	}
	if err := f.Put(ctx, to, p); err != nil {
		return err
	}
	return f.Delete(ctx, from)
}

func (f *File) Stat(ctx context.Context, key string) (Info, error) {
	info, err := file.Stat(ctx, f.path(key))
	if err != nil {
		return Info{}, f.wrap("stat", key, err)
	}
	return Info{Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (f *File) Close() error { return nil }
