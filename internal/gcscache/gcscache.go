// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package gcscache provides an httpcache.Cache implementation that stores
// transformed images on Google Cloud Storage.
package gcscache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
)

// time limit for a single storage call
const opTimeout = 10 * time.Second

// objectHandle is the subset of *storage.ObjectHandle used by cache.
type objectHandle interface {
	NewReader(ctx context.Context) (io.ReadCloser, error)
	NewWriter(ctx context.Context) io.WriteCloser
	Delete(ctx context.Context) error
}

// bucketHandle is the subset of *storage.BucketHandle used by cache.
type bucketHandle interface {
	Object(name string) objectHandle
}

type gcsBucket struct {
	*storage.BucketHandle
}

func (b gcsBucket) Object(name string) objectHandle {
	return gcsObject{b.BucketHandle.Object(name)}
}

type gcsObject struct {
	*storage.ObjectHandle
}

func (o gcsObject) NewReader(ctx context.Context) (io.ReadCloser, error) {
	return o.ObjectHandle.NewReader(ctx)
}

func (o gcsObject) NewWriter(ctx context.Context) io.WriteCloser {
	return o.ObjectHandle.NewWriter(ctx)
}

type cache struct {
	bucket bucketHandle
	prefix string
	logger *zap.Logger
}

func (c *cache) Get(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	r, err := c.object(key).NewReader(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrObjectNotExist) {
			c.logger.Warn("error reading from gcs", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	defer r.Close()

	value, err := io.ReadAll(r)
	if err != nil {
		c.logger.Warn("error reading from gcs", zap.String("key", key), zap.Error(err))
		return nil, false
	}

	// an empty object is never a valid image
	if len(value) == 0 {
		return nil, false
	}
	return value, true
}

func (c *cache) Set(key string, value []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	w := c.object(key).NewWriter(ctx)
	if _, err := w.Write(value); err != nil {
		c.logger.Warn("error writing to gcs", zap.String("key", key), zap.Error(err))
	}
	if err := w.Close(); err != nil {
		c.logger.Warn("error closing gcs object writer", zap.String("key", key), zap.Error(err))
	}
}

func (c *cache) Delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := c.object(key).Delete(ctx); err != nil {
		c.logger.Warn("error deleting gcs object", zap.String("key", key), zap.Error(err))
	}
}

func (c *cache) object(key string) objectHandle {
	name := path.Join(c.prefix, keyToFilename(key))
	return c.bucket.Object(name)
}

func keyToFilename(key string) string {
	h := md5.New()
	_, _ = io.WriteString(h, key)
	return hex.EncodeToString(h.Sum(nil))
}

// New constructs a Cache storing files in the specified GCS bucket.  If prefix
// is not empty, objects will be prefixed with that path. Credentials should
// be specified using one of the mechanisms supported for Application Default
// Credentials (see https://cloud.google.com/docs/authentication/production)
func New(bucket, prefix string, logger *zap.Logger) (*cache, error) {
	client, err := storage.NewClient(context.Background())
	if err != nil {
		return nil, err
	}
	c := NewWithBucket(gcsBucket{client.Bucket(bucket)}, prefix)
	if logger != nil {
		c.logger = logger
	}
	return c, nil
}

// NewWithBucket constructs a Cache storing files in bucket.
func NewWithBucket(bucket bucketHandle, prefix string) *cache {
	return &cache{
		bucket: bucket,
		prefix: prefix,
		logger: zap.NewNop(),
	}
}
