// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package s3cache provides an httpcache.Cache implementation that stores
// transformed images on Amazon S3 or an S3 compatible service.
package s3cache

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"go.uber.org/zap"
)

// time limit for a single S3 call
const opTimeout = 10 * time.Second

type cache struct {
	s3iface.S3API
	bucket, prefix string
	logger         *zap.Logger
}

func (c *cache) Get(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	resp, err := c.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(key)),
	})
	if err != nil {
		var aerr awserr.Error
		if !errors.As(err, &aerr) || aerr.Code() != s3.ErrCodeNoSuchKey {
			c.logger.Warn("error fetching from s3", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	defer resp.Body.Close()

	value, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Warn("error reading from s3", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if len(value) == 0 {
		return nil, false
	}
	return value, true
}

func (c *cache) Set(key string, value []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	_, err := c.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Body:          bytes.NewReader(value),
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(c.objectKey(key)),
		ContentLength: aws.Int64(int64(len(value))),
	})
	if err != nil {
		c.logger.Warn("error writing to s3", zap.String("key", key), zap.Error(err))
	}
}

func (c *cache) Delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	_, err := c.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(key)),
	})
	if err != nil {
		c.logger.Warn("error deleting from s3", zap.String("key", key), zap.Error(err))
	}
}

// objectKey returns the name of the object holding key.  Cache keys embed
// full URLs, so they are hashed into a flat namespace under the prefix.
func (c *cache) objectKey(key string) string {
	return path.Join(c.prefix, keyToFilename(key))
}

func keyToFilename(key string) string {
	h := md5.New()
	_, _ = io.WriteString(h, key)
	return hex.EncodeToString(h.Sum(nil))
}

// location is the parsed form of an s3 cache URL.
type location struct {
	region, bucket, prefix string
	config                 *aws.Config
}

func parseLocation(s string) (location, error) {
	u, err := url.Parse(s)
	if err != nil {
		return location{}, err
	}
	if u.Scheme != "s3" {
		return location{}, errors.New("s3cache: url scheme must be s3")
	}

	loc := location{region: u.Host}
	parts := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
	loc.bucket = parts[0]
	if len(parts) > 1 {
		loc.prefix = parts[1]
	}
	if loc.bucket == "" {
		return location{}, errors.New("s3cache: missing bucket name")
	}

	loc.config = aws.NewConfig().WithRegion(loc.region)

	// allow overriding some additional config options, mostly useful when
	// working with s3-compatible services other than AWS.
	q := u.Query()
	if v := q.Get("endpoint"); v != "" {
		loc.config = loc.config.WithEndpoint(v)
	}
	if q.Get("disableSSL") == "1" {
		loc.config = loc.config.WithDisableSSL(true)
	}
	if q.Get("s3ForcePathStyle") == "1" {
		loc.config = loc.config.WithS3ForcePathStyle(true)
	}
	return loc, nil
}

// New constructs a cache configured using the provided URL string.  URL
// should be of the form: "s3://region/bucket/optional-path-prefix".
// Credentials are read by the AWS SDK from its usual sources.
func New(s string, logger *zap.Logger) (*cache, error) {
	loc, err := parseLocation(s)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sess, err := session.NewSession(loc.config)
	if err != nil {
		return nil, err
	}

	return &cache{
		S3API:  s3.New(sess),
		bucket: loc.bucket,
		prefix: loc.prefix,
		logger: logger,
	}, nil
}
