// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package objectstore implements puts against the S3 API.
//
// architecture: Service
package objectstore

import (
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Error is the default error class for the objectstore package.
var Error = errs.Class("object store")

var mon = monkit.Package()

// Options configures the S3 client. Empty credentials fall back to the
// ambient AWS credential chain; a custom endpoint switches to path-style
// addressing for S3 compatible stores.
type Options struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// Headers are the content headers set on a put.
type Headers struct {
	ContentType     string
	ContentEncoding string
	CacheControl    string
}

// S3 uploads objects to one S3 compatible store.
type S3 struct {
	log    *zap.Logger
	client *s3.Client
}

// OpenS3 builds the client from the ambient AWS configuration plus explicit
// overrides.
func OpenS3(ctx context.Context, log *zap.Logger, opts Options) (*S3, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3{log: log, client: client}, nil
}

// Put uploads one object. The body must be seekable so the request can be
// signed; bytes.Reader and os.File qualify.
func (store *S3) Put(ctx context.Context, bucket, key string, body io.Reader, headers Headers) (err error) {
	defer mon.Task()(&ctx)(&err)

	input := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if headers.ContentType != "" {
		input.ContentType = aws.String(headers.ContentType)
	}
	if headers.ContentEncoding != "" {
		input.ContentEncoding = aws.String(headers.ContentEncoding)
	}
	if headers.CacheControl != "" {
		input.CacheControl = aws.String(headers.CacheControl)
	}

	_, err = store.client.PutObject(ctx, input)
	if err != nil {
		return Error.Wrap(err)
	}
	store.log.Debug("object stored", zap.String("bucket", bucket), zap.String("key", key))
	return nil
}
