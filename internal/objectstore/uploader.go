package objectstore

import (
	"context"
	"errors"
)

// Object describes a stored image.
type Object struct {
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
}

// Uploader copies images from their source URLs into a bucket.
type Uploader struct {
	fetcher *Fetcher
	bucket  *Bucket
}

// NewUploader creates an uploader.
func NewUploader(fetcher *Fetcher, bucket *Bucket) *Uploader {
	return &Uploader{fetcher: fetcher, bucket: bucket}
}

// Upload streams sourceURL into key. A failure after bytes were written
// leaves no object behind unless the returned *PartialWriteError says
// otherwise.
func (u *Uploader) Upload(ctx context.Context, sourceURL, key string) (Object, error) {
	src, err := u.fetcher.Fetch(ctx, sourceURL)
	if err != nil {
		return Object{}, err
	}
	defer src.Body.Close()

	n, err := u.bucket.Put(ctx, key, src.Body, src.ContentType)
	if err != nil {
		return Object{}, err
	}
	return Object{Key: key, Size: n, ContentType: src.ContentType}, nil
}

// Delete removes a previously uploaded object.
func (u *Uploader) Delete(ctx context.Context, key string) error {
	return u.bucket.Delete(ctx, key)
}

// RecordRetry counts a retried upload against its source.
func (u *Uploader) RecordRetry(sourceURL string) {
	u.fetcher.RecordRetry(sourceURL)
}

// IsTransient reports whether an Upload error is worth retrying: the source
// answered 5xx, the connection failed, or the body was cut short.
func IsTransient(err error) bool {
	var serr *SourceError
	if errors.As(err, &serr) {
		return true
	}
	var perr *PartialWriteError
	if errors.As(err, &perr) {
		return !errors.Is(perr.Err, ErrTooLarge) && !errors.Is(perr.Err, context.Canceled)
	}
	return false
}
