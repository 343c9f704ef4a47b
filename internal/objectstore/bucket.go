// Package objectstore stores uploaded product images in a gocloud.dev blob
// bucket and fetches them from their HTTP sources.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// buckets
	_ "gocloud.dev/blob/memblob"  // mem:// buckets
	"gocloud.dev/gcerrors"
)

// ErrTooLarge is returned when an object exceeds the configured size limit.
var ErrTooLarge = errors.New("object exceeds size limit")

// PartialWriteError reports a failed Put. Written counts the bytes copied
// before the failure; Cleaned is true when no partial object survives.
type PartialWriteError struct {
	Key     string
	Written int64
	Cleaned bool
	Err     error
}

func (e *PartialWriteError) Error() string {
	state := "cleaned up"
	if !e.Cleaned {
		state = "partial object may remain"
	}
	return fmt.Sprintf("write %q failed after %d bytes (%s): %v", e.Key, e.Written, state, e.Err)
}

func (e *PartialWriteError) Unwrap() error { return e.Err }

// Bucket is a key-prefixed blob bucket.
type Bucket struct {
	bucket   *blob.Bucket
	maxBytes int64
}

// OpenBucket opens the bucket at urlstr (mem://, file:///path, or any
// scheme registered with gocloud.dev) and scopes it to prefix.
func OpenBucket(ctx context.Context, urlstr, prefix string, maxBytes int64) (*Bucket, error) {
	b, err := blob.OpenBucket(ctx, urlstr)
	if err != nil {
		return nil, fmt.Errorf("objectstore: open bucket %q: %w", urlstr, err)
	}
	return NewBucket(b, prefix, maxBytes), nil
}

// NewBucket wraps an open bucket. A non-positive maxBytes disables the size
// limit.
func NewBucket(b *blob.Bucket, prefix string, maxBytes int64) *Bucket {
	if prefix != "" {
		b = blob.PrefixedBucket(b, prefix)
	}
	return &Bucket{bucket: b, maxBytes: maxBytes}
}

// Put streams r into key. On failure the write is aborted and any partial
// object is deleted; the returned error is a *PartialWriteError.
func (b *Bucket) Put(ctx context.Context, key string, r io.Reader, contentType string) (int64, error) {
	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := b.bucket.NewWriter(writeCtx, key, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return 0, fmt.Errorf("objectstore: open writer for %q: %w", key, err)
	}

	src := r
	if b.maxBytes > 0 {
		src = io.LimitReader(r, b.maxBytes+1)
	}
	written, err := io.Copy(w, src)
	if err == nil && b.maxBytes > 0 && written > b.maxBytes {
		err = ErrTooLarge
	}
	if err != nil {
		// Cancelling before Close aborts the upload.
		cancel()
		_ = w.Close()
		return written, b.cleanup(ctx, key, written, err)
	}
	if err := w.Close(); err != nil {
		return written, b.cleanup(ctx, key, written, err)
	}
	return written, nil
}

func (b *Bucket) cleanup(ctx context.Context, key string, written int64, cause error) error {
	perr := &PartialWriteError{Key: key, Written: written, Err: cause, Cleaned: true}
	if written == 0 {
		return perr
	}
	if err := b.Delete(context.WithoutCancel(ctx), key); err != nil {
		perr.Cleaned = false
	}
	return perr
}

// Delete removes key. Deleting a missing key succeeds.
func (b *Bucket) Delete(ctx context.Context, key string) error {
	err := b.bucket.Delete(ctx, key)
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("objectstore: delete %q: %w", key, err)
	}
	return nil
}

// Exists reports whether key exists.
func (b *Bucket) Exists(ctx context.Context, key string) (bool, error) {
	return b.bucket.Exists(ctx, key)
}

// Attributes returns the size and content type stored for key.
func (b *Bucket) Attributes(ctx context.Context, key string) (*blob.Attributes, error) {
	return b.bucket.Attributes(ctx, key)
}

// HealthCheck verifies the bucket is reachable.
func (b *Bucket) HealthCheck(ctx context.Context) error {
	ok, err := b.bucket.IsAccessible(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("objectstore: bucket is not accessible")
	}
	return nil
}

// Close releases the bucket.
func (b *Bucket) Close() error {
	return b.bucket.Close()
}
