package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/rs/zerolog"

	apperr "github.com/ossgate/ossgate/internal/errors"
)

// DefaultChunkSize is the multipart part size used when none is configured.
const DefaultChunkSize = 5 * 1024 * 1024

// UploadResult describes a completed chunked upload.
type UploadResult struct {
	ETag      string
	VersionID string
	// Size is the number of bytes read from the source.
	Size int64
	// MD5 is the hex digest of the untouched source stream.
	MD5   string
	Parts int
}

// UploadChunked streams r into bucket/key as a multipart upload with parts
// of chunkSize bytes, in order. At least one part is always sent so empty
// objects are created too. Any failure after the session is opened aborts it
// before the error is returned.
func UploadChunked(ctx context.Context, b Backend, bucket, key, acl string, r io.Reader, chunkSize int64) (*UploadResult, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	uploadID, err := b.CreateMultipartUpload(ctx, bucket, key, acl)
	if err != nil {
		return nil, err
	}

	abortOnError := func(cause error) error {
		// The request context may already be cancelled; the abort must still go out.
		abortCtx := context.WithoutCancel(ctx)
		if abortErr := b.AbortMultipartUpload(abortCtx, bucket, key, uploadID); abortErr != nil {
			zerolog.Ctx(ctx).Warn().Err(abortErr).Str("upload_id", uploadID).Str("key", key).
				Msg("Failed to abort multipart upload")
		}
		return cause
	}

	digest := md5.New()
	src := io.TeeReader(r, digest)
	buf := make([]byte, chunkSize)

	var (
		parts []Part
		total int64
	)
	for number := int32(1); ; number++ {
		n, readErr := io.ReadFull(src, buf)
		last := errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF)
		if readErr != nil && !last {
			return nil, abortOnError(apperr.Internal("reading upload stream", readErr))
		}
		if n == 0 && len(parts) > 0 {
			break
		}

		etag, err := b.UploadPart(ctx, bucket, key, uploadID, number, buf[:n])
		if err != nil {
			return nil, abortOnError(err)
		}
		parts = append(parts, Part{Number: number, ETag: etag})
		total += int64(n)
		if last {
			break
		}
	}

	done, err := b.CompleteMultipartUpload(ctx, bucket, key, uploadID, parts)
	if err != nil {
		return nil, abortOnError(err)
	}

	return &UploadResult{
		ETag:      done.ETag,
		VersionID: done.VersionID,
		Size:      total,
		MD5:       hexSum(digest),
		Parts:     len(parts),
	}, nil
}

func hexSum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// RangeReader reads an object of known size as a sequence of ranged GETs of
// window bytes each.
type RangeReader struct {
	ctx    context.Context
	b      Backend
	bucket string
	key    string
	size   int64
	window int64

	offset    int64
	remaining int64
	cur       io.ReadCloser
}

// NewRangeReader returns a reader over bucket/key. size is the catalog size
// of the object; reading stops once size bytes have been returned.
func NewRangeReader(ctx context.Context, b Backend, bucket, key string, size, window int64) *RangeReader {
	if window <= 0 {
		window = DefaultChunkSize
	}
	return &RangeReader{ctx: ctx, b: b, bucket: bucket, key: key, size: size, window: window}
}

// Read implements io.Reader.
func (r *RangeReader) Read(p []byte) (int, error) {
	for {
		if r.offset >= r.size {
			return 0, io.EOF
		}
		if r.cur == nil {
			length := min(r.window, r.size-r.offset)
			body, err := r.b.GetRange(r.ctx, r.bucket, r.key, r.offset, length)
			if err != nil {
				return 0, err
			}
			r.cur, r.remaining = body, length
		}

		n, err := r.cur.Read(p)
		r.offset += int64(n)
		r.remaining -= int64(n)
		switch {
		case err == io.EOF:
			r.cur.Close()
			r.cur = nil
			if n == 0 && r.remaining > 0 {
				return 0, fmt.Errorf("object %s/%s truncated at %d of %d bytes", r.bucket, r.key, r.offset, r.size)
			}
		case err != nil:
			return n, err
		case r.remaining <= 0:
			r.cur.Close()
			r.cur = nil
		}
		if n > 0 {
			return n, nil
		}
	}
}

// Close releases the current window, if any.
func (r *RangeReader) Close() error {
	if r.cur != nil {
		err := r.cur.Close()
		r.cur = nil
		return err
	}
	return nil
}
