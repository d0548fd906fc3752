// Package throttle serves object downloads as a sequence of ranged reads,
// paced to the actor's bandwidth quota.
package throttle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/ossgate/ossgate/internal/authz"
	"github.com/ossgate/ossgate/internal/catalog"
	apperr "github.com/ossgate/ossgate/internal/errors"
	"github.com/ossgate/ossgate/internal/storage"
)

const (
	// MiB is the unit of bandwidth quotas.
	MiB = 1024 * 1024

	// DefaultWindow is the size of each ranged read.
	DefaultWindow = 1 * MiB
)

// Throttle opens paced downloads.
type Throttle struct {
	store        catalog.Store
	regions      *storage.Registry
	resolver     *authz.Resolver
	minBandwidth int64
	window       int64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Throttle. minBandwidth is the floor in MiB/s applied to
// anonymous actors and actors without a valid quota.
func New(store catalog.Store, regions *storage.Registry, resolver *authz.Resolver, minBandwidth, window int64) *Throttle {
	if minBandwidth <= 0 {
		minBandwidth = 1
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Throttle{
		store:        store,
		regions:      regions,
		resolver:     resolver,
		minBandwidth: minBandwidth,
		window:       window,
		now:          time.Now,
		sleep:        sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Transfer is an authorized download ready to be written.
type Transfer struct {
	Object *catalog.ObjectRecord
	// Bandwidth is the pace in MiB/s.
	Bandwidth int64

	ctx     context.Context
	t       *Throttle
	backend storage.Backend
	bucket  string
}

// Open resolves and authorizes a download of key from bucketName.
func (t *Throttle) Open(ctx context.Context, actor, bucketName, key string) (*Transfer, error) {
	if bucketName == "" {
		return nil, apperr.Invalid("bucket_name", "bucket_name is required")
	}
	if key == "" {
		return nil, apperr.Invalid("key", "key is required")
	}

	b, err := t.store.GetBucket(ctx, bucketName)
	if err != nil {
		return nil, apperr.Internal("reading bucket", err)
	}
	if b == nil {
		return nil, apperr.ErrNoSuchBucket
	}
	obj, err := t.store.GetObject(ctx, b.ID, key)
	if err != nil {
		return nil, apperr.Internal("reading object", err)
	}
	if obj == nil {
		return nil, apperr.ErrNoSuchObject
	}
	if err := t.resolver.Authorize(ctx, actor, authz.ObjectResource(b, obj), catalog.ActionRead); err != nil {
		return nil, err
	}
	if obj.IsDir() {
		return nil, apperr.ErrIsDirectory.WithField("key")
	}

	backend, err := t.regions.Backend(b.Region)
	if err != nil {
		return nil, err
	}
	bw, err := t.bandwidth(ctx, actor)
	if err != nil {
		return nil, err
	}
	return &Transfer{Object: obj, Bandwidth: bw, ctx: ctx, t: t, backend: backend, bucket: b.Name}, nil
}

func (t *Throttle) bandwidth(ctx context.Context, actor string) (int64, error) {
	if actor == authz.Anonymous {
		return t.minBandwidth, nil
	}
	q, err := t.store.GetQuota(ctx, actor, catalog.QuotaBandwidth)
	if err != nil {
		return 0, apperr.Internal("reading bandwidth quota", err)
	}
	if q.ValidAt(t.now()) && q.Value > 0 {
		return q.Value, nil
	}
	return t.minBandwidth, nil
}

// SetHeaders writes the download response headers.
func (tr *Transfer) SetHeaders(h http.Header) {
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Disposition", fmt.Sprintf("attachment;filename=%q", tr.Object.Name))
	h.Set("Content-Length", strconv.FormatInt(tr.Object.FileSize, 10))
}

// WriteTo streams the object to w. Bytes are counted per one-second window;
// once the window's budget is spent the stream sleeps for the rest of the
// second. A window may overshoot by one read.
func (tr *Transfer) WriteTo(w io.Writer) (int64, error) {
	t := tr.t
	size := tr.Object.FileSize
	budget := tr.Bandwidth * MiB

	var (
		offset      int64
		inWindow    int64
		windowStart = t.now()
		sleeps      int
	)
	for offset < size {
		length := min(t.window, size-offset)
		body, err := tr.backend.GetRange(tr.ctx, tr.bucket, tr.Object.Key, offset, length)
		if err != nil {
			return offset, err
		}
		n, err := io.Copy(w, body)
		body.Close()
		offset += n
		if err != nil {
			return offset, err
		}
		if n < length {
			return offset, fmt.Errorf("object %s/%s truncated at %d of %d bytes: %w", tr.bucket, tr.Object.Key, offset, size, io.ErrUnexpectedEOF)
		}

		inWindow += n
		elapsed := t.now().Sub(windowStart)
		switch {
		case elapsed >= time.Second:
			windowStart, inWindow = t.now(), 0
		case inWindow >= budget && offset < size:
			if err := t.sleep(tr.ctx, time.Second-elapsed); err != nil {
				return offset, err
			}
			sleeps++
			windowStart, inWindow = t.now(), 0
		}
	}

	zerolog.Ctx(tr.ctx).Debug().
		Str("bucket", tr.bucket).
		Str("key", tr.Object.Key).
		Str("size", humanize.IBytes(uint64(offset))).
		Int64("bandwidth_mib", tr.Bandwidth).
		Int("throttled", sleeps).
		Msg("Download complete")
	return offset, nil
}
