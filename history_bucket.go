package pinning

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// buckets
	_ "gocloud.dev/blob/gcsblob"  // gs:// buckets
	_ "gocloud.dev/blob/memblob"  // mem:// buckets
	_ "gocloud.dev/blob/s3blob"   // s3:// buckets
	"golang.org/x/xerrors"
)

const historyRecordExt = ".json"

// BucketHistory keeps one JSON object per record in a blob bucket.
type BucketHistory struct {
	bucket *blob.Bucket
	prefix string
}

// OpenBucketHistory opens a bucket by URL (mem://, file:///dir, s3://name,
// gs://name).
func OpenBucketHistory(ctx context.Context, url, prefix string) (*BucketHistory, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, xerrors.Errorf("opening history bucket %s: %w", url, err)
	}
	return NewBucketHistory(bucket, prefix), nil
}

func NewBucketHistory(bucket *blob.Bucket, prefix string) *BucketHistory {
	return &BucketHistory{
		bucket: bucket,
		prefix: prefix,
	}
}

func (h *BucketHistory) key(id string) string {
	return h.prefix + id + historyRecordExt
}

func (h *BucketHistory) Add(ctx context.Context, rec HistoryRecord) error {
	key := h.key(rec.ID)

	exists, err := h.bucket.Exists(ctx, key)
	if err != nil {
		return xerrors.Errorf("checking %s: %w", key, err)
	}
	if exists {
		return xerrors.Errorf("record %s: %w", rec.ID, ErrRecordExists)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return xerrors.Errorf("marshaling history record: %w", err)
	}

	w, err := h.bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: "application/json"})
	if err != nil {
		return xerrors.Errorf("create writer for %s: %w", key, err)
	}

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return xerrors.Errorf("write record to %s: %w", key, err)
	}

	if err := w.Close(); err != nil {
		return xerrors.Errorf("close writer for %s: %w", key, err)
	}

	return nil
}

func (h *BucketHistory) List(ctx context.Context) ([]HistoryRecord, error) {
	var out []HistoryRecord

	iter := h.bucket.List(&blob.ListOptions{
		Prefix: h.prefix,
	})

	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, xerrors.Errorf("list %s: %w", h.prefix, err)
		}
		if obj.IsDir || !strings.HasSuffix(obj.Key, historyRecordExt) {
			continue
		}

		data, err := h.bucket.ReadAll(ctx, obj.Key)
		if err != nil {
			return nil, xerrors.Errorf("read %s: %w", obj.Key, err)
		}

		var rec HistoryRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, xerrors.Errorf("decoding %s: %w", obj.Key, err)
		}
		out = append(out, rec)
	}

	sortHistory(out)
	return out, nil
}

// Close releases the bucket.
func (h *BucketHistory) Close() error {
	return h.bucket.Close()
}
