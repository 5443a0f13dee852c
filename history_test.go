package pinning

import (
	"context"
	"testing"
	"time"

	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/specs-actors/actors/abi"
)

func testHistoryRecord(t *testing.T, name string, at time.Time) HistoryRecord {
	root := testCid(t, name+"-root")
	piece := testCid(t, name+"-piece")

	rec, err := newHistoryRecord(UploadInfo{
		ID:           name,
		FileName:     name + ".pdf",
		FileSize:     10,
		Root:         &root,
		ArchiveSize:  1000,
		PieceCID:     &piece,
		ProviderID:   "f01234",
		ProviderName: "sp",
		DataSetID:    7,
		TxHash:       "0xabc",
		Metadata:     map[string]string{"label": name},
	}, "calibration", at)
	require.NoError(t, err)
	return rec
}

func TestNewHistoryRecord(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := testHistoryRecord(t, "report", now)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "report", rec.UploadID)
	assert.Equal(t, "report.pdf", rec.FileName)
	assert.Equal(t, testCid(t, "report-root"), rec.RootCID)
	assert.Equal(t, testCid(t, "report-piece"), rec.PieceCID)
	// 1000 bytes pad to a 1016 byte unpadded piece, 1024 padded
	assert.Equal(t, abi.PaddedPieceSize(1024), rec.PieceSize)
	assert.Equal(t, "calibration", rec.Network)
	assert.Equal(t, now, rec.CreatedAt)

	other := testHistoryRecord(t, "report", now)
	assert.NotEqual(t, rec.ID, other.ID)
}

func TestNewHistoryRecordIncomplete(t *testing.T) {
	_, err := newHistoryRecord(UploadInfo{ID: "x", ProviderID: "f01234"}, "calibration", time.Now())
	require.Error(t, err)

	root := testCid(t, "root")
	_, err = newHistoryRecord(UploadInfo{ID: "x", Root: &root, PieceCID: &root, ProviderID: "not an address"}, "calibration", time.Now())
	require.Error(t, err)
}

func testHistoryStore(t *testing.T, h HistoryStore) {
	ctx := context.Background()

	recs, err := h.List(ctx)
	require.NoError(t, err)
	require.Empty(t, recs)

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	older := testHistoryRecord(t, "older", base)
	newer := testHistoryRecord(t, "newer", base.Add(time.Minute))

	require.NoError(t, h.Add(ctx, older))
	require.NoError(t, h.Add(ctx, newer))
	err = h.Add(ctx, newer)
	assert.True(t, xerrors.Is(err, ErrRecordExists))

	recs, err = h.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, newer.ID, recs[0].ID)
	assert.Equal(t, older.ID, recs[1].ID)

	got := recs[1]
	assert.True(t, got.RootCID.Equals(older.RootCID))
	assert.True(t, got.PieceCID.Equals(older.PieceCID))
	assert.Equal(t, older.ProviderID, got.ProviderID)
	assert.Equal(t, older.PieceSize, got.PieceSize)
	assert.Equal(t, older.Metadata, got.Metadata)
	assert.True(t, older.CreatedAt.Equal(got.CreatedAt))
}

func TestDatastoreHistory(t *testing.T) {
	ds := dssync.MutexWrap(datastore.NewMapDatastore())
	testHistoryStore(t, NewDatastoreHistory(ds))
}

func TestBucketHistory(t *testing.T) {
	h := NewBucketHistory(memblob.OpenBucket(nil), "history/")
	defer h.Close() // nolint:errcheck
	testHistoryStore(t, h)
}

func TestNewHistoryStore(t *testing.T) {
	ctx := context.Background()
	ds := dssync.MutexWrap(datastore.NewMapDatastore())

	h, err := NewHistoryStore(ctx, HistoryConfig{Backend: "datastore"}, ds)
	require.NoError(t, err)
	assert.IsType(t, &DatastoreHistory{}, h)

	h, err = NewHistoryStore(ctx, HistoryConfig{Backend: "bucket", BucketURL: "mem://", Prefix: "h/"}, ds)
	require.NoError(t, err)
	assert.IsType(t, &BucketHistory{}, h)

	_, err = NewHistoryStore(ctx, HistoryConfig{Backend: "sqlite"}, ds)
	assert.True(t, xerrors.Is(err, ErrUnknownHistoryBackend))
}

func TestHistoryRecordProviderAddress(t *testing.T) {
	addr, err := address.NewIDAddress(1234)
	require.NoError(t, err)

	rec := testHistoryRecord(t, "report", time.Now())
	assert.Equal(t, addr, rec.ProviderID)
}
