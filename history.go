package pinning

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-padreader"
	"github.com/filecoin-project/specs-actors/actors/abi"
	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	"github.com/ipfs/go-datastore/query"
	"golang.org/x/xerrors"
)

const HistoryStorePrefix = "/history"

// HistoryRecord is the immutable result of one successful upload.
type HistoryRecord struct {
	ID              string              `json:"id"`
	UploadID        string              `json:"upload_id"`
	FileName        string              `json:"file_name"`
	FileSize        int64               `json:"file_size"`
	RootCID         cid.Cid             `json:"root_cid"`
	PieceCID        cid.Cid             `json:"piece_cid"`
	PieceSize       abi.PaddedPieceSize `json:"piece_size"`
	PieceCommitment []byte              `json:"piece_commitment,omitempty"`
	ProviderID      address.Address     `json:"provider_id"`
	ProviderName    string              `json:"provider_name"`
	DataSetID       uint64              `json:"data_set_id"`
	TxHash          string              `json:"tx_hash"`
	Network         string              `json:"network"`
	Metadata        map[string]string   `json:"metadata,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
}

// HistoryStore owns persisted history records.
type HistoryStore interface {
	Add(ctx context.Context, rec HistoryRecord) error
	// List returns all records, newest first.
	List(ctx context.Context) ([]HistoryRecord, error)
}

// NewHistoryStore picks the backend named in cfg. ds is only used by the
// datastore backend.
func NewHistoryStore(ctx context.Context, cfg HistoryConfig, ds datastore.Batching) (HistoryStore, error) {
	switch cfg.Backend {
	case "datastore":
		return NewDatastoreHistory(ds), nil
	case "bucket":
		h, err := OpenBucketHistory(ctx, cfg.BucketURL, cfg.Prefix)
		if err != nil {
			return nil, err
		}
		return h, nil
	default:
		return nil, xerrors.Errorf("%q: %w", cfg.Backend, ErrUnknownHistoryBackend)
	}
}

// newHistoryRecord materializes the record for a finished upload.
func newHistoryRecord(info UploadInfo, network string, now time.Time) (HistoryRecord, error) {
	if info.Root == nil || info.PieceCID == nil {
		return HistoryRecord{}, xerrors.Errorf("upload %s has no root or piece cid", info.ID)
	}

	provider, err := address.NewFromString(info.ProviderID)
	if err != nil {
		return HistoryRecord{}, xerrors.Errorf("parsing provider address %q: %w", info.ProviderID, err)
	}

	var meta map[string]string
	if len(info.Metadata) > 0 {
		meta = make(map[string]string, len(info.Metadata))
		for k, v := range info.Metadata {
			meta[k] = v
		}
	}

	return HistoryRecord{
		ID:              uuid.New().String(),
		UploadID:        info.ID,
		FileName:        info.FileName,
		FileSize:        info.FileSize,
		RootCID:         *info.Root,
		PieceCID:        *info.PieceCID,
		PieceSize:       padreader.PaddedSize(uint64(info.ArchiveSize)).Padded(),
		PieceCommitment: append([]byte(nil), info.PieceCommitment...),
		ProviderID:      provider,
		ProviderName:    info.ProviderName,
		DataSetID:       info.DataSetID,
		TxHash:          info.TxHash,
		Network:         network,
		Metadata:        meta,
		CreatedAt:       now.UTC(),
	}, nil
}

func sortHistory(recs []HistoryRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
}

// DatastoreHistory keeps records as JSON under /history in a datastore.
type DatastoreHistory struct {
	ds datastore.Datastore
}

func NewDatastoreHistory(ds datastore.Batching) *DatastoreHistory {
	return &DatastoreHistory{
		ds: namespace.Wrap(ds, datastore.NewKey(HistoryStorePrefix)),
	}
}

func (h *DatastoreHistory) Add(ctx context.Context, rec HistoryRecord) error {
	key := datastore.NewKey(rec.ID)

	has, err := h.ds.Has(key)
	if err != nil {
		return xerrors.Errorf("checking history record %s: %w", rec.ID, err)
	}
	if has {
		return xerrors.Errorf("record %s: %w", rec.ID, ErrRecordExists)
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return xerrors.Errorf("marshaling history record: %w", err)
	}

	if err := h.ds.Put(key, b); err != nil {
		return xerrors.Errorf("storing history record %s: %w", rec.ID, err)
	}
	return nil
}

func (h *DatastoreHistory) List(ctx context.Context) ([]HistoryRecord, error) {
	res, err := h.ds.Query(query.Query{})
	if err != nil {
		return nil, xerrors.Errorf("querying history: %w", err)
	}
	defer res.Close() // nolint:errcheck

	entries, err := res.Rest()
	if err != nil {
		return nil, xerrors.Errorf("reading history: %w", err)
	}

	out := make([]HistoryRecord, 0, len(entries))
	for _, e := range entries {
		var rec HistoryRecord
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			return nil, xerrors.Errorf("decoding history record %s: %w", e.Key, err)
		}
		out = append(out, rec)
	}

	sortHistory(out)
	return out, nil
}
