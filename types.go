package pinning

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/specs-actors/actors/abi/big"
	"github.com/ipfs/go-cid"
)

// File is the source of one upload. Open may be called once per attempt.
type File interface {
	Name() string
	Size() int64
	Open() (io.ReadCloser, error)
}

type localFile struct {
	path string
	size int64
}

// LocalFile returns a File backed by a path on the local filesystem.
func LocalFile(path string) (File, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &localFile{path: path, size: fi.Size()}, nil
}

func (f *localFile) Name() string                 { return filepath.Base(f.path) }
func (f *localFile) Size() int64                  { return f.size }
func (f *localFile) Open() (io.ReadCloser, error) { return os.Open(f.path) }

type memFile struct {
	name string
	data []byte
}

// BytesFile returns an in-memory File.
func BytesFile(name string, data []byte) File {
	return &memFile{name: name, data: data}
}

func (f *memFile) Name() string { return f.name }
func (f *memFile) Size() int64  { return int64(len(f.data)) }
func (f *memFile) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.data)), nil
}

// Archive is the content-addressed archive produced from a File.
type Archive struct {
	Root  cid.Cid
	Bytes []byte
}

func (a Archive) Size() int64 { return int64(len(a.Bytes)) }

// ArchiveBuilder turns a file into a content-addressed archive. progress may
// be called any number of times before BuildArchive returns.
type ArchiveBuilder interface {
	BuildArchive(ctx context.Context, f File, progress func(processed, total int64)) (Archive, error)
}

type ReadinessStatus string

const (
	ReadinessReady   ReadinessStatus = "ready"
	ReadinessBlocked ReadinessStatus = "blocked"
)

type ReadinessRequest struct {
	Size          int64
	AutoConfigure bool // let the engine raise payment allowances on its own
}

type ReadinessReport struct {
	Status          ReadinessStatus
	Reason          string
	RequiredDeposit big.Int
}

type ProviderInfo struct {
	ID   address.Address
	Name string
}

// StorageContext binds uploads to one provider and data set.
type StorageContext struct {
	Provider  ProviderInfo
	DataSetID uint64
}

// UploadEngine is the storage SDK the driver delegates to. Execute reports
// progress on events and must not send after it returns; UploadCompleted and
// PieceAdded may come in either order, PieceConfirmed comes last.
type UploadEngine interface {
	CheckReadiness(ctx context.Context, req ReadinessRequest) (ReadinessReport, error)
	StorageContext(ctx context.Context) (*StorageContext, error)
	Execute(ctx context.Context, sc *StorageContext, archive Archive, events chan<- UploadEvent) error
}

// UploadEvent is one of UploadCompleted, PieceAdded or PieceConfirmed.
type UploadEvent interface {
	uploadEvent()
}

type UploadCompleted struct {
	PieceCID cid.Cid
}

type PieceAdded struct {
	TxHash string
}

type PieceConfirmed struct{}

func (UploadCompleted) uploadEvent() {}
func (PieceAdded) uploadEvent()      {}
func (PieceConfirmed) uploadEvent()  {}

// DiscoveryIndex answers whether a root CID is announced by the network.
type DiscoveryIndex interface {
	Probe(ctx context.Context, root cid.Cid) (bool, error)
}

type Log struct {
	Timestamp uint64
	Trace     string // for errors

	Message string

	// additional data (Event info)
	Kind string
}

// UploadInfo is the persisted state of one upload attempt.
type UploadInfo struct {
	State    UploadState
	ID       string
	FileName string
	FileSize int64
	Metadata map[string]string

	Steps []Step

	// BuildingArchive
	Root        *cid.Cid
	ArchiveSize int64

	// PreparingContext
	ProviderID   string
	ProviderName string
	DataSetID    uint64

	// Uploading
	PieceCID        *cid.Cid
	PieceCommitment []byte // raw commP, only for v1 piece commitments
	TxHash          string

	Error        string
	IndexWarning string

	// Archived
	RecordID string

	// Debug
	Log []Log
}

// Step returns the attempt's step of the given kind.
func (u *UploadInfo) Step(kind StepKind) Step {
	st, _ := FindStep(u.Steps, kind)
	return st
}

// HasIndexFailure reports a soft announce-to-index failure. A terminal
// pipeline error takes precedence and hides the warning.
func (u *UploadInfo) HasIndexFailure() bool {
	return u.Error == "" && u.IndexWarning != ""
}

// Succeeded reports whether every step completed. announce-to-index may be
// in error and still count as done.
func (u *UploadInfo) Succeeded() bool {
	if len(u.Steps) == 0 {
		return false
	}
	for _, st := range u.Steps {
		if st.Status == StepCompleted {
			continue
		}
		if st.Kind == StepAnnounceToIndex && st.Status == StepError {
			continue
		}
		return false
	}
	return true
}

func (u UploadInfo) clone() UploadInfo {
	out := u
	out.Steps = append([]Step(nil), u.Steps...)
	out.Log = append([]Log(nil), u.Log...)
	if u.PieceCommitment != nil {
		out.PieceCommitment = append([]byte(nil), u.PieceCommitment...)
	}
	if u.Metadata != nil {
		out.Metadata = make(map[string]string, len(u.Metadata))
		for k, v := range u.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func (u *UploadInfo) updateStep(kind StepKind, patch StepPatch) {
	u.Steps = UpdateStep(u.Steps, kind, patch)
}

func (u *UploadInfo) startStep(kind StepKind, progress int) {
	u.updateStep(kind, StepPatch{Status: StepInProgress, Progress: progressPtr(progress)})
}

func (u *UploadInfo) completeStep(kind StepKind) {
	u.updateStep(kind, StepPatch{Status: StepCompleted, Progress: progressPtr(100)})
}

func (u *UploadInfo) failStep(kind StepKind, msg string) {
	u.updateStep(kind, StepPatch{Status: StepError, Error: errorPtr(msg)})
}
