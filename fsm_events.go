package pinning

import (
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"
)

type mutator interface {
	apply(state *UploadInfo)
}

// globalMutator is an event which can apply in every state
type globalMutator interface {
	// applyGlobal applies the event to the state. If if returns true,
	//  event processing should be interrupted
	applyGlobal(state *UploadInfo) bool
}

// Global events

type UploadFailed struct{ error }

func (evt UploadFailed) FormatError(xerrors.Printer) (next error) { return evt.error }

func (evt UploadFailed) applyGlobal(state *UploadInfo) bool {
	if state.State.Terminal() {
		log.Warnf("upload %s: ignoring failure in terminal state %s: %+v", state.ID, state.State, evt.error)
		return true
	}

	msg := evt.Error()
	for _, st := range state.Steps {
		// announce-to-index belongs to the availability poller
		if st.Status == StepInProgress && st.Kind != StepAnnounceToIndex {
			state.failStep(st.Kind, msg)
		}
	}
	state.Error = msg
	state.State = Failed
	return true
}

type IndexConfirmed struct{}

func (evt IndexConfirmed) applyGlobal(state *UploadInfo) bool {
	state.completeStep(StepAnnounceToIndex)
	return true
}

// IndexUnconfirmed is sent when the poller gives up. The step still counts
// as done; the warning is surfaced separately.
type IndexUnconfirmed struct{ error }

func (evt IndexUnconfirmed) FormatError(xerrors.Printer) (next error) { return evt.error }

func (evt IndexUnconfirmed) applyGlobal(state *UploadInfo) bool {
	state.IndexWarning = evt.Error()
	state.completeStep(StepAnnounceToIndex)
	return true
}

// Normal path

type UploadStart struct {
	ID       string
	FileName string
	FileSize int64
	Metadata map[string]string
}

func (evt UploadStart) apply(state *UploadInfo) {
	state.ID = evt.ID
	state.FileName = evt.FileName
	state.FileSize = evt.FileSize
	state.Metadata = evt.Metadata
	state.Steps = InitialSteps()
	state.startStep(StepBuildArchive, 0)
}

type ArchiveProgress struct {
	Processed int64
	Total     int64
}

func (evt ArchiveProgress) apply(state *UploadInfo) {
	state.updateStep(StepBuildArchive, StepPatch{Progress: progressPtr(PercentOf(evt.Processed, evt.Total))})
}

type ArchiveBuilt struct {
	Root cid.Cid
	Size int64
}

func (evt ArchiveBuilt) apply(state *UploadInfo) {
	root := evt.Root
	state.Root = &root
	state.ArchiveSize = evt.Size
	state.completeStep(StepBuildArchive)
	// no finer granularity is reported by the readiness check
	state.startStep(StepCheckReadiness, 50)
}

type ReadinessConfirmed struct{}

func (evt ReadinessConfirmed) apply(state *UploadInfo) {
	state.completeStep(StepCheckReadiness)
}

type ReadinessFailed struct{ error }

func (evt ReadinessFailed) FormatError(xerrors.Printer) (next error) { return evt.error }

func (evt ReadinessFailed) apply(state *UploadInfo) {
	state.failStep(StepCheckReadiness, evt.Error())
	state.Error = ErrReadinessBlocked.Error()
}

type StorageContextReady struct {
	ProviderID   string
	ProviderName string
	DataSetID    uint64
}

func (evt StorageContextReady) apply(state *UploadInfo) {
	state.ProviderID = evt.ProviderID
	state.ProviderName = evt.ProviderName
	state.DataSetID = evt.DataSetID
	state.startStep(StepUploadToProvider, 0)
}

type UploadStored struct {
	PieceCID   cid.Cid
	Commitment []byte
}

func (evt UploadStored) apply(state *UploadInfo) {
	pc := evt.PieceCID
	state.PieceCID = &pc
	state.PieceCommitment = evt.Commitment
	state.completeStep(StepUploadToProvider)
	state.startStep(StepAnnounceToIndex, 0)
}

type PieceAddSubmitted struct {
	TxHash string
}

func (evt PieceAddSubmitted) apply(state *UploadInfo) {
	state.TxHash = evt.TxHash
	state.startStep(StepFinalizeTransaction, 0)
}

type PieceAddConfirmed struct{}

func (evt PieceAddConfirmed) apply(state *UploadInfo) {
	state.completeStep(StepFinalizeTransaction)
}

type ExecuteDone struct{}

func (evt ExecuteDone) apply(*UploadInfo) {}

// History hand-off

type UploadArchived struct {
	RecordID string
}

func (evt UploadArchived) apply(state *UploadInfo) {
	state.RecordID = evt.RecordID
}

type UploadExpired struct{}

func (evt UploadExpired) apply(*UploadInfo) {}
