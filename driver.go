package pinning

import (
	"context"
	"fmt"

	units "github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/xerrors"

	commcid "github.com/filecoin-project/go-fil-commcid"
)

const storageContextKey = "storage-context"

// StartUpload runs one attempt for f to completion or failure and returns
// the archive root. The new attempt replaces the active one; a previous
// attempt still running keeps going unobserved.
func (m *Pinning) StartUpload(ctx context.Context, f File, metadata map[string]string) (cid.Cid, error) {
	id := uuid.New()

	var meta map[string]string
	if len(metadata) > 0 {
		meta = make(map[string]string, len(metadata))
		for k, v := range metadata {
			meta[k] = v
		}
	}

	m.lk.Lock()
	m.lastFile = f
	m.lastMeta = meta
	if m.active != nil && m.active.clearTimer != nil {
		m.active.clearTimer.Stop()
	}
	m.active = &activeUpload{id: id}
	m.uploading = id
	m.indexWarning = ""
	m.lk.Unlock()

	defer m.doneUploading(id)

	m.metrics.UploadsStarted.Inc()
	log.Infof("upload %s: %s (%s)", id, f.Name(), units.HumanSizeWithPrecision(float64(f.Size()), 3))

	err := m.uploads.Send(id, UploadStart{
		ID:       id.String(),
		FileName: f.Name(),
		FileSize: f.Size(),
		Metadata: meta,
	})
	if err != nil {
		return cid.Undef, xerrors.Errorf("starting upload %s: %w", id, err)
	}

	return m.drive(ctx, id, f)
}

// RetryUpload starts a new attempt with the last submitted file and metadata.
func (m *Pinning) RetryUpload(ctx context.Context) (cid.Cid, error) {
	m.lk.Lock()
	f, meta := m.lastFile, m.lastMeta
	m.lk.Unlock()

	if f == nil {
		return cid.Undef, ErrNoPreviousUpload
	}
	return m.StartUpload(ctx, f, meta)
}

func (m *Pinning) doneUploading(id uuid.UUID) {
	m.lk.Lock()
	defer m.lk.Unlock()

	if m.uploading == id {
		m.uploading = uuid.Nil
	}
}

func (m *Pinning) drive(ctx context.Context, id uuid.UUID, f File) (cid.Cid, error) {
	archive, err := m.buildArchive(ctx, id, f)
	if err != nil {
		return cid.Undef, m.fail(id, xerrors.Errorf("building archive: %w", err))
	}
	log.Infof("upload %s: archive %s (%s)", id, archive.Root, units.HumanSizeWithPrecision(float64(archive.Size()), 3))

	if err := m.checkReadiness(ctx, id, archive); err != nil {
		return cid.Undef, err
	}

	sc, err := m.storageContext(ctx)
	if err != nil {
		return cid.Undef, m.fail(id, xerrors.Errorf("creating storage context: %w", err))
	}
	err = m.uploads.Send(id, StorageContextReady{
		ProviderID:   sc.Provider.ID.String(),
		ProviderName: sc.Provider.Name,
		DataSetID:    sc.DataSetID,
	})
	if err != nil {
		return cid.Undef, xerrors.Errorf("recording storage context: %w", err)
	}

	if err := m.execute(ctx, id, sc, archive); err != nil {
		return cid.Undef, m.fail(id, xerrors.Errorf("uploading to %s: %w", sc.Provider.ID, err))
	}

	if err := m.uploads.Send(id, ExecuteDone{}); err != nil {
		return cid.Undef, xerrors.Errorf("finalizing upload %s: %w", id, err)
	}

	return archive.Root, nil
}

// fail records err on the attempt and returns it.
func (m *Pinning) fail(id uuid.UUID, err error) error {
	if serr := m.uploads.Send(id, UploadFailed{err}); serr != nil {
		log.Errorf("recording failure of upload %s: %+v", id, serr)
	}
	return err
}

func (m *Pinning) buildArchive(ctx context.Context, id uuid.UUID, f File) (Archive, error) {
	timer := prometheus.NewTimer(m.metrics.StepDuration.WithLabelValues(string(StepBuildArchive)))
	defer timer.ObserveDuration()

	last := -1
	archive, err := m.builder.BuildArchive(ctx, f, func(processed, total int64) {
		p := PercentOf(processed, total)
		if p == last {
			return
		}
		last = p
		if err := m.uploads.Send(id, ArchiveProgress{Processed: processed, Total: total}); err != nil {
			log.Warnf("upload %s: reporting archive progress: %+v", id, err)
		}
	})
	if err != nil {
		return Archive{}, err
	}
	if !archive.Root.Defined() {
		return Archive{}, xerrors.New("archive builder returned an undefined root")
	}

	if err := m.uploads.Send(id, ArchiveBuilt{Root: archive.Root, Size: archive.Size()}); err != nil {
		return Archive{}, xerrors.Errorf("recording archive: %w", err)
	}
	return archive, nil
}

// checkReadiness reports its own failures to the state machine.
func (m *Pinning) checkReadiness(ctx context.Context, id uuid.UUID, archive Archive) error {
	timer := prometheus.NewTimer(m.metrics.StepDuration.WithLabelValues(string(StepCheckReadiness)))
	defer timer.ObserveDuration()

	report, err := m.engine.CheckReadiness(ctx, ReadinessRequest{
		Size:          archive.Size(),
		AutoConfigure: true,
	})
	if err != nil {
		return m.fail(id, xerrors.Errorf("checking readiness: %w", err))
	}

	if report.Status == ReadinessBlocked {
		reason := report.Reason
		if report.RequiredDeposit.Int != nil {
			reason = fmt.Sprintf("%s (required deposit %s)", reason, report.RequiredDeposit.String())
		}
		cause := xerrors.Errorf("%s: %w", reason, ErrReadinessBlocked)
		if err := m.uploads.Send(id, ReadinessFailed{cause}); err != nil {
			log.Errorf("recording readiness failure of upload %s: %+v", id, err)
		}
		return cause
	}

	if err := m.uploads.Send(id, ReadinessConfirmed{}); err != nil {
		return xerrors.Errorf("recording readiness: %w", err)
	}
	return nil
}

// storageContext returns the engine's storage context, creating it once.
// Concurrent callers share a single in-flight creation.
func (m *Pinning) storageContext(ctx context.Context) (*StorageContext, error) {
	m.scLk.Lock()
	sc := m.sc
	m.scLk.Unlock()
	if sc != nil {
		return sc, nil
	}

	v, err, _ := m.sf.Do(storageContextKey, func() (interface{}, error) {
		m.scLk.Lock()
		if m.sc != nil {
			defer m.scLk.Unlock()
			return m.sc, nil
		}
		m.scLk.Unlock()

		sc, err := m.engine.StorageContext(ctx)
		if err != nil {
			return nil, err
		}
		if sc == nil {
			return nil, xerrors.New("engine returned no storage context")
		}
		log.Infof("storage context: provider %s (%s), data set %d", sc.Provider.ID, sc.Provider.Name, sc.DataSetID)

		m.scLk.Lock()
		m.sc = sc
		m.scLk.Unlock()
		return sc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*StorageContext), nil
}

// execute runs the engine and turns its event stream into state machine
// events, in the order the engine sent them.
func (m *Pinning) execute(ctx context.Context, id uuid.UUID, sc *StorageContext, archive Archive) error {
	timer := prometheus.NewTimer(m.metrics.StepDuration.WithLabelValues(string(StepUploadToProvider)))
	defer timer.ObserveDuration()

	events := make(chan UploadEvent)
	done := make(chan error, 1)
	go func() {
		err := m.engine.Execute(ctx, sc, archive, events)
		close(events)
		done <- err
	}()

	var seen executeProgress
	var evtErr error
	for evt := range events {
		if evtErr != nil {
			// drain so the engine never blocks
			continue
		}
		evtErr = m.handleUploadEvent(id, evt, &seen)
	}

	if err := <-done; err != nil {
		return err
	}
	if evtErr != nil {
		return evtErr
	}
	if !seen.complete() {
		return xerrors.Errorf("stored=%t added=%t confirmed=%t: %w", seen.stored, seen.added, seen.confirmed, ErrIncompleteExecution)
	}
	return nil
}

type executeProgress struct {
	stored, added, confirmed bool
}

func (p executeProgress) complete() bool {
	return p.stored && p.added && p.confirmed
}

func (m *Pinning) handleUploadEvent(id uuid.UUID, evt UploadEvent, seen *executeProgress) error {
	switch e := evt.(type) {
	case UploadCompleted:
		if seen.stored {
			return xerrors.Errorf("duplicate upload completion for piece %s", e.PieceCID)
		}
		if !e.PieceCID.Defined() {
			return xerrors.New("upload completed without a piece cid")
		}
		commP, err := commcid.CIDToPieceCommitmentV1(e.PieceCID)
		if err != nil {
			log.Warnf("upload %s: piece %s is not a v1 piece commitment: %s", id, e.PieceCID, err)
			commP = nil
		}
		seen.stored = true
		return m.uploads.Send(id, UploadStored{PieceCID: e.PieceCID, Commitment: commP})
	case PieceAdded:
		if seen.added {
			return xerrors.Errorf("duplicate add-piece transaction %s", e.TxHash)
		}
		if e.TxHash == "" {
			return xerrors.New("add-piece transaction without a hash")
		}
		seen.added = true
		log.Infof("upload %s: add-piece transaction %s", id, e.TxHash)
		return m.uploads.Send(id, PieceAddSubmitted{TxHash: e.TxHash})
	case PieceConfirmed:
		if !seen.added {
			return xerrors.New("piece confirmed before the add-piece transaction was submitted")
		}
		if seen.confirmed {
			return xerrors.New("duplicate piece confirmation")
		}
		seen.confirmed = true
		return m.uploads.Send(id, PieceAddConfirmed{})
	default:
		return xerrors.Errorf("unknown upload event %T", evt)
	}
}
