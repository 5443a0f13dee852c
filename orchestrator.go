package pinning

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"
)

// orchestrate is the only goroutine that moves attempts out of the active
// slot and drives the availability poller.
func (m *Pinning) orchestrate() {
	defer close(m.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-m.changed:
			m.evaluate(ctx)
		case <-m.closing:
			return
		}
	}
}

func (m *Pinning) evaluate(ctx context.Context) {
	var (
		target cid.Cid
		armed  bool
	)

	m.lk.Lock()
	if a := m.active; a != nil {
		info := &a.info

		switch {
		case isComplete(info):
			if _, ok := m.unarchived[a.id]; ok {
				break
			}
			rec, err := newHistoryRecord(*info, m.cfg.Network, time.Now())
			if err != nil {
				log.Errorf("upload %s completed without a usable record: %+v", a.id, err)
				break
			}
			// the attempt keeps this record until the store accepts it
			m.unarchived[a.id] = rec
		case info.State == Failed:
			if a.clearTimer == nil {
				id := a.id
				a.clearTimer = time.AfterFunc(m.cfg.AutoClearDelay, func() {
					m.autoClear(id)
				})
			}
		}

		if info.Root != nil && info.State != Failed &&
			info.Step(StepAnnounceToIndex).Status == StepInProgress {
			target, armed = *info.Root, true
		}
	}

	pending := make([]archivedUpload, 0, len(m.unarchived))
	for id, rec := range m.unarchived {
		pending = append(pending, archivedUpload{id: id, rec: rec})
	}
	m.lk.Unlock()

	m.poller.Update(target, armed)

	for _, a := range pending {
		m.archive(ctx, a)
	}
}

type archivedUpload struct {
	id  uuid.UUID
	rec HistoryRecord
}

// isComplete: the engine is done and every step completed, with a failed
// announce-to-index tolerated.
func isComplete(info *UploadInfo) bool {
	return info.State == Finalized &&
		info.PieceCID != nil &&
		info.ProviderID != "" &&
		info.Succeeded()
}

// archive stores the record and only then releases the attempt. A failed
// write leaves everything in place for the next try.
func (m *Pinning) archive(ctx context.Context, a archivedUpload) {
	if err := m.history.Add(ctx, a.rec); err != nil && !xerrors.Is(err, ErrRecordExists) {
		m.metrics.HistoryFailures.Inc()
		log.Errorf("storing history record for upload %s, retrying in %s: %+v", a.id, m.cfg.ArchiveRetryDelay, err)
		m.retryArchive()
		return
	}
	m.metrics.HistoryRecords.Inc()
	log.Infof("upload %s recorded as %s (piece %s)", a.id, a.rec.ID, a.rec.PieceCID)

	m.lk.Lock()
	delete(m.unarchived, a.id)
	if m.active != nil && m.active.id == a.id {
		m.pendingExpand = a.rec.PieceCID
		m.indexWarning = m.active.info.IndexWarning
		m.clearActiveLocked()
	}
	m.lk.Unlock()

	m.hlk.Lock()
	m.records = append([]HistoryRecord{a.rec}, m.records...)
	m.hlk.Unlock()

	if err := m.uploads.Send(a.id, UploadArchived{RecordID: a.rec.ID}); err != nil {
		log.Errorf("marking upload %s archived: %+v", a.id, err)
	}
}

func (m *Pinning) retryArchive() {
	m.lk.Lock()
	defer m.lk.Unlock()

	if m.archiveTimer != nil {
		return
	}
	m.archiveTimer = time.AfterFunc(m.cfg.ArchiveRetryDelay, func() {
		m.lk.Lock()
		m.archiveTimer = nil
		m.lk.Unlock()

		m.signal()
	})
}

// autoClear drops a failed attempt from the active slot if nothing replaced
// it in the meantime.
func (m *Pinning) autoClear(id uuid.UUID) {
	m.lk.Lock()
	a := m.active
	if a == nil || a.id != id || a.info.State != Failed {
		m.lk.Unlock()
		return
	}
	a.clearTimer = nil
	m.clearActiveLocked()
	m.lk.Unlock()

	log.Infof("upload %s cleared after error", id)
	m.signal()

	if err := m.uploads.Send(id, UploadExpired{}); err != nil {
		log.Errorf("expiring upload %s: %+v", id, err)
	}
}

// History returns the cached history, loading it on first use.
func (m *Pinning) History(ctx context.Context) ([]HistoryRecord, error) {
	m.hlk.Lock()
	if m.loaded {
		out := append([]HistoryRecord(nil), m.records...)
		m.hlk.Unlock()
		return out, nil
	}
	m.hlk.Unlock()

	return m.RefreshHistory(ctx)
}

// RefreshHistory reloads history from the store.
func (m *Pinning) RefreshHistory(ctx context.Context) ([]HistoryRecord, error) {
	recs, err := m.history.List(ctx)
	if err != nil {
		return nil, xerrors.Errorf("listing history: %w", err)
	}

	m.hlk.Lock()
	m.records = recs
	m.loaded = true
	m.hlk.Unlock()

	return append([]HistoryRecord(nil), recs...), nil
}
