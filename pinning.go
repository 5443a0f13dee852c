package pinning

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-statemachine"
)

const UploadStorePrefix = "/uploads"

var log = logging.Logger("pinning")

// activeUpload is the attempt currently shown to the user.
type activeUpload struct {
	id   uuid.UUID
	info UploadInfo

	clearTimer *time.Timer
}

type Pinning struct {
	cfg Config

	builder ArchiveBuilder
	engine  UploadEngine
	history HistoryStore
	metrics *Metrics

	uploads *statemachine.StateGroup
	poller  *AvailabilityPoller

	sf   singleflight.Group
	scLk sync.Mutex
	sc   *StorageContext

	lk            sync.Mutex
	active        *activeUpload
	uploading     uuid.UUID
	lastFile      File
	lastMeta      map[string]string
	pendingExpand cid.Cid
	remountKey    int
	indexWarning  string

	// unarchived holds records of completed attempts not yet accepted by
	// the history store
	unarchived   map[uuid.UUID]HistoryRecord
	archiveTimer *time.Timer

	hlk     sync.Mutex
	records []HistoryRecord
	loaded  bool

	changed  chan struct{}
	closing  chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

func New(cfg Config, ds datastore.Batching, builder ArchiveBuilder, engine UploadEngine, index DiscoveryIndex, history HistoryStore, metrics *Metrics) *Pinning {
	m := &Pinning{
		cfg: cfg,

		builder: builder,
		engine:  engine,
		history: history,
		metrics: metrics,

		unarchived: map[uuid.UUID]HistoryRecord{},

		changed: make(chan struct{}, 1),
		closing: make(chan struct{}),
	}

	m.uploads = statemachine.New(namespace.Wrap(ds, datastore.NewKey(UploadStorePrefix)), m, UploadInfo{})
	m.poller = NewAvailabilityPoller(index, cfg.Poll, metrics, m.indexConfirmed, m.indexUnconfirmed)

	return m
}

func (m *Pinning) Uploads() *statemachine.StateGroup {
	return m.uploads
}

// Run loads history, fails attempts left unfinished by a previous process,
// picks up finished ones that never got their record and starts the
// orchestrator.
func (m *Pinning) Run(ctx context.Context) error {
	recs, err := m.RefreshHistory(ctx)
	historyOK := err == nil
	if !historyOK {
		log.Warnf("loading history: %+v", err)
	}

	if err := m.restartUploads(ctx, recs, historyOK); err != nil {
		log.Errorf("%+v", err)
		return xerrors.Errorf("failed load upload states: %w", err)
	}

	m.lk.Lock()
	if m.done == nil {
		m.done = make(chan struct{})
		go m.orchestrate()
	}
	m.lk.Unlock()

	m.signal()
	return nil
}

func (m *Pinning) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() {
		m.stopErr = m.stop(ctx)
	})
	return m.stopErr
}

func (m *Pinning) stop(ctx context.Context) error {
	close(m.closing)
	m.poller.Close()

	m.lk.Lock()
	done := m.done
	if m.active != nil && m.active.clearTimer != nil {
		m.active.clearTimer.Stop()
	}
	if m.archiveTimer != nil {
		m.archiveTimer.Stop()
	}
	m.lk.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return m.uploads.Stop(ctx)
}

// restartUploads needs the stored history (historyOK) to recover finalized
// attempts without creating a second record.
func (m *Pinning) restartUploads(ctx context.Context, history []HistoryRecord, historyOK bool) error {
	var infos []UploadInfo
	if err := m.uploads.List(&infos); err != nil {
		return xerrors.Errorf("getting upload list: %w", err)
	}

	recorded := make(map[string]string, len(history))
	for _, rec := range history {
		recorded[rec.UploadID] = rec.ID
	}

	for _, info := range infos {
		if info.State == UndefinedUploadState {
			continue
		}

		id, err := uuid.Parse(info.ID)
		if err != nil {
			log.Errorf("upload with bad id %q in state %s: %+v", info.ID, info.State, err)
			continue
		}

		if info.State == Finalized && info.RecordID == "" {
			if !historyOK {
				log.Warnf("upload %s: history unavailable, not recovering its record", id)
				continue
			}
			if err := m.recoverFinalized(id, info, recorded); err != nil {
				return err
			}
			continue
		}
		if info.State.Terminal() {
			continue
		}

		log.Infof("upload %s was interrupted in state %s", id, info.State)
		if err := m.uploads.Send(id, UploadFailed{xerrors.Errorf("in state %s: %w", info.State, ErrInterrupted)}); err != nil {
			return xerrors.Errorf("failing interrupted upload %s: %w", id, err)
		}
	}

	return nil
}

func (m *Pinning) recoverFinalized(id uuid.UUID, info UploadInfo, recorded map[string]string) error {
	if recID, ok := recorded[info.ID]; ok {
		log.Infof("upload %s: record %s was stored before the restart", id, recID)
		if err := m.uploads.Send(id, UploadArchived{RecordID: recID}); err != nil {
			return xerrors.Errorf("marking upload %s archived: %w", id, err)
		}
		return nil
	}

	// attempts that finished unobserved never completed announce-to-index
	if !isComplete(&info) {
		return nil
	}

	rec, err := newHistoryRecord(info, m.cfg.Network, time.Now())
	if err != nil {
		log.Errorf("upload %s completed without a usable record: %+v", id, err)
		return nil
	}

	log.Infof("upload %s completed before the restart, storing its record", id)
	m.lk.Lock()
	m.unarchived[id] = rec
	m.lk.Unlock()
	return nil
}

// notify is called by the planner with every new state of every attempt.
func (m *Pinning) notify(info UploadInfo) {
	m.lk.Lock()
	if m.active == nil || m.active.id.String() != info.ID {
		m.lk.Unlock()
		return
	}
	m.active.info = info.clone()
	m.lk.Unlock()

	m.signal()
}

func (m *Pinning) signal() {
	select {
	case m.changed <- struct{}{}:
	default:
	}
}

// Active returns a snapshot of the attempt shown to the user.
func (m *Pinning) Active() (UploadInfo, bool) {
	m.lk.Lock()
	defer m.lk.Unlock()

	if m.active == nil {
		return UploadInfo{}, false
	}
	return m.active.info.clone(), true
}

func (m *Pinning) IsUploading() bool {
	m.lk.Lock()
	defer m.lk.Unlock()
	return m.uploading != uuid.Nil
}

// HasIndexFailure reports a soft discovery failure on the active attempt or,
// once it was handed to history, on the last archived one.
func (m *Pinning) HasIndexFailure() bool {
	m.lk.Lock()
	defer m.lk.Unlock()

	if m.active != nil {
		return m.active.info.HasIndexFailure()
	}
	return m.indexWarning != ""
}

// RemountKey changes every time the active slot is reset.
func (m *Pinning) RemountKey() int {
	m.lk.Lock()
	defer m.lk.Unlock()
	return m.remountKey
}

// TakePendingExpand returns the piece CID of the newest history record once.
func (m *Pinning) TakePendingExpand() (cid.Cid, bool) {
	m.lk.Lock()
	defer m.lk.Unlock()

	c := m.pendingExpand
	m.pendingExpand = cid.Undef
	return c, c.Defined()
}

// CancelUpload clears the active slot. A running attempt is not aborted; it
// finishes unobserved.
func (m *Pinning) CancelUpload() {
	m.lk.Lock()
	if m.active == nil {
		m.lk.Unlock()
		return
	}
	log.Infof("upload %s dismissed", m.active.id)
	m.clearActiveLocked()
	m.indexWarning = ""
	m.lk.Unlock()

	m.signal()
}

func (m *Pinning) clearActiveLocked() {
	if m.active.clearTimer != nil {
		m.active.clearTimer.Stop()
	}
	m.active = nil
	m.remountKey++
}

// ListUploads returns every persisted attempt.
func (m *Pinning) ListUploads() ([]UploadInfo, error) {
	var out []UploadInfo
	if err := m.uploads.List(&out); err != nil {
		return nil, xerrors.Errorf("listing uploads: %w", err)
	}
	return out, nil
}

func (m *Pinning) indexConfirmed(root cid.Cid) {
	log.Infof("root %s is available on the discovery index", root)
	m.sendToActiveRoot(root, IndexConfirmed{})
}

func (m *Pinning) indexUnconfirmed(root cid.Cid, err error) {
	log.Warnf("giving up on discovery of %s: %+v", root, err)
	m.sendToActiveRoot(root, IndexUnconfirmed{err})
}

func (m *Pinning) sendToActiveRoot(root cid.Cid, evt interface{}) {
	m.lk.Lock()
	a := m.active
	match := a != nil && a.info.Root != nil && a.info.Root.Equals(root)
	var id uuid.UUID
	if match {
		id = a.id
	}
	m.lk.Unlock()

	if !match {
		return
	}
	if err := m.uploads.Send(id, evt); err != nil {
		log.Errorf("sending %T to upload %s: %+v", evt, id, err)
	}
}
