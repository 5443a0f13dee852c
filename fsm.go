package pinning

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-statemachine"
)

const maxLogEntries = 50

func (m *Pinning) Plan(events []statemachine.Event, user interface{}) (interface{}, uint64, error) {
	state := user.(*UploadInfo)
	if err := m.plan(events, state); err != nil {
		// a planner error would stop the machine for this upload; keep it alive
		log.Errorf("unhandled upload event (%s): %+v", state.ID, err)
	}

	m.notify(*state)

	return nil, uint64(len(events)), nil
}

var fsmPlanners = map[UploadState]func(event statemachine.Event, state *UploadInfo) error{
	UndefinedUploadState: planOne(on(UploadStart{}, BuildingArchive)),
	BuildingArchive: planOne(
		on(ArchiveProgress{}, BuildingArchive),
		on(ArchiveBuilt{}, CheckingReadiness),
	),
	CheckingReadiness: planOne(
		on(ReadinessConfirmed{}, PreparingContext),
		on(ReadinessFailed{}, Failed),
	),
	PreparingContext: planOne(
		on(StorageContextReady{}, Uploading),
	),
	Uploading: planUploading,
	Finalized: planOne(
		on(UploadArchived{}, Archived),
	),
	Failed: planOne(
		on(UploadExpired{}, Expired),
	),
	Archived: final,
	Expired:  final,
}

func (m *Pinning) plan(events []statemachine.Event, state *UploadInfo) error {
	for _, event := range events {
		appendLog(state, event)

		p := fsmPlanners[state.State]
		if p == nil {
			return xerrors.Errorf("planner for state %s not found", state.State)
		}

		before := state.State
		if err := p(event, state); err != nil {
			return xerrors.Errorf("running planner for state %s failed: %w", before, err)
		}

		if before != state.State {
			m.stateChanged(state, before)
		}
	}

	return nil
}

func appendLog(state *UploadInfo, event statemachine.Event) {
	e, err := json.Marshal(event)
	if err != nil {
		log.Errorf("marshaling event for logging: %+v", err)
		return
	}

	l := Log{
		Timestamp: uint64(time.Now().Unix()),
		Message:   string(e),
		Kind:      fmt.Sprintf("event;%T", event.User),
	}

	if err, iserr := event.User.(xerrors.Formatter); iserr {
		l.Trace = fmt.Sprintf("%+v", err)
	}

	state.Log = append(state.Log, l)

	if len(state.Log) > maxLogEntries {
		state.Log = state.Log[len(state.Log)-maxLogEntries:]
	}
}

func (m *Pinning) stateChanged(state *UploadInfo, from UploadState) {
	switch state.State {
	case BuildingArchive:
		log.Infof("upload %s: building archive for %s", state.ID, state.FileName)
	case Uploading:
		log.Infof("upload %s: uploading to provider %s (data set %d)", state.ID, state.ProviderID, state.DataSetID)
	case Finalized:
		log.Infof("upload %s: engine finished, piece %s", state.ID, state.PieceCID)
	case Archived:
		m.metrics.UploadsSucceeded.Inc()
		log.Infof("upload %s archived", state.ID)
	case Failed:
		m.metrics.UploadsFailed.WithLabelValues(string(failedStep(state, from))).Inc()
		log.Warnf("upload %s failed in %s: %s", state.ID, from, state.Error)
	case Expired:
		m.metrics.UploadsExpired.Inc()
		log.Infof("upload %s expired", state.ID)
	}
}

// failedStep names the step a failure is attributed to for metrics.
func failedStep(state *UploadInfo, from UploadState) StepKind {
	for _, st := range state.Steps {
		if st.Status == StepError && st.Kind != StepAnnounceToIndex {
			return st.Kind
		}
	}
	switch from {
	case BuildingArchive:
		return StepBuildArchive
	case CheckingReadiness:
		return StepCheckReadiness
	default:
		return StepUploadToProvider
	}
}

func planUploading(event statemachine.Event, state *UploadInfo) error {
	switch e := event.User.(type) {
	case globalMutator:
		e.applyGlobal(state)
	case UploadStored:
		if state.PieceCID != nil {
			return xerrors.Errorf("upload %s already stored as piece %s", state.ID, state.PieceCID)
		}
		e.apply(state)
	case PieceAddSubmitted:
		e.apply(state)
	case PieceAddConfirmed:
		if state.TxHash == "" {
			return xerrors.Errorf("piece confirmed before the add-piece transaction was submitted")
		}
		e.apply(state)
	case ExecuteDone:
		e.apply(state)
		state.State = Finalized
	default:
		return xerrors.Errorf("planUploading got event of unknown type %T, event: %+v", event.User, event)
	}
	return nil
}

func final(event statemachine.Event, state *UploadInfo) error {
	if gm, ok := event.User.(globalMutator); ok {
		gm.applyGlobal(state)
		return nil
	}
	return xerrors.Errorf("didn't expect any events in state %s, got %+v", state.State, event)
}

func on(mut mutator, next UploadState) func() (mutator, UploadState) {
	return func() (mutator, UploadState) {
		return mut, next
	}
}

func planOne(ts ...func() (mut mutator, next UploadState)) func(event statemachine.Event, state *UploadInfo) error {
	return func(event statemachine.Event, state *UploadInfo) error {
		if gm, ok := event.User.(globalMutator); ok {
			gm.applyGlobal(state)
			return nil
		}

		for _, t := range ts {
			mut, next := t()

			if reflect.TypeOf(event.User) != reflect.TypeOf(mut) {
				continue
			}

			if err, iserr := event.User.(error); iserr {
				log.Warnf("upload %s got error event %T: %+v", state.ID, event.User, err)
			}

			event.User.(mutator).apply(state)
			state.State = next
			return nil
		}

		return xerrors.Errorf("planner for state %s received unexpected event %T (%+v)", state.State, event.User, event)
	}
}
