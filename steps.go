package pinning

type StepKind string

const (
	StepBuildArchive        StepKind = "build-archive"
	StepCheckReadiness      StepKind = "check-readiness"
	StepUploadToProvider    StepKind = "upload-to-provider"
	StepAnnounceToIndex     StepKind = "announce-to-index"
	StepFinalizeTransaction StepKind = "finalize-transaction"
)

// stepOrder is the order steps are presented and processed in.
var stepOrder = []StepKind{
	StepBuildArchive,
	StepCheckReadiness,
	StepUploadToProvider,
	StepAnnounceToIndex,
	StepFinalizeTransaction,
}

// Valid reports whether k is one of the predeclared step kinds.
func (k StepKind) Valid() bool {
	for _, known := range stepOrder {
		if k == known {
			return true
		}
	}
	return false
}

type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in-progress"
	StepCompleted  StepStatus = "completed"
	StepError      StepStatus = "error"
)

// Step is one stage of the upload pipeline. Progress is only meaningful for
// steps that report granular progress (build-archive, check-readiness).
type Step struct {
	Kind     StepKind
	Status   StepStatus
	Progress int
	Error    string
}

// StepPatch holds the fields UpdateStep merges into a step. A zero Status
// and nil pointers leave the corresponding field untouched.
type StepPatch struct {
	Status   StepStatus
	Progress *int
	Error    *string
}

// InitialSteps returns the fixed ordered step list, all pending at 0%.
func InitialSteps() []Step {
	steps := make([]Step, len(stepOrder))
	for i, kind := range stepOrder {
		steps[i] = Step{Kind: kind, Status: StepPending}
	}
	return steps
}

// UpdateStep returns a copy of steps with patch merged into the step of the
// given kind. Unknown kinds and completed steps leave the list unchanged;
// the input slice is never modified.
func UpdateStep(steps []Step, kind StepKind, patch StepPatch) []Step {
	idx := -1
	for i := range steps {
		if steps[i].Kind == kind {
			idx = i
			break
		}
	}
	if idx < 0 || steps[idx].Status == StepCompleted {
		return steps
	}

	out := make([]Step, len(steps))
	copy(out, steps)

	st := out[idx]
	if patch.Status != "" {
		st.Status = patch.Status
	}
	if patch.Progress != nil {
		st.Progress = clampProgress(*patch.Progress)
	}
	if patch.Error != nil {
		st.Error = *patch.Error
	}
	out[idx] = st

	return out
}

// FindStep returns the step of the given kind.
func FindStep(steps []Step, kind StepKind) (Step, bool) {
	for _, st := range steps {
		if st.Kind == kind {
			return st, true
		}
	}
	return Step{}, false
}

// StageGroup groups steps for display and aggregation. The last member
// decides completion.
type StageGroup struct {
	Name    string
	Members []StepKind
}

var (
	PrepareStage  = StageGroup{Name: "prepare", Members: []StepKind{StepBuildArchive, StepCheckReadiness, StepUploadToProvider}}
	AnnounceStage = StageGroup{Name: "announce", Members: []StepKind{StepAnnounceToIndex}}
	CommitStage   = StageGroup{Name: "commit", Members: []StepKind{StepFinalizeTransaction}}
)

type StageStatus struct {
	Status   StepStatus
	Progress int
}

// AggregateStageGroup folds the member steps of group into one status.
// Members missing from steps count as pending with 0 progress.
func AggregateStageGroup(steps []Step, group StageGroup) StageStatus {
	if len(group.Members) == 0 {
		return StageStatus{Status: StepPending}
	}

	var (
		sum      int
		errored  bool
		started  bool
		lastDone bool
	)
	for i, kind := range group.Members {
		st, ok := FindStep(steps, kind)
		if !ok {
			continue
		}
		sum += st.Progress
		switch st.Status {
		case StepError:
			errored = true
		case StepInProgress, StepCompleted:
			started = true
		}
		if i == len(group.Members)-1 && st.Status == StepCompleted {
			lastDone = true
		}
	}

	n := len(group.Members)
	out := StageStatus{Progress: (sum + n/2) / n}
	switch {
	case errored:
		out.Status = StepError
	case lastDone:
		out.Status = StepCompleted
	case started:
		out.Status = StepInProgress
	default:
		out.Status = StepPending
	}
	return out
}

// PercentOf maps processed/total bytes onto 0-100.
func PercentOf(processed, total int64) int {
	if total <= 0 {
		return 0
	}
	return clampProgress(int((processed*100 + total/2) / total))
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func progressPtr(p int) *int { return &p }

func errorPtr(msg string) *string { return &msg }
