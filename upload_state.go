package pinning

type UploadState string

const (
	UndefinedUploadState UploadState = ""

	// happy path
	BuildingArchive   UploadState = "BuildingArchive"   // archive builder running
	CheckingReadiness UploadState = "CheckingReadiness" // payment readiness check
	PreparingContext  UploadState = "PreparingContext"  // obtaining provider + data set
	Uploading         UploadState = "Uploading"         // engine executing; piece events arrive here
	Finalized         UploadState = "Finalized"         // engine returned, waiting for history hand-off
	Archived          UploadState = "Archived"          // record handed to the history store
	// error modes
	Failed  UploadState = "Failed"  // terminal error, visible until retried or expired
	Expired UploadState = "Expired" // failed attempt auto-cleared from the active slot
)

// Terminal reports whether the driver has stopped working on the attempt.
func (s UploadState) Terminal() bool {
	switch s {
	case Finalized, Archived, Failed, Expired:
		return true
	}
	return false
}
