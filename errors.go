package pinning

import "golang.org/x/xerrors"

var (
	ErrReadinessBlocked      = xerrors.New("Readiness check failed")
	ErrIndexNotConfirmed     = xerrors.New("content was not confirmed by the discovery index")
	ErrIncompleteExecution   = xerrors.New("upload engine returned before the piece was confirmed")
	ErrInterrupted           = xerrors.New("upload interrupted by restart")
	ErrNoPreviousUpload      = xerrors.New("no previous upload to retry")
	ErrUnknownHistoryBackend = xerrors.New("unknown history backend")
	ErrRecordExists          = xerrors.New("history record already exists")
)
