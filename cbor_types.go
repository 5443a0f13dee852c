package pinning

import (
	cbor "github.com/ipfs/go-ipld-cbor"
)

// Upload state is persisted through the statemachine's cbor fallback path,
// which needs atlas entries for every struct in UploadInfo.
func init() {
	cbor.RegisterCborType(Step{})
	cbor.RegisterCborType(Log{})
	cbor.RegisterCborType(UploadInfo{})
}
