// Package storage defines the content-addressed stores persisted artifacts
// can be mirrored into.
package storage

import (
	"context"

	"github.com/ipfs/go-cid"
)

// CAS is a content-addressed store.
//
// Put is idempotent and objects never change once stored. The CID is always
// the cidutil.Sum of the bytes; implementations verify it on Get. Get returns
// ErrNotFound for an absent CID.
type CAS interface {
	Put(ctx context.Context, data []byte) (cid.Cid, error)
	Get(ctx context.Context, id cid.Cid) ([]byte, error)
	Has(ctx context.Context, id cid.Cid) (bool, error)
}
