package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/ipfs/go-cid"
	"golang.org/x/sync/errgroup"

	"xdao.co/notarize/cidutil"
)

// Named pairs a backend with the name used in logs and records.
type Named struct {
	Name string
	CAS  CAS
}

// Replicating writes every object to all backends and reads from the first
// backend that has it, in slice order.
type Replicating struct {
	Backends []Named
}

var _ CAS = (*Replicating)(nil)

// PutAll writes data to every backend concurrently and returns the CID each
// backend reported. Any backend disagreeing with the locally computed CID
// fails the write with ErrCIDMismatch.
func (r *Replicating) PutAll(ctx context.Context, data []byte) (cid.Cid, map[string]cid.Cid, error) {
	if len(r.Backends) == 0 {
		return cid.Undef, nil, ErrNoBackends
	}
	want, err := cidutil.Sum(data)
	if err != nil {
		return cid.Undef, nil, err
	}

	for _, b := range r.Backends {
		if b.CAS == nil {
			return cid.Undef, nil, fmt.Errorf("storage: backend %q has no store", b.Name)
		}
	}

	var mu sync.Mutex
	out := make(map[string]cid.Cid, len(r.Backends))
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range r.Backends {
		g.Go(func() error {
			got, err := b.CAS.Put(gctx, data)
			if err != nil {
				return fmt.Errorf("storage: put to %s: %w", b.Name, err)
			}
			mu.Lock()
			out[b.Name] = got
			mu.Unlock()
			if got != want {
				return fmt.Errorf("storage: put to %s: %w", b.Name, ErrCIDMismatch)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return cid.Undef, out, err
	}
	return want, out, nil
}

func (r *Replicating) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	id, _, err := r.PutAll(ctx, data)
	return id, err
}

func (r *Replicating) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	for _, b := range r.Backends {
		data, err := b.CAS.Get(ctx, id)
		if err == nil {
			return data, nil
		}
		if !IsNotFound(err) {
			return nil, fmt.Errorf("storage: get from %s: %w", b.Name, err)
		}
	}
	return nil, ErrNotFound
}

func (r *Replicating) Has(ctx context.Context, id cid.Cid) (bool, error) {
	for _, b := range r.Backends {
		ok, err := b.CAS.Has(ctx, id)
		if err != nil {
			return false, fmt.Errorf("storage: has on %s: %w", b.Name, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
