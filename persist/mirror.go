package persist

import (
	"errors"
	"fmt"

	"xdao.co/notarize/config"
	"xdao.co/notarize/storage"
	"xdao.co/notarize/storage/grpccas"
	"xdao.co/notarize/storage/localfs"
)

// OpenMirror builds the CAS described by backends. It returns a nil store
// when backends is empty. The returned close function releases any remote
// connections.
func OpenMirror(backends []config.MirrorBackend) (storage.CAS, func() error, error) {
	var (
		named   []storage.Named
		closers []func() error
	)
	closeAll := func() error {
		var errList []error
		for _, c := range closers {
			errList = append(errList, c())
		}
		return errors.Join(errList...)
	}
	for i, b := range backends {
		name := fmt.Sprintf("%s-%d", b.Name, i)
		switch b.Name {
		case "localfs":
			cas, err := localfs.New(b.Dir)
			if err != nil {
				_ = closeAll()
				return nil, nil, fmt.Errorf("mirror %s: %w", name, err)
			}
			named = append(named, storage.Named{Name: name, CAS: cas})
		case "grpc":
			client, err := grpccas.Dial(b.Target, grpccas.DialOptions{Timeout: b.Timeout})
			if err != nil {
				_ = closeAll()
				return nil, nil, fmt.Errorf("mirror %s: %w", name, err)
			}
			closers = append(closers, client.Close)
			named = append(named, storage.Named{Name: name, CAS: client})
		default:
			_ = closeAll()
			return nil, nil, fmt.Errorf("mirror %s: unknown backend %q", name, b.Name)
		}
	}
	switch len(named) {
	case 0:
		return nil, closeAll, nil
	case 1:
		return named[0].CAS, closeAll, nil
	default:
		return &storage.Replicating{Backends: named}, closeAll, nil
	}
}
