package machine

import (
	"context"
	"io"

	"github.com/the-maldridge/qrunner/pkg/store"
	"github.com/the-maldridge/qrunner/pkg/types"
)

// BuildOptions carries the per-step limits handed to the remote
// machine alongside a derivation.
type BuildOptions struct {
	MaxSilentTime int
	BuildTimeout  int
	MaxLogSize    int64

	// Repeats asks the remote to rebuild the derivation this many
	// extra times and compare outputs, to smoke out
	// non-determinism.
	Repeats int
}

// A BuildClient is one open connection to a build machine.  At most
// one upload runs per connection at a time; builds and downloads may
// overlap across distinct machines.
type BuildClient interface {
	// QueryValidPaths filters the set down to paths already valid
	// on the remote.
	QueryValidPaths(ctx context.Context, paths []string) ([]string, error)

	// ImportPaths uploads the given NAR streams to the remote
	// store.  The source function is called once per path in
	// order.
	ImportPaths(ctx context.Context, paths []string, source func(path string, w io.Writer) error) error

	// BuildDerivation realizes the derivation remotely, streaming
	// its build log to log if non-nil.
	BuildDerivation(ctx context.Context, drvPath string, drv *store.Derivation, opts BuildOptions, log io.Writer) (*types.RemoteResult, error)

	// NarFromPath serializes a remote path onto w.
	NarFromPath(ctx context.Context, path string, w io.Writer) error

	Close() error
}

// A Dialer opens a connection to a machine.  The scheduler holds
// exactly one and uses it for every machine; which transport it
// speaks is the caller's business.
type Dialer func(ctx context.Context, m *Machine) (BuildClient, error)
