package gcroots

import (
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
)

// Roots manages the directory of symlinks that keeps freshly
// registered outputs out of the garbage collector's reach.
type Roots struct {
	l   hclog.Logger
	dir string
}

// New returns a root manager over dir, creating it if needed.
func New(l hclog.Logger, dir string) (*Roots, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Roots{l: l.Named("gcroots"), dir: dir}, nil
}

// Add creates a root for the given store path.  An existing root for
// the same path is left alone.
func (r *Roots) Add(storePath string) error {
	link := filepath.Join(r.dir, filepath.Base(storePath))
	err := os.Symlink(storePath, link)
	if os.IsExist(err) {
		return nil
	}
	if err != nil {
		r.l.Warn("Unable to create GC root", "path", storePath, "err", err)
	}
	return err
}
