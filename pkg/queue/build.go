package queue

import (
	"sync/atomic"
	"time"

	"github.com/the-maldridge/qrunner/pkg/types"
)

// A Build is one externally submitted unit of work: realize a
// top-level derivation and record the outcome.
type Build struct {
	ID      types.BuildID
	DrvPath string
	Outputs map[string]string

	Project    string
	JobsetName string
	JobName    string

	Timestamp     time.Time
	MaxSilentTime int
	BuildTimeout  int

	LocalPriority int

	// globalPriority may be bumped at any time via notification;
	// it is read and written under the scheduler's builds lock.
	globalPriority int

	Jobset *Jobset

	toplevel *Step

	started      atomic.Bool
	finishedInDB atomic.Bool
}

// FullJobName is the canonical project:jobset:job identity.
func (b *Build) FullJobName() string {
	return types.FullJobName(b.Project, b.JobsetName, b.JobName)
}

// FinishedInDB reports whether the terminal status has been written
// out.  The transition happens exactly once.
func (b *Build) FinishedInDB() bool {
	return b.finishedInDB.Load()
}

// markFinished flips the finished flag; returns false if it was
// already set, which callers use to keep completion idempotent.
func (b *Build) markFinished() bool {
	return b.finishedInDB.CompareAndSwap(false, true)
}
