package queue

import (
	"github.com/the-maldridge/qrunner/pkg/config"
	"github.com/the-maldridge/qrunner/pkg/gcroots"
	"github.com/the-maldridge/qrunner/pkg/logstore"
	"github.com/the-maldridge/qrunner/pkg/machine"
	"github.com/the-maldridge/qrunner/pkg/store"
	"github.com/the-maldridge/qrunner/pkg/types"
)

// An Option customizes the scheduler during construction.
type Option func(*Scheduler) error

// WithConfig supplies the application configuration.
func WithConfig(c *config.Config) Option {
	return func(s *Scheduler) error {
		s.cfg = c
		return nil
	}
}

// WithDatabase supplies the queue database.
func WithDatabase(d Database) Option {
	return func(s *Scheduler) error {
		s.db = d
		return nil
	}
}

// WithLocalStore supplies the store derivations are read from.
func WithLocalStore(st store.Store) Option {
	return func(s *Scheduler) error {
		s.localStore = st
		return nil
	}
}

// WithDestStore supplies the store finished outputs land in.  When
// unset the local store doubles as the destination.
func WithDestStore(st store.Store) Option {
	return func(s *Scheduler) error {
		s.destStore = st
		return nil
	}
}

// WithDialer supplies the transport used to reach build machines.
func WithDialer(d machine.Dialer) Option {
	return func(s *Scheduler) error {
		s.dial = d
		return nil
	}
}

// WithLogStore supplies the build log sink.
func WithLogStore(ls *logstore.LogStore) Option {
	return func(s *Scheduler) error {
		s.logs = ls
		return nil
	}
}

// WithGCRoots supplies the GC root manager.
func WithGCRoots(r *gcroots.Roots) Option {
	return func(s *Scheduler) error {
		s.roots = r
		return nil
	}
}

// WithBuildOne restricts the run to a single build: once it
// completes, BuildOneDone is closed.
func WithBuildOne(id types.BuildID) Option {
	return func(s *Scheduler) error {
		s.buildOne = id
		return nil
	}
}
