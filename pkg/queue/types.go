package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/semaphore"

	"github.com/the-maldridge/qrunner/pkg/config"
	"github.com/the-maldridge/qrunner/pkg/db"
	"github.com/the-maldridge/qrunner/pkg/gcroots"
	"github.com/the-maldridge/qrunner/pkg/logstore"
	"github.com/the-maldridge/qrunner/pkg/machine"
	"github.com/the-maldridge/qrunner/pkg/store"
	"github.com/the-maldridge/qrunner/pkg/types"
)

// Database is the narrow slice of the database layer the scheduling
// core needs.  pkg/db implements it on PostgreSQL; tests swap in a
// fake.
type Database interface {
	GetPendingBuilds(ctx context.Context, after types.BuildID) ([]db.BuildRow, error)
	GetPendingBuildPriorities(ctx context.Context) (map[types.BuildID]int, error)
	GetJobsetShares(ctx context.Context, project, name string) (int, error)
	CheckCachedFailure(ctx context.Context, outputs []string) (bool, error)
	MarkFailedPaths(ctx context.Context, paths []string) error
	ClearBusy(ctx context.Context, stopTime time.Time) error

	CreateBuildStep(ctx context.Context, startTime time.Time, buildID types.BuildID, drvPath, machineURI string, status types.BuildStatus, errorMsg string, propagatedFrom types.BuildID) (int, error)
	UpdateBuildStep(ctx context.Context, buildID types.BuildID, stepNr int, state types.StepState) error
	FinishBuildStep(ctx context.Context, buildID types.BuildID, stepNr int, res *types.RemoteResult, machineURI string) error
	AbortBuildStep(ctx context.Context, buildID types.BuildID, stepNr int, stopTime time.Time) error
	CreateSubstitutionStep(ctx context.Context, buildID types.BuildID, drvPath, outputName, storePath string, startTime, stopTime time.Time) (int, error)

	FinishBuilds(ctx context.Context, finishes []db.BuildFinish) error
	MarkSucceededBuild(ctx context.Context, id types.BuildID, outputs map[string]string, isCached bool, startTime, stopTime time.Time) error

	NotifyBuildStarted(ctx context.Context, id types.BuildID) error
	NotifyBuildFinished(ctx context.Context, id types.BuildID, dependents []types.BuildID) error
	UpsertStatus(ctx context.Context, status string) error
}

// MachineTypeStats aggregates scheduling pressure per system type,
// primarily for the status dump and external autoscalers.
type MachineTypeStats struct {
	Runnable   int
	Running    int
	LastActive time.Time
	WaitTime   time.Duration
}

// A Reservation pairs a runnable step with a slot on a machine.  It
// is created under the machines lock, which is what guarantees a
// machine never exceeds MaxJobs and a step runs on at most one
// machine.  ID correlates the attempt across log lines.
type Reservation struct {
	ID      string
	Step    *Step
	Machine *machine.Machine
}

// An ActiveStep is the cancellation handle for a running builder.
type ActiveStep struct {
	Step *Step

	cancelled atomic.Bool
	cancel    context.CancelFunc
}

// Cancel requests cooperative teardown: the flag is observed at the
// next poll point and any in-flight remote call is aborted.
func (a *ActiveStep) Cancel() {
	a.cancelled.Store(true)
	if a.cancel != nil {
		a.cancel()
	}
}

// Cancelled reports whether cancellation was requested.
func (a *ActiveStep) Cancelled() bool {
	return a.cancelled.Load()
}

// StepResult is a builder's verdict on one attempt.
type StepResult int

const (
	sDone StepResult = iota
	sRetry
	sMaybeCancelled
)

type orphan struct {
	build  types.BuildID
	stepNr int
}

// Stats is the process-wide counter block surfaced by the status
// dump.
type Stats struct {
	NrBuildsRead       atomic.Uint64
	NrBuildsDone       atomic.Uint64
	NrStepsStarted     atomic.Uint64
	NrStepsDone        atomic.Uint64
	NrStepsBuilding    atomic.Int64
	NrStepsCopyingTo   atomic.Int64
	NrStepsCopyingFrom atomic.Int64
	NrStepsWaiting     atomic.Int64
	NrUnsupportedSteps atomic.Uint64
	NrRetries          atomic.Uint64
	MaxNrRetries       atomic.Uint64
	TotalStepTime      atomic.Int64 // seconds, includes closure copying
	TotalStepBuildTime atomic.Int64 // seconds
	NrQueueWakeups     atomic.Uint64
	NrDispatcherWakeup atomic.Uint64
	DispatchTimeMs     atomic.Int64
	BytesSent          atomic.Uint64
	BytesReceived      atomic.Uint64
	NrDBUpdates        atomic.Uint64
}

// Scheduler owns the in-memory build graph and the tasks that drain
// it.  All process-wide registries hang off this value; nothing is a
// package singleton.
type Scheduler struct {
	l hclog.Logger

	cfg *config.Config

	db         Database
	localStore store.Store
	destStore  store.Store
	dial       machine.Dialer
	logs       *logstore.LogStore
	roots      *gcroots.Roots

	// now is the clock; tests pin it.
	now func() time.Time

	// Lock order, where several must be held:
	// builds < steps < jobsets < machines < runnable.
	buildsMu sync.Mutex
	builds   map[types.BuildID]*Build

	stepsMu sync.Mutex
	steps   map[string]*Step

	jobsetsMu sync.Mutex
	jobsets   map[string]*Jobset

	machinesMu sync.Mutex
	machines   map[string]*machine.Machine

	runnableMu sync.Mutex
	runnable   []*Step

	activeMu sync.Mutex
	active   map[*ActiveStep]struct{}

	typesMu      sync.Mutex
	machineTypes map[string]*MachineTypeStats

	orphanedMu sync.Mutex
	orphaned   map[orphan]struct{}

	dispatcherWake *Wake
	queueWake      *Wake

	localWork   *semaphore.Weighted
	copyClosure *semaphore.Weighted

	// lastMonitorID is the highest build id the monitor has loaded.
	lastMonitorID types.BuildID

	buildOne     types.BuildID
	buildOneOnce sync.Once
	buildOneDone chan struct{}

	startedAt time.Time
	stats     Stats
	metrics   *Metrics
}

// New assembles a scheduler.  The database, local store and dialer
// options are required; the destination store defaults to the local
// store.
func New(l hclog.Logger, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		l:              l.Named("queue"),
		cfg:            config.NewConfig(),
		now:            time.Now,
		builds:         make(map[types.BuildID]*Build),
		steps:          make(map[string]*Step),
		jobsets:        make(map[string]*Jobset),
		machines:       make(map[string]*machine.Machine),
		active:         make(map[*ActiveStep]struct{}),
		machineTypes:   make(map[string]*MachineTypeStats),
		orphaned:       make(map[orphan]struct{}),
		dispatcherWake: NewWake(),
		queueWake:      NewWake(),
		buildOneDone:   make(chan struct{}),
		startedAt:      time.Now(),
	}
	for _, o := range opts {
		if err := o(s); err != nil {
			return nil, err
		}
	}
	if s.db == nil {
		return nil, ErrNotConfigured{"database"}
	}
	if s.localStore == nil {
		return nil, ErrNotConfigured{"local store"}
	}
	if s.destStore == nil {
		s.destStore = s.localStore
	}
	if s.dial == nil {
		return nil, ErrNotConfigured{"machine dialer"}
	}
	localWorkers := s.cfg.LocalWorkers
	if localWorkers < 1 {
		localWorkers = 1
	}
	s.localWork = semaphore.NewWeighted(int64(localWorkers))
	parallelCopies := s.cfg.MaxParallelCopyClosure
	if parallelCopies < 1 {
		parallelCopies = 1
	}
	s.copyClosure = semaphore.NewWeighted(int64(parallelCopies))
	s.metrics = NewMetrics()
	return s, nil
}

// BuildOneDone is closed once the --build-one target completes.
func (s *Scheduler) BuildOneDone() <-chan struct{} {
	return s.buildOneDone
}

// WakeDispatcher nudges the dispatcher out of its timed wait.
func (s *Scheduler) WakeDispatcher() {
	s.dispatcherWake.Notify()
}

// WakeQueue nudges the queue monitor.
func (s *Scheduler) WakeQueue() {
	s.queueWake.Notify()
}
