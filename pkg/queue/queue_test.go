package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/the-maldridge/qrunner/pkg/config"
	"github.com/the-maldridge/qrunner/pkg/db"
	"github.com/the-maldridge/qrunner/pkg/machine"
	"github.com/the-maldridge/qrunner/pkg/store"
	"github.com/the-maldridge/qrunner/pkg/types"
)

// fakeClock is a settable clock shared by a test rig.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// stepRow is one BuildSteps row recorded by the fake database.
type stepRow struct {
	buildID        types.BuildID
	stepNr         int
	drvPath        string
	status         types.BuildStatus
	busy           bool
	errorMsg       string
	machine        string
	propagatedFrom types.BuildID
	substitution   bool
}

// memDB is an in-memory stand-in for the PostgreSQL layer.
type memDB struct {
	mu sync.Mutex

	pending  map[types.BuildID]db.BuildRow
	shares   map[string]int
	failed   map[string]struct{}
	steps    map[types.BuildID][]*stepRow
	finished map[types.BuildID]db.BuildFinish
	outputs  map[types.BuildID]map[string]string
	cached   map[types.BuildID]bool
	notes    []db.Notification
	status   string
}

func newMemDB() *memDB {
	return &memDB{
		pending:  make(map[types.BuildID]db.BuildRow),
		shares:   make(map[string]int),
		failed:   make(map[string]struct{}),
		steps:    make(map[types.BuildID][]*stepRow),
		finished: make(map[types.BuildID]db.BuildFinish),
		outputs:  make(map[types.BuildID]map[string]string),
		cached:   make(map[types.BuildID]bool),
	}
}

func (m *memDB) addBuild(row db.BuildRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[row.ID] = row
}

func (m *memDB) removeBuild(id types.BuildID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, id)
}

func (m *memDB) setGlobalPriority(id types.BuildID, prio int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.pending[id]
	row.GlobalPriority = prio
	m.pending[id] = row
}

func (m *memDB) finishedBuild(id types.BuildID) (db.BuildFinish, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.finished[id]
	return f, ok
}

func (m *memDB) stepRows(id types.BuildID) []*stepRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*stepRow(nil), m.steps[id]...)
}

func (m *memDB) GetPendingBuilds(ctx context.Context, after types.BuildID) ([]db.BuildRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.BuildRow
	for id, row := range m.pending {
		if _, done := m.finished[id]; done {
			continue
		}
		if id > after {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GlobalPriority != out[j].GlobalPriority {
			return out[i].GlobalPriority > out[j].GlobalPriority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memDB) GetPendingBuildPriorities(ctx context.Context) (map[types.BuildID]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[types.BuildID]int)
	for id, row := range m.pending {
		if _, done := m.finished[id]; done {
			continue
		}
		out[id] = row.GlobalPriority
	}
	return out, nil
}

func (m *memDB) GetJobsetShares(ctx context.Context, project, name string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.shares[project+":"+name]; ok {
		return s, nil
	}
	return 1, nil
}

func (m *memDB) CheckCachedFailure(ctx context.Context, outputs []string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range outputs {
		if _, ok := m.failed[p]; ok {
			return true, nil
		}
	}
	return false, nil
}

func (m *memDB) MarkFailedPaths(ctx context.Context, paths []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range paths {
		m.failed[p] = struct{}{}
	}
	return nil
}

func (m *memDB) ClearBusy(ctx context.Context, stopTime time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rows := range m.steps {
		for _, r := range rows {
			if r.busy {
				r.busy = false
				r.status = types.BuildAborted
			}
		}
	}
	return nil
}

func (m *memDB) CreateBuildStep(ctx context.Context, startTime time.Time, buildID types.BuildID, drvPath, machineURI string, status types.BuildStatus, errorMsg string, propagatedFrom types.BuildID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := &stepRow{
		buildID:        buildID,
		stepNr:         len(m.steps[buildID]) + 1,
		drvPath:        drvPath,
		status:         status,
		busy:           status == types.BuildBusy,
		errorMsg:       errorMsg,
		machine:        machineURI,
		propagatedFrom: propagatedFrom,
	}
	m.steps[buildID] = append(m.steps[buildID], r)
	return r.stepNr, nil
}

func (m *memDB) UpdateBuildStep(ctx context.Context, buildID types.BuildID, stepNr int, state types.StepState) error {
	return nil
}

func (m *memDB) FinishBuildStep(ctx context.Context, buildID types.BuildID, stepNr int, res *types.RemoteResult, machineURI string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.steps[buildID] {
		if r.stepNr == stepNr {
			r.busy = false
			r.status = res.StepStatus
			r.errorMsg = res.ErrorMsg
			r.machine = machineURI
		}
	}
	return nil
}

func (m *memDB) AbortBuildStep(ctx context.Context, buildID types.BuildID, stepNr int, stopTime time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.steps[buildID] {
		if r.stepNr == stepNr && r.busy {
			r.busy = false
			r.status = types.BuildAborted
		}
	}
	return nil
}

func (m *memDB) CreateSubstitutionStep(ctx context.Context, buildID types.BuildID, drvPath, outputName, storePath string, startTime, stopTime time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := &stepRow{
		buildID:      buildID,
		stepNr:       len(m.steps[buildID]) + 1,
		drvPath:      drvPath,
		status:       types.BuildSuccess,
		substitution: true,
	}
	m.steps[buildID] = append(m.steps[buildID], r)
	return r.stepNr, nil
}

func (m *memDB) FinishBuilds(ctx context.Context, finishes []db.BuildFinish) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range finishes {
		if _, done := m.finished[f.ID]; !done {
			m.finished[f.ID] = f
		}
	}
	return nil
}

func (m *memDB) MarkSucceededBuild(ctx context.Context, id types.BuildID, outputs map[string]string, isCached bool, startTime, stopTime time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, done := m.finished[id]; done {
		return nil
	}
	m.finished[id] = db.BuildFinish{ID: id, Status: types.BuildSuccess, StartTime: startTime, StopTime: stopTime, IsCached: isCached}
	m.outputs[id] = outputs
	m.cached[id] = isCached
	return nil
}

func (m *memDB) NotifyBuildStarted(ctx context.Context, id types.BuildID) error {
	m.note("build_started", fmt.Sprint(id))
	return nil
}

func (m *memDB) NotifyBuildFinished(ctx context.Context, id types.BuildID, dependents []types.BuildID) error {
	m.note("build_finished", fmt.Sprint(id))
	return nil
}

func (m *memDB) UpsertStatus(ctx context.Context, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
	return nil
}

func (m *memDB) note(channel, payload string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes = append(m.notes, db.Notification{Channel: channel, Payload: payload})
}

// fakeFarm hands out in-process build clients that realize outputs
// into a shared remote store.
type fakeFarm struct {
	mu sync.Mutex

	remote    *store.Memory
	results   map[string]*types.RemoteResult
	dialFails map[string]int
	blocked   chan struct{}

	dials     int
	dialedTo  []string
	buildsRun []string
}

func newFakeFarm() *fakeFarm {
	return &fakeFarm{
		remote:    store.NewMemory(),
		results:   make(map[string]*types.RemoteResult),
		dialFails: make(map[string]int),
	}
}

func (f *fakeFarm) dialer() machine.Dialer {
	return func(ctx context.Context, m *machine.Machine) (machine.BuildClient, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.dials++
		f.dialedTo = append(f.dialedTo, m.StoreURI)
		if n := f.dialFails[m.StoreURI]; n > 0 {
			f.dialFails[m.StoreURI] = n - 1
			return nil, errors.New("connection reset by peer")
		}
		return &fakeClient{farm: f}, nil
	}
}

func (f *fakeFarm) dialed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dialedTo...)
}

func (f *fakeFarm) builtDrvs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.buildsRun...)
}

type fakeClient struct {
	farm *fakeFarm
}

func (c *fakeClient) QueryValidPaths(ctx context.Context, paths []string) ([]string, error) {
	return c.farm.remote.QueryValidPaths(ctx, paths)
}

func (c *fakeClient) ImportPaths(ctx context.Context, paths []string, source func(string, io.Writer) error) error {
	for _, p := range paths {
		var buf bytes.Buffer
		if err := source(p, &buf); err != nil {
			return err
		}
		if err := c.farm.remote.AddToStore(ctx, &store.NarInfo{Path: p}, &buf); err != nil {
			return err
		}
	}
	return nil
}

func (c *fakeClient) BuildDerivation(ctx context.Context, drvPath string, drv *store.Derivation, opts machine.BuildOptions, log io.Writer) (*types.RemoteResult, error) {
	c.farm.mu.Lock()
	c.farm.buildsRun = append(c.farm.buildsRun, drvPath)
	blocked := c.farm.blocked
	override := c.farm.results[drvPath]
	c.farm.mu.Unlock()

	if blocked != nil {
		select {
		case <-blocked:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if log != nil {
		fmt.Fprintf(log, "building %s\n", drvPath)
	}

	if override != nil {
		cp := *override
		return &cp, nil
	}

	for _, p := range drv.OutputPaths() {
		var nar bytes.Buffer
		if err := store.WriteNarFile(&nar, []byte("output of "+drvPath)); err != nil {
			return nil, err
		}
		if err := c.farm.remote.AddToStore(ctx, &store.NarInfo{Path: p, Deriver: drvPath}, &nar); err != nil {
			return nil, err
		}
	}
	return &types.RemoteResult{StepStatus: types.BuildSuccess}, nil
}

func (c *fakeClient) NarFromPath(ctx context.Context, path string, w io.Writer) error {
	_, err := c.farm.remote.NarFromPath(ctx, path, w)
	return err
}

func (c *fakeClient) Close() error { return nil }

// rig wires a scheduler to fakes for direct-drive testing.
type rig struct {
	s     *Scheduler
	db    *memDB
	local *store.Memory
	farm  *fakeFarm
	clock *fakeClock
	cfg   *config.Config
}

const oneMachine = "ssh://m1 x86_64-linux - 1 1 - - -\n"

func newRig(t *testing.T, machines string, opts ...Option) *rig {
	t.Helper()

	r := &rig{
		db:    newMemDB(),
		local: store.NewMemory(),
		farm:  newFakeFarm(),
		clock: newFakeClock(),
		cfg:   config.NewConfig(),
	}
	r.cfg.MaxUnsupportedTime = 0

	all := append([]Option{
		WithConfig(r.cfg),
		WithDatabase(r.db),
		WithLocalStore(r.local),
		WithDialer(r.farm.dialer()),
	}, opts...)

	s, err := New(hclog.NewNullLogger(), all...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.now = r.clock.Now
	r.s = s

	if machines != "" {
		if err := s.LoadMachines(strings.NewReader(machines)); err != nil {
			t.Fatalf("LoadMachines: %v", err)
		}
	}
	return r
}

// addDrv registers a derivation in the local store.  Outputs default
// to one path derived from the name.
func (r *rig) addDrv(drvPath, platform string, inputDrvs []string) *store.Derivation {
	d := &store.Derivation{
		Name:     strings.TrimSuffix(drvPath, ".drv"),
		Platform: platform,
		Builder:  "/bin/sh",
		Outputs: map[string]store.DerivationOutput{
			"out": {Path: strings.TrimSuffix(drvPath, ".drv") + "-out"},
		},
		InputDrvs: make(map[string][]string),
		Env:       make(map[string]string),
	}
	for _, in := range inputDrvs {
		d.InputDrvs[in] = []string{"out"}
	}
	r.local.AddDerivation(drvPath, d)
	return d
}

func (r *rig) submit(id types.BuildID, project, jobset, drvPath string) {
	r.db.addBuild(db.BuildRow{
		ID:      id,
		DrvPath: drvPath,
		Project: project,
		Jobset:  jobset,
		Job:     "job",
	})
}

func buildRow(id types.BuildID, project, jobset, drvPath string, globalPrio, localPrio int) db.BuildRow {
	return db.BuildRow{
		ID:             id,
		DrvPath:        drvPath,
		Project:        project,
		Jobset:         jobset,
		Job:            "job",
		GlobalPriority: globalPrio,
		LocalPriority:  localPrio,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// numRunnable counts steps currently in the runnable set.
func (r *rig) numRunnable() int {
	r.s.runnableMu.Lock()
	defer r.s.runnableMu.Unlock()
	return len(r.s.runnable)
}

func (r *rig) numSteps() int {
	r.s.stepsMu.Lock()
	defer r.s.stepsMu.Unlock()
	return len(r.s.steps)
}

func (r *rig) machineJobs(uri string) int {
	r.s.machinesMu.Lock()
	defer r.s.machinesMu.Unlock()
	m, ok := r.s.machines[uri]
	if !ok {
		return -1
	}
	return m.State.CurrentJobs
}
