package queue

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/the-maldridge/qrunner/pkg/store"
	"github.com/the-maldridge/qrunner/pkg/types"
)

// A Step is the scheduling atom: one derivation to realize.  The
// immutable header is filled in during creation; everything the
// scheduler mutates lives below mu.
type Step struct {
	DrvPath string
	Drv     *store.Derivation

	Platform         string
	RequiredFeatures map[string]struct{}
	PreferLocal      bool
	SystemType       string

	finished atomic.Bool

	mu sync.Mutex

	// created flips once expansion of this step has completed;
	// until then the deps set may still be growing.
	created bool

	// deps are the steps this step waits on; rdeps the back
	// edges.  For every d in deps, this step appears in d.rdeps.
	deps  map[*Step]struct{}
	rdeps []*Step

	// builds are the builds whose top-level derivation this is.
	// Builds that need the step transitively are found by walking
	// rdeps.
	builds map[types.BuildID]*Build

	// jobsets this step charges time to, for fair-share.
	jobsets map[*Jobset]struct{}

	tries int
	after time.Time

	highestGlobalPriority int
	highestLocalPriority  int
	lowestBuildID         types.BuildID

	runnable      bool
	held          bool
	runnableSince time.Time
	lastSupported time.Time
}

func newStep(drvPath string) *Step {
	return &Step{
		DrvPath:       drvPath,
		deps:          make(map[*Step]struct{}),
		builds:        make(map[types.BuildID]*Build),
		jobsets:       make(map[*Jobset]struct{}),
		lowestBuildID: types.BuildID(math.MaxUint64),
	}
}

// Finished reports whether the step reached a terminal state.
func (st *Step) Finished() bool {
	return st.finished.Load()
}

// NumDeps returns the count of unbuilt dependencies.
func (st *Step) NumDeps() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.deps)
}

// HasDep reports whether d is an unbuilt dependency of st.
func (st *Step) HasDep(d *Step) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.deps[d]
	return ok
}

// HasRdep reports whether r is registered as depending on st.
func (st *Step) HasRdep(r *Step) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, s := range st.rdeps {
		if s == r {
			return true
		}
	}
	return false
}

// Priorities returns the current aggregate priority key.
func (st *Step) Priorities() (global, local int, lowest types.BuildID) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.highestGlobalPriority, st.highestLocalPriority, st.lowestBuildID
}

// addBuild records b as directly requiring this step.
func (st *Step) addBuild(b *Build) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.builds[b.ID] = b
}

// removeBuild drops a direct build reference, returning how many
// remain.
func (st *Step) removeBuild(id types.BuildID) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.builds, id)
	return len(st.builds)
}

// addRdep records that r depends on st.
func (st *Step) addRdep(r *Step) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, s := range st.rdeps {
		if s == r {
			return
		}
	}
	st.rdeps = append(st.rdeps, r)
}

// visitDependencies calls visitor for step and its transitive deps.
func visitDependencies(visitor func(*Step), step *Step) {
	seen := map[*Step]struct{}{step: {}}
	queue := []*Step{step}
	for len(queue) > 0 {
		st := queue[0]
		queue = queue[1:]
		visitor(st)

		st.mu.Lock()
		for d := range st.deps {
			if _, ok := seen[d]; !ok {
				seen[d] = struct{}{}
				queue = append(queue, d)
			}
		}
		st.mu.Unlock()
	}
}

// getDependents collects the builds and steps that transitively
// require step, including step itself on the steps side.
func getDependents(step *Step) (map[types.BuildID]*Build, map[*Step]struct{}) {
	builds := make(map[types.BuildID]*Build)
	steps := make(map[*Step]struct{})

	queue := []*Step{step}
	steps[step] = struct{}{}
	for len(queue) > 0 {
		st := queue[0]
		queue = queue[1:]

		st.mu.Lock()
		for id, b := range st.builds {
			builds[id] = b
		}
		for _, r := range st.rdeps {
			if _, ok := steps[r]; !ok {
				steps[r] = struct{}{}
				queue = append(queue, r)
			}
		}
		st.mu.Unlock()
	}
	return builds, steps
}

// propagatePriorities pushes a build's priority aggregates down the
// dependency closure of its top-level step.  The aggregates are
// monotone: global and local priority only rise, the lowest build id
// only falls.
func (s *Scheduler) propagatePriorities(b *Build) {
	global := b.globalPriority
	visitDependencies(func(st *Step) {
		st.mu.Lock()
		if global > st.highestGlobalPriority {
			st.highestGlobalPriority = global
		}
		if b.LocalPriority > st.highestLocalPriority {
			st.highestLocalPriority = b.LocalPriority
		}
		if b.ID < st.lowestBuildID {
			st.lowestBuildID = b.ID
		}
		if b.Jobset != nil {
			st.jobsets[b.Jobset] = struct{}{}
		}
		st.mu.Unlock()
	}, b.toplevel)
}
