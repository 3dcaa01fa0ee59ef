package queue

import (
	"sync"
	"time"
)

// A Jobset is a fair-share account.  Steps executed on behalf of its
// builds accumulate seconds inside a rolling window; the scheduler
// favors jobsets with the lowest seconds-per-share.
type Jobset struct {
	mu sync.Mutex

	project string
	name    string

	seconds int64
	shares  int

	window time.Duration

	// steps maps step start time to accumulated duration, for
	// pruning entries that age out of the window.
	steps map[int64]int64
}

// NewJobset returns an empty account with the given share count.
func NewJobset(project, name string, shares int, window time.Duration) *Jobset {
	if shares < 1 {
		shares = 1
	}
	return &Jobset{
		project: project,
		name:    name,
		shares:  shares,
		window:  window,
		steps:   make(map[int64]int64),
	}
}

// Key is the identity of this jobset in the scheduler's registry.
func (j *Jobset) Key() string {
	return j.project + ":" + j.name
}

// ShareUsed is the fair-share sort key: execution seconds inside the
// window divided by the share count.
func (j *Jobset) ShareUsed() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return float64(j.seconds) / float64(j.shares)
}

// SetShares updates the share count from a jobset_shares_changed
// notification.
func (j *Jobset) SetShares(n int) {
	if n < 1 {
		n = 1
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.shares = n
}

// Shares returns the current share count.
func (j *Jobset) Shares() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.shares
}

// Seconds returns the seconds currently charged to the account.
func (j *Jobset) Seconds() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seconds
}

// AddStep charges a finished step's execution time to the account.
func (j *Jobset) AddStep(start time.Time, d time.Duration) {
	secs := int64(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.steps[start.Unix()] += secs
	j.seconds += secs
}

// PruneSteps drops accounting entries that fell out of the window.
func (j *Jobset) PruneSteps(now time.Time) {
	horizon := now.Add(-j.window).Unix()
	j.mu.Lock()
	defer j.mu.Unlock()
	for start, d := range j.steps {
		if start < horizon {
			j.seconds -= d
			delete(j.steps, start)
		}
	}
}
