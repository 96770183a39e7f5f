package api

import (
	"sort"
	"sync"
	"time"

	"algotrade/internal/backtest"
	"algotrade/internal/store"
)

// job is a backtest submitted through the API.
type job struct {
	id        string
	cfg       backtest.RunConfig
	status    string
	err       string
	submitted time.Time
	finished  time.Time
	result    *backtest.Result
	done      chan struct{}
}

// record renders the job in the persisted run shape.
func (j *job) record() store.RunRecord {
	return store.RunRecord{
		ID:         j.id,
		Strategy:   j.cfg.Strategy,
		Symbol:     j.cfg.Symbol,
		Start:      j.cfg.Start,
		End:        j.cfg.End,
		Workers:    j.cfg.Workers,
		Status:     j.status,
		Error:      j.err,
		CreatedAt:  j.submitted,
		FinishedAt: j.finished,
	}
}

// jobTable tracks the backtests run by this process.
type jobTable struct {
	mu   sync.Mutex
	jobs map[string]*job
}

func newJobTable() *jobTable {
	return &jobTable{jobs: make(map[string]*job)}
}

func (t *jobTable) add(id string, cfg backtest.RunConfig) *job {
	j := &job{
		id:        id,
		cfg:       cfg,
		status:    store.RunRunning,
		submitted: time.Now().UTC(),
		done:      make(chan struct{}),
	}
	t.mu.Lock()
	t.jobs[id] = j
	t.mu.Unlock()
	return j
}

// finish records the outcome of a job and releases its waiters.
func (t *jobTable) finish(j *job, res *backtest.Result, err error) {
	t.mu.Lock()
	j.finished = time.Now().UTC()
	j.result = res
	if err != nil {
		j.status = store.RunFailed
		j.err = err.Error()
	} else {
		j.status = store.RunDone
	}
	t.mu.Unlock()
	close(j.done)
}

// snapshot returns a consistent copy of a job's record and result.
func (t *jobTable) snapshot(id string) (store.RunRecord, *backtest.Result, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	if !ok {
		return store.RunRecord{}, nil, false
	}
	return j.record(), j.result, true
}

func (t *jobTable) get(id string) (*job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	return j, ok
}

// records returns every job, newest first.
func (t *jobTable) records() []store.RunRecord {
	t.mu.Lock()
	out := make([]store.RunRecord, 0, len(t.jobs))
	for _, j := range t.jobs {
		out = append(out, j.record())
	}
	t.mu.Unlock()
	sortRuns(out)
	return out
}

func sortRuns(runs []store.RunRecord) {
	sort.Slice(runs, func(i, k int) bool {
		if runs[i].CreatedAt.Equal(runs[k].CreatedAt) {
			return runs[i].ID < runs[k].ID
		}
		return runs[i].CreatedAt.After(runs[k].CreatedAt)
	})
}
