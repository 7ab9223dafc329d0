package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bdbenim/stash-empornium/internal/errs"
	"github.com/bdbenim/stash-empornium/pkg/log"
)

// Executor runs one job, reporting progress through emit. The job ends with
// the first terminal event or, failing that, with the returned error.
type Executor func(ctx context.Context, job *Job, emit func(Event)) error

type entry struct {
	job    *Job
	events []Event
	done   bool
	notify chan struct{}
}

// Manager runs jobs on a fixed worker pool. Job ids index an append-only
// table; entries are never removed.
type Manager struct {
	workerCount int
	store       Store

	mu      sync.RWMutex
	table   []*entry
	started bool

	pendingIDs chan int
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

func NewManager(workerCount int, store Store) *Manager {
	if workerCount <= 0 {
		workerCount = 1
	}
	m := &Manager{
		workerCount: workerCount,
		store:       store,
		pendingIDs:  make(chan int, 1024),
		stopCh:      make(chan struct{}),
	}
	m.hydrateFromStore(context.Background())
	return m
}

// Submit queues a job and returns its id.
func (m *Manager) Submit(params Params) int {
	now := time.Now()

	m.mu.Lock()
	id := len(m.table)
	job := &Job{
		ID:        id,
		Params:    params,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.table = append(m.table, &entry{job: job, notify: make(chan struct{})})
	started := m.started
	snapshot := cloneJob(job)
	m.mu.Unlock()

	log.Info("Queued job %d for scene %s", id, params.SceneID)
	m.persistJob(snapshot)
	if started {
		m.enqueuePendingID(id)
	}
	return id
}

// Get returns a snapshot of the job.
func (m *Manager) Get(id int) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, err := m.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	return cloneJob(e.job), nil
}

// List returns snapshots of every job, newest first.
func (m *Manager) List() []*Job {
	m.mu.RLock()
	ret := make([]*Job, 0, len(m.table))
	for _, e := range m.table {
		if e != nil {
			ret = append(ret, cloneJob(e.job))
		}
	}
	m.mu.RUnlock()

	sort.Slice(ret, func(i, j int) bool { return ret[i].ID > ret[j].ID })
	return ret
}

// Events replays everything the job has emitted so far and then follows it
// until the job finishes or ctx is done. Abandoning the channel does not
// affect the job.
func (m *Manager) Events(ctx context.Context, id int) (<-chan Event, error) {
	m.mu.RLock()
	e, err := m.lookupLocked(id)
	m.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		next := 0
		for {
			m.mu.RLock()
			batch := append([]Event(nil), e.events[next:]...)
			done := e.done
			notify := e.notify
			m.mu.RUnlock()

			for _, ev := range batch {
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			next += len(batch)
			if done {
				return
			}
			select {
			case <-notify:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (m *Manager) Start(exec Executor) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true

	pending := make([]int, 0)
	for id, e := range m.table {
		if e != nil && e.job.Status == StatusPending {
			pending = append(pending, id)
		}
	}
	m.mu.Unlock()

	for _, id := range pending {
		m.enqueuePendingID(id)
	}

	for range m.workerCount {
		m.wg.Add(1)
		go m.worker(exec)
	}
}

// Stop waits for running jobs and stops the workers. Queued jobs stay
// pending in the store.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
	})
}

func (m *Manager) worker(exec Executor) {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopCh:
			return
		case id := <-m.pendingIDs:
			job, ok := m.markRunning(id)
			if !ok {
				continue
			}
			m.run(exec, job)
		}
	}
}

func (m *Manager) run(exec Executor, job *Job) {
	emit := func(ev Event) { m.appendEvent(job.ID, ev) }
	err := errs.Safe(func() error {
		return exec(context.Background(), job, emit)
	})

	m.mu.Lock()
	e := m.table[job.ID]
	final := e.job.Result
	m.mu.Unlock()

	switch {
	case final != nil && final.Status == EventError:
		m.finish(job.ID, StatusFailed, final.Message)
	case err != nil:
		log.Error("Job %d failed: %v", job.ID, err)
		msg := errs.PublicMessage(err)
		if final == nil {
			m.appendEvent(job.ID, Failure(msg))
		}
		m.finish(job.ID, StatusFailed, msg)
	case final == nil:
		msg := "job ended without a result"
		m.appendEvent(job.ID, Failure(msg))
		m.finish(job.ID, StatusFailed, msg)
	default:
		m.finish(job.ID, StatusSuccess, "")
	}
}

func (m *Manager) appendEvent(id int, ev Event) {
	m.mu.Lock()
	e := m.table[id]
	if e.done || e.job.Result != nil {
		m.mu.Unlock()
		log.Debug("Dropping event for finished job %d: %s", id, ev.Status)
		return
	}
	e.events = append(e.events, ev)
	if ev.Terminal() {
		tmp := ev
		e.job.Result = &tmp
	}
	close(e.notify)
	e.notify = make(chan struct{})
	m.mu.Unlock()
}

func (m *Manager) finish(id int, status Status, msg string) {
	m.mu.Lock()
	e := m.table[id]
	e.job.Status = status
	e.job.Error = msg
	e.job.UpdatedAt = time.Now()
	e.done = true
	close(e.notify)
	e.notify = make(chan struct{})
	snapshot := cloneJob(e.job)
	m.mu.Unlock()

	log.Info("Job %d finished: %s", id, status)
	m.persistJob(snapshot)
}

func (m *Manager) markRunning(id int) (*Job, bool) {
	m.mu.Lock()
	e, err := m.lookupLocked(id)
	if err != nil || e.job.Status != StatusPending {
		m.mu.Unlock()
		return nil, false
	}
	e.job.Status = StatusRunning
	e.job.UpdatedAt = time.Now()
	snapshot := cloneJob(e.job)
	m.mu.Unlock()

	m.persistJob(snapshot)
	return snapshot, true
}

func (m *Manager) lookupLocked(id int) (*entry, error) {
	if id < 0 || id >= len(m.table) || m.table[id] == nil {
		return nil, errs.New(errs.InvalidJob, "invalid job id %d", id).
			WithUserMessage("Invalid job id")
	}
	return m.table[id], nil
}

func (m *Manager) enqueuePendingID(id int) {
	select {
	case m.pendingIDs <- id:
	default:
		go func() { m.pendingIDs <- id }()
	}
}

// hydrateFromStore restores history. A job that was running when the
// process stopped cannot be resumed and is marked failed.
func (m *Manager) hydrateFromStore(ctx context.Context) {
	if m.store == nil {
		return
	}
	loaded, err := m.store.LoadJobs(ctx)
	if err != nil {
		log.Error("Failed to load job history: %v", err)
		return
	}

	now := time.Now()
	toPersist := make([]*Job, 0)
	m.mu.Lock()
	for _, raw := range loaded {
		if raw == nil || raw.ID < 0 {
			continue
		}
		job := cloneJob(raw)
		if job.Status == StatusRunning {
			job.Status = StatusFailed
			job.Error = "interrupted by restart"
			job.UpdatedAt = now
			toPersist = append(toPersist, cloneJob(job))
		}
		for len(m.table) <= job.ID {
			m.table = append(m.table, nil)
		}
		e := &entry{job: job, notify: make(chan struct{})}
		switch {
		case job.Result != nil:
			e.events = []Event{*job.Result}
		case job.Status == StatusFailed:
			e.events = []Event{Failure(job.Error)}
		}
		e.done = job.Status.Terminal()
		m.table[job.ID] = e
	}
	m.mu.Unlock()

	for _, job := range toPersist {
		m.persistJob(job)
	}
}

func (m *Manager) persistJob(job *Job) {
	if m.store == nil || job == nil {
		return
	}
	if err := m.store.UpsertJob(context.Background(), job); err != nil {
		log.Error("Failed to persist job %d: %v", job.ID, err)
	}
}
