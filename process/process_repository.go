package process

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ProcessRepository tracks in-flight runs and fans their updates out to
// subscribers.
type ProcessRepository interface {
	Get(wid string) (Process, bool)
	GetAll() map[string]Process
	Set(wid string, process *Process)
	Delete(wid string)
	Exists(wid string) bool
	GetAllKeys() []string
	Clear()

	Start(runID, workflowID, eventID string, cancel context.CancelFunc) *Process
	Finish(runID, state string)
	Kill(runID string) bool
	KillAll() int
	Publish(update Update)
	Subscribe(buffer int) (<-chan Update, func())
}

type processRepository struct {
	mu        sync.RWMutex
	processes map[string]*Process

	subMu  sync.RWMutex
	nextID int
	subs   map[int]chan Update
}

func NewProcessRepository() ProcessRepository {
	return &processRepository{
		processes: make(map[string]*Process),
		subs:      make(map[int]chan Update),
	}
}

// Get returns a copy of the process
func (r *processRepository) Get(wid string) (Process, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.processes[wid]
	if !exists {
		return Process{}, false
	}
	return *p, true
}

// GetAll returns copies of every process
func (r *processRepository) GetAll() map[string]Process {
	r.mu.RLock()
	defer r.mu.RUnlock()

	copy := make(map[string]Process, len(r.processes))
	for k, v := range r.processes {
		copy[k] = *v
	}
	return copy
}

func (r *processRepository) Set(wid string, process *Process) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.processes[wid] = process
}

func (r *processRepository) Delete(wid string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.processes, wid)
}

func (r *processRepository) Exists(wid string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.processes[wid]
	return exists
}

// GetAllKeys returns the run ids, sorted
func (r *processRepository) GetAllKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.processes))
	for k := range r.processes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *processRepository) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.processes = make(map[string]*Process)
}

// Start registers a running process whose context is canceled by cancel.
func (r *processRepository) Start(runID, workflowID, eventID string, cancel context.CancelFunc) *Process {
	p := &Process{
		UUID:       runID,
		WorkflowID: workflowID,
		EventID:    eventID,
		State:      StateRunning,
		StartedAt:  time.Now(),
		Killeable:  cancel != nil,
		cancel:     cancel,
	}
	r.Set(runID, p)
	r.Publish(Update{RunID: runID, WorkflowID: workflowID, Status: StateRunning})
	return p
}

// Finish removes the process and announces its final state.
func (r *processRepository) Finish(runID, state string) {
	r.mu.Lock()
	p, ok := r.processes[runID]
	delete(r.processes, runID)
	r.mu.Unlock()
	if !ok {
		return
	}
	if p.State == StateKilled {
		state = StateKilled
	}
	r.Publish(Update{RunID: runID, WorkflowID: p.WorkflowID, Status: state})
}

func (r *processRepository) Kill(runID string) bool {
	r.mu.Lock()
	p, ok := r.processes[runID]
	if ok && p.Killeable {
		p.State = StateKilled
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	return p.Kill()
}

func (r *processRepository) KillAll() int {
	n := 0
	for _, key := range r.GetAllKeys() {
		if r.Kill(key) {
			n++
		}
	}
	return n
}

// Publish records the node a run is at and forwards update to subscribers.
// Slow subscribers lose updates instead of blocking the run.
func (r *processRepository) Publish(update Update) {
	if update.At.IsZero() {
		update.At = time.Now()
	}
	if update.NodeID != "" {
		r.mu.Lock()
		if p, ok := r.processes[update.RunID]; ok {
			p.CurrentNode = update.NodeID
			p.Steps++
		}
		r.mu.Unlock()
	}

	r.subMu.RLock()
	defer r.subMu.RUnlock()
	for _, ch := range r.subs {
		select {
		case ch <- update:
		default:
		}
	}
}

// Subscribe returns a channel of updates and the func that closes it.
func (r *processRepository) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Update, buffer)

	r.subMu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	r.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, id)
			r.subMu.Unlock()
			close(ch)
		})
	}
}
