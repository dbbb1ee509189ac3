// Package queue implements the subtask queue: a FIFO of unclaimed
// subtasks with per-agent claim state, fair-share selection across
// projects, a dependency tracker, and deduplication of claims announced
// by peer coordinators over gossip.
package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Completion errors, matching the wire taxonomy.
var (
	ErrTaskNotFound         = errors.New("task_not_found")
	ErrTaskNotClaimable     = errors.New("task_not_claimable")
	ErrSessionOwnerMismatch = errors.New("session_owner_mismatch")
)

// Subtask is the atomic unit of inference work claimed by one agent.
// A subtask is either unclaimed, claimed by exactly one agent, or
// removed; once removed it never returns.
type Subtask struct {
	SubtaskID        string   `json:"subtask_id"`
	TaskID           string   `json:"task_id"`
	Input            string   `json:"input"`
	Language         string   `json:"language,omitempty"`
	TimeoutMs        int64    `json:"timeout_ms,omitempty"`
	ProjectID        string   `json:"project_id"`
	TenantID         string   `json:"tenant_id,omitempty"`
	ResourceClass    string   `json:"resource_class"`
	Priority         int      `json:"priority"`
	RequestedModel   string   `json:"requested_model,omitempty"`
	DependsOn        []string `json:"depends_on,omitempty"`
	ClaimableAfterMs int64    `json:"claimable_after_ms,omitempty"`
	ClaimedBy        string   `json:"claimed_by,omitempty"`
	ClaimedAtMs      int64    `json:"claimed_at_ms,omitempty"`
	EnqueuedAtMs     int64    `json:"enqueued_at_ms"`

	seq int64 // insertion order, ties in fair-share break on this
}

// Result is a completed subtask output returned by an agent.
type Result struct {
	SubtaskID     string `json:"subtask_id"`
	TaskID        string `json:"task_id"`
	AgentID       string `json:"agent_id"`
	ProjectID     string `json:"project_id"`
	Output        string `json:"output"`
	OK            bool   `json:"ok"`
	CompletedAtMs int64  `json:"completed_at_ms"`
}

// EnqueueOptions modifies a single enqueue.
type EnqueueOptions struct {
	// ClaimDelayMs delays claim eligibility: claimableAfter = now + delay.
	ClaimDelayMs int64
}

// Status summarises queue depth for the capacity endpoints.
type Status struct {
	Queued  int `json:"queued"`
	Results int `json:"results"`
}

// Queue owns all subtask state. One mutex guards everything; no method
// performs I/O.
type Queue struct {
	mu sync.Mutex

	tasks            map[string]*Subtask
	removed          map[string]bool
	results          []Result
	projectCompleted map[string]int
	agentClaims      map[string]int
	tracker          *depTracker
	nextSeq          int64

	now func() int64 // injectable clock for tests
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		tasks:            make(map[string]*Subtask),
		removed:          make(map[string]bool),
		results:          make([]Result, 0),
		projectCompleted: make(map[string]int),
		agentClaims:      make(map[string]int),
		tracker:          newDepTracker(),
		now:              func() int64 { return time.Now().UnixMilli() },
	}
}

// SetClock overrides the queue clock. Test hook.
func (q *Queue) SetClock(now func() int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Enqueue adds a subtask, idempotent by subtask id: duplicates (and ids
// that were already removed) are silently dropped and the existing or
// materialised subtask is returned. A missing id is generated.
func (q *Queue) Enqueue(st Subtask, opts EnqueueOptions) Subtask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueueLocked(st, opts)
}

func (q *Queue) enqueueLocked(st Subtask, opts EnqueueOptions) Subtask {
	if st.SubtaskID == "" {
		st.SubtaskID = uuid.New().String()
	}
	if q.removed[st.SubtaskID] {
		return st
	}
	if existing, ok := q.tasks[st.SubtaskID]; ok {
		return *existing
	}
	now := q.now()
	st.EnqueuedAtMs = now
	if opts.ClaimDelayMs > 0 {
		st.ClaimableAfterMs = now + opts.ClaimDelayMs
	}
	st.seq = q.nextSeq
	q.nextSeq++
	q.tasks[st.SubtaskID] = &st
	return st
}

// MarkRemoteClaimed removes an unclaimed subtask that a peer
// coordinator announced via gossip. Reports whether a task was removed.
func (q *Queue) MarkRemoteClaimed(subtaskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.tasks[subtaskID]
	if !ok || st.ClaimedBy != "" {
		return false
	}
	delete(q.tasks, subtaskID)
	q.removed[subtaskID] = true
	return true
}

// Claim atomically selects the next subtask for an agent. From the set
// of unclaimed tasks whose claimable-after deadline has passed, tasks
// whose requested model matches the agent's active model are preferred;
// within that pool fair-share picks the project with the fewest
// completed results, ties broken by priority descending, then insertion
// order. Returns nil when nothing is claimable.
func (q *Queue) Claim(agentID, activeModel string) *Subtask {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	eligible := make([]*Subtask, 0, len(q.tasks))
	for _, st := range q.tasks {
		if st.ClaimedBy != "" || st.ClaimableAfterMs > now {
			continue
		}
		eligible = append(eligible, st)
	}
	if len(eligible) == 0 {
		return nil
	}

	if activeModel != "" {
		matching := eligible[:0:0]
		for _, st := range eligible {
			if st.RequestedModel == activeModel {
				matching = append(matching, st)
			}
		}
		if len(matching) > 0 {
			eligible = matching
		}
	}

	var best *Subtask
	for _, st := range eligible {
		if best == nil || q.betterCandidateLocked(st, best) {
			best = st
		}
	}

	best.ClaimedBy = agentID
	best.ClaimedAtMs = now
	q.agentClaims[agentID]++
	claimed := *best
	return &claimed
}

// betterCandidateLocked reports whether a should win over b under the
// stable fair-share ordering.
func (q *Queue) betterCandidateLocked(a, b *Subtask) bool {
	ca, cb := q.projectCompleted[a.ProjectID], q.projectCompleted[b.ProjectID]
	if ca != cb {
		return ca < cb
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.seq < b.seq
}

// Complete removes the subtask, records the result, bumps the project
// completion counter, and releases any pending dependents whose inputs
// are now fully satisfied. Only the claiming agent may complete a
// subtask: results for unclaimed subtasks fail with task_not_claimable
// and results from a non-claimant with session_owner_mismatch.
// Released subtasks are re-enqueued with their context block injected
// and returned to the caller for ledger events.
func (q *Queue) Complete(res Result) (released []Subtask, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, exists := q.tasks[res.SubtaskID]
	if !exists {
		return nil, ErrTaskNotFound
	}
	if st.ClaimedBy == "" {
		return nil, ErrTaskNotClaimable
	}
	if st.ClaimedBy != res.AgentID {
		return nil, ErrSessionOwnerMismatch
	}
	if res.ProjectID == "" {
		res.ProjectID = st.ProjectID
	}
	if res.TaskID == "" {
		res.TaskID = st.TaskID
	}
	res.CompletedAtMs = q.now()

	delete(q.tasks, res.SubtaskID)
	q.removed[res.SubtaskID] = true
	q.results = append(q.results, res)
	q.projectCompleted[res.ProjectID]++

	for _, dep := range q.tracker.recordOutput(res.SubtaskID, res.Output) {
		released = append(released, q.enqueueLocked(dep, EnqueueOptions{}))
	}
	return released, nil
}

// RequeueStale resets the claim state of any subtask held longer than
// timeoutMs and reports how many were reset.
func (q *Queue) RequeueStale(timeoutMs int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	count := 0
	for _, st := range q.tasks {
		if st.ClaimedBy != "" && now-st.ClaimedAtMs > timeoutMs {
			st.ClaimedBy = ""
			st.ClaimedAtMs = 0
			count++
		}
	}
	return count
}

// Requeue explicitly resets one subtask's claim state.
func (q *Queue) Requeue(subtaskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.tasks[subtaskID]
	if !ok || st.ClaimedBy == "" {
		return false
	}
	st.ClaimedBy = ""
	st.ClaimedAtMs = 0
	return true
}

// Status returns queue depth and result count.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{Queued: len(q.tasks), Results: len(q.results)}
}

// Get returns a copy of a queued subtask.
func (q *Queue) Get(subtaskID string) (Subtask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.tasks[subtaskID]
	if !ok {
		return Subtask{}, false
	}
	return *st, true
}

// Results returns a copy of the results history.
func (q *Queue) Results() []Result {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Result, len(q.results))
	copy(out, q.results)
	return out
}

// AgentClaimCount returns the number of claims an agent has made.
func (q *Queue) AgentClaimCount(agentID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.agentClaims[agentID]
}

// PendingDependents returns the number of subtasks waiting on
// unsatisfied dependencies.
func (q *Queue) PendingDependents() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tracker.pending)
}
