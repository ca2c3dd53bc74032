// Package queue implements the per-agent Command Queue (§4.7): a
// priority-ordered pending-command list, position tracking,
// interruption and graceful shutdown. Dispatch order is strictly
// priority-first with ties broken by earliest SubmitTime (§4.7, §8 S3)
// — no aging term, unlike the teacher's scheduler/queue.go Less, which
// only ages correctly in a min-heap (lower-is-more-urgent) orientation;
// this queue is a max-heap (higher Priority is more urgent, per the
// spec's 0-100 scale), and the teacher's subtractive aging formula
// inverted under that orientation would let a freshly-submitted
// low-priority job overtake a long-waiting high-priority one — the
// opposite of anti-starvation. See DESIGN.md.
package queue

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/agentbridge/conductor/observability"
)

// ErrQueueFull is returned by Enqueue when the queue is at capacity.
var ErrQueueFull = errors.New("queue:full")

// ErrNotActive is returned by Interrupt when the command is neither
// Queued nor Executing.
var ErrNotActive = errors.New("command not active")

// Constraints bounds a command's execution (§3).
type Constraints struct {
	TimeLimit  time.Duration
	TokenBudget int64
}

// Job is the queue's working copy of a command, separate from the
// persisted store.Command row so aging/interruption bookkeeping does
// not need a store round trip on every tick.
type Job struct {
	CommandID      string
	Priority       int // 0-100, clamped on insert
	SubmitTime     time.Time
	ScheduledAt    time.Time
	Constraints    Constraints
	AttemptCount   int
	MaxAttempts    int
	Status         string // Queued, Executing, Completed, Failed, Cancelled
	InterruptReason string
	index          int // heap bookkeeping
}

// readyJobQueue implements heap.Interface over pending Jobs: root is
// the highest Priority, ties broken by earliest SubmitTime.
type readyJobQueue struct {
	jobs []*Job
}

func (q readyJobQueue) Len() int { return len(q.jobs) }

func (q readyJobQueue) Less(i, j int) bool {
	if q.jobs[i].Priority != q.jobs[j].Priority {
		return q.jobs[i].Priority > q.jobs[j].Priority
	}
	return q.jobs[i].SubmitTime.Before(q.jobs[j].SubmitTime)
}

func (q readyJobQueue) Swap(i, j int) {
	q.jobs[i], q.jobs[j] = q.jobs[j], q.jobs[i]
	q.jobs[i].index = i
	q.jobs[j].index = j
}

func (q *readyJobQueue) Push(x interface{}) {
	j := x.(*Job)
	j.index = len(q.jobs)
	q.jobs = append(q.jobs, j)
}

func (q *readyJobQueue) Pop() interface{} {
	old := q.jobs
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	q.jobs = old[:n-1]
	return item
}

// Metrics summarizes queue throughput for a single agent's queue.
type Metrics struct {
	Pending        int
	Executing      int
	Completed      int
	Failed         int
	Cancelled      int
	AvgWaitMs      float64
	AvgProcessMs   float64
	ThroughputHour float64
}

const (
	defaultKeepCompleted = 50
	defaultKeepFailed    = 25
	defaultShutdownGrace = 30 * time.Second
	defaultInterruptWait = 5 * time.Second
)

// completion records enough history to compute rolling Metrics over
// the last 100 completions without retaining full Job bodies.
type completion struct {
	status     string
	waitMs     float64
	processMs  float64
	finishedAt time.Time
}

// AgentQueue is the Command Queue for exactly one agentId.
type AgentQueue struct {
	mu            sync.Mutex
	agentID       string
	maxSize       int
	keepCompleted int
	keepFailed    int
	shutdownGrace time.Duration

	ready      readyJobQueue
	byID       map[string]*Job
	executing  map[string]*Job
	history    []completion // ring buffer, most recent last
	paused     bool
	onPositionChange func()
}

// Config tunes one AgentQueue instance; zero values fall back to spec
// defaults (§4.7).
type Config struct {
	MaxSize          int
	KeepCompleted    int
	KeepFailed       int
	ShutdownGrace    time.Duration
	OnPositionChange func()
}

// New creates an AgentQueue for agentID.
func New(agentID string, cfg Config) *AgentQueue {
	if cfg.KeepCompleted <= 0 {
		cfg.KeepCompleted = defaultKeepCompleted
	}
	if cfg.KeepFailed <= 0 {
		cfg.KeepFailed = defaultKeepFailed
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	return &AgentQueue{
		agentID:       agentID,
		maxSize:       cfg.MaxSize,
		keepCompleted: cfg.KeepCompleted,
		keepFailed:    cfg.KeepFailed,
		shutdownGrace: cfg.ShutdownGrace,
		byID:          make(map[string]*Job),
		executing:     make(map[string]*Job),
		onPositionChange: cfg.OnPositionChange,
	}
}

// Enqueue admits cmd into the queue. Priority is clamped to [0,100].
// delay, if positive, schedules the job into the future.
func (q *AgentQueue) Enqueue(commandID string, priority int, delay time.Duration, c Constraints, maxAttempts int) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if priority < 0 {
		priority = 0
	}
	if priority > 100 {
		priority = 100
	}
	if q.maxSize > 0 && len(q.byID) >= q.maxSize {
		observability.QueueRejected.WithLabelValues(q.agentID).Inc()
		return nil, ErrQueueFull
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	now := time.Now()
	j := &Job{
		CommandID:   commandID,
		Priority:    priority,
		SubmitTime:  now,
		ScheduledAt: now.Add(delay),
		Constraints: c,
		MaxAttempts: maxAttempts,
		Status:      "Queued",
	}
	q.byID[commandID] = j
	heap.Push(&q.ready, j)
	observability.QueueDepth.WithLabelValues(q.agentID).Set(float64(len(q.byID)))
	q.notifyPositionChangeLocked()
	return j, nil
}

// Position returns the 1-based position of commandID among ready
// (Queued, scheduledAt<=now) commands, or 0 if not found/not ready.
func (q *AgentQueue) Position(commandID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.positionLocked(commandID)
}

func (q *AgentQueue) positionLocked(commandID string) int {
	ready := q.readySnapshotLocked()
	for i, j := range ready {
		if j.CommandID == commandID {
			return i + 1
		}
	}
	return 0
}

// readySnapshotLocked returns ready jobs ordered by priority (ties by
// earliest SubmitTime) without mutating the heap.
func (q *AgentQueue) readySnapshotLocked() []*Job {
	now := time.Now()
	snap := make([]*Job, 0, len(q.ready.jobs))
	for _, j := range q.ready.jobs {
		if j.Status == "Queued" && !j.ScheduledAt.After(now) {
			snap = append(snap, j)
		}
	}
	sortByPriority(snap)
	return snap
}

// ReadyIDs returns the commandIds of ready (Queued, scheduledAt<=now)
// jobs in dispatch order, for QUEUE_UPDATE's queued[] field (§6).
func (q *AgentQueue) ReadyIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ready := q.readySnapshotLocked()
	ids := make([]string, len(ready))
	for i, j := range ready {
		ids[i] = j.CommandID
	}
	return ids
}

// Executing returns the commandId currently executing for this agent,
// or "" if the agent is idle, for QUEUE_UPDATE's executing field (§6).
func (q *AgentQueue) Executing() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id := range q.executing {
		return id
	}
	return ""
}

// Remove drops commandID from the queue if it is Queued; recomputes
// positions for waiting siblings implicitly (position is derived).
func (q *AgentQueue) Remove(commandID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.byID[commandID]
	if !ok || j.Status != "Queued" {
		return false
	}
	q.removeFromHeapLocked(j)
	delete(q.byID, commandID)
	observability.QueueDepth.WithLabelValues(q.agentID).Set(float64(len(q.byID)))
	q.notifyPositionChangeLocked()
	return true
}

func (q *AgentQueue) removeFromHeapLocked(j *Job) {
	if j.index >= 0 && j.index < len(q.ready.jobs) && q.ready.jobs[j.index] == j {
		heap.Remove(&q.ready, j.index)
	}
}

// InterruptResult reports the outcome of Interrupt.
type InterruptResult struct {
	Removed bool
	Forced  bool
	Reason  string
}

// Interrupt cancels or marks for cancellation the named command (§4.7).
func (q *AgentQueue) Interrupt(commandID string, reason string, force bool, timeout time.Duration) (InterruptResult, error) {
	if timeout <= 0 {
		timeout = defaultInterruptWait
	}

	q.mu.Lock()
	j, ok := q.byID[commandID]
	if !ok {
		q.mu.Unlock()
		return InterruptResult{}, ErrNotActive
	}

	switch j.Status {
	case "Queued":
		q.removeFromHeapLocked(j)
		delete(q.byID, commandID)
		q.mu.Unlock()
		return InterruptResult{Removed: true, Reason: reason}, nil

	case "Executing":
		if force {
			delete(q.executing, commandID)
			delete(q.byID, commandID)
			q.mu.Unlock()
			return InterruptResult{Removed: true, Forced: true, Reason: reason}, nil
		}
		j.InterruptReason = reason
		q.mu.Unlock()

		deadline := time.Now().Add(timeout)
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for time.Now().Before(deadline) {
			<-ticker.C
			q.mu.Lock()
			_, stillExecuting := q.executing[commandID]
			q.mu.Unlock()
			if !stillExecuting {
				return InterruptResult{Removed: true, Reason: reason}, nil
			}
		}
		q.mu.Lock()
		delete(q.executing, commandID)
		delete(q.byID, commandID)
		q.mu.Unlock()
		return InterruptResult{Removed: true, Forced: true, Reason: reason + " (forced after timeout)"}, nil

	default:
		q.mu.Unlock()
		return InterruptResult{}, ErrNotActive
	}
}

// Dispatch pulls the single highest-priority ready job, if the queue
// is not paused, and marks it Executing.
func (q *AgentQueue) Dispatch() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused {
		return nil
	}
	now := time.Now()
	for q.ready.Len() > 0 {
		top := q.ready.jobs[0]
		if top.ScheduledAt.After(now) {
			return nil
		}
		j := heap.Pop(&q.ready).(*Job)
		if j.Status != "Queued" {
			continue
		}
		j.Status = "Executing"
		q.executing[j.CommandID] = j
		observability.QueueDepth.WithLabelValues(q.agentID).Set(float64(len(q.byID)))
		q.notifyPositionChangeLocked()
		return j
	}
	return nil
}

// Complete marks commandID Completed and records history.
func (q *AgentQueue) Complete(commandID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.executing[commandID]
	if !ok {
		return
	}
	delete(q.executing, commandID)
	delete(q.byID, commandID)
	q.recordHistoryLocked(j, "Completed")
	observability.QueueDepth.WithLabelValues(q.agentID).Set(float64(len(q.byID)))
}

// Fail applies the retry/backoff model (§4.7): re-enqueue with backoff
// if attempts remain, else record Failed.
func (q *AgentQueue) Fail(commandID string, reason string, backoff time.Duration) {
	q.mu.Lock()
	j, ok := q.executing[commandID]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.executing, commandID)
	j.AttemptCount++
	if j.AttemptCount < j.MaxAttempts {
		j.Status = "Queued"
		j.SubmitTime = time.Now()
		j.ScheduledAt = time.Now().Add(backoff)
		heap.Push(&q.ready, j)
		q.notifyPositionChangeLocked()
		q.mu.Unlock()
		return
	}
	delete(q.byID, commandID)
	q.recordHistoryLocked(j, "Failed")
	q.mu.Unlock()
}

func (q *AgentQueue) recordHistoryLocked(j *Job, status string) {
	now := time.Now()
	startedWait := j.SubmitTime
	entry := completion{
		status:     status,
		waitMs:     0,
		processMs:  float64(now.Sub(startedWait).Milliseconds()),
		finishedAt: now,
	}
	q.history = append(q.history, entry)
	if len(q.history) > 100 {
		q.history = q.history[len(q.history)-100:]
	}
}

func (q *AgentQueue) notifyPositionChangeLocked() {
	if q.onPositionChange != nil {
		go q.onPositionChange()
	}
}

// Metrics computes queue totals and rolling throughput (§4.7).
func (q *AgentQueue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	var m Metrics
	for _, j := range q.byID {
		switch j.Status {
		case "Queued":
			m.Pending++
		case "Executing":
			m.Executing++
		}
	}

	var totalProcess float64
	var completedCount, failedCount int
	var oldestHour time.Time
	now := time.Now()
	for _, c := range q.history {
		switch c.status {
		case "Completed":
			completedCount++
		case "Failed":
			failedCount++
		}
		totalProcess += c.processMs
		if c.finishedAt.After(now.Add(-time.Hour)) {
			if oldestHour.IsZero() || c.finishedAt.Before(oldestHour) {
				oldestHour = c.finishedAt
			}
		}
	}
	m.Completed = completedCount
	m.Failed = failedCount
	if len(q.history) > 0 {
		m.AvgProcessMs = totalProcess / float64(len(q.history))
	}

	var inLastHour int
	for _, c := range q.history {
		if c.finishedAt.After(now.Add(-time.Hour)) {
			inLastHour++
		}
	}
	m.ThroughputHour = float64(inLastHour)
	return m
}

// Shutdown pauses dispatch, waits up to shutdownGrace for Executing
// jobs to finish, then force-cancels the rest (§4.7).
func (q *AgentQueue) Shutdown() []*Job {
	q.mu.Lock()
	q.paused = true
	deadline := time.Now().Add(q.shutdownGrace)
	q.mu.Unlock()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		q.mu.Lock()
		empty := len(q.executing) == 0
		q.mu.Unlock()
		if empty {
			break
		}
		<-ticker.C
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	var cancelled []*Job
	for id, j := range q.executing {
		j.Status = "Cancelled"
		cancelled = append(cancelled, j)
		delete(q.executing, id)
		delete(q.byID, id)
	}
	for _, j := range q.ready.jobs {
		j.Status = "Cancelled"
		cancelled = append(cancelled, j)
		delete(q.byID, j.CommandID)
	}
	q.ready.jobs = nil
	return cancelled
}

func sortByPriority(jobs []*Job) {
	// Simple insertion sort: ready sets are small (per-agent queue).
	for i := 1; i < len(jobs); i++ {
		for j := i; j > 0; j-- {
			a, b := jobs[j], jobs[j-1]
			less := a.Priority > b.Priority || (a.Priority == b.Priority && a.SubmitTime.Before(b.SubmitTime))
			if less {
				jobs[j], jobs[j-1] = jobs[j-1], jobs[j]
			} else {
				break
			}
		}
	}
}

// Manager owns one AgentQueue per agentId, created lazily.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*AgentQueue
	cfg    Config
}

// NewManager constructs a Manager applying cfg to every lazily-created
// AgentQueue.
func NewManager(cfg Config) *Manager {
	return &Manager{queues: make(map[string]*AgentQueue), cfg: cfg}
}

// For returns (creating if necessary) the AgentQueue for agentID.
func (m *Manager) For(agentID string) *AgentQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[agentID]
	if !ok {
		q = New(agentID, m.cfg)
		m.queues[agentID] = q
	}
	return q
}

// Remove drops the AgentQueue entirely, e.g. on agent disconnect.
func (m *Manager) Remove(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queues, agentID)
}
