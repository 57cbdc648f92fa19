// Package pool coordinates a fixed set of execution units. A single
// goroutine owns all pool state: unit health, the priority queue, waiting
// callers, and retained results. Units talk to it exclusively through a
// fan-in message channel and callers through serialized operations, so no
// pool state is ever shared between goroutines.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emberworks/bellows/internal/handler"
	"github.com/emberworks/bellows/internal/journal"
	"github.com/emberworks/bellows/internal/model"
	"github.com/emberworks/bellows/internal/queue"
	"github.com/emberworks/bellows/internal/unit"
)

// MaxUnits caps the pool size regardless of configuration.
const MaxUnits = 8

// consecutiveErrorLimit is how many consecutive failures a unit tolerates.
// One more and it is torn down and replaced.
const consecutiveErrorLimit = 5

const (
	defaultHealthInterval  = 30 * time.Second
	defaultCleanupInterval = 5 * time.Minute
	defaultCooldown        = time.Second
	defaultStaleAfter      = 5 * time.Minute
	defaultRetention       = time.Hour
	defaultJournalKeep     = 24 * time.Hour
)

// ErrStopped is returned when work is submitted after Close.
var ErrStopped = errors.New("pool stopped")

// pendingTask tracks a submitted task until its result is delivered.
// attempts counts crash-recovery re-dispatches, not handler failures.
type pendingTask struct {
	task     *model.Task
	ch       chan model.TaskResult
	attempts int
}

// unitRecord is the manager's view of one execution unit generation.
type unitRecord struct {
	id    string
	epoch uint64
	u     *unit.Unit

	health    model.UnitHealth
	active    *model.Task
	startedAt time.Time
	busySince time.Time
	busyAccum time.Duration
}

// Manager owns the execution units and brokers all work to them.
type Manager struct {
	logger   *slog.Logger
	registry *handler.Registry
	jour     journal.Journal
	broker   *SignalBroker

	size  int
	inbox chan unit.Message
	ops   chan func()
	stopc chan struct{}
	done  chan struct{}

	stopOnce sync.Once

	// Owned by the coordinating loop (and Start, before the loop runs).
	units        map[string]*unitRecord
	order        []string
	queue        *queue.Queue
	pending      map[string]*pendingTask
	results      *resultStore
	nextEpoch    uint64
	completed    int
	failed       int
	execTotalMS  int
	lastHealthAt time.Time

	// Timing knobs, fixed after Start.
	healthInterval  time.Duration
	cleanupInterval time.Duration
	cooldown        time.Duration
	staleAfter      time.Duration
	retention       time.Duration
	journalKeep     time.Duration
}

// NewManager creates a pool of size execution units. Sizes outside
// [1, MaxUnits] are clamped. Units spawn when Start is called.
func NewManager(size int, reg *handler.Registry, jour journal.Journal, broker *SignalBroker, logger *slog.Logger) *Manager {
	if size < 1 {
		size = 1
	}
	if size > MaxUnits {
		size = MaxUnits
	}

	m := &Manager{
		logger:   logger,
		registry: reg,
		jour:     jour,
		broker:   broker,

		size:  size,
		inbox: make(chan unit.Message, size*16),
		ops:   make(chan func()),
		stopc: make(chan struct{}),
		done:  make(chan struct{}),

		units:   make(map[string]*unitRecord),
		queue:   queue.New(),
		pending: make(map[string]*pendingTask),
		results: newResultStore(),

		healthInterval:  defaultHealthInterval,
		cleanupInterval: defaultCleanupInterval,
		cooldown:        defaultCooldown,
		staleAfter:      defaultStaleAfter,
		retention:       defaultRetention,
		journalKeep:     defaultJournalKeep,
	}
	for i := 1; i <= size; i++ {
		m.order = append(m.order, fmt.Sprintf("unit-%d", i))
	}
	return m
}

// Start spawns the execution units and the coordinating loop.
func (m *Manager) Start() {
	for _, id := range m.order {
		m.spawnUnit(id)
	}
	go m.run()
	m.logger.Info("pool started", "units", m.size)
}

// Close stops the pool and waits for the coordinating loop to exit. Queued
// tasks are dropped and every waiter's channel is closed without a value.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopc) })
	<-m.done
}

// Submit enqueues a task and returns the channel its result will arrive
// on. The channel is closed without a value if the pool shuts down first.
func (m *Manager) Submit(t *model.Task) (<-chan model.TaskResult, error) {
	ch := make(chan model.TaskResult, 1)
	ok := m.call(func() {
		m.pending[t.ID] = &pendingTask{task: t, ch: ch}
		m.queue.Push(t)
		queueDepth.Set(float64(m.queue.Len()))
		m.dispatchNext()
	})
	if !ok {
		return nil, ErrStopped
	}
	return ch, nil
}

// Result returns the retained result of a finished task.
func (m *Manager) Result(taskID string) (model.TaskResult, bool) {
	var (
		res   model.TaskResult
		found bool
	)
	done := make(chan struct{})
	if !m.call(func() {
		res, found = m.results.get(taskID)
		close(done)
	}) {
		return res, false
	}
	<-done
	return res, found
}

// Stats returns a snapshot of pool statistics. A stopped pool reports
// zeros.
func (m *Manager) Stats() model.PoolStats {
	var stats model.PoolStats
	done := make(chan struct{})
	if !m.call(func() {
		stats = m.snapshotStats()
		close(done)
	}) {
		return stats
	}
	<-done
	return stats
}

// Health returns per-unit health snapshots in dispatch order.
func (m *Manager) Health() []model.UnitHealth {
	var out []model.UnitHealth
	done := make(chan struct{})
	if !m.call(func() {
		now := time.Now()
		for _, id := range m.order {
			rec, ok := m.units[id]
			if !ok {
				continue
			}
			h := rec.health
			if h.Status == model.UnitBusy && !rec.startedAt.IsZero() {
				h.ExecutionTimeMS = int(now.Sub(rec.startedAt).Milliseconds())
			}
			out = append(out, h)
		}
		close(done)
	}) {
		return nil
	}
	<-done
	return out
}

// QueueStatus returns the queued tasks in dispatch order plus the count of
// tasks currently executing.
func (m *Manager) QueueStatus() model.QueueStatus {
	qs := model.QueueStatus{Tasks: []*model.Task{}}
	done := make(chan struct{})
	if !m.call(func() {
		qs.QueuedTasks = m.queue.Len()
		if tasks := m.queue.Snapshot(); tasks != nil {
			qs.Tasks = tasks
		}
		for _, rec := range m.units {
			if rec.active != nil {
				qs.ActiveTasks++
			}
		}
		close(done)
	}) {
		return qs
	}
	<-done
	return qs
}

// call runs fn on the coordinating loop. It returns false, without
// running fn, once the pool has stopped. The ops channel is unbuffered,
// so a true return means fn has been picked up and will complete.
func (m *Manager) call(fn func()) bool {
	select {
	case m.ops <- fn:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) run() {
	defer close(m.done)

	healthTick := time.NewTicker(m.healthInterval)
	defer healthTick.Stop()
	cleanupTick := time.NewTicker(m.cleanupInterval)
	defer cleanupTick.Stop()

	m.lastHealthAt = time.Now()

	for {
		select {
		case fn := <-m.ops:
			fn()
		case msg := <-m.inbox:
			m.onUnitMessage(msg)
		case <-healthTick.C:
			m.healthCheck()
		case <-cleanupTick.C:
			m.cleanup()
		case <-m.stopc:
			m.shutdown()
			return
		}
	}
}

// spawnUnit creates and starts a fresh unit generation under the given
// identity. Called from Start and from restart timers via call.
func (m *Manager) spawnUnit(id string) {
	if _, ok := m.units[id]; ok {
		return
	}
	m.nextEpoch++
	u := unit.New(id, m.nextEpoch, m.registry, m.inbox, m.logger)
	m.units[id] = &unitRecord{
		id:    id,
		epoch: m.nextEpoch,
		u:     u,
		health: model.UnitHealth{
			ID:             id,
			Status:         model.UnitUninitialized,
			LastActivityAt: time.Now().UTC(),
		},
	}
	u.Start()
}

func (m *Manager) onUnitMessage(msg unit.Message) {
	rec, ok := m.units[msg.UnitID]
	if !ok || rec.epoch != msg.Epoch {
		// Straggler from a generation that was already replaced.
		return
	}

	switch msg.Type {
	case unit.MsgStatus:
		m.onStatus(rec, msg.Status)
	case unit.MsgProgress:
		m.onProgress(rec, msg)
	case unit.MsgResult:
		m.onResult(rec, msg)
	case unit.MsgError:
		m.onUnitError(rec, msg)
	case unit.MsgExited:
		m.logger.Error("unit exited unexpectedly", "unit_id", rec.id)
		m.restartUnit(rec, restartReasonCrash)
	}
}

func (m *Manager) onStatus(rec *unitRecord, status string) {
	if !model.ValidTransition(rec.health.Status, status) {
		m.logger.Warn("ignoring invalid unit transition",
			"unit_id", rec.id, "from", rec.health.Status, "to", status)
		return
	}
	rec.health.Status = status
	rec.health.LastActivityAt = time.Now().UTC()
	m.refreshGauges()

	if status == model.UnitIdle {
		m.dispatchNext()
	}
}

func (m *Manager) onProgress(rec *unitRecord, msg unit.Message) {
	if rec.active == nil || rec.active.ID != msg.TaskID {
		return
	}
	progressSignalsTotal.Inc()
	m.broker.Publish(msg.TaskID, model.Signal{
		TaskID: msg.TaskID,
		Name:   model.SignalProgress,
		Value:  msg.Progress,
		Source: rec.active.OwnerID,
	})
}

func (m *Manager) onResult(rec *unitRecord, msg unit.Message) {
	if rec.active == nil || rec.active.ID != msg.TaskID || msg.Result == nil {
		m.logger.Warn("dropping result for unexpected task",
			"unit_id", rec.id, "task_id", msg.TaskID)
		return
	}
	res := *msg.Result
	task := rec.active
	now := time.Now()

	rec.health.Status = model.UnitIdle
	rec.health.CurrentTaskID = ""
	rec.health.LastActivityAt = now.UTC()
	rec.health.TaskCount++
	rec.health.ExecutionTimeMS = res.ExecutionTimeMS
	rec.health.MemoryUsageMB = res.MemoryUsageMB
	if res.Success {
		rec.health.ErrorCount = 0
	} else {
		rec.health.ErrorCount++
	}

	if !rec.busySince.IsZero() {
		rec.busyAccum += now.Sub(rec.busySince)
		rec.busySince = time.Time{}
	}
	rec.startedAt = time.Time{}
	rec.active = nil

	m.deliver(task, res)
	m.refreshGauges()

	if rec.health.ErrorCount > consecutiveErrorLimit {
		m.restartUnit(rec, restartReasonErrors)
		return
	}
	m.dispatchNext()
}

// onUnitError handles internal unit faults that are not handler outcomes,
// such as a dispatch referencing a missing handler. The task fails, the
// unit reports error and then recovers to idle on its own.
func (m *Manager) onUnitError(rec *unitRecord, msg unit.Message) {
	m.logger.Error("unit reported fault",
		"unit_id", rec.id, "task_id", msg.TaskID, "error", msg.Err)

	if model.ValidTransition(rec.health.Status, model.UnitError) {
		rec.health.Status = model.UnitError
	}
	rec.health.ErrorCount++
	rec.health.LastActivityAt = time.Now().UTC()

	if rec.active != nil && rec.active.ID == msg.TaskID {
		task := rec.active
		rec.active = nil
		rec.health.CurrentTaskID = ""
		rec.startedAt = time.Time{}
		if !rec.busySince.IsZero() {
			rec.busyAccum += time.Since(rec.busySince)
			rec.busySince = time.Time{}
		}
		m.deliver(task, model.TaskResult{Success: false, Error: msg.Err})
	}
	m.refreshGauges()

	if rec.health.ErrorCount > consecutiveErrorLimit {
		m.restartUnit(rec, restartReasonErrors)
	}
}

// deliver records a finished task everywhere it is observed: the result
// store, counters and metrics, the journal, the signal broker, and the
// submitting caller.
func (m *Manager) deliver(t *model.Task, res model.TaskResult) {
	m.results.put(t.ID, res)

	if res.Success {
		m.completed++
	} else {
		m.failed++
	}
	m.execTotalMS += res.ExecutionTimeMS
	ObserveTask(res.Success, t.Priority, time.Duration(res.ExecutionTimeMS)*time.Millisecond)

	rec := &journal.Record{
		TaskID:          t.ID,
		OwnerID:         t.OwnerID,
		OwnerKind:       t.OwnerKind,
		Handler:         t.Handler,
		Priority:        string(t.Priority),
		Success:         res.Success,
		Error:           res.Error,
		ExecutionTimeMS: res.ExecutionTimeMS,
		MemoryUsageMB:   res.MemoryUsageMB,
		CreatedAt:       t.CreatedAt,
		FinishedAt:      time.Now().UTC(),
	}
	if err := m.jour.Record(context.Background(), rec); err != nil {
		m.logger.Error("failed to journal task", "task_id", t.ID, "error", err)
	}

	m.broker.Publish(t.ID, model.Signal{
		TaskID: t.ID,
		Name:   model.SignalExecutionTime,
		Value:  float64(res.ExecutionTimeMS),
		Source: t.OwnerID,
	})

	if p, ok := m.pending[t.ID]; ok {
		delete(m.pending, t.ID)
		p.ch <- res
	}
	m.broker.Close(t.ID)
}

// dispatchNext assigns queued tasks to idle units until one side runs out.
func (m *Manager) dispatchNext() {
	for {
		rec := m.firstIdle()
		if rec == nil {
			return
		}
		t := m.queue.PopEligible(m.depsSatisfied)
		if t == nil {
			return
		}
		queueDepth.Set(float64(m.queue.Len()))

		now := time.Now()
		rec.health.Status = model.UnitBusy
		rec.health.CurrentTaskID = t.ID
		rec.health.LastActivityAt = now.UTC()
		rec.active = t
		rec.startedAt = now
		rec.busySince = now
		rec.u.Execute(t)
		m.refreshGauges()

		m.logger.Debug("dispatched task",
			"task_id", t.ID, "unit_id", rec.id, "priority", t.Priority)
	}
}

func (m *Manager) firstIdle() *unitRecord {
	for _, id := range m.order {
		if rec, ok := m.units[id]; ok && rec.health.Status == model.UnitIdle {
			return rec
		}
	}
	return nil
}

// depsSatisfied reports whether every dependency of the task has a
// retained result. Unknown dependency IDs never satisfy, so the task
// stays queued.
func (m *Manager) depsSatisfied(t *model.Task) bool {
	for _, dep := range t.Config.Dependencies {
		if !m.results.has(dep) {
			return false
		}
	}
	return true
}

// restartUnit tears down a unit and schedules a replacement after the
// cooldown. The replacement keeps the unit's identity and dispatch slot;
// its in-flight task, if any, is re-queued or failed.
func (m *Manager) restartUnit(rec *unitRecord, reason string) {
	m.logger.Warn("restarting execution unit",
		"unit_id", rec.id, "reason", reason, "error_count", rec.health.ErrorCount)
	unitRestartsTotal.WithLabelValues(reason).Inc()

	rec.u.Terminate()
	delete(m.units, rec.id)

	if rec.active != nil {
		m.requeueOrFail(rec.active)
		rec.active = nil
	}
	m.refreshGauges()

	id := rec.id
	time.AfterFunc(m.cooldown, func() {
		m.call(func() {
			m.spawnUnit(id)
		})
	})
}

// requeueOrFail re-enqueues a task whose unit died mid-run, or fails it
// once its retry budget is spent.
func (m *Manager) requeueOrFail(t *model.Task) {
	p, ok := m.pending[t.ID]
	if !ok {
		return
	}

	if p.attempts >= t.Config.Retries() {
		m.deliver(t, model.TaskResult{Success: false, Error: "execution unit crashed"})
		return
	}

	p.attempts++
	tasksRetriedTotal.Inc()
	m.logger.Info("requeueing task after unit crash",
		"task_id", t.ID, "attempt", p.attempts, "budget", t.Config.Retries())

	time.AfterFunc(t.Config.RetryDelay(), func() {
		m.call(func() {
			if _, ok := m.pending[t.ID]; !ok {
				return
			}
			m.queue.Push(t)
			queueDepth.Set(float64(m.queue.Len()))
			m.dispatchNext()
		})
	})
}

// healthCheck restarts units stuck busy past the stale window and
// refreshes per-unit CPU usage over the elapsed window.
func (m *Manager) healthCheck() {
	now := time.Now()
	window := now.Sub(m.lastHealthAt)
	m.lastHealthAt = now

	var stale []*unitRecord
	for _, id := range m.order {
		rec, ok := m.units[id]
		if !ok {
			continue
		}

		busy := rec.busyAccum
		rec.busyAccum = 0
		if rec.health.Status == model.UnitBusy && !rec.busySince.IsZero() {
			busy += now.Sub(rec.busySince)
			rec.busySince = now
		}
		if window > 0 {
			rec.health.CPUUsagePct = min(float64(busy)/float64(window)*100, 100)
		}

		if rec.health.Status == model.UnitBusy && !rec.startedAt.IsZero() &&
			now.Sub(rec.startedAt) > m.staleAfter {
			stale = append(stale, rec)
		}
	}

	for _, rec := range stale {
		m.logger.Warn("unit busy past stale window",
			"unit_id", rec.id, "task_id", rec.health.CurrentTaskID)
		m.restartUnit(rec, restartReasonStale)
	}
	m.refreshGauges()
}

// cleanup evicts aged results and prunes old journal rows.
func (m *Manager) cleanup() {
	if evicted := m.results.evictOlder(m.retention); evicted > 0 {
		m.logger.Info("evicted aged task results", "count", evicted)
	}

	n, err := m.jour.Prune(context.Background(), time.Now().Add(-m.journalKeep))
	if err != nil {
		m.logger.Error("failed to prune journal", "error", err)
	} else if n > 0 {
		m.logger.Info("pruned journal records", "count", n)
	}
}

// shutdown tears everything down. Waiters see a closed channel instead of
// a result.
func (m *Manager) shutdown() {
	for _, rec := range m.units {
		rec.u.Terminate()
	}
	m.units = make(map[string]*unitRecord)

	if dropped := m.queue.Clear(); dropped > 0 {
		m.logger.Info("dropped queued tasks on shutdown", "count", dropped)
	}

	for id, p := range m.pending {
		close(p.ch)
		delete(m.pending, id)
	}
	m.results.clear()

	queueDepth.Set(0)
	unitsBusy.Set(0)
	unitsIdle.Set(0)
	unitsError.Set(0)

	m.logger.Info("pool stopped")
}

func (m *Manager) snapshotStats() model.PoolStats {
	stats := model.PoolStats{
		TotalWorkers:   len(m.units),
		QueuedTasks:    m.queue.Len(),
		CompletedTasks: m.completed,
		FailedTasks:    m.failed,
	}
	for _, rec := range m.units {
		switch rec.health.Status {
		case model.UnitBusy:
			stats.ActiveWorkers++
		case model.UnitIdle:
			stats.IdleWorkers++
		case model.UnitError:
			stats.ErrorWorkers++
		}
		stats.TotalMemoryUsageMB += rec.health.MemoryUsageMB
		stats.TotalCPUUsagePct += rec.health.CPUUsagePct
	}
	if n := m.completed + m.failed; n > 0 {
		stats.AverageExecutionTimeMS = float64(m.execTotalMS) / float64(n)
	}
	return stats
}

func (m *Manager) refreshGauges() {
	var busy, idle, errored float64
	for _, rec := range m.units {
		switch rec.health.Status {
		case model.UnitBusy:
			busy++
		case model.UnitIdle:
			idle++
		case model.UnitError:
			errored++
		}
	}
	unitsBusy.Set(busy)
	unitsIdle.Set(idle)
	unitsError.Set(errored)
}
