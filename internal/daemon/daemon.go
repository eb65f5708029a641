// Package daemon runs the orchestration loop: it claims queued tasks,
// matches them to idle workers, dispatches execution, records run
// outcomes, and drives plan progress. All state transitions go through
// the durable store; the daemon itself can be restarted at any point
// and resumes from whatever the database says.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/drover/internal/bus"
	"github.com/ShayCichocki/drover/internal/dispatch"
	"github.com/ShayCichocki/drover/internal/graph"
	"github.com/ShayCichocki/drover/internal/queue"
	"github.com/ShayCichocki/drover/internal/registry"
	"github.com/ShayCichocki/drover/internal/state"
	"github.com/ShayCichocki/drover/pkg/models"
)

// Options configures a Daemon. DB, Queue, Resolver, Registry, Bus, and
// Dispatcher are required; the rest default sensibly.
type Options struct {
	DB         *state.DB
	Queue      *queue.Queue
	Resolver   *graph.Resolver
	Registry   *registry.Registry
	Bus        *bus.Bus
	Dispatcher dispatch.Dispatcher
	Logger     *DebugLogger

	// PollInterval is how often the loop looks for claimable work.
	PollInterval time.Duration
	// DispatchTimeout bounds a single task execution.
	DispatchTimeout time.Duration
	// MaxInFlight bounds concurrent dispatches.
	MaxInFlight int
	// MaxRetries is how many attempts a task gets before terminal failure.
	MaxRetries int
	// ReviewTypes lists task types whose results are held for review.
	ReviewTypes []string
}

// Daemon is the orchestrator. Construct with New and drive with Run.
type Daemon struct {
	db         *state.DB
	queue      *queue.Queue
	resolver   *graph.Resolver
	registry   *registry.Registry
	bus        *bus.Bus
	dispatcher dispatch.Dispatcher
	logger     *DebugLogger

	pollInterval    time.Duration
	dispatchTimeout time.Duration
	maxInFlight     int
	maxRetries      int
	reviewTypes     map[string]bool

	mu       sync.Mutex
	inflight map[string]inflightTask

	// wake is signaled when a dispatch finishes so the loop re-checks
	// for work without waiting out the poll interval.
	wake chan struct{}
	wg   sync.WaitGroup

	startedAt time.Time
}

// inflightTask tracks one dispatched task so an external Cancel can
// abort its dispatch context.
type inflightTask struct {
	workerID string
	cancel   context.CancelFunc
}

// New creates a Daemon from options.
func New(opts Options) (*Daemon, error) {
	if opts.DB == nil || opts.Queue == nil || opts.Resolver == nil ||
		opts.Registry == nil || opts.Bus == nil || opts.Dispatcher == nil {
		return nil, fmt.Errorf("daemon: db, queue, resolver, registry, bus, and dispatcher are required")
	}
	if opts.Logger == nil {
		opts.Logger = NopLogger()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = 15 * time.Minute
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 4
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}

	review := make(map[string]bool, len(opts.ReviewTypes))
	for _, t := range opts.ReviewTypes {
		review[t] = true
	}

	return &Daemon{
		db:              opts.DB,
		queue:           opts.Queue,
		resolver:        opts.Resolver,
		registry:        opts.Registry,
		bus:             opts.Bus,
		dispatcher:      opts.Dispatcher,
		logger:          opts.Logger,
		pollInterval:    opts.PollInterval,
		dispatchTimeout: opts.DispatchTimeout,
		maxInFlight:     opts.MaxInFlight,
		maxRetries:      opts.MaxRetries,
		reviewTypes:     review,
		inflight:        make(map[string]inflightTask),
		wake:            make(chan struct{}, 1),
	}, nil
}

// Run executes the orchestration loop until the context is cancelled.
// In-flight dispatches are waited out before Run returns.
func (d *Daemon) Run(ctx context.Context) error {
	d.startedAt = time.Now()
	d.logger.Log("[daemon] starting: poll=%v timeout=%v max_in_flight=%d max_retries=%d",
		d.pollInterval, d.dispatchTimeout, d.maxInFlight, d.maxRetries)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		d.tick(ctx)

		select {
		case <-ctx.Done():
			d.logger.Log("[daemon] stopping: %v", ctx.Err())
			d.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// tick performs one pass: sweep stale workers, then claim and dispatch
// until in-flight capacity or the queue runs out.
func (d *Daemon) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	d.sweepStale()
	d.sweepStalledPlans()

	for d.inflightCount() < d.maxInFlight {
		dispatched, err := d.claimAndDispatch(ctx)
		if err != nil {
			d.logger.Log("[daemon] claim pass: %v", err)
			return
		}
		if !dispatched {
			return
		}
	}
}

// claimAndDispatch finds an idle worker with a claimable task, claims it,
// and starts execution. Returns false when no work could be started.
func (d *Daemon) claimAndDispatch(ctx context.Context) (bool, error) {
	workers, err := d.registry.ActiveWorkers("")
	if err != nil {
		return false, fmt.Errorf("list active workers: %w", err)
	}

	for i := range workers {
		w := &workers[i]
		if !w.Idle() {
			continue
		}

		task, err := d.queue.ClaimNext(w.ID, w.Capabilities)
		if errors.Is(err, queue.ErrNoTask) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("claim for worker %s: %w", w.ID, err)
		}

		if err := d.startTask(ctx, task, w); err != nil {
			d.logger.Log("[daemon] start task %s on %s failed: %v", task.ID, w.ID, err)
			// Claimed but not dispatched; put it back so it cannot leak
			// as permanently assigned.
			if relErr := d.queue.Release(task.ID); relErr != nil {
				d.logger.Log("[daemon] release task %s failed: %v", task.ID, relErr)
			}
			d.registry.ClearTask(w.ID)
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// startTask records the assignment, opens a run, and launches the
// dispatch goroutine.
func (d *Daemon) startTask(ctx context.Context, task *models.Task, w *models.Worker) error {
	if err := d.registry.AssignTask(w.ID, task.ID); err != nil {
		return fmt.Errorf("assign worker: %w", err)
	}

	number, err := d.db.NextRunNumber(task.ID)
	if err != nil {
		return fmt.Errorf("next run number: %w", err)
	}
	run := &models.Run{
		ID:        "run-" + uuid.New().String()[:8],
		TaskID:    task.ID,
		WorkerID:  w.ID,
		Number:    number,
		Status:    models.RunRunning,
		StartedAt: time.Now(),
	}
	if err := d.db.CreateRun(run); err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	if err := d.queue.MarkRunning(task.ID); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}

	// Each dispatch gets its own cancelable context so Cancel can abort
	// it without touching the loop's context.
	taskCtx, cancelTask := context.WithCancel(ctx)

	d.mu.Lock()
	d.inflight[task.ID] = inflightTask{workerID: w.ID, cancel: cancelTask}
	d.mu.Unlock()

	d.bus.Publish(bus.Event{Topic: bus.TopicTaskAssigned, TaskID: task.ID, WorkerID: w.ID, PlanID: task.PlanID})
	d.bus.Publish(bus.Event{Topic: bus.TopicTaskStarted, TaskID: task.ID, WorkerID: w.ID, PlanID: task.PlanID,
		Message: fmt.Sprintf("attempt %d", number)})
	d.logger.Log("[daemon] task %s dispatched to %s (attempt %d)", task.ID, w.ID, number)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.finishInflight(task.ID, w.ID)
		defer cancelTask()

		d.execute(taskCtx, task, run)
	}()
	return nil
}

// execute runs the dispatcher and records the outcome.
func (d *Daemon) execute(ctx context.Context, task *models.Task, run *models.Run) {
	dispatchCtx, cancel := context.WithTimeout(ctx, d.dispatchTimeout)
	defer cancel()

	env := dispatch.Envelope{
		TaskID:  task.ID,
		Type:    task.Type,
		Title:   task.Title,
		Attempt: run.Number,
		Payload: task.Payload,
	}

	res, err := d.dispatcher.Dispatch(dispatchCtx, env)

	now := time.Now()
	run.EndedAt = &now

	// An external Cancel may have landed while the worker was running.
	// The cancelled status is terminal, so the run fails with the
	// cancellation reason regardless of what the dispatch reported.
	if cur, curErr := d.db.GetTask(task.ID); curErr == nil && cur != nil &&
		cur.Status == models.TaskStatusCancelled {
		run.Status = models.RunFailed
		run.Error = "cancelled: " + cur.Error
		d.closeRun(run)
		d.logger.Log("[daemon] task %s cancelled mid-dispatch, run %s failed", task.ID, run.ID)
		return
	}

	switch {
	case err != nil:
		run.Status = models.RunFailed
		run.Error = err.Error()
		d.closeRun(run)
		d.failAttempt(task, run.Number, err.Error())

	case res.OK():
		run.Status = models.RunSuccess
		run.Result = res.Result
		d.closeRun(run)
		d.succeed(task, res)

	default:
		run.Status = models.RunFailed
		run.Error = res.Error
		d.closeRun(run)
		d.failAttempt(task, run.Number, res.Error)
	}
}

// closeRun persists the run's terminal state.
func (d *Daemon) closeRun(run *models.Run) {
	if err := d.db.UpdateRun(run); err != nil {
		d.logger.Log("[daemon] update run %s failed: %v", run.ID, err)
	}
}

// finishInflight releases the worker and wakes the loop.
func (d *Daemon) finishInflight(taskID, workerID string) {
	d.mu.Lock()
	delete(d.inflight, taskID)
	d.mu.Unlock()

	if err := d.registry.ClearTask(workerID); err != nil {
		d.logger.Log("[daemon] clear worker %s failed: %v", workerID, err)
	}

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// succeed completes a task, or parks it for review when its type is
// configured as reviewed.
func (d *Daemon) succeed(task *models.Task, res *dispatch.Result) {
	if d.reviewTypes[task.Type] {
		if err := d.queue.MarkReviewPending(task.ID, res.Result); err != nil {
			d.logger.Log("[daemon] mark review pending %s failed: %v", task.ID, err)
			return
		}
		d.bus.Publish(bus.Event{Topic: bus.TopicTaskReview, TaskID: task.ID, PlanID: task.PlanID})
		d.logger.Log("[daemon] task %s held for review", task.ID)
		return
	}

	if err := d.queue.MarkCompleted(task.ID, res.Result); err != nil {
		d.logger.Log("[daemon] mark completed %s failed: %v", task.ID, err)
		return
	}
	d.bus.Publish(bus.Event{Topic: bus.TopicTaskCompleted, TaskID: task.ID, PlanID: task.PlanID})
	d.logger.Log("[daemon] task %s completed", task.ID)

	d.advancePlan(task)
}

// failAttempt requeues a failed attempt, or fails the task terminally
// once its retry budget is spent.
func (d *Daemon) failAttempt(task *models.Task, attempt int, errMsg string) {
	if attempt < d.maxRetries {
		if err := d.queue.Requeue(task.ID, errMsg); err != nil {
			d.logger.Log("[daemon] requeue %s failed: %v", task.ID, err)
			return
		}
		d.bus.Publish(bus.Event{Topic: bus.TopicTaskQueued, TaskID: task.ID, PlanID: task.PlanID,
			Message: fmt.Sprintf("retry after attempt %d", attempt), Error: errMsg})
		d.logger.Log("[daemon] task %s requeued after attempt %d: %s", task.ID, attempt, errMsg)
		return
	}

	if err := d.queue.MarkFailed(task.ID, errMsg); err != nil {
		d.logger.Log("[daemon] mark failed %s failed: %v", task.ID, err)
		return
	}
	d.bus.Publish(bus.Event{Topic: bus.TopicTaskFailed, TaskID: task.ID, PlanID: task.PlanID, Error: errMsg})
	d.logger.Log("[daemon] task %s failed after %d attempts: %s", task.ID, attempt, errMsg)

	d.failPlanBranch(task)
}

// advancePlan updates plan aggregates after a subtask completed.
func (d *Daemon) advancePlan(task *models.Task) {
	if task.PlanID == "" {
		return
	}

	plan, err := d.resolver.OnSubtaskCompleted(task.ID)
	if err != nil {
		d.logger.Log("[daemon] plan advance for %s failed: %v", task.ID, err)
		return
	}
	if plan == nil {
		return
	}
	d.publishPlanState(plan)
}

// failPlanBranch cascades a terminal subtask failure through the plan.
func (d *Daemon) failPlanBranch(task *models.Task) {
	if task.PlanID == "" {
		return
	}

	plan, cascaded, err := d.resolver.OnSubtaskFailed(task.ID)
	if err != nil {
		d.logger.Log("[daemon] plan failure cascade for %s failed: %v", task.ID, err)
		return
	}
	if plan == nil {
		return
	}

	for _, id := range cascaded {
		d.bus.Publish(bus.Event{Topic: bus.TopicTaskFailed, TaskID: id, PlanID: plan.ID,
			Error: "prerequisite failed: " + task.ID})
	}
	d.publishPlanState(plan)
}

// publishPlanState emits the event matching a plan's current status.
func (d *Daemon) publishPlanState(plan *models.Plan) {
	switch plan.Status {
	case models.PlanCompleted:
		d.bus.Publish(bus.Event{Topic: bus.TopicPlanCompleted, PlanID: plan.ID})
		d.logger.Log("[daemon] plan %s completed", plan.ID)
	case models.PlanFailed:
		d.bus.Publish(bus.Event{Topic: bus.TopicPlanFailed, PlanID: plan.ID})
		d.logger.Log("[daemon] plan %s failed", plan.ID)
	default:
		d.bus.Publish(bus.Event{Topic: bus.TopicPlanProgress, PlanID: plan.ID,
			Message: fmt.Sprintf("%d/%d subtasks done", plan.CompletedSubtasks, plan.TotalSubtasks)})
	}
}

// sweepStale handles workers whose heartbeat lapsed: their in-flight
// tasks go back to the queue, their open runs are failed, and the worker
// is marked lost.
func (d *Daemon) sweepStale() {
	stale, err := d.registry.StaleWorkers()
	if err != nil {
		d.logger.Log("[daemon] stale sweep: %v", err)
		return
	}

	for i := range stale {
		w := &stale[i]

		if w.CurrentTaskID != "" {
			d.recoverTask(w.CurrentTaskID, w.ID)
		}

		if err := d.registry.MarkLost(w.ID); err != nil {
			d.logger.Log("[daemon] mark lost %s failed: %v", w.ID, err)
			continue
		}
		d.bus.Publish(bus.Event{Topic: bus.TopicWorkerLost, WorkerID: w.ID})
		d.logger.Log("[daemon] worker %s lost (no heartbeat)", w.ID)
	}
}

// sweepStalledPlans fails open plans that can no longer progress, such
// as plans whose remaining subtasks are gated on a cancelled
// prerequisite.
func (d *Daemon) sweepStalledPlans() {
	plans, err := d.db.ListPlans()
	if err != nil {
		d.logger.Log("[daemon] plan sweep: %v", err)
		return
	}

	for i := range plans {
		p := &plans[i]
		if p.Status == models.PlanCompleted || p.Status == models.PlanFailed {
			continue
		}
		d.failPlanIfStalled(p.ID)
	}
}

// recoverTask requeues a lost worker's task and fails its open run.
func (d *Daemon) recoverTask(taskID, workerID string) {
	if err := d.queue.Requeue(taskID, "worker "+workerID+" lost"); err != nil {
		d.logger.Log("[daemon] requeue orphan %s failed: %v", taskID, err)
		return
	}

	runs, err := d.db.ListRunsByTask(taskID)
	if err != nil {
		d.logger.Log("[daemon] list runs for %s failed: %v", taskID, err)
	} else {
		for i := range runs {
			r := &runs[i]
			if r.Status != models.RunRunning {
				continue
			}
			now := time.Now()
			r.Status = models.RunFailed
			r.Error = "worker lost"
			r.EndedAt = &now
			d.closeRun(r)
		}
	}

	d.bus.Publish(bus.Event{Topic: bus.TopicTaskQueued, TaskID: taskID, WorkerID: workerID,
		Message: "requeued from lost worker"})
	d.logger.Log("[daemon] task %s requeued from lost worker %s", taskID, workerID)
}

// Approve releases a review-pending task's held result, completing the
// task and advancing its plan.
func (d *Daemon) Approve(taskID string) error {
	task, err := d.db.GetTask(taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("approve task %s: %w", taskID, state.ErrNotFound)
	}

	if err := d.queue.MarkCompleted(taskID, task.Result); err != nil {
		return err
	}
	d.bus.Publish(bus.Event{Topic: bus.TopicTaskCompleted, TaskID: taskID, PlanID: task.PlanID,
		Message: "approved"})
	d.logger.Log("[daemon] task %s approved", taskID)

	d.advancePlan(task)
	return nil
}

// Escalate rejects a review-pending task's result, handing the task off
// for human attention.
func (d *Daemon) Escalate(taskID, reason string) error {
	task, err := d.db.GetTask(taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("escalate task %s: %w", taskID, state.ErrNotFound)
	}

	if err := d.queue.MarkEscalated(taskID, reason); err != nil {
		return err
	}
	d.bus.Publish(bus.Event{Topic: bus.TopicTaskEscalated, TaskID: taskID, PlanID: task.PlanID,
		Message: reason})
	d.logger.Log("[daemon] task %s escalated: %s", taskID, reason)
	return nil
}

// Cancel cancels a non-terminal task. An in-flight dispatch is aborted,
// and a plan left unable to progress by the cancellation is failed.
func (d *Daemon) Cancel(taskID, reason string) error {
	task, err := d.db.GetTask(taskID)
	if err != nil {
		return err
	}

	if err := d.queue.Cancel(taskID, reason); err != nil {
		return err
	}

	d.mu.Lock()
	entry, dispatched := d.inflight[taskID]
	d.mu.Unlock()
	if dispatched {
		entry.cancel()
	}

	d.bus.Publish(bus.Event{Topic: bus.TopicTaskCancelled, TaskID: taskID, Message: reason})
	d.logger.Log("[daemon] task %s cancelled: %s", taskID, reason)

	if task != nil && task.PlanID != "" {
		d.failPlanIfStalled(task.PlanID)
	}
	return nil
}

// failPlanIfStalled fails a plan that can make no further progress, such
// as when a cancelled prerequisite leaves dependents permanently gated.
func (d *Daemon) failPlanIfStalled(planID string) {
	stalled, err := d.resolver.PlanStalled(planID)
	if err != nil {
		d.logger.Log("[daemon] stall check for plan %s failed: %v", planID, err)
		return
	}
	if !stalled {
		return
	}

	if err := d.db.MarkPlanFailed(planID); err != nil {
		d.logger.Log("[daemon] mark plan %s failed: %v", planID, err)
		return
	}
	d.bus.Publish(bus.Event{Topic: bus.TopicPlanFailed, PlanID: planID,
		Message: "no remaining subtask can run"})
	d.logger.Log("[daemon] plan %s failed: stalled", planID)
}

// inflightCount returns the number of currently dispatched tasks.
func (d *Daemon) inflightCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Health is a point-in-time snapshot of orchestrator state.
type Health struct {
	Uptime        time.Duration  `json:"uptime"`
	TasksByStatus map[string]int `json:"tasks_by_status"`
	ActiveWorkers int            `json:"active_workers"`
	InFlight      int            `json:"in_flight"`
	DroppedEvents uint64         `json:"dropped_events"`
}

// Health reports queue depth by status, worker liveness, and event loss.
func (d *Daemon) Health() (*Health, error) {
	counts := make(map[string]int)
	for _, s := range []models.TaskStatus{
		models.TaskStatusQueued, models.TaskStatusAssigned, models.TaskStatusInProgress,
		models.TaskStatusReviewPending, models.TaskStatusEscalated,
		models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusCancelled,
	} {
		n, err := d.queue.CountByStatus(s)
		if err != nil {
			return nil, fmt.Errorf("count %s tasks: %w", s, err)
		}
		counts[string(s)] = n
	}

	active, err := d.registry.ActiveWorkers("")
	if err != nil {
		return nil, fmt.Errorf("list active workers: %w", err)
	}

	var uptime time.Duration
	if !d.startedAt.IsZero() {
		uptime = time.Since(d.startedAt)
	}

	return &Health{
		Uptime:        uptime,
		TasksByStatus: counts,
		ActiveWorkers: len(active),
		InFlight:      d.inflightCount(),
		DroppedEvents: d.bus.DroppedCount(),
	}, nil
}
