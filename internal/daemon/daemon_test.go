package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ShayCichocki/drover/internal/bus"
	"github.com/ShayCichocki/drover/internal/dispatch"
	"github.com/ShayCichocki/drover/internal/graph"
	"github.com/ShayCichocki/drover/internal/queue"
	"github.com/ShayCichocki/drover/internal/registry"
	"github.com/ShayCichocki/drover/internal/state"
	"github.com/ShayCichocki/drover/pkg/models"
)

// harness wires a daemon over a fresh temp database.
type harness struct {
	db     *state.DB
	queue  *queue.Queue
	reg    *registry.Registry
	bus    *bus.Bus
	daemon *Daemon
}

// setupDaemon builds a full daemon with the given dispatcher and options
// tweaks applied.
func setupDaemon(t *testing.T, dispatcher dispatch.Dispatcher, tweak func(*Options)) *harness {
	t.Helper()

	db, err := state.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}

	q := queue.New(db)
	b := bus.New(64)
	reg := registry.New(db, b, 30*time.Second, nil)

	opts := Options{
		DB:              db,
		Queue:           q,
		Resolver:        graph.NewResolver(db),
		Registry:        reg,
		Bus:             b,
		Dispatcher:      dispatcher,
		Logger:          NopLogger(),
		DispatchTimeout: 5 * time.Second,
		MaxInFlight:     4,
		MaxRetries:      3,
	}
	if tweak != nil {
		tweak(&opts)
	}

	d, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	t.Cleanup(func() {
		b.Close()
		db.Close()
	})
	return &harness{db: db, queue: q, reg: reg, bus: b, daemon: d}
}

// runTick runs one loop pass and waits for all spawned dispatches.
func (h *harness) runTick(t *testing.T) {
	t.Helper()
	h.daemon.tick(context.Background())
	h.daemon.wg.Wait()
}

// succeedDispatcher reports every envelope as completed.
func succeedDispatcher() dispatch.Dispatcher {
	return dispatch.Func(func(ctx context.Context, env dispatch.Envelope) (*dispatch.Result, error) {
		return &dispatch.Result{Status: "completed", Result: json.RawMessage(`{"ok":true}`)}, nil
	})
}

// failDispatcher reports every envelope as failed.
func failDispatcher(msg string) dispatch.Dispatcher {
	return dispatch.Func(func(ctx context.Context, env dispatch.Envelope) (*dispatch.Result, error) {
		return &dispatch.Result{Status: "failed", Error: msg}, nil
	})
}

func TestNew_RequiresWiring(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("New with empty options should fail")
	}
}

func TestTick_DispatchesAndCompletes(t *testing.T) {
	h := setupDaemon(t, succeedDispatcher(), nil)

	h.reg.Register("w1", "builder", []string{"build"}, nil)
	id, err := h.queue.Enqueue(&models.Task{Title: "compile", Type: "build"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	h.runTick(t)

	task, _ := h.db.GetTask(id)
	if task.Status != models.TaskStatusCompleted {
		t.Errorf("task status = %q, want completed", task.Status)
	}
	if task.Result == nil {
		t.Error("task result not recorded")
	}

	runs, _ := h.db.ListRunsByTask(id)
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	if runs[0].Status != models.RunSuccess {
		t.Errorf("run status = %q, want success", runs[0].Status)
	}
	if runs[0].EndedAt == nil {
		t.Error("run end time not recorded")
	}

	// Worker is idle again.
	w, _ := h.db.GetWorker("w1")
	if !w.Idle() {
		t.Errorf("worker still holds task %q", w.CurrentTaskID)
	}
}

func TestTick_NoWorkers(t *testing.T) {
	h := setupDaemon(t, succeedDispatcher(), nil)

	id, _ := h.queue.Enqueue(&models.Task{Title: "compile", Type: "build"})
	h.runTick(t)

	// Nothing to dispatch to; the task stays queued for a later tick.
	task, _ := h.db.GetTask(id)
	if task.Status != models.TaskStatusQueued {
		t.Errorf("task status = %q, want queued", task.Status)
	}
}

func TestTick_CapabilityMismatchLeavesTaskQueued(t *testing.T) {
	h := setupDaemon(t, succeedDispatcher(), nil)

	h.reg.Register("w1", "builder", []string{"build"}, nil)
	id, _ := h.queue.Enqueue(&models.Task{Title: "ship it", Type: "deploy"})

	h.runTick(t)

	task, _ := h.db.GetTask(id)
	if task.Status != models.TaskStatusQueued {
		t.Errorf("task status = %q, want queued", task.Status)
	}
}

func TestRetry_ThenTerminalFailure(t *testing.T) {
	h := setupDaemon(t, failDispatcher("boom"), func(o *Options) {
		o.MaxRetries = 2
	})

	h.reg.Register("w1", "builder", []string{"build"}, nil)
	id, _ := h.queue.Enqueue(&models.Task{Title: "compile", Type: "build"})

	// Attempt 1: failure, requeued.
	h.runTick(t)
	task, _ := h.db.GetTask(id)
	if task.Status != models.TaskStatusQueued {
		t.Fatalf("after attempt 1 status = %q, want queued", task.Status)
	}
	if task.Error != "boom" {
		t.Errorf("attempt error = %q, want boom", task.Error)
	}

	// Attempt 2: retry budget spent, terminal.
	h.runTick(t)
	task, _ = h.db.GetTask(id)
	if task.Status != models.TaskStatusFailed {
		t.Fatalf("after attempt 2 status = %q, want failed", task.Status)
	}

	runs, _ := h.db.ListRunsByTask(id)
	if len(runs) != 2 {
		t.Errorf("runs = %d, want one per attempt", len(runs))
	}
	for _, r := range runs {
		if r.Status != models.RunFailed {
			t.Errorf("run %d status = %q, want failed", r.Number, r.Status)
		}
	}
}

func TestDispatchError_CountsAsAttempt(t *testing.T) {
	d := dispatch.Func(func(ctx context.Context, env dispatch.Envelope) (*dispatch.Result, error) {
		return nil, errors.New("worker unreachable")
	})
	h := setupDaemon(t, d, func(o *Options) { o.MaxRetries = 1 })

	h.reg.Register("w1", "builder", []string{"build"}, nil)
	id, _ := h.queue.Enqueue(&models.Task{Title: "compile", Type: "build"})

	h.runTick(t)
	task, _ := h.db.GetTask(id)
	if task.Status != models.TaskStatusFailed {
		t.Errorf("task status = %q, want failed", task.Status)
	}
}

func TestReviewFlow_Approve(t *testing.T) {
	h := setupDaemon(t, succeedDispatcher(), func(o *Options) {
		o.ReviewTypes = []string{"deploy"}
	})

	h.reg.Register("w1", "deployer", []string{"deploy"}, nil)
	id, _ := h.queue.Enqueue(&models.Task{Title: "ship it", Type: "deploy"})

	h.runTick(t)

	task, _ := h.db.GetTask(id)
	if task.Status != models.TaskStatusReviewPending {
		t.Fatalf("task status = %q, want review_pending", task.Status)
	}
	if task.Result == nil {
		t.Fatal("held result missing")
	}

	if err := h.daemon.Approve(id); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	task, _ = h.db.GetTask(id)
	if task.Status != models.TaskStatusCompleted {
		t.Errorf("task status = %q, want completed after approval", task.Status)
	}
}

func TestReviewFlow_Escalate(t *testing.T) {
	h := setupDaemon(t, succeedDispatcher(), func(o *Options) {
		o.ReviewTypes = []string{"deploy"}
	})

	h.reg.Register("w1", "deployer", []string{"deploy"}, nil)
	id, _ := h.queue.Enqueue(&models.Task{Title: "ship it", Type: "deploy"})

	h.runTick(t)

	if err := h.daemon.Escalate(id, "diff too large"); err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}
	task, _ := h.db.GetTask(id)
	if task.Status != models.TaskStatusEscalated {
		t.Errorf("task status = %q, want escalated", task.Status)
	}
	if task.Error != "diff too large" {
		t.Errorf("escalation reason = %q", task.Error)
	}

	if err := h.daemon.Escalate("missing", "x"); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("Escalate(missing): error = %v, want ErrNotFound", err)
	}
}

func TestSweepStale_RecoversTask(t *testing.T) {
	// A dispatcher that hangs would hold the task; instead simulate a
	// crashed daemon by seeding an in-progress task held by a stale worker.
	h := setupDaemon(t, succeedDispatcher(), nil)

	h.reg.Register("w1", "builder", []string{"build"}, nil)
	id, _ := h.queue.Enqueue(&models.Task{Title: "compile", Type: "build"})

	claimed, err := h.queue.ClaimNext("w1", []string{"build"})
	if err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	h.reg.AssignTask("w1", claimed.ID)
	h.queue.MarkRunning(claimed.ID)
	h.db.CreateRun(&models.Run{
		ID: "run-orphan", TaskID: claimed.ID, WorkerID: "w1",
		Number: 1, Status: models.RunRunning, StartedAt: time.Now(),
	})

	// Heartbeat lapses.
	h.db.TouchWorker("w1", models.WorkerActive, time.Now().Add(-time.Hour))

	h.runTick(t)

	task, _ := h.db.GetTask(id)
	if task.Status != models.TaskStatusQueued {
		t.Errorf("orphaned task status = %q, want queued", task.Status)
	}

	w, _ := h.db.GetWorker("w1")
	if w.Status != models.WorkerInactive {
		t.Errorf("worker status = %q, want inactive", w.Status)
	}

	runs, _ := h.db.ListRunsByTask(id)
	if len(runs) != 1 || runs[0].Status != models.RunFailed {
		t.Errorf("orphaned run = %+v, want failed", runs)
	}
}

func TestPlanExecution_RespectsDependencies(t *testing.T) {
	// MaxInFlight of 1 plus runTick's wait serializes dispatches, so the
	// slice needs no locking.
	var order []string
	recorder := dispatch.Func(func(ctx context.Context, env dispatch.Envelope) (*dispatch.Result, error) {
		order = append(order, env.TaskID)
		return &dispatch.Result{Status: "completed"}, nil
	})
	h := setupDaemon(t, recorder, func(o *Options) { o.MaxInFlight = 1 })

	h.db.CreatePlan(&models.Plan{
		ID: "p1", Title: "release", Status: models.PlanPending,
		TotalSubtasks: 2, CreatedAt: time.Now(),
	})
	h.queue.Enqueue(&models.Task{ID: "s1", PlanID: "p1", Title: "build", Type: "build"})
	h.queue.Enqueue(&models.Task{ID: "s2", PlanID: "p1", Title: "package", Type: "build"})
	h.db.AddPlanDependency("s2", "s1")

	h.reg.Register("w1", "builder", []string{"build"}, nil)

	// First tick can only run s1; s2 is gated on it.
	h.runTick(t)
	// Second tick runs s2.
	h.runTick(t)

	if len(order) != 2 || order[0] != "s1" || order[1] != "s2" {
		t.Fatalf("execution order = %v, want [s1 s2]", order)
	}

	plan, _ := h.db.GetPlan("p1")
	if plan.Status != models.PlanCompleted {
		t.Errorf("plan status = %q, want completed", plan.Status)
	}
	if plan.CompletedSubtasks != 2 {
		t.Errorf("completed_subtasks = %d, want 2", plan.CompletedSubtasks)
	}
}

func TestPlanExecution_FailureCascades(t *testing.T) {
	h := setupDaemon(t, failDispatcher("no disk"), func(o *Options) {
		o.MaxRetries = 1
	})

	h.db.CreatePlan(&models.Plan{
		ID: "p1", Title: "release", Status: models.PlanPending,
		TotalSubtasks: 2, CreatedAt: time.Now(),
	})
	h.queue.Enqueue(&models.Task{ID: "s1", PlanID: "p1", Title: "build", Type: "build"})
	h.queue.Enqueue(&models.Task{ID: "s2", PlanID: "p1", Title: "package", Type: "build"})
	h.db.AddPlanDependency("s2", "s1")

	h.reg.Register("w1", "builder", []string{"build"}, nil)

	h.runTick(t)

	s1, _ := h.db.GetTask("s1")
	if s1.Status != models.TaskStatusFailed {
		t.Errorf("s1 status = %q, want failed", s1.Status)
	}
	s2, _ := h.db.GetTask("s2")
	if s2.Status != models.TaskStatusFailed {
		t.Errorf("s2 status = %q, want cascade failed", s2.Status)
	}

	plan, _ := h.db.GetPlan("p1")
	if plan.Status != models.PlanFailed {
		t.Errorf("plan status = %q, want failed", plan.Status)
	}
}

func TestCancel(t *testing.T) {
	h := setupDaemon(t, succeedDispatcher(), nil)

	id, _ := h.queue.Enqueue(&models.Task{Title: "compile", Type: "build"})
	if err := h.daemon.Cancel(id, "obsolete"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	task, _ := h.db.GetTask(id)
	if task.Status != models.TaskStatusCancelled {
		t.Errorf("task status = %q, want cancelled", task.Status)
	}

	// Cancelling a terminal task is a conflict.
	if err := h.daemon.Cancel(id, "again"); !errors.Is(err, queue.ErrConflict) {
		t.Errorf("Cancel terminal task: error = %v, want ErrConflict", err)
	}
}

func TestCancel_AbortsInFlightDispatch(t *testing.T) {
	started := make(chan struct{})
	blocking := dispatch.Func(func(ctx context.Context, env dispatch.Envelope) (*dispatch.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := setupDaemon(t, blocking, nil)

	h.reg.Register("w1", "builder", []string{"build"}, nil)
	id, _ := h.queue.Enqueue(&models.Task{Title: "compile", Type: "build"})

	h.daemon.tick(context.Background())
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch never started")
	}

	if err := h.daemon.Cancel(id, "obsolete"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	h.daemon.wg.Wait()

	task, _ := h.db.GetTask(id)
	if task.Status != models.TaskStatusCancelled {
		t.Errorf("task status = %q, want cancelled", task.Status)
	}

	// The interrupted attempt must not be left open or recorded as success.
	runs, _ := h.db.ListRunsByTask(id)
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	if runs[0].Status != models.RunFailed {
		t.Errorf("run status = %q, want failed", runs[0].Status)
	}
	if !strings.HasPrefix(runs[0].Error, "cancelled") {
		t.Errorf("run error = %q, want cancellation reason", runs[0].Error)
	}
	if runs[0].EndedAt == nil {
		t.Error("run end time not recorded")
	}

	w, _ := h.db.GetWorker("w1")
	if !w.Idle() {
		t.Errorf("worker still holds task %q", w.CurrentTaskID)
	}
}

func TestCancel_FailsStalledPlan(t *testing.T) {
	h := setupDaemon(t, succeedDispatcher(), nil)

	h.db.CreatePlan(&models.Plan{
		ID: "p1", Title: "release", Status: models.PlanPending,
		TotalSubtasks: 2, CreatedAt: time.Now(),
	})
	h.queue.Enqueue(&models.Task{ID: "s1", PlanID: "p1", Title: "build", Type: "build"})
	h.queue.Enqueue(&models.Task{ID: "s2", PlanID: "p1", Title: "package", Type: "build"})
	h.db.AddPlanDependency("s2", "s1")

	// Cancelling the prerequisite leaves s2 permanently gated.
	if err := h.daemon.Cancel("s1", "obsolete"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	plan, _ := h.db.GetPlan("p1")
	if plan.Status != models.PlanFailed {
		t.Errorf("plan status = %q, want failed", plan.Status)
	}
}

func TestTick_FailsStalledPlan(t *testing.T) {
	h := setupDaemon(t, succeedDispatcher(), nil)

	h.db.CreatePlan(&models.Plan{
		ID: "p1", Title: "release", Status: models.PlanPending,
		TotalSubtasks: 2, CreatedAt: time.Now(),
	})
	h.queue.Enqueue(&models.Task{ID: "s1", PlanID: "p1", Title: "build", Type: "build"})
	h.queue.Enqueue(&models.Task{ID: "s2", PlanID: "p1", Title: "package", Type: "build"})
	h.db.AddPlanDependency("s2", "s1")

	// The prerequisite is cancelled outside the daemon; the sweep catches
	// the stuck plan on the next pass.
	if err := h.queue.Cancel("s1", "obsolete"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	h.runTick(t)

	plan, _ := h.db.GetPlan("p1")
	if plan.Status != models.PlanFailed {
		t.Errorf("plan status = %q, want failed", plan.Status)
	}
}

func TestTick_PublishesLifecycleEvents(t *testing.T) {
	h := setupDaemon(t, succeedDispatcher(), nil)

	events := make(chan bus.Event, 16)
	h.bus.Subscribe("task.*", func(e bus.Event) {
		events <- e
	}, "test")

	h.reg.Register("w1", "builder", []string{"build"}, nil)
	id, _ := h.queue.Enqueue(&models.Task{Title: "compile", Type: "build"})

	h.runTick(t)

	want := []string{bus.TopicTaskAssigned, bus.TopicTaskStarted, bus.TopicTaskCompleted}
	for _, topic := range want {
		select {
		case e := <-events:
			if e.Topic != topic {
				t.Fatalf("event topic = %q, want %q", e.Topic, topic)
			}
			if e.TaskID != id {
				t.Errorf("%s event task = %q, want %q", topic, e.TaskID, id)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s event", topic)
		}
	}
}

func TestHealth(t *testing.T) {
	h := setupDaemon(t, succeedDispatcher(), nil)

	h.reg.Register("w1", "builder", []string{"build"}, nil)
	h.queue.Enqueue(&models.Task{Title: "one", Type: "build"})
	h.queue.Enqueue(&models.Task{Title: "two", Type: "other"})

	health, err := h.daemon.Health()
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if health.TasksByStatus["queued"] != 2 {
		t.Errorf("queued count = %d, want 2", health.TasksByStatus["queued"])
	}
	if health.ActiveWorkers != 1 {
		t.Errorf("active workers = %d, want 1", health.ActiveWorkers)
	}
	if health.InFlight != 0 {
		t.Errorf("in flight = %d, want 0", health.InFlight)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := setupDaemon(t, succeedDispatcher(), func(o *Options) {
		o.PollInterval = 10 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.daemon.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
