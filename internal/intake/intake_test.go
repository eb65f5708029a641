package intake

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ShayCichocki/drover/internal/queue"
	"github.com/ShayCichocki/drover/internal/state"
	"github.com/ShayCichocki/drover/pkg/models"
)

func setupIntake(t *testing.T) (*Intake, *state.DB, string) {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}

	spool := filepath.Join(t.TempDir(), "spool")
	in, err := New(spool, queue.New(db), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})
	return in, db, spool
}

// drop writes a spool file.
func drop(t *testing.T, spool, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(spool, name), []byte(content), 0644); err != nil {
		t.Fatalf("drop %s: %v", name, err)
	}
}

// waitForTasks polls until the store has n queued tasks.
func waitForTasks(t *testing.T, db *state.DB, n int) []models.Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status := models.TaskStatusQueued
		tasks, err := db.ListTasks(&status)
		if err != nil {
			t.Fatalf("ListTasks failed: %v", err)
		}
		if len(tasks) >= n {
			return tasks
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d queued tasks", n)
	return nil
}

func TestSweep(t *testing.T) {
	in, db, spool := setupIntake(t)

	// Files already in the spool before the daemon starts.
	drop(t, spool, "one.json", `{"title":"compile","type":"build","priority":5}`)
	drop(t, spool, "two.json", `{"title":"verify","type":"test"}`)
	drop(t, spool, "notes.txt", "not a task")

	n, err := in.Sweep()
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Sweep ingested %d, want 2", n)
	}

	status := models.TaskStatusQueued
	tasks, _ := db.ListTasks(&status)
	if len(tasks) != 2 {
		t.Fatalf("queued tasks = %d, want 2", len(tasks))
	}

	// Processed files moved out of the spool; the stray .txt stays.
	entries, _ := os.ReadDir(spool)
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) != 1 || names[0] != "notes.txt" {
		t.Errorf("spool leftovers = %v, want [notes.txt]", names)
	}

	done, _ := os.ReadDir(filepath.Join(spool, "done"))
	if len(done) != 2 {
		t.Errorf("done/ files = %d, want 2", len(done))
	}
}

func TestSweep_RejectsMalformed(t *testing.T) {
	in, db, spool := setupIntake(t)

	drop(t, spool, "broken.json", `{not json`)
	drop(t, spool, "invalid.json", `{"title":"","type":"build"}`)

	n, err := in.Sweep()
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Sweep ingested %d, want 0", n)
	}

	rejected, _ := os.ReadDir(filepath.Join(spool, "rejected"))
	if len(rejected) != 2 {
		t.Errorf("rejected/ files = %d, want 2", len(rejected))
	}

	status := models.TaskStatusQueued
	tasks, _ := db.ListTasks(&status)
	if len(tasks) != 0 {
		t.Errorf("queued tasks = %d, want 0", len(tasks))
	}
}

func TestWatch_IngestsDroppedFile(t *testing.T) {
	in, db, spool := setupIntake(t)

	if err := in.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer in.Close()

	drop(t, spool, "late.json", `{"title":"deploy","type":"deploy","payload":{"env":"prod"}}`)

	tasks := waitForTasks(t, db, 1)
	if tasks[0].Title != "deploy" {
		t.Errorf("task title = %q", tasks[0].Title)
	}
	if tasks[0].Payload == nil {
		t.Error("payload not carried through")
	}
}

func TestStart_SweepsBacklog(t *testing.T) {
	in, db, spool := setupIntake(t)

	drop(t, spool, "backlog.json", `{"title":"old work","type":"build"}`)

	if err := in.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer in.Close()

	waitForTasks(t, db, 1)
}
