// Package intake accepts task submissions dropped as JSON files into a
// spool directory. Ingested files move to done/, malformed ones to
// rejected/, so the spool itself only ever holds unprocessed work.
package intake

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/ShayCichocki/drover/internal/bus"
	"github.com/ShayCichocki/drover/internal/queue"
	"github.com/ShayCichocki/drover/pkg/models"
)

// taskFile is the submission subset of a task accepted from the spool.
type taskFile struct {
	Title       string          `json:"title"`
	Type        string          `json:"type"`
	Description string          `json:"description"`
	Priority    int             `json:"priority"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Intake watches a spool directory and enqueues dropped task files.
type Intake struct {
	dir   string
	queue *queue.Queue
	bus   *bus.Bus

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New creates an Intake over the given spool directory, creating the
// directory and its done/ and rejected/ subdirectories as needed.
// The bus may be nil to skip events.
func New(dir string, q *queue.Queue, b *bus.Bus) (*Intake, error) {
	for _, d := range []string{dir, filepath.Join(dir, "done"), filepath.Join(dir, "rejected")} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("create spool directory: %w", err)
		}
	}

	return &Intake{
		dir:   dir,
		queue: q,
		bus:   b,
		done:  make(chan struct{}),
	}, nil
}

// Start sweeps files already in the spool, then watches for new ones.
// Files dropped while no daemon was running are picked up by the sweep.
func (in *Intake) Start() error {
	if _, err := in.Sweep(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create spool watcher: %w", err)
	}
	if err := watcher.Add(in.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch spool directory: %w", err)
	}
	in.watcher = watcher

	go in.watch()
	return nil
}

// watch processes filesystem events until Close.
func (in *Intake) watch() {
	for {
		select {
		case <-in.done:
			return
		case event, ok := <-in.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create == 0 && event.Op&fsnotify.Write == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			in.ingest(event.Name)
		case <-in.watcher.Errors:
			// Keep watching; the periodic sweep is the fallback.
		}
	}
}

// Sweep ingests every task file currently in the spool and returns how
// many were enqueued.
func (in *Intake) Sweep() (int, error) {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return 0, fmt.Errorf("read spool directory: %w", err)
	}

	ingested := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if in.ingest(filepath.Join(in.dir, e.Name())) {
			ingested++
		}
	}
	return ingested, nil
}

// ingest enqueues one spool file, archiving it to done/ or rejected/.
// Returns true if a task was enqueued.
func (in *Intake) ingest(path string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		// Create and Write events both fire for one drop; the second
		// arrives after the file has already moved.
		if !os.IsNotExist(err) {
			log.Printf("[intake] read %s: %v", path, err)
		}
		return false
	}

	var tf taskFile
	if err := json.Unmarshal(data, &tf); err != nil {
		log.Printf("[intake] rejecting %s: %v", path, err)
		in.archive(path, "rejected")
		return false
	}

	task := &models.Task{
		Title:       tf.Title,
		Type:        tf.Type,
		Description: tf.Description,
		Priority:    tf.Priority,
		Payload:     tf.Payload,
	}
	id, err := in.queue.Enqueue(task)
	if err != nil {
		log.Printf("[intake] rejecting %s: %v", path, err)
		in.archive(path, "rejected")
		return false
	}

	in.archive(path, "done")
	if in.bus != nil {
		in.bus.Publish(bus.Event{Topic: bus.TopicTaskQueued, TaskID: id,
			Message: "spooled from " + filepath.Base(path)})
	}
	log.Printf("[intake] enqueued %s as %s", filepath.Base(path), id)
	return true
}

// archive moves a processed file into the named subdirectory.
func (in *Intake) archive(path, subdir string) {
	dest := filepath.Join(in.dir, subdir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		log.Printf("[intake] archive %s: %v", path, err)
	}
}

// Close stops the watcher.
func (in *Intake) Close() {
	close(in.done)
	if in.watcher != nil {
		in.watcher.Close()
	}
}
