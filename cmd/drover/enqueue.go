package main

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/drover/pkg/models"
)

var (
	enqueueType        string
	enqueuePriority    int
	enqueuePayload     string
	enqueueDescription string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <title>",
	Short: "Submit a task to the queue",
	Long: `Submit a single task to the durable queue.

The task type determines which workers can claim it; priority orders
claiming, higher first. The payload is opaque JSON handed to the worker.

Examples:
  drover enqueue "Build release binaries" --type build --priority 5
  drover enqueue "Deploy to staging" --type deploy --payload '{"env":"staging"}'`,
	Args: cobra.ExactArgs(1),
	RunE: runEnqueue,
}

func init() {
	enqueueCmd.Flags().StringVarP(&enqueueType, "type", "t", "", "Task type (required)")
	enqueueCmd.Flags().IntVarP(&enqueuePriority, "priority", "p", 0, "Claim priority, higher first")
	enqueueCmd.Flags().StringVar(&enqueuePayload, "payload", "", "Opaque JSON payload for the worker")
	enqueueCmd.Flags().StringVarP(&enqueueDescription, "description", "d", "", "Detailed task description")
	enqueueCmd.MarkFlagRequired("type")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	var payload json.RawMessage
	if enqueuePayload != "" {
		if !json.Valid([]byte(enqueuePayload)) {
			return fmt.Errorf("payload is not valid JSON")
		}
		payload = json.RawMessage(enqueuePayload)
	}

	w, err := buildWiring()
	if err != nil {
		return err
	}
	defer w.close()

	task := &models.Task{
		Title:       args[0],
		Type:        enqueueType,
		Description: enqueueDescription,
		Priority:    enqueuePriority,
		Payload:     payload,
	}
	id, err := w.queue.Enqueue(task)
	if err != nil {
		return err
	}

	fmt.Printf("%s Enqueued %s (%s, priority %d)\n",
		color.GreenString("✓"), color.New(color.Bold).Sprint(id), enqueueType, enqueuePriority)

	// A task nobody can serve sits queued indefinitely; warn up front.
	if idle, err := w.registry.IdleWorker(enqueueType); err == nil && idle == nil {
		fmt.Printf("%s no idle worker currently serves type %q\n",
			color.YellowString("!"), enqueueType)
	}
	return nil
}
