package main

import (
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/drover/internal/tui"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live terminal dashboard of queue, workers, and plans",
	RunE:  runMonitor,
}

func runMonitor(cmd *cobra.Command, args []string) error {
	w, err := buildWiring()
	if err != nil {
		return err
	}
	defer w.close()

	return tui.Run(w.db, w.registry, w.bus, w.cfg.TUI.RefreshRate)
}
