package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hats-run/hats/internal/config"
	"github.com/hats-run/hats/internal/eventlog"
)

var eventsFollowFrom int

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream the event history",
	Long: `Print every event recorded in events.jsonl, in publish order.

Use --from to print only the suffix starting at a given history index
(the same index space models.IterationState.LastEventIndex refers to).`,
	RunE: runEvents,
}

func init() {
	eventsCmd.Flags().IntVar(&eventsFollowFrom, "from", 0, "history index to start printing from")
}

func runEvents(cmd *cobra.Command, args []string) error {
	root, err := projectRoot()
	if err != nil {
		return err
	}
	stateDir := config.StateDir(root)

	log, err := eventlog.Open(filepath.Join(stateDir, "events.jsonl"))
	if err != nil {
		return err
	}

	events, err := log.ReadFrom(eventsFollowFrom)
	if err != nil {
		return err
	}

	for i, ev := range events {
		synthetic := ""
		if ev.Synthetic {
			synthetic = " (synthetic)"
		}
		fmt.Printf("%d\t%s\t%s -> %s\t%q%s\n", eventsFollowFrom+i, ev.Timestamp.Format("15:04:05"), ev.SourceHat, ev.Topic, ev.Payload, synthetic)
	}
	return nil
}
