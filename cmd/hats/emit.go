package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hats-run/hats/internal/config"
	"github.com/hats-run/hats/internal/eventlog"
	"github.com/hats-run/hats/pkg/models"
)

var emitCmd = &cobra.Command{
	Use:   "emit <topic> [payload]",
	Short: "Append an event to the loop's event history (events.jsonl)",
	Long: `Append an event directly to events.jsonl, the same append-only
history a hat's own emitted events are recorded to.

This does not route the event to a running loop's in-memory bus —
there is no running process to talk to from a separate CLI invocation.
A running loop does not read events.jsonl, and "run --continue"
rebuilds its pending queue only from the event indices saved in the
last checkpoint, so an event appended here is recorded in the history
but is not dispatched to a hat.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runEmit,
}

func runEmit(cmd *cobra.Command, args []string) error {
	topic := args[0]
	payload := ""
	if len(args) == 2 {
		payload = args[1]
	}

	if models.IsReservedTrigger(topic) {
		return fmt.Errorf("emit: %q is a platform-reserved topic", topic)
	}

	root, err := projectRoot()
	if err != nil {
		return err
	}
	stateDir := config.StateDir(root)

	log, err := eventlog.Open(filepath.Join(stateDir, "events.jsonl"))
	if err != nil {
		return err
	}

	ev := models.NewEvent(topic, payload, 0)
	ev.SourceHat = "operator"
	if err := log.Append(ev); err != nil {
		return err
	}

	fmt.Printf("emitted %s %q\n", topic, payload)
	return nil
}
