package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hats-run/hats/internal/config"
	"github.com/hats-run/hats/internal/memory"
	"github.com/hats-run/hats/internal/task"
	"github.com/hats-run/hats/pkg/models"
)

// toolsCmd is the agent-side CRUD surface over the memory and task
// stores (spec.md §4.D/§4.E) — the same helper a hat's instructions
// tell it to invoke, also usable directly by an operator.
var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Agent-side CRUD over the memory and task stores",
}

func init() {
	toolsCmd.AddCommand(toolsMemoryCmd)
	toolsCmd.AddCommand(toolsTaskCmd)
}

func openMemoryStore() (*memory.Store, error) {
	root, err := projectRoot()
	if err != nil {
		return nil, err
	}
	return memory.Open(memoryPath(root))
}

func openTaskStore() (*task.Store, error) {
	root, err := projectRoot()
	if err != nil {
		return nil, err
	}
	return task.Open(filepath.Join(config.StateDir(root), "tasks.jsonl"))
}

var toolsMemoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Add, list, and search memory records",
}

var (
	memoryType string
	memoryTags string
)

func init() {
	memoryAddCmd.Flags().StringVar(&memoryType, "type", string(models.MemoryPattern), "record type (pattern, decision, fix, context)")
	memoryAddCmd.Flags().StringVar(&memoryTags, "tags", "", "comma-separated tags")
	toolsMemoryCmd.AddCommand(memoryAddCmd)
	toolsMemoryCmd.AddCommand(memoryListCmd)
	toolsMemoryCmd.AddCommand(memorySearchCmd)
}

var memoryAddCmd = &cobra.Command{
	Use:   "add <content>",
	Short: "Append a new memory record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openMemoryStore()
		if err != nil {
			return err
		}
		var tags []string
		if memoryTags != "" {
			tags = strings.Split(memoryTags, ",")
		}
		m, err := s.Add(models.MemoryType(memoryType), args[0], tags)
		if err != nil {
			return err
		}
		fmt.Println(m.ID)
		return nil
	},
}

var memoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every memory record",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openMemoryStore()
		if err != nil {
			return err
		}
		mems, err := s.List()
		if err != nil {
			return err
		}
		for _, m := range mems {
			fmt.Printf("%s [%s] %s\n", m.ID, m.Type, m.Content)
		}
		return nil
	},
}

var memorySearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search memory records by content or tag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openMemoryStore()
		if err != nil {
			return err
		}
		mems, err := s.Search(args[0])
		if err != nil {
			return err
		}
		for _, m := range mems {
			fmt.Printf("%s [%s] %s\n", m.ID, m.Type, m.Content)
		}
		return nil
	},
}

var toolsTaskCmd = &cobra.Command{
	Use:   "task",
	Short: "Add, list, close, and query tasks",
}

var (
	taskPriority int
	taskLoopID   string
)

func init() {
	taskAddCmd.Flags().IntVar(&taskPriority, "priority", 0, "task priority; lower values are higher priority")
	taskAddCmd.Flags().StringVar(&taskLoopID, "loop", "", "the loop id that created this task")
	toolsTaskCmd.AddCommand(taskAddCmd)
	toolsTaskCmd.AddCommand(taskListCmd)
	toolsTaskCmd.AddCommand(taskCloseCmd)
	toolsTaskCmd.AddCommand(taskReadyCmd)
}

var taskAddCmd = &cobra.Command{
	Use:   "add <title> [description]",
	Short: "Add a new open task",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openTaskStore()
		if err != nil {
			return err
		}
		desc := ""
		if len(args) == 2 {
			desc = args[1]
		}
		t, err := s.Add(args[0], desc, taskPriority, taskLoopID)
		if err != nil {
			return err
		}
		fmt.Println(t.ID)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every current task",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openTaskStore()
		if err != nil {
			return err
		}
		tasks, err := s.List(nil)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			fmt.Printf("%s\t%-8s\tp%d\t%s\n", t.ID, t.Status, t.Priority, t.Title)
		}
		return nil
	},
}

var taskCloseCmd = &cobra.Command{
	Use:   "close <task-id>",
	Short: "Append a closed tombstone revision for a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openTaskStore()
		if err != nil {
			return err
		}
		return s.Close(args[0])
	},
}

var taskReadyCmd = &cobra.Command{
	Use:   "ready",
	Short: "List open tasks whose blockers are all closed",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openTaskStore()
		if err != nil {
			return err
		}
		tasks, err := s.Ready()
		if err != nil {
			return err
		}
		for _, t := range tasks {
			fmt.Printf("%s\tp%d\t%s\n", t.ID, t.Priority, t.Title)
		}
		return nil
	},
}
