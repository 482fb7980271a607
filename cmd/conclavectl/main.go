// conclavectl is the read-only operator CLI: it reads the same StateStore
// and event streams conclaved writes, without ever mutating them. Grounded
// on cmd/warren/main.go's cobra command-tree shape (one noun subcommand per
// resource, a shared "manager"-style flag for where to read from — here
// --workspace instead of --manager, since there's no RPC server to dial).
// Deliberately not the out-of-scope live dashboard: plain text output,
// one-shot reads plus an optional --follow tail.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/conclave-run/conclave/internal/eventlog"
	"github.com/conclave-run/conclave/internal/registry"
	"github.com/conclave-run/conclave/internal/task"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "conclavectl",
	Short: "conclavectl inspects a conclaved workspace",
}

func init() {
	rootCmd.PersistentFlags().String("workspace", "./workspace", "Path to the daemon's workspace_base directory")
	rootCmd.AddCommand(listTasksCmd)
	rootCmd.AddCommand(showTaskCmd)
	rootCmd.AddCommand(tailCmd)
}

var listTasksCmd = &cobra.Command{
	Use:   "list-tasks",
	Short: "List every known task and its status",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := storeFromFlags(cmd)
		entries, err := store.ListIndex()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TASK ID\tSTATUS\tCREATED\tDESCRIPTION")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				e.TaskID, e.Status, e.CreatedAt.Format("2006-01-02 15:04:05"), truncate(e.Description, 60))
		}
		return w.Flush()
	},
}

var showTaskCmd = &cobra.Command{
	Use:   "show-task TASK_ID",
	Short: "Show a task's phases, workers, and reviews",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := storeFromFlags(cmd)
		t, err := store.Read(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Task:   %s\n", t.ID)
		fmt.Printf("Status: %s\n", t.Status)
		fmt.Printf("Desc:   %s\n", t.Description)
		fmt.Printf("Counters: spawned=%d active=%d completed=%d\n\n",
			t.Counters.TotalSpawned, t.Counters.Active, t.Counters.Completed)

		fmt.Println("Phases:")
		for i, p := range t.Phases {
			marker := "  "
			if i == t.CurrentPhase {
				marker = "->"
			}
			fmt.Printf(" %s [%d] %-10s %s\n", marker, p.Order, p.Status, p.Name)
		}

		fmt.Println("\nWorkers:")
		for _, wk := range t.Workers {
			fmt.Printf("  %-28s type=%-12s phase=%d status=%-10s progress=%d%%\n",
				wk.ID, wk.Type, wk.PhaseIndex, wk.Status, wk.Progress)
		}

		if len(t.Reviews) > 0 {
			fmt.Println("\nReviews:")
			for _, r := range t.Reviews {
				fmt.Printf("  %-28s phase=%d status=%-12s reviewers=%d\n",
					r.ID, r.PhaseIndex, r.Status, len(r.ReviewerIDs))
			}
		}
		return nil
	},
}

var tailCmd = &cobra.Command{
	Use:   "tail TASK_ID WORKER_ID STREAM",
	Short: "Tail a worker's event stream (output, progress, or findings)",
	Long:  "STREAM is one of: output, progress, findings.",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := storeFromFlags(cmd)
		follow, _ := cmd.Flags().GetBool("follow")
		lines, _ := cmd.Flags().GetInt("lines")

		taskID, workerID, stream := args[0], args[1], args[2]
		t, err := store.Read(taskID)
		if err != nil {
			return err
		}
		w := t.WorkerByID(workerID)
		if w == nil {
			return fmt.Errorf("no worker %s in task %s", workerID, taskID)
		}

		path, err := streamPath(w, stream)
		if err != nil {
			return err
		}

		tail, err := eventlog.ReadTail(path, lines)
		if err != nil {
			return err
		}
		for _, raw := range tail {
			printEvent(raw)
		}

		if !follow {
			return nil
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		events, err := eventlog.Follow(ctx, path)
		if err != nil {
			return err
		}
		for raw := range events {
			printEvent(raw)
		}
		return nil
	},
}

func init() {
	tailCmd.Flags().Bool("follow", false, "Keep streaming new events as they're appended")
	tailCmd.Flags().Int("lines", 20, "Number of trailing lines to show before following")
}

func streamPath(w *task.Worker, stream string) (string, error) {
	switch stream {
	case "output":
		return w.Files.OutputFile, nil
	case "progress":
		return w.Files.ProgressFile, nil
	case "findings":
		return w.Files.FindingsFile, nil
	default:
		return "", fmt.Errorf("unknown stream %q (want output, progress, or findings)", stream)
	}
}

func printEvent(raw json.RawMessage) {
	var pretty map[string]any
	if err := json.Unmarshal(raw, &pretty); err != nil {
		fmt.Println(string(raw))
		return
	}
	out, err := json.Marshal(pretty)
	if err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(string(out))
}

func storeFromFlags(cmd *cobra.Command) *registry.Store {
	base, _ := cmd.Flags().GetString("workspace")
	return registry.New(base)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return strings.TrimSpace(s[:max-3]) + "..."
}
