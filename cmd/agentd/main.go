// Command agentd runs the background agent daemon: it loads a task file,
// spawns worker processes per the configured agent types, and drives the
// queue until every task settles.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aristath/agentd/internal/config"
	"github.com/aristath/agentd/internal/daemon"
	"github.com/aristath/agentd/internal/store"
	"github.com/aristath/agentd/internal/task"
	"github.com/aristath/agentd/internal/tui"
)

var version = "0.3.0"

var (
	configFlag string
	tasksFlag  string
	tuiFlag    bool
)

var rootCmd = &cobra.Command{
	Use:   "agentd",
	Short: "agentd - background agent orchestration daemon",
	Long: "agentd manages pools of worker processes and a dependency-aware\n" +
		"task queue with resource locks, health checks, and automatic recovery.",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon against a task file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the config and task file without running anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		return validate()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agentd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("agentd version %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "agentd.yaml", "path to the config file")
	runCmd.Flags().StringVarP(&tasksFlag, "tasks", "t", "", "path to the YAML task file (required)")
	runCmd.Flags().BoolVar(&tuiFlag, "tui", false, "show the live dashboard")
	_ = runCmd.MarkFlagRequired("tasks")
	validateCmd.Flags().StringVarP(&tasksFlag, "tasks", "t", "", "task file to validate alongside the config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configFlag)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	tasks, err := loadTaskFile(tasksFlag)
	if err != nil {
		return err
	}

	var st *store.Store
	if cfg.Daemon.SnapshotPath != "" {
		st, err = store.New(ctx, cfg.Daemon.SnapshotPath)
		if err != nil {
			return fmt.Errorf("opening snapshot store: %w", err)
		}
		defer st.Close()
	}

	d := daemon.New(cfg, configFlag, st)
	if err := d.Start(ctx); err != nil {
		return err
	}

	for _, t := range tasks {
		if _, err := d.Submit(t); err != nil {
			_ = d.Stop(cfg.Daemon.GracefulTimeout)
			return fmt.Errorf("submitting task %q: %w", t.ID, err)
		}
	}

	if tuiFlag {
		if err := runDashboard(ctx, d); err != nil {
			_ = d.Stop(cfg.Daemon.GracefulTimeout)
			return err
		}
	} else if err := d.WaitIdle(ctx); err != nil {
		// Interrupted: restore default signal handling so a second Ctrl+C
		// force-exits, then shut down hard.
		stop()
		fmt.Fprintln(os.Stderr, "shutdown signal received, terminating agents...")
		if stopErr := d.Stop(cfg.Daemon.GracefulTimeout); stopErr != nil {
			d.KillAll()
		}
		return err
	}

	if err := d.Stop(cfg.Daemon.GracefulTimeout); err != nil {
		return err
	}
	printSummary(d)
	return nil
}

// runDashboard runs the Bubble Tea dashboard until the user quits, all tasks
// settle, or a signal arrives.
func runDashboard(ctx context.Context, d *daemon.Daemon) error {
	p := tea.NewProgram(tui.New(d, d.Bus()), tea.WithAltScreen(), tea.WithContext(ctx))

	// Quit the dashboard once the queue drains. Cancelled when the user
	// quits first so the goroutine never outlives the program.
	idleCtx, cancelIdle := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := d.WaitIdle(idleCtx); err == nil {
			p.Quit()
		}
	}()

	_, err := p.Run()
	cancelIdle()
	<-done
	return err
}

func validate() error {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return fmt.Errorf("config %s: %w", configFlag, err)
	}
	fmt.Printf("config %s: OK (%d agent types)\n", configFlag, len(cfg.Agents))

	if tasksFlag == "" {
		return nil
	}
	tasks, err := loadTaskFile(tasksFlag)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.ID == "" {
			continue // IDs are generated at submission
		}
		if err := t.Validate(); err != nil {
			return fmt.Errorf("task %q: %w", t.ID, err)
		}
	}
	fmt.Printf("tasks %s: OK (%d tasks)\n", tasksFlag, len(tasks))
	return nil
}

// printSummary writes the per-task outcome table after a run.
func printSummary(d *daemon.Daemon) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	tasks := d.AllTasks()
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })

	completed, cancelled, other := 0, 0, 0
	fmt.Println()
	for _, t := range tasks {
		switch t.Status {
		case task.StatusCompleted:
			completed++
			fmt.Printf("  %s  %s\n", green("done"), t.ID)
		case task.StatusCancelled:
			cancelled++
			reason := t.Reason
			if reason == "" {
				reason = "cancelled"
			}
			fmt.Printf("  %s  %s (%s)\n", red("fail"), t.ID, reason)
		default:
			other++
			fmt.Printf("  %s  %s (%s)\n", yellow(t.Status.String()), t.ID, t.Reason)
		}
	}
	fmt.Printf("\n%d completed, %d failed, %d unsettled\n", completed, cancelled, other)
}
