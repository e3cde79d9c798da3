package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	wsprotocol "github.com/dohr-michael/taskdeck/internal/gateway/ws"
	"github.com/dohr-michael/taskdeck/internal/runs"
)

// NewRunsCommand returns the runs subcommand.
func NewRunsCommand() *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "Start, inspect and cancel runs",
		Commands: []*cli.Command{
			{
				Name:      "list",
				Usage:     "List the runs of a task",
				ArgsUsage: "<task_id>",
				Action:    runRunsList,
			},
			{
				Name:      "show",
				Usage:     "Show run details and output",
				ArgsUsage: "<run_id>",
				Action:    runRunsShow,
			},
			{
				Name:      "start",
				Usage:     "Start a run on a task",
				ArgsUsage: "<task_id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "cli", Usage: "Backend: claude, codex or gemini", Value: string(runs.CLIClaude)},
					&cli.StringFlag{Name: "prompt", Aliases: []string{"p"}, Usage: "Prompt for the assistant", Required: true},
					&cli.StringFlag{Name: "dir", Aliases: []string{"d"}, Usage: "Project directory (default: runner.default_dir)"},
					&cli.BoolFlag{Name: "interactive", Aliases: []string{"i"}, Usage: "Open a terminal session instead of running headless"},
				},
				Action: runRunsStart,
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a run",
				ArgsUsage: "<run_id>",
				Action:    runRunsCancel,
			},
			{
				Name:      "complete",
				Usage:     "Mark an interactive run as completed",
				ArgsUsage: "<run_id>",
				Action:    runRunsComplete,
			},
		},
	}
}

func runRunsList(ctx context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("usage: taskdeck runs list <task_id>")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := store.ListTaskRuns(ctx, taskID)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No runs found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCLI\tMODE\tSTATUS\tEXIT\tCREATED")
	for _, r := range list {
		exit := "-"
		if r.ExitCode != nil {
			exit = fmt.Sprintf("%d", *r.ExitCode)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.CLIType, r.Mode, r.Status, exit,
			r.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runRunsShow(ctx context.Context, cmd *cli.Command) error {
	runID := cmd.Args().First()
	if runID == "" {
		return fmt.Errorf("usage: taskdeck runs show <run_id>")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	r, err := store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	printRun(r)

	if r.Output != "" {
		fmt.Printf("\nOutput:\n%s", r.Output)
		if r.Output[len(r.Output)-1] != '\n' {
			fmt.Println()
		}
	}
	return nil
}

func printRun(r *runs.Run) {
	fmt.Printf("ID:          %s\n", r.ID)
	fmt.Printf("Task:        %s\n", r.TaskID)
	fmt.Printf("CLI:         %s (%s)\n", r.CLIType, r.Mode)
	fmt.Printf("Status:      %s\n", r.Status)
	fmt.Printf("Directory:   %s\n", r.ProjectDir)
	fmt.Printf("Created:     %s\n", r.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if r.StartedAt != nil {
		fmt.Printf("Started:     %s\n", r.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if r.CompletedAt != nil {
		fmt.Printf("Completed:   %s\n", r.CompletedAt.Local().Format("2006-01-02 15:04:05"))
		if r.StartedAt != nil {
			fmt.Printf("Duration:    %s\n", r.CompletedAt.Sub(*r.StartedAt).Truncate(time.Millisecond))
		}
	}
	if r.PID != nil {
		fmt.Printf("PID:         %d\n", *r.PID)
	}
	if r.ExitCode != nil {
		fmt.Printf("Exit code:   %d\n", *r.ExitCode)
	}
	if r.Error != "" {
		fmt.Printf("Error:       %s\n", r.Error)
	}
}

func runRunsStart(ctx context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("usage: taskdeck runs start --prompt TEXT [--cli NAME] [--dir PATH] <task_id>")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	c, err := dialGateway(ctx, cfg, "")
	if err != nil {
		return err
	}
	defer c.Close()

	var r runs.Run
	err = c.Call(wsprotocol.MethodStartRun, wsprotocol.StartRunParams{
		TaskID:      taskID,
		CLIType:     cmd.String("cli"),
		Prompt:      cmd.String("prompt"),
		ProjectDir:  cmd.String("dir"),
		Interactive: cmd.Bool("interactive"),
	}, &r)
	if err != nil {
		return err
	}
	fmt.Printf("Run %s %s (%s in %s)\n", r.ID, r.Status, r.CLIType, r.ProjectDir)
	return nil
}

func runRunsCancel(ctx context.Context, cmd *cli.Command) error {
	return runToggle(ctx, cmd, wsprotocol.MethodCancelRun, "cancelled")
}

func runRunsComplete(ctx context.Context, cmd *cli.Command) error {
	return runToggle(ctx, cmd, wsprotocol.MethodCompleteRun, "completed")
}

// runToggle sends a run-level request whose response is {key: bool}.
func runToggle(ctx context.Context, cmd *cli.Command, method wsprotocol.Method, key string) error {
	runID := cmd.Args().First()
	if runID == "" {
		return fmt.Errorf("usage: taskdeck runs %s <run_id>", cmd.Name)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	c, err := dialGateway(ctx, cfg, "")
	if err != nil {
		return err
	}
	defer c.Close()

	var res map[string]bool
	if err := c.Call(method, wsprotocol.RunParams{RunID: runID}, &res); err != nil {
		return err
	}
	if res[key] {
		fmt.Printf("Run %s %s.\n", runID, key)
	} else {
		fmt.Printf("Run %s was not %s (already finished or not in a state that allows it).\n", runID, key)
	}
	return nil
}
