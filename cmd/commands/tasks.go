package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/taskdeck/internal/storage"
	"github.com/dohr-michael/taskdeck/internal/tasks"
)

// NewTasksCommand returns the tasks subcommand.
func NewTasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Manage tasks",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List tasks",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "workspace", Aliases: []string{"w"}, Usage: "Only tasks of this workspace"},
				},
				Action: runTasksList,
			},
			{
				Name:      "create",
				Usage:     "Create a task",
				ArgsUsage: "<title>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "workspace", Aliases: []string{"w"}, Usage: "Workspace of the task"},
				},
				Action: runTasksCreate,
			},
			{
				Name:      "log",
				Usage:     "Show the lifecycle event log of a task",
				ArgsUsage: "<task_id>",
				Action:    runTasksLog,
			},
		},
		DefaultCommand: "list",
	}
}

func runTasksList(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := store.ListTasks(ctx, cmd.String("workspace"))
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWORKSPACE\tSTATUS\tUPDATED\tTITLE")
	for _, t := range list {
		workspace := t.WorkspaceID
		if workspace == "" {
			workspace = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			t.ID,
			workspace,
			t.Status,
			t.UpdatedAt.Local().Format("2006-01-02 15:04"),
			t.Title,
		)
	}
	return w.Flush()
}

func runTasksCreate(ctx context.Context, cmd *cli.Command) error {
	title := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
	if title == "" {
		return fmt.Errorf("usage: taskdeck tasks create [--workspace ID] <title>")
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

	t := &tasks.Task{WorkspaceID: cmd.String("workspace"), Title: title}
	if err := store.CreateTask(ctx, t); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	fmt.Println(t.ID)
	return nil
}

func runTasksLog(_ context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("usage: taskdeck tasks log <task_id>")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	list, err := storage.ReadEventLog(cfg.Events.LogDir, taskID)
	if err != nil {
		return fmt.Errorf("read event log: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No events logged.")
		return nil
	}

	for _, e := range list {
		fmt.Printf("%s  %s\n", e.Timestamp.Local().Format("2006-01-02 15:04:05"), describeEvent(e))
	}
	return nil
}
