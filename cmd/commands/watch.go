package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/taskdeck/internal/events"
	wsprotocol "github.com/dohr-michael/taskdeck/internal/gateway/ws"
)

// NewWatchCommand returns the watch subcommand.
func NewWatchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Stream live run status and output",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "workspace", Aliases: []string{"w"}, Usage: "Only events of this workspace"},
			&cli.StringFlag{Name: "task", Aliases: []string{"t"}, Usage: "Only events of this task"},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "Hide run output, show status changes only"},
		},
		Action: runWatch,
	}
}

func runWatch(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	c, err := dialGateway(ctx, cfg, cmd.String("workspace"))
	if err != nil {
		return err
	}
	defer c.Close()

	taskFilter := cmd.String("task")
	quiet := cmd.Bool("quiet")

	for {
		f, err := c.ReadFrame()
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return fmt.Errorf("watch: %w", err)
		}
		if f.Type != wsprotocol.FrameTypeEvent {
			continue
		}
		e, ok := frameEvent(f)
		if !ok || (taskFilter != "" && e.TaskID != taskFilter) {
			continue
		}

		if p, ok := events.GetRunOutputPayload(e); ok {
			if !quiet {
				fmt.Fprint(os.Stdout, p.Chunk)
			}
			continue
		}
		fmt.Fprintf(os.Stderr, "[%s] %s\n", e.Timestamp.Local().Format("15:04:05"), describeEvent(e))
	}
}

func frameEvent(f wsprotocol.Frame) (events.Event, bool) {
	e := events.Event{
		ID:          f.ID,
		Type:        events.EventType(f.Event),
		WorkspaceID: f.WorkspaceID,
		TaskID:      f.TaskID,
	}
	if ts, err := time.Parse(time.RFC3339Nano, f.Timestamp); err == nil {
		e.Timestamp = ts
	}
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &e.Payload); err != nil {
			return e, false
		}
	}
	return e, true
}

// describeEvent renders a lifecycle event as one line.
func describeEvent(e events.Event) string {
	if p, ok := events.GetRunStatusPayload(e); ok {
		s := fmt.Sprintf("run %s %s (%s, %s)", p.RunID, p.Status, p.CLIType, p.Mode)
		if p.ExitCode != nil {
			s += fmt.Sprintf(" exit=%d", *p.ExitCode)
		}
		if p.Error != "" {
			s += " error=" + p.Error
		}
		return s
	}
	if p, ok := events.GetTaskUpdatedPayload(e); ok {
		if !p.Changed() {
			return fmt.Sprintf("task %s stays %s", e.TaskID, p.Status)
		}
		return fmt.Sprintf("task %s %s -> %s", e.TaskID, p.PreviousStatus, p.Status)
	}
	if p, ok := events.GetRunOutputPayload(e); ok {
		return fmt.Sprintf("run %s output #%d (%d bytes)", p.RunID, p.Seq, len(p.Chunk))
	}
	return string(e.Type)
}
