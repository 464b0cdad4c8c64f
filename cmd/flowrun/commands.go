package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dukex/flowrun/pkg/cmd"
	"github.com/dukex/flowrun/pkg/definition"
	"github.com/dukex/flowrun/pkg/log"
	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/scheduler"
	"github.com/dukex/flowrun/pkg/workflow"
	"github.com/urfave/cli/v3"
)

var errWorkflowFailed = errors.New("workflow failed")

func newApp() *cli.Command {
	return &cli.Command{
		Name:                  "flowrun",
		Usage:                 "Run and inspect workflow definitions",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			runCommand(),
			validateCommand(),
			planCommand(),
			scheduleCommand(),
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Aliases:   []string{"r"},
		Usage:     "Execute workflow definitions and print the finished workflows",
		ArgsUsage: "FILE...",
		Flags:     cmd.StackFlags(),
		Action: func(ctx context.Context, command *cli.Command) error {
			if command.NArg() == 0 {
				return errors.New("at least one definition file is required")
			}

			log.Setup(command.String("log-level"))
			logger := log.WithModule("flowrun")

			stack, err := cmd.NewStack(ctx, logger, cmd.StackConfigFromCommand(command, "flowrun"))
			if err != nil {
				return err
			}

			defer closeStack(ctx, stack)

			var failed []string

			for _, path := range command.Args().Slice() {
				def, err := definition.Load(path)
				if err != nil {
					return err
				}

				created, err := stack.Engine.CreateWorkflow(ctx, def)
				if err != nil {
					return err
				}

				finished, err := stack.Engine.ExecuteWorkflow(ctx, created.ID)
				if finished == nil {
					return err
				}

				if err != nil {
					logger.WarnContext(ctx, "Workflow failed", "workflow_id", finished.ID, "error", err)
					failed = append(failed, finished.ID)
				}

				if err := printJSON(command.Root().Writer, finished); err != nil {
					return err
				}
			}

			if len(failed) > 0 {
				return fmt.Errorf("%w: %s", errWorkflowFailed, strings.Join(failed, ", "))
			}

			return nil
		},
	}
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Check workflow definitions without running them",
		ArgsUsage: "FILE...",
		Action: func(_ context.Context, command *cli.Command) error {
			if command.NArg() == 0 {
				return errors.New("at least one definition file is required")
			}

			out := command.Root().Writer
			invalid := 0

			for _, path := range command.Args().Slice() {
				problems := validateFile(path)
				if len(problems) == 0 {
					_, _ = fmt.Fprintf(out, "%s: ok\n", path)

					continue
				}

				invalid++

				for _, problem := range problems {
					_, _ = fmt.Fprintf(out, "%s: %s\n", path, problem)
				}
			}

			if invalid > 0 {
				return fmt.Errorf("%d of %d definitions are invalid", invalid, command.NArg())
			}

			return nil
		},
	}
}

func validateFile(path string) []string {
	def, err := definition.Load(path)
	if err != nil {
		var defErr *definition.Error
		if errors.As(err, &defErr) {
			return defErr.Problems
		}

		return []string{err.Error()}
	}

	if def.ID == "" {
		def.ID = definitionID(path, def)
	}

	return workflow.Validate(def)
}

func planCommand() *cli.Command {
	return &cli.Command{
		Name:      "plan",
		Aliases:   []string{"p"},
		Usage:     "Print the execution plan of a workflow definition",
		ArgsUsage: "FILE",
		Action: func(_ context.Context, command *cli.Command) error {
			if command.NArg() != 1 {
				return errors.New("exactly one definition file is required")
			}

			path := command.Args().First()

			def, err := definition.Load(path)
			if err != nil {
				return err
			}

			if def.ID == "" {
				def.ID = definitionID(path, def)
			}

			if problems := workflow.Validate(def); len(problems) > 0 {
				return workflow.ValidationErrors(problems)
			}

			plan, err := workflow.BuildPlan(def)
			if err != nil {
				return err
			}

			return printJSON(command.Root().Writer, plan)
		},
	}
}

func scheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "schedule",
		Aliases:   []string{"s"},
		Usage:     "Run workflow definitions on a cron schedule until interrupted",
		ArgsUsage: "FILE|DIR...",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:     "cron",
				Usage:    "Cron expression, e.g. '*/5 * * * *' or '@hourly'",
				Required: true,
				Sources:  cli.EnvVars("SCHEDULE_CRON"),
			},
		}, cmd.StackFlags()...),
		Action: func(ctx context.Context, command *cli.Command) error {
			if command.NArg() == 0 {
				return errors.New("at least one definition file or directory is required")
			}

			log.Setup(command.String("log-level"))
			logger := log.WithModule("flowrun")

			schedules, err := loadSchedules(command.Args().Slice(), command.String("cron"))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			stack, err := cmd.NewStack(ctx, logger, cmd.StackConfigFromCommand(command, "flowrun-scheduler"))
			if err != nil {
				return err
			}

			defer closeStack(ctx, stack)

			s := scheduler.New(stack.Engine, logger)

			for _, schedule := range schedules {
				if err := s.Add(schedule); err != nil {
					return err
				}
			}

			s.Start(ctx)
			<-ctx.Done()

			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()

			return s.Stop(stopCtx)
		},
	}
}

// loadSchedules binds every definition found in paths to cronExpr. Schedule
// ids come from the definition id, or the file name when it has none.
func loadSchedules(paths []string, cronExpr string) ([]scheduler.Schedule, error) {
	var schedules []scheduler.Schedule

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}

		if !info.IsDir() {
			def, err := definition.Load(path)
			if err != nil {
				return nil, err
			}

			schedules = append(schedules, scheduler.Schedule{ID: definitionID(path, def), CronExpr: cronExpr, Definition: def})

			continue
		}

		defs, err := definition.LoadDir(path)
		if err != nil {
			return nil, err
		}

		for _, def := range defs {
			schedules = append(schedules, scheduler.Schedule{ID: definitionID(path, def), CronExpr: cronExpr, Definition: def})
		}
	}

	for _, schedule := range schedules {
		if err := schedule.Validate(); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", schedule.ID, err)
		}
	}

	return schedules, nil
}

func definitionID(path string, def *models.Workflow) string {
	if def.ID != "" {
		return def.ID
	}

	if def.Name != "" {
		return strings.ToLower(strings.ReplaceAll(def.Name, " ", "-"))
	}

	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

func closeStack(ctx context.Context, stack *cmd.Stack) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := stack.Close(closeCtx); err != nil {
		log.WithModule("flowrun").ErrorContext(ctx, "Failed to close engine stack", "error", err)
	}
}

func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	return encoder.Encode(v)
}
