package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/rota/internal/models"
	"github.com/joescharf/rota/internal/output"
)

var (
	taskType        string
	taskPayload     string
	taskPayloadFile string
	taskStatus      string
	taskResult      string
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Submit and track agent tasks",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a task to the scheduling agent",
	Long: `Submit a task to the scheduling agent. The payload is passed through
as-is; use --payload-file - to read it from stdin.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskSubmitRun(cmd.InOrStdin())
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskListRun()
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskShowRun(args[0])
	},
}

var taskUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Set a task's status and result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskUpdateRun(args[0])
	},
}

func init() {
	taskSubmitCmd.Flags().StringVarP(&taskType, "type", "t", "", "Task type")
	taskSubmitCmd.Flags().StringVar(&taskPayload, "payload", "", "Task payload")
	taskSubmitCmd.Flags().StringVar(&taskPayloadFile, "payload-file", "", "Read the payload from a file (- for stdin)")
	taskSubmitCmd.MarkFlagsMutuallyExclusive("payload", "payload-file")
	_ = taskSubmitCmd.MarkFlagRequired("type")

	taskListCmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON")
	taskShowCmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON")

	taskUpdateCmd.Flags().StringVar(&taskStatus, "status", "", "New status (PENDING, IN_PROGRESS, COMPLETED, FAILED)")
	taskUpdateCmd.Flags().StringVar(&taskResult, "result", "", "Result text")
	_ = taskUpdateCmd.MarkFlagRequired("status")

	taskCmd.AddCommand(taskSubmitCmd, taskListCmd, taskShowCmd, taskUpdateCmd)
	rootCmd.AddCommand(taskCmd)
}

func readPayload(stdin io.Reader) (string, error) {
	if taskPayloadFile == "" {
		return taskPayload, nil
	}
	in := stdin
	if taskPayloadFile != "-" {
		f, err := os.Open(taskPayloadFile)
		if err != nil {
			return "", err
		}
		defer f.Close()
		in = f
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("read payload: %w", err)
	}
	return string(data), nil
}

func taskSubmitRun(stdin io.Reader) error {
	payload, err := readPayload(stdin)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would submit a %s task (%d byte payload)", taskType, len(payload))
		return nil
	}
	c, err := requireSession()
	if err != nil {
		return err
	}
	task, err := c.API().CreateTask(context.Background(), models.CreateTaskRequest{TaskType: taskType, Payload: payload})
	if err != nil {
		return err
	}
	ui.Success("Submitted task #%d (%s)", task.ID, output.StatusColor(string(task.Status)))
	return nil
}

func taskListRun() error {
	c, err := requireSession()
	if err != nil {
		return err
	}
	tasks, err := c.API().ListPendingTasks(context.Background())
	if err != nil {
		return err
	}
	if jsonOut {
		if tasks == nil {
			tasks = []models.AgentTask{}
		}
		return printJSON(tasks)
	}
	if len(tasks) == 0 {
		ui.Info("No pending tasks")
		return nil
	}

	table := ui.Table([]string{"ID", "Type", "Status", "Created", "Payload"})
	for _, t := range tasks {
		_ = table.Append([]string{
			strconv.FormatInt(t.ID, 10),
			t.TaskType,
			output.StatusColor(string(t.Status)),
			output.When(t.CreatedAt.Time),
			truncate(strings.ReplaceAll(t.Payload, "\n", " "), 48),
		})
	}
	_ = table.Render()
	return nil
}

func taskShowRun(arg string) error {
	id, err := parseID(arg)
	if err != nil {
		return err
	}
	c, err := requireSession()
	if err != nil {
		return err
	}
	t, err := c.API().GetTask(context.Background(), id)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(t)
	}
	printTask(t)
	return nil
}

func printTask(t *models.AgentTask) {
	fmt.Fprintf(ui.Out, "Task #%d  %s\n", t.ID, output.StatusColor(string(t.Status)))
	fmt.Fprintf(ui.Out, "  Type:    %s\n", t.TaskType)
	fmt.Fprintf(ui.Out, "  Created: %s\n", output.When(t.CreatedAt.Time))
	fmt.Fprintf(ui.Out, "  Updated: %s\n", output.When(t.UpdatedAt.Time))
	fmt.Fprintf(ui.Out, "  Payload: %s\n", orDash(t.Payload))
	fmt.Fprintf(ui.Out, "  Result:  %s\n", orDash(t.Result))
}

func taskUpdateRun(arg string) error {
	id, err := parseID(arg)
	if err != nil {
		return err
	}
	st := models.TaskStatus(strings.ToUpper(taskStatus))
	if !st.Valid() {
		return fmt.Errorf("unknown task status %q", taskStatus)
	}
	if dryRun {
		ui.DryRunMsg("Would set task #%d to %s", id, st)
		return nil
	}
	c, err := requireSession()
	if err != nil {
		return err
	}
	t, err := c.API().UpdateTask(context.Background(), id, models.UpdateTaskRequest{Status: st, Result: taskResult})
	if err != nil {
		return err
	}
	ui.Success("Task #%d is now %s", t.ID, output.StatusColor(string(t.Status)))
	return nil
}
