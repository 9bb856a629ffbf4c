package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/rota/internal/apiclient"
	"github.com/joescharf/rota/internal/models"
	"github.com/joescharf/rota/internal/output"
)

var (
	shiftOpen       bool
	shiftDepartment int64
	shiftStatus     string
	shiftStart      string
	shiftEnd        string
	shiftRole       string
	shiftNotes      string
	shiftAssignee   int64
	shiftUnassign   bool
)

var shiftCmd = &cobra.Command{
	Use:   "shift",
	Short: "List and manage shifts",
}

var shiftListCmd = &cobra.Command{
	Use:   "list",
	Short: "List shifts",
	Long: `List shifts from the scheduling service.

--open lists only unassigned shifts. --department lists one department,
optionally bounded by --start and --end.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return shiftListRun()
	},
}

var shiftShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one shift",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return shiftShowRun(args[0])
	},
}

var shiftCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a shift",
	RunE: func(cmd *cobra.Command, args []string) error {
		return shiftCreateRun()
	},
}

var shiftUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Assign, annotate or change the status of a shift",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return shiftUpdateRun(cmd, args[0])
	},
}

var shiftDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a shift",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return shiftDeleteRun(args[0])
	},
}

func init() {
	shiftListCmd.Flags().BoolVar(&shiftOpen, "open", false, "Only open shifts")
	shiftListCmd.Flags().Int64Var(&shiftDepartment, "department", 0, "Only this department")
	shiftListCmd.Flags().StringVar(&shiftStatus, "status", "", "Filter by status (OPEN, ASSIGNED, COMPLETED, CANCELLED)")
	shiftListCmd.Flags().StringVar(&shiftStart, "start", "", "Window start, with --department")
	shiftListCmd.Flags().StringVar(&shiftEnd, "end", "", "Window end, with --department")
	shiftListCmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON")
	shiftShowCmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON")

	shiftCreateCmd.Flags().StringVar(&shiftStart, "start", "", "Start time, e.g. 2025-03-10T07:00")
	shiftCreateCmd.Flags().StringVar(&shiftEnd, "end", "", "End time")
	shiftCreateCmd.Flags().StringVar(&shiftRole, "role", string(models.RoleNurse), "Required role")
	shiftCreateCmd.Flags().Int64Var(&shiftDepartment, "department", 0, "Department ID")
	shiftCreateCmd.Flags().StringVar(&shiftNotes, "notes", "", "Notes")
	for _, f := range []string{"start", "end", "department"} {
		_ = shiftCreateCmd.MarkFlagRequired(f)
	}

	shiftUpdateCmd.Flags().Int64Var(&shiftAssignee, "assignee", 0, "Assign to this user ID")
	shiftUpdateCmd.Flags().BoolVar(&shiftUnassign, "unassign", false, "Remove the assignee")
	shiftUpdateCmd.Flags().StringVar(&shiftNotes, "notes", "", "Replace the notes")
	shiftUpdateCmd.Flags().StringVar(&shiftStatus, "status", "", "New status")
	shiftUpdateCmd.MarkFlagsMutuallyExclusive("assignee", "unassign")

	shiftCmd.AddCommand(shiftListCmd, shiftShowCmd, shiftCreateCmd, shiftUpdateCmd, shiftDeleteCmd)
	rootCmd.AddCommand(shiftCmd)
}

func parseShiftStatus(s string) (models.ShiftStatus, error) {
	st := models.ShiftStatus(strings.ToUpper(s))
	if !st.Valid() {
		return "", fmt.Errorf("unknown shift status %q", s)
	}
	return st, nil
}

func shiftListRun() error {
	c, err := requireSession()
	if err != nil {
		return err
	}
	ctx := context.Background()

	var shifts []models.Shift
	switch {
	case shiftDepartment > 0:
		from, to, werr := parseWindow(shiftStart, shiftEnd)
		if werr != nil {
			return werr
		}
		shifts, err = c.API().ListDepartmentShifts(ctx, shiftDepartment, apiclient.Window{Start: from, End: to})
	case shiftOpen:
		shifts, err = c.API().ListOpenShifts(ctx)
	default:
		shifts, err = c.API().ListShifts(ctx)
	}
	if err != nil {
		return err
	}

	if shiftStatus != "" {
		st, serr := parseShiftStatus(shiftStatus)
		if serr != nil {
			return serr
		}
		filtered := shifts[:0]
		for _, s := range shifts {
			if s.Status == st {
				filtered = append(filtered, s)
			}
		}
		shifts = filtered
	}

	if jsonOut {
		if shifts == nil {
			shifts = []models.Shift{}
		}
		return printJSON(shifts)
	}
	if len(shifts) == 0 {
		ui.Info("No shifts")
		return nil
	}
	printShiftTable(shifts)
	return nil
}

func printShiftTable(shifts []models.Shift) {
	table := ui.Table([]string{"ID", "Start", "End", "Role", "Department", "Status", "Assignee"})
	for _, s := range shifts {
		_ = table.Append([]string{
			strconv.FormatInt(s.ID, 10),
			output.When(s.StartTime.Time),
			output.When(s.EndTime.Time),
			string(s.RequiredRole),
			departmentLabel(s),
			output.StatusColor(string(s.Status)),
			assigneeLabel(s),
		})
	}
	_ = table.Render()
}

func departmentLabel(s models.Shift) string {
	if s.DepartmentName != "" {
		return s.DepartmentName
	}
	return fmt.Sprintf("#%d", s.DepartmentID)
}

func assigneeLabel(s models.Shift) string {
	switch {
	case s.AssigneeName != "":
		return s.AssigneeName
	case s.AssigneeUserID != nil:
		return fmt.Sprintf("user #%d", *s.AssigneeUserID)
	default:
		return "-"
	}
}

func shiftShowRun(arg string) error {
	id, err := parseID(arg)
	if err != nil {
		return err
	}
	c, err := requireSession()
	if err != nil {
		return err
	}
	s, err := c.API().GetShift(context.Background(), id)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(s)
	}
	printShift(s)
	return nil
}

func printShift(s *models.Shift) {
	fmt.Fprintf(ui.Out, "Shift #%d  %s\n", s.ID, output.StatusColor(string(s.Status)))
	fmt.Fprintf(ui.Out, "  Start:      %s\n", output.When(s.StartTime.Time))
	fmt.Fprintf(ui.Out, "  End:        %s\n", output.When(s.EndTime.Time))
	fmt.Fprintf(ui.Out, "  Role:       %s\n", s.RequiredRole)
	fmt.Fprintf(ui.Out, "  Department: %s\n", departmentLabel(*s))
	fmt.Fprintf(ui.Out, "  Assignee:   %s\n", assigneeLabel(*s))
	if s.Notes != "" {
		fmt.Fprintf(ui.Out, "  Notes:      %s\n", s.Notes)
	}
}

func shiftCreateRun() error {
	from, to, err := parseWindow(shiftStart, shiftEnd)
	if err != nil {
		return err
	}
	roles, err := parseRoles([]string{shiftRole})
	if err != nil {
		return err
	}
	req := models.CreateShiftRequest{
		StartTime:    models.NewTimestamp(from),
		EndTime:      models.NewTimestamp(to),
		RequiredRole: roles[0],
		DepartmentID: shiftDepartment,
		Notes:        shiftNotes,
	}

	if dryRun {
		ui.DryRunMsg("Would create a %s shift in department %d, %s to %s",
			req.RequiredRole, req.DepartmentID, output.When(from), output.When(to))
		return nil
	}

	c, err := requireSession()
	if err != nil {
		return err
	}
	s, err := c.API().CreateShift(context.Background(), req)
	if err != nil {
		return err
	}
	ui.Success("Created shift #%d", s.ID)
	return nil
}

// shiftUpdateRun sends the full update body: unchanged fields are copied
// from the current shift.
func shiftUpdateRun(cmd *cobra.Command, arg string) error {
	id, err := parseID(arg)
	if err != nil {
		return err
	}
	c, err := requireSession()
	if err != nil {
		return err
	}
	ctx := context.Background()

	cur, err := c.API().GetShift(ctx, id)
	if err != nil {
		return err
	}
	req := models.UpdateShiftRequest{
		AssigneeUserID: cur.AssigneeUserID,
		Notes:          cur.Notes,
		Status:         cur.Status,
	}
	flags := cmd.Flags()
	if flags.Changed("assignee") {
		req.AssigneeUserID = &shiftAssignee
	}
	if shiftUnassign {
		req.AssigneeUserID = nil
	}
	if flags.Changed("notes") {
		req.Notes = shiftNotes
	}
	if flags.Changed("status") {
		if req.Status, err = parseShiftStatus(shiftStatus); err != nil {
			return err
		}
	}

	if dryRun {
		ui.DryRunMsg("Would update shift #%d: status %s, notes %q", id, req.Status, req.Notes)
		return nil
	}

	updated, err := c.API().UpdateShift(ctx, id, req)
	if err != nil {
		return err
	}
	ui.Success("Updated shift #%d", updated.ID)
	printShift(updated)
	return nil
}

func shiftDeleteRun(arg string) error {
	id, err := parseID(arg)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would delete shift #%d", id)
		return nil
	}
	c, err := requireSession()
	if err != nil {
		return err
	}
	if err := c.API().DeleteShift(context.Background(), id); err != nil {
		return err
	}
	ui.Success("Deleted shift #%d", id)
	return nil
}
